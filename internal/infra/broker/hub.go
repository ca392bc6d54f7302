// Package broker fans out "job has new events" notifications to stream viewers
// inside one process.
package broker

import (
	"context"
	"sync"

	"hearing-summarizer/internal/domain/ports/adapter"
)

var _ adapter.EventNotifier = (*Hub)(nil)

// Hub delivers coalescing wake-ups per job. Each subscriber channel has capacity one:
// a viewer that has not yet drained a pending wake-up loses nothing by missing the
// next, because it re-reads the log from its cursor.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan struct{}]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan struct{}]struct{})}
}

func (h *Hub) Publish(_ context.Context, jobID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[jobID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (h *Hub) Subscribe(jobID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	set, ok := h.subs[jobID]
	if !ok {
		set = make(map[chan struct{}]struct{})
		h.subs[jobID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.subs[jobID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(h.subs, jobID)
				}
			}
		})
	}
}

// Subscribers is the number of open subscriptions for a job.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}
