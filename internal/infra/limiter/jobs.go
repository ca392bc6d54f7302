// Package limiter holds the in-process counterparts of the redis limiters.
package limiter

import (
	"context"
	"sync"

	"hearing-summarizer/internal/domain/ports/adapter"
)

var _ adapter.JobLimiter = (*Jobs)(nil)

// Jobs bounds the number of non-terminal jobs per client within one process.
type Jobs struct {
	mu    sync.Mutex
	limit int
	held  map[string]map[string]struct{}
}

func NewJobs(limit int) *Jobs {
	return &Jobs{limit: limit, held: make(map[string]map[string]struct{})}
}

func (l *Jobs) Acquire(_ context.Context, clientKey, jobID string) (bool, error) {
	if clientKey == "" {
		return true, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	set := l.held[clientKey]
	if _, ok := set[jobID]; ok {
		return true, nil
	}
	if len(set) >= l.limit {
		return false, nil
	}
	if set == nil {
		set = make(map[string]struct{})
		l.held[clientKey] = set
	}
	set[jobID] = struct{}{}
	return true, nil
}

func (l *Jobs) Release(_ context.Context, clientKey, jobID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if set, ok := l.held[clientKey]; ok {
		delete(set, jobID)
		if len(set) == 0 {
			delete(l.held, clientKey)
		}
	}
	return nil
}
