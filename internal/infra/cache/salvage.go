package cache

import (
	"container/list"
	"sync"
	"time"

	"hearing-summarizer/internal/domain/model"
	"hearing-summarizer/internal/infra/metrics"
)

const cacheName = "salvage"

// Snapshot is the latest known output of one variant.
type Snapshot struct {
	JobID     string    `json:"jobId"`
	Variant   int       `json:"variant"`
	Markdown  string    `json:"markdown"`
	Summary   string    `json:"summary"`
	Headings  []string  `json:"headings"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HearingSnapshot groups the variants of the most recent job seen for a hearing.
type HearingSnapshot struct {
	HearingID string           `json:"hearingId"`
	JobID     string           `json:"jobId"`
	Variants  map[int]Snapshot `json:"variants"`
}

type hearingEntry struct {
	hearingID string
	jobID     string
	variants  map[int]Snapshot
}

// Salvage is a bounded, non-authoritative map of hearing -> variant -> latest snapshot.
// Capacity counts variant snapshots across all hearings. When it is exceeded, the least
// recently updated hearing is evicted as a whole.
type Salvage struct {
	mu       sync.Mutex
	capacity int
	size     int
	order    *list.List // front = most recently updated
	index    map[string]*list.Element
}

func NewSalvage(capacity int) *Salvage {
	if capacity <= 0 {
		capacity = 1
	}
	return &Salvage{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// Put records the snapshot of a variant. A hearing holds the variants of its newest job
// only: a write from a newer job replaces the entry, a write from an older one is
// ignored. Job ids sort by creation time.
func (c *Salvage) Put(hearingID string, v *model.Variant) {
	if hearingID == "" || v == nil {
		return
	}
	snap := Snapshot{
		JobID:     v.JobID,
		Variant:   v.Index,
		Markdown:  v.Markdown,
		Summary:   v.Summary,
		Headings:  append([]string(nil), v.Headings...),
		UpdatedAt: v.UpdatedAt,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[hearingID]
	if !ok {
		el = c.order.PushFront(&hearingEntry{hearingID: hearingID, jobID: v.JobID, variants: make(map[int]Snapshot)})
		c.index[hearingID] = el
	} else if v.JobID < el.Value.(*hearingEntry).jobID {
		return
	} else {
		c.order.MoveToFront(el)
	}
	e := el.Value.(*hearingEntry)
	if e.jobID != v.JobID {
		c.size -= len(e.variants)
		e.jobID = v.JobID
		e.variants = make(map[int]Snapshot)
	}
	if _, exists := e.variants[v.Index]; !exists {
		c.size++
	}
	e.variants[v.Index] = snap

	for c.size > c.capacity && c.order.Len() > 1 {
		c.evictOldest()
	}
}

func (c *Salvage) evictOldest() {
	el := c.order.Back()
	if el == nil {
		return
	}
	e := el.Value.(*hearingEntry)
	c.order.Remove(el)
	delete(c.index, e.hearingID)
	c.size -= len(e.variants)
	metrics.IncCacheEviction(cacheName)
}

// Get returns a copy of the cached snapshot for a hearing.
func (c *Salvage) Get(hearingID string) (*HearingSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[hearingID]
	if !ok {
		metrics.IncCacheRequest(cacheName, "miss")
		return nil, false
	}
	metrics.IncCacheRequest(cacheName, "hit")
	e := el.Value.(*hearingEntry)
	out := &HearingSnapshot{HearingID: e.hearingID, JobID: e.jobID, Variants: make(map[int]Snapshot, len(e.variants))}
	for k, s := range e.variants {
		s.Headings = append([]string(nil), s.Headings...)
		out.Variants[k] = s
	}
	return out, true
}

// Len is the number of cached variant snapshots.
func (c *Salvage) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}
