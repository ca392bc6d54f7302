package limiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const sweepEvery = time.Minute

type bucket struct {
	lim      *rate.Limiter
	window   time.Duration
	lastSeen time.Time
}

// Rate is a per-key token bucket refilled at limit tokens per window. Buckets idle for a
// full window are back at burst and get dropped on the next sweep.
type Rate struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	now       func() time.Time
	lastSweep time.Time
}

func NewRate() *Rate {
	return newRateAt(time.Now)
}

func newRateAt(now func() time.Time) *Rate {
	return &Rate{buckets: make(map[string]*bucket), now: now, lastSweep: now()}
}

// Allow has the same shape as the redis fixed-window limiter so either can back the
// submission middleware.
func (r *Rate) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.Sub(r.lastSweep) >= sweepEvery {
		r.sweep(now)
	}
	b, ok := r.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit), window: window}
		r.buckets[key] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1), nil
}

func (r *Rate) sweep(now time.Time) {
	for key, b := range r.buckets {
		if now.Sub(b.lastSeen) >= b.window {
			delete(r.buckets, key)
		}
	}
	r.lastSweep = now
}

// Len reports how many keys hold a bucket.
func (r *Rate) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}
