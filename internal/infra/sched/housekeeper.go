package sched

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lthibault/jitterbug/v2"
	"github.com/rs/zerolog"

	"hearing-summarizer/internal/infra/metrics"
	"hearing-summarizer/internal/infra/redis"
)

const lockKey = "hearing-summarizer:housekeeping"

// Purger drops terminal jobs, with their variants and events, last touched before cutoff.
type Purger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// StaleFailer marks non-terminal jobs nobody is running as interrupted.
type StaleFailer interface {
	FailStale(ctx context.Context, cutoff time.Time) (int, error)
}

type Options struct {
	Interval   time.Duration
	Retention  time.Duration // 0 keeps finished jobs forever
	StaleAfter time.Duration // 0 disables the stale sweep
}

// Housekeeper periodically purges expired jobs and fails orphaned ones. When a locker
// is set, only one instance does a round at a time.
type Housekeeper struct {
	opts   Options
	purger Purger
	stale  StaleFailer
	locker redis.Locker
	log    *zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewHousekeeper(opts Options, purger Purger, stale StaleFailer, locker redis.Locker, logger *zerolog.Logger) *Housekeeper {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	l := logger.With().Str("component", "Housekeeper").Logger()
	return &Housekeeper{
		opts:   opts,
		purger: purger,
		stale:  stale,
		locker: locker,
		log:    &l,
	}
}

// Start runs the loop in the background. Calling it twice has no effect.
func (h *Housekeeper) Start(parent context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	h.cancel = cancel
	h.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		h.Run(ctx)
	}(h.done)
}

// Stop cancels the loop and waits for it to return. It is idempotent.
func (h *Housekeeper) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel, h.done = nil, nil
	h.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (h *Housekeeper) Run(ctx context.Context) {
	h.log.Info().Dur("interval", h.opts.Interval).Msg("Starting housekeeper")
	ticker := jitterbug.New(h.opts.Interval, &jitterbug.Norm{Stdev: h.opts.Interval / 20})
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info().Msg("Stopping housekeeper")
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			h.Tick(runCtx, time.Now())
			cancel()
		}
	}
}

// Tick does one round as of now.
func (h *Housekeeper) Tick(ctx context.Context, now time.Time) {
	if h.locker != nil {
		token, err := h.locker.TryLock(ctx, lockKey, h.opts.Interval)
		if errors.Is(err, redis.ErrLockHeld) {
			h.log.Debug().Msg("housekeeping round held by another instance")
			return
		}
		if err != nil {
			h.log.Warn().Err(err).Msg("housekeeping lock unavailable; skipping round")
			return
		}
		defer func() {
			if err := h.locker.Unlock(context.Background(), lockKey, token); err != nil {
				h.log.Warn().Err(err).Msg("housekeeping unlock failed")
			}
		}()
	}

	if h.stale != nil && h.opts.StaleAfter > 0 {
		n, err := h.stale.FailStale(ctx, now.Add(-h.opts.StaleAfter))
		if err != nil {
			h.log.Error().Err(err).Msg("stale sweep failed")
		}
		if n > 0 {
			metrics.AddHousekeeping("interrupted", n)
			h.log.Warn().Int("count", n).Msg("stale jobs interrupted")
		}
	}

	if h.purger != nil && h.opts.Retention > 0 {
		n, err := h.purger.PurgeBefore(ctx, now.Add(-h.opts.Retention))
		if err != nil {
			h.log.Error().Err(err).Msg("retention purge failed")
		}
		if n > 0 {
			metrics.AddHousekeeping("purged", int(n))
			h.log.Info().Int64("count", n).Msg("expired jobs purged")
		}
	}
}
