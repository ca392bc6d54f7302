// File: internal/usecase/stream_gateway.go
package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hearing-summarizer/internal/domain/model"
	"hearing-summarizer/internal/domain/ports/adapter"
	"hearing-summarizer/internal/domain/ports/repository"
	"hearing-summarizer/internal/infra/metrics"
)

// StreamGateway serves a job's event log as a resumable push stream. Viewers only read
// the log; attaching or detaching has no effect on the job's execution.
type StreamGateway struct {
	store    repository.JobStore
	notifier adapter.EventNotifier
	pageSize int
	poll     time.Duration
	log      *zerolog.Logger
}

func NewStreamGateway(store repository.JobStore, notifier adapter.EventNotifier, pageSize int, poll time.Duration, logger *zerolog.Logger) *StreamGateway {
	if pageSize <= 0 {
		pageSize = 500
	}
	if poll <= 0 {
		poll = 2 * time.Second
	}
	l := logger.With().Str("component", "StreamGateway").Logger()
	return &StreamGateway{store: store, notifier: notifier, pageSize: pageSize, poll: poll, log: &l}
}

// Subscription is one viewer's attachment to a job.
type Subscription struct {
	events chan *model.Event
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// Events yields events in seq order. The channel is closed after the job's terminal
// event, on Close, or on a read failure reported by Err.
func (s *Subscription) Events() <-chan *model.Event { return s.events }

func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) Close() { s.cancel() }

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Attach replays the events after cursor and then follows the log live until the job
// finalizes. It returns domain.ErrNotFound for unknown jobs.
func (g *StreamGateway) Attach(ctx context.Context, jobID string, cursor int64) (*Subscription, error) {
	if _, err := g.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{events: make(chan *model.Event, 16), cancel: cancel}

	// Subscribe before the first read so no append between them goes unnoticed.
	wake, unsubscribe := g.notifier.Subscribe(jobID)
	metrics.StreamOpened()

	go func() {
		defer func() {
			unsubscribe()
			cancel()
			close(sub.events)
			metrics.StreamClosed()
		}()
		if err := g.follow(ctx, jobID, cursor, wake, sub.events); err != nil && ctx.Err() == nil {
			g.log.Warn().Err(err).Str("job_id", jobID).Int64("cursor", cursor).Msg("stream aborted")
			sub.fail(err)
		}
	}()
	return sub, nil
}

func (g *StreamGateway) follow(ctx context.Context, jobID string, cursor int64, wake <-chan struct{}, out chan<- *model.Event) error {
	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()

	for {
		page, err := g.store.ListEventsSince(ctx, jobID, cursor, g.pageSize)
		if err != nil {
			return err
		}
		for _, ev := range page {
			select {
			case out <- ev:
			case <-ctx.Done():
				return nil
			}
			cursor = ev.Seq
			if ev.IsTerminal() {
				return nil
			}
		}
		if len(page) == g.pageSize {
			continue
		}
		if len(page) == 0 {
			// A cursor at or past the final event has nothing left to follow.
			job, err := g.store.GetJob(ctx, jobID)
			if err != nil {
				return err
			}
			if job.State.IsTerminal() && cursor >= job.EventSeq {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		case <-ticker.C:
		}
	}
}
