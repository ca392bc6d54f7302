//go:build !integration

package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v4"

	"hearing-summarizer/internal/domain"
	"hearing-summarizer/internal/domain/model"
	"hearing-summarizer/internal/domain/ports/repository"
)

func seed(t *testing.T, s *Store, id, key string, n int) *model.Job {
	t.Helper()
	in := model.SummaryInput{HearingID: "168", Text: "svar", VariantCount: n}
	now := time.Now()
	job := model.NewJob(id, in, key, "", now)
	err := s.WithTx(context.Background(), pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := s.CreateJob(ctx, tx, job); err != nil {
			return err
		}
		if err := s.CreateVariants(ctx, tx, model.NewVariants(job.ID, in, now)); err != nil {
			return err
		}
		_, err := s.AppendEvent(ctx, tx, model.NewJobEvent(job.ID, model.EventJobCreated, "created"))
		return err
	})
	if err != nil {
		t.Fatalf("failed to seed job: %v", err)
	}
	return job
}

func TestStore_UnitOfWork(t *testing.T) {
	ctx := context.Background()

	t.Run("should discard everything staged when the unit of work fails", func(t *testing.T) {
		s := NewStore()
		boom := errors.New("boom")
		job := model.NewJob("job_x", model.SummaryInput{HearingID: "1", Text: "x", VariantCount: 1}, "k", "", time.Now())
		err := s.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
			if err := s.CreateJob(ctx, tx, job); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		if _, err := s.GetJob(ctx, job.ID); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected job to be absent, got %v", err)
		}
		if _, err := s.FindByIdempotencyKey(ctx, "k"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected key to be unclaimed, got %v", err)
		}
	})

	t.Run("should enforce idempotency key uniqueness until released", func(t *testing.T) {
		s := NewStore()
		first := seed(t, s, "job_1", "key", 1)

		dup := model.NewJob("job_2", model.SummaryInput{HearingID: "1", Text: "x", VariantCount: 1}, "key", "", time.Now())
		if err := s.CreateJob(ctx, nil, dup); !errors.Is(err, domain.ErrAlreadyExists) {
			t.Fatalf("expected ErrAlreadyExists, got %v", err)
		}

		err := s.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
			if err := s.ReleaseIdempotencyKey(ctx, tx, first.ID); err != nil {
				return err
			}
			return s.CreateJob(ctx, tx, dup)
		})
		if err != nil {
			t.Fatalf("expected claim after release, got %v", err)
		}
		found, err := s.FindByIdempotencyKey(ctx, "key")
		if err != nil || found.ID != "job_2" {
			t.Errorf("expected key to point at job_2, got %v (%v)", found, err)
		}
		old, _ := s.GetJob(ctx, first.ID)
		if old.IdempotencyKey != "" {
			t.Errorf("expected released key on the old job, got %q", old.IdempotencyKey)
		}
	})
}

func TestStore_AppendEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("should assign dense seq under concurrent appends", func(t *testing.T) {
		s := NewStore()
		job := seed(t, s, "job_1", "", 2)
		if _, err := s.AppendEvent(ctx, nil, model.NewJobEvent(job.ID, model.EventJobRunning, "running")); err != nil {
			t.Fatalf("append: %v", err)
		}

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				idx := i%2 + 1
				if _, err := s.AppendEvent(ctx, nil, model.NewChunkEvent(job.ID, idx, model.ChunkMarkdown, "ab", 10)); err != nil {
					t.Errorf("append: %v", err)
				}
			}(i)
		}
		wg.Wait()

		events, err := s.ListEventsSince(ctx, job.ID, 0, 0)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(events) != 52 {
			t.Fatalf("expected 52 events, got %d", len(events))
		}
		for i, ev := range events {
			if ev.Seq != int64(i+1) {
				t.Fatalf("expected seq %d at %d, got %d", i+1, i, ev.Seq)
			}
		}
		variants, _ := s.GetVariants(ctx, job.ID)
		if variants[0].PartialChars+variants[1].PartialChars != 100 {
			t.Errorf("expected 100 partial chars in total, got %d+%d", variants[0].PartialChars, variants[1].PartialChars)
		}
	})

	t.Run("should not append rejected events", func(t *testing.T) {
		s := NewStore()
		job := seed(t, s, "job_1", "", 1)
		s.AppendEvent(ctx, nil, model.NewJobEvent(job.ID, model.EventJobRunning, "running"))
		s.AppendEvent(ctx, nil, model.NewVariantEvent(job.ID, 1, model.EventVariantCancelled, "cancelled"))

		_, err := s.AppendEvent(ctx, nil, model.NewChunkEvent(job.ID, 1, model.ChunkMarkdown, "late", 50))
		if !errors.Is(err, domain.ErrVariantTerminal) {
			t.Fatalf("expected ErrVariantTerminal, got %v", err)
		}
		got, _ := s.GetJob(ctx, job.ID)
		if got.EventSeq != 3 {
			t.Errorf("expected seq to stay at 3, got %d", got.EventSeq)
		}
	})

	t.Run("should page from a cursor and report recent errors", func(t *testing.T) {
		s := NewStore()
		job := seed(t, s, "job_1", "", 2)
		s.AppendEvent(ctx, nil, model.NewJobEvent(job.ID, model.EventJobRunning, "running"))
		s.AppendEvent(ctx, nil, model.NewVariantErrorEvent(job.ID, 1, model.ErrorCodeRejected, domain.ErrNonRetryableUpstream))
		s.AppendEvent(ctx, nil, model.NewVariantEvent(job.ID, 2, model.EventVariantDone, "done"))

		page, _ := s.ListEventsSince(ctx, job.ID, 1, 2)
		if len(page) != 2 || page[0].Seq != 2 || page[1].Seq != 3 {
			t.Errorf("unexpected page %+v", page)
		}
		if rest, _ := s.ListEventsSince(ctx, job.ID, 4, 10); len(rest) != 0 {
			t.Errorf("expected nothing after the last seq, got %d", len(rest))
		}

		errs, _ := s.RecentErrors(ctx, job.ID, 5)
		if len(errs) != 1 || errs[0] != "variant 1: variant failed: upstream rejected the request" {
			t.Errorf("unexpected errors %v", errs)
		}
	})
}

func TestStore_Housekeeping(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	done := seed(t, s, "job_done", "k1", 1)
	s.AppendEvent(ctx, nil, model.NewJobEvent(done.ID, model.EventJobRunning, "running"))
	s.AppendEvent(ctx, nil, model.NewVariantEvent(done.ID, 1, model.EventVariantDone, "done"))
	s.AppendEvent(ctx, nil, model.NewJobEvent(done.ID, model.EventJobFinalized, "final"))
	live := seed(t, s, "job_live", "", 1)

	stale, err := s.ListNonTerminal(ctx, time.Now().Add(time.Second))
	if err != nil || len(stale) != 1 || stale[0].ID != live.ID {
		t.Fatalf("expected only the live job, got %v (%v)", stale, err)
	}

	n, err := s.PurgeBefore(ctx, time.Now().Add(time.Second))
	if err != nil || n != 1 {
		t.Fatalf("expected one purged job, got %d (%v)", n, err)
	}
	if _, err := s.FindByIdempotencyKey(ctx, "k1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected purged key to be free, got %v", err)
	}
	if _, err := s.GetJob(ctx, live.ID); err != nil {
		t.Errorf("live job must survive purge: %v", err)
	}
}
