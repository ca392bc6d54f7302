//go:build !integration

package usecase

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hearing-summarizer/internal/domain"
	"hearing-summarizer/internal/domain/model"
	"hearing-summarizer/internal/domain/ports/adapter"
	"hearing-summarizer/internal/infra/limiter"
)

func TestSummarize_Finalization(t *testing.T) {
	ctx := context.Background()

	t.Run("should complete when every variant succeeds", func(t *testing.T) {
		h := newHarness(t, 2, defaultOptions(), newFakeGen(succeed), nil)
		res, err := h.uc.Submit(ctx, SubmitRequest{Input: input("168", 3)})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		job := h.waitTerminal(t, res.Job.ID)
		if job.State != model.JobStateCompleted || job.Progress != 100 {
			t.Fatalf("expected completed at 100, got %s at %d", job.State, job.Progress)
		}

		v, err := h.uc.GetVariant(ctx, job.ID, 2)
		if err != nil {
			t.Fatalf("get variant: %v", err)
		}
		if v.Markdown != "# Overblik\nBorgerne ønsker mere grønt.\n" || v.Summary != "Kort opsummering." {
			t.Errorf("unexpected output %q / %q", v.Markdown, v.Summary)
		}
		if !reflect.DeepEqual(v.Headings, []string{"Overblik"}) {
			t.Errorf("unexpected headings %v", v.Headings)
		}
		if _, err := h.uc.GetVariant(ctx, job.ID, 4); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound for variant 4, got %v", err)
		}

		snap, ok := h.uc.Salvage("168")
		if !ok || len(snap.Variants) != 3 || snap.JobID != job.ID {
			t.Fatalf("expected salvage of 3 variants for %s, got %+v", job.ID, snap)
		}
		if snap.Variants[1].Summary != "Kort opsummering." {
			t.Errorf("unexpected salvaged summary %q", snap.Variants[1].Summary)
		}
	})

	t.Run("should complete with errors when one variant is rejected", func(t *testing.T) {
		gen := newFakeGen(func(ctx context.Context, req adapter.GenerationRequest, out chan<- adapter.GenerationEvent) {
			if req.VariantIndex == 3 {
				emit(ctx, out, fail(fmt.Errorf("policy: %w", domain.ErrNonRetryableUpstream)))
				return
			}
			succeed(ctx, req, out)
		})
		h := newHarness(t, 2, defaultOptions(), gen, nil)
		res, _ := h.uc.Submit(ctx, SubmitRequest{Input: input("168", 3)})
		job := h.waitTerminal(t, res.Job.ID)
		if job.State != model.JobStateCompletedWithErrors {
			t.Fatalf("expected completed_with_errors, got %s", job.State)
		}
		if gen.Calls() != 3 {
			t.Errorf("rejected variants must not be retried, got %d calls", gen.Calls())
		}
		snap, err := h.uc.GetSnapshot(ctx, job.ID)
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if snap.Variants[2].ErrorCode != model.ErrorCodeRejected {
			t.Errorf("expected rejected code, got %q", snap.Variants[2].ErrorCode)
		}
		if len(snap.Errors) != 1 {
			t.Errorf("expected one error line, got %v", snap.Errors)
		}
	})

	t.Run("should fail when no variant succeeds", func(t *testing.T) {
		gen := newFakeGen(func(ctx context.Context, req adapter.GenerationRequest, out chan<- adapter.GenerationEvent) {
			emit(ctx, out, fail(domain.ErrTransientUpstream))
		})
		h := newHarness(t, 3, defaultOptions(), gen, nil)
		res, _ := h.uc.Submit(ctx, SubmitRequest{Input: input("168", 3)})
		job := h.waitTerminal(t, res.Job.ID)
		if job.State != model.JobStateFailed {
			t.Fatalf("expected failed, got %s", job.State)
		}
		if gen.Calls() != 9 {
			t.Errorf("expected 3 attempts per variant, got %d calls", gen.Calls())
		}
		variants, _ := h.store.GetVariants(ctx, job.ID)
		for _, v := range variants {
			if v.ErrorCode != model.ErrorCodeTransient || v.Attempt != 3 {
				t.Errorf("variant %d: expected transient after 3 attempts, got %q after %d", v.Index, v.ErrorCode, v.Attempt)
			}
		}
	})

	t.Run("retry should start the output over", func(t *testing.T) {
		gen := newFakeGen(func(ctx context.Context, req adapter.GenerationRequest, out chan<- adapter.GenerationEvent) {
			if req.Attempt == 1 {
				emit(ctx, out, chunk(model.ChunkMarkdown, "halv tekst"))
				emit(ctx, out, fail(domain.ErrTransientUpstream))
				return
			}
			succeed(ctx, req, out)
		})
		h := newHarness(t, 1, defaultOptions(), gen, nil)
		res, _ := h.uc.Submit(ctx, SubmitRequest{Input: input("168", 1)})
		job := h.waitTerminal(t, res.Job.ID)
		if job.State != model.JobStateCompleted {
			t.Fatalf("expected completed, got %s", job.State)
		}
		v, _ := h.uc.GetVariant(ctx, job.ID, 1)
		if v.Markdown != "# Overblik\nBorgerne ønsker mere grønt.\n" || v.Attempt != 2 {
			t.Errorf("expected clean second attempt, got attempt %d with %q", v.Attempt, v.Markdown)
		}
	})
}

func TestSummarize_Idempotency(t *testing.T) {
	ctx := context.Background()

	t.Run("should return the same job for an unchanged resubmit", func(t *testing.T) {
		gen := newFakeGen(succeed)
		h := newHarness(t, 2, defaultOptions(), gen, nil)
		first, err := h.uc.Submit(ctx, SubmitRequest{Input: input("168", 2), IdempotencyKey: "k1"})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		h.waitTerminal(t, first.Job.ID)
		calls := gen.Calls()

		again, err := h.uc.Submit(ctx, SubmitRequest{Input: input("168", 2), IdempotencyKey: "k1"})
		if err != nil {
			t.Fatalf("resubmit: %v", err)
		}
		if again.Job.ID != first.Job.ID || !again.Reused {
			t.Errorf("expected reuse of %s, got %s (reused=%v)", first.Job.ID, again.Job.ID, again.Reused)
		}
		time.Sleep(20 * time.Millisecond)
		if gen.Calls() != calls {
			t.Errorf("resubmit started generation: %d -> %d calls", calls, gen.Calls())
		}
	})

	t.Run("should reject a reused key with changed input", func(t *testing.T) {
		gen := newFakeGen(succeed)
		h := newHarness(t, 2, defaultOptions(), gen, nil)
		first, _ := h.uc.Submit(ctx, SubmitRequest{Input: input("168", 1), IdempotencyKey: "k1"})
		h.waitTerminal(t, first.Job.ID)
		calls := gen.Calls()

		changed := input("168", 1)
		changed.Text = "Andet indhold."
		_, err := h.uc.Submit(ctx, SubmitRequest{Input: changed, IdempotencyKey: "k1"})
		if !errors.Is(err, domain.ErrStaleIdempotencyKey) {
			t.Fatalf("expected ErrStaleIdempotencyKey, got %v", err)
		}
		if gen.Calls() != calls {
			t.Errorf("stale submit started generation")
		}
	})

	t.Run("should create a fresh job when the prior one failed", func(t *testing.T) {
		var rejecting atomic.Bool
		rejecting.Store(true)
		gen := newFakeGen(func(ctx context.Context, req adapter.GenerationRequest, out chan<- adapter.GenerationEvent) {
			if rejecting.Load() {
				emit(ctx, out, fail(domain.ErrNonRetryableUpstream))
				return
			}
			succeed(ctx, req, out)
		})
		h := newHarness(t, 1, defaultOptions(), gen, nil)
		first, _ := h.uc.Submit(ctx, SubmitRequest{Input: input("168", 1), IdempotencyKey: "k1"})
		if job := h.waitTerminal(t, first.Job.ID); job.State != model.JobStateFailed {
			t.Fatalf("expected failed, got %s", job.State)
		}

		rejecting.Store(false)
		second, err := h.uc.Submit(ctx, SubmitRequest{Input: input("168", 1), IdempotencyKey: "k1"})
		if err != nil {
			t.Fatalf("resubmit: %v", err)
		}
		if second.Job.ID == first.Job.ID || second.Reused {
			t.Fatalf("expected a fresh job, got %s", second.Job.ID)
		}
		if job := h.waitTerminal(t, second.Job.ID); job.State != model.JobStateCompleted {
			t.Errorf("expected completed, got %s", job.State)
		}
	})

	t.Run("should hand out one job to concurrent submits", func(t *testing.T) {
		h := newHarness(t, 2, defaultOptions(), newFakeGen(succeed), nil)
		var wg sync.WaitGroup
		ids := make([]string, 8)
		for i := range ids {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := h.uc.Submit(ctx, SubmitRequest{Input: input("168", 1), IdempotencyKey: "race"})
				if err != nil {
					t.Errorf("submit: %v", err)
					return
				}
				ids[i] = res.Job.ID
			}(i)
		}
		wg.Wait()
		for _, id := range ids[1:] {
			if id != ids[0] {
				t.Fatalf("expected one job id, got %v", ids)
			}
		}
	})
}

// blockAfterFirstChunk emits one chunk, then waits for cancellation and tries to push
// a late chunk anyway.
func blockAfterFirstChunk(started func()) script {
	return func(ctx context.Context, req adapter.GenerationRequest, out chan<- adapter.GenerationEvent) {
		if !emit(ctx, out, chunk(model.ChunkMarkdown, "første")) {
			return
		}
		if started != nil {
			started()
		}
		<-ctx.Done()
		out <- chunk(model.ChunkMarkdown, " sen")
	}
}

func TestSummarize_Cancel(t *testing.T) {
	ctx := context.Background()

	t.Run("should cancel running variants and drop late output", func(t *testing.T) {
		var started sync.WaitGroup
		started.Add(2)
		h := newHarness(t, 2, defaultOptions(), newFakeGen(blockAfterFirstChunk(started.Done)), nil)
		res, _ := h.uc.Submit(ctx, SubmitRequest{Input: input("168", 2)})
		started.Wait()
		waitFor(t, "first chunks", func() bool {
			vs, _ := h.store.GetVariants(ctx, res.Job.ID)
			return vs[0].Markdown != "" && vs[1].Markdown != ""
		})

		job, err := h.uc.Cancel(ctx, res.Job.ID)
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if job.State != model.JobStateCancelled {
			t.Fatalf("expected cancelled, got %s", job.State)
		}
		time.Sleep(20 * time.Millisecond)
		variants, _ := h.store.GetVariants(ctx, job.ID)
		for _, v := range variants {
			if v.State != model.VariantStateCancelled || v.Markdown != "første" {
				t.Errorf("variant %d: expected cancelled with early output only, got %s %q", v.Index, v.State, v.Markdown)
			}
		}

		again, err := h.uc.Cancel(ctx, job.ID)
		if err != nil || again.EventSeq != job.EventSeq {
			t.Errorf("second cancel must be a no-op, got seq %d -> %d (%v)", job.EventSeq, again.EventSeq, err)
		}
	})

	t.Run("should skip queued variants of a cancelled job", func(t *testing.T) {
		var started sync.WaitGroup
		started.Add(1)
		gen := newFakeGen(blockAfterFirstChunk(started.Done))
		h := newHarness(t, 1, defaultOptions(), gen, nil)
		res, _ := h.uc.Submit(ctx, SubmitRequest{Input: input("168", 2)})
		started.Wait()
		if _, err := h.uc.Cancel(ctx, res.Job.ID); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		waitFor(t, "pool to drain", func() bool { return h.sched.pool.Pending() == 0 })
		time.Sleep(20 * time.Millisecond)
		if gen.Calls() != 1 {
			t.Errorf("queued variant must not generate, got %d calls", gen.Calls())
		}
	})

	t.Run("should report unknown jobs", func(t *testing.T) {
		h := newHarness(t, 1, defaultOptions(), newFakeGen(succeed), nil)
		if _, err := h.uc.Cancel(ctx, "job_missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestSummarize_Timeout(t *testing.T) {
	ctx := context.Background()
	opts := defaultOptions()
	opts.Timeout = 100 * time.Millisecond
	h := newHarness(t, 1, opts, newFakeGen(blockAfterFirstChunk(nil)), nil)

	start := time.Now()
	res, _ := h.uc.Submit(ctx, SubmitRequest{Input: input("168", 1)})
	job := h.waitTerminal(t, res.Job.ID)
	if elapsed := time.Since(start); elapsed > 2*opts.Timeout+time.Second {
		t.Errorf("job took %s to time out", elapsed)
	}
	if job.State != model.JobStateFailed {
		t.Errorf("expected failed, got %s", job.State)
	}
	v, _ := h.uc.GetVariant(ctx, job.ID, 1)
	if v.State != model.VariantStateError || v.ErrorCode != model.ErrorCodeTimeout {
		t.Errorf("expected timeout error, got %s %q", v.State, v.ErrorCode)
	}
}

func TestSummarize_Scheduler(t *testing.T) {
	ctx := context.Background()

	var (
		mu      sync.Mutex
		order   []string
		active  int32
		overlap int32
	)
	gen := newFakeGen(func(ctx context.Context, req adapter.GenerationRequest, out chan<- adapter.GenerationEvent) {
		if atomic.AddInt32(&active, 1) > 1 {
			atomic.StoreInt32(&overlap, 1)
		}
		defer atomic.AddInt32(&active, -1)
		mu.Lock()
		order = append(order, fmt.Sprintf("%s/%d", req.JobID, req.VariantIndex))
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		emit(ctx, out, done())
	})
	h := newHarness(t, 1, defaultOptions(), gen, nil)

	var wg sync.WaitGroup
	ids := make([]string, 2)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.uc.Submit(ctx, SubmitRequest{Input: input(fmt.Sprintf("h%d", i), 2)})
			if err != nil {
				t.Errorf("submit: %v", err)
				return
			}
			ids[i] = res.Job.ID
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		h.waitTerminal(t, id)
	}

	if atomic.LoadInt32(&overlap) != 0 {
		t.Error("two variants ran concurrently on a pool of one")
	}
	mu.Lock()
	defer mu.Unlock()
	if admitted := h.sched.Admitted(); !reflect.DeepEqual(order, admitted) {
		t.Errorf("expected FIFO order %v, got %v", admitted, order)
	}
}

func TestSummarize_ClientLimit(t *testing.T) {
	ctx := context.Background()
	var (
		started sync.WaitGroup
		once    sync.Once
	)
	started.Add(1)
	gen := newFakeGen(blockAfterFirstChunk(func() { once.Do(started.Done) }))
	h := newHarness(t, 2, defaultOptions(), gen, limiter.NewJobs(1))

	first, err := h.uc.Submit(ctx, SubmitRequest{Input: input("1", 1), ClientKey: "10.0.0.1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	started.Wait()
	if _, err := h.uc.Submit(ctx, SubmitRequest{Input: input("2", 1), ClientKey: "10.0.0.1"}); !errors.Is(err, domain.ErrTooManyJobs) {
		t.Fatalf("expected ErrTooManyJobs, got %v", err)
	}
	if _, err := h.uc.Submit(ctx, SubmitRequest{Input: input("3", 1), ClientKey: "10.0.0.2"}); err != nil {
		t.Errorf("other clients must not be limited: %v", err)
	}

	if _, err := h.uc.Cancel(ctx, first.Job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := h.uc.Submit(ctx, SubmitRequest{Input: input("4", 1), ClientKey: "10.0.0.1"}); err != nil {
		t.Errorf("expected the slot to be released, got %v", err)
	}
}

func TestSummarize_FailStale(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1, defaultOptions(), newFakeGen(succeed), nil)

	// A job left running by a previous process: in the store, but without a local run.
	in := input("168", 2)
	job := model.NewJob("job_orphan", in, "", "", time.Now().Add(-time.Hour))
	if err := h.store.CreateJob(ctx, nil, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	h.store.CreateVariants(ctx, nil, model.NewVariants(job.ID, in, time.Now()))
	h.store.AppendEvent(ctx, nil, model.NewJobEvent(job.ID, model.EventJobRunning, "running"))

	n, err := h.uc.FailStale(ctx, time.Now().Add(time.Second))
	if err != nil || n != 1 {
		t.Fatalf("expected one failed job, got %d (%v)", n, err)
	}
	got, _ := h.store.GetJob(ctx, job.ID)
	if got.State != model.JobStateFailed {
		t.Errorf("expected failed, got %s", got.State)
	}
	variants, _ := h.store.GetVariants(ctx, job.ID)
	for _, v := range variants {
		if v.ErrorCode != model.ErrorCodeInterrupted {
			t.Errorf("variant %d: expected interrupted, got %q", v.Index, v.ErrorCode)
		}
	}
}

func TestSummarize_Backoff(t *testing.T) {
	u := &summarizeUC{opts: Options{BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second}}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second}
	for i, w := range want {
		if got := u.backoff(i + 1); got != w {
			t.Errorf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}
}

func TestSummarize_CancelOutlivesCaller(t *testing.T) {
	t.Run("should finish the cancel when the caller's context dies mid-way", func(t *testing.T) {
		var started sync.WaitGroup
		started.Add(2)
		h, fs := newFlakyHarness(t, 2, defaultOptions(), newFakeGen(blockAfterFirstChunk(started.Done)))
		res, err := h.uc.Submit(context.Background(), SubmitRequest{Input: input("168", 2)})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		started.Wait()

		callerCtx, hangUp := context.WithCancel(context.Background())
		fs.setAfterGetJob(hangUp)
		job, err := h.uc.Cancel(callerCtx, res.Job.ID)
		fs.setAfterGetJob(nil)
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if callerCtx.Err() == nil {
			t.Fatal("expected the caller's context to be gone")
		}
		if job.State != model.JobStateCancelled {
			t.Fatalf("expected cancelled, got %s", job.State)
		}
		variants, _ := h.store.GetVariants(context.Background(), job.ID)
		for _, v := range variants {
			if v.State != model.VariantStateCancelled || v.ErrorCode != model.ErrorCodeCancelled {
				t.Errorf("variant %d: expected cancelled, got %s/%s", v.Index, v.State, v.ErrorCode)
			}
		}
	})
}

func TestSummarize_SalvageFollowsStore(t *testing.T) {
	ctx := context.Background()

	t.Run("should drop a discarded attempt's text from the salvage copy", func(t *testing.T) {
		gen := newFakeGen(func(ctx context.Context, req adapter.GenerationRequest, out chan<- adapter.GenerationEvent) {
			if req.Attempt == 1 {
				emit(ctx, out, chunk(model.ChunkMarkdown, "kasseret tekst"))
				emit(ctx, out, fail(domain.ErrTransientUpstream))
				return
			}
			emit(ctx, out, fail(domain.ErrNonRetryableUpstream))
		})
		h := newHarness(t, 1, defaultOptions(), gen, nil)
		res, _ := h.uc.Submit(ctx, SubmitRequest{Input: input("168", 1)})
		job := h.waitTerminal(t, res.Job.ID)
		if job.State != model.JobStateFailed {
			t.Fatalf("expected failed, got %s", job.State)
		}
		v, _ := h.uc.GetVariant(ctx, job.ID, 1)
		snap, ok := h.uc.Salvage("168")
		if !ok {
			t.Fatal("expected a salvage entry")
		}
		if got := snap.Variants[1].Markdown; got != v.Markdown || got != "" {
			t.Errorf("salvage must match the stored variant: store %q, salvage %q", v.Markdown, got)
		}
	})

	t.Run("should keep salvage in step with cancelled variants", func(t *testing.T) {
		var started sync.WaitGroup
		started.Add(1)
		h := newHarness(t, 1, defaultOptions(), newFakeGen(blockAfterFirstChunk(started.Done)), nil)
		res, _ := h.uc.Submit(ctx, SubmitRequest{Input: input("168", 1)})
		started.Wait()
		if _, err := h.uc.Cancel(ctx, res.Job.ID); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		v, _ := h.uc.GetVariant(ctx, res.Job.ID, 1)
		snap, _ := h.uc.Salvage("168")
		if snap.Variants[1].Markdown != v.Markdown || !snap.Variants[1].UpdatedAt.Equal(v.UpdatedAt) {
			t.Errorf("salvage %+v out of step with store %q", snap.Variants[1], v.Markdown)
		}
	})
}

func TestSummarize_StoreUnavailable(t *testing.T) {
	ctx := context.Background()
	threeChunks := func(ctx context.Context, req adapter.GenerationRequest, out chan<- adapter.GenerationEvent) {
		for _, text := range []string{"en", "to", "tre"} {
			if !emit(ctx, out, chunk(model.ChunkMarkdown, text)) {
				return
			}
		}
		emit(ctx, out, done())
	}

	t.Run("should stop at the last persisted chunk and fail the variant", func(t *testing.T) {
		h, fs := newFlakyHarness(t, 1, defaultOptions(), newFakeGen(threeChunks))
		fs.setFailAppend(func(ev *model.Event) bool {
			return ev.Data.Kind == model.EventVariantChunk && ev.Data.Delta == "to"
		})
		res, err := h.uc.Submit(ctx, SubmitRequest{Input: input("168", 1)})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		job := h.waitTerminal(t, res.Job.ID)
		if job.State != model.JobStateFailed {
			t.Fatalf("expected failed, got %s", job.State)
		}

		v, _ := h.uc.GetVariant(ctx, job.ID, 1)
		if v.State != model.VariantStateError || v.ErrorCode != model.ErrorCodeStoreUnavailable {
			t.Errorf("expected store_unavailable error, got %s/%s", v.State, v.ErrorCode)
		}
		if v.Markdown != "en" || v.PartialChars != 2 {
			t.Errorf("expected only the persisted chunk, got %q (%d chars)", v.Markdown, v.PartialChars)
		}
		events, _ := h.store.ListEventsSince(ctx, job.ID, 0, 100)
		for _, ev := range events {
			if ev.Data.Kind == model.EventVariantChunk && ev.Data.Delta != "en" {
				t.Errorf("unexpected chunk %q after the store failed", ev.Data.Delta)
			}
		}
		snap, _ := h.uc.Salvage("168")
		if snap.Variants[1].Markdown != "en" {
			t.Errorf("salvage ran ahead of the store: %q", snap.Variants[1].Markdown)
		}
		if h.gen.Calls() != 1 {
			t.Errorf("a store failure must not be retried upstream, got %d calls", h.gen.Calls())
		}
	})

	t.Run("should fail the variant when completion cannot be recorded", func(t *testing.T) {
		h, fs := newFlakyHarness(t, 1, defaultOptions(), newFakeGen(threeChunks))
		fs.setFailAppend(func(ev *model.Event) bool { return ev.Data.Kind == model.EventVariantDone })
		res, _ := h.uc.Submit(ctx, SubmitRequest{Input: input("168", 1)})
		job := h.waitTerminal(t, res.Job.ID)

		v, _ := h.uc.GetVariant(ctx, job.ID, 1)
		if job.State != model.JobStateFailed || v.ErrorCode != model.ErrorCodeStoreUnavailable {
			t.Errorf("expected failed job with store_unavailable variant, got %s/%s", job.State, v.ErrorCode)
		}
		if v.Markdown != "entotre" {
			t.Errorf("persisted output must survive, got %q", v.Markdown)
		}
	})
}
