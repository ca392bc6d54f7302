//go:build !integration

package usecase

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"hearing-summarizer/internal/domain"
	"hearing-summarizer/internal/domain/model"
	"hearing-summarizer/internal/domain/ports/adapter"
	"hearing-summarizer/internal/domain/ports/repository"
	"hearing-summarizer/internal/infra/broker"
	"hearing-summarizer/internal/infra/cache"
	"hearing-summarizer/internal/infra/db/memory"
	"hearing-summarizer/internal/infra/worker"
)

// ---- Fakes ----

type script func(ctx context.Context, req adapter.GenerationRequest, out chan<- adapter.GenerationEvent)

// fakeGen is a scripted generation backend that records every call.
type fakeGen struct {
	mu    sync.Mutex
	calls []adapter.GenerationRequest
	run   script
}

func newFakeGen(run script) *fakeGen { return &fakeGen{run: run} }

func (f *fakeGen) Name() string { return "fake" }

func (f *fakeGen) Generate(ctx context.Context, req adapter.GenerationRequest) (<-chan adapter.GenerationEvent, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	out := make(chan adapter.GenerationEvent)
	go func() {
		defer close(out)
		f.run(ctx, req, out)
	}()
	return out, nil
}

func (f *fakeGen) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func emit(ctx context.Context, out chan<- adapter.GenerationEvent, ev adapter.GenerationEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func chunk(kind model.ChunkKind, text string) adapter.GenerationEvent {
	return adapter.GenerationEvent{Type: adapter.GenerationChunk, Kind: kind, Text: text}
}

func done() adapter.GenerationEvent {
	return adapter.GenerationEvent{Type: adapter.GenerationDone, ResponseID: "resp"}
}

func fail(err error) adapter.GenerationEvent {
	return adapter.GenerationEvent{Type: adapter.GenerationError, Err: err}
}

// succeed emits a short markdown body, a summary and completes.
func succeed(ctx context.Context, req adapter.GenerationRequest, out chan<- adapter.GenerationEvent) {
	if !emit(ctx, out, chunk(model.ChunkMarkdown, "# Overblik\n")) {
		return
	}
	if !emit(ctx, out, chunk(model.ChunkMarkdown, "Borgerne ønsker mere grønt.\n")) {
		return
	}
	if !emit(ctx, out, chunk(model.ChunkSummary, "Kort opsummering.")) {
		return
	}
	emit(ctx, out, done())
}

// recordingScheduler records admission order in front of a real pool.
type recordingScheduler struct {
	mu       sync.Mutex
	admitted []string
	pool     *worker.Pool
}

func (s *recordingScheduler) Submit(key string, task func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admitted = append(s.admitted, key)
	return s.pool.Submit(key, task)
}

func (s *recordingScheduler) Stop() { s.pool.Stop() }

func (s *recordingScheduler) Admitted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.admitted...)
}

// flakyStore wraps the in-memory store. Appends matching failAppend report the store as
// unavailable, and afterGetJob runs once GetJob has returned.
type flakyStore struct {
	*memory.Store

	mu          sync.Mutex
	failAppend  func(ev *model.Event) bool
	afterGetJob func()
}

func (s *flakyStore) setFailAppend(f func(ev *model.Event) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAppend = f
}

func (s *flakyStore) setAfterGetJob(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterGetJob = f
}

func (s *flakyStore) AppendEvent(ctx context.Context, tx repository.Tx, ev *model.Event) (*repository.Applied, error) {
	s.mu.Lock()
	f := s.failAppend
	s.mu.Unlock()
	if f != nil && f(ev) {
		return nil, fmt.Errorf("append %s: %w", ev.Data.Kind, domain.ErrStoreUnavailable)
	}
	return s.Store.AppendEvent(ctx, tx, ev)
}

func (s *flakyStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := s.Store.GetJob(ctx, jobID)
	s.mu.Lock()
	f := s.afterGetJob
	s.mu.Unlock()
	if f != nil {
		f()
	}
	return job, err
}

type harness struct {
	uc      *summarizeUC
	store   *memory.Store
	hub     *broker.Hub
	sched   *recordingScheduler
	salvage *cache.Salvage
	gen     *fakeGen
	log     *zerolog.Logger
}

func defaultOptions() Options {
	return Options{
		DefaultVariants: 1,
		MaxVariants:     5,
		MaxAttempts:     3,
		BackoffBase:     time.Millisecond,
		BackoffMax:      5 * time.Millisecond,
		Timeout:         10 * time.Second,
		ExpectedChars:   100,
		Model:           "fake-model",
	}
}

func newHarness(t *testing.T, workers int, opts Options, gen *fakeGen, limiter adapter.JobLimiter) *harness {
	t.Helper()
	store := memory.NewStore()
	return newHarnessOn(t, store, store, workers, opts, gen, limiter)
}

// newFlakyHarness runs the engine against a flakyStore; h.store reads the data behind it.
func newFlakyHarness(t *testing.T, workers int, opts Options, gen *fakeGen) (*harness, *flakyStore) {
	t.Helper()
	fs := &flakyStore{Store: memory.NewStore()}
	return newHarnessOn(t, fs.Store, fs, workers, opts, gen, nil), fs
}

func newHarnessOn(t *testing.T, store *memory.Store, engineStore repository.JobStore, workers int, opts Options, gen *fakeGen, limiter adapter.JobLimiter) *harness {
	t.Helper()
	l := zerolog.Nop()
	logger := &l

	hub := broker.NewHub()
	pool := worker.NewPool(workers, logger)
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	sched := &recordingScheduler{pool: pool}
	salvage := cache.NewSalvage(100)

	uc := NewSummarizeUseCase(engineStore, store, gen, sched, salvage, hub, limiter, opts, logger)
	t.Cleanup(func() {
		uc.Close(context.Background())
		cancel()
	})
	return &harness{uc: uc, store: store, hub: hub, sched: sched, salvage: salvage, gen: gen, log: logger}
}

func input(hearing string, n int) model.SummaryInput {
	return model.SummaryInput{HearingID: hearing, Text: "Høringssvar om trafik og støj.", VariantCount: n}
}

// waitTerminal polls the job until it is terminal and checks that its progress never
// went backwards on the way.
func (h *harness) waitTerminal(t *testing.T, jobID string) *model.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	last := -1
	for time.Now().Before(deadline) {
		job, err := h.store.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Progress < last {
			t.Fatalf("progress went backwards: %d -> %d", last, job.Progress)
		}
		last = job.Progress
		if job.State.IsTerminal() {
			return job
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state", jobID)
	return nil
}

// waitFor polls cond until it holds.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
