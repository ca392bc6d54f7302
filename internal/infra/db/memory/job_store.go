// Package memory is an in-process JobStore used for development and tests. It keeps
// the same unit-of-work semantics as the Postgres store: every write goes through a
// staging transaction that is committed atomically or discarded.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"

	"hearing-summarizer/internal/domain"
	"hearing-summarizer/internal/domain/model"
	"hearing-summarizer/internal/domain/ports/repository"
)

var (
	_ repository.JobStore           = (*Store)(nil)
	_ repository.TransactionManager = (*Store)(nil)
)

type Store struct {
	writeMu sync.Mutex // serializes units of work

	mu       sync.RWMutex
	jobs     map[string]*model.Job
	variants map[string][]*model.Variant
	events   map[string][]*model.Event
	keys     map[string]string // idempotency key -> job id

	now func() time.Time
}

func NewStore() *Store {
	return &Store{
		jobs:     make(map[string]*model.Job),
		variants: make(map[string][]*model.Variant),
		events:   make(map[string][]*model.Event),
		keys:     make(map[string]string),
		now:      time.Now,
	}
}

// memTx stages the rows a unit of work touches. Reads inside the unit of work see
// staged rows first.
type memTx struct {
	jobs     map[string]*model.Job
	variants map[string][]*model.Variant
	events   []*model.Event
	released map[string]bool
}

func newMemTx() *memTx {
	return &memTx{
		jobs:     make(map[string]*model.Job),
		variants: make(map[string][]*model.Variant),
		released: make(map[string]bool),
	}
}

// WithTx runs fn in a unit of work. txOpt is accepted for interface parity and ignored.
func (s *Store) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx := newMemTx()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *Store) commit(tx *memTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, job := range tx.jobs {
		if old := s.jobs[id]; old != nil && old.IdempotencyKey != job.IdempotencyKey && s.keys[old.IdempotencyKey] == id {
			delete(s.keys, old.IdempotencyKey)
		}
		if job.IdempotencyKey != "" {
			s.keys[job.IdempotencyKey] = id
		}
		s.jobs[id] = job
	}
	for id, vs := range tx.variants {
		s.variants[id] = vs
	}
	for _, ev := range tx.events {
		s.events[ev.JobID] = append(s.events[ev.JobID], ev)
	}
}

// within runs fn in the caller's unit of work, or in a fresh one when tx is nil.
func (s *Store) within(ctx context.Context, tx repository.Tx, fn func(tx *memTx) error) error {
	switch v := tx.(type) {
	case *memTx:
		return fn(v)
	case nil:
		return s.WithTx(ctx, pgx.TxOptions{}, func(_ context.Context, tx repository.Tx) error {
			return fn(tx.(*memTx))
		})
	default:
		return domain.ErrInvalidExecCtx
	}
}

// stagedJob returns the tx's working copy of a job, staging it on first touch.
// Callers hold writeMu, so the committed row cannot change underneath.
func (s *Store) stagedJob(tx *memTx, id string) (*model.Job, error) {
	if j, ok := tx.jobs[id]; ok {
		return j, nil
	}
	s.mu.RLock()
	j, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := j.Clone()
	tx.jobs[id] = cp
	return cp, nil
}

func (s *Store) stagedVariants(tx *memTx, id string) []*model.Variant {
	if vs, ok := tx.variants[id]; ok {
		return vs
	}
	s.mu.RLock()
	vs := cloneVariants(s.variants[id])
	s.mu.RUnlock()
	tx.variants[id] = vs
	return vs
}

func (s *Store) CreateJob(ctx context.Context, tx repository.Tx, job *model.Job) error {
	return s.within(ctx, tx, func(tx *memTx) error {
		if _, ok := tx.jobs[job.ID]; ok {
			return fmt.Errorf("job %s: %w", job.ID, domain.ErrAlreadyExists)
		}
		s.mu.RLock()
		_, exists := s.jobs[job.ID]
		holder, claimed := s.keys[job.IdempotencyKey]
		s.mu.RUnlock()
		if exists {
			return fmt.Errorf("job %s: %w", job.ID, domain.ErrAlreadyExists)
		}
		if job.IdempotencyKey != "" {
			if claimed && !tx.released[holder] {
				return fmt.Errorf("idempotency key: %w", domain.ErrAlreadyExists)
			}
			for _, staged := range tx.jobs {
				if staged.IdempotencyKey == job.IdempotencyKey {
					return fmt.Errorf("idempotency key: %w", domain.ErrAlreadyExists)
				}
			}
		}
		tx.jobs[job.ID] = job.Clone()
		return nil
	})
}

func (s *Store) CreateVariants(ctx context.Context, tx repository.Tx, variants []*model.Variant) error {
	return s.within(ctx, tx, func(tx *memTx) error {
		for _, v := range variants {
			if _, err := s.stagedJob(tx, v.JobID); err != nil {
				return err
			}
			tx.variants[v.JobID] = append(tx.variants[v.JobID], v.Clone())
		}
		return nil
	})
}

func (s *Store) ReleaseIdempotencyKey(ctx context.Context, tx repository.Tx, jobID string) error {
	return s.within(ctx, tx, func(tx *memTx) error {
		j, err := s.stagedJob(tx, jobID)
		if err != nil {
			return err
		}
		j.IdempotencyKey = ""
		tx.released[jobID] = true
		return nil
	})
}

func (s *Store) AppendEvent(ctx context.Context, tx repository.Tx, ev *model.Event) (*repository.Applied, error) {
	var out *repository.Applied
	err := s.within(ctx, tx, func(tx *memTx) error {
		job, err := s.stagedJob(tx, ev.JobID)
		if err != nil {
			return err
		}
		variants := s.stagedVariants(tx, ev.JobID)

		// Apply mutates in place; work on copies so a rejected event leaves the stage intact.
		nextJob := job.Clone()
		nextVariants := cloneVariants(variants)
		changed, err := model.Apply(nextJob, nextVariants, ev, s.now())
		if err != nil {
			return err
		}
		nextJob.EventSeq++
		ev.Seq = nextJob.EventSeq

		tx.jobs[ev.JobID] = nextJob
		tx.variants[ev.JobID] = nextVariants
		tx.events = append(tx.events, ev.Clone())

		out = &repository.Applied{Event: ev, Job: nextJob.Clone()}
		if changed != nil {
			out.Variant = changed.Clone()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return j.Clone(), nil
}

func (s *Store) GetVariants(ctx context.Context, jobID string) ([]*model.Variant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.jobs[jobID]; !ok {
		return nil, domain.ErrNotFound
	}
	return cloneVariants(s.variants[jobID]), nil
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (*model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.keys[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s.jobs[id].Clone(), nil
}

func (s *Store) ListEventsSince(ctx context.Context, jobID string, cursor int64, limit int) ([]*model.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.events[jobID]
	// seq is dense from 1, so the cursor indexes the slice directly.
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= int64(len(log)) {
		return nil, nil
	}
	tail := log[cursor:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	out := make([]*model.Event, 0, len(tail))
	for _, ev := range tail {
		out = append(out, ev.Clone())
	}
	return out, nil
}

func (s *Store) RecentErrors(ctx context.Context, jobID string, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	log := s.events[jobID]
	for i := len(log) - 1; i >= 0 && len(out) < limit; i-- {
		if log[i].Level == model.EventLevelError {
			out = append(out, log[i].ErrorLine())
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) ListNonTerminal(ctx context.Context, updatedBefore time.Time) ([]*model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Job
	for _, j := range s.jobs {
		if !j.State.IsTerminal() && j.UpdatedAt.Before(updatedBefore) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, j := range s.jobs {
		if !j.State.IsTerminal() || !j.UpdatedAt.Before(cutoff) {
			continue
		}
		if j.IdempotencyKey != "" && s.keys[j.IdempotencyKey] == id {
			delete(s.keys, j.IdempotencyKey)
		}
		delete(s.jobs, id)
		delete(s.variants, id)
		delete(s.events, id)
		n++
	}
	return n, nil
}

func cloneVariants(vs []*model.Variant) []*model.Variant {
	out := make([]*model.Variant, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Clone())
	}
	return out
}
