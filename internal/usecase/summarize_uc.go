// File: internal/usecase/summarize_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v4"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"hearing-summarizer/internal/config"
	"hearing-summarizer/internal/domain"
	"hearing-summarizer/internal/domain/model"
	"hearing-summarizer/internal/domain/ports/adapter"
	"hearing-summarizer/internal/domain/ports/repository"
	"hearing-summarizer/internal/infra/cache"
	"hearing-summarizer/internal/infra/logging"
	"hearing-summarizer/internal/infra/metrics"
)

// Compile-time check
var _ SummarizeUseCase = (*summarizeUC)(nil)

const (
	recentErrorLimit = 5
	terminateTimeout = 30 * time.Second
)

type SummarizeUseCase interface {
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
	Cancel(ctx context.Context, jobID string) (*model.Job, error)
	GetSnapshot(ctx context.Context, jobID string) (*model.JobSnapshot, error)
	GetVariant(ctx context.Context, jobID string, index int) (*model.Variant, error)
	Salvage(hearingID string) (*cache.HearingSnapshot, bool)
	// FailStale terminates non-terminal jobs last updated before cutoff that have no
	// local run, marking their live variants interrupted.
	FailStale(ctx context.Context, cutoff time.Time) (int, error)
	Close(ctx context.Context)
}

// Scheduler is the process-wide worker pool variants run on.
type Scheduler interface {
	Submit(key string, task func(ctx context.Context) error) error
	Stop()
}

type SubmitRequest struct {
	Input          model.SummaryInput
	IdempotencyKey string
	ClientKey      string
	Model          string
}

type SubmitResult struct {
	Job    *model.Job
	Reused bool
}

// Options are the orchestration knobs taken from config.JobsConfig and config.AIConfig.
type Options struct {
	DefaultVariants int
	MaxVariants     int
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	Timeout         time.Duration
	ExpectedChars   int
	Model           string
	SystemPrompt    string
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		DefaultVariants: cfg.Jobs.DefaultVariants,
		MaxVariants:     cfg.Jobs.MaxVariants,
		MaxAttempts:     cfg.Jobs.MaxAttempts,
		BackoffBase:     cfg.Jobs.BackoffBase,
		BackoffMax:      cfg.Jobs.BackoffMax,
		Timeout:         cfg.Jobs.Timeout,
		ExpectedChars:   cfg.Jobs.ExpectedChars,
		Model:           cfg.AI.DefaultModel,
		SystemPrompt:    cfg.AI.SystemPrompt,
	}
}

// jobRun is the in-process execution state of a job accepted by this instance.
type jobRun struct {
	jobID     string
	hearingID string
	clientKey string
	model     string
	input     model.SummaryInput
	ctx       context.Context
	cancel    context.CancelCauseFunc
	timer     *time.Timer
}

type summarizeUC struct {
	store    repository.JobStore
	tm       repository.TransactionManager
	gen      adapter.Generator
	pool     Scheduler
	salvage  *cache.Salvage
	notifier adapter.EventNotifier
	limiter  adapter.JobLimiter // optional
	opts     Options
	log      *zerolog.Logger

	base       context.Context
	cancelBase context.CancelCauseFunc

	mu   sync.Mutex
	runs map[string]*jobRun
}

func NewSummarizeUseCase(
	store repository.JobStore,
	tm repository.TransactionManager,
	gen adapter.Generator,
	pool Scheduler,
	salvage *cache.Salvage,
	notifier adapter.EventNotifier,
	limiter adapter.JobLimiter,
	opts Options,
	logger *zerolog.Logger,
) *summarizeUC {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.MaxVariants <= 0 {
		opts.MaxVariants = 1
	}
	if opts.ExpectedChars <= 0 {
		opts.ExpectedChars = 12000
	}
	l := logger.With().Str("component", "SummarizeUseCase").Logger()
	base, cancel := context.WithCancelCause(context.Background())
	return &summarizeUC{
		store:      store,
		tm:         tm,
		gen:        gen,
		pool:       pool,
		salvage:    salvage,
		notifier:   notifier,
		limiter:    limiter,
		opts:       opts,
		log:        &l,
		base:       base,
		cancelBase: cancel,
		runs:       make(map[string]*jobRun),
	}
}

func newJobID() string {
	return "job_" + ulid.Make().String()
}

func (u *summarizeUC) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	defer logging.TraceDuration(u.log, "SummarizeUC.Submit")()
	in := req.Input
	if err := in.Normalize(u.opts.DefaultVariants, u.opts.MaxVariants); err != nil {
		metrics.IncJobSubmitted("rejected")
		return nil, err
	}
	hash := in.Hash()

	var prior *model.Job
	if req.IdempotencyKey != "" {
		found, err := u.store.FindByIdempotencyKey(ctx, req.IdempotencyKey)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			metrics.IncJobSubmitted("error")
			return nil, err
		default:
			if res, err := u.resolveKey(found, hash); res != nil || err != nil {
				return res, err
			}
			prior = found
		}
	}

	now := time.Now()
	job := model.NewJob(newJobID(), in, req.IdempotencyKey, req.ClientKey, now)

	if u.limiter != nil && req.ClientKey != "" {
		ok, err := u.limiter.Acquire(ctx, req.ClientKey, job.ID)
		if err != nil {
			metrics.IncJobSubmitted("error")
			return nil, err
		}
		if !ok {
			metrics.IncJobSubmitted("limited")
			return nil, domain.ErrTooManyJobs
		}
	}

	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if prior != nil {
			if err := u.store.ReleaseIdempotencyKey(ctx, tx, prior.ID); err != nil {
				return err
			}
		}
		if err := u.store.CreateJob(ctx, tx, job); err != nil {
			return err
		}
		if err := u.store.CreateVariants(ctx, tx, model.NewVariants(job.ID, in, now)); err != nil {
			return err
		}
		if _, err := u.store.AppendEvent(ctx, tx, model.NewJobEvent(job.ID, model.EventJobCreated, "job created")); err != nil {
			return err
		}
		_, err := u.store.AppendEvent(ctx, tx, model.NewJobEvent(job.ID, model.EventJobRunning, "job running"))
		return err
	})
	if err != nil {
		u.releaseClient(req.ClientKey, job.ID)
		if errors.Is(err, domain.ErrAlreadyExists) && req.IdempotencyKey != "" {
			// Lost a race with a concurrent submit under the same key.
			if found, ferr := u.store.FindByIdempotencyKey(ctx, req.IdempotencyKey); ferr == nil {
				if res, rerr := u.resolveKey(found, hash); res != nil || rerr != nil {
					return res, rerr
				}
			}
		}
		metrics.IncJobSubmitted("error")
		return nil, err
	}

	u.notifier.Publish(ctx, job.ID)
	metrics.IncJobSubmitted("created")
	u.log.Info().Str("job_id", job.ID).Str("hearing_id", job.HearingID).Int("variants", job.VariantCount).Msg("job accepted")

	u.start(job, in, req.Model)

	created, err := u.store.GetJob(ctx, job.ID)
	if err != nil {
		return &SubmitResult{Job: job}, nil
	}
	return &SubmitResult{Job: created}, nil
}

// resolveKey decides what a job found under an idempotency key means for a new
// submission. A nil result and nil error mean the key may be claimed afresh.
func (u *summarizeUC) resolveKey(found *model.Job, hash string) (*SubmitResult, error) {
	if found.InputHash != hash {
		metrics.IncJobSubmitted("conflict")
		return nil, domain.ErrStaleIdempotencyKey
	}
	if !found.Reusable() {
		return nil, nil
	}
	metrics.IncJobSubmitted("reused")
	u.log.Debug().Str("job_id", found.ID).Msg("idempotent resubmit")
	return &SubmitResult{Job: found, Reused: true}, nil
}

// start registers the job's run, arms the timeout and admits every variant to the pool.
func (u *summarizeUC) start(job *model.Job, in model.SummaryInput, modelName string) {
	if modelName == "" {
		modelName = u.opts.Model
	}
	ctx, cancel := context.WithCancelCause(u.base)
	r := &jobRun{
		jobID:     job.ID,
		hearingID: job.HearingID,
		clientKey: job.ClientKey,
		model:     modelName,
		input:     in,
		ctx:       ctx,
		cancel:    cancel,
	}
	u.mu.Lock()
	u.runs[job.ID] = r
	u.mu.Unlock()

	if u.opts.Timeout > 0 {
		r.timer = time.AfterFunc(u.opts.Timeout, func() { u.expire(r) })
	}

	for i := 1; i <= job.VariantCount; i++ {
		idx := i
		key := fmt.Sprintf("%s/%d", job.ID, idx)
		if err := u.pool.Submit(key, u.variantTask(r, idx)); err != nil {
			u.log.Error().Err(err).Str("job_id", job.ID).Int("variant", idx).Msg("failed to schedule variant")
			u.failVariant(context.Background(), r, idx, model.ErrorCodeInterrupted, err)
		}
	}
}

func (u *summarizeUC) expire(r *jobRun) {
	r.cancel(domain.ErrTimeout)
	ctx := context.Background()
	u.log.Warn().Str("job_id", r.jobID).Dur("timeout", u.opts.Timeout).Msg("job timed out")
	if err := u.terminate(ctx, r.jobID, model.ErrorCodeTimeout, domain.ErrTimeout); err != nil {
		u.log.Error().Err(err).Str("job_id", r.jobID).Msg("failed to time out job")
	}
}

func (u *summarizeUC) lookupRun(jobID string) *jobRun {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.runs[jobID]
}

func (u *summarizeUC) Cancel(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := u.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State.IsTerminal() {
		return job, nil
	}
	if r := u.lookupRun(jobID); r != nil {
		r.cancel(domain.ErrCancelled)
	}
	// Runners have stopped; the terminal events must not depend on the caller's context.
	tctx, stop := context.WithTimeout(context.WithoutCancel(ctx), terminateTimeout)
	defer stop()
	if err := u.terminate(tctx, jobID, model.ErrorCodeCancelled, domain.ErrCancelled); err != nil {
		return nil, err
	}
	u.log.Info().Str("job_id", jobID).Msg("job cancelled")
	return u.store.GetJob(tctx, jobID)
}

// terminate ends every live variant of a job, as cancelled when code is
// model.ErrorCodeCancelled and as an error with code otherwise, then finalizes.
func (u *summarizeUC) terminate(ctx context.Context, jobID, code string, cause error) error {
	variants, err := u.store.GetVariants(ctx, jobID)
	if err != nil {
		return err
	}
	for _, v := range variants {
		if v.State.IsTerminal() {
			continue
		}
		var ev *model.Event
		if code == model.ErrorCodeCancelled {
			ev = model.NewVariantEvent(jobID, v.Index, model.EventVariantCancelled, "variant cancelled")
		} else {
			ev = model.NewVariantErrorEvent(jobID, v.Index, code, cause)
		}
		applied, err := u.append(ctx, ev)
		if err != nil {
			if isRejected(err) {
				continue
			}
			return err
		}
		u.salvage.Put(applied.Job.HearingID, applied.Variant)
		metrics.IncVariantFinished(ev.Data.State, code)
	}
	return u.finalize(ctx, jobID)
}

// finalize closes the job once every variant is terminal. Concurrent callers race on
// the store; only one finalization is appended.
func (u *summarizeUC) finalize(ctx context.Context, jobID string) error {
	variants, err := u.store.GetVariants(ctx, jobID)
	if err != nil {
		return err
	}
	if !model.AllTerminal(variants) {
		return nil
	}
	applied, err := u.append(ctx, model.NewJobEvent(jobID, model.EventJobFinalized, "job finished"))
	if errors.Is(err, domain.ErrJobNotRunning) {
		return nil
	}
	if err != nil {
		return err
	}
	u.finish(applied.Job)
	return nil
}

func (u *summarizeUC) finish(job *model.Job) {
	u.mu.Lock()
	r := u.runs[job.ID]
	delete(u.runs, job.ID)
	u.mu.Unlock()
	if r != nil {
		if r.timer != nil {
			r.timer.Stop()
		}
		r.cancel(nil)
	}
	u.releaseClient(job.ClientKey, job.ID)
	metrics.ObserveJobFinalized(string(job.State), time.Since(job.CreatedAt).Seconds())
	u.log.Info().Str("job_id", job.ID).Str("state", string(job.State)).Msg("job finalized")
}

func (u *summarizeUC) releaseClient(clientKey, jobID string) {
	if u.limiter == nil || clientKey == "" {
		return
	}
	if err := u.limiter.Release(context.Background(), clientKey, jobID); err != nil {
		u.log.Warn().Err(err).Str("job_id", jobID).Msg("failed to release client slot")
	}
}

// append persists ev, wakes the job's viewers and returns the applied rows.
func (u *summarizeUC) append(ctx context.Context, ev *model.Event) (*repository.Applied, error) {
	applied, err := u.store.AppendEvent(ctx, nil, ev)
	if err != nil {
		return nil, err
	}
	u.log.Debug().Str("job_id", ev.JobID).Int64("seq", ev.Seq).Str("kind", string(ev.Data.Kind)).Msg(ev.Message)
	u.notifier.Publish(ctx, ev.JobID)
	return applied, nil
}

func isRejected(err error) bool {
	return errors.Is(err, domain.ErrVariantTerminal) || errors.Is(err, domain.ErrJobNotRunning)
}

func (u *summarizeUC) GetSnapshot(ctx context.Context, jobID string) (*model.JobSnapshot, error) {
	job, err := u.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	variants, err := u.store.GetVariants(ctx, jobID)
	if err != nil {
		return nil, err
	}
	errs, err := u.store.RecentErrors(ctx, jobID, recentErrorLimit)
	if err != nil {
		return nil, err
	}
	return model.NewJobSnapshot(job, variants, errs), nil
}

func (u *summarizeUC) GetVariant(ctx context.Context, jobID string, index int) (*model.Variant, error) {
	variants, err := u.store.GetVariants(ctx, jobID)
	if err != nil {
		return nil, err
	}
	for _, v := range variants {
		if v.Index == index {
			return v, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (u *summarizeUC) Salvage(hearingID string) (*cache.HearingSnapshot, bool) {
	return u.salvage.Get(hearingID)
}

func (u *summarizeUC) FailStale(ctx context.Context, cutoff time.Time) (int, error) {
	jobs, err := u.store.ListNonTerminal(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range jobs {
		if u.lookupRun(job.ID) != nil {
			continue
		}
		if job.State == model.JobStateQueued {
			if _, err := u.append(ctx, model.NewJobEvent(job.ID, model.EventJobRunning, "job running")); err != nil && !isRejected(err) {
				return n, err
			}
		}
		if err := u.terminate(ctx, job.ID, model.ErrorCodeInterrupted, domain.ErrInterrupted); err != nil {
			return n, err
		}
		n++
		u.log.Warn().Str("job_id", job.ID).Msg("interrupted job failed")
	}
	return n, nil
}

// Close stops accepting work, interrupts running variants and terminates every job
// this instance still owns.
func (u *summarizeUC) Close(ctx context.Context) {
	u.cancelBase(domain.ErrInterrupted)
	u.pool.Stop()

	u.mu.Lock()
	left := make([]*jobRun, 0, len(u.runs))
	for _, r := range u.runs {
		left = append(left, r)
	}
	u.mu.Unlock()

	for _, r := range left {
		if r.timer != nil {
			r.timer.Stop()
		}
		if err := u.terminate(ctx, r.jobID, model.ErrorCodeInterrupted, domain.ErrInterrupted); err != nil {
			u.log.Error().Err(err).Str("job_id", r.jobID).Msg("failed to interrupt job")
		}
	}
}

func (u *summarizeUC) variantTask(r *jobRun, idx int) func(ctx context.Context) error {
	return func(workerCtx context.Context) error {
		if r.ctx.Err() != nil {
			// Cancelled or timed out while queued; the terminating path owns the events.
			return nil
		}
		ctx, cancel := context.WithCancel(r.ctx)
		defer cancel()
		stop := context.AfterFunc(workerCtx, cancel)
		defer stop()
		return u.runVariant(ctx, r, idx)
	}
}

func (u *summarizeUC) runVariant(ctx context.Context, r *jobRun, idx int) error {
	log := u.log.With().Str("job_id", r.jobID).Int("variant", idx).Logger()
	_, text := r.input.SliceFor(idx)

	for attempt := 1; ; attempt++ {
		kind, msg := model.EventVariantRunning, "variant running"
		if attempt > 1 {
			kind, msg = model.EventVariantRetry, fmt.Sprintf("variant retry %d", attempt)
			metrics.IncVariantRetry()
		}
		ev := model.NewVariantEvent(r.jobID, idx, kind, msg)
		ev.Data.Attempt = attempt
		started, err := u.append(ctx, ev)
		if err != nil {
			return u.abandon(ctx, r, idx, err)
		}
		// A retry starts the output over; the cached copy follows.
		u.salvage.Put(r.hearingID, started.Variant)

		upstreamID, err := u.generate(ctx, r, idx, attempt, text)
		if err == nil {
			done := model.NewVariantEvent(r.jobID, idx, model.EventVariantDone, "variant done")
			applied, err := u.append(ctx, done)
			if err != nil {
				return u.abandon(ctx, r, idx, err)
			}
			u.salvage.Put(r.hearingID, applied.Variant)
			metrics.IncVariantFinished(string(model.VariantStateDone), "")
			log.Info().Str("upstream_id", upstreamID).Int("attempt", attempt).Msg("variant done")
			return u.finalize(context.Background(), r.jobID)
		}

		if ctx.Err() != nil || isRejected(err) {
			// Cancelled, timed out or shut down; the terminating path owns the events.
			return nil
		}
		if errors.Is(err, domain.ErrStoreUnavailable) {
			return u.abandon(ctx, r, idx, err)
		}
		if domain.IsRetryable(err) && attempt < u.opts.MaxAttempts {
			wait := u.backoff(attempt)
			log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", wait).Msg("variant attempt failed, retrying")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}

		code := model.ErrorCodeTransient
		if errors.Is(err, domain.ErrNonRetryableUpstream) {
			code = model.ErrorCodeRejected
		}
		log.Error().Err(err).Int("attempt", attempt).Str("code", code).Msg("variant failed")
		u.failVariant(ctx, r, idx, code, err)
		return nil
	}
}

// generate runs one attempt and streams its output into the log. Output arriving
// after ctx is done is drained and dropped.
func (u *summarizeUC) generate(ctx context.Context, r *jobRun, idx, attempt int, text string) (string, error) {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := u.gen.Generate(actx, adapter.GenerationRequest{
		JobID:        r.jobID,
		HearingID:    r.hearingID,
		VariantIndex: idx,
		Attempt:      attempt,
		Model:        r.model,
		SystemPrompt: u.opts.SystemPrompt,
		Input:        text,
	})
	if err != nil {
		return "", err
	}
	drain := func() {
		cancel()
		for range stream {
		}
	}

	chars := 0
	for ev := range stream {
		if actx.Err() != nil {
			drain()
			return "", actx.Err()
		}
		switch ev.Type {
		case adapter.GenerationChunk:
			if ev.Text == "" {
				continue
			}
			if ev.Kind != model.ChunkSummary && ev.Kind != model.ChunkHeading {
				chars += utf8.RuneCountInString(ev.Text)
			}
			chunk := model.NewChunkEvent(r.jobID, idx, ev.Kind, ev.Text, u.progress(chars))
			applied, err := u.append(actx, chunk)
			if err != nil {
				drain()
				return "", err
			}
			u.salvage.Put(r.hearingID, applied.Variant)
		case adapter.GenerationDone:
			drain()
			return ev.ResponseID, nil
		case adapter.GenerationError:
			drain()
			if ev.Err == nil {
				return "", domain.ErrTransientUpstream
			}
			return "", ev.Err
		}
	}
	if err := actx.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("stream ended without completion: %w", domain.ErrTransientUpstream)
}

// progress estimates a variant's progress from its output length, leaving the last
// percent to completion.
func (u *summarizeUC) progress(chars int) int {
	p := chars * 100 / u.opts.ExpectedChars
	if p > 99 {
		p = 99
	}
	return p
}

func (u *summarizeUC) backoff(attempt int) time.Duration {
	d := u.opts.BackoffBase
	if d <= 0 {
		return 0
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if u.opts.BackoffMax > 0 && d >= u.opts.BackoffMax {
			return u.opts.BackoffMax
		}
	}
	return d
}

// abandon handles a failed append inside a variant's run.
func (u *summarizeUC) abandon(ctx context.Context, r *jobRun, idx int, err error) error {
	if ctx.Err() != nil || isRejected(err) {
		return nil
	}
	u.failVariant(ctx, r, idx, model.ErrorCodeStoreUnavailable, err)
	return err
}

func (u *summarizeUC) failVariant(ctx context.Context, r *jobRun, idx int, code string, cause error) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	applied, err := u.append(ctx, model.NewVariantErrorEvent(r.jobID, idx, code, cause))
	if err != nil {
		if !isRejected(err) {
			u.log.Error().Err(err).Str("job_id", r.jobID).Int("variant", idx).Msg("failed to record variant error")
		}
		return
	}
	u.salvage.Put(r.hearingID, applied.Variant)
	metrics.IncVariantFinished(string(model.VariantStateError), code)
	if err := u.finalize(ctx, r.jobID); err != nil {
		u.log.Error().Err(err).Str("job_id", r.jobID).Msg("failed to finalize job")
	}
}
