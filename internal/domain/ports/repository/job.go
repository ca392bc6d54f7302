package repository

import (
	"context"
	"time"

	"hearing-summarizer/internal/domain/model"
)

// Applied is the outcome of AppendEvent: the persisted event (with its seq) and the
// rows as they stand after the event's effect.
type Applied struct {
	Event   *model.Event
	Job     *model.Job
	Variant *model.Variant // nil for job-level events
}

// JobStore persists jobs, variants and the job event log. The job and variant rows are
// a materialized view of the log: AppendEvent applies the event (model.Apply) and
// appends it in one unit of work, so no reader sees row state ahead of the log.
type JobStore interface {
	CreateJob(ctx context.Context, tx Tx, job *model.Job) error
	CreateVariants(ctx context.Context, tx Tx, variants []*model.Variant) error
	// ReleaseIdempotencyKey detaches a key from a (failed) job so a fresh job may claim it.
	ReleaseIdempotencyKey(ctx context.Context, tx Tx, jobID string) error

	// AppendEvent applies and appends ev. Events rejected by model.Apply
	// (domain.ErrVariantTerminal, domain.ErrJobNotRunning) are not appended.
	AppendEvent(ctx context.Context, tx Tx, ev *model.Event) (*Applied, error)

	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	GetVariants(ctx context.Context, jobID string) ([]*model.Variant, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*model.Job, error)
	// ListEventsSince returns up to limit events with seq strictly greater than cursor.
	ListEventsSince(ctx context.Context, jobID string, cursor int64, limit int) ([]*model.Event, error)
	// RecentErrors returns the newest error-level event messages of a job.
	RecentErrors(ctx context.Context, jobID string, limit int) ([]string, error)

	// ListNonTerminal returns jobs still queued or running whose updated_at is before the cutoff.
	ListNonTerminal(ctx context.Context, updatedBefore time.Time) ([]*model.Job, error)
	// PurgeBefore deletes terminal jobs (rows and events) last updated before the cutoff.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
