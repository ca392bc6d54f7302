package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"hearing-summarizer/internal/domain"
	"hearing-summarizer/internal/domain/model"
	"hearing-summarizer/internal/domain/ports/repository"
)

var _ repository.JobStore = (*jobStore)(nil)

type jobStore struct {
	pool *pgxpool.Pool
	tm   repository.TransactionManager
}

func NewJobStore(pool *pgxpool.Pool, tm repository.TransactionManager) *jobStore {
	return &jobStore{pool: pool, tm: tm}
}

const jobColumns = `id, hearing_id, state, phase, progress, variant_count, idempotency_key, input_hash, client_key, event_seq, created_at, updated_at`

const variantColumns = `job_id, idx, state, phase, progress, attempt, response_id, markdown, summary, headings, partial_chars, error, error_code, updated_at`

func (r *jobStore) CreateJob(ctx context.Context, tx repository.Tx, job *model.Job) error {
	const q = `
INSERT INTO jobs (` + jobColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);`

	_, err := execSQL(ctx, r.pool, tx, q,
		job.ID, job.HearingID, string(job.State), job.Phase, job.Progress, job.VariantCount,
		nullable(job.IdempotencyKey), job.InputHash, job.ClientKey, job.EventSeq,
		job.CreatedAt.UTC(), job.UpdatedAt.UTC())
	return err
}

func (r *jobStore) CreateVariants(ctx context.Context, tx repository.Tx, variants []*model.Variant) error {
	const q = `
INSERT INTO job_variants (` + variantColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14);`

	for _, v := range variants {
		headings, err := json.Marshal(nonNil(v.Headings))
		if err != nil {
			return err
		}
		if _, err := execSQL(ctx, r.pool, tx, q,
			v.JobID, v.Index, string(v.State), v.Phase, v.Progress, v.Attempt, v.ResponseID,
			v.Markdown, v.Summary, string(headings), v.PartialChars, v.Error, v.ErrorCode, v.UpdatedAt.UTC()); err != nil {
			return err
		}
	}
	return nil
}

func (r *jobStore) ReleaseIdempotencyKey(ctx context.Context, tx repository.Tx, jobID string) error {
	const q = `UPDATE jobs SET idempotency_key = NULL WHERE id = $1;`
	_, err := execSQL(ctx, r.pool, tx, q, jobID)
	return err
}

func (r *jobStore) AppendEvent(ctx context.Context, tx repository.Tx, ev *model.Event) (*repository.Applied, error) {
	if tx != nil {
		return r.appendEvent(ctx, tx, ev)
	}
	var out *repository.Applied
	err := r.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		var err error
		out, err = r.appendEvent(ctx, tx, ev)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// appendEvent locks the job row, folds the event into the job and variant rows and
// appends it under the next seq. The row lock serializes appends per job.
func (r *jobStore) appendEvent(ctx context.Context, tx repository.Tx, ev *model.Event) (*repository.Applied, error) {
	job, err := r.getJob(ctx, tx, ev.JobID, true)
	if err != nil {
		return nil, err
	}
	variants, err := r.getVariants(ctx, tx, ev.JobID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	changed, err := model.Apply(job, variants, ev, now)
	if err != nil {
		return nil, err
	}
	job.EventSeq++
	ev.Seq = job.EventSeq

	const uq = `
UPDATE jobs SET state = $2, phase = $3, progress = $4, event_seq = $5, updated_at = $6
WHERE id = $1;`
	if _, err := execSQL(ctx, r.pool, tx, uq,
		job.ID, string(job.State), job.Phase, job.Progress, job.EventSeq, job.UpdatedAt.UTC()); err != nil {
		return nil, err
	}

	if changed != nil {
		if err := r.updateVariant(ctx, tx, changed); err != nil {
			return nil, err
		}
	}

	data, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, err
	}
	const iq = `
INSERT INTO job_events (job_id, seq, ts, level, message, data_json)
VALUES ($1, $2, $3, $4, $5, $6);`
	if _, err := execSQL(ctx, r.pool, tx, iq,
		ev.JobID, ev.Seq, ev.Timestamp.UTC(), string(ev.Level), ev.Message, string(data)); err != nil {
		return nil, err
	}

	out := &repository.Applied{Event: ev, Job: job}
	if changed != nil {
		out.Variant = changed.Clone()
	}
	return out, nil
}

func (r *jobStore) updateVariant(ctx context.Context, tx repository.Tx, v *model.Variant) error {
	headings, err := json.Marshal(nonNil(v.Headings))
	if err != nil {
		return err
	}
	const q = `
UPDATE job_variants SET
  state = $3, phase = $4, progress = $5, attempt = $6, response_id = $7, markdown = $8,
  summary = $9, headings = $10, partial_chars = $11, error = $12, error_code = $13, updated_at = $14
WHERE job_id = $1 AND idx = $2;`
	_, err = execSQL(ctx, r.pool, tx, q,
		v.JobID, v.Index, string(v.State), v.Phase, v.Progress, v.Attempt, v.ResponseID, v.Markdown,
		v.Summary, string(headings), v.PartialChars, v.Error, v.ErrorCode, v.UpdatedAt.UTC())
	return err
}

func (r *jobStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	return r.getJob(ctx, nil, jobID, false)
}

func (r *jobStore) getJob(ctx context.Context, tx repository.Tx, jobID string, forUpdate bool) (*model.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	if _, ok := tx.(pgx.Tx); ok && forUpdate {
		q += " FOR UPDATE"
	}
	q += ";"
	row, err := pickRow(ctx, r.pool, tx, q, jobID)
	if err != nil {
		return nil, err
	}
	return scanJob(row)
}

func (r *jobStore) FindByIdempotencyKey(ctx context.Context, key string) (*model.Job, error) {
	const q = `SELECT ` + jobColumns + ` FROM jobs WHERE idempotency_key = $1;`
	row, err := pickRow(ctx, r.pool, nil, q, key)
	if err != nil {
		return nil, err
	}
	return scanJob(row)
}

func (r *jobStore) GetVariants(ctx context.Context, jobID string) ([]*model.Variant, error) {
	return r.getVariants(ctx, nil, jobID)
}

func (r *jobStore) getVariants(ctx context.Context, tx repository.Tx, jobID string) ([]*model.Variant, error) {
	const q = `SELECT ` + variantColumns + ` FROM job_variants WHERE job_id = $1 ORDER BY idx;`
	rows, err := queryRows(ctx, r.pool, tx, q, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Variant
	for rows.Next() {
		var (
			v        model.Variant
			state    string
			headings []byte
		)
		if err := rows.Scan(&v.JobID, &v.Index, &state, &v.Phase, &v.Progress, &v.Attempt, &v.ResponseID,
			&v.Markdown, &v.Summary, &headings, &v.PartialChars, &v.Error, &v.ErrorCode, &v.UpdatedAt); err != nil {
			return nil, scanErr(err)
		}
		v.State = model.VariantState(state)
		if err := json.Unmarshal(headings, &v.Headings); err != nil {
			return nil, fmt.Errorf("decode headings: %w", domain.ErrReadDatabaseRow)
		}
		out = append(out, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

func (r *jobStore) ListEventsSince(ctx context.Context, jobID string, cursor int64, limit int) ([]*model.Event, error) {
	const q = `
SELECT job_id, seq, ts, level, message, data_json FROM job_events
WHERE job_id = $1 AND seq > $2
ORDER BY seq
LIMIT $3;`
	return r.listEvents(ctx, q, jobID, cursor, limit)
}

func (r *jobStore) RecentErrors(ctx context.Context, jobID string, limit int) ([]string, error) {
	const q = `
SELECT job_id, seq, ts, level, message, data_json FROM job_events
WHERE job_id = $1 AND level = 'error'
ORDER BY seq DESC
LIMIT $2;`
	events, err := r.listEvents(ctx, q, jobID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		out = append(out, events[i].ErrorLine())
	}
	return out, nil
}

func (r *jobStore) listEvents(ctx context.Context, q string, args ...interface{}) ([]*model.Event, error) {
	rows, err := queryRows(ctx, r.pool, nil, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Event
	for rows.Next() {
		var (
			ev    model.Event
			level string
			data  []byte
		)
		if err := rows.Scan(&ev.JobID, &ev.Seq, &ev.Timestamp, &level, &ev.Message, &data); err != nil {
			return nil, scanErr(err)
		}
		ev.Level = model.EventLevel(level)
		if err := json.Unmarshal(data, &ev.Data); err != nil {
			return nil, fmt.Errorf("decode event data: %w", domain.ErrReadDatabaseRow)
		}
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

func (r *jobStore) ListNonTerminal(ctx context.Context, updatedBefore time.Time) ([]*model.Job, error) {
	const q = `
SELECT ` + jobColumns + ` FROM jobs
WHERE state IN ('queued', 'running') AND updated_at < $1
ORDER BY created_at;`
	rows, err := queryRows(ctx, r.pool, nil, q, updatedBefore.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

func (r *jobStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `
DELETE FROM jobs
WHERE state NOT IN ('queued', 'running') AND updated_at < $1;`
	tag, err := execSQL(ctx, r.pool, nil, q, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		j     model.Job
		state string
		key   *string
	)
	if err := row.Scan(&j.ID, &j.HearingID, &state, &j.Phase, &j.Progress, &j.VariantCount, &key,
		&j.InputHash, &j.ClientKey, &j.EventSeq, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, scanErr(err)
	}
	j.State = model.JobState(state)
	if key != nil {
		j.IdempotencyKey = *key
	}
	return &j, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
