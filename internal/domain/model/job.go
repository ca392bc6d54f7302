package model

import "time"

type JobState string

const (
	JobStateQueued              JobState = "queued"
	JobStateRunning             JobState = "running"
	JobStateCompleted           JobState = "completed"
	JobStateCompletedWithErrors JobState = "completed_with_errors"
	JobStateFailed              JobState = "failed"
	JobStateCancelled           JobState = "cancelled"
)

// IsTerminal reports whether no further events may be applied to a job in this state.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateCompleted, JobStateCompletedWithErrors, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// Job is one summarization request for a hearing.
type Job struct {
	ID             string
	HearingID      string
	State          JobState
	Phase          string
	Progress       int
	VariantCount   int
	IdempotencyKey string // empty when the client did not supply one
	InputHash      string
	ClientKey      string
	EventSeq       int64 // seq of the last appended event
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func NewJob(id string, in SummaryInput, idempotencyKey, clientKey string, now time.Time) *Job {
	return &Job{
		ID:             id,
		HearingID:      in.HearingID,
		State:          JobStateQueued,
		Phase:          string(JobStateQueued),
		VariantCount:   in.VariantCount,
		IdempotencyKey: idempotencyKey,
		InputHash:      in.Hash(),
		ClientKey:      clientKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Reusable reports whether a job found under an idempotency key may be returned
// to a client instead of starting new work.
func (j *Job) Reusable() bool {
	return j.State != JobStateFailed
}

func (j *Job) Clone() *Job {
	cp := *j
	return &cp
}
