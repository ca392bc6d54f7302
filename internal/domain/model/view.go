package model

import "time"

// VariantView is the shape of a variant consumed by the UI.
type VariantView struct {
	ID       int      `json:"id"`
	Markdown string   `json:"markdown"`
	Summary  string   `json:"summary"`
	Headings []string `json:"headings"`
}

// JobView is the shape of a job consumed by the UI.
type JobView struct {
	ID       string   `json:"id"`
	State    JobState `json:"state"`
	Phase    string   `json:"phase"`
	Progress int      `json:"progress"`
}

func (v *Variant) View() VariantView {
	h := v.Headings
	if h == nil {
		h = []string{}
	}
	return VariantView{ID: v.Index, Markdown: v.Markdown, Summary: v.Summary, Headings: h}
}

func (j *Job) View() JobView {
	return JobView{ID: j.ID, State: j.State, Phase: j.Phase, Progress: j.Progress}
}

// VariantStatus is the per-variant line of a job snapshot.
type VariantStatus struct {
	ID           int          `json:"id"`
	State        VariantState `json:"state"`
	Phase        string       `json:"phase"`
	Progress     int          `json:"progress"`
	ResponseID   string       `json:"responseId,omitempty"`
	PartialChars int          `json:"partialChars"`
	Error        string       `json:"error,omitempty"`
	ErrorCode    string       `json:"errorCode,omitempty"`
	HasResult    bool         `json:"hasResult"`
}

// JobSnapshot is the "best known state right now" of a job read from the store.
type JobSnapshot struct {
	JobView
	HearingID string          `json:"hearingId"`
	Variants  []VariantStatus `json:"variants"`
	Errors    []string        `json:"errors,omitempty"`
	LastSeq   int64           `json:"lastSeq"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func NewJobSnapshot(job *Job, variants []*Variant, errs []string) *JobSnapshot {
	snap := &JobSnapshot{
		JobView:   job.View(),
		HearingID: job.HearingID,
		Variants:  make([]VariantStatus, 0, len(variants)),
		Errors:    errs,
		LastSeq:   job.EventSeq,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
	for _, v := range variants {
		snap.Variants = append(snap.Variants, VariantStatus{
			ID:           v.Index,
			State:        v.State,
			Phase:        v.Phase,
			Progress:     v.Progress,
			ResponseID:   v.ResponseID,
			PartialChars: v.PartialChars,
			Error:        v.Error,
			ErrorCode:    v.ErrorCode,
			HasResult:    v.Markdown != "",
		})
	}
	return snap
}
