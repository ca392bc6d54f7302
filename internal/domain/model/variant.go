package model

import "time"

type VariantState string

const (
	VariantStateQueued    VariantState = "queued"
	VariantStateRunning   VariantState = "running"
	VariantStateStreaming VariantState = "streaming"
	VariantStateDone      VariantState = "done"
	VariantStateError     VariantState = "error"
	VariantStateCancelled VariantState = "cancelled"
)

func (s VariantState) IsTerminal() bool {
	switch s {
	case VariantStateDone, VariantStateError, VariantStateCancelled:
		return true
	}
	return false
}

// Error codes stored alongside Variant.Error.
const (
	ErrorCodeTimeout          = "timeout"
	ErrorCodeTransient        = "upstream_transient"
	ErrorCodeRejected         = "upstream_rejected"
	ErrorCodeCancelled        = "cancelled"
	ErrorCodeInterrupted      = "interrupted"
	ErrorCodeStoreUnavailable = "store_unavailable"
)

// Variant is one independent generation attempt of a job, keyed by (JobID, Index).
// Indexes start at 1.
type Variant struct {
	JobID        string
	Index        int
	State        VariantState
	Phase        string
	Progress     int
	Attempt      int
	ResponseID   string
	Markdown     string
	Summary      string
	Headings     []string
	PartialChars int
	Error        string
	ErrorCode    string
	UpdatedAt    time.Time
}

// NewVariants builds the queued variant rows of a job. When the input is partitioned by
// response, each variant carries its partition's response id.
func NewVariants(jobID string, in SummaryInput, now time.Time) []*Variant {
	out := make([]*Variant, 0, in.VariantCount)
	for i := 1; i <= in.VariantCount; i++ {
		responseID, _ := in.SliceFor(i)
		out = append(out, &Variant{
			JobID:      jobID,
			Index:      i,
			State:      VariantStateQueued,
			Phase:      string(VariantStateQueued),
			ResponseID: responseID,
			Headings:   []string{},
			UpdatedAt:  now,
		})
	}
	return out
}

func (v *Variant) resetOutput() {
	v.Markdown = ""
	v.Summary = ""
	v.Headings = []string{}
	v.PartialChars = 0
	v.Error = ""
	v.ErrorCode = ""
}

// Clone returns a deep copy safe to hand out of a store.
func (v *Variant) Clone() *Variant {
	cp := *v
	cp.Headings = append([]string(nil), v.Headings...)
	return &cp
}
