package model

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"hearing-summarizer/internal/domain"
)

// Apply folds ev into the job row and its variant rows. It is the single definition of
// how the materialized view follows the log: stores call it inside the same unit of work
// that appends the event, and append only when it succeeds.
//
// Apply may enrich ev (final state, partial_chars) so the persisted payload carries the
// effect it had. It returns the variant that changed, or nil for job-level events.
func Apply(job *Job, variants []*Variant, ev *Event, now time.Time) (*Variant, error) {
	if ev.JobID != job.ID {
		return nil, fmt.Errorf("event for job %s applied to %s: %w", ev.JobID, job.ID, domain.ErrInvalidArgument)
	}
	if job.State.IsTerminal() {
		return nil, domain.ErrJobNotRunning
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}

	switch ev.Data.Kind {
	case EventJobCreated:
		if job.State != JobStateQueued {
			return nil, domain.ErrInvalidArgument
		}
		ev.Data.HearingID = job.HearingID
		ev.Data.VariantCount = job.VariantCount
		job.UpdatedAt = now
		return nil, nil

	case EventJobRunning:
		if job.State != JobStateQueued {
			return nil, domain.ErrInvalidArgument
		}
		job.State = JobStateRunning
		job.Phase = phaseOr(ev.Data.Phase, string(JobStateRunning))
		ev.Data.State = string(job.State)
		job.UpdatedAt = now
		return nil, nil

	case EventJobPhase:
		job.Phase = ev.Data.Phase
		job.UpdatedAt = now
		return nil, nil

	case EventJobFinalized:
		if job.State != JobStateRunning {
			return nil, domain.ErrJobNotRunning
		}
		final, ok := FinalState(variants)
		if !ok {
			return nil, fmt.Errorf("finalize with live variants: %w", domain.ErrInvalidArgument)
		}
		job.State = final
		job.Phase = string(final)
		job.Progress = 100
		job.UpdatedAt = now
		ev.Data.State = string(final)
		ev.Data.Progress = 100
		if final == JobStateFailed {
			ev.Level = EventLevelError
		}
		return nil, nil
	}

	v := findVariant(variants, ev.Data.Variant)
	if v == nil {
		return nil, fmt.Errorf("variant %d of job %s: %w", ev.Data.Variant, job.ID, domain.ErrNotFound)
	}
	if v.State.IsTerminal() {
		return nil, domain.ErrVariantTerminal
	}

	switch ev.Data.Kind {
	case EventVariantRunning, EventVariantRetry:
		if ev.Data.Kind == EventVariantRetry {
			v.resetOutput()
		}
		v.State = VariantStateRunning
		v.Phase = phaseOr(ev.Data.Phase, string(VariantStateRunning))
		v.Attempt = ev.Data.Attempt
		v.Progress = ev.Data.Progress

	case EventVariantPhase:
		v.Phase = ev.Data.Phase

	case EventVariantChunk:
		if v.State != VariantStateStreaming {
			v.State = VariantStateStreaming
			v.Phase = phaseOr(ev.Data.Phase, string(VariantStateStreaming))
		}
		switch ev.Data.ChunkKind {
		case ChunkSummary:
			v.Summary += ev.Data.Delta
		case ChunkHeading:
			if h := strings.TrimSpace(ev.Data.Delta); h != "" {
				v.Headings = MergeHeadings(v.Headings, []string{h})
			}
		default:
			v.Markdown += ev.Data.Delta
			v.PartialChars += utf8.RuneCountInString(ev.Data.Delta)
			if i := strings.LastIndexByte(v.Markdown, '\n'); i >= 0 {
				v.Headings = MergeHeadings(v.Headings, ExtractHeadings(v.Markdown[:i]))
			}
		}
		if ev.Data.Progress > v.Progress {
			v.Progress = ev.Data.Progress
		}
		ev.Data.PartialChars = v.PartialChars

	case EventVariantDone:
		v.State = VariantStateDone
		v.Phase = string(VariantStateDone)
		v.Progress = 100
		if ev.Data.ResponseID != "" {
			v.ResponseID = ev.Data.ResponseID
		}
		v.Headings = MergeHeadings(v.Headings, ExtractHeadings(v.Markdown))
		ev.Data.PartialChars = v.PartialChars

	case EventVariantError:
		v.State = VariantStateError
		v.Phase = string(VariantStateError)
		v.Progress = 100
		v.Error = ev.Data.Error
		v.ErrorCode = ev.Data.ErrorCode

	case EventVariantCancelled:
		v.State = VariantStateCancelled
		v.Phase = string(VariantStateCancelled)
		v.Progress = 100
		v.ErrorCode = ErrorCodeCancelled

	default:
		return nil, fmt.Errorf("unknown event kind %q: %w", ev.Data.Kind, domain.ErrInvalidArgument)
	}

	ev.Data.State = string(v.State)
	v.UpdatedAt = now
	if job.State == JobStateRunning {
		if p := averageProgress(variants); p > job.Progress {
			job.Progress = p
		}
	}
	job.UpdatedAt = now
	return v, nil
}

// FinalState derives a job's terminal state from its variants. ok is false while any
// variant is still live.
func FinalState(variants []*Variant) (JobState, bool) {
	var done, failed, cancelled int
	for _, v := range variants {
		switch v.State {
		case VariantStateDone:
			done++
		case VariantStateError:
			failed++
		case VariantStateCancelled:
			cancelled++
		default:
			return "", false
		}
	}
	switch {
	case cancelled > 0:
		return JobStateCancelled, true
	case failed == 0:
		return JobStateCompleted, true
	case done == 0:
		return JobStateFailed, true
	default:
		return JobStateCompletedWithErrors, true
	}
}

// AllTerminal reports whether every variant has reached a terminal state.
func AllTerminal(variants []*Variant) bool {
	_, ok := FinalState(variants)
	return ok
}

func findVariant(variants []*Variant, index int) *Variant {
	for _, v := range variants {
		if v.Index == index {
			return v
		}
	}
	return nil
}

// averageProgress is capped below 100 so only finalization completes a job.
func averageProgress(variants []*Variant) int {
	if len(variants) == 0 {
		return 0
	}
	sum := 0
	for _, v := range variants {
		sum += v.Progress
	}
	p := sum / len(variants)
	if p > 99 {
		p = 99
	}
	return p
}

func phaseOr(phase, def string) string {
	if phase != "" {
		return phase
	}
	return def
}
