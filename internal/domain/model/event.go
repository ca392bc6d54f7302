package model

import (
	"fmt"
	"time"
)

type EventLevel string

const (
	EventLevelInfo     EventLevel = "info"
	EventLevelProgress EventLevel = "progress"
	EventLevelError    EventLevel = "error"
)

type EventKind string

const (
	EventJobCreated       EventKind = "job-created"
	EventJobRunning       EventKind = "job-running"
	EventJobPhase         EventKind = "job-phase"
	EventJobFinalized     EventKind = "job-finalized"
	EventVariantRunning   EventKind = "variant-running"
	EventVariantRetry     EventKind = "variant-retry"
	EventVariantPhase     EventKind = "variant-phase"
	EventVariantChunk     EventKind = "variant-chunk"
	EventVariantDone      EventKind = "variant-done"
	EventVariantError     EventKind = "variant-error"
	EventVariantCancelled EventKind = "variant-cancelled"
)

// ChunkKind declares which accumulated output a chunk of text belongs to.
type ChunkKind string

const (
	ChunkMarkdown ChunkKind = "markdown"
	ChunkSummary  ChunkKind = "summary"
	ChunkHeading  ChunkKind = "heading"
)

// EventData is the structured payload of an event.
type EventData struct {
	Kind         EventKind `json:"kind"`
	Variant      int       `json:"variant,omitempty"`
	State        string    `json:"state,omitempty"`
	Phase        string    `json:"phase,omitempty"`
	Progress     int       `json:"progress,omitempty"`
	Attempt      int       `json:"attempt,omitempty"`
	ChunkKind    ChunkKind `json:"chunk_kind,omitempty"`
	Delta        string    `json:"delta,omitempty"`
	PartialChars int       `json:"partial_chars,omitempty"`
	ResponseID   string    `json:"response_id,omitempty"`
	Error        string    `json:"error,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
	HearingID    string    `json:"hearing_id,omitempty"`
	VariantCount int       `json:"variant_count,omitempty"`
}

// Event is one append-only entry of a job's log. Seq is assigned by the store and is
// dense and strictly increasing per job; it doubles as the stream resume cursor.
type Event struct {
	JobID     string
	Seq       int64
	Timestamp time.Time
	Level     EventLevel
	Message   string
	Data      EventData
}

// IsTerminal reports whether the event closes its job's stream.
func (e *Event) IsTerminal() bool {
	return e.Data.Kind == EventJobFinalized
}

func NewJobEvent(jobID string, kind EventKind, msg string) *Event {
	return &Event{
		JobID:   jobID,
		Level:   EventLevelInfo,
		Message: msg,
		Data:    EventData{Kind: kind},
	}
}

func NewVariantEvent(jobID string, index int, kind EventKind, msg string) *Event {
	ev := &Event{
		JobID:   jobID,
		Level:   EventLevelInfo,
		Message: msg,
		Data:    EventData{Kind: kind, Variant: index},
	}
	switch kind {
	case EventVariantChunk:
		ev.Level = EventLevelProgress
	case EventVariantError:
		ev.Level = EventLevelError
	}
	return ev
}

func NewChunkEvent(jobID string, index int, kind ChunkKind, delta string, progress int) *Event {
	ev := NewVariantEvent(jobID, index, EventVariantChunk, "chunk")
	ev.Data.ChunkKind = kind
	ev.Data.Delta = delta
	ev.Data.Progress = progress
	return ev
}

func NewVariantErrorEvent(jobID string, index int, code string, err error) *Event {
	ev := NewVariantEvent(jobID, index, EventVariantError, "variant failed")
	ev.Data.ErrorCode = code
	if err != nil {
		ev.Data.Error = err.Error()
	}
	return ev
}

func (e *Event) Clone() *Event {
	cp := *e
	return &cp
}

// ErrorLine renders an error-level event for the snapshot's error list.
func (e *Event) ErrorLine() string {
	msg := e.Message
	if e.Data.Variant > 0 {
		msg = fmt.Sprintf("variant %d: %s", e.Data.Variant, msg)
	}
	if e.Data.Error != "" {
		msg += ": " + e.Data.Error
	}
	return msg
}
