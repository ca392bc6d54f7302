package adapter

import (
	"context"

	"hearing-summarizer/internal/domain/model"
)

// GenerationRequest is one call to the generation capability for one variant attempt.
type GenerationRequest struct {
	JobID        string
	HearingID    string
	VariantIndex int
	Attempt      int
	Model        string
	SystemPrompt string
	Input        string
}

type GenerationEventType string

const (
	GenerationChunk GenerationEventType = "chunk"
	GenerationDone  GenerationEventType = "done"
	GenerationError GenerationEventType = "error"
)

// GenerationEvent is the tagged union yielded by a generation stream.
type GenerationEvent struct {
	Type       GenerationEventType
	Kind       model.ChunkKind // for chunks
	Text       string          // for chunks
	ResponseID string          // upstream id, for done
	Err        error           // for errors; wraps domain.ErrTransientUpstream or ErrNonRetryableUpstream
}

// Generator is the port for the text generation backend. Generate starts a generation
// and returns a channel that yields chunks and exactly one terminal event (done or error)
// before it is closed. Cancelling ctx asks the producer to stop; it must still close the
// channel, possibly after delivering a few more events.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req GenerationRequest) (<-chan GenerationEvent, error)
}
