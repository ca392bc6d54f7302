package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"hearing-summarizer/internal/domain"
	"hearing-summarizer/internal/domain/model"
	"hearing-summarizer/internal/domain/ports/adapter"
)

// summaryMarker separates the markdown body from the short summary in model output.
const summaryMarker = "<!-- summary -->"

type piece struct {
	kind model.ChunkKind
	text string
}

// splitter routes streamed text to markdown until the summary marker is seen and to
// summary afterwards. A marker split across deltas is held back until resolved.
type splitter struct {
	buf       string
	inSummary bool
	lead      bool
}

func (s *splitter) Feed(text string) []piece {
	s.buf += text
	var out []piece
	if !s.inSummary {
		if i := strings.Index(s.buf, summaryMarker); i >= 0 {
			if i > 0 {
				out = append(out, piece{model.ChunkMarkdown, s.buf[:i]})
			}
			s.buf = s.buf[i+len(summaryMarker):]
			s.inSummary, s.lead = true, true
		} else {
			keep := holdback(s.buf)
			if emit := s.buf[:len(s.buf)-keep]; emit != "" {
				out = append(out, piece{model.ChunkMarkdown, emit})
			}
			s.buf = s.buf[len(s.buf)-keep:]
			return out
		}
	}
	if s.lead {
		s.buf = strings.TrimLeft(s.buf, " \t\r\n")
		if s.buf == "" {
			return out
		}
		s.lead = false
	}
	if s.buf != "" {
		out = append(out, piece{model.ChunkSummary, s.buf})
		s.buf = ""
	}
	return out
}

// Flush returns whatever was held back at the end of the stream.
func (s *splitter) Flush() []piece {
	if s.buf == "" {
		return nil
	}
	kind := model.ChunkMarkdown
	if s.inSummary {
		kind = model.ChunkSummary
	}
	p := piece{kind, s.buf}
	s.buf = ""
	return []piece{p}
}

// holdback is the length of the longest suffix of buf that is a proper prefix of the marker.
func holdback(buf string) int {
	for k := len(summaryMarker) - 1; k > 0; k-- {
		if strings.HasSuffix(buf, summaryMarker[:k]) {
			return k
		}
	}
	return 0
}

// send delivers ev unless the consumer went away.
func send(ctx context.Context, out chan<- adapter.GenerationEvent, ev adapter.GenerationEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func sendPieces(ctx context.Context, out chan<- adapter.GenerationEvent, pieces []piece) (int, bool) {
	n := 0
	for _, p := range pieces {
		if !send(ctx, out, adapter.GenerationEvent{Type: adapter.GenerationChunk, Kind: p.kind, Text: p.text}) {
			return n, false
		}
		n++
	}
	return n, true
}

// classifyStatus maps an upstream HTTP status to the retry taxonomy: throttling and
// server errors are transient, other client errors are not.
func classifyStatus(provider string, status int, err error) error {
	switch {
	case status == 408 || status == 409 || status == 429 || status >= 500:
		return fmt.Errorf("%s http %d: %v: %w", provider, status, err, domain.ErrTransientUpstream)
	case status >= 400:
		return fmt.Errorf("%s http %d: %v: %w", provider, status, err, domain.ErrNonRetryableUpstream)
	}
	return classifyTransport(provider, err)
}

// classifyTransport handles failures with no HTTP status: context errors pass through,
// network failures are transient.
func classifyTransport(provider string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %v: %w", provider, err, domain.ErrTransientUpstream)
}

func modelOrDefault(model, def string) string {
	if strings.TrimSpace(model) != "" {
		return model
	}
	return def
}
