package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"hearing-summarizer/internal/domain"
	"hearing-summarizer/internal/domain/model"
	"hearing-summarizer/internal/infra/logging"
)

type streamEvent struct {
	Seq       int64            `json:"seq"`
	Timestamp time.Time        `json:"ts"`
	Level     model.EventLevel `json:"level"`
	Message   string           `json:"message"`
	Data      model.EventData  `json:"data"`
}

// parseCursor reads the resume cursor from Last-Event-ID, falling back to ?cursor=.
func parseCursor(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("cursor"))
	}
	if raw == "" {
		return 0, nil
	}
	c, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || c < 0 {
		return 0, fmt.Errorf("cursor %q: %w", raw, domain.ErrInvalidArgument)
	}
	return c, nil
}

func writeFrame(w http.ResponseWriter, ev *model.Event) error {
	data, err := json.Marshal(streamEvent{
		Seq:       ev.Seq,
		Timestamp: ev.Timestamp,
		Level:     ev.Level,
		Message:   ev.Message,
		Data:      ev.Data,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Data.Kind, data)
	return err
}

// handleStream serves a job's events as text/event-stream until the job finalizes or
// the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := chi.URLParam(r, "jobId")
	l := logging.With(logging.WithJobID(ctx, jobID), s.log)

	cursor, err := parseCursor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Message: "streaming unsupported"})
		return
	}
	sub, err := s.streams.Attach(ctx, jobID, cursor)
	if err != nil {
		writeError(w, err)
		return
	}
	defer sub.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "retry: 3000\n\n")
	flusher.Flush()

	keepalive := s.cfg.StreamKeepalive
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	l.Debug().Int64("cursor", cursor).Msg("stream attached")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					fmt.Fprintf(w, "event: error\ndata: {\"message\":%q}\n\n", "stream interrupted")
					flusher.Flush()
				}
				return
			}
			if err := writeFrame(w, ev); err != nil {
				l.Debug().Err(err).Msg("stream write failed")
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
