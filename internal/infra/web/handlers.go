package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"hearing-summarizer/internal/domain"
	"hearing-summarizer/internal/domain/model"
	"hearing-summarizer/internal/infra/logging"
	red "hearing-summarizer/internal/infra/redis"
	"hearing-summarizer/internal/usecase"
)

const maxSubmitBody = 25 << 20

type responseInput struct {
	ID   string `json:"id" validate:"required,max=64"`
	Text string `json:"text" validate:"required"`
}

type submitRequest struct {
	Text      string          `json:"text" validate:"required_without=Responses"`
	Responses []responseInput `json:"responses" validate:"omitempty,max=50,dive"`
	N         int             `json:"n" validate:"gte=0"`
	Model     string          `json:"model" validate:"omitempty,max=64"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	TraceID string `json:"traceId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, domain.ErrStaleIdempotencyKey):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrTooManyJobs):
		status, msg = http.StatusTooManyRequests, err.Error()
	case errors.Is(err, domain.ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, domain.ErrInvalidArgument):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrStoreUnavailable), errors.Is(err, domain.ErrSchedulerClosed):
		status, msg = http.StatusServiceUnavailable, "service unavailable"
	}
	writeJSON(w, status, errorResponse{Success: false, Message: msg})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	l := logging.With(ctx, s.log)
	client := clientKey(r)

	if s.limiter != nil && s.cfg.SubmitPerMinute > 0 {
		ok, err := s.limiter.Allow(ctx, red.SubmitKey(client), s.cfg.SubmitPerMinute, time.Minute)
		if err != nil {
			l.Warn().Err(err).Msg("submit rate limiter unavailable")
		} else if !ok {
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Message: "rate limit exceeded"})
			return
		}
	}

	var req submitRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxSubmitBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: "invalid request body"})
		return
	}
	if q := r.URL.Query().Get("n"); q != "" && req.N == 0 {
		n, err := strconv.Atoi(q)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Message: "invalid n"})
			return
		}
		req.N = n
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: err.Error()})
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = r.Header.Get("X-Idempotency-Key")
	}
	key = strings.TrimSpace(key)
	if err := s.validate.Var(key, "omitempty,max=200,printascii"); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: "invalid idempotency key"})
		return
	}

	in := model.SummaryInput{
		HearingID:    chi.URLParam(r, "hearingId"),
		Text:         req.Text,
		VariantCount: req.N,
	}
	for _, p := range req.Responses {
		in.Partitions = append(in.Partitions, model.Partition{ResponseID: p.ID, Text: p.Text})
	}

	res, err := s.summarize.Submit(ctx, usecase.SubmitRequest{
		Input:          in,
		IdempotencyKey: key,
		ClientKey:      client,
		Model:          req.Model,
	})
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidArgument) && !errors.Is(err, domain.ErrStaleIdempotencyKey) && !errors.Is(err, domain.ErrTooManyJobs) {
			l.Error().Err(err).Msg("submit failed")
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, struct {
		Success bool          `json:"success"`
		JobID   string        `json:"jobId"`
		Reused  bool          `json:"reused"`
		Job     model.JobView `json:"job"`
	}{
		Success: true,
		JobID:   res.Job.ID,
		Reused:  res.Reused,
		Job:     res.Job.View(),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	snap, err := s.summarize.GetSnapshot(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		*model.JobSnapshot
	}{Success: true, JobSnapshot: snap})
}

func (s *Server) handleGetVariant(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil || n < 1 || n > s.maxN {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: "invalid variant"})
		return
	}
	v, err := s.summarize.GetVariant(r.Context(), chi.URLParam(r, "jobId"), n)
	if err != nil {
		w.Header().Set("Cache-Control", "no-store")
		writeError(w, err)
		return
	}
	if !v.State.IsTerminal() {
		w.Header().Set("Cache-Control", "no-store")
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool               `json:"success"`
		State   model.VariantState `json:"state"`
		model.VariantView
	}{Success: true, State: v.State, VariantView: v.View()})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.summarize.Cancel(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool          `json:"success"`
		Job     model.JobView `json:"job"`
	}{Success: true, Job: job.View()})
}

func (s *Server) handleSalvage(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.summarize.Salvage(chi.URLParam(r, "hearingId"))
	if !ok {
		writeError(w, domain.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool        `json:"success"`
		Data    interface{} `json:"data"`
	}{Success: true, Data: snap})
}
