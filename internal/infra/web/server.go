package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"hearing-summarizer/internal/config"
	"hearing-summarizer/internal/usecase"
)

// RateLimiter is a fixed-window limiter keyed by client.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Streams attaches viewers to a job's event stream.
type Streams interface {
	Attach(ctx context.Context, jobID string, cursor int64) (*usecase.Subscription, error)
}

type Server struct {
	summarize usecase.SummarizeUseCase
	streams   Streams
	limiter   RateLimiter
	validate  *validator.Validate
	cfg       config.HTTPConfig
	maxN      int
	log       *zerolog.Logger
	server    *http.Server
}

func NewServer(
	summarize usecase.SummarizeUseCase,
	streams Streams,
	limiter RateLimiter,
	cfg config.HTTPConfig,
	maxVariants int,
	logger *zerolog.Logger,
) *Server {
	l := logger.With().Str("component", "HTTPServer").Logger()
	return &Server{
		summarize: summarize,
		streams:   streams,
		limiter:   limiter,
		validate:  newValidator(),
		cfg:       cfg,
		maxN:      maxVariants,
		log:       &l,
	}
}

// Router builds the HTTP surface. The stream route sits outside the cached group.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(TraceID(), RequestLog(s.log), Recover(s.log))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/jobs/{jobId}/stream", s.handleStream)

		r.Group(func(r chi.Router) {
			r.Use(CacheControl(0))
			r.Post("/jobs/summarize/{hearingId}", s.handleSubmit)
			r.Get("/jobs/{jobId}", s.handleGetJob)
			r.Delete("/jobs/{jobId}", s.handleCancel)
			r.Get("/hearings/{hearingId}/salvage", s.handleSalvage)
		})
		r.Group(func(r chi.Router) {
			r.Use(CacheControl(s.cfg.SnapshotMaxAge))
			r.Get("/jobs/{jobId}/variant/{n}", s.handleGetVariant)
		})
	})
	return r
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info().Int("port", s.cfg.Port).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
