package ai

import (
	"context"

	"golang.org/x/time/rate"

	"hearing-summarizer/internal/domain/ports/adapter"
)

// Compile-time check
var _ adapter.Generator = (*limitedGenerator)(nil)

// limitedGenerator paces generation starts to protect the upstream's request quota.
// Concurrency is bounded by the worker pool, not here.
type limitedGenerator struct {
	inner   adapter.Generator
	limiter *rate.Limiter
}

func NewLimitedGenerator(inner adapter.Generator, perSecond float64, burst int) adapter.Generator {
	if perSecond <= 0 {
		return inner
	}
	if burst <= 0 {
		burst = 1
	}
	return &limitedGenerator{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (l *limitedGenerator) Name() string { return l.inner.Name() }

func (l *limitedGenerator) Generate(ctx context.Context, req adapter.GenerationRequest) (<-chan adapter.GenerationEvent, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.inner.Generate(ctx, req)
}
