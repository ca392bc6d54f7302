// File: internal/infra/adapters/ai/multi_adapter.go
package ai

import (
	"context"
	"errors"
	"strings"

	"hearing-summarizer/internal/domain/ports/adapter"
)

var _ adapter.Generator = (*MultiGenerator)(nil)

// MultiGenerator routes a request to a provider by its model name.
type MultiGenerator struct {
	defaultProvider string // e.g., "openai" or "gemini"
	byProvider      map[string]adapter.Generator
	modelToProvider map[string]string // model -> provider
}

func NewMultiGenerator(
	defaultProvider string,
	byProvider map[string]adapter.Generator,
	modelToProvider map[string]string,
) *MultiGenerator {
	return &MultiGenerator{
		defaultProvider: strings.ToLower(defaultProvider),
		byProvider:      byProvider,
		modelToProvider: modelToProvider,
	}
}

func (m *MultiGenerator) Name() string { return "multi" }

func (m *MultiGenerator) resolveProvider(model string) string {
	if p := m.modelToProvider[model]; p != "" {
		return strings.ToLower(p)
	}
	l := strings.ToLower(model)
	switch {
	case strings.HasPrefix(l, "gemini"):
		return "gemini"
	case strings.HasPrefix(l, "gpt"), strings.HasPrefix(l, "o1"), strings.HasPrefix(l, "o3"):
		return "openai"
	default:
		return m.defaultProvider
	}
}

func (m *MultiGenerator) pick(model string) adapter.Generator {
	if model != "" {
		if g := m.byProvider[m.resolveProvider(model)]; g != nil {
			return g
		}
	}
	if g := m.byProvider[m.defaultProvider]; g != nil {
		return g
	}
	// last resort: first available
	for _, g := range m.byProvider {
		if g != nil {
			return g
		}
	}
	return nil
}

func (m *MultiGenerator) Generate(ctx context.Context, req adapter.GenerationRequest) (<-chan adapter.GenerationEvent, error) {
	g := m.pick(req.Model)
	if g == nil {
		return nil, errors.New("no generation provider configured")
	}
	return g.Generate(ctx, req)
}
