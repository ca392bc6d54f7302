// File: internal/infra/adapters/ai/gemini_adapter.go
package ai

import (
	"context"
	"errors"
	"time"

	"google.golang.org/genai"

	"hearing-summarizer/internal/domain/ports/adapter"
	"hearing-summarizer/internal/infra/metrics"
)

var _ adapter.Generator = (*GeminiGenerator)(nil)

type GeminiGenerator struct {
	client       *genai.Client
	defaultModel string
	maxOut       int
	budget       *TokenBudget
}

// NewGeminiGenerator creates a Gemini generator using the official SDK.
func NewGeminiGenerator(ctx context.Context, apiKey, defaultModel string, maxOut int, budget *TokenBudget) (*GeminiGenerator, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return &GeminiGenerator{client: c, defaultModel: defaultModel, maxOut: maxOut, budget: budget}, nil
}

func (g *GeminiGenerator) Name() string { return "gemini" }

func (g *GeminiGenerator) Generate(ctx context.Context, req adapter.GenerationRequest) (<-chan adapter.GenerationEvent, error) {
	model := modelOrDefault(req.Model, g.defaultModel)
	input, tokensIn, truncated := g.budget.Fit(model, req.Input)
	if truncated {
		metrics.IncTruncatedInput("gemini", model)
	}

	cfg := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		// Gemini has no system role in contents; it takes a system instruction in config.
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if g.maxOut > 0 {
		cfg.MaxOutputTokens = int32(g.maxOut)
	}

	out := make(chan adapter.GenerationEvent, 16)
	go func() {
		defer close(out)
		start := time.Now()
		chunks := 0
		observe := func(ok bool) {
			metrics.ObserveGeneration("gemini", model, tokensIn, chunks, time.Since(start).Milliseconds(), ok)
		}

		var split splitter
		var responseID string
		for resp, err := range g.client.Models.GenerateContentStream(ctx, model, genai.Text(input), cfg) {
			if err != nil {
				observe(false)
				send(ctx, out, adapter.GenerationEvent{Type: adapter.GenerationError, Err: classifyGemini(err)})
				return
			}
			if resp == nil {
				continue
			}
			if responseID == "" {
				responseID = resp.ResponseID
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			n, ok := sendPieces(ctx, out, split.Feed(text))
			chunks += n
			if !ok {
				observe(false)
				return
			}
		}
		n, ok := sendPieces(ctx, out, split.Flush())
		chunks += n
		observe(ok)
		if ok {
			send(ctx, out, adapter.GenerationEvent{Type: adapter.GenerationDone, ResponseID: responseID})
		}
	}()
	return out, nil
}

func classifyGemini(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus("gemini", apiErr.Code, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return classifyStatus("gemini", apiErrPtr.Code, err)
	}
	return classifyTransport("gemini", err)
}
