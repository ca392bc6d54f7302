package ai

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"hearing-summarizer/internal/domain/ports/adapter"
	"hearing-summarizer/internal/infra/metrics"
)

// Compile-time assurance this adapter satisfies the port
var _ adapter.Generator = (*OpenAIGenerator)(nil)

// OpenAIGenerator streams chat completions from OpenAI or any OpenAI-compatible
// gateway (Metis).
type OpenAIGenerator struct {
	name   string
	client openai.Client
	model  string
	maxOut int
	budget *TokenBudget
}

func NewOpenAIGenerator(apiKey, model string, maxOut int, budget *TokenBudget) (*OpenAIGenerator, error) {
	return newOpenAICompatible("openai", apiKey, "", model, maxOut, budget)
}

// NewMetisGenerator targets Metis's OpenAI-compatible gateway.
// Base URL defaults to https://api.metisai.ir/openai/v1.
func NewMetisGenerator(apiKey, baseURL, model string, maxOut int, budget *TokenBudget) (*OpenAIGenerator, error) {
	if baseURL == "" {
		baseURL = "https://api.metisai.ir/openai/v1"
	}
	return newOpenAICompatible("metis", apiKey, baseURL, model, maxOut, budget)
}

func newOpenAICompatible(name, apiKey, baseURL, model string, maxOut int, budget *TokenBudget) (*OpenAIGenerator, error) {
	if apiKey == "" {
		return nil, errors.New(name + " api key empty")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0), // retries are owned by the orchestrator
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(baseURL, "/")+"/"))
	}
	return &OpenAIGenerator{
		name:   name,
		client: openai.NewClient(opts...),
		model:  model,
		maxOut: maxOut,
		budget: budget,
	}, nil
}

func (o *OpenAIGenerator) Name() string { return o.name }

func (o *OpenAIGenerator) Generate(ctx context.Context, req adapter.GenerationRequest) (<-chan adapter.GenerationEvent, error) {
	model := modelOrDefault(req.Model, o.model)
	input, tokensIn, truncated := o.budget.Fit(model, req.Input)
	if truncated {
		metrics.IncTruncatedInput(o.name, model)
	}

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.SystemPrompt),
			openai.UserMessage(input),
		},
	}
	if o.maxOut > 0 {
		params.MaxCompletionTokens = openai.Int(int64(o.maxOut))
	}

	out := make(chan adapter.GenerationEvent, 16)
	go func() {
		defer close(out)
		start := time.Now()
		chunks := 0
		observe := func(ok bool) {
			metrics.ObserveGeneration(o.name, model, tokensIn, chunks, time.Since(start).Milliseconds(), ok)
		}

		stream := o.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		var split splitter
		var responseID string
		for stream.Next() {
			c := stream.Current()
			if responseID == "" {
				responseID = c.ID
			}
			for _, choice := range c.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				n, ok := sendPieces(ctx, out, split.Feed(choice.Delta.Content))
				chunks += n
				if !ok {
					observe(false)
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			observe(false)
			send(ctx, out, adapter.GenerationEvent{Type: adapter.GenerationError, Err: o.classify(err)})
			return
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

func (o *OpenAIGenerator) classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(o.name, apiErr.StatusCode, err)
	}
	return classifyTransport(o.name, err)
}
