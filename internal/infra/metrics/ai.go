package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(aiTokensIn, aiStreamChunks, aiCallsLatencyMs, aiTruncatedInputs)
}

var (
	aiTokensIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_tokens_in",
			Help: "Sum of prompt (input) tokens per provider/model.",
		},
		[]string{"provider", "model"},
	)

	aiStreamChunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_stream_chunks_total",
			Help: "Streamed output chunks received per provider/model.",
		},
		[]string{"provider", "model"},
	)

	aiCallsLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_calls_latency_ms",
			Help:    "Generation stream duration in milliseconds.",
			Buckets: []float64{250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000, 300000},
		},
		[]string{"provider", "model", "success"},
	)

	aiTruncatedInputs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_truncated_inputs_total",
			Help: "Inputs cut down to the provider token budget.",
		},
		[]string{"provider", "model"},
	)
)

func ObserveGeneration(provider, model string, tokensIn, chunks int, latencyMs int64, success bool) {
	lbl := []string{norm(provider), norm(model)}
	aiTokensIn.WithLabelValues(lbl...).Add(float64(tokensIn))
	aiStreamChunks.WithLabelValues(lbl...).Add(float64(chunks))
	aiCallsLatencyMs.WithLabelValues(norm(provider), norm(model), strconv.FormatBool(success)).
		Observe(float64(latencyMs))
}

func IncTruncatedInput(provider, model string) {
	aiTruncatedInputs.WithLabelValues(norm(provider), norm(model)).Inc()
}
