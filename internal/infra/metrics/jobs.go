package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(jobsSubmittedTotal, jobsFinalizedTotal, variantsFinishedTotal, variantRetriesTotal, jobDurationSeconds, activeStreams)
}

var (
	jobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "summary_jobs_submitted_total",
			Help: "Submissions by outcome (created, reused, conflict, rejected, limited).",
		},
		[]string{"outcome"},
	)

	jobsFinalizedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "summary_jobs_finalized_total",
			Help: "Jobs reaching a terminal state, labeled by state.",
		},
		[]string{"state"}, // completed, completed_with_errors, failed, cancelled
	)

	variantsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "summary_variants_finished_total",
			Help: "Variants reaching a terminal state, labeled by state and error code.",
		},
		[]string{"state", "code"},
	)

	variantRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "summary_variant_retries_total",
			Help: "Variant generation attempts beyond the first.",
		},
	)

	jobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "summary_job_duration_seconds",
			Help:    "Wall time from submission to finalization.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"state"},
	)

	activeStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "summary_active_streams",
			Help: "Open event stream subscriptions.",
		},
	)
)

func IncJobSubmitted(outcome string) {
	jobsSubmittedTotal.WithLabelValues(norm(outcome)).Inc()
}

func ObserveJobFinalized(state string, seconds float64) {
	jobsFinalizedTotal.WithLabelValues(norm(state)).Inc()
	jobDurationSeconds.WithLabelValues(norm(state)).Observe(seconds)
}

func IncVariantFinished(state, code string) {
	variantsFinishedTotal.WithLabelValues(norm(state), norm(code)).Inc()
}

func IncVariantRetry() { variantRetriesTotal.Inc() }

func StreamOpened() { activeStreams.Inc() }

func StreamClosed() { activeStreams.Dec() }
