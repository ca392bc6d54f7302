package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(housekeepingTotal) }

var housekeepingTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "housekeeping_jobs_total",
		Help: "Jobs touched by housekeeping, labeled by action (purged, interrupted).",
	},
	[]string{"action"},
)

func AddHousekeeping(action string, n int) {
	housekeepingTotal.WithLabelValues(norm(action)).Add(float64(n))
}
