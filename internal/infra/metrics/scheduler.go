package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(schedulerQueueDepth, schedulerBusyWorkers) }

var (
	schedulerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_queue_depth",
			Help: "Variant tasks admitted but not yet started.",
		},
	)

	schedulerBusyWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_busy_workers",
			Help: "Workers currently running a variant task.",
		},
	)
)

func SetSchedulerQueueDepth(n int) { schedulerQueueDepth.Set(float64(n)) }

func SetSchedulerBusyWorkers(n int) { schedulerBusyWorkers.Set(float64(n)) }
