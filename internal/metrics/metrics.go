package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "destharness"

var (
	HarnessStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "harness_started_total",
			Help:      "Total number of harnessed workers started.",
		},
		[]string{"command"},
	)

	HarnessCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "harness_completed_total",
			Help:      "Total number of harness lifecycles ended, labeled by outcome.",
		},
		[]string{"command", "outcome"},
	)

	MessagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total number of lines written to harnessed worker input.",
		},
		[]string{"command", "kind"},
	)

	WorkerRunSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_run_seconds",
			Help:      "Wall time of one worker run from start to completion (seconds).",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"command", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		HarnessStartedTotal,
		HarnessCompletedTotal,
		MessagesSentTotal,
		WorkerRunSeconds,
	)
}
