package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	processAttempts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botupdate_process_attempts_total",
			Help: "Total number of external command attempts",
		},
		[]string{"executable"},
	)

	processFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botupdate_process_failures_total",
			Help: "Total number of external commands that failed after all attempts",
		},
		[]string{"executable"},
	)
)

func ProcessAttempted(executable string) {
	processAttempts.WithLabelValues(executable).Inc()
}

func ProcessFailed(executable string) {
	processFailures.WithLabelValues(executable).Inc()
}
