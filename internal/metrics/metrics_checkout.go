package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	solutionCheckoutAttempts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botupdate_solution_checkout_attempts_total",
			Help: "Total number of solution checkout attempts",
		},
		[]string{"solution"},
	)

	solutionCheckoutFailed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botupdate_solution_checkout_failed_total",
			Help: "Total number of failed solution checkout attempts",
		},
		[]string{"solution"},
	)

	solutionCheckoutDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "botupdate_solution_checkout_duration_seconds",
			Help:    "Solution checkout duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"solution"},
	)
)

func SolutionCheckoutAttempted(solution string) {
	solutionCheckoutAttempts.WithLabelValues(solution).Inc()
}

func SolutionCheckoutFailed(solution string) {
	solutionCheckoutFailed.WithLabelValues(solution).Inc()
}

func SolutionCheckoutSucceeded(solution string, startTime time.Time) {
	solutionCheckoutDuration.WithLabelValues(solution).Observe(time.Since(startTime).Seconds())
}
