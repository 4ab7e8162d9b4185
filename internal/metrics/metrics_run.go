package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	syncDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "botupdate_sync_duration_seconds",
			Help:    "Dependency sync duration in seconds",
			Buckets: []float64{5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"result"},
	)

	patchFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botupdate_patch_failures_total",
			Help: "Total number of failed patch applications",
		},
		[]string{"phase", "reason"},
	)

	lastRunEnd = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "botupdate_last_run_end_timestamp",
			Help: "Unix timestamp of when the last checkout run ended",
		},
		[]string{"state"},
	)

	runDuration = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "botupdate_last_run_duration_seconds",
			Help: "Duration of the last checkout run in seconds",
		},
	)
)

func SyncFinished(succeeded bool, startTime time.Time) {
	result := "success"
	if !succeeded {
		result = "failure"
	}
	syncDuration.WithLabelValues(result).Observe(time.Since(startTime).Seconds())
}

func PatchFailed(phase string, downloaded bool) {
	reason := "apply"
	if !downloaded {
		reason = "download"
	}
	patchFailures.WithLabelValues(phase, reason).Inc()
}

func RunFinished(state string, startTime time.Time) {
	lastRunEnd.WithLabelValues(state).SetToCurrentTime()
	runDuration.Set(time.Since(startTime).Seconds())
}
