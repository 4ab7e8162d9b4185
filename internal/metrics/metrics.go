// Package metrics holds the prometheus collectors of a single checkout run.
// The collectors live on a private registry which is written out once per run
// for the node-exporter textfile collector.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Registry = prometheus.NewRegistry()
	factory  = promauto.With(Registry)
)

// WriteTextfile writes every collected metric to path in the text exposition format.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, Registry)
}
