package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the sync manager's Prometheus collectors.
type Metrics struct {
	runs      *prometheus.CounterVec
	duration  prometheus.Histogram
	conflicts *prometheus.CounterVec
}

// NewMetrics registers the sync collectors with reg. A nil reg uses a
// private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spark",
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Full sync runs by result (ok, error, skipped).",
		}, []string{"result"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "spark",
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Duration of completed full sync runs.",
			Buckets:   prometheus.DefBuckets,
		}),
		conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spark",
			Subsystem: "sync",
			Name:      "conflicts_total",
			Help:      "Conflicts detected between cached and server messages, by policy.",
		}, []string{"policy"}),
	}
}
