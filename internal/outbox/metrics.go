package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the queue's Prometheus collectors.
type Metrics struct {
	sent    prometheus.Counter
	failed  *prometheus.CounterVec
	retries prometheus.Counter
	pending prometheus.Gauge
}

// NewMetrics registers the queue collectors with reg. A nil reg uses a
// private registry, which keeps tests independent.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		sent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "spark",
			Subsystem: "outbox",
			Name:      "sent_total",
			Help:      "Queued messages delivered to the server.",
		}),
		failed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spark",
			Subsystem: "outbox",
			Name:      "failed_total",
			Help:      "Queued messages that failed terminally, by failure kind.",
		}, []string{"kind"}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "spark",
			Subsystem: "outbox",
			Name:      "retries_total",
			Help:      "Retries scheduled after recoverable failures.",
		}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "spark",
			Subsystem: "outbox",
			Name:      "pending",
			Help:      "Entries waiting to be sent.",
		}),
	}
}
