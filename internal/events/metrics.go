package events

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the event stream.
type Metrics struct {
	PublishedTotal  *prometheus.CounterVec
	DroppedTotal    prometheus.Counter
	SinkErrorsTotal prometheus.Counter
}

// busMetrics returns the process-wide event metrics. sync.Once guards
// against duplicate collector registration panics.
func busMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			PublishedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "autodevd_events_published_total",
					Help: "Total number of run events published",
				},
				[]string{"type"},
			),
			DroppedTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "autodevd_events_dropped_total",
					Help: "Events dropped because a subscriber buffer was full",
				},
			),
			SinkErrorsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "autodevd_events_sink_errors_total",
					Help: "Failures publishing events to external sinks",
				},
			),
		}
	})
	return globalMetrics
}
