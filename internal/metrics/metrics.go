// Package metrics holds the Prometheus collectors of the tile proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "radarproxy"

type Metrics struct {
	TileResults      *prometheus.CounterVec
	UpstreamRequests *prometheus.CounterVec
	UpstreamDuration prometheus.Histogram
	QueueDepth       prometheus.Gauge
	QueueWait        prometheus.Histogram
}

// New registers all collectors on reg. Use a fresh registry per test.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		TileResults: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tile_results_total",
				Help:      "Tile responses by outcome.",
			},
			[]string{"outcome"},
		),
		UpstreamRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_requests_total",
				Help:      "Upstream tile calls by result.",
			},
			[]string{"result"},
		),
		UpstreamDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_request_duration_seconds",
				Help:      "Duration of upstream tile calls.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		QueueDepth: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Tile requests waiting for the dispatcher.",
			},
		),
		QueueWait: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "queue_wait_seconds",
				Help:      "Time queued requests waited before resolving.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
			},
		),
	}
}

// SetQueueDepth matches the dispatcher's depth observer.
func (m *Metrics) SetQueueDepth(n int) {
	m.QueueDepth.Set(float64(n))
}
