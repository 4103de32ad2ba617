// Package metrics exposes the realtime edge's own Prometheus metrics:
// connection counts, frame throughput, broker errors, and aggregator
// flush latency. This is operational telemetry about the fabric
// itself, distinct from the domain metrics the aggregator persists.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the realtime edge
// registers. Construct one per process with New and pass it down to
// every component that reports.
type Metrics struct {
	ConnectionsActive  prometheus.Gauge
	ConnectionsTotal   prometheus.Counter
	ConnectionsRejected prometheus.Counter
	ConnectionDuration prometheus.Histogram

	FramesReceived prometheus.Counter
	FramesSent     prometheus.Counter

	BrokerPublishErrors prometheus.Counter
	BrokerPublishLatency prometheus.Histogram

	AggregatorFlushLatency prometheus.Histogram
	AggregatorFlushErrors  prometheus.Counter
	AggregatorEventsDropped prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// New returns the process's Metrics. The first call registers every
// collector against the default registry; later calls return the same
// instance.
func New() *Metrics {
	defaultOnce.Do(func() { defaultMetrics = newMetrics() })
	return defaultMetrics
}

func newMetrics() *Metrics {
	return &Metrics{
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_connections_active",
			Help: "Number of currently active WebSocket sessions.",
		}),
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "realtime_connections_total",
			Help: "Total WebSocket upgrades accepted.",
		}),
		ConnectionsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "realtime_connections_rejected_total",
			Help: "Total WebSocket upgrades rejected by auth or rate limiting.",
		}),
		ConnectionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "realtime_connection_duration_seconds",
			Help:    "Lifetime of a WebSocket session from attach to detach.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		FramesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "realtime_frames_received_total",
			Help: "Total inbound client frames decoded.",
		}),
		FramesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "realtime_frames_sent_total",
			Help: "Total outbound server frames written.",
		}),
		BrokerPublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "realtime_broker_publish_errors_total",
			Help: "Total broker publish calls that exhausted retries.",
		}),
		BrokerPublishLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "realtime_broker_publish_latency_seconds",
			Help:    "Latency of a successful broker publish.",
			Buckets: prometheus.DefBuckets,
		}),
		AggregatorFlushLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "realtime_aggregator_flush_latency_seconds",
			Help:    "Latency of one metrics window flush to the store.",
			Buckets: prometheus.DefBuckets,
		}),
		AggregatorFlushErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "realtime_aggregator_flush_errors_total",
			Help: "Total metrics window flushes that failed and were retained.",
		}),
		AggregatorEventsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "realtime_aggregator_events_dropped_total",
			Help: "Total domain events dropped because the ingest queue was full.",
		}),
	}
}

// ObservePublish records the outcome of a broker publish.
func (m *Metrics) ObservePublish(start time.Time, err error) {
	if err != nil {
		m.BrokerPublishErrors.Inc()
		return
	}
	m.BrokerPublishLatency.Observe(time.Since(start).Seconds())
}
