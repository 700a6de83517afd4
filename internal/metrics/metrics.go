// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "metroo_proxy"

// Metrics contains all Prometheus metrics for the proxy.
type Metrics struct {
	// Connection lifecycle metrics
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec
	RequestsTotal     *prometheus.CounterVec

	// Data transfer metrics
	BytesUpTotal   prometheus.Counter
	BytesDownTotal prometheus.Counter

	// Upstream dial metrics
	UpstreamDialLatency *prometheus.HistogramVec
	UpstreamDialErrors  *prometheus.CounterVec

	// SOCKS5 client metrics
	SOCKS5HandshakeLatency prometheus.Histogram
	SOCKS5HandshakeErrors  *prometheus.CounterVec

	// Storage metrics
	StatsQueueDepth   prometheus.Gauge
	StatsDroppedTotal prometheus.Counter
	StatsWriteErrors  prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance, registered against the
// global Prometheus registerer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against the default
// Prometheus registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom
// registry, useful for isolated tests.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of currently active proxied connections",
		}),
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total connections handled by type (HTTP, HTTPS)",
		}, []string{"type"}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total requests handled by terminal status",
		}, []string{"status"}),

		BytesUpTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_up_total",
			Help:      "Total bytes forwarded from clients to upstreams",
		}),
		BytesDownTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_down_total",
			Help:      "Total bytes forwarded from upstreams to clients",
		}),

		UpstreamDialLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_dial_latency_seconds",
			Help:      "Histogram of upstream dial latency by decision (direct, socks5)",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"decision"}),
		UpstreamDialErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_dial_errors_total",
			Help:      "Total upstream dial failures by decision",
		}, []string{"decision"}),

		SOCKS5HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "socks5_handshake_latency_seconds",
			Help:      "Histogram of SOCKS5 client handshake latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		SOCKS5HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_handshake_errors_total",
			Help:      "Total SOCKS5 client handshake errors by reply code",
		}, []string{"reply"}),

		StatsQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stats_queue_depth",
			Help:      "Current depth of the stats collector's write queue",
		}),
		StatsDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stats_dropped_total",
			Help:      "Total access log records dropped because the write queue was full",
		}),
		StatsWriteErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stats_write_errors_total",
			Help:      "Total failures persisting an access log record",
		}),
	}
}

// RecordConnectionStart records a new connection of the given type
// (conntrack.TypeHTTP or conntrack.TypeHTTPS) becoming active.
func (m *Metrics) RecordConnectionStart(connType string) {
	m.ActiveConnections.Inc()
	m.ConnectionsTotal.WithLabelValues(connType).Inc()
}

// RecordConnectionEnd records a connection's terminal status
// (conntrack.StatusSuccess, StatusError, or StatusTimeout).
func (m *Metrics) RecordConnectionEnd(status string) {
	m.ActiveConnections.Dec()
	m.RequestsTotal.WithLabelValues(status).Inc()
}

// RecordBytes records bytes forwarded in each direction for one connection.
func (m *Metrics) RecordBytes(bytesUp, bytesDown int64) {
	if bytesUp > 0 {
		m.BytesUpTotal.Add(float64(bytesUp))
	}
	if bytesDown > 0 {
		m.BytesDownTotal.Add(float64(bytesDown))
	}
}

// RecordUpstreamDial records the outcome and latency of an upstream dial.
func (m *Metrics) RecordUpstreamDial(decision string, latencySeconds float64, err error) {
	m.UpstreamDialLatency.WithLabelValues(decision).Observe(latencySeconds)
	if err != nil {
		m.UpstreamDialErrors.WithLabelValues(decision).Inc()
	}
}

// RecordSOCKS5Handshake records a SOCKS5 client handshake attempt.
func (m *Metrics) RecordSOCKS5Handshake(latencySeconds float64, replyCode string) {
	m.SOCKS5HandshakeLatency.Observe(latencySeconds)
	if replyCode != "" {
		m.SOCKS5HandshakeErrors.WithLabelValues(replyCode).Inc()
	}
}

// SetStatsQueueDepth reports the stats collector's current queue depth.
func (m *Metrics) SetStatsQueueDepth(depth int) {
	m.StatsQueueDepth.Set(float64(depth))
}

// RecordStatsDropped records a record dropped due to a full write queue.
func (m *Metrics) RecordStatsDropped() {
	m.StatsDroppedTotal.Inc()
}

// RecordStatsWriteError records a storage write failure.
func (m *Metrics) RecordStatsWriteError() {
	m.StatsWriteErrors.Inc()
}
