package handshake

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/avamtls/internal/trust"
)

// MetricsRecorder records handshake metrics.
type MetricsRecorder interface {
	// RecordHandshake records a completed or aborted handshake.
	RecordHandshake(outcome string, version string, duration time.Duration)

	// RecordAbort records a handshake abort with its reason.
	RecordAbort(reason trust.Reason)

	// UpdateActiveConnections updates the active connection gauge.
	UpdateActiveConnections(count int)
}

// Metrics implements MetricsRecorder using Prometheus.
type Metrics struct {
	handshakesTotal   *prometheus.CounterVec
	handshakeDuration *prometheus.HistogramVec
	abortsTotal       *prometheus.CounterVec
	activeConnections prometheus.Gauge

	registry *prometheus.Registry
}

// MetricsOption is a functional option for configuring Metrics.
type MetricsOption func(*Metrics)

// WithRegistry sets a custom Prometheus registry.
func WithRegistry(registry *prometheus.Registry) MetricsOption {
	return func(m *Metrics) {
		m.registry = registry
	}
}

// NewMetrics creates a new Metrics instance with the given namespace.
func NewMetrics(namespace string, opts ...MetricsOption) *Metrics {
	if namespace == "" {
		namespace = "avamtls"
	}

	m := &Metrics{}

	for _, opt := range opts {
		opt(m)
	}

	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}

	m.handshakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handshake",
			Name:      "handshakes_total",
			Help:      "Total number of handshakes by outcome and negotiated version",
		},
		[]string{"outcome", "version"},
	)

	m.handshakeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "handshake",
			Name:      "duration_seconds",
			Help:      "Handshake duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	m.abortsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handshake",
			Name:      "aborts_total",
			Help:      "Total number of aborted handshakes by reason",
		},
		[]string{"reason"},
	)

	m.activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "handshake",
			Name:      "active_connections",
			Help:      "Number of currently active connections",
		},
	)

	m.registry.MustRegister(
		m.handshakesTotal,
		m.handshakeDuration,
		m.abortsTotal,
		m.activeConnections,
	)

	return m
}

// Registry returns the Prometheus registry holding these metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHandshake records a completed or aborted handshake.
func (m *Metrics) RecordHandshake(outcome string, version string, duration time.Duration) {
	m.handshakesTotal.WithLabelValues(outcome, version).Inc()
	m.handshakeDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordAbort records a handshake abort with its reason.
func (m *Metrics) RecordAbort(reason trust.Reason) {
	m.abortsTotal.WithLabelValues(abortLabel(reason)).Inc()
}

// UpdateActiveConnections updates the active connection gauge.
func (m *Metrics) UpdateActiveConnections(count int) {
	m.activeConnections.Set(float64(count))
}

// NopMetrics is a no-op metrics recorder.
type NopMetrics struct{}

// NewNopMetrics creates a no-op metrics recorder.
func NewNopMetrics() *NopMetrics {
	return &NopMetrics{}
}

// RecordHandshake is a no-op.
func (n *NopMetrics) RecordHandshake(string, string, time.Duration) {}

// RecordAbort is a no-op.
func (n *NopMetrics) RecordAbort(trust.Reason) {}

// UpdateActiveConnections is a no-op.
func (n *NopMetrics) UpdateActiveConnections(int) {}

// Interface assertions.
var (
	_ MetricsRecorder = (*Metrics)(nil)
	_ MetricsRecorder = (*NopMetrics)(nil)
)
