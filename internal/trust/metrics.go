package trust

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRecorder defines the interface for recording trust evaluation
// metrics.
type MetricsRecorder interface {
	RecordEvaluation(decision Decision, duration time.Duration)
	RecordReload(success bool)
	UpdateAnchorCount(pinned, authorities int)
}

// Metrics holds Prometheus metrics for trust evaluation.
type Metrics struct {
	evaluationsTotal   *prometheus.CounterVec
	evaluationDuration prometheus.Histogram
	reloadsTotal       *prometheus.CounterVec
	anchors            *prometheus.GaugeVec

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

	m.evaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trust",
			Name:      "evaluations_total",
			Help:      "Total number of trust evaluations by outcome, reason, and trust mode",
		},
		[]string{"outcome", "reason", "mode"},
	)

	m.evaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "trust",
			Name:      "evaluation_duration_seconds",
			Help:      "Trust evaluation duration in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1},
		},
	)

	m.reloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trust",
			Name:      "reloads_total",
			Help:      "Total number of trust store reload attempts by status",
		},
		[]string{"status"},
	)

	m.anchors = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "trust",
			Name:      "anchors",
			Help:      "Number of loaded trust anchors by mode",
		},
		[]string{"mode"},
	)

	m.registry.MustRegister(
		m.evaluationsTotal,
		m.evaluationDuration,
		m.reloadsTotal,
		m.anchors,
	)

	return m
}

// RecordEvaluation records the result of a trust evaluation.
func (m *Metrics) RecordEvaluation(decision Decision, duration time.Duration) {
	mode := ""
	if decision.Peer != nil {
		mode = string(decision.Peer.Mode)
	}
	m.evaluationsTotal.WithLabelValues(
		decision.Outcome.String(),
		decision.Reason.String(),
		mode,
	).Inc()
	m.evaluationDuration.Observe(duration.Seconds())
}

// RecordReload records a trust store reload attempt.
func (m *Metrics) RecordReload(success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.reloadsTotal.WithLabelValues(status).Inc()
}

// UpdateAnchorCount updates the anchor count gauges.
func (m *Metrics) UpdateAnchorCount(pinned, authorities int) {
	m.anchors.WithLabelValues(string(AnchorModePinned)).Set(float64(pinned))
	m.anchors.WithLabelValues(string(AnchorModeAuthority)).Set(float64(authorities))
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// NopMetrics is a no-op implementation of MetricsRecorder.
type NopMetrics struct{}

// NewNopMetrics creates a new NopMetrics instance.
func NewNopMetrics() *NopMetrics {
	return &NopMetrics{}
}

// RecordEvaluation is a no-op.
func (m *NopMetrics) RecordEvaluation(_ Decision, _ time.Duration) {}

// RecordReload is a no-op.
func (m *NopMetrics) RecordReload(_ bool) {}

// UpdateAnchorCount is a no-op.
func (m *NopMetrics) UpdateAnchorCount(_, _ int) {}

// Ensure implementations satisfy the interface.
var (
	_ MetricsRecorder = (*Metrics)(nil)
	_ MetricsRecorder = (*NopMetrics)(nil)
)
