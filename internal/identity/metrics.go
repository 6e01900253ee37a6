package identity

import (
	"crypto/x509"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRecorder defines the interface for recording credential metrics.
type MetricsRecorder interface {
	RecordRotation(success bool)
	UpdateCertificateExpiry(cert *x509.Certificate)
}

// Metrics holds Prometheus metrics for the credential store.
type Metrics struct {
	rotationsTotal    *prometheus.CounterVec
	certificateExpiry *prometheus.GaugeVec

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

	m.rotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "identity",
			Name:      "rotations_total",
			Help:      "Total number of identity rotation attempts by status",
		},
		[]string{"status"},
	)

	m.certificateExpiry = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "identity",
			Name:      "certificate_expiry_seconds",
			Help:      "Time until local certificate expiry in seconds",
		},
		[]string{"subject"},
	)

	m.registry.MustRegister(m.rotationsTotal, m.certificateExpiry)

	return m
}

// RecordRotation records an identity rotation attempt.
func (m *Metrics) RecordRotation(success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.rotationsTotal.WithLabelValues(status).Inc()
}

// UpdateCertificateExpiry updates the local certificate expiry gauge.
func (m *Metrics) UpdateCertificateExpiry(cert *x509.Certificate) {
	if cert == nil {
		return
	}

	subject := cert.Subject.CommonName
	if subject == "" {
		subject = cert.Subject.String()
	}
	m.certificateExpiry.WithLabelValues(subject).Set(time.Until(cert.NotAfter).Seconds())
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

// RecordRotation is a no-op.
func (m *NopMetrics) RecordRotation(_ bool) {}

// UpdateCertificateExpiry is a no-op.
func (m *NopMetrics) UpdateCertificateExpiry(_ *x509.Certificate) {}

// Ensure implementations satisfy the interface.
var (
	_ MetricsRecorder = (*Metrics)(nil)
	_ MetricsRecorder = (*NopMetrics)(nil)
)
