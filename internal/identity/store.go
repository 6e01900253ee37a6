package identity

import (
	"sync/atomic"

	"github.com/vyrodovalexey/avamtls/internal/observability"
)

// Store holds the current local identity behind an atomic snapshot pointer.
// Reads are lock-free; Rotate swaps the identity for all subsequent
// handshakes without disrupting handshakes that already captured their
// snapshot.
type Store struct {
	current atomic.Pointer[Identity]
	logger  observability.Logger
	metrics MetricsRecorder
	closed  atomic.Bool
}

// StoreOption is a functional option for configuring Store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger for the store.
func WithStoreLogger(logger observability.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithStoreMetrics sets the metrics recorder for the store.
func WithStoreMetrics(metrics MetricsRecorder) StoreOption {
	return func(s *Store) {
		s.metrics = metrics
	}
}

// NewStore creates a credential store holding the given validated identity.
func NewStore(ident *Identity, opts ...StoreOption) (*Store, error) {
	if ident == nil {
		return nil, NewCredentialErrorWithCause("", "identity is required", ErrInvalidCredential)
	}

	s := &Store{
		logger:  observability.NopLogger(),
		metrics: NewNopMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.current.Store(ident)
	s.metrics.UpdateCertificateExpiry(ident.Leaf())
	s.logger.Info("local identity loaded",
		observability.String("subject", ident.SubjectDN()),
		observability.String("serial", ident.Serial()),
		observability.Time("not_after", ident.NotAfter()),
	)

	return s, nil
}

// Current returns the current identity snapshot. It is nil only after
// Close.
func (s *Store) Current() *Identity {
	return s.current.Load()
}

// Rotate atomically swaps the identity for all subsequent handshakes.
// In-flight handshakes keep the snapshot they already captured.
func (s *Store) Rotate(ident *Identity) error {
	if ident == nil {
		s.metrics.RecordRotation(false)
		return NewCredentialErrorWithCause("", "identity is required", ErrInvalidCredential)
	}
	if s.closed.Load() {
		s.metrics.RecordRotation(false)
		return ErrSourceClosed
	}

	old := s.current.Swap(ident)
	s.metrics.RecordRotation(true)
	s.metrics.UpdateCertificateExpiry(ident.Leaf())

	fields := []observability.Field{
		observability.String("subject", ident.SubjectDN()),
		observability.String("serial", ident.Serial()),
		observability.Time("not_after", ident.NotAfter()),
	}
	if old != nil {
		fields = append(fields, observability.String("previous_serial", old.Serial()))
	}
	s.logger.Info("local identity rotated", fields...)

	return nil
}

// Close releases the identity reference. Subsequent rotations fail; the
// process is shutting down.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.current.Store(nil)
	s.logger.Info("credential store closed")
	return nil
}
