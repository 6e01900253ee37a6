package trust

import (
	"sync/atomic"

	"github.com/vyrodovalexey/avamtls/internal/observability"
)

// Store holds the current trust anchor set behind an atomic snapshot
// pointer. Reads never block each other; Reload swaps the whole set so an
// evaluation in flight keeps the snapshot it captured and never observes a
// partially-updated anchor set.
type Store struct {
	set     atomic.Pointer[Set]
	logger  observability.Logger
	metrics MetricsRecorder
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

// NewStore creates a trust store holding the given validated anchor set.
func NewStore(set *Set, opts ...StoreOption) (*Store, error) {
	if set == nil {
		return nil, NewAnchorError("", "anchor set is required")
	}

	s := &Store{
		logger:  observability.NopLogger(),
		metrics: NewNopMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.set.Store(set)
	s.metrics.UpdateAnchorCount(len(set.pinned), len(set.authorities))
	s.logger.Info("trust store loaded",
		observability.Int("pinned", len(set.pinned)),
		observability.Int("authorities", len(set.authorities)),
	)

	return s, nil
}

// Anchors returns the current anchor set snapshot.
func (s *Store) Anchors() *Set {
	return s.set.Load()
}

// Reload atomically replaces the anchor set. It takes effect for the next
// evaluation; evaluations already in progress continue against the snapshot
// they captured.
func (s *Store) Reload(set *Set) error {
	if set == nil {
		s.metrics.RecordReload(false)
		return NewAnchorError("", "anchor set is required")
	}

	s.set.Store(set)
	s.metrics.RecordReload(true)
	s.metrics.UpdateAnchorCount(len(set.pinned), len(set.authorities))
	s.logger.Info("trust store reloaded",
		observability.Int("pinned", len(set.pinned)),
		observability.Int("authorities", len(set.authorities)),
	)

	return nil
}

// recordReloadFailure marks a rejected reload; the current set stays in
// place.
func (s *Store) recordReloadFailure() {
	s.metrics.RecordReload(false)
}
