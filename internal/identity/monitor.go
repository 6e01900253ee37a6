package identity

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vyrodovalexey/avamtls/internal/observability"
)

// Default expiry monitor settings.
const (
	// DefaultCheckInterval is how often the monitor inspects the identity.
	DefaultCheckInterval = time.Hour

	// DefaultWarnThreshold is how far before expiry warnings start.
	DefaultWarnThreshold = 7 * 24 * time.Hour
)

// Monitor periodically inspects the current identity and warns as its
// certificate approaches expiry. It never rotates anything itself; rotation
// is the job of the identity sources.
type Monitor struct {
	store         *Store
	logger        observability.Logger
	metrics       MetricsRecorder
	clock         clockwork.Clock
	checkInterval time.Duration
	warnThreshold time.Duration

	mu      sync.Mutex
	started bool
	closed  bool

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// MonitorOption is a functional option for configuring Monitor.
type MonitorOption func(*Monitor)

// WithMonitorLogger sets the logger for the monitor.
func WithMonitorLogger(logger observability.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithMonitorMetrics sets the metrics recorder for the monitor.
func WithMonitorMetrics(metrics MetricsRecorder) MonitorOption {
	return func(m *Monitor) {
		m.metrics = metrics
	}
}

// WithMonitorClock sets the clock, letting tests control time.
func WithMonitorClock(clock clockwork.Clock) MonitorOption {
	return func(m *Monitor) {
		m.clock = clock
	}
}

// WithCheckInterval sets how often the identity is inspected.
func WithCheckInterval(interval time.Duration) MonitorOption {
	return func(m *Monitor) {
		m.checkInterval = interval
	}
}

// WithWarnThreshold sets how far before expiry warnings start.
func WithWarnThreshold(threshold time.Duration) MonitorOption {
	return func(m *Monitor) {
		m.warnThreshold = threshold
	}
}

// NewMonitor creates an expiry monitor for the given identity store.
func NewMonitor(store *Store, opts ...MonitorOption) (*Monitor, error) {
	if store == nil {
		return nil, NewCredentialError("", "identity store is required")
	}

	m := &Monitor{
		store:         store,
		logger:        observability.NopLogger(),
		metrics:       NewNopMetrics(),
		clock:         clockwork.NewRealClock(),
		checkInterval: DefaultCheckInterval,
		warnThreshold: DefaultWarnThreshold,
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// Start begins the periodic expiry checks. Calling it more than once is a
// no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.run(ctx)
}

// Close stops the monitor and waits for the loop to exit. It is safe to
// call without a prior Start and safe to call repeatedly.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	started := m.started
	m.mu.Unlock()

	close(m.stopCh)

	if started {
		<-m.stoppedCh
	}
}

// run checks immediately and then on every tick.
func (m *Monitor) run(ctx context.Context) {
	defer close(m.stoppedCh)

	m.check()

	ticker := m.clock.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.Chan():
			m.check()
		}
	}
}

// check inspects the current identity and reports its remaining lifetime.
func (m *Monitor) check() {
	ident := m.store.Current()
	if ident == nil {
		return
	}

	m.metrics.UpdateCertificateExpiry(ident.Leaf())

	remaining := ident.NotAfter().Sub(m.clock.Now())
	switch {
	case remaining <= 0:
		m.logger.Error("identity certificate has expired",
			observability.String("subject", ident.SubjectDN()),
			observability.Time("not_after", ident.NotAfter()),
		)
	case remaining <= m.warnThreshold:
		m.logger.Warn("identity certificate expires soon",
			observability.String("subject", ident.SubjectDN()),
			observability.Time("not_after", ident.NotAfter()),
			observability.Duration("remaining", remaining),
		)
	default:
		m.logger.Debug("identity certificate checked",
			observability.String("subject", ident.SubjectDN()),
			observability.Duration("remaining", remaining),
		)
	}
}
