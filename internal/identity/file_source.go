package identity

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vyrodovalexey/avamtls/internal/observability"
)

// EventType represents the type of identity source event.
type EventType int

// Identity event type constants.
const (
	// EventLoaded indicates the identity was initially loaded.
	EventLoaded EventType = iota

	// EventRotated indicates the identity was rotated from new material.
	EventRotated

	// EventError indicates an error during a rotation attempt.
	EventError
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventLoaded:
		return "loaded"
	case EventRotated:
		return "rotated"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event represents an event from an identity source.
type Event struct {
	Type     EventType
	Identity *Identity
	Error    error
	Message  string
}

// FileSource loads the local identity from PEM files and, when started,
// watches them for changes, rotating the bound store on rewrite. A failed
// rotation keeps the previous identity in place.
type FileSource struct {
	certFile string
	keyFile  string
	store    *Store
	logger   observability.Logger
	metrics  MetricsRecorder

	watcher   *fsnotify.Watcher
	eventCh   chan Event
	stopCh    chan struct{}
	stoppedCh chan struct{}

	mu      sync.Mutex
	started bool
	closed  bool

	debounceDelay time.Duration
}

// FileSourceOption is a functional option for configuring FileSource.
type FileSourceOption func(*FileSource)

// WithFileSourceLogger sets the logger for the file source.
func WithFileSourceLogger(logger observability.Logger) FileSourceOption {
	return func(f *FileSource) {
		f.logger = logger
	}
}

// WithFileSourceMetrics sets the metrics recorder for the bound store.
func WithFileSourceMetrics(metrics MetricsRecorder) FileSourceOption {
	return func(f *FileSource) {
		f.metrics = metrics
	}
}

// WithFileSourceDebounce sets the debounce delay for file change events.
func WithFileSourceDebounce(delay time.Duration) FileSourceOption {
	return func(f *FileSource) {
		f.debounceDelay = delay
	}
}

// NewFileSource loads the initial identity from the given files, binds it
// into a new Store, and returns both.
func NewFileSource(certFile, keyFile string, opts ...FileSourceOption) (*FileSource, *Store, error) {
	if certFile == "" || keyFile == "" {
		return nil, nil, NewCredentialErrorWithCause("", "certificate and key file paths are required", ErrInvalidCredential)
	}

	f := &FileSource{
		certFile:      certFile,
		keyFile:       keyFile,
		logger:        observability.NopLogger(),
		metrics:       NewNopMetrics(),
		eventCh:       make(chan Event, 10),
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
		debounceDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(f)
	}

	ident, err := LoadFromFiles(certFile, keyFile)
	if err != nil {
		return nil, nil, err
	}

	store, err := NewStore(ident, WithStoreLogger(f.logger), WithStoreMetrics(f.metrics))
	if err != nil {
		return nil, nil, err
	}
	f.store = store

	return f, store, nil
}

// Start begins watching the identity files for changes.
func (f *FileSource) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return nil
	}
	f.started = true
	f.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return NewCredentialErrorWithCause("", "failed to create file watcher", err)
	}
	f.watcher = watcher

	certDir := filepath.Dir(f.certFile)
	if err := watcher.Add(certDir); err != nil {
		_ = watcher.Close()
		return NewCredentialErrorWithCause("", "failed to watch certificate directory", err)
	}

	if keyDir := filepath.Dir(f.keyFile); keyDir != certDir {
		if err := watcher.Add(keyDir); err != nil {
			_ = watcher.Close()
			return NewCredentialErrorWithCause("", "failed to watch key directory", err)
		}
	}

	go f.watchLoop(ctx)

	f.sendEvent(Event{
		Type:     EventLoaded,
		Identity: f.store.Current(),
		Message:  "identity loaded",
	})

	f.logger.Info("watching identity files",
		observability.String("cert_file", f.certFile),
		observability.String("key_file", f.keyFile),
	)

	return nil
}

// Events returns a channel that receives identity source events.
func (f *FileSource) Events() <-chan Event {
	return f.eventCh
}

// Close stops the file watcher and releases resources.
func (f *FileSource) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	started := f.started
	f.mu.Unlock()

	close(f.stopCh)

	if started {
		<-f.stoppedCh
	}

	if f.watcher != nil {
		if err := f.watcher.Close(); err != nil {
			return NewCredentialErrorWithCause("", "failed to close file watcher", err)
		}
	}

	close(f.eventCh)

	return nil
}

// watchLoop handles file change events with debouncing.
func (f *FileSource) watchLoop(ctx context.Context) {
	defer close(f.stoppedCh)

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("identity watcher stopped due to context cancellation")
			return

		case <-f.stopCh:
			f.logger.Info("identity watcher stopped")
			return

		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			debounceTimer, debounceCh = f.handleFileEvent(event, debounceTimer, debounceCh)

		case <-debounceCh:
			debounceCh = nil
			f.reload()

		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Error("identity file watcher error", observability.Error(err))
			f.sendEvent(Event{
				Type:    EventError,
				Error:   err,
				Message: "file watcher error",
			})
		}
	}
}

// handleFileEvent processes one file system event, restarting the debounce
// timer when a watched file was written.
func (f *FileSource) handleFileEvent(
	event fsnotify.Event,
	debounceTimer *time.Timer,
	debounceCh <-chan time.Time,
) (timer *time.Timer, ch <-chan time.Time) {
	cleanPath := filepath.Clean(event.Name)
	if cleanPath != filepath.Clean(f.certFile) && cleanPath != filepath.Clean(f.keyFile) {
		return debounceTimer, debounceCh
	}

	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return debounceTimer, debounceCh
	}

	f.logger.Debug("identity file changed",
		observability.String("path", event.Name),
		observability.String("op", event.Op.String()),
	)

	if debounceTimer != nil {
		debounceTimer.Stop()
	}
	debounceTimer = time.NewTimer(f.debounceDelay)
	return debounceTimer, debounceTimer.C
}

// reload re-parses the identity files and rotates the store.
func (f *FileSource) reload() {
	ident, err := LoadFromFiles(f.certFile, f.keyFile)
	if err != nil {
		f.logger.Error("failed to reload identity", observability.Error(err))
		f.sendEvent(Event{
			Type:    EventError,
			Error:   err,
			Message: "failed to reload identity",
		})
		return
	}

	if err := f.store.Rotate(ident); err != nil {
		f.logger.Error("failed to rotate identity", observability.Error(err))
		f.sendEvent(Event{
			Type:    EventError,
			Error:   err,
			Message: "failed to rotate identity",
		})
		return
	}

	f.sendEvent(Event{
		Type:     EventRotated,
		Identity: ident,
		Message:  "identity rotated",
	})
}

// sendEvent sends an event without blocking the watch loop.
func (f *FileSource) sendEvent(event Event) {
	select {
	case f.eventCh <- event:
	default:
		f.logger.Warn("identity event channel full, dropping event",
			observability.String("type", event.Type.String()),
		)
	}
}
