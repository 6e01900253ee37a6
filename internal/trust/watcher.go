package trust

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vyrodovalexey/avamtls/internal/observability"
)

// AnchorFile names one PEM file of trust anchors and the mode its
// certificates are loaded under.
type AnchorFile struct {
	Path string
	Mode AnchorMode
}

// Watcher reloads a trust store from anchor files when they change on disk.
// A reload that fails validation is rejected whole and the previous anchor
// set keeps serving.
type Watcher struct {
	files  []AnchorFile
	store  *Store
	logger observability.Logger

	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	stoppedCh chan struct{}

	mu      sync.Mutex
	started bool
	closed  bool

	debounceDelay time.Duration
}

// WatcherOption is a functional option for configuring Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the logger for the watcher.
func WithWatcherLogger(logger observability.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithWatcherDebounce sets the debounce delay for file change events.
func WithWatcherDebounce(delay time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounceDelay = delay
	}
}

// LoadAnchorFiles parses and validates all anchor files into one Set.
func LoadAnchorFiles(files []AnchorFile) (*Set, error) {
	var anchors []Anchor
	for _, f := range files {
		loaded, err := LoadAnchorsFromFile(f.Path, f.Mode)
		if err != nil {
			return nil, err
		}
		anchors = append(anchors, loaded...)
	}
	return NewSet(anchors)
}

// NewWatcher creates a watcher that reloads store from files on change.
func NewWatcher(files []AnchorFile, store *Store, opts ...WatcherOption) (*Watcher, error) {
	if len(files) == 0 {
		return nil, NewAnchorError("", "at least one anchor file is required")
	}
	if store == nil {
		return nil, NewAnchorError("", "trust store is required")
	}

	w := &Watcher{
		files:         files,
		store:         store,
		logger:        observability.NopLogger(),
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
		debounceDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}

	return w, nil
}

// Start begins watching the anchor file directories.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return NewAnchorErrorWithCause("", "failed to create file watcher", err)
	}
	w.watcher = watcher

	watched := make(map[string]struct{})
	for _, f := range w.files {
		dir := filepath.Dir(f.Path)
		if _, ok := watched[dir]; ok {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return NewAnchorErrorWithCause("", "failed to watch anchor directory", err)
		}
		watched[dir] = struct{}{}
	}

	go w.watchLoop(ctx)

	w.logger.Info("watching trust anchor files",
		observability.Int("files", len(w.files)),
	)

	return nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	started := w.started
	w.mu.Unlock()

	close(w.stopCh)

	if started {
		<-w.stoppedCh
	}

	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

// watchLoop handles file change events with debouncing.
func (w *Watcher) watchLoop(ctx context.Context) {
	defer close(w.stoppedCh)

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("trust anchor watcher stopped due to context cancellation")
			return

		case <-w.stopCh:
			w.logger.Info("trust anchor watcher stopped")
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.isWatchedFile(event) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.debounceDelay)
			debounceCh = debounceTimer.C

		case <-debounceCh:
			debounceCh = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("trust anchor watcher error", observability.Error(err))
		}
	}
}

// isWatchedFile reports whether the event concerns one of the anchor files.
func (w *Watcher) isWatchedFile(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return false
	}
	cleanPath := filepath.Clean(event.Name)
	for _, f := range w.files {
		if cleanPath == filepath.Clean(f.Path) {
			return true
		}
	}
	return false
}

// reload re-parses all anchor files and swaps the store's set.
func (w *Watcher) reload() {
	set, err := LoadAnchorFiles(w.files)
	if err != nil {
		w.logger.Error("failed to reload trust anchors, keeping previous set",
			observability.Error(err),
		)
		w.store.recordReloadFailure()
		return
	}

	if err := w.store.Reload(set); err != nil {
		w.logger.Error("failed to swap trust anchor set", observability.Error(err))
	}
}
