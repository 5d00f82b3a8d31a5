package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mealmind/gateway/internal/observability"
)

// BackendsCallback is called with the refreshed backend set when the
// configuration file changes on disk. Routes and resilience policies
// are immutable after startup; only backend endpoints are refreshed,
// feeding the registry's update path.
type BackendsCallback func([]Backend)

// Watcher watches the configuration file and delivers refreshed
// backend endpoint sets.
type Watcher struct {
	path          string
	watcher       *fsnotify.Watcher
	callback      BackendsCallback
	logger        observability.Logger
	debounceDelay time.Duration
	stopCh        chan struct{}
	stoppedCh     chan struct{}
	mu            sync.Mutex
	running       bool
}

// WatcherOption is a functional option for configuring the watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the logger for the watcher.
func WithWatcherLogger(logger observability.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithDebounceDelay sets the debounce delay for file change events.
func WithDebounceDelay(delay time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounceDelay = delay
	}
}

// NewWatcher creates a new configuration watcher.
func NewWatcher(path string, callback BackendsCallback, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:          absPath,
		watcher:       fsWatcher,
		callback:      callback,
		logger:        observability.NopLogger(),
		debounceDelay: 100 * time.Millisecond,
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w, nil
}

// Start begins watching the configuration file's directory. Watching
// the directory rather than the file survives atomic rename-based
// rewrites used by most editors and config management tools.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		// The run loop never launched, so a later Stop must not wait
		// for it.
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}

	w.logger.Info("watching configuration file",
		observability.String("path", w.path),
	)

	go w.run(ctx)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.stoppedCh
	_ = w.watcher.Close()
}

// run is the watch loop. Change events are debounced so a burst of
// writes produces a single reload.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.stoppedCh)

	var debounce *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.debounceDelay)
			debounceCh = debounce.C
		case <-debounceCh:
			debounceCh = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("configuration watch error", observability.Error(err))
		}
	}
}

// reload re-reads the configuration file and delivers the backend set.
// A reload that fails to parse or validate is logged and dropped; the
// previous backend set remains in effect.
func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		w.logger.Error("failed to reload configuration", observability.Error(err))
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Error("rejected invalid configuration reload", observability.Error(err))
		return
	}

	w.logger.Info("configuration reloaded",
		observability.Int("backends", len(cfg.Backends)),
	)

	if w.callback != nil {
		w.callback(cfg.Backends)
	}
}
