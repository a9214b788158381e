package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads config.toml when it changes and hands every valid
// snapshot to the registered callbacks. Invalid edits are logged and
// ignored so the running configuration stays in place.
type Watcher struct {
	dataDir   string
	overrides map[string]any
	watcher   *fsnotify.Watcher
	logger    *slog.Logger
	debounce  time.Duration

	mu        sync.RWMutex
	callbacks []func(*Config)

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the logger for the watcher.
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithOverrides re-applies flag overrides on every reload.
func WithOverrides(overrides map[string]any) WatcherOption {
	return func(w *Watcher) {
		w.overrides = overrides
	}
}

// WithDebounce coalesces bursts of file events.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// NewWatcher watches the data directory (not the file, so editors that
// replace the file by rename are picked up).
func NewWatcher(dataDir string, opts ...WatcherOption) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		dataDir:  dataDir,
		watcher:  fw,
		logger:   slog.Default(),
		debounce: 100 * time.Millisecond,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if err := fw.Add(dataDir); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

// OnChange registers a callback for reloaded configurations.
func (w *Watcher) OnChange(cb func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start runs the event loop in a goroutine.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.run()
}

func (w *Watcher) run() {
	defer w.wg.Done()

	target := filepath.Join(w.dataDir, FileName)
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "err", err)
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.dataDir, w.overrides)
	if err != nil {
		w.logger.Warn("config reload rejected", "err", err)
		return
	}
	w.logger.Info("config reloaded", "addr", cfg.Unity.Addr())

	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, cb := range w.callbacks {
		cb(cfg)
	}
}

// Stop ends the event loop and releases the fsnotify handle.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}
