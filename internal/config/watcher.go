package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/skeinhq/skein/internal/logging"
)

// LimitsCallback receives the limits section after a reload that changed
// it. A callback error is logged; the watcher keeps running either way.
type LimitsCallback func(limits Limits) error

const (
	defaultDebounceMillis = 500

	// Bound on Start waiting for the watch and Stop waiting for the loop.
	watcherSettleTimeout = 5 * time.Second
)

// LimitsWatcherConfig holds configuration for the LimitsWatcher.
type LimitsWatcherConfig struct {
	// FilePath is the config YAML file to watch
	FilePath string

	// DebounceMillis coalesces bursts of change events into one reload,
	// 0 means 500ms
	DebounceMillis int
}

// LimitsWatcher re-applies the limits section whenever the config file
// changes on disk. Everything outside limits still needs a restart. A
// reload that fails to parse or validate keeps the previous limits and
// the watch stays alive.
type LimitsWatcher struct {
	config   LimitsWatcherConfig
	callback LimitsCallback
	logger   *logging.Logger
	cancel   context.CancelFunc
	stopped  chan struct{}
	ready    chan struct{} // closed once the fsnotify watch is in place
	mu       sync.Mutex

	// last holds the limits most recently handed to the callback
	last Limits

	debounceTimer *time.Timer
}

// NewLimitsWatcher creates a watcher for the given config file. Nothing
// is opened until Start.
func NewLimitsWatcher(config LimitsWatcherConfig, callback LimitsCallback) (*LimitsWatcher, error) {
	if config.FilePath == "" {
		return nil, fmt.Errorf("config file path is required")
	}
	if callback == nil {
		return nil, fmt.Errorf("limits callback is required")
	}
	if config.DebounceMillis == 0 {
		config.DebounceMillis = defaultDebounceMillis
	}

	return &LimitsWatcher{
		config:   config,
		callback: callback,
		logger:   logging.GetLogger("config.watcher"),
		stopped:  make(chan struct{}),
		ready:    make(chan struct{}),
	}, nil
}

// Start loads the file once, applies its limits through the callback,
// then begins watching. The initial load and the initial callback are
// the only fatal paths; later reload problems just log.
func (w *LimitsWatcher) Start(ctx context.Context) error {
	initial, err := Load(w.config.FilePath)
	if err != nil {
		return fmt.Errorf("failed to load initial config: %w", err)
	}

	// Fail fast if the callback rejects the initial limits
	if err := w.callback(initial.Limits); err != nil {
		return fmt.Errorf("initial callback failed: %w", err)
	}
	w.last = initial.Limits

	w.logger.Info("Loaded initial limits from %s", w.config.FilePath)

	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	go w.watchLoop(watchCtx)

	// Changes made between Start returning and the watch being in
	// place would be lost, so block until the loop reports ready
	select {
	case <-w.ready:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(watcherSettleTimeout):
		return fmt.Errorf("timeout waiting for file watcher to initialize")
	}

	return nil
}

// signalReady closes the ready channel at most once.
func (w *LimitsWatcher) signalReady() {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.ready:
	default:
		close(w.ready)
	}
}

func (w *LimitsWatcher) watchLoop(ctx context.Context) {
	defer close(w.stopped)
	defer w.signalReady() // unblock Start even when setup fails

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.ErrorWithErr("Failed to create file watcher", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(w.config.FilePath); err != nil {
		w.logger.ErrorWithErr("Failed to watch config file %s", err, w.config.FilePath)
		return
	}

	w.logger.Info("Watching %s for limit changes (debounce: %dms)",
		w.config.FilePath, w.config.DebounceMillis)

	w.signalReady()

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("Context cancelled, stopping watcher")
			return

		case event, ok := <-watcher.Events:
			if !ok {
				w.logger.Debug("Watcher events channel closed")
				return
			}
			w.handleEvent(watcher, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				w.logger.Debug("Watcher errors channel closed")
				return
			}
			w.logger.ErrorWithErr("Watcher error", err)
		}
	}
}

// handleEvent filters for content-changing events and kicks the debounce
// timer. Rename and remove mean the watched inode is gone (editors and
// kubelet both save via atomic replace), so the watch is re-armed on the
// new file first.
func (w *LimitsWatcher) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
		return
	}

	if event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
		time.Sleep(50 * time.Millisecond)
		if err := watcher.Add(w.config.FilePath); err != nil {
			w.logger.Warn("Failed to re-add watch after %s: %v", event.Op, err)
		}
	}

	w.scheduleReload()
}

// scheduleReload restarts the debounce timer; the reload runs once the
// burst of events settles.
func (w *LimitsWatcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(
		time.Duration(w.config.DebounceMillis)*time.Millisecond,
		w.reloadLimits,
	)
}

// reloadLimits reloads the config file and calls the callback when the
// limits section changed. Invalid configs are logged but don't crash the
// watcher.
func (w *LimitsWatcher) reloadLimits() {
	cfg, err := Load(w.config.FilePath)
	if err != nil {
		// Keep the previous limits and continue watching
		w.logger.ErrorWithErr("Failed to reload config (keeping previous limits)", err)
		return
	}

	w.mu.Lock()
	unchanged := cfg.Limits == w.last
	w.mu.Unlock()
	if unchanged {
		w.logger.Debug("Config changed but limits section is unchanged")
		return
	}

	if err := w.callback(cfg.Limits); err != nil {
		w.logger.ErrorWithErr("Limits callback error (continuing to watch)", err)
		return
	}

	w.mu.Lock()
	w.last = cfg.Limits
	w.mu.Unlock()

	w.logger.Info("Applied new limits: maxInstructionsPerBatch=%d maxBatchElements=%d autoSaveInterval=%s",
		cfg.Limits.MaxInstructionsPerBatch, cfg.Limits.MaxBatchElements, cfg.Limits.AutoSaveInterval)
}

// Stop cancels the watch loop and waits for it to exit.
func (w *LimitsWatcher) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}

	select {
	case <-w.stopped:
		w.logger.Info("Watcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(watcherSettleTimeout):
		return fmt.Errorf("timeout waiting for watcher to stop")
	}
}

// Name implements lifecycle.Component
func (w *LimitsWatcher) Name() string {
	return "Config Watcher"
}
