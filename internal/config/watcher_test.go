package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// baseLimitsConfig returns a config file with known limits
func baseLimitsConfig() string {
	return `
logLevel: info
limits:
  maxInstructionsPerBatch: 20
  maxBatchElements: 500
  autoSaveInterval: 30s
`
}

// startWatcher starts a LimitsWatcher on the given file and records callbacks
func startWatcher(t *testing.T, path string, debounceMillis int) (*LimitsWatcher, *atomic.Int32, func() Limits) {
	t.Helper()

	var callCount atomic.Int32
	var mu sync.Mutex
	var last Limits

	callback := func(l Limits) error {
		mu.Lock()
		last = l
		mu.Unlock()
		callCount.Add(1)
		return nil
	}

	watcher, err := NewLimitsWatcher(LimitsWatcherConfig{
		FilePath:       path,
		DebounceMillis: debounceMillis,
	}, callback)
	if err != nil {
		t.Fatalf("NewLimitsWatcher failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { watcher.Stop(context.Background()) })

	lastLimits := func() Limits {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
	return watcher, &callCount, lastLimits
}

func TestWatcherStartAppliesInitialLimits(t *testing.T) {
	path := writeTempConfig(t, baseLimitsConfig())

	_, callCount, lastLimits := startWatcher(t, path, 100)

	if callCount.Load() != 1 {
		t.Fatalf("expected 1 initial callback, got %d", callCount.Load())
	}
	if got := lastLimits(); got.MaxInstructionsPerBatch != 20 || got.AutoSaveInterval != 30*time.Second {
		t.Errorf("unexpected initial limits: %+v", got)
	}
}

func TestWatcherDetectsLimitChange(t *testing.T) {
	path := writeTempConfig(t, baseLimitsConfig())

	_, callCount, lastLimits := startWatcher(t, path, 100)

	// Give the watcher time to fully initialize
	time.Sleep(50 * time.Millisecond)

	updated := `
logLevel: info
limits:
  maxInstructionsPerBatch: 40
  maxBatchElements: 500
  autoSaveInterval: 30s
`
	if err := os.WriteFile(path, []byte(updated), 0600); err != nil {
		t.Fatalf("failed to modify config file: %v", err)
	}

	// Wait for debounce + processing time
	time.Sleep(400 * time.Millisecond)

	if callCount.Load() != 2 {
		t.Fatalf("expected 2 callbacks after limit change, got %d", callCount.Load())
	}
	if got := lastLimits(); got.MaxInstructionsPerBatch != 40 {
		t.Errorf("expected reloaded limit 40, got %d", got.MaxInstructionsPerBatch)
	}
}

func TestWatcherDebouncesRapidWrites(t *testing.T) {
	path := writeTempConfig(t, baseLimitsConfig())

	_, callCount, lastLimits := startWatcher(t, path, 200)

	time.Sleep(50 * time.Millisecond)

	// Five rapid writes stepping the limit; only the settled value counts
	for i := 1; i <= 5; i++ {
		content := fmt.Sprintf(`
limits:
  maxInstructionsPerBatch: %d
  maxBatchElements: 500
  autoSaveInterval: 30s
`, i*10)
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			t.Fatalf("failed to write config file: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	time.Sleep(500 * time.Millisecond)

	if callCount.Load() != 2 {
		t.Errorf("expected 2 callbacks after debouncing (initial + 1 debounced), got %d", callCount.Load())
	}
	if got := lastLimits(); got.MaxInstructionsPerBatch != 50 {
		t.Errorf("expected settled limit 50, got %d", got.MaxInstructionsPerBatch)
	}
}

func TestWatcherIgnoresUnrelatedChanges(t *testing.T) {
	path := writeTempConfig(t, baseLimitsConfig())

	_, callCount, _ := startWatcher(t, path, 100)

	time.Sleep(50 * time.Millisecond)

	// Same limits, different log level
	updated := `
logLevel: debug
limits:
  maxInstructionsPerBatch: 20
  maxBatchElements: 500
  autoSaveInterval: 30s
`
	if err := os.WriteFile(path, []byte(updated), 0600); err != nil {
		t.Fatalf("failed to modify config file: %v", err)
	}

	time.Sleep(400 * time.Millisecond)

	if callCount.Load() != 1 {
		t.Errorf("expected no callback for unchanged limits, got %d calls", callCount.Load())
	}
}

func TestWatcherKeepsPreviousLimitsOnInvalidFile(t *testing.T) {
	path := writeTempConfig(t, baseLimitsConfig())

	_, callCount, lastLimits := startWatcher(t, path, 100)

	time.Sleep(50 * time.Millisecond)

	// Break the file: limits fail validation
	broken := `
limits:
  maxInstructionsPerBatch: 0
`
	if err := os.WriteFile(path, []byte(broken), 0600); err != nil {
		t.Fatalf("failed to write broken config: %v", err)
	}

	time.Sleep(400 * time.Millisecond)

	if callCount.Load() != 1 {
		t.Fatalf("expected no callback for invalid config, got %d calls", callCount.Load())
	}

	// Watcher is still alive: a valid change fires
	fixed := `
limits:
  maxInstructionsPerBatch: 25
  maxBatchElements: 500
  autoSaveInterval: 30s
`
	if err := os.WriteFile(path, []byte(fixed), 0600); err != nil {
		t.Fatalf("failed to write fixed config: %v", err)
	}

	time.Sleep(400 * time.Millisecond)

	if callCount.Load() != 2 {
		t.Fatalf("expected callback after file fixed, got %d calls", callCount.Load())
	}
	if got := lastLimits(); got.MaxInstructionsPerBatch != 25 {
		t.Errorf("expected limit 25 after fix, got %d", got.MaxInstructionsPerBatch)
	}
}

func TestWatcherSurvivesAtomicReplace(t *testing.T) {
	path := writeTempConfig(t, baseLimitsConfig())

	_, callCount, lastLimits := startWatcher(t, path, 100)

	time.Sleep(50 * time.Millisecond)

	// Write replaces via temp-file-then-rename, which swaps the inode
	cfg := DefaultConfig()
	cfg.Limits.MaxInstructionsPerBatch = 33
	if err := Write(path, cfg); err != nil {
		t.Fatalf("atomic write failed: %v", err)
	}

	time.Sleep(500 * time.Millisecond)

	if callCount.Load() != 2 {
		t.Fatalf("expected callback after atomic replace, got %d calls", callCount.Load())
	}
	if got := lastLimits(); got.MaxInstructionsPerBatch != 33 {
		t.Errorf("expected limit 33 after replace, got %d", got.MaxInstructionsPerBatch)
	}
}

func TestWatcherConstructorValidation(t *testing.T) {
	if _, err := NewLimitsWatcher(LimitsWatcherConfig{}, func(Limits) error { return nil }); err == nil {
		t.Error("expected error for empty file path")
	}
	if _, err := NewLimitsWatcher(LimitsWatcherConfig{FilePath: "x.yaml"}, nil); err == nil {
		t.Error("expected error for nil callback")
	}
}

func TestWatcherStartFailsOnMissingFile(t *testing.T) {
	watcher, err := NewLimitsWatcher(LimitsWatcherConfig{
		FilePath: "/nonexistent/skein.yaml",
	}, func(Limits) error { return nil })
	if err != nil {
		t.Fatalf("NewLimitsWatcher failed: %v", err)
	}

	if err := watcher.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail for missing file")
	}
}

func TestWatcherStop(t *testing.T) {
	path := writeTempConfig(t, baseLimitsConfig())

	watcher, _, _ := startWatcher(t, path, 100)

	if watcher.Name() != "Config Watcher" {
		t.Errorf("unexpected component name %q", watcher.Name())
	}
	if err := watcher.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}
