package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skein.yaml")

	cfg := DefaultConfig()
	cfg.LogLevel = "warn"
	cfg.Server.Port = 9191
	cfg.Server.AllowedOrigins = []string{"https://app.example.com"}
	cfg.Cluster.Standalone = true
	cfg.Cluster.PeerID = "peer-a"
	cfg.Store.Backend = "memory"
	cfg.Session.HistoryLimit = -1
	cfg.Limits.MaxInstructionsPerBatch = 64
	cfg.Limits.AutoSaveInterval = 90 * time.Second
	cfg.Auth.Enabled = true
	cfg.Auth.Secret = "round-trip-secret"
	cfg.Auth.Issuer = "skein-test"

	if err := Write(path, cfg); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load of written file failed: %v", err)
	}

	if loaded.LogLevel != "warn" {
		t.Errorf("expected warn, got %s", loaded.LogLevel)
	}
	if loaded.Server.Port != 9191 {
		t.Errorf("expected port 9191, got %d", loaded.Server.Port)
	}
	if len(loaded.Server.AllowedOrigins) != 1 || loaded.Server.AllowedOrigins[0] != "https://app.example.com" {
		t.Errorf("allowed origins did not survive round trip: %v", loaded.Server.AllowedOrigins)
	}
	if !loaded.Cluster.Standalone || loaded.Cluster.PeerID != "peer-a" {
		t.Errorf("cluster settings did not survive round trip: %+v", loaded.Cluster)
	}
	if loaded.Store.Backend != "memory" {
		t.Errorf("expected memory backend, got %s", loaded.Store.Backend)
	}
	if loaded.Session.HistoryLimit != -1 {
		t.Errorf("expected unbounded history, got %d", loaded.Session.HistoryLimit)
	}
	if loaded.Limits.MaxInstructionsPerBatch != 64 {
		t.Errorf("expected 64 instructions per batch, got %d", loaded.Limits.MaxInstructionsPerBatch)
	}
	if loaded.Limits.AutoSaveInterval != 90*time.Second {
		t.Errorf("expected 90s auto-save interval, got %s", loaded.Limits.AutoSaveInterval)
	}
	if !loaded.Auth.Enabled || loaded.Auth.Secret != "round-trip-secret" || loaded.Auth.Issuer != "skein-test" {
		t.Errorf("auth settings did not survive round trip: %+v", loaded.Auth)
	}
}

func TestWriteRendersReadableDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skein.yaml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written file: %v", err)
	}

	// Durations come out as strings, not nanosecond integers
	if !strings.Contains(string(data), "autoSaveInterval: 30s") {
		t.Errorf("expected human-readable duration in output, got:\n%s", data)
	}
	if strings.Contains(string(data), "30000000000") {
		t.Errorf("found nanosecond duration in output:\n%s", data)
	}
}

func TestWriteDefaultLoadsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skein.yaml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load of default file failed: %v", err)
	}

	want := DefaultConfig()
	if loaded.Server.Port != want.Server.Port {
		t.Errorf("port mismatch: got %d want %d", loaded.Server.Port, want.Server.Port)
	}
	if loaded.Limits != want.Limits {
		t.Errorf("limits mismatch: got %+v want %+v", loaded.Limits, want.Limits)
	}
	if loaded.Session != want.Session {
		t.Errorf("session mismatch: got %+v want %+v", loaded.Session, want.Session)
	}
}

func TestWriteToMissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "no", "such", "dir", "skein.yaml")

	if err := Write(path, DefaultConfig()); err == nil {
		t.Fatal("expected error writing into a missing directory")
	}
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "skein.yaml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read dir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "skein.yaml" {
			t.Errorf("unexpected file left behind: %s", e.Name())
		}
	}
}
