package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeTempConfig writes YAML content to a temp file and returns its path
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "skein.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestLoadPartialFileOverlaysDefaults(t *testing.T) {
	path := writeTempConfig(t, `
logLevel: debug
server:
  port: 9090
limits:
  maxInstructionsPerBatch: 50
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Values from the file
	if cfg.LogLevel != "debug" {
		t.Errorf("expected debug, got %s", cfg.LogLevel)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Limits.MaxInstructionsPerBatch != 50 {
		t.Errorf("expected 50 instructions per batch, got %d", cfg.Limits.MaxInstructionsPerBatch)
	}

	// Untouched keys keep their defaults
	if cfg.Store.Backend != "arango" {
		t.Errorf("expected default backend arango, got %s", cfg.Store.Backend)
	}
	if cfg.Limits.MaxBatchElements != 500 {
		t.Errorf("expected default 500 batch elements, got %d", cfg.Limits.MaxBatchElements)
	}
	if cfg.Session.PingStaleAfter != 45*time.Second {
		t.Errorf("expected default 45s ping staleness, got %s", cfg.Session.PingStaleAfter)
	}
}

func TestLoadParsesDurationStrings(t *testing.T) {
	path := writeTempConfig(t, `
session:
  evictInterval: 2s
  pingStaleAfter: 1m30s
limits:
  autoSaveInterval: 45s
cluster:
  directTimeout: 500ms
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Session.EvictInterval != 2*time.Second {
		t.Errorf("expected 2s evict interval, got %s", cfg.Session.EvictInterval)
	}
	if cfg.Session.PingStaleAfter != 90*time.Second {
		t.Errorf("expected 1m30s ping staleness, got %s", cfg.Session.PingStaleAfter)
	}
	if cfg.Limits.AutoSaveInterval != 45*time.Second {
		t.Errorf("expected 45s auto-save interval, got %s", cfg.Limits.AutoSaveInterval)
	}
	if cfg.Cluster.DirectTimeout != 500*time.Millisecond {
		t.Errorf("expected 500ms direct timeout, got %s", cfg.Cluster.DirectTimeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "logLevel: [unterminated")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeTempConfig(t, `
server:
  port: 0
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error for port 0")
	}
}
