package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Write atomically writes a configuration file using a temp-file-then-
// rename pattern, so readers (including the limits watcher) never see a
// partial file.
func Write(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg.fileForm())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".skein.*.yaml.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		// Still present means an earlier step failed.
		if _, err := os.Stat(tmpPath); err == nil {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to %q: %w", path, err)
	}

	return nil
}

// WriteDefault writes the default configuration, the starting point for
// a new deployment.
func WriteDefault(path string) error {
	return Write(path, DefaultConfig())
}

// fileForm renders the config with durations as strings so the emitted
// YAML stays readable and round-trips through the loader.
func (c *Config) fileForm() map[string]any {
	return map[string]any{
		"logLevel": c.LogLevel,
		"server": map[string]any{
			"port":           c.Server.Port,
			"allowedOrigins": c.Server.AllowedOrigins,
		},
		"cluster": map[string]any{
			"standalone":        c.Cluster.Standalone,
			"peerId":            c.Cluster.PeerID,
			"bindHost":          c.Cluster.BindHost,
			"advertiseHost":     c.Cluster.AdvertiseHost,
			"minPeerVersion":    c.Cluster.MinPeerVersion,
			"refreshInterval":   c.Cluster.RefreshInterval.String(),
			"discoveryInterval": c.Cluster.DiscoveryInterval.String(),
			"directTimeout":     c.Cluster.DirectTimeout.String(),
		},
		"store": map[string]any{
			"backend": c.Store.Backend,
			"arango": map[string]any{
				"endpoints":           c.Store.Arango.Endpoints,
				"database":            c.Store.Arango.Database,
				"username":            c.Store.Arango.Username,
				"password":            c.Store.Arango.Password,
				"insecureSkipVerify":  c.Store.Arango.InsecureSkipVerify,
				"nodeConfigCacheSize": c.Store.Arango.NodeConfigCacheSize,
			},
		},
		"session": map[string]any{
			"evictInterval":   c.Session.EvictInterval.String(),
			"pingStaleAfter":  c.Session.PingStaleAfter.String(),
			"historyLimit":    c.Session.HistoryLimit,
			"disableAutoSave": c.Session.DisableAutoSave,
		},
		"limits": map[string]any{
			"maxInstructionsPerBatch": c.Limits.MaxInstructionsPerBatch,
			"maxBatchElements":        c.Limits.MaxBatchElements,
			"autoSaveInterval":        c.Limits.AutoSaveInterval.String(),
		},
		"auth": map[string]any{
			"enabled":       c.Auth.Enabled,
			"signingMethod": c.Auth.SigningMethod,
			"secret":        c.Auth.Secret,
			"publicKeyFile": c.Auth.PublicKeyFile,
			"issuer":        c.Auth.Issuer,
		},
		"tracing": map[string]any{
			"enabled":     c.Tracing.Enabled,
			"endpoint":    c.Tracing.Endpoint,
			"tlsCAPath":   c.Tracing.TLSCAPath,
			"tlsInsecure": c.Tracing.TLSInsecure,
		},
	}
}
