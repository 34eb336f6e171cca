// Package config loads, validates and writes the server configuration.
// Values come from a YAML file with command-line flags layered on top;
// the limits section can additionally be hot-reloaded at runtime.
package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-version"

	"github.com/skeinhq/skein/internal/logging"
)

// Config holds all configuration for the server.
type Config struct {
	// LogLevel is the default logging level (debug, info, warn, error, fatal)
	LogLevel string `yaml:"logLevel"`

	Server  ServerConfig  `yaml:"server"`
	Cluster ClusterConfig `yaml:"cluster"`
	Store   StoreConfig   `yaml:"store"`
	Session SessionConfig `yaml:"session"`
	Limits  Limits        `yaml:"limits"`
	Auth    AuthConfig    `yaml:"auth"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	// Port is the port the API server listens on
	Port int `yaml:"port"`

	// AllowedOrigins restricts browser origins for CORS and WebSocket
	// upgrades; empty allows all
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// ClusterConfig configures peer coordination.
type ClusterConfig struct {
	// Standalone runs without registry or peer channels
	Standalone bool `yaml:"standalone"`

	// PeerID identifies this server in the registry, empty generates one
	PeerID string `yaml:"peerId"`

	// BindHost is the listen interface for the peer channels
	BindHost string `yaml:"bindHost"`

	// AdvertiseHost is the host peers and redirected clients dial
	AdvertiseHost string `yaml:"advertiseHost"`

	// MinPeerVersion excludes older peers during rolling upgrades,
	// empty disables the check
	MinPeerVersion string `yaml:"minPeerVersion"`

	RefreshInterval   time.Duration `yaml:"refreshInterval"`
	DiscoveryInterval time.Duration `yaml:"discoveryInterval"`
	DirectTimeout     time.Duration `yaml:"directTimeout"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Backend is "arango" or "memory"
	Backend string `yaml:"backend"`

	Arango ArangoConfig `yaml:"arango"`
}

// ArangoConfig configures the ArangoDB adapter.
type ArangoConfig struct {
	Endpoints          []string `yaml:"endpoints"`
	Database           string   `yaml:"database"`
	Username           string   `yaml:"username"`
	Password           string   `yaml:"password"`
	InsecureSkipVerify bool     `yaml:"insecureSkipVerify"`

	// NodeConfigCacheSize is the LRU entry count for node configuration
	// reads, 0 disables the cache
	NodeConfigCacheSize int `yaml:"nodeConfigCacheSize"`
}

// SessionConfig configures instance lifecycle behaviour.
type SessionConfig struct {
	EvictInterval  time.Duration `yaml:"evictInterval"`
	PingStaleAfter time.Duration `yaml:"pingStaleAfter"`

	// HistoryLimit caps retained catch-up messages per sheet, negative
	// for unbounded
	HistoryLimit int `yaml:"historyLimit"`

	// DisableAutoSave starts instances with automatic saving off
	DisableAutoSave bool `yaml:"disableAutoSave"`
}

// Limits holds the runtime-adjustable protocol limits. This section is
// hot-reloaded when the config file changes.
type Limits struct {
	// MaxInstructionsPerBatch closes the socket when exceeded
	MaxInstructionsPerBatch int `yaml:"maxInstructionsPerBatch"`

	// MaxBatchElements bounds batch create and delete sizes
	MaxBatchElements int `yaml:"maxBatchElements"`

	// AutoSaveInterval is the cadence of the periodic save sweep
	AutoSaveInterval time.Duration `yaml:"autoSaveInterval"`
}

// AuthConfig configures WebSocket upgrade authentication.
type AuthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SigningMethod string `yaml:"signingMethod"`
	Secret        string `yaml:"secret"`
	PublicKeyFile string `yaml:"publicKeyFile"`
	Issuer        string `yaml:"issuer"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	TLSCAPath   string `yaml:"tlsCAPath"`
	TLSInsecure bool   `yaml:"tlsInsecure"`
}

// DefaultConfig returns the configuration a fresh install starts with.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			Port: 8080,
		},
		Cluster: ClusterConfig{
			Standalone:        false,
			BindHost:          "0.0.0.0",
			RefreshInterval:   60 * time.Second,
			DiscoveryInterval: 30 * time.Second,
			DirectTimeout:     10 * time.Second,
		},
		Store: StoreConfig{
			Backend: "arango",
			Arango: ArangoConfig{
				Endpoints:           []string{"http://localhost:8529"},
				Database:            "skein",
				Username:            "root",
				NodeConfigCacheSize: 512,
			},
		},
		Session: SessionConfig{
			EvictInterval:  10 * time.Second,
			PingStaleAfter: 45 * time.Second,
			HistoryLimit:   5000,
		},
		Limits: Limits{
			MaxInstructionsPerBatch: 20,
			MaxBatchElements:        500,
			AutoSaveInterval:        30 * time.Second,
		},
		Auth: AuthConfig{
			SigningMethod: "HS256",
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return NewConfigError(err.Error())
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return NewConfigError("server.port must be between 1 and 65535")
	}

	if c.Cluster.MinPeerVersion != "" {
		if _, err := version.NewVersion(c.Cluster.MinPeerVersion); err != nil {
			return NewConfigError(fmt.Sprintf("cluster.minPeerVersion %q is not a valid version", c.Cluster.MinPeerVersion))
		}
	}

	switch c.Store.Backend {
	case "arango":
		if len(c.Store.Arango.Endpoints) == 0 {
			return NewConfigError("store.arango.endpoints must not be empty")
		}
		if c.Store.Arango.Database == "" {
			return NewConfigError("store.arango.database must not be empty")
		}
	case "memory":
	default:
		return NewConfigError(fmt.Sprintf("store.backend must be arango or memory, got %q", c.Store.Backend))
	}

	if err := c.Limits.Validate(); err != nil {
		return err
	}

	if c.Auth.Enabled {
		switch c.Auth.SigningMethod {
		case "", "HS256":
			if c.Auth.Secret == "" {
				return NewConfigError("auth.secret must be set for HS256")
			}
		case "RS256":
			if c.Auth.PublicKeyFile == "" {
				return NewConfigError("auth.publicKeyFile must be set for RS256")
			}
		default:
			return NewConfigError(fmt.Sprintf("auth.signingMethod must be HS256 or RS256, got %q", c.Auth.SigningMethod))
		}
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return NewConfigError("tracing.endpoint must be set when tracing is enabled")
	}

	return nil
}

// Validate checks the limits section on its own; the hot-reload path
// revalidates it without touching the rest of the file.
func (l Limits) Validate() error {
	if l.MaxInstructionsPerBatch < 1 {
		return NewConfigError("limits.maxInstructionsPerBatch must be at least 1")
	}
	if l.MaxBatchElements < 1 {
		return NewConfigError("limits.maxBatchElements must be at least 1")
	}
	if l.AutoSaveInterval < time.Second {
		return NewConfigError("limits.autoSaveInterval must be at least 1s")
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	message string
}

// NewConfigError creates a new configuration error
func NewConfigError(message string) *ConfigError {
	return &ConfigError{message: message}
}

// Error returns the error message
func (e *ConfigError) Error() string {
	return e.message
}
