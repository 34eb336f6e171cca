package commands

import (
	"context"
	"fmt"
	"net/http"

	//nolint:gosec // We are using pprof for debugging
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/skeinhq/skein/internal/apiserver"
	"github.com/skeinhq/skein/internal/auth"
	"github.com/skeinhq/skein/internal/cluster"
	"github.com/skeinhq/skein/internal/config"
	"github.com/skeinhq/skein/internal/lifecycle"
	"github.com/skeinhq/skein/internal/logging"
	"github.com/skeinhq/skein/internal/metrics"
	"github.com/skeinhq/skein/internal/session"
	"github.com/skeinhq/skein/internal/store"
	"github.com/skeinhq/skein/internal/store/arango"
	"github.com/skeinhq/skein/internal/store/memstore"
	"github.com/skeinhq/skein/internal/tracing"
)

var (
	configPath         string
	serverPort         int
	standalone         bool
	storeBackend       string
	tracingEnabled     bool
	tracingEndpoint    string
	tracingTLSCAPath   string
	tracingTLSInsecure bool
	pprofEnabled       bool
	pprofPort          int
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start a Skein server",
	Long: `Start a Skein server which hosts live graph editing sessions,
coordinates instance ownership with its cluster peers, and persists
edits to the store.`,
	Run: runServer,
}

func init() {
	serverCmd.Flags().StringVar(&configPath, "config", "skein.yaml", "Path to the YAML config file; created with defaults when missing")
	serverCmd.Flags().IntVar(&serverPort, "port", 0, "Port the API server listens on (overrides config file)")
	serverCmd.Flags().BoolVar(&standalone, "standalone", false, "Run without cluster registry or peer channels (overrides config file)")
	serverCmd.Flags().StringVar(&storeBackend, "store-backend", "", "Store backend: arango or memory (overrides config file)")
	serverCmd.Flags().BoolVar(&tracingEnabled, "tracing-enabled", false, "Enable OpenTelemetry tracing (overrides config file)")
	serverCmd.Flags().StringVar(&tracingEndpoint, "tracing-endpoint", "", "OTLP gRPC endpoint for traces (e.g., otel-collector:4317)")
	serverCmd.Flags().StringVar(&tracingTLSCAPath, "tracing-tls-ca", "", "Path to CA certificate for TLS verification (optional)")
	serverCmd.Flags().BoolVar(&tracingTLSInsecure, "tracing-tls-insecure", false, "Skip TLS certificate verification (insecure, use only for testing)")
	serverCmd.Flags().BoolVar(&pprofEnabled, "pprof-enabled", false, "Enable pprof profiling server (default: false)")
	serverCmd.Flags().IntVar(&pprofPort, "pprof-port", 9999, "Port the pprof server listens on (default: 9999)")
}

func runServer(cmd *cobra.Command, args []string) {
	// A missing config file is not an error on first boot
	wroteDefault := false
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := config.WriteDefault(configPath); err != nil {
			HandleError(err, "Failed to create default config file")
		}
		wroteDefault = true
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		HandleError(err, "Configuration error")
	}

	// Flags override file values
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = serverPort
	}
	if cmd.Flags().Changed("standalone") {
		cfg.Cluster.Standalone = standalone
	}
	if cmd.Flags().Changed("store-backend") {
		cfg.Store.Backend = storeBackend
	}
	if cmd.Flags().Changed("tracing-enabled") {
		cfg.Tracing.Enabled = tracingEnabled
	}
	if cmd.Flags().Changed("tracing-endpoint") {
		cfg.Tracing.Endpoint = tracingEndpoint
	}
	if cmd.Flags().Changed("tracing-tls-ca") {
		cfg.Tracing.TLSCAPath = tracingTLSCAPath
	}
	if cmd.Flags().Changed("tracing-tls-insecure") {
		cfg.Tracing.TLSInsecure = tracingTLSInsecure
	}
	if err := cfg.Validate(); err != nil {
		HandleError(err, "Configuration error")
	}

	if err := setupLog(cfg.LogLevel, logLevelFlags); err != nil {
		HandleError(err, "Failed to setup logging")
	}
	logger := logging.GetLogger("server")

	logger.Info("Starting Skein v%s", Version)
	if wroteDefault {
		logger.Info("Created default config file at %s", configPath)
	}

	// The peer ID is resolved here rather than in the coordinator so the
	// metrics instance label and the registry row agree.
	peerID := cfg.Cluster.PeerID
	if peerID == "" {
		peerID = uuid.New().String()
	}

	m := metrics.NewMetrics(prometheus.DefaultRegisterer, peerID)

	manager := lifecycle.NewManager()

	// Tracing is optional; a broken exporter setup is not fatal.
	tracingProvider, err := tracing.NewProvider(tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		Endpoint:       cfg.Tracing.Endpoint,
		TLSCAPath:      cfg.Tracing.TLSCAPath,
		TLSInsecure:    cfg.Tracing.TLSInsecure,
		ServiceVersion: Version,
	})
	if err != nil {
		logger.Warn("Failed to initialize tracing (continuing without tracing): %v", err)
		tracingProvider = nil
	}
	if tracingProvider != nil {
		if err := manager.Register(tracingProvider); err != nil {
			HandleError(err, "Tracing registration error")
		}
	}

	if pprofEnabled {
		go func() {
			pprofAddr := fmt.Sprintf(":%d", pprofPort)
			logger.Info("Starting pprof server on %s", pprofAddr)
			if err := http.ListenAndServe(pprofAddr, nil); err != nil { //nolint:gosec // We are using pprof for debugging
				logger.Error("pprof server failed: %v", err)
			}
		}()
	}

	// Store backend; only the arango store has a lifecycle of its own
	var st store.Store
	var storeComponent lifecycle.Component
	switch cfg.Store.Backend {
	case "memory":
		logger.Warn("Using the in-memory store, nothing is persisted across restarts")
		st = memstore.New()
	default:
		ar, err := arango.New(arango.Config{
			Endpoints:           cfg.Store.Arango.Endpoints,
			Database:            cfg.Store.Arango.Database,
			Username:            cfg.Store.Arango.Username,
			Password:            cfg.Store.Arango.Password,
			InsecureSkipVerify:  cfg.Store.Arango.InsecureSkipVerify,
			NodeConfigCacheSize: cfg.Store.Arango.NodeConfigCacheSize,
		})
		if err != nil {
			HandleError(err, "Store initialization error")
		}
		st = ar
		storeComponent = ar
		if err := manager.Register(ar); err != nil {
			HandleError(err, "Store registration error")
		}
	}

	coord := cluster.NewCoordinator(cluster.Config{
		PeerID:            peerID,
		BindHost:          cfg.Cluster.BindHost,
		AdvertiseHost:     cfg.Cluster.AdvertiseHost,
		Port:              cfg.Server.Port,
		Standalone:        cfg.Cluster.Standalone,
		RefreshInterval:   cfg.Cluster.RefreshInterval,
		DiscoveryInterval: cfg.Cluster.DiscoveryInterval,
		DirectTimeout:     cfg.Cluster.DirectTimeout,
		Version:           Version,
		MinPeerVersion:    cfg.Cluster.MinPeerVersion,
	}, st.Registry(), m)

	sessions := session.NewManager(session.Config{
		FlushInterval:    cfg.Limits.AutoSaveInterval,
		EvictInterval:    cfg.Session.EvictInterval,
		PingStaleAfter:   cfg.Session.PingStaleAfter,
		HistoryLimit:     cfg.Session.HistoryLimit,
		MaxInstructions:  cfg.Limits.MaxInstructionsPerBatch,
		MaxBatchElements: cfg.Limits.MaxBatchElements,
		DisableAutoSave:  cfg.Session.DisableAutoSave,
	}, st, coord, m)

	// Cluster traffic that overrides local ownership evicts the session
	coord.SetEvents(sessions)

	provider, err := auth.NewProvider(auth.Config{
		Enabled:       cfg.Auth.Enabled,
		SigningMethod: cfg.Auth.SigningMethod,
		Secret:        cfg.Auth.Secret,
		PublicKeyFile: cfg.Auth.PublicKeyFile,
		Issuer:        cfg.Auth.Issuer,
	})
	if err != nil {
		HandleError(err, "Auth initialization error")
	}
	if !cfg.Auth.Enabled {
		logger.Warn("Authentication is disabled, sockets are open to anyone")
	}

	api := apiserver.NewServer(apiserver.Config{
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, sessions, provider, st, coord, prometheus.DefaultGatherer)

	// The limits watcher re-applies the limits section on file changes
	limitsWatcher, err := config.NewLimitsWatcher(config.LimitsWatcherConfig{
		FilePath: configPath,
	}, func(l config.Limits) error {
		sessions.UpdateLimits(l.MaxInstructionsPerBatch, l.MaxBatchElements, l.AutoSaveInterval)
		return nil
	})
	if err != nil {
		HandleError(err, "Config watcher initialization error")
	}

	coordDeps := []lifecycle.Component{}
	if storeComponent != nil {
		coordDeps = append(coordDeps, storeComponent)
	}
	if err := manager.Register(coord, coordDeps...); err != nil {
		HandleError(err, "Coordinator registration error")
	}
	if err := manager.Register(sessions, coord); err != nil {
		HandleError(err, "Session manager registration error")
	}
	if err := manager.Register(api, sessions); err != nil {
		HandleError(err, "API server registration error")
	}
	if err := manager.Register(limitsWatcher, sessions); err != nil {
		HandleError(err, "Config watcher registration error")
	}

	logger.Info("All components registered")
	ctx, cancel := context.WithCancel(context.Background())
	if err := manager.Start(ctx); err != nil {
		HandleError(err, "Startup error")
	}

	logger.Info("Skein started, peer=%s port=%d store=%s", peerID, cfg.Server.Port, cfg.Store.Backend)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received, gracefully shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := manager.Stop(shutdownCtx); err != nil {
		logger.Error("Error during shutdown: %v", err)
	}

	logger.Info("Shutdown complete")
}
