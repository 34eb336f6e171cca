package apiserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skeinhq/skein/internal/auth"
	"github.com/skeinhq/skein/internal/logging"
	"github.com/skeinhq/skein/internal/session"
	"github.com/skeinhq/skein/internal/store"
)

// Sessions is the slice of the session manager the server drives.
type Sessions interface {
	Dispatch(ctx context.Context, conn session.Conn, raw []byte)
	Disconnect(conn session.Conn)
}

// ReadinessChecker is an interface for checking component readiness.
type ReadinessChecker interface {
	IsReady() bool
}

// NoOpReadinessChecker is a ReadinessChecker that always returns true.
// Use this when no readiness checking is needed (e.g. standalone mode
// without a coordinator).
type NoOpReadinessChecker struct{}

// IsReady always returns true for the no-op checker.
func (n *NoOpReadinessChecker) IsReady() bool {
	return true
}

// Config holds the HTTP server settings.
type Config struct {
	Port           int      // HTTP listen port
	AllowedOrigins []string // origins accepted for CORS and upgrades, empty allows all
}

// Server terminates client WebSockets and serves the operational
// endpoints: /ws, /healthz, /readyz and /metrics.
type Server struct {
	port     int
	origins  []string
	server   *http.Server
	router   *http.ServeMux
	logger   *logging.Logger
	sessions Sessions
	auth     auth.Provider
	store    store.Store
	ready    ReadinessChecker
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader

	connMu sync.Mutex
	conns  map[*wsConn]struct{}
}

// NewServer creates the server and registers all routes.
func NewServer(cfg Config, sessions Sessions, provider auth.Provider, st store.Store, ready ReadinessChecker, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		port:     cfg.Port,
		origins:  cfg.AllowedOrigins,
		router:   http.NewServeMux(),
		logger:   logging.GetLogger("apiserver"),
		sessions: sessions,
		auth:     provider,
		store:    st,
		ready:    ready,
		gatherer: gatherer,
		conns:    make(map[*wsConn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(cfg.AllowedOrigins, r.Header.Get("Origin"))
			},
		},
	}

	s.registerHandlers()
	s.configureHTTPServer(cfg.Port)

	return s
}

// registerHandlers registers all HTTP routes.
func (s *Server) registerHandlers() {
	s.router.HandleFunc("/ws", s.handleWS)
	s.router.HandleFunc("/healthz", s.withMethod(http.MethodGet, s.handleHealth))
	s.router.HandleFunc("/readyz", s.withMethod(http.MethodGet, s.handleReady))
	if s.gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// configureHTTPServer creates the HTTP server with CORS middleware and
// timeouts. The timeouts only govern the plain endpoints; upgraded
// sockets manage their own deadlines.
func (s *Server) configureHTTPServer(port int) {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.corsMiddleware(s.router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Start implements the lifecycle.Component interface.
func (s *Server) Start(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error: %v", err)
		}
	}()

	s.logger.Info("API server listening on port %d", s.port)
	return nil
}

// Stop implements the lifecycle.Component interface. It stops accepting
// new requests, then drops the live WebSockets so their read loops can
// unwind while the session manager is still running.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")

	done := make(chan error, 1)
	go func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- s.server.Shutdown(shutdownCtx)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		s.logger.Warn("API server shutdown timeout")
		err = ctx.Err()
	}

	s.closeConns()

	if err != nil {
		s.logger.Error("HTTP server shutdown error: %v", err)
		return err
	}
	s.logger.Info("API server stopped")
	return nil
}

// Name implements the lifecycle.Component interface.
func (s *Server) Name() string {
	return "API Server"
}

// Handler exposes the configured handler chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = writeJSON(w, map[string]interface{}{
		"status": "healthy",
	})
}

// handleReady reports readiness. The server is ready when the store
// answers a ping and the coordinator has joined the cluster.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ready := true
	if s.ready != nil && !s.ready.IsReady() {
		ready = false
	}
	if ready && s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			s.logger.Warn("Readiness store ping failed: %v", err)
			ready = false
		}
	}

	if ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = writeJSON(w, map[string]interface{}{
		"ready": ready,
	})
}

func originAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 || origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, v interface{}) error {
	return json.NewEncoder(w).Encode(v)
}
