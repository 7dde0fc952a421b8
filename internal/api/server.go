// Package api serves the bridge's diagnostics over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/standardbeagle/flutter-mcp/internal/connection"
	"github.com/standardbeagle/flutter-mcp/internal/registry"
	"github.com/standardbeagle/flutter-mcp/pkg/ports"
)

// Registry is the part of the registry store the API reads and edits.
type Registry interface {
	ListTools() []registry.ToolEntry
	ListResources() []registry.ResourceEntry
	Stats() registry.Stats
	App(appID string) (registry.AppInfo, bool)
	UnregisterApp(appID string) (toolsRemoved, resourcesRemoved int)
}

// Trigger runs a registration pass on demand.
type Trigger interface {
	Trigger(ctx context.Context, label string) (registry.PassResult, error)
}

// Passes reports registration passes and announces out-of-band removals.
type Passes interface {
	LastResult() (registry.PassResult, bool)
	LastAttempt() time.Time
	InFlight() bool
	NotifyListChanged(reason string)
}

type ConnectionState interface {
	Status() connection.Status
}

type HealthState interface {
	Status() (connection.HealthStatus, bool)
}

type Deps struct {
	Registry   Registry
	Passes     Passes
	Trigger    Trigger
	Connection ConnectionState
	Health     HealthState
	Gatherer   prometheus.Gatherer
}

// Server is the diagnostics HTTP server.
type Server struct {
	deps    Deps
	router  *mux.Router
	logger  *zap.Logger
	started time.Time
}

func NewServer(deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		deps:    deps,
		router:  mux.NewRouter(),
		logger:  logger.Named("api"),
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/connection", s.handleConnection).Methods("GET")

	s.router.HandleFunc("/registry", s.handleStats).Methods("GET")
	s.router.HandleFunc("/registry/tools", s.handleTools).Methods("GET")
	s.router.HandleFunc("/registry/resources", s.handleResources).Methods("GET")
	s.router.HandleFunc("/registry/refresh", s.handleRefresh).Methods("POST")
	s.router.HandleFunc("/registry/apps/{appId}", s.handleApp).Methods("GET")
	s.router.HandleFunc("/registry/apps/{appId}", s.handleUnregisterApp).Methods("DELETE")

	s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx ends. A taken port is replaced
// by a free one nearby; ready, if set, receives the address actually used.
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready func(string)) error {
	resolved, err := ports.ResolveAddr(addr)
	if err != nil {
		return err
	}
	listener, err := net.Listen("tcp", resolved)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", resolved, err)
	}

	server := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	actual := listener.Addr().String()
	if actual != addr {
		s.logger.Info("diagnostics address changed", zap.String("requested", addr), zap.String("addr", actual))
	}
	s.logger.Info("diagnostics API listening", zap.String("addr", actual))
	if ready != nil {
		ready(actual)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
