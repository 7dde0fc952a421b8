// Package mcp exposes the bridge to agents as an MCP server: built-in
// introspection tools, the static catalog and every tool or resource the
// running app registered at runtime.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/standardbeagle/flutter-mcp/internal/catalog"
	"github.com/standardbeagle/flutter-mcp/internal/connection"
	"github.com/standardbeagle/flutter-mcp/internal/inspector"
	"github.com/standardbeagle/flutter-mcp/internal/registry"
	"github.com/standardbeagle/flutter-mcp/pkg/events"
)

const (
	ServerName = "flutter-mcp"

	DefaultErrorCount = 10
)

// Registry is the read side of the dynamic registry.
type Registry interface {
	ListTools() []registry.ToolEntry
	ListResources() []registry.ResourceEntry
	Stats() registry.Stats
}

// Forwarder routes calls to the app owning a dynamic entry.
type Forwarder interface {
	ForwardToolCall(ctx context.Context, name string, args map[string]interface{}) registry.ToolResult
	ForwardResourceRead(ctx context.Context, uri string) registry.ResourceResult
}

// Trigger runs a registration pass on demand.
type Trigger interface {
	Trigger(ctx context.Context, label string) (registry.PassResult, error)
}

// ErrorLog holds the framework errors reported by the app.
type ErrorLog interface {
	Errors(count int) []inspector.AppError
	Total() int
}

// WidgetInspector fetches widget trees from the app.
type WidgetInspector interface {
	WidgetTree(ctx context.Context) (json.RawMessage, error)
	WidgetDetails(ctx context.Context, id string, depth int) (json.RawMessage, error)
}

// ConnectionState reports the debuggee connection.
type ConnectionState interface {
	Status() connection.Status
}

// ExtensionCaller invokes service extensions on the app's main isolate.
type ExtensionCaller interface {
	CallExtension(ctx context.Context, method string, args map[string]interface{}) (json.RawMessage, error)
}

// Deps are the bridge components the server drives.
type Deps struct {
	Registry   Registry
	Forwarder  Forwarder
	Trigger    Trigger
	Errors     ErrorLog
	Inspector  WidgetInspector
	Connection ConnectionState
	Caller     ExtensionCaller
	Catalog    *catalog.Catalog
	Bus        *events.EventBus
}

type Options struct {
	Version     string
	CallTimeout time.Duration
	Logger      *zap.Logger
}

// Server mirrors the registry into an mcp-go server.
type Server struct {
	deps        Deps
	mcp         *server.MCPServer
	logger      *zap.Logger
	callTimeout time.Duration

	static      []server.ServerTool
	staticNames map[string]struct{}
	staticRes   []server.ServerResource
	staticURIs  map[string]struct{}

	// serializes resyncs so the last one always sees the newest snapshot
	syncMu    sync.Mutex
	synced    []string
	syncedRes []string

	subsMu sync.Mutex
	subs   []events.HandlerID
}

func NewServer(deps Deps, opts Options) *Server {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = registry.DefaultCallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Server{
		deps:        deps,
		logger:      opts.Logger.Named("mcp"),
		callTimeout: opts.CallTimeout,
		staticNames: make(map[string]struct{}),
		staticURIs:  make(map[string]struct{}),
	}
	s.mcp = server.NewMCPServer(ServerName, opts.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithRecovery(),
		server.WithInstructions("Tools and resources of a running Flutter app. "+
			"Call list_client_tools_and_resources to see what the app registered at runtime."),
	)

	s.addStatic(s.builtinTools()...)
	s.addStatic(s.catalogTools()...)
	s.staticRes = s.builtinResources()
	for _, r := range s.staticRes {
		s.staticURIs[r.Resource.URI] = struct{}{}
	}
	s.Resync()
	return s
}

func (s *Server) addStatic(tools ...server.ServerTool) {
	for _, t := range tools {
		if _, dup := s.staticNames[t.Tool.Name]; dup {
			s.logger.Warn("static tool shadows an earlier one", zap.String("tool", t.Tool.Name))
			continue
		}
		s.staticNames[t.Tool.Name] = struct{}{}
		s.static = append(s.static, t)
	}
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// Start resyncs the published catalog on every registry list change.
func (s *Server) Start() {
	if s.deps.Bus == nil {
		return
	}
	ids := registry.OnRegistryEvent(s.deps.Bus, func(e events.Event) {
		if e.Type != events.ListChanged {
			return
		}
		s.logger.Debug("registry changed, resyncing", zap.Any("trigger", e.Data["trigger"]))
		s.Resync()
	})

	s.subsMu.Lock()
	s.subs = append(s.subs, ids...)
	s.subsMu.Unlock()
}

// Close drops the event subscriptions.
func (s *Server) Close() {
	s.subsMu.Lock()
	subs := s.subs
	s.subs = nil
	s.subsMu.Unlock()

	if s.deps.Bus == nil {
		return
	}
	for _, id := range subs {
		s.deps.Bus.Unsubscribe(id)
	}
}

// ServeStdio serves MCP on stdin/stdout until ctx ends.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(zap.NewStdLog(s.logger.Named("stdio")))
	err := stdio.Listen(ctx, os.Stdin, os.Stdout)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ServeHTTP serves streamable HTTP MCP on addr until ctx ends.
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	httpServer := server.NewStreamableHTTPServer(s.mcp)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Start(addr)
	}()
	s.logger.Info("serving streamable HTTP", zap.String("addr", addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
