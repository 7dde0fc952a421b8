// Package bridge wires the registry, the VM service connection and the MCP
// server into one running bridge.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/standardbeagle/flutter-mcp/internal/api"
	"github.com/standardbeagle/flutter-mcp/internal/catalog"
	"github.com/standardbeagle/flutter-mcp/internal/config"
	"github.com/standardbeagle/flutter-mcp/internal/connection"
	"github.com/standardbeagle/flutter-mcp/internal/discovery"
	"github.com/standardbeagle/flutter-mcp/internal/inspector"
	"github.com/standardbeagle/flutter-mcp/internal/mcp"
	"github.com/standardbeagle/flutter-mcp/internal/registry"
	"github.com/standardbeagle/flutter-mcp/pkg/events"
)

// TriggerDisconnect labels list changes caused by a lost VM connection.
const TriggerDisconnect = "disconnect"

const lockTimeout = 2 * time.Second

type Options struct {
	Config  config.Config
	Version string
	Logger  *zap.Logger

	// Dial opens VM service clients; nil dials real VM services.
	Dial connection.DialFunc
	// LockDir holds the per-port bridge locks; empty means ~/.flutter-mcp/locks.
	LockDir string
	Health  *connection.HealthConfig
	// Reconnect tunes the connection manager; zero values take its defaults.
	Reconnect connection.Options
}

// Binding owns every bridge component. Nothing is global: construct one
// with New, start it with Initialize and tear it down with Dispose.
type Binding struct {
	cfg     config.Config
	logger  *zap.Logger
	lockDir string

	bus         *events.EventBus
	metricsReg  *prometheus.Registry
	store       *registry.Store
	coordinator *registry.Coordinator
	forwarder   *registry.Forwarder
	watcher     *registry.Watcher
	sweeper     *registry.Sweeper
	manager     *connection.Manager
	health      *connection.HealthMonitor
	errors      *inspector.ErrorMonitor
	inspector   *inspector.Inspector
	catalog     *catalog.Catalog
	mcp         *mcp.Server
	api         *api.Server
	discovery   *discovery.Watcher

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	session     context.CancelFunc
	lock        *discovery.Lock
	lockPort    int
	initialized bool
	disposed    bool
	wg          sync.WaitGroup
}

// New builds the components without starting any of them.
func New(opts Options) (*Binding, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cat := catalog.Default()
	if cfg.CatalogFile != "" {
		extra, err := catalog.Load(cfg.CatalogFile)
		if err != nil {
			return nil, fmt.Errorf("load catalog: %w", err)
		}
		cat = cat.Merge(extra)
	}

	lockDir := opts.LockDir
	if lockDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		lockDir = filepath.Join(home, ".flutter-mcp", "locks")
	}

	dial := opts.Dial
	if dial == nil {
		dial = connection.DialVMService(logger)
	}

	b := &Binding{
		cfg:        cfg,
		logger:     logger,
		lockDir:    lockDir,
		bus:        events.NewEventBus(),
		metricsReg: prometheus.NewRegistry(),
		catalog:    cat,
	}
	metrics := registry.NewMetrics(b.metricsReg)

	reconnect := opts.Reconnect
	reconnect.Logger = logger.Named("connection")
	b.manager = connection.NewManager(dial, reconnect)
	b.health = connection.NewHealthMonitor(b.manager, opts.Health, logger)

	b.store = registry.NewStore(b.bus, logger.Named("registry"))
	b.coordinator = registry.NewCoordinator(b.store, b.manager, b.bus, registry.CoordinatorOptions{
		Timeout: cfg.RegistrationTimeout.Duration,
		Metrics: metrics,
		Logger:  logger,
	})
	b.forwarder = registry.NewForwarder(b.store, b.manager, registry.ForwarderOptions{
		Timeout: cfg.CallTimeout.Duration,
		Metrics: metrics,
		Logger:  logger,
	})
	b.watcher = registry.NewWatcher(b.coordinator, []registry.Strategy{
		registry.NewStreamStrategy(b.manager, logger),
		registry.NewPollStrategy(b.manager, cfg.PollInterval.Duration, logger),
	}, registry.WatcherOptions{
		SettleDelay: cfg.SettleDelay.Duration,
		Logger:      logger,
	})

	sweeper, err := registry.NewSweeper(b.store, b.manager, b.coordinator, registry.SweeperOptions{
		Schedule:   cfg.SweepSchedule,
		StaleAfter: cfg.StaleAfter.Duration,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		b.manager.Stop()
		b.bus.Shutdown()
		return nil, err
	}
	b.sweeper = sweeper

	b.errors = inspector.NewErrorMonitor(b.manager, cfg.ErrorBufferSize, b.bus, logger)
	b.inspector = inspector.New(b.manager, logger)

	b.mcp = mcp.NewServer(mcp.Deps{
		Registry:   b.store,
		Forwarder:  b.forwarder,
		Trigger:    b.watcher,
		Errors:     b.errors,
		Inspector:  b.inspector,
		Connection: b.manager,
		Caller:     b.manager,
		Catalog:    cat,
		Bus:        b.bus,
	}, mcp.Options{
		Version:     opts.Version,
		CallTimeout: cfg.CallTimeout.Duration,
		Logger:      logger,
	})

	b.api = api.NewServer(api.Deps{
		Registry:   b.store,
		Passes:     b.coordinator,
		Trigger:    b.watcher,
		Connection: b.manager,
		Health:     b.health,
		Gatherer:   b.metricsReg,
	}, logger)

	return b, nil
}

// Initialize starts the components and points the connection manager at
// the configured VM service. With a URI file the endpoint follows the file.
func (b *Binding) Initialize(ctx context.Context) error {
	b.mu.Lock()
	if b.initialized {
		b.mu.Unlock()
		return errors.New("bridge already initialized")
	}
	if b.disposed {
		b.mu.Unlock()
		return errors.New("bridge disposed")
	}
	b.initialized = true
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.mu.Unlock()

	b.mcp.Start()
	b.manager.OnStateChange(b.onTransition)

	b.health.SetCallbacks(
		func(status connection.HealthStatus) {
			b.logger.Warn("vm service unhealthy",
				zap.String("connection", status.Connection),
				zap.Int("failures", status.ConsecutiveFailures),
				zap.String("error", status.LastError))
		},
		func(status connection.HealthStatus) {
			b.logger.Info("vm service recovered",
				zap.String("connection", status.Connection),
				zap.Duration("response_time", status.ResponseTime))
		},
	)
	b.health.Start()

	if err := b.sweeper.Start(); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}

	if b.cfg.VMURIFile != "" {
		return b.followURIFile()
	}

	endpoint, err := discovery.FromHostPort(b.cfg.VMHost, b.cfg.VMPort)
	if err != nil {
		return err
	}
	return b.useEndpoint(endpoint)
}

func (b *Binding) followURIFile() error {
	w, err := discovery.NewWatcher(b.cfg.VMURIFile, discovery.WatcherOptions{
		PollInterval: b.cfg.PollInterval.Duration,
		Logger:       b.logger,
	})
	if err != nil {
		return err
	}
	if err := w.Start(b.ctx); err != nil {
		return fmt.Errorf("watch %s: %w", b.cfg.VMURIFile, err)
	}
	b.discovery = w
	b.logger.Info("waiting for vm service info",
		zap.String("path", w.Path()),
		zap.String("mode", w.Mode()))

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-b.ctx.Done():
				return
			case ev := <-w.Events():
				if ev.Removed {
					b.logger.Info("vm service info removed", zap.String("uri", ev.Endpoint.URI))
					continue
				}
				if err := b.useEndpoint(ev.Endpoint); err != nil {
					b.logger.Error("cannot use discovered endpoint",
						zap.String("uri", ev.Endpoint.URI), zap.Error(err))
				}
			}
		}
	}()
	return nil
}

// useEndpoint takes the bridge lock for the endpoint's port and hands the
// endpoint to the connection manager.
func (b *Binding) useEndpoint(endpoint discovery.Endpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lock == nil || b.lockPort != endpoint.Port {
		lock, err := discovery.AcquireLock(b.ctx, b.lockDir, endpoint.Port, discovery.Owner{
			PID:       os.Getpid(),
			Endpoint:  endpoint.URI,
			Transport: b.cfg.Transport,
			StartedAt: time.Now(),
		}, lockTimeout)
		if err != nil {
			if errors.Is(err, discovery.ErrLocked) {
				if owner, readErr := discovery.ReadOwner(b.lockDir, endpoint.Port); readErr == nil {
					return fmt.Errorf("%w by pid %d (%s)", err, owner.PID, owner.Transport)
				}
			}
			return err
		}
		if b.lock != nil {
			if err := b.lock.Release(); err != nil {
				b.logger.Warn("release bridge lock", zap.Int("port", b.lockPort), zap.Error(err))
			}
		}
		b.lock, b.lockPort = lock, endpoint.Port
	}

	return b.manager.SetEndpoint(endpoint.URI)
}

func (b *Binding) onTransition(t connection.Transition) {
	switch {
	case t.To == connection.StateActive:
		b.connected(t.Connection)
	case t.From == connection.StateActive:
		b.disconnected(t.Connection, t.Reason)
	}
}

func (b *Binding) connected(conn string) {
	b.mu.Lock()
	if b.ctx == nil || b.ctx.Err() != nil {
		b.mu.Unlock()
		return
	}
	if b.session != nil {
		b.session()
	}
	sessionCtx, cancel := context.WithCancel(b.ctx)
	b.session = cancel
	b.mu.Unlock()

	b.logger.Info("vm service connected", zap.String("connection", conn))
	b.bus.Publish(events.Event{
		Type: events.VMConnected,
		Data: map[string]interface{}{"connection": conn},
	})

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.errors.Run(sessionCtx); err != nil {
			b.logger.Debug("error monitor stopped", zap.Error(err))
		}
	}()
	b.watcher.OnConnected(sessionCtx, conn)
}

func (b *Binding) disconnected(conn, reason string) {
	b.mu.Lock()
	if b.session != nil {
		b.session()
		b.session = nil
	}
	b.mu.Unlock()

	b.watcher.OnDisconnected()
	b.inspector.Reset()

	removed := b.store.UnregisterConnection(conn)
	if len(removed) > 0 {
		b.coordinator.NotifyListChanged(TriggerDisconnect)
	}
	b.logger.Info("vm service disconnected",
		zap.String("connection", conn),
		zap.String("reason", reason),
		zap.Strings("apps_removed", removed))
	b.bus.Publish(events.Event{
		Type: events.VMDisconnected,
		Data: map[string]interface{}{"connection": conn, "reason": reason, "apps": removed},
	})
}

// Serve runs the MCP transport and the diagnostics API until ctx ends or
// either of them fails.
func (b *Binding) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	running := 1
	if b.cfg.DiagnosticsAddr != "" {
		running++
		go func() {
			errCh <- b.api.ListenAndServe(ctx, b.cfg.DiagnosticsAddr, nil)
		}()
	}
	go func() {
		if b.cfg.Transport == config.TransportHTTP {
			errCh <- b.mcp.ServeHTTP(ctx, b.cfg.HTTPAddr)
			return
		}
		errCh <- b.mcp.ServeStdio(ctx)
	}()

	var first error
	for i := 0; i < running; i++ {
		if err := <-errCh; err != nil && first == nil {
			first = err
		}
		cancel()
	}
	return first
}

// Dispose stops everything Initialize started and releases the bridge
// lock. It is safe to call more than once.
func (b *Binding) Dispose() {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	b.disposed = true
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Unlock()

	if b.discovery != nil {
		b.discovery.Stop()
	}
	b.watcher.Stop()
	b.sweeper.Stop()
	b.health.Stop()

	disposeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	if err := b.inspector.Dispose(disposeCtx); err != nil {
		b.logger.Debug("dispose inspector groups", zap.Error(err))
	}
	cancel()

	b.manager.Stop()
	b.wg.Wait()
	b.mcp.Close()
	b.bus.Shutdown()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lock != nil {
		if err := b.lock.Release(); err != nil {
			b.logger.Warn("release bridge lock", zap.Error(err))
		}
		b.lock = nil
	}
}

func (b *Binding) Store() *registry.Store             { return b.store }
func (b *Binding) Coordinator() *registry.Coordinator { return b.coordinator }
func (b *Binding) Forwarder() *registry.Forwarder     { return b.forwarder }
func (b *Binding) Watcher() *registry.Watcher         { return b.watcher }
func (b *Binding) Manager() *connection.Manager       { return b.manager }
func (b *Binding) Errors() *inspector.ErrorMonitor    { return b.errors }
func (b *Binding) MCP() *mcp.Server                   { return b.mcp }
func (b *Binding) API() *api.Server                   { return b.api }
func (b *Binding) Bus() *events.EventBus              { return b.bus }
func (b *Binding) Gatherer() prometheus.Gatherer      { return b.metricsReg }
