package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthStatus describes the last pings of one connection.
type HealthStatus struct {
	Connection          string        `json:"connection"`
	LastPing            time.Time     `json:"last_ping"`
	LastSuccessfulPing  time.Time     `json:"last_successful_ping"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	ResponseTime        time.Duration `json:"response_time"`
	IsHealthy           bool          `json:"healthy"`
	LastError           string        `json:"last_error,omitempty"`
}

// HealthConfig configures the health monitor
type HealthConfig struct {
	PingInterval time.Duration
	PingTimeout  time.Duration
	MaxFailures  int
}

// DefaultHealthConfig provides sensible defaults
var DefaultHealthConfig = HealthConfig{
	PingInterval: 10 * time.Second,
	PingTimeout:  5 * time.Second,
	MaxFailures:  3,
}

// HealthMonitor pings the active VM service with getVersion and drops a
// connection that stops answering so the manager redials it.
type HealthMonitor struct {
	mgr    *Manager
	logger *zap.Logger
	cfg    HealthConfig

	mu     sync.RWMutex
	status *HealthStatus

	onUnhealthy func(HealthStatus)
	onRecovered func(HealthStatus)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHealthMonitor(mgr *Manager, cfg *HealthConfig, logger *zap.Logger) *HealthMonitor {
	if cfg == nil {
		cfg = &DefaultHealthConfig
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := *cfg
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultHealthConfig.MaxFailures
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultHealthConfig.PingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultHealthConfig.PingTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &HealthMonitor{
		mgr:    mgr,
		logger: logger.Named("health"),
		cfg:    c,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (hm *HealthMonitor) Start() {
	hm.wg.Add(1)
	go hm.monitorLoop()
}

func (hm *HealthMonitor) Stop() {
	hm.cancel()
	hm.wg.Wait()
}

// SetCallbacks sets the callback functions
func (hm *HealthMonitor) SetCallbacks(onUnhealthy, onRecovered func(HealthStatus)) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.onUnhealthy = onUnhealthy
	hm.onRecovered = onRecovered
}

func (hm *HealthMonitor) monitorLoop() {
	defer hm.wg.Done()

	ticker := time.NewTicker(hm.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-hm.ctx.Done():
			return
		case <-ticker.C:
			hm.Check()
		}
	}
}

// Check pings the active connection once.
func (hm *HealthMonitor) Check() {
	client := hm.mgr.Client()
	if client == nil {
		return
	}
	conn := client.Connection()

	ctx, cancel := context.WithTimeout(hm.ctx, hm.cfg.PingTimeout)
	defer cancel()

	start := time.Now()
	_, err := client.GetVersion(ctx)
	elapsed := time.Since(start)

	if err != nil {
		hm.recordFailure(conn, err)
		return
	}
	hm.recordSuccess(conn, elapsed)
	hm.mgr.Touch(conn)
}

// statusFor returns the status of conn, starting fresh when the connection changed.
func (hm *HealthMonitor) statusFor(conn string) *HealthStatus {
	if hm.status == nil || hm.status.Connection != conn {
		hm.status = &HealthStatus{Connection: conn, IsHealthy: true}
	}
	return hm.status
}

func (hm *HealthMonitor) recordSuccess(conn string, responseTime time.Duration) {
	hm.mu.Lock()
	status := hm.statusFor(conn)
	wasUnhealthy := !status.IsHealthy
	now := time.Now()
	status.LastPing = now
	status.LastSuccessfulPing = now
	status.ConsecutiveFailures = 0
	status.ResponseTime = responseTime
	status.IsHealthy = true
	status.LastError = ""
	snapshot := *status
	cb := hm.onRecovered
	hm.mu.Unlock()

	if wasUnhealthy && cb != nil {
		cb(snapshot)
	}
}

func (hm *HealthMonitor) recordFailure(conn string, err error) {
	hm.mu.Lock()
	status := hm.statusFor(conn)
	status.LastPing = time.Now()
	status.ConsecutiveFailures++
	status.LastError = err.Error()
	becameUnhealthy := status.ConsecutiveFailures == hm.cfg.MaxFailures
	if status.ConsecutiveFailures >= hm.cfg.MaxFailures {
		status.IsHealthy = false
	}
	snapshot := *status
	cb := hm.onUnhealthy
	hm.mu.Unlock()

	hm.logger.Debug("health check failed",
		zap.String("connection", conn),
		zap.Int("failures", snapshot.ConsecutiveFailures),
		zap.Error(err))

	if !becameUnhealthy {
		return
	}
	hm.logger.Warn("vm service unresponsive, dropping connection",
		zap.String("connection", conn),
		zap.Int("failures", snapshot.ConsecutiveFailures))
	hm.mgr.Drop(conn, fmt.Sprintf("health check failed %d times: %v", snapshot.ConsecutiveFailures, err))
	if cb != nil {
		cb(snapshot)
	}
}

// Status returns the health of the most recently pinged connection.
func (hm *HealthMonitor) Status() (HealthStatus, bool) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	if hm.status == nil {
		return HealthStatus{}, false
	}
	return *hm.status, true
}
