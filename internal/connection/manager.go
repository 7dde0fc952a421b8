package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/standardbeagle/flutter-mcp/internal/registry"
	"github.com/standardbeagle/flutter-mcp/internal/vmservice"
)

// Connection states
type State int

const (
	StateIdle       State = iota // No endpoint known
	StateConnecting              // Dialing the VM service
	StateActive                  // Connected and responsive
	StateRetrying                // Connection lost or dial failed, retry scheduled
	StateDead                    // Given up until the endpoint changes
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateRetrying:
		return "retrying"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

const (
	maxHistory     = 100
	trimmedHistory = 50
)

// Transition records a state change. Connection is the handle of the
// client the transition concerns: the new one when becoming active, the
// lost one when leaving active.
type Transition struct {
	From       State     `json:"-"`
	To         State     `json:"-"`
	FromName   string    `json:"from"`
	ToName     string    `json:"to"`
	Connection string    `json:"connection,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Client is what the manager needs from a VM service connection.
type Client interface {
	registry.Remote
	registry.EventSource
	registry.UnitLister
	GetVersion(ctx context.Context) (vmservice.Version, error)
	Done() <-chan struct{}
	Err() error
	Close() error
}

// DialFunc opens a client for a normalized VM service URI.
type DialFunc func(ctx context.Context, uri string) (Client, error)

// DialVMService dials real VM services.
func DialVMService(logger *zap.Logger) DialFunc {
	return func(ctx context.Context, uri string) (Client, error) {
		c, err := vmservice.Dial(ctx, uri, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Status is a snapshot of the manager's view of the connection.
type Status struct {
	State        string                 `json:"state"`
	Endpoint     string                 `json:"endpoint,omitempty"`
	Connection   string                 `json:"connection,omitempty"`
	ConnectedAt  time.Time              `json:"connected_at,omitempty"`
	LastActivity time.Time              `json:"last_activity,omitempty"`
	RetryCount   int                    `json:"retry_count"`
	NextRetryAt  time.Time              `json:"next_retry_at,omitempty"`
	LastError    string                 `json:"last_error,omitempty"`
	Retry        map[string]interface{} `json:"retry"`
	History      []Transition           `json:"history,omitempty"`
}

type Options struct {
	AttemptTimeout  time.Duration
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	BreakerFailures int
	BreakerReset    time.Duration
	Logger          *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 10 * time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 10
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = 5
	}
	if o.BreakerReset <= 0 {
		o.BreakerReset = time.Minute
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Request types for channel operations
type endpointRequest struct {
	uri      string
	response chan error
}

type attemptResult struct {
	gen    int
	client Client
	err    error
}

type lostEvent struct {
	gen    int
	client Client
	reason string
}

type retryRequest struct {
	gen int
}

type dropRequest struct {
	connection string
	reason     string
}

type statusRequest struct {
	response chan Status
}

type clientRequest struct {
	response chan Client
}

// Manager owns the single VM service connection of the bridge. All state
// lives in the run goroutine; callers talk to it over channels.
type Manager struct {
	dial   DialFunc
	opts   Options
	logger *zap.Logger
	policy *RetryPolicy

	// owned by run
	endpoint     string
	gen          int
	state        State
	client       Client
	connectedAt  time.Time
	lastActivity time.Time
	nextRetryAt  time.Time
	retryCount   int
	lastErr      error
	history      []Transition
	listeners    []func(Transition)

	endpointChan chan endpointRequest
	attemptChan  chan attemptResult
	lostChan     chan lostEvent
	retryChan    chan retryRequest
	dropChan     chan dropRequest
	touchChan    chan string
	statusChan   chan statusRequest
	clientChan   chan clientRequest
	listenChan   chan func(Transition)
	notifyChan   chan notification

	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
}

type notification struct {
	transition Transition
	listeners  []func(Transition)
}

func NewManager(dial DialFunc, opts Options) *Manager {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		dial:   dial,
		opts:   opts,
		logger: opts.Logger.Named("connection"),
		policy: NewRetryPolicy(opts.MaxRetries,
			NewExponentialBackoff(opts.BaseDelay, opts.MaxDelay),
			NewCircuitBreaker(opts.BreakerFailures, opts.BreakerReset)),
		state:        StateIdle,
		endpointChan: make(chan endpointRequest),
		attemptChan:  make(chan attemptResult),
		lostChan:     make(chan lostEvent),
		retryChan:    make(chan retryRequest),
		dropChan:     make(chan dropRequest),
		touchChan:    make(chan string),
		statusChan:   make(chan statusRequest),
		clientChan:   make(chan clientRequest),
		listenChan:   make(chan func(Transition)),
		notifyChan:   make(chan notification, 64),
		ctx:          ctx,
		cancel:       cancel,
		doneCh:       make(chan struct{}),
	}
	go m.run()
	go m.notifyLoop()
	return m
}

// run is the main event loop - owns all state
func (m *Manager) run() {
	defer close(m.doneCh)

	for {
		select {
		case req := <-m.endpointChan:
			req.response <- m.handleEndpoint(req.uri)

		case res := <-m.attemptChan:
			m.handleAttempt(res)

		case ev := <-m.lostChan:
			m.handleLost(ev)

		case req := <-m.retryChan:
			if req.gen == m.gen && m.state == StateRetrying {
				m.startAttempt()
			}

		case req := <-m.dropChan:
			if m.client != nil && m.client.Connection() == req.connection {
				m.logger.Info("dropping connection", zap.String("connection", req.connection), zap.String("reason", req.reason))
				m.lastErr = errors.New(req.reason)
				_ = m.client.Close()
			}

		case conn := <-m.touchChan:
			if m.client != nil && m.client.Connection() == conn {
				m.lastActivity = time.Now()
			}

		case req := <-m.statusChan:
			req.response <- m.status()

		case req := <-m.clientChan:
			if m.state == StateActive {
				req.response <- m.client
			} else {
				req.response <- nil
			}

		case fn := <-m.listenChan:
			m.listeners = append(m.listeners, fn)

		case <-m.ctx.Done():
			m.cleanup()
			return
		}
	}
}

func (m *Manager) notifyLoop() {
	for {
		select {
		case n := <-m.notifyChan:
			for _, fn := range n.listeners {
				fn(n.transition)
			}
		case <-m.doneCh:
			// Deliver what was queued before shutdown.
			for {
				select {
				case n := <-m.notifyChan:
					for _, fn := range n.listeners {
						fn(n.transition)
					}
				default:
					return
				}
			}
		}
	}
}

// Handle operations (run in main goroutine)

func (m *Manager) handleEndpoint(raw string) error {
	uri, err := vmservice.NormalizeURI(raw)
	if err != nil {
		return err
	}
	if uri == m.endpoint && m.state != StateDead && m.state != StateIdle {
		return nil
	}

	m.gen++
	if m.client != nil {
		lost := m.client
		m.client = nil
		_ = lost.Close()
		m.transition(StateIdle, lost.Connection(), "endpoint changed")
	}

	m.endpoint = uri
	m.retryCount = 0
	m.nextRetryAt = time.Time{}
	m.policy.Reset()
	m.logger.Info("vm service endpoint set", zap.String("endpoint", uri))
	m.startAttempt()
	return nil
}

func (m *Manager) startAttempt() {
	m.transition(StateConnecting, "", fmt.Sprintf("dialing %s", m.endpoint))

	gen, endpoint := m.gen, m.endpoint
	go func() {
		ctx, cancel := context.WithTimeout(m.ctx, m.opts.AttemptTimeout)
		defer cancel()
		client, err := m.dial(ctx, endpoint)
		select {
		case m.attemptChan <- attemptResult{gen: gen, client: client, err: err}:
		case <-m.ctx.Done():
			if client != nil {
				_ = client.Close()
			}
		}
	}()
}

func (m *Manager) handleAttempt(res attemptResult) {
	if res.gen != m.gen {
		if res.client != nil {
			_ = res.client.Close()
		}
		return
	}

	if res.err != nil {
		m.lastErr = res.err
		m.logger.Debug("dial failed", zap.String("endpoint", m.endpoint), zap.Error(res.err))
		m.scheduleRetry(fmt.Sprintf("dial failed: %v", res.err))
		return
	}

	now := time.Now()
	m.client = res.client
	m.connectedAt = now
	m.lastActivity = now
	m.nextRetryAt = time.Time{}
	m.retryCount = 0
	m.lastErr = nil
	m.policy.Success()
	m.transition(StateActive, res.client.Connection(), "connected")

	gen, client := m.gen, res.client
	go func() {
		select {
		case <-client.Done():
		case <-m.ctx.Done():
			return
		}
		reason := "connection closed"
		if err := client.Err(); err != nil {
			reason = err.Error()
		}
		select {
		case m.lostChan <- lostEvent{gen: gen, client: client, reason: reason}:
		case <-m.ctx.Done():
		}
	}()
}

func (m *Manager) handleLost(ev lostEvent) {
	if ev.gen != m.gen || m.client != ev.client {
		return
	}
	m.client = nil
	m.transition(StateRetrying, ev.client.Connection(), ev.reason)
	if m.lastErr == nil {
		m.lastErr = errors.New(ev.reason)
	}
	m.scheduleRetry(ev.reason)
}

// scheduleRetry schedules a redial after the policy's backoff delay
func (m *Manager) scheduleRetry(reason string) {
	delay, err := m.policy.Failure()
	if err != nil {
		m.logger.Warn("giving up on vm service", zap.String("endpoint", m.endpoint), zap.Error(err))
		m.transition(StateDead, "", fmt.Sprintf("%s: %v", reason, err))
		return
	}

	m.retryCount++
	m.nextRetryAt = time.Now().Add(delay)
	if m.state != StateRetrying {
		m.transition(StateRetrying, "", fmt.Sprintf("retry scheduled in %v", delay))
	}

	gen := m.gen
	time.AfterFunc(delay, func() {
		select {
		case m.retryChan <- retryRequest{gen: gen}:
		case <-m.ctx.Done():
		}
	})
	m.logger.Debug("scheduled retry", zap.String("endpoint", m.endpoint), zap.Duration("delay", delay))
}

func (m *Manager) transition(to State, connection, reason string) {
	from := m.state
	m.state = to
	t := Transition{
		From:       from,
		To:         to,
		FromName:   from.String(),
		ToName:     to.String(),
		Connection: connection,
		Reason:     reason,
		Timestamp:  time.Now(),
	}
	m.history = append(m.history, t)

	// Keep history size reasonable
	if len(m.history) > maxHistory {
		m.history = append([]Transition(nil), m.history[len(m.history)-trimmedHistory:]...)
	}

	m.logger.Debug("state change",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.String("reason", reason))

	if len(m.listeners) > 0 {
		listeners := make([]func(Transition), len(m.listeners))
		copy(listeners, m.listeners)
		select {
		case m.notifyChan <- notification{transition: t, listeners: listeners}:
		default:
			m.logger.Warn("state listeners lagging, dropping transition", zap.Stringer("to", to))
		}
	}
}

func (m *Manager) status() Status {
	s := Status{
		State:        m.state.String(),
		Endpoint:     m.endpoint,
		ConnectedAt:  m.connectedAt,
		LastActivity: m.lastActivity,
		RetryCount:   m.retryCount,
		NextRetryAt:  m.nextRetryAt,
		Retry:        m.policy.Stats(),
		History:      append([]Transition(nil), m.history...),
	}
	if m.client != nil {
		s.Connection = m.client.Connection()
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

func (m *Manager) cleanup() {
	if m.client != nil {
		_ = m.client.Close()
		m.client = nil
	}
}

// Public API

// SetEndpoint points the manager at a VM service URI. A different URI
// drops the current connection; the same URI is a no-op unless the
// manager gave up on it.
func (m *Manager) SetEndpoint(uri string) error {
	resp := make(chan error, 1)
	select {
	case m.endpointChan <- endpointRequest{uri: uri, response: resp}:
		return <-resp
	case <-m.doneCh:
		return fmt.Errorf("connection manager stopped")
	}
}

// OnStateChange registers fn for every later transition. Listeners run on
// a separate goroutine in transition order and may call back into the manager.
func (m *Manager) OnStateChange(fn func(Transition)) {
	select {
	case m.listenChan <- fn:
	case <-m.doneCh:
	}
}

func (m *Manager) Status() Status {
	resp := make(chan Status, 1)
	select {
	case m.statusChan <- statusRequest{response: resp}:
		return <-resp
	case <-m.doneCh:
		return Status{State: StateIdle.String()}
	}
}

// Client returns the active client, nil when not connected.
func (m *Manager) Client() Client {
	resp := make(chan Client, 1)
	select {
	case m.clientChan <- clientRequest{response: resp}:
		return <-resp
	case <-m.doneCh:
		return nil
	}
}

// Drop closes the client for connection if it is still current. The
// manager then retries with backoff.
func (m *Manager) Drop(connection, reason string) {
	select {
	case m.dropChan <- dropRequest{connection: connection, reason: reason}:
	case <-m.doneCh:
	}
}

// Touch records activity on connection.
func (m *Manager) Touch(connection string) {
	select {
	case m.touchChan <- connection:
	case <-m.doneCh:
	}
}

func (m *Manager) Stop() {
	m.cancel()
	<-m.doneCh
}

// Active implements registry.RemoteProvider.
func (m *Manager) Active() (registry.Remote, error) {
	client := m.Client()
	if client == nil {
		return nil, registry.ErrNoActiveConnection
	}
	return client, nil
}

// Resolve implements registry.RemoteProvider: only the live connection resolves.
func (m *Manager) Resolve(connection string) (registry.Remote, error) {
	client := m.Client()
	if client == nil || client.Connection() != connection {
		return nil, fmt.Errorf("%w: %s", registry.ErrStaleConnection, connection)
	}
	return client, nil
}

// SubscribeStream subscribes on the active client.
func (m *Manager) SubscribeStream(ctx context.Context, stream string) (<-chan registry.RemoteEvent, error) {
	client := m.Client()
	if client == nil {
		return nil, registry.ErrNoActiveConnection
	}
	return client.SubscribeStream(ctx, stream)
}

// ListUnits lists units on the active client.
func (m *Manager) ListUnits(ctx context.Context) ([]registry.Unit, error) {
	client := m.Client()
	if client == nil {
		return nil, registry.ErrNoActiveConnection
	}
	return client.ListUnits(ctx)
}

// CallExtension calls method on the active client.
func (m *Manager) CallExtension(ctx context.Context, method string, args map[string]interface{}) (json.RawMessage, error) {
	client := m.Client()
	if client == nil {
		return nil, registry.ErrNoActiveConnection
	}
	return client.CallExtension(ctx, method, args)
}

var (
	_ registry.RemoteProvider = (*Manager)(nil)
	_ registry.EventSource    = (*Manager)(nil)
	_ registry.UnitLister     = (*Manager)(nil)
)
