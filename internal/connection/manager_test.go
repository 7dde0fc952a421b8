package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/flutter-mcp/internal/registry"
	"github.com/standardbeagle/flutter-mcp/internal/vmservice"
)

type fakeClient struct {
	conn    string
	done    chan struct{}
	once    sync.Once
	pingErr atomic.Value // error
	closed  atomic.Bool
}

func newFakeClient(conn string) *fakeClient {
	return &fakeClient{conn: conn, done: make(chan struct{})}
}

func (c *fakeClient) Connection() string { return c.conn }

func (c *fakeClient) CallExtension(context.Context, string, map[string]interface{}) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (c *fakeClient) SubscribeStream(ctx context.Context, _ string) (<-chan registry.RemoteEvent, error) {
	ch := make(chan registry.RemoteEvent)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (c *fakeClient) ListUnits(context.Context) ([]registry.Unit, error) {
	return []registry.Unit{{ID: "isolates/1"}}, nil
}

func (c *fakeClient) GetVersion(context.Context) (vmservice.Version, error) {
	if err, ok := c.pingErr.Load().(error); ok && err != nil {
		return vmservice.Version{}, err
	}
	return vmservice.Version{Major: 4}, nil
}

func (c *fakeClient) failPings(err error) { c.pingErr.Store(err) }

func (c *fakeClient) Done() <-chan struct{} { return c.done }

func (c *fakeClient) Err() error {
	if c.closed.Load() {
		return vmservice.ErrClosed
	}
	return nil
}

func (c *fakeClient) Close() error {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
	return nil
}

// scriptedDialer hands out fake clients and can be told to fail.
type scriptedDialer struct {
	mu      sync.Mutex
	fail    bool
	dials   int
	clients []*fakeClient
}

func (d *scriptedDialer) Dial(_ context.Context, uri string) (Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail {
		return nil, fmt.Errorf("dial %s: connection refused", uri)
	}
	c := newFakeClient(fmt.Sprintf("%s#%d", uri, d.dials))
	d.clients = append(d.clients, c)
	return c, nil
}

func (d *scriptedDialer) SetFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fail
}

func (d *scriptedDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *scriptedDialer) Client(i int) *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.clients) {
		return nil
	}
	return d.clients[i]
}

type transitionLog struct {
	mu          sync.Mutex
	transitions []Transition
}

func (l *transitionLog) record(t Transition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transitions = append(l.transitions, t)
}

func (l *transitionLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []State
	for _, t := range l.transitions {
		out = append(out, t.To)
	}
	return out
}

func (l *transitionLog) last() Transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.transitions) == 0 {
		return Transition{}
	}
	return l.transitions[len(l.transitions)-1]
}

func newTestManager(t *testing.T, dialer *scriptedDialer) (*Manager, *transitionLog) {
	t.Helper()
	mgr := NewManager(dialer.Dial, Options{
		BaseDelay:       5 * time.Millisecond,
		MaxDelay:        20 * time.Millisecond,
		MaxRetries:      3,
		BreakerFailures: 3,
	})
	t.Cleanup(mgr.Stop)
	log := &transitionLog{}
	mgr.OnStateChange(log.record)
	return mgr, log
}

func waitForState(t *testing.T, mgr *Manager, state State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return mgr.Status().State == state.String()
	}, 2*time.Second, 5*time.Millisecond, "never reached %s", state)
}

func TestManagerIdleHasNoRemote(t *testing.T) {
	mgr, _ := newTestManager(t, &scriptedDialer{})

	_, err := mgr.Active()
	assert.ErrorIs(t, err, registry.ErrNoActiveConnection)

	_, err = mgr.Resolve("ws://127.0.0.1:8181/ws")
	assert.ErrorIs(t, err, registry.ErrStaleConnection)

	_, err = mgr.ListUnits(context.Background())
	assert.ErrorIs(t, err, registry.ErrNoActiveConnection)

	assert.Equal(t, "idle", mgr.Status().State)
}

func TestManagerConnects(t *testing.T) {
	dialer := &scriptedDialer{}
	mgr, log := newTestManager(t, dialer)

	require.NoError(t, mgr.SetEndpoint("http://127.0.0.1:8181/abc=/"))
	waitForState(t, mgr, StateActive)

	remote, err := mgr.Active()
	require.NoError(t, err)
	conn := remote.Connection()
	assert.Equal(t, "ws://127.0.0.1:8181/abc=/ws#1", conn)

	resolved, err := mgr.Resolve(conn)
	require.NoError(t, err)
	assert.Equal(t, conn, resolved.Connection())

	_, err = mgr.Resolve("ws://127.0.0.1:9999/ws#1")
	assert.ErrorIs(t, err, registry.ErrStaleConnection)

	units, err := mgr.ListUnits(context.Background())
	require.NoError(t, err)
	assert.Len(t, units, 1)

	status := mgr.Status()
	assert.Equal(t, "ws://127.0.0.1:8181/abc=/ws", status.Endpoint)
	assert.Equal(t, conn, status.Connection)
	assert.False(t, status.ConnectedAt.IsZero())

	require.Eventually(t, func() bool { return log.last().To == StateActive }, time.Second, 5*time.Millisecond)
	assert.Equal(t, conn, log.last().Connection)
	assert.Equal(t, []State{StateConnecting, StateActive}, log.states())
}

func TestManagerSameEndpointIsNoop(t *testing.T) {
	dialer := &scriptedDialer{}
	mgr, _ := newTestManager(t, dialer)

	require.NoError(t, mgr.SetEndpoint("127.0.0.1:8181"))
	waitForState(t, mgr, StateActive)
	require.NoError(t, mgr.SetEndpoint("ws://127.0.0.1:8181/ws"))

	assert.Equal(t, 1, dialer.Dials())
}

func TestManagerRejectsBadEndpoint(t *testing.T) {
	mgr, _ := newTestManager(t, &scriptedDialer{})
	assert.Error(t, mgr.SetEndpoint(""))
	assert.Equal(t, "idle", mgr.Status().State)
}

func TestManagerReconnectsAfterLoss(t *testing.T) {
	dialer := &scriptedDialer{}
	mgr, log := newTestManager(t, dialer)

	require.NoError(t, mgr.SetEndpoint("127.0.0.1:8181"))
	waitForState(t, mgr, StateActive)
	first := dialer.Client(0)

	require.NoError(t, first.Close())

	require.Eventually(t, func() bool {
		c := mgr.Client()
		return c != nil && c.Connection() != first.Connection()
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return len(log.states()) >= 5 }, time.Second, 5*time.Millisecond)
	states := log.states()
	assert.Equal(t, []State{StateConnecting, StateActive, StateRetrying, StateConnecting, StateActive}, states[:5])

	log.mu.Lock()
	lost := log.transitions[2]
	log.mu.Unlock()
	assert.Equal(t, first.Connection(), lost.Connection)
}

func TestManagerEndpointChangeDropsOldClient(t *testing.T) {
	dialer := &scriptedDialer{}
	mgr, log := newTestManager(t, dialer)

	require.NoError(t, mgr.SetEndpoint("127.0.0.1:8181"))
	waitForState(t, mgr, StateActive)
	first := dialer.Client(0)

	require.NoError(t, mgr.SetEndpoint("127.0.0.1:9191"))
	waitForState(t, mgr, StateActive)

	assert.True(t, first.closed.Load())
	assert.Equal(t, "ws://127.0.0.1:9191/ws", mgr.Status().Endpoint)

	_, err := mgr.Resolve(first.Connection())
	assert.ErrorIs(t, err, registry.ErrStaleConnection)

	require.Eventually(t, func() bool { return len(log.states()) >= 5 }, time.Second, 5*time.Millisecond)
	log.mu.Lock()
	dropped := log.transitions[2]
	log.mu.Unlock()
	assert.Equal(t, StateIdle, dropped.To)
	assert.Equal(t, first.Connection(), dropped.Connection)
}

func TestManagerGivesUp(t *testing.T) {
	dialer := &scriptedDialer{fail: true}
	mgr, _ := newTestManager(t, dialer)

	require.NoError(t, mgr.SetEndpoint("127.0.0.1:8181"))
	waitForState(t, mgr, StateDead)

	status := mgr.Status()
	assert.Contains(t, status.LastError, "connection refused")
	assert.LessOrEqual(t, dialer.Dials(), 4)

	// A new endpoint starts over.
	dialer.SetFail(false)
	require.NoError(t, mgr.SetEndpoint("127.0.0.1:9191"))
	waitForState(t, mgr, StateActive)
}

func TestManagerDrop(t *testing.T) {
	dialer := &scriptedDialer{}
	mgr, _ := newTestManager(t, dialer)

	require.NoError(t, mgr.SetEndpoint("127.0.0.1:8181"))
	waitForState(t, mgr, StateActive)
	first := dialer.Client(0)

	mgr.Drop("someone-else", "ignored")
	assert.False(t, first.closed.Load())

	mgr.Drop(first.Connection(), "unresponsive")
	require.Eventually(t, func() bool { return dialer.Dials() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, first.closed.Load())
}

func TestHealthMonitorDropsUnresponsiveConnection(t *testing.T) {
	dialer := &scriptedDialer{}
	mgr, _ := newTestManager(t, dialer)
	require.NoError(t, mgr.SetEndpoint("127.0.0.1:8181"))
	waitForState(t, mgr, StateActive)
	first := dialer.Client(0)

	hm := NewHealthMonitor(mgr, &HealthConfig{PingInterval: time.Hour, PingTimeout: time.Second, MaxFailures: 2}, nil)
	var unhealthy atomic.Int32
	hm.SetCallbacks(func(HealthStatus) { unhealthy.Add(1) }, nil)

	hm.Check()
	status, ok := hm.Status()
	require.True(t, ok)
	assert.True(t, status.IsHealthy)
	assert.Equal(t, first.Connection(), status.Connection)

	first.failPings(errors.New("timeout"))
	hm.Check()
	status, _ = hm.Status()
	assert.True(t, status.IsHealthy)
	assert.Equal(t, 1, status.ConsecutiveFailures)
	assert.False(t, first.closed.Load())

	hm.Check()
	status, _ = hm.Status()
	assert.False(t, status.IsHealthy)
	assert.Equal(t, "timeout", status.LastError)
	assert.Equal(t, int32(1), unhealthy.Load())

	require.Eventually(t, func() bool { return first.closed.Load() }, time.Second, 5*time.Millisecond)
}

func TestHealthMonitorRecovers(t *testing.T) {
	dialer := &scriptedDialer{}
	mgr, _ := newTestManager(t, dialer)
	require.NoError(t, mgr.SetEndpoint("127.0.0.1:8181"))
	waitForState(t, mgr, StateActive)
	client := dialer.Client(0)

	hm := NewHealthMonitor(mgr, &HealthConfig{PingInterval: time.Hour, PingTimeout: time.Second, MaxFailures: 5}, nil)
	var recovered atomic.Int32
	hm.SetCallbacks(nil, func(HealthStatus) { recovered.Add(1) })

	client.failPings(errors.New("slow"))
	for i := 0; i < 5; i++ {
		hm.Check()
	}
	status, _ := hm.Status()
	require.False(t, status.IsHealthy)

	// The drop above closed the client; a fresh one is healthy from scratch.
	require.Eventually(t, func() bool {
		c := mgr.Client()
		return c != nil && c.Connection() != client.Connection()
	}, 2*time.Second, 5*time.Millisecond)

	hm.Check()
	status, _ = hm.Status()
	assert.True(t, status.IsHealthy)
	assert.Equal(t, int32(0), recovered.Load())
}

func TestHealthMonitorStartStop(t *testing.T) {
	mgr, _ := newTestManager(t, &scriptedDialer{})
	hm := NewHealthMonitor(mgr, &HealthConfig{PingInterval: 5 * time.Millisecond}, nil)
	hm.Start()
	time.Sleep(20 * time.Millisecond)
	hm.Stop()

	_, ok := hm.Status()
	assert.False(t, ok)
}
