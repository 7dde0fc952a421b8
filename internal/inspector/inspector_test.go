package inspector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/flutter-mcp/internal/registry"
	"github.com/standardbeagle/flutter-mcp/pkg/events"
)

type call struct {
	method string
	args   map[string]interface{}
}

type fakeCaller struct {
	mu      sync.Mutex
	calls   []call
	respond func(method string, args map[string]interface{}) (json.RawMessage, error)
}

func (c *fakeCaller) CallExtension(_ context.Context, method string, args map[string]interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	c.calls = append(c.calls, call{method: method, args: args})
	c.mu.Unlock()
	if c.respond == nil {
		return json.RawMessage(`{"result": {"description": "MyApp"}}`), nil
	}
	return c.respond(method, args)
}

func (c *fakeCaller) disposed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var names []string
	for _, cl := range c.calls {
		if cl.method == MethodDisposeGroup {
			names = append(names, cl.args["objectGroup"].(string))
		}
	}
	return names
}

func (c *fakeCaller) methods() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, cl := range c.calls {
		out = append(out, cl.method)
	}
	return out
}

func TestWidgetTreeUnwrapsResult(t *testing.T) {
	caller := &fakeCaller{}
	insp := New(caller, nil)

	tree, err := insp.WidgetTree(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"description": "MyApp"}`, string(tree))

	require.Len(t, caller.calls, 1)
	assert.Equal(t, MethodRootWidgetSummaryTree, caller.calls[0].method)
	assert.Equal(t, "flutter_mcp_1", caller.calls[0].args["objectGroup"])
	assert.Equal(t, "flutter_mcp_1", insp.Groups().Current().Name())
}

func TestWidgetTreeDisposesSupersededGroup(t *testing.T) {
	caller := &fakeCaller{}
	insp := New(caller, nil)

	_, err := insp.WidgetTree(context.Background())
	require.NoError(t, err)
	first := insp.Groups().Current()

	_, err = insp.WidgetTree(context.Background())
	require.NoError(t, err)

	assert.True(t, first.Disposed())
	assert.Equal(t, []string{"flutter_mcp_1"}, caller.disposed())
	assert.Equal(t, "flutter_mcp_2", insp.Groups().Current().Name())
}

func TestWidgetTreeFailureKeepsCurrentGroup(t *testing.T) {
	caller := &fakeCaller{}
	insp := New(caller, nil)

	_, err := insp.WidgetTree(context.Background())
	require.NoError(t, err)
	current := insp.Groups().Current()

	caller.respond = func(method string, _ map[string]interface{}) (json.RawMessage, error) {
		if method == MethodDisposeGroup {
			return json.RawMessage(`{}`), nil
		}
		return nil, errors.New("isolate paused")
	}
	_, err = insp.WidgetTree(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "isolate paused")

	assert.Same(t, current, insp.Groups().Current())
	assert.False(t, current.Disposed())
	assert.Equal(t, []string{"flutter_mcp_2"}, caller.disposed())
}

func TestWidgetDetails(t *testing.T) {
	caller := &fakeCaller{respond: func(string, map[string]interface{}) (json.RawMessage, error) {
		return json.RawMessage(`{"result": {"children": []}}`), nil
	}}
	insp := New(caller, nil)

	_, err := insp.WidgetDetails(context.Background(), "", 0)
	assert.Error(t, err)

	raw, err := insp.WidgetDetails(context.Background(), "inspector-12", 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"children": []}`, string(raw))

	require.Len(t, caller.calls, 1)
	assert.Equal(t, MethodDetailsSubtree, caller.calls[0].method)
	assert.Equal(t, "inspector-12", caller.calls[0].args["arg"])
	assert.Equal(t, "2", caller.calls[0].args["subtreeDepth"])
}

func TestInspectorDispose(t *testing.T) {
	caller := &fakeCaller{}
	insp := New(caller, nil)
	_, err := insp.WidgetTree(context.Background())
	require.NoError(t, err)

	require.NoError(t, insp.Dispose(context.Background()))
	assert.Nil(t, insp.Groups().Current())
	assert.Equal(t, []string{"flutter_mcp_1"}, caller.disposed())
}

func TestGroupManagerDoubleBuffer(t *testing.T) {
	var disposed []string
	m := NewGroupManager("g", func(_ context.Context, name string) error {
		disposed = append(disposed, name)
		return nil
	})
	ctx := context.Background()

	a := m.Next(ctx)
	require.NoError(t, m.Promote(ctx, a))

	b := m.Next(ctx)
	// A newer request supersedes b before it completes.
	c := m.Next(ctx)
	assert.True(t, b.Disposed())
	assert.ErrorIs(t, m.Promote(ctx, b), ErrGroupDisposed)

	require.NoError(t, m.Promote(ctx, c))
	assert.True(t, a.Disposed())
	assert.Equal(t, []string{"g_2", "g_1"}, disposed)

	// Promoting twice is rejected.
	assert.ErrorIs(t, m.Promote(ctx, c), ErrNotPending)

	// Cancelling a disposed group is a no-op.
	require.NoError(t, m.Cancel(ctx, b))
	assert.Len(t, disposed, 2)
}

func TestGroupManagerReset(t *testing.T) {
	calls := 0
	m := NewGroupManager("g", func(context.Context, string) error {
		calls++
		return nil
	})
	ctx := context.Background()
	a := m.Next(ctx)
	require.NoError(t, m.Promote(ctx, a))
	b := m.Next(ctx)

	m.Reset()
	assert.True(t, a.Disposed())
	assert.True(t, b.Disposed())
	assert.Zero(t, calls)
	assert.Error(t, a.Check())
}

func TestGroupManagerDisposeJoinsErrors(t *testing.T) {
	m := NewGroupManager("g", func(_ context.Context, name string) error {
		return fmt.Errorf("gone %s", name)
	})
	ctx := context.Background()
	a := m.Next(ctx)
	require.NoError(t, m.Promote(ctx, a))
	m.Next(ctx)

	err := m.Dispose(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gone g_1")
	assert.Contains(t, err.Error(), "gone g_2")
}

type chanSource struct {
	ch  chan registry.RemoteEvent
	err error
}

func (s *chanSource) SubscribeStream(context.Context, string) (<-chan registry.RemoteEvent, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.ch, nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *capturePublisher) Publish(e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func flutterError(description string) registry.RemoteEvent {
	return registry.RemoteEvent{
		Stream:    registry.StreamExtension,
		Kind:      registry.KindExtension,
		IsolateID: "isolates/1",
		Data: map[string]interface{}{
			"kind":          "Extension",
			"extensionKind": FlutterErrorKind,
			"timestamp":     float64(1700000000000),
			"extensionData": map[string]interface{}{
				"description":       description,
				"renderedErrorText": description + "\nThe relevant error-causing widget was: Row",
				"errorsSinceReload": float64(1),
			},
		},
	}
}

func TestErrorMonitorRun(t *testing.T) {
	source := &chanSource{ch: make(chan registry.RemoteEvent, 4)}
	pub := &capturePublisher{}
	mon := NewErrorMonitor(source, 10, pub, nil)

	source.ch <- flutterError("A RenderFlex overflowed by 42 pixels on the right.")
	source.ch <- registry.RemoteEvent{Data: map[string]interface{}{"extensionKind": "Flutter.Frame"}}
	close(source.ch)

	require.NoError(t, mon.Run(context.Background()))

	errs := mon.Errors(0)
	require.Len(t, errs, 1)
	assert.Equal(t, "A RenderFlex overflowed by 42 pixels on the right.", errs[0].Description)
	assert.Equal(t, "isolates/1", errs[0].IsolateID)
	assert.Equal(t, 1, errs[0].ErrorsSinceReload)
	assert.Equal(t, time.UnixMilli(1700000000000), errs[0].Timestamp)

	require.Len(t, pub.events, 1)
	assert.Equal(t, events.AppErrorCaught, pub.events[0].Type)
}

func TestErrorMonitorSubscribeFailure(t *testing.T) {
	mon := NewErrorMonitor(&chanSource{err: registry.ErrNoActiveConnection}, 10, nil, nil)
	assert.ErrorIs(t, mon.Run(context.Background()), registry.ErrNoActiveConnection)
}

func TestErrorMonitorRing(t *testing.T) {
	mon := NewErrorMonitor(nil, 3, nil, nil)
	for i := 1; i <= 5; i++ {
		mon.Record(AppError{Description: fmt.Sprintf("e%d", i)})
	}

	descriptions := func(errs []AppError) []string {
		var out []string
		for _, e := range errs {
			out = append(out, e.Description)
		}
		return out
	}

	assert.Equal(t, []string{"e5", "e4", "e3"}, descriptions(mon.Errors(0)))
	assert.Equal(t, []string{"e5", "e4"}, descriptions(mon.Errors(2)))
	assert.Equal(t, []string{"e5", "e4", "e3"}, descriptions(mon.Errors(50)))
	assert.Equal(t, 5, mon.Total())

	mon.Clear()
	assert.Empty(t, mon.Errors(0))
	assert.Equal(t, 5, mon.Total())
}

func TestParseFlutterErrorFallsBackToRenderedText(t *testing.T) {
	ev := registry.RemoteEvent{Data: map[string]interface{}{
		"extensionKind": FlutterErrorKind,
		"extensionData": map[string]interface{}{"renderedErrorText": "first line\nsecond"},
	}}
	appErr, ok := parseFlutterError(ev)
	require.True(t, ok)
	assert.Equal(t, "first line", appErr.Description)
}
