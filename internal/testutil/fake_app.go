// Package testutil provides a scriptable stand-in for a debuggee reached
// over the VM service, for tests that exercise the bridge end to end.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/standardbeagle/flutter-mcp/internal/connection"
	"github.com/standardbeagle/flutter-mcp/internal/registry"
	"github.com/standardbeagle/flutter-mcp/internal/vmservice"
)

// Operation names for ErrorInjector rules that are not extension methods.
const (
	OpDial       = "dial"
	OpGetVersion = "getVersion"
	OpListUnits  = "listUnits"
	OpSubscribe  = "streamListen"
)

// ExtensionHandler answers one service extension call.
type ExtensionHandler func(args map[string]interface{}) (json.RawMessage, error)

// FakeApp implements connection.Client for one connected app. Extension
// calls go to handlers registered with Handle; the enumerate call reports
// the configured tools and resources.
type FakeApp struct {
	uri      string
	injector *ErrorInjector

	mu        sync.Mutex
	appID     string
	tools     []registry.Tool
	resources []registry.Resource
	handlers  map[string]ExtensionHandler
	streams   map[string][]chan registry.RemoteEvent
	calls     map[string]int

	done      chan struct{}
	closeOnce sync.Once
}

func NewFakeApp(appID, uri string) *FakeApp {
	return &FakeApp{
		uri:      uri,
		appID:    appID,
		injector: NewErrorInjector(),
		handlers: make(map[string]ExtensionHandler),
		streams:  make(map[string][]chan registry.RemoteEvent),
		calls:    make(map[string]int),
		done:     make(chan struct{}),
	}
}

// SetAppID changes the id reported by the enumerate call; empty omits it.
func (a *FakeApp) SetAppID(appID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.appID = appID
}

func (a *FakeApp) SetTools(tools ...registry.Tool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tools = append([]registry.Tool(nil), tools...)
}

func (a *FakeApp) SetResources(resources ...registry.Resource) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resources = append([]registry.Resource(nil), resources...)
}

// Handle answers method, a full extension name such as ext.mcp.toolkit.increment.
func (a *FakeApp) Handle(method string, handler ExtensionHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[method] = handler
}

func (a *FakeApp) Injector() *ErrorInjector {
	return a.injector
}

// Calls returns how often method was called.
func (a *FakeApp) Calls(method string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[method]
}

// Emit delivers ev to every subscriber of ev.Stream, waiting up to a
// second for each.
func (a *FakeApp) Emit(ev registry.RemoteEvent) {
	a.mu.Lock()
	subs := append([]chan registry.RemoteEvent(nil), a.streams[ev.Stream]...)
	a.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		case <-a.done:
			return
		case <-time.After(time.Second):
		}
	}
}

// RequestReregistration posts the event an app sends after its tool set changed.
func (a *FakeApp) RequestReregistration() {
	a.Emit(registry.RemoteEvent{
		Stream:    registry.StreamExtension,
		Kind:      registry.KindExtension,
		IsolateID: "isolates/1",
		Data:      map[string]interface{}{"extensionKind": registry.ReregisterEventKind},
	})
}

func (a *FakeApp) enumerate() (json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	resp := map[string]interface{}{
		"tools":     a.tools,
		"resources": a.resources,
	}
	if a.appID != "" {
		resp["appId"] = a.appID
	}
	return json.Marshal(resp)
}

func (a *FakeApp) CallExtension(_ context.Context, method string, args map[string]interface{}) (json.RawMessage, error) {
	select {
	case <-a.done:
		return nil, vmservice.ErrClosed
	default:
	}

	a.mu.Lock()
	a.calls[method]++
	handler := a.handlers[method]
	a.mu.Unlock()

	if err := a.injector.ShouldFail(method); err != nil {
		return nil, err
	}
	if method == registry.EnumerateMethod {
		return a.enumerate()
	}
	if handler == nil {
		return nil, &vmservice.RPCError{
			Code:    vmservice.CodeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", method),
		}
	}
	return handler(args)
}

func (a *FakeApp) Connection() string { return a.uri }

func (a *FakeApp) SubscribeStream(ctx context.Context, stream string) (<-chan registry.RemoteEvent, error) {
	if err := a.injector.ShouldFail(OpSubscribe); err != nil {
		return nil, err
	}

	ch := make(chan registry.RemoteEvent)
	a.mu.Lock()
	a.streams[stream] = append(a.streams[stream], ch)
	a.mu.Unlock()

	out := make(chan registry.RemoteEvent)
	go func() {
		defer close(out)
		defer a.unsubscribe(stream, ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.done:
				return
			case ev := <-ch:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				case <-a.done:
					return
				}
			}
		}
	}()
	return out, nil
}

func (a *FakeApp) unsubscribe(stream string, ch chan registry.RemoteEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	subs := a.streams[stream]
	for i, c := range subs {
		if c == ch {
			a.streams[stream] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func (a *FakeApp) ListUnits(context.Context) ([]registry.Unit, error) {
	if err := a.injector.ShouldFail(OpListUnits); err != nil {
		return nil, err
	}
	return []registry.Unit{{
		ID:           "isolates/1",
		Capabilities: []string{registry.EnumerateMethod},
	}}, nil
}

func (a *FakeApp) GetVersion(context.Context) (vmservice.Version, error) {
	if err := a.injector.ShouldFail(OpGetVersion); err != nil {
		return vmservice.Version{}, err
	}
	return vmservice.Version{Type: "Version", Major: 4, Minor: 0}, nil
}

func (a *FakeApp) Done() <-chan struct{} { return a.done }

func (a *FakeApp) Err() error {
	select {
	case <-a.done:
		return vmservice.ErrClosed
	default:
		return nil
	}
}

// Close ends the connection as if the app exited.
func (a *FakeApp) Close() error {
	a.closeOnce.Do(func() { close(a.done) })
	return nil
}

var _ connection.Client = (*FakeApp)(nil)

// Dialer hands out FakeApps to a connection manager.
type Dialer struct {
	// NewApp builds the app behind a dialed uri.
	NewApp   func(uri string) *FakeApp
	injector *ErrorInjector

	mu   sync.Mutex
	apps []*FakeApp
	uris []string
}

func NewDialer(newApp func(uri string) *FakeApp) *Dialer {
	return &Dialer{NewApp: newApp, injector: NewErrorInjector()}
}

// Injector controls OpDial failures.
func (d *Dialer) Injector() *ErrorInjector {
	return d.injector
}

// Dial satisfies connection.DialFunc.
func (d *Dialer) Dial(_ context.Context, uri string) (connection.Client, error) {
	d.mu.Lock()
	d.uris = append(d.uris, uri)
	d.mu.Unlock()

	if err := d.injector.ShouldFail(OpDial); err != nil {
		return nil, err
	}

	app := d.NewApp(uri)
	d.mu.Lock()
	d.apps = append(d.apps, app)
	d.mu.Unlock()
	return app, nil
}

// Last returns the most recently dialed app, nil before the first dial.
func (d *Dialer) Last() *FakeApp {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.apps) == 0 {
		return nil
	}
	return d.apps[len(d.apps)-1]
}

// URIs returns every uri dialed, failed attempts included.
func (d *Dialer) URIs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.uris...)
}
