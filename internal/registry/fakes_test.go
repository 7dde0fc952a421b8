package registry

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/standardbeagle/flutter-mcp/pkg/events"
)

type recordedCall struct {
	Method string
	Args   map[string]interface{}
}

type fakeRemote struct {
	conn    string
	respond func(ctx context.Context, method string, args map[string]interface{}) (json.RawMessage, error)

	mu    sync.Mutex
	calls []recordedCall
}

func newFakeRemote(conn string, respond func(ctx context.Context, method string, args map[string]interface{}) (json.RawMessage, error)) *fakeRemote {
	return &fakeRemote{conn: conn, respond: respond}
}

func (r *fakeRemote) CallExtension(ctx context.Context, method string, args map[string]interface{}) (json.RawMessage, error) {
	r.mu.Lock()
	r.calls = append(r.calls, recordedCall{Method: method, Args: args})
	r.mu.Unlock()
	return r.respond(ctx, method, args)
}

func (r *fakeRemote) Connection() string { return r.conn }

func (r *fakeRemote) Calls() []recordedCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedCall(nil), r.calls...)
}

func (r *fakeRemote) CallCount(method string) int {
	n := 0
	for _, c := range r.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

// staticResponse answers every call with body.
func staticResponse(body string) func(context.Context, string, map[string]interface{}) (json.RawMessage, error) {
	return func(context.Context, string, map[string]interface{}) (json.RawMessage, error) {
		return json.RawMessage(body), nil
	}
}

type fakeProvider struct {
	mu        sync.Mutex
	active    *fakeRemote
	byConn    map[string]*fakeRemote
	activeErr error
}

func newFakeProvider(remotes ...*fakeRemote) *fakeProvider {
	p := &fakeProvider{byConn: make(map[string]*fakeRemote)}
	for _, r := range remotes {
		p.byConn[r.conn] = r
	}
	if len(remotes) > 0 {
		p.active = remotes[0]
	}
	return p
}

func (p *fakeProvider) SetActive(r *fakeRemote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = r
	p.byConn[r.conn] = r
}

func (p *fakeProvider) Drop(conn string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byConn, conn)
	if p.active != nil && p.active.conn == conn {
		p.active = nil
	}
}

func (p *fakeProvider) Active() (Remote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.activeErr != nil {
		return nil, p.activeErr
	}
	if p.active == nil {
		return nil, ErrNoActiveConnection
	}
	return p.active, nil
}

func (p *fakeProvider) Resolve(conn string) (Remote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.byConn[conn]
	if !ok {
		return nil, ErrStaleConnection
	}
	return r, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(event events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) Events() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

func (p *recordingPublisher) Types() []events.EventType {
	var types []events.EventType
	for _, e := range p.Events() {
		types = append(types, e.Type)
	}
	return types
}

func (p *recordingPublisher) Count(eventType events.EventType) int {
	n := 0
	for _, e := range p.Events() {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func (p *recordingPublisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

func toolKeys(s *Store) []string {
	var keys []string
	for _, e := range s.ListTools() {
		keys = append(keys, e.Tool.Name+"@"+e.OwnerAppID)
	}
	return keys
}

func resourceKeys(s *Store) []string {
	var keys []string
	for _, e := range s.ListResources() {
		keys = append(keys, e.Resource.URI+"@"+e.OwnerAppID)
	}
	return keys
}
