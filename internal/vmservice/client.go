package vmservice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/standardbeagle/flutter-mcp/internal/registry"
)

const (
	streamBufferSize = 64
	writeTimeout     = 10 * time.Second
)

// Client speaks the VM service JSON-RPC protocol over one WebSocket.
// Calls may be issued from any goroutine; a single reader goroutine routes
// responses and stream notifications.
type Client struct {
	conn   *websocket.Conn
	uri    string
	logger *zap.Logger

	writeMu sync.Mutex

	mu          sync.Mutex
	pending     map[string]chan response
	subscribers map[string]map[*subscriber]struct{}
	listening   map[string]bool
	mainIsolate string

	done     chan struct{}
	closeErr error
	once     sync.Once
}

type subscriber struct {
	ch chan registry.RemoteEvent
}

// NormalizeURI turns the URIs printed by flutter tooling into the
// WebSocket endpoint of the VM service.
func NormalizeURI(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty vm service uri")
	}
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse vm service uri: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("vm service uri %q has no host", raw)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported vm service scheme %q", u.Scheme)
	}

	path := strings.TrimSuffix(u.Path, "/")
	if !strings.HasSuffix(path, "/ws") {
		path += "/ws"
	}
	u.Path = path
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// Dial connects to the VM service at uri.
func Dial(ctx context.Context, uri string, logger *zap.Logger) (*Client, error) {
	endpoint, err := NormalizeURI(uri)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, ClassifyNetworkError(fmt.Errorf("dial %s: %w", endpoint, err)).WithEndpoint(endpoint)
	}
	// VM service messages such as large widget trees exceed the default limits.
	conn.SetReadLimit(64 << 20)

	c := &Client{
		conn:        conn,
		uri:         endpoint,
		logger:      logger.Named("vmservice"),
		pending:     make(map[string]chan response),
		subscribers: make(map[string]map[*subscriber]struct{}),
		listening:   make(map[string]bool),
		done:        make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Connection identifies the endpoint; a restarted app gets a new one.
func (c *Client) Connection() string {
	return c.uri
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, nil while it is open.
func (c *Client) Err() error {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.closeErr
	default:
		return nil
	}
}

func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) shutdown(reason error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeErr = reason
		pending := c.pending
		c.pending = make(map[string]chan response)
		subscribers := c.subscribers
		c.subscribers = make(map[string]map[*subscriber]struct{})
		c.mu.Unlock()

		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()

		for _, ch := range pending {
			ch <- response{err: ErrClosed}
		}
		for _, subs := range subscribers {
			for sub := range subs {
				close(sub.ch)
			}
		}
		close(c.done)
	})
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Debug("vm service read ended", zap.Error(err))
			}
			c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("dropping undecodable vm service message", zap.Error(err))
			continue
		}

		if env.Method == "streamNotify" {
			c.dispatch(env.Params)
			continue
		}
		if len(env.ID) == 0 {
			continue
		}

		id := decodeID(env.ID)
		c.mu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if !ok {
			continue
		}
		if env.Error != nil {
			ch <- response{err: env.Error}
		} else {
			ch <- response{result: env.Result}
		}
	}
}

func decodeID(raw json.RawMessage) string {
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	return string(raw)
}

func (c *Client) dispatch(params json.RawMessage) {
	var note streamNotification
	if err := json.Unmarshal(params, &note); err != nil {
		c.logger.Warn("dropping undecodable stream notification", zap.Error(err))
		return
	}
	var data map[string]interface{}
	if err := json.Unmarshal(note.Event, &data); err != nil {
		c.logger.Warn("dropping undecodable event", zap.String("stream", note.StreamID), zap.Error(err))
		return
	}

	event := registry.RemoteEvent{Stream: note.StreamID, Data: data}
	event.Kind, _ = data["kind"].(string)
	if isolate, ok := data["isolate"].(map[string]interface{}); ok {
		event.IsolateID, _ = isolate["id"].(string)
	}

	c.mu.Lock()
	if event.Kind == registry.KindIsolateExit && event.IsolateID == c.mainIsolate {
		c.mainIsolate = ""
	}
	for sub := range c.subscribers[note.StreamID] {
		select {
		case sub.ch <- event:
		default:
			c.logger.Debug("subscriber lagging, dropping event",
				zap.String("stream", note.StreamID),
				zap.String("kind", event.Kind))
		}
	}
	c.mu.Unlock()
}

// Call sends one JSON-RPC request and waits for its response.
func (c *Client) Call(ctx context.Context, method string, params map[string]interface{}) (json.RawMessage, error) {
	id := uuid.NewString()
	ch := make(chan response, 1)

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, ErrClosed
	default:
	}
	c.pending[id] = ch
	c.mu.Unlock()

	payload, err := json.Marshal(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = c.conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, ClassifyNetworkError(fmt.Errorf("send %s: %w", method, err)).WithEndpoint(c.uri)
	}

	select {
	case resp := <-ch:
		return resp.result, resp.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) GetVersion(ctx context.Context) (Version, error) {
	var v Version
	err := c.callInto(ctx, "getVersion", nil, &v)
	return v, err
}

func (c *Client) GetVM(ctx context.Context) (VM, error) {
	var vm VM
	err := c.callInto(ctx, "getVM", nil, &vm)
	return vm, err
}

func (c *Client) GetIsolate(ctx context.Context, isolateID string) (Isolate, error) {
	var isolate Isolate
	err := c.callInto(ctx, "getIsolate", map[string]interface{}{"isolateId": isolateID}, &isolate)
	return isolate, err
}

func (c *Client) callInto(ctx context.Context, method string, params map[string]interface{}, out interface{}) error {
	raw, err := c.Call(ctx, method, params)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", method, err)
	}
	return nil
}

// StreamListen subscribes the connection to stream. Already subscribed is not an error.
func (c *Client) StreamListen(ctx context.Context, stream string) error {
	c.mu.Lock()
	if c.listening[stream] {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	_, err := c.Call(ctx, "streamListen", map[string]interface{}{"streamId": stream})
	if err != nil && !IsRPCError(err, CodeStreamAlreadySubscribed) {
		return fmt.Errorf("streamListen %s: %w", stream, err)
	}

	c.mu.Lock()
	c.listening[stream] = true
	c.mu.Unlock()
	return nil
}

func (c *Client) StreamCancel(ctx context.Context, stream string) error {
	_, err := c.Call(ctx, "streamCancel", map[string]interface{}{"streamId": stream})
	if err != nil && !IsRPCError(err, CodeStreamNotSubscribed) {
		return fmt.Errorf("streamCancel %s: %w", stream, err)
	}
	c.mu.Lock()
	delete(c.listening, stream)
	c.mu.Unlock()
	return nil
}

// SubscribeStream listens to stream and returns a channel of its events.
// The channel is closed when ctx ends or the connection closes.
func (c *Client) SubscribeStream(ctx context.Context, stream string) (<-chan registry.RemoteEvent, error) {
	if err := c.StreamListen(ctx, stream); err != nil {
		return nil, err
	}

	sub := &subscriber{ch: make(chan registry.RemoteEvent, streamBufferSize)}
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, ErrClosed
	default:
	}
	if c.subscribers[stream] == nil {
		c.subscribers[stream] = make(map[*subscriber]struct{})
	}
	c.subscribers[stream][sub] = struct{}{}
	c.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
			return
		}
		c.mu.Lock()
		if _, ok := c.subscribers[stream][sub]; ok {
			delete(c.subscribers[stream], sub)
			close(sub.ch)
		}
		c.mu.Unlock()
	}()
	return sub.ch, nil
}

// ListUnits returns every non-system isolate with its extension methods.
func (c *Client) ListUnits(ctx context.Context) ([]registry.Unit, error) {
	vm, err := c.GetVM(ctx)
	if err != nil {
		return nil, err
	}

	units := make([]registry.Unit, 0, len(vm.Isolates))
	for _, ref := range vm.Isolates {
		if ref.IsSystemIsolate {
			continue
		}
		isolate, err := c.GetIsolate(ctx, ref.ID)
		if err != nil {
			if IsRPCError(err, CodeInvalidParams) || IsRPCError(err, CodeIsolateMustBeRunnable) {
				continue
			}
			return nil, err
		}
		units = append(units, registry.Unit{ID: isolate.ID, Capabilities: isolate.ExtensionRPCs})
	}
	return units, nil
}

// MainIsolate picks the isolate that serves the bridge's extensions, falling
// back to the first non-system isolate.
func (c *Client) MainIsolate(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.mainIsolate
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	vm, err := c.GetVM(ctx)
	if err != nil {
		return "", err
	}

	fallback := ""
	chosen := ""
	for _, ref := range vm.Isolates {
		if ref.IsSystemIsolate {
			continue
		}
		if fallback == "" {
			fallback = ref.ID
		}
		isolate, err := c.GetIsolate(ctx, ref.ID)
		if err != nil {
			continue
		}
		if isolate.HasExtension(registry.EnumerateMethod) {
			chosen = isolate.ID
			break
		}
	}
	if chosen == "" {
		chosen = fallback
	}
	if chosen == "" {
		return "", fmt.Errorf("vm %q has no application isolate", vm.Name)
	}

	c.mu.Lock()
	c.mainIsolate = chosen
	c.mu.Unlock()
	return chosen, nil
}

// CallServiceExtension invokes an extension method on one isolate.
func (c *Client) CallServiceExtension(ctx context.Context, isolateID, method string, args map[string]interface{}) (json.RawMessage, error) {
	params, err := extensionParams(args)
	if err != nil {
		return nil, fmt.Errorf("encode arguments for %s: %w", method, err)
	}
	params["isolateId"] = isolateID
	return c.Call(ctx, method, params)
}

// CallExtension invokes an extension on the main isolate.
func (c *Client) CallExtension(ctx context.Context, method string, args map[string]interface{}) (json.RawMessage, error) {
	isolateID, err := c.MainIsolate(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := c.CallServiceExtension(ctx, isolateID, method, args)
	if IsRPCError(err, CodeInvalidParams) || IsRPCError(err, CodeMethodNotFound) {
		// The isolate may have been replaced by a hot restart.
		c.mu.Lock()
		if c.mainIsolate == isolateID {
			c.mainIsolate = ""
		}
		c.mu.Unlock()
	}
	return raw, err
}

// extensionParams flattens args into the string values extension handlers receive.
func extensionParams(args map[string]interface{}) (map[string]interface{}, error) {
	params := make(map[string]interface{}, len(args)+1)
	for k, v := range args {
		switch val := v.(type) {
		case string:
			params[k] = val
		case nil:
			continue
		default:
			encoded, err := json.Marshal(val)
			if err != nil {
				return nil, fmt.Errorf("argument %s: %w", k, err)
			}
			params[k] = string(encoded)
		}
	}
	return params, nil
}

var (
	_ registry.Remote      = (*Client)(nil)
	_ registry.EventSource = (*Client)(nil)
	_ registry.UnitLister  = (*Client)(nil)
)
