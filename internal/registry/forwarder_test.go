package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestForwarder(remotes RemoteProvider) (*Forwarder, *Store) {
	store := NewStore(nil, nil)
	return NewForwarder(store, remotes, ForwarderOptions{Timeout: time.Second}), store
}

func TestForwardToolCallNotFound(t *testing.T) {
	remote := newFakeRemote("8181", staticResponse(`{}`))
	fwd, store := newTestForwarder(newFakeProvider(remote))
	require.NoError(t, store.RegisterTool(Tool{Name: "known"}, "app", "8181", nil))
	before := store.Stats()

	result := fwd.ForwardToolCall(context.Background(), "nonexistent", map[string]interface{}{})

	assert.True(t, result.IsError)
	assert.True(t, result.NotFound)
	assert.Contains(t, result.Message, NotFoundHint)
	assert.Equal(t, before, store.Stats())
	assert.Empty(t, remote.Calls())
}

func TestForwardToolCallSuccess(t *testing.T) {
	remote := newFakeRemote("8181", staticResponse(`{"message": "incremented", "value": 4}`))
	fwd, store := newTestForwarder(newFakeProvider(remote))

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	now := at
	store.now = func() time.Time { return now }
	require.NoError(t, store.RegisterTool(Tool{Name: "increment"}, "app", "8181", nil))
	now = at.Add(time.Minute)

	args := map[string]interface{}{"by": 1}
	result := fwd.ForwardToolCall(context.Background(), "increment", args)

	assert.False(t, result.IsError)
	assert.False(t, result.NotFound)
	assert.Equal(t, "app", result.AppID)
	assert.JSONEq(t, `{"message": "incremented", "value": 4}`, string(result.Content))

	calls := remote.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "ext.mcp.toolkit.increment", calls[0].Method)
	assert.Equal(t, args, calls[0].Args)

	info, ok := store.App("app")
	require.True(t, ok)
	assert.Equal(t, at.Add(time.Minute), info.LastActivity)
}

func TestForwardToolCallRemoteError(t *testing.T) {
	remote := newFakeRemote("8181", func(context.Context, string, map[string]interface{}) (json.RawMessage, error) {
		return nil, errors.New("Unhandled exception: boom")
	})
	fwd, store := newTestForwarder(newFakeProvider(remote))
	require.NoError(t, store.RegisterTool(Tool{Name: "explode"}, "app", "8181", nil))

	result := fwd.ForwardToolCall(context.Background(), "explode", nil)

	assert.True(t, result.IsError)
	assert.False(t, result.NotFound)
	assert.Contains(t, result.Message, "boom")
	assert.True(t, store.IsDynamicTool("explode"))
}

func TestForwardToolCallReportedFailure(t *testing.T) {
	remote := newFakeRemote("8181", staticResponse(`{"isError": true, "message": "counter is locked"}`))
	fwd, store := newTestForwarder(newFakeProvider(remote))
	require.NoError(t, store.RegisterTool(Tool{Name: "increment"}, "app", "8181", nil))

	result := fwd.ForwardToolCall(context.Background(), "increment", nil)

	assert.True(t, result.IsError)
	assert.Equal(t, "counter is locked", result.Message)
}

func TestForwardToolCallStaleOwner(t *testing.T) {
	remote := newFakeRemote("8181", staticResponse(`{}`))
	provider := newFakeProvider(remote)
	fwd, store := newTestForwarder(provider)
	require.NoError(t, store.RegisterTool(Tool{Name: "t1"}, "app", "8181", nil))
	provider.Drop("8181")

	result := fwd.ForwardToolCall(context.Background(), "t1", nil)

	assert.True(t, result.IsError)
	assert.Contains(t, result.Message, ErrStaleConnection.Error())
	assert.Empty(t, remote.Calls())
}

func TestForwardToolCallValidatesArguments(t *testing.T) {
	remote := newFakeRemote("8181", staticResponse(`{}`))
	fwd, store := newTestForwarder(newFakeProvider(remote))
	schema := json.RawMessage(`{"type": "object", "properties": {"name": {"type": "string"}}, "required": ["name"]}`)
	require.NoError(t, store.RegisterTool(Tool{Name: "greet", InputSchema: schema}, "app", "8181", nil))

	result := fwd.ForwardToolCall(context.Background(), "greet", map[string]interface{}{})
	assert.True(t, result.IsError)
	assert.Empty(t, remote.Calls())

	result = fwd.ForwardToolCall(context.Background(), "greet", map[string]interface{}{"name": "dash"})
	assert.False(t, result.IsError)
	assert.Len(t, remote.Calls(), 1)
}

func TestForwardToolCallTimeout(t *testing.T) {
	remote := newFakeRemote("8181", func(ctx context.Context, _ string, _ map[string]interface{}) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	store := NewStore(nil, nil)
	fwd := NewForwarder(store, newFakeProvider(remote), ForwarderOptions{Timeout: 20 * time.Millisecond})
	require.NoError(t, store.RegisterTool(Tool{Name: "slow"}, "app", "8181", nil))

	result := fwd.ForwardToolCall(context.Background(), "slow", nil)

	assert.True(t, result.IsError)
	assert.Contains(t, result.Message, context.DeadlineExceeded.Error())
}

func TestForwardResourceRead(t *testing.T) {
	tests := []struct {
		name     string
		resource Resource
		body     string
		want     []ResourceContent
	}{
		{
			name:     "contents list",
			resource: Resource{URI: "app://state", Name: "state", MimeType: "application/json"},
			body:     `{"contents": [{"text": "{\"count\":1}"}]}`,
			want:     []ResourceContent{{URI: "app://state", MimeType: "application/json", Text: `{"count":1}`}},
		},
		{
			name:     "plain text field",
			resource: Resource{URI: "app://log", Name: "log"},
			body:     `{"text": "hello", "mimeType": "text/plain"}`,
			want:     []ResourceContent{{URI: "app://log", MimeType: "text/plain", Text: "hello"}},
		},
		{
			name:     "content field",
			resource: Resource{URI: "app://greeting", Name: "greeting", MimeType: "text/plain"},
			body:     `{"content": "hi"}`,
			want:     []ResourceContent{{URI: "app://greeting", MimeType: "text/plain", Text: "hi"}},
		},
		{
			name:     "arbitrary document",
			resource: Resource{URI: "app://raw", Name: "raw"},
			body:     `[1,2,3]`,
			want:     []ResourceContent{{URI: "app://raw", MimeType: "application/json", Text: `[1,2,3]`}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := newFakeRemote("8181", staticResponse(tt.body))
			fwd, store := newTestForwarder(newFakeProvider(remote))
			require.NoError(t, store.RegisterResource(tt.resource, "app", "8181", nil))

			result := fwd.ForwardResourceRead(context.Background(), tt.resource.URI)

			assert.False(t, result.IsError)
			assert.Equal(t, tt.want, result.Contents)

			calls := remote.Calls()
			require.Len(t, calls, 1)
			assert.Equal(t, ExtensionMethod(tt.resource.Name), calls[0].Method)
			assert.Equal(t, tt.resource.URI, calls[0].Args["uri"])
		})
	}
}

func TestForwardResourceReadNotFound(t *testing.T) {
	fwd, _ := newTestForwarder(newFakeProvider())

	result := fwd.ForwardResourceRead(context.Background(), "app://missing")

	assert.True(t, result.IsError)
	assert.True(t, result.NotFound)
	assert.Contains(t, result.Message, NotFoundHint)
}

func TestForwardResourceReadRemoteError(t *testing.T) {
	remote := newFakeRemote("8181", func(context.Context, string, map[string]interface{}) (json.RawMessage, error) {
		return nil, errors.New("isolate paused")
	})
	fwd, store := newTestForwarder(newFakeProvider(remote))
	require.NoError(t, store.RegisterResource(Resource{URI: "app://state", Name: "state"}, "app", "8181", nil))

	result := fwd.ForwardResourceRead(context.Background(), "app://state")

	assert.True(t, result.IsError)
	assert.Contains(t, result.Message, "isolate paused")
}

func TestExtensionMethod(t *testing.T) {
	assert.Equal(t, "ext.mcp.toolkit.get_state", ExtensionMethod("get_state"))
	assert.Equal(t, "ext.mcp.toolkit.get_state", ExtensionMethod("ext.mcp.toolkit.get_state"))
}
