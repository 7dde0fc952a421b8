package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/flutter-mcp/pkg/events"
)

const enumerateOneTool = `{
	"appId": "flutter_app_1",
	"tools": [{"name": "t1", "description": "first tool", "inputSchema": {"type": "object"}}],
	"resources": []
}`

func newTestCoordinator(remotes RemoteProvider) (*Coordinator, *Store, *recordingPublisher) {
	pub := &recordingPublisher{}
	store := NewStore(pub, nil)
	return NewCoordinator(store, remotes, pub, CoordinatorOptions{Timeout: time.Second}), store, pub
}

func TestPerformRegistrationInstallsTools(t *testing.T) {
	remote := newFakeRemote("8181", staticResponse(enumerateOneTool))
	coord, store, _ := newTestCoordinator(newFakeProvider(remote))

	result, err := coord.PerformRegistration(context.Background(), TriggerInitial)
	require.NoError(t, err)

	assert.Equal(t, "flutter_app_1", result.AppID)
	assert.Equal(t, "8181", result.Connection)
	assert.Equal(t, 1, result.ToolsInstalled)
	assert.Zero(t, result.ResourcesInstalled)
	assert.Equal(t, TriggerInitial, result.Trigger)

	tools := store.ListTools()
	require.Len(t, tools, 1)
	assert.Equal(t, "t1", tools[0].Tool.Name)
	assert.Equal(t, "flutter_app_1", tools[0].OwnerAppID)

	calls := remote.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, EnumerateMethod, calls[0].Method)

	last, ok := coord.LastResult()
	require.True(t, ok)
	assert.Equal(t, "flutter_app_1", last.AppID)
	assert.False(t, coord.LastAttempt().IsZero())
}

func TestPerformRegistrationMissingAppID(t *testing.T) {
	remote := newFakeRemote("8181", staticResponse(`{"tools": [{"name": "t9"}], "resources": []}`))
	coord, store, pub := newTestCoordinator(newFakeProvider(remote))
	require.NoError(t, store.RegisterTool(Tool{Name: "existing"}, "app", "8181", nil))
	before := toolKeys(store)
	pub.Reset()

	_, err := coord.PerformRegistration(context.Background(), "x")

	assert.ErrorIs(t, err, ErrMissingAppID)
	assert.Equal(t, before, toolKeys(store))
	assert.Zero(t, pub.Count(events.ListChanged))
	assert.Equal(t, 1, pub.Count(events.RegistrationFailed))
	assert.False(t, coord.InFlight())
}

func TestPerformRegistrationTransportFailureKeepsEntries(t *testing.T) {
	remote := newFakeRemote("8181", staticResponse(enumerateOneTool))
	provider := newFakeProvider(remote)
	coord, store, _ := newTestCoordinator(provider)

	_, err := coord.PerformRegistration(context.Background(), TriggerInitial)
	require.NoError(t, err)

	remote.respond = func(context.Context, string, map[string]interface{}) (json.RawMessage, error) {
		return nil, errors.New("connection reset")
	}
	_, err = coord.PerformRegistration(context.Background(), TriggerReregister)

	assert.Error(t, err)
	assert.True(t, store.IsDynamicTool("t1"))
}

func TestPerformRegistrationMalformedResponse(t *testing.T) {
	remote := newFakeRemote("8181", staticResponse(`"not an object"`))
	coord, store, _ := newTestCoordinator(newFakeProvider(remote))

	_, err := coord.PerformRegistration(context.Background(), TriggerInitial)

	assert.Error(t, err)
	assert.Empty(t, store.ListTools())
}

func TestPerformRegistrationNoActiveConnection(t *testing.T) {
	coord, _, _ := newTestCoordinator(newFakeProvider())

	_, err := coord.PerformRegistration(context.Background(), TriggerManual)

	assert.ErrorIs(t, err, ErrNoActiveConnection)
	assert.False(t, coord.InFlight())
}

func TestPerformRegistrationSkipsMalformedEntries(t *testing.T) {
	body := `{
		"appId": "app",
		"tools": [{"name": "ok"}, {"description": "nameless"}, 42, {"name": "bad", "inputSchema": "not a schema"}],
		"resources": [{"uri": "app://r", "name": "r"}, "junk"]
	}`
	remote := newFakeRemote("8181", staticResponse(body))
	coord, store, _ := newTestCoordinator(newFakeProvider(remote))

	result, err := coord.PerformRegistration(context.Background(), TriggerInitial)
	require.NoError(t, err)

	assert.Equal(t, 1, result.ToolsInstalled)
	assert.Equal(t, 1, result.ResourcesInstalled)
	assert.Equal(t, 4, result.Skipped)
	assert.Equal(t, []string{"ok@app"}, toolKeys(store))
}

func TestPerformRegistrationPublishesOneListChanged(t *testing.T) {
	body := `{"appId": "app", "tools": [{"name": "a"}, {"name": "b"}, {"name": "c"}], "resources": [{"uri": "app://r"}]}`
	remote := newFakeRemote("8181", staticResponse(body))
	coord, _, pub := newTestCoordinator(newFakeProvider(remote))

	_, err := coord.PerformRegistration(context.Background(), TriggerInitial)
	require.NoError(t, err)
	assert.Equal(t, 1, pub.Count(events.ListChanged))
	assert.Equal(t, 3, pub.Count(events.ToolRegistered))

	remote.respond = staticResponse(`{"appId": "app", "tools": [], "resources": []}`)
	_, err = coord.PerformRegistration(context.Background(), TriggerReregister)
	require.NoError(t, err)
	assert.Equal(t, 2, pub.Count(events.ListChanged))

	evs := pub.Events()
	assert.Equal(t, events.ListChanged, evs[len(evs)-1].Type)
	assert.Equal(t, TriggerReregister, evs[len(evs)-1].Data["trigger"])
}

func TestPerformRegistrationInFlightGuard(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	remote := newFakeRemote("8181", func(ctx context.Context, method string, _ map[string]interface{}) (json.RawMessage, error) {
		close(entered)
		<-release
		return json.RawMessage(enumerateOneTool), nil
	})
	coord, _, _ := newTestCoordinator(newFakeProvider(remote))

	firstDone := make(chan error, 1)
	go func() {
		_, err := coord.PerformRegistration(context.Background(), TriggerInitial)
		firstDone <- err
	}()
	<-entered
	assert.True(t, coord.InFlight())

	_, err := coord.PerformRegistration(context.Background(), TriggerManual)
	assert.ErrorIs(t, err, ErrRegistrationInFlight)

	close(release)
	require.NoError(t, <-firstDone)
	assert.Equal(t, 1, remote.CallCount(EnumerateMethod))
	assert.False(t, coord.InFlight())
}

func TestPerformRegistrationTimeoutReleasesGuard(t *testing.T) {
	remote := newFakeRemote("8181", func(ctx context.Context, method string, _ map[string]interface{}) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	pub := &recordingPublisher{}
	store := NewStore(pub, nil)
	coord := NewCoordinator(store, newFakeProvider(remote), pub, CoordinatorOptions{Timeout: 20 * time.Millisecond})

	_, err := coord.PerformRegistration(context.Background(), TriggerInitial)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, coord.InFlight())

	remote.respond = staticResponse(enumerateOneTool)
	_, err = coord.PerformRegistration(context.Background(), TriggerManual)
	assert.NoError(t, err)
}

func TestPerformRegistrationReconnect(t *testing.T) {
	first := newFakeRemote("8181", staticResponse(enumerateOneTool))
	provider := newFakeProvider(first)
	coord, store, _ := newTestCoordinator(provider)

	_, err := coord.PerformRegistration(context.Background(), TriggerInitial)
	require.NoError(t, err)

	second := newFakeRemote("9191", staticResponse(enumerateOneTool))
	provider.SetActive(second)
	result, err := coord.PerformRegistration(context.Background(), TriggerInitial)
	require.NoError(t, err)

	assert.True(t, result.Reconnected)
	entry, ok := store.GetTool("t1")
	require.True(t, ok)
	assert.Equal(t, "9191", entry.OwnerConnection)
	assert.Len(t, store.ListTools(), 1)
}

func TestPerformRegistrationReconnectTearsDownOldEntries(t *testing.T) {
	first := newFakeRemote("8181", staticResponse(enumerateOneTool))
	provider := newFakeProvider(first)
	coord, _, pub := newTestCoordinator(provider)

	_, err := coord.PerformRegistration(context.Background(), TriggerInitial)
	require.NoError(t, err)
	pub.Reset()

	provider.SetActive(newFakeRemote("9191", staticResponse(enumerateOneTool)))
	_, err = coord.PerformRegistration(context.Background(), TriggerInitial)
	require.NoError(t, err)

	var sequence []string
	for _, ev := range pub.Events() {
		switch ev.Type {
		case events.ToolUnregistered, events.ToolRegistered:
			sequence = append(sequence, string(ev.Type)+"@"+ev.Data["connection"].(string))
		}
	}
	assert.Equal(t, []string{
		string(events.ToolUnregistered) + "@8181",
		string(events.ToolRegistered) + "@9191",
	}, sequence)
	assert.Equal(t, 1, pub.Count(events.AppUnregistered))
}

func TestPerformRegistrationConnectionLostDuringEnumerate(t *testing.T) {
	release := make(chan struct{})
	remote := newFakeRemote("8181", func(ctx context.Context, _ string, _ map[string]interface{}) (json.RawMessage, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return json.RawMessage(enumerateOneTool), nil
	})
	provider := newFakeProvider(remote)
	coord, store, pub := newTestCoordinator(provider)

	type outcome struct {
		result PassResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := coord.PerformRegistration(context.Background(), TriggerInitial)
		done <- outcome{result, err}
	}()

	require.Eventually(t, func() bool {
		return remote.CallCount(EnumerateMethod) == 1
	}, time.Second, 5*time.Millisecond)

	provider.Drop("8181")
	store.UnregisterConnection("8181")
	close(release)

	out := <-done
	require.Error(t, out.err)
	assert.True(t, errors.Is(out.err, ErrStaleConnection))
	assert.False(t, store.IsDynamicTool("t1"))
	assert.Zero(t, store.Stats().Apps)
	assert.Zero(t, pub.Count(events.ToolRegistered))
	assert.Zero(t, pub.Count(events.ListChanged))
	assert.False(t, coord.InFlight())
}

func TestNotifyListChanged(t *testing.T) {
	coord, _, pub := newTestCoordinator(newFakeProvider())

	coord.NotifyListChanged("connection-lost")

	evs := pub.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, events.ListChanged, evs[0].Type)
	assert.Equal(t, "connection-lost", evs[0].Data["trigger"])
}
