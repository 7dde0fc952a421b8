package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/flutter-mcp/internal/mcp"
	"github.com/standardbeagle/flutter-mcp/internal/registry"
	"github.com/standardbeagle/flutter-mcp/pkg/events"
)

const testConnection = "ws://127.0.0.1:8181/ws"

// slowRemote answers the enumerate call after a delay so passes overlap.
type slowRemote struct {
	delay      time.Duration
	appID      string
	tools      int
	enumerates atomic.Int64
	calls      atomic.Int64
}

func (r *slowRemote) CallExtension(ctx context.Context, method string, _ map[string]interface{}) (json.RawMessage, error) {
	if method != registry.EnumerateMethod {
		r.calls.Add(1)
		return json.RawMessage(`{"ok":true}`), nil
	}
	r.enumerates.Add(1)
	select {
	case <-time.After(r.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	type tool struct {
		Name string `json:"name"`
	}
	resp := struct {
		AppID string `json:"appId"`
		Tools []tool `json:"tools"`
	}{AppID: r.appID}
	for i := 0; i < r.tools; i++ {
		resp.Tools = append(resp.Tools, tool{Name: fmt.Sprintf("%s_tool_%d", r.appID, i)})
	}
	return json.Marshal(resp)
}

func (r *slowRemote) Connection() string { return testConnection }

type provider struct {
	remote registry.Remote
}

func (p provider) Active() (registry.Remote, error) { return p.remote, nil }

func (p provider) Resolve(connection string) (registry.Remote, error) {
	if connection != p.remote.Connection() {
		return nil, registry.ErrStaleConnection
	}
	return p.remote, nil
}

func toolsFor(appID string, n int) []registry.Tool {
	tools := make([]registry.Tool, n)
	for i := range tools {
		tools[i] = registry.Tool{Name: fmt.Sprintf("%s_tool_%d", appID, i)}
	}
	return tools
}

// TestSystemWideRaceConditions runs the registry components under
// concurrent load; run with -race.
func TestSystemWideRaceConditions(t *testing.T) {
	t.Run("EventBusRegistryEventStress", func(t *testing.T) {
		eb := events.NewEventBus()
		defer eb.Shutdown()

		const numPublishers = 50
		const eventsPerPublisher = 200

		var published int64
		var handled int64

		eb.Subscribe(events.ToolRegistered, func(event events.Event) {
			atomic.AddInt64(&handled, 1)
		})
		eb.Subscribe(events.ListChanged, func(event events.Event) {
			atomic.AddInt64(&handled, 1)
		})

		var wg sync.WaitGroup
		for i := 0; i < numPublishers; i++ {
			wg.Add(1)
			go func(publisherID int) {
				defer wg.Done()
				for j := 0; j < eventsPerPublisher; j++ {
					eventType := events.ToolRegistered
					if j%2 == 0 {
						eventType = events.ListChanged
					}
					eb.Publish(events.Event{
						Type:  eventType,
						AppID: fmt.Sprintf("app-%d", publisherID),
						Data:  map[string]interface{}{"sequence": j},
					})
					atomic.AddInt64(&published, 1)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int64(numPublishers*eventsPerPublisher), atomic.LoadInt64(&published))
		assert.Eventually(t, func() bool {
			return atomic.LoadInt64(&handled) == atomic.LoadInt64(&published)
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("StoreReplaceIsNeverPartial", func(t *testing.T) {
		store := registry.NewStore(nil, nil)

		const apps = 8
		const toolsPerApp = 25
		const rounds = 100

		ctx, cancel := context.WithCancel(context.Background())
		var partial int64
		var readers sync.WaitGroup
		for i := 0; i < 4; i++ {
			readers.Add(1)
			go func() {
				defer readers.Done()
				for ctx.Err() == nil {
					for appID, app := range store.Stats().PerApp {
						if app.Tools != 0 && app.Tools != toolsPerApp {
							atomic.AddInt64(&partial, 1)
							t.Logf("app %s observed with %d tools", appID, app.Tools)
						}
					}
					store.ListTools()
				}
			}()
		}

		var writers sync.WaitGroup
		for i := 0; i < apps; i++ {
			writers.Add(1)
			go func(appID string) {
				defer writers.Done()
				tools := toolsFor(appID, toolsPerApp)
				for r := 0; r < rounds; r++ {
					result := store.ReplaceApp(appID, testConnection, tools, nil, nil)
					if result.ToolsInstalled != toolsPerApp {
						atomic.AddInt64(&partial, 1)
					}
				}
			}(fmt.Sprintf("app%d", i))
		}
		writers.Wait()
		cancel()
		readers.Wait()

		assert.Zero(t, atomic.LoadInt64(&partial))
		assert.Equal(t, apps*toolsPerApp, store.Stats().Tools)
	})

	t.Run("CoordinatorOverlappingPasses", func(t *testing.T) {
		store := registry.NewStore(nil, nil)
		remote := &slowRemote{delay: 50 * time.Millisecond, appID: "overlap", tools: 3}
		coordinator := registry.NewCoordinator(store, provider{remote}, nil, registry.CoordinatorOptions{})

		const callers = 20
		var succeeded, dropped, failed int64
		start := make(chan struct{})

		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := coordinator.PerformRegistration(context.Background(), "stress")
				switch {
				case err == nil:
					atomic.AddInt64(&succeeded, 1)
				case errors.Is(err, registry.ErrRegistrationInFlight):
					atomic.AddInt64(&dropped, 1)
				default:
					atomic.AddInt64(&failed, 1)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Zero(t, failed)
		assert.Equal(t, int64(callers), succeeded+dropped)
		assert.Equal(t, succeeded, remote.enumerates.Load(), "each enumerate call belongs to a completed pass")
		assert.Equal(t, 3, store.Stats().Tools)
		assert.False(t, coordinator.InFlight())
	})

	t.Run("ForwarderDuringReRegistration", func(t *testing.T) {
		store := registry.NewStore(nil, nil)
		remote := &slowRemote{delay: time.Millisecond, appID: "churn", tools: 5}
		forwarder := registry.NewForwarder(store, provider{remote}, registry.ForwarderOptions{})
		tools := toolsFor("churn", 5)
		store.ReplaceApp("churn", testConnection, tools, nil, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()

		var ok, notFound, other int64
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(worker int) {
				defer wg.Done()
				name := tools[worker%len(tools)].Name
				for ctx.Err() == nil {
					result := forwarder.ForwardToolCall(ctx, name, nil)
					switch {
					case !result.IsError:
						atomic.AddInt64(&ok, 1)
					case result.NotFound:
						atomic.AddInt64(&notFound, 1)
					default:
						atomic.AddInt64(&other, 1)
					}
				}
			}(i)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				store.ReplaceApp("churn", testConnection, tools, nil, nil)
				store.UnregisterApp("churn")
				store.ReplaceApp("churn", testConnection, tools, nil, nil)
			}
		}()
		wg.Wait()

		assert.Greater(t, atomic.LoadInt64(&ok), int64(0))
		assert.Zero(t, atomic.LoadInt64(&other), "calls either reach the app or report not found")
		t.Logf("forwarded=%d not_found=%d", ok, notFound)
	})

	t.Run("MCPResyncUnderChurn", func(t *testing.T) {
		eb := events.NewEventBus()
		defer eb.Shutdown()

		store := registry.NewStore(eb, nil)
		remote := &slowRemote{appID: "resync"}
		forwarder := registry.NewForwarder(store, provider{remote}, registry.ForwarderOptions{})
		coordinator := registry.NewCoordinator(store, provider{remote}, eb, registry.CoordinatorOptions{})

		server := mcp.NewServer(mcp.Deps{Registry: store, Forwarder: forwarder, Bus: eb}, mcp.Options{})
		server.Start()
		defer server.Close()

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(appID string) {
				defer wg.Done()
				for r := 0; r < 25; r++ {
					store.ReplaceApp(appID, testConnection, toolsFor(appID, r%4+1), nil, nil)
					coordinator.NotifyListChanged("churn")
				}
			}(fmt.Sprintf("app%d", i))
		}
		wg.Wait()
		coordinator.NotifyListChanged("settled")

		want := store.Stats().Tools
		require.Eventually(t, func() bool {
			tools, _ := server.Mirrored()
			return len(tools) == want
		}, 5*time.Second, 10*time.Millisecond)

		for _, entry := range store.ListTools() {
			assert.NotNil(t, server.MCPServer().GetTool(entry.Tool.Name), entry.Tool.Name)
		}
	})
}

// TestGoroutineLeakPrevention checks that components stop their goroutines.
func TestGoroutineLeakPrevention(t *testing.T) {
	initialGoroutines := runtime.NumGoroutine()

	t.Run("EventBusCleanup", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			eb := events.NewEventBus()
			eb.Subscribe(events.ToolRegistered, func(event events.Event) {})
			for j := 0; j < 100; j++ {
				eb.Publish(events.Event{Type: events.ToolRegistered, AppID: "test"})
			}
			eb.Shutdown()
		}
	})

	t.Run("SweeperCleanup", func(t *testing.T) {
		store := registry.NewStore(nil, nil)
		for i := 0; i < 10; i++ {
			sweeper, err := registry.NewSweeper(store, provider{&slowRemote{}}, nil, registry.SweeperOptions{
				Schedule: "@every 1h",
			})
			require.NoError(t, err)
			require.NoError(t, sweeper.Start())
			sweeper.Stop()
		}
	})

	t.Run("WatcherCleanup", func(t *testing.T) {
		store := registry.NewStore(nil, nil)
		remote := &slowRemote{appID: "watch"}
		coordinator := registry.NewCoordinator(store, provider{remote}, nil, registry.CoordinatorOptions{})
		for i := 0; i < 10; i++ {
			watcher := registry.NewWatcher(coordinator, nil, registry.WatcherOptions{})
			watcher.OnConnected(context.Background(), testConnection)
			watcher.OnDisconnected()
			watcher.Stop()
		}
	})

	runtime.GC()
	time.Sleep(100 * time.Millisecond)

	finalGoroutines := runtime.NumGoroutine()
	assert.LessOrEqual(t, finalGoroutines, initialGoroutines+5,
		"Should not leak significant goroutines")
	t.Logf("Goroutines: %d -> %d", initialGoroutines, finalGoroutines)
}

// TestSystemStressWithRaceDetection drives store, forwarder and passes at once.
func TestSystemStressWithRaceDetection(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	eb := events.NewEventBus()
	defer eb.Shutdown()

	store := registry.NewStore(eb, nil)
	remote := &slowRemote{delay: 2 * time.Millisecond, appID: "stress", tools: 10}
	coordinator := registry.NewCoordinator(store, provider{remote}, eb, registry.CoordinatorOptions{})
	forwarder := registry.NewForwarder(store, provider{remote}, registry.ForwarderOptions{})

	const duration = 2 * time.Second
	const numWorkers = 10

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var operations int64
	var wg sync.WaitGroup

	// Registration passes
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				_, _ = coordinator.PerformRegistration(ctx, "stress")
				atomic.AddInt64(&operations, 1)
			}
		}()
	}

	// Forwarded calls
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			name := fmt.Sprintf("stress_tool_%d", workerID%10)
			for ctx.Err() == nil {
				forwarder.ForwardToolCall(ctx, name, nil)
				atomic.AddInt64(&operations, 1)
			}
		}(i)
	}

	// Readers
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				store.ListTools()
				store.Stats()
				store.IsDynamicTool("stress_tool_0")
				atomic.AddInt64(&operations, 1)
			}
		}()
	}

	wg.Wait()

	finalOps := atomic.LoadInt64(&operations)
	assert.Greater(t, finalOps, int64(1000), "Should have processed many operations")
	assert.Greater(t, remote.calls.Load(), int64(0))
	t.Logf("Stress test completed: %d operations in %v", finalOps, duration)
}
