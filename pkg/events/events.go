package events

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type EventType string

const (
	// Registry mutations
	ToolRegistered       EventType = "registry.tool.registered"
	ToolUnregistered     EventType = "registry.tool.unregistered"
	ResourceRegistered   EventType = "registry.resource.registered"
	ResourceUnregistered EventType = "registry.resource.unregistered"
	AppUnregistered      EventType = "registry.app.unregistered"
	ListChanged          EventType = "registry.list_changed"

	// Registration passes
	RegistrationStarted EventType = "registration.started"
	RegistrationFailed  EventType = "registration.failed"

	// Debuggee connection
	VMConnected    EventType = "vm.connected"
	VMDisconnected EventType = "vm.disconnected"
	AppErrorCaught EventType = "app.error"
)

// RegistryEventTypes lists the event types emitted by the dynamic registry.
var RegistryEventTypes = []EventType{
	ToolRegistered,
	ToolUnregistered,
	ResourceRegistered,
	ResourceUnregistered,
	AppUnregistered,
	ListChanged,
}

type Event struct {
	ID        string
	Type      EventType
	AppID     string
	Timestamp time.Time
	Data      map[string]interface{}
}

type Handler func(event Event)

// HandlerID identifies a subscription so it can be removed again.
type HandlerID string

// WorkerPoolConfig holds configuration for the event bus worker pool
type WorkerPoolConfig struct {
	WorkerCount int // Number of worker goroutines (default: CPU cores * 2.5)
	BufferSize  int // Channel buffer size (default: 1000)
	Logger      *zap.Logger
}

// DefaultWorkerPoolConfig returns the default configuration
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		WorkerCount: int(float64(runtime.NumCPU()) * 2.5),
		BufferSize:  1000,
	}
}

type eventTask struct {
	event   Event
	handler Handler
}

type subscription struct {
	id      HandlerID
	handler Handler
}

// EventBus fans events out to subscribers through a worker pool. Delivery is
// best effort and at most once; subscribers only see events published after
// they subscribed.
type EventBus struct {
	handlers   map[EventType][]subscription
	mu         sync.RWMutex
	workerPool chan eventTask
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	config     WorkerPoolConfig
	logger     *zap.Logger
	idCounter  atomic.Uint64
	published  atomic.Uint64
	panics     atomic.Uint64
}

func NewEventBus() *EventBus {
	return NewEventBusWithConfig(DefaultWorkerPoolConfig())
}

func NewEventBusWithConfig(config WorkerPoolConfig) *EventBus {
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	eb := &EventBus{
		handlers:   make(map[EventType][]subscription),
		workerPool: make(chan eventTask, config.BufferSize),
		ctx:        ctx,
		cancel:     cancel,
		config:     config,
		logger:     logger.Named("events"),
	}

	for i := 0; i < config.WorkerCount; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}

	return eb
}

// worker processes events from the worker pool
func (eb *EventBus) worker() {
	defer eb.wg.Done()

	for {
		select {
		case task := <-eb.workerPool:
			eb.run(task.handler, task.event)
		case <-eb.ctx.Done():
			return
		}
	}
}

func (eb *EventBus) run(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.panics.Add(1)
			eb.logger.Error("event handler panic",
				zap.String("type", string(event.Type)),
				zap.Any("panic", r))
		}
	}()
	handler(event)
}

// Subscribe registers handler for eventType and returns an ID for Unsubscribe.
func (eb *EventBus) Subscribe(eventType EventType, handler Handler) HandlerID {
	id := HandlerID(fmt.Sprintf("%s-%d", eventType, eb.idCounter.Add(1)))

	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers[eventType] = append(eb.handlers[eventType], subscription{id: id, handler: handler})
	return id
}

// SubscribeMany registers the same handler for several event types.
func (eb *EventBus) SubscribeMany(eventTypes []EventType, handler Handler) []HandlerID {
	ids := make([]HandlerID, 0, len(eventTypes))
	for _, eventType := range eventTypes {
		ids = append(ids, eb.Subscribe(eventType, handler))
	}
	return ids
}

// Unsubscribe removes a handler. Unknown IDs are ignored.
func (eb *EventBus) Unsubscribe(id HandlerID) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for eventType, subs := range eb.handlers {
		for i, sub := range subs {
			if sub.id != id {
				continue
			}
			remaining := make([]subscription, 0, len(subs)-1)
			remaining = append(remaining, subs[:i]...)
			remaining = append(remaining, subs[i+1:]...)
			if len(remaining) == 0 {
				delete(eb.handlers, eventType)
			} else {
				eb.handlers[eventType] = remaining
			}
			return
		}
	}
}

func (eb *EventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	eb.mu.RLock()
	subs := eb.handlers[event.Type]
	eb.mu.RUnlock()

	eb.published.Add(1)

	for _, sub := range subs {
		task := eventTask{
			event:   event,
			handler: sub.handler,
		}

		select {
		case <-eb.ctx.Done():
			return
		default:
		}

		// Non-blocking send to worker pool
		select {
		case eb.workerPool <- task:
		default:
			// Worker pool full - run on a dedicated goroutine
			go eb.run(sub.handler, event)
		}
	}
}

// Stats reports bus counters for diagnostics.
func (eb *EventBus) Stats() map[string]interface{} {
	eb.mu.RLock()
	handlerCount := 0
	for _, subs := range eb.handlers {
		handlerCount += len(subs)
	}
	eb.mu.RUnlock()

	return map[string]interface{}{
		"published": eb.published.Load(),
		"panics":    eb.panics.Load(),
		"handlers":  handlerCount,
		"workers":   eb.config.WorkerCount,
	}
}

// Shutdown gracefully shuts down the EventBus worker pool
func (eb *EventBus) Shutdown() {
	eb.cancel()
	eb.wg.Wait()
}
