package inspector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/standardbeagle/flutter-mcp/internal/registry"
	"github.com/standardbeagle/flutter-mcp/pkg/events"
)

const (
	// FlutterErrorKind is the Extension event kind Flutter posts for framework errors.
	FlutterErrorKind = "Flutter.Error"

	DefaultErrorBufferSize = 100
)

// AppError is one error reported by the running app.
type AppError struct {
	Timestamp         time.Time              `json:"timestamp"`
	IsolateID         string                 `json:"isolate_id,omitempty"`
	Description       string                 `json:"description"`
	Rendered          string                 `json:"rendered,omitempty"`
	ErrorsSinceReload int                    `json:"errors_since_reload,omitempty"`
	Details           map[string]interface{} `json:"details,omitempty"`
}

// ErrorMonitor keeps the most recent Flutter.Error events in a ring buffer.
type ErrorMonitor struct {
	source    registry.EventSource
	publisher registry.Publisher
	logger    *zap.Logger

	mu    sync.RWMutex
	ring  []AppError
	next  int
	count int
	total int
}

func NewErrorMonitor(source registry.EventSource, capacity int, publisher registry.Publisher, logger *zap.Logger) *ErrorMonitor {
	if capacity <= 0 {
		capacity = DefaultErrorBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ErrorMonitor{
		source:    source,
		publisher: publisher,
		logger:    logger.Named("errors"),
		ring:      make([]AppError, capacity),
	}
}

// Run records Flutter.Error events until ctx ends or the stream closes.
func (m *ErrorMonitor) Run(ctx context.Context) error {
	stream, err := m.source.SubscribeStream(ctx, registry.StreamExtension)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", registry.StreamExtension, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-stream:
			if !ok {
				return nil
			}
			appErr, ok := parseFlutterError(ev)
			if !ok {
				continue
			}
			m.Record(appErr)
		}
	}
}

func parseFlutterError(ev registry.RemoteEvent) (AppError, bool) {
	if kind, _ := ev.Data["extensionKind"].(string); kind != FlutterErrorKind {
		return AppError{}, false
	}

	appErr := AppError{Timestamp: time.Now(), IsolateID: ev.IsolateID}
	if ms, ok := ev.Data["timestamp"].(float64); ok && ms > 0 {
		appErr.Timestamp = time.UnixMilli(int64(ms))
	}

	data, _ := ev.Data["extensionData"].(map[string]interface{})
	if data == nil {
		appErr.Description = "unknown Flutter error"
		return appErr, true
	}
	appErr.Details = data
	appErr.Description, _ = data["description"].(string)
	appErr.Rendered, _ = data["renderedErrorText"].(string)
	if n, ok := data["errorsSinceReload"].(float64); ok {
		appErr.ErrorsSinceReload = int(n)
	}
	if appErr.Description == "" {
		appErr.Description = firstLine(appErr.Rendered)
	}
	return appErr, true
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

// Record stores appErr, evicting the oldest entry when full.
func (m *ErrorMonitor) Record(appErr AppError) {
	m.mu.Lock()
	m.ring[m.next] = appErr
	m.next = (m.next + 1) % len(m.ring)
	if m.count < len(m.ring) {
		m.count++
	}
	m.total++
	m.mu.Unlock()

	m.logger.Debug("app error captured", zap.String("description", appErr.Description))
	if m.publisher != nil {
		m.publisher.Publish(events.Event{
			Type:      events.AppErrorCaught,
			Timestamp: appErr.Timestamp,
			Data: map[string]interface{}{
				"description": appErr.Description,
				"isolate":     appErr.IsolateID,
			},
		})
	}
}

// Errors returns up to count errors, newest first. count <= 0 returns all.
func (m *ErrorMonitor) Errors(count int) []AppError {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if count <= 0 || count > m.count {
		count = m.count
	}
	out := make([]AppError, 0, count)
	for i := 1; i <= count; i++ {
		idx := (m.next - i + len(m.ring)) % len(m.ring)
		out = append(out, m.ring[idx])
	}
	return out
}

// Clear drops every stored error.
func (m *ErrorMonitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.ring {
		m.ring[i] = AppError{}
	}
	m.next = 0
	m.count = 0
}

// Total counts every error seen since start, including evicted ones.
func (m *ErrorMonitor) Total() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.total
}
