package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/standardbeagle/flutter-mcp/pkg/events"
)

var (
	ErrRegistrationInFlight = errors.New("registration pass already in flight")
	ErrMissingAppID         = errors.New("enumerate response has no appId")
)

// DefaultRegistrationTimeout bounds the enumerate call of one pass.
const DefaultRegistrationTimeout = 10 * time.Second

// PassResult describes one registration pass.
type PassResult struct {
	Trigger            string        `json:"trigger"`
	AppID              string        `json:"app_id,omitempty"`
	Connection         string        `json:"connection,omitempty"`
	ToolsInstalled     int           `json:"tools_installed"`
	ResourcesInstalled int           `json:"resources_installed"`
	Skipped            int           `json:"skipped"`
	Reconnected        bool          `json:"reconnected"`
	Duration           time.Duration `json:"duration"`
}

type enumerateResponse struct {
	AppID     string            `json:"appId"`
	Tools     []json.RawMessage `json:"tools"`
	Resources []json.RawMessage `json:"resources"`
}

type CoordinatorOptions struct {
	Timeout time.Duration
	Metrics *Metrics
	Logger  *zap.Logger
}

// Coordinator runs registration passes: enumerate the debuggee's dynamic
// entries, then swap them into the store as a full replacement of that app.
type Coordinator struct {
	store     *Store
	remotes   RemoteProvider
	publisher Publisher
	metrics   *Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
	timeout   time.Duration

	inFlight    atomic.Bool
	lastAttempt atomic.Int64
	lastResult  atomic.Pointer[PassResult]
}

func NewCoordinator(store *Store, remotes RemoteProvider, publisher Publisher, opts CoordinatorOptions) *Coordinator {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRegistrationTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Coordinator{
		store:     store,
		remotes:   remotes,
		publisher: publisher,
		metrics:   opts.Metrics,
		logger:    opts.Logger.Named("coordinator"),
		tracer:    otel.Tracer("github.com/standardbeagle/flutter-mcp/internal/registry"),
		timeout:   opts.Timeout,
	}
}

// InFlight reports whether a pass is running.
func (c *Coordinator) InFlight() bool {
	return c.inFlight.Load()
}

// LastAttempt is the start time of the most recent pass, zero if none ran.
func (c *Coordinator) LastAttempt() time.Time {
	nanos := c.lastAttempt.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// LastResult returns the most recent successful pass.
func (c *Coordinator) LastResult() (PassResult, bool) {
	result := c.lastResult.Load()
	if result == nil {
		return PassResult{}, false
	}
	return *result, true
}

// PerformRegistration runs one pass. While a pass is running further calls
// return ErrRegistrationInFlight immediately. A failed pass leaves the store
// untouched.
func (c *Coordinator) PerformRegistration(ctx context.Context, trigger string) (PassResult, error) {
	result := PassResult{Trigger: trigger}
	if !c.inFlight.CompareAndSwap(false, true) {
		c.metrics.ObservePass(trigger, outcomeSkipped, 0)
		c.logger.Debug("registration already in flight, dropping trigger", zap.String("trigger", trigger))
		return result, ErrRegistrationInFlight
	}
	defer c.inFlight.Store(false)

	start := time.Now()
	c.lastAttempt.Store(start.UnixNano())

	ctx, span := c.tracer.Start(ctx, "registry.registration_pass",
		trace.WithAttributes(attribute.String("trigger", trigger)))
	defer span.End()

	c.publisher.Publish(events.Event{
		Type: events.RegistrationStarted,
		Data: map[string]interface{}{"trigger": trigger},
	})

	result, err := c.run(ctx, result)
	result.Duration = time.Since(start)

	if err != nil {
		outcome := outcomeError
		if errors.Is(err, ErrMissingAppID) {
			outcome = outcomeNoAppID
		}
		c.metrics.ObservePass(trigger, outcome, result.Duration)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("registration pass failed",
			zap.String("trigger", trigger),
			zap.Duration("duration", result.Duration),
			zap.Error(err))
		c.publisher.Publish(events.Event{
			Type: events.RegistrationFailed,
			Data: map[string]interface{}{"trigger": trigger, "error": err.Error()},
		})
		return result, err
	}

	c.metrics.ObservePass(trigger, outcomeSuccess, result.Duration)
	c.metrics.ObserveStats(c.store.Stats())
	span.SetAttributes(
		attribute.String("app_id", result.AppID),
		attribute.Int("tools", result.ToolsInstalled),
		attribute.Int("resources", result.ResourcesInstalled),
	)
	span.SetStatus(codes.Ok, "")
	c.logger.Info("registration pass complete",
		zap.String("trigger", trigger),
		zap.String("app_id", result.AppID),
		zap.Int("tools", result.ToolsInstalled),
		zap.Int("resources", result.ResourcesInstalled),
		zap.Int("skipped", result.Skipped),
		zap.Duration("duration", result.Duration))

	stored := result
	c.lastResult.Store(&stored)
	c.publisher.Publish(listChangedEvent(trigger, time.Now()))
	return result, nil
}

func (c *Coordinator) run(ctx context.Context, result PassResult) (PassResult, error) {
	remote, err := c.remotes.Active()
	if err != nil {
		return result, fmt.Errorf("resolve remote: %w", err)
	}
	result.Connection = remote.Connection()

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	raw, err := remote.CallExtension(callCtx, EnumerateMethod, nil)
	cancel()
	if err != nil {
		return result, fmt.Errorf("call %s: %w", EnumerateMethod, err)
	}

	var resp enumerateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return result, fmt.Errorf("decode %s response: %w", EnumerateMethod, err)
	}
	if resp.AppID == "" {
		return result, ErrMissingAppID
	}
	result.AppID = resp.AppID

	if info, known := c.store.App(resp.AppID); known && info.Connection != result.Connection {
		result.Reconnected = true
		c.logger.Info("app reappeared on a new connection",
			zap.String("app_id", resp.AppID),
			zap.String("previous", info.Connection),
			zap.String("connection", result.Connection))
		c.store.HandleConnectionChange(resp.AppID, result.Connection)
	}

	tools := make([]Tool, 0, len(resp.Tools))
	for i, rawTool := range resp.Tools {
		var tool Tool
		if err := json.Unmarshal(rawTool, &tool); err != nil {
			result.Skipped++
			c.logger.Warn("skipping undecodable tool descriptor", zap.Int("index", i), zap.Error(err))
			continue
		}
		tools = append(tools, tool)
	}
	resources := make([]Resource, 0, len(resp.Resources))
	for i, rawResource := range resp.Resources {
		var resource Resource
		if err := json.Unmarshal(rawResource, &resource); err != nil {
			result.Skipped++
			c.logger.Warn("skipping undecodable resource descriptor", zap.Int("index", i), zap.Error(err))
			continue
		}
		resources = append(resources, resource)
	}

	// The connection may have dropped while the enumerate call was out. The
	// owner is re-checked under the store lock, so a disconnect either sees
	// the new entries and removes them or prevents their install.
	replaced, err := c.store.ReplaceAppIf(resp.AppID, result.Connection, tools, resources, nil, func() error {
		_, err := c.remotes.Resolve(result.Connection)
		return err
	})
	if err != nil {
		return result, fmt.Errorf("install entries for %s: %w", resp.AppID, err)
	}
	for _, rejected := range replaced.Rejected {
		result.Skipped++
		c.logger.Warn("skipping malformed descriptor", zap.String("app_id", resp.AppID), zap.Error(rejected))
	}
	result.ToolsInstalled = replaced.ToolsInstalled
	result.ResourcesInstalled = replaced.ResourcesInstalled
	return result, nil
}

// NotifyListChanged publishes a list-changed notification for removals made
// outside a registration pass.
func (c *Coordinator) NotifyListChanged(reason string) {
	c.metrics.ObserveStats(c.store.Stats())
	c.publisher.Publish(listChangedEvent(reason, time.Now()))
}
