package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// NotFoundHint is appended to lookup misses so an agent knows how to recover.
const NotFoundHint = "call list_client_tools_and_resources to see what's available"

// DefaultCallTimeout bounds one forwarded request.
const DefaultCallTimeout = 30 * time.Second

// ToolResult is the envelope returned for a forwarded tool call. Remote
// failures are carried as data, never as Go errors.
type ToolResult struct {
	IsError  bool            `json:"isError"`
	NotFound bool            `json:"notFound,omitempty"`
	AppID    string          `json:"appId,omitempty"`
	Content  json.RawMessage `json:"content,omitempty"`
	Message  string          `json:"message,omitempty"`
}

type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text"`
}

// ResourceResult is the envelope returned for a forwarded resource read.
type ResourceResult struct {
	IsError  bool              `json:"isError"`
	NotFound bool              `json:"notFound,omitempty"`
	AppID    string            `json:"appId,omitempty"`
	Contents []ResourceContent `json:"contents,omitempty"`
	Message  string            `json:"message,omitempty"`
}

type ForwarderOptions struct {
	Timeout time.Duration
	Metrics *Metrics
	Logger  *zap.Logger
}

// Forwarder routes tool calls and resource reads to the app that owns them.
type Forwarder struct {
	store   *Store
	remotes RemoteProvider
	metrics *Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	timeout time.Duration
}

func NewForwarder(store *Store, remotes RemoteProvider, opts ForwarderOptions) *Forwarder {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultCallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Forwarder{
		store:   store,
		remotes: remotes,
		metrics: opts.Metrics,
		logger:  opts.Logger.Named("forwarder"),
		tracer:  otel.Tracer("github.com/standardbeagle/flutter-mcp/internal/registry"),
		timeout: opts.Timeout,
	}
}

// ForwardToolCall invokes a dynamic tool on its owner.
func (f *Forwarder) ForwardToolCall(ctx context.Context, name string, args map[string]interface{}) ToolResult {
	start := time.Now()
	ctx, span := f.tracer.Start(ctx, "registry.forward_tool",
		trace.WithAttributes(attribute.String("tool", name)))
	defer span.End()

	entry, ok := f.store.GetTool(name)
	if !ok {
		f.metrics.ObserveForward("tool", outcomeNotFound, time.Since(start))
		span.SetStatus(codes.Error, "not found")
		return ToolResult{
			IsError:  true,
			NotFound: true,
			Message:  fmt.Sprintf("tool %q not found; %s", name, NotFoundHint),
		}
	}

	if err := entry.ValidateArguments(args); err != nil {
		f.metrics.ObserveForward("tool", outcomeError, time.Since(start))
		span.SetStatus(codes.Error, "invalid arguments")
		return ToolResult{IsError: true, AppID: entry.OwnerAppID, Message: err.Error()}
	}

	f.store.Touch(entry.OwnerAppID)
	raw, err := f.call(ctx, entry.OwnerConnection, ExtensionMethod(name), args)
	if err != nil {
		f.metrics.ObserveForward("tool", outcomeError, time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		f.logger.Warn("forwarded tool call failed",
			zap.String("tool", name),
			zap.String("app_id", entry.OwnerAppID),
			zap.Error(err))
		return ToolResult{IsError: true, AppID: entry.OwnerAppID, Message: err.Error()}
	}

	f.store.Touch(entry.OwnerAppID)
	result := ToolResult{AppID: entry.OwnerAppID, Content: raw}

	// The debuggee may report a handled failure inside a successful response.
	var envelope struct {
		IsError bool   `json:"isError"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &envelope) == nil && envelope.IsError {
		result.IsError = true
		result.Message = envelope.Message
	}

	outcome := outcomeSuccess
	if result.IsError {
		outcome = outcomeError
	}
	f.metrics.ObserveForward("tool", outcome, time.Since(start))
	span.SetStatus(codes.Ok, "")
	return result
}

// ForwardResourceRead reads a dynamic resource from its owner.
func (f *Forwarder) ForwardResourceRead(ctx context.Context, uri string) ResourceResult {
	start := time.Now()
	ctx, span := f.tracer.Start(ctx, "registry.forward_resource",
		trace.WithAttributes(attribute.String("uri", uri)))
	defer span.End()

	entry, ok := f.store.GetResource(uri)
	if !ok {
		f.metrics.ObserveForward("resource", outcomeNotFound, time.Since(start))
		span.SetStatus(codes.Error, "not found")
		return ResourceResult{
			IsError:  true,
			NotFound: true,
			Message:  fmt.Sprintf("resource %q not found; %s", uri, NotFoundHint),
		}
	}

	f.store.Touch(entry.OwnerAppID)
	method := entry.Resource.Name
	if method == "" {
		method = entry.Resource.URI
	}
	raw, err := f.call(ctx, entry.OwnerConnection, ExtensionMethod(method), map[string]interface{}{"uri": uri})
	if err != nil {
		f.metrics.ObserveForward("resource", outcomeError, time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		f.logger.Warn("forwarded resource read failed",
			zap.String("uri", uri),
			zap.String("app_id", entry.OwnerAppID),
			zap.Error(err))
		return ResourceResult{IsError: true, AppID: entry.OwnerAppID, Message: err.Error()}
	}

	f.store.Touch(entry.OwnerAppID)
	f.metrics.ObserveForward("resource", outcomeSuccess, time.Since(start))
	span.SetStatus(codes.Ok, "")
	return ResourceResult{AppID: entry.OwnerAppID, Contents: decodeContents(entry, raw)}
}

func (f *Forwarder) call(ctx context.Context, connection, method string, args map[string]interface{}) (json.RawMessage, error) {
	remote, err := f.remotes.Resolve(connection)
	if err != nil {
		return nil, fmt.Errorf("reach owner at %s: %w", connection, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	raw, err := remote.CallExtension(callCtx, method, args)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return raw, nil
}

// decodeContents accepts {"contents":[...]}, {"text"|"content": "..."} or
// any other JSON document, which is returned verbatim.
func decodeContents(entry ResourceEntry, raw json.RawMessage) []ResourceContent {
	mimeType := entry.Resource.MimeType

	var listed struct {
		Contents []ResourceContent `json:"contents"`
		Text     *string           `json:"text"`
		Content  *string           `json:"content"`
		MimeType string            `json:"mimeType"`
	}
	if err := json.Unmarshal(raw, &listed); err == nil {
		if len(listed.Contents) > 0 {
			for i := range listed.Contents {
				if listed.Contents[i].URI == "" {
					listed.Contents[i].URI = entry.Resource.URI
				}
				if listed.Contents[i].MimeType == "" {
					listed.Contents[i].MimeType = mimeType
				}
			}
			return listed.Contents
		}
		if listed.MimeType != "" {
			mimeType = listed.MimeType
		}
		if listed.Text != nil {
			return []ResourceContent{{URI: entry.Resource.URI, MimeType: mimeType, Text: *listed.Text}}
		}
		if listed.Content != nil {
			return []ResourceContent{{URI: entry.Resource.URI, MimeType: mimeType, Text: *listed.Content}}
		}
	}

	if mimeType == "" {
		mimeType = "application/json"
	}
	return []ResourceContent{{URI: entry.Resource.URI, MimeType: mimeType, Text: string(raw)}}
}
