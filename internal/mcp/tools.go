package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/standardbeagle/flutter-mcp/internal/inspector"
	"github.com/standardbeagle/flutter-mcp/internal/registry"
	"github.com/standardbeagle/flutter-mcp/pkg/filters"
)

const (
	ToolListClientEntries  = "list_client_tools_and_resources"
	ToolRunClientTool      = "run_client_tool"
	ToolRunClientResource  = "run_client_resource"
	ToolRefreshClient      = "refresh_client_registrations"
	ToolRegistryStats      = "registry_stats"
	ToolAppErrors          = "get_app_errors"
	ToolWidgetTree         = "get_widget_tree"
	ToolWidgetDetails      = "get_widget_details"
	ToolConnectionStatus   = "connection_status"
	TriggerManual          = "manual"
	errNoRegistry          = "dynamic registry is not available"
	errNoInspectorServices = "inspector services are not available"
)

func (s *Server) builtinTools() []server.ServerTool {
	return []server.ServerTool{
		{
			Tool: mcplib.NewTool(ToolListClientEntries,
				mcplib.WithDescription(`List the tools and resources the running Flutter app registered at runtime.

Each entry names the app that owns it. Call the tools with run_client_tool and read the resources with run_client_resource, or call them directly under their own names.`),
				mcplib.WithString("filter",
					mcplib.Description(`Only list entries whose name, URI or description matches. Plain text matches substrings, "re:" takes a regular expression, "=" an exact name and a trailing "*" a prefix.`),
				),
				mcplib.WithReadOnlyHintAnnotation(true),
			),
			Handler: s.handleListClientEntries,
		},
		{
			Tool: mcplib.NewTool(ToolRunClientTool,
				mcplib.WithDescription("Run a tool the Flutter app registered at runtime. Arguments are validated against the tool's input schema."),
				mcplib.WithString("toolName",
					mcplib.Required(),
					mcplib.Description("Name of the dynamic tool, as listed by list_client_tools_and_resources"),
				),
				mcplib.WithObject("arguments",
					mcplib.Description("Arguments passed to the tool"),
				),
			),
			Handler: s.handleRunClientTool,
		},
		{
			Tool: mcplib.NewTool(ToolRunClientResource,
				mcplib.WithDescription("Read a resource the Flutter app registered at runtime."),
				mcplib.WithString("resourceUri",
					mcplib.Required(),
					mcplib.Description("URI of the dynamic resource, as listed by list_client_tools_and_resources"),
				),
			),
			Handler: s.handleRunClientResource,
		},
		{
			Tool: mcplib.NewTool(ToolRefreshClient,
				mcplib.WithDescription("Ask the app to enumerate its dynamic tools and resources again. Use after the app changed what it offers and the list looks stale."),
			),
			Handler: s.handleRefresh,
		},
		{
			Tool: mcplib.NewTool(ToolRegistryStats,
				mcplib.WithDescription("Counts of dynamic tools, resources and apps, with a per-app breakdown."),
				mcplib.WithReadOnlyHintAnnotation(true),
			),
			Handler: s.handleRegistryStats,
		},
		{
			Tool: mcplib.NewTool(ToolAppErrors,
				mcplib.WithDescription("Recent framework errors reported by the app, newest first."),
				mcplib.WithNumber("count",
					mcplib.Description("Maximum number of errors to return"),
					mcplib.DefaultNumber(DefaultErrorCount),
					mcplib.Min(1),
				),
				mcplib.WithReadOnlyHintAnnotation(true),
			),
			Handler: s.handleAppErrors,
		},
		{
			Tool: mcplib.NewTool(ToolWidgetTree,
				mcplib.WithDescription("Summary widget tree of the running app from the widget inspector."),
				mcplib.WithReadOnlyHintAnnotation(true),
			),
			Handler: s.handleWidgetTree,
		},
		{
			Tool: mcplib.NewTool(ToolWidgetDetails,
				mcplib.WithDescription("Details subtree below one widget. Take the id from get_widget_tree (valueId)."),
				mcplib.WithString("widgetId",
					mcplib.Required(),
					mcplib.Description("Inspector id of the widget"),
				),
				mcplib.WithNumber("subtreeDepth",
					mcplib.Description("How many levels below the widget to include"),
					mcplib.DefaultNumber(inspector.DefaultSubtreeDepth),
				),
				mcplib.WithReadOnlyHintAnnotation(true),
			),
			Handler: s.handleWidgetDetails,
		},
		{
			Tool: mcplib.NewTool(ToolConnectionStatus,
				mcplib.WithDescription("State of the VM service connection to the app, with retry information and recent transitions."),
				mcplib.WithReadOnlyHintAnnotation(true),
			),
			Handler: s.handleConnectionStatus,
		},
	}
}

func jsonResult(v interface{}) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcplib.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcplib.NewToolResultText(string(data)), nil
}

type clientTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	AppID       string          `json:"appId"`
}

type clientResource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	AppID       string `json:"appId"`
}

func (s *Server) handleListClientEntries(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.deps.Registry == nil {
		return mcplib.NewToolResultError(errNoRegistry), nil
	}
	var filter *filters.Filter
	if pattern := request.GetString("filter", ""); pattern != "" {
		f, err := filters.Parse(pattern)
		if err != nil {
			return mcplib.NewToolResultError(err.Error()), nil
		}
		filter = f
	}

	tools := []clientTool{}
	for _, e := range s.deps.Registry.ListTools() {
		if !filter.MatchesAny(e.Tool.Name, e.Tool.Description) {
			continue
		}
		tools = append(tools, clientTool{
			Name:        e.Tool.Name,
			Description: e.Tool.Description,
			InputSchema: e.Tool.InputSchema,
			AppID:       e.OwnerAppID,
		})
	}
	resources := []clientResource{}
	for _, e := range s.deps.Registry.ListResources() {
		if !filter.MatchesAny(e.Resource.URI, e.Resource.Name, e.Resource.Description) {
			continue
		}
		resources = append(resources, clientResource{
			URI:         e.Resource.URI,
			Name:        e.Resource.Name,
			Description: e.Resource.Description,
			MimeType:    e.Resource.MimeType,
			AppID:       e.OwnerAppID,
		})
	}

	return jsonResult(map[string]interface{}{
		"tools":     tools,
		"resources": resources,
	})
}

func (s *Server) handleRunClientTool(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.deps.Forwarder == nil {
		return mcplib.NewToolResultError(errNoRegistry), nil
	}
	name, err := request.RequireString("toolName")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	args, err := objectArgument(request.GetArguments()["arguments"])
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}

	result := s.deps.Forwarder.ForwardToolCall(ctx, name, args)
	out, err := jsonResult(result)
	if out != nil {
		out.IsError = result.IsError
	}
	return out, err
}

// objectArgument accepts an object or a JSON-encoded object.
func objectArgument(v interface{}) (map[string]interface{}, error) {
	switch args := v.(type) {
	case nil:
		return map[string]interface{}{}, nil
	case map[string]interface{}:
		return args, nil
	case string:
		if args == "" {
			return map[string]interface{}{}, nil
		}
		var decoded map[string]interface{}
		if err := json.Unmarshal([]byte(args), &decoded); err != nil {
			return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("arguments must be an object, got %T", v)
	}
}

func (s *Server) handleRunClientResource(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.deps.Forwarder == nil {
		return mcplib.NewToolResultError(errNoRegistry), nil
	}
	uri, err := request.RequireString("resourceUri")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}

	result := s.deps.Forwarder.ForwardResourceRead(ctx, uri)
	out, err := jsonResult(result)
	if out != nil {
		out.IsError = result.IsError
	}
	return out, err
}

func (s *Server) handleRefresh(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.deps.Trigger == nil {
		return mcplib.NewToolResultError(errNoRegistry), nil
	}
	result, err := s.deps.Trigger.Trigger(ctx, TriggerManual)
	if err != nil {
		if errors.Is(err, registry.ErrRegistrationInFlight) {
			return mcplib.NewToolResultText("A registration pass is already running; its result will be published when it completes."), nil
		}
		return mcplib.NewToolResultError(fmt.Sprintf("registration failed: %v", err)), nil
	}
	return jsonResult(result)
}

func (s *Server) handleRegistryStats(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.deps.Registry == nil {
		return mcplib.NewToolResultError(errNoRegistry), nil
	}
	return jsonResult(s.deps.Registry.Stats())
}

func (s *Server) handleAppErrors(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.deps.Errors == nil {
		return mcplib.NewToolResultError(errNoInspectorServices), nil
	}
	count := request.GetInt("count", DefaultErrorCount)
	if count <= 0 {
		count = DefaultErrorCount
	}
	errs := s.deps.Errors.Errors(count)
	if errs == nil {
		errs = []inspector.AppError{}
	}
	return jsonResult(map[string]interface{}{
		"errors": errs,
		"total":  s.deps.Errors.Total(),
	})
}

func (s *Server) handleWidgetTree(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.deps.Inspector == nil {
		return mcplib.NewToolResultError(errNoInspectorServices), nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	tree, err := s.deps.Inspector.WidgetTree(ctx)
	if err != nil {
		return mcplib.NewToolResultError(fmt.Sprintf("fetch widget tree: %v", err)), nil
	}
	return mcplib.NewToolResultText(string(tree)), nil
}

func (s *Server) handleWidgetDetails(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.deps.Inspector == nil {
		return mcplib.NewToolResultError(errNoInspectorServices), nil
	}
	id, err := request.RequireString("widgetId")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	depth := request.GetInt("subtreeDepth", inspector.DefaultSubtreeDepth)

	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	details, err := s.deps.Inspector.WidgetDetails(ctx, id, depth)
	if err != nil {
		return mcplib.NewToolResultError(fmt.Sprintf("fetch widget details: %v", err)), nil
	}
	return mcplib.NewToolResultText(string(details)), nil
}

func (s *Server) handleConnectionStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.deps.Connection == nil {
		return mcplib.NewToolResultError("connection manager is not available"), nil
	}
	return jsonResult(s.deps.Connection.Status())
}
