package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/standardbeagle/flutter-mcp/internal/catalog"
	"github.com/standardbeagle/flutter-mcp/internal/registry"
)

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// Resync publishes the static tools plus the current dynamic entries. Each
// call replaces the tool and resource lists once, so connected clients get
// one list-changed notification per list.
func (s *Server) Resync() {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	tools := append([]server.ServerTool(nil), s.static...)
	var toolNames []string
	if s.deps.Registry != nil {
		for _, entry := range s.deps.Registry.ListTools() {
			if _, shadowed := s.staticNames[entry.Tool.Name]; shadowed {
				s.logger.Warn("dynamic tool shadowed by a built-in; reachable through run_client_tool",
					zap.String("tool", entry.Tool.Name),
					zap.String("app_id", entry.OwnerAppID))
				continue
			}
			tools = append(tools, s.proxyTool(entry))
			toolNames = append(toolNames, entry.Tool.Name)
		}
	}

	resources := append([]server.ServerResource(nil), s.staticRes...)
	var uris []string
	if s.deps.Registry != nil {
		for _, entry := range s.deps.Registry.ListResources() {
			if _, shadowed := s.staticURIs[entry.Resource.URI]; shadowed {
				continue
			}
			resources = append(resources, s.proxyResource(entry))
			uris = append(uris, entry.Resource.URI)
		}
	}

	s.mcp.SetTools(tools...)
	s.mcp.SetResources(resources...)
	s.synced = toolNames
	s.syncedRes = uris
	s.logger.Debug("catalog synced",
		zap.Int("dynamic_tools", len(toolNames)),
		zap.Int("dynamic_resources", len(uris)))
}

// Mirrored returns the dynamic tool names and resource URIs of the last resync.
func (s *Server) Mirrored() (tools, resources []string) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	return append([]string(nil), s.synced...), append([]string(nil), s.syncedRes...)
}

// proxyTool exposes a dynamic tool under its own name.
func (s *Server) proxyTool(entry registry.ToolEntry) server.ServerTool {
	schema := entry.Tool.InputSchema
	if len(schema) == 0 {
		schema = emptyObjectSchema
	}
	description := entry.Tool.Description
	if description == "" {
		description = fmt.Sprintf("Tool registered by %s.", entry.OwnerAppID)
	}
	name := entry.Tool.Name

	return server.ServerTool{
		Tool: mcplib.NewToolWithRawSchema(name, description, schema),
		Handler: func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
			result := s.deps.Forwarder.ForwardToolCall(ctx, name, request.GetArguments())
			return toolResultFromForward(result), nil
		},
	}
}

// proxyResource exposes a dynamic resource under its own URI.
func (s *Server) proxyResource(entry registry.ResourceEntry) server.ServerResource {
	opts := []mcplib.ResourceOption{}
	if entry.Resource.Description != "" {
		opts = append(opts, mcplib.WithResourceDescription(entry.Resource.Description))
	}
	if entry.Resource.MimeType != "" {
		opts = append(opts, mcplib.WithMIMEType(entry.Resource.MimeType))
	}
	name := entry.Resource.Name
	if name == "" {
		name = entry.Resource.URI
	}

	return server.ServerResource{
		Resource: mcplib.NewResource(entry.Resource.URI, name, opts...),
		Handler: func(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
			result := s.deps.Forwarder.ForwardResourceRead(ctx, request.Params.URI)
			if result.IsError {
				return nil, errors.New(result.Message)
			}
			return resourceContents(result.Contents), nil
		},
	}
}

func toolResultFromForward(result registry.ToolResult) *mcplib.CallToolResult {
	if result.IsError && len(result.Content) == 0 {
		return mcplib.NewToolResultError(result.Message)
	}
	out := mcplib.NewToolResultText(string(result.Content))
	out.IsError = result.IsError
	return out
}

func resourceContents(contents []registry.ResourceContent) []mcplib.ResourceContents {
	out := make([]mcplib.ResourceContents, 0, len(contents))
	for _, c := range contents {
		out = append(out, mcplib.TextResourceContents{
			URI:      c.URI,
			MIMEType: c.MimeType,
			Text:     c.Text,
		})
	}
	return out
}

// catalogTools turns the static catalog into direct extension calls.
func (s *Server) catalogTools() []server.ServerTool {
	if s.deps.Catalog == nil {
		return nil
	}
	var tools []server.ServerTool
	for _, name := range s.deps.Catalog.Names() {
		tool, _ := s.deps.Catalog.Lookup(name)
		schema, err := tool.SchemaJSON()
		if err != nil {
			s.logger.Warn("skipping catalog tool", zap.String("tool", name), zap.Error(err))
			continue
		}
		description := tool.Description
		if description == "" {
			description = fmt.Sprintf("Calls %s on the running app.", tool.Extension)
		}
		tools = append(tools, server.ServerTool{
			Tool:    mcplib.NewToolWithRawSchema(tool.Name, description, schema),
			Handler: s.catalogHandler(tool),
		})
	}
	return tools
}

func (s *Server) catalogHandler(tool catalog.Tool) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		if s.deps.Caller == nil {
			return mcplib.NewToolResultError(registry.ErrNoActiveConnection.Error()), nil
		}
		ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
		defer cancel()

		raw, err := s.deps.Caller.CallExtension(ctx, tool.Extension, tool.Arguments(request.GetArguments()))
		if err != nil {
			return mcplib.NewToolResultError(fmt.Sprintf("%s failed: %v", tool.Extension, err)), nil
		}
		return mcplib.NewToolResultText(string(raw)), nil
	}
}
