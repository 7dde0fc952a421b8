package mcp

import (
	"context"
	"encoding/json"
	"errors"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	ResourceRegistryStats = "flutter-mcp://registry/stats"
	ResourceAppErrors     = "flutter-mcp://app/errors"
)

func (s *Server) builtinResources() []server.ServerResource {
	return []server.ServerResource{
		{
			Resource: mcplib.NewResource(ResourceRegistryStats, "Registry statistics",
				mcplib.WithResourceDescription("Dynamic tool, resource and app counts"),
				mcplib.WithMIMEType("application/json"),
			),
			Handler: func(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
				if s.deps.Registry == nil {
					return nil, errors.New(errNoRegistry)
				}
				return jsonContents(request.Params.URI, s.deps.Registry.Stats())
			},
		},
		{
			Resource: mcplib.NewResource(ResourceAppErrors, "App errors",
				mcplib.WithResourceDescription("Recent framework errors reported by the app, newest first"),
				mcplib.WithMIMEType("application/json"),
			),
			Handler: func(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
				if s.deps.Errors == nil {
					return nil, errors.New(errNoInspectorServices)
				}
				return jsonContents(request.Params.URI, s.deps.Errors.Errors(0))
			},
		},
	}
}

func jsonContents(uri string, v interface{}) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{URI: uri, MIMEType: "application/json", Text: string(data)},
	}, nil
}
