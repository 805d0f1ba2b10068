// Package mcp exposes the tool catalog to MCP clients over stdio.
// Every catalog tool is bridged onto the MCP server through the kit
// endpoint abstraction so the audit middleware applies uniformly.
package mcp

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hazyhaar/pgscope/internal/tools"
	"github.com/hazyhaar/pgscope/pkg/audit"
	"github.com/hazyhaar/pgscope/pkg/kit"
)

// NewServer creates an MCPServer with every catalog tool registered.
// A stdio transport carries one session for the process lifetime; its
// id tags every audit entry.
func NewServer(exec *tools.Executor, version string, auditLog audit.Logger) *server.MCPServer {
	srv := server.NewMCPServer(
		"pgscope",
		version,
		server.WithToolCapabilities(true),
	)
	sessionID := "stdio_" + uuid.NewString()
	for _, desc := range exec.Registry().List() {
		registerTool(srv, exec, auditLog, sessionID, desc)
	}
	return srv
}

func registerTool(srv *server.MCPServer, exec *tools.Executor, auditLog audit.Logger, sessionID string, desc tools.Descriptor) {
	name := desc.Name
	var endpoint kit.Endpoint = func(ctx context.Context, request any) (any, error) {
		args, _ := request.(map[string]any)
		return exec.Execute(ctx, name, args)
	}
	if auditLog != nil {
		endpoint = audit.Middleware(auditLog, name)(endpoint)
	}
	inner := endpoint
	endpoint = func(ctx context.Context, request any) (any, error) {
		return inner(kit.WithSessionID(ctx, sessionID), request)
	}

	schemaJSON, _ := json.Marshal(desc.InputSchema)
	tool := mcp.NewToolWithRawSchema(name, desc.Description, schemaJSON)

	kit.RegisterMCPTool(srv, tool, endpoint, func(req mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: req.GetArguments()}, nil
	})
}
