// Package kit holds the endpoint abstraction shared by the HTTP and
// MCP transports: an Endpoint is a transport-agnostic handler,
// middlewares wrap it, and context helpers carry per-request metadata.
package kit

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Endpoint is a transport-agnostic request handler.
type Endpoint func(ctx context.Context, request any) (any, error)

// Middleware wraps an Endpoint with cross-cutting behavior.
type Middleware func(next Endpoint) Endpoint

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	transportKey contextKey = "transport"
	sessionIDKey contextKey = "session_id"
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

func WithTransport(ctx context.Context, transport string) context.Context {
	return context.WithValue(ctx, transportKey, transport)
}

func GetTransport(ctx context.Context) string {
	v, _ := ctx.Value(transportKey).(string)
	return v
}

func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

func GetSessionID(ctx context.Context) string {
	v, _ := ctx.Value(sessionIDKey).(string)
	return v
}

// MCPDecodeResult carries the typed request produced by a tool's
// decode function.
type MCPDecodeResult struct {
	Request any
}

// RegisterMCPTool wires an Endpoint into an MCP server: the decode
// function converts the MCP call into a typed request, the endpoint
// runs it, and the response is serialized into a text result. Endpoint
// errors become tool errors rather than protocol failures.
func RegisterMCPTool(srv *server.MCPServer, tool mcp.Tool, endpoint Endpoint, decode func(req mcp.CallToolRequest) (*MCPDecodeResult, error)) {
	srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx = WithTransport(ctx, "mcp_stdio")
		ctx = WithRequestID(ctx, "req_"+uuid.NewString())

		decoded, err := decode(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		resp, err := endpoint(ctx, decoded.Request)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		if text, ok := resp.(string); ok {
			return mcp.NewToolResultText(text), nil
		}
		b, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return mcp.NewToolResultError("serializing result: " + err.Error()), nil
		}
		return mcp.NewToolResultText(string(b)), nil
	})
}
