// Package protocol implements the JSON-RPC 2.0 dispatch engine for the
// gateway: envelope parsing, per-session initialization state, method
// routing, and the mapping from internal outcomes to wire errors.
package protocol

import (
	"encoding/json"

	"github.com/hazyhaar/pgscope/internal/tools"
)

// ProtocolVersion is the MCP protocol revision this server speaks.
const ProtocolVersion = "2024-11-05"

// Request is an inbound JSON-RPC envelope. The id stays raw so the
// response echoes it byte-for-byte, whatever JSON type the client used.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is an outbound JSON-RPC envelope. Exactly one of Result and
// Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the wire error object. Message is always sanitized; Data
// may carry the offending parameter name, never backend detail.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ClientInfo identifies the connecting client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo identifies this server in initialize results.
type ServerInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
}

// InitializeParams are the client's initialize arguments.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      ClientInfo     `json:"clientInfo"`
}

// InitializeResult is the negotiated handshake outcome.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

// ToolsListResult wraps the catalog for tools/list.
type ToolsListResult struct {
	Tools []tools.Descriptor `json:"tools"`
}

// ToolCallParams are the tools/call arguments.
type ToolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ContentItem is one element of a tools/call result.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolCallResult wraps a tool payload for the wire.
type ToolCallResult struct {
	Content []ContentItem `json:"content"`
}
