package protocol

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hazyhaar/pgscope/internal/tools"
)

// Dispatcher parses request envelopes, enforces the session state
// machine, and routes methods. It holds no per-request state of its own;
// everything mutable lives in the Session.
type Dispatcher struct {
	exec       *tools.Executor
	serverInfo ServerInfo
	logger     *slog.Logger
}

func NewDispatcher(exec *tools.Executor, serverInfo ServerInfo, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{exec: exec, serverInfo: serverInfo, logger: logger}
}

// Handle processes one raw JSON-RPC message for the given session and
// returns the response envelope. Malformed bodies short-circuit before
// any state inspection; when no id could be parsed, none is echoed.
func (d *Dispatcher) Handle(ctx context.Context, sess *Session, raw []byte) *Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		d.logger.Warn("unparsable request body", "error", err)
		return &Response{JSONRPC: "2.0", Error: errParse()}
	}
	return d.HandleRequest(ctx, sess, &req)
}

// HandleRequest routes an already-parsed envelope.
func (d *Dispatcher) HandleRequest(ctx context.Context, sess *Session, req *Request) *Response {
	resp := &Response{JSONRPC: "2.0", ID: req.ID}

	if req.Method == "" {
		resp.Error = errInvalidRequest("missing method")
		return resp
	}
	if req.JSONRPC != "" && req.JSONRPC != "2.0" {
		resp.Error = errInvalidRequest("unsupported jsonrpc version")
		return resp
	}

	start := time.Now()
	d.logger.Info("rpc request", "method", req.Method, "session", sess.ID)

	switch req.Method {
	case "initialize":
		d.handleInitialize(sess, req, resp)
	case "initialized", "notifications/initialized":
		// Client handshake acknowledgement, nothing to record.
		resp.Result = map[string]any{}
	case "ping":
		resp.Result = map[string]any{
			"status":    "pong",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"server":    d.serverInfo.Name,
		}
	case "logging/setLevel":
		resp.Result = map[string]any{}
	case "prompts/list":
		resp.Result = map[string]any{"prompts": []any{}}
	case "tools/list":
		if !sess.Initialized() {
			resp.Error = errNotInitialized()
			break
		}
		resp.Result = ToolsListResult{Tools: d.exec.Registry().List()}
	case "tools/call":
		if !sess.Initialized() {
			resp.Error = errNotInitialized()
			break
		}
		d.handleToolCall(ctx, req, resp)
	default:
		resp.Error = errMethodNotFound(req.Method)
	}

	d.logger.Info("rpc response",
		"method", req.Method,
		"session", sess.ID,
		"ok", resp.Error == nil,
		"duration", time.Since(start))
	return resp
}

func (d *Dispatcher) handleInitialize(sess *Session, req *Request, resp *Response) {
	var params InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			resp.Error = errInvalidParams("malformed initialize params", nil)
			return
		}
	}
	if params.ProtocolVersion == "" {
		resp.Error = errInvalidParams("missing required parameter: protocolVersion", map[string]any{"param": "protocolVersion"})
		return
	}
	if params.ProtocolVersion != ProtocolVersion {
		d.logger.Warn("protocol version mismatch",
			"client", params.ProtocolVersion, "server", ProtocolVersion)
	}

	sess.initialize(params.ProtocolVersion, params.ClientInfo)
	d.logger.Info("session initialized",
		"session", sess.ID,
		"client", params.ClientInfo.Name,
		"client_version", params.ClientInfo.Version)

	resp.Result = InitializeResult{
		ProtocolVersion: ProtocolVersion,
		ServerInfo:      d.serverInfo,
		Capabilities: map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{},
			"prompts":   map[string]any{},
			"logging":   map[string]any{},
		},
	}
}

func (d *Dispatcher) handleToolCall(ctx context.Context, req *Request, resp *Response) {
	var params ToolCallParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			resp.Error = errInvalidParams("malformed tools/call params", nil)
			return
		}
	}
	if params.Name == "" {
		resp.Error = errInvalidParams("missing required parameter: name", map[string]any{"param": "name"})
		return
	}

	payload, err := d.exec.Execute(ctx, params.Name, params.Arguments)
	if err != nil {
		resp.Error = toolError(err)
		return
	}

	text, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		d.logger.Error("serializing tool payload", "tool", params.Name, "error", err)
		resp.Error = &RPCError{Code: CodeInternalError, Message: "internal error"}
		return
	}
	resp.Result = ToolCallResult{
		Content: []ContentItem{{Type: "text", Text: string(text)}},
	}
}
