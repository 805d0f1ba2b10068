// Package api exposes the gateway over HTTP: the JSON-RPC endpoint at
// POST /mcp plus health, readiness, and catalog routes.
package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/pgscope/internal/health"
	"github.com/hazyhaar/pgscope/internal/protocol"
	"github.com/hazyhaar/pgscope/internal/tools"
	"github.com/hazyhaar/pgscope/pkg/audit"
)

const sessionHeader = "Mcp-Session-Id"

type API struct {
	dispatcher *protocol.Dispatcher
	sessions   *protocol.SessionManager
	registry   *tools.Registry
	checker    *health.Checker
	auditLog   audit.Logger
	info       protocol.ServerInfo
	maxBody    int64
	limiter    *RateLimiter
	logger     *slog.Logger
}

type Options struct {
	MaxBodyBytes    int64
	RateLimitPerMin int
	AuditLog        audit.Logger
	Logger          *slog.Logger
}

func New(d *protocol.Dispatcher, reg *tools.Registry, checker *health.Checker, info protocol.ServerInfo, opts Options) *API {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 256 * 1024
	}
	if opts.RateLimitPerMin <= 0 {
		opts.RateLimitPerMin = 100
	}
	if opts.AuditLog == nil {
		opts.AuditLog = audit.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &API{
		dispatcher: d,
		sessions:   protocol.NewSessionManager(),
		registry:   reg,
		checker:    checker,
		auditLog:   opts.AuditLog,
		info:       info,
		maxBody:    opts.MaxBodyBytes,
		limiter:    NewRateLimiter(opts.RateLimitPerMin, time.Minute),
		logger:     opts.Logger,
	}
}

func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /mcp", RateLimitMiddleware(a.limiter, a.handleMCP))
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /health/ready", a.handleReady)
	mux.HandleFunc("GET /health/live", a.handleLive)
	mux.HandleFunc("GET /tools", a.handleTools)
	mux.HandleFunc("GET /{$}", a.handleRoot)
}

// Handler returns the fully wired HTTP handler.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	a.RegisterRoutes(mux)
	return SecurityHeaders(mux)
}

func (a *API) handleMCP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxBody))
	if err != nil {
		jsonError(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	sess := a.sessions.Get(r.Header.Get(sessionHeader))
	w.Header().Set(sessionHeader, sess.ID)

	start := time.Now()
	resp := a.dispatcher.Handle(r.Context(), sess, body)
	if sess.Initialized() {
		// Retain only sessions that completed the handshake; anonymous
		// or malformed traffic must not grow the session map.
		a.sessions.Put(sess)
	}
	a.auditToolCall(sess.ID, body, resp, time.Since(start))

	jsonResp(w, http.StatusOK, resp)
}

// auditToolCall records tools/call invocations. Other methods are not
// audited; they neither touch the database nor carry arguments worth
// keeping.
func (a *API) auditToolCall(sessionID string, body []byte, resp *protocol.Response, d time.Duration) {
	var req struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		} `json:"params"`
	}
	if json.Unmarshal(body, &req) != nil || req.Method != "tools/call" {
		return
	}

	entry := &audit.Entry{
		Tool:       req.Params.Name,
		Transport:  "http",
		SessionID:  sessionID,
		RequestID:  string(req.ID),
		DurationMs: d.Milliseconds(),
	}
	if args, err := json.Marshal(req.Params.Arguments); err == nil {
		entry.Arguments = string(args)
	}
	if resp.Error != nil {
		entry.Error = resp.Error.Message
		entry.Status = "error"
	} else {
		entry.Status = "success"
	}
	a.auditLog.LogAsync(entry)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := a.checker.Report()
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	jsonResp(w, status, report)
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if !a.checker.Ready() {
		jsonResp(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
		return
	}
	jsonResp(w, http.StatusOK, map[string]any{"ready": true})
}

func (a *API) handleLive(w http.ResponseWriter, r *http.Request) {
	jsonResp(w, http.StatusOK, map[string]any{"alive": true})
}

func (a *API) handleTools(w http.ResponseWriter, r *http.Request) {
	jsonResp(w, http.StatusOK, map[string]any{
		"tools": a.registry.List(),
		"count": a.registry.Len(),
	})
}

func (a *API) handleRoot(w http.ResponseWriter, r *http.Request) {
	jsonResp(w, http.StatusOK, map[string]any{
		"name":             a.info.Name,
		"version":          a.info.Version,
		"description":      a.info.Description,
		"protocol_version": protocol.ProtocolVersion,
		"endpoints": map[string]string{
			"mcp":    "/mcp",
			"health": "/health",
			"tools":  "/tools",
		},
	})
}

// --- Helpers ---

func jsonResp(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
