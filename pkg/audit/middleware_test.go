package audit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hazyhaar/pgscope/pkg/kit"
)

type captureLogger struct {
	mu      sync.Mutex
	entries []*Entry
}

func (l *captureLogger) Log(_ context.Context, e *Entry) error {
	l.LogAsync(e)
	return nil
}

func (l *captureLogger) LogAsync(e *Entry) {
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
}

func (l *captureLogger) Close() error { return nil }

func (l *captureLogger) last(t *testing.T) *Entry {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		t.Fatal("no audit entry recorded")
	}
	return l.entries[len(l.entries)-1]
}

func TestMiddlewareCapturesContextAndOutcome(t *testing.T) {
	logger := &captureLogger{}
	var endpoint kit.Endpoint = func(ctx context.Context, request any) (any, error) {
		return map[string]any{"rows": 3}, nil
	}
	endpoint = Middleware(logger, "get_tables")(endpoint)

	ctx := kit.WithTransport(context.Background(), "mcp_stdio")
	ctx = kit.WithSessionID(ctx, "stdio_abc")
	ctx = kit.WithRequestID(ctx, "req_123")

	if _, err := endpoint(ctx, map[string]any{"database": "app"}); err != nil {
		t.Fatal(err)
	}

	e := logger.last(t)
	if e.Tool != "get_tables" || e.Status != "success" {
		t.Errorf("entry = %+v", e)
	}
	if e.Transport != "mcp_stdio" || e.SessionID != "stdio_abc" || e.RequestID != "req_123" {
		t.Errorf("context ids not captured: transport=%q session=%q request=%q",
			e.Transport, e.SessionID, e.RequestID)
	}
	if e.Arguments != `{"database":"app"}` {
		t.Errorf("arguments = %q", e.Arguments)
	}
	if e.Result == "" {
		t.Error("successful call should record its result")
	}
}

func TestMiddlewareRecordsErrors(t *testing.T) {
	logger := &captureLogger{}
	var endpoint kit.Endpoint = func(ctx context.Context, request any) (any, error) {
		return nil, errors.New("internal error executing tool")
	}
	endpoint = Middleware(logger, "get_indexes")(endpoint)

	if _, err := endpoint(context.Background(), nil); err == nil {
		t.Fatal("endpoint error should propagate")
	}

	e := logger.last(t)
	if e.Status != "error" || e.Error != "internal error executing tool" {
		t.Errorf("entry = %+v", e)
	}
	if e.Result != "" {
		t.Error("failed call should not record a result")
	}
}
