package protocol

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/pgscope/internal/pgpool"
	"github.com/hazyhaar/pgscope/internal/tools"
)

type stubConn struct {
	mu   sync.Mutex
	rows map[string][]map[string]any
}

func (c *stubConn) Query(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, rows := range c.rows {
		if strings.Contains(sql, key) {
			return rows, nil
		}
	}
	return nil, nil
}

func (c *stubConn) Ping(ctx context.Context) error  { return nil }
func (c *stubConn) Close(ctx context.Context) error { return nil }
func (c *stubConn) IsClosed() bool                  { return false }

type testEnv struct {
	d    *Dispatcher
	sm   *SessionManager
	pool *pgpool.Pool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn := &stubConn{rows: map[string][]map[string]any{
		"pg_database": {
			{"database_name": "app", "size_pretty": "12 MB", "size_bytes": int64(12582912)},
		},
	}}
	pool := pgpool.New(func(ctx context.Context) (pgpool.Conn, error) {
		return conn, nil
	}, pgpool.Options{Min: 1, Max: 2, ProbeInterval: time.Hour}, nil)
	pool.Start(context.Background())
	t.Cleanup(pool.Close)

	exec := tools.NewExecutor(tools.NewRegistry(tools.Limits{}), pool, time.Second, time.Second, nil)
	d := NewDispatcher(exec, ServerInfo{Name: "pgscope", Version: "test"}, nil)
	return &testEnv{d: d, sm: NewSessionManager(), pool: pool}
}

func (e *testEnv) handle(t *testing.T, sess *Session, body string) *Response {
	t.Helper()
	return e.d.Handle(context.Background(), sess, []byte(body))
}

func initializeBody(id string) string {
	return `{"jsonrpc":"2.0","id":` + id + `,"method":"initialize","params":{"protocolVersion":"` +
		ProtocolVersion + `","clientInfo":{"name":"test-client","version":"1.0"}}}`
}

func TestToolCallBeforeInitialize(t *testing.T) {
	env := newTestEnv(t)
	sess := env.sm.New()

	before := env.pool.Stats().Acquires
	resp := env.handle(t, sess, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get_databases"}}`)
	if resp.Error == nil || resp.Error.Code != CodeNotInitialized {
		t.Fatalf("error = %+v, want NotInitialized", resp.Error)
	}
	if after := env.pool.Stats().Acquires; after != before {
		t.Errorf("query issued before initialize: acquires %d -> %d", before, after)
	}

	resp = env.handle(t, sess, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	if resp.Error == nil || resp.Error.Code != CodeNotInitialized {
		t.Errorf("tools/list error = %+v, want NotInitialized", resp.Error)
	}
}

func TestInitializeThenListAndCall(t *testing.T) {
	env := newTestEnv(t)
	sess := env.sm.New()

	resp := env.handle(t, sess, initializeBody("1"))
	if resp.Error != nil {
		t.Fatalf("initialize failed: %+v", resp.Error)
	}
	init := resp.Result.(InitializeResult)
	if init.ProtocolVersion != ProtocolVersion {
		t.Errorf("negotiated version = %q", init.ProtocolVersion)
	}
	if !sess.Initialized() {
		t.Fatal("session not marked initialized")
	}

	resp = env.handle(t, sess, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	if resp.Error != nil {
		t.Fatalf("tools/list failed: %+v", resp.Error)
	}
	list := resp.Result.(ToolsListResult)
	if len(list.Tools) != 10 {
		t.Fatalf("tools/list returned %d descriptors, want 10", len(list.Tools))
	}
	if list.Tools[0].Name != "get_databases" || list.Tools[9].Name != "check_database_health" {
		t.Errorf("unexpected catalog bounds: first=%q last=%q", list.Tools[0].Name, list.Tools[9].Name)
	}

	resp = env.handle(t, sess, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"get_databases"}}`)
	if resp.Error != nil {
		t.Fatalf("tools/call failed: %+v", resp.Error)
	}
	call := resp.Result.(ToolCallResult)
	if len(call.Content) != 1 || call.Content[0].Type != "text" {
		t.Fatalf("content = %#v", call.Content)
	}
	var payload struct {
		Databases []map[string]any `json:"databases"`
	}
	if err := json.Unmarshal([]byte(call.Content[0].Text), &payload); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if len(payload.Databases) != 1 || payload.Databases[0]["database_name"] != "app" {
		t.Errorf("payload databases = %#v", payload.Databases)
	}
	if payload.Databases[0]["size_bytes"] == nil {
		t.Error("database entry missing size field")
	}
}

func TestRequestIDEchoedVerbatim(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct{ name, id string }{
		{"number", "42"},
		{"string", `"req-abc"`},
		{"null", "null"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sess := env.sm.New()
			resp := env.handle(t, sess, initializeBody(tc.id))
			if string(resp.ID) != tc.id {
				t.Errorf("echoed id = %s, want %s", resp.ID, tc.id)
			}
		})
	}
}

func TestMalformedEnvelope(t *testing.T) {
	env := newTestEnv(t)
	sess := env.sm.New()

	resp := env.handle(t, sess, `{not json`)
	if resp.Error == nil || resp.Error.Code != CodeParseError {
		t.Fatalf("error = %+v, want ParseError", resp.Error)
	}
	if resp.ID != nil {
		t.Errorf("unparsable body should not echo an id, got %s", resp.ID)
	}

	resp = env.handle(t, sess, `{"jsonrpc":"2.0","id":7}`)
	if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Fatalf("error = %+v, want InvalidRequest", resp.Error)
	}
	if string(resp.ID) != "7" {
		t.Errorf("id = %s, want 7", resp.ID)
	}
}

func TestUnknownMethodAndTool(t *testing.T) {
	env := newTestEnv(t)
	sess := env.sm.New()
	env.handle(t, sess, initializeBody("1"))

	resp := env.handle(t, sess, `{"jsonrpc":"2.0","id":2,"method":"tools/destroy"}`)
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Errorf("unknown method error = %+v", resp.Error)
	}

	before := env.pool.Stats().Acquires
	resp = env.handle(t, sess, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"drop_everything"}}`)
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Errorf("unknown tool error = %+v", resp.Error)
	}
	if after := env.pool.Stats().Acquires; after != before {
		t.Errorf("unknown tool touched the pool: acquires %d -> %d", before, after)
	}
}

func TestInitializeRequiresProtocolVersion(t *testing.T) {
	env := newTestEnv(t)
	sess := env.sm.New()

	resp := env.handle(t, sess, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"clientInfo":{"name":"x"}}}`)
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("error = %+v, want InvalidParams", resp.Error)
	}
	if sess.Initialized() {
		t.Error("session initialized despite invalid params")
	}
}

func TestPingAllowedBeforeInitialize(t *testing.T) {
	env := newTestEnv(t)
	sess := env.sm.New()

	resp := env.handle(t, sess, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if resp.Error != nil {
		t.Fatalf("ping failed: %+v", resp.Error)
	}
	result := resp.Result.(map[string]any)
	if result["status"] != "pong" {
		t.Errorf("ping result = %#v", result)
	}
}

func TestInvalidArgumentsSurfaceParam(t *testing.T) {
	env := newTestEnv(t)
	sess := env.sm.New()
	env.handle(t, sess, initializeBody("1"))

	resp := env.handle(t, sess, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"describe_table","arguments":{"database":"app","table":"users; DROP TABLE users--"}}}`)
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("error = %+v, want InvalidParams", resp.Error)
	}
	data, _ := resp.Error.Data.(map[string]any)
	if data["param"] != "table" {
		t.Errorf("error data = %#v, want offending param 'table'", resp.Error.Data)
	}
}

func TestSessionManagerRetention(t *testing.T) {
	sm := NewSessionManager()

	s1 := sm.Get("")
	if s1.Initialized() {
		t.Error("fresh session should be uninitialized")
	}
	if sm.Get(s1.ID) == s1 {
		t.Error("session should not be retained before Put")
	}

	s1.initialize(ProtocolVersion, ClientInfo{Name: "test"})
	sm.Put(s1)
	if sm.Get(s1.ID) != s1 {
		t.Error("retained id should return the same session")
	}

	s3 := sm.Get("nonexistent")
	if s3 == s1 || s3.Initialized() {
		t.Error("unknown id should mint a fresh uninitialized session")
	}

	sm.Drop(s1.ID)
	if sm.Get(s1.ID) == s1 {
		t.Error("dropped session should not be returned")
	}
}

func TestSessionManagerBoundedByAnonymousTraffic(t *testing.T) {
	sm := NewSessionManager()
	for i := 0; i < 100; i++ {
		sm.Get("")
		sm.Get("bogus-session-id")
	}
	if n := sm.Len(); n != 0 {
		t.Errorf("anonymous requests retained %d sessions, want 0", n)
	}
}
