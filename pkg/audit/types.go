package audit

import "context"

// Entry records a single tool invocation for the audit trail.
type Entry struct {
	EntryID    string `json:"entry_id"`
	Timestamp  int64  `json:"timestamp"`
	Tool       string `json:"tool"`
	Transport  string `json:"transport"` // "http" or "mcp_stdio"
	SessionID  string `json:"session_id"`
	RequestID  string `json:"request_id"`
	Arguments  string `json:"arguments"`
	Result     string `json:"result"`
	Error      string `json:"error_message"`
	DurationMs int64  `json:"duration_ms"`
	Status     string `json:"status"` // "success" or "error"
}

// Logger writes audit entries to storage.
type Logger interface {
	Log(ctx context.Context, entry *Entry) error
	LogAsync(entry *Entry)
	Close() error
}

// Nop discards all entries. Used when auditing is disabled.
type Nop struct{}

func (Nop) Log(context.Context, *Entry) error { return nil }
func (Nop) LogAsync(*Entry)                   {}
func (Nop) Close() error                      { return nil }
