package protocol

import (
	"sync"

	"github.com/google/uuid"
)

// Session is the per-transport protocol state. The only transition is
// Uninitialized -> Initialized, driven by a successful initialize call.
type Session struct {
	ID string

	mu              sync.Mutex
	initialized     bool
	protocolVersion string
	clientInfo      ClientInfo
}

func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

func (s *Session) initialize(version string, info ClientInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
	s.protocolVersion = version
	s.clientInfo = info
}

// ClientInfo returns what the client reported during initialize.
func (s *Session) ClientInfo() ClientInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientInfo
}

// SessionManager tracks live sessions by id. HTTP clients carry the id
// in the Mcp-Session-Id header; stdio transports hold a single session
// for the process lifetime.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]*Session)}
}

// New mints a fresh uninitialized session. It is not retained until
// Put, so callers that never initialize cost nothing.
func (m *SessionManager) New() *Session {
	return &Session{ID: uuid.NewString()}
}

// Get returns the session for id, or a fresh uninitialized session when
// the id is unknown or empty; out-of-order callers then fail the
// initialization check exactly as the state machine requires. The fresh
// session is not retained, so clients that never send a valid id (or
// never initialize) cannot grow the map.
func (m *SessionManager) Get(id string) *Session {
	if id != "" {
		m.mu.RLock()
		s, ok := m.sessions[id]
		m.mu.RUnlock()
		if ok {
			return s
		}
	}
	return m.New()
}

// Put retains a session so later requests can resume it by id. Called
// once a session has actually initialized.
func (m *SessionManager) Put(s *Session) {
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
}

// Len reports how many sessions are retained.
func (m *SessionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Drop removes a session on transport close.
func (m *SessionManager) Drop(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}
