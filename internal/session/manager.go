package session

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Session is one accepted device connection. It is the handle the registry
// binds display names to, so the dispatcher can write back on it.
type Session struct {
	ID         string
	Conn       net.Conn
	RemoteAddr string
	StartedAt  time.Time
	FramesIn   int64 // frames accepted from the device
	BytesIn    int64 // bytes read from the device
	BytesOut   int64 // bytes written to the device

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Send writes payload in a single attempt. Concurrent senders are serialized
// so frames never interleave on the socket.
func (s *Session) Send(payload []byte, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if timeout > 0 {
		s.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer s.Conn.SetWriteDeadline(time.Time{})
	}

	n, err := s.Conn.Write(payload)
	atomic.AddInt64(&s.BytesOut, int64(n))
	if err != nil {
		return fmt.Errorf("write to %s: %w", s.RemoteAddr, err)
	}
	return nil
}

// Close closes the connection once; later calls return the first result
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.Conn.Close()
	})
	return s.closeErr
}

// AddRead records one read of n bytes
func (s *Session) AddRead(n int) {
	atomic.AddInt64(&s.BytesIn, int64(n))
}

// AddFrame records one accepted frame
func (s *Session) AddFrame() {
	atomic.AddInt64(&s.FramesIn, 1)
}

// Manager tracks live sessions
type Manager struct {
	sessions sync.Map // map[string]*Session
	onStart  func(*Session)
	onEnd    func(*Session)
}

// NewManager creates a new session manager
func NewManager() *Manager {
	return &Manager{}
}

// SetCallbacks sets session lifecycle callbacks
func (m *Manager) SetCallbacks(onStart, onEnd func(*Session)) {
	m.onStart = onStart
	m.onEnd = onEnd
}

// Create registers a session for an accepted connection
func (m *Manager) Create(conn net.Conn) *Session {
	sess := &Session{
		ID:         uuid.NewString(),
		Conn:       conn,
		RemoteAddr: conn.RemoteAddr().String(),
		StartedAt:  time.Now(),
	}

	m.sessions.Store(sess.ID, sess)

	if m.onStart != nil {
		m.onStart(sess)
	}

	return sess
}

// End removes a session
func (m *Manager) End(sessionID string) {
	val, ok := m.sessions.LoadAndDelete(sessionID)
	if !ok {
		return
	}

	if m.onEnd != nil {
		m.onEnd(val.(*Session))
	}
}

// Terminate closes a session's connection; its read loop then ends it
func (m *Manager) Terminate(sessionID string) bool {
	sess, ok := m.Get(sessionID)
	if !ok {
		return false
	}
	sess.Close()
	return true
}

// CloseAll closes every live connection, used on shutdown
func (m *Manager) CloseAll() {
	m.sessions.Range(func(key, value any) bool {
		value.(*Session).Close()
		return true
	})
}

// Get returns a session by ID
func (m *Manager) Get(sessionID string) (*Session, bool) {
	val, ok := m.sessions.Load(sessionID)
	if !ok {
		return nil, false
	}
	return val.(*Session), true
}

// Count returns number of live sessions
func (m *Manager) Count() int {
	count := 0
	m.sessions.Range(func(key, value any) bool {
		count++
		return true
	})
	return count
}

// SessionInfo is used for API responses
type SessionInfo struct {
	ID           string    `json:"id"`
	RemoteAddr   string    `json:"remote_addr"`
	StartedAt    time.Time `json:"started_at"`
	DurationSecs float64   `json:"duration_secs"`
	FramesIn     int64     `json:"frames_in"`
	BytesIn      int64     `json:"bytes_in"`
	BytesOut     int64     `json:"bytes_out"`
}

// ListInfo returns session info for API
func (m *Manager) ListInfo() []SessionInfo {
	var infos []SessionInfo
	now := time.Now()
	m.sessions.Range(func(key, value any) bool {
		sess := value.(*Session)
		infos = append(infos, SessionInfo{
			ID:           sess.ID,
			RemoteAddr:   sess.RemoteAddr,
			StartedAt:    sess.StartedAt,
			DurationSecs: now.Sub(sess.StartedAt).Seconds(),
			FramesIn:     atomic.LoadInt64(&sess.FramesIn),
			BytesIn:      atomic.LoadInt64(&sess.BytesIn),
			BytesOut:     atomic.LoadInt64(&sess.BytesOut),
		})
		return true
	})
	return infos
}
