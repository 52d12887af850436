package brokertest

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mbocsi/gorti/proto"
)

// Session is one client connection to the broker.
type Session struct {
	ID   string
	conn *websocket.Conn

	wmu sync.Mutex // gorilla allows a single concurrent writer

	amu  sync.RWMutex
	auth *proto.AuthPayload

	heartbeats atomic.Int64
	done       chan struct{}
	closeOnce  sync.Once
}

func newSession(conn *websocket.Conn) *Session {
	return &Session{
		ID:   newID(),
		conn: conn,
		done: make(chan struct{}),
	}
}

// Auth returns the last auth payload the client sent, if any.
func (s *Session) Auth() (proto.AuthPayload, bool) {
	s.amu.RLock()
	defer s.amu.RUnlock()
	if s.auth == nil {
		return proto.AuthPayload{}, false
	}
	return *s.auth, true
}

// HeartbeatReplies counts heartbeat acknowledgments received from the client.
func (s *Session) HeartbeatReplies() int64 {
	return s.heartbeats.Load()
}

func (s *Session) setAuth(a proto.AuthPayload) {
	s.amu.Lock()
	defer s.amu.Unlock()
	s.auth = &a
}

func (s *Session) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal broker frame", "session", s.ID, "error", err)
		return
	}
	s.write(data)
}

func (s *Session) sendText(text string) {
	s.write([]byte(text))
}

func (s *Session) write(data []byte) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Debug("Failed to write to session", "session", s.ID, "error", err)
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func newID() string {
	return uuid.New().String()
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("marshal error: " + err.Error())
	}
	return data
}
