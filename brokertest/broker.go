// Package brokertest runs an in-process broker that speaks the RTI wire protocol.
// It is meant for tests and local experiments, not for production traffic.
package brokertest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/mbocsi/gorti/proto"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// RPCHandler answers an invoked method. A non-nil errPayload is sent as the response error.
type RPCHandler func(data json.RawMessage) (result any, errPayload any)

// Received is a frame read from a client session.
type Received struct {
	Session string
	Frame   proto.Frame
	Text    string // raw text for heartbeat replies, which are not envelopes
}

type Broker struct {
	// Version is announced with a broker-version event after authentication when set.
	Version string
	// RejectAuth makes the broker answer auth with a fail event carrying this reason.
	RejectAuth string
	// HeartbeatInterval makes the broker probe every session with #1 at this period.
	HeartbeatInterval time.Duration

	log    *slog.Logger
	server *httptest.Server
	paused atomic.Bool

	mu       sync.RWMutex
	subs     map[string]map[*Session]struct{}
	sessions map[string]*Session
	rpc      map[string]RPCHandler
	frames   []Received
}

func New() *Broker {
	return &Broker{
		log:      slog.Default().With("component", "brokertest"),
		subs:     make(map[string]map[*Session]struct{}),
		sessions: make(map[string]*Session),
		rpc:      make(map[string]RPCHandler),
	}
}

// Start serves the broker on a loopback port.
func (b *Broker) Start() {
	b.server = httptest.NewServer(b.Routes())
}

// URL is the websocket address of a started broker.
func (b *Broker) URL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http") + "/"
}

func (b *Broker) Close() {
	b.DropConnections()
	if b.server != nil {
		b.server.Close()
	}
}

func (b *Broker) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/", b.handleWebSocket)
	r.Get("/socketcluster/", b.handleWebSocket)
	return r
}

func (b *Broker) HandleRPC(method string, fn RPCHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rpc[method] = fn
}

// PauseHeartbeats stops probing sessions until ResumeHeartbeats.
func (b *Broker) PauseHeartbeats()  { b.paused.Store(true) }
func (b *Broker) ResumeHeartbeats() { b.paused.Store(false) }

func (b *Broker) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Error("Failed to upgrade connection", "error", err)
		return
	}
	go b.handleConnection(newSession(conn))
}

func (b *Broker) handleConnection(s *Session) {
	b.mu.Lock()
	b.sessions[s.ID] = s
	b.mu.Unlock()
	b.log.Debug("Session connected", "session", s.ID)

	defer func() {
		b.removeSession(s)
		s.close()
		b.log.Debug("Session disconnected", "session", s.ID)
	}()

	if b.HeartbeatInterval > 0 {
		go b.probe(s)
	}

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.log.Warn("WebSocket connection error", "session", s.ID, "error", err)
			}
			return
		}

		text := string(data)
		if text == proto.HeartbeatEmpty || text == proto.HeartbeatResponse {
			s.heartbeats.Add(1)
			b.record(Received{Session: s.ID, Text: text})
			continue
		}

		var f proto.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			b.log.Warn("Invalid JSON message received", "error", err, "data", text)
			continue
		}
		b.record(Received{Session: s.ID, Frame: f, Text: text})
		b.handleFrame(s, f)
	}
}

func (b *Broker) handleFrame(s *Session, f proto.Frame) {
	switch f.Event {
	case proto.EventHandshake:
		s.send(map[string]any{
			"rid":  f.CID,
			"data": map[string]any{"id": s.ID, "pingTimeout": 20000, "isAuthenticated": false},
		})

	case proto.EventAuth:
		var auth proto.AuthPayload
		if err := json.Unmarshal(f.Data, &auth); err != nil {
			b.log.Warn("Invalid auth payload", "session", s.ID, "error", err)
		}
		s.setAuth(auth)
		if b.RejectAuth != "" {
			s.send(proto.Frame{Event: proto.EventFail, Data: mustMarshal(b.RejectAuth)})
			return
		}
		s.send(proto.Frame{Event: proto.EventSetAuthToken, Data: mustMarshal(proto.AuthToken{Token: newID()})})
		if b.Version != "" {
			s.send(proto.Frame{Event: proto.EventBrokerVersion, Data: mustMarshal(b.Version)})
		}

	case proto.EventSubscribe:
		var sub proto.SubscribePayload
		if err := json.Unmarshal(f.Data, &sub); err != nil {
			b.log.Warn("Invalid subscribe payload", "session", s.ID, "error", err)
			return
		}
		b.subscribe(sub.Channel, s)
		if f.CID != 0 {
			s.send(map[string]any{"rid": f.CID})
		}

	case proto.EventUnsubscribe:
		var channel string
		if err := json.Unmarshal(f.Data, &channel); err != nil {
			b.log.Warn("Invalid unsubscribe payload", "session", s.ID, "error", err)
			return
		}
		b.unsubscribe(channel, s)

	case proto.EventPublish:
		var pub proto.Publication
		if err := json.Unmarshal(f.Data, &pub); err != nil {
			b.log.Warn("Invalid publish payload", "session", s.ID, "error", err)
			return
		}
		b.Publish(pub.Channel, pub.Data)

	case proto.EventPong:

	default:
		if f.CID == 0 {
			return
		}
		b.mu.RLock()
		fn, ok := b.rpc[f.Event]
		b.mu.RUnlock()
		if !ok {
			s.send(map[string]any{"rid": f.CID, "error": "no such procedure: " + f.Event})
			return
		}
		result, errPayload := fn(f.Data)
		if errPayload != nil {
			s.send(map[string]any{"rid": f.CID, "error": errPayload})
			return
		}
		s.send(map[string]any{"rid": f.CID, "data": result})
	}
}

func (b *Broker) subscribe(channel string, s *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*Session]struct{})
	}
	b.subs[channel][s] = struct{}{}
}

func (b *Broker) unsubscribe(channel string, s *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subs[channel]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(b.subs, channel)
		}
	}
}

func (b *Broker) removeSession(s *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, s.ID)
	for channel, subs := range b.subs {
		delete(subs, s)
		if len(subs) == 0 {
			delete(b.subs, channel)
		}
	}
}

// Publish fans a publication out to every session subscribed to the wire channel name.
func (b *Broker) Publish(channel, data string) {
	b.mu.RLock()
	targets := make([]*Session, 0, len(b.subs[channel]))
	for s := range b.subs[channel] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	frame := proto.Frame{Event: proto.EventPublish, Data: mustMarshal(proto.Publication{Channel: channel, Data: data})}
	for _, s := range targets {
		s.send(frame)
	}
	b.log.Debug("Message published", "channel", channel, "subscribers", len(targets), "size", len(data))
}

// PublishTo sends a publication to one session whether or not it subscribed.
func (b *Broker) PublishTo(sessionID, channel, data string) bool {
	s, ok := b.Session(sessionID)
	if !ok {
		return false
	}
	s.send(proto.Frame{Event: proto.EventPublish, Data: mustMarshal(proto.Publication{Channel: channel, Data: data})})
	return true
}

// Emit sends an arbitrary event to every session.
func (b *Broker) Emit(event string, data any) {
	for _, s := range b.Sessions() {
		s.send(proto.Frame{Event: event, Data: mustMarshal(data)})
	}
}

// SendText writes a raw text frame to every session.
func (b *Broker) SendText(text string) {
	for _, s := range b.Sessions() {
		s.sendText(text)
	}
}

// DropConnections closes every session socket without a close handshake.
func (b *Broker) DropConnections() {
	for _, s := range b.Sessions() {
		s.close()
	}
}

func (b *Broker) Sessions() []*Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

func (b *Broker) Session(id string) (*Session, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[id]
	return s, ok
}

// Subscribers returns how many sessions are subscribed to the wire channel name.
func (b *Broker) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

func (b *Broker) Frames() []Received {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.frames)
}

// FramesFor returns received envelopes with the given event, in arrival order.
func (b *Broker) FramesFor(event string) []proto.Frame {
	var out []proto.Frame
	for _, r := range b.Frames() {
		if r.Text != "" && r.Frame.Event == event {
			out = append(out, r.Frame)
		}
	}
	return out
}

// Publications returns the payloads published by clients on the wire channel name.
func (b *Broker) Publications(channel string) []string {
	var out []string
	for _, f := range b.FramesFor(proto.EventPublish) {
		var pub proto.Publication
		if err := json.Unmarshal(f.Data, &pub); err == nil && pub.Channel == channel {
			out = append(out, pub.Data)
		}
	}
	return out
}

func (b *Broker) record(r Received) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, r)
}

func (b *Broker) probe(s *Session) {
	ticker := time.NewTicker(b.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if !b.paused.Load() {
				s.sendText(proto.HeartbeatProbe)
			}
		}
	}
}
