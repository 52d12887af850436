package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbocsi/gorti/proto"
	"golang.org/x/time/rate"
)

type outbound struct {
	kind int
	data []byte
	at   time.Time
}

// session is the state belonging to one socket. A new session is created for every dial.
type session struct {
	sock         Socket
	handshakeCID int64
	ctrl         chan outbound

	authed   chan struct{}
	authOnce sync.Once

	done      chan struct{}
	closeOnce sync.Once
	readDone  chan struct{}

	local        atomic.Bool // closed by us, read errors are expected
	pingTimedOut atomic.Bool
	watching     atomic.Bool
}

func newSession(sock Socket, handshakeCID int64) *session {
	return &session{
		sock:         sock,
		handshakeCID: handshakeCID,
		ctrl:         make(chan outbound, 64),
		authed:       make(chan struct{}),
		done:         make(chan struct{}),
		readDone:     make(chan struct{}),
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.sock.Close()
	})
}

func (s *session) markAuthenticated() bool {
	first := false
	s.authOnce.Do(func() {
		close(s.authed)
		first = true
	})
	return first
}

// Conn is a reconnecting connection to the broker.
type Conn struct {
	opts    Options
	handler Handler
	log     *slog.Logger
	metrics *Metrics

	cid           atomic.Int64
	state         atomic.Int32
	wanted        atomic.Bool
	disconnecting atomic.Bool
	authenticated atomic.Bool
	supervising   atomic.Bool
	lastPing      atomic.Int64
	unsent        atomic.Int64 // queued frames not yet written or dropped

	queue chan outbound
	polls chan proto.Frame

	mu      sync.Mutex
	sess    *session
	life    context.Context
	cancel  context.CancelFunc
	failure error
}

func NewConn(opts Options, handler Handler) *Conn {
	opts.applyDefaults()
	return &Conn{
		opts:    opts,
		handler: handler,
		log:     opts.Logger.With("component", "transport", "url", opts.URL),
		metrics: opts.Metrics,
		queue:   make(chan outbound, opts.QueueSize),
		polls:   make(chan proto.Frame, opts.PollQueueSize),
	}
}

func (c *Conn) State() State {
	return State(c.state.Load())
}

func (c *Conn) Connected() bool {
	return c.State() == StateConnected
}

// Authenticated reports whether the broker has ever issued this connection an auth token.
func (c *Conn) Authenticated() bool {
	return c.authenticated.Load()
}

// NextCID allocates a call id. Ids are never reused for the lifetime of the Conn.
func (c *Conn) NextCID() int64 {
	return c.cid.Add(1)
}

// Failure returns the terminal error set by a broker fail message, if any.
func (c *Conn) Failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// LastHeartbeat is the time the last heartbeat probe arrived, zero before the first one.
func (c *Conn) LastHeartbeat() time.Time {
	n := c.lastPing.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Connect starts connecting in the background. It is a no-op while already connecting or connected.
func (c *Conn) Connect() {
	c.mu.Lock()
	if c.wanted.Load() {
		c.mu.Unlock()
		return
	}
	c.wanted.Store(true)
	c.failure = nil
	c.life, c.cancel = context.WithCancel(context.Background())
	ctx := c.life
	c.mu.Unlock()

	c.log.Info("Connecting to broker")
	c.supervise(ctx, 0)
}

// WaitUntilConnected polls until the connection is authenticated, the broker
// fails it, ctx ends, or the configured number of attempts runs out.
func (c *Conn) WaitUntilConnected(ctx context.Context) error {
	for i := 0; i < c.opts.WaitAttempts; i++ {
		if c.Connected() {
			return nil
		}
		if err := c.Failure(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.WaitInterval):
		}
	}
	if c.Connected() {
		return nil
	}
	return ErrConnectTimeout
}

// Disconnect stops reconnecting and closes the socket. It is safe to call from any state, any number of times.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.wanted.Store(false)
	if c.cancel != nil {
		c.cancel()
	}
	s := c.sess
	c.sess = nil
	c.mu.Unlock()

	if s != nil {
		c.disconnecting.Store(true)
		s.local.Store(true)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := s.sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.CloseTimeout)); err != nil {
			c.log.Debug("Failed to send close message", "error", err)
		}
		select {
		case <-s.readDone:
		case <-time.After(c.opts.CloseTimeout):
			c.log.Warn("Broker did not acknowledge close in time")
		}
		s.close()
		c.disconnecting.Store(false)
		c.log.Info("Disconnected from broker")
	}

	c.drain()
	c.markDisconnected()
}

// Send queues a text frame. It never waits on the network.
func (c *Conn) Send(text string) error {
	return c.enqueue(outbound{kind: websocket.TextMessage, data: []byte(text), at: time.Now()})
}

func (c *Conn) SendBinary(data []byte) error {
	return c.enqueue(outbound{kind: websocket.BinaryMessage, data: data, at: time.Now()})
}

// SendFrame marshals and queues an envelope.
func (c *Conn) SendFrame(f proto.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	return c.enqueue(outbound{kind: websocket.TextMessage, data: data, at: time.Now()})
}

// Poll hands up to max queued frames to the handler on the calling goroutine.
// A max of zero or less drains whatever is queued. It returns the number delivered.
func (c *Conn) Poll(max int) int {
	n := 0
	for max <= 0 || n < max {
		select {
		case f := <-c.polls:
			c.handler.HandleFrame(f)
			n++
		default:
			return n
		}
	}
	return n
}

func (c *Conn) enqueue(o outbound) error {
	if c.disconnecting.Load() {
		return ErrDisconnecting
	}
	c.unsent.Add(1)
	select {
	case c.queue <- o:
		c.metrics.depth(len(c.queue))
		return nil
	default:
	}

	if !c.socketOpen() {
		c.unsent.Add(-1)
		c.metrics.dropped("queue_full")
		return ErrQueueFull
	}

	timer := time.NewTimer(c.opts.EnqueueTimeout)
	defer timer.Stop()
	select {
	case c.queue <- o:
		c.metrics.depth(len(c.queue))
		return nil
	case <-timer.C:
		c.unsent.Add(-1)
		c.metrics.dropped("queue_full")
		return ErrQueueFull
	}
}

// Flush waits until every frame queued so far has been written or dropped.
func (c *Conn) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for c.unsent.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (c *Conn) socketOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

func (c *Conn) drain() {
	for {
		select {
		case <-c.queue:
			c.unsent.Add(-1)
		case <-c.polls:
		default:
			c.metrics.depth(0)
			return
		}
	}
}

func (c *Conn) markDisconnected() {
	if State(c.state.Swap(int32(StateDisconnected))) == StateConnected {
		c.metrics.setConnected(false)
		c.handler.HandleDisconnect()
	}
}

// supervise starts the reconnect loop unless one is already running.
func (c *Conn) supervise(ctx context.Context, grace time.Duration) {
	if !c.supervising.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer func() {
			c.supervising.Store(false)
			// the session may have dropped, or Connect may have been called again,
			// between the last check and the flag reset
			c.mu.Lock()
			life := c.life
			c.mu.Unlock()
			if life != nil && life.Err() == nil && c.wanted.Load() && c.State() != StateConnected {
				c.supervise(life, 0)
			}
		}()
		c.reconnectLoop(ctx, grace)
	}()
}

func (c *Conn) reconnectLoop(ctx context.Context, grace time.Duration) {
	if grace > 0 {
		c.log.Info("Reconnecting", "in", grace)
		select {
		case <-ctx.Done():
			return
		case <-time.After(grace):
		}
	}

	limiter := rate.NewLimiter(rate.Every(c.opts.ReconnectInterval), 1)
	for c.wanted.Load() && !c.Connected() {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		c.metrics.reconnect()

		s, err := c.open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("Connection attempt failed", "error", err)
			c.handler.HandleError(SourceConnection, err)
			continue
		}

		select {
		case <-s.authed:
			return
		case <-s.done:
		case <-ctx.Done():
			return
		case <-time.After(c.opts.AuthTimeout):
			c.log.Warn("Authentication timed out")
			c.handler.HandleError(SourceConnection, ErrAuthTimeout)
			s.local.Store(true)
			s.close()
		}
	}
}

func (c *Conn) open(ctx context.Context) (*session, error) {
	c.teardown()
	c.state.Store(int32(StateConnecting))

	dctx, cancel := context.WithTimeout(ctx, c.opts.AuthTimeout)
	sock, err := c.opts.Dialer.Dial(dctx, c.opts.URL)
	cancel()
	if err != nil {
		c.state.CompareAndSwap(int32(StateConnecting), int32(StateDisconnected))
		return nil, err
	}

	s := newSession(sock, c.NextCID())
	c.mu.Lock()
	if !c.wanted.Load() || ctx.Err() != nil {
		c.mu.Unlock()
		sock.Close()
		c.state.CompareAndSwap(int32(StateConnecting), int32(StateDisconnected))
		return nil, ErrDisconnecting
	}
	c.sess = s
	c.mu.Unlock()
	c.state.Store(int32(StateAwaitingAuth))

	go c.sendLoop(s)
	go c.receiveLoop(s)

	hs, err := proto.NewFrame(proto.EventHandshake, proto.HandshakePayload{})
	if err != nil {
		return nil, err
	}
	hs.CID = s.handshakeCID
	c.sendControl(s, hs)
	c.log.Debug("Socket open, handshake sent", "cid", hs.CID)
	return s, nil
}

// teardown closes the current session, if any, without stopping the supervisor.
func (c *Conn) teardown() {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.mu.Unlock()
	if s == nil {
		return
	}
	s.local.Store(true)
	s.close()
	c.markDisconnected()
}

// endSession runs when the receive loop of s exits.
func (c *Conn) endSession(s *session, err error) {
	s.close()
	close(s.readDone)

	c.mu.Lock()
	current := c.sess == s
	if current {
		c.sess = nil
	}
	ctx := c.life
	c.mu.Unlock()
	if !current {
		return
	}

	if err != nil && !s.local.Load() {
		c.log.Warn("Connection lost", "error", err)
		c.handler.HandleError(SourceConnection, err)
	}
	c.markDisconnected()

	if c.wanted.Load() && ctx != nil {
		grace := c.opts.ReconnectGrace
		if s.pingTimedOut.Load() {
			grace = 0
		}
		c.supervise(ctx, grace)
	}
}

func (c *Conn) receiveLoop(s *session) {
	var err error
	defer func() { c.endSession(s, err) }()

	for {
		kind, data, rerr := s.sock.ReadMessage()
		if rerr != nil {
			if websocket.IsUnexpectedCloseError(rerr, websocket.CloseNormalClosure, websocket.CloseGoingAway) || !isCloseError(rerr) {
				err = fmt.Errorf("WebSocket connection error: %w", rerr)
			}
			return
		}
		c.metrics.received()

		if kind == websocket.BinaryMessage {
			c.deliver(proto.Frame{Binary: data})
			continue
		}

		if reply, ok := proto.HeartbeatReply(string(data)); ok {
			c.heartbeat(s, reply)
			continue
		}

		var f proto.Frame
		if jerr := json.Unmarshal(data, &f); jerr != nil {
			c.log.Warn("Invalid JSON frame received", "error", jerr, "size", len(data))
			c.handler.HandleError(SourceConnection, fmt.Errorf("invalid frame: %w", jerr))
			continue
		}
		c.log.Debug("Frame received", "event", f.Event, "rid", f.RID, "size", len(data))
		c.handleFrame(s, f)
	}
}

func isCloseError(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce)
}

func (c *Conn) handleFrame(s *session, f proto.Frame) {
	switch {
	case f.IsResponse() && f.RID == s.handshakeCID:
		c.sendAuth(s)
	case f.Event == proto.EventSetAuthToken:
		c.authenticate(s)
	case f.Event == proto.EventRemoveAuthToken:
		c.log.Info("Broker removed auth token, authenticating again")
		c.sendAuth(s)
	case f.Event == proto.EventFail:
		c.fail(s, f.Data)
	case f.Event == proto.EventPing:
		c.sendControl(s, proto.Frame{Event: proto.EventPong, Data: f.Data})
	default:
		c.deliver(f)
	}
}

func (c *Conn) sendAuth(s *session) {
	f, err := proto.NewFrame(proto.EventAuth, c.opts.Auth())
	if err != nil {
		c.handler.HandleError(SourceConnection, fmt.Errorf("failed to build auth frame: %w", err))
		return
	}
	c.sendControl(s, f)
}

func (c *Conn) authenticate(s *session) {
	s.markAuthenticated()
	c.authenticated.Store(true)
	if State(c.state.Swap(int32(StateConnected))) != StateConnected {
		c.log.Info("Connected to broker")
		c.metrics.setConnected(true)
		c.handler.HandleConnect()
	}
}

func (c *Conn) fail(s *session, data json.RawMessage) {
	var reason string
	if err := json.Unmarshal(data, &reason); err != nil {
		reason = string(data)
	}
	ferr := &FailureError{Reason: reason}

	c.mu.Lock()
	c.failure = ferr
	c.wanted.Store(false)
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	c.log.Error("Broker failed the connection", "reason", reason)
	c.handler.HandleError(SourceFail, ferr)
	s.local.Store(true)
	s.close()
}

func (c *Conn) heartbeat(s *session, reply string) {
	c.lastPing.Store(time.Now().UnixNano())
	c.metrics.heartbeat()
	select {
	case s.ctrl <- outbound{kind: websocket.TextMessage, data: []byte(reply), at: time.Now()}:
	default:
		c.log.Warn("Control queue full, heartbeat reply dropped")
	}
	if s.watching.CompareAndSwap(false, true) {
		go c.watch(s)
	}
}

// watch tears the session down when heartbeats stop arriving.
func (c *Conn) watch(s *session) {
	every := min(time.Second, c.opts.PingTimeout/4)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if time.Since(c.LastHeartbeat()) <= c.opts.PingTimeout {
				continue
			}
			c.log.Warn("Ping timeout", "timeout", c.opts.PingTimeout)
			c.handler.HandleError(SourceConnection, ErrPingTimeout)
			s.pingTimedOut.Store(true)
			s.local.Store(true)
			s.close()
			return
		}
	}
}

func (c *Conn) deliver(f proto.Frame) {
	if c.opts.Polling {
		select {
		case c.polls <- f:
		default:
			c.metrics.dropped("poll_full")
			c.handler.HandleError(SourceConnection, ErrPollQueueFull)
		}
		return
	}

	if c.opts.Delivery == DeliverBlocking || c.opts.DeliveryTimeout < 0 {
		c.handler.HandleFrame(f)
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.handler.HandleFrame(f)
	}()
	timer := time.NewTimer(c.opts.DeliveryTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		c.metrics.abandoned()
		c.log.Warn("Frame delivery abandoned", "event", f.Event, "timeout", c.opts.DeliveryTimeout)
	}
}

func (c *Conn) sendControl(s *session, f proto.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		c.handler.HandleError(SourceConnection, fmt.Errorf("failed to marshal frame: %w", err))
		return
	}
	select {
	case s.ctrl <- outbound{kind: websocket.TextMessage, data: data, at: time.Now()}:
	default:
		c.log.Warn("Control queue full, frame dropped", "event", f.Event)
	}
}

// sendLoop is the only writer of s. Queued application frames wait until the session is authenticated.
func (c *Conn) sendLoop(s *session) {
	for {
		var data chan outbound
		var wake chan struct{}
		select {
		case <-s.authed:
			data = c.queue
		default:
			wake = s.authed
		}

		select {
		case <-s.done:
			return
		case <-wake:
		case o := <-s.ctrl:
			if !c.write(s, o) {
				return
			}
		case o := <-data:
			c.metrics.depth(len(c.queue))
			if time.Since(o.at) > c.opts.StaleAfter {
				c.unsent.Add(-1)
				c.metrics.dropped("stale")
				continue
			}
			ok := c.write(s, o)
			c.unsent.Add(-1)
			if !ok {
				return
			}
		}
	}
}

func (c *Conn) write(s *session, o outbound) bool {
	s.sock.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := s.sock.WriteMessage(o.kind, o.data); err != nil {
		if s.local.Load() {
			return false
		}
		c.log.Warn("Failed to send WebSocket message", "error", err)
		c.handler.HandleError(SourceConnection, fmt.Errorf("failed to send WebSocket message: %w", err))
		s.local.Store(true)
		s.close()
		return false
	}
	c.metrics.sent()
	return true
}
