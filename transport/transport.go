package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbocsi/gorti/proto"
)

// Error sources reported through Handler.HandleError.
const (
	SourceConnection = "connection"
	SourceFail       = "fail"
)

var (
	ErrQueueFull      = errors.New("send queue full")
	ErrDisconnecting  = errors.New("transport is disconnecting")
	ErrPingTimeout    = errors.New("ping timeout")
	ErrAuthTimeout    = errors.New("timed out waiting for authentication")
	ErrConnectTimeout = errors.New("timed out waiting for connection")
	ErrPollQueueFull  = errors.New("poll queue full")
)

// FailureError is raised when the broker sends an explicit fail message.
// It is terminal: the transport stops reconnecting until Connect is called again.
type FailureError struct {
	Reason string
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("connection failed: %s", e.Reason)
}

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingAuth
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateConnected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Handler receives everything the transport does not consume itself.
type Handler interface {
	HandleConnect()
	HandleDisconnect()
	HandleError(source string, err error)
	HandleFrame(f proto.Frame)
}

// Socket is one open connection to the broker. *websocket.Conn satisfies it.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// WebSocketDialer dials the broker with gorilla/websocket.
type WebSocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d WebSocketDialer) Dial(ctx context.Context, url string) (Socket, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket server: %w", err)
	}
	return conn, nil
}

// DeliveryPolicy controls how pushed frames are handed to the Handler.
type DeliveryPolicy int

const (
	// DeliverBounded waits at most DeliveryTimeout for the handler, then moves on
	// and leaves the handler running in the background.
	DeliverBounded DeliveryPolicy = iota
	// DeliverBlocking runs the handler to completion on the receive loop.
	DeliverBlocking
)

type Options struct {
	URL    string
	Dialer Dialer
	// Auth builds the payload sent after each handshake ack and on #removeAuthToken.
	Auth func() proto.AuthPayload

	// Polling queues frames for Poll instead of pushing them to the handler.
	Polling         bool
	Delivery        DeliveryPolicy
	DeliveryTimeout time.Duration
	PollQueueSize   int

	QueueSize      int
	StaleAfter     time.Duration
	EnqueueTimeout time.Duration
	WriteTimeout   time.Duration

	PingTimeout       time.Duration
	ReconnectGrace    time.Duration
	ReconnectInterval time.Duration
	AuthTimeout       time.Duration
	CloseTimeout      time.Duration

	WaitInterval time.Duration
	WaitAttempts int

	Metrics *Metrics
	Logger  *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.Dialer == nil {
		o.Dialer = WebSocketDialer{}
	}
	if o.Auth == nil {
		o.Auth = func() proto.AuthPayload { return proto.AuthPayload{} }
	}
	if o.DeliveryTimeout == 0 {
		o.DeliveryTimeout = 50 * time.Millisecond
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 10000
	}
	if o.PollQueueSize <= 0 {
		o.PollQueueSize = o.QueueSize
	}
	if o.StaleAfter == 0 {
		o.StaleAfter = 10 * time.Second
	}
	if o.EnqueueTimeout == 0 {
		o.EnqueueTimeout = time.Second
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingTimeout == 0 {
		o.PingTimeout = 20 * time.Second
	}
	if o.ReconnectGrace == 0 {
		o.ReconnectGrace = 5 * time.Second
	}
	if o.ReconnectInterval == 0 {
		o.ReconnectInterval = 2 * time.Second
	}
	if o.AuthTimeout == 0 {
		o.AuthTimeout = 5 * time.Second
	}
	if o.CloseTimeout == 0 {
		o.CloseTimeout = 2 * time.Second
	}
	if o.WaitInterval == 0 {
		o.WaitInterval = 10 * time.Millisecond
	}
	if o.WaitAttempts <= 0 {
		o.WaitAttempts = 500
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}
