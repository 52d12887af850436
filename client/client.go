// Package client is the entry point for applications taking part in an RTI
// network. A Client owns one reconnecting broker connection and keeps track of
// the peers, channels and measures seen on it.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbocsi/gorti/correlator"
	"github.com/mbocsi/gorti/measure"
	"github.com/mbocsi/gorti/proto"
	"github.com/mbocsi/gorti/registry"
	"github.com/mbocsi/gorti/router"
	"github.com/mbocsi/gorti/transport"
)

type (
	RuntimeState = proto.RuntimeState
	Peer         = proto.Client
	Channel      = proto.Channel
	ChannelUse   = proto.ChannelUse
	Measure      = proto.Measure
	Message      = router.Message
	Subscription = router.Subscription
)

var ErrClosed = errors.New("client is closed")

// ErrorEvent is raised on the Error signal. Source is "connection", "fail",
// "rpc", "usage", or the channel whose listener failed.
type ErrorEvent struct {
	Source string
	Err    error
}

func (e ErrorEvent) Error() string {
	return fmt.Sprintf("%s: %v", e.Source, e.Err)
}

func (e ErrorEvent) Unwrap() error {
	return e.Err
}

type Client struct {
	// Events are raised from the connection's goroutines. Listeners should return quickly.
	Events Signals

	cfg      Config
	log      *slog.Logger
	conn     *transport.Conn
	router   *router.Router
	calls    *correlator.Correlator
	registry *registry.Registry
	measures *measure.Aggregator

	firstConnect sync.Once
	closed       atomic.Bool

	mu            sync.Mutex
	brokerVersion string
}

// New builds a client from cfg without connecting it.
func New(cfg Config) (*Client, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	metrics, err := transport.NewMetrics(cfg.Registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	c := &Client{
		cfg: cfg,
		log: cfg.Logger.With("client", cfg.ClientID),
	}
	opts := cfg.transportOptions()
	opts.Metrics = metrics
	opts.Auth = c.authPayload
	c.conn = transport.NewConn(opts, c)
	c.router = router.New(c.conn, cfg.Federation, c.reportError, cfg.Logger)
	c.calls = correlator.New(c.conn, c.reportError, cfg.Logger)

	w := wire{c}
	c.registry = registry.New(cfg.self(), w, registry.Events{
		ClientSeen:   func(p proto.Client) { c.Events.ClientSeen.emit(p, c.signalPanic("client")) },
		ClientGone:   func(id string) { c.Events.ClientGone.emit(id, c.signalPanic("clientgone")) },
		ChannelSeen:  func(ch proto.Channel) { c.Events.ChannelSeen.emit(ch, c.signalPanic("channel")) },
		MeasureSeen:  func(m proto.Measure) { c.Events.MeasureSeen.emit(m, c.signalPanic("measure")) },
		StateChanged: func(s proto.RuntimeState) { c.Events.StateChange.emit(s, c.signalPanic("state")) },
	}, registry.Options{
		Incognito:         cfg.Incognito,
		IncognitoChannels: cfg.IncognitoChannels,
		Logger:            cfg.Logger,
	})
	c.measures = measure.New(w, measure.Options{
		ClientID:     cfg.ClientID,
		TickInterval: cfg.Measure.TickInterval,
		Logger:       cfg.Logger,
	})
	c.measures.SetTimeScale(cfg.Measure.TimeScale)

	for channel, handle := range map[string]router.Handler{
		proto.ChannelClients:          c.onClients,
		proto.ChannelChannels:         c.onChannels,
		proto.ChannelMeasures:         c.onMeasures,
		proto.ChannelClientDisconnect: c.onClientDisconnect,
	} {
		if _, err := c.router.Subscribe(channel, handle); err != nil {
			c.registry.Close()
			return nil, err
		}
	}
	return c, nil
}

func (cfg *Config) self() proto.Client {
	return proto.Client{
		ID:                   cfg.ClientID,
		Application:          cfg.Application,
		ApplicationVersion:   cfg.ApplicationVersion,
		EngineVersion:        cfg.EngineVersion,
		IntegrationVersion:   cfg.IntegrationVersion,
		ClientLibraryVersion: LibraryVersion,
		Federation:           cfg.Federation,
		Host:                 cfg.Host,
		Station:              cfg.Station,
		User:                 cfg.User,
		Participant:          cfg.Participant,
		Role:                 cfg.Role,
		FullName:             cfg.FullName,
		Capabilities:         cfg.Capabilities,
		State:                proto.StateUnknown,
	}
}

func (c *Client) authPayload() proto.AuthPayload {
	self := c.registry.Self()
	return proto.AuthPayload{
		ClientID:             c.cfg.ClientID,
		Application:          c.cfg.Application,
		ClientLibraryVersion: LibraryVersion,
		Federation:           c.cfg.Federation,
		Secret:               c.cfg.Secret,
		User:                 c.cfg.User,
		Password:             c.cfg.Password,
		Participant:          self.Participant,
		Role:                 self.Role,
		FullName:             self.FullName,
	}
}

// Connect starts connecting in the background and keeps reconnecting until Disconnect.
func (c *Client) Connect() error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.conn.Connect()
	return nil
}

// WaitUntilConnected blocks until the client is authenticated. It returns the
// broker's failure if it refuses the client.
func (c *Client) WaitUntilConnected(ctx context.Context) error {
	return c.conn.WaitUntilConnected(ctx)
}

// Flush waits until every message queued so far has been written to the broker or dropped.
func (c *Client) Flush(ctx context.Context) error {
	return c.conn.Flush(ctx)
}

// Disconnect closes the connection. The client may connect again later.
func (c *Client) Disconnect() {
	c.conn.Disconnect()
	c.measures.Stop()
}

// Close disconnects and releases the client for good.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.Disconnect()
	c.registry.Close()
}

// Poll hands queued frames to their listeners when Polling is configured.
func (c *Client) Poll(max int) int {
	return c.conn.Poll(max)
}

func (c *Client) HandleConnect() {
	c.router.Resubscribe()
	c.registry.OnConnected()
	c.Events.Connect.emit(struct{}{}, c.signalPanic("connect"))
	c.firstConnect.Do(func() {
		c.Events.FirstConnect.emit(struct{}{}, c.signalPanic("firstconnect"))
	})
}

func (c *Client) HandleDisconnect() {
	c.measures.Stop()
	c.Events.Disconnect.emit(struct{}{}, c.signalPanic("disconnect"))
}

func (c *Client) HandleError(source string, err error) {
	c.reportError(source, err)
}

func (c *Client) HandleFrame(f proto.Frame) {
	switch {
	case f.Binary != nil:
		c.Events.Binary.emit(f.Binary, c.signalPanic("binary"))

	case f.IsResponse():
		if !c.calls.Resolve(f) {
			c.log.Debug("Response without pending call", "rid", f.RID)
		}

	case f.Event == proto.EventPublish:
		var pub proto.Publication
		if err := json.Unmarshal(f.Data, &pub); err != nil {
			c.reportError(router.SourceConnection, fmt.Errorf("invalid publication: %w", err))
			return
		}
		c.router.Deliver(pub)

	case f.Event == proto.EventBrokerVersion:
		var version string
		if err := json.Unmarshal(f.Data, &version); err != nil {
			version = string(f.Data)
		}
		c.mu.Lock()
		c.brokerVersion = version
		c.mu.Unlock()
		c.log.Info("Broker version", "version", version)

	default:
		c.log.Debug("Unhandled event", "event", f.Event)
	}
}

func (c *Client) reportError(source string, err error) {
	c.log.Warn("RTI error", "source", source, "error", err)
	c.Events.Error.emit(ErrorEvent{Source: source, Err: err}, func(p any) {
		c.log.Error("Error listener panicked", "panic", p)
	})
}

func (c *Client) signalPanic(signal string) func(any) {
	return func(p any) {
		c.reportError(signal, fmt.Errorf("listener panic: %v", p))
	}
}

func (c *Client) onClients(msg router.Message) error {
	var clients proto.Clients
	if err := json.Unmarshal([]byte(msg.Content), &clients); err != nil {
		return fmt.Errorf("invalid clients message: %w", err)
	}
	c.registry.HandleClients(clients)
	return nil
}

func (c *Client) onChannels(msg router.Message) error {
	var channels proto.Channels
	if err := json.Unmarshal([]byte(msg.Content), &channels); err != nil {
		return fmt.Errorf("invalid channels message: %w", err)
	}
	c.registry.HandleChannels(channels)
	return nil
}

func (c *Client) onMeasures(msg router.Message) error {
	var measures proto.Measures
	if err := json.Unmarshal([]byte(msg.Content), &measures); err != nil {
		return fmt.Errorf("invalid measures message: %w", err)
	}
	c.registry.HandleMeasures(measures)
	return nil
}

// onClientDisconnect accepts the client id as JSON string or bare text.
func (c *Client) onClientDisconnect(msg router.Message) error {
	var id string
	if err := json.Unmarshal([]byte(msg.Content), &id); err != nil {
		id = strings.TrimSpace(msg.Content)
	}
	if id != "" {
		c.registry.HandleClientDisconnect(id)
	}
	return nil
}

func (c *Client) ClientID() string {
	return c.cfg.ClientID
}

func (c *Client) Application() string {
	return c.cfg.Application
}

func (c *Client) Federation() string {
	return c.cfg.Federation
}

func (c *Client) URL() string {
	return c.cfg.URL
}

// OwnChannelPrefix is the prefix of channels addressed to this client only.
func (c *Client) OwnChannelPrefix() string {
	return proto.OwnChannelPrefix(c.cfg.ClientID)
}

// BrokerVersion is empty until the broker announces it.
func (c *Client) BrokerVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.brokerVersion
}

func (c *Client) Connected() bool {
	return c.conn.Connected()
}

func (c *Client) ConnectionState() transport.State {
	return c.conn.State()
}

// Failure is the broker's terminal failure, if it refused the client.
func (c *Client) Failure() error {
	return c.conn.Failure()
}

func (c *Client) LastHeartbeat() time.Time {
	return c.conn.LastHeartbeat()
}

func (c *Client) Incognito() bool {
	return c.registry.Incognito()
}

// Self is this client as announced to its peers.
func (c *Client) Self() Peer {
	return c.registry.Self()
}

func (c *Client) State() RuntimeState {
	return c.registry.Self().State
}

// SetState changes the announced runtime state and raises StateChange when it differs.
func (c *Client) SetState(state RuntimeState) {
	c.registry.SetState(state)
}

// RegisterParticipant takes on a participant identity and tells the network.
func (c *Client) RegisterParticipant(participant, role, fullName string) {
	c.registry.RegisterParticipant(participant, role, fullName)
}

func (c *Client) KnownClients() []Peer {
	return c.registry.KnownClients()
}

func (c *Client) KnownClient(id string) (Peer, bool) {
	return c.registry.Client(id)
}

func (c *Client) ClientsByApplication(application string) []Peer {
	return c.registry.ClientsByApplication(application)
}

func (c *Client) KnownChannels() []Channel {
	return c.registry.KnownChannels()
}

func (c *Client) UsedChannels() []ChannelUse {
	return c.registry.UsedChannels()
}

func (c *Client) KnownMeasures() []Measure {
	return c.registry.KnownMeasures()
}

func (c *Client) UsedMeasures() []Measure {
	return c.registry.UsedMeasures()
}

// Subscriptions lists channels with at least one listener, including internal ones.
func (c *Client) Subscriptions() []string {
	return c.router.Channels()
}

// ResetKnown forgets peers, channels and measures learned from the network.
func (c *Client) ResetKnown() {
	c.registry.ResetKnown()
}

func (c *Client) RequestClients() error {
	return wire{c}.PublishControl(proto.ChannelClients, proto.Clients{RequestClients: &proto.Empty{}})
}

func (c *Client) RequestChannels() error {
	return wire{c}.PublishControl(proto.ChannelChannels, proto.Channels{RequestChannelUsage: &proto.Empty{}})
}

func (c *Client) RequestMeasures() error {
	return wire{c}.PublishControl(proto.ChannelMeasures, proto.Measures{RequestMeasures: &proto.Empty{}})
}

// wire publishes control messages and measurements as JSON for the registry and aggregator.
type wire struct {
	c *Client
}

func (w wire) PublishControl(channel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", channel, err)
	}
	return w.c.router.Publish(channel, string(data))
}

func (w wire) PublishMeasurement(channel string, m proto.Measurement) error {
	return w.PublishControl(channel, m)
}

func (w wire) Connected() bool {
	return w.c.conn.Connected()
}
