package router

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/mbocsi/gorti/proto"
)

// Error sources passed to the error callback besides channel names.
const (
	SourceUsage      = "usage"
	SourceConnection = "connection"
)

var ErrNotConnected = errors.New("not connected: publish requires a completed authentication")

// Transmitter is the part of the transport the router sends through.
type Transmitter interface {
	SendFrame(f proto.Frame) error
	NextCID() int64
	Connected() bool
	Authenticated() bool
}

// Message is a publication delivered to a listener. Channel carries no federation prefix.
type Message struct {
	Channel string
	Content string
}

type Handler func(msg Message) error

// Subscription identifies one listener registration.
type Subscription struct {
	channel string
	wire    string
	handler Handler
}

func (s *Subscription) Channel() string {
	return s.channel
}

type Router struct {
	tx         Transmitter
	federation string
	onError    func(source string, err error)
	log        *slog.Logger

	mu   sync.Mutex
	subs map[string][]*Subscription // by wire name, in registration order
}

// New creates a router. onError receives listener failures tagged with the channel name.
func New(tx Transmitter, federation string, onError func(source string, err error), logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if onError == nil {
		onError = func(string, error) {}
	}
	return &Router{
		tx:         tx,
		federation: federation,
		onError:    onError,
		log:        logger.With("component", "router"),
		subs:       make(map[string][]*Subscription),
	}
}

// Subscribe adds a listener. The first listener of a channel subscribes on the wire.
func (r *Router) Subscribe(channel string, handler Handler) (*Subscription, error) {
	if err := proto.ValidateChannelName(channel); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("handler must be provided for channel %q", channel)
	}

	sub := &Subscription{channel: channel, wire: proto.Federate(r.federation, channel), handler: handler}
	r.mu.Lock()
	first := len(r.subs[sub.wire]) == 0
	r.subs[sub.wire] = append(r.subs[sub.wire], sub)
	r.mu.Unlock()

	if first && r.tx.Connected() {
		r.sendSubscribe(sub.wire)
	}
	return sub, nil
}

// Unsubscribe removes a listener. Removing the last listener of a channel unsubscribes on the wire.
// It reports whether the subscription was registered.
func (r *Router) Unsubscribe(sub *Subscription) bool {
	if sub == nil {
		return false
	}
	r.mu.Lock()
	list := r.subs[sub.wire]
	i := slices.Index(list, sub)
	if i < 0 {
		r.mu.Unlock()
		return false
	}
	list = slices.Delete(slices.Clone(list), i, i+1)
	last := len(list) == 0
	if last {
		delete(r.subs, sub.wire)
	} else {
		r.subs[sub.wire] = list
	}
	r.mu.Unlock()

	if last && r.tx.Connected() {
		r.sendUnsubscribe(sub.wire)
	}
	return true
}

// Publish sends content on a channel. It fails until the transport has authenticated once.
func (r *Router) Publish(channel, content string) error {
	if err := proto.ValidateChannelName(channel); err != nil {
		r.onError(SourceUsage, err)
		return err
	}
	if !r.tx.Authenticated() {
		err := fmt.Errorf("publish on %q: %w", channel, ErrNotConnected)
		r.onError(SourceUsage, err)
		return err
	}

	f, err := proto.NewFrame(proto.EventPublish, proto.Publication{Channel: proto.Federate(r.federation, channel), Data: content})
	if err != nil {
		return err
	}
	return r.tx.SendFrame(f)
}

// Deliver dispatches an inbound publication to the listeners of its channel.
func (r *Router) Deliver(pub proto.Publication) {
	r.mu.Lock()
	listeners := slices.Clone(r.subs[pub.Channel])
	r.mu.Unlock()

	if len(listeners) == 0 {
		r.log.Debug("Publication without listener, unsubscribing", "channel", pub.Channel)
		r.sendUnsubscribe(pub.Channel)
		return
	}

	msg := Message{Channel: proto.Localize(r.federation, pub.Channel), Content: pub.Data}
	for _, l := range listeners {
		r.invoke(l, msg)
	}
}

func (r *Router) invoke(l *Subscription, msg Message) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Warn("Listener panicked", "channel", msg.Channel, "panic", p)
			r.onError(msg.Channel, fmt.Errorf("listener panic: %v", p))
		}
	}()
	if err := l.handler(msg); err != nil {
		r.log.Warn("An error occured in listener", "channel", msg.Channel, "error", err)
		r.onError(msg.Channel, err)
	}
}

// Resubscribe subscribes on the wire to every channel with listeners. It runs on every authentication.
func (r *Router) Resubscribe() {
	r.mu.Lock()
	wires := make([]string, 0, len(r.subs))
	for wire := range r.subs {
		wires = append(wires, wire)
	}
	r.mu.Unlock()

	for _, wire := range wires {
		r.sendSubscribe(wire)
	}
	r.log.Debug("Resubscribed", "channels", len(wires))
}

// Channels lists channels with at least one listener, without federation prefix.
func (r *Router) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.subs))
	for wire := range r.subs {
		out = append(out, proto.Localize(r.federation, wire))
	}
	slices.Sort(out)
	return out
}

func (r *Router) Listeners(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[proto.Federate(r.federation, channel)])
}

func (r *Router) sendSubscribe(wire string) {
	f, err := proto.NewFrame(proto.EventSubscribe, proto.SubscribePayload{Channel: wire})
	if err == nil {
		f.CID = r.tx.NextCID()
		err = r.tx.SendFrame(f)
	}
	if err != nil {
		r.onError(SourceConnection, fmt.Errorf("subscribe %q: %w", wire, err))
	}
}

func (r *Router) sendUnsubscribe(wire string) {
	f, err := proto.NewFrame(proto.EventUnsubscribe, wire)
	if err == nil {
		err = r.tx.SendFrame(f)
	}
	if err != nil {
		r.onError(SourceConnection, fmt.Errorf("unsubscribe %q: %w", wire, err))
	}
}
