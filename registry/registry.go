// Package registry keeps the catalogs of peers, channels and measures, and
// announces this client to the network.
//
// Every catalog is owned by one goroutine. Callers submit closures over a
// channel, so related catalogs (known and used channels, for one) are always
// updated together. Publishing and event callbacks happen outside that
// goroutine and may call back into the Registry.
package registry

import (
	"cmp"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/mbocsi/gorti/proto"
)

// Publisher sends control messages on reserved channels.
type Publisher interface {
	PublishControl(channel string, v any) error
	Connected() bool
}

// Events are optional callbacks fired after the catalogs change.
type Events struct {
	ClientSeen   func(proto.Client)
	ClientGone   func(id string)
	ChannelSeen  func(proto.Channel)
	MeasureSeen  func(proto.Measure)
	StateChanged func(proto.RuntimeState)
}

type Options struct {
	// Incognito observes the network without ever announcing this client.
	Incognito bool
	// IncognitoChannels only suppresses answers to channel usage requests.
	IncognitoChannels bool
	Logger            *slog.Logger
}

type catalog struct {
	self          proto.Client
	knownClients  map[string]proto.Client
	knownChannels map[string]proto.Channel
	usedChannels  map[string]proto.ChannelUse
	knownMeasures map[string]proto.Measure
	usedMeasures  map[string]proto.Measure
}

type Registry struct {
	pub    Publisher
	events Events
	opts   Options
	log    *slog.Logger

	ops       chan func(*catalog)
	quit      chan struct{}
	closeOnce sync.Once
}

// New starts the goroutine owning the catalogs. Close stops it.
func New(self proto.Client, pub Publisher, events Events, opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Registry{
		pub:    pub,
		events: events,
		opts:   opts,
		log:    opts.Logger.With("component", "registry"),
		ops:    make(chan func(*catalog)),
		quit:   make(chan struct{}),
	}
	cat := &catalog{
		self:          self,
		knownClients:  make(map[string]proto.Client),
		knownChannels: make(map[string]proto.Channel),
		usedChannels:  make(map[string]proto.ChannelUse),
		knownMeasures: make(map[string]proto.Measure),
		usedMeasures:  make(map[string]proto.Measure),
	}
	go r.run(cat)
	return r
}

func (r *Registry) run(cat *catalog) {
	for {
		select {
		case op := <-r.ops:
			op(cat)
		case <-r.quit:
			return
		}
	}
}

func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.quit) })
}

// do runs fn on the owning goroutine and waits for it. It reports false once the Registry is closed.
func (r *Registry) do(fn func(*catalog)) bool {
	done := make(chan struct{})
	select {
	case r.ops <- func(c *catalog) { fn(c); close(done) }:
		<-done
		return true
	case <-r.quit:
		return false
	}
}

func (r *Registry) Incognito() bool {
	return r.opts.Incognito
}

func (r *Registry) Self() proto.Client {
	var self proto.Client
	r.do(func(c *catalog) { self = cloneClient(c.self) })
	return self
}

// Announce publishes this client on the peer catalog channel unless incognito or disconnected.
func (r *Registry) Announce() {
	if r.opts.Incognito || !r.pub.Connected() {
		return
	}
	self := r.Self()
	if err := r.pub.PublishControl(proto.ChannelClients, proto.Clients{Client: &self}); err != nil {
		r.log.Warn("Failed to announce client", "error", err)
	}
}

// AnnounceMeasures publishes every used measure unless incognito or disconnected.
func (r *Registry) AnnounceMeasures() {
	if r.opts.Incognito || !r.pub.Connected() {
		return
	}
	for _, m := range r.UsedMeasures() {
		r.publishMeasure(m)
	}
}

// OnConnected announces this client and its measures after every authentication.
func (r *Registry) OnConnected() {
	r.Announce()
	r.AnnounceMeasures()
}

// SetState changes the announced lifecycle state. It reports whether the state changed.
func (r *Registry) SetState(state proto.RuntimeState) bool {
	changed := false
	r.do(func(c *catalog) {
		if c.self.State != state {
			c.self.State = state
			changed = true
		}
	})
	if !changed {
		return false
	}
	if r.events.StateChanged != nil {
		r.events.StateChanged(state)
	}
	r.Announce()
	return true
}

// RegisterParticipant gives this client a participant identity and tells the network.
func (r *Registry) RegisterParticipant(participant, role, fullName string) {
	reg := proto.ParticipantRegistration{Participant: participant, Role: role, FullName: fullName}
	r.do(func(c *catalog) { reg.ClientID = c.self.ID })
	if r.applyParticipant(reg) {
		r.Announce()
	}
	if r.pub.Connected() {
		if err := r.pub.PublishControl(proto.ChannelClients, proto.Clients{RegisterParticipant: &reg}); err != nil {
			r.log.Warn("Failed to publish participant registration", "error", err)
		}
	}
}

// applyParticipant updates self when reg is scoped to it and changes something.
func (r *Registry) applyParticipant(reg proto.ParticipantRegistration) bool {
	changed := false
	r.do(func(c *catalog) {
		s := &c.self
		if !reg.Matches(s.ID, s.Host, s.Station) {
			return
		}
		if s.Participant == reg.Participant && s.Role == reg.Role && s.FullName == reg.FullName {
			return
		}
		s.Participant, s.Role, s.FullName = reg.Participant, reg.Role, reg.FullName
		changed = true
	})
	return changed
}

// HandleClients processes a message from the peer catalog channel.
func (r *Registry) HandleClients(msg proto.Clients) {
	switch {
	case msg.RequestClients != nil:
		r.Announce()

	case msg.Client != nil:
		client := cloneClient(*msg.Client)
		if client.ID == "" {
			r.log.Warn("Ignoring client announcement without id")
			return
		}
		r.do(func(c *catalog) { c.knownClients[client.ID] = client })
		if r.events.ClientSeen != nil {
			r.events.ClientSeen(client)
		}

	case msg.RegisterParticipant != nil:
		if r.applyParticipant(*msg.RegisterParticipant) {
			r.log.Info("Participant registered",
				"participant", msg.RegisterParticipant.Participant,
				"role", msg.RegisterParticipant.Role,
			)
			r.Announce()
		}
	}
}

// HandleClientDisconnect forgets a peer. Unknown ids are ignored.
func (r *Registry) HandleClientDisconnect(id string) bool {
	removed := false
	r.do(func(c *catalog) {
		if _, ok := c.knownClients[id]; ok {
			delete(c.knownClients, id)
			removed = true
		}
	})
	if removed && r.events.ClientGone != nil {
		r.events.ClientGone(id)
	}
	return removed
}

// HandleChannels processes a message from the channel catalog channel.
func (r *Registry) HandleChannels(msg proto.Channels) {
	switch {
	case msg.RequestChannelUsage != nil:
		if r.opts.Incognito || r.opts.IncognitoChannels || !r.pub.Connected() {
			return
		}
		usage := proto.ChannelUsage{ClientID: r.Self().ID, Usage: r.UsedChannels()}
		if err := r.pub.PublishControl(proto.ChannelChannels, proto.Channels{ChannelUsage: &usage}); err != nil {
			r.log.Warn("Failed to publish channel usage", "error", err)
		}

	case msg.ChannelUsage != nil:
		for _, use := range msg.ChannelUsage.Usage {
			r.DiscoverChannel(use.Channel)
		}

	case msg.Channel != nil:
		r.DiscoverChannel(*msg.Channel)
	}
}

// DiscoverChannel merges a channel definition into the known catalog. Flags
// are OR-merged and the first non-empty data type wins.
func (r *Registry) DiscoverChannel(ch proto.Channel) {
	if ch.Name == "" {
		return
	}
	var merged proto.Channel
	changed := false
	r.do(func(c *catalog) {
		merged, changed = mergeChannel(c, ch)
	})
	if changed && r.events.ChannelSeen != nil {
		r.events.ChannelSeen(merged)
	}
}

func mergeChannel(c *catalog, ch proto.Channel) (proto.Channel, bool) {
	existing, ok := c.knownChannels[ch.Name]
	if !ok {
		existing = proto.Channel{Name: ch.Name}
	}
	merged := existing
	if merged.DataType == "" {
		merged.DataType = ch.DataType
	}
	merged.Ephemeral = merged.Ephemeral || ch.Ephemeral
	merged.HasState = merged.HasState || ch.HasState
	merged.FirstFieldIsID = merged.FirstFieldIsID || ch.FirstFieldIsID

	if use, used := c.usedChannels[ch.Name]; used {
		use.Channel = merged
		c.usedChannels[ch.Name] = use
	}
	c.knownChannels[ch.Name] = merged
	return merged, !ok || merged != existing
}

// RegisterChannelUsage records that this client publishes or subscribes to a
// channel, announcing its definition when the network does not know it yet.
// Self-addressed channels are not tracked.
func (r *Registry) RegisterChannelUsage(name string, publish bool, dataType string) {
	if name == "" || proto.IsSelfAddressed(name) {
		return
	}
	var def proto.Channel
	known := false
	r.do(func(c *catalog) {
		use, ok := c.usedChannels[name]
		if !ok {
			use = proto.ChannelUse{Channel: proto.Channel{Name: name}}
			if k, isKnown := c.knownChannels[name]; isKnown {
				use.Channel = k
			}
		}
		if use.Channel.DataType == "" {
			use.Channel.DataType = dataType
		}
		if publish {
			use.Publish = true
		} else {
			use.Subscribe = true
		}
		c.usedChannels[name] = use
		def = use.Channel
		_, known = c.knownChannels[name]
	})
	if !known {
		r.RegisterChannel(def)
	}
}

// RegisterChannel declares a channel definition and announces it.
func (r *Registry) RegisterChannel(ch proto.Channel) {
	if ch.Name == "" || proto.IsSelfAddressed(ch.Name) {
		return
	}
	var merged proto.Channel
	r.do(func(c *catalog) { merged, _ = mergeChannel(c, ch) })
	if r.opts.Incognito || !r.pub.Connected() {
		return
	}
	if err := r.pub.PublishControl(proto.ChannelChannels, proto.Channels{Channel: &merged}); err != nil {
		r.log.Warn("Failed to announce channel", "channel", ch.Name, "error", err)
	}
}

func (r *Registry) UnregisterChannel(name string) bool {
	removed := false
	r.do(func(c *catalog) {
		if _, ok := c.usedChannels[name]; ok {
			delete(c.usedChannels, name)
			removed = true
		}
	})
	return removed
}

// RegisterMeasure marks a measure as used and announces it the first time.
// It reports whether the measure was new.
func (r *Registry) RegisterMeasure(m proto.Measure) bool {
	if m.ID == "" {
		return false
	}
	added := false
	r.do(func(c *catalog) {
		if m.Application == "" {
			m.Application = c.self.Application
		}
		_, was := c.usedMeasures[m.ID]
		c.usedMeasures[m.ID] = m
		c.knownMeasures[m.ID] = m
		added = !was
	})
	if added && !r.opts.Incognito && r.pub.Connected() {
		r.publishMeasure(m)
	}
	return added
}

// ResolveMeasure returns the used or known measure with the id, or a minimal new one.
func (r *Registry) ResolveMeasure(id string) proto.Measure {
	m := proto.Measure{ID: id}
	r.do(func(c *catalog) {
		if used, ok := c.usedMeasures[id]; ok {
			m = used
		} else if known, ok := c.knownMeasures[id]; ok {
			m = known
		} else {
			m.Application = c.self.Application
		}
	})
	return m
}

// HandleMeasures processes a message from the measures channel.
func (r *Registry) HandleMeasures(msg proto.Measures) {
	switch {
	case msg.RequestMeasures != nil:
		r.AnnounceMeasures()
	case msg.Measure != nil && msg.Measure.ID != "":
		m := *msg.Measure
		r.do(func(c *catalog) { c.knownMeasures[m.ID] = m })
		if r.events.MeasureSeen != nil {
			r.events.MeasureSeen(m)
		}
	}
}

func (r *Registry) publishMeasure(m proto.Measure) {
	if err := r.pub.PublishControl(proto.ChannelMeasures, proto.Measures{Measure: &m}); err != nil {
		r.log.Warn("Failed to announce measure", "measure", m.ID, "error", err)
	}
}

// ResetKnown forgets everything learned from the network. Usage of this client is kept.
func (r *Registry) ResetKnown() {
	r.do(func(c *catalog) {
		clear(c.knownClients)
		clear(c.knownChannels)
		clear(c.knownMeasures)
		for name, use := range c.usedChannels {
			c.knownChannels[name] = use.Channel
		}
		for id, m := range c.usedMeasures {
			c.knownMeasures[id] = m
		}
	})
}

func (r *Registry) Client(id string) (proto.Client, bool) {
	var client proto.Client
	ok := false
	r.do(func(c *catalog) {
		client, ok = c.knownClients[id]
		client = cloneClient(client)
	})
	return client, ok
}

func (r *Registry) KnownClients() []proto.Client {
	var out []proto.Client
	r.do(func(c *catalog) {
		for _, client := range c.knownClients {
			out = append(out, cloneClient(client))
		}
	})
	slices.SortFunc(out, func(a, b proto.Client) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (r *Registry) ClientsByApplication(application string) []proto.Client {
	var out []proto.Client
	for _, client := range r.KnownClients() {
		if client.Application == application {
			out = append(out, client)
		}
	}
	return out
}

func (r *Registry) KnownChannels() []proto.Channel {
	var out []proto.Channel
	r.do(func(c *catalog) { out = sortedValues(c.knownChannels) })
	return out
}

func (r *Registry) UsedChannels() []proto.ChannelUse {
	var out []proto.ChannelUse
	r.do(func(c *catalog) { out = sortedValues(c.usedChannels) })
	return out
}

func (r *Registry) KnownMeasures() []proto.Measure {
	var out []proto.Measure
	r.do(func(c *catalog) { out = sortedValues(c.knownMeasures) })
	return out
}

func (r *Registry) UsedMeasures() []proto.Measure {
	var out []proto.Measure
	r.do(func(c *catalog) { out = sortedValues(c.usedMeasures) })
	return out
}

func sortedValues[V any](m map[string]V) []V {
	keys := slices.Sorted(maps.Keys(m))
	out := make([]V, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

func cloneClient(c proto.Client) proto.Client {
	c.Capabilities = slices.Clone(c.Capabilities)
	return c
}
