package proto

// RuntimeState is the lifecycle state a client announces about itself.
type RuntimeState string

const (
	StateUnknown         RuntimeState = "unknown"
	StateInitial         RuntimeState = "initial"
	StateLoading         RuntimeState = "loading"
	StateReady           RuntimeState = "ready"
	StateRunning         RuntimeState = "running"
	StatePlayback        RuntimeState = "playback"
	StatePaused          RuntimeState = "paused"
	StatePlaybackPaused  RuntimeState = "playback_paused"
	StateEnd             RuntimeState = "end"
	StatePlaybackEnd     RuntimeState = "playback_end"
	StateStopping        RuntimeState = "stopping"
	StateStopped         RuntimeState = "stopped"
	StatePlaybackStopped RuntimeState = "playback_stopped"
	StateShuttingDown    RuntimeState = "shutting_down"
)

// Client describes a connected peer, including this one when it announces itself.
type Client struct {
	ID                   string       `json:"id"`
	Application          string       `json:"application,omitempty"`
	ApplicationVersion   string       `json:"applicationVersion,omitempty"`
	EngineVersion        string       `json:"engineVersion,omitempty"`
	IntegrationVersion   string       `json:"integrationVersion,omitempty"`
	ClientLibraryVersion string       `json:"clientLibraryVersion,omitempty"`
	Federation           string       `json:"federation,omitempty"`
	Host                 string       `json:"host,omitempty"`
	Station              string       `json:"station,omitempty"`
	User                 string       `json:"user,omitempty"`
	Participant          string       `json:"participant,omitempty"`
	Role                 string       `json:"role,omitempty"`
	FullName             string       `json:"fullName,omitempty"`
	Capabilities         []string     `json:"capabilities,omitempty"`
	State                RuntimeState `json:"state,omitempty"`
	URL                  string       `json:"url,omitempty"`
}

// ParticipantRegistration asks the matching client to take on a participant identity.
// Empty scoping fields match any client.
type ParticipantRegistration struct {
	ClientID    string `json:"clientId,omitempty"`
	Host        string `json:"host,omitempty"`
	Station     string `json:"station,omitempty"`
	Participant string `json:"participant,omitempty"`
	Role        string `json:"role,omitempty"`
	FullName    string `json:"fullName,omitempty"`
}

// Matches reports whether the registration is scoped to a client with the given identity.
func (p ParticipantRegistration) Matches(clientID, host, station string) bool {
	return (p.ClientID == "" || p.ClientID == clientID) &&
		(p.Host == "" || p.Host == host) &&
		(p.Station == "" || p.Station == station)
}

type Empty struct{}

// Clients is the message carried on ChannelClients. Exactly one field is set.
type Clients struct {
	RequestClients      *Empty                   `json:"requestClients,omitempty"`
	Client              *Client                  `json:"client,omitempty"`
	RegisterParticipant *ParticipantRegistration `json:"registerParticipant,omitempty"`
}

type Channel struct {
	Name           string `json:"name"`
	DataType       string `json:"dataType,omitempty"`
	Ephemeral      bool   `json:"ephemeral,omitempty"`
	HasState       bool   `json:"state,omitempty"`
	FirstFieldIsID bool   `json:"firstFieldId,omitempty"`
}

// ChannelUse is one client's usage of a channel.
type ChannelUse struct {
	Channel   Channel `json:"channel"`
	Publish   bool    `json:"publish,omitempty"`
	Subscribe bool    `json:"subscribe,omitempty"`
}

type ChannelUsage struct {
	ClientID string       `json:"clientId"`
	Usage    []ChannelUse `json:"usage"`
}

// Channels is the message carried on ChannelChannels. Exactly one field is set.
type Channels struct {
	RequestChannelUsage *Empty        `json:"requestChannelUsage,omitempty"`
	ChannelUsage        *ChannelUsage `json:"channelUsage,omitempty"`
	Channel             *Channel      `json:"channel,omitempty"`
}

type Measure struct {
	ID          string  `json:"id"`
	Application string  `json:"application,omitempty"`
	Title       string  `json:"title,omitempty"`
	Unit        string  `json:"unit,omitempty"`
	Channel     string  `json:"channel,omitempty"`  // overrides ChannelMeasurement when set
	Interval    float64 `json:"interval,omitempty"` // seconds, 0 publishes every sample immediately
	EntityKeyed bool    `json:"entityKeyed,omitempty"`
}

// Measures is the message carried on ChannelMeasures. Exactly one field is set.
type Measures struct {
	RequestMeasures *Empty   `json:"requestMeasures,omitempty"`
	Measure         *Measure `json:"measure,omitempty"`
}

// Window summarizes the samples collected for a measure during one interval.
type Window struct {
	Count    int     `json:"count"`
	Mean     float64 `json:"mean"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Duration float64 `json:"duration"` // seconds, scaled by the time scale
}

// Measurement is one published sample or window. Value holds the mean of a window.
type Measurement struct {
	MeasureID string  `json:"measureId"`
	ClientID  string  `json:"clientId"`
	EntityID  string  `json:"entityId,omitempty"`
	Value     float64 `json:"value"`
	Window    *Window `json:"window,omitempty"`
}

type ErrorReport struct {
	ClientID    string `json:"clientId"`
	Application string `json:"application,omitempty"`
	Message     string `json:"message"`
	Channel     string `json:"channel,omitempty"`
}

type Heartbeat struct {
	ClientID    string       `json:"clientId"`
	Application string       `json:"application,omitempty"`
	State       RuntimeState `json:"state,omitempty"`
}

type Progress struct {
	ClientID string `json:"clientId"`
	Value    int    `json:"value"`
}

type ValueReport struct {
	ClientID  string `json:"clientId"`
	Value     string `json:"value"`
	Highlight bool   `json:"highlight,omitempty"`
	Error     bool   `json:"error,omitempty"`
}
