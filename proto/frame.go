package proto

import (
	"bytes"
	"encoding/json"
)

// Control events understood by the broker.
const (
	EventHandshake       = "#handshake"
	EventSetAuthToken    = "#setAuthToken"
	EventRemoveAuthToken = "#removeAuthToken"
	EventSubscribe       = "#subscribe"
	EventUnsubscribe     = "#unsubscribe"
	EventPublish         = "#publish"
	EventAuth            = "auth"
	EventFail            = "fail"
	EventPing            = "ping"
	EventPong            = "pong"
	EventBrokerVersion   = "broker-version"
)

// Heartbeat probes and their acknowledgments. Both are bare text frames, not envelopes.
const (
	HeartbeatEmpty    = ""
	HeartbeatProbe    = "#1"
	HeartbeatResponse = "#2"
)

// Frame is the JSON envelope carried by every non-heartbeat text frame.
type Frame struct {
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	CID   int64           `json:"cid,omitempty"` // call id, set on frames expecting a response
	RID   int64           `json:"rid,omitempty"` // response id, echoes the cid being answered
	Error json.RawMessage `json:"error,omitempty"`

	// Binary holds the payload of a binary websocket frame. It never goes over the wire as JSON.
	Binary []byte `json:"-"`
}

// IsResponse reports whether the frame answers an earlier call.
func (f Frame) IsResponse() bool {
	return f.Event == "" && f.RID != 0
}

// HasError reports whether a response carries a non-null error payload.
func (f Frame) HasError() bool {
	return len(f.Error) > 0 && !bytes.Equal(bytes.TrimSpace(f.Error), []byte("null"))
}

// HeartbeatReply returns the acknowledgment for a heartbeat probe, or false if text is not one.
func HeartbeatReply(text string) (string, bool) {
	switch text {
	case HeartbeatEmpty:
		return HeartbeatEmpty, true
	case HeartbeatProbe:
		return HeartbeatResponse, true
	}
	return "", false
}

type HandshakePayload struct {
	AuthToken *string `json:"authToken"`
}

// AuthPayload is sent after the handshake ack and again whenever the broker drops the token.
type AuthPayload struct {
	ClientID             string `json:"clientId"`
	Application          string `json:"application"`
	ClientLibraryVersion string `json:"clientLibraryVersion"`
	Federation           string `json:"federation,omitempty"`
	Secret               string `json:"secret,omitempty"`
	User                 string `json:"user,omitempty"`
	Password             string `json:"password,omitempty"`
	Participant          string `json:"participant,omitempty"`
	Role                 string `json:"role,omitempty"`
	FullName             string `json:"fullName,omitempty"`
}

type AuthToken struct {
	Token string `json:"token"`
}

type SubscribePayload struct {
	Channel string `json:"channel"`
}

// Publication is the data of a #publish frame in either direction.
type Publication struct {
	Channel string `json:"channel"`
	Data    string `json:"data"`
}

// NewFrame builds an envelope, marshalling data into it.
func NewFrame(event string, data any) (Frame, error) {
	f := Frame{Event: event}
	if data == nil {
		return f, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	f.Data = raw
	return f, nil
}
