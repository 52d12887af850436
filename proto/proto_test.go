package proto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFederate(t *testing.T) {
	assert.Equal(t, "t", Federate("", "t"))
	assert.Equal(t, "//fed/t", Federate("fed", "t"))
	assert.Equal(t, "@abc:private", Federate("fed", "@abc:private"))
	assert.Equal(t, "t", Localize("fed", "//fed/t"))
	assert.Equal(t, "//other/t", Localize("fed", "//other/t"))
	assert.Equal(t, "a_b", NormalizeFederation("a/b"))
	assert.Equal(t, "@abc:", OwnChannelPrefix("abc"))
}

func TestValidateChannelName(t *testing.T) {
	require.NoError(t, ValidateChannelName("rti/clients"))
	assert.ErrorIs(t, ValidateChannelName(""), ErrInvalidChannel)
	assert.ErrorIs(t, ValidateChannelName("  "), ErrInvalidChannel)
	assert.ErrorIs(t, ValidateChannelName("//fed/x"), ErrInvalidChannel)
}

func TestHeartbeatReply(t *testing.T) {
	reply, ok := HeartbeatReply("")
	assert.True(t, ok)
	assert.Equal(t, "", reply)

	reply, ok = HeartbeatReply("#1")
	assert.True(t, ok)
	assert.Equal(t, "#2", reply)

	_, ok = HeartbeatReply(`{"event":"ping"}`)
	assert.False(t, ok)
}

func TestFrameResponse(t *testing.T) {
	var f Frame
	require.NoError(t, json.Unmarshal([]byte(`{"rid":3,"data":{"x":1},"error":null}`), &f))
	assert.True(t, f.IsResponse())
	assert.False(t, f.HasError())

	require.NoError(t, json.Unmarshal([]byte(`{"rid":4,"error":"boom"}`), &f))
	assert.True(t, f.HasError())
	assert.JSONEq(t, `"boom"`, string(f.Error))

	f = Frame{Event: EventPublish, RID: 5}
	assert.False(t, f.IsResponse())
}

func TestNewFrame(t *testing.T) {
	f, err := NewFrame(EventSubscribe, SubscribePayload{Channel: "//fed/t"})
	require.NoError(t, err)
	f.CID = 7

	b, err := json.Marshal(f)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"#subscribe","data":{"channel":"//fed/t"},"cid":7}`, string(b))

	f, err = NewFrame(EventHandshake, HandshakePayload{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"authToken":null}`, string(f.Data))
}

func TestParticipantRegistrationMatches(t *testing.T) {
	assert.True(t, ParticipantRegistration{}.Matches("a", "h", "s"))
	assert.True(t, ParticipantRegistration{ClientID: "a", Station: "s"}.Matches("a", "h", "s"))
	assert.False(t, ParticipantRegistration{Host: "other"}.Matches("a", "h", "s"))
	assert.False(t, ParticipantRegistration{ClientID: "b"}.Matches("a", "h", "s"))
}

func TestCodecs(t *testing.T) {
	var jc JSONCodec
	s, err := jc.Encode(Measure{ID: "m", Interval: 1})
	require.NoError(t, err)
	var m Measure
	require.NoError(t, jc.Decode(s, &m))
	assert.Equal(t, "m", m.ID)
	assert.Error(t, jc.Decode("{", &m))

	bc := Base64Codec{
		DataType:  "bytes",
		Marshal:   func(v any) ([]byte, error) { return []byte(v.(string)), nil },
		Unmarshal: func(b []byte, v any) error { *(v.(*string)) = string(b); return nil },
	}
	s, err = bc.Encode("hello")
	require.NoError(t, err)
	assert.Equal(t, "aGVsbG8=", s)
	var out string
	require.NoError(t, bc.Decode(s, &out))
	assert.Equal(t, "hello", out)
	assert.Error(t, bc.Decode("!!", &out))
	assert.Error(t, Base64Codec{}.Decode("aGk=", &out))
}
