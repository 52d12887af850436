package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mbocsi/gorti/correlator"
	"github.com/mbocsi/gorti/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRuntime struct {
	state     proto.RuntimeState
	texts     map[string]string
	jsons     map[string]any
	calls     []string
	callReply json.RawMessage
	callErr   error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{state: proto.StateReady, texts: map[string]string{}, jsons: map[string]any{}}
}

func (f *fakeRuntime) ClientID() string { return "me" }
func (f *fakeRuntime) Application() string { return "agent" }
func (f *fakeRuntime) Federation() string { return "" }
func (f *fakeRuntime) URL() string { return "ws://localhost:8000/" }
func (f *fakeRuntime) Connected() bool { return true }
func (f *fakeRuntime) BrokerVersion() string { return "1.0" }
func (f *fakeRuntime) State() proto.RuntimeState { return f.state }
func (f *fakeRuntime) SetState(s proto.RuntimeState) { f.state = s }
func (f *fakeRuntime) KnownChannels() []proto.Channel { return []proto.Channel{{Name: "t"}} }
func (f *fakeRuntime) UsedChannels() []proto.ChannelUse { return nil }
func (f *fakeRuntime) KnownMeasures() []proto.Measure { return []proto.Measure{{ID: "fps"}} }
func (f *fakeRuntime) Subscriptions() []string { return nil }

func (f *fakeRuntime) KnownClients() []proto.Client {
	return []proto.Client{{ID: "a", Application: "sim"}, {ID: "b", Application: "viewer"}}
}

func (f *fakeRuntime) ClientsByApplication(app string) []proto.Client {
	var out []proto.Client
	for _, c := range f.KnownClients() {
		if c.Application == app {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeRuntime) PublishText(channel, text string) error {
	if err := proto.ValidateChannelName(channel); err != nil {
		return err
	}
	f.texts[channel] = text
	return nil
}

func (f *fakeRuntime) PublishJSON(channel string, v any) error {
	f.jsons[channel] = v
	return nil
}

func (f *fakeRuntime) Call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	f.calls = append(f.calls, method)
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("no deadline")
	}
	return f.callReply, f.callErr
}

func request(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestListClients(t *testing.T) {
	s := NewServer(newFakeRuntime(), "test", nil)

	res, err := s.handleListClients(context.Background(), request(nil))
	require.NoError(t, err)
	assert.Contains(t, text(t, res), `"count":2`)

	res, err = s.handleListClients(context.Background(), request(map[string]any{"application": "sim"}))
	require.NoError(t, err)
	var out struct {
		Clients []proto.Client `json:"clients"`
		Count   int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &out))
	require.Equal(t, 1, out.Count)
	assert.Equal(t, "a", out.Clients[0].ID)
}

func TestPublish(t *testing.T) {
	rt := newFakeRuntime()
	s := NewServer(rt, "test", nil)

	res, err := s.handlePublish(context.Background(), request(map[string]any{"channel": "t", "text": "hi"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "hi", rt.texts["t"])

	res, err = s.handlePublish(context.Background(), request(map[string]any{"channel": "j", "payload": map[string]any{"x": 1.0}}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, map[string]any{"x": 1.0}, rt.jsons["j"])

	res, err = s.handlePublish(context.Background(), request(map[string]any{"text": "hi"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handlePublish(context.Background(), request(map[string]any{"channel": "", "text": "hi"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestCall(t *testing.T) {
	rt := newFakeRuntime()
	rt.callReply = json.RawMessage(`{"ok":true}`)
	s := NewServer(rt, "test", nil)

	res, err := s.handleCall(context.Background(), request(map[string]any{"method": "echo", "timeout": 0.5}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, `{"ok":true}`, text(t, res))
	assert.Equal(t, []string{"echo"}, rt.calls)

	rt.callErr = &correlator.RemoteError{Method: "deny", Payload: json.RawMessage(`"nope"`)}
	res, err = s.handleCall(context.Background(), request(map[string]any{"method": "deny"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), `"nope"`)
}

func TestStateTools(t *testing.T) {
	rt := newFakeRuntime()
	s := NewServer(rt, "test", nil)

	res, err := s.handleSetState(context.Background(), request(map[string]any{"state": "running"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, proto.StateRunning, rt.state)

	res, err = s.handleGetStatus(context.Background(), request(nil))
	require.NoError(t, err)
	assert.Contains(t, text(t, res), `"state":"running"`)
	assert.Contains(t, text(t, res), `"peers":2`)
}
