package web

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mbocsi/gorti/proto"
	"github.com/mbocsi/gorti/router"
	"github.com/mbocsi/gorti/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	connected  bool
	publishErr error

	mu        sync.Mutex
	published []string
	handlers  map[string]func(string)
	unsubs    int
}

func (f *fakeSource) ClientID() string { return "me" }
func (f *fakeSource) Application() string { return "viewer" }
func (f *fakeSource) Federation() string { return "fed" }
func (f *fakeSource) URL() string { return "ws://localhost:8000/" }
func (f *fakeSource) Connected() bool { return f.connected }
func (f *fakeSource) BrokerVersion() string { return "1.2.3" }
func (f *fakeSource) LastHeartbeat() time.Time { return time.Time{} }
func (f *fakeSource) State() proto.RuntimeState { return proto.StateRunning }
func (f *fakeSource) Subscriptions() []string { return []string{"rti/clients"} }
func (f *fakeSource) KnownMeasures() []proto.Measure { return []proto.Measure{{ID: "fps"}} }
func (f *fakeSource) UsedMeasures() []proto.Measure { return nil }
func (f *fakeSource) KnownChannels() []proto.Channel { return []proto.Channel{{Name: "t"}} }
func (f *fakeSource) UsedChannels() []proto.ChannelUse { return nil }
func (f *fakeSource) ConnectionState() transport.State {
	if f.connected {
		return transport.StateConnected
	}
	return transport.StateDisconnected
}

func (f *fakeSource) KnownClients() []proto.Client {
	return []proto.Client{{ID: "a", Application: "sim"}, {ID: "b", Application: "viewer"}}
}

func (f *fakeSource) KnownClient(id string) (proto.Client, bool) {
	for _, c := range f.KnownClients() {
		if c.ID == id {
			return c, true
		}
	}
	return proto.Client{}, false
}

func (f *fakeSource) PublishText(channel, text string) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	if err := proto.ValidateChannelName(channel); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, channel+"="+text)
	return nil
}

func (f *fakeSource) SubscribeText(channel string, handler func(string)) (*router.Subscription, error) {
	if err := proto.ValidateChannelName(channel); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = map[string]func(string){}
	}
	f.handlers[channel] = handler
	return &router.Subscription{}, nil
}

func (f *fakeSource) Unsubscribe(*router.Subscription) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs++
	return true
}

func (f *fakeSource) handler(channel string) func(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[channel]
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	src := &fakeSource{}
	h := New(src, nil, nil).Routes()
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/healthz").Code)
	src.connected = true
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
}

func TestStatus(t *testing.T) {
	h := New(&fakeSource{connected: true}, nil, nil).Routes()
	rec := get(t, h, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "me", st.ClientID)
	assert.Equal(t, "connected", st.Connection)
	assert.Equal(t, proto.StateRunning, st.State)
	assert.Equal(t, 2, st.Peers)
	assert.Nil(t, st.LastHeartbeat)
}

func TestClients(t *testing.T) {
	h := New(&fakeSource{}, nil, nil).Routes()

	var all []proto.Client
	require.NoError(t, json.Unmarshal(get(t, h, "/clients").Body.Bytes(), &all))
	assert.Len(t, all, 2)

	var sims []proto.Client
	require.NoError(t, json.Unmarshal(get(t, h, "/clients?application=sim").Body.Bytes(), &sims))
	require.Len(t, sims, 1)
	assert.Equal(t, "a", sims[0].ID)

	assert.Equal(t, http.StatusOK, get(t, h, "/clients/b").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/clients/zzz").Code)
}

func TestCatalogs(t *testing.T) {
	h := New(&fakeSource{}, nil, nil).Routes()
	assert.JSONEq(t,
		`{"known":[{"name":"t"}],"used":[],"subscriptions":["rti/clients"]}`,
		get(t, h, "/channels").Body.String())
	assert.JSONEq(t, `{"known":[{"id":"fps"}],"used":[]}`, get(t, h, "/measures").Body.String())
}

func TestSendMessage(t *testing.T) {
	src := &fakeSource{connected: true}
	h := New(src, nil, nil).Routes()

	post := func(body string) int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(body)))
		return rec.Code
	}
	assert.Equal(t, http.StatusAccepted, post(`{"channel":"t","content":"hi"}`))
	assert.Equal(t, []string{"t=hi"}, src.published)
	assert.Equal(t, http.StatusBadRequest, post(`{"channel":"","content":"hi"}`))
	assert.Equal(t, http.StatusBadRequest, post(`not json`))

	src.publishErr = fmt.Errorf("publish: %w", router.ErrNotConnected)
	assert.Equal(t, http.StatusServiceUnavailable, post(`{"channel":"t","content":"hi"}`))
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "rti_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	h := New(&fakeSource{}, reg, nil).Routes()
	rec := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rti_test_total 1")

	assert.Equal(t, http.StatusNotFound, get(t, New(&fakeSource{}, nil, nil).Routes(), "/metrics").Code)
}

func TestChannelEvents(t *testing.T) {
	src := &fakeSource{connected: true}
	srv := httptest.NewServer(New(src, nil, nil).Routes())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?channel=rti/value", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readLines := func(n int) []string {
		var lines []string
		for range n {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			lines = append(lines, line)
		}
		return lines
	}
	assert.Equal(t, []string{"event: connected\n", "data: rti/value\n", "\n"}, readLines(3))

	require.Eventually(t, func() bool { return src.handler("rti/value") != nil }, time.Second, 5*time.Millisecond)
	src.handler("rti/value")("a\nb")
	assert.Equal(t, []string{"data: a\n", "data: b\n", "\n"}, readLines(3))

	cancel()
	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.unsubs == 1
	}, time.Second, 5*time.Millisecond)
}
