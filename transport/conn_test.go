package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbocsi/gorti/brokertest"
	"github.com/mbocsi/gorti/proto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sourcedError struct {
	source string
	err    error
}

type recorder struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	errs        []sourcedError
	frames      []proto.Frame
	onFrame     func(proto.Frame)
}

func (r *recorder) HandleConnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects++
}

func (r *recorder) HandleDisconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects++
}

func (r *recorder) HandleError(source string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, sourcedError{source, err})
}

func (r *recorder) HandleFrame(f proto.Frame) {
	if r.onFrame != nil {
		r.onFrame(f)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects, r.disconnects
}

func (r *recorder) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recorder) hasError(target error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.errs {
		if errors.Is(e.err, target) {
			return true
		}
	}
	return false
}

func startBroker(t *testing.T, configure ...func(*brokertest.Broker)) *brokertest.Broker {
	t.Helper()
	b := brokertest.New()
	for _, fn := range configure {
		fn(b)
	}
	b.Start()
	t.Cleanup(b.Close)
	return b
}

func fastOptions(url string) Options {
	return Options{
		URL:               url,
		Auth:              func() proto.AuthPayload { return proto.AuthPayload{ClientID: "c1", Application: "test"} },
		ReconnectGrace:    50 * time.Millisecond,
		ReconnectInterval: 50 * time.Millisecond,
		CloseTimeout:      200 * time.Millisecond,
	}
}

func connect(t *testing.T, c *Conn) {
	t.Helper()
	c.Connect()
	t.Cleanup(c.Disconnect)
	require.NoError(t, c.WaitUntilConnected(context.Background()))
}

func TestConnectAuthenticates(t *testing.T) {
	b := startBroker(t)
	rec := &recorder{}
	c := NewConn(fastOptions(b.URL()), rec)
	assert.Equal(t, StateDisconnected, c.State())

	connect(t, c)
	assert.True(t, c.Authenticated())

	handshakes := b.FramesFor(proto.EventHandshake)
	require.Len(t, handshakes, 1)
	assert.NotZero(t, handshakes[0].CID)

	sessions := b.Sessions()
	require.Len(t, sessions, 1)
	auth, ok := sessions[0].Auth()
	require.True(t, ok)
	assert.Equal(t, "c1", auth.ClientID)
	assert.Equal(t, "test", auth.Application)

	require.Eventually(t, func() bool { n, _ := rec.counts(); return n == 1 }, time.Second, 10*time.Millisecond)

	c.Disconnect()
	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())
	connects, disconnects := rec.counts()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, disconnects)
}

func TestDisconnectBeforeConnect(t *testing.T) {
	rec := &recorder{}
	c := NewConn(Options{URL: "ws://127.0.0.1:1/"}, rec)
	c.Disconnect()
	c.Disconnect()
	_, disconnects := rec.counts()
	assert.Zero(t, disconnects)
}

func TestQueuedFramesWaitForAuthentication(t *testing.T) {
	b := startBroker(t)
	c := NewConn(fastOptions(b.URL()), &recorder{})

	pub, err := proto.NewFrame(proto.EventPublish, proto.Publication{Channel: "t", Data: "early"})
	require.NoError(t, err)
	require.NoError(t, c.SendFrame(pub))

	connect(t, c)
	require.Eventually(t, func() bool { return len(b.Publications("t")) == 1 }, time.Second, 10*time.Millisecond)

	authAt, pubAt := -1, -1
	for i, r := range b.Frames() {
		switch r.Frame.Event {
		case proto.EventAuth:
			authAt = i
		case proto.EventPublish:
			pubAt = i
		}
	}
	assert.Less(t, authAt, pubAt)
}

func TestFlushWaitsForQueuedFrames(t *testing.T) {
	b := startBroker(t)
	c := NewConn(fastOptions(b.URL()), &recorder{})

	pub, err := proto.NewFrame(proto.EventPublish, proto.Publication{Channel: "t", Data: "x"})
	require.NoError(t, err)
	for range 3 {
		require.NoError(t, c.SendFrame(pub))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Flush(ctx), context.DeadlineExceeded)

	connect(t, c)
	require.NoError(t, c.Flush(context.Background()))
	require.Eventually(t, func() bool { return len(b.Publications("t")) == 3 }, time.Second, 10*time.Millisecond)
}

func TestHeartbeatsAnswered(t *testing.T) {
	b := startBroker(t, func(b *brokertest.Broker) { b.HeartbeatInterval = 20 * time.Millisecond })
	c := NewConn(fastOptions(b.URL()), &recorder{})
	connect(t, c)

	require.Eventually(t, func() bool {
		s := b.Sessions()
		return len(s) == 1 && s[0].HeartbeatReplies() >= 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, c.LastHeartbeat().IsZero())

	before := b.Sessions()[0].HeartbeatReplies()
	b.SendText(proto.HeartbeatEmpty)
	require.Eventually(t, func() bool { return b.Sessions()[0].HeartbeatReplies() > before }, time.Second, 10*time.Millisecond)
}

func TestPingTimeoutReconnects(t *testing.T) {
	b := startBroker(t, func(b *brokertest.Broker) { b.HeartbeatInterval = 20 * time.Millisecond })
	rec := &recorder{}
	opts := fastOptions(b.URL())
	opts.PingTimeout = 200 * time.Millisecond
	c := NewConn(opts, rec)
	connect(t, c)

	require.Eventually(t, func() bool { return !c.LastHeartbeat().IsZero() }, time.Second, 10*time.Millisecond)
	b.PauseHeartbeats()

	require.Eventually(t, func() bool { return rec.hasError(ErrPingTimeout) }, 3*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		connects, disconnects := rec.counts()
		return connects == 2 && disconnects == 1 && c.Connected()
	}, 3*time.Second, 20*time.Millisecond)
}

func TestDroppedConnectionReconnects(t *testing.T) {
	b := startBroker(t)
	rec := &recorder{}
	c := NewConn(fastOptions(b.URL()), rec)
	connect(t, c)

	b.DropConnections()
	require.Eventually(t, func() bool {
		connects, disconnects := rec.counts()
		return connects == 2 && disconnects == 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Len(t, b.FramesFor(proto.EventHandshake), 2)

	handshakes := b.FramesFor(proto.EventHandshake)
	assert.Greater(t, handshakes[1].CID, handshakes[0].CID)
}

func TestFailIsTerminal(t *testing.T) {
	b := startBroker(t, func(b *brokertest.Broker) { b.RejectAuth = "invalid secret" })
	rec := &recorder{}
	c := NewConn(fastOptions(b.URL()), rec)
	c.Connect()
	t.Cleanup(c.Disconnect)

	err := c.WaitUntilConnected(context.Background())
	var failure *FailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "invalid secret", failure.Reason)

	time.Sleep(300 * time.Millisecond)
	assert.Len(t, b.FramesFor(proto.EventHandshake), 1)
	assert.False(t, c.Connected())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.NotEmpty(t, rec.errs)
	assert.Equal(t, SourceFail, rec.errs[0].source)
}

func TestWaitUntilConnectedTimesOut(t *testing.T) {
	c := NewConn(Options{URL: "ws://127.0.0.1:1/", WaitInterval: time.Millisecond, WaitAttempts: 5}, &recorder{})
	assert.ErrorIs(t, c.WaitUntilConnected(context.Background()), ErrConnectTimeout)
}

func TestSendRefusedWhenQueueFullAndClosed(t *testing.T) {
	c := NewConn(Options{URL: "ws://127.0.0.1:1/", QueueSize: 2}, &recorder{})
	require.NoError(t, c.Send("a"))
	require.NoError(t, c.Send("b"))
	assert.ErrorIs(t, c.Send("c"), ErrQueueFull)
}

func TestStaleFramesDropped(t *testing.T) {
	b := startBroker(t)
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	opts := fastOptions(b.URL())
	opts.StaleAfter = 50 * time.Millisecond
	opts.Metrics = metrics
	c := NewConn(opts, &recorder{})

	stale, err := proto.NewFrame(proto.EventPublish, proto.Publication{Channel: "t", Data: "stale"})
	require.NoError(t, err)
	require.NoError(t, c.SendFrame(stale))
	time.Sleep(100 * time.Millisecond)

	connect(t, c)
	fresh, err := proto.NewFrame(proto.EventPublish, proto.Publication{Channel: "t", Data: "fresh"})
	require.NoError(t, err)
	require.NoError(t, c.SendFrame(fresh))

	require.Eventually(t, func() bool { return len(b.Publications("t")) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"fresh"}, b.Publications("t"))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.framesDropped.WithLabelValues("stale")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.connected))
}

func TestPollMode(t *testing.T) {
	b := startBroker(t)
	rec := &recorder{}
	opts := fastOptions(b.URL())
	opts.Polling = true
	c := NewConn(opts, rec)
	connect(t, c)

	b.Emit("custom", "one")
	b.Emit("custom", "two")
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, rec.frameCount())

	assert.Equal(t, 1, c.Poll(1))
	assert.Equal(t, 1, rec.frameCount())
	assert.Equal(t, 1, c.Poll(0))
	assert.Equal(t, 0, c.Poll(0))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var first string
	require.NoError(t, json.Unmarshal(rec.frames[0].Data, &first))
	assert.Equal(t, "one", first)
}

func TestPushDeliveryAbandonsSlowHandler(t *testing.T) {
	b := startBroker(t)
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	release := make(chan struct{})
	rec := &recorder{onFrame: func(f proto.Frame) {
		if f.Event == "slow" {
			<-release
		}
	}}
	opts := fastOptions(b.URL())
	opts.DeliveryTimeout = 20 * time.Millisecond
	opts.Metrics = metrics
	c := NewConn(opts, rec)
	connect(t, c)

	b.Emit("slow", nil)
	b.Emit("fast", nil)
	require.Eventually(t, func() bool { return rec.frameCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.deliveriesAbandoned))

	close(release)
	require.Eventually(t, func() bool { return rec.frameCount() == 2 }, time.Second, 10*time.Millisecond)
}

func TestPingAnsweredWithPong(t *testing.T) {
	b := startBroker(t)
	c := NewConn(fastOptions(b.URL()), &recorder{})
	connect(t, c)

	b.Emit(proto.EventPing, "abc")
	require.Eventually(t, func() bool { return len(b.FramesFor(proto.EventPong)) == 1 }, time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `"abc"`, string(b.FramesFor(proto.EventPong)[0].Data))
}

func TestRemoveAuthTokenAuthenticatesAgain(t *testing.T) {
	b := startBroker(t)
	rec := &recorder{}
	c := NewConn(fastOptions(b.URL()), rec)
	connect(t, c)

	b.Emit(proto.EventRemoveAuthToken, nil)
	require.Eventually(t, func() bool { return len(b.FramesFor(proto.EventAuth)) == 2 }, time.Second, 10*time.Millisecond)
	connects, _ := rec.counts()
	assert.Equal(t, 1, connects)
}

func TestNextCIDMonotonic(t *testing.T) {
	c := NewConn(Options{}, &recorder{})
	a, b := c.NextCID(), c.NextCID()
	assert.Greater(t, b, a)
}
