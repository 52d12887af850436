package measure

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbocsi/gorti/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	channel string
	msg     proto.Measurement
}

type fakePublisher struct {
	mu        sync.Mutex
	connected atomic.Bool
	out       []sent
}

func newPublisher(connected bool) *fakePublisher {
	p := &fakePublisher{}
	p.connected.Store(connected)
	return p
}

func (p *fakePublisher) PublishMeasurement(channel string, m proto.Measurement) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = append(p.out, sent{channel, m})
	return nil
}

func (p *fakePublisher) Connected() bool { return p.connected.Load() }

func (p *fakePublisher) published() []sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sent(nil), p.out...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newManual returns an aggregator whose ticker effectively never fires.
func newManual(pub Publisher) (*Aggregator, *clock) {
	clk := &clock{now: time.Unix(1000, 0)}
	a := New(pub, Options{ClientID: "me", TickInterval: time.Hour, Now: clk.Now})
	return a, clk
}

func TestWindowStatistics(t *testing.T) {
	pub := newPublisher(true)
	a, clk := newManual(pub)
	defer a.Stop()
	m := proto.Measure{ID: "m", Interval: 1}

	a.Add(m, "", 42)
	a.Add(m, "", 44)
	a.Add(m, "", 40)

	clk.advance(500 * time.Millisecond)
	a.Flush()
	assert.Empty(t, pub.published())
	assert.Equal(t, 3, a.Pending())

	clk.advance(600 * time.Millisecond)
	a.Flush()

	out := pub.published()
	require.Len(t, out, 1)
	assert.Equal(t, proto.ChannelMeasurement, out[0].channel)
	got := out[0].msg
	assert.Equal(t, "m", got.MeasureID)
	assert.Equal(t, "me", got.ClientID)
	require.NotNil(t, got.Window)
	assert.Equal(t, 3, got.Window.Count)
	assert.InDelta(t, 42, got.Window.Mean, 1e-9)
	assert.Equal(t, 40.0, got.Window.Min)
	assert.Equal(t, 44.0, got.Window.Max)
	assert.InDelta(t, 1.1, got.Window.Duration, 1e-9)
	assert.InDelta(t, 42, got.Value, 1e-9)
	assert.Zero(t, a.Pending())
}

func TestSingleSampleIsPlain(t *testing.T) {
	pub := newPublisher(true)
	a, clk := newManual(pub)
	defer a.Stop()

	a.Add(proto.Measure{ID: "m", Interval: 1, Channel: "perf"}, "", 7)
	clk.advance(time.Second)
	a.Flush()

	out := pub.published()
	require.Len(t, out, 1)
	assert.Equal(t, "perf", out[0].channel)
	assert.Nil(t, out[0].msg.Window)
	assert.Equal(t, 7.0, out[0].msg.Value)
}

func TestEmptyWindowOnlyRestartsClock(t *testing.T) {
	pub := newPublisher(true)
	a, clk := newManual(pub)
	defer a.Stop()
	m := proto.Measure{ID: "m", Interval: 1}

	a.Add(m, "", 1)
	clk.advance(time.Second)
	a.Flush()
	require.Len(t, pub.published(), 1)

	clk.advance(time.Second)
	a.Flush()
	assert.Len(t, pub.published(), 1)

	// the window restarted at the last flush, so this sample is not due yet
	a.Add(m, "", 2)
	clk.advance(500 * time.Millisecond)
	a.Flush()
	assert.Len(t, pub.published(), 1)
}

func TestImmediateMeasure(t *testing.T) {
	pub := newPublisher(true)
	a, _ := newManual(pub)

	a.Add(proto.Measure{ID: "fps"}, "e1", 60)
	a.Add(proto.Measure{ID: "fps", Interval: ImmediateInterval / 2}, "", 59)

	out := pub.published()
	require.Len(t, out, 2)
	assert.Equal(t, proto.Measurement{MeasureID: "fps", ClientID: "me", EntityID: "e1", Value: 60}, out[0].msg)
	assert.Nil(t, out[1].msg.Window)
	assert.False(t, a.Ticking())
	assert.Zero(t, a.Pending())

	pub.connected.Store(false)
	a.Add(proto.Measure{ID: "fps"}, "", 1)
	assert.Len(t, pub.published(), 2)
}

func TestEntityKeyedWindows(t *testing.T) {
	pub := newPublisher(true)
	a, clk := newManual(pub)
	defer a.Stop()
	keyed := proto.Measure{ID: "speed", Interval: 1, EntityKeyed: true}
	plain := proto.Measure{ID: "load", Interval: 1}

	a.Add(keyed, "car1", 10)
	a.Add(keyed, "car2", 20)
	a.Add(keyed, "car1", 30)
	a.Add(plain, "x", 1)
	a.Add(plain, "y", 3)

	clk.advance(time.Second)
	a.Flush()

	byKey := map[string]proto.Measurement{}
	for _, s := range pub.published() {
		byKey[s.msg.MeasureID+"/"+s.msg.EntityID] = s.msg
	}
	require.Len(t, byKey, 3)
	assert.Equal(t, 20.0, byKey["speed/car1"].Value)
	assert.Equal(t, 2, byKey["speed/car1"].Window.Count)
	assert.Equal(t, 20.0, byKey["speed/car2"].Value)
	assert.Equal(t, 2, byKey["load/"].Window.Count)
}

func TestTimeScale(t *testing.T) {
	pub := newPublisher(true)
	a, clk := newManual(pub)
	defer a.Stop()

	a.SetTimeScale(0)
	a.SetTimeScale(-1)
	assert.Equal(t, 1.0, a.TimeScale())
	a.SetTimeScale(2)

	a.Add(proto.Measure{ID: "m", Interval: 1}, "", 1)
	a.Add(proto.Measure{ID: "m", Interval: 1}, "", 3)
	clk.advance(600 * time.Millisecond)
	a.Flush()

	out := pub.published()
	require.Len(t, out, 1)
	assert.InDelta(t, 1.2, out[0].msg.Window.Duration, 1e-9)
}

func TestTickerFlushesAndStopsWhenDisconnected(t *testing.T) {
	pub := newPublisher(true)
	a := New(pub, Options{ClientID: "me", TickInterval: 5 * time.Millisecond})
	defer a.Stop()

	m := proto.Measure{ID: "m", Interval: 0.02}
	a.Add(m, "", 42)
	a.Add(m, "", 44)
	a.Add(m, "", 40)
	assert.True(t, a.Ticking())

	require.Eventually(t, func() bool { return len(pub.published()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, pub.published()[0].msg.Window.Count)

	pub.connected.Store(false)
	require.Eventually(t, func() bool { return !a.Ticking() }, time.Second, 5*time.Millisecond)

	pub.connected.Store(true)
	a.Add(m, "", 1)
	assert.True(t, a.Ticking())
}
