// Package measure batches numeric samples into tumbling windows and publishes
// them as measurements.
package measure

import (
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbocsi/gorti/proto"
)

// ImmediateInterval is the largest interval, in seconds, treated as "publish every sample".
const ImmediateInterval = 1e-5

const DefaultTickInterval = 100 * time.Millisecond

type Publisher interface {
	PublishMeasurement(channel string, m proto.Measurement) error
	Connected() bool
}

type Options struct {
	ClientID     string
	TickInterval time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

type key struct {
	measure string
	entity  string
}

type window struct {
	measure   proto.Measure
	entity    string
	values    []float64
	lastFlush time.Time
}

// Aggregator holds one pending window per measure and entity. A ticker flushes
// due windows while the publisher is connected.
type Aggregator struct {
	pub  Publisher
	opts Options
	log  *slog.Logger

	scale atomic.Uint64 // float64 bits

	mu      sync.Mutex
	windows map[key]*window
	stop    chan struct{} // nil while the ticker is not running

	flushMu sync.Mutex
}

func New(pub Publisher, opts Options) *Aggregator {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	a := &Aggregator{
		pub:     pub,
		opts:    opts,
		log:     opts.Logger.With("component", "measure"),
		windows: make(map[key]*window),
	}
	a.scale.Store(math.Float64bits(1))
	return a
}

// SetTimeScale sets how fast measurement time runs relative to wall time.
// Non-positive values are ignored.
func (a *Aggregator) SetTimeScale(scale float64) {
	if scale <= 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return
	}
	a.scale.Store(math.Float64bits(scale))
}

func (a *Aggregator) TimeScale() float64 {
	return math.Float64frombits(a.scale.Load())
}

// Add records a sample. Measures with an interval of about zero are published
// at once when connected; all others are buffered until their window is due.
// The entity only separates windows of entity keyed measures.
func (a *Aggregator) Add(m proto.Measure, entity string, value float64) {
	if m.Interval <= ImmediateInterval {
		if !a.pub.Connected() {
			return
		}
		a.publish(m, proto.Measurement{
			MeasureID: m.ID,
			ClientID:  a.opts.ClientID,
			EntityID:  entity,
			Value:     value,
		})
		return
	}

	if !m.EntityKeyed {
		entity = ""
	}
	k := key{m.ID, entity}

	a.mu.Lock()
	w, ok := a.windows[k]
	if !ok {
		w = &window{entity: entity, lastFlush: a.opts.Now()}
		a.windows[k] = w
	}
	w.measure = m
	w.values = append(w.values, value)
	start := a.stop == nil
	if start {
		a.stop = make(chan struct{})
		go a.run(a.stop)
	}
	a.mu.Unlock()

	if start {
		a.log.Debug("Measurement ticker started", "interval", a.opts.TickInterval)
	}
}

// Ticking reports whether the flush ticker is running.
func (a *Aggregator) Ticking() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stop != nil
}

// Stop halts the ticker. Buffered samples are kept and the next Add restarts it.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopLocked()
}

func (a *Aggregator) stopLocked() {
	if a.stop != nil {
		close(a.stop)
		a.stop = nil
	}
}

func (a *Aggregator) run(stop chan struct{}) {
	ticker := time.NewTicker(a.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !a.pub.Connected() {
				a.mu.Lock()
				if a.stop == stop {
					a.stopLocked()
				}
				a.mu.Unlock()
				a.log.Debug("Measurement ticker stopped, not connected")
				return
			}
			a.Flush()
		}
	}
}

// Flush publishes every window whose scaled age reached its measure's interval.
// A window with one sample is published as a plain sample, an empty one only
// restarts its clock.
func (a *Aggregator) Flush() {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	now := a.opts.Now()
	scale := a.TimeScale()

	type due struct {
		measure proto.Measure
		msg     proto.Measurement
	}
	var ready []due

	a.mu.Lock()
	for _, w := range a.windows {
		elapsed := now.Sub(w.lastFlush).Seconds() * scale
		if elapsed < w.measure.Interval {
			continue
		}
		values := w.values
		w.values = nil
		w.lastFlush = now
		if len(values) == 0 {
			continue
		}
		msg := proto.Measurement{
			MeasureID: w.measure.ID,
			ClientID:  a.opts.ClientID,
			EntityID:  w.entity,
			Value:     values[0],
		}
		if len(values) > 1 {
			msg.Window = summarize(values, elapsed)
			msg.Value = msg.Window.Mean
		}
		ready = append(ready, due{w.measure, msg})
	}
	a.mu.Unlock()

	for _, d := range ready {
		a.publish(d.measure, d.msg)
	}
}

func summarize(values []float64, duration float64) *proto.Window {
	w := &proto.Window{Count: len(values), Min: values[0], Max: values[0], Duration: duration}
	sum := 0.0
	for _, v := range values {
		sum += v
		w.Min = min(w.Min, v)
		w.Max = max(w.Max, v)
	}
	w.Mean = sum / float64(len(values))
	return w
}

func (a *Aggregator) publish(m proto.Measure, msg proto.Measurement) {
	channel := m.Channel
	if channel == "" {
		channel = proto.ChannelMeasurement
	}
	if err := a.pub.PublishMeasurement(channel, msg); err != nil {
		a.log.Warn("Failed to publish measurement", "measure", m.ID, "channel", channel, "error", err)
	}
}

// Pending counts buffered samples over all windows.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, w := range a.windows {
		n += len(w.values)
	}
	return n
}
