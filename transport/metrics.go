package transport

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the prometheus collectors for one connection.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	framesSent          prometheus.Counter
	framesReceived      prometheus.Counter
	framesDropped       *prometheus.CounterVec // by reason: stale, queue_full, poll_full
	queueDepth          prometheus.Gauge
	reconnectAttempts   prometheus.Counter
	heartbeats          prometheus.Counter
	deliveriesAbandoned prometheus.Counter
	connected           prometheus.Gauge
}

// NewMetrics creates the transport collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rti",
			Subsystem: "transport",
			Name:      "frames_sent_total",
			Help:      "Frames written to the broker socket",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rti",
			Subsystem: "transport",
			Name:      "frames_received_total",
			Help:      "Frames read from the broker socket, heartbeats included",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rti",
			Subsystem: "transport",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped before reaching the socket or the owner",
		}, []string{"reason"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rti",
			Subsystem: "transport",
			Name:      "send_queue_depth",
			Help:      "Frames waiting in the outbound queue",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rti",
			Subsystem: "transport",
			Name:      "reconnect_attempts_total",
			Help:      "Connection attempts made by the reconnect supervisor",
		}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rti",
			Subsystem: "transport",
			Name:      "heartbeats_total",
			Help:      "Heartbeat probes answered",
		}),
		deliveriesAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rti",
			Subsystem: "transport",
			Name:      "deliveries_abandoned_total",
			Help:      "Push deliveries that exceeded the delivery timeout",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rti",
			Subsystem: "transport",
			Name:      "connected",
			Help:      "1 while authenticated with the broker, 0 otherwise",
		}),
	}

	collectors := []prometheus.Collector{
		m.framesSent, m.framesReceived, m.framesDropped, m.queueDepth,
		m.reconnectAttempts, m.heartbeats, m.deliveriesAbandoned, m.connected,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) sent() {
	if m != nil {
		m.framesSent.Inc()
	}
}

func (m *Metrics) received() {
	if m != nil {
		m.framesReceived.Inc()
	}
}

func (m *Metrics) dropped(reason string) {
	if m != nil {
		m.framesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) depth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

func (m *Metrics) reconnect() {
	if m != nil {
		m.reconnectAttempts.Inc()
	}
}

func (m *Metrics) heartbeat() {
	if m != nil {
		m.heartbeats.Inc()
	}
}

func (m *Metrics) abandoned() {
	if m != nil {
		m.deliveriesAbandoned.Inc()
	}
}

func (m *Metrics) setConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}
