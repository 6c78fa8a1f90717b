package client

import (
	"github.com/epics2web/pvstream/internal/protocol"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports connection counters for one or more clients. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	framesSent       *prometheus.CounterVec
	framesReceived   *prometheus.CounterVec
	reconnects       prometheus.Counter
	livenessTimeouts prometheus.Counter
	transportErrors  prometheus.Counter
	state            prometheus.Gauge
}

// NewMetrics creates the client collectors and registers them with reg.
// Collectors already registered by an earlier call are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pvstream_frames_sent_total",
			Help: "Frames written to the gateway, by frame type.",
		}, []string{"type"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pvstream_frames_received_total",
			Help: "Frames read from the gateway, by frame type.",
		}, []string{"type"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pvstream_reconnects_total",
			Help: "Scheduled reconnect attempts.",
		}),
		livenessTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pvstream_liveness_timeouts_total",
			Help: "Connections dropped because no traffic followed a ping.",
		}),
		transportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pvstream_transport_errors_total",
			Help: "Transport errors reported by the connection.",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pvstream_connection_state",
			Help: "Connection state: 0 closed, 1 connecting, 2 open, 3 closing.",
		}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	if m.framesSent, err = registerOrReuse(reg, m.framesSent); err != nil {
		return nil, err
	}
	if m.framesReceived, err = registerOrReuse(reg, m.framesReceived); err != nil {
		return nil, err
	}
	if m.reconnects, err = registerOrReuse(reg, m.reconnects); err != nil {
		return nil, err
	}
	if m.livenessTimeouts, err = registerOrReuse(reg, m.livenessTimeouts); err != nil {
		return nil, err
	}
	if m.transportErrors, err = registerOrReuse(reg, m.transportErrors); err != nil {
		return nil, err
	}
	if m.state, err = registerOrReuse(reg, m.state); err != nil {
		return nil, err
	}
	return m, nil
}

func registerOrReuse[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, errors.Wrap(err, "register client metrics")
	}
	return c, nil
}

func (m *Metrics) frameSent(t protocol.MessageType) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) frameReceived(t protocol.MessageType) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) livenessTimeout() {
	if m == nil {
		return
	}
	m.livenessTimeouts.Inc()
}

func (m *Metrics) transportError() {
	if m == nil {
		return
	}
	m.transportErrors.Inc()
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}
