package stompy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors a Client reports to. A nil
// *Metrics records nothing.
type Metrics struct {
	framesSent        *prometheus.CounterVec
	framesReceived    *prometheus.CounterVec
	decodeErrors      prometheus.Counter
	heartbeatTimeouts prometheus.Counter
	state             prometheus.Gauge
}

// NewMetrics registers the client collectors on reg. Pass
// prometheus.DefaultRegisterer to expose them on the default /metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stompy_frames_sent_total",
			Help: "Frames written to the transport, by command",
		}, []string{"command"}),
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stompy_frames_received_total",
			Help: "Frames decoded from the transport, by command",
		}, []string{"command"}),
		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "stompy_decode_errors_total",
			Help: "Inbound frames that failed to decode",
		}),
		heartbeatTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "stompy_heartbeat_timeouts_total",
			Help: "Times the server went silent past the heartbeat timeout",
		}),
		state: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stompy_connection_state",
			Help: "Current connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 disconnecting, 5 error)",
		}),
	}
}

func (m *Metrics) frameSent(c Command) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(string(c)).Inc()
}

func (m *Metrics) frameReceived(c Command) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(string(c)).Inc()
}

func (m *Metrics) decodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

func (m *Metrics) heartbeatTimeout() {
	if m == nil {
		return
	}
	m.heartbeatTimeouts.Inc()
}

func (m *Metrics) setState(k StateKind) {
	if m == nil {
		return
	}
	m.state.Set(float64(k))
}
