package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the voice pipeline counters.
type Metrics struct {
	FramesSent        prometheus.Counter
	FrameBytesSent    prometheus.Counter
	FramesDropped     prometheus.Counter
	ControlEventsSent *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	ConnectionErrors  prometheus.Counter
	ProtocolErrors    prometheus.Counter
	InboundEvents     *prometheus.CounterVec

	PlaybackPlayed  prometheus.Counter
	PlaybackDropped prometheus.Counter
	PlaybackFailed  prometheus.Counter
	PlaybackDepth   prometheus.Gauge
}

// New creates the metrics and registers them with reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tpodvoice_audio_frames_sent_total",
			Help: "Total number of PCM frames sent to the voice backend",
		}),
		FrameBytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tpodvoice_audio_frame_bytes_sent_total",
			Help: "Total number of PCM bytes sent to the voice backend",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tpodvoice_audio_frames_dropped_total",
			Help: "Total number of PCM frames that could not be sent",
		}),
		ControlEventsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tpodvoice_control_events_sent_total",
			Help: "Total number of control events sent, by event name",
		}, []string{"event"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tpodvoice_reconnect_attempts_total",
			Help: "Total number of scheduled reconnect attempts",
		}),
		ConnectionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tpodvoice_connection_errors_total",
			Help: "Total number of connection failures",
		}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tpodvoice_protocol_errors_total",
			Help: "Total number of malformed inbound messages dropped",
		}),
		InboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tpodvoice_inbound_events_total",
			Help: "Total number of inbound events, by event name",
		}, []string{"event"}),
		PlaybackPlayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tpodvoice_playback_items_played_total",
			Help: "Total number of audio responses played",
		}),
		PlaybackDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tpodvoice_playback_items_dropped_total",
			Help: "Total number of audio responses dropped by the queue bound",
		}),
		PlaybackFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tpodvoice_playback_items_failed_total",
			Help: "Total number of audio responses that failed to decode or play",
		}),
		PlaybackDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tpodvoice_playback_queue_depth",
			Help: "Current number of audio responses waiting to play",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.FramesSent,
			m.FrameBytesSent,
			m.FramesDropped,
			m.ControlEventsSent,
			m.ReconnectAttempts,
			m.ConnectionErrors,
			m.ProtocolErrors,
			m.InboundEvents,
			m.PlaybackPlayed,
			m.PlaybackDropped,
			m.PlaybackFailed,
			m.PlaybackDepth,
		)
	}
	return m
}

// Nop returns unregistered metrics for tests and components built without a registry.
func Nop() *Metrics {
	return New(nil)
}
