package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "renus_voice_sessions_started_total",
		Help: "Total voice sessions started",
	})

	SessionsEnded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "renus_voice_sessions_ended_total",
		Help: "Total voice sessions ended",
	})

	RecordingsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "renus_voice_recordings_total",
		Help: "Total recording turns captured",
	})

	SegmentsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "renus_voice_segments_sent_total",
		Help: "Total audio segments sent to the backend",
	})

	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "renus_voice_messages_received_total",
		Help: "Total inbound messages by type",
	}, []string{"type"})

	MessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "renus_voice_messages_dropped_total",
		Help: "Total malformed inbound frames dropped",
	})

	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "renus_voice_reconnects_total",
		Help: "Total transport reconnect attempts",
	}, []string{"trigger"})

	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "renus_voice_errors_total",
		Help: "Total errors by class",
	}, []string{"class"})

	ResponseLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "renus_voice_response_latency_seconds",
		Help:    "Backend-reported response latency",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	PlaybackQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "renus_voice_playback_queue_depth",
		Help: "Segments waiting in the playback queue",
	})
)
