// Package events defines the best-effort analytics boundary: the
// controller reports discrete lifecycle events to a Sink, and a failing
// sink must never block or break the session.
package events

import (
	"log/slog"
	"time"

	"github.com/rcarraroia/renus-agent-v1/internal/metrics"
)

type Kind string

const (
	SessionStarted   Kind = "session_started"
	SessionEnded     Kind = "session_ended"
	RecordingStarted Kind = "recording_started"
	RecordingStopped Kind = "recording_stopped"
	ResponseReceived Kind = "response_received"
	ErrorOccurred    Kind = "error_occurred"
	Reconnected      Kind = "reconnected"
	StateChanged     Kind = "state_changed"
)

// Event is one discrete lifecycle occurrence. Fields besides Kind and
// Timestamp are populated only when relevant.
type Event struct {
	Kind           Kind
	Timestamp      time.Time
	ConversationID string
	LeadID         string
	State          string
	LatencyMs      float64
	ErrorClass     string
	Error          string
}

// Sink consumes events. Delivery is best-effort: implementations must not
// block and must swallow their own failures.
type Sink interface {
	Report(ev Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Report(Event) {}

// SlogSink logs each event at debug level.
type SlogSink struct{}

func (SlogSink) Report(ev Event) {
	slog.Debug("event",
		"kind", ev.Kind,
		"conversation_id", ev.ConversationID,
		"state", ev.State,
		"latency_ms", ev.LatencyMs,
		"error", ev.Error,
	)
}

// MetricsSink translates events into Prometheus counters.
type MetricsSink struct{}

func (MetricsSink) Report(ev Event) {
	switch ev.Kind {
	case SessionStarted:
		metrics.SessionsStarted.Inc()
	case SessionEnded:
		metrics.SessionsEnded.Inc()
	case RecordingStarted:
		metrics.RecordingsTotal.Inc()
	case ResponseReceived:
		if ev.LatencyMs > 0 {
			metrics.ResponseLatency.Observe(ev.LatencyMs / 1000)
		}
	case ErrorOccurred:
		class := ev.ErrorClass
		if class == "" {
			class = "unknown"
		}
		metrics.ErrorsTotal.WithLabelValues(class).Inc()
	}
}

// Multi fans out to several sinks.
type Multi []Sink

func (m Multi) Report(ev Event) {
	for _, sink := range m {
		sink.Report(ev)
	}
}
