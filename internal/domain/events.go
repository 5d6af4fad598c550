package domain

import "time"

// Event kinds published to the notification boundary.
const (
	EventTPHit           = "tp_hit"
	EventSLHit           = "sl_hit"
	EventDriftDetected   = "drift_detected"
	EventConnectionError = "connection_error"
	EventSignalRejected  = "signal_rejected"
	EventMaxLossBreached = "max_loss_breached"
	EventPositionOpened  = "position_opened"
	EventPositionClosed  = "position_closed"
)

// Event is a structured notification emitted by the core toward the
// external notification layer.
type Event struct {
	Kind       string         `json:"kind"`
	RecorderID string         `json:"recorder_id,omitempty"`
	Ticker     string         `json:"ticker,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	At         time.Time      `json:"at"`
}

// EventSink receives core events. Implementations must not block the
// caller on slow delivery; dispatch to external channels happens on the
// sink's own workers.
type EventSink interface {
	Emit(event Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(Event) {}
