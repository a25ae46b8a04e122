package core

import (
	"context"
	"time"
)

// EventType names an observable pipeline event.
type EventType string

const (
	EventEnqueued      EventType = "enqueued"
	EventDuplicate     EventType = "duplicate"
	EventClaimed       EventType = "claimed"
	EventCompleted     EventType = "completed"
	EventFailed        EventType = "failed"
	EventRetried       EventType = "retried"
	EventReleased      EventType = "released"
	EventRejected      EventType = "rejected"
	EventCallSucceeded EventType = "call_succeeded"
	EventCallFailed    EventType = "call_failed"
	EventCircuitChange EventType = "circuit_state_change"
	EventRequeued      EventType = "requeued"
)

// Event is a structured record emitted to an EventSink.
type Event struct {
	Type     EventType
	Time     time.Time
	JobID    string
	DedupKey string
	Resource string
	Priority Priority
	Count    int
	From     APIStatus
	To       APIStatus
	Kind     ErrorKind
	Duration time.Duration
	Err      error
}

// EventSink receives pipeline events. Implementations must be safe for
// concurrent use and must not block for long.
type EventSink interface {
	Emit(ctx context.Context, event Event)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) {}

// SinkOrNop returns sink, or a NopSink when sink is nil.
func SinkOrNop(sink EventSink) EventSink {
	if sink == nil {
		return NopSink{}
	}
	return sink
}
