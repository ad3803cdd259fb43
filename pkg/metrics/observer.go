package metrics

import "time"

// Event is a single measurement emitted by a component.
type Event struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// Observer receives measurement events.
type Observer interface {
	RecordEvent(ev Event)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(Event) {}

// Well-known event names recorded across the service.
const (
	EventSessionCreated   = "session_created"
	EventSessionEnded     = "session_ended"
	EventSessionReclaimed = "session_reclaimed"
	EventSegmentAdded     = "segment_added"
	EventAudioDropped     = "audio_dropped"
	EventBufferFlushed    = "buffer_flushed"
	EventDeliveryAttempt  = "delivery_attempt"
	EventDeliveryDone     = "delivery_done"
)
