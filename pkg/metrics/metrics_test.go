package metrics

import (
	"testing"
	"time"
)

func TestMemoryObserverCounts(t *testing.T) {
	obs := NewMemoryObserver()
	obs.RecordEvent(Event{Name: EventSegmentAdded, Time: time.Now()})
	obs.RecordEvent(Event{Name: EventSegmentAdded, Time: time.Now()})
	obs.RecordEvent(Event{Name: EventBufferFlushed, Time: time.Now()})
	if got := obs.CountByName(EventSegmentAdded); got != 2 {
		t.Fatalf("expected 2 segment events, got %d", got)
	}
	if got := len(obs.Events()); got != 3 {
		t.Fatalf("expected 3 events total, got %d", got)
	}
}

func TestAsyncObserverDrains(t *testing.T) {
	inner := NewMemoryObserver()
	async := NewAsyncObserver(inner, 8)
	for i := 0; i < 5; i++ {
		async.RecordEvent(Event{Name: EventDeliveryAttempt, Time: time.Now()})
	}
	deadline := time.Now().Add(time.Second)
	for inner.CountByName(EventDeliveryAttempt) < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("async observer did not drain, got %d", inner.CountByName(EventDeliveryAttempt))
		}
		time.Sleep(5 * time.Millisecond)
	}
	async.Close()
	async.RecordEvent(Event{Name: EventDeliveryAttempt})
	if async.Dropped() != 0 {
		t.Fatalf("record after close should be ignored, not dropped")
	}
}

func TestPrometheusObserverHandlesKnownEvents(t *testing.T) {
	obs := NewPrometheusObserver()
	obs.RecordEvent(Event{Name: EventSessionCreated, Value: 1})
	obs.RecordEvent(Event{Name: EventAudioDropped})
	obs.RecordEvent(Event{Name: EventDeliveryAttempt, Tags: map[string]string{"outcome": "timeout"}})
	obs.RecordEvent(Event{Name: EventDeliveryDone, Value: 0.3, Tags: map[string]string{"status": "delivered"}})
	if obs.Handler() == nil {
		t.Fatalf("expected metrics handler")
	}
}
