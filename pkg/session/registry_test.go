package session

import (
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/scribe/pkg/metrics"
)

func TestCreateUpToCap(t *testing.T) {
	reg := NewRegistry(3, nil)
	for i := 0; i < 3; i++ {
		if _, err := reg.Create(nil); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	if _, err := reg.Create(nil); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if reg.ActiveCount() != 3 {
		t.Fatalf("expected 3 active, got %d", reg.ActiveCount())
	}
}

func TestCapFreedAfterEnd(t *testing.T) {
	reg := NewRegistry(1, nil)
	s, err := reg.Create(nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := reg.Create(nil); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected cap error while full")
	}
	if !reg.End(s.ID) {
		t.Fatalf("expected End to find session")
	}
	if _, err := reg.Create(nil); err != nil {
		t.Fatalf("expected slot freed, got %v", err)
	}
}

func TestEndUnblocksQueueReader(t *testing.T) {
	reg := NewRegistry(1, nil)
	s, err := reg.Create(map[string]any{"meeting_id": "m-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got := make(chan []byte, 1)
	go func() {
		select {
		case data := <-s.Audio():
			got <- data
		case <-s.Done():
			got <- []byte("done")
		}
	}()

	reg.End(s.ID)
	select {
	case data := <-got:
		if data != nil && string(data) != "done" {
			t.Fatalf("expected sentinel or done, got %q", data)
		}
	case <-time.After(time.Second):
		t.Fatalf("blocked reader was not released")
	}
	if s.IsActive() {
		t.Fatalf("session still active after End")
	}
	if reg.End(s.ID) {
		t.Fatalf("second End should report absent session")
	}
}

func TestPushAudioAfterEndRejected(t *testing.T) {
	reg := NewRegistry(1, nil)
	s, _ := reg.Create(nil)
	if !s.PushAudio([]byte{1, 2, 3}) {
		t.Fatalf("expected push to succeed while active")
	}
	reg.End(s.ID)
	if s.PushAudio([]byte{4}) {
		t.Fatalf("expected push rejected after End")
	}
}

func TestTouchAbsentSessionIsNoop(t *testing.T) {
	reg := NewRegistry(1, nil)
	s, _ := reg.Create(nil)
	reg.End(s.ID)
	reg.Touch(s.ID) // must not panic or resurrect
	if _, ok := reg.Get(s.ID); ok {
		t.Fatalf("ended session still in table")
	}
}

func TestReclaimIdle(t *testing.T) {
	obs := metrics.NewMemoryObserver()
	reg := NewRegistry(5, obs)

	base := time.Now()
	reg.now = func() time.Time { return base }
	stale, _ := reg.Create(nil)
	fresh, _ := reg.Create(nil)

	reg.now = func() time.Time { return base.Add(10 * time.Minute) }
	reg.Touch(fresh.ID)

	if n := reg.ReclaimIdle(5 * time.Minute); n != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", n)
	}
	if _, ok := reg.Get(stale.ID); ok {
		t.Fatalf("stale session survived reclaim")
	}
	if _, ok := reg.Get(fresh.ID); !ok {
		t.Fatalf("fresh session was reclaimed")
	}
	if stale.IsActive() {
		t.Fatalf("reclaimed session still active")
	}
	if obs.CountByName(metrics.EventSessionReclaimed) != 1 {
		t.Fatalf("expected reclaim metric event")
	}
}
