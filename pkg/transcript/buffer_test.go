package transcript

import (
	"sync"
	"testing"
	"time"
)

func newTestBuffer(cfg Config) (*Buffer, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	b := NewBuffer("sess-1", map[string]any{"meeting_id": "m-42"}, cfg, nil)
	b.now = clk.Now
	b.lastFlush = clk.Now()
	return b, clk
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestAddSegmentRejectsBlankText(t *testing.T) {
	b, _ := newTestBuffer(Config{})
	b.AddSegment("", false, "", 0)
	b.AddSegment("   \t\n", true, "", 0)
	if b.SegmentCount() != 0 {
		t.Fatalf("blank segments must not change buffer length, got %d", b.SegmentCount())
	}
}

func TestSegmentIDsMonotonicAcrossFlushes(t *testing.T) {
	b, _ := newTestBuffer(Config{})
	b.AddSegment("one", false, "", 0)
	b.AddSegment("two", true, "", 0)
	b.Flush()
	b.AddSegment("three", false, "", 0)

	seen := map[string]bool{}
	p := b.Flush()
	for _, s := range p.TranscriptSegments {
		if seen[s.SegmentID] {
			t.Fatalf("duplicate segment id %s", s.SegmentID)
		}
		seen[s.SegmentID] = true
	}
	if !seen["sess-1_2"] {
		t.Fatalf("expected counter to keep increasing across flushes, ids: %v", seen)
	}
}

func TestStartTimeHeuristic(t *testing.T) {
	b, clk := newTestBuffer(Config{})
	b.AddSegment("hello world", false, "", 0)
	p := b.Flush()
	seg := p.TranscriptSegments[0]
	end := float64(clk.Now().UnixNano()) / float64(time.Second)
	if seg.EndTime != end {
		t.Fatalf("end time mismatch: got %f want %f", seg.EndTime, end)
	}
	// Epoch-scale float64s carry roughly 2e-7 of rounding per subtraction,
	// so the duration check needs a microsecond tolerance.
	wantDur := 0.1 * float64(len("hello world"))
	if got := seg.EndTime - seg.StartTime; got < wantDur-1e-6 || got > wantDur+1e-6 {
		t.Fatalf("estimated duration: got %f want %f", got, wantDur)
	}
}

func TestTimeTriggerIndependentOfCount(t *testing.T) {
	b, clk := newTestBuffer(Config{FlushInterval: 10 * time.Second, MaxSegments: 100})
	var mu sync.Mutex
	var flushed []Payload
	b.SetFlushSink(func(p Payload) {
		mu.Lock()
		flushed = append(flushed, p)
		mu.Unlock()
	})

	b.AddSegment("early", false, "", 0)
	mu.Lock()
	n := len(flushed)
	mu.Unlock()
	if n != 0 {
		t.Fatalf("flush before interval elapsed")
	}

	clk.Advance(11 * time.Second)
	b.AddSegment("late", false, "", 0)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flushed) == 1
	})
}

func TestCountTriggerIndependentOfTime(t *testing.T) {
	b, _ := newTestBuffer(Config{FlushInterval: time.Hour, MaxSegments: 3, MinFinalGap: time.Hour})
	var mu sync.Mutex
	var flushed []Payload
	b.SetFlushSink(func(p Payload) {
		mu.Lock()
		flushed = append(flushed, p)
		mu.Unlock()
	})

	b.AddSegment("a", false, "", 0)
	b.AddSegment("b", false, "", 0)
	b.AddSegment("c", false, "", 0)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flushed) == 1 && len(flushed[0].TranscriptSegments) == 3
	})
}

func TestFinalTriggerRespectsMinGap(t *testing.T) {
	b, clk := newTestBuffer(Config{FlushInterval: time.Hour, MaxSegments: 100, MinFinalGap: 2 * time.Second})
	var mu sync.Mutex
	count := 0
	b.SetFlushSink(func(Payload) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	clk.Advance(time.Second)
	b.AddSegment("final right away", true, "", 0)
	mu.Lock()
	n := count
	mu.Unlock()
	if n != 0 {
		t.Fatalf("final flush fired inside the minimum gap")
	}

	clk.Advance(1500 * time.Millisecond)
	b.AddSegment("another", false, "", 0)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})
}

func TestFlushRetainsOnlyFinals(t *testing.T) {
	b, _ := newTestBuffer(Config{})
	b.AddSegment("Hello", true, "", 0)
	b.AddSegment("world", false, "", 0)
	b.AddSegment("!", true, "", 0)

	p := b.Flush()
	if p.FullTranscript != "Hello world !" {
		t.Fatalf("full transcript: got %q", p.FullTranscript)
	}
	if p.Stats.TotalSegments != 3 || p.Stats.FinalSegments != 2 || p.Stats.PartialSegments != 1 {
		t.Fatalf("stats mismatch: %+v", p.Stats)
	}
	if got := b.CurrentTranscript(); got != "Hello !" {
		t.Fatalf("retained transcript: got %q", got)
	}
	if b.SegmentCount() != 2 {
		t.Fatalf("expected 2 retained finals, got %d", b.SegmentCount())
	}
}

func TestFinalFlushForcesEverythingFinal(t *testing.T) {
	b, _ := newTestBuffer(Config{})
	b.AddSegment("partial one", false, "spk-1", 0.8)
	b.AddSegment("final one", true, "", 0)

	p := b.FinalFlush()
	if !p.IsFinal {
		t.Fatalf("payload not marked final")
	}
	for _, s := range p.TranscriptSegments {
		if !s.IsFinal {
			t.Fatalf("segment %s not forced final", s.SegmentID)
		}
	}
	if p.Stats.PartialSegments != 0 || p.Stats.FinalSegments != 2 {
		t.Fatalf("stats not reconciled: %+v", p.Stats)
	}
}

func TestFlushEmptyBuffer(t *testing.T) {
	b, _ := newTestBuffer(Config{})
	p := b.Flush()
	if p.FullTranscript != "" || p.Stats.TotalSegments != 0 {
		t.Fatalf("expected empty payload, got %+v", p)
	}
	if p.SessionID != "sess-1" {
		t.Fatalf("payload keeps session id, got %q", p.SessionID)
	}
}

func TestCurrentTranscriptDoesNotFlush(t *testing.T) {
	b, _ := newTestBuffer(Config{})
	b.AddSegment("keep", false, "", 0)
	if got := b.CurrentTranscript(); got != "keep" {
		t.Fatalf("got %q", got)
	}
	if b.SegmentCount() != 1 {
		t.Fatalf("read-only snapshot must not drain buffer")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAddSegmentTrimsText(t *testing.T) {
	b, _ := newTestBuffer(Config{})
	b.AddSegment("  padded  ", false, "", 0)
	if got := b.CurrentTranscript(); got != "padded" {
		t.Fatalf("got %q", got)
	}
}
