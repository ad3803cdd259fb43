package transcript

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/scribe/pkg/logging"
	"github.com/harunnryd/scribe/pkg/metrics"
	"github.com/harunnryd/scribe/pkg/redact"
)

type Config struct {
	// FlushInterval is the maximum time buffered segments wait for delivery.
	FlushInterval time.Duration
	// MaxSegments flushes the buffer once this many segments accumulate.
	MaxSegments int
	// MinFinalGap is the minimum spacing between final-triggered flushes,
	// so a burst of finals does not turn into a flush storm.
	MinFinalGap time.Duration
}

// WithDefaults fills unset knobs with the service defaults.
func (c Config) WithDefaults() Config {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 10 * time.Second
	}
	if c.MaxSegments <= 0 {
		c.MaxSegments = 50
	}
	if c.MinFinalGap <= 0 {
		c.MinFinalGap = 2 * time.Second
	}
	return c
}

// Buffer aggregates transcript segments for one session and decides when a
// delivery payload should be emitted. One producer feeds it; flushes may run
// on a separate goroutine, so all state lives behind the mutex.
type Buffer struct {
	mu        sync.Mutex
	cfg       Config
	sessionID string
	meta      map[string]any
	segments  []Segment
	text      string
	nextSeq   int
	lastFlush time.Time

	sink    func(Payload)
	pending atomic.Bool
	now     func() time.Time
	obs     metrics.Observer
	logger  *slog.Logger
}

func NewBuffer(sessionID string, meta map[string]any, cfg Config, obs metrics.Observer) *Buffer {
	if meta == nil {
		meta = map[string]any{}
	}
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	b := &Buffer{
		cfg:       cfg.WithDefaults(),
		sessionID: sessionID,
		meta:      meta,
		now:       time.Now,
		obs:       obs,
		logger:    logging.NewComponentLogger(nil, "transcript_buffer"),
	}
	b.lastFlush = b.now()
	return b
}

// SetFlushSink installs the consumer of trigger-scheduled flush payloads.
// Without a sink the buffer never flushes on its own.
func (b *Buffer) SetFlushSink(sink func(Payload)) {
	b.mu.Lock()
	b.sink = sink
	b.mu.Unlock()
}

// AddSegment appends one transcript span. Empty or whitespace-only text is
// dropped. The segment's start time is estimated from text length (roughly
// 0.1s per character); it is a documented approximation, not real audio
// alignment.
func (b *Buffer) AddSegment(text string, isFinal bool, speakerID string, confidence float64) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return
	}

	now := b.now()
	end := float64(now.UnixNano()) / float64(time.Second)
	estimated := 0.1 * float64(len(trimmed))
	if estimated < 0.1 {
		estimated = 0.1
	}

	b.mu.Lock()
	seg := Segment{
		SegmentID:  fmt.Sprintf("%s_%d", b.sessionID, b.nextSeq),
		Text:       trimmed,
		StartTime:  end - estimated,
		EndTime:    end,
		IsFinal:    isFinal,
		SpeakerID:  speakerID,
		Confidence: confidence,
	}
	b.nextSeq++
	b.segments = append(b.segments, seg)
	if b.text == "" {
		b.text = trimmed
	} else {
		b.text += " " + trimmed
	}
	shouldFlush := b.shouldFlushLocked(now) && b.sink != nil
	b.mu.Unlock()

	b.logger.Debug("segment_added",
		slog.String("session_id", b.sessionID),
		slog.String("text", redact.Text(trimmed)),
		slog.Bool("is_final", isFinal))
	b.obs.RecordEvent(metrics.Event{Name: metrics.EventSegmentAdded, Time: now, Tags: map[string]string{"session_id": b.sessionID}})

	if shouldFlush {
		b.scheduleFlush()
	}
}

// Any single condition is enough: interval elapsed, count reached, or a
// final segment present with the minimum spacing since the last flush.
func (b *Buffer) shouldFlushLocked(now time.Time) bool {
	sinceFlush := now.Sub(b.lastFlush)
	if sinceFlush >= b.cfg.FlushInterval {
		return true
	}
	if len(b.segments) >= b.cfg.MaxSegments {
		return true
	}
	if sinceFlush >= b.cfg.MinFinalGap {
		for _, s := range b.segments {
			if s.IsFinal {
				return true
			}
		}
	}
	return false
}

// scheduleFlush hands the flush to a goroutine so the caller never waits on
// the sink. At most one flush is in flight at a time.
func (b *Buffer) scheduleFlush() {
	if !b.pending.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer b.pending.Store(false)
		payload := b.Flush()
		b.mu.Lock()
		sink := b.sink
		b.mu.Unlock()
		if sink != nil {
			sink(payload)
		}
	}()
}

// Flush snapshots the buffer into a payload, then retains only final
// segments as carried-forward context and resets the flush timer.
func (b *Buffer) Flush() Payload {
	b.mu.Lock()
	defer b.mu.Unlock()

	snapshot := make([]Segment, len(b.segments))
	copy(snapshot, b.segments)
	full := joinTexts(snapshot)
	payload := b.payloadLocked(snapshot, full)

	finals := b.segments[:0:0]
	for _, s := range b.segments {
		if s.IsFinal {
			finals = append(finals, s)
		}
	}
	b.segments = finals
	b.text = joinTexts(finals)
	b.lastFlush = b.now()

	b.logger.Debug("buffer_flushed",
		slog.String("session_id", b.sessionID),
		slog.Int("segments", len(snapshot)),
		slog.Int("retained_finals", len(finals)))
	b.obs.RecordEvent(metrics.Event{Name: metrics.EventBufferFlushed, Time: b.lastFlush, Value: float64(len(snapshot)), Tags: map[string]string{"session_id": b.sessionID}})

	return payload
}

// FinalFlush is the teardown flush: every segment in the payload is forced
// final and the payload itself is marked final.
func (b *Buffer) FinalFlush() Payload {
	payload := b.Flush()
	for i := range payload.TranscriptSegments {
		payload.TranscriptSegments[i].IsFinal = true
	}
	payload.Stats.FinalSegments = len(payload.TranscriptSegments)
	payload.Stats.PartialSegments = 0
	payload.IsFinal = true
	return payload
}

// CurrentTranscript returns the live concatenated text without flushing.
func (b *Buffer) CurrentTranscript() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text
}

// SegmentCount reports the live buffer length.
func (b *Buffer) SegmentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.segments)
}

// Clear discards everything, including carried-forward finals.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.segments = nil
	b.text = ""
	b.lastFlush = b.now()
}

func (b *Buffer) payloadLocked(segments []Segment, full string) Payload {
	stats := Stats{
		TotalSegments:   len(segments),
		BufferSizeChars: len(full),
	}
	for _, s := range segments {
		if s.IsFinal {
			stats.FinalSegments++
		} else {
			stats.PartialSegments++
		}
	}
	if len(segments) > 0 {
		stats.TotalDuration = segments[len(segments)-1].EndTime - segments[0].StartTime
	}
	return Payload{
		SessionID:          b.sessionID,
		MeetingMetadata:    b.meta,
		Timestamp:          b.now().UTC().Format(time.RFC3339Nano),
		TranscriptSegments: segments,
		FullTranscript:     full,
		Stats:              stats,
	}
}

func joinTexts(segments []Segment) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if s.Text != "" {
			parts = append(parts, s.Text)
		}
	}
	return strings.Join(parts, " ")
}
