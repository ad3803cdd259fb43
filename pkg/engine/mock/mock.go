package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/harunnryd/scribe/pkg/engine"
)

type Config struct {
	// Script is the sequence of events emitted per audio chunk. When the
	// script runs out, further audio is swallowed.
	Script []engine.Event
	// EventsPerChunk controls how many scripted events each SendAudio
	// releases. Zero releases the whole remaining script at once.
	EventsPerChunk int
}

// Transcriber is a scripted engine for tests and local development.
type Transcriber struct {
	cfg     Config
	out     chan engine.Event
	mu      sync.Mutex
	started bool
	cursor  int

	// SentChunks records every audio chunk for assertions.
	SentChunks [][]byte
}

func New(cfg Config) *Transcriber {
	return &Transcriber{cfg: cfg, out: make(chan engine.Event, 64)}
}

func (m *Transcriber) Name() string { return "mock_engine" }

func (m *Transcriber) Start(ctx context.Context) error {
	_ = ctx
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	return nil
}

func (m *Transcriber) SendAudio(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return errors.New("not started")
	}
	m.SentChunks = append(m.SentChunks, append([]byte(nil), data...))

	n := m.cfg.EventsPerChunk
	if n <= 0 {
		n = len(m.cfg.Script) - m.cursor
	}
	for i := 0; i < n && m.cursor < len(m.cfg.Script); i++ {
		ev := m.cfg.Script[m.cursor]
		m.cursor++
		select {
		case m.out <- ev:
		default:
		}
	}
	return nil
}

func (m *Transcriber) Results() <-chan engine.Event { return m.out }

// Sent returns a snapshot of the recorded audio chunks.
func (m *Transcriber) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.SentChunks))
	copy(out, m.SentChunks)
	return out
}

func (m *Transcriber) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		m.started = false
		close(m.out)
	}
	return nil
}

var _ engine.Transcriber = (*Transcriber)(nil)
