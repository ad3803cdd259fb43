package engine

import "context"

// Event is one transcript result emitted by a recognition engine,
// partial or final.
type Event struct {
	Text       string
	IsFinal    bool
	SpeakerID  string
	Confidence float64
}

// Transcriber is the contract for a speech-recognition engine adapter.
// The adapter pushes events onto the Results channel and the consumer
// pulls them, so ordering within a session is the channel's ordering.
type Transcriber interface {
	// Name returns the adapter name for logging/metrics.
	Name() string
	// Start initializes the engine connection.
	Start(ctx context.Context) error
	// SendAudio forwards a chunk of normalized audio to the engine.
	SendAudio(data []byte) error
	// Results is the stream of transcript events. It is closed by Close.
	Results() <-chan Event
	// Close shuts the engine connection down and closes Results.
	Close() error
}

// Config carries vendor-agnostic engine settings.
type Config struct {
	SessionID  string
	Model      string
	Language   string
	SampleRate int
	Encoding   string
	Interim    bool
}

// Factory builds a Transcriber for one session.
type Factory func(cfg Config) (Transcriber, error)
