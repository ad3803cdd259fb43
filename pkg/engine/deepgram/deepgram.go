package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/harunnryd/scribe/pkg/engine"
	"github.com/harunnryd/scribe/pkg/logging"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey     string
	Model      string
	Language   string
	SampleRate int
	Encoding   string
	Interim    bool
	SessionID  string
}

// Transcriber streams audio to Deepgram's live transcription endpoint and
// republishes results as engine events.
type Transcriber struct {
	cfg        Config
	dgClient   *client.WSCallback
	out        chan engine.Event
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	metaLogged bool
	closeOnce  sync.Once
	logger     *slog.Logger
}

func New(cfg Config) *Transcriber {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	return &Transcriber{
		cfg:    cfg,
		out:    make(chan engine.Event, 256),
		logger: logging.NewComponentLogger(nil, "deepgram_engine"),
	}
}

func (t *Transcriber) Name() string { return "deepgram" }

func (t *Transcriber) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.pipeReader, t.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          t.cfg.Model,
		Language:       t.cfg.Language,
		Encoding:       t.cfg.Encoding,
		SampleRate:     t.cfg.SampleRate,
		InterimResults: t.cfg.Interim,
		SmartFormat:    true,
	}

	t.logger.Info("initializing deepgram connection",
		slog.String("session_id", t.cfg.SessionID),
		slog.String("model", t.cfg.Model),
		slog.Int("sample_rate", t.cfg.SampleRate))

	cb := &callback{parent: t}
	dgClient, err := client.NewWSUsingCallback(t.ctx, t.cfg.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		t.logger.Error("deepgram_client_create_error",
			slog.String("error", err.Error()),
			slog.String("session_id", t.cfg.SessionID))
		return err
	}
	t.dgClient = dgClient

	if connected := t.dgClient.Connect(); !connected {
		t.logger.Error("deepgram_connect_failed",
			slog.String("session_id", t.cfg.SessionID))
		return fmt.Errorf("deepgram connection failed")
	}

	go func() {
		if err := t.dgClient.Stream(t.pipeReader); err != nil && t.ctx.Err() == nil {
			t.logger.Error("deepgram_stream_error",
				slog.String("error", err.Error()),
				slog.String("session_id", t.cfg.SessionID))
		}
	}()

	return nil
}

func (t *Transcriber) SendAudio(data []byte) error {
	if t.pipeWriter == nil {
		return fmt.Errorf("not started")
	}
	_, err := t.pipeWriter.Write(data)
	if err != nil {
		t.logger.Error("failed to send audio to deepgram",
			slog.String("error", err.Error()),
			slog.String("session_id", t.cfg.SessionID))
	}
	return err
}

func (t *Transcriber) Results() <-chan engine.Event { return t.out }

func (t *Transcriber) Close() error {
	t.logger.Info("closing deepgram connection",
		slog.String("session_id", t.cfg.SessionID))

	t.closeOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		if t.pipeWriter != nil {
			_ = t.pipeWriter.Close()
		}
		if t.dgClient != nil {
			t.dgClient.Stop()
		}
		close(t.out)
	})
	return nil
}

// --- Callback Implementation ---

type callback struct {
	parent *Transcriber
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened",
		slog.String("session_id", c.parent.cfg.SessionID))
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return nil
	}

	ev := engine.Event{
		Text:       alt.Transcript,
		IsFinal:    mr.IsFinal || mr.SpeechFinal,
		Confidence: alt.Confidence,
	}
	select {
	case c.parent.out <- ev:
	default:
		c.parent.logger.Warn("deepgram_out_channel_full",
			slog.String("session_id", c.parent.cfg.SessionID))
	}
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.parent.metaLogged {
		c.parent.metaLogged = true
		c.parent.logger.Info("deepgram_metadata_received",
			slog.String("session_id", c.parent.cfg.SessionID),
			slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.parent.logger.Debug("speech_started_event",
		slog.String("session_id", c.parent.cfg.SessionID))
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.parent.logger.Debug("utterance_end_event",
		slog.String("session_id", c.parent.cfg.SessionID))
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed",
		slog.String("session_id", c.parent.cfg.SessionID))
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("session_id", c.parent.cfg.SessionID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event",
		slog.String("session_id", c.parent.cfg.SessionID))
	return nil
}

var _ engine.Transcriber = (*Transcriber)(nil)
