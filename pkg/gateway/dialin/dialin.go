// Package dialin bridges Twilio Programmable Voice calls into transcription
// sessions. A voice webhook answers the call with TwiML that connects a
// media stream; the media stream handler feeds decoded audio into a regular
// session, so dial-in callers get the same aggregation and webhook delivery
// as WebSocket clients.
package dialin

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/harunnryd/scribe/pkg/engine"
	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/logging"
	"github.com/harunnryd/scribe/pkg/metrics"
	"github.com/harunnryd/scribe/pkg/session"
	"github.com/harunnryd/scribe/pkg/transcript"
	"github.com/harunnryd/scribe/pkg/webhook"
)

type Config struct {
	Enabled    bool   `mapstructure:"enabled"`
	PublicURL  string `mapstructure:"public_url"`
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
	VoicePath  string `mapstructure:"voice_path"`
	MediaPath  string `mapstructure:"media_path"`
	StatusPath string `mapstructure:"status_path"`
	Greeting   string `mapstructure:"greeting"`
}

func (c Config) withDefaults() Config {
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.MediaPath == "" {
		c.MediaPath = "/media"
	}
	if c.StatusPath == "" {
		c.StatusPath = "/voice/status"
	}
	return c
}

// Deps carries the shared pipeline pieces the gateway attaches each call to.
type Deps struct {
	Registry       *session.Registry
	Engines        engine.Factory
	Model          string
	Language       string
	Webhook        webhook.Config
	WebhookURL     string
	WebhookEnabled bool
	Buffer         transcript.Config
	Observer       metrics.Observer
}

type Gateway struct {
	cfg      Config
	deps     Deps
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.Mutex
	calls map[string]*call
}

// call is one live phone call wired into the transcription pipeline.
type call struct {
	sess     *session.Session
	trans    engine.Transcriber
	buffer   *transcript.Buffer
	delivery *webhook.Client
	wg       sync.WaitGroup
	endOnce  sync.Once
}

func New(cfg Config, deps Deps) *Gateway {
	if deps.Observer == nil {
		deps.Observer = metrics.NoopObserver{}
	}
	return &Gateway{
		cfg:  cfg.withDefaults(),
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		calls:  make(map[string]*call),
		logger: logging.NewComponentLogger(nil, "dialin"),
	}
}

// Register mounts the voice webhook, media stream and status callback
// handlers, typically onto the gateway server's mux.
func (g *Gateway) Register(mount func(pattern string, handler http.Handler)) {
	mount(g.cfg.VoicePath, http.HandlerFunc(g.handleVoice))
	mount(g.cfg.MediaPath, http.HandlerFunc(g.handleMedia))
	mount(g.cfg.StatusPath, http.HandlerFunc(g.handleStatus))
}

func (g *Gateway) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if g.cfg.AuthToken != "" && !g.validateRequest(r) {
		g.logger.Warn("invalid_twilio_signature", slog.String("path", r.URL.Path),
			slog.String("reason_code", string(errorsx.ReasonAuthFailure)))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	var twiml strings.Builder
	twiml.WriteString(`<Response>`)
	if greeting := strings.TrimSpace(g.cfg.Greeting); greeting != "" {
		twiml.WriteString(`<Say>` + xmlEscape(greeting) + `</Say>`)
	}
	twiml.WriteString(`<Connect><Stream url="` + g.mediaStreamURL(r) + `"/></Connect></Response>`)
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml.String()))
}

// handleMedia is the Twilio media stream endpoint. One websocket per call,
// event-framed JSON with base64 mu-law audio.
func (g *Gateway) handleMedia(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var callSID string
	var active *call
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt streamEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil || active != nil {
				continue
			}
			callSID = evt.Start.CallSID
			active, err = g.beginCall(evt.Start)
			if err != nil {
				g.logger.Warn("call_rejected",
					slog.String("call_sid", callSID),
					slog.String("error", err.Error()),
					slog.String("reason_code", string(errorsx.Reason(err))))
				return
			}
			g.logger.Info("call_started",
				slog.String("call_sid", callSID),
				slog.String("session_id", active.sess.ID.String()))
		case "media":
			if evt.Media == nil || active == nil {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
			if err != nil {
				continue
			}
			g.deps.Registry.Touch(active.sess.ID)
			if !active.sess.PushAudio(payload) {
				g.deps.Observer.RecordEvent(metrics.Event{
					Name: metrics.EventAudioDropped,
					Time: time.Now(),
					Tags: map[string]string{"session_id": active.sess.ID.String()},
				})
			}
		case "stop":
			if active != nil {
				g.endCall(callSID, active)
			}
			return
		}
	}
	// Socket dropped without a stop event.
	if active != nil {
		g.endCall(callSID, active)
	}
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if g.cfg.AuthToken != "" && !g.validateRequest(r) {
		g.logger.Warn("invalid_twilio_signature", slog.String("path", r.URL.Path),
			slog.String("reason_code", string(errorsx.ReasonAuthFailure)))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	if callSID != "" && terminalCallStatus(r.FormValue("CallStatus")) {
		g.mu.Lock()
		active := g.calls[callSID]
		g.mu.Unlock()
		if active != nil {
			g.endCall(callSID, active)
		}
	}
	w.WriteHeader(http.StatusOK)
}

// beginCall creates the session and wires engine, aggregator and delivery
// for one phone call.
func (g *Gateway) beginCall(start *streamStart) (*call, error) {
	participant := map[string]any{
		"source":    "dialin",
		"callSid":   start.CallSID,
		"streamSid": start.StreamID,
	}
	if start.From != "" {
		participant["from"] = start.From
	}
	sess, err := g.deps.Registry.Create(participant)
	if err != nil {
		return nil, err
	}
	sessionID := sess.ID.String()

	c := &call{sess: sess}
	c.buffer = transcript.NewBuffer(sessionID, participant, g.deps.Buffer, g.deps.Observer)
	if g.deps.WebhookEnabled && g.deps.WebhookURL != "" {
		cfg := g.deps.Webhook
		cfg.URL = g.deps.WebhookURL
		client, err := webhook.New(cfg, g.deps.Observer)
		if err == nil {
			c.delivery = client
			c.buffer.SetFlushSink(func(p transcript.Payload) {
				client.Deliver(context.Background(), p, sessionID)
			})
		} else {
			g.logger.Warn("webhook_disabled", slog.String("error", err.Error()))
		}
	}

	trans, err := g.deps.Engines(engine.Config{
		SessionID:  sessionID,
		Model:      g.deps.Model,
		Language:   g.deps.Language,
		SampleRate: 8000,
		Encoding:   "mulaw",
		Interim:    true,
	})
	if err == nil {
		err = trans.Start(context.Background())
	}
	if err != nil {
		g.deps.Registry.End(sess.ID)
		return nil, errorsx.Wrap(err, errorsx.ReasonEngineConnect)
	}
	c.trans = trans

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		for ev := range trans.Results() {
			c.buffer.AddSegment(ev.Text, ev.IsFinal, ev.SpeakerID, ev.Confidence)
		}
	}()
	go func() {
		defer c.wg.Done()
		for {
			select {
			case data := <-sess.Audio():
				if data == nil {
					return
				}
				if err := trans.SendAudio(data); err != nil {
					g.logger.Error("engine_send_failed",
						slog.String("session_id", sessionID),
						slog.String("error", err.Error()))
					return
				}
			case <-sess.Done():
				return
			}
		}
	}()

	g.mu.Lock()
	g.calls[start.CallSID] = c
	g.mu.Unlock()
	return c, nil
}

// endCall runs the ordered teardown once, from whichever signal arrives
// first (stop event, socket drop, status callback).
func (g *Gateway) endCall(callSID string, c *call) {
	c.endOnce.Do(func() {
		g.mu.Lock()
		delete(g.calls, callSID)
		g.mu.Unlock()

		payload := c.buffer.FinalFlush()
		if c.delivery != nil && len(payload.TranscriptSegments) > 0 {
			rec := c.delivery.Deliver(context.Background(), payload, c.sess.ID.String())
			g.logger.Info("final_delivery_done",
				slog.String("call_sid", callSID),
				slog.String("status", rec.FinalStatus))
		}
		g.deps.Registry.End(c.sess.ID)
		if c.trans != nil {
			_ = c.trans.Close()
		}
		c.wg.Wait()
		g.logger.Info("call_ended", slog.String("call_sid", callSID))
	})
}

// ActiveCalls reports how many phone calls are currently bridged.
func (g *Gateway) ActiveCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *Gateway) validateRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	if err := r.ParseForm(); err != nil {
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		params[k] = r.PostForm.Get(k)
	}
	validator := twilioclient.NewRequestValidator(g.cfg.AuthToken)
	return validator.Validate(g.requestURL(r), params, signature)
}

func (g *Gateway) requestURL(r *http.Request) string {
	if g.cfg.PublicURL != "" {
		return strings.TrimRight(g.cfg.PublicURL, "/") + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func (g *Gateway) mediaStreamURL(r *http.Request) string {
	if g.cfg.PublicURL != "" {
		host := strings.TrimPrefix(g.cfg.PublicURL, "https://")
		host = strings.TrimPrefix(host, "http://")
		return "wss://" + strings.TrimRight(host, "/") + g.cfg.MediaPath
	}
	return "wss://" + r.Host + g.cfg.MediaPath
}

func terminalCallStatus(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "completed", "busy", "failed", "canceled", "no-answer":
		return true
	default:
		return false
	}
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

type streamStart struct {
	CallSID  string `json:"callSid"`
	StreamID string `json:"streamSid"`
	From     string `json:"from"`
}

type streamMedia struct {
	Payload string `json:"payload"`
}

type streamEvent struct {
	Event string       `json:"event"`
	Start *streamStart `json:"start,omitempty"`
	Media *streamMedia `json:"media,omitempty"`
}
