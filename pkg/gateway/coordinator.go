package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/scribe/pkg/configutil"
	"github.com/harunnryd/scribe/pkg/engine"
	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/logging"
	"github.com/harunnryd/scribe/pkg/metrics"
	"github.com/harunnryd/scribe/pkg/redact"
	"github.com/harunnryd/scribe/pkg/session"
	"github.com/harunnryd/scribe/pkg/transcript"
	"github.com/harunnryd/scribe/pkg/webhook"
)

// outboundFrame is a queued websocket write. Close frames travel through
// the same queue as data frames, so an error message enqueued before a
// close is guaranteed to reach the peer first.
type outboundFrame struct {
	messageType int
	data        []byte
}

// coordinator is the per-connection glue: it validates the handshake, owns
// the session reference and wires audio in, transcript events out and
// delivery on flush. All outbound writes go through a single writer
// goroutine so the websocket is never written concurrently.
type coordinator struct {
	srv      *Server
	conn     *websocket.Conn
	sendCh   chan outboundFrame
	sess     *session.Session
	buffer   *transcript.Buffer
	delivery *webhook.Client
	trans    engine.Transcriber
	logger   *slog.Logger
	wg       sync.WaitGroup
	dropped  int
}

func newCoordinator(srv *Server, conn *websocket.Conn) *coordinator {
	return &coordinator{
		srv:    srv,
		conn:   conn,
		sendCh: make(chan outboundFrame, 256),
		logger: logging.NewComponentLogger(nil, "coordinator"),
	}
}

func (c *coordinator) run(ctx context.Context) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for fr := range c.sendCh {
			if fr.messageType == websocket.CloseMessage {
				_ = c.conn.WriteControl(websocket.CloseMessage, fr.data, time.Now().Add(time.Second))
				continue
			}
			_ = c.conn.WriteMessage(fr.messageType, fr.data)
		}
	}()
	defer func() {
		close(c.sendCh)
		<-writerDone
		_ = c.conn.Close()
	}()

	init, ok := c.handshake()
	if !ok {
		return
	}

	sess, err := c.srv.registry.Create(init.ParticipantInfo)
	if err != nil {
		c.sendError(err.Error())
		c.closeWith(websocket.CloseTryAgainLater, "capacity exceeded")
		c.logger.Warn("session_refused", slog.String("reason_code", string(errorsx.Reason(err))))
		return
	}
	c.sess = sess
	sessionID := sess.ID.String()
	c.logger = c.logger.With(slog.String("session_id", sessionID))

	c.setupDelivery(init, sessionID)

	c.buffer = transcript.NewBuffer(sessionID, init.ParticipantInfo, c.srv.cfg.Buffer, c.srv.obs)
	if c.delivery != nil {
		delivery := c.delivery
		c.buffer.SetFlushSink(func(p transcript.Payload) {
			delivery.Deliver(context.Background(), p, sessionID)
		})
	}

	if !c.startEngine(ctx, sessionID) {
		c.teardown(sessionID)
		return
	}

	c.wg.Add(2)
	go c.relayTranscripts(sessionID)
	go c.pumpAudio()

	c.sendJSON(readyMessage{
		Type:           "ready",
		SessionID:      sessionID,
		Model:          c.srv.cfg.Model,
		Language:       c.srv.cfg.Language,
		WebhookEnabled: c.delivery != nil,
		BufferConfig: &bufferConfigMessage{
			FlushInterval:          c.srv.cfg.Buffer.FlushInterval.Seconds(),
			MaxSegmentsBeforeFlush: c.srv.cfg.Buffer.MaxSegments,
		},
	})

	c.readLoop(sessionID)
	c.teardown(sessionID)
}

// handshake reads and validates the init message. Protocol or auth
// violations close the connection with code 1008.
func (c *coordinator) handshake() (initMessage, bool) {
	var init initMessage
	_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.HandshakeTimeout))
	mt, raw, err := c.conn.ReadMessage()
	if err != nil {
		return init, false
	}
	_ = c.conn.SetReadDeadline(time.Time{})

	if mt != websocket.TextMessage || json.Unmarshal(raw, &init) != nil || init.Type != msgInit {
		c.sendError("first message must be of type 'init'")
		c.closeWith(websocket.ClosePolicyViolation, "protocol violation")
		c.logger.Warn("handshake_rejected", slog.String("reason_code", string(errorsx.ReasonMalformedMessage)))
		return init, false
	}
	if c.srv.cfg.AuthToken != "" && init.AuthToken != c.srv.cfg.AuthToken {
		c.sendError("invalid authentication token")
		c.closeWith(websocket.ClosePolicyViolation, "auth failure")
		c.logger.Warn("handshake_rejected", slog.String("reason_code", string(errorsx.ReasonAuthFailure)))
		return init, false
	}
	return init, true
}

// setupDelivery builds the webhook client when a target is configured. An
// invalid URL is reported to the client but never kills the connection.
func (c *coordinator) setupDelivery(init initMessage, sessionID string) {
	url := init.WebhookURL
	if url == "" {
		url = c.srv.cfg.WebhookURL
	}
	enabled := configutil.BoolValue(init.EnableWebhook, c.srv.cfg.WebhookEnabled)
	if url == "" || !enabled {
		return
	}

	cfg := c.srv.cfg.Webhook
	cfg.URL = url
	client, err := webhook.New(cfg, c.srv.obs)
	if err != nil {
		c.logger.Warn("webhook_disabled",
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.Reason(err))))
		c.sendError(err.Error())
		return
	}
	c.delivery = client
	c.logger.Info("webhook_configured", slog.String("url", url))
}

func (c *coordinator) startEngine(ctx context.Context, sessionID string) bool {
	trans, err := c.srv.engines(engine.Config{
		SessionID: sessionID,
		Model:     c.srv.cfg.Model,
		Language:  c.srv.cfg.Language,
	})
	if err == nil {
		err = trans.Start(ctx)
	}
	if err != nil {
		c.logger.Error("engine_start_failed",
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.ReasonEngineConnect)))
		c.sendError("transcription engine unavailable")
		return false
	}
	c.trans = trans
	return true
}

// relayTranscripts feeds engine events to the aggregator and echoes them to
// the client, in arrival order.
func (c *coordinator) relayTranscripts(sessionID string) {
	defer c.wg.Done()
	for ev := range c.trans.Results() {
		c.buffer.AddSegment(ev.Text, ev.IsFinal, ev.SpeakerID, ev.Confidence)
		c.sendJSON(transcriptMessage{
			Type:      "transcript",
			Text:      ev.Text,
			IsFinal:   ev.IsFinal,
			SessionID: sessionID,
		})
	}
}

// pumpAudio drains the session queue into the engine until the end
// sentinel arrives. An engine send failure is fatal to this session only.
func (c *coordinator) pumpAudio() {
	defer c.wg.Done()
	for {
		select {
		case data := <-c.sess.Audio():
			if data == nil {
				return
			}
			if err := c.trans.SendAudio(data); err != nil {
				c.logger.Error("engine_send_failed",
					slog.String("error", err.Error()),
					slog.String("reason_code", string(errorsx.ReasonEngineSend)))
				c.sendError("transcription engine failure")
				_ = c.conn.Close() // unblocks the read loop, triggering teardown
				return
			}
		case <-c.sess.Done():
			return
		}
	}
}

func (c *coordinator) readLoop(sessionID string) {
	for {
		mt, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket_read_error", slog.String("error", err.Error()))
			}
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			if len(raw) == 0 {
				continue
			}
			c.srv.registry.Touch(c.sess.ID)
			if !c.sess.PushAudio(raw) {
				c.dropped++
				c.srv.obs.RecordEvent(metrics.Event{
					Name: metrics.EventAudioDropped,
					Time: time.Now(),
					Tags: map[string]string{"session_id": sessionID},
				})
				if c.dropped == 1 || c.dropped%100 == 0 {
					c.logger.Warn("audio_frames_dropped", slog.Int("dropped", c.dropped))
				}
			}
		case websocket.TextMessage:
			c.srv.registry.Touch(c.sess.ID)
			var ctl controlMessage
			if err := json.Unmarshal(raw, &ctl); err != nil {
				c.logger.Warn("malformed_message_ignored",
					slog.String("reason_code", string(errorsx.ReasonMalformedMessage)))
				continue
			}
			switch ctl.Type {
			case msgStop:
				c.logger.Info("stop_requested")
				return
			case msgGetWebhookStatus:
				c.sendJSON(c.webhookStatus("webhook_status", sessionID))
			default:
				c.logger.Warn("unknown_message_ignored", slog.String("type", ctl.Type))
			}
		}
	}
}

func (c *coordinator) webhookStatus(msgType, sessionID string) webhookStatusMessage {
	msg := webhookStatusMessage{Type: msgType, SessionID: sessionID}
	if c.delivery == nil {
		msg.DeliveryStatus = "disabled"
		return msg
	}
	if rec, ok := c.delivery.GetStatus(sessionID); ok {
		msg.DeliveryStatus = rec
	}
	return msg
}

// teardown runs the ordered best-effort cleanup: final flush, awaited final
// delivery, registry removal, engine shutdown. A failing step never stops
// the remaining ones.
func (c *coordinator) teardown(sessionID string) {
	if c.buffer != nil {
		payload := c.buffer.FinalFlush()
		if c.delivery != nil && len(payload.TranscriptSegments) > 0 {
			rec := c.delivery.Deliver(context.Background(), payload, sessionID)
			msg := webhookStatusMessage{Type: "final_webhook_status", SessionID: sessionID, DeliveryStatus: rec}
			c.sendJSON(msg)
			c.logger.Info("final_delivery_done",
				slog.String("status", rec.FinalStatus),
				slog.Int("segments", len(payload.TranscriptSegments)),
				slog.String("transcript", redact.Text(payload.FullTranscript)))
		}
	}
	if c.sess != nil {
		c.srv.registry.End(c.sess.ID)
	}
	if c.trans != nil {
		if err := c.trans.Close(); err != nil {
			c.logger.Warn("engine_close_error", slog.String("error", err.Error()))
		}
	}
	c.wg.Wait()
}

func (c *coordinator) sendJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.sendCh <- outboundFrame{messageType: websocket.TextMessage, data: b}:
	default:
		c.logger.Warn("outbound_queue_full")
	}
}

func (c *coordinator) sendError(message string) {
	c.sendJSON(errorMessage{Type: "error", Message: message})
}

// closeWith enqueues the close frame behind any pending messages. The
// direct write only happens when the queue is full, where ordering is
// already lost.
func (c *coordinator) closeWith(code int, reason string) {
	payload := websocket.FormatCloseMessage(code, reason)
	select {
	case c.sendCh <- outboundFrame{messageType: websocket.CloseMessage, data: payload}:
	default:
		_ = c.conn.WriteControl(websocket.CloseMessage, payload, time.Now().Add(time.Second))
	}
}
