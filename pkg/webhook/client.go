package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/logging"
	"github.com/harunnryd/scribe/pkg/metrics"
)

type Config struct {
	URL           string
	MaxRetries    int
	RetryDelay    time.Duration
	BackoffFactor float64
	Timeout       time.Duration
	Headers       map[string]string
	// MaxHistory bounds the delivery history; 0 keeps everything.
	MaxHistory int
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 2.0
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Client posts transcript payloads to an automation endpoint with bounded
// retries and exponential backoff, and keeps an append-only history of
// delivery records.
type Client struct {
	cfg    Config
	http   *http.Client
	sleep  func(time.Duration)
	obs    metrics.Observer
	logger *slog.Logger

	mu      sync.Mutex
	history []DeliveryRecord
}

// New validates the webhook URL eagerly; a URL without scheme or host is a
// construction error, not a send-time surprise.
func New(cfg Config, obs metrics.Observer) (*Client, error) {
	parsed, err := url.Parse(cfg.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, errorsx.New(fmt.Sprintf("invalid webhook URL: %q", cfg.URL), errorsx.ReasonInvalidWebhookURL)
	}
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	cfg = cfg.withDefaults()
	return &Client{
		cfg:    cfg,
		http:   &http.Client{},
		sleep:  time.Sleep,
		obs:    obs,
		logger: logging.NewComponentLogger(nil, "webhook_client"),
	}, nil
}

func (c *Client) URL() string { return c.cfg.URL }

// Deliver runs the attempt loop for one payload: up to MaxRetries+1 timed
// POSTs, waiting RetryDelay * BackoffFactor^i between attempts. The loop
// stops on the first 2xx. Exactly one terminal record is produced per call.
func (c *Client) Deliver(ctx context.Context, payload any, sessionID string) DeliveryRecord {
	started := time.Now()
	record := DeliveryRecord{
		SessionID:  sessionID,
		WebhookURL: c.cfg.URL,
		Timestamp:  started,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		record.FinalStatus = StatusFailed
		record.LastError = "unexpected: " + err.Error()
		c.finish(record, started)
		return record
	}
	record.PayloadSize = len(body)

	var lastErr string
	for i := 0; i <= c.cfg.MaxRetries; i++ {
		attempt := c.post(ctx, body, i+1)
		record.Attempts = append(record.Attempts, attempt)
		c.obs.RecordEvent(metrics.Event{
			Name: metrics.EventDeliveryAttempt,
			Time: attempt.Timestamp,
			Tags: map[string]string{"outcome": outcome(attempt)},
		})

		if attempt.Success {
			record.Success = true
			record.FinalStatus = StatusDelivered
			c.logger.Info("webhook_delivered",
				slog.String("session_id", sessionID),
				slog.Int("attempt", attempt.Number),
				slog.Int("status", attempt.StatusCode))
			break
		}
		lastErr = attempt.Error
		c.logger.Warn("webhook_attempt_failed",
			slog.String("session_id", sessionID),
			slog.Int("attempt", attempt.Number),
			slog.Int("max_attempts", c.cfg.MaxRetries+1),
			slog.String("error", attempt.Error))

		if i < c.cfg.MaxRetries {
			c.sleep(c.backoff(i))
		}
	}

	if !record.Success {
		record.FinalStatus = StatusFailed
		record.LastError = lastErr
		c.logger.Error("webhook_delivery_failed",
			slog.String("session_id", sessionID),
			slog.Int("attempts", len(record.Attempts)),
			slog.String("last_error", lastErr),
			slog.String("reason_code", string(errorsx.ReasonDeliveryFailure)))
	}
	c.finish(record, started)
	return record
}

// backoff returns the wait inserted after attempt index i.
func (c *Client) backoff(i int) time.Duration {
	factor := math.Pow(c.cfg.BackoffFactor, float64(i))
	return time.Duration(float64(c.cfg.RetryDelay) * factor)
}

func (c *Client) post(ctx context.Context, body []byte, number int) Attempt {
	attempt := Attempt{Number: number, Timestamp: time.Now()}
	if ctx == nil {
		ctx = context.Background()
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		attempt.Error = "unexpected: " + err.Error()
		return attempt
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "scribe/1.0")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	attempt.ResponseTime = time.Since(start).Seconds()
	if err != nil {
		attempt.Error = classify(err)
		return attempt
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	attempt.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		attempt.Success = true
		return attempt
	}
	attempt.Error = fmt.Sprintf("status:%d", resp.StatusCode)
	return attempt
}

// classify maps transport errors onto the record's error taxonomy.
func classify(err error) string {
	var nerr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &nerr) && nerr.Timeout():
		return "timeout"
	case errors.As(err, new(*url.Error)):
		return "connection: " + err.Error()
	default:
		return "unexpected: " + err.Error()
	}
}

func outcome(a Attempt) string {
	if a.Success {
		return "success"
	}
	switch {
	case a.Error == "timeout":
		return "timeout"
	case a.StatusCode != 0:
		return "status"
	case len(a.Error) >= 10 && a.Error[:10] == "connection":
		return "connection"
	default:
		return "unexpected"
	}
}

func (c *Client) finish(record DeliveryRecord, started time.Time) {
	c.mu.Lock()
	c.history = append(c.history, record)
	if c.cfg.MaxHistory > 0 && len(c.history) > c.cfg.MaxHistory {
		c.history = c.history[len(c.history)-c.cfg.MaxHistory:]
	}
	c.mu.Unlock()

	c.obs.RecordEvent(metrics.Event{
		Name:  metrics.EventDeliveryDone,
		Time:  time.Now(),
		Value: time.Since(started).Seconds(),
		Tags:  map[string]string{"status": record.FinalStatus, "session_id": record.SessionID},
	})
}

// GetStatus returns the most recent record for a session, scanning history
// newest-first.
func (c *Client) GetStatus(sessionID string) (DeliveryRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.history) - 1; i >= 0; i-- {
		if c.history[i].SessionID == sessionID {
			return c.history[i], true
		}
	}
	return DeliveryRecord{}, false
}

// RecentDeliveries returns the tail of the history, newest last.
func (c *Client) RecentDeliveries(limit int) []DeliveryRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit <= 0 || limit > len(c.history) {
		limit = len(c.history)
	}
	out := make([]DeliveryRecord, limit)
	copy(out, c.history[len(c.history)-limit:])
	return out
}

func (c *Client) TotalDeliveries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}

func (c *Client) SuccessfulDeliveries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.history {
		if r.Success {
			n++
		}
	}
	return n
}

func (c *Client) FailedDeliveries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.history {
		if !r.Success {
			n++
		}
	}
	return n
}
