package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, cfg Config) (*Client, *[]time.Duration) {
	t.Helper()
	c, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	waits := &[]time.Duration{}
	c.sleep = func(d time.Duration) { *waits = append(*waits, d) }
	return c, waits
}

func TestNewRejectsInvalidURL(t *testing.T) {
	for _, bad := range []string{"", "not-a-url", "http://", "/relative/path"} {
		if _, err := New(Config{URL: bad}, nil); err == nil {
			t.Fatalf("expected construction error for %q", bad)
		}
	}
	if _, err := New(Config{URL: "https://hooks.example.com/transcripts"}, nil); err != nil {
		t.Fatalf("valid URL rejected: %v", err)
	}
}

func TestDeliverSucceedsFirstAttempt(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("content type: %q", got)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, waits := newTestClient(t, Config{URL: srv.URL, MaxRetries: 3})
	rec := c.Deliver(context.Background(), map[string]any{"k": "v"}, "sess-1")

	if !rec.Success || rec.FinalStatus != StatusDelivered {
		t.Fatalf("expected delivered, got %+v", rec)
	}
	if len(rec.Attempts) != 1 || atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected single attempt, got %d/%d", len(rec.Attempts), hits)
	}
	if len(*waits) != 0 {
		t.Fatalf("no backoff expected on first-attempt success")
	}
	if rec.PayloadSize == 0 {
		t.Fatalf("payload size not recorded")
	}
}

func TestDeliverRetriesUntilSuccess(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c, waits := newTestClient(t, Config{URL: srv.URL, MaxRetries: 5, RetryDelay: 10 * time.Millisecond})
	rec := c.Deliver(context.Background(), "payload", "sess-2")

	if !rec.Success {
		t.Fatalf("expected eventual success: %+v", rec)
	}
	if len(rec.Attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(rec.Attempts))
	}
	if rec.Attempts[0].Error != "status:502" {
		t.Fatalf("expected classified status error, got %q", rec.Attempts[0].Error)
	}
	if len(*waits) != 2 {
		t.Fatalf("expected 2 waits, got %d", len(*waits))
	}
}

func TestDeliverExhaustionBackoffSchedule(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, waits := newTestClient(t, Config{
		URL:           srv.URL,
		MaxRetries:    2,
		RetryDelay:    100 * time.Millisecond,
		BackoffFactor: 2.0,
	})
	rec := c.Deliver(context.Background(), "payload", "sess-3")

	if rec.Success || rec.FinalStatus != StatusFailed {
		t.Fatalf("expected terminal failure, got %+v", rec)
	}
	if len(rec.Attempts) != 3 {
		t.Fatalf("expected maxRetries+1 attempts, got %d", len(rec.Attempts))
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(*waits) != len(want) {
		t.Fatalf("expected %d waits, got %v", len(want), *waits)
	}
	for i, w := range want {
		if (*waits)[i] != w {
			t.Fatalf("wait %d: got %v want %v", i, (*waits)[i], w)
		}
	}
	if rec.LastError != "status:500" {
		t.Fatalf("last error retained wrong: %q", rec.LastError)
	}
}

func TestDeliverClassifiesTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, Config{URL: srv.URL, MaxRetries: 0, Timeout: 20 * time.Millisecond})
	rec := c.Deliver(context.Background(), "payload", "sess-4")
	if rec.Success {
		t.Fatalf("expected timeout failure")
	}
	if rec.Attempts[0].Error != "timeout" {
		t.Fatalf("expected timeout classification, got %q", rec.Attempts[0].Error)
	}
}

func TestDeliverClassifiesConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	c, _ := newTestClient(t, Config{URL: srv.URL, MaxRetries: 0})
	rec := c.Deliver(context.Background(), "payload", "sess-5")
	if rec.Success {
		t.Fatalf("expected connection failure")
	}
	if !strings.HasPrefix(rec.Attempts[0].Error, "connection") {
		t.Fatalf("expected connection classification, got %q", rec.Attempts[0].Error)
	}
}

func TestGetStatusReturnsLatestPerSession(t *testing.T) {
	var fail int32 = 1
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&fail) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, Config{URL: srv.URL, MaxRetries: 0})
	c.Deliver(context.Background(), "p1", "sess-A")
	atomic.StoreInt32(&fail, 0)
	c.Deliver(context.Background(), "p2", "sess-A")
	c.Deliver(context.Background(), "p3", "sess-B")

	rec, ok := c.GetStatus("sess-A")
	if !ok || rec.FinalStatus != StatusDelivered {
		t.Fatalf("expected latest sess-A record delivered, got %+v ok=%v", rec, ok)
	}
	if _, ok := c.GetStatus("sess-unknown"); ok {
		t.Fatalf("unknown session should have no status")
	}
	if c.TotalDeliveries() != 3 || c.SuccessfulDeliveries() != 2 || c.FailedDeliveries() != 1 {
		t.Fatalf("history counters wrong: %d/%d/%d", c.TotalDeliveries(), c.SuccessfulDeliveries(), c.FailedDeliveries())
	}
}

func TestRecentDeliveriesTail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, Config{URL: srv.URL})
	for i := 0; i < 5; i++ {
		c.Deliver(context.Background(), i, "sess")
	}
	recent := c.RecentDeliveries(2)
	if len(recent) != 2 {
		t.Fatalf("expected tail of 2, got %d", len(recent))
	}
	all := c.RecentDeliveries(0)
	if len(all) != 5 {
		t.Fatalf("limit 0 should return everything, got %d", len(all))
	}
}

func TestHistoryBound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, Config{URL: srv.URL, MaxHistory: 3})
	for i := 0; i < 6; i++ {
		c.Deliver(context.Background(), i, "sess")
	}
	if c.TotalDeliveries() != 3 {
		t.Fatalf("expected bounded history of 3, got %d", c.TotalDeliveries())
	}
}
