package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/scribe/pkg/engine"
	"github.com/harunnryd/scribe/pkg/logging"
	"github.com/harunnryd/scribe/pkg/metrics"
	"github.com/harunnryd/scribe/pkg/session"
	"github.com/harunnryd/scribe/pkg/transcript"
	"github.com/harunnryd/scribe/pkg/webhook"
)

type Config struct {
	Addr      string
	WSPath    string
	AuthToken string
	Model     string
	Language  string

	// Default webhook target; a connection's init message may override the
	// URL. Delivery is skipped entirely when no URL ends up configured.
	WebhookURL     string
	WebhookEnabled bool
	Webhook        webhook.Config

	Buffer transcript.Config

	HandshakeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8765"
	}
	if c.WSPath == "" {
		c.WSPath = "/ws/transcribe"
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	c.Buffer = c.Buffer.WithDefaults()
	return c
}

// Server is the client-facing gateway: it upgrades WebSocket connections,
// runs one coordinator per connection and serves the health surface.
type Server struct {
	cfg      Config
	registry *session.Registry
	engines  engine.Factory
	obs      metrics.Observer
	upgrader websocket.Upgrader
	server   *http.Server
	mux      *http.ServeMux
	logger   *slog.Logger

	draining atomic.Bool
	wg       sync.WaitGroup
}

func NewServer(cfg Config, registry *session.Registry, engines engine.Factory, obs metrics.Observer) *Server {
	cfg = cfg.withDefaults()
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	s := &Server{
		cfg:      cfg,
		registry: registry,
		engines:  engines,
		obs:      obs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		mux:    http.NewServeMux(),
		logger: logging.NewComponentLogger(nil, "gateway"),
	}
	s.mux.HandleFunc(s.cfg.WSPath, s.handleWebSocket)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/", s.handleRoot)
	return s
}

// Mount registers an extra handler (dial-in webhooks, /metrics) on the
// gateway's mux. Must be called before Start.
func (s *Server) Mount(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

func (s *Server) Addr() string { return s.cfg.Addr }

func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           s.mux,
	}
	go func() {
		<-ctx.Done()
		_ = s.server.Close()
	}()
	go func() {
		s.logger.Info("gateway_listening", slog.String("addr", s.cfg.Addr), slog.String("ws_path", s.cfg.WSPath))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway_server_error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Drain stops accepting new connections, tears down live sessions and waits
// for per-connection coordinators to finish their teardown sequence.
func (s *Server) Drain() error {
	s.draining.Store(true)
	if s.registry != nil {
		s.registry.EndAll()
	}
	s.wg.Wait()
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Register with the drain group before the draining check, so Drain's
	// Wait either sees this connection or this connection sees draining.
	s.wg.Add(1)
	defer s.wg.Done()
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}
	// Run inline: the request context dies when this handler returns, so
	// the coordinator gets its own lifetime tied to the connection.
	c := newCoordinator(s, conn)
	c.run(context.Background())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":          "healthy",
		"active_sessions": s.registry.ActiveCount(),
		"max_sessions":    s.registry.Cap(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"service": "scribe",
		"endpoints": map[string]string{
			"websocket": s.cfg.WSPath,
			"health":    "/healthz",
		},
	})
}
