// Package scribe assembles the transcription relay: configuration,
// session registry, recognition engines, client gateway, dial-in bridge
// and metrics, behind a single lifecycle.
package scribe

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/harunnryd/scribe/pkg/configutil"
	"github.com/harunnryd/scribe/pkg/engine"
	"github.com/harunnryd/scribe/pkg/engine/deepgram"
	"github.com/harunnryd/scribe/pkg/engine/mock"
	"github.com/harunnryd/scribe/pkg/gateway"
	"github.com/harunnryd/scribe/pkg/gateway/dialin"
	"github.com/harunnryd/scribe/pkg/logging"
	"github.com/harunnryd/scribe/pkg/metrics"
	"github.com/harunnryd/scribe/pkg/redact"
	"github.com/harunnryd/scribe/pkg/runner"
	"github.com/harunnryd/scribe/pkg/session"
)

type Service struct {
	cfg      Config
	registry *session.Registry
	gw       *gateway.Server
	dialin   *dialin.Gateway
	asyncObs *metrics.AsyncObserver
	runner   *runner.LifecycleRunner
	logger   *slog.Logger

	cancel      context.CancelFunc
	reclaimDone chan struct{}
}

func New(cfg Config) (*Service, error) {
	logging.InitDefault(cfg.LogLevel, cfg.LogFormat)
	redact.SetEnabled(cfg.Privacy.RedactPII)

	s := &Service{
		cfg:         cfg,
		logger:      logging.NewComponentLogger(nil, "service"),
		reclaimDone: make(chan struct{}),
	}

	var prom *metrics.PrometheusObserver
	var obsList []metrics.Observer
	if cfg.Metrics.Prometheus {
		prom = metrics.NewPrometheusObserver()
		obsList = append(obsList, prom)
	}
	if path := strings.TrimSpace(cfg.Metrics.JSONLPath); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open metrics log: %w", err)
		}
		obsList = append(obsList, metrics.NewJSONLObserver(f))
	}
	var obs metrics.Observer = metrics.NoopObserver{}
	if len(obsList) > 0 {
		s.asyncObs = metrics.NewAsyncObserver(metrics.NewMultiObserver(obsList...), cfg.Metrics.AsyncBuffer)
		obs = s.asyncObs
	}

	s.registry = session.NewRegistry(cfg.Sessions.MaxConcurrent, obs)

	factory, err := buildEngineFactory(cfg.Engine)
	if err != nil {
		return nil, err
	}

	s.gw = gateway.NewServer(cfg.GatewayConfig(), s.registry, factory, obs)
	if prom != nil {
		s.gw.Mount("/metrics", prom.Handler())
	}
	if cfg.DialIn.Enabled {
		s.dialin = dialin.New(cfg.DialIn, dialin.Deps{
			Registry:       s.registry,
			Engines:        factory,
			Model:          cfg.Engine.Model,
			Language:       cfg.Engine.Language,
			Webhook:        cfg.WebhookConfig(),
			WebhookURL:     cfg.Webhook.URL,
			WebhookEnabled: cfg.Webhook.Enabled,
			Buffer:         cfg.BufferConfig(),
			Observer:       obs,
		})
		s.dialin.Register(s.gw.Mount)
	}

	drainTimeout := time.Duration(cfg.Server.DrainTimeoutMS) * time.Millisecond
	s.runner = runner.NewLifecycleRunner(s, runner.Hooks{
		OnStart: s.start,
		OnStop:  func() { s.logger.Info("service_stopped") },
	}, drainTimeout)
	return s, nil
}

// Run blocks until the context is canceled or Stop is called, then drains.
func (s *Service) Run(ctx context.Context) error {
	return s.runner.Run(ctx)
}

func (s *Service) Stop() error { return s.runner.Stop() }

func (s *Service) Registry() *session.Registry { return s.registry }

func (s *Service) Gateway() *gateway.Server { return s.gw }

func (s *Service) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	_ = s.gw.Start(ctx)
	go s.reclaimLoop(ctx)
	s.logger.Info("service_started",
		slog.String("addr", s.cfg.Server.Addr),
		slog.String("engine", s.cfg.Engine.Provider),
		slog.Int("max_sessions", s.cfg.Sessions.MaxConcurrent),
		slog.Bool("dialin", s.cfg.DialIn.Enabled))
}

// Drain is the orderly wind-down: stop intake, end live sessions, flush
// metrics.
func (s *Service) Drain() error {
	if s.cancel != nil {
		s.cancel()
	}
	err := s.gw.Drain()
	<-s.reclaimDone
	if s.asyncObs != nil {
		s.asyncObs.Close()
	}
	return err
}

// reclaimLoop ends sessions with no audio activity past the idle timeout.
func (s *Service) reclaimLoop(ctx context.Context) {
	defer close(s.reclaimDone)
	interval := secs(s.cfg.Sessions.ReclaimInterval)
	if interval <= 0 {
		interval = time.Minute
	}
	idle := secs(s.cfg.Sessions.IdleTimeout)
	if idle <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.registry.ReclaimIdle(idle); n > 0 {
				s.logger.Info("idle_sessions_reclaimed", slog.Int("count", n))
			}
		}
	}
}

func buildEngineFactory(cfg EngineConfig) (engine.Factory, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "deepgram":
		var settings struct {
			APIKey     string `mapstructure:"api_key"`
			SampleRate *int   `mapstructure:"sample_rate"`
			Interim    *bool  `mapstructure:"interim"`
		}
		if err := configutil.DecodeSettings(cfg.Settings, &settings); err != nil {
			return nil, fmt.Errorf("engine settings: %w", err)
		}
		if settings.APIKey == "" {
			settings.APIKey = os.Getenv("DEEPGRAM_API_KEY")
		}
		if err := configutil.RequireString(settings.APIKey, "engine.settings.api_key"); err != nil {
			return nil, err
		}
		apiKey := settings.APIKey
		defaultRate := configutil.IntValue(settings.SampleRate, 0)
		interim := configutil.BoolValue(settings.Interim, true)
		return func(ec engine.Config) (engine.Transcriber, error) {
			// A per-session rate (dial-in audio) wins over the configured
			// default.
			rate := ec.SampleRate
			if rate == 0 {
				rate = defaultRate
			}
			return deepgram.New(deepgram.Config{
				APIKey:     apiKey,
				Model:      ec.Model,
				Language:   ec.Language,
				SampleRate: rate,
				Encoding:   ec.Encoding,
				Interim:    interim,
				SessionID:  ec.SessionID,
			}), nil
		}, nil
	case "mock":
		return func(ec engine.Config) (engine.Transcriber, error) {
			return mock.New(mock.Config{}), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown engine provider %q", cfg.Provider)
	}
}
