package scribe

import (
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/scribe/pkg/gateway"
	"github.com/harunnryd/scribe/pkg/gateway/dialin"
	"github.com/harunnryd/scribe/pkg/transcript"
	"github.com/harunnryd/scribe/pkg/webhook"
)

type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`

	Server   ServerConfig   `mapstructure:"server"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Buffer   BufferConfig   `mapstructure:"buffer"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	DialIn   dialin.Config  `mapstructure:"dialin"`
	Privacy  PrivacyConfig  `mapstructure:"privacy"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type ServerConfig struct {
	Addr               string  `mapstructure:"addr"`
	WSPath             string  `mapstructure:"ws_path"`
	AuthToken          string  `mapstructure:"auth_token"`
	HandshakeTimeoutMS int     `mapstructure:"handshake_timeout_ms"`
	DrainTimeoutMS     int     `mapstructure:"drain_timeout_ms"`
}

type SessionsConfig struct {
	MaxConcurrent   int     `mapstructure:"max_concurrent"`
	IdleTimeout     float64 `mapstructure:"idle_timeout"`
	ReclaimInterval float64 `mapstructure:"reclaim_interval"`
}

// EngineConfig selects the recognition provider. Settings is
// provider-specific and decoded by the provider itself.
type EngineConfig struct {
	Provider string         `mapstructure:"provider"`
	Model    string         `mapstructure:"model"`
	Language string         `mapstructure:"language"`
	Settings map[string]any `mapstructure:"settings"`
}

type BufferConfig struct {
	FlushInterval float64 `mapstructure:"flush_interval"`
	MaxSegments   int     `mapstructure:"max_segments"`
	MinFinalGap   float64 `mapstructure:"min_final_gap"`
}

type WebhookConfig struct {
	URL           string            `mapstructure:"url"`
	Enabled       bool              `mapstructure:"enabled"`
	MaxRetries    int               `mapstructure:"max_retries"`
	RetryDelay    float64           `mapstructure:"retry_delay"`
	BackoffFactor float64           `mapstructure:"backoff_factor"`
	Timeout       float64           `mapstructure:"timeout"`
	Headers       map[string]string `mapstructure:"headers"`
	MaxHistory    int               `mapstructure:"max_history"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type MetricsConfig struct {
	Prometheus  bool   `mapstructure:"prometheus"`
	JSONLPath   string `mapstructure:"jsonl_path"`
	AsyncBuffer int    `mapstructure:"async_buffer"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("server.addr", ":8765")
	v.SetDefault("server.ws_path", "/ws/transcribe")
	v.SetDefault("server.handshake_timeout_ms", 10000)
	v.SetDefault("server.drain_timeout_ms", 5000)
	v.SetDefault("sessions.max_concurrent", 10)
	v.SetDefault("sessions.idle_timeout", 300)
	v.SetDefault("sessions.reclaim_interval", 60)
	v.SetDefault("engine.provider", "deepgram")
	v.SetDefault("engine.model", "nova-2")
	v.SetDefault("engine.language", "en")
	v.SetDefault("buffer.flush_interval", 10)
	v.SetDefault("buffer.max_segments", 50)
	v.SetDefault("buffer.min_final_gap", 2)
	v.SetDefault("webhook.enabled", false)
	v.SetDefault("webhook.max_retries", 3)
	v.SetDefault("webhook.retry_delay", 1)
	v.SetDefault("webhook.backoff_factor", 2)
	v.SetDefault("webhook.timeout", 30)
	v.SetDefault("webhook.max_history", 1000)
	v.SetDefault("metrics.prometheus", true)
	v.SetDefault("metrics.async_buffer", 2048)
	v.SetDefault("privacy.redact_pii", true)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	expandEnvStrings(&cfg)
	cfg.Engine.Settings = expandSettings(cfg.Engine.Settings)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Engine.Provider) == "" {
		return fmt.Errorf("engine.provider is required")
	}
	if c.Sessions.MaxConcurrent <= 0 {
		return fmt.Errorf("sessions.max_concurrent must be positive")
	}
	if c.Buffer.MaxSegments <= 0 {
		return fmt.Errorf("buffer.max_segments must be positive")
	}
	if c.Webhook.BackoffFactor < 1 {
		return fmt.Errorf("webhook.backoff_factor must be at least 1")
	}
	if u := strings.TrimSpace(c.Webhook.URL); u != "" {
		parsed, err := url.Parse(u)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("webhook.url is not a valid absolute URL: %q", u)
		}
	}
	return nil
}

func (c Config) BufferConfig() transcript.Config {
	return transcript.Config{
		FlushInterval: secs(c.Buffer.FlushInterval),
		MaxSegments:   c.Buffer.MaxSegments,
		MinFinalGap:   secs(c.Buffer.MinFinalGap),
	}
}

func (c Config) WebhookConfig() webhook.Config {
	return webhook.Config{
		URL:           c.Webhook.URL,
		MaxRetries:    c.Webhook.MaxRetries,
		RetryDelay:    secs(c.Webhook.RetryDelay),
		BackoffFactor: c.Webhook.BackoffFactor,
		Timeout:       secs(c.Webhook.Timeout),
		Headers:       c.Webhook.Headers,
		MaxHistory:    c.Webhook.MaxHistory,
	}
}

func (c Config) GatewayConfig() gateway.Config {
	return gateway.Config{
		Addr:             c.Server.Addr,
		WSPath:           c.Server.WSPath,
		AuthToken:        c.Server.AuthToken,
		Model:            c.Engine.Model,
		Language:         c.Engine.Language,
		WebhookURL:       c.Webhook.URL,
		WebhookEnabled:   c.Webhook.Enabled,
		Webhook:          c.WebhookConfig(),
		Buffer:           c.BufferConfig(),
		HandshakeTimeout: time.Duration(c.Server.HandshakeTimeoutMS) * time.Millisecond,
	}
}

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}

// expandEnvStrings rewrites every string field with ${VAR} expansion so
// secrets can live in the environment rather than the config file.
func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				expanded := os.ExpandEnv(v.MapIndex(key).String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}
