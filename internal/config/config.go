package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/seantiz/escrowd/internal/model"
	"github.com/seantiz/escrowd/internal/policy"
)

// Payout rails selectable with ESCROWD_PAYOUT_RAIL.
const (
	RailBook    = "book"
	RailWebhook = "webhook"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr  string `env:"ESCROWD_LISTEN_ADDR"  envDefault:":8080"`
	DBPath      string `env:"ESCROWD_DB_PATH"      envDefault:"escrowd.db"`
	DatabaseURL string `env:"ESCROWD_DATABASE_URL"`
	LogLevel    string `env:"ESCROWD_LOG_LEVEL"    envDefault:"info"`

	Owner              string `env:"ESCROWD_OWNER"`
	PlatformFeePercent int64  `env:"ESCROWD_PLATFORM_FEE_PERCENT" envDefault:"5"`
	DisputeFee         int64  `env:"ESCROWD_DISPUTE_FEE"          envDefault:"0"`

	JWTSecret string        `env:"ESCROWD_JWT_SECRET"`
	TokenTTL  time.Duration `env:"ESCROWD_TOKEN_TTL" envDefault:"24h"`

	PayoutRail          string        `env:"ESCROWD_PAYOUT_RAIL"           envDefault:"book"`
	PayoutWebhookURL    string        `env:"ESCROWD_PAYOUT_WEBHOOK_URL"`
	PayoutWebhookSecret string        `env:"ESCROWD_PAYOUT_WEBHOOK_SECRET"`
	PayoutInterval      time.Duration `env:"ESCROWD_PAYOUT_INTERVAL"       envDefault:"1s"`
	PayoutMaxAttempts   int           `env:"ESCROWD_PAYOUT_MAX_ATTEMPTS"   envDefault:"5"`

	OTelEndpoint string `env:"ESCROWD_OTEL_ENDPOINT"`
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.PayoutRail = strings.ToLower(strings.TrimSpace(cfg.PayoutRail))
	return cfg, nil
}

// Validate reports the first setting the service cannot start with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Owner) == "" {
		return errors.New("ESCROWD_OWNER is required")
	}
	if c.PlatformFeePercent < 0 || c.PlatformFeePercent > policy.MaxFeePercent {
		return fmt.Errorf("ESCROWD_PLATFORM_FEE_PERCENT must be between 0 and %d, got %d", policy.MaxFeePercent, c.PlatformFeePercent)
	}
	if c.DisputeFee < 0 {
		return fmt.Errorf("ESCROWD_DISPUTE_FEE must not be negative, got %d", c.DisputeFee)
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("ESCROWD_JWT_SECRET is required")
	}
	switch c.PayoutRail {
	case RailBook:
	case RailWebhook:
		if c.PayoutWebhookURL == "" {
			return errors.New("ESCROWD_PAYOUT_WEBHOOK_URL is required for the webhook rail")
		}
	default:
		return fmt.Errorf("unknown ESCROWD_PAYOUT_RAIL %q", c.PayoutRail)
	}
	if c.PayoutMaxAttempts <= 0 {
		return fmt.Errorf("ESCROWD_PAYOUT_MAX_ATTEMPTS must be positive, got %d", c.PayoutMaxAttempts)
	}
	return nil
}

// PlatformDefaults returns the platform configuration seeded on first start.
func (c Config) PlatformDefaults() model.PlatformConfig {
	return model.PlatformConfig{
		Owner:              strings.TrimSpace(c.Owner),
		PlatformFeePercent: c.PlatformFeePercent,
		DisputeFee:         c.DisputeFee,
	}
}

// Level returns the configured log level.
func (c Config) Level() slog.Level {
	return parseLogLevel(c.LogLevel)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
