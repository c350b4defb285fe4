package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds process configuration for every vessel subcommand.
type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"INFO"`

	// DatabaseURL selects Postgres. Empty runs the backend in lite mode on sqlite.
	DatabaseURL string `env:"DATABASE_URL"`
	DataDir     string `env:"VESSEL_DATA_DIR" envDefault:"data"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	LedgerRPCURL     string        `env:"LEDGER_RPC_URL" envDefault:"http://localhost:8545"`
	ChainID          int64         `env:"CHAIN_ID" envDefault:"31337"`
	TokenAddress     string        `env:"TOKEN_ADDRESS"`
	CollectorAddress string        `env:"COLLECTOR_ADDRESS"`
	LedgerCacheTTL   time.Duration `env:"LEDGER_CACHE_TTL" envDefault:"15s"`
	// InvestorKey is the hex private key the commit subcommand signs with.
	InvestorKey string `env:"INVESTOR_PRIVATE_KEY"`

	MinConfirmations    uint64        `env:"MIN_CONFIRMATIONS" envDefault:"3"`
	ConfirmTimeout      time.Duration `env:"CONFIRM_TIMEOUT" envDefault:"90s"`
	ConfirmPollInterval time.Duration `env:"CONFIRM_POLL_INTERVAL" envDefault:"2s"`

	BackendURL        string `env:"BACKEND_URL" envDefault:"http://localhost:8080"`
	ConfirmMaxRetries uint   `env:"CONFIRM_MAX_RETRIES" envDefault:"5"`

	PolicyFile string `env:"POLICY_FILE"`

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"10"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"20"`

	OTelEnabled  bool   `env:"OTEL_ENABLED" envDefault:"false"`
	OTelEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	OTelInsecure bool   `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	Environment  string `env:"VESSEL_ENV" envDefault:"development"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values env parsing cannot.
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive, got %d", c.ChainID)
	}
	if c.ConfirmTimeout <= 0 {
		return fmt.Errorf("CONFIRM_TIMEOUT must be positive, got %s", c.ConfirmTimeout)
	}
	if c.ConfirmMaxRetries == 0 {
		return fmt.Errorf("CONFIRM_MAX_RETRIES must be at least 1")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	return nil
}

// LiteMode reports whether the backend should run on the embedded sqlite store.
func (c *Config) LiteMode() bool { return c.DatabaseURL == "" }

// ParseLevel maps a LOG_LEVEL value onto slog.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "", "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown LOG_LEVEL %q", s)
	}
}
