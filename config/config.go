// Package config loads runtime configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultPort          = "8080"
	defaultStore         = "sqlite"
	defaultSQLitePath    = "ledger.db"
	defaultLogLevel      = "info"
	defaultScale         = 2
	defaultShutdownDelay = 30 * time.Second
	defaultReplayTTL     = 24 * time.Hour
)

// Config captures application runtime configuration.
type Config struct {
	Port       string
	Store      string // memory | sqlite | postgres
	SQLitePath string
	// DatabaseURL is required when Store is postgres.
	DatabaseURL string
	// RedisURL enables the idempotent-response replay cache when set.
	RedisURL string
	LogLevel string
	// CurrencyScale is the fractional precision of amounts.
	CurrencyScale int32
	// StrictIdempotency rejects key replays whose payload differs.
	StrictIdempotency bool
	ShutdownPeriod    time.Duration
	ReplayTTL         time.Duration
}

// Load reads configuration from the environment.
func Load() (Config, error) {
	cfg := Config{
		Port:           getEnv("PORT", defaultPort),
		Store:          strings.ToLower(getEnv("STORE", defaultStore)),
		SQLitePath:     getEnv("SQLITE_PATH", defaultSQLitePath),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		CurrencyScale:  defaultScale,
		ShutdownPeriod: defaultShutdownDelay,
		ReplayTTL:      defaultReplayTTL,
	}

	if v := os.Getenv("CURRENCY_SCALE"); v != "" {
		scale, err := strconv.Atoi(v)
		if err != nil || scale < 0 || scale > 8 {
			return Config{}, fmt.Errorf("invalid CURRENCY_SCALE %q", v)
		}
		cfg.CurrencyScale = int32(scale)
	}

	if v := os.Getenv("STRICT_IDEMPOTENCY"); v != "" {
		strict, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid STRICT_IDEMPOTENCY: %w", err)
		}
		cfg.StrictIdempotency = strict
	}

	if v := os.Getenv("SHUTDOWN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
		}
		cfg.ShutdownPeriod = d
	}

	if v := os.Getenv("REPLAY_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid REPLAY_TTL: %w", err)
		}
		cfg.ReplayTTL = d
	}

	switch cfg.Store {
	case "memory", "sqlite":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set when STORE=postgres")
		}
	default:
		return Config{}, fmt.Errorf("unknown STORE %q (want memory, sqlite or postgres)", cfg.Store)
	}

	return cfg, nil
}

// Address returns the listen address for the HTTP server.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
