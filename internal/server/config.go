// Package server provides configuration helpers that define runtime defaults
// and validation for the chatrelay service.
package server

import (
	"fmt"
	"strconv"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `env:"RATE_LIMIT_BURST,default=5"`
	RefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL,default=1s"`
}

// Config holds the server configuration settings.
//
// DatabaseURL is the persistence endpoint. The embedded sqlite driver
// accepts a plain path or a file: URL; DatabaseToken exists for parity with
// deployments that front the log with an authenticated remote endpoint and
// is ignored by the embedded driver.
type Config struct {
	Port           int           `env:"PORT,default=3000"`
	DatabaseURL    string        `env:"DATABASE_URL,default=file:chat.db"`
	DatabaseToken  string        `env:"DB_TOKEN"`
	DBBusyTimeout  time.Duration `env:"DB_BUSY_TIMEOUT,default=5s"`
	AllowedOrigins []string      `env:"ALLOWED_ORIGINS,default=http://localhost:3000"`
	MaxMessageSize int64         `env:"MAX_MESSAGE_SIZE,default=512"`
	RateLimit      RateLimitConfig

	// Connection-state recovery: a client reconnecting within
	// RecoveryWindow may be resumed from the in-memory backlog instead of
	// the message store.
	RecoveryWindow  time.Duration `env:"RECOVERY_WINDOW,default=2m"`
	RecoveryBacklog int           `env:"RECOVERY_BACKLOG,default=256"`

	LogLevel        string        `env:"LOG_LEVEL,default=info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
}

// LoadConfig reads configuration from the environment, after loading a .env
// file when one is present. Invalid values are replaced with defaults rather
// than rejected; only a malformed environment is an error.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return sanitizeConfig(cfg), nil
}

// DefaultConfig returns the configuration used when no environment is set.
func DefaultConfig() Config {
	return sanitizeConfig(Config{})
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = 3000
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = "file:chat.db"
	}
	if cfg.DBBusyTimeout <= 0 {
		cfg.DBBusyTimeout = 5 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost:3000"}
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 512
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 5
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = 2 * time.Minute
	}
	if cfg.RecoveryBacklog <= 0 {
		cfg.RecoveryBacklog = 256
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return cfg
}

// Addr returns the listen address for the configured port.
func (c Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}
