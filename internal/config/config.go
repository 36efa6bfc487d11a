// Package config centralises configuration parsing for the signup service.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Rate limit stats backends.
const (
	StatsMemory = "memory"
	StatsRedis  = "redis"
	StatsOff    = "off"
)

// Config captures runtime configuration values for the signup service.
type Config struct {
	HTTPAddress    string `env:"HTTP_ADDRESS" envDefault:":8080"`
	MetricsAddress string `env:"METRICS_ADDRESS" envDefault:":9090"`

	StoreDriver   string `env:"STORE_DRIVER" envDefault:"sqlite"`
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"activities.db"`
	PostgresURL   string `env:"POSTGRES_URL"`
	SeedOnStartup bool   `env:"SEED_ON_STARTUP" envDefault:"true"`

	RateLimit RateLimit

	KafkaBrokers       []string      `env:"KAFKA_BROKERS" envSeparator:","`
	EventsTopic        string        `env:"EVENTS_TOPIC" envDefault:"activity_memberships"`
	EventsPartitions   int           `env:"EVENTS_TOPIC_PARTITIONS" envDefault:"3"`
	OutboxPollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"2s"`
	OutboxBatchSize    int           `env:"OUTBOX_BATCH_SIZE" envDefault:"25"`
	OutboxMaxAttempts  int           `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"5"`
	ConsumerGroupID    string        `env:"CONSUMER_GROUP_ID" envDefault:"signup-audit"`

	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"json"`
	OTelEndpoint    string        `env:"OTEL_ENDPOINT"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// RateLimit configures admission control on the mutating routes.
type RateLimit struct {
	Requests      int           `env:"RATE_LIMIT_REQUESTS" envDefault:"5"`
	Window        time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"60s"`
	Headers       bool          `env:"RATE_LIMIT_HEADERS" envDefault:"true"`
	TrustXFF      bool          `env:"TRUST_XFF" envDefault:"false"`
	KeyHeader     string        `env:"RATE_LIMIT_KEY_HEADER"`
	RedisAddr     string        `env:"RATE_LIMIT_REDIS_ADDR"`
	RedisPassword string        `env:"RATE_LIMIT_REDIS_PASSWORD"`
	RedisDB       int           `env:"RATE_LIMIT_REDIS_DB" envDefault:"0"`
	Stats         string        `env:"RATE_LIMIT_STATS" envDefault:"memory"`
}

// Load reads environment variables into Config and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.KafkaBrokers = trimAll(cfg.KafkaBrokers)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return errors.New("SQLITE_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.PostgresURL) == "" {
			return errors.New("POSTGRES_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}

	if c.RateLimit.Requests <= 0 {
		return errors.New("RATE_LIMIT_REQUESTS must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return errors.New("RATE_LIMIT_WINDOW must be positive")
	}
	switch c.RateLimit.Stats {
	case StatsMemory, StatsOff:
	case StatsRedis:
		if c.RateLimit.RedisAddr == "" {
			return errors.New("RATE_LIMIT_STATS=redis requires RATE_LIMIT_REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unsupported RATE_LIMIT_STATS %q", c.RateLimit.Stats)
	}

	if c.OutboxBatchSize <= 0 {
		return errors.New("OUTBOX_BATCH_SIZE must be positive")
	}
	if c.EventsPartitions <= 0 {
		return errors.New("EVENTS_TOPIC_PARTITIONS must be positive")
	}
	if c.OutboxPollInterval <= 0 {
		return errors.New("OUTBOX_POLL_INTERVAL must be positive")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("unsupported LOG_FORMAT %q", c.LogFormat)
	}
	return nil
}

// EventsEnabled reports whether membership events are published to Kafka.
func (c Config) EventsEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
