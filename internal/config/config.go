package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrInvalidConfig = errors.New("config: invalid")

type Config struct {
	Addr string `envconfig:"ADDR" default:":8080"`
	// DatabaseDSN selects the postgres store; sessions are kept in memory when empty.
	DatabaseDSN string `envconfig:"DATABASE_DSN"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogFile   string `envconfig:"LOG_FILE"`

	OutboxSize   int           `envconfig:"OUTBOX_SIZE" default:"64"`
	ReadLimit    int64         `envconfig:"READ_LIMIT" default:"65536"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"5s"`
	// InboundRPS caps frames per second per socket; 0 turns the limit off.
	// A socket over the limit is closed with 1013 and has to rejoin.
	InboundRPS     float64  `envconfig:"INBOUND_RPS" default:"0"`
	InboundBurst   int      `envconfig:"INBOUND_BURST" default:"40"`
	OriginPatterns []string `envconfig:"ORIGIN_PATTERNS"`
	// EmptyGrace ends a session once everyone has been gone this long.
	EmptyGrace time.Duration `envconfig:"EMPTY_GRACE" default:"30s"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// Load reads .env when present, then LIVESYNC_* variables.
func Load() (Config, error) {
	_ = godotenv.Load(".env")

	var cfg Config
	if err := envconfig.Process("LIVESYNC", &cfg); err != nil {
		return Config{}, errors.Mark(errors.Wrap(err, "parse environment"), ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Addr) == "":
		return errors.Wrap(ErrInvalidConfig, "ADDR is empty")
	case c.OutboxSize <= 0:
		return errors.Wrapf(ErrInvalidConfig, "OUTBOX_SIZE must be positive, got %d", c.OutboxSize)
	case c.ReadLimit <= 0:
		return errors.Wrapf(ErrInvalidConfig, "READ_LIMIT must be positive, got %d", c.ReadLimit)
	case c.EmptyGrace <= 0:
		return errors.Wrapf(ErrInvalidConfig, "EMPTY_GRACE must be positive, got %s", c.EmptyGrace)
	case c.WriteTimeout <= 0:
		return errors.Wrapf(ErrInvalidConfig, "WRITE_TIMEOUT must be positive, got %s", c.WriteTimeout)
	case c.InboundRPS < 0 || c.InboundBurst < 0:
		return errors.Wrap(ErrInvalidConfig, "INBOUND_RPS and INBOUND_BURST must not be negative")
	case c.LogFormat != "json" && c.LogFormat != "console":
		return errors.Wrapf(ErrInvalidConfig, "LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	return nil
}
