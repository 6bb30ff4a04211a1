package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the server settings read from the environment at startup.
type Config struct {
	Port   string `env:"PORT"             envDefault:"8080"`
	DBPath string `env:"CODEROOM_DB_PATH" envDefault:"./data/coderoom.db"`

	ExecutorURL   string `env:"CODEROOM_EXECUTOR_URL"   envDefault:"http://localhost:2358"`
	ExecutorToken string `env:"CODEROOM_EXECUTOR_TOKEN"`
	// Zero leaves the executor call unbounded.
	ExecTimeout time.Duration `env:"CODEROOM_EXEC_TIMEOUT" envDefault:"0s"`

	MessagesPerSecond float64 `env:"CODEROOM_MESSAGES_PER_SECOND" envDefault:"100"`
	MessageBurst      int     `env:"CODEROOM_MESSAGE_BURST"       envDefault:"200"`
	ConnectsPerSecond float64 `env:"CODEROOM_CONNECTS_PER_SECOND" envDefault:"5"`
	ConnectBurst      int     `env:"CODEROOM_CONNECT_BURST"       envDefault:"20"`

	HistoryRetention  time.Duration `env:"CODEROOM_HISTORY_RETENTION"  envDefault:"168h"`
	RetentionInterval time.Duration `env:"CODEROOM_RETENTION_INTERVAL" envDefault:"1h"`
	// Rooms created but never joined are dropped after this long.
	UnjoinedRoomGrace time.Duration `env:"CODEROOM_UNJOINED_ROOM_GRACE" envDefault:"10m"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.MessageBurst < 1 {
		return Config{}, fmt.Errorf("CODEROOM_MESSAGE_BURST must be positive, got %d", cfg.MessageBurst)
	}
	if cfg.ConnectBurst < 1 {
		return Config{}, fmt.Errorf("CODEROOM_CONNECT_BURST must be positive, got %d", cfg.ConnectBurst)
	}
	if cfg.ExecTimeout < 0 {
		return Config{}, fmt.Errorf("CODEROOM_EXEC_TIMEOUT must not be negative")
	}
	if cfg.RetentionInterval <= 0 {
		return Config{}, fmt.Errorf("CODEROOM_RETENTION_INTERVAL must be positive, got %v", cfg.RetentionInterval)
	}
	return cfg, nil
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return ":" + c.Port
}
