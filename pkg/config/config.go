package config

import (
	"fmt"
	"os"
	"time"
)

// Source names accepted by feed.source
const (
	SourceMongo = "mongo"
	SourceRedis = "redis"
	SourceSQL   = "sql"
)

// Config represents the configuration of a change feed daemon
type Config struct {
	Feed    FeedConfig    `yaml:"feed"`
	Mongo   MongoConfig   `yaml:"mongo"`
	Redis   RedisConfig   `yaml:"redis"`
	SQL     SQLConfig     `yaml:"sql"`
	Gateway GatewayConfig `yaml:"gateway"`
	Relay   RelayConfig   `yaml:"relay"`
	Logging LoggingConfig `yaml:"logging"`
}

// FeedConfig controls the subscription manager
type FeedConfig struct {
	Name         string        `yaml:"name"`          // Label for logs and metrics
	Source       string        `yaml:"source"`        // mongo, redis, sql
	RetryDelay   time.Duration `yaml:"retry_delay"`   // Fixed wait before reconnecting (default: 1s)
	OpenTimeout  time.Duration `yaml:"open_timeout"`  // Bound on a single open (default: 10s)
	CloseTimeout time.Duration `yaml:"close_timeout"` // Bound on background closes (default: 5s)
	ResumeToken  string        `yaml:"resume_token"`  // Optional starting position, source-encoded
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Feed: FeedConfig{
			Name:         "default",
			Source:       SourceMongo,
			RetryDelay:   time.Second,
			OpenTimeout:  10 * time.Second,
			CloseTimeout: 5 * time.Second,
		},
		Mongo: MongoConfig{
			URI:          "mongodb://localhost:27017",
			FullDocument: "updateLookup",
			MaxAwaitTime: time.Second,
		},
		Redis: RedisConfig{
			Addr:  "localhost:6379",
			Block: 5 * time.Second,
			Count: 100,
		},
		SQL: SQLConfig{
			Driver:       "sqlite3",
			Table:        "outbox",
			PollInterval: 500 * time.Millisecond,
			BatchSize:    100,
		},
		Gateway: GatewayConfig{
			Enabled:        true,
			ListenAddr:     ":8080",
			ClientBuffer:   256,
			PingInterval:   30 * time.Second,
			WriteTimeout:   10 * time.Second,
			ConnsPerMinute: 60,
			ConnBurst:      20,
		},
		Relay: RelayConfig{
			Namespace: "changefeed",
			Topic:     "changes",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads a YAML file on top of DefaultConfig. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config %s: %w", path, err)
	}
	defer f.Close()

	if err := DecodeStrict(f, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
