package config

import "time"

// MongoConfig selects the watched MongoDB scope. An empty Collection watches
// the whole Database; an empty Database watches the deployment.
type MongoConfig struct {
	URI            string        `yaml:"uri"`
	Database       string        `yaml:"database"`
	Collection     string        `yaml:"collection"`
	FullDocument   string        `yaml:"full_document"`   // default, updateLookup, whenAvailable, required
	BatchSize      int32         `yaml:"batch_size"`      // 0 leaves the server default
	MaxAwaitTime   time.Duration `yaml:"max_await_time"`  // getMore wait on the server
	OperationTypes []string      `yaml:"operation_types"` // e.g. [insert, update]
}

// RedisConfig selects a Redis Stream to follow
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Stream   string        `yaml:"stream"`
	Block    time.Duration `yaml:"block"` // XREAD BLOCK duration
	Count    int64         `yaml:"count"` // Max entries per XREAD
}

// SQLConfig selects an outbox table to poll
type SQLConfig struct {
	Driver       string        `yaml:"driver"` // sqlite3, rqlite, pgx
	DSN          string        `yaml:"dsn"`
	Table        string        `yaml:"table"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	CreateSchema bool          `yaml:"create_schema"` // Create the outbox table on startup
}
