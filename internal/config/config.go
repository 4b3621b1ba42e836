// Package config loads the engine's runtime configuration from the
// environment via struct tags.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every environment-tunable setting.
type Config struct {
	SchedulerPollInterval time.Duration `env:"SCHEDULER_POLL_INTERVAL" envDefault:"30s"`
	SchedulerDispatchTick time.Duration `env:"SCHEDULER_DISPATCH_INTERVAL" envDefault:"1s"`
	SchedulerConcurrency  int           `env:"SCHEDULER_CONCURRENCY" envDefault:"5"`
	SchedulerCoalesce     bool          `env:"SCHEDULER_COALESCE" envDefault:"false"`
	SchedulerMaxInstances int           `env:"SCHEDULER_MAX_INSTANCES" envDefault:"5"`

	ReportingInterval time.Duration `env:"REPORTING_INTERVAL" envDefault:"30s"`

	IngestURL      string        `env:"INGEST_URL"`
	IngestInterval time.Duration `env:"INGEST_INTERVAL" envDefault:"30s"`
	IngestRate     float64       `env:"INGEST_RATE_PER_SECOND" envDefault:"50"`

	// StoragePath is the snapshot directory; the engine writes
	// tasks_snapshot.json inside it. Setting it empty while REDIS_ADDR is
	// configured stores the snapshot in Redis instead of a local file.
	StoragePath string `env:"STORAGE_PATH" envDefault:"task_storage"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	PostgresDSN string `env:"POSTGRES_DSN"`

	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load parses Config from the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// SnapshotFile is the full path of the snapshot document inside StoragePath.
func (c Config) SnapshotFile() string {
	return filepath.Join(c.StoragePath, "tasks_snapshot.json")
}

// UsesIngest reports whether the external task ingest loop should be wired.
func (c Config) UsesIngest() bool {
	return c.IngestURL != ""
}

// UsesRedis reports whether Redis-backed durable storage should be wired.
func (c Config) UsesRedis() bool {
	return c.RedisAddr != ""
}

// UsesPostgres reports whether the Postgres history archive should be wired.
func (c Config) UsesPostgres() bool {
	return c.PostgresDSN != ""
}
