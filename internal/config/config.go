// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"25"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"simple_protocol"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"30"`

	// ── Worker ───────────────────────────────────────────────────────────────────
	// WorkerTags is the capability list of this worker process. A work item is
	// claimable only when all of its tags appear here.
	WorkerTags         []string      `env:"WORKER_TAGS"           envSeparator:","`
	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL"  envDefault:"2s"`
	// WorkerMaxJobs stops the worker after N executed jobs; 0 means unlimited.
	WorkerMaxJobs int `env:"WORKER_MAX_JOBS" envDefault:"0"`
	// WorkerMaxRuntime stops the worker after the wall-clock duration; 0 means no limit.
	WorkerMaxRuntime time.Duration `env:"WORKER_MAX_RUNTIME" envDefault:"0"`
	// WorkerCloseOnEmpty shuts the worker down once no matching pending or
	// running work remains, instead of idling forever.
	WorkerCloseOnEmpty bool `env:"WORKER_CLOSE_ON_EMPTY" envDefault:"false"`

	// ── Client ───────────────────────────────────────────────────────────────────
	// ResultPollInterval is the default sleep between status polls while
	// blocking on a result. Larger values trade latency for database load.
	ResultPollInterval time.Duration `env:"RESULT_POLL_INTERVAL" envDefault:"5s"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
