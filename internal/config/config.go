// Package config loads controller, worker and CLI settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Job runtimes.
const (
	RuntimeExec   = "exec"
	RuntimeDocker = "docker"
)

// Config holds all configuration values for the application.
type Config struct {
	// Store selects the backend: postgres or memory.
	Store       string
	DatabaseURL string

	HTTPPort int
	LogLevel string

	// Per-client request budget on mutating routes.
	RateLimit      float64
	RateLimitBurst int

	// URL of the controller as seen by workers and the CLI.
	ControllerURL string

	// Shared bearer token for /internal routes; they are open when empty.
	InternalSecret string

	WorkerConcurrency       int
	WorkerPollInterval      time.Duration
	WorkerMaxBackoff        time.Duration
	WorkerLeaseDuration     time.Duration
	WorkerHeartbeatInterval time.Duration
	WorkerJobTimeout        time.Duration

	Runtime        string
	RuntimeWorkDir string

	// OTLP/gRPC collector address; tracing is disabled when empty.
	OTELEndpoint string
}

// envBindings maps config keys to the environment variables that override them.
var envBindings = map[string]string{
	"store":                     "STORE",
	"database_url":              "DATABASE_URL",
	"http_port":                 "PORT",
	"log_level":                 "LOG_LEVEL",
	"rate_limit":                "RATE_LIMIT",
	"rate_limit_burst":          "RATE_LIMIT_BURST",
	"controller_url":            "CONTROLLER_URL",
	"internal_secret":           "INTERNAL_SECRET",
	"worker_concurrency":        "WORKER_CONCURRENCY",
	"worker_poll_interval":      "WORKER_POLL_INTERVAL",
	"worker_max_backoff":        "WORKER_MAX_BACKOFF",
	"worker_lease_duration":     "WORKER_LEASE_DURATION",
	"worker_heartbeat_interval": "WORKER_HEARTBEAT_INTERVAL",
	"worker_job_timeout":        "WORKER_JOB_TIMEOUT",
	"runtime":                   "RUNTIME",
	"runtime_workdir":           "RUNTIME_WORKDIR",
	"otel_endpoint":             "OTEL_EXPORTER_OTLP_ENDPOINT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store", StorePostgres)
	v.SetDefault("http_port", 6161)
	v.SetDefault("log_level", "info")
	v.SetDefault("rate_limit", 20.0)
	v.SetDefault("rate_limit_burst", 40)
	v.SetDefault("controller_url", "http://localhost:6161")
	v.SetDefault("internal_secret", "")
	v.SetDefault("worker_concurrency", 1)
	v.SetDefault("worker_poll_interval", time.Second)
	v.SetDefault("worker_max_backoff", 30*time.Second)
	v.SetDefault("worker_lease_duration", 2*time.Minute)
	v.SetDefault("worker_heartbeat_interval", 30*time.Second)
	v.SetDefault("worker_job_timeout", 30*time.Minute)
	v.SetDefault("runtime", RuntimeExec)
	v.SetDefault("runtime_workdir", "")
	v.SetDefault("otel_endpoint", "")
}

// Load reads configuration. An explicit path must exist; with an empty path
// ./taskqueue.yaml is used when present. Environment variables win over the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("taskqueue")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	cfg := &Config{
		Store:                   v.GetString("store"),
		DatabaseURL:             v.GetString("database_url"),
		HTTPPort:                v.GetInt("http_port"),
		LogLevel:                v.GetString("log_level"),
		RateLimit:               v.GetFloat64("rate_limit"),
		RateLimitBurst:          v.GetInt("rate_limit_burst"),
		ControllerURL:           v.GetString("controller_url"),
		InternalSecret:          v.GetString("internal_secret"),
		WorkerConcurrency:       v.GetInt("worker_concurrency"),
		WorkerPollInterval:      v.GetDuration("worker_poll_interval"),
		WorkerMaxBackoff:        v.GetDuration("worker_max_backoff"),
		WorkerLeaseDuration:     v.GetDuration("worker_lease_duration"),
		WorkerHeartbeatInterval: v.GetDuration("worker_heartbeat_interval"),
		WorkerJobTimeout:        v.GetDuration("worker_job_timeout"),
		Runtime:                 v.GetString("runtime"),
		RuntimeWorkDir:          v.GetString("runtime_workdir"),
		OTELEndpoint:            v.GetString("otel_endpoint"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store {
	case StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("invalid store %q: must be %q or %q", c.Store, StorePostgres, StoreMemory)
	}
	switch c.Runtime {
	case RuntimeExec, RuntimeDocker:
	default:
		return fmt.Errorf("invalid runtime %q: must be %q or %q", c.Runtime, RuntimeExec, RuntimeDocker)
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port %d", c.HTTPPort)
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("worker_concurrency must be at least 1, got %d", c.WorkerConcurrency)
	}
	if c.RateLimit <= 0 || c.RateLimitBurst < 1 {
		return fmt.Errorf("rate_limit and rate_limit_burst must be positive")
	}
	if c.WorkerHeartbeatInterval <= 0 || c.WorkerHeartbeatInterval >= c.WorkerLeaseDuration {
		return fmt.Errorf("worker_heartbeat_interval (%v) must be positive and shorter than worker_lease_duration (%v)",
			c.WorkerHeartbeatInterval, c.WorkerLeaseDuration)
	}
	return nil
}

// ValidateStore checks the settings the controller needs to open its store.
func (c *Config) ValidateStore() error {
	if c.Store == StorePostgres && c.DatabaseURL == "" {
		return errors.New("database_url is required (env: DATABASE_URL)")
	}
	return nil
}
