// Package config handles alertd configuration loading and validation.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (ALERTD_*)
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	database:
//	  url: postgres://alertd@localhost:5432/opsduty
//
//	scheduler:
//	  interval: 60s
//	  concurrency: 4
//
//	prometheus:
//	  url: http://prometheus:9090
//
//	influx:
//	  url: http://influx:8086/query
//	  database: autointelli
//
//	fortigate:
//	  database: fortigate
//
//	redis:
//	  url: redis://localhost:6379/0
//
//	secrets:
//	  backend: auto
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ALERTD_"

// Config is the complete alertd configuration.
type Config struct {
	Database   DatabaseConfig  `yaml:"database"`
	Scheduler  SchedulerConfig `yaml:"scheduler"`
	Prometheus MetricsConfig   `yaml:"prometheus"`
	Influx     MetricsConfig   `yaml:"influx"`
	Fortigate  MetricsConfig   `yaml:"fortigate"`
	Redis      RedisConfig     `yaml:"redis"`
	NATS       NATSConfig      `yaml:"nats"`
	Notify     NotifyConfig    `yaml:"notify"`
	Handlers   HandlersConfig  `yaml:"handlers"`
	Secrets    SecretsConfig   `yaml:"secrets"`
}

// DatabaseConfig defines the PostgreSQL connection.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// SchedulerConfig defines cycle timing.
type SchedulerConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`

	// Types restricts the monitoring types evaluated. Empty means all.
	Types []string `yaml:"types,omitempty"`

	// Lease enables the Redis cycle lease for multi-instance deployments.
	Lease    bool          `yaml:"lease"`
	LeaseTTL time.Duration `yaml:"lease_ttl,omitempty"`
}

// MetricsConfig defines a metrics backend. The fortigate backend inherits the
// influx URL and credentials when its own URL is empty.
type MetricsConfig struct {
	URL       string        `yaml:"url"`
	Database  string        `yaml:"database,omitempty"` // Influx only
	Username  string        `yaml:"username,omitempty"`
	Password  string        `yaml:"password,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
	RateLimit int           `yaml:"rate_limit,omitempty"` // requests per minute
}

// RedisConfig defines the shared cache. An empty URL uses the in-process cache.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// NATSConfig defines the change bus. An empty URL disables it.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// NotifyConfig defines notification delivery.
type NotifyConfig struct {
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queue_size"`
	SendTimeout time.Duration `yaml:"send_timeout"`

	// HTML sends the rendered HTML body. Otherwise a plain-text rendering is sent.
	HTML bool `yaml:"html"`

	// DryRun logs notifications instead of sending them.
	DryRun bool `yaml:"dry_run"`
}

// HandlersConfig tunes rule handlers.
type HandlersConfig struct {
	// TenantLabel is the Prometheus label carrying the tenant name.
	TenantLabel string `yaml:"tenant_label"`

	// StaleSeconds is the last-seen age after which a device is DOWN.
	StaleSeconds int `yaml:"stale_seconds"`
}

// SecretsConfig selects the secrets backend.
type SecretsConfig struct {
	// Backend is one of "env", "file", "1password" or "auto".
	Backend string `yaml:"backend"`

	// Dir holds one file per secret for the file backend.
	Dir string `yaml:"dir,omitempty"`

	OnePassword OnePasswordConfig `yaml:"onepassword"`
}

// OnePasswordConfig defines the 1Password Connect server.
type OnePasswordConfig struct {
	Host    string `yaml:"host,omitempty"`
	Token   string `yaml:"token,omitempty"`
	VaultID string `yaml:"vault_id,omitempty"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			Interval:    DefaultCycleInterval,
			Concurrency: DefaultConcurrency,
			LeaseTTL:    DefaultLeaseTTL,
		},
		Prometheus: MetricsConfig{
			Timeout:   DefaultQueryTimeout,
			RateLimit: DefaultQueryRateLimit,
		},
		Influx: MetricsConfig{
			Timeout:   DefaultQueryTimeout,
			RateLimit: DefaultQueryRateLimit,
		},
		Fortigate: MetricsConfig{
			Database:  DefaultFortigateDatabase,
			Timeout:   DefaultQueryTimeout,
			RateLimit: DefaultQueryRateLimit,
		},
		Notify: NotifyConfig{
			Workers:     DefaultNotifyWorkers,
			QueueSize:   DefaultNotifyQueueSize,
			SendTimeout: DefaultSendTimeout,
			HTML:        true,
		},
		Handlers: HandlersConfig{
			TenantLabel:  DefaultTenantLabel,
			StaleSeconds: DefaultStaleSeconds,
		},
		Secrets: SecretsConfig{
			Backend: "auto",
		},
	}
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Load reads path when set, applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and sane.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Scheduler.Interval < MinCycleInterval {
		return fmt.Errorf("scheduler.interval must be at least %v", MinCycleInterval)
	}
	if c.Scheduler.Concurrency < 1 || c.Scheduler.Concurrency > MaxConcurrency {
		return fmt.Errorf("scheduler.concurrency must be between 1 and %d", MaxConcurrency)
	}
	if c.Notify.Workers < 1 {
		return fmt.Errorf("notify.workers must be at least 1")
	}
	if c.Notify.QueueSize < 1 {
		return fmt.Errorf("notify.queue_size must be at least 1")
	}
	if c.Influx.URL != "" && c.Influx.Database == "" {
		return fmt.Errorf("influx.database is required when influx.url is set")
	}
	switch c.Secrets.Backend {
	case "", "auto", "env", "1password":
	case "file":
		if c.Secrets.Dir == "" {
			return fmt.Errorf("secrets.dir is required for the file backend")
		}
	default:
		return fmt.Errorf("unknown secrets backend: %s", c.Secrets.Backend)
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use the ALERTD_ prefix:
// - ALERTD_DATABASE_URL
// - ALERTD_SCHEDULER_INTERVAL (duration, e.g. "30s")
// - ALERTD_SCHEDULER_CONCURRENCY
// - ALERTD_SCHEDULER_TYPES (comma separated)
// - ALERTD_PROMETHEUS_URL, ALERTD_PROMETHEUS_USERNAME, ALERTD_PROMETHEUS_PASSWORD
// - ALERTD_INFLUX_URL, ALERTD_INFLUX_DATABASE, ALERTD_INFLUX_USERNAME, ALERTD_INFLUX_PASSWORD
// - ALERTD_FORTIGATE_URL, ALERTD_FORTIGATE_DATABASE
// - ALERTD_REDIS_URL
// - ALERTD_NATS_URL
// - ALERTD_NOTIFY_DRY_RUN (bool)
// - ALERTD_SECRETS_BACKEND, ALERTD_SECRETS_DIR
// - OP_CONNECT_HOST, OP_CONNECT_TOKEN, OP_VAULT_ID
func (c *Config) ApplyEnvOverrides() error {
	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	str("DATABASE_URL", &c.Database.URL)
	str("PROMETHEUS_URL", &c.Prometheus.URL)
	str("PROMETHEUS_USERNAME", &c.Prometheus.Username)
	str("PROMETHEUS_PASSWORD", &c.Prometheus.Password)
	str("INFLUX_URL", &c.Influx.URL)
	str("INFLUX_DATABASE", &c.Influx.Database)
	str("INFLUX_USERNAME", &c.Influx.Username)
	str("INFLUX_PASSWORD", &c.Influx.Password)
	str("FORTIGATE_URL", &c.Fortigate.URL)
	str("FORTIGATE_DATABASE", &c.Fortigate.Database)
	str("REDIS_URL", &c.Redis.URL)
	str("NATS_URL", &c.NATS.URL)
	str("SECRETS_BACKEND", &c.Secrets.Backend)
	str("SECRETS_DIR", &c.Secrets.Dir)

	if v := os.Getenv("OP_CONNECT_HOST"); v != "" {
		c.Secrets.OnePassword.Host = v
	}
	if v := os.Getenv("OP_CONNECT_TOKEN"); v != "" {
		c.Secrets.OnePassword.Token = v
	}
	if v := os.Getenv("OP_VAULT_ID"); v != "" {
		c.Secrets.OnePassword.VaultID = v
	}

	if v := os.Getenv(EnvPrefix + "SCHEDULER_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parsing %sSCHEDULER_INTERVAL: %w", EnvPrefix, err)
		}
		c.Scheduler.Interval = d
	}
	if v := os.Getenv(EnvPrefix + "SCHEDULER_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing %sSCHEDULER_CONCURRENCY: %w", EnvPrefix, err)
		}
		c.Scheduler.Concurrency = n
	}
	if v := os.Getenv(EnvPrefix + "SCHEDULER_TYPES"); v != "" {
		c.Scheduler.Types = nil
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				c.Scheduler.Types = append(c.Scheduler.Types, t)
			}
		}
	}
	if v := os.Getenv(EnvPrefix + "NOTIFY_DRY_RUN"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parsing %sNOTIFY_DRY_RUN: %w", EnvPrefix, err)
		}
		c.Notify.DryRun = b
	}
	return nil
}
