package config

import "time"

// Cycle timing.
const (
	// DefaultCycleInterval is the time between alert cycle starts.
	DefaultCycleInterval = 60 * time.Second

	// MinCycleInterval guards the metrics backends against a tight loop.
	MinCycleInterval = 5 * time.Second

	// DefaultConcurrency evaluates rules sequentially.
	DefaultConcurrency = 1

	// MaxConcurrency caps parallel rule evaluation.
	MaxConcurrency = 64

	// DefaultLeaseTTL bounds how long a crashed instance holds the cycle lease.
	DefaultLeaseTTL = 5 * time.Minute
)

// Metrics backends.
const (
	// DefaultQueryTimeout bounds one Prometheus or Influx query.
	DefaultQueryTimeout = 10 * time.Second

	// DefaultQueryRateLimit is requests per minute per backend.
	DefaultQueryRateLimit = 600

	// DefaultFortigateDatabase is the InfluxDB database of firewall metrics.
	DefaultFortigateDatabase = "fortigate"
)

// Notification delivery.
const (
	DefaultNotifyWorkers   = 4
	DefaultNotifyQueueSize = 256
	DefaultSendTimeout     = 30 * time.Second
)

// Handlers.
const (
	// DefaultTenantLabel is the Prometheus label carrying the tenant name.
	DefaultTenantLabel = "CustomerName"

	// DefaultStaleSeconds is the last-seen age after which a device is DOWN.
	DefaultStaleSeconds = 300
)

// Cache TTLs.
const (
	// CacheTTLRules is the TTL of cached rule lists.
	CacheTTLRules = 30 * time.Second

	// CacheTTLLicenseUsage is the TTL of cached monitor counts.
	CacheTTLLicenseUsage = 60 * time.Second

	// CacheTTLProcessStats is the TTL of sampled process stats.
	CacheTTLProcessStats = 10 * time.Second
)

// Config file watching.
const (
	// WatchDebounce coalesces the burst of events an editor save produces.
	WatchDebounce = 250 * time.Millisecond
)
