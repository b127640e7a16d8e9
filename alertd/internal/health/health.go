// Package health reports resource usage of the alertd process.
package health

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// DefaultCacheTTL is how long a sample is reused.
const DefaultCacheTTL = 10 * time.Second

// ProcessStats is a point-in-time view of the process.
type ProcessStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	RSSBytes      uint64  `json:"rss_bytes"`
	MemoryPercent float64 `json:"memory_percent"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// LogAttrs renders the stats as slog key-value pairs.
func (s ProcessStats) LogAttrs() []any {
	return []any{
		"cpu_percent", s.CPUPercent,
		"rss_mb", float64(s.RSSBytes) / (1024 * 1024),
		"mem_percent", s.MemoryPercent,
		"goroutines", s.Goroutines,
		"uptime_s", s.UptimeSeconds,
	}
}

// Collector samples process stats with caching.
type Collector struct {
	proc      *process.Process
	startTime time.Time
	ttl       time.Duration
	now       func() time.Time

	mu     sync.Mutex
	cached *ProcessStats
	expiry time.Time
}

// NewCollector creates a collector for the current process. A ttl of zero
// uses DefaultCacheTTL.
func NewCollector(ttl time.Duration) *Collector {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c := &Collector{
		startTime: time.Now(),
		ttl:       ttl,
		now:       time.Now,
	}
	// Without a handle only the runtime fields are reported.
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		c.proc = p
	}
	return c
}

// Process returns the current stats, reusing a sample younger than the TTL.
func (c *Collector) Process() ProcessStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.cached != nil && now.Before(c.expiry) {
		return *c.cached
	}

	stats := c.sample(now)
	c.cached = &stats
	c.expiry = now.Add(c.ttl)
	return stats
}

func (c *Collector) sample(now time.Time) ProcessStats {
	stats := ProcessStats{
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(now.Sub(c.startTime).Seconds()),
	}
	if c.proc == nil {
		return stats
	}
	if cpu, err := c.proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := c.proc.MemoryInfo(); err == nil {
		stats.RSSBytes = mem.RSS
	}
	if pct, err := c.proc.MemoryPercent(); err == nil {
		stats.MemoryPercent = float64(pct)
	}
	return stats
}
