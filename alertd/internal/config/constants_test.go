package config

import (
	"testing"

	"github.com/autointelli/alertd/alertd/internal/engine"
	"github.com/autointelli/alertd/alertd/internal/health"
	"github.com/autointelli/alertd/alertd/internal/license"
	"github.com/autointelli/alertd/alertd/internal/notify"
	"github.com/autointelli/alertd/alertd/internal/scheduler"
)

func TestCycleConstants(t *testing.T) {
	if MinCycleInterval >= DefaultCycleInterval {
		t.Errorf("MinCycleInterval (%v) should be less than DefaultCycleInterval (%v)",
			MinCycleInterval, DefaultCycleInterval)
	}
	if DefaultConcurrency < 1 || DefaultConcurrency > MaxConcurrency {
		t.Errorf("DefaultConcurrency %d outside [1, %d]", DefaultConcurrency, MaxConcurrency)
	}
	if DefaultLeaseTTL <= DefaultCycleInterval {
		t.Errorf("DefaultLeaseTTL (%v) should outlast a cycle interval (%v)",
			DefaultLeaseTTL, DefaultCycleInterval)
	}
}

// The package defaults must agree with the defaults of the components they feed.
func TestConstantsMatchComponents(t *testing.T) {
	if got := scheduler.DefaultConfig().Interval; got != DefaultCycleInterval {
		t.Errorf("scheduler default interval %v != %v", got, DefaultCycleInterval)
	}
	if got := engine.DefaultConfig().Concurrency; got != DefaultConcurrency {
		t.Errorf("engine default concurrency %d != %d", got, DefaultConcurrency)
	}
	if engine.CatalogTTL != CacheTTLRules {
		t.Errorf("engine.CatalogTTL %v != %v", engine.CatalogTTL, CacheTTLRules)
	}
	if license.UsageTTL != CacheTTLLicenseUsage {
		t.Errorf("license.UsageTTL %v != %v", license.UsageTTL, CacheTTLLicenseUsage)
	}
	if health.DefaultCacheTTL != CacheTTLProcessStats {
		t.Errorf("health.DefaultCacheTTL %v != %v", health.DefaultCacheTTL, CacheTTLProcessStats)
	}
	n := notify.DefaultConfig()
	if n.Workers != DefaultNotifyWorkers || n.QueueSize != DefaultNotifyQueueSize || n.SendTimeout != DefaultSendTimeout {
		t.Errorf("notify defaults %+v do not match package constants", n)
	}
}
