// Package license decides whether a tenant may add monitors of a given type.
//
// The gate is consulted when monitors are configured. The alert cycle never
// calls it, so an expired license stops growth without silencing alerts.
package license

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/autointelli/alertd/alertd/internal/cache"
	"github.com/autointelli/alertd/pkg/types"
)

// UsageTTL is how long monitor counts are served from cache.
const UsageTTL = 60 * time.Second

// Store provides license inputs.
type Store interface {
	GetLicense(ctx context.Context, customerID int64) (*types.License, error)
	CountMonitors(ctx context.Context, customerID int64) (map[types.MonitoringType]int, error)
}

// Status is re-exported for callers that only import this package.
type Status = types.LicenseStatus

// Decision is the answer to CanAddMonitor.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	Status  Status `json:"status"`
}

// Snapshot is the full license view of a tenant.
type Snapshot struct {
	Status     Status                        `json:"status"`
	LicenseID  int64                         `json:"license_id,omitempty"`
	CustomerID int64                         `json:"customer_id"`
	Limits     map[types.MonitoringType]int  `json:"limits"`
	Usage      map[types.MonitoringType]int  `json:"usage"`
	Remaining  map[types.MonitoringType]*int `json:"remaining"` // nil when unlicensed
	ExpiresAt  *time.Time                    `json:"expires_at,omitempty"`
	GraceUntil *time.Time                    `json:"grace_until,omitempty"`
}

// Gate evaluates license limits.
type Gate struct {
	store  Store
	cache  cache.Cache
	logger *slog.Logger
	now    func() time.Time
}

// NewGate creates a gate. Usage counts are cached in c.
func NewGate(store Store, c cache.Cache, logger *slog.Logger) *Gate {
	return &Gate{
		store:  store,
		cache:  c,
		logger: logger.With("component", "license"),
		now:    time.Now,
	}
}

func usageKey(customerID int64) string {
	return "license:" + strconv.FormatInt(customerID, 10) + ":usage"
}

// Usage returns the tenant's monitor counts, cached for UsageTTL.
func (g *Gate) Usage(ctx context.Context, customerID int64) (map[types.MonitoringType]int, error) {
	return cache.Cached(ctx, g.cache, g.logger, usageKey(customerID), UsageTTL, func(ctx context.Context) (map[types.MonitoringType]int, error) {
		return g.store.CountMonitors(ctx, customerID)
	})
}

// Invalidate drops the cached usage of a tenant.
func (g *Gate) Invalidate(ctx context.Context, customerID int64) error {
	return g.cache.Invalidate(ctx, usageKey(customerID))
}

// Snapshot assembles status, limits, usage and remaining capacity.
func (g *Gate) Snapshot(ctx context.Context, customerID int64) (*Snapshot, error) {
	lic, err := g.store.GetLicense(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("loading license: %w", err)
	}
	usage, err := g.Usage(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("loading usage: %w", err)
	}
	if usage == nil {
		usage = map[types.MonitoringType]int{}
	}

	snap := &Snapshot{
		Status:     lic.StatusAt(g.now()),
		CustomerID: customerID,
		Limits:     map[types.MonitoringType]int{},
		Usage:      usage,
		Remaining:  make(map[types.MonitoringType]*int, len(types.LicensedMonitoringTypes)),
	}
	if lic != nil {
		snap.LicenseID = lic.ID
		if lic.Limits != nil {
			snap.Limits = lic.Limits
		}
		if lic.ExpiresAt != nil {
			exp := *lic.ExpiresAt
			grace := exp.AddDate(0, 0, lic.GraceDays)
			snap.ExpiresAt = &exp
			snap.GraceUntil = &grace
		}
	}
	for _, mt := range types.LicensedMonitoringTypes {
		limit, ok := snap.Limits[mt]
		if !ok {
			snap.Remaining[mt] = nil
			continue
		}
		left := max(0, limit-usage[mt])
		snap.Remaining[mt] = &left
	}
	return snap, nil
}

// CanAddMonitor checks whether delta more monitors of type mt fit the tenant's
// license. A delta below one counts as one.
func (g *Gate) CanAddMonitor(ctx context.Context, customerID int64, mt types.MonitoringType, delta int) (Decision, error) {
	if delta <= 0 {
		delta = 1
	}
	snap, err := g.Snapshot(ctx, customerID)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Status: snap.Status}
	switch snap.Status {
	case types.LicenseMissing, types.LicenseExpired:
		d.Reason = "License expired or missing."
		return d, nil
	}

	limit, ok := snap.Limits[mt]
	if !ok {
		d.Reason = fmt.Sprintf("No license for monitoring type '%s'.", mt)
		return d, nil
	}
	if snap.Usage[mt]+delta > limit {
		d.Reason = fmt.Sprintf("License limit exceeded for '%s'.", mt)
		g.logger.Info("license limit reached",
			"customer_id", customerID,
			"monitoring_type", mt,
			"usage", snap.Usage[mt],
			"limit", limit,
		)
		return d, nil
	}

	d.Allowed = true
	if snap.Status == types.LicenseGrace {
		d.Reason = "License in grace period."
	} else {
		d.Reason = "License OK."
	}
	return d, nil
}
