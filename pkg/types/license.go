package types

import "time"

// =============================================================================
// LICENSING
// =============================================================================

// LicensedMonitoringTypes are the monitoring types a license can grant.
var LicensedMonitoringTypes = []MonitoringType{
	MonitoringServer,
	MonitoringSNMP,
	MonitoringIDRAC,
	MonitoringILO,
	MonitoringPing,
	MonitoringPort,
	MonitoringURL,
	MonitoringLink,
	MonitoringSQLServer,
	MonitoringOracle,
}

// LicenseStatus is the lifecycle state of a tenant license.
type LicenseStatus string

const (
	LicenseMissing LicenseStatus = "missing"
	LicenseActive  LicenseStatus = "active"
	LicenseGrace   LicenseStatus = "grace"
	LicenseExpired LicenseStatus = "expired"
)

// License is a tenant's entitlement: per-type monitor limits plus an expiry.
type License struct {
	ID         int64                  `json:"id"`
	CustomerID int64                  `json:"customer_id"`
	ExpiresAt  *time.Time             `json:"expires_at,omitempty"` // nil never expires
	GraceDays  int                    `json:"grace_days"`
	Limits     map[MonitoringType]int `json:"limits"`
}

// StatusAt computes the license status at the given time.
func (l *License) StatusAt(now time.Time) LicenseStatus {
	if l == nil {
		return LicenseMissing
	}
	if l.ExpiresAt == nil || !now.After(*l.ExpiresAt) {
		return LicenseActive
	}
	graceEnd := l.ExpiresAt.AddDate(0, 0, l.GraceDays)
	if l.GraceDays > 0 && !now.After(graceEnd) {
		return LicenseGrace
	}
	return LicenseExpired
}
