// Package types defines the core domain types shared across the alerting packages.
//
// # Design Principles
//
// 1. Simplicity: Types represent the domain model directly, no ORM abstractions
// 2. Serialization: All types are JSON-serializable for storage and the change bus
// 3. Immutability: Rules are read-only to the alert engine during a cycle
// 4. Validation: Types include Validate() methods for business rule enforcement
package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// MONITORING TYPES
// =============================================================================

// MonitoringType tags a rule with the kind of target it watches.
type MonitoringType string

const (
	MonitoringServer       MonitoringType = "server"
	MonitoringPort         MonitoringType = "port"
	MonitoringIDRAC        MonitoringType = "idrac"
	MonitoringILO          MonitoringType = "ilo"
	MonitoringPing         MonitoringType = "ping"
	MonitoringURL          MonitoringType = "url"
	MonitoringBandwidth    MonitoringType = "bandwidth"
	MonitoringServiceDown  MonitoringType = "service_down"
	MonitoringOracle       MonitoringType = "oracle"
	MonitoringDeviceUpDown MonitoringType = "device_updown"
	MonitoringFortigate    MonitoringType = "fortigate"
	MonitoringSNMP         MonitoringType = "snmp"
	MonitoringLink         MonitoringType = "link"
	MonitoringSQLServer    MonitoringType = "sqlserver"
)

// ParseMonitoringType normalizes a stored monitoring type string.
// The legacy "SNMP_Interface" tag maps to bandwidth.
func ParseMonitoringType(s string) MonitoringType {
	v := strings.TrimSpace(s)
	if strings.EqualFold(v, "SNMP_Interface") {
		return MonitoringBandwidth
	}
	return MonitoringType(strings.ToLower(v))
}

// =============================================================================
// RULE
// =============================================================================

// Rule is a configured alert condition bound to a tenant, a monitoring type,
// a logic tree and a contact group.
//
// Rules are created and edited externally; the alert engine only reads them.
type Rule struct {
	ID              int64          `json:"id"`
	CustomerID      int64          `json:"customer_id"`
	CustomerName    string         `json:"customer_name,omitempty"` // tenant label value in metric backends
	Name            string         `json:"name"`
	MonitoringType  MonitoringType `json:"monitoring_type"`
	Logic           LogicNode      `json:"logic_json"`
	EvaluationCount int            `json:"evaluation_count"`
	ContactGroupID  *int64         `json:"contact_group_id,omitempty"`
	Enabled         bool           `json:"is_enabled"`

	// Type-specific target selectors. Empty means "all targets of the tenant".
	BandwidthHost    string `json:"bw_hostname,omitempty"`
	BandwidthIface   string `json:"bw_interface,omitempty"`
	ServiceInstance  string `json:"svc_instance,omitempty"`
	OracleMonitorID  *int64 `json:"oracle_monitor_id,omitempty"`
	OracleTablespace string `json:"oracle_tablespace,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Threshold returns the consecutive-match count required to trigger.
// Values below 1 are treated as 1.
func (r *Rule) Threshold() int {
	if r.EvaluationCount < 1 {
		return 1
	}
	return r.EvaluationCount
}

// StateKey identifies the persisted state row owned by the rule.
func (r *Rule) StateKey() string {
	return strconv.FormatInt(r.CustomerID, 10) + "/" + strconv.FormatInt(r.ID, 10)
}

// Validate checks rule invariants that the engine relies on.
func (r *Rule) Validate() error {
	if r.ID <= 0 {
		return fmt.Errorf("rule id is required")
	}
	if r.MonitoringType == "" {
		return fmt.Errorf("rule %d: monitoring type is required", r.ID)
	}
	if r.EvaluationCount < 0 || r.EvaluationCount > 10 {
		return fmt.Errorf("rule %d: evaluation count must be between 1 and 10", r.ID)
	}
	return nil
}

// RuleFilter narrows the rule catalog for a cycle.
// Zero values match everything.
type RuleFilter struct {
	Types      []MonitoringType `json:"types,omitempty"`
	CustomerID *int64           `json:"customer_id,omitempty"`
}

// Matches reports whether a rule passes the filter.
func (f RuleFilter) Matches(r *Rule) bool {
	if f.CustomerID != nil && r.CustomerID != *f.CustomerID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == r.MonitoringType {
			return true
		}
	}
	return false
}

// CacheKey renders the filter as a stable cache key suffix.
func (f RuleFilter) CacheKey() string {
	var b strings.Builder
	b.WriteString("all")
	if f.CustomerID != nil {
		b.WriteString(":c")
		b.WriteString(strconv.FormatInt(*f.CustomerID, 10))
	}
	for _, t := range f.Types {
		b.WriteString(":")
		b.WriteString(string(t))
	}
	return b.String()
}

// =============================================================================
// TARGET
// =============================================================================

// Target is one monitored endpoint belonging to a tenant: a ping host,
// a URL, a host:port pair or a device name.
type Target struct {
	ID             int64          `json:"id"`
	CustomerID     int64          `json:"customer_id"`
	MonitoringType MonitoringType `json:"monitoring_type"`
	Name           string         `json:"name,omitempty"`
	Host           string         `json:"host"`
	Port           int            `json:"port,omitempty"`
	URL            string         `json:"url,omitempty"`
	Source         string         `json:"source,omitempty"` // device_updown: snmp, server, idrac, ilo
	Enabled        bool           `json:"is_enabled"`
}

// Address returns host:port for port targets and the host otherwise.
func (t *Target) Address() string {
	if t.Port > 0 {
		return t.Host + ":" + strconv.Itoa(t.Port)
	}
	return t.Host
}
