// Package testutil provides testing utilities and fixtures for alertd.
//
// This package contains:
//   - Test helper functions (loggers, clocks, pointers)
//   - Fixture factories for domain types (rules, targets, licenses, SMTP)
//
// # Usage
//
// Fixtures use functional options for customization:
//
//	rule := testutil.FixtureRule()
//	rule := testutil.FixtureRule(func(r *types.Rule) {
//		r.Name = "Packet loss"
//		r.EvaluationCount = 3
//	})
package testutil

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/autointelli/alertd/pkg/types"
)

// NewTestLogger returns a logger that discards all output.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

// Clock is a settable time source for resolvers and handlers.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at t.
func NewClock(t time.Time) *Clock { return &Clock{now: t} }

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var nextID atomic.Int64

// NextID returns a process-unique positive id.
func NextID() int64 { return nextID.Add(1) }

// =============================================================================
// RULE FIXTURES
// =============================================================================

// FixtureRule creates an enabled ping rule with sensible defaults.
// Use overrides to customize specific fields.
func FixtureRule(overrides ...func(*types.Rule)) *types.Rule {
	now := time.Now()
	rule := &types.Rule{
		ID:              NextID(),
		CustomerID:      1,
		CustomerName:    "Acme",
		Name:            "Packet loss",
		MonitoringType:  types.MonitoringPing,
		Logic:           types.Cond("packet_loss", ">=", 100),
		EvaluationCount: 1,
		ContactGroupID:  Ptr(int64(1)),
		Enabled:         true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	for _, override := range overrides {
		override(rule)
	}

	return rule
}

// FixtureServerRule creates a server CPU rule.
func FixtureServerRule(overrides ...func(*types.Rule)) *types.Rule {
	return FixtureRule(append([]func(*types.Rule){
		func(r *types.Rule) {
			r.Name = "CPU High"
			r.MonitoringType = types.MonitoringServer
			r.Logic = types.Cond("cpu_usage", ">", 90)
		},
	}, overrides...)...)
}

// FixtureDeviceRule creates a device up/down rule with the default logic.
func FixtureDeviceRule(overrides ...func(*types.Rule)) *types.Rule {
	return FixtureRule(append([]func(*types.Rule){
		func(r *types.Rule) {
			r.Name = "Device down"
			r.MonitoringType = types.MonitoringDeviceUpDown
			r.Logic = types.LogicNode{}
		},
	}, overrides...)...)
}

// =============================================================================
// TARGET FIXTURES
// =============================================================================

// FixtureTarget creates an enabled ping target.
func FixtureTarget(overrides ...func(*types.Target)) *types.Target {
	target := &types.Target{
		ID:             NextID(),
		CustomerID:     1,
		MonitoringType: types.MonitoringPing,
		Name:           "core-router",
		Host:           "192.168.1.1",
		Enabled:        true,
	}

	for _, override := range overrides {
		override(target)
	}

	return target
}

// FixturePortTarget creates a host:port target.
func FixturePortTarget(port int, overrides ...func(*types.Target)) *types.Target {
	return FixtureTarget(append([]func(*types.Target){
		func(t *types.Target) {
			t.MonitoringType = types.MonitoringPort
			t.Port = port
		},
	}, overrides...)...)
}

// FixtureURLTarget creates a URL target.
func FixtureURLTarget(url string, overrides ...func(*types.Target)) *types.Target {
	return FixtureTarget(append([]func(*types.Target){
		func(t *types.Target) {
			t.MonitoringType = types.MonitoringURL
			t.URL = url
			t.Name = "website"
		},
	}, overrides...)...)
}

// =============================================================================
// LICENSE FIXTURES
// =============================================================================

// FixtureLicense creates a license valid for 30 more days with room for ten
// monitors of each licensed type.
func FixtureLicense(overrides ...func(*types.License)) *types.License {
	limits := make(map[types.MonitoringType]int, len(types.LicensedMonitoringTypes))
	for _, mt := range types.LicensedMonitoringTypes {
		limits[mt] = 10
	}
	lic := &types.License{
		ID:         NextID(),
		CustomerID: 1,
		ExpiresAt:  Ptr(time.Now().AddDate(0, 0, 30)),
		GraceDays:  7,
		Limits:     limits,
	}

	for _, override := range overrides {
		override(lic)
	}

	return lic
}

// FixtureLicenseInGrace creates a license that expired two days ago.
func FixtureLicenseInGrace(overrides ...func(*types.License)) *types.License {
	return FixtureLicense(append([]func(*types.License){
		func(l *types.License) {
			l.ExpiresAt = Ptr(time.Now().AddDate(0, 0, -2))
		},
	}, overrides...)...)
}

// FixtureLicenseExpired creates a license past its grace period.
func FixtureLicenseExpired(overrides ...func(*types.License)) *types.License {
	return FixtureLicense(append([]func(*types.License){
		func(l *types.License) {
			l.ExpiresAt = Ptr(time.Now().AddDate(0, 0, -30))
		},
	}, overrides...)...)
}

// =============================================================================
// NOTIFICATION FIXTURES
// =============================================================================

// FixtureSMTPConfig creates a STARTTLS relay configuration.
func FixtureSMTPConfig(overrides ...func(*types.SMTPConfig)) *types.SMTPConfig {
	cfg := &types.SMTPConfig{
		Host:     "smtp.example.com",
		Port:     587,
		Security: types.SMTPSecurityTLS,
		Sender:   "alerts@example.com",
		Username: "alerts",
		Password: "secret",
	}

	for _, override := range overrides {
		override(cfg)
	}

	return cfg
}

// FixtureContactGroup creates a group with two contacts.
func FixtureContactGroup(overrides ...func(*types.ContactGroup)) *types.ContactGroup {
	group := &types.ContactGroup{
		ID:         NextID(),
		CustomerID: 1,
		Name:       "NOC",
		Contacts: []types.Contact{
			{ID: 1, Name: "Ops", Email: "ops@example.com"},
			{ID: 2, Name: "On call", Email: "oncall@example.com"},
		},
	}

	for _, override := range overrides {
		override(group)
	}

	return group
}
