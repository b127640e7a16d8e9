package license

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/autointelli/alertd/alertd/internal/cache"
	"github.com/autointelli/alertd/alertd/internal/testutil"
	"github.com/autointelli/alertd/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockStore struct {
	mu       sync.Mutex
	licenses map[int64]*types.License
	counts   map[int64]map[types.MonitoringType]int
	countErr error
	countN   int
}

func (m *mockStore) GetLicense(ctx context.Context, customerID int64) (*types.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.licenses[customerID], nil
}

func (m *mockStore) CountMonitors(ctx context.Context, customerID int64) (map[types.MonitoringType]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.countN++
	if m.countErr != nil {
		return nil, m.countErr
	}
	out := map[types.MonitoringType]int{}
	for k, v := range m.counts[customerID] {
		out[k] = v
	}
	return out, nil
}

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newGate(s *mockStore) *Gate {
	g := NewGate(s, cache.NewMemory(time.Minute), testLogger())
	g.now = func() time.Time { return now }
	return g
}

func ptr(t time.Time) *time.Time { return &t }

func TestCanAddMonitor(t *testing.T) {
	store := &mockStore{
		licenses: map[int64]*types.License{
			1: {ID: 10, CustomerID: 1, ExpiresAt: ptr(now.AddDate(0, 1, 0)), Limits: map[types.MonitoringType]int{types.MonitoringURL: 5}},
			2: {ID: 20, CustomerID: 2, ExpiresAt: ptr(now.AddDate(0, 0, -2)), GraceDays: 7, Limits: map[types.MonitoringType]int{types.MonitoringPing: 10}},
			3: {ID: 30, CustomerID: 3, ExpiresAt: ptr(now.AddDate(0, 0, -30)), GraceDays: 7, Limits: map[types.MonitoringType]int{types.MonitoringPing: 10}},
		},
		counts: map[int64]map[types.MonitoringType]int{
			1: {types.MonitoringURL: 5},
			2: {types.MonitoringPing: 3},
		},
	}

	tests := []struct {
		name     string
		customer int64
		mt       types.MonitoringType
		delta    int
		allowed  bool
		status   types.LicenseStatus
		reason   string
	}{
		{"sixth url over limit", 1, types.MonitoringURL, 1, false, types.LicenseActive, "License limit exceeded for 'url'."},
		{"zero delta counts as one", 1, types.MonitoringURL, 0, false, types.LicenseActive, "License limit exceeded for 'url'."},
		{"type not licensed", 1, types.MonitoringPing, 1, false, types.LicenseActive, "No license for monitoring type 'ping'."},
		{"grace allows", 2, types.MonitoringPing, 2, true, types.LicenseGrace, "License in grace period."},
		{"grace still limited", 2, types.MonitoringPing, 8, false, types.LicenseGrace, "License limit exceeded for 'ping'."},
		{"expired", 3, types.MonitoringPing, 1, false, types.LicenseExpired, "License expired or missing."},
		{"missing", 99, types.MonitoringPing, 1, false, types.LicenseMissing, "License expired or missing."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGate(store)
			d, err := g.CanAddMonitor(context.Background(), tt.customer, tt.mt, tt.delta)
			if err != nil {
				t.Fatalf("CanAddMonitor: %v", err)
			}
			if d.Allowed != tt.allowed || d.Status != tt.status || d.Reason != tt.reason {
				t.Errorf("got %+v, want allowed=%v status=%s reason=%q", d, tt.allowed, tt.status, tt.reason)
			}
		})
	}
}

func TestCanAddMonitorOK(t *testing.T) {
	store := &mockStore{
		licenses: map[int64]*types.License{
			1: {ID: 1, CustomerID: 1, Limits: map[types.MonitoringType]int{types.MonitoringURL: 5}},
		},
		counts: map[int64]map[types.MonitoringType]int{1: {types.MonitoringURL: 4}},
	}
	d, err := newGate(store).CanAddMonitor(context.Background(), 1, types.MonitoringURL, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed || d.Reason != "License OK." || d.Status != types.LicenseActive {
		t.Errorf("got %+v", d)
	}
}

func TestUsageCachedAndInvalidated(t *testing.T) {
	store := &mockStore{
		licenses: map[int64]*types.License{
			1: {ID: 1, CustomerID: 1, Limits: map[types.MonitoringType]int{types.MonitoringURL: 5}},
		},
		counts: map[int64]map[types.MonitoringType]int{1: {types.MonitoringURL: 4}},
	}
	g := newGate(store)
	ctx := context.Background()

	if d, _ := g.CanAddMonitor(ctx, 1, types.MonitoringURL, 1); !d.Allowed {
		t.Fatal("first add should be allowed")
	}
	store.mu.Lock()
	store.counts[1][types.MonitoringURL] = 5
	store.mu.Unlock()

	if d, _ := g.CanAddMonitor(ctx, 1, types.MonitoringURL, 1); !d.Allowed {
		t.Error("cached usage should still allow")
	}
	if store.countN != 1 {
		t.Errorf("CountMonitors called %d times, want 1", store.countN)
	}

	if err := g.Invalidate(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if d, _ := g.CanAddMonitor(ctx, 1, types.MonitoringURL, 1); d.Allowed {
		t.Error("fresh usage should reject")
	}
}

func TestSnapshotRemaining(t *testing.T) {
	store := &mockStore{
		licenses: map[int64]*types.License{
			1: {ID: 7, CustomerID: 1, ExpiresAt: ptr(now.AddDate(0, 0, 10)), GraceDays: 5,
				Limits: map[types.MonitoringType]int{types.MonitoringURL: 5, types.MonitoringPing: 2}},
		},
		counts: map[int64]map[types.MonitoringType]int{1: {types.MonitoringURL: 3, types.MonitoringPing: 4}},
	}
	snap, err := newGate(store).Snapshot(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if snap.LicenseID != 7 || snap.Status != types.LicenseActive {
		t.Errorf("snapshot header = %+v", snap)
	}
	if r := snap.Remaining[types.MonitoringURL]; r == nil || *r != 2 {
		t.Errorf("url remaining = %v, want 2", r)
	}
	if r := snap.Remaining[types.MonitoringPing]; r == nil || *r != 0 {
		t.Errorf("ping remaining = %v, want 0", r)
	}
	if r, ok := snap.Remaining[types.MonitoringOracle]; !ok || r != nil {
		t.Errorf("oracle remaining = %v, want nil entry", r)
	}
	if want := now.AddDate(0, 0, 15); snap.GraceUntil == nil || !snap.GraceUntil.Equal(want) {
		t.Errorf("GraceUntil = %v, want %v", snap.GraceUntil, want)
	}
}

func TestUsageError(t *testing.T) {
	store := &mockStore{countErr: errors.New("conn refused")}
	if _, err := newGate(store).CanAddMonitor(context.Background(), 1, types.MonitoringURL, 1); err == nil {
		t.Fatal("expected error")
	}
}

func TestCanAddMonitorFixtures(t *testing.T) {
	store := &mockStore{
		licenses: map[int64]*types.License{
			1: testutil.FixtureLicense(),
			2: testutil.FixtureLicenseInGrace(func(l *types.License) { l.CustomerID = 2 }),
		},
		counts: map[int64]map[types.MonitoringType]int{},
	}
	g := NewGate(store, cache.NewMemory(time.Minute), testutil.NewTestLogger())

	d, err := g.CanAddMonitor(context.Background(), 1, types.MonitoringOracle, 10)
	if err != nil || !d.Allowed || d.Reason != "License OK." {
		t.Errorf("active fixture = %+v, %v", d, err)
	}
	d, err = g.CanAddMonitor(context.Background(), 2, types.MonitoringLink, 1)
	if err != nil || !d.Allowed || d.Status != types.LicenseGrace {
		t.Errorf("grace fixture = %+v, %v", d, err)
	}
}
