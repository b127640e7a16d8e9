package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/autointelli/alertd/alertd/internal/cache"
	"github.com/autointelli/alertd/alertd/internal/handlers"
	"github.com/autointelli/alertd/alertd/internal/metricsrc"
	"github.com/autointelli/alertd/alertd/internal/notify"
	"github.com/autointelli/alertd/alertd/internal/state"
	"github.com/autointelli/alertd/alertd/internal/testutil"
	"github.com/autointelli/alertd/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockCatalog struct {
	mu    sync.Mutex
	rules []*types.Rule
	err   error
	calls int
}

func (m *mockCatalog) ListEnabledRules(ctx context.Context, filter types.RuleFilter) ([]*types.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	var out []*types.Rule
	for _, r := range m.rules {
		if filter.Matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// funcHandler adapts a function to handlers.Handler.
type funcHandler struct {
	mt types.MonitoringType
	fn func(ctx context.Context, rule *types.Rule, tx *state.Tx) error
}

func (f funcHandler) Type() types.MonitoringType { return f.mt }

func (f funcHandler) Execute(ctx context.Context, rule *types.Rule, tx *state.Tx) error {
	return f.fn(ctx, rule, tx)
}

// triggerHandler resolves a matched key and registers a commit hook that counts.
func triggerHandler(mt types.MonitoringType, fired *int, mu *sync.Mutex) funcHandler {
	r := state.NewResolver()
	return funcHandler{mt: mt, fn: func(ctx context.Context, rule *types.Rule, tx *state.Tx) error {
		res, err := r.Resolve(ctx, tx, "k", true, 1)
		if err != nil {
			return err
		}
		if res.Changed() {
			tx.OnCommit(func() {
				mu.Lock()
				*fired++
				mu.Unlock()
			})
		}
		return nil
	}}
}

func TestRunCycleIsolatesRules(t *testing.T) {
	var (
		mu    sync.Mutex
		fired int
	)
	reg := handlers.NewRegistry(
		triggerHandler(types.MonitoringPing, &fired, &mu),
		funcHandler{mt: types.MonitoringURL, fn: func(ctx context.Context, rule *types.Rule, tx *state.Tx) error {
			_ = tx.Put(ctx, "k", types.EntryState{Active: true})
			tx.OnCommit(func() {
				mu.Lock()
				fired += 100
				mu.Unlock()
			})
			return errors.New("influx unavailable")
		}},
		funcHandler{mt: types.MonitoringPort, fn: func(ctx context.Context, rule *types.Rule, tx *state.Tx) error {
			panic("nil map")
		}},
	)
	store := state.NewMemoryStore()
	catalog := &mockCatalog{rules: []*types.Rule{
		{ID: 1, CustomerID: 1, Name: "url", MonitoringType: types.MonitoringURL},
		{ID: 2, CustomerID: 1, Name: "port", MonitoringType: types.MonitoringPort},
		{ID: 3, CustomerID: 1, Name: "ping", MonitoringType: types.MonitoringPing},
		{ID: 4, CustomerID: 1, Name: "sql", MonitoringType: types.MonitoringSQLServer},
	}}

	e := New(catalog, reg, store, DefaultConfig(), testLogger())
	report, err := e.RunCycle(context.Background(), types.RuleFilter{})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if report.Rules != 4 || report.Failed != 2 || report.Succeeded != 1 || report.Skipped != 1 {
		t.Errorf("report = %+v", report)
	}
	if report.Triggers != 1 || report.Recoveries != 0 {
		t.Errorf("transitions = %d/%d, want 1/0", report.Triggers, report.Recoveries)
	}
	if fired != 1 {
		t.Errorf("hooks fired = %d, want 1 (failed rule hooks must not run)", fired)
	}
	if _, ok := store.Entry(1, 1, "k"); ok {
		t.Error("failed rule state was committed")
	}
	if _, ok := store.Entry(3, 1, "k"); !ok {
		t.Error("successful rule state missing")
	}
}

func TestRunCycleCatalogError(t *testing.T) {
	catalog := &mockCatalog{err: errors.New("connection refused")}
	e := New(catalog, handlers.NewRegistry(), state.NewMemoryStore(), DefaultConfig(), testLogger())
	if _, err := e.RunCycle(context.Background(), types.RuleFilter{}); err == nil {
		t.Fatal("expected catalog error")
	}
}

func TestRunCycleCommitFailure(t *testing.T) {
	var (
		mu    sync.Mutex
		fired int
	)
	store := state.NewMemoryStore()
	store.FailSave = errors.New("disk full")
	catalog := &mockCatalog{rules: []*types.Rule{{ID: 1, CustomerID: 1, MonitoringType: types.MonitoringPing}}}

	e := New(catalog, handlers.NewRegistry(triggerHandler(types.MonitoringPing, &fired, &mu)), store, DefaultConfig(), testLogger())
	report, err := e.RunCycle(context.Background(), types.RuleFilter{})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Failed != 1 || report.Triggers != 0 {
		t.Errorf("report = %+v", report)
	}
	if fired != 0 {
		t.Error("dispatch ran although the state write failed")
	}
}

func TestRunCycleConcurrent(t *testing.T) {
	var (
		mu    sync.Mutex
		fired int
	)
	var rules []*types.Rule
	for i := int64(1); i <= 20; i++ {
		rules = append(rules, &types.Rule{ID: i, CustomerID: i % 3, MonitoringType: types.MonitoringPing})
	}
	e := New(&mockCatalog{rules: rules},
		handlers.NewRegistry(triggerHandler(types.MonitoringPing, &fired, &mu)),
		state.NewMemoryStore(), Config{Concurrency: 4}, testLogger())

	report, err := e.RunCycle(context.Background(), types.RuleFilter{})
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Succeeded != 20 || report.Triggers != 20 {
		t.Errorf("report = %+v", report)
	}
	if fired != 20 {
		t.Errorf("fired = %d, want 20", fired)
	}
}

func TestRunCycleFilter(t *testing.T) {
	cust := int64(2)
	catalog := &mockCatalog{rules: []*types.Rule{
		{ID: 1, CustomerID: 1, MonitoringType: types.MonitoringPing},
		{ID: 2, CustomerID: 2, MonitoringType: types.MonitoringPing},
	}}
	e := New(catalog, handlers.NewRegistry(), state.NewMemoryStore(), DefaultConfig(), testLogger())
	report, _ := e.RunCycle(context.Background(), types.RuleFilter{CustomerID: &cust})
	if report.Rules != 1 {
		t.Errorf("rules = %d, want 1", report.Rules)
	}
}

// =============================================================================
// END TO END
// =============================================================================

type pingInflux struct {
	mu   sync.Mutex
	loss string
}

func (p *pingInflux) set(loss string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loss = loss
}

func (p *pingInflux) Query(ctx context.Context, q string) ([]metricsrc.Series, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !strings.Contains(q, `FROM "ping"`) {
		return nil, nil
	}
	return []metricsrc.Series{{
		Columns: []string{"time", "average_response_ms", "percent_packet_loss", "result_code"},
		Values:  [][]any{{"t", json.Number("1.5"), json.Number(p.loss), json.Number("0")}},
	}}, nil
}

type staticTargets []*types.Target

func (s staticTargets) ListTargets(ctx context.Context, customerID int64, mt types.MonitoringType) ([]*types.Target, error) {
	return s, nil
}

func (s staticTargets) GetTarget(ctx context.Context, id int64) (*types.Target, error) {
	return nil, nil
}

type countingNotifier struct {
	mu        sync.Mutex
	templates []string
}

func (c *countingNotifier) Notify(n notify.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.templates = append(c.templates, n.TemplateID)
}

func TestPingRuleLifecycle(t *testing.T) {
	influx := &pingInflux{loss: "100"}
	notifier := &countingNotifier{}
	clock := testutil.NewClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	target := testutil.FixtureTarget(func(t *types.Target) { t.Host = "10.0.0.1" })

	reg := handlers.Default(handlers.Deps{
		Influx:   influx,
		Targets:  staticTargets{target},
		Notifier: notifier,
		Resolver: state.NewResolverWithClock(clock.Now),
		Logger:   testLogger(),
		Now:      clock.Now,
	})
	rule := testutil.FixtureRule(func(r *types.Rule) {
		r.ID = 1
		r.CustomerID = 1
		r.EvaluationCount = 3
	})
	store := state.NewMemoryStore()
	e := New(&mockCatalog{rules: []*types.Rule{rule}}, reg, store, DefaultConfig(), testLogger())

	cycle := func() CycleReport {
		t.Helper()
		r, err := e.RunCycle(context.Background(), types.RuleFilter{})
		if err != nil {
			t.Fatalf("RunCycle: %v", err)
		}
		clock.Advance(time.Minute)
		return r
	}

	// Two matches stay below the threshold, the third triggers, the fourth is a NOOP.
	for i := 1; i <= 4; i++ {
		r := cycle()
		wantTrig := 0
		if i == 3 {
			wantTrig = 1
		}
		if r.Triggers != wantTrig {
			t.Errorf("cycle %d: triggers = %d, want %d", i, r.Triggers, wantTrig)
		}
	}

	influx.set("0")
	if r := cycle(); r.Recoveries != 1 {
		t.Errorf("recoveries = %d, want 1", r.Recoveries)
	}
	if r := cycle(); r.Triggers+r.Recoveries != 0 {
		t.Errorf("steady state produced transitions: %+v", r)
	}

	want := []string{"ping_packetloss", "ping_recovery"}
	if len(notifier.templates) != len(want) {
		t.Fatalf("notifications = %v, want %v", notifier.templates, want)
	}
	for i := range want {
		if notifier.templates[i] != want[i] {
			t.Errorf("notification %d = %s, want %s", i, notifier.templates[i], want[i])
		}
	}

	e1, _ := store.Entry(1, 1, "10.0.0.1")
	if e1.Active || e1.Consecutive != 0 || e1.LastRecovered == nil {
		t.Errorf("final entry = %+v", e1)
	}
}

// =============================================================================
// CACHED CATALOG
// =============================================================================

func TestCachedCatalog(t *testing.T) {
	ctx := context.Background()
	inner := &mockCatalog{rules: []*types.Rule{
		{ID: 1, CustomerID: 1, Name: "cpu", MonitoringType: types.MonitoringServer, Logic: types.Cond("cpu_usage", ">", 90), EvaluationCount: 2},
	}}
	c := NewCachedCatalog(inner, cache.NewMemory(time.Minute), 0, testLogger())

	for i := 0; i < 3; i++ {
		rules, err := c.ListEnabledRules(ctx, types.RuleFilter{})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(rules) != 1 || rules[0].Name != "cpu" || rules[0].Logic.IsEmpty() {
			t.Fatalf("rules = %+v", rules)
		}
	}
	if inner.calls != 1 {
		t.Errorf("inner calls = %d, want 1", inner.calls)
	}

	if err := c.Invalidate(ctx); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := c.ListEnabledRules(ctx, types.RuleFilter{}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("inner calls after invalidate = %d, want 2", inner.calls)
	}
}

type capturingNotifier struct {
	mu  sync.Mutex
	all []notify.Notification
}

func (c *capturingNotifier) Notify(n notify.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.all = append(c.all, n)
}

func TestSingleMatchTriggerAndRecovery(t *testing.T) {
	influx := &pingInflux{loss: "100"}
	notifier := &capturingNotifier{}
	clock := testutil.NewClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	reg := handlers.Default(handlers.Deps{
		Influx:   influx,
		Targets:  staticTargets{testutil.FixtureTarget(func(t *types.Target) { t.Host = "10.0.0.1" })},
		Notifier: notifier,
		Resolver: state.NewResolverWithClock(clock.Now),
		Logger:   testLogger(),
		Now:      clock.Now,
	})
	rule := testutil.FixtureRule(func(r *types.Rule) { r.EvaluationCount = 1 })
	e := New(&mockCatalog{rules: []*types.Rule{rule}}, reg, state.NewMemoryStore(), DefaultConfig(), testLogger())

	steps := []struct {
		loss        string
		triggers    int
		recoveries  int
		notifyCount int
	}{
		{"100", 1, 0, 1},
		{"0", 0, 1, 2},
		{"0", 0, 0, 2},
	}
	for i, s := range steps {
		influx.set(s.loss)
		r, err := e.RunCycle(context.Background(), types.RuleFilter{})
		if err != nil {
			t.Fatalf("cycle %d: %v", i+1, err)
		}
		if r.Triggers != s.triggers || r.Recoveries != s.recoveries {
			t.Errorf("cycle %d: report = %+v", i+1, r)
		}
		if len(notifier.all) != s.notifyCount {
			t.Errorf("cycle %d: notifications = %d, want %d", i+1, len(notifier.all), s.notifyCount)
		}
		clock.Advance(time.Minute)
	}

	if len(notifier.all) < 2 {
		t.Fatal("missing recovery notification")
	}
	rec := notifier.all[1]
	if rec.TemplateID != "ping_recovery" {
		t.Errorf("template = %s, want ping_recovery", rec.TemplateID)
	}
	if got := rec.Fields["downtime"]; got != int64(60) {
		t.Errorf("downtime = %v (%T), want 60", got, got)
	}
}
