// Package handlers turns the rules of each monitoring type into metric
// snapshots and feeds them through the shared evaluate, resolve and dispatch
// pipeline.
//
// A handler fetches raw data for every target of a rule, builds one
// MetricSnapshot per metric key and calls process. It never writes state or
// sends mail itself: state goes to the rule's Tx and notifications are
// registered as commit hooks.
package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/autointelli/alertd/alertd/internal/evaluator"
	"github.com/autointelli/alertd/alertd/internal/metricsrc"
	"github.com/autointelli/alertd/alertd/internal/notify"
	"github.com/autointelli/alertd/alertd/internal/state"
	"github.com/autointelli/alertd/pkg/types"
	"github.com/prometheus/common/model"
)

// Handler evaluates every rule of one monitoring type.
type Handler interface {
	Type() types.MonitoringType
	Execute(ctx context.Context, rule *types.Rule, tx *state.Tx) error
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry maps monitoring types to handlers. It is built once at bootstrap
// and read-only afterwards.
type Registry struct {
	handlers map[types.MonitoringType]Handler
}

// NewRegistry builds a registry. Registering two handlers for the same type panics.
func NewRegistry(hs ...Handler) *Registry {
	r := &Registry{handlers: make(map[types.MonitoringType]Handler, len(hs))}
	for _, h := range hs {
		t := h.Type()
		if _, dup := r.handlers[t]; dup {
			panic(fmt.Sprintf("handlers: duplicate handler for monitoring type %q", t))
		}
		r.handlers[t] = h
	}
	return r
}

// Lookup returns the handler for a monitoring type.
func (r *Registry) Lookup(t types.MonitoringType) (Handler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}

// Types returns the registered monitoring types, sorted.
func (r *Registry) Types() []types.MonitoringType {
	out := make([]types.MonitoringType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Default builds the registry with every built-in handler.
func Default(deps Deps) *Registry {
	return NewRegistry(
		NewPing(deps),
		NewURL(deps),
		NewPort(deps),
		NewServer(deps),
		NewBandwidth(deps),
		NewServiceDown(deps),
		NewOracle(deps),
		NewDeviceUpDown(deps),
		NewFortigate(deps),
	)
}

// =============================================================================
// DEPENDENCIES
// =============================================================================

// PromQuerier runs instant PromQL queries.
type PromQuerier interface {
	Query(ctx context.Context, promql string) (model.Vector, error)
}

// InfluxQuerier runs InfluxQL queries.
type InfluxQuerier interface {
	Query(ctx context.Context, q string) ([]metricsrc.Series, error)
}

// TargetLister reads monitored endpoints.
type TargetLister interface {
	ListTargets(ctx context.Context, customerID int64, mt types.MonitoringType) ([]*types.Target, error)
	GetTarget(ctx context.Context, id int64) (*types.Target, error)
}

// Deps are the collaborators shared by all handlers.
type Deps struct {
	Prom    PromQuerier
	Influx  InfluxQuerier
	Targets TargetLister

	// Fortigate reads the firewall database. Defaults to Influx.
	Fortigate InfluxQuerier

	Notifier notify.Notifier
	Resolver *state.Resolver
	Logger   *slog.Logger

	// Now is the clock used for staleness checks. Defaults to time.Now.
	Now func() time.Time

	// TenantLabel is the Prometheus label carrying the customer name.
	TenantLabel string

	// StaleSeconds is the device_updown reporting delay after which a device is DOWN.
	StaleSeconds int
}

func (d Deps) withDefaults() Deps {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Fortigate == nil {
		d.Fortigate = d.Influx
	}
	if d.TenantLabel == "" {
		d.TenantLabel = "CustomerName"
	}
	if d.StaleSeconds <= 0 {
		d.StaleSeconds = 300
	}
	if d.Resolver == nil {
		d.Resolver = state.NewResolver()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

// =============================================================================
// SHARED PIPELINE
// =============================================================================

// templates names the alert and recovery template of one evaluation.
type templates struct {
	alert    string
	recovery string
}

// evaluation is one metric key's snapshot, ready for the pipeline.
type evaluation struct {
	Key      string
	Logic    types.LogicNode
	Snapshot types.MetricSnapshot
	// Fields are notification fields on top of the snapshot.
	Fields    map[string]any
	Templates templates
}

// process evaluates, resolves and, on a transition, registers the dispatch
// as a commit hook on tx.
func process(ctx context.Context, deps Deps, tx *state.Tx, rule *types.Rule, ev evaluation) (types.Resolution, error) {
	matched := evaluator.Evaluate(ev.Logic, ev.Snapshot)

	res, err := deps.Resolver.Resolve(ctx, tx, ev.Key, matched, rule.Threshold())
	if err != nil {
		return res, fmt.Errorf("resolving %q: %w", ev.Key, err)
	}
	if !res.Changed() || deps.Notifier == nil {
		return res, nil
	}

	fields := make(map[string]any, len(ev.Snapshot)+len(ev.Fields)+1)
	for k, v := range ev.Snapshot {
		fields[k] = v
	}
	for k, v := range ev.Fields {
		fields[k] = v
	}

	tmpl := ev.Templates.alert
	if res.Transition == types.TransitionRecovery {
		tmpl = ev.Templates.recovery
		if res.DowntimeSeconds != nil {
			fields["downtime"] = *res.DowntimeSeconds
		}
	}

	n := notify.Notification{
		TemplateID:     tmpl,
		Rule:           rule,
		ContactGroupID: rule.ContactGroupID,
		Fields:         fields,
	}
	notifier := deps.Notifier
	tx.OnCommit(func() { notifier.Notify(n) })

	deps.Logger.Info("alert transition",
		"rule_id", rule.ID,
		"key", ev.Key,
		"transition", res.Transition,
		"template", tmpl,
	)
	return res, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// firstRow returns the first row of the first series, or nil.
func firstRow(series []metricsrc.Series) map[string]any {
	if len(series) == 0 {
		return nil
	}
	return series[0].First()
}

// sampleValue returns the first sample of vec as a float, or nil.
func sampleValue(vec model.Vector) any {
	if len(vec) == 0 {
		return nil
	}
	return float64(vec[0].Value)
}

// labelSelector renders {k="v", ...} with the labels sorted by name.
func labelSelector(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := "{"
	for i, k := range keys {
		if i > 0 {
			out += ","
		}
		out += k + "=" + metricsrc.QuoteLabel(labels[k])
	}
	return out + "}"
}
