package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/autointelli/alertd/alertd/internal/evaluator"
	"github.com/autointelli/alertd/alertd/internal/state"
	"github.com/autointelli/alertd/pkg/types"
)

// allTablespaces selects per-tablespace evaluation.
const allTablespaces = "__ALL__"

// Oracle evaluates availability, sessions and tablespace usage of one Oracle monitor.
type Oracle struct {
	deps   Deps
	logger *slog.Logger
}

// NewOracle creates the Oracle handler.
func NewOracle(deps Deps) *Oracle {
	deps = deps.withDefaults()
	return &Oracle{deps: deps, logger: deps.Logger.With("component", "handler", "type", "oracle")}
}

func (h *Oracle) Type() types.MonitoringType { return types.MonitoringOracle }

type tablespaceUsage struct {
	name  string
	usage any
}

func (h *Oracle) Execute(ctx context.Context, rule *types.Rule, tx *state.Tx) error {
	if rule.OracleMonitorID == nil {
		h.logger.Debug("oracle rule without monitor, skipping", "rule_id", rule.ID)
		return nil
	}
	mon, err := h.deps.Targets.GetTarget(ctx, *rule.OracleMonitorID)
	if err != nil {
		return fmt.Errorf("loading oracle monitor %d: %w", *rule.OracleMonitorID, err)
	}
	if mon == nil {
		h.logger.Debug("oracle monitor not found, skipping", "rule_id", rule.ID, "monitor_id", *rule.OracleMonitorID)
		return nil
	}
	mid := strconv.FormatInt(mon.ID, 10)

	up, err := h.deps.Prom.Query(ctx, "oracledb_up"+labelSelector(map[string]string{"MonitorID": mid}))
	if err != nil {
		return fmt.Errorf("querying oracledb_up: %w", err)
	}
	status := "DOWN"
	if f, ok := types.ToFloat(sampleValue(up)); ok && f == 1 {
		status = "UP"
	}

	sessions, err := h.deps.Prom.Query(ctx, "sum(oracledb_sessions_value"+
		labelSelector(map[string]string{"MonitorID": mid, "status": "ACTIVE", "type": "USER"})+")")
	if err != nil {
		return fmt.Errorf("querying oracledb_sessions_value: %w", err)
	}
	active := sampleValue(sessions)

	spaces, err := h.tablespaces(ctx, mid, strings.TrimSpace(rule.OracleTablespace))
	if err != nil {
		return err
	}

	alert := "oracle_threshold_alert"
	for _, f := range evaluator.Fields(rule.Logic) {
		if f == "db_status" {
			alert = "oracle_db_down"
			break
		}
	}

	for _, ts := range spaces {
		_, err := process(ctx, h.deps, tx, rule, evaluation{
			Key:   "oracle:" + mid + ":" + mon.Name + ":" + ts.name,
			Logic: rule.Logic,
			Snapshot: types.MetricSnapshot{
				"db_status":            status,
				"tablespace_usage_pct": ts.usage,
				"active_sessions":      active,
			},
			Fields: map[string]any{
				"hostname":     mon.Address(),
				"monitor_name": mon.Address(),
				"db_name":      mon.Name,
				"tablespace":   ts.name,
			},
			Templates: templates{alert: alert, recovery: "oracle_recovery"},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// tablespaces returns the tablespaces to evaluate. With no selection, or the
// __ALL__ selection, every reported tablespace is evaluated; when none is
// reported a single __ALL__ entry without usage is returned.
func (h *Oracle) tablespaces(ctx context.Context, mid, selected string) ([]tablespaceUsage, error) {
	if selected != "" && selected != allTablespaces {
		vec, err := h.deps.Prom.Query(ctx, "oracledb_tablespace_used_percent"+
			labelSelector(map[string]string{"MonitorID": mid, "tablespace": selected}))
		if err != nil {
			return nil, fmt.Errorf("querying tablespace %s: %w", selected, err)
		}
		return []tablespaceUsage{{name: selected, usage: sampleValue(vec)}}, nil
	}

	vec, err := h.deps.Prom.Query(ctx, "oracledb_tablespace_used_percent"+
		labelSelector(map[string]string{"MonitorID": mid}))
	if err != nil {
		return nil, fmt.Errorf("querying tablespaces: %w", err)
	}
	var out []tablespaceUsage
	for _, s := range vec {
		name := string(s.Metric["tablespace"])
		v, ok := finite(s.Value)
		if name == "" || !ok {
			continue
		}
		out = append(out, tablespaceUsage{name: name, usage: v})
	}
	if len(out) == 0 {
		return []tablespaceUsage{{name: allTablespaces}}, nil
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}
