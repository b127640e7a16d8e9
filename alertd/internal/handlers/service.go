package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/autointelli/alertd/alertd/internal/evaluator"
	"github.com/autointelli/alertd/alertd/internal/metricsrc"
	"github.com/autointelli/alertd/alertd/internal/state"
	"github.com/autointelli/alertd/pkg/types"
)

// ServiceDown watches one Windows service or systemd unit on one instance.
//
// The instance comes from the rule and the service name from the logic's
// service_name equality condition. A rule matches only when the service is
// known to be stopped; an unknown state never matches.
type ServiceDown struct {
	deps   Deps
	logger *slog.Logger
}

// NewServiceDown creates the service handler.
func NewServiceDown(deps Deps) *ServiceDown {
	deps = deps.withDefaults()
	return &ServiceDown{deps: deps, logger: deps.Logger.With("component", "handler", "type", "service_down")}
}

func (h *ServiceDown) Type() types.MonitoringType { return types.MonitoringServiceDown }

func (h *ServiceDown) Execute(ctx context.Context, rule *types.Rule, tx *state.Tx) error {
	instance := strings.TrimSpace(rule.ServiceInstance)
	raw, _ := types.Stringify(evaluator.ConditionValue(rule.Logic, "service_name", "=", "=="))
	service := strings.TrimSpace(raw)
	if instance == "" || service == "" {
		h.logger.Debug("service rule without instance or service name, skipping", "rule_id", rule.ID)
		return nil
	}

	svc := strings.ToLower(service)
	running, err := h.serviceRunning(ctx, instance, svc)
	if err != nil {
		return err
	}

	snap := types.MetricSnapshot{"service_name": service, "running": nil}
	if running != nil {
		snap["running"] = *running
	}

	_, err = process(ctx, h.deps, tx, rule, evaluation{
		Key:       instance + "|" + svc,
		Logic:     types.And(rule.Logic, types.Cond("running", "=", false)),
		Snapshot:  snap,
		Fields:    map[string]any{"hostname": instance},
		Templates: templates{alert: "service_down", recovery: "service_recovery"},
	})
	return err
}

// serviceRunning probes Windows then systemd metrics. It returns nil when no
// sample identifies the state.
func (h *ServiceDown) serviceRunning(ctx context.Context, instance, svc string) (*bool, error) {
	inst := "instance=" + metricsrc.QuoteLabel(instance)
	name := "name=" + metricsrc.QuoteLabel(svc)
	sel := func(extra ...string) string {
		return "{" + strings.Join(append([]string{inst, name}, extra...), ",") + "}"
	}
	query := func(q string) (any, bool, error) {
		vec, err := h.deps.Prom.Query(ctx, q)
		if err != nil {
			return nil, false, fmt.Errorf("querying service state: %w", err)
		}
		return sampleValue(vec), len(vec) > 0, nil
	}
	result := func(v any) *bool {
		f, _ := types.ToFloat(v)
		b := f >= 0.5
		return &b
	}

	for _, q := range []string{
		"windows_service_state" + sel(`state="running"`),
		"windows_service_status" + sel(`status="running"`),
	} {
		v, ok, err := query(q)
		if err != nil {
			return nil, err
		}
		if ok {
			return result(v), nil
		}
	}

	// Samples without a running label leave the state unknown.
	if _, ok, err := query("windows_service_state" + sel()); err != nil || ok {
		return nil, err
	}

	unit := svc
	if !strings.Contains(unit, ".") {
		unit += ".service"
	}
	name = "name=" + metricsrc.QuoteLabel(unit)

	v, ok, err := query("node_systemd_unit_state" + sel(`state="active"`))
	if err != nil {
		return nil, err
	}
	if ok {
		return result(v), nil
	}

	v, ok, err = query("node_systemd_unit_state" + sel(`state!="active"`))
	if err != nil {
		return nil, err
	}
	if ok {
		if f, _ := types.ToFloat(v); f >= 0.5 {
			down := false
			return &down, nil
		}
	}
	return nil, nil
}
