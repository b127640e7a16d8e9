package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/autointelli/alertd/alertd/internal/metricsrc"
	"github.com/autointelli/alertd/alertd/internal/state"
	"github.com/autointelli/alertd/pkg/types"
)

// latestRow runs a "latest point" InfluxQL query for one target.
func latestRow(ctx context.Context, influx InfluxQuerier, q string) (map[string]any, error) {
	series, err := influx.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return firstRow(series), nil
}

// eachTarget lists the rule's targets and calls fn for every one, stopping at the first error.
func eachTarget(ctx context.Context, deps Deps, rule *types.Rule, fn func(*types.Target) error) error {
	targets, err := deps.Targets.ListTargets(ctx, rule.CustomerID, rule.MonitoringType)
	if err != nil {
		return fmt.Errorf("listing %s targets: %w", rule.MonitoringType, err)
	}
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// PING
// =============================================================================

// Ping evaluates latency and packet loss of ping targets.
type Ping struct {
	deps   Deps
	logger *slog.Logger
}

// NewPing creates the ping handler.
func NewPing(deps Deps) *Ping {
	deps = deps.withDefaults()
	return &Ping{deps: deps, logger: deps.Logger.With("component", "handler", "type", "ping")}
}

func (h *Ping) Type() types.MonitoringType { return types.MonitoringPing }

func (h *Ping) Execute(ctx context.Context, rule *types.Rule, tx *state.Tx) error {
	alert := "ping_latency"
	if strings.Contains(strings.ToLower(rule.Name), "packet") {
		alert = "ping_packetloss"
	}

	return eachTarget(ctx, h.deps, rule, func(t *types.Target) error {
		q := `SELECT * FROM "ping" WHERE url = ` + metricsrc.QuoteString(t.Host) + ` ORDER BY time DESC LIMIT 1`
		row, err := latestRow(ctx, h.deps.Influx, q)
		if err != nil {
			return fmt.Errorf("fetching ping data for %s: %w", t.Host, err)
		}

		snap := types.MetricSnapshot{"latency_ms": nil, "packet_loss": nil, "result": "timeout"}
		if row != nil {
			snap["latency_ms"] = row["average_response_ms"]
			snap["packet_loss"] = row["percent_packet_loss"]
			snap["result"] = row["result_code"]
		}

		_, err = process(ctx, h.deps, tx, rule, evaluation{
			Key:       t.Host,
			Logic:     rule.Logic,
			Snapshot:  snap,
			Fields:    map[string]any{"hostname": t.Host},
			Templates: templates{alert: alert, recovery: "ping_recovery"},
		})
		return err
	})
}

// =============================================================================
// URL
// =============================================================================

// URL evaluates HTTP checks of URL targets.
type URL struct {
	deps   Deps
	logger *slog.Logger
}

// NewURL creates the URL handler.
func NewURL(deps Deps) *URL {
	deps = deps.withDefaults()
	return &URL{deps: deps, logger: deps.Logger.With("component", "handler", "type", "url")}
}

func (h *URL) Type() types.MonitoringType { return types.MonitoringURL }

func (h *URL) Execute(ctx context.Context, rule *types.Rule, tx *state.Tx) error {
	alert := "url_slow"
	if strings.Contains(strings.ToLower(rule.Name), "down") {
		alert = "url_down"
	}

	return eachTarget(ctx, h.deps, rule, func(t *types.Target) error {
		u := t.URL
		if u == "" {
			u = t.Host
		}
		q := `SELECT * FROM "http_response" WHERE server = ` + metricsrc.QuoteString(u) + ` ORDER BY time DESC LIMIT 1`
		row, err := latestRow(ctx, h.deps.Influx, q)
		if err != nil {
			return fmt.Errorf("fetching http data for %s: %w", u, err)
		}

		snap := types.MetricSnapshot{
			"status_code":      nil,
			"response_time_ms": nil,
			"result":           "timeout",
			"friendly_name":    "Unknown",
		}
		if row != nil {
			snap["status_code"] = row["status_code"]
			snap["response_time_ms"] = row["response_time"]
			snap["result"] = row["result"]
			if name, ok := row["friendly_name"]; ok && name != nil {
				snap["friendly_name"] = name
			}
		}

		_, err = process(ctx, h.deps, tx, rule, evaluation{
			Key:       u,
			Logic:     rule.Logic,
			Snapshot:  snap,
			Fields:    map[string]any{"hostname": u},
			Templates: templates{alert: alert, recovery: "url_recovery"},
		})
		return err
	})
}

// =============================================================================
// PORT
// =============================================================================

// Port evaluates TCP reachability of host:port targets.
type Port struct {
	deps   Deps
	logger *slog.Logger
}

// NewPort creates the port handler.
func NewPort(deps Deps) *Port {
	deps = deps.withDefaults()
	return &Port{deps: deps, logger: deps.Logger.With("component", "handler", "type", "port")}
}

func (h *Port) Type() types.MonitoringType { return types.MonitoringPort }

func (h *Port) Execute(ctx context.Context, rule *types.Rule, tx *state.Tx) error {
	return eachTarget(ctx, h.deps, rule, func(t *types.Target) error {
		if t.Port <= 0 {
			h.logger.Debug("port target without port", "target_id", t.ID, "host", t.Host)
			return nil
		}
		port := strconv.Itoa(t.Port)
		q := `SELECT * FROM "net_response" WHERE server = ` + metricsrc.QuoteString(t.Host) +
			` AND port = ` + metricsrc.QuoteString(port) + ` ORDER BY time DESC LIMIT 1`
		row, err := latestRow(ctx, h.deps.Influx, q)
		if err != nil {
			return fmt.Errorf("fetching port data for %s: %w", t.Address(), err)
		}

		snap := types.MetricSnapshot{"port_status": "DOWN", "response_time_ms": nil}
		if row != nil {
			result, _ := types.Stringify(row["result"])
			switch strings.ToLower(result) {
			case "success", "ok":
				snap["port_status"] = "UP"
			}
			snap["response_time_ms"] = row["response_time"]
		}

		alert := "port_slow"
		if snap["response_time_ms"] == nil {
			alert = "port_alert"
		}

		_, err = process(ctx, h.deps, tx, rule, evaluation{
			Key:       t.Address(),
			Logic:     rule.Logic,
			Snapshot:  snap,
			Fields:    map[string]any{"hostname": t.Host, "port": t.Port},
			Templates: templates{alert: alert, recovery: "port_recovery"},
		})
		return err
	})
}
