package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/autointelli/alertd/alertd/internal/metricsrc"
	"github.com/autointelli/alertd/alertd/internal/state"
	"github.com/autointelli/alertd/pkg/types"
)

// Device sources.
const (
	SourceSNMP   = "snmp"
	SourceServer = "server"
	SourceIDRAC  = "idrac"
	SourceILO    = "ilo"
)

// DeviceUpDown raises an alert when a device stops reporting metrics for
// longer than the stale window. A device with no data at all is DOWN.
type DeviceUpDown struct {
	deps   Deps
	logger *slog.Logger
}

// NewDeviceUpDown creates the device reachability handler.
func NewDeviceUpDown(deps Deps) *DeviceUpDown {
	deps = deps.withDefaults()
	return &DeviceUpDown{deps: deps, logger: deps.Logger.With("component", "handler", "type", "device_updown")}
}

func (h *DeviceUpDown) Type() types.MonitoringType { return types.MonitoringDeviceUpDown }

func (h *DeviceUpDown) Execute(ctx context.Context, rule *types.Rule, tx *state.Tx) error {
	targets, err := h.deps.Targets.ListTargets(ctx, rule.CustomerID, rule.MonitoringType)
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}
	if len(targets) == 0 {
		return nil
	}

	logic := rule.Logic
	if logic.IsEmpty() {
		logic = types.Cond("status", "=", "DOWN")
	}

	now := h.deps.Now().UTC()
	stale := int64(h.deps.StaleSeconds)
	seen := make(map[string]map[string]time.Time)

	for _, t := range targets {
		source := strings.ToLower(strings.TrimSpace(t.Source))
		if source == "" {
			source = SourceSNMP
		}
		bySource, ok := seen[source]
		if !ok {
			bySource, err = h.lastSeen(ctx, source, rule.CustomerName, now)
			if err != nil {
				return err
			}
			seen[source] = bySource
		}

		last, ok := bySource[t.Host]
		delay := stale + 1
		lastSeen := "N/A"
		if ok {
			delay = int64(now.Sub(last) / time.Second)
			lastSeen = last.UTC().Format("2006-01-02 15:04:05") + " UTC"
		}
		status := "UP"
		if delay > stale {
			status = "DOWN"
		}

		kind := "Network Device"
		if source == SourceServer {
			kind = "Server"
		}

		_, err := process(ctx, h.deps, tx, rule, evaluation{
			Key:   source + ":" + t.Host,
			Logic: logic,
			Snapshot: types.MetricSnapshot{
				"status":        status,
				"delay_seconds": delay,
				"last_seen":     lastSeen,
			},
			Fields: map[string]any{
				"device":        t.Host,
				"kind":          kind,
				"source":        source,
				"stale_seconds": stale,
			},
			Templates: templates{alert: "device_down", recovery: "device_recovery"},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// lastSeen returns the last report time per device name for one source.
func (h *DeviceUpDown) lastSeen(ctx context.Context, source, customer string, now time.Time) (map[string]time.Time, error) {
	where := ""
	if customer != "" {
		where = " WHERE customer_name = " + metricsrc.QuoteString(customer)
	}

	switch source {
	case SourceSNMP:
		return h.influxLastSeen(ctx, `SELECT last(sysUpTime) AS uptime FROM "snmpdevice"`+where+` GROUP BY "hostname"`, "hostname")
	case SourceIDRAC:
		return h.influxLastSeen(ctx, `SELECT last("system-uptime") FROM "idrac-hosts"`+where+` GROUP BY "agent_host"`, "agent_host")
	case SourceILO:
		return h.iloLastSeen(ctx, customer, now)
	case SourceServer:
		return h.serverLastSeen(ctx, customer)
	}
	h.logger.Warn("unknown device source", "source", source)
	return map[string]time.Time{}, nil
}

func (h *DeviceUpDown) influxLastSeen(ctx context.Context, q, tag string) (map[string]time.Time, error) {
	series, err := h.deps.Influx.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying device last seen: %w", err)
	}
	out := make(map[string]time.Time, len(series))
	for _, s := range series {
		host := s.Tags[tag]
		if host == "" || len(s.Values) == 0 {
			continue
		}
		last := s.Values[len(s.Values)-1]
		if len(last) == 0 {
			continue
		}
		ts, _ := last[0].(string)
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			h.logger.Warn("invalid device timestamp", "device", host, "value", ts)
			continue
		}
		out[host] = t
	}
	return out, nil
}

// iloLastSeen treats every agent that reported in the last 24h as seen now.
func (h *DeviceUpDown) iloLastSeen(ctx context.Context, customer string, now time.Time) (map[string]time.Time, error) {
	where := "time >= now() - 24h"
	if customer != "" {
		where += " AND customer_name = " + metricsrc.QuoteString(customer)
	}
	series, err := h.deps.Influx.Query(ctx, `SELECT DISTINCT("agent_host") FROM (SELECT * FROM "ilo_snmp" WHERE `+where+`)`)
	if err != nil {
		return nil, fmt.Errorf("querying ilo agents: %w", err)
	}
	out := make(map[string]time.Time)
	if len(series) == 0 {
		return out, nil
	}
	for _, row := range series[0].Values {
		if len(row) < 2 {
			continue
		}
		if host, ok := types.Stringify(row[1]); ok && host != "" {
			out[host] = now
		}
	}
	return out, nil
}

func (h *DeviceUpDown) serverLastSeen(ctx context.Context, customer string) (map[string]time.Time, error) {
	m := tenantMatcher(h.deps.TenantLabel, customer)
	q := fmt.Sprintf("max by(instance) (timestamp(node_cpu_seconds_total%s) or timestamp(windows_cpu_time_total%s))", m.sel(), m.sel())
	vec, err := h.deps.Prom.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying server last seen: %w", err)
	}
	out := make(map[string]time.Time, len(vec))
	for _, s := range vec {
		v, ok := finite(s.Value)
		if !ok {
			continue
		}
		sec := int64(v)
		nsec := int64((v - float64(sec)) * 1e9)
		out[normalizeInstance(string(s.Metric["instance"]))] = time.Unix(sec, nsec).UTC()
	}
	return out, nil
}

// normalizeInstance strips a URL scheme and a port from an instance label.
func normalizeInstance(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	if _, rest, ok := strings.Cut(v, "://"); ok {
		v = rest
	}
	host, _, _ := strings.Cut(v, ":")
	return host
}
