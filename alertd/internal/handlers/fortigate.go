package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/autointelli/alertd/alertd/internal/evaluator"
	"github.com/autointelli/alertd/alertd/internal/metricsrc"
	"github.com/autointelli/alertd/alertd/internal/state"
	"github.com/autointelli/alertd/pkg/types"
)

// Fortigate rule families, picked by a substring of the lowercased rule name.
const (
	FortigateVPN    = "vpn"
	FortigateSDWAN  = "sdwan"
	FortigateSystem = "sys"
)

// fgVpnTunEntStatus value of a tunnel that is down.
const vpnStatusDown = 1

// fgVWLHealthCheckLinkState value of a healthy link.
const sdwanLinkUp = 1

const (
	vpnQuery = `SELECT LAST(vpn_status) AS vpn_status, LAST(fgVpnTunEntInOctets) AS in_octets, ` +
		`LAST(fgVpnTunEntOutOctets) AS out_octets, LAST(fgVpnTunEntLifeSecs) AS life_secs ` +
		`FROM "vpn_tunnels" GROUP BY "hostname", "vpn_name"`

	sdwanQuery = `SELECT LAST(fgVWLHealthCheckLinkState) AS link_state, ` +
		`LAST(fgVWLHealthCheckLinkLatency) AS latency, LAST(fgVWLHealthCheckLinkJitter) AS jitter, ` +
		`LAST(fgVWLHealthCheckLinkPacketLoss) AS packet_loss, LAST(hc_latency) AS hc_latency, ` +
		`LAST(hc_jitter) AS hc_jitter, LAST(hc_packet_loss) AS hc_packet_loss, ` +
		`LAST(fgVWLHealthCheckLinkName) AS link_name ` +
		`FROM "sdwan_health" GROUP BY "hostname", "hc_name"`

	fortigateSysQuery = `SELECT LAST(memory_usage) AS mem_usage, LAST(session_count) AS session_count ` +
		`FROM "snmpdevice" WHERE template_type = 'Fortigate' GROUP BY "hostname"`
)

// sdwanMetricPreference orders the SD-WAN fields named in notifications.
var sdwanMetricPreference = []string{
	"sdwan_link_packet_loss",
	"sdwan_link_latency_ms",
	"sdwan_link_jitter_ms",
	"sdwan_link_down",
}

// Fortigate evaluates firewall rules against the Fortigate InfluxDB. One rule
// covers every firewall reporting there. A rule name containing "vpn" checks
// IPsec tunnels, "sdwan" checks SD-WAN health-check links and anything else
// checks system KPIs.
type Fortigate struct {
	deps   Deps
	logger *slog.Logger
}

// NewFortigate creates the Fortigate handler.
func NewFortigate(deps Deps) *Fortigate {
	deps = deps.withDefaults()
	return &Fortigate{deps: deps, logger: deps.Logger.With("component", "handler", "type", "fortigate")}
}

func (h *Fortigate) Type() types.MonitoringType { return types.MonitoringFortigate }

// Family returns the rule family a rule name routes to.
func (h *Fortigate) Family(rule *types.Rule) string {
	name := strings.ToLower(rule.Name)
	switch {
	case strings.Contains(name, FortigateVPN):
		return FortigateVPN
	case strings.Contains(name, FortigateSDWAN):
		return FortigateSDWAN
	default:
		return FortigateSystem
	}
}

func (h *Fortigate) Execute(ctx context.Context, rule *types.Rule, tx *state.Tx) error {
	fields := evaluator.Fields(rule.Logic)
	if len(fields) == 0 {
		h.logger.Debug("rule references no fields, skipping", "rule_id", rule.ID)
		return nil
	}
	switch h.Family(rule) {
	case FortigateVPN:
		return h.vpn(ctx, rule, tx, fields[0])
	case FortigateSDWAN:
		return h.sdwan(ctx, rule, tx, fields)
	default:
		return h.system(ctx, rule, tx, fields[0])
	}
}

func (h *Fortigate) query(ctx context.Context, family, q string) ([]metricsrc.Series, error) {
	series, err := h.deps.Fortigate.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying fortigate %s: %w", family, err)
	}
	if len(series) == 0 {
		h.logger.Debug("no fortigate data", "family", family)
	}
	return series, nil
}

// =============================================================================
// VPN
// =============================================================================

// vpn keys state per tunnel and the first field the rule references.
func (h *Fortigate) vpn(ctx context.Context, rule *types.Rule, tx *state.Tx, field string) error {
	series, err := h.query(ctx, FortigateVPN, vpnQuery)
	if err != nil {
		return err
	}

	tmpl := templates{alert: "fortigate_vpn_alert", recovery: "fortigate_vpn_recovery_traffic"}
	if field == "vpn_tunnel_down" {
		tmpl = templates{alert: "fortigate_vpn_down", recovery: "fortigate_vpn_recovery"}
	}

	for _, s := range series {
		row := s.First()
		if row == nil {
			continue
		}
		fw := tagOr(s.Tags, "hostname", "UnknownFW")
		tunnel := tagOr(s.Tags, "vpn_name", "UnknownVPN")
		snap := vpnMetrics(row)

		_, err := process(ctx, h.deps, tx, rule, evaluation{
			Key:      "vpn::" + fw + "::" + tunnel + "::" + field,
			Logic:    rule.Logic,
			Snapshot: snap,
			Fields: map[string]any{
				"hostname":     fw,
				"vpn_name":     tunnel,
				"metric_name":  field,
				"metric_value": snap[field],
			},
			Templates: tmpl,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// vpnMetrics derives tunnel state and average traffic over the tunnel lifetime.
func vpnMetrics(row map[string]any) types.MetricSnapshot {
	status := row["vpn_status"]
	down := "UP"
	if f, ok := types.ToFloat(status); ok && f == vpnStatusDown {
		down = "DOWN"
	}

	life, ok := types.ToFloat(row["life_secs"])
	if !ok || life <= 0 {
		life = 1
	}
	in, _ := types.ToFloat(row["in_octets"])
	out, _ := types.ToFloat(row["out_octets"])

	return types.MetricSnapshot{
		"vpn_status":          status,
		"vpn_tunnel_down":     down,
		"vpn_tunnel_in_mbps":  octetsToMbps(in, life),
		"vpn_tunnel_out_mbps": octetsToMbps(out, life),
	}
}

func octetsToMbps(octets, seconds float64) float64 {
	return math.Round(octets*8/(seconds*1024*1024)*100) / 100
}

// =============================================================================
// SD-WAN
// =============================================================================

func (h *Fortigate) sdwan(ctx context.Context, rule *types.Rule, tx *state.Tx, fields []string) error {
	series, err := h.query(ctx, FortigateSDWAN, sdwanQuery)
	if err != nil {
		return err
	}

	for _, s := range series {
		row := s.First()
		if row == nil {
			continue
		}
		fw := tagOr(s.Tags, "hostname", "UnknownFW")
		link := s.Tags["fgVWLHealthCheckLinkName"]
		if link == "" {
			link = s.Tags["hc_name"]
		}
		if link == "" {
			if v, ok := types.Stringify(row["link_name"]); ok && v != "" {
				link = v
			} else {
				link = "UnknownLink"
			}
		}

		snap := sdwanMetrics(row)
		metric := sdwanMetricName(fields, snap)

		_, err := process(ctx, h.deps, tx, rule, evaluation{
			Key:      "sdwan::" + fw + "::" + link + "::kpi",
			Logic:    rule.Logic,
			Snapshot: snap,
			Fields: map[string]any{
				"hostname":     fw,
				"link_name":    link,
				"metric_name":  metric,
				"metric_value": snap[metric],
			},
			Templates: templates{alert: "fortigate_sdwan_alert", recovery: "fortigate_sdwan_recovery"},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// sdwanMetrics prefers the fgVWL health-check fields and falls back to hc_*.
func sdwanMetrics(row map[string]any) types.MetricSnapshot {
	pick := func(keys ...string) any {
		for _, k := range keys {
			if f, ok := types.ToFloat(row[k]); ok {
				return f
			}
		}
		return nil
	}

	var linkState any
	down := "UP"
	if f, ok := types.ToFloat(row["link_state"]); ok {
		linkState = int(f)
		if int(f) != sdwanLinkUp {
			down = "DOWN"
		}
	}

	return types.MetricSnapshot{
		"sdwan_link_state":       linkState,
		"sdwan_link_down":        down,
		"sdwan_link_latency_ms":  pick("latency", "hc_latency"),
		"sdwan_link_jitter_ms":   pick("jitter", "hc_jitter"),
		"sdwan_link_packet_loss": pick("packet_loss", "hc_packet_loss"),
	}
}

// sdwanMetricName picks the field shown in SD-WAN notifications: a preferred
// KPI the rule references, then any referenced field, then the first KPI with data.
func sdwanMetricName(fields []string, snap types.MetricSnapshot) string {
	referenced := make(map[string]bool, len(fields))
	for _, f := range fields {
		referenced[f] = true
	}
	for _, p := range sdwanMetricPreference {
		if referenced[p] {
			return p
		}
	}
	for _, f := range fields {
		if _, ok := snap[f]; ok {
			return f
		}
	}
	for _, p := range sdwanMetricPreference {
		if snap[p] != nil {
			return p
		}
	}
	return "metric"
}

// =============================================================================
// SYSTEM
// =============================================================================

func (h *Fortigate) system(ctx context.Context, rule *types.Rule, tx *state.Tx, field string) error {
	series, err := h.query(ctx, FortigateSystem, fortigateSysQuery)
	if err != nil {
		return err
	}

	for _, s := range series {
		row := s.First()
		if row == nil {
			continue
		}
		fw := tagOr(s.Tags, "hostname", "UnknownFW")
		snap := types.MetricSnapshot{
			"mem_usage":     floatOrNil(row["mem_usage"]),
			"session_count": floatOrNil(row["session_count"]),
		}

		_, err := process(ctx, h.deps, tx, rule, evaluation{
			Key:      "fortigate_sys::" + fw,
			Logic:    rule.Logic,
			Snapshot: snap,
			Fields: map[string]any{
				"hostname":     fw,
				"metric_name":  field,
				"metric_value": snap[field],
			},
			Templates: templates{alert: "fortigate_sys_alert", recovery: "fortigate_sys_recovery"},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func tagOr(tags map[string]string, name, fallback string) string {
	if v := tags[name]; v != "" {
		return v
	}
	return fallback
}

func floatOrNil(v any) any {
	if f, ok := types.ToFloat(v); ok {
		return f
	}
	return nil
}
