package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/autointelli/alertd/alertd/internal/evaluator"
	"github.com/autointelli/alertd/alertd/internal/metricsrc"
	"github.com/autointelli/alertd/alertd/internal/state"
	"github.com/autointelli/alertd/pkg/types"
	"github.com/prometheus/common/model"
)

const (
	fstypeFilter = `fstype!~"tmpfs|overlay|squashfs|aufs|ramfs|nsfs|tracefs|cgroup2?"`
	deviceFilter = `device!~"lo|docker.*|veth.*|br-.*|cni.*|flannel.*"`
	serverByInst = "instance"
)

// Server evaluates host metrics from node_exporter and windows_exporter.
//
// Granularity follows the fields the logic references: any disk field gives
// one target per mount or volume, else any network field gives one target per
// interface, else one target per host.
type Server struct {
	deps   Deps
	logger *slog.Logger
}

// NewServer creates the server handler.
func NewServer(deps Deps) *Server {
	deps = deps.withDefaults()
	return &Server{deps: deps, logger: deps.Logger.With("component", "handler", "type", "server")}
}

func (h *Server) Type() types.MonitoringType { return types.MonitoringServer }

// serverNeeds records which metric families a rule references.
type serverNeeds struct {
	fields map[string]bool
	cpu    bool
	mem    bool
	disk   bool
	net    bool
}

func needsOf(logic types.LogicNode) serverNeeds {
	n := serverNeeds{fields: make(map[string]bool)}
	for _, f := range evaluator.Fields(logic) {
		n.fields[f] = true
	}
	n.cpu = n.fields["cpu_usage"]
	n.mem = n.fields["mem_usage"]
	n.disk = n.fields["disk_usage"] || n.fields["disk_free"]
	n.net = n.fields["net_mbps"] || n.fields["net_util"] ||
		n.fields["network_receive_mbps"] || n.fields["network_transmit_mbps"]
	return n
}

// subKey is a (host, disk) or (host, iface) pair.
type subKey struct{ host, sub string }

func (h *Server) Execute(ctx context.Context, rule *types.Rule, tx *state.Tx) error {
	if rule.Logic.IsEmpty() {
		h.logger.Debug("rule has empty logic, skipping", "rule_id", rule.ID)
		return nil
	}
	need := needsOf(rule.Logic)
	m := h.matcher(rule)

	base := make(map[string]types.MetricSnapshot)
	hostMetric := func(field, q string) error {
		vec, err := h.deps.Prom.Query(ctx, q)
		if err != nil {
			return fmt.Errorf("querying %s: %w", field, err)
		}
		for _, s := range vec {
			v, ok := finite(s.Value)
			if !ok {
				continue
			}
			host := guessHost(s.Metric)
			if base[host] == nil {
				base[host] = types.MetricSnapshot{}
			}
			base[host][field] = v
		}
		return nil
	}
	if need.cpu {
		if err := hostMetric("cpu_usage", cpuQuery(m)); err != nil {
			return err
		}
	}
	if need.mem {
		if err := hostMetric("mem_usage", memQuery(m)); err != nil {
			return err
		}
	}

	switch {
	case need.disk:
		return h.evaluateDisks(ctx, rule, tx, need, m, base)
	case need.net:
		return h.evaluateIfaces(ctx, rule, tx, need, m, base)
	}

	alert, recovery := serverTemplates(rule, "host")
	for _, host := range sortedKeys(base) {
		_, err := process(ctx, h.deps, tx, rule, evaluation{
			Key:       host,
			Logic:     rule.Logic,
			Snapshot:  base[host],
			Fields:    map[string]any{"hostname": host, "scope": "host"},
			Templates: templates{alert: alert, recovery: recovery},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *Server) evaluateDisks(ctx context.Context, rule *types.Rule, tx *state.Tx, need serverNeeds, m matcher, base map[string]types.MetricSnapshot) error {
	disks := make(map[subKey]types.MetricSnapshot)
	collect := func(field, q string) error {
		vec, err := h.deps.Prom.Query(ctx, q)
		if err != nil {
			return fmt.Errorf("querying %s: %w", field, err)
		}
		for _, s := range vec {
			v, ok := finite(s.Value)
			if !ok {
				continue
			}
			k := subKey{host: guessHost(s.Metric), sub: diskLabel(s.Metric)}
			if disks[k] == nil {
				disks[k] = types.MetricSnapshot{}
			}
			disks[k][field] = v
		}
		return nil
	}
	if need.fields["disk_usage"] {
		if err := collect("disk_usage", diskUsageQuery(m)); err != nil {
			return err
		}
	}
	if need.fields["disk_free"] {
		if err := collect("disk_free", diskFreeQuery(m)); err != nil {
			return err
		}
	}

	alert, recovery := serverTemplates(rule, "disk")
	for _, k := range sortedSubKeys(disks) {
		snap := mergeSnapshots(base[k.host], disks[k])
		_, err := process(ctx, h.deps, tx, rule, evaluation{
			Key:       k.host + "|disk|" + k.sub,
			Logic:     rule.Logic,
			Snapshot:  snap,
			Fields:    map[string]any{"hostname": k.host, "disk": k.sub, "mount": k.sub, "scope": "disk"},
			Templates: templates{alert: alert, recovery: recovery},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *Server) evaluateIfaces(ctx context.Context, rule *types.Rule, tx *state.Tx, need serverNeeds, m matcher, base map[string]types.MetricSnapshot) error {
	wantRx := need.fields["network_receive_mbps"]
	wantTx := need.fields["network_transmit_mbps"]
	wantTotal := need.fields["net_mbps"] || need.fields["net_util"]

	collect := func(field, q string) (map[subKey]float64, error) {
		vec, err := h.deps.Prom.Query(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("querying %s: %w", field, err)
		}
		out := make(map[subKey]float64, len(vec))
		for _, s := range vec {
			if v, ok := finite(s.Value); ok {
				out[subKey{host: guessHost(s.Metric), sub: ifaceLabel(s.Metric)}] = v
			}
		}
		return out, nil
	}

	var rx, txm, link map[subKey]float64
	var err error
	if wantRx || wantTotal {
		if rx, err = collect("network_receive_mbps", netQuery(m, "receive")); err != nil {
			return err
		}
	}
	if wantTx || wantTotal {
		if txm, err = collect("network_transmit_mbps", netQuery(m, "transmit")); err != nil {
			return err
		}
	}
	if need.fields["net_util"] {
		if link, err = collect("link_mbps", linkQuery(m)); err != nil {
			return err
		}
	}

	ifaces := make(map[subKey]types.MetricSnapshot)
	touch := func(k subKey) types.MetricSnapshot {
		if ifaces[k] == nil {
			ifaces[k] = types.MetricSnapshot{}
		}
		return ifaces[k]
	}
	for k, v := range rx {
		touch(k)["network_receive_mbps"] = v
	}
	for k, v := range txm {
		touch(k)["network_transmit_mbps"] = v
	}
	for k := range link {
		touch(k)
	}
	if wantTotal {
		for k, snap := range ifaces {
			r, hasRx := rx[k]
			t, hasTx := txm[k]
			if !hasRx && !hasTx {
				continue
			}
			total := r + t
			snap["net_mbps"] = total
			if l, ok := link[k]; ok && l > 0 {
				snap["net_util"] = total * 100 / l
			}
		}
	}

	alert, recovery := serverTemplates(rule, "net")
	for _, k := range sortedSubKeys(ifaces) {
		snap := mergeSnapshots(base[k.host], ifaces[k])
		_, err := process(ctx, h.deps, tx, rule, evaluation{
			Key:       k.host + "|net|" + k.sub,
			Logic:     rule.Logic,
			Snapshot:  snap,
			Fields:    map[string]any{"hostname": k.host, "interface": k.sub, "scope": "net"},
			Templates: templates{alert: alert, recovery: recovery},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// serverTemplates picks templates from the rule name.
func serverTemplates(rule *types.Rule, scope string) (string, string) {
	name := strings.ToLower(rule.Name)
	switch {
	case strings.Contains(name, "cpu"):
		return "server_cpu_high", "server_cpu_recovery"
	case strings.Contains(name, "mem"):
		return "server_mem_high", "server_mem_recovery"
	case strings.Contains(name, "disk"):
		return "server_disk_high", "server_disk_recovery"
	case strings.Contains(name, "net"), strings.Contains(name, "bandwidth"):
		return "server_net_high", "server_net_recovery"
	}
	return "server_" + scope + "_alert", "server_" + scope + "_recovery"
}

// =============================================================================
// PROMQL
// =============================================================================

// matcher renders label matchers scoped to the rule's tenant.
type matcher struct {
	tenant []string
}

func (h *Server) matcher(rule *types.Rule) matcher {
	return tenantMatcher(h.deps.TenantLabel, rule.CustomerName)
}

func tenantMatcher(label, value string) matcher {
	if value == "" {
		return matcher{}
	}
	return matcher{tenant: []string{label + "=" + metricsrc.QuoteLabel(value)}}
}

// sel renders {tenant, extra...}.
func (m matcher) sel(extra ...string) string {
	parts := append(append([]string{}, m.tenant...), extra...)
	return "{" + strings.Join(parts, ",") + "}"
}

func orAll(qs ...string) string { return strings.Join(qs, " or ") }

func cpuQuery(m matcher) string {
	idle := m.sel(`mode="idle"`)
	q := func(metric string) string {
		return fmt.Sprintf("(100 - (avg by (%s) (rate(%s%s[5m])) * 100))", serverByInst, metric, idle)
	}
	return orAll(q("node_cpu_seconds_total"), q("windows_cpu_time_total"), q("wmi_cpu_time_total"))
}

func memQuery(m matcher) string {
	s := m.sel()
	q := func(free, total string) string {
		return fmt.Sprintf("((1 - (%s%s / %s%s)) * 100)", free, s, total, s)
	}
	return orAll(
		q("node_memory_MemAvailable_bytes", "node_memory_MemTotal_bytes"),
		q("windows_os_physical_memory_free_bytes", "windows_cs_physical_memory_bytes"),
		q("wmi_os_physical_memory_free_bytes", "wmi_cs_physical_memory_bytes"),
	)
}

func diskRatio(m matcher, used bool) string {
	ratio := func(free, size, sel string) string {
		r := fmt.Sprintf("(100 * (%s%s / %s%s))", free, sel, size, sel)
		if used {
			r = "(100 - " + r + ")"
		}
		return r
	}
	by := func(label, expr string) string {
		return fmt.Sprintf("(max by (%s, %s) (%s))", serverByInst, label, expr)
	}
	return orAll(
		by("mountpoint", ratio("node_filesystem_avail_bytes", "node_filesystem_size_bytes", m.sel(fstypeFilter))),
		by("volume", ratio("windows_logical_disk_free_bytes", "windows_logical_disk_size_bytes", m.sel())),
		by("volume", ratio("wmi_logical_disk_free_bytes", "wmi_logical_disk_size_bytes", m.sel())),
	)
}

func diskUsageQuery(m matcher) string { return diskRatio(m, true) }
func diskFreeQuery(m matcher) string  { return diskRatio(m, false) }

// netQuery renders the per-interface Mbps query for direction "receive" or "transmit".
func netQuery(m matcher, dir string) string {
	win := "windows_net_bytes_received_total"
	wmi := "wmi_net_bytes_received_total"
	if dir == "transmit" {
		win = "windows_net_bytes_sent_total"
		wmi = "wmi_net_bytes_sent_total"
	}
	rate := func(metric, sel, label string) string {
		return fmt.Sprintf("(sum by (%s, %s) ((rate(%s%s[5m]) * 8 / 1e6)))", serverByInst, label, metric, sel)
	}
	return orAll(
		rate("node_network_"+dir+"_bytes_total", m.sel(deviceFilter), "device"),
		rate(win, m.sel(), "nic"),
		rate(wmi, m.sel(), "nic"),
	)
}

func linkQuery(m matcher) string {
	by := func(label, expr string) string {
		return fmt.Sprintf("(max by (%s, %s) (%s))", serverByInst, label, expr)
	}
	return orAll(
		by("device", "(node_network_speed_bytes"+m.sel(deviceFilter)+" * 8 / 1e6)"),
		by("nic", "(windows_net_current_bandwidth_bytes"+m.sel()+" * 8 / 1e6)"),
		by("nic", "(wmi_net_current_bandwidth_bytes"+m.sel()+" * 8 / 1e6)"),
		by("nic", "(windows_net_current_bandwidth"+m.sel()+" / 1e6)"),
	)
}

// =============================================================================
// LABELS
// =============================================================================

// guessHost prefers stable hostname labels and falls back to instance without its port.
func guessHost(labels model.Metric) string {
	for _, k := range []model.LabelName{"hostname", "host", "nodename", "computer", "fqdn"} {
		if v := labels[k]; v != "" {
			return string(v)
		}
	}
	if v := labels["instance"]; v != "" {
		host, _, _ := strings.Cut(string(v), ":")
		return host
	}
	return "unknown"
}

func diskLabel(labels model.Metric) string {
	return firstLabel(labels, "mountpoint", "volume", "device", "path")
}

func ifaceLabel(labels model.Metric) string {
	return firstLabel(labels, "device", "nic", "interface", "adapter")
}

func firstLabel(labels model.Metric, names ...model.LabelName) string {
	for _, k := range names {
		if v := labels[k]; v != "" {
			return string(v)
		}
	}
	return "unknown"
}

func finite(v model.SampleValue) (float64, bool) {
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func mergeSnapshots(snaps ...types.MetricSnapshot) types.MetricSnapshot {
	out := types.MetricSnapshot{}
	for _, s := range snaps {
		for k, v := range s {
			out[k] = v
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedSubKeys[V any](m map[subKey]V) []subKey {
	keys := make([]subKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].host != keys[j].host {
			return keys[i].host < keys[j].host
		}
		return keys[i].sub < keys[j].sub
	})
	return keys
}
