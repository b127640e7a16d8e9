package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/autointelli/alertd/alertd/internal/metricsrc"
	"github.com/autointelli/alertd/alertd/internal/state"
	"github.com/autointelli/alertd/pkg/types"
)

// ifOperStatus values.
const (
	ifStatusUp   = 1
	ifStatusDown = 2
)

// interfacePageSize is the number of grouped series fetched per InfluxQL page.
const interfacePageSize = 1000

// Bandwidth evaluates SNMP interface operational status.
//
// The first time an interface is seen its entry is created as a baseline and
// no alert is raised. Statuses other than up or down reset the consecutive
// count without a transition.
type Bandwidth struct {
	deps   Deps
	logger *slog.Logger
}

// NewBandwidth creates the SNMP interface handler.
func NewBandwidth(deps Deps) *Bandwidth {
	deps = deps.withDefaults()
	return &Bandwidth{deps: deps, logger: deps.Logger.With("component", "handler", "type", "bandwidth")}
}

func (h *Bandwidth) Type() types.MonitoringType { return types.MonitoringBandwidth }

type ifaceSample struct {
	hostname string
	ifDescr  string
	status   int
}

func (h *Bandwidth) Execute(ctx context.Context, rule *types.Rule, tx *state.Tx) error {
	start := time.Now()
	logic := rule.Logic
	if logic.IsEmpty() {
		logic = types.Cond("ifOperStatus", "=", ifStatusDown)
	}

	var processed, baseline int
	for offset := 0; ; offset += interfacePageSize {
		page, n, err := h.fetchPage(ctx, rule, offset)
		if err != nil {
			return err
		}

		for _, s := range page {
			if rule.BandwidthHost != "" && s.hostname != rule.BandwidthHost {
				continue
			}
			if rule.BandwidthIface != "" && s.ifDescr != rule.BandwidthIface {
				continue
			}
			processed++

			created, err := h.evaluate(ctx, rule, tx, logic, s)
			if err != nil {
				return err
			}
			if created {
				baseline++
			}
		}

		if n < interfacePageSize {
			break
		}
	}

	h.logger.Debug("interfaces evaluated",
		"rule_id", rule.ID,
		"processed", processed,
		"baseline", baseline,
		"duration", time.Since(start),
	)
	return nil
}

// evaluate handles one interface. It returns true when a baseline entry was created.
func (h *Bandwidth) evaluate(ctx context.Context, rule *types.Rule, tx *state.Tx, logic types.LogicNode, s ifaceSample) (bool, error) {
	key := s.hostname + "::" + s.ifDescr

	seen, err := tx.Has(ctx, key)
	if err != nil {
		return false, err
	}
	if !seen {
		return true, tx.Put(ctx, key, types.EntryState{})
	}

	if s.status != ifStatusUp && s.status != ifStatusDown {
		e, err := tx.Get(ctx, key)
		if err != nil {
			return false, err
		}
		e.Consecutive = 0
		return false, tx.Put(ctx, key, e)
	}

	_, err = process(ctx, h.deps, tx, rule, evaluation{
		Key:   key,
		Logic: logic,
		Snapshot: types.MetricSnapshot{
			"ifOperStatus": s.status,
			"ifDescr":      s.ifDescr,
			"hostname":     s.hostname,
		},
		Fields:    map[string]any{"interface": s.ifDescr},
		Templates: templates{alert: "interface_down", recovery: "interface_recovery"},
	})
	return false, err
}

// fetchPage returns the samples of one page and the number of series it held.
func (h *Bandwidth) fetchPage(ctx context.Context, rule *types.Rule, offset int) ([]ifaceSample, int, error) {
	q := fmt.Sprintf(
		`SELECT LAST(ifOperStatus) AS ifOperStatus, LAST(ifDescr) AS ifDescr, LAST(hostname) AS hostname `+
			`FROM interface WHERE customer_name = %s GROUP BY hostname, ifDescr SLIMIT %d SOFFSET %d`,
		metricsrc.QuoteString(rule.CustomerName), interfacePageSize, offset,
	)
	series, err := h.deps.Influx.Query(ctx, q)
	if err != nil {
		return nil, 0, fmt.Errorf("fetching interfaces at offset %d: %w", offset, err)
	}

	out := make([]ifaceSample, 0, len(series))
	for _, s := range series {
		rows := s.Rows()
		if len(rows) == 0 {
			continue
		}
		row := rows[len(rows)-1]

		hostname := s.Tags["hostname"]
		if hostname == "" {
			hostname, _ = types.Stringify(row["hostname"])
		}
		if hostname == "" {
			hostname = "unknown"
		}
		ifDescr, _ := types.Stringify(row["ifDescr"])
		if ifDescr == "" {
			ifDescr = s.Tags["ifDescr"]
		}
		if ifDescr == "" {
			ifDescr = "unknown"
		}

		status := ifStatusUp
		if f, ok := types.ToFloat(row["ifOperStatus"]); ok {
			status = int(f)
		}

		out = append(out, ifaceSample{hostname: hostname, ifDescr: ifDescr, status: status})
	}
	return out, len(series), nil
}
