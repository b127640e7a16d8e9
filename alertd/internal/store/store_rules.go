package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/autointelli/alertd/pkg/types"
	"github.com/jackc/pgx/v5"
)

// =============================================================================
// RULES
// =============================================================================

const ruleColumns = `
	r.id, r.customer_id, COALESCE(c.name, ''), r.name, r.monitoring_type, r.logic_json,
	r.evaluation_count, r.contact_group_id, r.is_enabled,
	COALESCE(r.bw_hostname, ''), COALESCE(r.bw_interface, ''), COALESCE(r.svc_instance, ''),
	r.oracle_monitor_id, COALESCE(r.oracle_tablespace, ''),
	r.created_at, r.updated_at`

const ruleFrom = ` FROM alert_rules r LEFT JOIN customers c ON c.id = r.customer_id`

// ListEnabledRules returns enabled rules matching the filter, ordered by id.
func (s *Store) ListEnabledRules(ctx context.Context, filter types.RuleFilter) ([]*types.Rule, error) {
	var (
		conds = []string{"r.is_enabled = TRUE"}
		args  []any
	)
	if filter.CustomerID != nil {
		args = append(args, *filter.CustomerID)
		conds = append(conds, fmt.Sprintf("r.customer_id = $%d", len(args)))
	}
	if len(filter.Types) > 0 {
		names := make([]string, 0, len(filter.Types))
		for _, t := range filter.Types {
			names = append(names, strings.ToLower(string(t)))
			if t == types.MonitoringBandwidth {
				names = append(names, "snmp_interface")
			}
		}
		args = append(args, names)
		conds = append(conds, fmt.Sprintf("lower(r.monitoring_type) = ANY($%d)", len(args)))
	}

	query := `SELECT ` + ruleColumns + ruleFrom + ` WHERE ` +
		strings.Join(conds, " AND ") + ` ORDER BY r.id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying rules: %w", err)
	}
	defer rows.Close()

	var rules []*types.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// GetRule retrieves a rule by ID.
func (s *Store) GetRule(ctx context.Context, id int64) (*types.Rule, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+ruleColumns+ruleFrom+` WHERE r.id = $1`, id)
	r, err := scanRule(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func scanRule(row pgx.Row) (*types.Rule, error) {
	var (
		r         types.Rule
		mt        string
		logicJSON []byte
	)
	err := row.Scan(
		&r.ID, &r.CustomerID, &r.CustomerName, &r.Name, &mt, &logicJSON,
		&r.EvaluationCount, &r.ContactGroupID, &r.Enabled,
		&r.BandwidthHost, &r.BandwidthIface, &r.ServiceInstance,
		&r.OracleMonitorID, &r.OracleTablespace,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.MonitoringType = types.ParseMonitoringType(mt)
	// A malformed logic document decodes to an invalid node, which never matches.
	r.Logic = types.ParseLogic(logicJSON)
	return &r, nil
}

// =============================================================================
// RULE STATE
// =============================================================================

// LoadRuleState returns the hysteresis state of a rule, or an empty state.
func (s *Store) LoadRuleState(ctx context.Context, ruleID, tenantID int64) (types.RuleState, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT extended_state FROM alert_rule_state
		WHERE rule_id = $1 AND customer_id = $2
	`, ruleID, tenantID).Scan(&raw)
	if err == pgx.ErrNoRows {
		return types.RuleState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying rule state: %w", err)
	}
	return DecodeRuleState(raw), nil
}

// SaveRuleState replaces the entries of a rule's state document. Other keys
// of the stored document are kept. The read and the upsert share one
// transaction with the row locked.
func (s *Store) SaveRuleState(ctx context.Context, ruleID, tenantID int64, st types.RuleState) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning rule state transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var existing []byte
	err = tx.QueryRow(ctx, `
		SELECT extended_state FROM alert_rule_state
		WHERE rule_id = $1 AND customer_id = $2
		FOR UPDATE
	`, ruleID, tenantID).Scan(&existing)
	if err != nil && err != pgx.ErrNoRows {
		return fmt.Errorf("locking rule state: %w", err)
	}

	doc, err := MergeRuleState(existing, st)
	if err != nil {
		return fmt.Errorf("encoding rule state: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO alert_rule_state (rule_id, customer_id, extended_state, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (rule_id, customer_id) DO UPDATE SET
			extended_state = EXCLUDED.extended_state,
			updated_at = EXCLUDED.updated_at
	`, ruleID, tenantID, doc, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upserting rule state: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing rule state: %w", err)
	}
	return nil
}
