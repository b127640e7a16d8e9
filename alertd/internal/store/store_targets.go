package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/autointelli/alertd/pkg/types"
	"github.com/jackc/pgx/v5"
)

// =============================================================================
// CONTACTS & SMTP
// =============================================================================

// ResolveRecipients returns the distinct non-empty emails of a contact group, sorted.
func (s *Store) ResolveRecipients(ctx context.Context, groupID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT trim(c.email)
		FROM contacts c
		JOIN contact_groups g ON g.id = c.group_id
		WHERE g.id = $1 AND c.email IS NOT NULL AND trim(c.email) <> ''
		ORDER BY 1
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("querying contacts: %w", err)
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		emails = append(emails, email)
	}
	return emails, rows.Err()
}

// GetContactGroup retrieves a contact group with its contacts.
func (s *Store) GetContactGroup(ctx context.Context, groupID int64) (*types.ContactGroup, error) {
	var g types.ContactGroup
	err := s.pool.QueryRow(ctx, `
		SELECT id, customer_id, name FROM contact_groups WHERE id = $1
	`, groupID).Scan(&g.ID, &g.CustomerID, &g.Name)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, COALESCE(name, ''), COALESCE(email, '') FROM contacts
		WHERE group_id = $1 ORDER BY id
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("querying contacts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c types.Contact
		if err := rows.Scan(&c.ID, &c.Name, &c.Email); err != nil {
			return nil, err
		}
		g.Contacts = append(g.Contacts, c)
	}
	return &g, rows.Err()
}

// GetSMTPConfig returns the first configured mail relay, or nil when none exists.
func (s *Store) GetSMTPConfig(ctx context.Context) (*types.SMTPConfig, error) {
	var (
		cfg      types.SMTPConfig
		security string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT host, port, COALESCE(security, ''), sender,
			COALESCE(username, ''), COALESCE(password, ''), COALESCE(password_ref, '')
		FROM smtp_config ORDER BY id LIMIT 1
	`).Scan(&cfg.Host, &cfg.Port, &security, &cfg.Sender, &cfg.Username, &cfg.Password, &cfg.PasswordRef)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying smtp config: %w", err)
	}
	cfg.Security = types.ParseSMTPSecurity(security)
	return &cfg, nil
}

// =============================================================================
// TARGETS
// =============================================================================

const targetColumns = `
	id, customer_id, monitoring_type, COALESCE(name, ''), COALESCE(host, ''),
	COALESCE(port, 0), COALESCE(url, ''), COALESCE(source, ''), is_enabled`

// ListTargets returns the enabled monitors of a tenant for one monitoring type.
func (s *Store) ListTargets(ctx context.Context, customerID int64, mt types.MonitoringType) ([]*types.Target, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+targetColumns+` FROM monitors
		WHERE customer_id = $1 AND lower(monitoring_type) = $2 AND is_enabled = TRUE
		ORDER BY id
	`, customerID, strings.ToLower(string(mt)))
	if err != nil {
		return nil, fmt.Errorf("querying monitors: %w", err)
	}
	defer rows.Close()

	var targets []*types.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning monitor: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// GetTarget retrieves a single monitor by ID, or nil when it does not exist.
func (s *Store) GetTarget(ctx context.Context, id int64) (*types.Target, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+targetColumns+` FROM monitors WHERE id = $1`, id)
	t, err := scanTarget(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying monitor %d: %w", id, err)
	}
	return t, nil
}

func scanTarget(row pgx.Row) (*types.Target, error) {
	var (
		t  types.Target
		mt string
	)
	if err := row.Scan(&t.ID, &t.CustomerID, &mt, &t.Name, &t.Host, &t.Port, &t.URL, &t.Source, &t.Enabled); err != nil {
		return nil, err
	}
	t.MonitoringType = types.ParseMonitoringType(mt)
	return &t, nil
}

// =============================================================================
// LICENSING
// =============================================================================

// GetLicense returns the tenant's license with its per-type limits, or nil.
func (s *Store) GetLicense(ctx context.Context, customerID int64) (*types.License, error) {
	var lic types.License
	err := s.pool.QueryRow(ctx, `
		SELECT id, customer_id, expires_at, COALESCE(grace_days, 0)
		FROM licenses WHERE customer_id = $1
		ORDER BY id DESC LIMIT 1
	`, customerID).Scan(&lic.ID, &lic.CustomerID, &lic.ExpiresAt, &lic.GraceDays)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying license: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT monitoring_type, max_count FROM license_items WHERE license_id = $1
	`, lic.ID)
	if err != nil {
		return nil, fmt.Errorf("querying license items: %w", err)
	}
	defer rows.Close()

	lic.Limits = make(map[types.MonitoringType]int)
	for rows.Next() {
		var (
			mt    string
			limit int
		)
		if err := rows.Scan(&mt, &limit); err != nil {
			return nil, err
		}
		lic.Limits[types.ParseMonitoringType(mt)] = limit
	}
	return &lic, rows.Err()
}

// CountMonitors returns the tenant's monitor count per monitoring type.
func (s *Store) CountMonitors(ctx context.Context, customerID int64) (map[types.MonitoringType]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT lower(monitoring_type), COUNT(*) FROM monitors
		WHERE customer_id = $1
		GROUP BY lower(monitoring_type)
	`, customerID)
	if err != nil {
		return nil, fmt.Errorf("counting monitors: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.MonitoringType]int)
	for rows.Next() {
		var (
			mt string
			n  int
		)
		if err := rows.Scan(&mt, &n); err != nil {
			return nil, err
		}
		counts[types.ParseMonitoringType(mt)] += n
	}
	return counts, rows.Err()
}
