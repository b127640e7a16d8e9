// Package migrate applies the embedded alertd schema migrations.
//
// Migration files live in migrations/ and are named NNN_descriptive_name.sql.
// They are applied in version order, each inside its own transaction, and
// recorded in schema_migrations together with a SHA-256 checksum of the file.
// A recorded migration whose file content later changed is reported as drift
// and left alone.
//
//	store, _ := store.NewStoreFromURL(ctx, databaseURL)
//	if err := migrate.Run(ctx, store.Pool(), logger); err != nil {
//	    ...
//	}
package migrate

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Record is an applied migration as stored in schema_migrations.
type Record struct {
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	Checksum  string    `json:"checksum"`
	AppliedAt time.Time `json:"applied_at"`
}

// Status summarizes the migration state of a database.
type Status struct {
	Applied []Record `json:"applied"`
	Pending []string `json:"pending"`
	Drifted []string `json:"drifted,omitempty"`
}

// Migration is one migration file.
type Migration struct {
	Version  int
	Name     string
	SQL      string
	Checksum string
}

// Label renders the migration as NNN_name.
func (m Migration) Label() string {
	return fmt.Sprintf("%03d_%s", m.Version, m.Name)
}

// Run applies all pending embedded migrations.
func Run(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	logger = logger.With("component", "migrate")

	available, err := Load(embedded, "migrations")
	if err != nil {
		return fmt.Errorf("reading migration files: %w", err)
	}

	if _, err := pool.Exec(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	applied, err := appliedRecords(ctx, pool)
	if err != nil {
		return fmt.Errorf("getting applied migrations: %w", err)
	}

	pending, drifted := Plan(available, applied)
	for _, label := range drifted {
		logger.Warn("applied migration changed on disk", "migration", label)
	}

	for _, mig := range pending {
		start := time.Now()
		if err := apply(ctx, pool, mig); err != nil {
			return fmt.Errorf("applying migration %s: %w", mig.Label(), err)
		}
		logger.Info("migration applied",
			"version", mig.Version,
			"name", mig.Name,
			"duration", time.Since(start),
		)
	}

	logger.Info("database schema is up to date",
		"applied_now", len(pending),
		"total", len(applied)+len(pending),
	)
	return nil
}

// GetStatus reports applied, pending and drifted migrations without changing anything.
func GetStatus(ctx context.Context, pool *pgxpool.Pool) (*Status, error) {
	var exists bool
	err := pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_schema = 'public' AND table_name = 'schema_migrations'
		)
	`).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("checking migrations table: %w", err)
	}

	status := &Status{}
	if exists {
		if status.Applied, err = appliedRecords(ctx, pool); err != nil {
			return nil, err
		}
	}

	available, err := Load(embedded, "migrations")
	if err != nil {
		return nil, err
	}
	pending, drifted := Plan(available, status.Applied)
	for _, m := range pending {
		status.Pending = append(status.Pending, m.Label())
	}
	status.Drifted = drifted
	return status, nil
}

// Load reads and sorts the migration files under dir.
func Load(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	var out []Migration
	seen := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, name, err := parseFilename(entry.Name())
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("duplicate migration version %03d: %s and %s", version, prev, entry.Name())
		}
		seen[version] = entry.Name()

		content, err := fs.ReadFile(fsys, dir+"/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}
		sum := sha256.Sum256(content)
		out = append(out, Migration{
			Version:  version,
			Name:     name,
			SQL:      string(content),
			Checksum: hex.EncodeToString(sum[:]),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Plan returns the migrations not yet applied, in order, and the labels of
// applied migrations whose checksum no longer matches. Records without a
// checksum are not treated as drift.
func Plan(available []Migration, applied []Record) (pending []Migration, drifted []string) {
	byVersion := make(map[int]Record, len(applied))
	for _, r := range applied {
		byVersion[r.Version] = r
	}
	for _, m := range available {
		rec, ok := byVersion[m.Version]
		if !ok {
			pending = append(pending, m)
			continue
		}
		if rec.Checksum != "" && rec.Checksum != m.Checksum {
			drifted = append(drifted, m.Label())
		}
	}
	return pending, drifted
}

// parseFilename splits NNN_name.sql into its version and name.
func parseFilename(filename string) (int, string, error) {
	base := strings.TrimSuffix(filename, ".sql")
	num, name, ok := strings.Cut(base, "_")
	if !ok || name == "" {
		return 0, "", fmt.Errorf("invalid migration filename %s (expected NNN_name.sql)", filename)
	}
	version, err := strconv.Atoi(num)
	if err != nil || version <= 0 {
		return 0, "", fmt.Errorf("invalid version number in %s", filename)
	}
	return version, name, nil
}

const createMigrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		checksum TEXT NOT NULL DEFAULT '',
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	ALTER TABLE schema_migrations ADD COLUMN IF NOT EXISTS checksum TEXT NOT NULL DEFAULT ''`

func appliedRecords(ctx context.Context, pool *pgxpool.Pool) ([]Record, error) {
	rows, err := pool.Query(ctx, `
		SELECT version, name, checksum, applied_at
		FROM schema_migrations
		ORDER BY version
	`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var r Record
		err := row.Scan(&r.Version, &r.Name, &r.Checksum, &r.AppliedAt)
		return r, err
	})
}

func apply(ctx context.Context, pool *pgxpool.Pool, mig Migration) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, mig.SQL); err != nil {
		return fmt.Errorf("executing SQL: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO schema_migrations (version, name, checksum) VALUES ($1, $2, $3)
	`, mig.Version, mig.Name, mig.Checksum); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}
	return tx.Commit(ctx)
}
