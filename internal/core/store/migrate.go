package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gridlens/gridlens/internal/core"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS enrichment_jobs (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		dedup_key TEXT NOT NULL UNIQUE,
		resource TEXT NOT NULL,
		priority INTEGER NOT NULL,
		status TEXT NOT NULL,
		payload TEXT NOT NULL,
		requested_at INTEGER NOT NULL,
		claimed_at INTEGER,
		completed_at INTEGER,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		failure_reason TEXT,
		claim_token TEXT
	);`,
	`CREATE INDEX IF NOT EXISTS idx_enrichment_jobs_claim ON enrichment_jobs(status, priority, requested_at, seq);`,
	`CREATE INDEX IF NOT EXISTS idx_enrichment_jobs_resource ON enrichment_jobs(resource, status);`,
}

// Migrate ensures the required database tables exist.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return core.ErrStoreNotConfigured
	}

	if ctx == nil {
		ctx = context.Background()
	}

	for _, stmt := range schemaStatements {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store migration failed: %w", err)
		}
	}

	for _, column := range []string{"failure_reason", "claim_token"} {
		if err := s.ensureColumn(ctx, "enrichment_jobs", column, "TEXT"); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) ensureColumn(ctx context.Context, table, column, columnDef string) error {
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("inspect %s schema: %w", table, err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return fmt.Errorf("inspect %s columns: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect %s columns: %w", table, err)
	}

	if _, err := s.DB.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, columnDef)); err != nil {
		return fmt.Errorf("add %s.%s column: %w", table, column, err)
	}

	return nil
}
