package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration is a forward-only schema change.
type Migration struct {
	Version     int
	Description string
	Up          string
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Card state record",
		Up: `
CREATE TABLE IF NOT EXISTS card_state (
    card_id         TEXT PRIMARY KEY,
    retry_counter   INTEGER NOT NULL,
    authenticated   INTEGER NOT NULL,
    muted           INTEGER NOT NULL,
    reference_pin   BLOB NOT NULL,
    tamper_count    INTEGER NOT NULL DEFAULT 0,
    updated_at      INTEGER NOT NULL,
    mac             BLOB NOT NULL
);`,
	},
	{
		Version:     2,
		Description: "Fault campaign results",
		Up: `
CREATE TABLE IF NOT EXISTS campaign_results (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT NOT NULL,
    preset      TEXT NOT NULL,
    fault       TEXT NOT NULL,
    outcome     TEXT NOT NULL,
    created_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_campaign_results_run ON campaign_results(run_id, preset);`,
	},
	{
		Version:     3,
		Description: "Campaign scenario and truncation",
		Up: `
ALTER TABLE campaign_results ADD COLUMN scenario TEXT NOT NULL DEFAULT '';
ALTER TABLE campaign_results ADD COLUMN truncated INTEGER NOT NULL DEFAULT 0;`,
	},
}

// MigrateDB applies all pending migrations.
func MigrateDB(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := SchemaVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration, zero for a new database.
func SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("get current version: %w", err)
	}
	return v, nil
}
