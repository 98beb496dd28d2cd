package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

const (
	// CurrentSchemaVersion tracks the database schema version
	CurrentSchemaVersion = "1.1.0"
)

// Migration represents a database schema migration
type Migration struct {
	Version string
	Up      string
	Down    string
}

// AllMigrations contains all database migrations in order
var AllMigrations = []Migration{
	{
		Version: "1.0.0",
		Up:      migrationV1Up,
		Down:    migrationV1Down,
	},
	{
		Version: "1.1.0",
		Up:      migrationV11Up,
		Down:    migrationV11Down,
	},
}

const migrationV1Up = `
-- Schema version tracking
CREATE TABLE IF NOT EXISTS schema_version (
    version TEXT PRIMARY KEY,
    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

-- Queue items, one per discovered record
CREATE TABLE IF NOT EXISTS queue_items (
    item_id TEXT PRIMARY KEY,
    item_type TEXT NOT NULL,
    occurred_on TEXT NOT NULL,
    state TEXT NOT NULL DEFAULT 'PENDING'
        CHECK (state IN ('PENDING', 'PROCESSING', 'COMPLETED', 'FAILED')),
    attempt_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    updated_at TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_queue_claim ON queue_items(state, occurred_on, item_id);
CREATE INDEX IF NOT EXISTS idx_queue_day_type ON queue_items(occurred_on, item_type);
`

const migrationV1Down = `
DROP INDEX IF EXISTS idx_queue_day_type;
DROP INDEX IF EXISTS idx_queue_claim;
DROP TABLE IF EXISTS queue_items;
DROP TABLE IF EXISTS schema_version;
`

const migrationV11Up = `
-- Claim fencing and harvested listing payload
ALTER TABLE queue_items ADD COLUMN claim_token TEXT;
ALTER TABLE queue_items ADD COLUMN payload BLOB;

CREATE TRIGGER IF NOT EXISTS queue_items_occurred_on_immutable
BEFORE UPDATE OF occurred_on ON queue_items
WHEN new.occurred_on <> old.occurred_on
BEGIN
    SELECT RAISE(ABORT, 'occurred_on is immutable');
END;

CREATE TRIGGER IF NOT EXISTS queue_items_no_delete
BEFORE DELETE ON queue_items
BEGIN
    SELECT RAISE(ABORT, 'queue items are never deleted');
END;
`

const migrationV11Down = `
DROP TRIGGER IF EXISTS queue_items_no_delete;
DROP TRIGGER IF EXISTS queue_items_occurred_on_immutable;
ALTER TABLE queue_items DROP COLUMN payload;
ALTER TABLE queue_items DROP COLUMN claim_token;
`

// SchemaVersion returns the highest applied migration version, or 0.0.0 for
// a fresh database.
func SchemaVersion(ctx context.Context, db *sql.DB) (*semver.Version, error) {
	var tableName string
	err := db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if err == sql.ErrNoRows {
		return semver.MustParse("0.0.0"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check schema_version table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_version")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_version: %w", err)
	}
	defer rows.Close()

	// applied_at has second resolution, so order by semver rather than time
	current := semver.MustParse("0.0.0")
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		v, err := semver.NewVersion(s)
		if err != nil {
			return nil, fmt.Errorf("invalid schema version %s: %w", s, err)
		}
		if v.GreaterThan(current) {
			current = v
		}
	}
	return current, rows.Err()
}

// ApplyMigrations runs all pending migrations, each in its own transaction
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	currentVersion, err := SchemaVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, migration := range AllMigrations {
		migrationVersion, err := semver.NewVersion(migration.Version)
		if err != nil {
			return fmt.Errorf("invalid migration version %s: %w", migration.Version, err)
		}

		if !currentVersion.LessThan(migrationVersion) {
			continue // Already applied
		}

		if err := runInTx(ctx, db, migration.Up, "INSERT INTO schema_version (version) VALUES (?)", migration.Version); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
		}

		currentVersion = migrationVersion
	}

	return nil
}

// RollbackMigration rolls back the most recent migration
func RollbackMigration(ctx context.Context, db *sql.DB) error {
	current, err := SchemaVersion(ctx, db)
	if err != nil {
		return err
	}

	var migration *Migration
	for i := range AllMigrations {
		v := semver.MustParse(AllMigrations[i].Version)
		if v.Equal(current) {
			migration = &AllMigrations[i]
			break
		}
	}
	if migration == nil {
		return fmt.Errorf("no migration to rollback at version %s", current)
	}

	// The first migration drops schema_version itself
	if migration.Version == AllMigrations[0].Version {
		if _, err := db.ExecContext(ctx, migration.Down); err != nil {
			return fmt.Errorf("failed to rollback migration %s: %w", migration.Version, err)
		}
		return nil
	}

	if err := runInTx(ctx, db, migration.Down, "DELETE FROM schema_version WHERE version = ?", migration.Version); err != nil {
		return fmt.Errorf("failed to rollback migration %s: %w", migration.Version, err)
	}
	return nil
}

func runInTx(ctx context.Context, db *sql.DB, script, record, version string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, script); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, record, version); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit()
}
