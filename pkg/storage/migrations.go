package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
)

// Migration is one versioned schema change
type Migration struct {
	SQL         string
	Description string
	Version     int
}

// migrations is the ordered schema history. Append only; never edit an applied entry.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Create schema_version and routes tables",
		SQL: `
			CREATE TABLE IF NOT EXISTS schema_version (
				version INTEGER PRIMARY KEY,
				applied_at DATETIME NOT NULL
			);

			CREATE TABLE IF NOT EXISTS routes (
				address TEXT PRIMARY KEY,
				first_seen INTEGER NOT NULL,
				last_seen INTEGER NOT NULL,
				hits INTEGER NOT NULL DEFAULT 1,
				installed INTEGER NOT NULL DEFAULT 0
			);
		`,
	},
	{
		Version:     2,
		Description: "Add index for most recently seen routes",
		SQL: `
			-- Speeds up: SELECT ... FROM routes ORDER BY last_seen DESC LIMIT ?
			CREATE INDEX IF NOT EXISTS idx_routes_last_seen ON routes(last_seen);
		`,
	},
}

// getMigrations returns all migrations sorted by version
func getMigrations() []Migration {
	result := make([]Migration, len(migrations))
	copy(result, migrations)

	sort.Slice(result, func(i, j int) bool {
		return result[i].Version < result[j].Version
	})

	return result
}

// getCurrentVersion returns the current schema version, 0 for a fresh database
func getCurrentVersion(db *sql.DB) (int, error) {
	var exists int
	err := db.QueryRow(`
		SELECT 1 FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to check schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to query schema version: %w", err)
	}

	return version, nil
}

// applyMigration applies a single migration within a transaction
func applyMigration(db *sql.DB, migration Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO schema_version (version, applied_at)
		VALUES (?, CURRENT_TIMESTAMP)
	`, migration.Version)
	if err != nil {
		return fmt.Errorf("failed to record migration version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	return nil
}

// runMigrations applies every migration newer than the database version, in order.
// Each runs in its own transaction, so a failure leaves the last successful version.
func runMigrations(db *sql.DB) error {
	currentVersion, err := getCurrentVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if err := applyMigration(db, migration); err != nil {
			return fmt.Errorf(
				"failed to apply migration v%d (%s): %w",
				migration.Version,
				migration.Description,
				err,
			)
		}
	}

	return nil
}
