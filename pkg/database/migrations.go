package database

import (
	"database/sql"
	"fmt"
)

// Migration is one versioned schema step. Migrations are compiled in rather
// than loaded from disk so the binary is self-contained.
type Migration struct {
	Version     string
	Description string
	SQL         string
}

var migrations = []Migration{
	{Version: "001", Description: "initial_schema", SQL: schemaSQL},
	{Version: "002", Description: "indexes", SQL: indexSQL},
}

// ApplyMigrations brings the database up to the current schema version.
// Each migration runs in its own transaction and is recorded in
// schema_migrations, so reruns are no-ops.
func ApplyMigrations(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}

	applied, err := appliedVersions(db)
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("failed to apply migration %s_%s: %w", m.Version, m.Description, err)
		}
	}
	return nil
}

// ValidateSchema confirms the tables the store depends on exist. Called at
// startup; a missing table is fatal.
func ValidateSchema(db *sql.DB) error {
	for _, table := range []string{"users", "groups", "group_members", "messages"} {
		var count int
		err := db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to check table %s: %w", table, err)
		}
		if count == 0 {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

func appliedVersions(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func applyMigration(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(m.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.Version); err != nil {
		return err
	}
	return tx.Commit()
}
