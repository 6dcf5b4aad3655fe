package persistence

import (
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 1

//nolint:gochecknoglobals // schema definition
var tables = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`,

	`CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active','completed','failed','interrupted')),
		config_json TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		ended_at TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		name TEXT NOT NULL,
		outcome TEXT NOT NULL,
		steps INTEGER NOT NULL DEFAULT 0,
		answer_found INTEGER NOT NULL DEFAULT 0,
		answer_json TEXT NOT NULL DEFAULT '{}',
		error TEXT,
		recorded_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS job_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		job TEXT NOT NULL,
		container_id TEXT NOT NULL DEFAULT '',
		code TEXT,
		cost_usd REAL,
		error TEXT,
		log_json TEXT NOT NULL DEFAULT '[]',
		recorded_at TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_sessions_run ON sessions(run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_job_results_run ON job_results(run_id)`,
}

func initializeSchema(db *sql.DB) error {
	version, err := GetSchemaVersion(db)
	if err != nil {
		return err
	}
	if version > CurrentSchemaVersion {
		return fmt.Errorf("ledger schema version %d is newer than supported version %d", version, CurrentSchemaVersion)
	}
	if version == CurrentSchemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range tables {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute %q: %w", stmt, err)
		}
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the applied schema version, or 0 for an empty database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var exists int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'`).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("failed to check schema_version table: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}
