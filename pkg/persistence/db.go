// Package persistence records runs, agent sessions and dispatched job results in a SQLite ledger.
package persistence

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"agentcoder/pkg/logx"
)

// Ledger is a handle on the SQLite run ledger. It is safe for concurrent use.
type Ledger struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens or creates the ledger at path and brings its schema up to date.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		path,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping ledger: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	l := &Ledger{db: db, logger: logx.NewLogger("persistence")}
	l.logger.Debug("Ledger opened: %s", path)
	return l, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("failed to close ledger: %w", err)
	}
	return nil
}
