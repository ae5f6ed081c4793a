// Package store is the embedded SQL layer for the poller pipeline.
// A single sqlite database holds services, their parsed dependencies,
// the bounded history tables, alert configuration and delivery
// history, runtime settings, and the audit log. One poll commits in
// one transaction; the transaction boundary is the only publishing
// point for poll results.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// TimeFormat is the persisted timestamp layout: UTC ISO-8601 with
// millisecond precision.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Store wraps the pooled database handle.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if necessary) the sqlite database at path and
// ensures the schema exists. Use ":memory:" for an in-memory store.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	if path == ":memory:" {
		// WAL is meaningless in memory; shared cache keeps the pool
		// on one database.
		dsn = "file::memory:?mode=memory&cache=shared&_busy_timeout=5000&_foreign_keys=on"
	}

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite serializes writers; a single writer connection avoids
	// SQLITE_BUSY churn under concurrent poll commits.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying handle for read-side consumers.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn inside a transaction, committing on nil error and
// rolling back otherwise. A cancelled context aborts without commit.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("rollback failed: %v (after: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FormatTime renders t in the persisted layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a persisted timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeFormat, s)
}
