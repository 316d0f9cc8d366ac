package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrDuplicate      = errors.New("duplicate record")
	ErrDatabaseInit   = errors.New("database initialization failed")
	ErrAlreadySyncing = errors.New("connection is already syncing")
	ErrNotClaimable   = errors.New("connection cannot be synced in its current state")
	ErrLeaseLost      = errors.New("sync lease no longer held")
	ErrStateChanged   = errors.New("connection state changed concurrently")
)

// DB represents the database connection.
type DB struct {
	conn *sql.DB
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// New creates a new database connection and initializes the schema.
func New(dbPath string) (*DB, error) {
	// Ensure the directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: failed to create directory: %w", ErrDatabaseInit, err)
	}

	conn, err := sql.Open("sqlite", dataSourceName(dbPath))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseInit, err)
	}

	// SQLite serialises writers anyway; a small pool keeps busy waits short
	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(0)
	conn.SetConnMaxIdleTime(0)

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	// Best effort: the file may not exist yet in WAL mode
	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// connPragmas are per-connection settings. They go in the DSN so every
// connection the pool opens gets them, not only the first.
var connPragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"foreign_keys(1)",
	"secure_delete(1)",
	"synchronous(NORMAL)",
}

func dataSourceName(dbPath string) string {
	params := make([]string, 0, len(connPragmas)+1)
	for _, p := range connPragmas {
		params = append(params, "_pragma="+p)
	}
	// Writers take the lock at BEGIN and wait on busy_timeout instead of
	// failing a read-to-write upgrade with SQLITE_BUSY
	params = append(params, "_txlock=immediate")
	return "file:" + dbPath + "?" + strings.Join(params, "&")
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying database connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Ping checks the database connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// migrate creates the database schema.
func (db *DB) migrate() error {
	migrations := []string{
		// Space membership, maintained by the wider application
		`CREATE TABLE IF NOT EXISTS space_members (
			space_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'member',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (space_id, user_id)
		)`,

		// Calendar connections
		`CREATE TABLE IF NOT EXISTS calendar_connections (
			id TEXT PRIMARY KEY,
			space_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			provider_config TEXT NOT NULL,
			feed_url TEXT NOT NULL,
			sync_status TEXT NOT NULL DEFAULT 'pending',
			sync_enabled INTEGER NOT NULL DEFAULT 1,
			next_sync_at DATETIME NOT NULL,
			consecutive_failure_count INTEGER NOT NULL DEFAULT 0,
			lease_expires_at DATETIME,
			lease_token TEXT,
			last_sync_at DATETIME,
			last_error TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_connections_space_id ON calendar_connections(space_id)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_due ON calendar_connections(sync_enabled, next_sync_at)`,

		// At most one live subscription per space, provider and feed
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_connections_unique_feed
			ON calendar_connections(space_id, provider, feed_url)
			WHERE sync_status != 'disabled'`,

		// Dedup ledger
		`CREATE TABLE IF NOT EXISTS event_mappings (
			id TEXT PRIMARY KEY,
			connection_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			external_id TEXT NOT NULL,
			internal_event_id TEXT NOT NULL,
			last_modified DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(connection_id, external_id),
			UNIQUE(connection_id, internal_event_id),
			FOREIGN KEY (connection_id) REFERENCES calendar_connections(id) ON DELETE CASCADE
		)`,

		// Sync logs
		`CREATE TABLE IF NOT EXISTS sync_logs (
			id TEXT PRIMARY KEY,
			connection_id TEXT NOT NULL,
			sync_type TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			completed_at DATETIME NOT NULL,
			events_synced INTEGER NOT NULL DEFAULT 0,
			events_created INTEGER NOT NULL DEFAULT 0,
			events_updated INTEGER NOT NULL DEFAULT 0,
			events_deleted INTEGER NOT NULL DEFAULT 0,
			errors TEXT NOT NULL DEFAULT '[]',
			message TEXT,
			FOREIGN KEY (connection_id) REFERENCES calendar_connections(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_sync_logs_connection ON sync_logs(connection_id, completed_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_logs_completed_at ON sync_logs(completed_at)`,

		// Migration: skipped-entry count on sync logs
		`ALTER TABLE sync_logs ADD COLUMN events_skipped INTEGER NOT NULL DEFAULT 0`,

		// Local event store
		`CREATE TABLE IF NOT EXISTS calendar_events (
			id TEXT PRIMARY KEY,
			space_id TEXT NOT NULL,
			connection_id TEXT,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			start_at DATETIME NOT NULL,
			end_at DATETIME NOT NULL,
			all_day INTEGER NOT NULL DEFAULT 0,
			recurrence_rule TEXT NOT NULL DEFAULT '',
			recurrence_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_calendar_events_space ON calendar_events(space_id, start_at)`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			// Ignore "duplicate column" errors for ALTER TABLE migrations
			if !isDuplicateColumnError(err) {
				return fmt.Errorf("%w: migration failed: %w", ErrDatabaseInit, err)
			}
		}
	}

	return nil
}

// isDuplicateColumnError checks if the error is due to a duplicate column in ALTER TABLE.
func isDuplicateColumnError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "duplicate column") || strings.Contains(errStr, "already exists")
}

// isUniqueViolation checks if the error is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Tx exposes the writes that must commit together with a sync's mapping changes.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn in a transaction. The transaction is rolled back if fn
// returns an error and committed otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return fmt.Errorf("rolling back transaction: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// timestamp normalises times before storage so stored values compare in order.
func timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return timestamp(*t)
}
