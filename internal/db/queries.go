package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hearthly/calsync/internal/connection"
	"github.com/hearthly/calsync/internal/provider"
)

const connectionColumns = `id, space_id, user_id, provider, provider_config, feed_url,
	sync_status, sync_enabled, next_sync_at, consecutive_failure_count,
	lease_expires_at, lease_token, last_sync_at, last_error, created_at, updated_at`

// ClaimMode selects which connections a claim may take.
type ClaimMode int

const (
	// ClaimScheduled requires the connection to be enabled and due.
	ClaimScheduled ClaimMode = iota
	// ClaimManual ignores the schedule but not the state machine.
	ClaimManual
	// ClaimForced also takes disabled connections.
	ClaimForced
)

// CreateConnection inserts a new connection. A second live connection for the
// same space, provider and feed URL fails with ErrDuplicate.
func (db *DB) CreateConnection(ctx context.Context, c *Connection) error {
	if c.Config == nil {
		return fmt.Errorf("failed to create connection: %w", provider.ErrInvalidConfig)
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := timestamp(time.Now())
	c.CreatedAt = now
	c.UpdatedAt = now
	c.Provider = c.Config.Provider()
	c.FeedURL = c.Config.FeedURL()
	if c.SyncStatus == "" {
		c.SetState(connection.NewState(now))
	}

	configJSON, err := provider.EncodeConfig(c.Config)
	if err != nil {
		return fmt.Errorf("failed to encode provider config: %w", err)
	}

	query := `INSERT INTO calendar_connections (
		id, space_id, user_id, provider, provider_config, feed_url,
		sync_status, sync_enabled, next_sync_at, consecutive_failure_count,
		created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = db.conn.ExecContext(ctx, query,
		c.ID, c.SpaceID, c.UserID, c.Provider, string(configJSON), c.FeedURL,
		c.SyncStatus, c.SyncEnabled, timestamp(c.NextSyncAt), c.ConsecutiveFailures,
		c.CreatedAt, c.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: a connection to this feed already exists in the space", ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}

	return nil
}

// GetConnection returns a connection by its ID.
func (db *DB) GetConnection(ctx context.Context, id string) (*Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM calendar_connections WHERE id = ?`
	return scanConnection(db.conn.QueryRowContext(ctx, query, id))
}

// ListConnectionsBySpace returns the connections of a space, oldest first.
func (db *DB) ListConnectionsBySpace(ctx context.Context, spaceID string) ([]*Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM calendar_connections
		WHERE space_id = ? ORDER BY created_at, id`
	return db.queryConnections(ctx, query, spaceID)
}

// ListDueConnections returns enabled connections whose next sync time has passed
// and that are not already syncing, most overdue first.
func (db *DB) ListDueConnections(ctx context.Context, now time.Time) ([]*Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM calendar_connections
		WHERE sync_enabled = 1 AND next_sync_at <= ? AND sync_status IN ('pending', 'active', 'error')
		ORDER BY next_sync_at`
	return db.queryConnections(ctx, query, timestamp(now))
}

// ListExpiredLeases returns syncing connections whose lease ran out before now.
func (db *DB) ListExpiredLeases(ctx context.Context, now time.Time) ([]*Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM calendar_connections
		WHERE sync_status = 'syncing' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`
	return db.queryConnections(ctx, query, timestamp(now))
}

func (db *DB) queryConnections(ctx context.Context, query string, args ...interface{}) ([]*Connection, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()

	var conns []*Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connections: %w", err)
	}

	return conns, nil
}

// ClaimConnection atomically moves a connection to syncing and hands out a
// lease. Only one caller can win the claim for a given connection.
func (db *DB) ClaimConnection(ctx context.Context, id string, now, leaseUntil time.Time, mode ClaimMode) (*Connection, error) {
	token := uuid.New().String()

	var cond string
	args := []interface{}{timestamp(leaseUntil), token, timestamp(now), id}
	switch mode {
	case ClaimScheduled:
		cond = `sync_status IN ('pending', 'active', 'error') AND sync_enabled = 1 AND next_sync_at <= ?`
		args = append(args, timestamp(now))
	case ClaimManual:
		cond = `sync_status IN ('pending', 'active', 'error')`
	case ClaimForced:
		cond = `sync_status != 'syncing'`
	default:
		return nil, fmt.Errorf("unknown claim mode %d", mode)
	}

	query := `UPDATE calendar_connections
		SET sync_status = 'syncing', lease_expires_at = ?, lease_token = ?, updated_at = ?
		WHERE id = ? AND ` + cond

	result, err := db.conn.ExecContext(ctx, query, args...)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: another live connection uses this feed", ErrDuplicate)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim connection: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}

	c, err := db.GetConnection(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if c.SyncStatus == connection.StatusSyncing {
			return nil, ErrAlreadySyncing
		}
		return nil, fmt.Errorf("%w: status %s", ErrNotClaimable, c.SyncStatus)
	}
	if c.LeaseToken != token {
		// Claimed and reclaimed between the update and the read
		return nil, ErrAlreadySyncing
	}

	return c, nil
}

// FinishSync writes the outcome of a sync held under c.LeaseToken.
func (db *DB) FinishSync(ctx context.Context, c *Connection) error {
	return finishSync(ctx, db.conn, c)
}

func finishSync(ctx context.Context, q execer, c *Connection) error {
	c.UpdatedAt = timestamp(time.Now())

	query := `UPDATE calendar_connections SET
		sync_status = ?, sync_enabled = ?, next_sync_at = ?, consecutive_failure_count = ?,
		lease_expires_at = NULL, lease_token = NULL, last_sync_at = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND sync_status = 'syncing' AND lease_token = ?`

	result, err := q.ExecContext(ctx, query,
		c.SyncStatus, c.SyncEnabled, timestamp(c.NextSyncAt), c.ConsecutiveFailures,
		nullTime(c.LastSyncAt), nullString(c.LastError), c.UpdatedAt,
		c.ID, c.LeaseToken,
	)
	if err != nil {
		return fmt.Errorf("failed to finish sync: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrLeaseLost
	}

	c.LeaseToken = ""
	c.LeaseExpiresAt = nil
	return nil
}

// UpdateConnectionState applies a user-driven transition, provided the stored
// status is still one of from.
func (db *DB) UpdateConnectionState(ctx context.Context, id string, from []connection.Status, next connection.State) error {
	if len(from) == 0 {
		return fmt.Errorf("%w: no source states", ErrStateChanged)
	}

	placeholders := make([]string, len(from))
	args := []interface{}{
		next.Status, next.SyncEnabled, timestamp(next.NextSyncAt), next.ConsecutiveFailures,
		nullTime(next.LeaseExpiresAt), timestamp(time.Now()), id,
	}
	for i, s := range from {
		placeholders[i] = "?"
		args = append(args, s)
	}

	query := `UPDATE calendar_connections SET
		sync_status = ?, sync_enabled = ?, next_sync_at = ?, consecutive_failure_count = ?,
		lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND sync_status IN (` + strings.Join(placeholders, ", ") + `)`

	result, err := db.conn.ExecContext(ctx, query, args...)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: another live connection uses this feed", ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to update connection state: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := db.GetConnection(ctx, id); err != nil {
			return err
		}
		return ErrStateChanged
	}

	return nil
}

// DeleteConnection removes a connection, its mappings and logs, and the
// internal events it imported.
func (db *DB) DeleteConnection(ctx context.Context, id string) error {
	return db.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.tx.ExecContext(ctx, `DELETE FROM calendar_events WHERE id IN (
			SELECT internal_event_id FROM event_mappings WHERE connection_id = ?)`, id)
		if err != nil {
			return fmt.Errorf("failed to delete imported events: %w", err)
		}

		result, err := tx.tx.ExecContext(ctx, `DELETE FROM calendar_connections WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete connection: %w", err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}

		return nil
	})
}

// CreateSyncLog records a finished sync attempt.
func (db *DB) CreateSyncLog(ctx context.Context, log *SyncLog) error {
	return insertSyncLog(ctx, db.conn, log)
}

func insertSyncLog(ctx context.Context, q execer, log *SyncLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.Errors == nil {
		log.Errors = []string{}
	}

	errorsJSON, err := json.Marshal(log.Errors)
	if err != nil {
		return fmt.Errorf("failed to encode sync errors: %w", err)
	}

	query := `INSERT INTO sync_logs (id, connection_id, sync_type, status, started_at, completed_at,
		events_synced, events_created, events_updated, events_deleted, events_skipped, errors, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = q.ExecContext(ctx, query, log.ID, log.ConnectionID, log.SyncType, log.Status,
		timestamp(log.StartedAt), timestamp(log.CompletedAt),
		log.EventsSynced, log.EventsCreated, log.EventsUpdated, log.EventsDeleted, log.EventsSkipped,
		string(errorsJSON), log.Message)
	if err != nil {
		return fmt.Errorf("failed to create sync log: %w", err)
	}

	return nil
}

// GetSyncLogs returns the most recent sync logs for a connection.
func (db *DB) GetSyncLogs(ctx context.Context, connectionID string, limit int) ([]*SyncLog, error) {
	query := `SELECT id, connection_id, sync_type, status, started_at, completed_at,
		events_synced, events_created, events_updated, events_deleted, events_skipped, errors, message
		FROM sync_logs WHERE connection_id = ? ORDER BY completed_at DESC, rowid DESC LIMIT ?`

	rows, err := db.conn.QueryContext(ctx, query, connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync logs: %w", err)
	}
	defer rows.Close()

	var logs []*SyncLog
	for rows.Next() {
		log, err := scanSyncLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync logs: %w", err)
	}

	return logs, nil
}

// GetLatestSyncLog returns the newest sync log of a connection.
func (db *DB) GetLatestSyncLog(ctx context.Context, connectionID string) (*SyncLog, error) {
	logs, err := db.GetSyncLogs(ctx, connectionID, 1)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, ErrNotFound
	}
	return logs[0], nil
}

// CleanOldSyncLogs deletes sync logs that completed before olderThan.
func (db *DB) CleanOldSyncLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `DELETE FROM sync_logs WHERE completed_at < ?`

	result, err := db.conn.ExecContext(ctx, query, timestamp(olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to clean old sync logs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected, nil
}

// VerifyMembership reports whether userID belongs to spaceID.
func (db *DB) VerifyMembership(ctx context.Context, userID, spaceID string) (bool, error) {
	var one int
	err := db.conn.QueryRowContext(ctx,
		`SELECT 1 FROM space_members WHERE space_id = ? AND user_id = ?`, spaceID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to verify membership: %w", err)
	}
	return true, nil
}

// AddSpaceMember records a membership. Existing memberships are left as they are.
func (db *DB) AddSpaceMember(ctx context.Context, spaceID, userID, role string) error {
	if role == "" {
		role = "member"
	}
	_, err := db.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO space_members (space_id, user_id, role, created_at) VALUES (?, ?, ?, ?)`,
		spaceID, userID, role, timestamp(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to add space member: %w", err)
	}
	return nil
}

// ListUserSpaces returns the IDs of every space userID belongs to.
func (db *DB) ListUserSpaces(ctx context.Context, userID string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT space_id FROM space_members WHERE user_id = ? ORDER BY space_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list spaces: %w", err)
	}
	defer rows.Close()

	var spaces []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan space: %w", err)
		}
		spaces = append(spaces, id)
	}
	return spaces, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanConnection scans a single row into a Connection struct.
func scanConnection(row scanner) (*Connection, error) {
	c := &Connection{}
	var configJSON string
	var leaseExpiresAt, lastSyncAt sql.NullTime
	var leaseToken, lastError sql.NullString

	err := row.Scan(
		&c.ID, &c.SpaceID, &c.UserID, &c.Provider, &configJSON, &c.FeedURL,
		&c.SyncStatus, &c.SyncEnabled, &c.NextSyncAt, &c.ConsecutiveFailures,
		&leaseExpiresAt, &leaseToken, &lastSyncAt, &lastError,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan connection: %w", err)
	}

	c.Config, err = provider.DecodeConfig([]byte(configJSON))
	if err != nil {
		return nil, fmt.Errorf("connection %s: %w", c.ID, err)
	}
	if leaseExpiresAt.Valid {
		t := leaseExpiresAt.Time.UTC()
		c.LeaseExpiresAt = &t
	}
	if lastSyncAt.Valid {
		t := lastSyncAt.Time.UTC()
		c.LastSyncAt = &t
	}
	c.NextSyncAt = c.NextSyncAt.UTC()
	c.LeaseToken = leaseToken.String
	c.LastError = lastError.String

	return c, nil
}

func scanSyncLog(row scanner) (*SyncLog, error) {
	log := &SyncLog{}
	var errorsJSON string
	var message sql.NullString

	err := row.Scan(&log.ID, &log.ConnectionID, &log.SyncType, &log.Status, &log.StartedAt, &log.CompletedAt,
		&log.EventsSynced, &log.EventsCreated, &log.EventsUpdated, &log.EventsDeleted, &log.EventsSkipped,
		&errorsJSON, &message)
	if err != nil {
		return nil, fmt.Errorf("failed to scan sync log: %w", err)
	}

	if err := json.Unmarshal([]byte(errorsJSON), &log.Errors); err != nil {
		return nil, fmt.Errorf("failed to decode sync errors: %w", err)
	}
	log.Message = message.String
	log.StartedAt = log.StartedAt.UTC()
	log.CompletedAt = log.CompletedAt.UTC()

	return log, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
