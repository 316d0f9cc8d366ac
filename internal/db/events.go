package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GetMappings returns every event mapping of a connection.
func (db *DB) GetMappings(ctx context.Context, connectionID string) ([]*EventMapping, error) {
	query := `SELECT id, connection_id, provider, external_id, internal_event_id, last_modified, created_at, updated_at
		FROM event_mappings WHERE connection_id = ? ORDER BY external_id`

	rows, err := db.conn.QueryContext(ctx, query, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*EventMapping
	for rows.Next() {
		m := &EventMapping{}
		var lastModified sql.NullTime
		if err := rows.Scan(&m.ID, &m.ConnectionID, &m.Provider, &m.ExternalID, &m.InternalEventID,
			&lastModified, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		if lastModified.Valid {
			t := lastModified.Time.UTC()
			m.LastModified = &t
		}
		mappings = append(mappings, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mappings: %w", err)
	}

	return mappings, nil
}

// CountMappings returns how many events a connection currently owns.
func (db *DB) CountMappings(ctx context.Context, connectionID string) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM event_mappings WHERE connection_id = ?`, connectionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count mappings: %w", err)
	}
	return n, nil
}

// GetEvent returns an internal event by its ID.
func (db *DB) GetEvent(ctx context.Context, id string) (*Event, error) {
	query := `SELECT id, space_id, connection_id, title, description, location, start_at, end_at,
		all_day, recurrence_rule, recurrence_id, status, created_at, updated_at
		FROM calendar_events WHERE id = ?`

	e := &Event{}
	var connectionID sql.NullString
	err := db.conn.QueryRowContext(ctx, query, id).Scan(
		&e.ID, &e.SpaceID, &connectionID, &e.Title, &e.Description, &e.Location, &e.StartAt, &e.EndAt,
		&e.AllDay, &e.RecurrenceRule, &e.RecurrenceID, &e.Status, &e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}

	e.ConnectionID = connectionID.String
	e.StartAt = e.StartAt.UTC()
	e.EndAt = e.EndAt.UTC()
	return e, nil
}

// CountEventsBySpace returns the number of events stored for a space.
func (db *DB) CountEventsBySpace(ctx context.Context, spaceID string) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM calendar_events WHERE space_id = ?`, spaceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// UpsertEvent writes an internal event. An empty id, or an id whose row has
// gone missing, inserts a new row. The ID actually written is returned.
func (tx *Tx) UpsertEvent(ctx context.Context, id string, f EventFields) (string, error) {
	now := timestamp(time.Now())

	if id != "" {
		query := `UPDATE calendar_events SET space_id = ?, connection_id = ?, title = ?, description = ?,
			location = ?, start_at = ?, end_at = ?, all_day = ?, recurrence_rule = ?, recurrence_id = ?,
			status = ?, updated_at = ? WHERE id = ?`

		result, err := tx.tx.ExecContext(ctx, query, f.SpaceID, nullString(f.ConnectionID), f.Title,
			f.Description, f.Location, timestamp(f.StartAt), timestamp(f.EndAt), f.AllDay,
			f.RecurrenceRule, f.RecurrenceID, f.Status, now, id)
		if err != nil {
			return "", fmt.Errorf("failed to update event: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return "", fmt.Errorf("failed to get rows affected: %w", err)
		}
		if affected > 0 {
			return id, nil
		}
	} else {
		id = uuid.New().String()
	}

	query := `INSERT INTO calendar_events (id, space_id, connection_id, title, description, location,
		start_at, end_at, all_day, recurrence_rule, recurrence_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := tx.tx.ExecContext(ctx, query, id, f.SpaceID, nullString(f.ConnectionID), f.Title,
		f.Description, f.Location, timestamp(f.StartAt), timestamp(f.EndAt), f.AllDay,
		f.RecurrenceRule, f.RecurrenceID, f.Status, now, now)
	if err != nil {
		return "", fmt.Errorf("failed to insert event: %w", err)
	}

	return id, nil
}

// DeleteEvent removes an internal event. Deleting a missing event is not an error.
func (tx *Tx) DeleteEvent(ctx context.Context, id string) error {
	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM calendar_events WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	return nil
}

// CreateMapping records a newly imported event.
func (tx *Tx) CreateMapping(ctx context.Context, m *EventMapping) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := timestamp(time.Now())
	m.CreatedAt = now
	m.UpdatedAt = now

	query := `INSERT INTO event_mappings (id, connection_id, provider, external_id, internal_event_id,
		last_modified, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := tx.tx.ExecContext(ctx, query, m.ID, m.ConnectionID, m.Provider, m.ExternalID,
		m.InternalEventID, nullTime(m.LastModified), m.CreatedAt, m.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: mapping for %s", ErrDuplicate, m.ExternalID)
	}
	if err != nil {
		return fmt.Errorf("failed to create mapping: %w", err)
	}
	return nil
}

// UpdateMapping stores the new last-modified time and internal event of an
// existing mapping.
func (tx *Tx) UpdateMapping(ctx context.Context, connectionID, externalID, internalEventID string, lastModified *time.Time) error {
	query := `UPDATE event_mappings SET internal_event_id = ?, last_modified = ?, updated_at = ?
		WHERE connection_id = ? AND external_id = ?`

	result, err := tx.tx.ExecContext(ctx, query, internalEventID, nullTime(lastModified),
		timestamp(time.Now()), connectionID, externalID)
	if err != nil {
		return fmt.Errorf("failed to update mapping: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMapping removes the mapping for one external event.
func (tx *Tx) DeleteMapping(ctx context.Context, connectionID, externalID string) error {
	_, err := tx.tx.ExecContext(ctx,
		`DELETE FROM event_mappings WHERE connection_id = ? AND external_id = ?`, connectionID, externalID)
	if err != nil {
		return fmt.Errorf("failed to delete mapping: %w", err)
	}
	return nil
}

// CreateSyncLog records a sync attempt inside the transaction.
func (tx *Tx) CreateSyncLog(ctx context.Context, log *SyncLog) error {
	return insertSyncLog(ctx, tx.tx, log)
}

// FinishSync writes the sync outcome inside the transaction. It fails with
// ErrLeaseLost if the lease was reclaimed, which rolls back everything else.
func (tx *Tx) FinishSync(ctx context.Context, c *Connection) error {
	return finishSync(ctx, tx.tx, c)
}
