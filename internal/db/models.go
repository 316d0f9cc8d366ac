package db

import (
	"time"

	"github.com/hearthly/calsync/internal/connection"
	"github.com/hearthly/calsync/internal/provider"
)

// SyncType records what started a sync attempt.
type SyncType string

const (
	SyncTypeManual    SyncType = "manual"
	SyncTypeScheduled SyncType = "scheduled"
)

// IsValid returns true if the sync type is a known value.
func (st SyncType) IsValid() bool {
	return st == SyncTypeManual || st == SyncTypeScheduled
}

// LogStatus is the outcome of a sync attempt.
type LogStatus string

const (
	LogStatusCompleted LogStatus = "completed"
	LogStatusFailed    LogStatus = "failed"
)

// Connection is one subscription to an external calendar feed within a space.
type Connection struct {
	ID       string          `json:"id"`
	SpaceID  string          `json:"space_id"`
	UserID   string          `json:"user_id"`
	Provider provider.Name   `json:"provider"`
	Config   provider.Config `json:"-"`
	FeedURL  string          `json:"-"` // May embed a private token

	SyncStatus          connection.Status `json:"sync_status"`
	SyncEnabled         bool              `json:"sync_enabled"`
	NextSyncAt          time.Time         `json:"next_sync_at"`
	ConsecutiveFailures int               `json:"consecutive_failure_count"`
	LeaseExpiresAt      *time.Time        `json:"lease_expires_at,omitempty"`
	LeaseToken          string            `json:"-"`
	LastSyncAt          *time.Time        `json:"last_sync_at"`
	LastError           string            `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Name returns the display name from the provider configuration.
func (c *Connection) Name() string {
	if c.Config == nil {
		return ""
	}
	return c.Config.DisplayName()
}

// State returns the lifecycle fields as a state machine value.
func (c *Connection) State() connection.State {
	return connection.State{
		Status:              c.SyncStatus,
		SyncEnabled:         c.SyncEnabled,
		NextSyncAt:          c.NextSyncAt,
		ConsecutiveFailures: c.ConsecutiveFailures,
		LeaseExpiresAt:      c.LeaseExpiresAt,
	}
}

// SetState copies a state machine value back into the lifecycle fields.
func (c *Connection) SetState(s connection.State) {
	c.SyncStatus = s.Status
	c.SyncEnabled = s.SyncEnabled
	c.NextSyncAt = s.NextSyncAt
	c.ConsecutiveFailures = s.ConsecutiveFailures
	c.LeaseExpiresAt = s.LeaseExpiresAt
}

// EventMapping links one external event to the internal event it was imported as.
type EventMapping struct {
	ID              string        `json:"id"`
	ConnectionID    string        `json:"connection_id"`
	Provider        provider.Name `json:"provider"`
	ExternalID      string        `json:"external_id"`
	InternalEventID string        `json:"internal_event_id"`
	LastModified    *time.Time    `json:"last_modified"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// SyncLog is the immutable record of one sync attempt.
type SyncLog struct {
	ID            string    `json:"id"`
	ConnectionID  string    `json:"connection_id"`
	SyncType      SyncType  `json:"sync_type"`
	Status        LogStatus `json:"status"`
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at"`
	EventsSynced  int       `json:"events_synced"`
	EventsCreated int       `json:"events_created"`
	EventsUpdated int       `json:"events_updated"`
	EventsDeleted int       `json:"events_deleted"`
	EventsSkipped int       `json:"events_skipped"`
	Errors        []string  `json:"errors"`
	Message       string    `json:"message"`
}

// Duration returns how long the attempt ran.
func (l *SyncLog) Duration() time.Duration {
	return l.CompletedAt.Sub(l.StartedAt)
}

// EventFields are the event attributes the sync engine writes.
type EventFields struct {
	SpaceID        string    `json:"space_id"`
	ConnectionID   string    `json:"connection_id,omitempty"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	Location       string    `json:"location,omitempty"`
	StartAt        time.Time `json:"start_at"`
	EndAt          time.Time `json:"end_at"`
	AllDay         bool      `json:"all_day"`
	RecurrenceRule string    `json:"recurrence_rule,omitempty"`
	RecurrenceID   string    `json:"recurrence_id,omitempty"`
	Status         string    `json:"status,omitempty"`
}

// Event is a row of the local event store.
type Event struct {
	ID string `json:"id"`
	EventFields
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
