// Package calsync runs one sync of one calendar connection: claim, fetch,
// reconcile, apply and record.
package calsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hearthly/calsync/internal/activity"
	"github.com/hearthly/calsync/internal/connection"
	"github.com/hearthly/calsync/internal/db"
	"github.com/hearthly/calsync/internal/feed"
	"github.com/hearthly/calsync/internal/logging"
	"github.com/hearthly/calsync/internal/metrics"
	"github.com/hearthly/calsync/internal/notify"
	"github.com/hearthly/calsync/internal/provider"
	"github.com/hearthly/calsync/internal/reconcile"
)

var (
	ErrSyncInProgress = errors.New("a sync is already in progress for this calendar")
	ErrNotSyncable    = errors.New("calendar cannot be synced in its current state")
)

// writeTimeout bounds the bookkeeping writes that follow a sync, which run
// even after the caller's context is done.
const writeTimeout = 15 * time.Second

// EventWriter is the internal event store contract the engine applies changesets to.
type EventWriter interface {
	UpsertEvent(ctx context.Context, id string, f db.EventFields) (string, error)
	DeleteEvent(ctx context.Context, id string) error
}

// Result summarizes one sync attempt.
type Result struct {
	ConnectionID string
	Success      bool
	Status       connection.Status
	Fetched      int
	Created      int
	Updated      int
	Deleted      int
	Skipped      int
	Errors       []string
	Message      string
	Duration     time.Duration
}

// Engine performs syncs against the database.
type Engine struct {
	db       *db.DB
	registry *provider.Registry
	policy   connection.Policy
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	tracker  *activity.Tracker
	notifier *notify.Notifier
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *logrus.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records sync metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracker reports running and finished syncs to t.
func WithTracker(t *activity.Tracker) Option {
	return func(e *Engine) { e.tracker = t }
}

// WithNotifier sends disabled and recovery alerts through n.
func WithNotifier(n *notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates a sync engine.
func New(database *db.DB, registry *provider.Registry, policy connection.Policy, opts ...Option) *Engine {
	e := &Engine{
		db:       database,
		registry: registry,
		policy:   policy,
		logger:   logging.Discard(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the retry and lease settings the engine applies.
func (e *Engine) Policy() connection.Policy {
	return e.policy
}

// Sync runs one sync of connection id. Scheduled syncs only run when the
// connection is due; manual syncs ignore the schedule and, with force, also
// run disabled connections. Failures of the feed itself are recorded on the
// connection and reported in the Result, not as an error.
func (e *Engine) Sync(ctx context.Context, id string, syncType db.SyncType, force bool) (*Result, error) {
	if !syncType.IsValid() {
		return nil, fmt.Errorf("unknown sync type %q", syncType)
	}

	mode := db.ClaimScheduled
	if syncType == db.SyncTypeManual {
		mode = db.ClaimManual
		if force {
			mode = db.ClaimForced
		}
	}

	begin := e.now()
	started := e.clock()
	leaseUntil := e.policy.LeaseDeadline(started)

	conn, err := e.db.ClaimConnection(ctx, id, started, leaseUntil, mode)
	switch {
	case errors.Is(err, db.ErrAlreadySyncing):
		return nil, ErrSyncInProgress
	case errors.Is(err, db.ErrNotClaimable):
		return nil, fmt.Errorf("%w: %w", ErrNotSyncable, err)
	case err != nil:
		return nil, err
	}

	log := e.logger.WithFields(logrus.Fields{
		"connection_id": conn.ID,
		"provider":      conn.Provider,
		"sync_type":     syncType,
	})
	log.Debug("Sync started")

	done := e.metrics.SyncStarted()
	defer done()
	e.tracker.StartSync(conn.ID, conn.SpaceID, conn.Name(), string(conn.Provider), string(syncType))

	previous := conn.State()
	previousFailures := conn.ConsecutiveFailures

	syncCtx, cancel := context.WithDeadline(ctx, leaseUntil)
	defer cancel()

	result, err := e.run(syncCtx, conn, syncType, started)
	if errors.Is(err, db.ErrLeaseLost) {
		log.Warn("Sync lease was reclaimed before the sync finished; discarding results")
		e.tracker.FinishSync(conn.ID, false, activity.Counts{}, "sync lease expired", nil)
		e.metrics.ObserveSync(string(conn.Provider), string(syncType), "lease_lost", e.now().Sub(begin))
		return nil, err
	}
	if err != nil {
		result = e.fail(ctx, log, conn, syncType, started, err)
	}

	result.Duration = e.now().Sub(begin)
	status := "success"
	if !result.Success {
		status = "failure"
	} else if len(result.Errors) > 0 {
		status = "partial"
	}
	e.metrics.ObserveSync(string(conn.Provider), string(syncType), status, result.Duration)
	e.tracker.FinishSync(conn.ID, result.Success, activity.Counts{
		Fetched: result.Fetched,
		Created: result.Created,
		Updated: result.Updated,
		Deleted: result.Deleted,
		Skipped: result.Skipped,
	}, result.Message, result.Errors)

	if result.Success && (previousFailures > 0 || previous.Status == connection.StatusDisabled) {
		e.notifier.ConnectionRecovered(ctx, conn.ID, conn.Name(), conn.SpaceID)
	}

	log.WithFields(logrus.Fields{
		"success":  result.Success,
		"created":  result.Created,
		"updated":  result.Updated,
		"deleted":  result.Deleted,
		"skipped":  result.Skipped,
		"duration": result.Duration.Round(time.Millisecond).String(),
	}).Info("Sync finished")

	return result, nil
}

// run fetches, reconciles and applies. Any returned error means nothing was
// written and the attempt counts as failed.
func (e *Engine) run(ctx context.Context, conn *db.Connection, syncType db.SyncType, started time.Time) (*Result, error) {
	adapter, err := e.registry.Get(string(conn.Provider))
	if err != nil {
		return nil, err
	}

	parsed, err := adapter.Fetch(ctx, conn.FeedURL)
	if err != nil {
		return nil, err
	}

	stored, err := e.db.GetMappings(ctx, conn.ID)
	if err != nil {
		return nil, err
	}

	mappings := make([]reconcile.Mapping, len(stored))
	for i, m := range stored {
		mappings[i] = reconcile.Mapping{
			ExternalID:      m.ExternalID,
			InternalEventID: m.InternalEventID,
			LastModified:    m.LastModified,
		}
	}

	cs := reconcile.Reconcile(conn.ID, mappings, parsed.Events, parsed.SkippedIDs...)

	errs := make([]string, 0, len(parsed.Errors)+len(cs.Errors))
	errs = append(errs, parsed.Errors...)
	errs = append(errs, cs.Errors...)

	result := &Result{
		ConnectionID: conn.ID,
		Success:      true,
		Status:       connection.StatusActive,
		Fetched:      len(parsed.Events),
		Created:      len(cs.Creates),
		Updated:      len(cs.Updates),
		Deleted:      len(cs.Deletes),
		Skipped:      parsed.Skipped + len(cs.Errors),
		Errors:       errs,
		Message:      summary(len(parsed.Events)-len(cs.Errors), len(cs.Creates), len(cs.Updates), len(cs.Deletes), parsed.Skipped+len(cs.Errors)),
	}

	now := e.clock()
	next, err := conn.State().Succeed(now, conn.Config.RefreshInterval())
	if err != nil {
		return nil, err
	}

	err = e.db.WithTx(ctx, func(tx *db.Tx) error {
		if err := apply(ctx, tx, tx, conn, cs); err != nil {
			return err
		}

		if err := tx.CreateSyncLog(ctx, &db.SyncLog{
			ConnectionID:  conn.ID,
			SyncType:      syncType,
			Status:        db.LogStatusCompleted,
			StartedAt:     started,
			CompletedAt:   now,
			EventsSynced:  len(parsed.Events) - len(cs.Errors),
			EventsCreated: result.Created,
			EventsUpdated: result.Updated,
			EventsDeleted: result.Deleted,
			EventsSkipped: result.Skipped,
			Errors:        errs,
			Message:       result.Message,
		}); err != nil {
			return err
		}

		finished := *conn
		finished.SetState(next)
		finished.LastSyncAt = &now
		finished.LastError = ""
		return tx.FinishSync(ctx, &finished)
	})
	if err != nil {
		return nil, err
	}

	e.metrics.ObserveChangeset(result.Created, result.Updated, result.Deleted)
	return result, nil
}

// mappingWriter is the mapping half of a sync transaction.
type mappingWriter interface {
	CreateMapping(ctx context.Context, m *db.EventMapping) error
	UpdateMapping(ctx context.Context, connectionID, externalID, internalEventID string, lastModified *time.Time) error
	DeleteMapping(ctx context.Context, connectionID, externalID string) error
}

// apply writes a changeset. Events and mappings change together or not at all
// since both writers belong to the same transaction.
func apply(ctx context.Context, events EventWriter, mappings mappingWriter, conn *db.Connection, cs *reconcile.Changeset) error {
	for _, evt := range cs.Creates {
		id, err := events.UpsertEvent(ctx, "", eventFields(conn, evt))
		if err != nil {
			return fmt.Errorf("creating event %s: %w", evt.ExternalID, err)
		}
		if err := mappings.CreateMapping(ctx, &db.EventMapping{
			ConnectionID:    conn.ID,
			Provider:        conn.Provider,
			ExternalID:      evt.ExternalID,
			InternalEventID: id,
			LastModified:    evt.LastModified,
		}); err != nil {
			return err
		}
	}

	for _, u := range cs.Updates {
		id, err := events.UpsertEvent(ctx, u.Mapping.InternalEventID, eventFields(conn, u.Event))
		if err != nil {
			return fmt.Errorf("updating event %s: %w", u.Event.ExternalID, err)
		}
		if err := mappings.UpdateMapping(ctx, conn.ID, u.Event.ExternalID, id, u.Event.LastModified); err != nil {
			return fmt.Errorf("updating mapping %s: %w", u.Event.ExternalID, err)
		}
	}

	for _, m := range cs.Deletes {
		if err := events.DeleteEvent(ctx, m.InternalEventID); err != nil {
			return fmt.Errorf("deleting event %s: %w", m.ExternalID, err)
		}
		if err := mappings.DeleteMapping(ctx, conn.ID, m.ExternalID); err != nil {
			return err
		}
	}

	return nil
}

func eventFields(conn *db.Connection, evt feed.NormalizedEvent) db.EventFields {
	return db.EventFields{
		SpaceID:        conn.SpaceID,
		ConnectionID:   conn.ID,
		Title:          evt.Title,
		Description:    evt.Description,
		Location:       evt.Location,
		StartAt:        evt.Start,
		EndAt:          evt.End,
		AllDay:         evt.AllDay,
		RecurrenceRule: evt.RecurrenceRule,
		RecurrenceID:   evt.RecurrenceID,
		Status:         evt.Status,
	}
}

// fail records a failed attempt: a failed SyncLog and the failure transition,
// committed together.
func (e *Engine) fail(ctx context.Context, log *logrus.Entry, conn *db.Connection, syncType db.SyncType, started time.Time, cause error) *Result {
	reason := describe(cause)
	log.WithError(cause).Warn("Sync failed")

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	now := e.clock()
	result := &Result{ConnectionID: conn.ID, Success: false, Message: reason}

	next, err := conn.State().Fail(e.policy, now)
	if err != nil {
		log.WithError(err).Error("Failed to compute failure transition")
		result.Status = conn.SyncStatus
		return result
	}
	result.Status = next.Status

	err = e.db.WithTx(ctx, func(tx *db.Tx) error {
		if err := tx.CreateSyncLog(ctx, &db.SyncLog{
			ConnectionID: conn.ID,
			SyncType:     syncType,
			Status:       db.LogStatusFailed,
			StartedAt:    started,
			CompletedAt:  now,
			Errors:       []string{},
			Message:      reason,
		}); err != nil {
			return err
		}

		failed := *conn
		failed.SetState(next)
		failed.LastError = reason
		return tx.FinishSync(ctx, &failed)
	})
	if err != nil {
		log.WithError(err).Error("Failed to record sync failure")
		return result
	}

	if next.Status == connection.StatusDisabled {
		e.metrics.ConnectionDisabled()
		log.WithField("consecutive_failures", next.ConsecutiveFailures).Warn("Connection disabled after repeated failures")
		e.notifier.ConnectionDisabled(ctx, conn.ID, conn.Name(), conn.SpaceID, connection.Reason(next.Status, reason))
	}

	return result
}

// ReclaimExpired force-fails connections whose sync lease ran out, as if the
// sync had failed. Returns the number of connections reclaimed.
func (e *Engine) ReclaimExpired(ctx context.Context) (int, error) {
	now := e.clock()
	expired, err := e.db.ListExpiredLeases(ctx, now)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, conn := range expired {
		log := e.logger.WithFields(logrus.Fields{
			"connection_id": conn.ID,
			"provider":      conn.Provider,
		})

		next, err := conn.State().Fail(e.policy, now)
		if err != nil {
			log.WithError(err).Error("Failed to compute failure transition for expired lease")
			continue
		}

		err = e.db.WithTx(ctx, func(tx *db.Tx) error {
			if err := tx.CreateSyncLog(ctx, &db.SyncLog{
				ConnectionID: conn.ID,
				SyncType:     db.SyncTypeScheduled,
				Status:       db.LogStatusFailed,
				StartedAt:    leaseStart(conn, e.policy, now),
				CompletedAt:  now,
				Errors:       []string{},
				Message:      "sync lease expired",
			}); err != nil {
				return err
			}

			failed := *conn
			failed.SetState(next)
			failed.LastError = "The last sync did not finish in time"
			return tx.FinishSync(ctx, &failed)
		})
		if errors.Is(err, db.ErrLeaseLost) {
			// The sync finished on its own between listing and reclaiming
			continue
		}
		if err != nil {
			log.WithError(err).Error("Failed to reclaim expired lease")
			continue
		}

		reclaimed++
		e.metrics.LeaseReclaimed()
		log.Warn("Reclaimed expired sync lease")
		if next.Status == connection.StatusDisabled {
			e.metrics.ConnectionDisabled()
			e.notifier.ConnectionDisabled(ctx, conn.ID, conn.Name(), conn.SpaceID,
				connection.Reason(next.Status, "The last sync did not finish in time"))
		}
	}

	return reclaimed, nil
}

func leaseStart(conn *db.Connection, p connection.Policy, now time.Time) time.Time {
	if conn.LeaseExpiresAt == nil {
		return now
	}
	return conn.LeaseExpiresAt.Add(-p.LeaseTimeout)
}

func (e *Engine) clock() time.Time {
	return e.now().UTC().Truncate(time.Second)
}

// describe maps a sync failure to the reason stored on the connection.
func describe(err error) string {
	var verr *provider.ValidationError
	var ferr *feed.FetchError
	switch {
	case errors.As(err, &ferr), errors.Is(err, feed.ErrMalformedFeed):
		return feed.Describe(err)
	case errors.As(err, &verr):
		return verr.Message
	case errors.Is(err, provider.ErrUnknownProvider):
		return "This calendar provider is no longer supported"
	case errors.Is(err, context.DeadlineExceeded):
		return "The sync did not finish in time"
	}
	return feed.Describe(err)
}

func summary(synced, created, updated, deleted, skipped int) string {
	msg := fmt.Sprintf("Synced %d events: %d created, %d updated, %d deleted", synced, created, updated, deleted)
	if skipped > 0 {
		msg += fmt.Sprintf(", %d skipped", skipped)
	}
	return msg
}
