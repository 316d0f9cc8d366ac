package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/hearthly/calsync/internal/activity"
	"github.com/hearthly/calsync/internal/auth"
	"github.com/hearthly/calsync/internal/calsync"
	"github.com/hearthly/calsync/internal/config"
	"github.com/hearthly/calsync/internal/connection"
	"github.com/hearthly/calsync/internal/db"
	"github.com/hearthly/calsync/internal/feed"
	"github.com/hearthly/calsync/internal/logging"
	"github.com/hearthly/calsync/internal/metrics"
	"github.com/hearthly/calsync/internal/notify"
	"github.com/hearthly/calsync/internal/provider"
)

const (
	maxNameLength    = 100
	defaultLogLimit  = 20
	maxLogLimit      = 100
	readinessTimeout = 2 * time.Second
)

// SyncRunner starts syncs on behalf of the API.
type SyncRunner interface {
	RunSyncNow(ctx context.Context, id string, force bool) (*calsync.Result, error)
	TriggerSync(id string)
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	cfg      *config.Config
	db       *db.DB
	registry *provider.Registry
	syncs    SyncRunner
	tracker  *activity.Tracker
	notifier *notify.Notifier
	metrics  *metrics.Metrics
	logger   *logrus.Logger
	now      func() time.Time
	started  time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(
	cfg *config.Config,
	database *db.DB,
	registry *provider.Registry,
	syncs SyncRunner,
	tracker *activity.Tracker,
	notifier *notify.Notifier,
	m *metrics.Metrics,
	logger *logrus.Logger,
) *Handlers {
	if logger == nil {
		logger = logging.Discard()
	}
	if tracker == nil {
		tracker = activity.NewTracker()
	}
	return &Handlers{
		cfg:      cfg,
		db:       database,
		registry: registry,
		syncs:    syncs,
		tracker:  tracker,
		notifier: notifier,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
		started:  time.Now(),
	}
}

// APIConnection represents a connection in JSON format for the API.
// The feed URL is redacted because it may embed a private token.
type APIConnection struct {
	ID                  string      `json:"id"`
	SpaceID             string      `json:"space_id"`
	Provider            string      `json:"provider"`
	Name                string      `json:"name"`
	FeedURL             string      `json:"feed_url"`
	RefreshIntervalSecs int         `json:"refresh_interval_secs"`
	SyncStatus          string      `json:"sync_status"`
	SyncEnabled         bool        `json:"sync_enabled"`
	Syncing             bool        `json:"syncing"`
	NextSyncAt          string      `json:"next_sync_at"`
	ConsecutiveFailures int         `json:"consecutive_failure_count"`
	LastSyncAt          *string     `json:"last_sync_at"`
	Reason              string      `json:"reason,omitempty"`
	LatestLog           *APISyncLog `json:"latest_log,omitempty"`
	CreatedAt           string      `json:"created_at"`
	UpdatedAt           string      `json:"updated_at"`
}

// APISyncLog represents a sync log in JSON format for the API.
type APISyncLog struct {
	ID            string   `json:"id"`
	SyncType      string   `json:"sync_type"`
	Status        string   `json:"status"`
	StartedAt     string   `json:"started_at"`
	CompletedAt   string   `json:"completed_at"`
	DurationSecs  float64  `json:"duration_secs"`
	EventsSynced  int      `json:"events_synced"`
	EventsCreated int      `json:"events_created"`
	EventsUpdated int      `json:"events_updated"`
	EventsDeleted int      `json:"events_deleted"`
	EventsSkipped int      `json:"events_skipped"`
	Errors        []string `json:"errors"`
	Message       string   `json:"message"`
}

// APISyncResult is the outcome of a manual sync.
type APISyncResult struct {
	Success    bool     `json:"success"`
	Status     string   `json:"status"`
	Fetched    int      `json:"events_fetched"`
	Created    int      `json:"events_created"`
	Updated    int      `json:"events_updated"`
	Deleted    int      `json:"events_deleted"`
	Skipped    int      `json:"events_skipped"`
	Errors     []string `json:"errors"`
	Message    string   `json:"message"`
	DurationMS int64    `json:"duration_ms"`
}

// APIProvider describes a supported provider.
type APIProvider struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

// APICreateConnectionRequest represents the request body for creating a connection.
type APICreateConnectionRequest struct {
	Provider            string `json:"provider"`
	FeedURL             string `json:"feed_url"`
	Name                string `json:"name"`
	RefreshIntervalSecs int    `json:"refresh_interval_secs"`
}

// APITestFeedRequest represents the request body for a feed dry run.
type APITestFeedRequest struct {
	Provider string `json:"provider"`
	FeedURL  string `json:"feed_url"`
}

func (h *Handlers) connectionToAPI(conn *db.Connection, latest *db.SyncLog) *APIConnection {
	api := &APIConnection{
		ID:                  conn.ID,
		SpaceID:             conn.SpaceID,
		Provider:            string(conn.Provider),
		Name:                conn.Name(),
		FeedURL:             logging.RedactURL(conn.FeedURL),
		SyncStatus:          string(conn.SyncStatus),
		SyncEnabled:         conn.SyncEnabled,
		Syncing:             conn.SyncStatus == connection.StatusSyncing || h.tracker.IsSyncing(conn.ID),
		NextSyncAt:          conn.NextSyncAt.Format(time.RFC3339),
		ConsecutiveFailures: conn.ConsecutiveFailures,
		Reason:              connection.Reason(conn.SyncStatus, conn.LastError),
		CreatedAt:           conn.CreatedAt.Format(time.RFC3339),
		UpdatedAt:           conn.UpdatedAt.Format(time.RFC3339),
	}
	if conn.Config != nil {
		api.RefreshIntervalSecs = int(conn.Config.RefreshInterval() / time.Second)
	}
	if conn.LastSyncAt != nil {
		ts := conn.LastSyncAt.Format(time.RFC3339)
		api.LastSyncAt = &ts
	}
	if latest != nil {
		api.LatestLog = syncLogToAPI(latest)
	}
	return api
}

func syncLogToAPI(l *db.SyncLog) *APISyncLog {
	api := &APISyncLog{
		ID:            l.ID,
		SyncType:      string(l.SyncType),
		Status:        string(l.Status),
		StartedAt:     l.StartedAt.Format(time.RFC3339),
		CompletedAt:   l.CompletedAt.Format(time.RFC3339),
		DurationSecs:  l.Duration().Seconds(),
		EventsSynced:  l.EventsSynced,
		EventsCreated: l.EventsCreated,
		EventsUpdated: l.EventsUpdated,
		EventsDeleted: l.EventsDeleted,
		EventsSkipped: l.EventsSkipped,
		Errors:        l.Errors,
		Message:       l.Message,
	}
	// Ensure errors is never null in JSON
	if api.Errors == nil {
		api.Errors = []string{}
	}
	return api
}

func resultToAPI(r *calsync.Result) *APISyncResult {
	api := &APISyncResult{
		Success:    r.Success,
		Status:     string(r.Status),
		Fetched:    r.Fetched,
		Created:    r.Created,
		Updated:    r.Updated,
		Deleted:    r.Deleted,
		Skipped:    r.Skipped,
		Errors:     r.Errors,
		Message:    r.Message,
		DurationMS: r.Duration.Milliseconds(),
	}
	if api.Errors == nil {
		api.Errors = []string{}
	}
	return api
}

// HealthCheck returns a full health report.
func (h *Handlers) HealthCheck(c *gin.Context) {
	status, code := "healthy", http.StatusOK
	dbStatus := "ok"
	if err := h.pingDB(c.Request.Context()); err != nil {
		h.logger.WithError(err).Error("Health check: database unreachable")
		status, code, dbStatus = "unhealthy", http.StatusServiceUnavailable, "unreachable"
	}

	c.JSON(code, gin.H{
		"status":         status,
		"uptime":         h.now().Sub(h.started).Round(time.Second).String(),
		"active_syncs":   len(h.tracker.GetActive()),
		"checks":         gin.H{"database": dbStatus},
		"alerts_enabled": h.notifier.IsEnabled(),
	})
}

// Liveness returns a simple liveness check.
func (h *Handlers) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// Readiness checks that the database can serve requests.
func (h *Handlers) Readiness(c *gin.Context) {
	if err := h.pingDB(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (h *Handlers) pingDB(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()
	return h.db.Ping(ctx)
}

// APIListProviders returns the supported providers.
func (h *Handlers) APIListProviders(c *gin.Context) {
	adapters := h.registry.List()
	out := make([]APIProvider, len(adapters))
	for i, a := range adapters {
		out[i] = APIProvider{Name: string(a.Provider()), DisplayName: a.DisplayName()}
	}
	c.JSON(http.StatusOK, out)
}

// APIListConnections returns all connections in a space.
func (h *Handlers) APIListConnections(c *gin.Context) {
	ctx := c.Request.Context()
	conns, err := h.db.ListConnectionsBySpace(ctx, c.Param("spaceID"))
	if err != nil {
		h.internalError(c, err, "Failed to load calendars")
		return
	}

	out := make([]*APIConnection, len(conns))
	for i, conn := range conns {
		latest, err := h.latestLog(ctx, conn.ID)
		if err != nil {
			h.internalError(c, err, "Failed to load calendars")
			return
		}
		out[i] = h.connectionToAPI(conn, latest)
	}

	c.JSON(http.StatusOK, out)
}

// APIGetConnection returns a single connection.
func (h *Handlers) APIGetConnection(c *gin.Context) {
	conn, ok := h.loadConnection(c)
	if !ok {
		return
	}

	latest, err := h.latestLog(c.Request.Context(), conn.ID)
	if err != nil {
		h.internalError(c, err, "Failed to load calendar")
		return
	}

	c.JSON(http.StatusOK, h.connectionToAPI(conn, latest))
}

// APICreateConnection validates the feed, tests it once, stores the
// connection and starts its first sync in the background.
func (h *Handlers) APICreateConnection(c *gin.Context) {
	session := auth.GetCurrentUser(c)

	var req APICreateConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	name := strings.TrimSpace(req.Name)
	if len(name) > maxNameLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Name must be at most 100 characters"})
		return
	}

	adapter, normalized, ok := h.validateFeed(c, req.Provider, req.FeedURL)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	tested, err := adapter.Test(ctx, normalized)
	if err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"provider": adapter.Provider(),
			"feed":     logging.RedactURL(normalized),
		}).Info("Feed test failed during connection setup")
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": feed.Describe(err)})
		return
	}
	if name == "" {
		name = tested.CalendarName
	}

	conn := &db.Connection{
		SpaceID:  c.Param("spaceID"),
		UserID:   session.UserID,
		Provider: adapter.Provider(),
		Config:   adapter.NewConfig(normalized, name, h.clampInterval(req.RefreshIntervalSecs)),
	}

	if err := h.db.CreateConnection(ctx, conn); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			c.JSON(http.StatusConflict, gin.H{"error": "This calendar is already connected to this space"})
			return
		}
		h.internalError(c, err, "Failed to save calendar")
		return
	}

	h.logger.WithFields(logrus.Fields{
		"connection_id": conn.ID,
		"space_id":      conn.SpaceID,
		"provider":      conn.Provider,
	}).Info("Calendar connected")

	h.syncs.TriggerSync(conn.ID)

	c.JSON(http.StatusCreated, h.connectionToAPI(conn, nil))
}

// APIDeleteConnection disconnects a calendar and removes everything it imported.
func (h *Handlers) APIDeleteConnection(c *gin.Context) {
	conn, ok := h.loadConnection(c)
	if !ok {
		return
	}

	if err := h.db.DeleteConnection(c.Request.Context(), conn.ID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Calendar not found"})
			return
		}
		h.internalError(c, err, "Failed to disconnect calendar")
		return
	}
	h.notifier.Forget(conn.ID)

	h.logger.WithField("connection_id", conn.ID).Info("Calendar disconnected")
	c.JSON(http.StatusOK, gin.H{"message": "Calendar disconnected"})
}

// APISyncConnection runs a manual sync and reports its outcome. With
// ?force=true a paused calendar is synced too.
func (h *Handlers) APISyncConnection(c *gin.Context) {
	conn, ok := h.loadConnection(c)
	if !ok {
		return
	}

	force := false
	if v := c.Query("force"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "force must be true or false"})
			return
		}
		force = parsed
	}

	// A client hanging up must not turn into a failed sync
	result, err := h.syncs.RunSyncNow(context.WithoutCancel(c.Request.Context()), conn.ID, force)
	switch {
	case err == nil:
	case errors.Is(err, calsync.ErrSyncInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "A sync is already in progress for this calendar"})
		return
	case errors.Is(err, calsync.ErrNotSyncable):
		c.JSON(http.StatusConflict, gin.H{"error": "Syncing is paused for this calendar. Re-enable it or force a sync."})
		return
	case errors.Is(err, db.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Calendar not found"})
		return
	case errors.Is(err, db.ErrLeaseLost):
		c.JSON(http.StatusConflict, gin.H{"error": "The sync took too long and was abandoned"})
		return
	case errors.Is(err, db.ErrDuplicate):
		c.JSON(http.StatusConflict, gin.H{"error": "Another active connection in this space already uses this calendar"})
		return
	default:
		h.internalError(c, err, "Failed to sync calendar")
		return
	}

	c.JSON(http.StatusOK, resultToAPI(result))
}

// APIEnableConnection re-enables a paused or failing calendar and syncs it.
func (h *Handlers) APIEnableConnection(c *gin.Context) {
	conn, ok := h.loadConnection(c)
	if !ok {
		return
	}

	next, err := conn.State().Reenable(h.now().UTC())
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "Only paused or failing calendars can be re-enabled"})
		return
	}
	if !h.updateState(c, conn, next) {
		return
	}

	h.syncs.TriggerSync(conn.ID)
	h.respondWithConnection(c, conn.ID)
}

// APIDisableConnection pauses scheduled syncing of a calendar.
func (h *Handlers) APIDisableConnection(c *gin.Context) {
	conn, ok := h.loadConnection(c)
	if !ok {
		return
	}

	next, err := conn.State().Disable()
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "A sync is in progress; try again when it finishes"})
		return
	}
	if !h.updateState(c, conn, next) {
		return
	}

	h.respondWithConnection(c, conn.ID)
}

// APIGetConnectionLogs returns the most recent sync logs of a connection.
func (h *Handlers) APIGetConnectionLogs(c *gin.Context) {
	conn, ok := h.loadConnection(c)
	if !ok {
		return
	}

	limit := defaultLogLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}

	logs, err := h.db.GetSyncLogs(c.Request.Context(), conn.ID, limit)
	if err != nil {
		h.internalError(c, err, "Failed to load logs")
		return
	}

	out := make([]*APISyncLog, len(logs))
	for i, l := range logs {
		out[i] = syncLogToAPI(l)
	}
	c.JSON(http.StatusOK, out)
}

// APITestFeed dry-runs a feed URL without storing anything.
func (h *Handlers) APITestFeed(c *gin.Context) {
	var req APITestFeedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	adapter, normalized, ok := h.validateFeed(c, req.Provider, req.FeedURL)
	if !ok {
		return
	}

	result, err := adapter.Test(c.Request.Context(), normalized)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": feed.Describe(err)})
		return
	}
	if result.CalendarName == "" {
		result.CalendarName = adapter.Describe(normalized)
	}

	c.JSON(http.StatusOK, result)
}

// APIActivity returns running and recently finished syncs in the user's spaces.
func (h *Handlers) APIActivity(c *gin.Context) {
	session := auth.GetCurrentUser(c)

	spaceIDs, err := h.db.ListUserSpaces(c.Request.Context(), session.UserID)
	if err != nil {
		h.internalError(c, err, "Failed to load activity")
		return
	}
	spaces := make(map[string]bool, len(spaceIDs))
	for _, id := range spaceIDs {
		spaces[id] = true
	}

	c.JSON(http.StatusOK, gin.H{
		"active": activity.ForSpaces(h.tracker.GetActive(), spaces),
		"recent": activity.ForSpaces(h.tracker.GetRecent(), spaces),
	})
}

// validateFeed resolves the provider and checks the URL offline. On failure
// the 400 response has already been written.
func (h *Handlers) validateFeed(c *gin.Context, providerName, feedURL string) (provider.Adapter, string, bool) {
	if providerName == "" {
		providerName = string(provider.ICS)
	}
	adapter, err := h.registry.Get(providerName)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown calendar provider"})
		return nil, "", false
	}

	normalized, err := adapter.Validate(feedURL)
	if err != nil {
		var ve *provider.ValidationError
		if errors.As(err, &ve) {
			c.JSON(http.StatusBadRequest, gin.H{"error": ve.Message})
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid calendar link"})
		}
		return nil, "", false
	}

	return adapter, normalized, true
}

// loadConnection fetches :id and checks the current user may see it. Other
// spaces' connections answer 404 like missing ones.
func (h *Handlers) loadConnection(c *gin.Context) (*db.Connection, bool) {
	conn, err := h.db.GetConnection(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Calendar not found"})
		} else {
			h.internalError(c, err, "Failed to load calendar")
		}
		return nil, false
	}

	if !auth.CanAccessSpace(c, h.db, h.logger, conn.SpaceID) {
		return nil, false
	}
	return conn, true
}

// updateState stores a user-driven transition, writing the error response on failure.
func (h *Handlers) updateState(c *gin.Context, conn *db.Connection, next connection.State) bool {
	err := h.db.UpdateConnectionState(c.Request.Context(), conn.ID, []connection.Status{conn.SyncStatus}, next)
	switch {
	case err == nil:
		h.logger.WithFields(logrus.Fields{
			"connection_id": conn.ID,
			"from":          conn.SyncStatus,
			"to":            next.Status,
		}).Info("Calendar state changed")
		return true
	case errors.Is(err, db.ErrDuplicate):
		c.JSON(http.StatusConflict, gin.H{"error": "Another active connection in this space already uses this calendar"})
	case errors.Is(err, db.ErrStateChanged):
		c.JSON(http.StatusConflict, gin.H{"error": "The calendar changed state; reload and try again"})
	case errors.Is(err, db.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Calendar not found"})
	default:
		h.internalError(c, err, "Failed to update calendar")
	}
	return false
}

func (h *Handlers) respondWithConnection(c *gin.Context, id string) {
	ctx := c.Request.Context()
	conn, err := h.db.GetConnection(ctx, id)
	if err != nil {
		h.internalError(c, err, "Failed to load calendar")
		return
	}
	latest, err := h.latestLog(ctx, id)
	if err != nil {
		h.internalError(c, err, "Failed to load calendar")
		return
	}
	c.JSON(http.StatusOK, h.connectionToAPI(conn, latest))
}

func (h *Handlers) latestLog(ctx context.Context, id string) (*db.SyncLog, error) {
	latest, err := h.db.GetLatestSyncLog(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	return latest, err
}

// clampInterval applies the configured refresh interval bounds. Zero or
// negative requests get the default.
func (h *Handlers) clampInterval(secs int) time.Duration {
	bounds := h.cfg.Sync
	if secs <= 0 {
		return bounds.DefaultInterval
	}
	d := time.Duration(secs) * time.Second
	if d < bounds.MinInterval {
		return bounds.MinInterval
	}
	if d > bounds.MaxInterval {
		return bounds.MaxInterval
	}
	return d
}

// internalError logs err and returns a generic message to the client.
func (h *Handlers) internalError(c *gin.Context, err error, userMessage string) {
	h.logger.WithError(err).WithField("path", c.FullPath()).Error(userMessage)
	c.JSON(http.StatusInternalServerError, gin.H{"error": userMessage})
}
