package activity

import (
	"sort"
	"sync"
	"time"
)

// SyncActivity represents the current state of a sync operation.
type SyncActivity struct {
	ConnectionID  string     `json:"connection_id"`
	SpaceID       string     `json:"space_id"`
	Name          string     `json:"name"`
	Provider      string     `json:"provider"`
	SyncType      string     `json:"sync_type"`
	Status        string     `json:"status"` // "running", "completed", "partial", "error"
	EventsFetched int        `json:"events_fetched"`
	EventsCreated int        `json:"events_created"`
	EventsUpdated int        `json:"events_updated"`
	EventsDeleted int        `json:"events_deleted"`
	EventsSkipped int        `json:"events_skipped"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Duration      string     `json:"duration,omitempty"`
	Message       string     `json:"message,omitempty"`
	Errors        []string   `json:"errors,omitempty"`
}

// Counts are the event totals reported when a sync finishes.
type Counts struct {
	Fetched int
	Created int
	Updated int
	Deleted int
	Skipped int
}

// Tracker tracks sync activity across all connections.
type Tracker struct {
	mu        sync.RWMutex
	active    map[string]*SyncActivity // connectionID -> activity
	recent    []*SyncActivity          // Recently completed syncs
	maxRecent int
}

// NewTracker creates a new activity tracker.
func NewTracker() *Tracker {
	return &Tracker{
		active:    make(map[string]*SyncActivity),
		recent:    make([]*SyncActivity, 0),
		maxRecent: 20, // Keep last 20 completed syncs
	}
}

// StartSync begins tracking a sync operation.
func (t *Tracker) StartSync(connectionID, spaceID, name, provider, syncType string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active[connectionID] = &SyncActivity{
		ConnectionID: connectionID,
		SpaceID:      spaceID,
		Name:         name,
		Provider:     provider,
		SyncType:     syncType,
		Status:       "running",
		StartedAt:    time.Now(),
	}
}

// FinishSync marks a sync as finished and moves it to recent.
func (t *Tracker) FinishSync(connectionID string, success bool, counts Counts, message string, errors []string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	activity, exists := t.active[connectionID]
	if !exists {
		return
	}

	now := time.Now()
	activity.CompletedAt = &now
	activity.Duration = now.Sub(activity.StartedAt).Round(time.Millisecond).String()
	activity.EventsFetched = counts.Fetched
	activity.EventsCreated = counts.Created
	activity.EventsUpdated = counts.Updated
	activity.EventsDeleted = counts.Deleted
	activity.EventsSkipped = counts.Skipped
	activity.Message = message
	activity.Errors = errors

	if success {
		if len(errors) > 0 {
			activity.Status = "partial"
		} else {
			activity.Status = "completed"
		}
	} else {
		activity.Status = "error"
	}

	// Move to recent list
	t.recent = append([]*SyncActivity{activity}, t.recent...)
	if len(t.recent) > t.maxRecent {
		t.recent = t.recent[:t.maxRecent]
	}

	delete(t.active, connectionID)
}

// GetActive returns all running syncs, oldest first.
func (t *Tracker) GetActive() []*SyncActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*SyncActivity, 0, len(t.active))
	for _, activity := range t.active {
		// Copy so callers never race with FinishSync
		c := *activity
		c.Duration = time.Since(activity.StartedAt).Round(time.Millisecond).String()
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result
}

// GetRecent returns recently finished syncs, newest first.
func (t *Tracker) GetRecent() []*SyncActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*SyncActivity, len(t.recent))
	for i, activity := range t.recent {
		c := *activity
		result[i] = &c
	}
	return result
}

// ForSpaces keeps only activity belonging to the given spaces.
func ForSpaces(items []*SyncActivity, spaces map[string]bool) []*SyncActivity {
	out := make([]*SyncActivity, 0, len(items))
	for _, a := range items {
		if spaces[a.SpaceID] {
			out = append(out, a)
		}
	}
	return out
}

// IsSyncing returns true if the given connection is currently syncing in this process.
func (t *Tracker) IsSyncing(connectionID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, exists := t.active[connectionID]
	return exists
}
