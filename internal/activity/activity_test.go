package activity

import (
	"testing"
)

func TestTrackerLifecycle(t *testing.T) {
	tracker := NewTracker()

	tracker.StartSync("conn-1", "space-1", "School", "ics", "manual")
	if !tracker.IsSyncing("conn-1") {
		t.Fatal("expected conn-1 to be syncing")
	}

	active := tracker.GetActive()
	if len(active) != 1 || active[0].Status != "running" {
		t.Fatalf("unexpected active list %+v", active)
	}

	tracker.FinishSync("conn-1", true, Counts{Fetched: 3, Created: 2, Skipped: 1}, "Synced 3 events", nil)

	if tracker.IsSyncing("conn-1") {
		t.Error("expected conn-1 to be finished")
	}
	recent := tracker.GetRecent()
	if len(recent) != 1 {
		t.Fatalf("expected 1 recent sync, got %d", len(recent))
	}
	if recent[0].Status != "completed" || recent[0].EventsCreated != 2 || recent[0].CompletedAt == nil {
		t.Errorf("unexpected recent entry %+v", recent[0])
	}
}

func TestTrackerStatuses(t *testing.T) {
	testCases := []struct {
		name     string
		success  bool
		errors   []string
		expected string
	}{
		{"clean", true, nil, "completed"},
		{"per-event errors", true, []string{"bad"}, "partial"},
		{"failed", false, nil, "error"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tracker := NewTracker()
			tracker.StartSync("c", "s", "n", "ics", "scheduled")
			tracker.FinishSync("c", tc.success, Counts{}, "", tc.errors)

			if got := tracker.GetRecent()[0].Status; got != tc.expected {
				t.Errorf("expected %s, got %s", tc.expected, got)
			}
		})
	}
}

func TestTrackerRecentLimit(t *testing.T) {
	tracker := NewTracker()
	for i := 0; i < 25; i++ {
		tracker.StartSync("c", "s", "n", "ics", "scheduled")
		tracker.FinishSync("c", true, Counts{Fetched: i}, "", nil)
	}

	recent := tracker.GetRecent()
	if len(recent) != 20 {
		t.Fatalf("expected 20 recent syncs, got %d", len(recent))
	}
	if recent[0].EventsFetched != 24 {
		t.Errorf("expected newest first, got %d", recent[0].EventsFetched)
	}
}

func TestFinishUnknownIsNoop(t *testing.T) {
	tracker := NewTracker()
	tracker.FinishSync("missing", true, Counts{}, "", nil)
	if len(tracker.GetRecent()) != 0 {
		t.Error("finishing an untracked sync should not record anything")
	}

	var nilTracker *Tracker
	nilTracker.StartSync("c", "s", "n", "ics", "manual")
	nilTracker.FinishSync("c", true, Counts{}, "", nil)
}

func TestForSpaces(t *testing.T) {
	items := []*SyncActivity{
		{ConnectionID: "a", SpaceID: "s1"},
		{ConnectionID: "b", SpaceID: "s2"},
		{ConnectionID: "c", SpaceID: "s1"},
	}

	got := ForSpaces(items, map[string]bool{"s1": true})
	if len(got) != 2 || got[0].ConnectionID != "a" || got[1].ConnectionID != "c" {
		t.Errorf("unexpected filter result %+v", got)
	}
}
