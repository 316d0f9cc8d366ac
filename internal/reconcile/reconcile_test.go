package reconcile

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/hearthly/calsync/internal/feed"
)

var (
	t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
)

func event(id string, lastModified *time.Time) feed.NormalizedEvent {
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	return feed.NormalizedEvent{
		ExternalID:   id,
		UID:          id,
		Title:        "Event " + id,
		Start:        start,
		End:          start.Add(time.Hour),
		LastModified: lastModified,
	}
}

func stamp(t time.Time) *time.Time {
	return &t
}

// apply turns a changeset into the mapping set a store would hold afterwards.
func apply(mappings []Mapping, cs *Changeset) []Mapping {
	byID := make(map[string]Mapping)
	var order []string
	for _, m := range mappings {
		byID[m.ExternalID] = m
		order = append(order, m.ExternalID)
	}
	for _, d := range cs.Deletes {
		delete(byID, d.ExternalID)
	}
	for _, u := range cs.Updates {
		m := byID[u.Event.ExternalID]
		m.LastModified = u.Event.LastModified
		byID[u.Event.ExternalID] = m
	}
	for i, c := range cs.Creates {
		byID[c.ExternalID] = Mapping{
			ExternalID:      c.ExternalID,
			InternalEventID: fmt.Sprintf("internal-%s-%d", c.ExternalID, i),
			LastModified:    c.LastModified,
		}
		order = append(order, c.ExternalID)
	}

	var out []Mapping
	for _, id := range order {
		if m, ok := byID[id]; ok {
			out = append(out, m)
			delete(byID, id)
		}
	}
	return out
}

func TestReconcileDecisions(t *testing.T) {
	testCases := []struct {
		name      string
		mapping   *time.Time
		incoming  *time.Time
		wantWrite bool
	}{
		{"newer stamp updates", stamp(t0), stamp(t1), true},
		{"equal stamp is unchanged", stamp(t0), stamp(t0), false},
		{"older stamp is unchanged", stamp(t1), stamp(t0), false},
		{"absent incoming stamp is unchanged", stamp(t0), nil, false},
		{"both absent is unchanged", nil, nil, false},
		{"stamp appearing counts as newer", nil, stamp(t0), true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			mappings := []Mapping{{ExternalID: "a", InternalEventID: "i-a", LastModified: tc.mapping}}
			cs := Reconcile("conn", mappings, []feed.NormalizedEvent{event("a", tc.incoming)})

			if len(cs.Creates) != 0 || len(cs.Deletes) != 0 {
				t.Fatalf("unexpected creates/deletes: %+v", cs)
			}
			if got := len(cs.Updates) == 1; got != tc.wantWrite {
				t.Errorf("expected update=%v, got %+v", tc.wantWrite, cs.Updates)
			}
			if !tc.wantWrite && cs.Unchanged != 1 {
				t.Errorf("expected 1 unchanged, got %d", cs.Unchanged)
			}
			if tc.wantWrite && cs.Updates[0].Mapping.InternalEventID != "i-a" {
				t.Errorf("update must carry the existing internal ID")
			}
		})
	}
}

func TestReconcileIdempotence(t *testing.T) {
	incoming := []feed.NormalizedEvent{event("1", stamp(t0)), event("2", stamp(t0)), event("3", nil)}

	first := Reconcile("conn", nil, incoming)
	if len(first.Creates) != 3 {
		t.Fatalf("expected 3 creates on first sync, got %d", len(first.Creates))
	}

	mappings := apply(nil, first)
	second := Reconcile("conn", mappings, incoming)
	if !second.Empty() {
		t.Errorf("expected empty changeset on re-sync, got %+v", second)
	}
	if second.Unchanged != 3 {
		t.Errorf("expected 3 unchanged, got %d", second.Unchanged)
	}
}

func TestReconcileDedup(t *testing.T) {
	incoming := []feed.NormalizedEvent{event("1", stamp(t0))}
	mappings := apply(nil, Reconcile("conn", nil, incoming))
	mappings = apply(mappings, Reconcile("conn", mappings, incoming))

	if len(mappings) != 1 {
		t.Errorf("importing twice must keep one mapping, got %d", len(mappings))
	}
}

func TestReconcileDuplicateIncoming(t *testing.T) {
	first := event("dup", stamp(t0))
	second := event("dup", stamp(t1))
	second.Title = "Second"

	cs := Reconcile("conn", nil, []feed.NormalizedEvent{first, second})
	if len(cs.Creates) != 1 || cs.Creates[0].Title != first.Title {
		t.Errorf("expected the first occurrence to win, got %+v", cs.Creates)
	}
	if len(cs.Errors) != 1 || !strings.Contains(cs.Errors[0], "duplicate") {
		t.Errorf("expected a duplicate error, got %v", cs.Errors)
	}
}

func TestReconcileDeletionPropagation(t *testing.T) {
	mappings := []Mapping{
		{ExternalID: "keep", InternalEventID: "i-keep", LastModified: stamp(t0)},
		{ExternalID: "gone", InternalEventID: "i-gone", LastModified: stamp(t0)},
	}

	cs := Reconcile("conn", mappings, []feed.NormalizedEvent{event("keep", stamp(t0))})
	if len(cs.Deletes) != 1 {
		t.Fatalf("expected exactly 1 delete, got %d", len(cs.Deletes))
	}
	if cs.Deletes[0].InternalEventID != "i-gone" {
		t.Errorf("expected i-gone to be deleted, got %+v", cs.Deletes[0])
	}
}

func TestReconcileEmptyFeedDeletesAll(t *testing.T) {
	mappings := []Mapping{{ExternalID: "a", InternalEventID: "1"}, {ExternalID: "b", InternalEventID: "2"}}
	cs := Reconcile("conn", mappings, nil)
	if len(cs.Deletes) != 2 || cs.Size() != 2 {
		t.Errorf("expected 2 deletes, got %+v", cs)
	}
}

func TestReconcilePartialFailureIsolation(t *testing.T) {
	var incoming []feed.NormalizedEvent
	for i := 0; i < 100; i++ {
		incoming = append(incoming, event(fmt.Sprintf("evt-%d", i), stamp(t0)))
	}
	bad := event("bad", stamp(t0))
	bad.Start = time.Time{}
	incoming = append(incoming[:50], append([]feed.NormalizedEvent{bad}, incoming[50:]...)...)

	cs := Reconcile("conn", nil, incoming)
	if cs.Size() != 100 {
		t.Errorf("expected changeset of size 100, got %d", cs.Size())
	}
	if len(cs.Errors) != 1 {
		t.Errorf("expected exactly 1 per-event error, got %v", cs.Errors)
	}
}

func TestReconcileInvalidEventKeepsMapping(t *testing.T) {
	mappings := []Mapping{{ExternalID: "a", InternalEventID: "i-a", LastModified: stamp(t0)}}
	bad := event("a", stamp(t1))
	bad.End = bad.Start.Add(-time.Hour)

	cs := Reconcile("conn", mappings, []feed.NormalizedEvent{bad})
	if !cs.Empty() {
		t.Errorf("an invalid event must neither update nor delete its mapping: %+v", cs)
	}
	if len(cs.Errors) != 1 {
		t.Errorf("expected 1 error, got %v", cs.Errors)
	}
}

func TestReconcileRetainedIDsAreNotDeleted(t *testing.T) {
	mappings := []Mapping{
		{ExternalID: "ok", InternalEventID: "i-ok", LastModified: stamp(t0)},
		{ExternalID: "broken", InternalEventID: "i-broken", LastModified: stamp(t0)},
		{ExternalID: "gone", InternalEventID: "i-gone", LastModified: stamp(t0)},
	}

	cs := Reconcile("conn", mappings, []feed.NormalizedEvent{event("ok", stamp(t0))}, "broken")
	if len(cs.Deletes) != 1 || cs.Deletes[0].ExternalID != "gone" {
		t.Errorf("expected only gone to be deleted, got %+v", cs.Deletes)
	}
	if len(cs.Creates) != 0 || len(cs.Updates) != 0 {
		t.Errorf("retained IDs must not be created or updated: %+v", cs)
	}
}

func TestReconcileMissingExternalID(t *testing.T) {
	cs := Reconcile("conn", nil, []feed.NormalizedEvent{event("", nil)})
	if !cs.Empty() || len(cs.Errors) != 1 {
		t.Errorf("expected one error and no writes, got %+v", cs)
	}
}

func TestReconcileUpdateAndDeleteScenario(t *testing.T) {
	// First sync: A and B at T0
	cs := Reconcile("conn", nil, []feed.NormalizedEvent{event("1", stamp(t0)), event("2", stamp(t0))})
	if len(cs.Creates) != 2 || cs.Size() != 2 {
		t.Fatalf("expected 2 creates, got %+v", cs)
	}
	mappings := apply(nil, cs)
	if len(mappings) != 2 {
		t.Fatalf("expected 2 mappings, got %d", len(mappings))
	}

	// Second sync: A modified at T1, B removed
	cs = Reconcile("conn", mappings, []feed.NormalizedEvent{event("1", stamp(t1))})
	if len(cs.Updates) != 1 || cs.Updates[0].Event.ExternalID != "1" {
		t.Errorf("expected 1 update for A, got %+v", cs.Updates)
	}
	if len(cs.Deletes) != 1 || cs.Deletes[0].ExternalID != "2" {
		t.Errorf("expected 1 delete for B, got %+v", cs.Deletes)
	}
	if len(cs.Creates) != 0 {
		t.Errorf("expected no creates, got %d", len(cs.Creates))
	}

	mappings = apply(mappings, cs)
	if len(mappings) != 1 {
		t.Errorf("expected mapping count to drop to 1, got %d", len(mappings))
	}
	if cs.ConnectionID != "conn" {
		t.Errorf("expected connection ID to be carried, got %q", cs.ConnectionID)
	}
}
