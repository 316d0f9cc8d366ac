// Package reconcile diffs a connection's stored event mappings against the
// events of a freshly parsed feed.
package reconcile

import (
	"errors"
	"fmt"
	"time"

	"github.com/hearthly/calsync/internal/feed"
)

// Mapping is the stored link between one external event and one internal event.
type Mapping struct {
	ExternalID      string
	InternalEventID string
	LastModified    *time.Time
}

// Update pairs a changed feed event with the internal event it overwrites.
type Update struct {
	Event   feed.NormalizedEvent
	Mapping Mapping
}

// Changeset is the set of writes one sync attempt must apply.
type Changeset struct {
	ConnectionID string
	Creates      []feed.NormalizedEvent
	Updates      []Update
	Deletes      []Mapping
	Errors       []string
	Unchanged    int
}

// Size returns the number of write operations.
func (c *Changeset) Size() int {
	return len(c.Creates) + len(c.Updates) + len(c.Deletes)
}

// Empty reports whether applying the changeset would write nothing.
func (c *Changeset) Empty() bool {
	return c.Size() == 0
}

// Reconcile compares incoming against mappings. An event is updated only when
// its LAST-MODIFIED is strictly newer than the stored stamp; an absent or
// equal stamp leaves it unchanged. Mappings whose external ID is missing from
// both incoming and retained are deleted. retained names entries the feed
// still lists but that could not be parsed this time. Invalid or repeated
// incoming events become per-event errors and never abort the rest.
func Reconcile(connectionID string, mappings []Mapping, incoming []feed.NormalizedEvent, retained ...string) *Changeset {
	cs := &Changeset{ConnectionID: connectionID}

	existing := make(map[string]Mapping, len(mappings))
	for _, m := range mappings {
		existing[m.ExternalID] = m
	}

	// present holds every ID in the feed, valid or not, so an entry that is
	// malformed for one sync keeps its import instead of being deleted
	present := make(map[string]bool, len(incoming)+len(retained))
	for _, id := range retained {
		present[id] = true
	}
	seen := make(map[string]bool, len(incoming))
	for i, evt := range incoming {
		if evt.ExternalID != "" {
			present[evt.ExternalID] = true
		}
		if err := check(evt); err != nil {
			cs.Errors = append(cs.Errors, fmt.Sprintf("event %d: %v", i+1, err))
			continue
		}
		if seen[evt.ExternalID] {
			cs.Errors = append(cs.Errors, fmt.Sprintf("event %d: duplicate external ID %q", i+1, evt.ExternalID))
			continue
		}
		seen[evt.ExternalID] = true

		m, ok := existing[evt.ExternalID]
		switch {
		case !ok:
			cs.Creates = append(cs.Creates, evt)
		case newer(evt.LastModified, m.LastModified):
			cs.Updates = append(cs.Updates, Update{Event: evt, Mapping: m})
		default:
			cs.Unchanged++
		}
	}

	for _, m := range mappings {
		if !present[m.ExternalID] {
			cs.Deletes = append(cs.Deletes, m)
		}
	}

	return cs
}

func check(evt feed.NormalizedEvent) error {
	switch {
	case evt.ExternalID == "":
		return errors.New("missing external ID")
	case evt.Start.IsZero():
		return fmt.Errorf("%q: missing start", evt.ExternalID)
	case evt.End.Before(evt.Start):
		return fmt.Errorf("%q: end is before start", evt.ExternalID)
	}
	return nil
}

func newer(incoming, stored *time.Time) bool {
	if incoming == nil {
		return false
	}
	if stored == nil {
		return true
	}
	return incoming.After(*stored)
}
