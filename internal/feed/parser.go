package feed

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

var ErrMalformedFeed = errors.New("malformed calendar feed")

const (
	dateLayout     = "20060102"
	dateTimeLayout = "20060102T150405"
	utcLayout      = "20060102T150405Z"
	propCalName    = "X-WR-CALNAME"
)

// NormalizedEvent is a feed event reduced to the fields the sync engine stores.
type NormalizedEvent struct {
	ExternalID     string
	UID            string
	RecurrenceID   string
	Title          string
	Description    string
	Location       string
	Start          time.Time
	End            time.Time
	AllDay         bool
	RecurrenceRule string
	LastModified   *time.Time
	Status         string
}

// ParseResult holds the usable events of a feed and what was dropped.
// SkippedIDs lists the external IDs of dropped entries that could still be
// identified, so their earlier imports are kept rather than deleted.
type ParseResult struct {
	Events       []NormalizedEvent
	Skipped      int
	SkippedIDs   []string
	Errors       []string
	CalendarName string
}

func (r *ParseResult) skip(format string, args ...interface{}) {
	r.Skipped++
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Parse decodes an iCalendar document. A broken VEVENT is skipped and
// recorded; a document without calendar structure fails with ErrMalformedFeed.
func Parse(data []byte) (*ParseResult, error) {
	if !bytes.Contains(bytes.ToUpper(data), []byte("BEGIN:VCALENDAR")) {
		return nil, fmt.Errorf("%w: missing BEGIN:VCALENDAR", ErrMalformedFeed)
	}

	result := &ParseResult{}
	seen := make(map[string]bool)

	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err == nil {
		result.CalendarName = propText(cal.Props.Get(propCalName))
		zones := collectZones(cal.Children)
		index := 0
		for _, child := range cal.Children {
			if child.Name != ical.CompEvent {
				continue
			}
			index++
			result.add(child, index, zones, seen)
		}
		return result, nil
	}

	// The strict decode failed; retry each block on its own
	doc := scanDocument(data)
	if len(doc.events) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFeed, err)
	}
	result.CalendarName = doc.calName

	var tzComps []*ical.Component
	for _, block := range doc.timezones {
		if comp, err := decodeBlock(block, ical.CompTimezone); err == nil {
			tzComps = append(tzComps, comp)
		}
	}
	zones := collectZones(tzComps)

	for i, block := range doc.events {
		comp, decodeErr := decodeBlock(block, ical.CompEvent)
		if decodeErr != nil {
			result.skip("event %d: %v", i+1, decodeErr)
			if id := blockExternalID(block); id != "" {
				result.SkippedIDs = append(result.SkippedIDs, id)
			}
			continue
		}
		result.add(comp, i+1, zones, seen)
	}

	return result, nil
}

func (r *ParseResult) add(comp *ical.Component, index int, zones zoneSet, seen map[string]bool) {
	evt, err := normalize(comp, zones)
	if err != nil {
		r.skip("event %d: %v", index, err)
		if evt.ExternalID != "" {
			r.SkippedIDs = append(r.SkippedIDs, evt.ExternalID)
		}
		return
	}
	if seen[evt.ExternalID] {
		r.skip("event %d: duplicate event %q", index, evt.ExternalID)
		return
	}
	seen[evt.ExternalID] = true
	r.Events = append(r.Events, evt)
}

// normalize converts a VEVENT. On error the returned event still carries
// ExternalID when the entry could be identified.
func normalize(comp *ical.Component, zones zoneSet) (NormalizedEvent, error) {
	var evt NormalizedEvent

	evt.UID = strings.TrimSpace(propText(comp.Props.Get(ical.PropUID)))
	if evt.UID == "" {
		return evt, errors.New("missing UID")
	}

	if ridProp := comp.Props.Get(ical.PropRecurrenceID); ridProp != nil {
		rid, ridAllDay, err := zones.parseDateTime(ridProp)
		if err != nil {
			return evt, fmt.Errorf("%q: invalid RECURRENCE-ID: %w", evt.UID, err)
		}
		if ridAllDay {
			evt.RecurrenceID = rid.Format(dateLayout)
		} else {
			evt.RecurrenceID = rid.Format(utcLayout)
		}
		evt.ExternalID = evt.UID + "#" + evt.RecurrenceID
	} else {
		evt.ExternalID = evt.UID
	}

	startProp := comp.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return evt, fmt.Errorf("%q: missing DTSTART", evt.UID)
	}
	start, allDay, err := zones.parseDateTime(startProp)
	if err != nil {
		return evt, fmt.Errorf("%q: invalid DTSTART: %w", evt.UID, err)
	}
	evt.Start = start
	evt.AllDay = allDay

	switch {
	case comp.Props.Get(ical.PropDateTimeEnd) != nil:
		end, _, err := zones.parseDateTime(comp.Props.Get(ical.PropDateTimeEnd))
		if err != nil {
			return evt, fmt.Errorf("%q: invalid DTEND: %w", evt.UID, err)
		}
		evt.End = end
	case comp.Props.Get(ical.PropDuration) != nil:
		dur, err := comp.Props.Get(ical.PropDuration).Duration()
		if err != nil {
			return evt, fmt.Errorf("%q: invalid DURATION: %w", evt.UID, err)
		}
		evt.End = start.Add(dur)
	case allDay:
		evt.End = start.AddDate(0, 0, 1)
	default:
		evt.End = start
	}
	if evt.End.Before(evt.Start) {
		return evt, fmt.Errorf("%q: end is before start", evt.UID)
	}

	if rruleProp := comp.Props.Get(ical.PropRecurrenceRule); rruleProp != nil {
		value := strings.TrimSpace(rruleProp.Value)
		if _, err := rrule.StrToROption(value); err != nil {
			return evt, fmt.Errorf("%q: invalid RRULE: %w", evt.UID, err)
		}
		evt.RecurrenceRule = value
	}

	if lmProp := comp.Props.Get(ical.PropLastModified); lmProp != nil {
		// An unreadable stamp is treated as absent
		if lm, _, err := zones.parseDateTime(lmProp); err == nil {
			evt.LastModified = &lm
		}
	}

	evt.Title = propText(comp.Props.Get(ical.PropSummary))
	evt.Description = propText(comp.Props.Get(ical.PropDescription))
	evt.Location = propText(comp.Props.Get(ical.PropLocation))
	evt.Status = strings.ToUpper(propText(comp.Props.Get(ical.PropStatus)))

	return evt, nil
}

func propText(prop *ical.Prop) string {
	if prop == nil {
		return ""
	}
	text, err := prop.Text()
	if err != nil {
		return prop.Value
	}
	return text
}

// parseDateTime reads a DATE or DATE-TIME property as UTC. TZID parameters
// are resolved by zones.toUTC and floating times are read as UTC.
func (zones zoneSet) parseDateTime(prop *ical.Prop) (time.Time, bool, error) {
	value := strings.TrimSpace(prop.Value)

	if strings.EqualFold(prop.Params.Get("VALUE"), "DATE") || len(value) == len(dateLayout) {
		t, err := time.ParseInLocation(dateLayout, value, time.UTC)
		return t, true, err
	}

	if strings.HasSuffix(value, "Z") {
		t, err := time.Parse(utcLayout, value)
		return t.UTC(), false, err
	}

	t, err := time.ParseInLocation(dateTimeLayout, value, time.UTC)
	if err != nil {
		return t, false, err
	}
	if tzid := prop.Params.Get(ical.ParamTimezoneID); tzid != "" {
		t = zones.toUTC(t, tzid)
	}
	return t, false, nil
}

// rawDocument is what a line scan recovers from a feed the strict decoder
// rejected.
type rawDocument struct {
	calName   string
	events    [][]string
	timezones [][]string
}

// scanDocument collects the top-level calendar name and the VEVENT and
// VTIMEZONE blocks of data. Folded continuation lines stay attached to their
// block.
func scanDocument(data []byte) rawDocument {
	var doc rawDocument
	var current []string
	block := ""
	depth := 0

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), len(data)+1)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		upper := strings.ToUpper(strings.TrimSpace(line))

		switch {
		case block != "":
			current = append(current, line)
			if upper == "END:"+block {
				if block == ical.CompEvent {
					doc.events = append(doc.events, current)
				} else {
					doc.timezones = append(doc.timezones, current)
				}
				current = nil
				block = ""
			}
		case upper == "BEGIN:"+ical.CompEvent, upper == "BEGIN:"+ical.CompTimezone:
			block = strings.TrimPrefix(upper, "BEGIN:")
			current = []string{line}
		case strings.HasPrefix(upper, "BEGIN:"):
			depth++
		case strings.HasPrefix(upper, "END:"):
			depth--
		case depth == 1 && strings.HasPrefix(upper, propCalName+":"):
			doc.calName = strings.TrimSpace(line[len(propCalName)+1:])
		}
	}

	return doc
}

// blockExternalID recovers the UID of an undecodable VEVENT block. Blocks
// with a RECURRENCE-ID are not identified since their ID needs a decoded time.
func blockExternalID(lines []string) string {
	uid := ""
	for i, line := range lines {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.ToUpper(name)
		if base, _, _ := strings.Cut(name, ";"); base == "RECURRENCE-ID" {
			return ""
		}
		if name != ical.PropUID {
			continue
		}
		uid = value
		for _, next := range lines[i+1:] {
			if !strings.HasPrefix(next, " ") && !strings.HasPrefix(next, "\t") {
				break
			}
			uid += next[1:]
		}
	}
	return strings.TrimSpace(uid)
}

func decodeBlock(lines []string, name string) (*ical.Component, error) {
	var buf bytes.Buffer
	buf.WriteString("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//calsync//feed//EN\r\n")
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}
	buf.WriteString("END:VCALENDAR\r\n")

	cal, err := ical.NewDecoder(&buf).Decode()
	if err != nil {
		return nil, err
	}
	for _, child := range cal.Children {
		if child.Name == name {
			return child, nil
		}
	}
	return nil, fmt.Errorf("no %s in block", name)
}
