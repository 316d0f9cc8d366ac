package feed

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func calendar(lines ...string) []byte {
	all := append([]string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//Test//EN"}, lines...)
	all = append(all, "END:VCALENDAR", "")
	return []byte(strings.Join(all, "\r\n"))
}

func vevent(lines ...string) []string {
	out := append([]string{"BEGIN:VEVENT"}, lines...)
	return append(out, "END:VEVENT")
}

func TestParseBasicEvent(t *testing.T) {
	data := calendar(append([]string{"X-WR-CALNAME:Family"}, vevent(
		"UID:evt-1",
		"SUMMARY:Soccer practice",
		"DESCRIPTION:Bring water\\, cleats",
		"LOCATION:Field 3",
		"DTSTART:20240115T170000Z",
		"DTEND:20240115T183000Z",
		"LAST-MODIFIED:20240101T120000Z",
		"STATUS:confirmed",
		"RRULE:FREQ=WEEKLY;BYDAY=MO",
	)...)...)

	result, err := Parse(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.CalendarName != "Family" {
		t.Errorf("expected calendar name Family, got %q", result.CalendarName)
	}
	if len(result.Events) != 1 || result.Skipped != 0 {
		t.Fatalf("expected 1 event and 0 skipped, got %d/%d (%v)", len(result.Events), result.Skipped, result.Errors)
	}

	evt := result.Events[0]
	if evt.ExternalID != "evt-1" || evt.UID != "evt-1" {
		t.Errorf("unexpected IDs %q/%q", evt.ExternalID, evt.UID)
	}
	if evt.Title != "Soccer practice" {
		t.Errorf("unexpected title %q", evt.Title)
	}
	if evt.Description != "Bring water, cleats" {
		t.Errorf("expected unescaped description, got %q", evt.Description)
	}
	if evt.Location != "Field 3" {
		t.Errorf("unexpected location %q", evt.Location)
	}
	if !evt.Start.Equal(time.Date(2024, 1, 15, 17, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected start %v", evt.Start)
	}
	if evt.End.Sub(evt.Start) != 90*time.Minute {
		t.Errorf("unexpected duration %v", evt.End.Sub(evt.Start))
	}
	if evt.AllDay {
		t.Error("expected timed event")
	}
	if evt.RecurrenceRule != "FREQ=WEEKLY;BYDAY=MO" {
		t.Errorf("unexpected RRULE %q", evt.RecurrenceRule)
	}
	if evt.LastModified == nil || !evt.LastModified.Equal(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected last modified %v", evt.LastModified)
	}
	if evt.Status != "CONFIRMED" {
		t.Errorf("expected upper-cased status, got %q", evt.Status)
	}
}

func TestParseEndDerivation(t *testing.T) {
	testCases := []struct {
		name     string
		lines    []string
		allDay   bool
		duration time.Duration
	}{
		{
			name:     "duration",
			lines:    []string{"UID:a", "DTSTART:20240301T090000Z", "DURATION:PT45M"},
			duration: 45 * time.Minute,
		},
		{
			name:     "all-day without end",
			lines:    []string{"UID:b", "DTSTART;VALUE=DATE:20240301"},
			allDay:   true,
			duration: 24 * time.Hour,
		},
		{
			name:     "all-day with end",
			lines:    []string{"UID:c", "DTSTART;VALUE=DATE:20240301", "DTEND;VALUE=DATE:20240304"},
			allDay:   true,
			duration: 72 * time.Hour,
		},
		{
			name:     "timed without end",
			lines:    []string{"UID:d", "DTSTART:20240301T090000Z"},
			duration: 0,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := Parse(calendar(vevent(tc.lines...)...))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(result.Events) != 1 {
				t.Fatalf("expected 1 event, got %d (%v)", len(result.Events), result.Errors)
			}
			evt := result.Events[0]
			if evt.AllDay != tc.allDay {
				t.Errorf("expected AllDay=%v", tc.allDay)
			}
			if got := evt.End.Sub(evt.Start); got != tc.duration {
				t.Errorf("expected duration %v, got %v", tc.duration, got)
			}
		})
	}
}

func TestParseTimezones(t *testing.T) {
	testCases := []struct {
		name     string
		dtstart  string
		expected time.Time
	}{
		{"IANA zone", "DTSTART;TZID=America/New_York:20240115T090000", time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC)},
		{"quoted zone", `DTSTART;TZID="Europe/Berlin":20240715T090000`, time.Date(2024, 7, 15, 7, 0, 0, 0, time.UTC)},
		{"GMT offset", "DTSTART;TZID=GMT-0400:20240115T090000", time.Date(2024, 1, 15, 13, 0, 0, 0, time.UTC)},
		{"unknown zone falls back to UTC", "DTSTART;TZID=Nowhere/Special:20240115T090000", time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)},
		{"floating", "DTSTART:20240115T090000", time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := Parse(calendar(vevent("UID:tz", tc.dtstart)...))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(result.Events) != 1 {
				t.Fatalf("expected 1 event, got %d (%v)", len(result.Events), result.Errors)
			}
			if !result.Events[0].Start.Equal(tc.expected) {
				t.Errorf("expected %v, got %v", tc.expected, result.Events[0].Start)
			}
		})
	}
}

func TestParseRecurrenceOverride(t *testing.T) {
	var lines []string
	lines = append(lines, vevent("UID:series", "DTSTART:20240101T100000Z", "RRULE:FREQ=DAILY;COUNT=5")...)
	lines = append(lines, vevent("UID:series", "RECURRENCE-ID:20240103T100000Z", "DTSTART:20240103T120000Z", "SUMMARY:Moved")...)
	lines = append(lines, vevent("UID:allday", "DTSTART;VALUE=DATE:20240101", "RRULE:FREQ=YEARLY")...)
	lines = append(lines, vevent("UID:allday", "RECURRENCE-ID;VALUE=DATE:20250101", "DTSTART;VALUE=DATE:20250102")...)

	result, err := Parse(calendar(lines...))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Events) != 4 {
		t.Fatalf("expected 4 events, got %d (%v)", len(result.Events), result.Errors)
	}

	ids := []string{"series", "series#20240103T100000Z", "allday", "allday#20250101"}
	for i, want := range ids {
		if result.Events[i].ExternalID != want {
			t.Errorf("event %d: expected external ID %q, got %q", i, want, result.Events[i].ExternalID)
		}
	}
	if result.Events[1].RecurrenceID != "20240103T100000Z" {
		t.Errorf("unexpected recurrence ID %q", result.Events[1].RecurrenceID)
	}
}

func TestParseSkipsMalformedEntries(t *testing.T) {
	testCases := []struct {
		name  string
		lines []string
		want  string
	}{
		{"missing UID", []string{"DTSTART:20240101T100000Z"}, "missing UID"},
		{"missing DTSTART", []string{"UID:x"}, "missing DTSTART"},
		{"bad DTSTART", []string{"UID:x", "DTSTART:tomorrow"}, "invalid DTSTART"},
		{"end before start", []string{"UID:x", "DTSTART:20240102T100000Z", "DTEND:20240101T100000Z"}, "end is before start"},
		{"bad RRULE", []string{"UID:x", "DTSTART:20240101T100000Z", "RRULE:FREQ=SOMETIMES"}, "invalid RRULE"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var lines []string
			lines = append(lines, vevent("UID:good", "DTSTART:20240101T100000Z")...)
			lines = append(lines, vevent(tc.lines...)...)

			result, err := Parse(calendar(lines...))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(result.Events) != 1 || result.Events[0].ExternalID != "good" {
				t.Errorf("expected only the good event, got %+v", result.Events)
			}
			if result.Skipped != 1 || len(result.Errors) != 1 {
				t.Fatalf("expected 1 skipped with 1 error, got %d/%v", result.Skipped, result.Errors)
			}
			if !strings.Contains(result.Errors[0], tc.want) {
				t.Errorf("expected error containing %q, got %q", tc.want, result.Errors[0])
			}
		})
	}
}

func TestParseDuplicateExternalID(t *testing.T) {
	var lines []string
	lines = append(lines, vevent("UID:dup", "DTSTART:20240101T100000Z", "SUMMARY:First")...)
	lines = append(lines, vevent("UID:dup", "DTSTART:20240102T100000Z", "SUMMARY:Second")...)

	result, err := Parse(calendar(lines...))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Events) != 1 || result.Events[0].Title != "First" {
		t.Errorf("expected the first occurrence to win, got %+v", result.Events)
	}
	if result.Skipped != 1 {
		t.Errorf("expected 1 skipped, got %d", result.Skipped)
	}
}

func TestParseOneBrokenBlockAmongMany(t *testing.T) {
	var lines []string
	lines = append(lines, "X-WR-CALNAME:Big Feed")
	for i := 0; i < 500; i++ {
		lines = append(lines, vevent(fmt.Sprintf("UID:evt-%d", i), "DTSTART:20240101T100000Z")...)
	}
	// A content line without a colon breaks a strict decode of the whole document
	lines = append(lines, vevent("UID:broken", "DTSTART:20240101T100000Z", "THIS LINE IS NOT A PROPERTY")...)

	result, err := Parse(calendar(lines...))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Events) != 500 {
		t.Errorf("expected 500 events, got %d", len(result.Events))
	}
	if result.Skipped != 1 || len(result.Errors) != 1 {
		t.Errorf("expected exactly one skipped entry, got %d (%v)", result.Skipped, result.Errors)
	}
	if result.CalendarName != "Big Feed" {
		t.Errorf("expected calendar name from header scan, got %q", result.CalendarName)
	}
}

func TestParseEmptyCalendar(t *testing.T) {
	result, err := Parse(calendar())
	if err != nil {
		t.Fatalf("empty calendar should be valid: %v", err)
	}
	if len(result.Events) != 0 || result.Skipped != 0 || len(result.Errors) != 0 {
		t.Errorf("expected an empty result, got %+v", result)
	}
}

func TestParseFatal(t *testing.T) {
	testCases := []struct {
		name string
		data string
	}{
		{"html page", "<html><body>Not found</body></html>"},
		{"empty", ""},
		{"calendar marker but no structure", "BEGIN:VCALENDAR\r\nthis is not ical at all\r\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.data))
			if !errors.Is(err, ErrMalformedFeed) {
				t.Errorf("expected ErrMalformedFeed, got %v", err)
			}
		})
	}
}

func TestParseGMTOffset(t *testing.T) {
	testCases := []struct {
		tzid   string
		offset int
		ok     bool
	}{
		{"GMT-0400", -4 * 3600, true},
		{"GMT+0530", 5*3600 + 30*60, true},
		{"UTC+05:30", 5*3600 + 30*60, true},
		{"GMT+5", 5 * 3600, true},
		{"GMT", 0, true},
		{"Eastern Standard Time", 0, false},
		{"GMT+123456", 0, false},
	}

	for _, tc := range testCases {
		t.Run(tc.tzid, func(t *testing.T) {
			loc := parseGMTOffset(tc.tzid)
			if !tc.ok {
				if loc != nil {
					t.Errorf("expected nil location for %q", tc.tzid)
				}
				return
			}
			if loc == nil {
				t.Fatalf("expected location for %q", tc.tzid)
			}
			_, offset := time.Date(2024, 1, 1, 0, 0, 0, 0, loc).Zone()
			if offset != tc.offset {
				t.Errorf("expected offset %d, got %d", tc.offset, offset)
			}
		})
	}
}

func customEastern(tzid string) []string {
	return []string{
		"BEGIN:VTIMEZONE",
		"TZID:" + tzid,
		"BEGIN:STANDARD",
		"DTSTART:16010101T020000",
		"TZOFFSETFROM:-0400",
		"TZOFFSETTO:-0500",
		"RRULE:FREQ=YEARLY;INTERVAL=1;BYDAY=1SU;BYMONTH=11",
		"END:STANDARD",
		"BEGIN:DAYLIGHT",
		"DTSTART:16010101T020000",
		"TZOFFSETFROM:-0500",
		"TZOFFSETTO:-0400",
		"RRULE:FREQ=YEARLY;INTERVAL=1;BYDAY=2SU;BYMONTH=3",
		"END:DAYLIGHT",
		"END:VTIMEZONE",
	}
}

func TestParseDocumentTimezone(t *testing.T) {
	testCases := []struct {
		name     string
		dtstart  string
		expected time.Time
	}{
		{"daylight time", "DTSTART;TZID=School District Time:20240501T080000", time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		{"standard time", "DTSTART;TZID=School District Time:20240115T090000", time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC)},
		{"after fall back", "DTSTART;TZID=School District Time:20241110T090000", time.Date(2024, 11, 10, 14, 0, 0, 0, time.UTC)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			lines := customEastern("School District Time")
			lines = append(lines, vevent("UID:tz", tc.dtstart)...)

			result, err := Parse(calendar(lines...))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(result.Events) != 1 {
				t.Fatalf("expected 1 event, got %d (%v)", len(result.Events), result.Errors)
			}
			if !result.Events[0].Start.Equal(tc.expected) {
				t.Errorf("expected %v, got %v", tc.expected, result.Events[0].Start)
			}
		})
	}
}

func TestParseDocumentTimezoneAfterBrokenBlock(t *testing.T) {
	lines := customEastern("School District Time")
	lines = append(lines, vevent("UID:ok", "DTSTART;TZID=School District Time:20240501T080000")...)
	lines = append(lines, vevent("UID:broken", "DTSTART:20240101T100000Z", "THIS LINE IS NOT A PROPERTY")...)

	result, err := Parse(calendar(lines...))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Events) != 1 {
		t.Fatalf("expected 1 event, got %d (%v)", len(result.Events), result.Errors)
	}
	if want := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC); !result.Events[0].Start.Equal(want) {
		t.Errorf("expected %v, got %v", want, result.Events[0].Start)
	}
}

func TestParseWindowsTimezoneName(t *testing.T) {
	result, err := Parse(calendar(vevent("UID:tz", "DTSTART;TZID=Eastern Standard Time:20240501T080000")...))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Events) != 1 {
		t.Fatalf("expected 1 event, got %d (%v)", len(result.Events), result.Errors)
	}
	if want := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC); !result.Events[0].Start.Equal(want) {
		t.Errorf("expected %v, got %v", want, result.Events[0].Start)
	}
}

func TestParseRecordsSkippedIDs(t *testing.T) {
	var lines []string
	lines = append(lines, vevent("UID:good", "DTSTART:20240101T100000Z")...)
	lines = append(lines, vevent("UID:bad-rule", "DTSTART:20240101T100000Z", "RRULE:FREQ=BOGUS")...)
	lines = append(lines, vevent("UID:series", "RECURRENCE-ID:20240103T100000Z", "DTSTART:20240103T120000Z", "DTEND:20240103T110000Z")...)
	lines = append(lines, vevent("DTSTART:20240101T100000Z")...)

	result, err := Parse(calendar(lines...))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Skipped != 3 {
		t.Fatalf("expected 3 skipped, got %d (%v)", result.Skipped, result.Errors)
	}
	want := []string{"bad-rule", "series#20240103T100000Z"}
	if strings.Join(result.SkippedIDs, ",") != strings.Join(want, ",") {
		t.Errorf("expected skipped IDs %v, got %v", want, result.SkippedIDs)
	}
}

func TestParseRecordsUndecodableBlockID(t *testing.T) {
	var lines []string
	lines = append(lines, vevent("UID:good", "DTSTART:20240101T100000Z")...)
	lines = append(lines, vevent("UID:broken", "DTSTART:20240101T100000Z", "THIS LINE IS NOT A PROPERTY")...)
	lines = append(lines, vevent("UID:broken-override", "RECURRENCE-ID:20240101T100000Z", "NOT A PROPERTY EITHER")...)

	result, err := Parse(calendar(lines...))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.SkippedIDs) != 1 || result.SkippedIDs[0] != "broken" {
		t.Errorf("expected only the plain broken UID, got %v", result.SkippedIDs)
	}
}

func TestParseUTCOffset(t *testing.T) {
	testCases := []struct {
		value    string
		expected time.Duration
		ok       bool
	}{
		{"-0500", -5 * time.Hour, true},
		{"+0530", 5*time.Hour + 30*time.Minute, true},
		{"+013045", time.Hour + 30*time.Minute + 45*time.Second, true},
		{"0500", 0, false},
		{"+5", 0, false},
		{"+ab00", 0, false},
	}

	for _, tc := range testCases {
		t.Run(tc.value, func(t *testing.T) {
			got, err := parseUTCOffset(tc.value)
			if (err == nil) != tc.ok {
				t.Fatalf("expected ok=%v, got err %v", tc.ok, err)
			}
			if got != tc.expected {
				t.Errorf("expected %v, got %v", tc.expected, got)
			}
		})
	}
}
