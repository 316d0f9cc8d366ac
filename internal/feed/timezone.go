package feed

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // feeds name IANA zones the host may not ship

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

// windowsZones maps the Windows zone names Outlook and Exchange write as
// TZID to IANA names. Used when the feed does not define the zone itself.
var windowsZones = map[string]string{
	"Dateline Standard Time":         "Etc/GMT+12",
	"Hawaiian Standard Time":         "Pacific/Honolulu",
	"Alaskan Standard Time":          "America/Anchorage",
	"Pacific Standard Time":          "America/Los_Angeles",
	"US Mountain Standard Time":      "America/Phoenix",
	"Mountain Standard Time":         "America/Denver",
	"Central Standard Time":          "America/Chicago",
	"Eastern Standard Time":          "America/New_York",
	"Atlantic Standard Time":         "America/Halifax",
	"Newfoundland Standard Time":     "America/St_Johns",
	"E. South America Standard Time": "America/Sao_Paulo",
	"GMT Standard Time":              "Europe/London",
	"Greenwich Standard Time":        "Atlantic/Reykjavik",
	"W. Europe Standard Time":        "Europe/Berlin",
	"Romance Standard Time":          "Europe/Paris",
	"Central Europe Standard Time":   "Europe/Budapest",
	"Central European Standard Time": "Europe/Warsaw",
	"GTB Standard Time":              "Europe/Bucharest",
	"FLE Standard Time":              "Europe/Kiev",
	"Russian Standard Time":          "Europe/Moscow",
	"South Africa Standard Time":     "Africa/Johannesburg",
	"India Standard Time":            "Asia/Kolkata",
	"China Standard Time":            "Asia/Shanghai",
	"Tokyo Standard Time":            "Asia/Tokyo",
	"AUS Eastern Standard Time":      "Australia/Sydney",
	"New Zealand Standard Time":      "Pacific/Auckland",
}

// zoneSet holds the VTIMEZONE definitions of one document, keyed by TZID.
type zoneSet map[string]*vtimezone

type vtimezone struct {
	observances []observance
}

// observance is one STANDARD or DAYLIGHT block. Onsets are local wall
// clock times stored with UTC fields.
type observance struct {
	onset      time.Time
	rule       *rrule.RRule
	rdates     []time.Time
	offsetFrom time.Duration
	offsetTo   time.Duration
}

func collectZones(comps []*ical.Component) zoneSet {
	zones := make(zoneSet)
	for _, comp := range comps {
		if comp.Name != ical.CompTimezone {
			continue
		}
		tzid := normalizeTZID(propText(comp.Props.Get(ical.PropTimezoneID)))
		if tzid == "" {
			continue
		}
		tz := &vtimezone{}
		for _, child := range comp.Children {
			if child.Name != ical.CompTimezoneStandard && child.Name != ical.CompTimezoneDaylight {
				continue
			}
			if o, ok := parseObservance(child); ok {
				tz.observances = append(tz.observances, o)
			}
		}
		if len(tz.observances) > 0 {
			zones[tzid] = tz
		}
	}
	return zones
}

func parseObservance(comp *ical.Component) (observance, bool) {
	var o observance

	startProp := comp.Props.Get(ical.PropDateTimeStart)
	toProp := comp.Props.Get(ical.PropTimezoneOffsetTo)
	if startProp == nil || toProp == nil {
		return o, false
	}
	onset, err := time.ParseInLocation(dateTimeLayout, strings.TrimSpace(startProp.Value), time.UTC)
	if err != nil {
		return o, false
	}
	to, err := parseUTCOffset(toProp.Value)
	if err != nil {
		return o, false
	}
	o.onset, o.offsetTo, o.offsetFrom = onset, to, to

	if fromProp := comp.Props.Get(ical.PropTimezoneOffsetFrom); fromProp != nil {
		if from, err := parseUTCOffset(fromProp.Value); err == nil {
			o.offsetFrom = from
		}
	}

	if ruleProp := comp.Props.Get(ical.PropRecurrenceRule); ruleProp != nil {
		if opt, err := rrule.StrToROption(strings.TrimSpace(ruleProp.Value)); err == nil {
			opt.Dtstart = onset
			if r, err := rrule.NewRRule(*opt); err == nil {
				o.rule = r
			}
		}
	}

	for _, prop := range comp.Props.Values(ical.PropRecurrenceDates) {
		for _, v := range strings.Split(prop.Value, ",") {
			if t, err := time.ParseInLocation(dateTimeLayout, strings.TrimSpace(v), time.UTC); err == nil {
				o.rdates = append(o.rdates, t)
			}
		}
	}

	return o, true
}

// lastOnset returns the latest onset at or before wall.
func (o observance) lastOnset(wall time.Time) (time.Time, bool) {
	if o.onset.After(wall) {
		return time.Time{}, false
	}
	last := o.onset
	if o.rule != nil {
		if t := o.rule.Before(wall, true); !t.IsZero() && t.After(last) {
			last = t
		}
	}
	for _, d := range o.rdates {
		if !d.After(wall) && d.After(last) {
			last = d
		}
	}
	return last, true
}

// offsetAt returns the UTC offset in effect at the local time wall.
func (tz *vtimezone) offsetAt(wall time.Time) time.Duration {
	var latest time.Time
	var offset time.Duration
	found := false
	for _, o := range tz.observances {
		if t, ok := o.lastOnset(wall); ok && (!found || t.After(latest)) {
			latest, offset, found = t, o.offsetTo, true
		}
	}
	if found {
		return offset
	}

	// Before the first transition the earliest block's TZOFFSETFROM applies
	first := tz.observances[0]
	for _, o := range tz.observances[1:] {
		if o.onset.Before(first.onset) {
			first = o
		}
	}
	return first.offsetFrom
}

// toUTC interprets wall, a local time carrying UTC fields, in zone tzid.
// IANA names win, then the document's own VTIMEZONE, then Windows names and
// GMT offsets. Anything else is read as UTC.
func (zones zoneSet) toUTC(wall time.Time, tzid string) time.Time {
	tzid = normalizeTZID(tzid)

	if loc, err := time.LoadLocation(tzid); err == nil {
		return inLocation(wall, loc)
	}
	if tz, ok := zones[tzid]; ok {
		return wall.Add(-tz.offsetAt(wall))
	}
	if name, ok := windowsZones[tzid]; ok {
		if loc, err := time.LoadLocation(name); err == nil {
			return inLocation(wall, loc)
		}
	}
	if loc := parseGMTOffset(tzid); loc != nil {
		return inLocation(wall, loc)
	}
	return wall
}

func normalizeTZID(tzid string) string {
	tzid = strings.TrimSpace(tzid)
	tzid = strings.Trim(tzid, `"`)
	return strings.TrimPrefix(tzid, "/")
}

func inLocation(wall time.Time, loc *time.Location) time.Time {
	return time.Date(wall.Year(), wall.Month(), wall.Day(),
		wall.Hour(), wall.Minute(), wall.Second(), 0, loc).UTC()
}

// parseUTCOffset reads a UTC-OFFSET value such as "-0500" or "+053000".
func parseUTCOffset(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if len(value) != 5 && len(value) != 7 {
		return 0, fmt.Errorf("invalid UTC offset %q", value)
	}

	var sign time.Duration
	switch value[0] {
	case '+':
		sign = 1
	case '-':
		sign = -1
	default:
		return 0, fmt.Errorf("invalid UTC offset %q", value)
	}

	parts := []string{value[1:3], value[3:5]}
	if len(value) == 7 {
		parts = append(parts, value[5:7])
	}
	units := []time.Duration{time.Hour, time.Minute, time.Second}

	var total time.Duration
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("invalid UTC offset %q", value)
		}
		total += time.Duration(n) * units[i]
	}
	return sign * total, nil
}

// parseGMTOffset parses timezone strings like "GMT-0400", "GMT+0530", "UTC+05:30"
// and returns a fixed timezone location.
func parseGMTOffset(tzid string) *time.Location {
	offset := tzid
	matched := false
	for _, prefix := range []string{"Etc/GMT", "GMT", "UTC"} {
		if strings.HasPrefix(offset, prefix) {
			offset = strings.TrimPrefix(offset, prefix)
			matched = true
			break
		}
	}
	if !matched {
		return nil
	}
	if offset == "" {
		return time.UTC
	}

	sign := 1
	if strings.HasPrefix(offset, "-") {
		sign = -1
		offset = offset[1:]
	} else if strings.HasPrefix(offset, "+") {
		offset = offset[1:]
	}

	// Handle formats: "0400", "04:00", "4", "04"
	offset = strings.ReplaceAll(offset, ":", "")

	var hours, minutes int
	var err error
	switch len(offset) {
	case 1, 2:
		_, err = fmt.Sscanf(offset, "%d", &hours)
	case 3:
		_, err = fmt.Sscanf(offset, "%1d%2d", &hours, &minutes)
	case 4:
		_, err = fmt.Sscanf(offset, "%2d%2d", &hours, &minutes)
	default:
		return nil
	}
	if err != nil {
		return nil
	}

	return time.FixedZone(tzid, sign*(hours*3600+minutes*60))
}
