package leases

import (
	"fmt"
	"strings"
	"time"
)

// WireLayout is the authority's timestamp format: local date and time
// followed by a zone abbreviation.
const WireLayout = "2006-01-02T15:04:05MST"

const localLayout = "2006-01-02T15:04:05"

// fillers complete a partial input with the higher-order fields taken
// from now, most specific first. The first one that parses wins.
var fillers = []func(input string, now time.Time) string{
	// 2016-01-02T08:00:00
	func(input string, _ time.Time) string { return input },
	// 2016-01-02T08:00
	func(input string, _ time.Time) string { return input + ":00" },
	// 12-10T01:00
	func(input string, now time.Time) string { return now.Format("2006-") + input + ":00" },
	// 27T10:30
	func(input string, now time.Time) string { return now.Format("2006-01-") + input + ":00" },
	// 14:30
	func(input string, now time.Time) string { return now.Format("2006-01-02T") + input + ":00" },
	// 14
	func(input string, now time.Time) string { return now.Format("2006-01-02T") + input + ":00:00" },
}

// ParseTimeSpec interprets loose operator input relative to now, in now's
// location. An empty input means now. Short inputs always refer to today
// ("14" is 14:00 today) or to the current month ("27T10:30").
func ParseTimeSpec(input string, now time.Time) (time.Time, error) {
	input = strings.TrimSpace(input)
	loc := now.Location()
	if input == "" {
		return now.Truncate(time.Second), nil
	}
	if t, err := ParseWire(input, loc); err == nil {
		return t, nil
	}
	for _, fill := range fillers {
		t, err := time.ParseInLocation(localLayout, fill(input, now), loc)
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTime, input)
}

// ToWireFormat converts operator input into the authority's wire format.
// Callers must reject the whole operation when it fails.
func ToWireFormat(input string, now time.Time) (string, error) {
	t, err := ParseTimeSpec(input, now)
	if err != nil {
		return "", err
	}
	return FormatWire(t.In(now.Location())), nil
}

// EpochToWireFormat renders seconds since the epoch in loc.
func EpochToWireFormat(epoch int64, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return FormatWire(time.Unix(epoch, 0).In(loc))
}

// FormatWire renders t in the wire format, in t's own location.
func FormatWire(t time.Time) string {
	return t.Format(WireLayout)
}

// ParseWire parses a wire timestamp. A trailing "Z" is accepted and read
// as UTC. Besides UTC and GMT, only the abbreviations loc uses at that
// instant are accepted: any other one would carry no known offset.
func ParseWire(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	if strings.HasSuffix(s, "Z") {
		s = strings.TrimSuffix(s, "Z") + "UTC"
	}
	t, err := time.ParseInLocation(WireLayout, s, loc)
	if err != nil {
		return time.Time{}, err
	}
	if zone, _ := t.Zone(); t.Location() != loc && zone != "UTC" && zone != "GMT" {
		return time.Time{}, fmt.Errorf("%w: zone %s unknown in %s", ErrInvalidTime, zone, loc)
	}
	return t, nil
}
