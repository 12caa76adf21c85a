package common

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	// Devices run without a tz database
	_ "time/tzdata"
)

// DefaultDeviceTimezone timezone assumed for device timestamps without an offset
const DefaultDeviceTimezone = "America/Sao_Paulo"

// Some device firmware truncates the UTC offset minutes, e.g. "-03:0"
var truncatedOffset = regexp.MustCompile(`([+-]\d{2}):(\d)$`)

var offsetLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
}

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// RepairDeviceDatetime fix known device datetime formatting defects
func RepairDeviceDatetime(raw string) string {
	return truncatedOffset.ReplaceAllString(strings.TrimSpace(raw), "${1}:0${2}")
}

// ParseDeviceDatetime parse a device reported timestamp. Timestamps without an offset
// are read in the given location. The result is in UTC.
func ParseDeviceDatetime(raw string, loc *time.Location) (time.Time, error) {
	repaired := RepairDeviceDatetime(raw)
	if repaired == "" {
		return time.Time{}, fmt.Errorf("%w: datetime is empty", ErrInvalidEvent)
	}
	for _, layout := range offsetLayouts {
		if ts, err := time.Parse(layout, repaired); err == nil {
			return ts.UTC(), nil
		}
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range localLayouts {
		if ts, err := time.ParseInLocation(layout, repaired, loc); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparsable datetime '%s'", ErrInvalidEvent, raw)
}

// LoadLocation resolve a timezone name, empty means the default device timezone
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		name = DefaultDeviceTimezone
	}
	return time.LoadLocation(name)
}
