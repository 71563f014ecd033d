package timeparser

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// epochMillisThreshold separates epoch seconds from epoch milliseconds
const epochMillisThreshold = 1e11

// ParseUplinkTimestamp parses an uplink timestamp given as RFC3339 or epoch seconds/milliseconds
func ParseUplinkTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	if n, err := strconv.ParseFloat(value, 64); err == nil {
		return FromEpoch(n), nil
	}

	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05", // no zone, treated as UTC
		"2006-01-02 15:04:05",
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, value)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", value, lastErr)
}

// FromEpoch converts epoch seconds (or milliseconds, when large enough) to UTC time
func FromEpoch(n float64) time.Time {
	if n >= epochMillisThreshold {
		return time.UnixMilli(int64(n)).UTC()
	}
	sec := int64(n)
	nsec := int64((n - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

// Age returns how long before now the reading was taken, zero for future timestamps
func Age(readingTime, now time.Time) time.Duration {
	d := now.Sub(readingTime)
	if d < 0 {
		return 0
	}
	return d
}
