package util

import (
	"strconv"
	"time"
)

// ParseTime tries RFC3339Nano and unix timestamps. Numbers above 1e12 are taken as milliseconds.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil && ts > 0 {
		return UnixAuto(ts), true
	}
	return time.Time{}, false
}

// UnixAuto converts seconds or milliseconds since the epoch.
func UnixAuto(ts int64) time.Time {
	if ts > 1e12 {
		return time.UnixMilli(ts).UTC()
	}
	return time.Unix(ts, 0).UTC()
}

// ParseWindow parses a positive duration such as "15m", falling back to def.
func ParseWindow(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// WindowStart is the inclusive lower bound of a lookback window ending at now.
func WindowStart(now time.Time, window time.Duration) time.Time {
	return now.Add(-window).Truncate(time.Millisecond)
}
