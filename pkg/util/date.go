package util

import (
	"strconv"
	"time"
)

// ParseTime tries RFC3339, RFC3339Nano, and unix seconds. Returns (t, true) if any worked.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil && ts > 0 {
		return time.Unix(ts, 0), true
	}
	return time.Time{}, false
}

// ParseEpochDefault parses s into epoch seconds or returns def if empty/invalid.
func ParseEpochDefault(s string, def int64) int64 {
	if t, ok := ParseTime(s); ok {
		return t.Unix()
	}
	return def
}

// FloorEpoch rounds an epoch-second time down to a multiple of bucket seconds.
func FloorEpoch(t, bucket int64) int64 {
	if bucket <= 0 {
		return t
	}
	return t - ((t%bucket)+bucket)%bucket
}
