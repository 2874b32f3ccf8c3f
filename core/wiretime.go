package core

import "time"

// Timestamps on structured payloads are integer Unix seconds. Zero times
// stay zero instead of marshalling the Go zero-value epoch offset.

// UnixSeconds converts a time to its wire form.
func UnixSeconds(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// FromUnixSeconds converts the wire form back to a UTC time.
func FromUnixSeconds(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
