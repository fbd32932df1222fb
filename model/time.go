package model

import (
	"fmt"
	"time"
)

// TimeLayout is the fixed-width UTC encoding of all persisted timestamps.
// Unlike RFC3339Nano it never trims fractional zeros, so the lexicographic
// order of encoded values equals their chronological order and stored
// documents can be compared and sorted without decoding.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Time is a time.Time which marshals using TimeLayout, always in UTC.
type Time struct {
	time.Time
}

// Now returns the current UTC instant.
func Now() Time {
	return Time{time.Now().UTC()}
}

// At wraps a time.Time, normalizing to UTC.
func At(t time.Time) Time {
	return Time{t.UTC()}
}

// String returns the TimeLayout encoding.
func (t Time) String() string {
	return t.UTC().Format(TimeLayout)
}

// MarshalJSON encodes using TimeLayout.
func (t Time) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// UnmarshalJSON accepts TimeLayout as well as RFC3339 variants.
func (t *Time) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return fmt.Errorf("malformed time %q", string(b))
	}
	var s = string(b[1 : len(b)-1])

	for _, layout := range []string{TimeLayout, time.RFC3339Nano, time.RFC3339} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("malformed time %q", s)
}

// Add returns the Time shifted by d.
func (t Time) Add(d time.Duration) Time {
	return Time{t.Time.Add(d).UTC()}
}

// Before reports whether t is strictly before other.
func (t Time) Before(other Time) bool {
	return t.Time.Before(other.Time)
}

// After reports whether t is strictly after other.
func (t Time) After(other Time) bool {
	return t.Time.After(other.Time)
}
