package clock

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Clock abstracts the source of "now" so the engine and the reconciler can
// be driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock in UTC.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// Fixed always returns the same instant. Test helper.
type Fixed struct {
	T time.Time
}

func (f Fixed) Now() time.Time { return f.T }

const hoursPerDay = 24.0

// DaysBetween returns the absolute distance between a and b in fractional days.
func DaysBetween(a, b time.Time) float64 {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d.Hours() / hoursPerDay
}

// DaysSince returns the non-negative number of fractional days from then to now.
// Returns 0 when then is in the future of now.
func DaysSince(now, then time.Time) float64 {
	d := now.Sub(then).Hours() / hoursPerDay
	if d < 0 {
		return 0
	}
	return d
}

// fracSecondsRe matches a fractional-second group of 1-9 digits before the
// zone designator (or end of string). Historical logs carry 5-digit
// microseconds that time.Parse with a fixed layout would reject.
var fracSecondsRe = regexp.MustCompile(`\.(\d{1,9})(Z|[+-]\d{2}:?\d{2})?$`)

// ParseTimestamp parses an RFC3339 timestamp tolerantly: fractional seconds
// of 1-9 digits are accepted, and a missing timezone is treated as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	// Fast path: well-formed RFC3339 (with or without nanoseconds).
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}

	// No timezone designator: assume UTC.
	if m := fracSecondsRe.FindStringSubmatch(s); m != nil && m[2] == "" {
		if t, err := time.Parse(time.RFC3339Nano, s+"Z"); err == nil {
			return t.UTC(), nil
		}
	}
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return t.UTC(), nil
	}

	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// FormatTimestamp renders a timestamp the way the event log stores it.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// UTCDay truncates t to its UTC calendar day. Used for weekly-tick
// idempotency ("once per UTC day").
func UTCDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
