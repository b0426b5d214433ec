package clock

import (
	"testing"
	"time"
)

// FuzzParseTimestamp fuzzes the tolerant RFC3339 parser.
func FuzzParseTimestamp(f *testing.F) {
	// Seed corpus with the formats historical logs actually contain.
	f.Add("2025-12-27T16:45:25Z")
	f.Add("2025-12-27T16:45:25.52139+00:00")
	f.Add("2025-12-27T16:45:25.123456789Z")
	f.Add("2025-12-27T16:45:25")
	f.Add("2025-12-27T16:45:25.5")
	f.Add("")
	f.Add("not a timestamp")
	f.Add("2025-13-45T99:99:99Z")

	f.Fuzz(func(t *testing.T, s string) {
		got, err := ParseTimestamp(s)
		if err != nil {
			return
		}

		// Accepted timestamps must be normalized to UTC and round-trip
		// through the log format.
		if got.Location() != time.UTC {
			t.Errorf("ParseTimestamp(%q) not UTC", s)
		}
		again, err := ParseTimestamp(FormatTimestamp(got))
		if err != nil {
			t.Errorf("round-trip of %q failed: %v", s, err)
		} else if !again.Equal(got) {
			t.Errorf("round-trip of %q changed value: %v -> %v", s, got, again)
		}
	})
}
