package engine

import (
	"context"
	"strings"
	"time"

	"github.com/pantrykit/cyclecast/internal/api"
	"github.com/pantrykit/cyclecast/internal/clock"
)

// FeedbackApplier normalises UI-layer feedback strings into canonical
// ADJUST_FEEDBACK events. The UI exposes several entry points for the same
// transition ("Will Last More", arrow buttons, raw enum values); they all
// funnel through here.
type FeedbackApplier struct {
	proc *Processor
}

// NewFeedbackApplier wraps a processor.
func NewFeedbackApplier(proc *Processor) *FeedbackApplier {
	return &FeedbackApplier{proc: proc}
}

// normalizeDirection maps the accepted surface strings onto the canonical
// direction enum. Unknown strings are rejected as INVALID_EVENT.
func normalizeDirection(raw string) (string, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "MORE", "WILL LAST MORE", "WILL_LAST_MORE", "ARROW_UP", "UP":
		return "MORE", true
	case "LESS", "WILL LAST LESS", "WILL_LAST_LESS", "ARROW_DOWN", "DOWN":
		return "LESS", true
	case "EXACT", "SPOT ON", "SPOT_ON":
		return "EXACT", true
	}
	return "", false
}

// Apply submits the feedback as an ADJUST_FEEDBACK event. ts may be zero to
// use the current time. The idempotency key, when empty, is derived from
// the pair and timestamp so accidental double-taps collapse.
func (f *FeedbackApplier) Apply(ctx context.Context, household, product, raw, idempotencyKey string, ts time.Time) (*api.Outcome, error) {
	direction, ok := normalizeDirection(raw)
	if !ok {
		return nil, reject(api.CodeInvalidEvent, "unknown feedback %q", raw)
	}

	if ts.IsZero() {
		ts = f.proc.clk.Now()
	}
	if idempotencyKey == "" {
		idempotencyKey = "feedback:" + household + ":" + product + ":" + direction + ":" + clock.FormatTimestamp(ts)
	}

	env := &api.Envelope{
		IdempotencyKey: idempotencyKey,
		HouseholdID:    household,
		ProductID:      product,
		Timestamp:      clock.FormatTimestamp(ts),
		Kind:           "ADJUST_FEEDBACK",
		Direction:      direction,
	}

	return f.proc.SubmitEvent(ctx, env)
}
