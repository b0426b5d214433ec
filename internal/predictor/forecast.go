package predictor

import (
	"time"

	"github.com/pantrykit/cyclecast/internal/clock"
)

// decayRate is how many estimate-days burn per real day between updates.
// Habit-based multipliers hook in through Forecast's multiplier argument
// instead of changing this rate.
const decayRate = 1.0

// Forecast is a read-only snapshot of the expected stock trajectory.
type Forecast struct {
	ExpectedDaysLeft float64    `json:"expected_days_left"`
	PredictedState   StockState `json:"predicted_state"`
	Confidence       float64    `json:"confidence"`
	GeneratedAt      time.Time  `json:"generated_at"`
}

// Read produces a forecast without mutating state. multiplier scales
// consumption speed (>1 means faster consumption, fewer days left); pass 1
// when no habit modifier applies. Values at or below zero are treated as
// the smallest meaningful speed.
func Read(s State, now time.Time, multiplier float64) Forecast {
	expected := s.LastPredDaysLeft - clock.DaysSince(now, s.LastUpdateAt)*decayRate
	if expected < 0 {
		expected = 0
	}
	if multiplier < 1e-6 {
		multiplier = 1e-6
	}
	expected = expected / multiplier

	return Forecast{
		ExpectedDaysLeft: expected,
		PredictedState:   Classify(expected, s.CycleMeanDays),
		Confidence:       Confidence(s, now),
		GeneratedAt:      now,
	}
}
