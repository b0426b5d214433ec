package predictor

import (
	"math"
	"testing"
	"time"
)

func TestReadDecaysOneDayPerDay(t *testing.T) {
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	s := State{
		CycleMeanDays:    10.0,
		CycleMADDays:     2.0,
		LastPredDaysLeft: 8.0,
		LastUpdateAt:     base,
	}

	tests := []struct {
		name      string
		at        time.Time
		want      float64
		wantState StockState
	}{
		{"fresh", base, 8.0, StateFull},
		{"three_days", base.AddDate(0, 0, 3), 5.0, StateMedium},
		{"exhausted", base.AddDate(0, 0, 9), 0.0, StateEmpty},
		{"far_past_exhaustion", base.AddDate(0, 0, 100), 0.0, StateEmpty},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := Read(s, tt.at, 1.0)
			if math.Abs(fc.ExpectedDaysLeft-tt.want) > 1e-6 {
				t.Errorf("expected_days_left = %v, want %v", fc.ExpectedDaysLeft, tt.want)
			}
			if fc.PredictedState != tt.wantState {
				t.Errorf("predicted_state = %s, want %s", fc.PredictedState, tt.wantState)
			}
			if !fc.GeneratedAt.Equal(tt.at) {
				t.Errorf("generated_at = %v, want %v", fc.GeneratedAt, tt.at)
			}
		})
	}
}

func TestReadMultiplier(t *testing.T) {
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	s := State{
		CycleMeanDays:    10.0,
		LastPredDaysLeft: 6.0,
		LastUpdateAt:     base,
	}

	// Faster consumption halves the horizon.
	fc := Read(s, base, 2.0)
	if math.Abs(fc.ExpectedDaysLeft-3.0) > 1e-6 {
		t.Errorf("expected_days_left = %v, want 3.0", fc.ExpectedDaysLeft)
	}

	// Degenerate multipliers are floored, not divided by zero.
	fc = Read(s, base, 0)
	if math.IsInf(fc.ExpectedDaysLeft, 0) || math.IsNaN(fc.ExpectedDaysLeft) {
		t.Errorf("degenerate multiplier produced %v", fc.ExpectedDaysLeft)
	}
}

func TestReadDoesNotMutateState(t *testing.T) {
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	s := State{
		CycleMeanDays:    10.0,
		CycleMADDays:     1.0,
		LastPredDaysLeft: 6.0,
		LastUpdateAt:     base,
		NTotalUpdates:    3,
	}
	before := s

	_ = Read(s, base.AddDate(0, 0, 5), 1.5)

	if s != before {
		t.Error("Read mutated the state")
	}
}
