// Package predictor implements the consumption-cycle model: per
// (household, product) cycle statistics, the stock-state classifier, the
// confidence estimator, and the per-event transition rules. Everything in
// this package is pure math over State values; persistence, locking and
// idempotency live in internal/engine.
package predictor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pantrykit/cyclecast/internal/clock"
	"github.com/pantrykit/cyclecast/internal/prior"
)

// Cycle-length bounds. Observed cycles and the learned mean are clamped to
// this band before they are persisted.
const (
	MinCycleDays = 0.5
	MaxCycleDays = 90.0
)

// State is the per-(household, product) predictor record.
//
// Nil pointers mean "none": no active cycle, no purchase seen yet.
type State struct {
	CycleMeanDays float64 `json:"cycle_mean_days"`
	CycleMADDays  float64 `json:"cycle_mad_days"`

	CycleStartedAt *time.Time `json:"cycle_started_at"`
	LastPurchaseAt *time.Time `json:"last_purchase_at"`

	LastPredDaysLeft float64 `json:"last_pred_days_left"`

	NCompletedCycles int `json:"n_completed_cycles"`
	NCensoredCycles  int `json:"n_censored_cycles"`
	NStrongUpdates   int `json:"n_strong_updates"`
	NTotalUpdates    int `json:"n_total_updates"`
	NWasteEvents     int `json:"n_waste_events"`

	LastUpdateAt time.Time `json:"last_update_at"`

	CategoryID string  `json:"category_id,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Init cold-starts a state from the category prior.
func Init(p prior.Prior, categoryID string, now time.Time) State {
	s := State{
		CycleMeanDays:    clampFloat(p.MeanDays, MinCycleDays, MaxCycleDays),
		CycleMADDays:     clampFloat(p.MADDays, 0, MaxCycleDays),
		CycleStartedAt:   nil,
		LastPurchaseAt:   nil,
		NCompletedCycles: 0,
		NCensoredCycles:  0,
		NStrongUpdates:   0,
		NTotalUpdates:    0,
		LastUpdateAt:     now,
		CategoryID:       categoryID,
	}
	s.LastPredDaysLeft = s.CycleMeanDays
	s.Confidence = Confidence(s, now)
	return s
}

// AdoptCategory sets the category if none is recorded yet. A non-empty
// category is never overwritten by an event.
func (s *State) AdoptCategory(categoryID string) {
	if s.CategoryID == "" && categoryID != "" {
		s.CategoryID = categoryID
	}
}

// CurrentDaysLeft ages the stored estimate linearly to now, one real day per
// real day, floored at zero. This is the value a reader (or an incoming
// event) observes before any transition is applied.
func (s State) CurrentDaysLeft(now time.Time) float64 {
	aged := s.LastPredDaysLeft - clock.DaysSince(now, s.LastUpdateAt)
	if aged < 0 {
		return 0
	}
	return aged
}

// ElapsedCycleDays returns the days since the cycle opened, or false when no
// cycle is active.
func (s State) ElapsedCycleDays(now time.Time) (float64, bool) {
	if s.CycleStartedAt == nil {
		return 0, false
	}
	return clock.DaysBetween(now, *s.CycleStartedAt), true
}

// CheckInvariants reports the first structural violation, if any. The
// engine treats a violation as INTERNAL: the operation aborts and the state
// snapshot is logged.
func (s State) CheckInvariants(now time.Time) error {
	if s.CycleMeanDays < MinCycleDays {
		return fmt.Errorf("cycle_mean_days %.9f below floor %.1f", s.CycleMeanDays, MinCycleDays)
	}
	if s.CycleMADDays < 0 {
		return fmt.Errorf("cycle_mad_days %.9f negative", s.CycleMADDays)
	}
	if s.LastPredDaysLeft < 0 {
		return fmt.Errorf("last_pred_days_left %.9f negative", s.LastPredDaysLeft)
	}
	if s.NTotalUpdates < s.NStrongUpdates+s.NCompletedCycles {
		return fmt.Errorf("n_total_updates %d < n_strong_updates %d + n_completed_cycles %d",
			s.NTotalUpdates, s.NStrongUpdates, s.NCompletedCycles)
	}
	if s.CycleStartedAt != nil {
		if s.LastPurchaseAt != nil && s.LastPurchaseAt.After(*s.CycleStartedAt) {
			return fmt.Errorf("last_purchase_at %v after cycle_started_at %v",
				s.LastPurchaseAt, s.CycleStartedAt)
		}
		if s.CycleStartedAt.After(now) {
			return fmt.Errorf("cycle_started_at %v in the future of %v", s.CycleStartedAt, now)
		}
	}
	if s.Confidence < 0.2 || s.Confidence > 1.0 {
		return fmt.Errorf("confidence %.9f outside [0.2, 1.0]", s.Confidence)
	}
	return nil
}

// MarshalParams serializes the state to its persisted JSON form.
func (s State) MarshalParams() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalParams restores a state from its persisted JSON form.
func UnmarshalParams(data []byte) (State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("failed to unmarshal predictor state: %w", err)
	}
	return s, nil
}

func clampFloat(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
