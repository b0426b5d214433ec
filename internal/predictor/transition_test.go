package predictor

import (
	"math"
	"testing"
	"time"

	"github.com/pantrykit/cyclecast/internal/prior"
)

var t0 = time.Date(2025, 4, 7, 12, 0, 0, 0, time.UTC)

func days(d float64) time.Duration {
	return time.Duration(d * 24 * float64(time.Hour))
}

func mustApply(t *testing.T, s State, ev Event) (State, Effect) {
	t.Helper()
	next, eff, err := Apply(s, ev)
	if err != nil {
		t.Fatalf("Apply(%s) failed: %v", ev.Kind, err)
	}
	if err := next.CheckInvariants(ev.Timestamp); err != nil {
		t.Fatalf("invariant violated after %s: %v", ev.Kind, err)
	}
	return next, eff
}

func approx(t *testing.T, name string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s = %.9f, want %.9f (tol %g)", name, got, want, tol)
	}
}

// Scenario 1: cold start for Dairy.
func TestColdStartDairy(t *testing.T) {
	s := Init(prior.Prior{MeanDays: 5.0, MADDays: 2.0}, "dairy_eggs", t0)

	s, eff := mustApply(t, s, Event{Kind: KindPurchase, Timestamp: t0})

	approx(t, "cycle_mean_days", s.CycleMeanDays, 5.0, 1e-9)
	approx(t, "days_left", s.LastPredDaysLeft, 5.0, 1e-6)
	if eff.StateAfter != StateFull {
		t.Errorf("state = %s, want FULL", eff.StateAfter)
	}
	if s.NCompletedCycles != 0 {
		t.Errorf("n_completed_cycles = %d, want 0", s.NCompletedCycles)
	}
	if s.CycleStartedAt == nil || !s.CycleStartedAt.Equal(t0) {
		t.Errorf("cycle_started_at = %v, want %v", s.CycleStartedAt, t0)
	}
	approx(t, "confidence", s.Confidence, 0.44, 1e-4)
}

// Scenario 2: two completed cycles converge on the household's own rate.
func TestTwoCyclesConverge(t *testing.T) {
	s := Init(prior.Prior{MeanDays: 5.0, MADDays: 2.0}, "dairy_eggs", t0)

	s, _ = mustApply(t, s, Event{Kind: KindPurchase, Timestamp: t0})
	s, _ = mustApply(t, s, Event{Kind: KindEmpty, Timestamp: t0.Add(days(7))})

	approx(t, "cycle_mean_days after first close", s.CycleMeanDays, 7.0, 1e-9)
	if s.NCompletedCycles != 1 {
		t.Fatalf("n_completed_cycles = %d, want 1", s.NCompletedCycles)
	}

	s, _ = mustApply(t, s, Event{Kind: KindPurchase, Timestamp: t0.Add(days(7))})
	s, eff := mustApply(t, s, Event{Kind: KindEmpty, Timestamp: t0.Add(days(12))})

	approx(t, "cycle_mean_days", s.CycleMeanDays, 6.0, 1e-9)
	if s.NCompletedCycles != 2 {
		t.Errorf("n_completed_cycles = %d, want 2", s.NCompletedCycles)
	}
	approx(t, "days_left", s.LastPredDaysLeft, 0, 1e-6)
	if eff.StateAfter != StateEmpty {
		t.Errorf("state = %s, want EMPTY", eff.StateAfter)
	}
	if s.CycleStartedAt != nil {
		t.Errorf("cycle_started_at = %v, want nil", s.CycleStartedAt)
	}
}

// Scenario 3: MORE feedback on a stocked item reshapes days_left only.
func TestMoreFeedbackStocked(t *testing.T) {
	s := State{
		CycleMeanDays:    7.0,
		CycleMADDays:     1.0,
		LastPredDaysLeft: 6.0,
		LastUpdateAt:     t0,
	}

	s, eff := mustApply(t, s, Event{Kind: KindAdjustFeedback, Direction: DirectionMore, Timestamp: t0})

	approx(t, "days_left", s.LastPredDaysLeft, 6.9, 1e-6)
	approx(t, "cycle_mean_days", s.CycleMeanDays, 7.0, 1e-9)
	if eff.StateAfter != StateFull {
		t.Errorf("state = %s, want FULL (6.9/7 >= 0.70)", eff.StateAfter)
	}
}

// Scenario 4: MORE feedback on an EMPTY item restarts the cycle.
func TestMoreFeedbackOnEmptyRestartsCycle(t *testing.T) {
	s := State{
		CycleMeanDays:    10.0,
		CycleMADDays:     2.0,
		LastPredDaysLeft: 0,
		LastUpdateAt:     t0,
	}

	s, eff := mustApply(t, s, Event{Kind: KindAdjustFeedback, Direction: DirectionMore, Timestamp: t0})

	if s.CycleStartedAt == nil || !s.CycleStartedAt.Equal(t0) {
		t.Fatalf("cycle_started_at = %v, want %v", s.CycleStartedAt, t0)
	}
	approx(t, "days_left", s.LastPredDaysLeft, 1.5, 1e-6)
	if eff.StateAfter != StateLow {
		t.Errorf("state = %s, want LOW (0.15 in [0.02, 0.30))", eff.StateAfter)
	}
	if s.NCompletedCycles != 0 {
		t.Errorf("n_completed_cycles = %d, want 0", s.NCompletedCycles)
	}
}

// Scenario 5: TRASH with reason EXPIRED does not learn.
func TestTrashExpiredDoesNotLearn(t *testing.T) {
	start := t0
	s := State{
		CycleMeanDays:    5.0,
		CycleMADDays:     2.0,
		CycleStartedAt:   &start,
		LastPredDaysLeft: 2.0,
		LastUpdateAt:     t0,
	}

	s, _ = mustApply(t, s, Event{Kind: KindTrash, Reason: ReasonExpired, Timestamp: t0.Add(days(1))})

	approx(t, "cycle_mean_days", s.CycleMeanDays, 5.0, 1e-9)
	if s.CycleStartedAt != nil {
		t.Errorf("cycle_started_at = %v, want nil", s.CycleStartedAt)
	}
	approx(t, "days_left", s.LastPredDaysLeft, 0, 1e-6)
	if s.NCompletedCycles != 0 {
		t.Errorf("n_completed_cycles = %d, want 0", s.NCompletedCycles)
	}
	if s.NWasteEvents != 1 {
		t.Errorf("n_waste_events = %d, want 1", s.NWasteEvents)
	}
}

// Scenario 6: recipe consumption with the default ratio.
func TestConsumeDefaultRatio(t *testing.T) {
	s := State{
		CycleMeanDays:    5.0,
		CycleMADDays:     1.0,
		LastPredDaysLeft: 5.0,
		LastUpdateAt:     t0,
	}

	s, _ = mustApply(t, s, Event{Kind: KindConsume, Timestamp: t0})
	approx(t, "days_left after first consume", s.LastPredDaysLeft, 4.5, 1e-6)

	s, eff := mustApply(t, s, Event{Kind: KindConsume, Timestamp: t0})
	approx(t, "days_left after second consume", s.LastPredDaysLeft, 4.05, 1e-6)
	if eff.StateAfter != StateFull {
		t.Errorf("state = %s, want FULL (0.81 >= 0.70)", eff.StateAfter)
	}
}

func TestPurchaseCensorsOpenCycle(t *testing.T) {
	s := Init(prior.Default, "", t0)
	s, _ = mustApply(t, s, Event{Kind: KindPurchase, Timestamp: t0})
	s, _ = mustApply(t, s, Event{Kind: KindPurchase, Timestamp: t0.Add(days(3))})

	if s.NCensoredCycles != 1 {
		t.Errorf("n_censored_cycles = %d, want 1", s.NCensoredCycles)
	}
	if s.NCompletedCycles != 0 {
		t.Errorf("n_completed_cycles = %d, want 0", s.NCompletedCycles)
	}
	approx(t, "days_left", s.LastPredDaysLeft, s.CycleMeanDays, 1e-6)
}

func TestRepurchaseActsAsPurchase(t *testing.T) {
	s := Init(prior.Default, "", t0)
	s, _ = mustApply(t, s, Event{Kind: KindPurchase, Timestamp: t0})
	s, _ = mustApply(t, s, Event{Kind: KindRepurchase, Timestamp: t0.Add(days(2)), Reason: ReasonRanOut})

	if s.NCensoredCycles != 1 {
		t.Errorf("n_censored_cycles = %d, want 1", s.NCensoredCycles)
	}
	if s.CycleStartedAt == nil || !s.CycleStartedAt.Equal(t0.Add(days(2))) {
		t.Errorf("cycle_started_at = %v, want repurchase time", s.CycleStartedAt)
	}
}

func TestEmptyWithoutCycleOnlyZeroes(t *testing.T) {
	s := Init(prior.Default, "", t0)
	before := s

	s, _ = mustApply(t, s, Event{Kind: KindEmpty, Timestamp: t0.Add(days(1))})

	approx(t, "cycle_mean_days", s.CycleMeanDays, before.CycleMeanDays, 1e-9)
	if s.NCompletedCycles != 0 || s.NStrongUpdates != 0 {
		t.Errorf("counters moved: completed=%d strong=%d", s.NCompletedCycles, s.NStrongUpdates)
	}
	approx(t, "days_left", s.LastPredDaysLeft, 0, 1e-6)
	if s.NTotalUpdates != before.NTotalUpdates+1 {
		t.Errorf("n_total_updates = %d, want %d", s.NTotalUpdates, before.NTotalUpdates+1)
	}
}

func TestEmptyShortCycleIsNoise(t *testing.T) {
	s := Init(prior.Default, "", t0)
	s, _ = mustApply(t, s, Event{Kind: KindPurchase, Timestamp: t0})

	// Under half a day: no learning.
	s, _ = mustApply(t, s, Event{Kind: KindEmpty, Timestamp: t0.Add(6 * time.Hour)})

	approx(t, "cycle_mean_days", s.CycleMeanDays, 7.0, 1e-9)
	if s.NCompletedCycles != 0 {
		t.Errorf("n_completed_cycles = %d, want 0", s.NCompletedCycles)
	}
	approx(t, "days_left", s.LastPredDaysLeft, 0, 1e-6)
}

func TestTrashRanOutLearnsWeakly(t *testing.T) {
	s := Init(prior.Prior{MeanDays: 10.0, MADDays: 2.0}, "", t0)
	s, _ = mustApply(t, s, Event{Kind: KindPurchase, Timestamp: t0})
	s, _ = mustApply(t, s, Event{Kind: KindTrash, Reason: ReasonRanOut, Timestamp: t0.Add(days(5))})

	// 0.80 * 10 + 0.20 * 5 = 9.0
	approx(t, "cycle_mean_days", s.CycleMeanDays, 9.0, 1e-9)
	// 0.80 * 2 + 0.20 * |5 - 10| = 2.6
	approx(t, "cycle_mad_days", s.CycleMADDays, 2.6, 1e-9)
	if s.NCompletedCycles != 0 {
		t.Errorf("n_completed_cycles = %d, want 0", s.NCompletedCycles)
	}
	if s.NStrongUpdates != 1 {
		t.Errorf("n_strong_updates = %d, want 1", s.NStrongUpdates)
	}
	if s.CycleStartedAt != nil {
		t.Errorf("cycle_started_at should clear on TRASH")
	}
}

func TestLessFeedbackOnEmptyIsNoop(t *testing.T) {
	s := State{
		CycleMeanDays:    10.0,
		CycleMADDays:     2.0,
		LastPredDaysLeft: 0,
		LastUpdateAt:     t0,
	}

	s, eff := mustApply(t, s, Event{Kind: KindAdjustFeedback, Direction: DirectionLess, Timestamp: t0.Add(days(1))})

	approx(t, "days_left", s.LastPredDaysLeft, 0, 1e-6)
	if eff.StateAfter != StateEmpty {
		t.Errorf("state = %s, want EMPTY", eff.StateAfter)
	}
	if !s.LastUpdateAt.Equal(t0.Add(days(1))) {
		t.Errorf("last_update_at not advanced")
	}
}

func TestExactFeedbackShrinksMAD(t *testing.T) {
	s := State{
		CycleMeanDays:    10.0,
		CycleMADDays:     2.0,
		LastPredDaysLeft: 5.0,
		LastUpdateAt:     t0,
	}

	s, _ = mustApply(t, s, Event{Kind: KindAdjustFeedback, Direction: DirectionExact, Timestamp: t0})

	approx(t, "cycle_mad_days", s.CycleMADDays, 1.9, 1e-9)
	approx(t, "cycle_mean_days", s.CycleMeanDays, 10.0, 1e-9)
	approx(t, "days_left", s.LastPredDaysLeft, 5.0, 1e-6)
}

func TestConsumeDeltaToZeroClosesCycle(t *testing.T) {
	s := Init(prior.Prior{MeanDays: 5.0, MADDays: 2.0}, "", t0)
	s, _ = mustApply(t, s, Event{Kind: KindPurchase, Timestamp: t0})

	delta := 10.0
	s, eff := mustApply(t, s, Event{Kind: KindConsume, DeltaDays: &delta, Timestamp: t0.Add(days(4))})

	if !eff.CycleClosed {
		t.Fatal("cycle should close when consumption exhausts the product")
	}
	if s.NCompletedCycles != 1 {
		t.Errorf("n_completed_cycles = %d, want 1", s.NCompletedCycles)
	}
	// observed = 4 days, first completed cycle.
	approx(t, "cycle_mean_days", s.CycleMeanDays, 4.0, 1e-9)
	approx(t, "days_left", s.LastPredDaysLeft, 0, 1e-6)
}

func TestManualSetStartsCycleWhenNoneActive(t *testing.T) {
	s := Init(prior.Default, "", t0)

	target := 3.0
	s, _ = mustApply(t, s, Event{Kind: KindManualSet, DaysLeftTarget: &target, Timestamp: t0})

	approx(t, "days_left", s.LastPredDaysLeft, 3.0, 1e-6)
	if s.CycleStartedAt == nil || !s.CycleStartedAt.Equal(t0) {
		t.Errorf("cycle_started_at = %v, want %v", s.CycleStartedAt, t0)
	}

	// Setting zero on an empty state must not open a cycle.
	s2 := Init(prior.Default, "", t0)
	zero := 0.0
	s2, _ = mustApply(t, s2, Event{Kind: KindManualSet, DaysLeftTarget: &zero, Timestamp: t0})
	if s2.CycleStartedAt != nil {
		t.Errorf("cycle_started_at should stay nil for target 0")
	}
}

func TestWeeklyTickNudgesOpenCycle(t *testing.T) {
	s := Init(prior.Prior{MeanDays: 7.0, MADDays: 2.0}, "", t0)
	s, _ = mustApply(t, s, Event{Kind: KindPurchase, Timestamp: t0})

	s, _ = mustApply(t, s, Event{Kind: KindWeeklyTick, Timestamp: t0.Add(days(7))})

	// 0.90 * 7 + 0.10 * 7 = 7.0; elapsed equals the mean so nothing moves.
	approx(t, "cycle_mean_days", s.CycleMeanDays, 7.0, 1e-9)
	if s.NStrongUpdates != 1 {
		t.Errorf("n_strong_updates = %d, want 1", s.NStrongUpdates)
	}
	if s.CycleStartedAt == nil {
		t.Error("weekly tick must not close the cycle")
	}

	// A longer-lived cycle drags the mean upward.
	s2 := Init(prior.Prior{MeanDays: 7.0, MADDays: 2.0}, "", t0)
	s2, _ = mustApply(t, s2, Event{Kind: KindPurchase, Timestamp: t0})
	s2, _ = mustApply(t, s2, Event{Kind: KindWeeklyTick, Timestamp: t0.Add(days(14))})
	approx(t, "cycle_mean_days", s2.CycleMeanDays, 0.9*7+0.1*14, 1e-9)
}

func TestWeeklyTickIgnoresYoungOrMissingCycle(t *testing.T) {
	s := Init(prior.Default, "", t0)
	s, _ = mustApply(t, s, Event{Kind: KindWeeklyTick, Timestamp: t0.Add(days(7))})
	if s.NStrongUpdates != 0 {
		t.Errorf("tick without cycle should not learn")
	}

	s2 := Init(prior.Default, "", t0)
	s2, _ = mustApply(t, s2, Event{Kind: KindPurchase, Timestamp: t0})
	s2, _ = mustApply(t, s2, Event{Kind: KindWeeklyTick, Timestamp: t0.Add(12 * time.Hour)})
	if s2.NStrongUpdates != 0 {
		t.Errorf("tick on a cycle younger than a day should not learn")
	}
}

func TestInvalidPayloads(t *testing.T) {
	s := Init(prior.Default, "", t0)
	neg := -1.0
	big := 1.0
	tests := []struct {
		name string
		ev   Event
	}{
		{"unknown_kind", Event{Kind: EventKind("GIFT"), Timestamp: t0}},
		{"negative_delta", Event{Kind: KindConsume, DeltaDays: &neg, Timestamp: t0}},
		{"ratio_one", Event{Kind: KindConsume, Ratio: &big, Timestamp: t0}},
		{"negative_target", Event{Kind: KindManualSet, DaysLeftTarget: &neg, Timestamp: t0}},
		{"missing_target", Event{Kind: KindManualSet, Timestamp: t0}},
		{"bad_direction", Event{Kind: KindAdjustFeedback, Direction: FeedbackDirection("UP"), Timestamp: t0}},
		{"bad_reason", Event{Kind: KindTrash, Reason: TrashReason("BROKE"), Timestamp: t0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, _, err := Apply(s, tt.ev)
			if err == nil {
				t.Fatalf("Apply should reject %s", tt.name)
			}
			if next.NTotalUpdates != s.NTotalUpdates {
				t.Errorf("rejected event must not mutate state")
			}
		})
	}
}

func TestAgedDaysLeftFeedsFeedback(t *testing.T) {
	// 6 days left, 2 days pass, then MORE: (6-2) * 1.15 = 4.6.
	s := State{
		CycleMeanDays:    7.0,
		CycleMADDays:     1.0,
		LastPredDaysLeft: 6.0,
		LastUpdateAt:     t0,
	}

	s, _ = mustApply(t, s, Event{Kind: KindAdjustFeedback, Direction: DirectionMore, Timestamp: t0.Add(days(2))})
	approx(t, "days_left", s.LastPredDaysLeft, 4.6, 1e-6)
}

func TestCategoryAdoption(t *testing.T) {
	s := Init(prior.Default, "", t0)
	s, _ = mustApply(t, s, Event{Kind: KindPurchase, Timestamp: t0, CategoryID: "dairy_eggs"})
	if s.CategoryID != "dairy_eggs" {
		t.Fatalf("category not adopted: %q", s.CategoryID)
	}

	s, _ = mustApply(t, s, Event{Kind: KindPurchase, Timestamp: t0.Add(days(1)), CategoryID: "snacks"})
	if s.CategoryID != "dairy_eggs" {
		t.Errorf("category overwritten to %q", s.CategoryID)
	}
}

// Post-EMPTY mean lies between the old mean and the observed cycle length.
func TestMeanBetweenOldAndObserved(t *testing.T) {
	seeds := []struct {
		mean     float64
		observed float64
	}{
		{5, 7}, {7, 5}, {0.6, 40}, {60, 2}, {7, 7},
	}

	for _, tt := range seeds {
		s := Init(prior.Prior{MeanDays: tt.mean, MADDays: 1.0}, "", t0)
		for cycle := 0; cycle < 5; cycle++ {
			purchase := t0.Add(days(float64(cycle) * 100))
			s, _ = mustApply(t, s, Event{Kind: KindPurchase, Timestamp: purchase})
			oldMean := s.CycleMeanDays
			s, _ = mustApply(t, s, Event{Kind: KindEmpty, Timestamp: purchase.Add(days(tt.observed))})

			lo := math.Min(oldMean, tt.observed)
			hi := math.Max(oldMean, tt.observed)
			if s.CycleMeanDays < lo-1e-9 || s.CycleMeanDays > hi+1e-9 {
				t.Fatalf("mean %v escaped [%v, %v] (seed %+v, cycle %d)",
					s.CycleMeanDays, lo, hi, tt, cycle)
			}
		}
	}
}

// A deterministic pseudo-random walk through the event space; every reached
// state must satisfy the invariants and the mean floor.
func TestEventWalkKeepsInvariants(t *testing.T) {
	s := Init(prior.Prior{MeanDays: 4.0, MADDays: 1.5}, "bread_bakery", t0)

	half := 0.5
	third := 0.33
	target := 2.5
	seq := []Event{
		{Kind: KindPurchase},
		{Kind: KindConsume, Ratio: &third},
		{Kind: KindAdjustFeedback, Direction: DirectionLess},
		{Kind: KindConsume, DeltaDays: &half},
		{Kind: KindWeeklyTick},
		{Kind: KindEmpty},
		{Kind: KindAdjustFeedback, Direction: DirectionMore},
		{Kind: KindPurchase},
		{Kind: KindTrash, Reason: ReasonTaste},
		{Kind: KindManualSet, DaysLeftTarget: &target},
		{Kind: KindAdjustFeedback, Direction: DirectionExact},
		{Kind: KindRepurchase},
		{Kind: KindTrash, Reason: ReasonRanOut},
		{Kind: KindEmpty},
		{Kind: KindPurchase},
	}

	ts := t0
	for i, ev := range seq {
		ts = ts.Add(days(1.25))
		ev.Timestamp = ts
		var err error
		s, _, err = Apply(s, ev)
		if err != nil {
			t.Fatalf("step %d (%s): %v", i, ev.Kind, err)
		}
		if err := s.CheckInvariants(ts); err != nil {
			t.Fatalf("step %d (%s): invariant: %v", i, ev.Kind, err)
		}
		if s.CycleMeanDays < MinCycleDays {
			t.Fatalf("step %d: mean %v below floor", i, s.CycleMeanDays)
		}
	}
}

// Replaying the same event sequence from the same initial state reproduces
// the final state exactly.
func TestApplyIsDeterministic(t *testing.T) {
	run := func() State {
		s := Init(prior.Prior{MeanDays: 6.0, MADDays: 2.5}, "fruits", t0)
		ratio := 0.4
		evs := []Event{
			{Kind: KindPurchase, Timestamp: t0},
			{Kind: KindConsume, Ratio: &ratio, Timestamp: t0.Add(days(2))},
			{Kind: KindWeeklyTick, Timestamp: t0.Add(days(7))},
			{Kind: KindEmpty, Timestamp: t0.Add(days(8))},
			{Kind: KindAdjustFeedback, Direction: DirectionMore, Timestamp: t0.Add(days(9))},
		}
		for _, ev := range evs {
			var err error
			s, _, err = Apply(s, ev)
			if err != nil {
				t.Fatalf("apply %s: %v", ev.Kind, err)
			}
		}
		return s
	}

	a, b := run(), run()
	pa, _ := a.MarshalParams()
	pb, _ := b.MarshalParams()
	if string(pa) != string(pb) {
		t.Errorf("replay diverged:\n%s\n%s", pa, pb)
	}
}
