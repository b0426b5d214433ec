package predictor

import (
	"math"
	"testing"
	"time"
)

var confT0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func TestConfidenceColdStart(t *testing.T) {
	// Zero completed cycles: evidence = max(0.3, sigmoid(0)) = 0.5.
	s := State{
		CycleMeanDays: 5.0,
		CycleMADDays:  2.0,
		LastUpdateAt:  confT0,
	}

	got := Confidence(s, confT0)
	want := 0.2 + 0.8*0.5*(1-2.0/5.0)*1.0 // 0.44
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Confidence = %.9f, want %.9f", got, want)
	}
}

func TestConfidenceEvidenceGrowsWithCycles(t *testing.T) {
	s := State{CycleMeanDays: 7.0, CycleMADDays: 0, LastUpdateAt: confT0}

	prev := 0.0
	for cycles := 0; cycles <= 10; cycles++ {
		s.NCompletedCycles = cycles
		c := Confidence(s, confT0)
		if c < prev {
			t.Fatalf("confidence decreased with more cycles: %v after %v at n=%d", c, prev, cycles)
		}
		prev = c
	}
	if prev >= 1.0+1e-9 {
		t.Errorf("confidence exceeded 1.0: %v", prev)
	}
}

func TestConfidenceRecencyDecay(t *testing.T) {
	s := State{CycleMeanDays: 7.0, CycleMADDays: 0, NCompletedCycles: 10, LastUpdateAt: confT0}

	fresh := Confidence(s, confT0)
	stale := Confidence(s, confT0.AddDate(0, 0, 120))
	if stale >= fresh {
		t.Errorf("confidence should decay with staleness: fresh=%v stale=%v", fresh, stale)
	}

	// Recency floors at 0.1 no matter how old the state is.
	ancient := Confidence(s, confT0.AddDate(10, 0, 0))
	if ancient < 0.2 {
		t.Errorf("confidence fell below base: %v", ancient)
	}
}

func TestConfidenceBounds(t *testing.T) {
	// Sweep awkward states; confidence must stay within [0.2, 1.0].
	states := []State{
		{CycleMeanDays: 0.5, CycleMADDays: 90, LastUpdateAt: confT0},
		{CycleMeanDays: 90, CycleMADDays: 0, NCompletedCycles: 100, LastUpdateAt: confT0},
		{CycleMeanDays: 7, CycleMADDays: 7, LastUpdateAt: confT0.AddDate(-1, 0, 0)},
		{CycleMeanDays: 1, CycleMADDays: 0.1, NCompletedCycles: 1, LastUpdateAt: confT0},
	}
	for i, s := range states {
		c := Confidence(s, confT0)
		if c < 0.2-1e-12 || c > 1.0+1e-12 {
			t.Errorf("state %d: confidence %v outside [0.2, 1.0]", i, c)
		}
	}
}

func TestSigmoid(t *testing.T) {
	if got := sigmoid(0); math.Abs(got-0.5) > 1e-12 {
		t.Errorf("sigmoid(0) = %v, want 0.5", got)
	}
	if got := sigmoid(50); got <= 0.999 {
		t.Errorf("sigmoid(50) = %v, want ~1", got)
	}
	if got := sigmoid(-50); got >= 0.001 {
		t.Errorf("sigmoid(-50) = %v, want ~0", got)
	}
	// Symmetry: sigmoid(x) + sigmoid(-x) == 1.
	for _, x := range []float64{0.1, 1, 2.5, 10} {
		if s := sigmoid(x) + sigmoid(-x); math.Abs(s-1) > 1e-12 {
			t.Errorf("sigmoid(%v) asymmetric: sum %v", x, s)
		}
	}
}
