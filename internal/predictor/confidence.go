package predictor

import (
	"math"
	"time"

	"github.com/pantrykit/cyclecast/internal/clock"
)

// Confidence shaping constants.
const (
	confidenceBase  = 0.2
	confidenceSpan  = 0.8
	evidenceFloor   = 0.3
	evidenceHalving = 2.0
	stabilityFloor  = 0.2
	recencyFloor    = 0.1
	recencyTauDays  = 60.0
)

// Confidence combines evidence (completed cycles), stability (MAD relative
// to the mean) and recency (time since last update) into [0.2, 1.0].
func Confidence(s State, now time.Time) float64 {
	evidence := sigmoid(float64(s.NCompletedCycles) / evidenceHalving)
	if evidence < evidenceFloor {
		evidence = evidenceFloor
	}

	denom := s.CycleMeanDays
	if denom < MinCycleDays {
		denom = MinCycleDays
	}
	stability := 1.0 - s.CycleMADDays/denom
	stability = clampFloat(stability, stabilityFloor, 1.0)

	recency := math.Exp(-clock.DaysSince(now, s.LastUpdateAt) / recencyTauDays)
	if recency < recencyFloor {
		recency = recencyFloor
	}

	conf := confidenceBase + confidenceSpan*evidence*stability*recency
	return clampFloat(conf, confidenceBase, 1.0)
}

// sigmoid is the numerically stable logistic function.
func sigmoid(x float64) float64 {
	if x >= 0 {
		z := math.Exp(-x)
		return 1 / (1 + z)
	}
	z := math.Exp(x)
	return z / (1 + z)
}
