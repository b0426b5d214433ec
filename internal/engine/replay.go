package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/pantrykit/cyclecast/internal/api"
	"github.com/pantrykit/cyclecast/internal/predictor"
	"github.com/pantrykit/cyclecast/internal/prior"
	"github.com/pantrykit/cyclecast/internal/storage"
)

// Replayer rebuilds predictor state from the event log. The log is the
// authoritative record: replaying a pair's entries from the empty state
// must reproduce the stored state bit-for-bit (modulo float tolerance).
type Replayer struct {
	store  storage.Store
	priors *prior.Table
}

// NewReplayer builds a replayer over the processor's store and priors.
func NewReplayer(proc *Processor) *Replayer {
	return &Replayer{store: proc.store, priors: proc.priors}
}

// NewReplayerFor builds a replayer over an explicit store and prior table
// (used by the replaycheck CLI, which has no processor).
func NewReplayerFor(store storage.Store, priors *prior.Table) *Replayer {
	return &Replayer{store: store, priors: priors}
}

// Rebuild replays the full event log for key and returns the resulting
// state, or nil when the pair has no log entries.
func (r *Replayer) Rebuild(ctx context.Context, key storage.Key) (*predictor.State, error) {
	entries, err := r.store.Entries(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	var st *predictor.State
	for i, entry := range entries {
		if entry.Kind == logKindReset {
			var payload struct {
				CategoryID string `json:"category_id"`
			}
			if len(entry.Payload) > 0 {
				if err := json.Unmarshal(entry.Payload, &payload); err != nil {
					return nil, fmt.Errorf("entry %d: bad reset payload: %w", i, err)
				}
			}
			s := predictor.Init(r.priors.Lookup(payload.CategoryID), payload.CategoryID, entry.Timestamp)
			st = &s
			continue
		}

		var env api.Envelope
		if err := json.Unmarshal(entry.Payload, &env); err != nil {
			return nil, fmt.Errorf("entry %d: bad payload: %w", i, err)
		}
		ev, err := env.Validate()
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}

		if st == nil {
			s := predictor.Init(r.priors.Lookup(ev.CategoryID), ev.CategoryID, ev.Timestamp)
			st = &s
		}

		next, _, err := predictor.Apply(*st, ev)
		if err != nil {
			return nil, fmt.Errorf("entry %d: replay apply: %w", i, err)
		}
		st = &next
	}

	return st, nil
}

// Divergence describes a replay mismatch found by Verify.
type Divergence struct {
	Field    string
	Stored   float64
	Replayed float64
}

// Tolerances for replay comparison.
const (
	stateTol    = 1e-9
	daysLeftTol = 1e-6
)

// Verify rebuilds the state for key and compares it against the stored
// state. Returns the list of diverging fields (empty means the pair
// replays cleanly).
func (r *Replayer) Verify(ctx context.Context, key storage.Key) ([]Divergence, error) {
	stored, err := r.store.LoadState(ctx, key)
	if err != nil {
		return nil, err
	}
	replayed, err := r.Rebuild(ctx, key)
	if err != nil {
		return nil, err
	}

	if stored == nil && replayed == nil {
		return nil, nil
	}
	if stored == nil || replayed == nil {
		return []Divergence{{Field: "presence"}}, nil
	}

	var divs []Divergence
	check := func(field string, a, b, tol float64) {
		if math.Abs(a-b) > tol {
			divs = append(divs, Divergence{Field: field, Stored: a, Replayed: b})
		}
	}

	check("cycle_mean_days", stored.CycleMeanDays, replayed.CycleMeanDays, stateTol)
	check("cycle_mad_days", stored.CycleMADDays, replayed.CycleMADDays, stateTol)
	check("last_pred_days_left", stored.LastPredDaysLeft, replayed.LastPredDaysLeft, daysLeftTol)
	check("confidence", stored.Confidence, replayed.Confidence, stateTol)
	check("n_completed_cycles", float64(stored.NCompletedCycles), float64(replayed.NCompletedCycles), 0)
	check("n_censored_cycles", float64(stored.NCensoredCycles), float64(replayed.NCensoredCycles), 0)
	check("n_strong_updates", float64(stored.NStrongUpdates), float64(replayed.NStrongUpdates), 0)
	check("n_total_updates", float64(stored.NTotalUpdates), float64(replayed.NTotalUpdates), 0)
	check("n_waste_events", float64(stored.NWasteEvents), float64(replayed.NWasteEvents), 0)

	if !stored.LastUpdateAt.Equal(replayed.LastUpdateAt) {
		divs = append(divs, Divergence{Field: "last_update_at"})
	}
	if (stored.CycleStartedAt == nil) != (replayed.CycleStartedAt == nil) {
		divs = append(divs, Divergence{Field: "cycle_started_at"})
	} else if stored.CycleStartedAt != nil && !stored.CycleStartedAt.Equal(*replayed.CycleStartedAt) {
		divs = append(divs, Divergence{Field: "cycle_started_at"})
	}
	if (stored.LastPurchaseAt == nil) != (replayed.LastPurchaseAt == nil) {
		divs = append(divs, Divergence{Field: "last_purchase_at"})
	} else if stored.LastPurchaseAt != nil && !stored.LastPurchaseAt.Equal(*replayed.LastPurchaseAt) {
		divs = append(divs, Divergence{Field: "last_purchase_at"})
	}
	if stored.CategoryID != replayed.CategoryID {
		divs = append(divs, Divergence{Field: "category_id"})
	}

	return divs, nil
}
