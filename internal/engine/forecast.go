package engine

import (
	"context"
	"time"

	"github.com/pantrykit/cyclecast/internal/api"
	"github.com/pantrykit/cyclecast/internal/predictor"
	"github.com/pantrykit/cyclecast/internal/storage"
	pkgotel "github.com/pantrykit/cyclecast/pkg/otel"
)

// Reader is the pure read path: forecasts and bulk refreshes. It never
// mutates predictor state.
type Reader struct {
	store storage.Store
	proc  *Processor
}

// NewReader builds a read path over the processor's store.
func NewReader(proc *Processor) *Reader {
	return &Reader{store: proc.store, proc: proc}
}

// Forecast produces a snapshot for one pair at the given time. at may be
// zero to use the current time; multiplier scales consumption speed (pass 0
// or 1 for none).
func (r *Reader) Forecast(ctx context.Context, household, product string, at time.Time, multiplier float64) (*api.ForecastSnapshot, error) {
	_, span := pkgotel.StartSpan(ctx, tracerName, "Forecast",
		pkgotel.EventAttributes(household, product, "")...)
	defer span.End()

	if at.IsZero() {
		at = r.proc.clk.Now()
	}
	if multiplier == 0 {
		multiplier = 1.0
	}

	key := storage.Key{Household: household, Product: product}
	st, err := r.store.LoadState(ctx, key)
	if err != nil {
		return nil, rejectWrap(api.CodeStorageFailure, err, "state load failed")
	}
	if st == nil {
		return nil, reject(api.CodeUnknownEntity, "no predictor state for %q/%q", household, product)
	}

	fc := predictor.Read(*st, at, multiplier)
	if r.proc.metrics != nil {
		r.proc.metrics.ForecastReads.Inc()
	}

	span.SetAttributes(
		pkgotel.AttrStockState.String(string(fc.PredictedState)),
		pkgotel.AttrDaysLeft.Float64(fc.ExpectedDaysLeft),
	)

	return &api.ForecastSnapshot{
		HouseholdID:      household,
		ProductID:        product,
		GeneratedAt:      fc.GeneratedAt,
		ExpectedDaysLeft: fc.ExpectedDaysLeft,
		PredictedState:   fc.PredictedState,
		Confidence:       fc.Confidence,
	}, nil
}

// RefreshHousehold recomputes forecasts for every product of a household
// and rewrites the inventory projection. Returns how many products were
// refreshed. Useful on login or when the inventory screen opens.
func (r *Reader) RefreshHousehold(ctx context.Context, household string) (int, error) {
	keys, err := r.store.HouseholdKeys(ctx, household)
	if err != nil {
		return 0, rejectWrap(api.CodeStorageFailure, err, "key listing failed")
	}

	now := r.proc.clk.Now()
	refreshed := 0
	for _, key := range keys {
		st, err := r.store.LoadState(ctx, key)
		if err != nil {
			return refreshed, rejectWrap(api.CodeStorageFailure, err, "state load failed")
		}
		if st == nil {
			continue
		}

		fc := predictor.Read(*st, now, 1.0)
		row := &storage.InventoryRow{
			Household:  key.Household,
			Product:    key.Product,
			DaysLeft:   fc.ExpectedDaysLeft,
			State:      string(fc.PredictedState),
			Confidence: fc.Confidence,
			LastSource: "SYSTEM",
			UpdatedAt:  now,
		}
		if err := r.store.WriteInventory(ctx, row); err != nil {
			return refreshed, rejectWrap(api.CodeStorageFailure, err, "inventory write failed")
		}
		refreshed++
	}

	return refreshed, nil
}
