package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pantrykit/cyclecast/internal/api"
	"github.com/pantrykit/cyclecast/internal/clock"
	"github.com/pantrykit/cyclecast/internal/storage"
	pkgotel "github.com/pantrykit/cyclecast/pkg/otel"
)

// tickRecencyWindow suppresses a new WEEKLY_TICK when one was applied within
// the last 6 days, so a tick lands at most once per anniversary week.
const tickRecencyWindow = 6 * 24 * time.Hour

// Reconciler is the weekly anniversary job. Once per UTC day it sweeps all
// predictor states and, for each pair whose first event fell on today's
// weekday, synthesises a WEEKLY_TICK through the regular event processor so
// the replayability of the log is preserved.
type Reconciler struct {
	proc    *Processor
	store   storage.Store
	clk     clock.Clock
	limiter *rate.Limiter

	mu      sync.Mutex
	lastDay time.Time
}

// ReconcileReport summarises one sweep.
type ReconcileReport struct {
	Day        time.Time `json:"day"`
	AlreadyRan bool      `json:"already_ran,omitempty"`
	Swept      int       `json:"swept"`
	Ticked     int       `json:"ticked"`
	Skipped    int       `json:"skipped"`
	Errors     int       `json:"errors"`
}

// NewReconciler builds a reconciler. pairsPerSecond paces the sweep so it
// cannot starve user-submitted events; 0 selects a conservative default.
func NewReconciler(proc *Processor, pairsPerSecond float64) *Reconciler {
	if pairsPerSecond <= 0 {
		pairsPerSecond = 50
	}
	return &Reconciler{
		proc:    proc,
		store:   proc.store,
		clk:     proc.clk,
		limiter: rate.NewLimiter(rate.Limit(pairsPerSecond), 1),
	}
}

// Run performs one sweep for the UTC day of now. Idempotent per day: a
// second call on the same day reports AlreadyRan without touching state.
func (r *Reconciler) Run(ctx context.Context, now time.Time) (*ReconcileReport, error) {
	ctx, span := pkgotel.StartSpan(ctx, tracerName, "ReconcileRun")
	defer span.End()

	day := clock.UTCDay(now)

	r.mu.Lock()
	if r.lastDay.Equal(day) {
		r.mu.Unlock()
		return &ReconcileReport{Day: day, AlreadyRan: true}, nil
	}
	r.lastDay = day
	r.mu.Unlock()

	if r.proc.metrics != nil {
		r.proc.metrics.ReconcileRuns.Inc()
	}

	keys, err := r.store.Keys(ctx)
	if err != nil {
		return nil, rejectWrap(api.CodeStorageFailure, err, "key listing failed")
	}

	report := &ReconcileReport{Day: day}
	weekday := now.UTC().Weekday()

	for _, key := range keys {
		// Yield between pairs; the per-key lock is only held inside
		// SubmitEvent, so user events interleave freely.
		if err := r.limiter.Wait(ctx); err != nil {
			return report, err
		}
		report.Swept++

		ticked, err := r.reconcilePair(ctx, key, now, weekday)
		if err != nil {
			report.Errors++
			log.Printf("reconcile %s/%s: %v", key.Household, key.Product, err)
			continue
		}
		if ticked {
			report.Ticked++
			if r.proc.metrics != nil {
				r.proc.metrics.ReconcileTicks.Inc()
			}
		} else {
			report.Skipped++
			if r.proc.metrics != nil {
				r.proc.metrics.ReconcileSkipped.Inc()
			}
		}
	}

	return report, nil
}

func (r *Reconciler) reconcilePair(ctx context.Context, key storage.Key, now time.Time, weekday time.Weekday) (bool, error) {
	first, err := r.store.FirstEntry(ctx, key)
	if err != nil {
		return false, err
	}
	if first == nil {
		return false, nil
	}

	// The anniversary weekday is fixed by the very first event for the pair.
	if first.Timestamp.UTC().Weekday() != weekday {
		return false, nil
	}

	lastTick, err := r.store.LastEntryOfKind(ctx, key, "WEEKLY_TICK")
	if err != nil {
		return false, err
	}
	if lastTick != nil && now.Sub(lastTick.Timestamp) < tickRecencyWindow {
		return false, nil
	}

	env := &api.Envelope{
		IdempotencyKey: fmt.Sprintf("weekly-tick:%s:%s:%s", key.Household, key.Product, clock.UTCDay(now).Format("2006-01-02")),
		HouseholdID:    key.Household,
		ProductID:      key.Product,
		Timestamp:      clock.FormatTimestamp(now),
		Kind:           "WEEKLY_TICK",
	}

	if _, err := r.proc.SubmitEvent(ctx, env); err != nil {
		return false, err
	}
	return true, nil
}

// Start schedules a sweep at the next UTC midnight and then every 24h,
// until ctx ends. Operator-triggered runs through Run remain possible and
// stay idempotent per day.
func (r *Reconciler) Start(ctx context.Context) {
	go func() {
		for {
			now := r.clk.Now()
			next := clock.UTCDay(now).AddDate(0, 0, 1)
			select {
			case <-ctx.Done():
				return
			case <-time.After(next.Sub(now)):
			}

			if _, err := r.Run(ctx, r.clk.Now()); err != nil {
				log.Printf("weekly reconcile failed: %v", err)
			}
		}
	}()
}
