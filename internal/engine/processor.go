// Package engine drives the predictor: it validates and serialises incoming
// events, enforces idempotency and ordering, applies the transition rules
// from internal/predictor, and commits the result atomically to storage.
package engine

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/pantrykit/cyclecast/internal/api"
	"github.com/pantrykit/cyclecast/internal/clock"
	"github.com/pantrykit/cyclecast/internal/dedup"
	"github.com/pantrykit/cyclecast/internal/metrics"
	"github.com/pantrykit/cyclecast/internal/predictor"
	"github.com/pantrykit/cyclecast/internal/prior"
	"github.com/pantrykit/cyclecast/internal/storage"
	pkgotel "github.com/pantrykit/cyclecast/pkg/otel"
)

const tracerName = "cyclecast/engine"

// logKindReset marks a reinitialisation in the event log. It is not a
// submittable event kind; replay handles it specially.
const logKindReset = "RESET"

// staleWindow is how far behind the last processed timestamp an event may
// arrive and still be applied (flagged out_of_order). Older events are
// rejected as STALE_EVENT.
const staleWindow = 24 * time.Hour

// Registry answers whether a (household, product) pair still exists.
// Deployments back this with their entity store; NopRegistry accepts all.
type Registry interface {
	Exists(ctx context.Context, household, product string) (bool, error)
}

// NopRegistry accepts every pair.
type NopRegistry struct{}

func (NopRegistry) Exists(ctx context.Context, household, product string) (bool, error) {
	return true, nil
}

// Options tune the processor. Zero values select the defaults.
type Options struct {
	// CommitDeadline bounds one event's persistence work (default 2s).
	CommitDeadline time.Duration

	// CommitRetries is how many times a failed commit is retried with
	// exponential backoff before the event is deferred (default 3).
	CommitRetries int

	// DedupTTL is how long idempotency records are kept (default 14 days).
	DedupTTL time.Duration

	// DeferredCapacity bounds the deferred-application queue (default 1024).
	DeferredCapacity int
}

func (o Options) withDefaults() Options {
	if o.CommitDeadline == 0 {
		o.CommitDeadline = 2 * time.Second
	}
	if o.CommitRetries == 0 {
		o.CommitRetries = 3
	}
	if o.DedupTTL == 0 {
		o.DedupTTL = 14 * 24 * time.Hour
	}
	if o.DeferredCapacity == 0 {
		o.DeferredCapacity = 1024
	}
	return o
}

// Processor is the event-processing state machine. It behaves as if
// single-threaded per (household, product); distinct pairs run in parallel.
type Processor struct {
	store    storage.Store
	dedup    dedup.Store
	priors   *prior.Table
	registry Registry
	metrics  *metrics.Metrics
	clk      clock.Clock
	locks    *keyLocks
	opts     Options
	deferred chan *api.Envelope
}

// NewProcessor wires a processor. registry may be nil (all pairs accepted),
// m may be nil (metrics disabled in tests).
func NewProcessor(store storage.Store, dd dedup.Store, priors *prior.Table,
	registry Registry, m *metrics.Metrics, clk clock.Clock, opts Options) *Processor {
	if registry == nil {
		registry = NopRegistry{}
	}
	if clk == nil {
		clk = clock.System{}
	}
	opts = opts.withDefaults()
	return &Processor{
		store:    store,
		dedup:    dd,
		priors:   priors,
		registry: registry,
		metrics:  m,
		clk:      clk,
		locks:    newKeyLocks(),
		opts:     opts,
		deferred: make(chan *api.Envelope, opts.DeferredCapacity),
	}
}

// SubmitEvent validates, applies and persists one event. The returned error,
// when non-nil, is always a *Rejection carrying a machine-readable code.
func (p *Processor) SubmitEvent(ctx context.Context, env *api.Envelope) (*api.Outcome, error) {
	started := time.Now()
	ctx, span := pkgotel.StartSpan(ctx, tracerName, "SubmitEvent",
		pkgotel.EventAttributes(env.HouseholdID, env.ProductID, env.Kind)...)
	defer span.End()

	out, err := p.submit(ctx, env)
	if err != nil {
		pkgotel.RecordError(span, err)
		if p.metrics != nil {
			p.metrics.EventsRejected.WithLabelValues(string(CodeOf(err))).Inc()
		}
		return nil, err
	}

	span.SetAttributes(
		pkgotel.AttrStockState.String(string(out.State)),
		pkgotel.AttrDaysLeft.Float64(out.DaysLeft),
		pkgotel.AttrConfidence.Float64(out.Confidence),
	)
	if p.metrics != nil {
		p.metrics.EventsTotal.WithLabelValues(env.Kind).Inc()
		p.metrics.ApplySeconds.Observe(time.Since(started).Seconds())
	}
	return out, nil
}

func (p *Processor) submit(ctx context.Context, env *api.Envelope) (*api.Outcome, error) {
	ev, err := env.Validate()
	if err != nil {
		return nil, rejectWrap(api.CodeInvalidEvent, err, "invalid event")
	}

	key := storage.Key{Household: env.HouseholdID, Product: env.ProductID}
	l := p.locks.lock(key)
	defer l.Unlock()

	// Idempotent re-delivery returns the prior outcome; key reuse with a
	// different payload is a conflict.
	if rec, err := p.dedup.Get(ctx, env.IdempotencyKey); err != nil {
		return nil, rejectWrap(api.CodeStorageFailure, err, "idempotency lookup failed")
	} else if rec != nil {
		if rec.PayloadHash == env.PayloadHash() {
			if p.metrics != nil {
				p.metrics.DedupHits.Inc()
			}
			out := rec.Outcome
			return &out, nil
		}
		if p.metrics != nil {
			p.metrics.Conflicts.Inc()
		}
		return nil, reject(api.CodeConflict, "idempotency key %q reused with a different payload", env.IdempotencyKey)
	}

	ok, err := p.registry.Exists(ctx, env.HouseholdID, env.ProductID)
	if err != nil {
		return nil, rejectWrap(api.CodeStorageFailure, err, "entity lookup failed")
	}
	if !ok {
		return nil, reject(api.CodeUnknownEntity, "household %q / product %q not found", env.HouseholdID, env.ProductID)
	}

	st, err := p.store.LoadState(ctx, key)
	if err != nil {
		return nil, rejectWrap(api.CodeStorageFailure, err, "state load failed")
	}

	outOfOrder := false
	if st != nil {
		if ev.Timestamp.Before(st.LastUpdateAt.Add(-staleWindow)) {
			if p.metrics != nil {
				p.metrics.StaleRejected.Inc()
			}
			return nil, reject(api.CodeStaleEvent, "event at %s is more than %s behind last processed %s",
				ev.Timestamp.Format(time.RFC3339), staleWindow, st.LastUpdateAt.Format(time.RFC3339))
		}
		outOfOrder = ev.Timestamp.Before(st.LastUpdateAt)
	}

	var cur predictor.State
	if st == nil {
		cur = predictor.Init(p.priors.Lookup(ev.CategoryID), ev.CategoryID, ev.Timestamp)
	} else {
		cur = *st
	}

	next, eff, err := predictor.Apply(cur, ev)
	if err != nil {
		return nil, rejectWrap(api.CodeInvalidEvent, err, "transition rejected")
	}

	if err := next.CheckInvariants(next.LastUpdateAt); err != nil {
		snapshot, _ := next.MarshalParams()
		log.Printf("INTERNAL: invariant violation for %s/%s after %s: %v; state=%s",
			key.Household, key.Product, ev.Kind, err, snapshot)
		return nil, rejectWrap(api.CodeInternal, err, "invariant violation")
	}

	outcome := &api.Outcome{
		Applied:         true,
		DaysLeft:        eff.DaysLeftAfter,
		State:           eff.StateAfter,
		Confidence:      next.Confidence,
		OutOfOrder:      outOfOrder,
		ForecastEmitted: eff.Changed,
	}

	commit := p.buildCommit(key, env, ev, next, eff, outOfOrder)
	logID, err := p.commitWithRetry(ctx, commit)
	if err != nil {
		p.enqueueDeferred(env)
		return nil, rejectWrap(api.CodeStorageFailure, err, "commit failed; event deferred")
	}
	outcome.LogID = logID

	if outOfOrder && p.metrics != nil {
		p.metrics.OutOfOrder.Inc()
	}
	if eff.CycleClosed && p.metrics != nil {
		p.metrics.CyclesClosed.Inc()
	}

	rec := &dedup.Record{PayloadHash: env.PayloadHash(), Outcome: *outcome}
	if err := p.dedup.Set(ctx, env.IdempotencyKey, rec, p.opts.DedupTTL); err != nil {
		// Not fatal: the event is committed; a re-delivery will replay
		// against the log-backed state rather than the cache.
		log.Printf("dedup store error for key %s: %v", env.IdempotencyKey, err)
	}

	return outcome, nil
}

func (p *Processor) buildCommit(key storage.Key, env *api.Envelope, ev predictor.Event,
	next predictor.State, eff predictor.Effect, outOfOrder bool) *storage.Commit {

	payload, _ := json.Marshal(env)

	commit := &storage.Commit{
		Key:   key,
		State: next,
		Entry: storage.LogEntry{
			Timestamp:      ev.Timestamp,
			Kind:           string(ev.Kind),
			Reason:         string(ev.Reason),
			Note:           ev.Note,
			OutOfOrder:     outOfOrder,
			DaysLeftBefore: eff.DaysLeftBefore,
			DaysLeftAfter:  eff.DaysLeftAfter,
			MeanBefore:     eff.MeanBefore,
			MeanAfter:      eff.MeanAfter,
			IdempotencyKey: env.IdempotencyKey,
			Payload:        payload,
		},
	}

	if eff.Changed {
		commit.Inventory = &storage.InventoryRow{
			Household:  key.Household,
			Product:    key.Product,
			DaysLeft:   eff.DaysLeftAfter,
			State:      string(eff.StateAfter),
			Confidence: next.Confidence,
			LastSource: string(ev.Kind),
			UpdatedAt:  ev.Timestamp,
		}
		commit.Forecast = &storage.ForecastRow{
			Household:        key.Household,
			Product:          key.Product,
			GeneratedAt:      ev.Timestamp,
			ExpectedDaysLeft: eff.DaysLeftAfter,
			PredictedState:   string(eff.StateAfter),
			Confidence:       next.Confidence,
		}
	}

	return commit
}

// commitWithRetry persists one commit under the configured deadline,
// retrying transient storage errors with exponential backoff.
func (p *Processor) commitWithRetry(ctx context.Context, commit *storage.Commit) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.CommitDeadline)
	defer cancel()

	backoff := 50 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= p.opts.CommitRetries; attempt++ {
		if attempt > 0 {
			if p.metrics != nil {
				p.metrics.StorageRetries.Inc()
			}
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		id, err := p.store.CommitEvent(ctx, commit)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
	}
	return 0, lastErr
}

// Reset reinitialises the pair from its category prior and appends a RESET
// log entry so replay reproduces the wipe.
func (p *Processor) Reset(ctx context.Context, household, product string) (*api.Outcome, error) {
	ctx, span := pkgotel.StartSpan(ctx, tracerName, "Reset",
		pkgotel.EventAttributes(household, product, logKindReset)...)
	defer span.End()

	key := storage.Key{Household: household, Product: product}
	l := p.locks.lock(key)
	defer l.Unlock()

	now := p.clk.Now()

	st, err := p.store.LoadState(ctx, key)
	if err != nil {
		return nil, rejectWrap(api.CodeStorageFailure, err, "state load failed")
	}

	categoryID := ""
	daysBefore := 0.0
	meanBefore := 0.0
	if st != nil {
		categoryID = st.CategoryID
		daysBefore = st.CurrentDaysLeft(now)
		meanBefore = st.CycleMeanDays
	}

	next := predictor.Init(p.priors.Lookup(categoryID), categoryID, now)

	payload, _ := json.Marshal(map[string]string{"category_id": categoryID})
	commit := &storage.Commit{
		Key:   key,
		State: next,
		Entry: storage.LogEntry{
			Timestamp:      now,
			Kind:           logKindReset,
			DaysLeftBefore: daysBefore,
			DaysLeftAfter:  next.LastPredDaysLeft,
			MeanBefore:     meanBefore,
			MeanAfter:      next.CycleMeanDays,
			Payload:        payload,
		},
		Inventory: &storage.InventoryRow{
			Household:  household,
			Product:    product,
			DaysLeft:   next.LastPredDaysLeft,
			State:      string(predictor.Classify(next.LastPredDaysLeft, next.CycleMeanDays)),
			Confidence: next.Confidence,
			LastSource: logKindReset,
			UpdatedAt:  now,
		},
	}

	logID, err := p.commitWithRetry(ctx, commit)
	if err != nil {
		return nil, rejectWrap(api.CodeStorageFailure, err, "reset commit failed")
	}

	return &api.Outcome{
		Applied:    true,
		DaysLeft:   next.LastPredDaysLeft,
		State:      predictor.Classify(next.LastPredDaysLeft, next.CycleMeanDays),
		Confidence: next.Confidence,
		LogID:      logID,
	}, nil
}

func (p *Processor) enqueueDeferred(env *api.Envelope) {
	select {
	case p.deferred <- env:
		if p.metrics != nil {
			p.metrics.DeferredQueued.Inc()
		}
	default:
		log.Printf("deferred queue full; dropping event %s for %s/%s",
			env.IdempotencyKey, env.HouseholdID, env.ProductID)
	}
}

// DrainDeferred re-applies parked events until the queue is empty or ctx is
// done. Returns how many events were applied.
func (p *Processor) DrainDeferred(ctx context.Context) int {
	drained := 0
	for {
		select {
		case <-ctx.Done():
			return drained
		case env := <-p.deferred:
			if _, err := p.SubmitEvent(ctx, env); err != nil {
				if CodeOf(err) == api.CodeStorageFailure {
					// Still failing; SubmitEvent re-queued it. Stop so we do
					// not spin on a down store.
					return drained
				}
				log.Printf("deferred event %s dropped: %v", env.IdempotencyKey, err)
				continue
			}
			drained++
			if p.metrics != nil {
				p.metrics.DeferredDrained.Inc()
			}
		default:
			return drained
		}
	}
}

// StartDeferredDrainer retries parked events on an interval until ctx ends.
func (p *Processor) StartDeferredDrainer(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.DrainDeferred(ctx)
			}
		}
	}()
}
