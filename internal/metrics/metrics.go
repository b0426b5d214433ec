package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the predictor service.
type Metrics struct {
	EventsTotal     *prometheus.CounterVec // by event kind
	EventsRejected  *prometheus.CounterVec // by rejection code
	DedupHits       prometheus.Counter
	Conflicts       prometheus.Counter
	StaleRejected   prometheus.Counter
	OutOfOrder      prometheus.Counter
	CyclesClosed    prometheus.Counter
	StorageRetries  prometheus.Counter
	DeferredQueued  prometheus.Counter
	DeferredDrained prometheus.Counter

	ReconcileRuns    prometheus.Counter
	ReconcileTicks   prometheus.Counter
	ReconcileSkipped prometheus.Counter

	ForecastReads prometheus.Counter

	ApplySeconds prometheus.Histogram
}

// New creates and registers all metrics.
func New() *Metrics {
	return &Metrics{
		EventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ccp_events_total",
				Help: "Events accepted and applied, by kind",
			},
			[]string{"kind"},
		),
		EventsRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ccp_events_rejected_total",
				Help: "Events rejected, by rejection code",
			},
			[]string{"code"},
		),
		DedupHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ccp_dedup_hits_total",
			Help: "Duplicate submissions served from the idempotency store",
		}),
		Conflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ccp_idempotency_conflicts_total",
			Help: "Idempotency keys reused with a different payload",
		}),
		StaleRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ccp_stale_rejected_total",
			Help: "Events rejected for arriving more than 24h behind the stream",
		}),
		OutOfOrder: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ccp_out_of_order_total",
			Help: "Events applied out of timestamp order within the tolerance window",
		}),
		CyclesClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ccp_cycles_closed_total",
			Help: "Consumption cycles completed naturally",
		}),
		StorageRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ccp_storage_retries_total",
			Help: "Retried state/log commits after a storage error",
		}),
		DeferredQueued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ccp_deferred_queued_total",
			Help: "Events parked for deferred application after storage failure",
		}),
		DeferredDrained: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ccp_deferred_drained_total",
			Help: "Deferred events successfully re-applied",
		}),
		ReconcileRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ccp_reconcile_runs_total",
			Help: "Weekly reconciler sweeps started",
		}),
		ReconcileTicks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ccp_reconcile_ticks_total",
			Help: "WEEKLY_TICK events synthesised by the reconciler",
		}),
		ReconcileSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ccp_reconcile_skipped_total",
			Help: "States skipped by the reconciler (wrong weekday or recent tick)",
		}),
		ForecastReads: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ccp_forecast_reads_total",
			Help: "Forecast snapshots served from the read path",
		}),
		ApplySeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ccp_apply_seconds",
			Help:    "End-to-end event application latency",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
