package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine. Everything is
// labelled by market where it makes sense.
type Metrics struct {
	// --- Core processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreSequence       *prometheus.GaugeVec

	// --- Channels & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          *prometheus.GaugeVec
	DedupTier2Errors      prometheus.Counter
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Funding & pricing ---
	FundingIndexAppended *prometheus.CounterVec
	FairPrice            *prometheus.GaugeVec
	OraclePrice          *prometheus.GaugeVec
	LeveragedNotional    *prometheus.GaugeVec

	// --- Liquidation & insurance ---
	Liquidations       *prometheus.CounterVec
	EscrowHeld         *prometheus.GaugeVec
	EscrowRefunded     *prometheus.CounterVec
	PoolDrained        *prometheus.CounterVec
	LiquidationShort   *prometheus.CounterVec
	PoolHoldings       *prometheus.GaugeVec
	PoolSupply         *prometheus.GaugeVec
	TokenPayoutFailure *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    *prometheus.GaugeVec

	// --- Snapshot & replay ---
	SnapshotTaken     *prometheus.CounterVec
	SnapshotSizeBytes *prometheus.GaugeVec
	ReplayEventsTotal prometheus.Counter

	// --- Projections & API ---
	ProjectionUpdateDur *prometheus.HistogramVec
	QueryRequests       *prometheus.CounterVec
	QueryDuration       *prometheus.HistogramVec
	StreamClients       prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_core_events_applied_total",
			Help: "Events successfully applied by core",
		}, []string{"market", "event_type"}),
		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_core_events_rejected_total",
			Help: "Events rejected (dedup, gap, domain error)",
		}, []string{"market", "event_type", "reason"}),
		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_core_event_apply_duration_seconds",
			Help:    "Time to apply a single event in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),
		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),
		CoreSequence: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_core_sequence",
			Help: "Last assigned event sequence",
		}, []string{"market"}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_size",
			Help: "Buffered items in internal channels",
		}, []string{"channel"}),
		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_projection_drops_total",
			Help: "Outputs dropped because the projection channel was full",
		}, []string{"market"}),
		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_publish_drops_total",
			Help: "Outbound effects that could not be published",
		}),
		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_backpressure_total",
			Help: "Times the core waited on a full persist channel",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_idempotency_duplicates_total",
			Help: "Duplicate events detected",
		}, []string{"event_type", "tier"}),
		DedupLRUSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_dedup_lru_size",
			Help: "Entries in the idempotency LRU",
		}, []string{"market"}),
		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_dedup_tier2_errors_total",
			Help: "Failed Postgres idempotency lookups",
		}),
		EventSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_event_sequence_gap_total",
			Help: "Source sequence gaps detected",
		}, []string{"partition"}),
		EventOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_event_out_of_order_total",
			Help: "Out-of-order events detected",
		}, []string{"partition"}),

		FundingIndexAppended: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_funding_index_appended_total",
			Help: "Funding index entries appended at hour rollover",
		}, []string{"market"}),
		FairPrice: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_fair_price",
			Help: "Current fair price",
		}, []string{"market"}),
		OraclePrice: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_oracle_price",
			Help: "Last oracle price",
		}, []string{"market"}),
		LeveragedNotional: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_leveraged_notional_value",
			Help: "Market leveraged notional value",
		}, []string{"market"}),

		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_liquidations_total",
			Help: "Liquidations recorded",
		}, []string{"market"}),
		EscrowHeld: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_escrow_held",
			Help: "Escrow still owed across receipts",
		}, []string{"market"}),
		EscrowRefunded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_escrow_refunded_total",
			Help: "Escrow paid out, by recipient",
		}, []string{"market", "party"}),
		PoolDrained: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_insurance_pool_drained_total",
			Help: "Collateral drawn from the insurance pool",
		}, []string{"market"}),
		LiquidationShort: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_liquidation_shortfall_total",
			Help: "Negative margin the pool could not cover",
		}, []string{"market"}),
		PoolHoldings: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_insurance_pool_holdings",
			Help: "Insurance pool holdings",
		}, []string{"market"}),
		PoolSupply: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_insurance_pool_supply",
			Help: "Outstanding pool tokens",
		}, []string{"market"}),
		TokenPayoutFailure: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_token_payout_failures_total",
			Help: "Token pushes that failed and were queued for retry",
		}, []string{"market", "token"}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_events_written_total",
			Help: "Events written to event log",
		}),
		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_journals_written_total",
			Help: "Journal entries written",
		}),
		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_size",
			Help:    "Events per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_duration_seconds",
			Help:    "Time to write one persistence batch",
			Buckets: prometheus.DefBuckets,
		}),
		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"kind"}),
		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_retry_total",
			Help: "Persistence retries",
		}),
		PersistLastSequence: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_persist_last_sequence",
			Help: "Last persisted sequence",
		}, []string{"market"}),

		SnapshotTaken: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_snapshot_taken_total",
			Help: "Snapshots written",
		}, []string{"market"}),
		SnapshotSizeBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}, []string{"market"}),
		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_replay_events_total",
			Help: "Events replayed during recovery",
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_projection_update_duration_seconds",
			Help:    "Time to update a projection",
			Buckets: prometheus.DefBuckets,
		}, []string{"projection"}),
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_query_requests_total",
			Help: "API requests",
		}, []string{"route", "code"}),
		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_query_duration_seconds",
			Help:    "API request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		StreamClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_stream_clients",
			Help: "Connected WebSocket clients",
		}),
	}
}
