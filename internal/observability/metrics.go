package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for FlashLever.
type Metrics struct {
	// --- Settlement ---
	SettlementsTotal   *prometheus.CounterVec
	SettlementDuration *prometheus.HistogramVec
	EventsCommitted    *prometheus.CounterVec
	CoreJournals       *prometheus.CounterVec
	CoreSequence       prometheus.Gauge

	// --- Pool ---
	AdvancesTotal   *prometheus.CounterVec
	AdvancePremiums prometheus.Counter
	PoolLiquidity   prometheus.Gauge
	PoolFees        prometheus.Gauge
	PoolShareSupply prometheus.Gauge
	PoolShareValue  prometheus.Gauge
	PoolRewards     prometheus.Counter

	// --- Positions & lending ---
	ActivePositions     prometheus.Gauge
	LendingLTVBps       prometheus.Gauge
	LendingHealthFactor prometheus.Gauge

	// --- Guarantee lifecycle ---
	GuaranteeRequests *prometheus.CounterVec
	GuaranteeResults  *prometheus.CounterVec
	GuaranteePending  prometheus.Gauge
	GuaranteeScanned  prometheus.Counter

	// --- Scheduler ---
	TriggerRuns     *prometheus.CounterVec
	TriggerDuration prometheus.Histogram

	// --- Channels & messaging ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter
	NATSMessages        *prometheus.CounterVec
	Duplicates          *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge

	// --- HTTP API ---
	APIRequests    *prometheus.CounterVec
	APIDuration    *prometheus.HistogramVec
	APIRateLimited prometheus.Counter
}

// NewMetrics creates all metrics on reg. Pass prometheus.DefaultRegisterer in
// production and a fresh prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	settleBuckets := []float64{
		0.00005, 0.0001, 0.00025, 0.0005, 0.001,
		0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
	}

	persistBuckets := []float64{
		0.001, 0.002, 0.005, 0.01, 0.025,
		0.05, 0.1, 0.25, 0.5, 1.0,
	}

	return &Metrics{
		// Settlement
		SettlementsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flash_settlements_total",
			Help: "Settlements by kind and outcome (committed, rejected, rolled_back)",
		}, []string{"kind", "outcome"}),

		SettlementDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flash_settlement_duration_seconds",
			Help:    "Time to run a settlement unit of work",
			Buckets: settleBuckets,
		}, []string{"kind"}),

		EventsCommitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flash_events_committed_total",
			Help: "Events committed to the hash chain",
		}, []string{"event_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flash_journals_generated_total",
			Help: "Journal entries committed",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "flash_core_sequence",
			Help: "Next event sequence",
		}),

		// Pool
		AdvancesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flash_pool_advances_total",
			Help: "Advances by outcome",
		}, []string{"outcome"}),

		AdvancePremiums: f.NewCounter(prometheus.CounterOpts{
			Name: "flash_pool_premiums_total",
			Help: "Premiums credited to pool fees (quote units)",
		}),

		PoolLiquidity: f.NewGauge(prometheus.GaugeOpts{
			Name: "flash_pool_total_liquidity",
			Help: "LP principal (quote units)",
		}),

		PoolFees: f.NewGauge(prometheus.GaugeOpts{
			Name: "flash_pool_total_fees",
			Help: "Accumulated premiums and rewards (quote units)",
		}),

		PoolShareSupply: f.NewGauge(prometheus.GaugeOpts{
			Name: "flash_pool_share_supply",
			Help: "Outstanding pool shares",
		}),

		PoolShareValue: f.NewGauge(prometheus.GaugeOpts{
			Name: "flash_pool_share_value",
			Help: "Pool assets per 1.0 share (fixed-point)",
		}),

		PoolRewards: f.NewCounter(prometheus.CounterOpts{
			Name: "flash_pool_rewards_total",
			Help: "Profit share routed to the pool (quote units)",
		}),

		// Positions & lending
		ActivePositions: f.NewGauge(prometheus.GaugeOpts{
			Name: "flash_active_positions",
			Help: "Identities in the active registry",
		}),

		LendingLTVBps: f.NewGauge(prometheus.GaugeOpts{
			Name: "flash_lending_ltv_bps",
			Help: "Aggregate loan-to-value of the orchestrator sub-account",
		}),

		LendingHealthFactor: f.NewGauge(prometheus.GaugeOpts{
			Name: "flash_lending_health_factor",
			Help: "Health factor of the orchestrator sub-account (1.0 = liquidation)",
		}),

		// Guarantee lifecycle
		GuaranteeRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flash_guarantee_requests_total",
			Help: "Requests sent to the guarantee provider",
		}, []string{"kind", "outcome"}),

		GuaranteeResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flash_guarantee_results_total",
			Help: "Results received from the guarantee provider",
		}, []string{"kind", "outcome"}),

		GuaranteePending: f.NewGauge(prometheus.GaugeOpts{
			Name: "flash_guarantee_pending_requests",
			Help: "Requests awaiting a provider result",
		}),

		GuaranteeScanned: f.NewCounter(prometheus.CounterOpts{
			Name: "flash_guarantee_chargeable_found_total",
			Help: "Chargeable identities returned by scans",
		}),

		// Scheduler
		TriggerRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flash_trigger_runs_total",
			Help: "Scheduler trigger runs by outcome",
		}, []string{"outcome"}),

		TriggerDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "flash_trigger_duration_seconds",
			Help:    "Time to check and perform a trigger",
			Buckets: persistBuckets,
		}),

		// Channels & messaging
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flash_channel_size",
			Help: "Current items in channel buffer",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flash_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "flash_outbound_publish_drops_total",
			Help: "Events dropped from the outbound channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "flash_persist_backpressure_total",
			Help: "Commits that blocked on a full persistence channel",
		}),

		NATSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flash_nats_messages_total",
			Help: "NATS messages by subject and outcome",
		}, []string{"subject", "outcome"}),

		Duplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flash_duplicates_total",
			Help: "Operations rejected as duplicates by lookup tier",
		}, []string{"event_type", "tier"}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "flash_persist_events_written_total",
			Help: "Events written to the event log",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "flash_persist_journals_written_total",
			Help: "Journal entries written",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "flash_persist_batch_size",
			Help:    "Events per persistence transaction",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "flash_persist_batch_duration_seconds",
			Help:    "Time to commit a persistence transaction",
			Buckets: persistBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flash_persist_errors_total",
			Help: "Persistence errors by operation",
		}, []string{"op"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "flash_persist_retries_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "flash_persist_last_sequence",
			Help: "Last persisted event sequence",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "flash_snapshots_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "flash_snapshot_duration_seconds",
			Help:    "Time to write a snapshot",
			Buckets: persistBuckets,
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "flash_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "flash_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		// HTTP API
		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flash_api_requests_total",
			Help: "HTTP API requests by route and status",
		}, []string{"route", "status"}),

		APIDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flash_api_request_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),

		APIRateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "flash_api_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
	}
}
