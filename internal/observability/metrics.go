package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PerpCurve.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreSequence       prometheus.Gauge
	CoreFollowUps      *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ChannelSize     *prometheus.GaugeVec
	ProjectionDrops *prometheus.CounterVec
	PublishDrops    prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Curve ---
	CurveReserve      prometheus.Gauge
	CurveCoefficient  prometheus.Gauge
	CurveFeesTotal    prometheus.Counter
	CurveArbTaxTotal  prometheus.Counter
	AssetSupply       *prometheus.GaugeVec
	AssetPrice        *prometheus.GaugeVec
	PresaleCollected  *prometheus.GaugeVec
	GovernanceTotalVP prometheus.Gauge
	RewardEmissions   *prometheus.CounterVec
	RewardHarvested   *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	ReplayEventsTotal prometheus.Counter

	// --- Ingestion & Query ---
	IngestMessages *prometheus.CounterVec
	QueryRequests  *prometheus.CounterVec
	QueryDuration  *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg. Tests pass a
// fresh prometheus.NewRegistry() so repeated construction does not panic.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05,
	}

	return &Metrics{
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcurve_core_events_applied_total",
			Help: "Transitions committed by the core",
		}, []string{"event_type"}),

		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcurve_core_events_rejected_total",
			Help: "Transitions rejected (duplicate, validation, capacity, ...)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perpcurve_core_event_apply_duration_seconds",
			Help:    "Time to apply a single transition",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcurve_core_journals_generated_total",
			Help: "Custody journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpcurve_core_sequence",
			Help: "Next core sequence number",
		}),

		CoreFollowUps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcurve_core_followups_total",
			Help: "Follow-up transitions by type and outcome",
		}, []string{"event_type", "outcome"}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpcurve_channel_size",
			Help: "Buffered items per pipeline channel",
		}, []string{"channel"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcurve_projection_drops_total",
			Help: "Outputs dropped because the projection channel was full",
		}, []string{"channel"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perpcurve_publish_drops_total",
			Help: "Responses that could not be published",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcurve_idempotency_duplicates_total",
			Help: "Duplicate requests by tier",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpcurve_dedup_lru_size",
			Help: "Keys held in the idempotency LRU",
		}),

		EventSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcurve_event_sequence_gap_total",
			Help: "Source sequence gaps per partition kind",
		}, []string{"partition"}),

		EventOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcurve_event_out_of_order_total",
			Help: "Out-of-order source sequences per partition kind",
		}, []string{"partition"}),

		CurveReserve: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpcurve_curve_reserve",
			Help: "Reserve held by the curve, base units",
		}),

		CurveCoefficient: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpcurve_curve_coefficient",
			Help: "Global curve coefficient",
		}),

		CurveFeesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "perpcurve_curve_fees_total",
			Help: "Swap fees retained in the reserve",
		}),

		CurveArbTaxTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "perpcurve_curve_arb_tax_total",
			Help: "Arbitrage profit tax retained, reserve units",
		}),

		AssetSupply: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpcurve_asset_supply",
			Help: "Token supply per asset",
		}, []string{"asset"}),

		AssetPrice: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpcurve_asset_price",
			Help: "Marginal curve price per asset",
		}, []string{"asset"}),

		PresaleCollected: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpcurve_presale_collected",
			Help: "Reserve collected by open presales",
		}, []string{"asset"}),

		GovernanceTotalVP: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpcurve_governance_total_vp",
			Help: "Total normalized voting power",
		}),

		RewardEmissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcurve_reward_emissions_total",
			Help: "Reward tokens received per reward asset",
		}, []string{"reward_asset"}),

		RewardHarvested: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcurve_reward_harvested_total",
			Help: "Reward tokens paid out per reward asset",
		}, []string{"reward_asset"}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perpcurve_persist_events_written_total",
			Help: "Envelopes written to the event log",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perpcurve_persist_journals_written_total",
			Help: "Journal rows written",
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpcurve_persist_batch_duration_seconds",
			Help:    "Time to commit one persistence batch",
			Buckets: prometheus.DefBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcurve_persist_errors_total",
			Help: "Persistence failures by stage",
		}, []string{"stage"}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpcurve_persist_last_sequence",
			Help: "Last persisted core sequence",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "perpcurve_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpcurve_snapshot_duration_seconds",
			Help:    "Time to capture and store a snapshot",
			Buckets: prometheus.DefBuckets,
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpcurve_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "perpcurve_replay_events_total",
			Help: "Events replayed at startup",
		}),

		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcurve_ingest_messages_total",
			Help: "Inbound messages by source and outcome",
		}, []string{"source", "outcome"}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcurve_query_requests_total",
			Help: "Query requests by method",
		}, []string{"method", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perpcurve_query_duration_seconds",
			Help:    "Query latency by method",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
}
