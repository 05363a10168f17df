package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for IsoLedger.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreStateHashDur   prometheus.Histogram
	CoreSequence       prometheus.Gauge

	// --- Domain ---
	VaultsCreated        *prometheus.CounterVec
	SettlementsCompleted *prometheus.CounterVec

	// --- Latency ---
	IngestToApply  *prometheus.HistogramVec
	ApplyToPersist prometheus.Histogram

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Duration    prometheus.Histogram
	EventSequenceGap      *prometheus.CounterVec

	// --- Ingestion ---
	IngestMessages *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// --- Cache ---
	CacheRequests *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics registers all metrics with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics with reg.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}
	dbBuckets := []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

	return &Metrics{
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "iso_core_events_applied_total",
			Help: "Events successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "iso_core_events_rejected_total",
			Help: "Events rejected (duplicate, stale, validation, invariant)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "iso_core_event_apply_duration_seconds",
			Help:    "Time to apply a single event in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreStateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "iso_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "iso_core_sequence",
			Help: "Next global sequence number",
		}),

		VaultsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "iso_vaults_created_total",
			Help: "Vaults created per factory",
		}, []string{"factory"}),

		SettlementsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "iso_settlements_completed_total",
			Help: "Liquidations and expirations settled",
		}, []string{"kind"}),

		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "iso_ingest_to_apply_seconds",
			Help:    "NATS receive to core apply complete",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}, []string{"event_type"}),

		ApplyToPersist: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "iso_apply_to_persist_seconds",
			Help:    "Core emit to Postgres commit",
			Buckets: dbBuckets,
		}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "iso_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "iso_publish_drops_total",
			Help: "Outputs dropped due to full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "iso_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "iso_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "iso_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "iso_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "iso_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: dbBuckets,
		}),

		EventSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "iso_event_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "iso_ingest_messages_total",
			Help: "Inbound command messages by outcome",
		}, []string{"event_type", "outcome"}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "iso_persist_events_written_total",
			Help: "Events written to the event log",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "iso_persist_batch_size",
			Help:    "Outputs per persistence transaction",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "iso_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: dbBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "iso_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "iso_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "iso_persist_last_sequence",
			Help: "Last sequence committed to Postgres",
		}),

		CacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "iso_cache_requests_total",
			Help: "Vault lookup cache requests",
		}, []string{"result"}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "iso_query_requests_total",
			Help: "Query requests",
		}, []string{"method"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "iso_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}, []string{"method"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "iso_query_errors_total",
			Help: "Query errors",
		}, []string{"method", "code"}),
	}
}
