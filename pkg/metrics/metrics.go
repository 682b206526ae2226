package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingest buffer metrics
	BufferedBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tsdbcore_ingest_buffered_bytes",
			Help: "Estimated bytes currently buffered by shard",
		},
		[]string{"shard"},
	)

	BufferedRows = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tsdbcore_ingest_buffered_rows",
			Help: "Rows currently buffered by shard",
		},
		[]string{"shard"},
	)

	IngestAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsdbcore_ingest_applied_total",
			Help: "Total write batches applied to the ingest buffer by shard and outcome",
		},
		[]string{"shard", "outcome"},
	)

	// Lifecycle manager metrics
	PersistDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tsdbcore_lifecycle_persist_duration_seconds",
			Help:    "Time taken to persist a partition buffer to a parquet-equivalent file",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"reason"},
	)

	PersistedFilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsdbcore_lifecycle_persisted_files_total",
			Help: "Total files produced by the lifecycle manager, by selection reason",
		},
		[]string{"reason"},
	)

	IngestPaused = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tsdbcore_lifecycle_ingest_paused",
			Help: "Whether ingest is currently paused for backpressure (1 = paused, 0 = accepting)",
		},
	)

	// Compactor metrics
	CompactionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tsdbcore_compact_duration_seconds",
			Help:    "Time taken to run a compaction plan",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"}, // "compact" or "split"
	)

	CompactionFilesProduced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsdbcore_compact_files_produced_total",
			Help: "Total output files produced by the compactor, by compaction level",
		},
		[]string{"level"},
	)

	TombstonesMaterialized = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tsdbcore_compact_tombstones_materialized_total",
			Help: "Total tombstone predicates applied and retired during compaction",
		},
	)

	CompactorConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tsdbcore_compact_conflicts_total",
			Help: "Total compactor-conflict outcomes observed by the querier during reconciliation",
		},
	)

	// Querier reconciliation metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tsdbcore_query_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tsdbcore_query_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	FilesExcludedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsdbcore_query_files_excluded_total",
			Help: "Total catalog files excluded from a reconciled chunk set, by reason",
		},
		[]string{"reason"},
	)

	// Collaborator I/O metrics
	CatalogRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tsdbcore_catalog_request_duration_seconds",
			Help:    "Catalog collaborator call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	ObjectStoreRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tsdbcore_objectstore_request_duration_seconds",
			Help:    "Object store collaborator call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	IngesterRPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tsdbcore_ingesterrpc_request_duration_seconds",
			Help:    "Ingester query RPC duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(BufferedBytes)
	prometheus.MustRegister(BufferedRows)
	prometheus.MustRegister(IngestAppliedTotal)
	prometheus.MustRegister(PersistDuration)
	prometheus.MustRegister(PersistedFilesTotal)
	prometheus.MustRegister(IngestPaused)
	prometheus.MustRegister(CompactionDuration)
	prometheus.MustRegister(CompactionFilesProduced)
	prometheus.MustRegister(TombstonesMaterialized)
	prometheus.MustRegister(CompactorConflictsTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(FilesExcludedTotal)
	prometheus.MustRegister(CatalogRequestDuration)
	prometheus.MustRegister(ObjectStoreRequestDuration)
	prometheus.MustRegister(IngesterRPCDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
