package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	BatchesConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batches_consumed_total",
			Help: "Total number of batches consumed from the broker",
		},
		[]string{"stage"},
	)
	BatchesPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batches_published_total",
			Help: "Total number of batches published downstream",
		},
		[]string{"stage", "output"},
	)
	BatchProcessDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batch_process_duration_seconds",
			Help:    "Batch processing duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
		[]string{"stage"},
	)
	DedupHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedup_hits_total",
			Help: "Total number of redelivered messages skipped by dedup",
		},
		[]string{"stage"},
	)
	SessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Number of sessions currently held in memory",
		},
		[]string{"stage"},
	)
	SessionsFlushedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessions_flushed_total",
			Help: "Total number of sessions flushed",
		},
		[]string{"stage"},
	)
	WALAppendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wal_appends_total",
			Help: "Total number of operations appended to the WAL",
		},
		[]string{"stage"},
	)
	SnapshotCompactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapshot_compactions_total",
			Help: "Total number of snapshot compactions",
		},
		[]string{"stage"},
	)
	ElectionsRunTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "elections_run_total",
			Help: "Total number of Bully elections started by this replica",
		},
	)
	RevivalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revivals_total",
			Help: "Total number of container revivals attempted",
		},
		[]string{"outcome"},
	)
	ResultsForwardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "results_forwarded_total",
			Help: "Total number of query results forwarded to the client",
		},
		[]string{"query"},
	)
)

var registered bool

// InitMetrics registers all metrics with the default registry. Safe to call
// once per process.
func InitMetrics() {
	if registered {
		return
	}
	registered = true
	prometheus.MustRegister(
		BatchesConsumedTotal,
		BatchesPublishedTotal,
		BatchProcessDuration,
		DedupHitsTotal,
		SessionsActive,
		SessionsFlushedTotal,
		WALAppendsTotal,
		SnapshotCompactionsTotal,
		ElectionsRunTotal,
		RevivalsTotal,
		ResultsForwardedTotal,
	)
}
