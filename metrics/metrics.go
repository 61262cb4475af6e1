package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SubmitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chimera_submits_total",
			Help: "Total number of alerts submitted to the engine",
		},
		[]string{"outcome"},
	)

	MergesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chimera_merges_total",
			Help: "Total number of committed duplicate merges",
		},
	)

	DuplicatesFound = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chimera_duplicates_found_total",
			Help: "Total number of duplicate resolutions that found an original",
		},
	)

	CorrelationQueries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chimera_correlation_queries_total",
			Help: "Total number of correlation queries served",
		},
	)

	CorrelationScores = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chimera_correlation_score",
			Help:    "Pairwise correlation scores computed against candidates",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	CandidateSetSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chimera_candidate_set_size",
			Help:    "Number of alerts returned by the candidate window query",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chimera_store_op_duration_seconds",
			Help:    "Alert store operation latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	NotifyFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chimera_notify_failures_total",
			Help: "Total number of failed event notifications",
		},
		[]string{"channel"},
	)

	AlertsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chimera_alerts_ingested_total",
			Help: "Total number of alerts accepted by the normalizer",
		},
		[]string{"source"},
	)

	IngestRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chimera_ingest_rejected_total",
			Help: "Total number of provider payloads rejected before submission",
		},
		[]string{"source", "reason"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chimera_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chimera_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache"},
	)

	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chimera_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"cache", "op"},
	)

	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chimera_websocket_clients",
			Help: "Number of connected websocket clients",
		},
	)

	SQLitePoolOpenConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chimera_sqlite_pool_open_connections",
			Help: "Open connections per SQLite pool",
		},
		[]string{"pool"},
	)

	SQLitePoolInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chimera_sqlite_pool_in_use",
			Help: "Connections currently in use per SQLite pool",
		},
		[]string{"pool"},
	)

	SQLitePoolIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chimera_sqlite_pool_idle",
			Help: "Idle connections per SQLite pool",
		},
		[]string{"pool"},
	)

	SQLitePoolWaitCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chimera_sqlite_pool_wait_total",
			Help: "Total times a caller waited for a SQLite pool connection",
		},
		[]string{"pool"},
	)
)
