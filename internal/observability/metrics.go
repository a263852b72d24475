package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// namespace defines the global prefix for all metrics (e.g., segmenta_...).
const namespace = "segmenta"

// evalBuckets gives sub-millisecond resolution for single rule evaluations,
// which are in-memory tree walks rather than I/O bound work.
var evalBuckets = []float64{.0001, .00025, .0005, .001, .0025, .005, .010, .025, .050, .100}

var (
	// -------------------------------------------------------------------------
	// CONTROL API (HTTP)
	// -------------------------------------------------------------------------

	// APIReqDuration measures the latency of HTTP requests.
	// Metric: segmenta_api_http_handling_seconds
	APIReqDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "http_handling_seconds",
		Help:      "Time taken to handle HTTP requests",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	// APIReqTotal counts the total number of HTTP requests.
	// Metric: segmenta_api_http_requests_total
	APIReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests",
	}, []string{"method", "path", "code"})

	// -------------------------------------------------------------------------
	// RULE ENGINE
	// -------------------------------------------------------------------------

	// EvalDuration measures the latency of a single worker evaluation
	// against a rule tree.
	// Metric: segmenta_rules_evaluation_seconds
	EvalDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "rules",
		Name:      "evaluation_seconds",
		Help:      "Time taken to evaluate one worker against a rule tree",
		Buckets:   evalBuckets,
	})

	// --- L1 rule cache (Otter) ---

	RuleCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rules",
		Name:      "l1_cache_hits_total",
		Help:      "Total L1 decoded-rule cache hits (in-memory)",
	})

	RuleCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rules",
		Name:      "l1_cache_misses_total",
		Help:      "Total L1 decoded-rule cache misses",
	})

	// -------------------------------------------------------------------------
	// SYNCER
	// -------------------------------------------------------------------------

	// SyncDuration measures the end-to-end latency of a membership sync,
	// from lease acquisition to terminal status.
	// Metric: segmenta_syncer_sync_duration_seconds
	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "syncer",
		Name:      "sync_duration_seconds",
		Help:      "End-to-end latency of a segment membership sync",
		Buckets:   prometheus.DefBuckets,
	})

	SyncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "syncer",
		Name:      "syncs_total",
		Help:      "Total membership syncs executed",
	}, []string{"status"}) // completed, failed, skipped

	SyncWorkersEvaluated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "syncer",
		Name:      "workers_evaluated_total",
		Help:      "Total workers evaluated across all syncs",
	})

	SyncMembershipChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "syncer",
		Name:      "membership_changes_total",
		Help:      "Total membership rows added or removed by syncs",
	}, []string{"op"}) // added, removed
)
