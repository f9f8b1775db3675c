package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ip_tracker"

var (
	// RequestsGated counts gate outcomes: logged, blocked, anonymous, error.
	RequestsGated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_gated_total",
		Help:      "Requests seen by the request gate, by outcome.",
	}, []string{"outcome"})

	// GeoLookups counts external geolocation calls.
	GeoLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "geo_lookups_total",
		Help:      "External geolocation lookups by provider and result.",
	}, []string{"provider", "result"})

	// GeoLookupDuration records provider latency.
	GeoLookupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "geo_lookup_duration_seconds",
		Help:      "Geolocation provider latency in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
	}, []string{"provider"})

	// GeoCacheResults counts cache hits and misses.
	GeoCacheResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "geo_cache_total",
		Help:      "Geolocation cache lookups by result (hit, miss).",
	}, []string{"result"})

	// StoreErrors counts failed store operations on the required-state paths.
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_errors_total",
		Help:      "Store operations that failed, by operation.",
	}, []string{"op"})

	// DetectorRuns counts anomaly detector passes.
	DetectorRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "detector_runs_total",
		Help:      "Anomaly detector passes by status.",
	}, []string{"trigger", "status"})

	// DetectorFlags counts suspicious-address upserts per rule.
	DetectorFlags = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "detector_flags_total",
		Help:      "Suspicious-address upserts by rule.",
	}, []string{"rule"})

	// DetectorDuration records pass duration.
	DetectorDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "detector_duration_seconds",
		Help:      "Anomaly detector pass duration in seconds.",
		Buckets:   []float64{0.01, 0.1, 0.5, 1.0, 5.0, 15.0, 60.0},
	}, []string{"trigger"})

	// RateLimitRejections counts requests refused on the sensitive endpoint.
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimit_rejections_total",
		Help:      "Requests rejected by the sensitive-endpoint rate limiter.",
	}, []string{"group"})

	// DenylistSize tracks the number of blocked addresses.
	DenylistSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "denylist_size",
		Help:      "Blocked addresses in the store.",
	})

	// DBSizeBytes tracks the on-disk (or server-reported) database size.
	DBSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_size_bytes",
		Help:      "Database size in bytes.",
	})

	// RequestLogsPruned counts entries removed by the retention janitor.
	RequestLogsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "request_logs_pruned_total",
		Help:      "Request log entries removed by retention.",
	})

	// DecisionsFiltered counts CrowdSec decisions rejected per filter stage.
	DecisionsFiltered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decisions_filtered_total",
		Help:      "CrowdSec decisions rejected per filter stage.",
	}, []string{"stage", "reason"})

	// JobsEnqueued counts denylist jobs placed into the worker channel.
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_enqueued_total",
		Help:      "Denylist jobs placed into worker channel.",
	}, []string{"action"})

	// JobsDropped counts jobs discarded without touching the store.
	JobsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_dropped_total",
		Help:      "Denylist jobs discarded.",
	}, []string{"reason"})

	// JobsProcessed counts worker completions.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_processed_total",
		Help:      "Worker job completions.",
	}, []string{"action", "status"})

	// WorkerQueueDepth tracks current job channel length.
	WorkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_queue_depth",
		Help:      "Current job channel buffer depth.",
	})
)
