package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Analysis engine metrics. All collectors are registered on the default
// registry and exposed by the API's /metrics endpoint.
var (
	JobsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imagetrace_jobs_started_total",
		Help: "Analysis jobs created.",
	})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imagetrace_jobs_finished_total",
		Help: "Analysis jobs by terminal status.",
	}, []string{"status"})

	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "imagetrace_job_duration_seconds",
		Help:    "Wall time of analysis jobs from start of processing to terminal state.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	PairsCompared = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imagetrace_pairs_compared_total",
		Help: "Pairwise comparisons executed, including fingerprint-only pairs.",
	})

	ImagesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imagetrace_images_skipped_total",
		Help: "Images dropped from a job because their pixels could not be decoded.",
	})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imagetrace_feature_cache_lookups_total",
		Help: "Feature and fingerprint cache lookups by outcome.",
	}, []string{"kind", "outcome"})
)

// CacheHit records a cache hit for the given entry kind.
func CacheHit(kind string) {
	CacheLookups.WithLabelValues(kind, "hit").Inc()
}

// CacheMiss records a cache miss for the given entry kind.
func CacheMiss(kind string) {
	CacheLookups.WithLabelValues(kind, "miss").Inc()
}
