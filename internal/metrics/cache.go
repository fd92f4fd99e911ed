// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	// CacheRequestsTotal counts artifact cache lookups by stage and outcome.
	CacheRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wishreel_cache_requests_total",
		Help: "Total cache lookups, by stage and outcome (hit|miss|bypass|error).",
	}, []string{"stage", "outcome"})

	// CacheEvictionsTotal counts entries removed from the cache by reason.
	CacheEvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wishreel_cache_evictions_total",
		Help: "Total cache evictions, by reason (ttl|budget|invalidate).",
	}, []string{"reason"})

	// CacheSizeBytes tracks the current byte footprint of the memory cache.
	CacheSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wishreel_cache_size_bytes",
		Help: "Current cache size in bytes.",
	})

	// CacheEntries tracks the current entry count of the memory cache.
	CacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wishreel_cache_entries",
		Help: "Current number of cache entries.",
	})

	// ArtifactStoreBytes tracks the byte footprint of the on-disk artifact store.
	ArtifactStoreBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wishreel_artifact_store_bytes",
		Help: "Current size of the content-addressed artifact store in bytes.",
	})

	// ArtifactGCTotal counts artifact garbage-collection sweeps by outcome.
	ArtifactGCTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wishreel_artifact_gc_total",
		Help: "Total artifact GC sweep results, by outcome (removed|kept|error).",
	}, []string{"outcome"})
)

// RecordCacheRequest increments the cache lookup counter.
func RecordCacheRequest(stage, outcome string) {
	CacheRequestsTotal.WithLabelValues(stage, outcome).Inc()
}

// RecordCacheEviction increments the eviction counter.
func RecordCacheEviction(reason string) {
	CacheEvictionsTotal.WithLabelValues(reason).Inc()
}

// SetCacheSize updates the cache footprint gauges.
func SetCacheSize(bytes int64, entries int) {
	CacheSizeBytes.Set(float64(bytes))
	CacheEntries.Set(float64(entries))
}

// SetArtifactStoreBytes updates the artifact store size gauge.
func SetArtifactStoreBytes(bytes int64) {
	ArtifactStoreBytes.Set(float64(bytes))
}

// RecordArtifactGC increments the GC sweep counter.
func RecordArtifactGC(outcome string) {
	ArtifactGCTotal.WithLabelValues(outcome).Inc()
}

// GetCacheSizeBytes returns the current gauge value (for testing).
func GetCacheSizeBytes() float64 {
	var m dto.Metric
	if err := CacheSizeBytes.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
