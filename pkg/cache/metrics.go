package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by entry type
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoquota_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"type"},
	)

	// CacheMisses tracks cache misses by entry type ("unknown" when the key
	// does not exist)
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoquota_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"type"},
	)

	// CacheWrites tracks stored entries by type and source
	CacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoquota_cache_writes_total",
			Help: "Total number of cache writes",
		},
		[]string{"type", "source"}, // "provider", "warming"
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geoquota_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete", "scan", "hit"
	)
)
