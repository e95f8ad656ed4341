// Package metrics exposes the Prometheus registry of the engine.
// All metrics are defined in their respective packages via promauto to
// keep the packages independent; this package serves them and documents
// them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer all geoquota metrics are registered with.
var Registry = prometheus.DefaultRegisterer

// Handler serves the metrics of the default gatherer.
func Handler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Provider Metrics (pkg/provider):
//   - geoquota_provider_requests_total{provider, endpoint, status} (Counter)
//   - geoquota_provider_request_duration_seconds{provider} (Histogram)
//   - geoquota_provider_errors_total{provider, class} (Counter)
//
// Usage and Quota Metrics (pkg/usage, pkg/ratelimit):
//   - geoquota_usage_records_total{provider, outcome} (Counter)
//   - geoquota_quota_decisions_total{provider, outcome} (Counter): allowed or the block reason
//   - geoquota_quota_daily_usage_ratio{provider} (Gauge)
//   - geoquota_quota_warnings_total{provider, level} (Counter): de-duplicated warnings
//
// Cache Metrics (pkg/cache):
//   - geoquota_cache_hits_total{type} (Counter)
//   - geoquota_cache_misses_total{type} (Counter)
//   - geoquota_cache_writes_total{type, source} (Counter)
//   - geoquota_cache_errors_total{operation} (Counter)
//
// Engine Metrics (pkg/invalidation, pkg/warming, pkg/fallback):
//   - geoquota_invalidations_total{strategy} (Counter)
//   - geoquota_invalidation_sweep_duration_seconds (Histogram)
//   - geoquota_warming_total{strategy, outcome} (Counter)
//   - geoquota_fallbacks_total{type} (Counter)
//
// Governed Request Metrics (pkg/client):
//   - geoquota_requests_total{operation, result} (Counter): cache_hit, provider, blocked, error, no_result
//   - geoquota_request_duration_seconds{operation} (Histogram)
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(geoquota_cache_hits_total[5m])) /
//   (sum(rate(geoquota_cache_hits_total[5m])) + sum(rate(geoquota_cache_misses_total[5m])))
//
//   # Providers close to their daily limit
//   geoquota_quota_daily_usage_ratio > 0.9
//
//   # Blocked calls per provider
//   sum by (provider) (rate(geoquota_quota_decisions_total{outcome!="allowed"}[5m]))
//
//   # Fallback share of governed requests
//   sum(rate(geoquota_fallbacks_total[5m])) / sum(rate(geoquota_requests_total[5m]))
