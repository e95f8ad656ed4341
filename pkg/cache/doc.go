// Package cache provides the shared result cache for provider calls.
//
// Entries carry typed metadata (confidence, prediction score, traffic
// context, dependency tags and parent keys) that the invalidation and
// warming engines use to decide what to evict and what to recompute.
//
// # Basic Usage
//
//	manager := cache.NewManager(redisClient, logger)
//
//	key := cache.GeocodeKey("Alexanderplatz 1, Berlin")
//	entry, err := manager.GetTyped(ctx, key, cache.TypeGeocoding)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// call the provider, then
//		_, err = manager.Put(ctx, key, cache.TypeGeocoding, location, cache.Metadata{
//			Confidence: location.Confidence,
//			Address:    geo.NormalizeAddress(address),
//		})
//	}
//
// # Expiry
//
// Lookups honour ExpiresAt exactly. Redis keeps an expired entry for another
// ExpiredRetention so that warming strategies can still find it.
//
// # Metrics
//
//   - geoquota_cache_hits_total{type}
//   - geoquota_cache_misses_total{type}
//   - geoquota_cache_writes_total{type,source}
//   - geoquota_cache_errors_total{operation}
package cache
