// Package invalidation evicts stale cache entries. A sweep runs five
// independent strategies over the live entries of the cache store and
// audits every eviction with the strategy and reason that caused it.
package invalidation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/geoquota/pkg/cache"
	"github.com/Sternrassler/geoquota/pkg/signals"
)

// Strategy names an eviction cause.
type Strategy string

const (
	StrategyTraffic       Strategy = "traffic_based"
	StrategyTime          Strategy = "time_based"
	StrategyEvent         Strategy = "event_based"
	StrategyDependency    Strategy = "dependency_based"
	StrategyConfidence    Strategy = "confidence_based"
	StrategyManualAdmin   Strategy = "manual_admin"
	StrategyManualTraffic Strategy = "manual_traffic"
)

// Confidence strategy parameters.
const (
	ConfidenceThreshold = 0.7
	PredictionThreshold = 0.5
	confidenceBaseAge   = 86400
	confidenceMinFactor = 0.3
)

// EventWindow is how far back the event strategy looks.
const EventWindow = time.Hour

var (
	invalidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geoquota_invalidations_total",
		Help: "Evicted cache entries by strategy",
	}, []string{"strategy"})

	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "geoquota_invalidation_sweep_duration_seconds",
		Help:    "Duration of invalidation sweeps",
		Buckets: prometheus.DefBuckets,
	})
)

// EventSource lists recent business events.
type EventSource interface {
	RecentEvents(ctx context.Context, since time.Time) ([]signals.Event, error)
}

// Engine runs invalidation sweeps.
type Engine struct {
	cache      *cache.Manager
	log        *AuditLog
	events     EventSource
	classifier Classifier
	logger     zerolog.Logger
}

// NewEngine creates an engine. events may be nil, in which case the event
// strategy checks nothing.
func NewEngine(cacheManager *cache.Manager, redisClient *redis.Client, events EventSource, logger zerolog.Logger) *Engine {
	return &Engine{
		cache:      cacheManager,
		log:        NewAuditLog(redisClient),
		events:     events,
		classifier: HeuristicClassifier{},
		logger:     logger,
	}
}

// SetClassifier replaces the traffic classifier.
func (e *Engine) SetClassifier(c Classifier) {
	if c != nil {
		e.classifier = c
	}
}

// Classifier returns the traffic classifier in use.
func (e *Engine) Classifier() Classifier {
	return e.classifier
}

// Log returns the audit log.
func (e *Engine) Log() *AuditLog {
	return e.log
}

// sweep is the state shared by the strategies of one run.
type sweep struct {
	now     time.Time
	evicted map[string]bool
}

type strategyFunc func(ctx context.Context, s *sweep) StrategyResult

// Sweep runs all strategies once. Per-entry failures are logged and
// skipped; the sweep only fails when ctx is done.
//
// The dependency strategy runs last so that parents evicted by any other
// strategy in the same sweep already count as gone; results are reported
// in the fixed strategy order.
func (e *Engine) Sweep(ctx context.Context) (*Report, error) {
	start := time.Now()
	s := &sweep{now: e.cache.Now(), evicted: make(map[string]bool)}

	results := make(map[Strategy]StrategyResult)
	for _, step := range []struct {
		name Strategy
		fn   strategyFunc
	}{
		{StrategyTraffic, e.trafficBased},
		{StrategyTime, e.timeBased},
		{StrategyEvent, e.eventBased},
		{StrategyConfidence, e.confidenceBased},
		{StrategyDependency, e.dependencyBased},
	} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := step.fn(ctx, s)
		res.Strategy = step.name
		results[step.name] = res
	}

	report := &Report{StartedAt: s.now}
	for _, name := range []Strategy{StrategyTraffic, StrategyTime, StrategyEvent, StrategyDependency, StrategyConfidence} {
		report.add(results[name])
	}
	report.Impact = estimateImpact(report.Invalidated)
	report.Recommendations = recommend(report)
	report.Duration = time.Since(start)

	sweepDuration.Observe(report.Duration.Seconds())
	e.logger.Info().
		Int("checked", report.TotalChecked).
		Int("invalidated", report.Invalidated).
		Dur("duration", report.Duration).
		Msg("Invalidation sweep completed")

	return report, nil
}

func (e *Engine) scan(ctx context.Context, strategy Strategy, types ...cache.Type) []*cache.Entry {
	entries, err := e.cache.Scan(ctx, cache.Filter{Types: types, LiveOnly: true})
	if err != nil {
		e.logger.Warn().Err(err).Str("strategy", string(strategy)).Msg("Failed to scan cache")
		return nil
	}
	return entries
}

// evict deletes key and audits the eviction. It reports whether the entry
// was evicted by this call.
func (e *Engine) evict(ctx context.Context, s *sweep, key string, strategy Strategy, reason string) bool {
	if s != nil && s.evicted[key] {
		return false
	}
	if err := e.cache.Delete(ctx, key); err != nil {
		e.logger.Warn().
			Err(err).
			Str("cache_key", key).
			Str("strategy", string(strategy)).
			Msg("Failed to evict cache entry")
		return false
	}

	now := e.cache.Now()
	if s != nil {
		s.evicted[key] = true
		now = s.now
	}
	if err := e.log.Append(ctx, Record{CacheKey: key, Strategy: strategy, Reason: reason, InvalidatedAt: now}); err != nil {
		e.logger.Warn().Err(err).Str("cache_key", key).Msg("Failed to audit eviction")
	}

	invalidationsTotal.WithLabelValues(string(strategy)).Inc()
	e.logger.Debug().
		Str("cache_key", key).
		Str("strategy", string(strategy)).
		Str("reason", reason).
		Msg("Cache entry invalidated")
	return true
}

func (e *Engine) trafficBased(ctx context.Context, s *sweep) StrategyResult {
	var res StrategyResult
	cond := e.classifier.Classify(s.now)
	maxAge := MaxAgeFor(cond.Severity)

	for _, entry := range e.scan(ctx, StrategyTraffic, cache.TypeRoute, cache.TypeTraffic, cache.TypeMatrix) {
		if !entry.Metadata.WithTraffic || s.evicted[entry.Key] {
			continue
		}
		res.Checked++

		var reason string
		if entry.InAreas(cond.AffectedAreas) {
			reason = "route in congested area"
		}
		if severityChanged(entry.Metadata.TrafficSeverity, cond.Severity) {
			reason = fmt.Sprintf("traffic severity changed: %s -> %s", severityLabel(entry.Metadata.TrafficSeverity), cond.Severity)
		}
		if age := entry.Age(s.now); age > maxAge {
			reason = fmt.Sprintf("too old for current traffic (%ds > %ds)", int(age.Seconds()), int(maxAge.Seconds()))
		}

		if reason != "" && e.evict(ctx, s, entry.Key, StrategyTraffic, reason) {
			res.record(reason)
		}
	}
	return res
}

func severityLabel(s cache.Severity) string {
	if s == "" {
		return "unknown"
	}
	return string(s)
}

func (e *Engine) timeBased(ctx context.Context, s *sweep) StrategyResult {
	var res StrategyResult
	rush := cache.IsRushHour(s.now.Hour())
	workday := cache.IsWorkday(s.now.Weekday())

	for _, entry := range e.scan(ctx, StrategyTime, cache.TypeRoute, cache.TypeTraffic, cache.TypeMatrix) {
		if !(entry.Metadata.TimeSensitive || entry.Metadata.WithTraffic) || s.evicted[entry.Key] {
			continue
		}
		res.Checked++

		var reason string
		if wasRush := cache.IsRushHour(entry.Metadata.CreatedHour); wasRush != rush {
			if rush {
				reason = "rush hour started"
			} else {
				reason = "rush hour ended"
			}
		}
		if wasWorkday := cache.IsWorkday(entry.Metadata.CreatedWeekday); wasWorkday != workday {
			if workday {
				reason = "workday started"
			} else {
				reason = "weekend started"
			}
		}
		if entry.Age(s.now) > TimeBasedTTL(entry.Type, rush, workday) {
			reason = "TTL for current time conditions exceeded"
		}

		if reason != "" && e.evict(ctx, s, entry.Key, StrategyTime, reason) {
			res.record(reason)
		}
	}
	return res
}

func (e *Engine) eventBased(ctx context.Context, s *sweep) StrategyResult {
	var res StrategyResult
	if e.events == nil {
		return res
	}

	events, err := e.events.RecentEvents(ctx, s.now.Add(-EventWindow))
	if err != nil {
		e.logger.Warn().Err(err).Str("strategy", string(StrategyEvent)).Msg("Failed to read recent events")
		return res
	}

	for _, ev := range events {
		var affected []*cache.Entry
		switch ev.Type {
		case signals.EventPlaylistUpdated:
			if ev.PlaylistID != 0 {
				affected = e.byTag(ctx, cache.PlaylistTag(ev.PlaylistID))
			}
		case signals.EventRouteChanged:
			if ev.RouteID != 0 {
				affected = e.byTag(ctx, cache.RouteTag(ev.RouteID))
			}
		case signals.EventStopsModified:
			affected = e.scan(ctx, StrategyEvent, cache.TypeRoute, cache.TypeMatrix)
		}

		reason := "event " + ev.Type
		if ev.Description != "" {
			reason += ": " + ev.Description
		}
		for _, entry := range affected {
			// Entries written after the event already reflect it.
			if entry.CreatedAt.After(ev.CreatedAt) || s.evicted[entry.Key] {
				continue
			}
			res.Checked++
			if e.evict(ctx, s, entry.Key, StrategyEvent, reason) {
				res.record(reason)
			}
		}
	}
	return res
}

func (e *Engine) byTag(ctx context.Context, tag string) []*cache.Entry {
	entries, err := e.cache.ByTag(ctx, tag)
	if err != nil {
		e.logger.Warn().Err(err).Str("tag", tag).Msg("Failed to read tagged entries")
		return nil
	}
	return entries
}

// dependencyBased checks one hop only: a child is evicted when one of its
// parents is not live right now.
func (e *Engine) dependencyBased(ctx context.Context, s *sweep) StrategyResult {
	var res StrategyResult
	live := make(map[string]bool)

	isLive := func(key string) (bool, error) {
		if s.evicted[key] {
			return false, nil
		}
		if v, ok := live[key]; ok {
			return v, nil
		}
		v, err := e.cache.IsLive(ctx, key)
		if err != nil {
			return false, err
		}
		live[key] = v
		return v, nil
	}

	for _, entry := range e.scan(ctx, StrategyDependency) {
		if len(entry.ParentKeys) == 0 || s.evicted[entry.Key] {
			continue
		}
		res.Checked++

		var missing []string
		var lookupErr error
		for _, parent := range entry.ParentKeys {
			ok, err := isLive(parent)
			if err != nil {
				lookupErr = err
				break
			}
			if !ok {
				missing = append(missing, parent)
			}
		}
		if lookupErr != nil {
			e.logger.Warn().Err(lookupErr).Str("cache_key", entry.Key).Msg("Failed to check parent entries")
			continue
		}
		if len(missing) == 0 {
			continue
		}

		reason := "parent invalidated: " + strings.Join(missing, ", ")
		if e.evict(ctx, s, entry.Key, StrategyDependency, reason) {
			res.record(reason)
		}
	}
	return res
}

// ConfidenceMaxAge returns the maximum age of a geocoding entry with the
// given confidence and prediction score.
func ConfidenceMaxAge(confidence, prediction float64) time.Duration {
	factor := min(confidence, prediction)
	if factor < confidenceMinFactor {
		factor = confidenceMinFactor
	}
	return time.Duration(math.Round(confidenceBaseAge*factor*1000)) * time.Millisecond
}

func (e *Engine) confidenceBased(ctx context.Context, s *sweep) StrategyResult {
	var res StrategyResult

	for _, entry := range e.scan(ctx, StrategyConfidence, cache.TypeGeocoding) {
		meta := entry.Metadata
		if !(meta.Confidence < ConfidenceThreshold || meta.PredictionScore < PredictionThreshold) || s.evicted[entry.Key] {
			continue
		}
		res.Checked++

		age := entry.Age(s.now)
		if age <= ConfidenceMaxAge(meta.Confidence, meta.PredictionScore) {
			continue
		}
		reason := fmt.Sprintf("low confidence (%.2f), evicted after %ds", meta.Confidence, int(age.Seconds()))
		if e.evict(ctx, s, entry.Key, StrategyConfidence, reason) {
			res.record(reason)
		}
	}
	return res
}

// InvalidateByPlaylist evicts every entry tagged with the playlist and
// returns the number of evicted entries.
func (e *Engine) InvalidateByPlaylist(ctx context.Context, playlistID int64) (int, error) {
	entries, err := e.cache.ByTag(ctx, cache.PlaylistTag(playlistID))
	if err != nil {
		return 0, err
	}

	reason := fmt.Sprintf("manual invalidation of playlist %d", playlistID)
	n := 0
	for _, entry := range entries {
		if e.evict(ctx, nil, entry.Key, StrategyManualAdmin, reason) {
			n++
		}
	}
	return n, nil
}

// InvalidateTraffic evicts traffic dependent route, traffic and matrix
// entries, restricted to areas when given.
func (e *Engine) InvalidateTraffic(ctx context.Context, areas []string) (int, error) {
	entries, err := e.cache.Scan(ctx, cache.Filter{Types: []cache.Type{cache.TypeRoute, cache.TypeTraffic, cache.TypeMatrix}})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, entry := range entries {
		if !entry.Metadata.WithTraffic {
			continue
		}
		if len(areas) > 0 && !entry.InAreas(areas) {
			continue
		}
		if e.evict(ctx, nil, entry.Key, StrategyManualTraffic, "manual traffic invalidation") {
			n++
		}
	}
	return n, nil
}

// Stats summarises the evictions of the last window.
func (e *Engine) Stats(ctx context.Context, window time.Duration) (Stats, error) {
	if window <= 0 {
		return Stats{}, errors.New("window must be positive")
	}
	records, err := e.log.Since(ctx, e.cache.Now().Add(-window))
	if err != nil {
		return Stats{}, err
	}
	return summarize(records, window), nil
}
