// Package client is the governed entry point of the engine. It wires the
// usage ledger, quota guard, cache store, fallback, invalidation and
// warming engines around the provider adapters and exposes the narrow
// contracts callers use: check, record, cache get/set and fallback, plus
// read-through Geocode and Route calls.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/Sternrassler/geoquota/pkg/cache"
	"github.com/Sternrassler/geoquota/pkg/fallback"
	"github.com/Sternrassler/geoquota/pkg/geo"
	"github.com/Sternrassler/geoquota/pkg/invalidation"
	"github.com/Sternrassler/geoquota/pkg/provider"
	"github.com/Sternrassler/geoquota/pkg/ratelimit"
	"github.com/Sternrassler/geoquota/pkg/signals"
	"github.com/Sternrassler/geoquota/pkg/usage"
	"github.com/Sternrassler/geoquota/pkg/warming"
)

// Prometheus metrics for governed calls.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geoquota_requests_total",
		Help: "Governed requests by operation and result",
	}, []string{"operation", "result"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "geoquota_request_duration_seconds",
		Help:    "Governed request duration in seconds by operation",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"operation"})
)

// Client is the governed geocoding and routing client.
type Client struct {
	redis        *redis.Client
	adapter      provider.Adapter
	ledger       *usage.Ledger
	guard        *ratelimit.Guard
	cache        *cache.Manager
	fallback     *fallback.Engine
	queue        *warming.Queue
	warming      *warming.Engine
	invalidation *invalidation.Engine
	group        singleflight.Group
	config       Config
	logger       zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// Redis client for usage, cache and queue state
	Redis *redis.Client

	// User-Agent header sent to providers
	UserAgent string

	// Provider connection data; providers without an endpoint fail every call
	Endpoints map[provider.Provider]provider.Endpoint

	// Limits override the defaults per provider
	Limits map[provider.Provider]provider.Limits

	// Providers used for the read-through calls
	GeocodeProvider provider.Provider
	RouteProvider   provider.Provider

	// SecondaryRouter enables the router provider as routing fallback. It
	// needs a router endpoint with an API key.
	SecondaryRouter bool

	// AlertCooldown is the warning de-duplication window
	AlertCooldown time.Duration

	// Location is the time zone of usage periods and time based strategies
	Location *time.Location

	// Signals provides business events and usage patterns; optional
	Signals *signals.Store

	// Warming overrides
	WarmingEligibility map[warming.Strategy]warming.Window
	WarmingDelays      map[warming.Strategy]time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig(redis *redis.Client, userAgent string) Config {
	return Config{
		Redis:           redis,
		UserAgent:       userAgent,
		GeocodeProvider: provider.Geocoder,
		RouteProvider:   provider.Maps,
		AlertCooldown:   ratelimit.DefaultCooldown,
		Location:        time.Local,
	}
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.Redis == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.GeocodeProvider == "" {
		cfg.GeocodeProvider = provider.Geocoder
	}
	if cfg.RouteProvider == "" {
		cfg.RouteProvider = provider.Maps
	}
	for _, p := range []provider.Provider{cfg.GeocodeProvider, cfg.RouteProvider} {
		if _, err := provider.Parse(string(p)); err != nil {
			return nil, err
		}
	}
	if cfg.RouteProvider == provider.Geocoder {
		return nil, fmt.Errorf("provider %s cannot compute routes", cfg.RouteProvider)
	}
	if cfg.SecondaryRouter {
		ep := cfg.Endpoints[provider.Router]
		if ep.BaseURL == "" || ep.APIKey == "" {
			return nil, fmt.Errorf("secondary router requires a router endpoint with api key")
		}
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	logger := log.With().Str("component", "geoquota").Logger()

	c := &Client{
		redis:   cfg.Redis,
		adapter: provider.NewHTTPAdapter(cfg.Endpoints, cfg.UserAgent, logger),
		config:  cfg,
		logger:  logger,
	}

	c.ledger = usage.NewLedger(cfg.Redis, logger)
	c.ledger.SetLocation(cfg.Location)

	c.guard = ratelimit.NewGuard(cfg.Redis, c.ledger, cfg.Limits, logger)
	if cfg.AlertCooldown > 0 {
		c.guard.SetCooldown(cfg.AlertCooldown)
	}

	c.cache = cache.NewManager(cfg.Redis, logger)
	c.queue = warming.NewQueue(cfg.Redis)

	var router fallback.RouteProvider
	if cfg.SecondaryRouter {
		router = secondaryRouter{c}
	}
	c.fallback = fallback.NewEngine(c.cache, router, logger)

	// A nil *signals.Store must not end up in a non-nil interface.
	var events invalidation.EventSource
	var patterns warming.PatternSource
	if cfg.Signals != nil {
		events = cfg.Signals
		patterns = cfg.Signals
	}

	c.invalidation = invalidation.NewEngine(c.cache, cfg.Redis, events, logger)
	c.warming = warming.NewEngine(c.queue, c.cache, c, patterns, logger)
	if cfg.WarmingEligibility != nil {
		c.warming.SetEligibility(cfg.WarmingEligibility)
	}
	if cfg.WarmingDelays != nil {
		c.warming.SetDelays(cfg.WarmingDelays)
	}

	c.SetClock(time.Now)
	return c, nil
}

// SetClock replaces the time source of every component. Times are
// converted to the configured location.
func (c *Client) SetClock(now func() time.Time) {
	loc := c.config.Location
	local := func() time.Time { return now().In(loc) }
	c.ledger.SetClock(local)
	c.cache.SetClock(local)
	c.queue.SetClock(local)
}

// SetAdapter replaces the provider adapter (for testing).
func (c *Client) SetAdapter(a provider.Adapter) {
	c.adapter = a
}

// CheckAllowed asks the quota guard whether p may be called now.
func (c *Client) CheckAllowed(ctx context.Context, p provider.Provider) (ratelimit.Decision, error) {
	return c.guard.CheckAllowed(ctx, p)
}

// RecordCall reports the outcome of a provider call made by the caller.
func (c *Client) RecordCall(ctx context.Context, p provider.Provider, endpoint string, success bool, responseTime time.Duration) error {
	return c.guard.RecordCall(ctx, p, endpoint, success, responseTime)
}

// CacheGet returns the live entry of type t under key, or cache.ErrCacheMiss.
func (c *Client) CacheGet(ctx context.Context, key string, t cache.Type) (*cache.Entry, error) {
	return c.cache.GetTyped(ctx, key, t)
}

// CacheSet stores value under key with the default TTL policy.
func (c *Client) CacheSet(ctx context.Context, key string, value any, t cache.Type, meta cache.Metadata) (*cache.Entry, error) {
	return c.cache.Put(ctx, key, t, value, meta)
}

// Geocode resolves address through the cache and the geocoding provider.
// A blocked call returns a *ratelimit.QuotaError; callers go to Fallback.
func (c *Client) Geocode(ctx context.Context, address string) (*geo.Location, error) {
	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("geocode").Observe(time.Since(start).Seconds())
	}()

	target := warming.GeocodeTarget(address)
	entry, err := c.readThrough(ctx, "geocode", target)
	if err != nil {
		return nil, err
	}

	var loc geo.Location
	if err := json.Unmarshal(entry.Value, &loc); err != nil {
		return nil, fmt.Errorf("decode location: %w", err)
	}
	return &loc, nil
}

// Route computes a route through the cache and the routing provider.
// A blocked call returns a *ratelimit.QuotaError; callers go to Fallback.
func (c *Client) Route(ctx context.Context, waypoints []geo.Point, opts geo.RouteOptions) (*geo.Route, error) {
	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("route").Observe(time.Since(start).Seconds())
	}()

	entry, err := c.readThrough(ctx, "route", warming.RouteTarget(waypoints, opts))
	if err != nil {
		return nil, err
	}

	var route geo.Route
	if err := json.Unmarshal(entry.Value, &route); err != nil {
		return nil, fmt.Errorf("decode route: %w", err)
	}
	return &route, nil
}

func (c *Client) readThrough(ctx context.Context, operation string, target warming.Target) (*cache.Entry, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}

	key := target.CacheKey()
	entry, err := c.cache.GetTyped(ctx, key, target.Type)
	if err == nil {
		requestsTotal.WithLabelValues(operation, "cache_hit").Inc()
		return entry, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		c.logger.Warn().Err(err).Str("cache_key", key).Msg("Cache get error")
	}

	entry, err = c.fetch(ctx, target, cache.SourceProvider)
	switch {
	case errors.Is(err, ratelimit.ErrQuotaExceeded):
		requestsTotal.WithLabelValues(operation, "blocked").Inc()
		return nil, err
	case err != nil:
		requestsTotal.WithLabelValues(operation, "error").Inc()
		return nil, err
	case entry == nil:
		requestsTotal.WithLabelValues(operation, "no_result").Inc()
		return nil, provider.ErrNoResult
	}
	requestsTotal.WithLabelValues(operation, "provider").Inc()
	return entry, nil
}

// Load implements warming.Loader.
func (c *Client) Load(ctx context.Context, target warming.Target) (*cache.Entry, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	return c.fetch(ctx, target, cache.SourceWarming)
}

// fetch collapses concurrent computations of the same cache key. The
// shared call does not inherit the cancellation of the caller that started
// it; the adapter timeout bounds it. A cancelled caller stops waiting.
func (c *Client) fetch(ctx context.Context, target warming.Target, source cache.Source) (*cache.Entry, error) {
	p := c.config.RouteProvider
	if target.Type == cache.TypeGeocoding {
		p = c.config.GeocodeProvider
	}

	callCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(target.CacheKey(), func() (any, error) {
		return c.call(callCtx, p, target, source)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.logger.Debug().Str("cache_key", target.CacheKey()).Msg("Shared in-flight provider call")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		entry, _ := res.Val.(*cache.Entry)
		return entry, nil
	}
}

// call performs one governed provider call: check the guard, call the
// provider, record the outcome, then cache the parsed result. A nil entry
// without error means the provider had no result.
func (c *Client) call(ctx context.Context, p provider.Provider, target warming.Target, source cache.Source) (*cache.Entry, error) {
	decision, err := c.guard.CheckAllowed(ctx, p)
	if err != nil {
		return nil, err
	}
	if decision.Blocked() {
		return nil, &ratelimit.QuotaError{Decision: decision}
	}

	var call provider.Call
	if target.Type == cache.TypeGeocoding {
		call, err = provider.GeocodeCall(p, target.Address)
	} else {
		call, err = provider.RouteCall(p, target.Waypoints, target.RequestOptions())
	}
	if err != nil {
		return nil, err
	}

	resp := c.adapter.Do(ctx, call)
	if err := c.guard.RecordCall(ctx, p, call.Endpoint, resp.Success, resp.ResponseTime); err != nil {
		c.logger.Warn().Err(err).Str("provider", string(p)).Msg("Failed to record provider call")
	}
	if !resp.Success {
		return nil, resp.Err
	}

	var value any
	meta := cache.Metadata{Source: source, Request: target.Encode(), Confidence: 1}
	if target.Type == cache.TypeGeocoding {
		loc, err := provider.ParseGeocode(p, resp.Payload)
		if errors.Is(err, provider.ErrNoResult) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		value = loc
		meta.Confidence = loc.Confidence
		meta.Address = geo.NormalizeAddress(target.Address)
	} else {
		route, err := provider.ParseRoute(p, resp.Payload)
		if errors.Is(err, provider.ErrNoResult) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		opts := target.RequestOptions()
		value = route
		meta.WithTraffic = opts.WithTraffic
		meta.TimeSensitive = opts.WithTraffic || opts.DepartureTime != ""
		meta.PreferredDepartureTime = c.departurePattern(opts.DepartureTime)
		if meta.PreferredDepartureTime == "" {
			meta.PreferredDepartureTime = target.Pattern
		}
		if meta.WithTraffic {
			meta.TrafficSeverity = c.invalidation.Classifier().Classify(c.cache.Now()).Severity
		}
	}

	return c.store(ctx, target, value, meta)
}

// departurePattern turns a unix departure time into the hh:mm pattern used
// by predictive warming.
func (c *Client) departurePattern(departure string) string {
	sec, err := strconv.ParseInt(departure, 10, 64)
	if err != nil {
		return ""
	}
	return time.Unix(sec, 0).In(c.config.Location).Format("15:04")
}

func (c *Client) store(ctx context.Context, target warming.Target, value any, meta cache.Metadata) (*cache.Entry, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal provider result: %w", err)
	}

	now := c.cache.Now()
	meta.PredictionScore = target.Prediction
	if meta.PredictionScore == 0 {
		meta.PredictionScore = cache.PredictionScore(target.Type, now)
	}

	parents := target.Parents
	if parents == nil && target.Type != cache.TypeGeocoding {
		for _, wp := range target.Waypoints {
			if wp.Address != "" {
				parents = append(parents, cache.GeocodeKey(wp.Address))
			}
		}
	}

	entry := &cache.Entry{
		Key:            target.CacheKey(),
		Type:           target.Type,
		Value:          data,
		Metadata:       meta,
		DependencyTags: target.Tags,
		ParentKeys:     parents,
		CreatedAt:      now,
		ExpiresAt:      now.Add(cache.TTLFor(target.Type, meta, now)),
	}
	if err := c.cache.Set(ctx, entry); err != nil {
		// The provider call already happened and was counted.
		c.logger.Warn().Err(err).Str("cache_key", entry.Key).Msg("Failed to cache provider result")
	}
	return entry, nil
}

// secondaryRouter routes through the router provider for the fallback
// engine, under that provider's own quota.
type secondaryRouter struct {
	c *Client
}

func (r secondaryRouter) Route(ctx context.Context, waypoints []geo.Point, opts geo.RouteOptions) (*geo.Route, error) {
	target := warming.RouteTarget(waypoints, opts)
	entry, err := r.c.call(ctx, provider.Router, target, cache.SourceProvider)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, provider.ErrNoResult
	}
	var route geo.Route
	if err := json.Unmarshal(entry.Value, &route); err != nil {
		return nil, err
	}
	return &route, nil
}

// Purpose selects the fallback behaviour.
type Purpose string

const (
	PurposeGeocoding Purpose = "geocoding"
	PurposeRouting   Purpose = "routing"
	PurposeMaps      Purpose = "maps"
)

// FallbackRequest is the input of Fallback.
type FallbackRequest struct {
	Purpose   Purpose
	Address   string
	Waypoints []geo.Point
	Options   geo.RouteOptions
}

// Fallback produces a best-effort result for a blocked call.
func (c *Client) Fallback(ctx context.Context, req FallbackRequest) (*fallback.Result, error) {
	switch req.Purpose {
	case PurposeGeocoding:
		return c.fallback.Geocode(ctx, req.Address)
	case PurposeRouting:
		return c.fallback.Route(ctx, req.Waypoints, req.Options)
	case PurposeMaps:
		return c.fallback.Degraded(), nil
	default:
		return nil, fmt.Errorf("unknown fallback purpose %q", req.Purpose)
	}
}

// Prefetch enqueues high priority geocoding jobs for addresses that are
// not cached and returns how many were enqueued.
func (c *Client) Prefetch(ctx context.Context, addresses []string) (int, error) {
	n := 0
	for _, address := range addresses {
		target := warming.GeocodeTarget(address)
		if target.Validate() != nil {
			continue
		}
		live, err := c.cache.IsLive(ctx, target.CacheKey())
		if err != nil {
			return n, err
		}
		if live {
			continue
		}
		if _, err := c.queue.Enqueue(ctx, target, warming.PriorityHigh, time.Time{}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Guard returns the quota guard.
func (c *Client) Guard() *ratelimit.Guard { return c.guard }

// Ledger returns the usage ledger.
func (c *Client) Ledger() *usage.Ledger { return c.ledger }

// Cache returns the cache store.
func (c *Client) Cache() *cache.Manager { return c.cache }

// Queue returns the warming job queue.
func (c *Client) Queue() *warming.Queue { return c.queue }

// Warming returns the warming engine.
func (c *Client) Warming() *warming.Engine { return c.warming }

// Invalidation returns the invalidation engine.
func (c *Client) Invalidation() *invalidation.Engine { return c.invalidation }

// Close closes the client. The Redis client is owned by the caller.
func (c *Client) Close() error {
	return nil
}
