// Package fallback produces best-effort answers when the quota guard blocks
// a provider call: cached or fuzzy-matched geocodes, an alternative routing
// provider, a great-circle estimate, or a degraded service description.
// Every result carries a quality score so callers can decide whether to
// accept it.
package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/geoquota/pkg/cache"
	"github.com/Sternrassler/geoquota/pkg/geo"
)

// Type identifies how a fallback result was produced.
type Type string

const (
	TypeCacheOnly       Type = "cache_only"
	TypeFuzzyCache      Type = "fuzzy_cache"
	TypeAlternativeAPI  Type = "alternative_api"
	TypeDegradedService Type = "degraded_service"
	TypeAirlineDistance Type = "airline_distance"
)

// FuzzyConfidenceFactor scales the confidence of fuzzy matches.
const FuzzyConfidenceFactor = 0.7

// airlineSecondsPerKm assumes one kilometre per minute.
const airlineSecondsPerKm = 60

var (
	// ErrNoFallback is returned when no fallback result could be produced.
	ErrNoFallback = errors.New("no fallback available")

	// ErrTooFewWaypoints is returned for route requests with fewer than
	// two waypoints.
	ErrTooFewWaypoints = errors.New("at least 2 waypoints required")
)

var fallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "geoquota_fallbacks_total",
	Help: "Fallback results by type",
}, []string{"type"})

// Result is a fallback answer. Exactly one of Location, Route and Degraded
// is set.
type Result struct {
	Type     Type     `json:"fallback_type"`
	Quality  float64  `json:"quality"`
	Warnings []string `json:"warnings,omitempty"`

	Location *geo.Location    `json:"location,omitempty"`
	Route    *geo.Route       `json:"route,omitempty"`
	Degraded *DegradedService `json:"degraded,omitempty"`

	// CacheAgeHours is the age of the cached entry a result was read from.
	CacheAgeHours float64 `json:"cache_age_hours,omitempty"`

	OriginalQuery  string `json:"original_query,omitempty"`
	MatchedAddress string `json:"matched_address,omitempty"`
}

// Features describes what a degraded service still offers.
type Features struct {
	BasicRouting      bool `json:"basic_routing"`
	TrafficData       bool `json:"traffic_data"`
	AlternativeRoutes bool `json:"alternative_routes"`
	RealTimeUpdates   bool `json:"real_time_updates"`
}

// DegradedService is the capability-reduced response for map contexts.
type DegradedService struct {
	Mode     string   `json:"mode"`
	Features Features `json:"available_features"`
	Message  string   `json:"message"`
}

// RouteProvider is a secondary routing provider. Implementations go through
// the quota guard of that provider.
type RouteProvider interface {
	Route(ctx context.Context, waypoints []geo.Point, opts geo.RouteOptions) (*geo.Route, error)
}

// Engine produces fallback results.
type Engine struct {
	cache  *cache.Manager
	router RouteProvider
	logger zerolog.Logger
}

// NewEngine creates an engine. router may be nil when no secondary routing
// provider is configured.
func NewEngine(cacheManager *cache.Manager, router RouteProvider, logger zerolog.Logger) *Engine {
	return &Engine{cache: cacheManager, router: router, logger: logger}
}

// Quality scores a fallback result. confidence and ageHours only matter for
// cache based results.
func Quality(t Type, confidence, ageHours float64) float64 {
	switch t {
	case TypeCacheOnly, TypeFuzzyCache:
		q := 0.5 + 0.3*confidence - 0.01*ageHours
		return math.Max(0, math.Min(1, q))
	case TypeAlternativeAPI:
		return 0.8
	case TypeDegradedService:
		return 0.6
	case TypeAirlineDistance:
		return 0.3
	default:
		return 0.5
	}
}

func record(r *Result) *Result {
	fallbacksTotal.WithLabelValues(string(r.Type)).Inc()
	return r
}

// Geocode answers an address lookup from the cache only: an exact match on
// the normalized address first, then the most relevant fuzzy match.
func (e *Engine) Geocode(ctx context.Context, address string) (*Result, error) {
	entry, err := e.cache.GetTyped(ctx, cache.GeocodeKey(address), cache.TypeGeocoding)
	switch {
	case err == nil:
		loc, err := decodeLocation(entry)
		if err != nil {
			return nil, err
		}
		age := entry.Age(e.cache.Now()).Hours()
		return record(&Result{
			Type:          TypeCacheOnly,
			Quality:       Quality(TypeCacheOnly, loc.Confidence, age),
			Location:      loc,
			CacheAgeHours: age,
		}), nil
	case !errors.Is(err, cache.ErrCacheMiss):
		return nil, err
	}

	return e.fuzzyGeocode(ctx, address)
}

func (e *Engine) fuzzyGeocode(ctx context.Context, address string) (*Result, error) {
	normalized := geo.NormalizeAddress(address)
	tokens := geo.SearchTokens(normalized)
	if len(tokens) == 0 {
		return nil, ErrNoFallback
	}

	candidates, err := e.cache.GeocodeCandidates(ctx, tokens)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoFallback
	}

	type ranked struct {
		entry     *cache.Entry
		relevance float64
	}
	ranking := make([]ranked, 0, len(candidates))
	for _, c := range candidates {
		ranking = append(ranking, ranked{entry: c, relevance: relevance(c.Metadata.Address, tokens)})
	}
	sort.Slice(ranking, func(i, j int) bool {
		a, b := ranking[i], ranking[j]
		if a.relevance != b.relevance {
			return a.relevance > b.relevance
		}
		if a.entry.HitCount != b.entry.HitCount {
			return a.entry.HitCount > b.entry.HitCount
		}
		return a.entry.Key < b.entry.Key
	})

	best := ranking[0].entry
	loc, err := decodeLocation(best)
	if err != nil {
		return nil, err
	}
	loc.Confidence *= FuzzyConfidenceFactor
	age := best.Age(e.cache.Now()).Hours()

	e.logger.Debug().
		Str("query", normalized).
		Str("matched", best.Metadata.Address).
		Float64("relevance", ranking[0].relevance).
		Msg("Fuzzy geocoding fallback")

	return record(&Result{
		Type:           TypeFuzzyCache,
		Quality:        Quality(TypeFuzzyCache, loc.Confidence, age),
		Location:       loc,
		CacheAgeHours:  age,
		OriginalQuery:  normalized,
		MatchedAddress: best.Metadata.Address,
		Warnings:       []string{"Address matched approximately from cached results"},
	}), nil
}

// relevance is the share of the candidate address covered by query tokens.
func relevance(candidate string, tokens []string) float64 {
	if candidate == "" {
		return 0
	}
	matched := 0
	for _, tok := range tokens {
		matched += strings.Count(candidate, tok) * len(tok)
	}
	return float64(matched) / float64(len(candidate))
}

func decodeLocation(entry *cache.Entry) (*geo.Location, error) {
	var loc geo.Location
	if err := json.Unmarshal(entry.Value, &loc); err != nil {
		return nil, fmt.Errorf("decode cached location %s: %w", entry.Key, err)
	}
	return &loc, nil
}

// Route answers a route request with the secondary routing provider when
// one is configured, and with a great-circle estimate otherwise or when it
// fails.
func (e *Engine) Route(ctx context.Context, waypoints []geo.Point, opts geo.RouteOptions) (*Result, error) {
	if len(waypoints) < 2 {
		return nil, ErrTooFewWaypoints
	}

	if e.router != nil {
		alt := opts
		alt.WithTraffic = false
		alt.Alternatives = false
		route, err := e.router.Route(ctx, waypoints, alt)
		if err == nil && route != nil {
			route.Warnings = append(route.Warnings, "Traffic data is not available in fallback mode")
			return record(&Result{
				Type:     TypeAlternativeAPI,
				Quality:  Quality(TypeAlternativeAPI, 0, 0),
				Route:    route,
				Warnings: route.Warnings,
			}), nil
		}
		e.logger.Warn().Err(err).Msg("Alternative routing provider failed, using airline estimate")
	}

	return record(Airline(waypoints)), nil
}

// AirlineWarnings accompany every great-circle estimate.
var AirlineWarnings = []string{
	"This is a straight-line estimate",
	"Actual travel time may differ significantly",
	"The road network is not taken into account",
}

// Airline estimates a route as the sum of great-circle distances between
// consecutive waypoints, at one kilometre per minute. waypoints must hold at
// least two points.
func Airline(waypoints []geo.Point) *Result {
	route := &geo.Route{Provider: "airline_calculation"}
	for i := 0; i+1 < len(waypoints); i++ {
		from, to := waypoints[i], waypoints[i+1]
		d := geo.Haversine(from, to)
		route.DistanceMeters += d
		route.Segments = append(route.Segments, geo.Segment{
			DistanceMeters:  d,
			DurationSeconds: d / 1000 * airlineSecondsPerKm,
			StartAddress:    addressOr(from.Address),
			EndAddress:      addressOr(to.Address),
		})
	}
	route.DurationSeconds = route.DistanceMeters / 1000 * airlineSecondsPerKm
	route.DistanceKm = geo.Round(route.DistanceMeters/1000, 2)
	route.DurationMin = geo.Round(route.DurationSeconds/60, 0)
	route.Warnings = append([]string(nil), AirlineWarnings...)

	return &Result{
		Type:     TypeAirlineDistance,
		Quality:  Quality(TypeAirlineDistance, 0, 0),
		Route:    route,
		Warnings: route.Warnings,
	}
}

func addressOr(a string) string {
	if a == "" {
		return "unknown"
	}
	return a
}

// Degraded returns the capability-reduced service description.
func (e *Engine) Degraded() *Result {
	return record(&Result{
		Type:    TypeDegradedService,
		Quality: Quality(TypeDegradedService, 0, 0),
		Degraded: &DegradedService{
			Mode: "degraded",
			Features: Features{
				BasicRouting: true,
			},
			Message: "Map features are available with limited functionality",
		},
		Warnings: []string{"Live traffic and alternative routes are disabled"},
	})
}
