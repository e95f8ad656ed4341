package fallback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/geoquota/pkg/cache"
	"github.com/Sternrassler/geoquota/pkg/geo"
)

type fakeRouter struct {
	route *geo.Route
	err   error
	opts  geo.RouteOptions
	calls int
}

func (f *fakeRouter) Route(_ context.Context, _ []geo.Point, opts geo.RouteOptions) (*geo.Route, error) {
	f.calls++
	f.opts = opts
	return f.route, f.err
}

func setupCache(t *testing.T) (*cache.Manager, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	now := time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC)
	m := cache.NewManager(rdb, zerolog.Nop())
	m.SetClock(func() time.Time { return now })
	return m, &now
}

func putAddress(t *testing.T, m *cache.Manager, address string, confidence float64) {
	t.Helper()
	loc := geo.Location{Lat: 52.5219, Lng: 13.4132, Address: address, Provider: "maps", Confidence: confidence}
	_, err := m.Put(context.Background(), cache.GeocodeKey(address), cache.TypeGeocoding, loc, cache.Metadata{
		Confidence: confidence,
		Address:    geo.NormalizeAddress(address),
	})
	require.NoError(t, err)
}

var (
	alexanderplatz = geo.Point{Lat: 52.5200, Lng: 13.4050}
	brandenburg    = geo.Point{Lat: 52.5163, Lng: 13.3777}
)

func TestGeocode_ExactCacheHit(t *testing.T) {
	m, now := setupCache(t)
	putAddress(t, m, "Alexanderplatz 5, 10178 Berlin", 0.9)
	*now = now.Add(10 * time.Hour)

	res, err := NewEngine(m, nil, zerolog.Nop()).Geocode(context.Background(), "  alexanderplatz 5,   10178 BERLIN ")
	require.NoError(t, err)
	assert.Equal(t, TypeCacheOnly, res.Type)
	require.NotNil(t, res.Location)
	assert.Equal(t, 0.9, res.Location.Confidence)
	assert.Equal(t, 10.0, res.CacheAgeHours)
	assert.InDelta(t, 0.5+0.27-0.1, res.Quality, 1e-9)
}

func TestGeocode_FuzzyMatch(t *testing.T) {
	m, _ := setupCache(t)
	putAddress(t, m, "Alexanderplatz 5, 10178 Berlin", 0.9)
	putAddress(t, m, "Berlin Hauptbahnhof", 1.0)
	putAddress(t, m, "Marienplatz 1, München", 1.0)

	res, err := NewEngine(m, nil, zerolog.Nop()).Geocode(context.Background(), "Alexanderplatz, Berlin")
	require.NoError(t, err)

	assert.Equal(t, TypeFuzzyCache, res.Type)
	assert.InDelta(t, 0.9*FuzzyConfidenceFactor, res.Location.Confidence, 1e-12)
	assert.Equal(t, "alexanderplatz 5, 10178 berlin", res.MatchedAddress)
	assert.Equal(t, "alexanderplatz, berlin", res.OriginalQuery)
	assert.InDelta(t, 0.5+0.3*0.63, res.Quality, 1e-9)
	assert.NotEmpty(t, res.Warnings)
}

func TestGeocode_HitCountBreaksTies(t *testing.T) {
	m, _ := setupCache(t)
	ctx := context.Background()
	putAddress(t, m, "Hauptstraße 1, Berlin", 0.8)
	putAddress(t, m, "Hauptstraße 2, Berlin", 0.8)
	for i := 0; i < 3; i++ {
		_, err := m.Get(ctx, cache.GeocodeKey("Hauptstraße 2, Berlin"))
		require.NoError(t, err)
	}

	res, err := NewEngine(m, nil, zerolog.Nop()).Geocode(ctx, "Hauptstraße Berlin")
	require.NoError(t, err)
	assert.Equal(t, "hauptstraße 2, berlin", res.MatchedAddress)
}

func TestGeocode_NoFallback(t *testing.T) {
	m, _ := setupCache(t)
	putAddress(t, m, "Alexanderplatz 5, 10178 Berlin", 0.9)
	e := NewEngine(m, nil, zerolog.Nop())

	_, err := e.Geocode(context.Background(), "A 1")
	assert.ErrorIs(t, err, ErrNoFallback, "no token longer than three characters")

	_, err = e.Geocode(context.Background(), "Marienplatz München")
	assert.ErrorIs(t, err, ErrNoFallback)
}

func TestRoute_Airline(t *testing.T) {
	m, _ := setupCache(t)
	res, err := NewEngine(m, nil, zerolog.Nop()).Route(context.Background(), []geo.Point{alexanderplatz, brandenburg}, geo.RouteOptions{})
	require.NoError(t, err)

	assert.Equal(t, TypeAirlineDistance, res.Type)
	assert.Equal(t, 0.3, res.Quality)
	assert.Equal(t, AirlineWarnings, res.Warnings)

	d := geo.Haversine(alexanderplatz, brandenburg)
	require.NotNil(t, res.Route)
	assert.Equal(t, d, res.Route.DistanceMeters)
	assert.Equal(t, d/1000*60, res.Route.DurationSeconds)
	assert.Equal(t, geo.Round(d/1000, 2), res.Route.DistanceKm)
	require.Len(t, res.Route.Segments, 1)
	assert.Equal(t, "unknown", res.Route.Segments[0].StartAddress)
}

func TestRoute_Alternative(t *testing.T) {
	m, _ := setupCache(t)
	router := &fakeRouter{route: &geo.Route{DistanceMeters: 2400, DurationSeconds: 300, Provider: "router"}}

	res, err := NewEngine(m, router, zerolog.Nop()).Route(context.Background(),
		[]geo.Point{alexanderplatz, brandenburg}, geo.RouteOptions{WithTraffic: true, Alternatives: true, Mode: "driving"})
	require.NoError(t, err)

	assert.Equal(t, TypeAlternativeAPI, res.Type)
	assert.Equal(t, 0.8, res.Quality)
	assert.Equal(t, 2400.0, res.Route.DistanceMeters)
	assert.Contains(t, res.Warnings, "Traffic data is not available in fallback mode")
	assert.Equal(t, geo.RouteOptions{Mode: "driving"}, router.opts)
}

func TestRoute_AlternativeFailure(t *testing.T) {
	m, _ := setupCache(t)
	router := &fakeRouter{err: errors.New("quota exceeded")}

	res, err := NewEngine(m, router, zerolog.Nop()).Route(context.Background(), []geo.Point{alexanderplatz, brandenburg}, geo.RouteOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, router.calls)
	assert.Equal(t, TypeAirlineDistance, res.Type)
}

func TestRoute_TooFewWaypoints(t *testing.T) {
	m, _ := setupCache(t)
	_, err := NewEngine(m, nil, zerolog.Nop()).Route(context.Background(), []geo.Point{alexanderplatz}, geo.RouteOptions{})
	assert.ErrorIs(t, err, ErrTooFewWaypoints)
}

func TestDegraded(t *testing.T) {
	res := NewEngine(nil, nil, zerolog.Nop()).Degraded()
	assert.Equal(t, TypeDegradedService, res.Type)
	assert.Equal(t, 0.6, res.Quality)
	require.NotNil(t, res.Degraded)
	assert.True(t, res.Degraded.Features.BasicRouting)
	assert.False(t, res.Degraded.Features.TrafficData)
	assert.False(t, res.Degraded.Features.AlternativeRoutes)
}

func TestQuality(t *testing.T) {
	alt := Quality(TypeAlternativeAPI, 0, 0)
	degraded := Quality(TypeDegradedService, 0, 0)
	airline := Quality(TypeAirlineDistance, 0, 0)
	assert.Greater(t, alt, degraded)
	assert.Greater(t, degraded, airline)

	tests := []struct {
		name       string
		confidence float64
		ageHours   float64
		want       float64
	}{
		{"fresh and certain", 1, 0, 0.8},
		{"a day old", 0.5, 24, 0.41},
		{"very old", 0.5, 100, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Quality(TypeCacheOnly, tt.confidence, tt.ageHours), 1e-9)
		})
	}
}
