package client

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/geoquota/internal/testutil"
	"github.com/Sternrassler/geoquota/pkg/cache"
	"github.com/Sternrassler/geoquota/pkg/fallback"
	"github.com/Sternrassler/geoquota/pkg/geo"
	"github.com/Sternrassler/geoquota/pkg/invalidation"
	"github.com/Sternrassler/geoquota/pkg/provider"
	"github.com/Sternrassler/geoquota/pkg/ratelimit"
	"github.com/Sternrassler/geoquota/pkg/signals"
	"github.com/Sternrassler/geoquota/pkg/warming"
)

const (
	geocoderPath   = "/search"
	mapsGeocode    = "/maps/api/geocode/json"
	mapsDirections = "/maps/api/directions/json"
	routerRoute    = "/v2/directions/driving-car"
)

// wednesday 10:00 UTC, a workday outside rush hour
var testNow = time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	client *Client
	mock   *testutil.MockProvider
	mr     *miniredis.Miniredis
	clock  *testClock
}

func setupClient(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	mock := testutil.NewMockProvider()
	t.Cleanup(mock.Close)

	cfg := DefaultConfig(rdb, "geoquota-test/1.0")
	cfg.Location = time.UTC
	cfg.Endpoints = map[provider.Provider]provider.Endpoint{
		provider.Maps:     {BaseURL: mock.URL(), APIKey: "maps-key", KeyParam: "key"},
		provider.Geocoder: {BaseURL: mock.URL()},
		provider.Router:   {BaseURL: mock.URL(), APIKey: "router-key"},
	}
	cfg.WarmingDelays = map[warming.Strategy]time.Duration{
		warming.StrategyCritical:      0,
		warming.StrategyHistorical:    0,
		warming.StrategyRouteSegments: 0,
		warming.StrategyTimeBased:     0,
		warming.StrategyUserPatterns:  0,
		warming.StrategyPredictive:    0,
		warming.StrategyManual:        0,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	c, err := New(cfg)
	require.NoError(t, err)

	clock := &testClock{now: testNow}
	c.SetClock(clock.Now)

	return &testEnv{client: c, mock: mock, mr: mr, clock: clock}
}

var (
	alex = geo.Point{Lat: 52.52, Lng: 13.40, Address: "Alexanderplatz 1, Berlin"}
	zoo  = geo.Point{Lat: 52.53, Lng: 13.41, Address: "Zoologischer Garten, Berlin"}
)

func TestNew(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "valid config", cfg: DefaultConfig(rdb, "geoquota/1.0")},
		{name: "missing redis", cfg: DefaultConfig(nil, "geoquota/1.0"), wantErr: true},
		{name: "missing user agent", cfg: DefaultConfig(rdb, ""), wantErr: true},
		{
			name: "unknown provider",
			cfg: func() Config {
				c := DefaultConfig(rdb, "geoquota/1.0")
				c.GeocodeProvider = "bing"
				return c
			}(),
			wantErr: true,
		},
		{
			name: "geocoder cannot route",
			cfg: func() Config {
				c := DefaultConfig(rdb, "geoquota/1.0")
				c.RouteProvider = provider.Geocoder
				return c
			}(),
			wantErr: true,
		},
		{
			name: "secondary router without key",
			cfg: func() Config {
				c := DefaultConfig(rdb, "geoquota/1.0")
				c.SecondaryRouter = true
				c.Endpoints = map[provider.Provider]provider.Endpoint{provider.Router: {BaseURL: "http://localhost"}}
				return c
			}(),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, c)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, c.Guard())
			assert.NotNil(t, c.Cache())
			assert.NotNil(t, c.Warming())
			assert.NotNil(t, c.Invalidation())
			assert.NoError(t, c.Close())
		})
	}
}

func TestGeocode_ReadThrough(t *testing.T) {
	env := setupClient(t, nil)
	env.mock.SetResponse(geocoderPath, testutil.NewJSONResponse(testutil.NominatimBody))
	ctx := context.Background()

	loc, err := env.client.Geocode(ctx, "Alexanderplatz 1, Berlin")
	require.NoError(t, err)
	assert.InDelta(t, 52.5219, loc.Lat, 1e-9)
	assert.InDelta(t, 13.4132, loc.Lng, 1e-9)
	assert.Equal(t, 1, env.mock.RequestCount())
	assert.Equal(t, "Alexanderplatz 1, Berlin", env.mock.LastQuery().Get("q"))

	snap, err := env.client.Ledger().Current(ctx, provider.Geocoder)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Daily.Requests)

	// Same address with different spelling is a cache hit.
	env.clock.Advance(5 * time.Second)
	again, err := env.client.Geocode(ctx, "  alexanderplatz 1,   BERLIN ")
	require.NoError(t, err)
	assert.Equal(t, loc, again)
	assert.Equal(t, 1, env.mock.RequestCount())

	entry, err := env.client.CacheGet(ctx, cache.GeocodeKey("Alexanderplatz 1, Berlin"), cache.TypeGeocoding)
	require.NoError(t, err)
	assert.Equal(t, cache.SourceProvider, entry.Metadata.Source)
	assert.Equal(t, geo.NormalizeAddress("Alexanderplatz 1, Berlin"), entry.Metadata.Address)
	assert.NotEmpty(t, entry.Metadata.Request)
}

func TestGeocode_StrictPerSecondBlocks(t *testing.T) {
	env := setupClient(t, nil)
	env.mock.SetResponse(geocoderPath, testutil.NewJSONResponse(testutil.NominatimBody))
	ctx := context.Background()

	_, err := env.client.Geocode(ctx, "Alexanderplatz 1, Berlin")
	require.NoError(t, err)

	_, err = env.client.Geocode(ctx, "Zoologischer Garten, Berlin")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ratelimit.ErrQuotaExceeded))
	assert.True(t, ShouldFallback(err))

	var qerr *ratelimit.QuotaError
	require.True(t, errors.As(err, &qerr))
	assert.Equal(t, ratelimit.ReasonPerSecond, qerr.Decision.Reason)
	assert.Equal(t, 1, env.mock.RequestCount())

	env.clock.Advance(2 * time.Second)
	_, err = env.client.Geocode(ctx, "Zoologischer Garten, Berlin")
	require.NoError(t, err)
	assert.Equal(t, 2, env.mock.RequestCount())
}

func TestGeocode_NoResult(t *testing.T) {
	env := setupClient(t, nil)
	env.mock.SetResponse(geocoderPath, testutil.NewJSONResponse(`[]`))

	_, err := env.client.Geocode(context.Background(), "Nowhere 0")
	assert.ErrorIs(t, err, provider.ErrNoResult)
	assert.False(t, ShouldFallback(err))

	live, err := env.client.Cache().IsLive(context.Background(), cache.GeocodeKey("Nowhere 0"))
	require.NoError(t, err)
	assert.False(t, live)
}

func TestGeocode_ProviderFailureIsRecorded(t *testing.T) {
	env := setupClient(t, func(c *Config) { c.GeocodeProvider = provider.Maps })
	env.mock.SetResponse(mapsGeocode, testutil.NewServerErrorResponse())
	ctx := context.Background()

	_, err := env.client.Geocode(ctx, "Alexanderplatz 1, Berlin")
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrProviderUnavailable)
	assert.True(t, ShouldFallback(err))

	snap, err := env.client.Ledger().Current(ctx, provider.Maps)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Daily.Requests)
	assert.Equal(t, int64(1), snap.Daily.Errors)
}

func TestGeocode_ConcurrentCallsShareOneRequest(t *testing.T) {
	env := setupClient(t, func(c *Config) { c.GeocodeProvider = provider.Maps })
	env.mock.SetHandler(mapsGeocode, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(testutil.MapsGeocodeBody))
	})

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.client.Geocode(context.Background(), "Alexanderplatz 1, Berlin")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, env.mock.RequestCount())
}

func TestGeocode_CancelledCallerDoesNotAbortSharedCall(t *testing.T) {
	env := setupClient(t, func(c *Config) { c.GeocodeProvider = provider.Maps })
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var releaseOnce sync.Once
	releaseAll := func() { releaseOnce.Do(func() { close(release) }) }
	t.Cleanup(releaseAll)
	env.mock.SetHandler(mapsGeocode, func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(testutil.MapsGeocodeBody))
	})

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := env.client.Geocode(first, "Alexanderplatz 1, Berlin")
		firstErr <- err
	}()
	<-entered

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	secondErr := make(chan error, 1)
	go func() {
		loc, err := env.client.Geocode(context.Background(), "Alexanderplatz 1, Berlin")
		if err == nil && loc == nil {
			err = errors.New("no location")
		}
		secondErr <- err
	}()
	// let the second caller join the in-flight call
	time.Sleep(50 * time.Millisecond)
	releaseAll()

	require.NoError(t, <-secondErr)
	assert.Equal(t, 1, env.mock.RequestCount())

	d, err := env.client.CheckAllowed(context.Background(), provider.Maps)
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.Usage.Daily, "the shared call was recorded")
}

func TestRoute_ReadThroughWithTraffic(t *testing.T) {
	env := setupClient(t, nil)
	env.mock.SetResponse(mapsDirections, testutil.NewJSONResponse(testutil.MapsDirectionsBody))
	ctx := context.Background()

	opts := geo.RouteOptions{WithTraffic: true}
	route, err := env.client.Route(ctx, []geo.Point{alex, zoo}, opts)
	require.NoError(t, err)
	assert.Equal(t, 4000.0, route.DistanceMeters)
	assert.Equal(t, "now", env.mock.LastQuery().Get("departure_time"))

	key := cache.RouteKey(cache.TypeTraffic, []geo.Point{alex, zoo}, opts)
	entry, err := env.client.CacheGet(ctx, key, cache.TypeTraffic)
	require.NoError(t, err)
	assert.True(t, entry.Metadata.WithTraffic)
	assert.True(t, entry.Metadata.TimeSensitive)
	assert.Equal(t, cache.SeverityNormal, entry.Metadata.TrafficSeverity)
	assert.Equal(t, []string{cache.GeocodeKey(alex.Address), cache.GeocodeKey(zoo.Address)}, entry.ParentKeys)

	_, err = env.client.Route(ctx, []geo.Point{alex, zoo}, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, env.mock.RequestCount())
}

func TestRoute_DepartureTimeBecomesPattern(t *testing.T) {
	env := setupClient(t, nil)
	env.mock.SetResponse(mapsDirections, testutil.NewJSONResponse(testutil.MapsDirectionsBody))
	ctx := context.Background()

	departure := time.Date(2026, 3, 12, 7, 45, 0, 0, time.UTC)
	opts := geo.RouteOptions{DepartureTime: "1773301500"}
	require.Equal(t, departure.Unix(), int64(1773301500))

	_, err := env.client.Route(ctx, []geo.Point{alex, zoo}, opts)
	require.NoError(t, err)

	entry, err := env.client.CacheGet(ctx, cache.RouteKey(cache.TypeRoute, []geo.Point{alex, zoo}, opts), cache.TypeRoute)
	require.NoError(t, err)
	assert.Equal(t, "07:45", entry.Metadata.PreferredDepartureTime)
	assert.True(t, entry.Metadata.TimeSensitive)
}

// warmOnly makes s the only eligible discovery strategy.
func warmOnly(c *Client, s warming.Strategy) {
	windows := make(map[warming.Strategy]warming.Window)
	for _, other := range warming.Strategies {
		windows[other] = warming.Window{FromHour: 24, ToHour: 24}
	}
	windows[s] = warming.Window{FromHour: 0, ToHour: 23}
	c.Warming().SetEligibility(windows)
}

func TestWarming_TimeBasedRefreshKeepsDeparturePattern(t *testing.T) {
	env := setupClient(t, nil)
	env.mock.SetResponse(mapsDirections, testutil.NewJSONResponse(testutil.MapsDirectionsBody))
	ctx := context.Background()

	// thursday 07:30, the morning of the requested departure
	env.clock.Advance(21*time.Hour + 30*time.Minute)
	opts := geo.RouteOptions{DepartureTime: "1773301500"}
	key := cache.RouteKey(cache.TypeRoute, []geo.Point{alex, zoo}, opts)

	_, err := env.client.Route(ctx, []geo.Point{alex, zoo}, opts)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := env.client.CacheGet(ctx, key, cache.TypeRoute)
		require.NoError(t, err)
	}

	env.clock.Advance(10 * time.Minute)
	warmOnly(env.client, warming.StrategyTimeBased)
	report, err := env.client.Warming().Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Result(warming.StrategyTimeBased).Successful)
	assert.Equal(t, "now", env.mock.LastQuery().Get("departure_time"))

	entry, err := env.client.Cache().Peek(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "07:45", entry.Metadata.PreferredDepartureTime)
	target, ok := warming.TargetOf(entry)
	require.True(t, ok)
	assert.Equal(t, "1773301500", target.Options.DepartureTime)

	env.clock.Advance(45 * time.Minute)
	warmOnly(env.client, warming.StrategyPredictive)
	report, err = env.client.Warming().Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Result(warming.StrategyPredictive).Successful)

	friday := time.Date(2026, 3, 13, 7, 45, 0, 0, time.UTC).Unix()
	assert.Equal(t, strconv.FormatInt(friday, 10), env.mock.LastQuery().Get("departure_time"))

	entry, err = env.client.Cache().Peek(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "07:45", entry.Metadata.PreferredDepartureTime)
	assert.InDelta(t, 0.95, entry.Metadata.PredictionScore, 1e-9)
}

func TestRoute_DailyLimitBlocksAndFallsBack(t *testing.T) {
	env := setupClient(t, func(c *Config) {
		c.Limits = map[provider.Provider]provider.Limits{provider.Maps: {DailyLimit: 1}}
	})
	env.mock.SetResponse(mapsDirections, testutil.NewJSONResponse(testutil.MapsDirectionsBody))
	ctx := context.Background()

	_, err := env.client.Route(ctx, []geo.Point{alex, zoo}, geo.RouteOptions{})
	require.NoError(t, err)

	other := geo.Point{Lat: 52.50, Lng: 13.37, Address: "Potsdamer Platz, Berlin"}
	_, err = env.client.Route(ctx, []geo.Point{alex, other}, geo.RouteOptions{})
	require.Error(t, err)
	assert.True(t, ShouldFallback(err))

	var qerr *ratelimit.QuotaError
	require.True(t, errors.As(err, &qerr))
	assert.Equal(t, ratelimit.ReasonDailyLimit, qerr.Decision.Reason)
	assert.Equal(t, 1, env.mock.RequestCount())

	res, err := env.client.Fallback(ctx, FallbackRequest{Purpose: PurposeRouting, Waypoints: []geo.Point{alex, other}})
	require.NoError(t, err)
	assert.Equal(t, fallback.TypeAirlineDistance, res.Type)
	require.NotNil(t, res.Route)
	assert.Greater(t, res.Route.DistanceMeters, 0.0)
}

func TestFallback_SecondaryRouter(t *testing.T) {
	env := setupClient(t, func(c *Config) {
		c.SecondaryRouter = true
	})
	env.mock.SetResponse(routerRoute, testutil.NewJSONResponse(testutil.RouterDirectionsBody))
	ctx := context.Background()

	res, err := env.client.Fallback(ctx, FallbackRequest{
		Purpose:   PurposeRouting,
		Waypoints: []geo.Point{alex, zoo},
		Options:   geo.RouteOptions{WithTraffic: true},
	})
	require.NoError(t, err)
	assert.Equal(t, fallback.TypeAlternativeAPI, res.Type)
	require.NotNil(t, res.Route)
	assert.Equal(t, 4200.0, res.Route.DistanceMeters)
	assert.Contains(t, res.Warnings, "Traffic data is not available in fallback mode")
	assert.Equal(t, http.MethodPost, env.mock.LastMethod())

	snap, err := env.client.Ledger().Current(ctx, provider.Router)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Daily.Requests)
}

func TestFallback_GeocodingFromCache(t *testing.T) {
	env := setupClient(t, nil)
	env.mock.SetResponse(geocoderPath, testutil.NewJSONResponse(testutil.NominatimBody))
	ctx := context.Background()

	_, err := env.client.Geocode(ctx, "Alexanderplatz 1, Berlin")
	require.NoError(t, err)

	res, err := env.client.Fallback(ctx, FallbackRequest{Purpose: PurposeGeocoding, Address: "Alexanderplatz 1, Berlin"})
	require.NoError(t, err)
	assert.Equal(t, fallback.TypeCacheOnly, res.Type)
	require.NotNil(t, res.Location)

	res, err = env.client.Fallback(ctx, FallbackRequest{Purpose: PurposeMaps})
	require.NoError(t, err)
	assert.Equal(t, fallback.TypeDegradedService, res.Type)

	_, err = env.client.Fallback(ctx, FallbackRequest{Purpose: "weather"})
	assert.Error(t, err)
}

func TestCacheSetAndGet(t *testing.T) {
	env := setupClient(t, nil)
	ctx := context.Background()

	loc := geo.Location{Lat: 1, Lng: 2, Address: "Somewhere", Confidence: 0.9}
	_, err := env.client.CacheSet(ctx, "custom", loc, cache.TypeGeocoding, cache.Metadata{Confidence: 0.9})
	require.NoError(t, err)

	entry, err := env.client.CacheGet(ctx, "custom", cache.TypeGeocoding)
	require.NoError(t, err)
	assert.JSONEq(t, `{"lat":1,"lng":2,"address":"Somewhere","provider":"","confidence":0.9}`, string(entry.Value))

	_, err = env.client.CacheGet(ctx, "custom", cache.TypeRoute)
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
}

func TestCheckAllowedAndRecordCall(t *testing.T) {
	env := setupClient(t, func(c *Config) {
		c.Limits = map[provider.Provider]provider.Limits{provider.Router: {DailyLimit: 2}}
	})
	ctx := context.Background()

	d, err := env.client.CheckAllowed(ctx, provider.Router)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	require.NoError(t, env.client.RecordCall(ctx, provider.Router, "directions", true, 120*time.Millisecond))
	require.NoError(t, env.client.RecordCall(ctx, provider.Router, "directions", true, 80*time.Millisecond))

	d, err = env.client.CheckAllowed(ctx, provider.Router)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ratelimit.ReasonDailyLimit, d.Reason)
}

func TestPrefetchAndWarmingRun(t *testing.T) {
	env := setupClient(t, func(c *Config) { c.GeocodeProvider = provider.Maps })
	env.mock.SetResponse(mapsGeocode, testutil.NewJSONResponse(testutil.MapsGeocodeBody))
	ctx := context.Background()

	_, err := env.client.Geocode(ctx, "Alexanderplatz 1, Berlin")
	require.NoError(t, err)

	n, err := env.client.Prefetch(ctx, []string{"Alexanderplatz 1, Berlin", "Zoologischer Garten, Berlin", " "})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := env.client.Queue().Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	report, err := env.client.Warming().Run(ctx)
	require.NoError(t, err)
	critical := report.Result(warming.StrategyCritical)
	assert.Equal(t, 1, critical.Successful)
	assert.Equal(t, 2, env.mock.RequestCount())

	entry, err := env.client.Cache().Peek(ctx, cache.GeocodeKey("Zoologischer Garten, Berlin"))
	require.NoError(t, err)
	assert.Equal(t, cache.SourceWarming, entry.Metadata.Source)

	pending, err = env.client.Queue().Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
}

func TestInvalidationSweepUsesSignals(t *testing.T) {
	store, err := signals.OpenStore(filepath.Join(t.TempDir(), "signals.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	env := setupClient(t, func(c *Config) { c.Signals = store })
	ctx := context.Background()

	now := env.clock.Now()
	require.NoError(t, env.client.Cache().Set(ctx, &cache.Entry{
		Key:            "route:playlist",
		Type:           cache.TypeRoute,
		Value:          []byte(`{}`),
		Metadata:       cache.Metadata{Confidence: 1, PredictionScore: 0.8},
		DependencyTags: []string{cache.PlaylistTag(7)},
		CreatedAt:      now,
		ExpiresAt:      now.Add(24 * time.Hour),
	}))

	_, err = store.AppendEvent(ctx, signals.Event{
		Type:       signals.EventPlaylistUpdated,
		PlaylistID: 7,
		CreatedAt:  now.Add(time.Minute),
	})
	require.NoError(t, err)

	env.clock.Advance(2 * time.Minute)
	report, err := env.client.Invalidation().Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Strategy(invalidation.StrategyEvent).Invalidated)

	live, err := env.client.Cache().IsLive(ctx, "route:playlist")
	require.NoError(t, err)
	assert.False(t, live)
}
