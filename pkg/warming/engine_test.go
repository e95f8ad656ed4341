package warming

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/geoquota/pkg/cache"
	"github.com/Sternrassler/geoquota/pkg/geo"
	"github.com/Sternrassler/geoquota/pkg/signals"
)

var (
	alex  = geo.Point{Lat: 52.5219, Lng: 13.4132}
	brand = geo.Point{Lat: 52.5163, Lng: 13.3777}
)

func TestRun_DrainsCriticalJobs(t *testing.T) {
	f := setup(t)
	f.only()
	ctx := context.Background()

	ok, err := f.queue.Enqueue(ctx, GeocodeTarget("Alexanderplatz 1"), PriorityCritical, time.Time{})
	require.NoError(t, err)
	bad, err := f.queue.Enqueue(ctx, GeocodeTarget("Nowhere 0"), PriorityHigh, time.Time{})
	require.NoError(t, err)
	later, err := f.queue.Enqueue(ctx, GeocodeTarget("Later 1"), PriorityNormal, time.Time{})
	require.NoError(t, err)
	f.loader.fail["Nowhere 0"] = true

	report, err := f.engine.Run(ctx)
	require.NoError(t, err)

	res := report.Result(StrategyCritical)
	assert.Equal(t, 2, res.Candidates)
	assert.Equal(t, 1, res.Successful)
	assert.Equal(t, 1, res.Failed)
	assert.Empty(t, report.StrategiesUsed)

	assert.Equal(t, 2, report.TotalProcessed)
	assert.Equal(t, 2, report.APICalls)
	assert.Equal(t, 0.01, report.EstimatedCost)
	assert.Equal(t, Improvement{
		ExpectedHitRatePercent:    61,
		ResponseTimeImprovementMs: 2,
		APIReductionPercent:       50,
		DailyCostSavings:          0.1,
	}, report.Improvement)

	job, err := f.queue.Get(ctx, ok.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)

	job, err = f.queue.Get(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, "boom", job.Error)

	job, err = f.queue.Get(ctx, later.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)

	live, err := f.cache.IsLive(ctx, cache.GeocodeKey("Alexanderplatz 1"))
	require.NoError(t, err)
	assert.True(t, live)
}

func TestRun_BlockedJobFails(t *testing.T) {
	f := setup(t)
	f.only()
	f.loader.blocked = true
	ctx := context.Background()

	job, err := f.queue.Enqueue(ctx, GeocodeTarget("Alexanderplatz 1"), PriorityCritical, time.Time{})
	require.NoError(t, err)

	report, err := f.engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Blocked)
	assert.Equal(t, 0, report.APICalls)
	assert.Equal(t, 0.0, report.EstimatedCost)

	got, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.Error, "quota exceeded")
}

func TestRun_EmptyResultFailsJob(t *testing.T) {
	f := setup(t)
	f.only()
	f.loader.empty = true
	ctx := context.Background()

	job, err := f.queue.Enqueue(ctx, GeocodeTarget("Alexanderplatz 1"), PriorityCritical, time.Time{})
	require.NoError(t, err)

	_, err = f.engine.Run(ctx)
	require.NoError(t, err)

	got, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "no data returned", got.Error)
}

func TestRun_Historical(t *testing.T) {
	f := setup(t)
	f.only(StrategyHistorical)
	ctx := context.Background()

	popular := f.seed(t, GeocodeTarget("Alexanderplatz 1"), cache.Metadata{Confidence: 0.9}, time.Hour, 3, 6)
	f.seed(t, GeocodeTarget("Unread 3"), cache.Metadata{Confidence: 0.9}, time.Hour, 3, 5)

	f.clock.advance(-8 * 24 * time.Hour)
	f.seed(t, GeocodeTarget("Last Week 2"), cache.Metadata{Confidence: 0.9}, time.Hour, 1, 6)
	f.clock.advance(8 * 24 * time.Hour)
	f.seed(t, GeocodeTarget("Still Live 4"), cache.Metadata{Confidence: 0.9}, 3*time.Hour, 3, 6)

	f.clock.advance(90 * time.Minute)

	report, err := f.engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Strategy{StrategyHistorical}, report.StrategiesUsed)

	calls := f.loader.targets()
	require.Len(t, calls, 1)
	assert.Equal(t, popular.Key, calls[0].Key)
	assert.Equal(t, "Alexanderplatz 1", calls[0].Address)

	res := report.Result(StrategyHistorical)
	assert.Equal(t, 2, res.Candidates, "the live entry is a candidate but needs no refresh")
	assert.Equal(t, 1, res.Successful)

	live, err := f.cache.IsLive(ctx, popular.Key)
	require.NoError(t, err)
	assert.True(t, live)
}

func TestRun_HistoricalStopsWhenNobodyReads(t *testing.T) {
	f := setup(t)
	f.only(StrategyHistorical)
	ctx := context.Background()

	target := RouteTarget([]geo.Point{alex, brand}, geo.RouteOptions{})
	f.seed(t, target, cache.Metadata{}, time.Hour, 3, 6)

	loadsPerDay := make([]int, 0, 20)
	for day := 1; day <= 20; day++ {
		f.clock.advance(24 * time.Hour)
		before := len(f.loader.targets())
		_, err := f.engine.Run(ctx)
		require.NoError(t, err)
		loadsPerDay = append(loadsPerDay, len(f.loader.targets())-before)
	}

	// the seeded reads stay in the window for six more days
	assert.Equal(t, []int{1, 1, 1, 1, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, loadsPerDay)

	entry, err := f.cache.Peek(ctx, target.CacheKey())
	require.NoError(t, err)
	assert.Equal(t, int64(6), entry.HitCount)
	assert.Equal(t, int64(0), entry.ReadsSince(f.clock.now(), cache.ReadWindowDays))
}

func TestRun_RouteSegments(t *testing.T) {
	f := setup(t)
	f.only(StrategyRouteSegments)
	ctx := context.Background()

	f.seed(t, GeocodeTarget("Alexanderplatz 1"), cache.Metadata{Confidence: 0.9}, 24*time.Hour, 1, 0)
	f.patterns.playlists = []signals.Playlist{
		{ID: 7, UsageCount: 3, Addresses: []string{"Alexanderplatz 1", "Pariser Platz 1", "Potsdamer Platz 1"}},
	}

	report, err := f.engine.Run(ctx)
	require.NoError(t, err)

	var geocodes, routes []Target
	for _, c := range f.loader.targets() {
		if c.Type == cache.TypeGeocoding {
			geocodes = append(geocodes, c)
		} else {
			routes = append(routes, c)
		}
	}
	require.Len(t, geocodes, 2)
	assert.Equal(t, "Pariser Platz 1", geocodes[0].Address)
	assert.Equal(t, []string{cache.PlaylistTag(7)}, geocodes[0].Tags)

	require.Len(t, routes, 2)
	for _, r := range routes {
		assert.Equal(t, cache.TypeTraffic, r.Type)
		assert.True(t, r.Options.WithTraffic)
		assert.Equal(t, []string{cache.PlaylistTag(7)}, r.Tags)
	}
	assert.Equal(t, []string{cache.GeocodeKey("Alexanderplatz 1"), cache.GeocodeKey("Pariser Platz 1")}, routes[0].Parents)
	assert.Equal(t, 4, report.Result(StrategyRouteSegments).Successful)

	again, err := f.engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again.APICalls, "everything is cached now")
}

func TestRun_TimeBased(t *testing.T) {
	f := setup(t)
	f.only(StrategyTimeBased)
	ctx := context.Background()

	f.clock.set(time.Date(2026, 3, 11, 7, 30, 0, 0, time.UTC))
	target := RouteTarget([]geo.Point{alex, brand}, geo.RouteOptions{Mode: "driving"})
	popular := f.seed(t, target, cache.Metadata{TimeSensitive: true, PredictionScore: 0.6}, time.Hour, 1, 4)

	f.clock.set(time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC))
	night := RouteTarget([]geo.Point{brand, alex}, geo.RouteOptions{})
	f.seed(t, night, cache.Metadata{}, 6*time.Hour, 1, 10)

	f.clock.set(time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC))
	report, err := f.engine.Run(ctx)
	require.NoError(t, err)

	calls := f.loader.targets()
	require.Len(t, calls, 1)
	assert.Equal(t, popular.Key, calls[0].Key)
	assert.Equal(t, "now", calls[0].Departure)
	assert.Equal(t, "now", calls[0].RequestOptions().DepartureTime)
	assert.Empty(t, calls[0].Options.DepartureTime, "the stored request keeps its own options")
	assert.Equal(t, "driving", calls[0].Options.Mode)
	assert.Equal(t, 0.6, calls[0].Prediction)
	assert.Equal(t, 1, report.Result(StrategyTimeBased).Successful)
}

func TestRun_TimeBasedSkippedOnWeekend(t *testing.T) {
	f := setup(t)
	f.clock.set(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))

	report, err := f.engine.Run(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, report.StrategiesUsed, StrategyTimeBased)
	assert.Contains(t, report.StrategiesUsed, StrategyHistorical)
}

func TestRun_UserPatterns(t *testing.T) {
	f := setup(t)
	f.only(StrategyUserPatterns)
	ctx := context.Background()

	f.seed(t, GeocodeTarget("Alexanderplatz 1"), cache.Metadata{Confidence: 0.9}, 24*time.Hour, 1, 0)
	f.patterns.users = []signals.UserPattern{
		{UserID: 1, PlaylistCount: 5, Addresses: []string{"Alexanderplatz 1", "Kurfürstendamm 21"}},
	}

	report, err := f.engine.Run(ctx)
	require.NoError(t, err)

	calls := f.loader.targets()
	require.Len(t, calls, 1)
	assert.Equal(t, "Kurfürstendamm 21", calls[0].Address)
	assert.Equal(t, 1, report.Result(StrategyUserPatterns).Candidates)
}

func TestRun_PredictiveFeedback(t *testing.T) {
	f := setup(t)
	f.only(StrategyPredictive)
	ctx := context.Background()

	good := f.seed(t, RouteTarget([]geo.Point{alex, brand}, geo.RouteOptions{}),
		cache.Metadata{PredictionScore: 0.8, PreferredDepartureTime: "17:30"}, 20*time.Minute, 1, 3)
	failing := f.seed(t, GeocodeTarget("Nowhere 0"),
		cache.Metadata{PredictionScore: 0.8, Address: "nowhere 0"}, 20*time.Minute, 1, 3)
	f.seed(t, GeocodeTarget("Unlikely 1"),
		cache.Metadata{PredictionScore: 0.5}, 20*time.Minute, 1, 10)
	f.loader.fail["Nowhere 0"] = true

	report, err := f.engine.Run(ctx)
	require.NoError(t, err)

	res := report.Result(StrategyPredictive)
	assert.Equal(t, 2, res.Candidates)
	assert.Equal(t, 1, res.Successful)
	assert.Equal(t, 1, res.Failed)

	var routeCall Target
	for _, c := range f.loader.targets() {
		if c.Type != cache.TypeGeocoding {
			routeCall = c
		}
	}
	expected := time.Date(2026, 3, 11, 17, 30, 0, 0, time.UTC).Unix()
	assert.Equal(t, strconv.FormatInt(expected, 10), routeCall.Departure)
	assert.Equal(t, "17:30", routeCall.Pattern)

	entry, err := f.cache.Peek(ctx, good.Key)
	require.NoError(t, err)
	assert.InDelta(t, 0.85, entry.Metadata.PredictionScore, 1e-9)

	entry, err = f.cache.Peek(ctx, failing.Key)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, entry.Metadata.PredictionScore, 1e-9)
}

func TestWarmManual(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.loader.fail["Nowhere 0"] = true

	n := f.engine.WarmAddresses(ctx, []string{"Alexanderplatz 1", "Nowhere 0", "Pariser Platz 1"})
	assert.Equal(t, 2, n)

	assert.True(t, f.engine.WarmRoute(ctx, []geo.Point{alex, brand}, geo.RouteOptions{}))

	f.loader.blocked = true
	assert.False(t, f.engine.WarmRoute(ctx, []geo.Point{alex, brand}, geo.RouteOptions{}))
}

func TestWindow_Allows(t *testing.T) {
	e := NewEngine(nil, nil, nil, nil, zerolog.Nop())
	sundayNight := time.Date(2026, 3, 15, 22, 0, 0, 0, time.UTC)
	wednesdayMorning := time.Date(2026, 3, 11, 7, 0, 0, 0, time.UTC)

	var eligible []Strategy
	for _, s := range Strategies {
		if e.Eligible(s, sundayNight) {
			eligible = append(eligible, s)
		}
	}
	assert.Equal(t, []Strategy{StrategyHistorical, StrategyPredictive}, eligible)

	assert.True(t, e.Eligible(StrategyRouteSegments, wednesdayMorning))
	assert.False(t, e.Eligible(StrategyUserPatterns, wednesdayMorning))
	assert.True(t, e.Eligible(StrategyUserPatterns, wednesdayMorning.Add(time.Hour)))
	assert.True(t, e.Eligible(StrategyUserPatterns, wednesdayMorning.Add(11*time.Hour+59*time.Minute)))
	assert.False(t, e.Eligible(StrategyCritical, wednesdayMorning), "not a discovery strategy")
}

func TestNextOccurrence(t *testing.T) {
	now := time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC)

	got, ok := nextOccurrence("17:30", now)
	require.True(t, ok)
	assert.Equal(t, strconv.FormatInt(time.Date(2026, 3, 11, 17, 30, 0, 0, time.UTC).Unix(), 10), got)

	got, ok = nextOccurrence("08:15", now)
	require.True(t, ok)
	assert.Equal(t, strconv.FormatInt(time.Date(2026, 3, 12, 8, 15, 0, 0, time.UTC).Unix(), 10), got)

	_, ok = nextOccurrence("soon", now)
	assert.False(t, ok)
}

func TestSimilarHour(t *testing.T) {
	assert.True(t, similarHour(7, 8))
	assert.True(t, similarHour(23, 0))
	assert.False(t, similarHour(6, 8))
}

func TestTargetOf(t *testing.T) {
	target := RouteTarget([]geo.Point{alex, brand}, geo.RouteOptions{WithTraffic: true})
	assert.Equal(t, cache.TypeTraffic, target.Type)

	entry := &cache.Entry{
		Key:            "traffic:abc",
		Type:           cache.TypeTraffic,
		Metadata:       cache.Metadata{Request: target.Encode()},
		DependencyTags: []string{"playlist_1"},
	}
	got, ok := TargetOf(entry)
	require.True(t, ok)
	assert.Equal(t, "traffic:abc", got.CacheKey())
	assert.Equal(t, []geo.Point{alex, brand}, got.Waypoints)
	assert.Equal(t, []string{"playlist_1"}, got.Tags)

	_, ok = TargetOf(&cache.Entry{Key: "route:x", Type: cache.TypeRoute})
	assert.False(t, ok)

	got, ok = TargetOf(&cache.Entry{Key: "geocoding:x", Type: cache.TypeGeocoding, Metadata: cache.Metadata{Address: "alexanderplatz 1"}})
	require.True(t, ok)
	assert.Equal(t, "alexanderplatz 1", got.Address)
}
