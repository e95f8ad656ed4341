// Package warming fills the cache ahead of demand. A run drains the
// critical part of the job queue and then executes the discovery
// strategies that are eligible at the current time. Every provider call
// goes through a Loader, which re-checks the quota guard right before
// calling.
package warming

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Sternrassler/geoquota/pkg/cache"
	"github.com/Sternrassler/geoquota/pkg/geo"
	"github.com/Sternrassler/geoquota/pkg/ratelimit"
	"github.com/Sternrassler/geoquota/pkg/signals"
)

// Strategy names a warming strategy.
type Strategy string

const (
	StrategyCritical      Strategy = "critical"
	StrategyHistorical    Strategy = "historical"
	StrategyRouteSegments Strategy = "route_segments"
	StrategyTimeBased     Strategy = "time_based"
	StrategyUserPatterns  Strategy = "user_patterns"
	StrategyPredictive    Strategy = "predictive"

	// StrategyManual labels WarmRoute and WarmAddresses.
	StrategyManual Strategy = "manual"
)

// Strategies lists the discovery strategies in execution order.
var Strategies = []Strategy{
	StrategyHistorical,
	StrategyRouteSegments,
	StrategyTimeBased,
	StrategyUserPatterns,
	StrategyPredictive,
}

// Window is the time window in which a strategy may run. Hours are
// inclusive.
type Window struct {
	FromHour     int  `yaml:"from_hour" validate:"min=0,max=23"`
	ToHour       int  `yaml:"to_hour" validate:"min=0,max=23"`
	WorkdaysOnly bool `yaml:"workdays_only"`
}

// Allows reports whether t is inside the window.
func (w Window) Allows(t time.Time) bool {
	if w.WorkdaysOnly && !cache.IsWorkday(t.Weekday()) {
		return false
	}
	h := t.Hour()
	return h >= w.FromHour && h <= w.ToHour
}

// DefaultEligibility returns the default strategy windows.
func DefaultEligibility() map[Strategy]Window {
	return map[Strategy]Window{
		StrategyHistorical:    {FromHour: 0, ToHour: 23},
		StrategyRouteSegments: {FromHour: 6, ToHour: 20},
		StrategyTimeBased:     {FromHour: 0, ToHour: 23, WorkdaysOnly: true},
		StrategyUserPatterns:  {FromHour: 8, ToHour: 18},
		StrategyPredictive:    {FromHour: 0, ToHour: 23},
	}
}

// DefaultDelays returns the default pause between provider calls per
// strategy.
func DefaultDelays() map[Strategy]time.Duration {
	return map[Strategy]time.Duration{
		StrategyCritical:      500 * time.Millisecond,
		StrategyHistorical:    250 * time.Millisecond,
		StrategyRouteSegments: 500 * time.Millisecond,
		StrategyTimeBased:     300 * time.Millisecond,
		StrategyUserPatterns:  100 * time.Millisecond,
		StrategyPredictive:    400 * time.Millisecond,
		StrategyManual:        100 * time.Millisecond,
	}
}

// Candidate limits per run.
const (
	criticalLimit     = 20
	historicalLimit   = 50
	routeSegmentLimit = 20
	timeBasedLimit    = 30
	userPatternLimit  = 15
	predictiveLimit   = 25
)

var warmingTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "geoquota_warming_total",
	Help: "Warming attempts by strategy and outcome",
}, []string{"strategy", "outcome"})

// Loader computes a target through the governed provider path and stores
// the result in the cache. It returns an error wrapping
// ratelimit.ErrQuotaExceeded when the quota guard blocks the call, and a
// nil entry when the provider had no result.
type Loader interface {
	Load(ctx context.Context, target Target) (*cache.Entry, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, target Target) (*cache.Entry, error)

// Load implements Loader.
func (f LoaderFunc) Load(ctx context.Context, target Target) (*cache.Entry, error) {
	return f(ctx, target)
}

// PatternSource provides usage patterns from business data.
type PatternSource interface {
	FrequentPlaylists(ctx context.Context, since time.Time, minUsage, limit int) ([]signals.Playlist, error)
	UserAddressPatterns(ctx context.Context, since time.Time, minPlaylists, limit int) ([]signals.UserPattern, error)
}

// Engine runs warming passes.
type Engine struct {
	queue       *Queue
	cache       *cache.Manager
	loader      Loader
	patterns    PatternSource
	eligibility map[Strategy]Window
	delays      map[Strategy]time.Duration
	logger      zerolog.Logger
}

// NewEngine creates an engine. patterns may be nil, which disables the
// strategies that need business data.
func NewEngine(queue *Queue, cacheManager *cache.Manager, loader Loader, patterns PatternSource, logger zerolog.Logger) *Engine {
	return &Engine{
		queue:       queue,
		cache:       cacheManager,
		loader:      loader,
		patterns:    patterns,
		eligibility: DefaultEligibility(),
		delays:      DefaultDelays(),
		logger:      logger,
	}
}

// SetEligibility overrides strategy windows.
func (e *Engine) SetEligibility(windows map[Strategy]Window) {
	for s, w := range windows {
		e.eligibility[s] = w
	}
}

// SetDelays overrides inter-call delays.
func (e *Engine) SetDelays(delays map[Strategy]time.Duration) {
	for s, d := range delays {
		e.delays[s] = d
	}
}

// Eligible reports whether strategy s may run at t.
func (e *Engine) Eligible(s Strategy, t time.Time) bool {
	w, ok := e.eligibility[s]
	return ok && w.Allows(t)
}

func (e *Engine) pacer(s Strategy) *rate.Limiter {
	d := e.delays[s]
	if d <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(d), 1)
}

// run is the state of one strategy execution.
type run struct {
	strategy Strategy
	pacer    *rate.Limiter
	result   StrategyResult
}

func (e *Engine) newRun(s Strategy) *run {
	return &run{strategy: s, pacer: e.pacer(s), result: StrategyResult{Strategy: s}}
}

// outcome of a single load.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeEmpty
	outcomeFailed
	outcomeBlocked
)

func (o outcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeEmpty:
		return "empty"
	case outcomeBlocked:
		return "blocked"
	default:
		return "failed"
	}
}

// load paces and executes one target. The error is returned for callers
// that record it; it is already logged.
func (e *Engine) load(ctx context.Context, r *run, target Target) (*cache.Entry, outcome, error) {
	if err := r.pacer.Wait(ctx); err != nil {
		return nil, outcomeFailed, err
	}

	entry, err := e.loader.Load(ctx, target)
	o := outcomeSuccess
	switch {
	case errors.Is(err, ratelimit.ErrQuotaExceeded):
		o = outcomeBlocked
	case err != nil:
		o = outcomeFailed
	case entry == nil:
		o = outcomeEmpty
	}

	r.result.count(o)
	warmingTotal.WithLabelValues(string(r.strategy), o.String()).Inc()

	if err != nil && o != outcomeBlocked {
		e.logger.Warn().
			Err(err).
			Str("strategy", string(r.strategy)).
			Str("cache_key", target.CacheKey()).
			Msg("Warming failed")
	}
	return entry, o, err
}

// Run executes one warming pass. Per-item failures are logged and counted;
// Run only fails when ctx is done.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	now := e.cache.Now()
	report := &Report{StartedAt: now}

	critical, err := e.drainCritical(ctx)
	if err != nil {
		return nil, err
	}
	report.add(critical)

	steps := map[Strategy]func(context.Context, *run) error{
		StrategyHistorical:    e.historical,
		StrategyRouteSegments: e.routeSegments,
		StrategyTimeBased:     e.timeBased,
		StrategyUserPatterns:  e.userPatterns,
		StrategyPredictive:    e.predictive,
	}
	for _, s := range Strategies {
		if !e.Eligible(s, now) {
			continue
		}
		r := e.newRun(s)
		if err := steps[s](ctx, r); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Warn().Err(err).Str("strategy", string(s)).Msg("Warming strategy aborted")
		}
		report.add(r.result)
		report.StrategiesUsed = append(report.StrategiesUsed, s)
	}

	report.finish(time.Since(start))
	e.logger.Info().
		Int("processed", report.TotalProcessed).
		Int("successful", report.Successful).
		Int("failed", report.Failed).
		Int("blocked", report.Blocked).
		Float64("estimated_cost", report.EstimatedCost).
		Dur("duration", report.Duration).
		Msg("Warming run completed")

	return report, nil
}

// drainCritical processes due jobs of priority high or above.
func (e *Engine) drainCritical(ctx context.Context) (StrategyResult, error) {
	r := e.newRun(StrategyCritical)

	jobs, err := e.queue.Due(ctx, PriorityHigh, criticalLimit)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to read warming queue")
		return r.result, ctx.Err()
	}
	r.result.Candidates = len(jobs)

	for _, job := range jobs {
		claimed, err := e.queue.Claim(ctx, job.ID)
		if err != nil {
			e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to claim warming job")
			continue
		}
		if !claimed {
			continue
		}

		_, o, err := e.load(ctx, r, job.Target)
		if ctx.Err() != nil {
			return r.result, ctx.Err()
		}

		var finishErr error
		switch o {
		case outcomeSuccess:
			finishErr = e.queue.Complete(ctx, job.ID)
		case outcomeEmpty:
			finishErr = e.queue.Fail(ctx, job.ID, "no data returned")
		default:
			finishErr = e.queue.Fail(ctx, job.ID, err.Error())
		}
		if finishErr != nil {
			e.logger.Warn().Err(finishErr).Str("job_id", job.ID).Msg("Failed to update warming job")
		}
	}
	return r.result, nil
}

// historical re-inserts popular entries that recently expired. Only reads
// count as use; the entry's own refreshes do not.
func (e *Engine) historical(ctx context.Context, r *run) error {
	now := e.cache.Now()
	entries, err := e.cache.Scan(ctx, cache.Filter{ExpiresBefore: now.Add(2 * time.Hour)})
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if r.result.Candidates >= historicalLimit {
			break
		}
		if entry.HitCount <= 5 || entry.ReadsSince(now, cache.ReadWindowDays) < 3 {
			continue
		}
		r.result.Candidates++
		if !entry.IsExpiredAt(now) {
			continue
		}
		target, ok := TargetOf(entry)
		if !ok {
			continue
		}
		e.load(ctx, r, target)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// routeSegments makes sure frequently used playlists have geocoded stops
// and traffic-aware segment routes.
func (e *Engine) routeSegments(ctx context.Context, r *run) error {
	if e.patterns == nil {
		return nil
	}
	now := e.cache.Now()
	playlists, err := e.patterns.FrequentPlaylists(ctx, now.AddDate(0, 0, -30), 2, routeSegmentLimit)
	if err != nil {
		return err
	}

	for _, pl := range playlists {
		r.result.Candidates++
		tag := cache.PlaylistTag(pl.ID)

		points := make([]*geo.Point, len(pl.Addresses))
		for i, address := range pl.Addresses {
			p, err := e.ensureGeocode(ctx, r, address, tag)
			if err != nil {
				return err
			}
			points[i] = p
		}

		for i := 0; i+1 < len(points); i++ {
			from, to := points[i], points[i+1]
			if from == nil || to == nil {
				continue
			}
			target := RouteTarget([]geo.Point{*from, *to}, geo.RouteOptions{WithTraffic: true, DepartureTime: "now"})
			target.Tags = []string{tag}
			target.Parents = []string{cache.GeocodeKey(pl.Addresses[i]), cache.GeocodeKey(pl.Addresses[i+1])}

			if live, err := e.cache.IsLive(ctx, target.CacheKey()); err == nil && live {
				continue
			}
			e.load(ctx, r, target)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
	return nil
}

// ensureGeocode returns the coordinates of address, geocoding it when the
// cache has no live entry. A nil point means the address could not be
// resolved; the error is only set when ctx is done.
func (e *Engine) ensureGeocode(ctx context.Context, r *run, address, tag string) (*geo.Point, error) {
	now := e.cache.Now()
	entry, err := e.cache.Peek(ctx, cache.GeocodeKey(address))
	if err != nil || entry.Type != cache.TypeGeocoding || entry.IsExpiredAt(now) {
		target := GeocodeTarget(address)
		if tag != "" {
			target.Tags = []string{tag}
		}
		var o outcome
		entry, o, _ = e.load(ctx, r, target)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if o != outcomeSuccess {
			return nil, nil
		}
	}

	var loc geo.Location
	if err := json.Unmarshal(entry.Value, &loc); err != nil {
		return nil, nil
	}
	p := loc.Point()
	return &p, nil
}

// nextOccurrence returns the unix time of the next hh:mm after now, in
// now's location.
func nextOccurrence(hhmm string, now time.Time) (string, bool) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return "", false
	}
	at := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
	if !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}
	return strconv.FormatInt(at.Unix(), 10), true
}

// timeBased refreshes route and traffic entries that are popular at this
// time of day, forcing a departure time of now.
func (e *Engine) timeBased(ctx context.Context, r *run) error {
	now := e.cache.Now()
	if !cache.IsWorkday(now.Weekday()) && !cache.IsRushHour(now.Hour()) {
		return nil
	}

	entries, err := e.cache.Scan(ctx, cache.Filter{
		Types:         []cache.Type{cache.TypeRoute, cache.TypeTraffic},
		LiveOnly:      true,
		ExpiresBefore: now.Add(time.Hour),
	})
	if err != nil {
		return err
	}

	workday := cache.IsWorkday(now.Weekday())
	for _, entry := range entries {
		if r.result.Candidates >= timeBasedLimit {
			break
		}
		if entry.HitCount <= 3 || !similarHour(entry.Metadata.CreatedHour, now.Hour()) ||
			cache.IsWorkday(entry.Metadata.CreatedWeekday) != workday {
			continue
		}
		target, ok := TargetOf(entry)
		if !ok || target.Type == cache.TypeGeocoding {
			continue
		}
		r.result.Candidates++

		target.Departure = "now"
		target.Pattern = entry.Metadata.PreferredDepartureTime
		target.Prediction = entry.Metadata.PredictionScore
		e.load(ctx, r, target)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func similarHour(a, b int) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	if d > 12 {
		d = 24 - d
	}
	return d <= 1
}

// userPatterns geocodes the recurring addresses of active users.
func (e *Engine) userPatterns(ctx context.Context, r *run) error {
	if e.patterns == nil {
		return nil
	}
	now := e.cache.Now()
	users, err := e.patterns.UserAddressPatterns(ctx, now.AddDate(0, 0, -14), 3, userPatternLimit)
	if err != nil {
		return err
	}

	for _, u := range users {
		for _, address := range u.Addresses {
			live, err := e.cache.IsLive(ctx, cache.GeocodeKey(address))
			if err == nil && live {
				continue
			}
			r.result.Candidates++
			e.load(ctx, r, GeocodeTarget(address))
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
	return nil
}

// Prediction feedback applied after a predictive refresh.
const (
	predictionReward  = 0.05
	predictionPenalty = -0.1
)

// predictive refreshes entries likely to be requested again before they
// expire and feeds the outcome back into their prediction score.
func (e *Engine) predictive(ctx context.Context, r *run) error {
	now := e.cache.Now()
	entries, err := e.cache.Scan(ctx, cache.Filter{LiveOnly: true, ExpiresBefore: now.Add(30 * time.Minute)})
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if r.result.Candidates >= predictiveLimit {
			break
		}
		if entry.Metadata.PredictionScore <= 0.7 || entry.HitCount <= 2 {
			continue
		}
		target, ok := TargetOf(entry)
		if !ok {
			continue
		}
		r.result.Candidates++

		if dep := entry.Metadata.PreferredDepartureTime; dep != "" && target.Type != cache.TypeGeocoding {
			if at, ok := nextOccurrence(dep, now); ok {
				target.Departure = at
			}
			target.Pattern = dep
		}
		target.Prediction = entry.Metadata.PredictionScore

		_, o, _ := e.load(ctx, r, target)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delta := predictionPenalty
		switch o {
		case outcomeBlocked:
			continue
		case outcomeSuccess:
			delta = predictionReward
		}
		if _, err := e.cache.AdjustPrediction(ctx, entry.Key, delta); err != nil {
			e.logger.Warn().Err(err).Str("cache_key", entry.Key).Msg("Failed to adjust prediction score")
		}
	}
	return nil
}

// WarmRoute computes and caches one route. It reports whether the route
// was stored.
func (e *Engine) WarmRoute(ctx context.Context, waypoints []geo.Point, opts geo.RouteOptions) bool {
	r := e.newRun(StrategyManual)
	_, o, _ := e.load(ctx, r, RouteTarget(waypoints, opts))
	return o == outcomeSuccess
}

// WarmAddresses geocodes addresses in order and returns how many were
// stored.
func (e *Engine) WarmAddresses(ctx context.Context, addresses []string) int {
	r := e.newRun(StrategyManual)
	n := 0
	for _, address := range addresses {
		_, o, _ := e.load(ctx, r, GeocodeTarget(address))
		if ctx.Err() != nil {
			break
		}
		if o == outcomeSuccess {
			n++
		}
	}
	return n
}
