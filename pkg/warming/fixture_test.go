package warming

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/geoquota/pkg/cache"
	"github.com/Sternrassler/geoquota/pkg/geo"
	"github.com/Sternrassler/geoquota/pkg/ratelimit"
	"github.com/Sternrassler/geoquota/pkg/signals"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *testClock) advance(d time.Duration) { c.set(c.now().Add(d)) }

// fakeLoader stores a canned result for every target, except for the
// addresses listed in fail and when blocked is set.
type fakeLoader struct {
	mu      sync.Mutex
	cache   *cache.Manager
	calls   []Target
	fail    map[string]bool
	empty   bool
	blocked bool
}

func (l *fakeLoader) Load(ctx context.Context, target Target) (*cache.Entry, error) {
	l.mu.Lock()
	l.calls = append(l.calls, target)
	l.mu.Unlock()

	if l.blocked {
		return nil, &ratelimit.QuotaError{Decision: ratelimit.Decision{Reason: ratelimit.ReasonDailyLimit}}
	}
	if l.fail[target.Address] {
		return nil, errors.New("boom")
	}
	if l.empty {
		return nil, nil
	}

	var value any
	meta := cache.Metadata{Source: cache.SourceWarming, Request: target.Encode(), PredictionScore: target.Prediction}
	if target.Type == cache.TypeGeocoding {
		value = geo.Location{Lat: 52.52, Lng: 13.40 + float64(len(target.Address))/1000, Address: target.Address, Confidence: 0.9}
		meta.Confidence = 0.9
		meta.Address = geo.NormalizeAddress(target.Address)
	} else {
		value = geo.Route{DistanceMeters: 1000, DurationSeconds: 120}
		meta.WithTraffic = target.Options.WithTraffic
		meta.Confidence = 1
	}
	if meta.PredictionScore == 0 {
		meta.PredictionScore = 0.9
	}
	return storeEntry(ctx, l.cache, target.CacheKey(), target.Type, value, meta, target.Tags, target.Parents, cache.TTLFor(target.Type, meta, l.cache.Now()))
}

func (l *fakeLoader) targets() []Target {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Target(nil), l.calls...)
}

func storeEntry(ctx context.Context, m *cache.Manager, key string, t cache.Type, value any, meta cache.Metadata, tags, parents []string, ttl time.Duration) (*cache.Entry, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	now := m.Now()
	entry := &cache.Entry{
		Key:            key,
		Type:           t,
		Value:          data,
		Metadata:       meta,
		DependencyTags: tags,
		ParentKeys:     parents,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
	if err := m.Set(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

type fakePatterns struct {
	playlists []signals.Playlist
	users     []signals.UserPattern
}

func (f *fakePatterns) FrequentPlaylists(context.Context, time.Time, int, int) ([]signals.Playlist, error) {
	return f.playlists, nil
}

func (f *fakePatterns) UserAddressPatterns(context.Context, time.Time, int, int) ([]signals.UserPattern, error) {
	return f.users, nil
}

type fixture struct {
	engine   *Engine
	queue    *Queue
	cache    *cache.Manager
	loader   *fakeLoader
	patterns *fakePatterns
	clock    *testClock
}

// wednesday is a workday morning outside rush hour.
var wednesday = time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC)

func setup(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clock := &testClock{t: wednesday}
	m := cache.NewManager(rdb, zerolog.Nop())
	m.SetClock(clock.now)
	q := NewQueue(rdb)
	q.SetClock(clock.now)

	loader := &fakeLoader{cache: m, fail: map[string]bool{}}
	patterns := &fakePatterns{}
	e := NewEngine(q, m, loader, patterns, zerolog.Nop())

	delays := make(map[Strategy]time.Duration)
	for s := range DefaultDelays() {
		delays[s] = 0
	}
	e.SetDelays(delays)

	return &fixture{engine: e, queue: q, cache: m, loader: loader, patterns: patterns, clock: clock}
}

// never is a window no hour falls into.
var never = Window{FromHour: 24, ToHour: 24}

// only restricts the discovery strategies to the given ones.
func (f *fixture) only(strategies ...Strategy) {
	windows := make(map[Strategy]Window)
	for _, s := range Strategies {
		windows[s] = never
	}
	for _, s := range strategies {
		windows[s] = Window{FromHour: 0, ToHour: 23}
	}
	f.engine.SetEligibility(windows)
}

// seed stores an entry and reads it hits times.
func (f *fixture) seed(t *testing.T, target Target, meta cache.Metadata, ttl time.Duration, writes, hits int) *cache.Entry {
	t.Helper()
	ctx := context.Background()
	meta.Request = target.Encode()
	var value any = map[string]string{"seed": target.CacheKey()}
	if target.Type == cache.TypeGeocoding {
		value = geo.Location{Lat: 52.52, Lng: 13.41, Address: target.Address, Confidence: meta.Confidence}
	}
	var entry *cache.Entry
	var err error
	for i := 0; i < writes; i++ {
		entry, err = storeEntry(ctx, f.cache, target.CacheKey(), target.Type, value, meta, target.Tags, target.Parents, ttl)
		require.NoError(t, err)
	}
	for i := 0; i < hits; i++ {
		_, err := f.cache.Get(ctx, target.CacheKey())
		require.NoError(t, err)
	}
	return entry
}
