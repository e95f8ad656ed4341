package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	// ErrCacheMiss indicates the requested key was not found or is expired.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted.
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Redis key layout.
const (
	entryPrefix = "geoquota:cache:entry:"
	indexKey    = "geoquota:cache:index"
	tagPrefix   = "geoquota:cache:tag:"
	addrKey     = "geoquota:cache:addr"

	fieldData        = "data"
	fieldHits        = "hits"
	fieldGenerations = "generations"
	fieldPrediction  = "prediction"
	fieldExpires     = "expires"
	fieldReadsPrefix = "reads:"

	loadBatchSize = 200
)

// adjustPrediction adds ARGV[1] to the prediction field of an existing
// entry, clamped to [0,1].
var adjustPrediction = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
local v = tonumber(redis.call('HGET', KEYS[1], 'prediction') or '0') + tonumber(ARGV[1])
if v > 1 then v = 1 end
if v < 0 then v = 0 end
redis.call('HSET', KEYS[1], 'prediction', tostring(v))
return tostring(v)
`)

// Manager is the shared cache store backed by Redis.
//
// Each entry is a hash holding the JSON encoded entry plus counters that are
// updated atomically. A sorted set indexes all keys by expiry, and set
// members per dependency tag allow tag based eviction. Expired entries stay
// physically for ExpiredRetention so that warming can see what used to be
// cached; lookups treat them as absent.
type Manager struct {
	redis  *redis.Client
	logger zerolog.Logger
	now    func() time.Time
}

// NewManager creates a new cache manager with Redis backend.
func NewManager(redisClient *redis.Client, logger zerolog.Logger) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Manager{
		redis:  redisClient,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock replaces the time source (for testing).
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Now returns the manager's current time.
func (m *Manager) Now() time.Time {
	return m.now()
}

func entryKey(key string) string {
	return entryPrefix + key
}

// Get returns a live entry and increments its hit count.
// Returns ErrCacheMiss if the key doesn't exist or the entry is expired.
func (m *Manager) Get(ctx context.Context, key string) (*Entry, error) {
	entry, err := m.Peek(ctx, key)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			CacheMisses.WithLabelValues("unknown").Inc()
		}
		return nil, err
	}
	if entry.IsExpiredAt(m.now()) {
		CacheMisses.WithLabelValues(string(entry.Type)).Inc()
		return nil, ErrCacheMiss
	}

	now := m.now()
	today := dayKey(now)
	pipe := m.redis.TxPipeline()
	hits := pipe.HIncrBy(ctx, entryKey(key), fieldHits, 1)
	reads := pipe.HIncrBy(ctx, entryKey(key), fieldReadsPrefix+today, 1)
	if stale := entry.staleReadDays(now); len(stale) > 0 {
		pipe.HDel(ctx, entryKey(key), stale...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		CacheErrors.WithLabelValues("hit").Inc()
		m.logger.Warn().Err(err).Str("cache_key", key).Msg("Failed to count cache hit")
	} else {
		entry.HitCount = hits.Val()
		if entry.DailyReads == nil {
			entry.DailyReads = make(map[string]int64)
		}
		entry.DailyReads[today] = reads.Val()
	}

	CacheHits.WithLabelValues(string(entry.Type)).Inc()
	m.logger.Debug().
		Str("cache_key", key).
		Str("type", string(entry.Type)).
		Int64("hit_count", entry.HitCount).
		Msg("Cache hit")

	return entry, nil
}

// GetTyped is Get restricted to entries of type t.
func (m *Manager) GetTyped(ctx context.Context, key string, t Type) (*Entry, error) {
	entry, err := m.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry.Type != t {
		return nil, ErrCacheMiss
	}
	return entry, nil
}

// Peek returns an entry without counting a hit, including entries that are
// logically expired but still retained.
func (m *Manager) Peek(ctx context.Context, key string) (*Entry, error) {
	fields, err := m.redis.HGetAll(ctx, entryKey(key)).Result()
	if err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrCacheMiss
	}
	return decodeEntry(fields)
}

// IsLive reports whether key resolves to an unexpired entry.
func (m *Manager) IsLive(ctx context.Context, key string) (bool, error) {
	raw, err := m.redis.HGet(ctx, entryKey(key), fieldExpires).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return false, fmt.Errorf("redis hget: %w", err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, fmt.Errorf("%w: expires %q", ErrInvalidEntry, raw)
	}
	return m.now().Before(time.UnixMilli(ms)), nil
}

// Put stores value under key with the default TTL policy and write-time
// prediction score. Metadata fields left zero are filled in.
func (m *Manager) Put(ctx context.Context, key string, t Type, value any, meta Metadata) (*Entry, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal cache value: %w", err)
	}

	now := m.now()
	if meta.PredictionScore == 0 {
		meta.PredictionScore = PredictionScore(t, now)
	}
	if meta.Source == "" {
		meta.Source = SourceProvider
	}

	entry := &Entry{
		Key:       key,
		Type:      t,
		Value:     data,
		Metadata:  meta,
		CreatedAt: now,
		ExpiresAt: now.Add(TTLFor(t, meta, now)),
	}
	if err := m.Set(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Set stores entry. CreatedAt defaults to now and ExpiresAt must be set.
// Writes are last-writer-wins; the hit count survives rewrites.
func (m *Manager) Set(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}
	if entry.Key == "" {
		return fmt.Errorf("cache entry key cannot be empty")
	}
	if entry.ExpiresAt.IsZero() {
		return fmt.Errorf("cache entry %s has no expiry", entry.Key)
	}

	now := m.now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.Metadata.CreatedHour = entry.CreatedAt.Hour()
	entry.Metadata.CreatedWeekday = entry.CreatedAt.Weekday()

	ttl := entry.TTL(now)
	if ttl <= 0 {
		// Already expired, don't cache
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	key := entryKey(entry.Key)
	pipe := m.redis.TxPipeline()
	pipe.HSet(ctx, key,
		fieldData, data,
		fieldPrediction, strconv.FormatFloat(entry.Metadata.PredictionScore, 'f', -1, 64),
		fieldExpires, entry.ExpiresAt.UnixMilli(),
	)
	generations := pipe.HIncrBy(ctx, key, fieldGenerations, 1)
	pipe.Expire(ctx, key, ttl+ExpiredRetention)
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(entry.ExpiresAt.UnixMilli()), Member: entry.Key})
	for _, tag := range entry.DependencyTags {
		pipe.SAdd(ctx, tagPrefix+tag, entry.Key)
	}
	if entry.Type == TypeGeocoding && entry.Metadata.Address != "" {
		pipe.HSet(ctx, addrKey, entry.Key, entry.Metadata.Address)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	entry.Generations = generations.Val()

	CacheWrites.WithLabelValues(string(entry.Type), string(entry.Metadata.Source)).Inc()
	m.logger.Debug().
		Str("cache_key", entry.Key).
		Str("type", string(entry.Type)).
		Dur("ttl", ttl).
		Msg("Cache entry stored")

	return nil
}

// Delete removes an entry and its index memberships. Deleting a missing key
// is not an error.
func (m *Manager) Delete(ctx context.Context, key string) error {
	entry, err := m.Peek(ctx, key)
	if err != nil && !errors.Is(err, ErrCacheMiss) && !errors.Is(err, ErrInvalidEntry) {
		return err
	}

	pipe := m.redis.TxPipeline()
	pipe.Del(ctx, entryKey(key))
	pipe.ZRem(ctx, indexKey, key)
	pipe.HDel(ctx, addrKey, key)
	if entry != nil {
		for _, tag := range entry.DependencyTags {
			pipe.SRem(ctx, tagPrefix+tag, key)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Filter selects entries for Scan.
type Filter struct {
	// Types restricts the scan to these types; empty means all.
	Types []Type

	// LiveOnly skips logically expired entries.
	LiveOnly bool

	// ExpiresBefore, when set, skips entries expiring at or after it.
	ExpiresBefore time.Time
}

func (f Filter) matches(e *Entry) bool {
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if e.Type == t {
			return true
		}
	}
	return false
}

// Scan returns all indexed entries matching f, ordered by expiry.
func (m *Manager) Scan(ctx context.Context, f Filter) ([]*Entry, error) {
	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if f.LiveOnly {
		rng.Min = "(" + strconv.FormatInt(m.now().UnixMilli(), 10)
	}
	if !f.ExpiresBefore.IsZero() {
		rng.Max = "(" + strconv.FormatInt(f.ExpiresBefore.UnixMilli(), 10)
	}

	keys, err := m.redis.ZRangeByScore(ctx, indexKey, rng).Result()
	if err != nil {
		CacheErrors.WithLabelValues("scan").Inc()
		return nil, fmt.Errorf("scan cache index: %w", err)
	}

	entries, err := m.load(ctx, keys)
	if err != nil {
		return nil, err
	}

	out := entries[:0]
	for _, e := range entries {
		if f.matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// ByTag returns the live entries carrying tag.
func (m *Manager) ByTag(ctx context.Context, tag string) ([]*Entry, error) {
	keys, err := m.redis.SMembers(ctx, tagPrefix+tag).Result()
	if err != nil {
		CacheErrors.WithLabelValues("scan").Inc()
		return nil, fmt.Errorf("read tag %s: %w", tag, err)
	}

	entries, err := m.load(ctx, keys)
	if err != nil {
		return nil, err
	}

	now := m.now()
	out := entries[:0]
	for _, e := range entries {
		if e.HasTag(tag) && !e.IsExpiredAt(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

// GeocodeCandidates returns live geocoding entries whose normalized address
// contains at least one of tokens.
func (m *Manager) GeocodeCandidates(ctx context.Context, tokens []string) ([]*Entry, error) {
	if len(tokens) == 0 {
		return nil, nil
	}

	addrs, err := m.redis.HGetAll(ctx, addrKey).Result()
	if err != nil {
		CacheErrors.WithLabelValues("scan").Inc()
		return nil, fmt.Errorf("read address index: %w", err)
	}

	var keys []string
	for key, addr := range addrs {
		for _, tok := range tokens {
			if strings.Contains(addr, tok) {
				keys = append(keys, key)
				break
			}
		}
	}

	entries, err := m.load(ctx, keys)
	if err != nil {
		return nil, err
	}

	now := m.now()
	out := entries[:0]
	for _, e := range entries {
		if e.Type == TypeGeocoding && !e.IsExpiredAt(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

// AdjustPrediction adds delta to the prediction score of key, clamped to
// [0,1], and returns the new score.
func (m *Manager) AdjustPrediction(ctx context.Context, key string, delta float64) (float64, error) {
	res, err := adjustPrediction.Run(ctx, m.redis, []string{entryKey(key)}, delta).Text()
	if errors.Is(err, redis.Nil) {
		return 0, ErrCacheMiss
	}
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return 0, fmt.Errorf("adjust prediction: %w", err)
	}
	return strconv.ParseFloat(res, 64)
}

// Stats counts indexed entries.
type Stats struct {
	Total  int          `json:"total"`
	Live   int          `json:"live"`
	ByType map[Type]int `json:"by_type"`
}

// Stats returns entry counts by type for live entries.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	total, err := m.redis.ZCard(ctx, indexKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("count cache index: %w", err)
	}
	live, err := m.Scan(ctx, Filter{LiveOnly: true})
	if err != nil {
		return Stats{}, err
	}

	s := Stats{Total: int(total), Live: len(live), ByType: make(map[Type]int)}
	for _, e := range live {
		s.ByType[e.Type]++
	}
	return s, nil
}

// Prune drops index members whose entries are gone from Redis and returns
// how many were removed.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-ExpiredRetention).UnixMilli()
	keys, err := m.redis.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan cache index: %w", err)
	}
	for _, key := range keys {
		if err := m.Delete(ctx, key); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

// load fetches entries in batches. Keys whose hash vanished are removed from
// the index; undecodable entries are skipped.
func (m *Manager) load(ctx context.Context, keys []string) ([]*Entry, error) {
	out := make([]*Entry, 0, len(keys))
	var gone []interface{}

	for start := 0; start < len(keys); start += loadBatchSize {
		end := min(start+loadBatchSize, len(keys))
		batch := keys[start:end]

		pipe := m.redis.Pipeline()
		cmds := make([]*redis.MapStringStringCmd, len(batch))
		for i, key := range batch {
			cmds[i] = pipe.HGetAll(ctx, entryKey(key))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			CacheErrors.WithLabelValues("scan").Inc()
			return nil, fmt.Errorf("load cache entries: %w", err)
		}

		for i, cmd := range cmds {
			fields := cmd.Val()
			if len(fields) == 0 {
				gone = append(gone, batch[i])
				continue
			}
			entry, err := decodeEntry(fields)
			if err != nil {
				m.logger.Warn().Err(err).Str("cache_key", batch[i]).Msg("Skipping invalid cache entry")
				continue
			}
			out = append(out, entry)
		}
	}

	if len(gone) > 0 {
		if err := m.redis.ZRem(ctx, indexKey, gone...).Err(); err != nil {
			m.logger.Warn().Err(err).Int("keys", len(gone)).Msg("Failed to drop vanished keys from index")
		}
	}
	return out, nil
}

func decodeEntry(fields map[string]string) (*Entry, error) {
	var entry Entry
	if err := json.Unmarshal([]byte(fields[fieldData]), &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	entry.HitCount, _ = strconv.ParseInt(fields[fieldHits], 10, 64)
	entry.Generations, _ = strconv.ParseInt(fields[fieldGenerations], 10, 64)
	for field, raw := range fields {
		day, ok := strings.CutPrefix(field, fieldReadsPrefix)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		if entry.DailyReads == nil {
			entry.DailyReads = make(map[string]int64)
		}
		entry.DailyReads[day] = n
	}
	if p, err := strconv.ParseFloat(fields[fieldPrediction], 64); err == nil {
		entry.Metadata.PredictionScore = p
	}
	return &entry, nil
}
