// Package usage implements the per-provider usage ledger. Calls are counted
// in hourly and daily buckets stored as Redis hashes so that concurrent
// writers never lose increments.
package usage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/geoquota/pkg/provider"
)

// PeriodType is the granularity of a usage bucket.
type PeriodType string

const (
	// Hourly buckets span one local clock hour.
	Hourly PeriodType = "hourly"

	// Daily buckets span one local calendar day.
	Daily PeriodType = "daily"
)

// DefaultRetention is how long usage buckets are kept before Cleanup removes them.
const DefaultRetention = 30 * 24 * time.Hour

// Redis key layout.
const (
	keyPrefix       = "geoquota:usage:"
	indexKey        = "geoquota:usage:index"
	lastRequestKey  = "geoquota:ratelimit:%s:last_request"
	fieldRequests   = "requests"
	fieldErrors     = "errors"
	fieldTotalMs    = "total_ms"
	fieldEndpoint   = "endpoint"
	fieldUpdatedAt  = "updated_at"
	hourlyKeyLayout = "2006-01-02T15"
	dailyKeyLayout  = "2006-01-02"
)

var usageRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "geoquota_usage_records_total",
	Help: "Provider calls recorded in the usage ledger by provider and outcome",
}, []string{"provider", "outcome"})

// Record is the aggregate of one provider bucket.
type Record struct {
	Provider      provider.Provider `json:"provider"`
	PeriodType    PeriodType        `json:"period_type"`
	PeriodKey     string            `json:"period_key"`
	Endpoint      string            `json:"endpoint,omitempty"`
	Requests      int64             `json:"requests"`
	Errors        int64             `json:"errors"`
	TotalMs       float64           `json:"total_response_ms"`
	AvgResponseMs float64           `json:"avg_response_ms"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Snapshot is the current usage of a provider.
type Snapshot struct {
	Daily         Record
	Hourly        Record
	LastRequestAt time.Time
}

// Ledger records provider calls and reads the current buckets.
type Ledger struct {
	redis  *redis.Client
	logger zerolog.Logger
	now    func() time.Time
	loc    *time.Location
}

// NewLedger creates a ledger using local time for bucket boundaries.
func NewLedger(redisClient *redis.Client, logger zerolog.Logger) *Ledger {
	return &Ledger{
		redis:  redisClient,
		logger: logger,
		now:    time.Now,
		loc:    time.Local,
	}
}

// SetClock replaces the time source (for testing).
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// SetLocation sets the time zone that defines day and hour boundaries.
func (l *Ledger) SetLocation(loc *time.Location) {
	if loc != nil {
		l.loc = loc
	}
}

// Now returns the current time in the ledger's location.
func (l *Ledger) Now() time.Time {
	return l.now().In(l.loc)
}

// Location returns the time zone that defines bucket boundaries.
func (l *Ledger) Location() *time.Location {
	return l.loc
}

// PeriodKey returns the bucket identifier containing t.
func PeriodKey(period PeriodType, t time.Time) string {
	if period == Hourly {
		return t.Format(hourlyKeyLayout)
	}
	return t.Format(dailyKeyLayout)
}

func periodStart(period PeriodType, t time.Time) time.Time {
	if period == Hourly {
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func bucketKey(p provider.Provider, period PeriodType, periodKey string) string {
	return keyPrefix + string(p) + ":" + string(period) + ":" + periodKey
}

// Record adds one call to the hourly and daily bucket of p and updates the
// provider's last request time. All increments run in one transaction.
func (l *Ledger) Record(ctx context.Context, p provider.Provider, endpoint string, success bool, responseTime time.Duration) error {
	now := l.Now()
	ms := float64(responseTime) / float64(time.Millisecond)

	pipe := l.redis.TxPipeline()
	for _, period := range []PeriodType{Hourly, Daily} {
		key := bucketKey(p, period, PeriodKey(period, now))
		pipe.HIncrBy(ctx, key, fieldRequests, 1)
		if !success {
			pipe.HIncrBy(ctx, key, fieldErrors, 1)
		}
		pipe.HIncrByFloat(ctx, key, fieldTotalMs, ms)
		pipe.HSet(ctx, key, fieldEndpoint, endpoint, fieldUpdatedAt, now.UnixMilli())
		pipe.ZAdd(ctx, indexKey, redis.Z{
			Score:  float64(periodStart(period, now).Unix()),
			Member: key,
		})
	}
	pipe.Set(ctx, fmt.Sprintf(lastRequestKey, p), now.UnixMilli(), 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record usage for %s: %w", p, err)
	}

	outcome := "success"
	if !success {
		outcome = "error"
	}
	usageRecordsTotal.WithLabelValues(string(p), outcome).Inc()

	l.logger.Debug().
		Str("provider", string(p)).
		Str("endpoint", endpoint).
		Bool("success", success).
		Float64("response_ms", ms).
		Msg("Usage recorded")

	return nil
}

// Current returns the hourly and daily buckets containing now plus the last
// request time of p.
func (l *Ledger) Current(ctx context.Context, p provider.Provider) (Snapshot, error) {
	now := l.Now()
	hourlyKey := PeriodKey(Hourly, now)
	dailyKey := PeriodKey(Daily, now)

	pipe := l.redis.Pipeline()
	hourlyCmd := pipe.HGetAll(ctx, bucketKey(p, Hourly, hourlyKey))
	dailyCmd := pipe.HGetAll(ctx, bucketKey(p, Daily, dailyKey))
	lastCmd := pipe.Get(ctx, fmt.Sprintf(lastRequestKey, p))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Snapshot{}, fmt.Errorf("read usage for %s: %w", p, err)
	}

	snap := Snapshot{
		Hourly: parseRecord(p, Hourly, hourlyKey, hourlyCmd.Val()),
		Daily:  parseRecord(p, Daily, dailyKey, dailyCmd.Val()),
	}
	if ms, err := lastCmd.Int64(); err == nil {
		snap.LastRequestAt = time.UnixMilli(ms).In(l.loc)
	}
	return snap, nil
}

// LastRequest returns the time of the last recorded call to p. The boolean
// is false when p was never called.
func (l *Ledger) LastRequest(ctx context.Context, p provider.Provider) (time.Time, bool, error) {
	ms, err := l.redis.Get(ctx, fmt.Sprintf(lastRequestKey, p)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get last request for %s: %w", p, err)
	}
	return time.UnixMilli(ms).In(l.loc), true, nil
}

// History returns the daily buckets of p for the last days days, newest
// first. Days without calls are returned with zero counts.
func (l *Ledger) History(ctx context.Context, p provider.Provider, days int) ([]Record, error) {
	if days <= 0 {
		return nil, nil
	}

	today := periodStart(Daily, l.Now())
	keys := make([]string, days)
	cmds := make([]*redis.MapStringStringCmd, days)

	pipe := l.redis.Pipeline()
	for i := 0; i < days; i++ {
		keys[i] = PeriodKey(Daily, today.AddDate(0, 0, -i))
		cmds[i] = pipe.HGetAll(ctx, bucketKey(p, Daily, keys[i]))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read usage history for %s: %w", p, err)
	}

	records := make([]Record, days)
	for i := range cmds {
		records[i] = parseRecord(p, Daily, keys[i], cmds[i].Val())
	}
	return records, nil
}

// Cleanup deletes buckets that started before now minus retention and
// returns the number of removed buckets.
func (l *Ledger) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := l.Now().Add(-retention).Unix()

	keys, err := l.redis.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list expired usage buckets: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	members := make([]interface{}, len(keys))
	for i, k := range keys {
		members[i] = k
	}

	pipe := l.redis.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, indexKey, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("delete expired usage buckets: %w", err)
	}

	l.logger.Info().
		Int("buckets", len(keys)).
		Dur("retention", retention).
		Msg("Usage retention sweep completed")

	return len(keys), nil
}

func parseRecord(p provider.Provider, period PeriodType, periodKey string, fields map[string]string) Record {
	rec := Record{
		Provider:   p,
		PeriodType: period,
		PeriodKey:  periodKey,
		Endpoint:   fields[fieldEndpoint],
	}
	rec.Requests, _ = strconv.ParseInt(fields[fieldRequests], 10, 64)
	rec.Errors, _ = strconv.ParseInt(fields[fieldErrors], 10, 64)
	rec.TotalMs, _ = strconv.ParseFloat(fields[fieldTotalMs], 64)
	if rec.Requests > 0 {
		rec.AvgResponseMs = rec.TotalMs / float64(rec.Requests)
	}
	if ms, err := strconv.ParseInt(fields[fieldUpdatedAt], 10, 64); err == nil {
		rec.UpdatedAt = time.UnixMilli(ms)
	}
	return rec
}
