package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/geoquota/pkg/provider"
)

// Redis keys for warning storage.
const (
	warningLockKey = "geoquota:warning:%s:%s"
	warningsKey    = "geoquota:warnings"
	maxWarnings    = 1000
)

var warningsEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "geoquota_quota_warnings_total",
	Help: "Quota warnings emitted by provider and level",
}, []string{"provider", "level"})

// WarningRecord is an emitted usage warning.
type WarningRecord struct {
	Provider       provider.Provider `json:"provider"`
	Level          WarningLevel      `json:"level"`
	DailyRequests  int64             `json:"daily_requests"`
	HourlyRequests int64             `json:"hourly_requests"`
	DailyPercent   float64           `json:"daily_percentage"`
	EstimatedCost  float64           `json:"estimated_cost"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Message renders the record as a human readable alert.
func (r WarningRecord) Message() string {
	msg := fmt.Sprintf("%s usage %s: %.1f%% of daily limit (%d requests today, %d this hour)",
		r.Provider, r.Level, r.DailyPercent, r.DailyRequests, r.HourlyRequests)
	if r.EstimatedCost > 0 {
		msg += fmt.Sprintf(", estimated cost %.2f EUR", r.EstimatedCost)
	}
	return msg
}

// Notifier delivers warnings to operators.
type Notifier interface {
	Notify(ctx context.Context, rec WarningRecord)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, rec WarningRecord)

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, rec WarningRecord) {
	f(ctx, rec)
}

// LogNotifier writes warnings to the log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a notifier that logs at warn level.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, rec WarningRecord) {
	n.logger.Warn().
		Str("provider", string(rec.Provider)).
		Str("warning_level", string(rec.Level)).
		Int64("daily_requests", rec.DailyRequests).
		Int64("hourly_requests", rec.HourlyRequests).
		Float64("estimated_cost", rec.EstimatedCost).
		Msg(rec.Message())
}

// WarningStore de-duplicates and keeps warning records.
type WarningStore struct {
	redis    *redis.Client
	cooldown time.Duration
}

// NewWarningStore creates a store with the given cooldown.
func NewWarningStore(redisClient *redis.Client, cooldown time.Duration) *WarningStore {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &WarningStore{redis: redisClient, cooldown: cooldown}
}

// Emit stores rec unless a warning of the same provider and level was
// emitted within the cooldown. It reports whether rec was stored.
func (s *WarningStore) Emit(ctx context.Context, rec WarningRecord) (bool, error) {
	lock := fmt.Sprintf(warningLockKey, rec.Provider, rec.Level)
	ok, err := s.redis.SetNX(ctx, lock, rec.CreatedAt.Unix(), s.cooldown).Result()
	if err != nil {
		return false, fmt.Errorf("acquire warning slot: %w", err)
	}
	if !ok {
		return false, nil
	}

	data, err := json.Marshal(rec)
	if err == nil {
		pipe := s.redis.TxPipeline()
		pipe.LPush(ctx, warningsKey, data)
		pipe.LTrim(ctx, warningsKey, 0, maxWarnings-1)
		_, err = pipe.Exec(ctx)
	}
	if err != nil {
		// Release the slot so the next crossing can emit again.
		if delErr := s.redis.Del(ctx, lock).Err(); delErr != nil {
			err = errors.Join(err, delErr)
		}
		return false, fmt.Errorf("store warning: %w", err)
	}

	warningsEmittedTotal.WithLabelValues(string(rec.Provider), string(rec.Level)).Inc()
	return true, nil
}

// Recent returns up to limit warnings, newest first.
func (s *WarningStore) Recent(ctx context.Context, limit int) ([]WarningRecord, error) {
	if limit <= 0 {
		limit = maxWarnings
	}
	raw, err := s.redis.LRange(ctx, warningsKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list warnings: %w", err)
	}

	out := make([]WarningRecord, 0, len(raw))
	for _, item := range raw {
		var rec WarningRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
