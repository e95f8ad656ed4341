package invalidation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	logKey     = "geoquota:invalidations"
	maxLogSize = 10000
)

// Record is one audited eviction.
type Record struct {
	CacheKey      string    `json:"cache_key"`
	Strategy      Strategy  `json:"strategy"`
	Reason        string    `json:"reason"`
	InvalidatedAt time.Time `json:"invalidated_at"`
}

// AuditLog is the append-only eviction trail.
type AuditLog struct {
	redis *redis.Client
}

// NewAuditLog creates an audit log on Redis.
func NewAuditLog(redisClient *redis.Client) *AuditLog {
	return &AuditLog{redis: redisClient}
}

// Append stores rec.
func (l *AuditLog) Append(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal invalidation record: %w", err)
	}

	pipe := l.redis.TxPipeline()
	pipe.LPush(ctx, logKey, data)
	pipe.LTrim(ctx, logKey, 0, maxLogSize-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append invalidation record: %w", err)
	}
	return nil
}

// Since returns the records written at or after t, newest first.
func (l *AuditLog) Since(ctx context.Context, t time.Time) ([]Record, error) {
	raw, err := l.redis.LRange(ctx, logKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read invalidation log: %w", err)
	}

	var out []Record
	for _, item := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		if rec.InvalidatedAt.Before(t) {
			// Records are pushed in time order.
			break
		}
		out = append(out, rec)
	}
	return out, nil
}

// StrategyStats is the eviction count of one strategy.
type StrategyStats struct {
	Strategy   Strategy `json:"strategy"`
	Count      int      `json:"count"`
	UniqueKeys int      `json:"unique_keys"`
}

// Stats summarises the audit log over a time window.
type Stats struct {
	Total      int             `json:"total_invalidations"`
	ByStrategy []StrategyStats `json:"by_strategy"`
	Window     time.Duration   `json:"window"`
}

func summarize(records []Record, window time.Duration) Stats {
	counts := make(map[Strategy]int)
	keys := make(map[Strategy]map[string]bool)
	for _, rec := range records {
		counts[rec.Strategy]++
		if keys[rec.Strategy] == nil {
			keys[rec.Strategy] = make(map[string]bool)
		}
		keys[rec.Strategy][rec.CacheKey] = true
	}

	s := Stats{Total: len(records), Window: window}
	for strategy, n := range counts {
		s.ByStrategy = append(s.ByStrategy, StrategyStats{
			Strategy:   strategy,
			Count:      n,
			UniqueKeys: len(keys[strategy]),
		})
	}
	sort.Slice(s.ByStrategy, func(i, j int) bool {
		if s.ByStrategy[i].Count != s.ByStrategy[j].Count {
			return s.ByStrategy[i].Count > s.ByStrategy[j].Count
		}
		return s.ByStrategy[i].Strategy < s.ByStrategy[j].Strategy
	})
	return s
}
