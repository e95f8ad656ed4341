package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/geoquota/pkg/provider"
	"github.com/Sternrassler/geoquota/pkg/usage"
)

// DefaultCooldown is the window in which a warning level is emitted only once
// per provider.
const DefaultCooldown = time.Hour

// Prometheus metrics for quota decisions.
var (
	quotaDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geoquota_quota_decisions_total",
		Help: "Quota decisions by provider and outcome",
	}, []string{"provider", "outcome"})

	quotaDailyUsageRatio = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "geoquota_quota_daily_usage_ratio",
		Help: "Fraction of the daily limit used per provider",
	}, []string{"provider"})
)

// Guard decides whether provider calls are allowed.
type Guard struct {
	ledger   *usage.Ledger
	limits   map[provider.Provider]provider.Limits
	warnings *WarningStore
	notifier Notifier
	logger   zerolog.Logger
}

// NewGuard creates a guard over ledger. The non-zero fields of overrides
// replace the provider.DefaultLimits per field.
func NewGuard(redisClient *redis.Client, ledger *usage.Ledger, overrides map[provider.Provider]provider.Limits, logger zerolog.Logger) *Guard {
	limits := provider.DefaultLimits()
	for p, o := range overrides {
		limits[p] = provider.MergeLimits(limits[p], o)
	}
	return &Guard{
		ledger:   ledger,
		limits:   limits,
		warnings: NewWarningStore(redisClient, DefaultCooldown),
		notifier: NewLogNotifier(logger),
		logger:   logger,
	}
}

// SetNotifier replaces the warning notifier.
func (g *Guard) SetNotifier(n Notifier) {
	if n != nil {
		g.notifier = n
	}
}

// SetCooldown sets the warning de-duplication window.
func (g *Guard) SetCooldown(d time.Duration) {
	if d > 0 {
		g.warnings.cooldown = d
	}
}

// Limits returns the limits of p.
func (g *Guard) Limits(p provider.Provider) (provider.Limits, error) {
	l, ok := g.limits[p]
	if !ok {
		return provider.Limits{}, fmt.Errorf("%w: %q", provider.ErrUnknownProvider, p)
	}
	return l, nil
}

// Warnings returns the store of emitted warning records.
func (g *Guard) Warnings() *WarningStore {
	return g.warnings
}

// CheckAllowed returns the decision for a call to p. An unknown provider is
// the only error; if usage cannot be read the call is denied.
func (g *Guard) CheckAllowed(ctx context.Context, p provider.Provider) (Decision, error) {
	limits, err := g.Limits(p)
	if err != nil {
		return Decision{}, err
	}

	snap, err := g.ledger.Current(ctx, p)
	if err != nil {
		g.logger.Error().
			Err(err).
			Str("provider", string(p)).
			Msg("Usage state unavailable - denying call")
		quotaDecisionsTotal.WithLabelValues(string(p), string(ReasonUnavailable)).Inc()
		return Unavailable(p, limits), nil
	}

	d := Evaluate(p, limits, snap, g.ledger.Now())
	quotaDailyUsageRatio.WithLabelValues(string(p)).Set(ratio(snap.Daily.Requests, limits.DailyLimit))

	if d.Allowed {
		quotaDecisionsTotal.WithLabelValues(string(p), "allowed").Inc()
		if d.WarningLevel != LevelNone {
			g.logger.Debug().
				Str("provider", string(p)).
				Str("warning_level", string(d.WarningLevel)).
				Float64("daily_percentage", d.Usage.DailyPercent).
				Msg("Call allowed with warning")
		}
		return d, nil
	}

	quotaDecisionsTotal.WithLabelValues(string(p), string(d.Reason)).Inc()
	g.logger.Warn().
		Str("provider", string(p)).
		Str("reason", string(d.Reason)).
		Int("retry_after", d.RetryAfterSeconds).
		Int64("daily_requests", d.Usage.Daily).
		Int64("hourly_requests", d.Usage.Hourly).
		Msg("Provider call blocked")

	return d, nil
}

// RecordCall records the outcome of a provider call and emits a warning
// when usage crossed the yellow or red threshold.
func (g *Guard) RecordCall(ctx context.Context, p provider.Provider, endpoint string, success bool, responseTime time.Duration) error {
	limits, err := g.Limits(p)
	if err != nil {
		return err
	}

	if err := g.ledger.Record(ctx, p, endpoint, success, responseTime); err != nil {
		return err
	}

	snap, err := g.ledger.Current(ctx, p)
	if err != nil {
		g.logger.Warn().Err(err).Str("provider", string(p)).Msg("Skipping warning check")
		return nil
	}

	level := levelFor(ratio(snap.Daily.Requests, limits.DailyLimit))
	if level == LevelNone {
		return nil
	}

	now := g.ledger.Now()
	rec := WarningRecord{
		Provider:       p,
		Level:          level,
		DailyRequests:  snap.Daily.Requests,
		HourlyRequests: snap.Hourly.Requests,
		DailyPercent:   percent(snap.Daily.Requests, limits.DailyLimit),
		EstimatedCost:  float64(snap.Daily.Requests) * limits.CostPerRequest,
		CreatedAt:      now,
	}

	emitted, err := g.warnings.Emit(ctx, rec)
	if err != nil {
		g.logger.Warn().Err(err).Str("provider", string(p)).Msg("Failed to store warning")
		return nil
	}
	if emitted {
		g.notifier.Notify(ctx, rec)
	}
	return nil
}

// levelFor returns the warning level of a daily ratio. Ratios at or above
// the block threshold still report red.
func levelFor(r float64) WarningLevel {
	switch {
	case r >= ThresholdRed:
		return LevelRed
	case r >= ThresholdYellow:
		return LevelYellow
	default:
		return LevelNone
	}
}

// ProviderOverview summarises the usage of one provider.
type ProviderOverview struct {
	Provider      provider.Provider `json:"provider"`
	Usage         Usage             `json:"usage"`
	Limits        provider.Limits   `json:"limits"`
	WarningLevel  WarningLevel      `json:"warning_level,omitempty"`
	Blocked       bool              `json:"blocked"`
	EstimatedCost float64           `json:"estimated_cost"`
}

// Overview returns the current usage of every configured provider.
func (g *Guard) Overview(ctx context.Context) ([]ProviderOverview, error) {
	out := make([]ProviderOverview, 0, len(g.limits))
	for _, p := range provider.All {
		limits, ok := g.limits[p]
		if !ok {
			continue
		}
		snap, err := g.ledger.Current(ctx, p)
		if err != nil {
			return nil, err
		}
		d := Evaluate(p, limits, snap, g.ledger.Now())
		level := d.WarningLevel
		if d.Reason == ReasonDailyLimit {
			level = LevelRed
		}
		out = append(out, ProviderOverview{
			Provider:      p,
			Usage:         d.Usage,
			Limits:        limits,
			WarningLevel:  level,
			Blocked:       d.Blocked(),
			EstimatedCost: float64(snap.Daily.Requests) * limits.CostPerRequest,
		})
	}
	return out, nil
}
