// Package ratelimit implements the quota guard. It evaluates the usage
// ledger against per-provider limits and answers whether a provider call may
// be made now, with which warning level, and when to retry if not.
package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Sternrassler/geoquota/pkg/provider"
	"github.com/Sternrassler/geoquota/pkg/usage"
)

// Thresholds for quota decisions, as fraction of the limit.
const (
	// ThresholdYellow raises a yellow warning.
	ThresholdYellow = 0.80

	// ThresholdRed raises a red warning.
	ThresholdRed = 0.90

	// ThresholdBlock blocks further calls until the window resets.
	ThresholdBlock = 0.95
)

// ErrQuotaExceeded is returned when a call is blocked by the guard. It is
// always recoverable through the fallback engine.
var ErrQuotaExceeded = errors.New("quota exceeded")

// WarningLevel is the severity of the current usage.
type WarningLevel string

const (
	LevelNone   WarningLevel = ""
	LevelYellow WarningLevel = "yellow"
	LevelRed    WarningLevel = "red"
)

// Reason names the condition that blocked a call.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonDailyLimit  Reason = "daily_limit"
	ReasonHourlyLimit Reason = "hourly_limit"
	ReasonPerSecond   Reason = "per_second"
	ReasonUnavailable Reason = "unavailable"
)

// Usage is the usage part of a decision.
type Usage struct {
	Daily         int64     `json:"daily"`
	Hourly        int64     `json:"hourly"`
	DailyPercent  float64   `json:"daily_percentage"`
	HourlyPercent float64   `json:"hourly_percentage"`
	LastRequestAt time.Time `json:"last_request_at,omitempty"`
}

// Decision is the answer to "may I call this provider now?".
type Decision struct {
	Provider          provider.Provider `json:"provider"`
	Allowed           bool              `json:"allowed"`
	WarningLevel      WarningLevel      `json:"warning_level,omitempty"`
	Reason            Reason            `json:"reason,omitempty"`
	Message           string            `json:"message,omitempty"`
	RetryAfterSeconds int               `json:"retry_after,omitempty"`
	Usage             Usage             `json:"usage"`
	Limits            provider.Limits   `json:"limits"`
}

// Blocked reports whether the call must not be made.
func (d Decision) Blocked() bool {
	return !d.Allowed
}

// QuotaError wraps a blocking decision so it can travel through error returns.
type QuotaError struct {
	Decision Decision
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s: %s (%s, retry after %ds)", ErrQuotaExceeded, e.Decision.Provider, e.Decision.Reason, e.Decision.RetryAfterSeconds)
}

// Unwrap makes errors.Is(err, ErrQuotaExceeded) work.
func (e *QuotaError) Unwrap() error {
	return ErrQuotaExceeded
}

// Evaluate applies the decision order to a usage snapshot: daily block,
// daily red, daily yellow, hourly block, then the strict per-second gap.
// The first blocking condition wins.
func Evaluate(p provider.Provider, limits provider.Limits, snap usage.Snapshot, now time.Time) Decision {
	d := Decision{
		Provider: p,
		Allowed:  true,
		Limits:   limits,
		Usage: Usage{
			Daily:         snap.Daily.Requests,
			Hourly:        snap.Hourly.Requests,
			DailyPercent:  percent(snap.Daily.Requests, limits.DailyLimit),
			HourlyPercent: percent(snap.Hourly.Requests, limits.HourlyLimit),
			LastRequestAt: snap.LastRequestAt,
		},
	}

	dailyRatio := ratio(snap.Daily.Requests, limits.DailyLimit)
	switch {
	case dailyRatio >= ThresholdBlock:
		d.Allowed = false
		d.Reason = ReasonDailyLimit
		d.RetryAfterSeconds = secondsUntil(now, nextMidnight(now))
		d.Message = fmt.Sprintf("Daily limit for %s almost reached (%.1f%%)", p, d.Usage.DailyPercent)
		return d
	case dailyRatio >= ThresholdRed:
		d.WarningLevel = LevelRed
		d.Message = fmt.Sprintf("Critical: %.1f%% of the daily %s limit used", d.Usage.DailyPercent, p)
	case dailyRatio >= ThresholdYellow:
		d.WarningLevel = LevelYellow
		d.Message = fmt.Sprintf("Warning: %.1f%% of the daily %s limit used", d.Usage.DailyPercent, p)
	}

	if ratio(snap.Hourly.Requests, limits.HourlyLimit) >= ThresholdBlock {
		d.Allowed = false
		d.Reason = ReasonHourlyLimit
		d.RetryAfterSeconds = secondsUntil(now, nextHour(now))
		d.Message = fmt.Sprintf("Hourly limit for %s almost reached (%.1f%%)", p, d.Usage.HourlyPercent)
		return d
	}

	if limits.StrictPerSecond() && !snap.LastRequestAt.IsZero() && now.Sub(snap.LastRequestAt) < time.Second {
		d.Allowed = false
		d.Reason = ReasonPerSecond
		d.RetryAfterSeconds = 1
		d.Message = fmt.Sprintf("%s allows one request per second", p)
		return d
	}

	return d
}

// Unavailable is the deny decision used when usage state cannot be read.
func Unavailable(p provider.Provider, limits provider.Limits) Decision {
	return Decision{
		Provider:          p,
		Allowed:           false,
		Reason:            ReasonUnavailable,
		Message:           fmt.Sprintf("Usage state for %s unavailable, use fallback", p),
		RetryAfterSeconds: 60,
		Limits:            limits,
	}
}

func ratio(count int64, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(count) / float64(limit)
}

func percent(count int64, limit int) float64 {
	return math.Round(ratio(count, limit)*10000) / 100
}

func nextMidnight(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
}

func nextHour(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), now.Hour()+1, 0, 0, 0, now.Location())
}

func secondsUntil(now, t time.Time) int {
	secs := int(math.Ceil(t.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
