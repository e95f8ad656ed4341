// Package provider defines the metered external providers, their default
// limits and the downstream call contract the engine uses to reach them.
package provider

import (
	"errors"
	"fmt"
	"strings"
)

// Provider identifies one of the metered external services.
type Provider string

const (
	// Maps is the commercial maps provider (geocoding, directions, traffic).
	Maps Provider = "maps"

	// Geocoder is the free geocoder limited to one request per second.
	Geocoder Provider = "geocoder"

	// Router is the free routing provider used as secondary router.
	Router Provider = "router"
)

// All lists every known provider in reporting order.
var All = []Provider{Maps, Geocoder, Router}

// ErrUnknownProvider is returned for provider names that have no limits
// configured. It is the only unrecoverable error of the quota path.
var ErrUnknownProvider = errors.New("unknown provider")

// Parse converts a provider name into a Provider.
func Parse(name string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range All {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProvider, name)
}

// String implements fmt.Stringer.
func (p Provider) String() string {
	return string(p)
}

// Limits are the quota limits of a provider.
type Limits struct {
	// DailyLimit is the number of requests allowed per local calendar day.
	DailyLimit int `json:"daily" yaml:"daily_limit" validate:"gt=0"`

	// HourlyLimit is the number of requests allowed per clock hour.
	HourlyLimit int `json:"hourly" yaml:"hourly_limit" validate:"gt=0"`

	// PerSecondLimit is the provider's per-second ceiling. A value of 1 makes
	// the guard enforce a strict one-second gap between calls.
	PerSecondLimit int `json:"per_second" yaml:"per_second_limit" validate:"gt=0"`

	// CostPerRequest is the billed cost of a single request in EUR.
	CostPerRequest float64 `json:"cost_per_request" yaml:"cost_per_request" validate:"gte=0"`
}

// StrictPerSecond reports whether the provider allows at most one request
// per second.
func (l Limits) StrictPerSecond() bool {
	return l.PerSecondLimit == 1
}

// DefaultLimits returns the built-in limit table.
func DefaultLimits() map[Provider]Limits {
	return map[Provider]Limits{
		Maps: {
			DailyLimit:     25000,
			HourlyLimit:    2500,
			PerSecondLimit: 50,
			CostPerRequest: 0.005,
		},
		Geocoder: {
			DailyLimit:     86400,
			HourlyLimit:    3600,
			PerSecondLimit: 1,
		},
		Router: {
			DailyLimit:     2000,
			HourlyLimit:    500,
			PerSecondLimit: 5,
		},
	}
}

// MergeLimits overlays the non-zero fields of override on base.
func MergeLimits(base, override Limits) Limits {
	if override.DailyLimit > 0 {
		base.DailyLimit = override.DailyLimit
	}
	if override.HourlyLimit > 0 {
		base.HourlyLimit = override.HourlyLimit
	}
	if override.PerSecondLimit > 0 {
		base.PerSecondLimit = override.PerSecondLimit
	}
	if override.CostPerRequest > 0 {
		base.CostPerRequest = override.CostPerRequest
	}
	return base
}
