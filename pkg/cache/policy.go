package cache

import (
	"math"
	"time"
)

// TTL policy defaults.
const (
	GeocodingBaseTTL  = 30 * 24 * time.Hour
	GeocodingMinTTL   = 24 * time.Hour
	GeocodingMaxTTL   = 90 * 24 * time.Hour
	RouteTTL          = time.Hour
	RouteTrafficTTL   = 5 * time.Minute
	TrafficTTL        = 5 * time.Minute
	TrafficMinTTL     = time.Minute
	MatrixTTL         = 30 * time.Minute
	ExpiredRetention  = 24 * time.Hour
	predictionCeiling = 1.0
)

// IsRushHour reports whether hour is within 7-9 or 17-19.
func IsRushHour(hour int) bool {
	return (hour >= 7 && hour <= 9) || (hour >= 17 && hour <= 19)
}

// IsWorkday reports whether day is Monday to Friday.
func IsWorkday(day time.Weekday) bool {
	return day >= time.Monday && day <= time.Friday
}

// TTLFor returns the logical lifetime of a new entry written at now.
func TTLFor(t Type, meta Metadata, now time.Time) time.Duration {
	switch t {
	case TypeGeocoding:
		ttl := time.Duration(float64(GeocodingBaseTTL) * (0.5 + meta.Confidence))
		if ttl < GeocodingMinTTL {
			return GeocodingMinTTL
		}
		if ttl > GeocodingMaxTTL {
			return GeocodingMaxTTL
		}
		return ttl
	case TypeRoute:
		if meta.WithTraffic {
			return RouteTrafficTTL
		}
		return RouteTTL
	case TypeTraffic:
		ttl := TrafficTTL
		if IsRushHour(now.Hour()) {
			ttl /= 2
		}
		if ttl < TrafficMinTTL {
			ttl = TrafficMinTTL
		}
		return ttl
	case TypeMatrix:
		return MatrixTTL
	default:
		return RouteTTL
	}
}

var basePrediction = map[Type]float64{
	TypeGeocoding: 0.8,
	TypeRoute:     0.6,
	TypeTraffic:   0.3,
	TypeMatrix:    0.7,
}

// PredictionScore returns the initial reuse likelihood of an entry of type t
// written at now.
func PredictionScore(t Type, now time.Time) float64 {
	score := basePrediction[t]
	if h := now.Hour(); h >= 6 && h <= 18 {
		score += 0.2
	}
	if IsWorkday(now.Weekday()) {
		score += 0.1
	}
	return math.Min(predictionCeiling, math.Round(score*100)/100)
}
