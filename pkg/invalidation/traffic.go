package invalidation

import (
	"time"

	"github.com/Sternrassler/geoquota/pkg/cache"
)

// Conditions is the current traffic situation.
type Conditions struct {
	Severity      cache.Severity
	AffectedAreas []string
}

// Classifier derives the current traffic situation.
type Classifier interface {
	Classify(now time.Time) Conditions
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(now time.Time) Conditions

// Classify implements Classifier.
func (f ClassifierFunc) Classify(now time.Time) Conditions {
	return f(now)
}

// RushHourAreas are the areas considered congested during workday rush hour.
var RushHourAreas = []string{"city_center", "highway_a1", "business_district"}

// HeuristicClassifier estimates traffic from the clock: medium with the
// rush hour areas affected during workday rush hour, low between 22:00 and
// 05:59, normal otherwise.
type HeuristicClassifier struct{}

// Classify implements Classifier.
func (HeuristicClassifier) Classify(now time.Time) Conditions {
	c := Conditions{Severity: cache.SeverityNormal}

	hour := now.Hour()
	if cache.IsRushHour(hour) && cache.IsWorkday(now.Weekday()) {
		c.Severity = cache.SeverityMedium
		c.AffectedAreas = RushHourAreas
	}
	if hour >= 22 || hour <= 5 {
		c.Severity = cache.SeverityLow
	}
	return c
}

// trafficMaxAge is the maximum age of traffic dependent entries per
// severity.
var trafficMaxAge = map[cache.Severity]time.Duration{
	cache.SeverityLow:    3600 * time.Second,
	cache.SeverityNormal: 1800 * time.Second,
	cache.SeverityMedium: 600 * time.Second,
	cache.SeverityHigh:   300 * time.Second,
	cache.SeveritySevere: 120 * time.Second,
}

// MaxAgeFor returns the maximum age of traffic dependent entries at severity s.
func MaxAgeFor(s cache.Severity) time.Duration {
	if d, ok := trafficMaxAge[s]; ok {
		return d
	}
	return trafficMaxAge[cache.SeverityNormal]
}

// severityChanged reports whether two severities are more than one level apart.
func severityChanged(cached, current cache.Severity) bool {
	d := cached.Ordinal() - current.Ordinal()
	return d > 1 || d < -1
}

// timeBasedBaseTTL is the base lifetime per type used by the time based
// strategy, in seconds.
var timeBasedBaseTTL = map[cache.Type]int{
	cache.TypeRoute:   3600,
	cache.TypeTraffic: 300,
	cache.TypeMatrix:  1800,
}

// TimeBasedTTL returns the lifetime of an entry of type t under the current
// time conditions. Each factor truncates to whole seconds.
func TimeBasedTTL(t cache.Type, rushHour, workday bool) time.Duration {
	ttl, ok := timeBasedBaseTTL[t]
	if !ok {
		ttl = 1800
	}
	if rushHour {
		ttl = int(float64(ttl) * 0.5)
	}
	if !workday {
		ttl = int(float64(ttl) * 1.5)
	}
	return time.Duration(ttl) * time.Second
}
