package cache

import (
	"encoding/json"
	"time"
)

// Type is the kind of provider result stored in an entry.
type Type string

const (
	TypeRoute     Type = "route"
	TypeTraffic   Type = "traffic"
	TypeMatrix    Type = "matrix"
	TypeGeocoding Type = "geocoding"
)

// Types lists every entry type.
var Types = []Type{TypeRoute, TypeTraffic, TypeMatrix, TypeGeocoding}

// Severity is a traffic severity level, ordered from low to severe.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityNormal Severity = "normal"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
	SeveritySevere Severity = "severe"
)

var severityOrdinal = map[Severity]int{
	SeverityLow:    0,
	SeverityNormal: 1,
	SeverityMedium: 2,
	SeverityHigh:   3,
	SeveritySevere: 4,
}

// Ordinal returns the position of s in the severity scale. Unknown values
// count as normal.
func (s Severity) Ordinal() int {
	if o, ok := severityOrdinal[s]; ok {
		return o
	}
	return severityOrdinal[SeverityNormal]
}

// Source tells how an entry was produced.
type Source string

const (
	SourceProvider Source = "provider"
	SourceWarming  Source = "warming"
)

// Metadata describes the freshness signals of an entry.
type Metadata struct {
	// Confidence is the measured accuracy of the result in [0,1].
	Confidence float64 `json:"confidence"`

	// PredictionScore is the likelihood of future reuse in [0,1].
	PredictionScore float64 `json:"prediction_score"`

	WithTraffic     bool     `json:"with_traffic,omitempty"`
	TrafficSeverity Severity `json:"traffic_severity,omitempty"`
	RouteAreas      []string `json:"route_areas,omitempty"`
	TimeSensitive   bool     `json:"time_sensitive,omitempty"`

	// CreatedHour and CreatedWeekday are the local hour and weekday of
	// creation.
	CreatedHour    int          `json:"created_hour"`
	CreatedWeekday time.Weekday `json:"created_weekday"`

	Source Source `json:"source,omitempty"`

	// PreferredDepartureTime is a departure time pattern (HH:MM) the entry
	// is usually requested with.
	PreferredDepartureTime string `json:"preferred_departure_time,omitempty"`

	// Address is the normalized address of geocoding entries.
	Address string `json:"address,omitempty"`

	// Request is the provider request needed to recompute the entry.
	Request json.RawMessage `json:"request,omitempty"`
}

// Entry is a cached provider result.
type Entry struct {
	Key            string          `json:"key"`
	Type           Type            `json:"type"`
	Value          json.RawMessage `json:"value"`
	Metadata       Metadata        `json:"metadata"`
	DependencyTags []string        `json:"dependency_tags,omitempty"`
	ParentKeys     []string        `json:"parent_keys,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`

	// HitCount and Generations are maintained by the store. Generations
	// counts how often the entry was written. DailyReads holds the reads of
	// the last ReadWindowDays days keyed by yyyymmdd; rewrites keep it.
	HitCount    int64            `json:"-"`
	Generations int64            `json:"-"`
	DailyReads  map[string]int64 `json:"-"`
}

// ReadWindowDays is how many days of per-day read counts are kept.
const ReadWindowDays = 7

func dayKey(t time.Time) string {
	return t.Format("20060102")
}

// ReadsSince returns the reads of the last days calendar days, today
// included.
func (e *Entry) ReadsSince(now time.Time, days int) int64 {
	var total int64
	for i := 0; i < days; i++ {
		total += e.DailyReads[dayKey(now.AddDate(0, 0, -i))]
	}
	return total
}

// staleReadDays returns the read fields that fell out of the window.
func (e *Entry) staleReadDays(now time.Time) []string {
	keep := make(map[string]bool, ReadWindowDays)
	for i := 0; i < ReadWindowDays; i++ {
		keep[dayKey(now.AddDate(0, 0, -i))] = true
	}
	var stale []string
	for day := range e.DailyReads {
		if !keep[day] {
			stale = append(stale, fieldReadsPrefix+day)
		}
	}
	return stale
}

// IsExpiredAt reports whether the entry is logically absent at now.
func (e *Entry) IsExpiredAt(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Age returns the time since creation.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// TTL returns the remaining logical lifetime, 0 when expired.
func (e *Entry) TTL(now time.Time) time.Duration {
	ttl := e.ExpiresAt.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// HasTag reports whether tag is one of the entry's dependency tags.
func (e *Entry) HasTag(tag string) bool {
	for _, t := range e.DependencyTags {
		if t == tag {
			return true
		}
	}
	return false
}

// InAreas reports whether any route area of the entry is in areas.
func (e *Entry) InAreas(areas []string) bool {
	for _, a := range e.Metadata.RouteAreas {
		for _, b := range areas {
			if a == b {
				return true
			}
		}
	}
	return false
}
