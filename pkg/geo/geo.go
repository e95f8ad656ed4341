// Package geo holds the small set of geographic value types shared by the
// provider adapters, the cache store and the fallback engine.
package geo

import (
	"math"
	"strings"
	"unicode"
)

// EarthRadiusMeters is the mean earth radius used for great-circle estimates.
const EarthRadiusMeters = 6371000.0

// Point is a WGS84 coordinate, optionally labelled with the address it was
// resolved from.
type Point struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

// Location is a geocoding result.
type Location struct {
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	Address    string  `json:"address"`
	Provider   string  `json:"provider"`
	Confidence float64 `json:"confidence"`
}

// Point returns the coordinate of the location.
func (l Location) Point() Point {
	return Point{Lat: l.Lat, Lng: l.Lng, Address: l.Address}
}

// RouteOptions are the request options that shape a route calculation.
type RouteOptions struct {
	Mode          string `json:"mode,omitempty"`
	DepartureTime string `json:"departure_time,omitempty"`
	WithTraffic   bool   `json:"with_traffic,omitempty"`
	Alternatives  bool   `json:"alternatives,omitempty"`
}

// Segment is one leg between two consecutive waypoints.
type Segment struct {
	DistanceMeters  float64 `json:"distance"`
	DurationSeconds float64 `json:"duration"`
	StartAddress    string  `json:"start_address,omitempty"`
	EndAddress      string  `json:"end_address,omitempty"`
	Start           *Point  `json:"start_location,omitempty"`
	End             *Point  `json:"end_location,omitempty"`
}

// Route is a route calculation result.
type Route struct {
	DistanceMeters  float64   `json:"total_distance"`
	DurationSeconds float64   `json:"total_duration"`
	DistanceKm      float64   `json:"total_distance_km"`
	DurationMin     float64   `json:"total_duration_min"`
	Polyline        string    `json:"polyline,omitempty"`
	Segments        []Segment `json:"segments,omitempty"`
	Provider        string    `json:"provider"`
	Warnings        []string  `json:"warnings,omitempty"`
}

// Haversine returns the great-circle distance between a and b in meters.
func Haversine(a, b Point) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLat := toRadians(b.Lat - a.Lat)
	dLng := toRadians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)

	return EarthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Round rounds v to the given number of decimals.
func Round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// abbreviations are expanded during normalisation. Order matters: the dotted
// forms are replaced before the bare ones.
var abbreviations = []struct{ from, to string }{
	{"str.", "straße"},
	{"str ", "straße "},
	{"platz.", "platz"},
	{"plz ", "postleitzahl "},
	{"st.", "street"},
	{"ave.", "avenue"},
	{"rd.", "road"},
}

// NormalizeAddress lowercases the address, collapses whitespace and expands
// common abbreviations so that equivalent spellings hash to the same key.
func NormalizeAddress(address string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(address)), " ")
	for _, abbr := range abbreviations {
		normalized = strings.ReplaceAll(normalized, abbr.from, abbr.to)
	}
	return normalized
}

// SearchTokens splits a normalised address into the tokens used for fuzzy
// lookups: punctuation is trimmed and tokens of three runes or fewer are
// dropped.
func SearchTokens(normalized string) []string {
	var tokens []string
	seen := make(map[string]bool)
	for _, word := range strings.Fields(normalized) {
		word = strings.TrimFunc(word, func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		})
		if len([]rune(word)) <= 3 || seen[word] {
			continue
		}
		seen[word] = true
		tokens = append(tokens, word)
	}
	return tokens
}
