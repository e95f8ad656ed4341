package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/Sternrassler/geoquota/pkg/geo"
)

// GeocodeKey returns the cache key of an address. Addresses that normalize
// to the same string share a key.
//
// Example:
//
//	geocoding:6f1d…
func GeocodeKey(address string) string {
	return hashKey(TypeGeocoding, geo.NormalizeAddress(address))
}

// RouteKey returns the cache key of a route request. Coordinates are rounded
// to six decimals so that equivalent requests share a key.
func RouteKey(t Type, waypoints []geo.Point, opts geo.RouteOptions) string {
	type canonical struct {
		Points [][2]float64     `json:"p"`
		Opts   geo.RouteOptions `json:"o"`
	}
	c := canonical{Points: make([][2]float64, 0, len(waypoints)), Opts: opts}
	for _, wp := range waypoints {
		c.Points = append(c.Points, [2]float64{geo.Round(wp.Lat, 6), geo.Round(wp.Lng, 6)})
	}
	data, _ := json.Marshal(c)
	return hashKey(t, string(data))
}

// PlaylistTag is the dependency tag of entries derived from a playlist.
func PlaylistTag(id int64) string {
	return "playlist_" + itoa(id)
}

// RouteTag is the dependency tag of entries derived from a stored route.
func RouteTag(id int64) string {
	return "route_" + itoa(id)
}

func hashKey(t Type, canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	var b strings.Builder
	b.WriteString(string(t))
	b.WriteByte(':')
	b.WriteString(hex.EncodeToString(sum[:]))
	return b.String()
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
