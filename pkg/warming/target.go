package warming

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Sternrassler/geoquota/pkg/cache"
	"github.com/Sternrassler/geoquota/pkg/geo"
)

// Target describes a cache entry to (re)compute.
type Target struct {
	Type cache.Type `json:"type"`

	// Key overrides the cache key derived from the request, so that a
	// refresh with modified options replaces the original entry.
	Key string `json:"key,omitempty"`

	Address   string           `json:"address,omitempty"`
	Waypoints []geo.Point      `json:"waypoints,omitempty"`
	Options   geo.RouteOptions `json:"options,omitempty"`

	Tags    []string `json:"tags,omitempty"`
	Parents []string `json:"parents,omitempty"`

	// Prediction carries the prediction score of the entry being
	// refreshed. Zero means the write-time default.
	Prediction float64 `json:"prediction,omitempty"`

	// Departure overrides Options.DepartureTime for one computation. The
	// stored request keeps the original options.
	Departure string `json:"-"`

	// Pattern is the hh:mm departure pattern of the entry being
	// refreshed. It is kept when the computed departure yields none.
	Pattern string `json:"-"`
}

// GeocodeTarget returns the target of an address lookup.
func GeocodeTarget(address string) Target {
	return Target{Type: cache.TypeGeocoding, Address: address}
}

// RouteTarget returns the target of a route calculation.
func RouteTarget(waypoints []geo.Point, opts geo.RouteOptions) Target {
	t := cache.TypeRoute
	if opts.WithTraffic && len(waypoints) == 2 {
		t = cache.TypeTraffic
	}
	return Target{Type: t, Waypoints: waypoints, Options: opts}
}

// RequestOptions returns the route options to send to the provider.
func (t Target) RequestOptions() geo.RouteOptions {
	opts := t.Options
	if t.Departure != "" {
		opts.DepartureTime = t.Departure
	}
	return opts
}

// CacheKey returns the key the target is stored under.
func (t Target) CacheKey() string {
	if t.Key != "" {
		return t.Key
	}
	if t.Type == cache.TypeGeocoding {
		return cache.GeocodeKey(t.Address)
	}
	return cache.RouteKey(t.Type, t.Waypoints, t.Options)
}

// Validate reports whether the target can be computed.
func (t Target) Validate() error {
	switch t.Type {
	case cache.TypeGeocoding:
		if strings.TrimSpace(t.Address) == "" {
			return errors.New("geocoding target needs an address")
		}
	case cache.TypeRoute, cache.TypeTraffic, cache.TypeMatrix:
		if len(t.Waypoints) < 2 {
			return fmt.Errorf("%s target needs at least 2 waypoints", t.Type)
		}
	default:
		return fmt.Errorf("unknown target type %q", t.Type)
	}
	return nil
}

// Encode returns the target as stored in cache metadata.
func (t Target) Encode() json.RawMessage {
	data, _ := json.Marshal(t)
	return data
}

// TargetOf reconstructs the target of a cached entry from its stored
// request. Geocoding entries without one fall back to their address.
func TargetOf(e *cache.Entry) (Target, bool) {
	var t Target
	if len(e.Metadata.Request) > 0 && json.Unmarshal(e.Metadata.Request, &t) == nil && t.Validate() == nil {
		t.Key = e.Key
		t.Tags = e.DependencyTags
		t.Parents = e.ParentKeys
		return t, true
	}
	if e.Type == cache.TypeGeocoding && e.Metadata.Address != "" {
		return Target{Type: cache.TypeGeocoding, Key: e.Key, Address: e.Metadata.Address, Tags: e.DependencyTags}, true
	}
	return Target{}, false
}
