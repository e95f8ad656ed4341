package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/Sternrassler/geoquota/pkg/geo"
)

// ErrNoResult is returned by the parsers when a provider answered
// successfully but found nothing.
var ErrNoResult = errors.New("provider returned no result")

// Endpoint paths per provider.
const (
	mapsGeocodePath     = "maps/api/geocode/json"
	mapsDirectionsPath  = "maps/api/directions/json"
	geocoderSearchPath  = "search"
	routerGeocodePath   = "geocode/search"
	routerDirectionPath = "v2/directions/driving-car"
)

// GeocodeCall builds the call that geocodes address with p.
func GeocodeCall(p Provider, address string) (Call, error) {
	switch p {
	case Maps:
		return Call{Provider: p, Endpoint: mapsGeocodePath, Query: url.Values{"address": {address}}}, nil
	case Geocoder:
		return Call{Provider: p, Endpoint: geocoderSearchPath, Query: url.Values{
			"q":      {address},
			"format": {"json"},
			"limit":  {"1"},
		}}, nil
	case Router:
		return Call{Provider: p, Endpoint: routerGeocodePath, Query: url.Values{
			"text": {address},
			"size": {"1"},
		}}, nil
	default:
		return Call{}, fmt.Errorf("%w: %q", ErrUnknownProvider, p)
	}
}

// RouteCall builds the call that computes a route across waypoints with p.
func RouteCall(p Provider, waypoints []geo.Point, opts geo.RouteOptions) (Call, error) {
	if len(waypoints) < 2 {
		return Call{}, fmt.Errorf("route needs at least 2 waypoints, got %d", len(waypoints))
	}

	switch p {
	case Maps:
		q := url.Values{
			"origin":      {latLng(waypoints[0])},
			"destination": {latLng(waypoints[len(waypoints)-1])},
		}
		if len(waypoints) > 2 {
			via := make([]string, 0, len(waypoints)-2)
			for _, wp := range waypoints[1 : len(waypoints)-1] {
				via = append(via, latLng(wp))
			}
			q.Set("waypoints", strings.Join(via, "|"))
		}
		mode := opts.Mode
		if mode == "" {
			mode = "driving"
		}
		q.Set("mode", mode)
		if opts.DepartureTime != "" {
			q.Set("departure_time", opts.DepartureTime)
		} else if opts.WithTraffic {
			q.Set("departure_time", "now")
		}
		if opts.Alternatives {
			q.Set("alternatives", "true")
		}
		return Call{Provider: p, Endpoint: mapsDirectionsPath, Query: q}, nil

	case Router:
		coords := make([][2]float64, 0, len(waypoints))
		for _, wp := range waypoints {
			coords = append(coords, [2]float64{wp.Lng, wp.Lat})
		}
		return Call{Provider: p, Endpoint: routerDirectionPath, Body: map[string]any{
			"coordinates":  coords,
			"instructions": false,
			"geometry":     true,
		}}, nil

	default:
		return Call{}, fmt.Errorf("provider %s does not support routing", p)
	}
}

func latLng(p geo.Point) string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng)
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v)+1)
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

// mapsLocationConfidence maps the maps provider's location_type to a
// confidence score.
var mapsLocationConfidence = map[string]float64{
	"ROOFTOP":            1.0,
	"RANGE_INTERPOLATED": 0.8,
	"GEOMETRIC_CENTER":   0.6,
	"APPROXIMATE":        0.4,
}

// ParseGeocode decodes a geocoding payload returned by p.
func ParseGeocode(p Provider, payload []byte) (*geo.Location, error) {
	switch p {
	case Maps:
		var body struct {
			Status  string `json:"status"`
			Results []struct {
				FormattedAddress string `json:"formatted_address"`
				Geometry         struct {
					Location struct {
						Lat float64 `json:"lat"`
						Lng float64 `json:"lng"`
					} `json:"location"`
					LocationType string `json:"location_type"`
				} `json:"geometry"`
			} `json:"results"`
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			return nil, malformed(p, mapsGeocodePath, err)
		}
		if len(body.Results) == 0 {
			return nil, ErrNoResult
		}
		r := body.Results[0]
		confidence, ok := mapsLocationConfidence[r.Geometry.LocationType]
		if !ok {
			confidence = 0.5
		}
		return &geo.Location{
			Lat:        r.Geometry.Location.Lat,
			Lng:        r.Geometry.Location.Lng,
			Address:    r.FormattedAddress,
			Provider:   string(p),
			Confidence: confidence,
		}, nil

	case Geocoder:
		var body []struct {
			Lat         json.Number `json:"lat"`
			Lon         json.Number `json:"lon"`
			DisplayName string      `json:"display_name"`
			Importance  float64     `json:"importance"`
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			return nil, malformed(p, geocoderSearchPath, err)
		}
		if len(body) == 0 {
			return nil, ErrNoResult
		}
		lat, err := body[0].Lat.Float64()
		if err != nil {
			return nil, malformed(p, geocoderSearchPath, err)
		}
		lng, err := body[0].Lon.Float64()
		if err != nil {
			return nil, malformed(p, geocoderSearchPath, err)
		}
		return &geo.Location{
			Lat:        lat,
			Lng:        lng,
			Address:    body[0].DisplayName,
			Provider:   string(p),
			Confidence: clamp01(body[0].Importance),
		}, nil

	case Router:
		var body struct {
			Features []struct {
				Geometry struct {
					Coordinates []float64 `json:"coordinates"`
				} `json:"geometry"`
				Properties struct {
					Label      string  `json:"label"`
					Confidence float64 `json:"confidence"`
				} `json:"properties"`
			} `json:"features"`
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			return nil, malformed(p, routerGeocodePath, err)
		}
		if len(body.Features) == 0 || len(body.Features[0].Geometry.Coordinates) < 2 {
			return nil, ErrNoResult
		}
		f := body.Features[0]
		return &geo.Location{
			Lat:        f.Geometry.Coordinates[1],
			Lng:        f.Geometry.Coordinates[0],
			Address:    f.Properties.Label,
			Provider:   string(p),
			Confidence: clamp01(f.Properties.Confidence),
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, p)
	}
}

type mapsValue struct {
	Value float64 `json:"value"`
}

type mapsLatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// ParseRoute decodes a directions payload returned by p.
func ParseRoute(p Provider, payload []byte) (*geo.Route, error) {
	switch p {
	case Maps:
		var body struct {
			Status string `json:"status"`
			Routes []struct {
				OverviewPolyline struct {
					Points string `json:"points"`
				} `json:"overview_polyline"`
				Legs []struct {
					Distance          mapsValue  `json:"distance"`
					Duration          mapsValue  `json:"duration"`
					DurationInTraffic *mapsValue `json:"duration_in_traffic"`
					StartAddress      string     `json:"start_address"`
					EndAddress        string     `json:"end_address"`
					StartLocation     mapsLatLng `json:"start_location"`
					EndLocation       mapsLatLng `json:"end_location"`
				} `json:"legs"`
			} `json:"routes"`
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			return nil, malformed(p, mapsDirectionsPath, err)
		}
		if len(body.Routes) == 0 {
			return nil, ErrNoResult
		}
		r := body.Routes[0]
		route := &geo.Route{Polyline: r.OverviewPolyline.Points, Provider: string(p)}
		for _, leg := range r.Legs {
			duration := leg.Duration.Value
			if leg.DurationInTraffic != nil {
				duration = leg.DurationInTraffic.Value
			}
			route.DistanceMeters += leg.Distance.Value
			route.DurationSeconds += duration
			route.Segments = append(route.Segments, geo.Segment{
				DistanceMeters:  leg.Distance.Value,
				DurationSeconds: duration,
				StartAddress:    leg.StartAddress,
				EndAddress:      leg.EndAddress,
				Start:           &geo.Point{Lat: leg.StartLocation.Lat, Lng: leg.StartLocation.Lng},
				End:             &geo.Point{Lat: leg.EndLocation.Lat, Lng: leg.EndLocation.Lng},
			})
		}
		finishRoute(route)
		return route, nil

	case Router:
		var body struct {
			Routes []struct {
				Summary struct {
					Distance float64 `json:"distance"`
					Duration float64 `json:"duration"`
				} `json:"summary"`
				Geometry string `json:"geometry"`
				Segments []struct {
					Distance float64 `json:"distance"`
					Duration float64 `json:"duration"`
				} `json:"segments"`
			} `json:"routes"`
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			return nil, malformed(p, routerDirectionPath, err)
		}
		if len(body.Routes) == 0 {
			return nil, ErrNoResult
		}
		r := body.Routes[0]
		route := &geo.Route{
			DistanceMeters:  r.Summary.Distance,
			DurationSeconds: r.Summary.Duration,
			Polyline:        r.Geometry,
			Provider:        string(p),
		}
		for _, seg := range r.Segments {
			route.Segments = append(route.Segments, geo.Segment{
				DistanceMeters:  seg.Distance,
				DurationSeconds: seg.Duration,
			})
		}
		finishRoute(route)
		return route, nil

	default:
		return nil, fmt.Errorf("provider %s does not support routing", p)
	}
}

func finishRoute(r *geo.Route) {
	r.DistanceKm = geo.Round(r.DistanceMeters/1000, 2)
	r.DurationMin = geo.Round(r.DurationSeconds/60, 0)
}

func malformed(p Provider, endpoint string, err error) error {
	return &Error{
		Provider: p,
		Endpoint: endpoint,
		Class:    ErrorClassMalformed,
		Message:  "decode response",
		Err:      err,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
