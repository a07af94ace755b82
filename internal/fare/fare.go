// Package fare estimates trip distance, duration and price per vehicle class.
package fare

import (
	"context"
	"log/slog"
	"math"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

type Route struct {
	DistanceMeters  float64 `json:"distance_meters"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Router is a routing engine lookup.
type Router interface {
	Route(ctx context.Context, from, to models.Coord) (Route, error)
}

// Tariff prices in the smallest currency unit.
type Tariff struct {
	BaseCents      int64
	PerKmCents     int64
	PerMinuteCents int64
}

var DefaultTariffs = map[models.VehicleClass]Tariff{
	models.VehicleAuto: {BaseCents: 3000, PerKmCents: 1000, PerMinuteCents: 200},
	models.VehicleCar:  {BaseCents: 5000, PerKmCents: 1500, PerMinuteCents: 300},
	models.VehicleMoto: {BaseCents: 2000, PerKmCents: 800, PerMinuteCents: 150},
}

type Estimate struct {
	Route Route                         `json:"route"`
	Fares map[models.VehicleClass]int64 `json:"fares"`
	// Estimated is set when the route came from the straight-line fallback.
	Estimated bool `json:"estimated"`
}

type Estimator struct {
	Router          Router // optional OSRM client
	Cache           *Cache // optional route cache
	Tariffs         map[models.VehicleClass]Tariff
	DefaultSpeedMps float64
	Log             *slog.Logger
}

// Estimate prices a trip for every vehicle class. Routing failures fall back
// to Haversine distance at the default speed.
func (e *Estimator) Estimate(ctx context.Context, from, to models.Coord) Estimate {
	route, estimated := e.route(ctx, from, to)
	tariffs := e.Tariffs
	if tariffs == nil {
		tariffs = DefaultTariffs
	}
	out := Estimate{Route: route, Fares: make(map[models.VehicleClass]int64, len(tariffs)), Estimated: estimated}
	for class, t := range tariffs {
		out.Fares[class] = Price(t, route)
	}
	return out
}

func (e *Estimator) route(ctx context.Context, from, to models.Coord) (Route, bool) {
	if e.Cache != nil {
		if r, ok := e.Cache.Get(from, to); ok {
			return r, false
		}
	}
	if e.Router != nil {
		r, err := e.Router.Route(ctx, from, to)
		if err == nil {
			if e.Cache != nil {
				e.Cache.Set(from, to, r)
			}
			return r, false
		}
		if e.Log != nil {
			e.Log.Warn("route_lookup_failed", "error", err)
		}
	}
	return Straight(from, to, e.DefaultSpeedMps), true
}

// Straight is the naive route: Haversine distance over speedMps.
func Straight(from, to models.Coord, speedMps float64) Route {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h city speed
	}
	d := geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon)
	return Route{DistanceMeters: d, DurationSeconds: d / speedMps}
}

func Price(t Tariff, r Route) int64 {
	km := r.DistanceMeters / 1000
	mins := r.DurationSeconds / 60
	return t.BaseCents + int64(math.Round(km*float64(t.PerKmCents)+mins*float64(t.PerMinuteCents)))
}
