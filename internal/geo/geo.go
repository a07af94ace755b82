package geo

import (
	"cmp"
	"math"
	"slices"

	"github.com/example/ride-dispatch/internal/models"
)

// kmPerDegree is the flat-earth conversion used for small-radius dispatch.
const kmPerDegree = 111.0

// Point is one actor position taken from a presence snapshot.
type Point struct {
	ID  string
	Loc models.Coord
}

// Hit is a query result.
type Hit struct {
	ID         string  `json:"id"`
	DistanceKm float64 `json:"distance_km"`
}

// DistanceKm is the equirectangular approximation. Longitude degrees are
// scaled by cos(mean latitude); a flat-degree calculation without that
// factor overstates east-west distance away from the equator.
func DistanceKm(a, b models.Coord) float64 {
	dLat := (a.Lat - b.Lat) * kmPerDegree
	dLon := (a.Lon - b.Lon) * lonCorrection(a.Lat, b.Lat) * kmPerDegree
	return math.Sqrt(dLat*dLat + dLon*dLon)
}

func lonCorrection(lat1, lat2 float64) float64 {
	return math.Cos((lat1 + lat2) / 2 * math.Pi / 180)
}

// FindWithin returns every point within radiusKm of center, nearest first.
// Equal distances are ordered by id. It is a pure linear scan and serves as
// the reference for Grid.
func FindWithin(points []Point, center models.Coord, radiusKm float64) []Hit {
	if len(points) == 0 || radiusKm < 0 {
		return nil
	}
	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		if d := DistanceKm(center, p.Loc); d <= radiusKm {
			hits = append(hits, Hit{ID: p.ID, DistanceKm: d})
		}
	}
	if len(hits) == 0 {
		return nil
	}
	sortHits(hits)
	return hits
}

func sortHits(hits []Hit) {
	slices.SortFunc(hits, func(a, b Hit) int {
		if c := cmp.Compare(a.DistanceKm, b.DistanceKm); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
