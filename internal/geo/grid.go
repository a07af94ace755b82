package geo

import (
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

type cell struct{ lat, lon int }

// Grid buckets points into square cells of cellKm on a side (measured in
// uncorrected degrees). Queries visit only the cells that can hold a point
// within the radius and then apply the same distance test as FindWithin, so
// results are identical to the linear scan.
type Grid struct {
	cellDeg float64
	cells   map[cell][]Point
	points  []Point
}

// NewGrid indexes points. A non-positive cellKm yields a grid that always
// falls back to the linear scan.
func NewGrid(points []Point, cellKm float64) *Grid {
	g := &Grid{points: points}
	if cellKm <= 0 {
		return g
	}
	g.cellDeg = cellKm / kmPerDegree
	g.cells = make(map[cell][]Point)
	for _, p := range points {
		c := g.cellOf(p.Loc.Lat, p.Loc.Lon)
		g.cells[c] = append(g.cells[c], p)
	}
	return g
}

func (g *Grid) cellOf(lat, lon float64) cell {
	return cell{lat: int(math.Floor(lat / g.cellDeg)), lon: int(math.Floor(lon / g.cellDeg))}
}

// Len is the number of indexed points.
func (g *Grid) Len() int { return len(g.points) }

// FindWithin has the same contract as the package-level FindWithin.
func (g *Grid) FindWithin(center models.Coord, radiusKm float64) []Hit {
	if len(g.points) == 0 || radiusKm < 0 {
		return nil
	}
	if g.cells == nil {
		return FindWithin(g.points, center, radiusKm)
	}

	dLatDeg := radiusKm / kmPerDegree
	// A point within the radius has a mean latitude within dLatDeg/2 of the
	// center, so the smallest correction factor bounds its longitude offset.
	maxMeanLat := math.Min(90, math.Abs(center.Lat)+dLatDeg/2)
	minCos := math.Cos(maxMeanLat * math.Pi / 180)
	if minCos < 1e-6 {
		return FindWithin(g.points, center, radiusKm)
	}
	dLonDeg := radiusKm / (kmPerDegree * minCos)

	lo := g.cellOf(center.Lat-dLatDeg, center.Lon-dLonDeg)
	hi := g.cellOf(center.Lat+dLatDeg, center.Lon+dLonDeg)
	span := float64(hi.lat-lo.lat+1) * float64(hi.lon-lo.lon+1)
	if span > float64(len(g.cells)) {
		return g.scanCells(center, radiusKm)
	}

	var hits []Hit
	for la := lo.lat; la <= hi.lat; la++ {
		for lo2 := lo.lon; lo2 <= hi.lon; lo2++ {
			for _, p := range g.cells[cell{lat: la, lon: lo2}] {
				if d := DistanceKm(center, p.Loc); d <= radiusKm {
					hits = append(hits, Hit{ID: p.ID, DistanceKm: d})
				}
			}
		}
	}
	sortHits(hits)
	return hits
}

// scanCells is used when the query rectangle covers more cells than exist.
func (g *Grid) scanCells(center models.Coord, radiusKm float64) []Hit {
	var hits []Hit
	for _, pts := range g.cells {
		for _, p := range pts {
			if d := DistanceKm(center, p.Loc); d <= radiusKm {
				hits = append(hits, Hit{ID: p.ID, DistanceKm: d})
			}
		}
	}
	sortHits(hits)
	return hits
}
