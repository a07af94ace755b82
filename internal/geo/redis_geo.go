package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisMirror copies captain positions into a Redis GEO set so services
// outside this process can run their own radius queries. It is never read by
// the dispatch path.
type RedisMirror struct {
	client *redis.Client
	key    string
}

func NewRedisMirror(addr, password, key string) *RedisMirror {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisMirror{client: c, key: key}
}

func (r *RedisMirror) GeoAdd(ctx context.Context, id string, loc models.Coord) error {
	return r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: id}).Err()
}

func (r *RedisMirror) SetMeta(ctx context.Context, id, status string, vehicle models.VehicleClass, updated time.Time) error {
	return r.client.HSet(ctx, metaKey(id), map[string]interface{}{
		"status":  status,
		"vehicle": string(vehicle),
		"updated": strconv.FormatInt(updated.Unix(), 10),
	}).Err()
}

// Remove drops the position; the metadata hash is kept for diagnostics.
func (r *RedisMirror) Remove(ctx context.Context, id string) error {
	return r.client.ZRem(ctx, r.key, id).Err()
}

// Nearby lists mirrored ids within radiusKm, nearest first.
func (r *RedisMirror) Nearby(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]Hit, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lon,
			Latitude:   center.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Hit, 0, len(res))
	for _, g := range res {
		out = append(out, Hit{ID: g.Name, DistanceKm: g.Dist})
	}
	return out, nil
}

func (r *RedisMirror) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisMirror) Close() error { return r.client.Close() }

func metaKey(id string) string { return "captain:meta:" + id }
