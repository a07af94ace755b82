package main

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
)

// RedisUpdater is the subset of the Redis mirror used when applying events.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, id string, loc models.Coord) error
	SetMeta(ctx context.Context, id, status string, vehicle models.VehicleClass, updated time.Time) error
	Remove(ctx context.Context, id string) error
}

// applyWithRetry mirrors one presence event. Offline captains, and captains
// with no known position, are removed from the GEO set.
func applyWithRetry(ctx context.Context, rc RedisUpdater, ev ingest.PresenceEvent, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = apply(ctx, rc, ev); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func apply(ctx context.Context, rc RedisUpdater, ev ingest.PresenceEvent) error {
	if ev.Status == presence.StatusOffline || ev.Loc == nil {
		if err := rc.Remove(ctx, ev.CaptainID); err != nil {
			return err
		}
	} else if err := rc.GeoAdd(ctx, ev.CaptainID, *ev.Loc); err != nil {
		return err
	}
	return rc.SetMeta(ctx, ev.CaptainID, string(ev.Status), ev.VehicleClass, ev.Updated)
}
