package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
)

type delivery struct {
	actorID    string
	handle     presence.Handle
	distanceKm float64
	offer      *offer
}

// search runs the radius expansion against a fresh snapshot and moves every
// selected captain to offered. Must be called with r.mu held.
func (c *Coordinator) search(r *request) []delivery {
	snap := c.presence.Snapshot()
	points := make([]geo.Point, 0, len(snap.Records))
	for _, rec := range snap.Records {
		if r.vehicle != "" && rec.VehicleClass != r.vehicle {
			continue
		}
		points = append(points, geo.Point{ID: rec.ActorID, Loc: *rec.Location})
	}
	grid := geo.NewGrid(points, c.cfg.GridCellKm)

	var out []delivery
	for _, radius := range c.cfg.RadiiKm {
		r.radiusKm = radius
		for _, hit := range grid.FindWithin(r.pickup, radius) {
			if _, seen := r.offers[hit.ID]; seen {
				continue
			}
			h, err := c.presence.Offer(hit.ID, r.id)
			if err != nil {
				// changed status or disconnected since the snapshot
				c.log.Debug("candidate_unavailable", "ride_id", r.id, "captain_id", hit.ID)
				continue
			}
			o := &offer{actorID: hit.ID, handle: h, distanceKm: hit.DistanceKm, live: true}
			r.offers[hit.ID] = o
			out = append(out, delivery{actorID: hit.ID, handle: h, distanceKm: hit.DistanceKm, offer: o})
		}
		if len(out) > 0 {
			break
		}
		c.log.Debug("expanding_search", "ride_id", r.id, "radius_km", radius)
	}
	r.noCandidates = len(out) == 0
	return out
}

// fanOut sends the offer to every candidate concurrently. A failed delivery
// revokes that candidate's offer and never affects its siblings. An offer
// closed before its turn to send is skipped, so a captain never sees
// new-ride after ride-taken.
func (c *Coordinator) fanOut(ctx context.Context, r *request, ride Ride, deliveries []delivery) {
	var wg sync.WaitGroup
	for _, d := range deliveries {
		wg.Add(1)
		go func(d delivery) {
			defer wg.Done()
			d.offer.send.Lock()
			defer d.offer.send.Unlock()
			r.mu.Lock()
			live := d.offer.live
			r.mu.Unlock()
			if !live {
				c.log.Debug("offer_skipped_closed", "ride_id", ride.ID, "captain_id", d.actorID)
				return
			}
			payload := models.RideOffer{
				RideID:       ride.ID,
				Pickup:       ride.Pickup,
				Destination:  ride.Destination,
				VehicleClass: ride.VehicleClass,
				DistanceKm:   d.distanceKm,
				FareCents:    ride.FareCents,
				ExpiresAt:    ride.ExpiresAt,
			}
			if err := c.notifier.Send(d.handle, EventNewRide, payload); err != nil {
				observability.DeliveryFailures.Inc()
				c.log.Warn("offer_delivery_failed", "ride_id", ride.ID, "captain_id", d.actorID,
					"error", fmt.Errorf("%w: %v", ErrDeliveryFailed, err))
				c.revoke(r, d.actorID)
				return
			}
			observability.OffersSent.Inc()
			c.log.Info("offer_sent", "ride_id", ride.ID, "captain_id", d.actorID, "distance_km", d.distanceKm)
		}(d)
	}
	wg.Wait()
}

func (c *Coordinator) revoke(r *request, actorID string) {
	r.mu.Lock()
	o, ok := r.offers[actorID]
	if !ok || !o.live || r.state != StateSearching {
		r.mu.Unlock()
		return
	}
	o.live = false
	if r.liveOffers() == 0 {
		r.noCandidates = true
	}
	r.updated = c.now()
	r.mu.Unlock()
	c.presence.Release(actorID, r.id)
}
