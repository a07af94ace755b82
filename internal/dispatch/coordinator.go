// Package dispatch runs the ride request lifecycle: candidate search with
// radius expansion, offer fan-out, exactly-once acceptance and the bounded
// search window.
package dispatch

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
)

// Outbound socket events.
const (
	EventNewRide       = "new-ride"
	EventRideTaken     = "ride-taken"
	EventRideConfirmed = "ride-confirmed"
	EventRideExpired   = "ride-expired"
	EventRideCancelled = "ride-cancelled"
	EventRideStarted   = "ride-started"
)

// Presence is the part of the presence store the coordinator drives.
type Presence interface {
	Snapshot() presence.Snapshot
	Offer(actorID, rideID string) (presence.Handle, error)
	Release(actorID, rideID string) (presence.Handle, bool)
	Claim(actorID, rideID string) (presence.Handle, error)
	Finish(actorID, rideID string) error
}

// Notifier pushes an event to one channel handle.
type Notifier interface {
	Send(h presence.Handle, event string, payload any) error
}

type Config struct {
	// RadiiKm are tried in order until a search yields at least one offer.
	RadiiKm      []float64
	SearchBudget time.Duration
	// Retention is how long terminal requests stay queryable. Zero keeps them.
	Retention time.Duration
	// GridCellKm enables spatial bucketing for candidate queries; zero scans
	// the snapshot linearly.
	GridCellKm float64
}

func DefaultConfig() Config {
	return Config{
		RadiiKm:      []float64{3, 6, 10},
		SearchBudget: 30 * time.Second,
		Retention:    10 * time.Minute,
	}
}

type Coordinator struct {
	presence Presence
	notifier Notifier
	cfg      Config
	log      *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	requests map[string]*request

	omu       sync.RWMutex
	observers []Observer
}

func NewCoordinator(p Presence, n Notifier, cfg Config, logger *slog.Logger) *Coordinator {
	if len(cfg.RadiiKm) == 0 {
		cfg.RadiiKm = DefaultConfig().RadiiKm
	}
	if cfg.SearchBudget <= 0 {
		cfg.SearchBudget = DefaultConfig().SearchBudget
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		presence: p,
		notifier: n,
		cfg:      cfg,
		log:      logger.With("component", "dispatch"),
		now:      time.Now,
		requests: make(map[string]*request),
	}
}

func (c *Coordinator) lookup(id string) (*request, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.requests[id]
	return r, ok
}

// CreateRequest registers a ride request and runs the first candidate search
// before returning. A search that finds nobody leaves the request searching
// with NoCandidates set; the expiry timer closes it later.
func (c *Coordinator) CreateRequest(ctx context.Context, in models.RideRequest, fareCents int64) (Ride, error) {
	if !in.Pickup.Valid() {
		return Ride{}, ErrInvalidPickup
	}
	if in.VehicleClass != "" && !in.VehicleClass.Valid() {
		return Ride{}, fmt.Errorf("%w: %q", ErrInvalidVehicle, in.VehicleClass)
	}

	now := c.now()
	r := &request{
		id:          uuid.NewString(),
		riderID:     in.RiderID,
		pickup:      in.Pickup,
		destination: in.Destination,
		vehicle:     in.VehicleClass,
		fareCents:   fareCents,
		state:       StateSearching,
		offers:      make(map[string]*offer),
		created:     now,
		expires:     now.Add(c.cfg.SearchBudget),
		updated:     now,
	}

	r.mu.Lock()
	c.mu.Lock()
	c.requests[r.id] = r
	c.mu.Unlock()
	id := r.id
	r.timer = time.AfterFunc(c.cfg.SearchBudget, func() { c.Expire(id) })
	observability.RidesRequested.Inc()

	deliveries := c.search(r)
	created := r.view()
	r.mu.Unlock()

	c.emit(Event{Kind: EventCreated, Ride: created})
	if len(deliveries) == 0 {
		observability.NoCandidates.Inc()
		c.log.Warn("no_candidates", "ride_id", id, "max_radius_km", created.SearchRadiusKm)
		return created, nil
	}

	c.fanOut(ctx, r, created, deliveries)

	if out, ok := c.Get(id); ok {
		return out, nil
	}
	return created, nil
}

// Get returns the current view of a request.
func (c *Coordinator) Get(id string) (Ride, bool) {
	r, ok := c.lookup(id)
	if !ok {
		return Ride{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view(), true
}

// AcceptOffer claims the request for actorID. The state change from
// searching to matched happens under the request lock, so exactly one
// caller wins; every later caller that was offered gets ErrAlreadyMatched.
func (c *Coordinator) AcceptOffer(ctx context.Context, id, actorID string) (Ride, error) {
	r, ok := c.lookup(id)
	if !ok {
		return Ride{}, ErrUnknownRequest
	}

	r.mu.Lock()
	o, offered := r.offers[actorID]
	if !offered {
		r.mu.Unlock()
		return Ride{}, ErrNotOffered
	}
	if r.state != StateSearching {
		r.mu.Unlock()
		return Ride{}, ErrAlreadyMatched
	}
	if !o.live {
		r.mu.Unlock()
		return Ride{}, ErrNotOffered
	}
	winner, err := c.presence.Claim(actorID, r.id)
	if err != nil {
		// the captain went away after the offer was sent
		o.live = false
		r.mu.Unlock()
		return Ride{}, ErrNotOffered
	}
	r.state = StateMatched
	r.captain = actorID
	r.otp = newOTP()
	r.updated = c.now()
	r.timer.Stop()
	losers := r.closeOffers(actorID)
	o.live = false
	view := r.view()
	r.mu.Unlock()

	observability.RideOutcomes.WithLabelValues(string(StateMatched)).Inc()
	observability.MatchLatency.Observe(view.UpdatedAt.Sub(view.CreatedAt).Seconds())
	c.log.Info("ride_matched", "ride_id", id, "captain_id", actorID, "invalidated", len(losers))

	notice := models.RideNotice{RideID: id, CaptainID: actorID}
	o.send.Lock()
	c.deliver(winner, EventRideConfirmed, notice)
	o.send.Unlock()
	c.releaseAll(id, losers, EventRideTaken, models.RideNotice{RideID: id, Reason: "accepted by another captain"})
	c.emit(Event{Kind: EventMatched, Ride: view})
	return view, nil
}

// Expire closes a request whose search window ran out. It is a no-op for a
// request that is already terminal.
func (c *Coordinator) Expire(id string) bool {
	_, err := c.close(id, StateExpired, ErrNoCandidates.Error())
	return err == nil
}

// Cancel closes a searching request on the rider's behalf.
func (c *Coordinator) Cancel(ctx context.Context, id string) (Ride, error) {
	return c.close(id, StateCancelled, "cancelled by rider")
}

func (c *Coordinator) close(id string, to State, reason string) (Ride, error) {
	r, ok := c.lookup(id)
	if !ok {
		return Ride{}, ErrUnknownRequest
	}
	r.mu.Lock()
	if r.state != StateSearching {
		r.mu.Unlock()
		return Ride{}, ErrRequestClosed
	}
	r.state = to
	r.reason = reason
	r.updated = c.now()
	r.timer.Stop()
	offered := r.closeOffers("")
	view := r.view()
	r.mu.Unlock()

	observability.RideOutcomes.WithLabelValues(string(to)).Inc()
	event, kind := EventRideExpired, EventExpired
	if to == StateCancelled {
		event, kind = EventRideCancelled, EventCancelled
	}
	c.log.Info("ride_"+string(to), "ride_id", id, "released", len(offered))

	c.releaseAll(id, offered, event, models.RideNotice{RideID: id, Reason: reason})
	c.emit(Event{Kind: kind, Ride: view})
	c.scheduleEviction(id)
	return view, nil
}

// Start begins a matched ride once the assigned captain presents the
// rider's OTP.
func (c *Coordinator) Start(ctx context.Context, id, captainID, otp string) (Ride, error) {
	r, ok := c.lookup(id)
	if !ok {
		return Ride{}, ErrUnknownRequest
	}
	r.mu.Lock()
	var err error
	switch {
	case r.state != StateMatched || r.completed:
		err = ErrNotMatched
	case r.captain != captainID:
		err = ErrNotAssigned
	case r.started:
		err = ErrAlreadyStarted
	case subtle.ConstantTimeCompare([]byte(r.otp), []byte(otp)) != 1:
		err = ErrInvalidOTP
	}
	if err != nil {
		r.mu.Unlock()
		return Ride{}, err
	}
	r.started = true
	r.startAt = c.now()
	r.updated = r.startAt
	view := r.view()
	r.mu.Unlock()

	c.log.Info("ride_started", "ride_id", id, "captain_id", captainID)
	c.emit(Event{Kind: EventStarted, Ride: view})
	return view, nil
}

// Complete ends a started ride and returns its captain to idle. The request
// is evicted after the retention window from here on.
func (c *Coordinator) Complete(ctx context.Context, id string) (Ride, error) {
	r, ok := c.lookup(id)
	if !ok {
		return Ride{}, ErrUnknownRequest
	}
	r.mu.Lock()
	if r.state != StateMatched || r.completed {
		r.mu.Unlock()
		return Ride{}, ErrNotMatched
	}
	if !r.started {
		r.mu.Unlock()
		return Ride{}, ErrNotStarted
	}
	r.completed = true
	r.updated = c.now()
	view := r.view()
	r.mu.Unlock()

	if err := c.presence.Finish(view.CaptainID, id); err != nil {
		c.log.Warn("finish_ride_presence", "ride_id", id, "captain_id", view.CaptainID, "error", err)
	}
	c.log.Info("ride_completed", "ride_id", id, "captain_id", view.CaptainID)
	c.emit(Event{Kind: EventCompleted, Ride: view})
	c.scheduleEviction(id)
	return view, nil
}

// releaseAll returns the captains behind closed offers to idle and tells them
// the offer is gone. Each notice waits for that captain's new-ride delivery.
func (c *Coordinator) releaseAll(id string, offers []*offer, event string, notice models.RideNotice) {
	for _, o := range offers {
		o.send.Lock()
		h, ok := c.presence.Release(o.actorID, id)
		if ok {
			c.deliver(h, event, notice)
		}
		o.send.Unlock()
	}
}

func newOTP() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		panic(fmt.Sprintf("otp: %v", err))
	}
	return fmt.Sprintf("%06d", n.Int64())
}

func (c *Coordinator) deliver(h presence.Handle, event string, payload any) {
	if err := c.notifier.Send(h, event, payload); err != nil {
		observability.DeliveryFailures.Inc()
		c.log.Warn("notice_delivery_failed", "event", event, "error", err)
	}
}

func (c *Coordinator) scheduleEviction(id string) {
	if c.cfg.Retention <= 0 {
		return
	}
	time.AfterFunc(c.cfg.Retention, func() {
		c.mu.Lock()
		delete(c.requests, id)
		c.mu.Unlock()
	})
}

// Len is the number of requests held, including terminal ones awaiting eviction.
func (c *Coordinator) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.requests)
}

// Shutdown stops pending expiry timers and expires every searching request.
func (c *Coordinator) Shutdown() {
	c.mu.RLock()
	ids := make([]string, 0, len(c.requests))
	for id := range c.requests {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	for _, id := range ids {
		if _, err := c.close(id, StateExpired, "dispatcher shutting down"); err != nil && !errors.Is(err, ErrRequestClosed) {
			c.log.Warn("shutdown_close", "ride_id", id, "error", err)
		}
	}
}
