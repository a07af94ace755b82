package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Checkpointer writes ride lifecycle events to a TripStore on its own
// goroutine. Events are dropped, not waited on, when the queue is full.
type Checkpointer struct {
	store   TripStore
	log     *slog.Logger
	timeout time.Duration
	queue   chan dispatch.Event
	wg      sync.WaitGroup
	once    sync.Once
}

func NewCheckpointer(store TripStore, size int, logger *slog.Logger) *Checkpointer {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Checkpointer{
		store:   store,
		log:     logger.With("component", "checkpoint"),
		timeout: 3 * time.Second,
		queue:   make(chan dispatch.Event, size),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

func (c *Checkpointer) RideEvent(e dispatch.Event) {
	select {
	case c.queue <- e:
	default:
		observability.CheckpointDropped.Inc()
		c.log.Warn("checkpoint_dropped", "ride_id", e.Ride.ID, "kind", e.Kind)
	}
}

func (c *Checkpointer) run() {
	defer c.wg.Done()
	for e := range c.queue {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		row := ToRide(e.Ride)
		var err error
		if e.Kind == dispatch.EventCreated {
			err = c.store.SaveRide(ctx, &row)
		} else {
			err = c.store.UpdateRide(ctx, &row)
		}
		cancel()
		if err != nil {
			c.log.Error("checkpoint_failed", "ride_id", row.ID, "kind", e.Kind, "error", err)
		}
	}
}

// Close drains the queue and stops the worker.
func (c *Checkpointer) Close() {
	c.once.Do(func() { close(c.queue) })
	c.wg.Wait()
}

// ToRide maps a dispatch view to a history row.
func ToRide(v dispatch.Ride) models.Ride {
	status := string(v.State)
	switch {
	case v.Completed:
		status = "completed"
	case v.Started:
		status = "started"
	}
	return models.Ride{
		ID:           v.ID,
		RiderID:      v.RiderID,
		CaptainID:    v.CaptainID,
		Pickup:       v.Pickup,
		Destination:  v.Destination,
		VehicleClass: v.VehicleClass,
		FareCents:    v.FareCents,
		Status:       status,
		CreatedAt:    v.CreatedAt,
		UpdatedAt:    v.UpdatedAt,
	}
}
