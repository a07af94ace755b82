package payments

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/dispatch"
)

// Gateway is the hold/capture surface of a payment provider.
type Gateway interface {
	Hold(ctx context.Context, amount int64, currency, rideID string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
}

// Holder places an authorization hold for the fare when a ride is matched
// and captures it when the ride completes. Provider calls run off the
// dispatch path; calls for one ride run one at a time in event order.
type Holder struct {
	gw       Gateway
	currency string
	log      *slog.Logger
	timeout  time.Duration

	mu      sync.Mutex
	intents map[string]string
	// tail is the done channel of the last queued call per ride; each new
	// call waits on it before running.
	tail map[string]chan struct{}
	wg   sync.WaitGroup
}

func NewHolder(gw Gateway, currency string, logger *slog.Logger) *Holder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Holder{
		gw:       gw,
		currency: currency,
		log:      logger.With("component", "payments"),
		timeout:  10 * time.Second,
		intents:  make(map[string]string),
		tail:     make(map[string]chan struct{}),
	}
}

func (h *Holder) RideEvent(e dispatch.Event) {
	if e.Ride.FareCents <= 0 {
		return
	}
	switch e.Kind {
	case dispatch.EventMatched:
		h.async(e.Ride.ID, h.hold(e.Ride))
	case dispatch.EventCompleted:
		h.async(e.Ride.ID, h.capture(e.Ride.ID))
	}
}

func (h *Holder) async(rideID string, fn func(context.Context)) {
	done := make(chan struct{})
	h.mu.Lock()
	prev := h.tail[rideID]
	h.tail[rideID] = done
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if prev != nil {
			<-prev
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		fn(ctx)
		cancel()

		h.mu.Lock()
		if h.tail[rideID] == done {
			delete(h.tail, rideID)
		}
		h.mu.Unlock()
		close(done)
	}()
}

func (h *Holder) hold(ride dispatch.Ride) func(context.Context) {
	return func(ctx context.Context) {
		id, err := h.gw.Hold(ctx, ride.FareCents, h.currency, ride.ID)
		if err != nil {
			h.log.Error("payment_hold_failed", "ride_id", ride.ID, "error", err)
			return
		}
		h.mu.Lock()
		h.intents[ride.ID] = id
		h.mu.Unlock()
		h.log.Info("payment_held", "ride_id", ride.ID, "intent", id)
	}
}

func (h *Holder) capture(rideID string) func(context.Context) {
	return func(ctx context.Context) {
		h.mu.Lock()
		id, ok := h.intents[rideID]
		delete(h.intents, rideID)
		h.mu.Unlock()
		if !ok {
			h.log.Warn("payment_capture_without_hold", "ride_id", rideID)
			return
		}
		if err := h.gw.Capture(ctx, id); err != nil {
			h.log.Error("payment_capture_failed", "ride_id", rideID, "intent", id, "error", err)
		}
	}
}

// Intent returns the held PaymentIntent for a ride.
func (h *Holder) Intent(rideID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.intents[rideID]
	return id, ok
}

// Close waits for in-flight provider calls.
func (h *Holder) Close() { h.wg.Wait() }
