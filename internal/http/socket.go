package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/gateway"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
)

// Inbound socket events besides join.
const (
	eventUpdateLocation  = "update-location-captain"
	eventAcceptRide      = "accept-ride"
	eventSetAvailability = "set-availability"
	eventStartRide       = "start-ride"
)

var errCaptainOnly = errors.New("event is only valid for captains")

type locationData struct {
	UserID   string `json:"userId"`
	Location struct {
		Ltd *float64 `json:"ltd"`
		Lng *float64 `json:"lng"`
	} `json:"location"`
}

// socketBridge turns gateway events into presence and dispatch calls.
type socketBridge struct {
	presence *presence.Store
	dispatch *dispatch.Coordinator
	log      *slog.Logger
}

func (b *socketBridge) OnConnect(h presence.Handle) {
	b.log.Debug("socket_connected", "handle", h)
}

func (b *socketBridge) OnIdentify(ctx context.Context, h presence.Handle, id gateway.Identity) error {
	if id.Role != gateway.RoleCaptain {
		return nil
	}
	_, err := b.presence.UpsertIdentity(ctx, id.ID, h)
	return err
}

func (b *socketBridge) OnEvent(ctx context.Context, h presence.Handle, id gateway.Identity, event string, data json.RawMessage) error {
	if id.Role != gateway.RoleCaptain {
		return errCaptainOnly
	}
	switch event {
	case eventUpdateLocation:
		var d locationData
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("invalid location payload: %w", err)
		}
		if d.UserID != "" && d.UserID != id.ID {
			return gateway.ErrTokenMismatch
		}
		if d.Location.Ltd == nil || d.Location.Lng == nil {
			return presence.ErrInvalidLocation
		}
		if _, err := b.presence.UpdateLocation(id.ID, *d.Location.Ltd, *d.Location.Lng); err != nil {
			return err
		}
		observability.LocationUpdates.Inc()
		return nil
	case eventAcceptRide:
		var d struct {
			RideID string `json:"rideId"`
		}
		if err := json.Unmarshal(data, &d); err != nil || d.RideID == "" {
			return errors.New("rideId required")
		}
		_, err := b.dispatch.AcceptOffer(ctx, d.RideID, id.ID)
		return err
	case eventStartRide:
		var d struct {
			RideID string `json:"rideId"`
			OTP    string `json:"otp"`
		}
		if err := json.Unmarshal(data, &d); err != nil || d.RideID == "" {
			return errors.New("rideId required")
		}
		_, err := b.dispatch.Start(ctx, d.RideID, id.ID, d.OTP)
		return err
	case eventSetAvailability:
		var d struct {
			Online bool `json:"online"`
		}
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("invalid availability payload: %w", err)
		}
		_, err := b.presence.SetAvailability(id.ID, d.Online)
		return err
	default:
		return fmt.Errorf("unknown event %q", event)
	}
}

func (b *socketBridge) OnDisconnect(h presence.Handle, id gateway.Identity) {
	if id.Role == gateway.RoleCaptain {
		b.presence.MarkDisconnected(h)
	}
}

// riderConfirmation is the rider's copy of a matched ride; it alone carries
// the start OTP.
type riderConfirmation struct {
	dispatch.Ride
	OTP string `json:"otp"`
}

// riderNotifier pushes lifecycle changes to the rider's socket.
type riderNotifier struct {
	gw  *gateway.Gateway
	log *slog.Logger
}

func (n *riderNotifier) RideEvent(e dispatch.Event) {
	if e.Ride.RiderID == "" {
		return
	}
	var event string
	var payload any
	switch e.Kind {
	case dispatch.EventMatched:
		event, payload = dispatch.EventRideConfirmed, riderConfirmation{Ride: e.Ride, OTP: e.Ride.OTP}
	case dispatch.EventStarted:
		event, payload = dispatch.EventRideStarted, e.Ride
	case dispatch.EventExpired:
		event, payload = dispatch.EventRideExpired, models.RideNotice{RideID: e.Ride.ID, Reason: e.Ride.Reason}
	case dispatch.EventCancelled:
		event, payload = dispatch.EventRideCancelled, models.RideNotice{RideID: e.Ride.ID, Reason: e.Ride.Reason}
	default:
		return
	}
	go func() {
		if err := n.gw.SendToRider(e.Ride.RiderID, event, payload); err != nil {
			n.log.Debug("rider_notice_undelivered", "ride_id", e.Ride.ID, "rider_id", e.Ride.RiderID, "error", err)
		}
	}()
}
