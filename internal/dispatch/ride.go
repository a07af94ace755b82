package dispatch

import (
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
)

type State string

const (
	StateSearching State = "searching"
	StateMatched   State = "matched"
	StateExpired   State = "expired"
	StateCancelled State = "cancelled"
)

func (s State) Terminal() bool { return s != StateSearching }

// Ride is an immutable view of a ride request handed to callers.
type Ride struct {
	ID             string              `json:"id"`
	RiderID        string              `json:"rider_id,omitempty"`
	Pickup         models.Coord        `json:"pickup"`
	Destination    models.Coord        `json:"destination"`
	VehicleClass   models.VehicleClass `json:"vehicle_class,omitempty"`
	FareCents      int64               `json:"fare_cents,omitempty"`
	State          State               `json:"state"`
	CaptainID      string              `json:"captain_id,omitempty"`
	Offered        []string            `json:"offered"`
	PendingOffers  int                 `json:"pending_offers"`
	NoCandidates   bool                `json:"no_candidates"`
	SearchRadiusKm float64             `json:"search_radius_km"`
	Reason         string              `json:"reason,omitempty"`
	Started        bool                `json:"started"`
	Completed      bool                `json:"completed"`
	// OTP is the start code for a matched ride. It is never serialized; only
	// the rider's confirmation carries it.
	OTP       string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	ExpiresAt time.Time  `json:"expires_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type offer struct {
	actorID    string
	handle     presence.Handle
	distanceKm float64
	// live is cleared when the offer is revoked, taken by another captain,
	// or closed with the request.
	live bool
	// send orders the new-ride delivery before any later notice to the same
	// captain. Acquire before r.mu, never while holding it.
	send sync.Mutex
}

type request struct {
	mu sync.Mutex

	id          string
	riderID     string
	pickup      models.Coord
	destination models.Coord
	vehicle     models.VehicleClass
	fareCents   int64

	state        State
	captain      string
	offers       map[string]*offer
	noCandidates bool
	radiusKm     float64
	reason       string
	otp          string
	started      bool
	completed    bool

	created time.Time
	startAt time.Time
	expires time.Time
	updated time.Time
	timer   *time.Timer
}

// view must be called with r.mu held.
func (r *request) view() Ride {
	v := Ride{
		ID:             r.id,
		RiderID:        r.riderID,
		Pickup:         r.pickup,
		Destination:    r.destination,
		VehicleClass:   r.vehicle,
		FareCents:      r.fareCents,
		State:          r.state,
		CaptainID:      r.captain,
		Offered:        make([]string, 0, len(r.offers)),
		NoCandidates:   r.noCandidates,
		SearchRadiusKm: r.radiusKm,
		Reason:         r.reason,
		Started:        r.started,
		Completed:      r.completed,
		OTP:            r.otp,
		CreatedAt:      r.created,
		ExpiresAt:      r.expires,
		UpdatedAt:      r.updated,
	}
	if r.started {
		at := r.startAt
		v.StartedAt = &at
	}
	for id, o := range r.offers {
		v.Offered = append(v.Offered, id)
		if o.live {
			v.PendingOffers++
		}
	}
	sort.Strings(v.Offered)
	return v
}

// closeOffers marks every live offer dead and returns them ordered by actor.
// Must be called with r.mu held.
func (r *request) closeOffers(except string) []*offer {
	var out []*offer
	for id, o := range r.offers {
		if id == except || !o.live {
			continue
		}
		o.live = false
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].actorID < out[j].actorID })
	return out
}

func (r *request) liveOffers() int {
	n := 0
	for _, o := range r.offers {
		if o.live {
			n++
		}
	}
	return n
}
