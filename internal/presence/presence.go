// Package presence keeps the authoritative in-memory registry of captain
// presence: status, last known position and the channel handle used for push
// delivery.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrUnknownActor    = errors.New("unknown actor")
	ErrNotConnected    = errors.New("actor not connected")
	ErrInvalidLocation = errors.New("invalid location")
	// ErrUnavailable is returned by dispatch transitions when the actor is not
	// in the status the transition requires (for example it disconnected).
	ErrUnavailable = errors.New("actor unavailable")
)

type Status string

const (
	StatusOffline Status = "offline"
	StatusIdle    Status = "idle"
	StatusOffered Status = "offered"
	StatusBusy    Status = "busy"
)

// Handle is an opaque reference to an actor's current push connection.
type Handle string

// Account is what the identity collaborator knows about a captain.
type Account struct {
	ID           string
	VehicleClass models.VehicleClass
}

// Accounts validates actor ids on identification.
type Accounts interface {
	Lookup(ctx context.Context, actorID string) (Account, bool, error)
}

// Record is a point-in-time copy of one actor's presence.
type Record struct {
	ActorID      string              `json:"actor_id"`
	Status       Status              `json:"status"`
	Location     *models.Coord       `json:"location,omitempty"`
	Handle       Handle              `json:"-"`
	Connected    bool                `json:"connected"`
	VehicleClass models.VehicleClass `json:"vehicle_class"`
	RideID       string              `json:"ride_id,omitempty"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// Snapshot is an immutable copy of every idle, located, connected actor.
type Snapshot struct {
	Taken   time.Time
	Records []Record
}

// Listener is told about every committed change, after locks are released.
// Implementations must not block.
type Listener interface {
	PresenceChanged(Record)
}

type entry struct {
	mu      sync.Mutex
	id      string
	status  Status
	loc     *models.Coord
	handle  Handle
	vehicle models.VehicleClass
	// rideID is the request the actor is offered or assigned to.
	rideID  string
	updated time.Time
}

func (e *entry) record() Record {
	r := Record{
		ActorID:      e.id,
		Status:       e.status,
		Handle:       e.handle,
		Connected:    e.handle != "",
		VehicleClass: e.vehicle,
		RideID:       e.rideID,
		UpdatedAt:    e.updated,
	}
	if e.loc != nil {
		loc := *e.loc
		r.Location = &loc
	}
	return r
}

// Store serializes mutations per actor: the map locks are held only to find
// or insert an entry, and each entry carries its own mutex.
type Store struct {
	accounts Accounts
	log      *slog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	actors map[string]*entry

	hmu     sync.RWMutex
	handles map[Handle]string

	lmu       sync.RWMutex
	listeners []Listener
}

func NewStore(accounts Accounts, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		accounts: accounts,
		log:      logger.With("component", "presence"),
		now:      time.Now,
		actors:   make(map[string]*entry),
		handles:  make(map[Handle]string),
	}
}

func (s *Store) AddListener(l Listener) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Store) notify(r Record) {
	s.lmu.RLock()
	defer s.lmu.RUnlock()
	for _, l := range s.listeners {
		l.PresenceChanged(r)
	}
}

func (s *Store) get(actorID string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.actors[actorID]
	return e, ok
}

func (s *Store) getOrCreate(actorID string) *entry {
	if e, ok := s.get(actorID); ok {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.actors[actorID]; ok {
		return e
	}
	e := &entry{id: actorID, status: StatusOffline}
	s.actors[actorID] = e
	return e
}

// UpsertIdentity registers or refreshes the connection of actorID. An offline
// actor becomes idle; other statuses are kept. A previous handle for the same
// actor is dropped from the reverse index.
func (s *Store) UpsertIdentity(ctx context.Context, actorID string, h Handle) (Record, error) {
	if actorID == "" || h == "" {
		return Record{}, ErrUnknownActor
	}
	acct, ok, err := s.accounts.Lookup(ctx, actorID)
	if err != nil {
		return Record{}, fmt.Errorf("lookup actor %s: %w", actorID, err)
	}
	if !ok {
		return Record{}, ErrUnknownActor
	}

	e := s.getOrCreate(actorID)
	e.mu.Lock()
	old := e.handle
	e.handle = h
	e.vehicle = acct.VehicleClass
	if e.status == StatusOffline {
		e.status = StatusIdle
	}
	e.updated = s.now()
	// The reverse index is updated under the entry lock so a concurrent
	// disconnect of the old handle cannot clear the new one.
	s.hmu.Lock()
	if old != "" && old != h && s.handles[old] == actorID {
		delete(s.handles, old)
	}
	s.handles[h] = actorID
	s.hmu.Unlock()
	rec := e.record()
	e.mu.Unlock()

	s.notify(rec)
	return rec, nil
}

// UpdateLocation overwrites the last known position. Status is not changed.
func (s *Store) UpdateLocation(actorID string, lat, lng float64) (Record, error) {
	loc := models.Coord{Lat: lat, Lon: lng}
	if !loc.Valid() {
		return Record{}, ErrInvalidLocation
	}
	e, ok := s.get(actorID)
	if !ok {
		return Record{}, ErrNotConnected
	}
	e.mu.Lock()
	if e.handle == "" {
		e.mu.Unlock()
		return Record{}, ErrNotConnected
	}
	e.loc = &loc
	e.updated = s.now()
	rec := e.record()
	e.mu.Unlock()

	s.notify(rec)
	return rec, nil
}

// MarkDisconnected clears the channel handle and forces the owning actor
// offline. Unknown or superseded handles are ignored.
func (s *Store) MarkDisconnected(h Handle) (Record, bool) {
	s.hmu.RLock()
	actorID, ok := s.handles[h]
	s.hmu.RUnlock()
	if !ok {
		return Record{}, false
	}
	e, ok := s.get(actorID)
	if !ok {
		return Record{}, false
	}

	e.mu.Lock()
	s.hmu.Lock()
	if s.handles[h] == actorID {
		delete(s.handles, h)
	}
	s.hmu.Unlock()
	if e.handle != h {
		e.mu.Unlock()
		return Record{}, false
	}
	e.handle = ""
	e.status = StatusOffline
	e.rideID = ""
	e.updated = s.now()
	rec := e.record()
	e.mu.Unlock()

	s.log.Info("actor_disconnected", "actor_id", actorID)
	s.notify(rec)
	return rec, true
}

// SetAvailability is the captain's explicit online/offline toggle. Going
// online needs a live handle; going offline is always allowed.
func (s *Store) SetAvailability(actorID string, online bool) (Record, error) {
	e, ok := s.get(actorID)
	if !ok {
		return Record{}, ErrNotConnected
	}
	e.mu.Lock()
	if online {
		if e.handle == "" {
			e.mu.Unlock()
			return Record{}, ErrNotConnected
		}
		if e.status == StatusOffline {
			e.status = StatusIdle
		}
	} else {
		e.status = StatusOffline
		e.rideID = ""
	}
	e.updated = s.now()
	rec := e.record()
	e.mu.Unlock()

	s.notify(rec)
	return rec, nil
}

// Snapshot copies every idle actor that is connected and has a position.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.actors))
	for _, e := range s.actors {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	snap := Snapshot{Taken: s.now(), Records: make([]Record, 0, len(entries))}
	for _, e := range entries {
		e.mu.Lock()
		if e.status == StatusIdle && e.handle != "" && e.loc != nil {
			snap.Records = append(snap.Records, e.record())
		}
		e.mu.Unlock()
	}
	return snap
}

// Get is the read-only diagnostics accessor.
func (s *Store) Get(actorID string) (Record, bool) {
	e, ok := s.get(actorID)
	if !ok {
		return Record{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record(), true
}

// Counts returns the number of known actors per status.
func (s *Store) Counts() map[Status]int {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.actors))
	for _, e := range s.actors {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := map[Status]int{StatusOffline: 0, StatusIdle: 0, StatusOffered: 0, StatusBusy: 0}
	for _, e := range entries {
		e.mu.Lock()
		out[e.status]++
		e.mu.Unlock()
	}
	return out
}
