package presence

// Dispatch-driven status transitions. Each one is a compare-and-set on the
// actor's status and the ride it is tied to, so a stale call for a ride the
// actor has since left is a no-op.

// Offer moves an idle, connected actor to offered for rideID.
func (s *Store) Offer(actorID, rideID string) (Handle, error) {
	return s.transition(actorID, func(e *entry) bool {
		if e.status != StatusIdle || e.handle == "" {
			return false
		}
		e.status = StatusOffered
		e.rideID = rideID
		return true
	})
}

// Release returns an actor offered for rideID to idle. It reports the handle
// so the caller can tell the actor the offer is gone.
func (s *Store) Release(actorID, rideID string) (Handle, bool) {
	h, err := s.transition(actorID, func(e *entry) bool {
		if e.status != StatusOffered || e.rideID != rideID {
			return false
		}
		e.status = StatusIdle
		e.rideID = ""
		return true
	})
	return h, err == nil
}

// Claim moves an actor offered for rideID to busy.
func (s *Store) Claim(actorID, rideID string) (Handle, error) {
	return s.transition(actorID, func(e *entry) bool {
		if e.status != StatusOffered || e.rideID != rideID || e.handle == "" {
			return false
		}
		e.status = StatusBusy
		return true
	})
}

// Finish ends the ride rideID for a busy actor and makes it idle again.
func (s *Store) Finish(actorID, rideID string) error {
	_, err := s.transition(actorID, func(e *entry) bool {
		if e.status != StatusBusy || e.rideID != rideID {
			return false
		}
		e.status = StatusIdle
		e.rideID = ""
		return true
	})
	return err
}

func (s *Store) transition(actorID string, apply func(*entry) bool) (Handle, error) {
	e, ok := s.get(actorID)
	if !ok {
		return "", ErrUnavailable
	}
	e.mu.Lock()
	if !apply(e) {
		e.mu.Unlock()
		return "", ErrUnavailable
	}
	e.updated = s.now()
	rec := e.record()
	e.mu.Unlock()

	s.notify(rec)
	return rec.Handle, nil
}
