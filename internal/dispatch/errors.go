package dispatch

import "errors"

var (
	ErrUnknownRequest = errors.New("unknown ride request")
	// ErrNotOffered means the actor holds no live offer for the request.
	ErrNotOffered = errors.New("ride not offered to actor")
	// ErrAlreadyMatched is returned to every accept after the request left
	// the searching state, whichever way it left.
	ErrAlreadyMatched = errors.New("ride request already resolved")
	ErrRequestClosed  = errors.New("ride request no longer searching")
	ErrNotMatched     = errors.New("ride request not matched")
	ErrNotAssigned    = errors.New("ride assigned to another captain")
	ErrInvalidOTP     = errors.New("invalid ride otp")
	ErrNotStarted     = errors.New("ride not started")
	ErrAlreadyStarted = errors.New("ride already started")
	// ErrNoCandidates is the reason reported when the search budget runs out
	// without an accept.
	ErrNoCandidates   = errors.New("no driver found")
	ErrDeliveryFailed = errors.New("offer delivery failed")
	ErrInvalidVehicle = errors.New("invalid vehicle class")
	ErrInvalidPickup  = errors.New("invalid pickup location")
)
