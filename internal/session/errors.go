package session

import "errors"

// Typed failures returned to the initiating caller. Validation and state
// errors are never retried automatically.
var (
	// ErrInvalidPayload: required identity fields are missing; nothing is
	// persisted.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrInvalidState: the operation is not legal from the ride's current
	// status; no mutation happened.
	ErrInvalidState = errors.New("operation not valid in current ride state")
	// ErrRideUnavailable: lost the race for exclusive acceptance; the ride
	// is already taken.
	ErrRideUnavailable = errors.New("ride unavailable")
	// ErrAlreadyTerminal: the ride already reached completed, cancelled or
	// timed_out.
	ErrAlreadyTerminal = errors.New("ride already terminal")
	// ErrNoDestinations: the destination sequence is empty or exhausted.
	ErrNoDestinations = errors.New("no destinations remaining")
	// ErrActiveRide: the rider already has a ride in a non-terminal status.
	ErrActiveRide = errors.New("an active ride already exists")
	// ErrNotFound: unknown ride or driver id.
	ErrNotFound = errors.New("ride not found")
)
