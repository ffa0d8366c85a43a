// Package store is the durable record layer for rides and drivers. The
// interface deliberately mirrors a key-value contract (get, set-fields,
// exclusive acquisition) so the memory, Redis and Postgres backends stay
// interchangeable; the session manager never sees which one it runs on.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/khamenkhai/taxi-ride-socket/internal/models"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrConflict    = errors.New("record state conflict")
	ErrUnavailable = errors.New("store unavailable")
)

// Field keys accepted by SetRideFields / SetDriverFields and by the fields
// argument of Transition.
const (
	FieldStatus       = "status"
	FieldDriverID     = "driver_id"
	FieldDriverLoc    = "driver_location"
	FieldCurrentIndex = "current_index"
	FieldStops        = "stops"
	FieldCancelledBy  = "cancelled_by"
	FieldCancelReason = "cancel_reason"

	FieldOnline       = "online"
	FieldHandle       = "handle"
	FieldLastOnline   = "last_online"
	FieldLastOffline  = "last_offline"
	FieldLastLocation = "last_location"
)

// RideStore is the persistence contract shared by all backends.
//
// ExclusiveAccept and Transition are the two exclusive-acquisition
// primitives: both apply their mutation only if the current state still
// matches the precondition, atomically with respect to concurrent callers.
// Plain read-then-write acceptance is a race and is not offered.
type RideStore interface {
	// CreateRide persists a new ride. It fails with ErrConflict when the id
	// already exists or the rider already holds a non-terminal ride.
	CreateRide(ctx context.Context, ride *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// SetRideFields applies a partial update without any precondition. Not
	// for status changes; use Transition for those.
	SetRideFields(ctx context.Context, id string, fields map[string]any) error

	// ExclusiveAccept performs requested→accepted, assigning driverID and its
	// location, iff the ride is still requested and unassigned and the driver
	// holds no other non-terminal ride. Exactly one of N concurrent callers
	// succeeds; the rest get ErrConflict.
	ExclusiveAccept(ctx context.Context, rideID, driverID string, loc models.Coord) (*models.Ride, error)

	// Transition changes status to `to`, applying fields in the same step,
	// only when the current status is one of `from`. Returns the updated
	// ride, or ErrConflict when the precondition no longer holds.
	Transition(ctx context.Context, id string, from []models.RideStatus, to models.RideStatus, fields map[string]any) (*models.Ride, error)

	// ReclaimRide schedules removal of a terminal ride once the reconnect
	// grace period has passed.
	ReclaimRide(ctx context.Context, id string, after time.Duration) error

	// ActiveRideForDriver returns the id of the driver's non-terminal ride,
	// or "" when there is none. Same shape for riders.
	ActiveRideForDriver(ctx context.Context, driverID string) (string, error)
	ActiveRideForRider(ctx context.Context, riderID string) (string, error)

	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	SetDriverFields(ctx context.Context, id string, fields map[string]any, createIfAbsent bool) error
	// DriverByHandle resolves a subscription handle back to its driver, used
	// by the transport-disconnect scan.
	DriverByHandle(ctx context.Context, handle string) (*models.Driver, error)
	OnlineDrivers(ctx context.Context) ([]models.Driver, error)
}
