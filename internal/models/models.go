package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Stop is one entry of a ride's destination sequence.
type Stop struct {
	Location  Coord  `json:"location"`
	Address   string `json:"address,omitempty"`
	Completed bool   `json:"completed"`
}

type RideStatus string

const (
	StatusRequested     RideStatus = "requested"
	StatusAccepted      RideStatus = "accepted"
	StatusDriverArrived RideStatus = "driver_arrived"
	StatusInProgress    RideStatus = "in_progress"
	StatusCompleted     RideStatus = "completed"
	StatusCancelled     RideStatus = "cancelled"
	StatusTimedOut      RideStatus = "timed_out"
)

// MaxStops bounds the destination sequence; extra entries are truncated
// at ride creation.
const MaxStops = 4

// Terminal reports whether no further transition is legal from s.
func (s RideStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// forward edges of the lifecycle; cancellation from any non-terminal state
// and requested→timed_out are handled separately in CanTransition.
var nextStatus = map[RideStatus]RideStatus{
	StatusRequested:     StatusAccepted,
	StatusAccepted:      StatusDriverArrived,
	StatusDriverArrived: StatusInProgress,
	StatusInProgress:    StatusCompleted,
}

// CanTransition reports whether from→to is an edge of the ride state
// machine. No backward edges, no skipping.
func CanTransition(from, to RideStatus) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusCancelled:
		return true
	case StatusTimedOut:
		return from == StatusRequested
	}
	return nextStatus[from] == to
}

var allStatuses = []RideStatus{
	StatusRequested, StatusAccepted, StatusDriverArrived, StatusInProgress,
	StatusCompleted, StatusCancelled, StatusTimedOut,
}

// TransitionSources returns every status with a legal edge into `to`.
// Store transition preconditions derive from this so the state machine is
// defined in one place.
func TransitionSources(to RideStatus) []RideStatus {
	var out []RideStatus
	for _, from := range allStatuses {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

type Ride struct {
	ID             string     `json:"id"`
	RiderID        string     `json:"rider_id"`
	DriverID       string     `json:"driver_id,omitempty"`
	Status         RideStatus `json:"status"`
	Pickup         Coord      `json:"pickup"`
	Stops          []Stop     `json:"stops"`
	CurrentIndex   int        `json:"current_index"`
	DriverLocation *Coord     `json:"driver_location,omitempty"`
	CancelledBy    string     `json:"cancelled_by,omitempty"`
	CancelReason   string     `json:"cancel_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Clone returns a deep copy so store callers can mutate freely.
func (r *Ride) Clone() *Ride {
	cp := *r
	if r.Stops != nil {
		cp.Stops = make([]Stop, len(r.Stops))
		copy(cp.Stops, r.Stops)
	}
	if r.DriverLocation != nil {
		loc := *r.DriverLocation
		cp.DriverLocation = &loc
	}
	return &cp
}

type Driver struct {
	ID           string    `json:"id"`
	Online       bool      `json:"online"`
	Handle       string    `json:"handle,omitempty"`
	LastOnline   time.Time `json:"last_online,omitempty"`
	LastOffline  time.Time `json:"last_offline,omitempty"`
	LastLocation *Coord    `json:"last_location,omitempty"`
}
