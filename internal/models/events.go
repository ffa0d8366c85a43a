package models

import "time"

// Topic names. Per-identity topics are just the rider/driver/ride ids;
// OnlineDriversTopic is shared by every connected driver.
const OnlineDriversTopic = "online-drivers"

// Outbound event names.
const (
	EventRideRequest         = "ride:request"
	EventRideStatus          = "ride:status"
	EventRideDriverLocation  = "ride:driver_location"
	EventDestinationProgress = "ride:destination_progress"
	EventRideCancelled       = "ride:cancelled"
	EventRideTimeout         = "ride:timeout"
	EventDriverStatusChanged = "driver:status_changed"
)

// RideStatusEvent announces a lifecycle transition on the ride topic.
type RideStatusEvent struct {
	RideID   string     `json:"ride_id"`
	Status   RideStatus `json:"status"`
	DriverID string     `json:"driver_id,omitempty"`
	At       time.Time  `json:"at"`
}

// RideRequestEvent is fanned out to candidate drivers and re-delivered to a
// reconnecting rider whose ride is still awaiting acceptance.
type RideRequestEvent struct {
	RideID  string    `json:"ride_id"`
	RiderID string    `json:"rider_id"`
	Pickup  Coord     `json:"pickup"`
	Stops   []Stop    `json:"stops"`
	At      time.Time `json:"at"`
}

type DriverLocationEvent struct {
	RideID   string    `json:"ride_id"`
	DriverID string    `json:"driver_id"`
	Location Coord     `json:"location"`
	At       time.Time `json:"at"`
}

type DestinationProgressEvent struct {
	RideID       string `json:"ride_id"`
	StopIndex    int    `json:"stop_index"`
	Remaining    int    `json:"remaining"`
	RideComplete bool   `json:"ride_complete"`
}

type RideCancelledEvent struct {
	RideID      string    `json:"ride_id"`
	CancelledBy string    `json:"cancelled_by"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

type RideTimeoutEvent struct {
	RideID string    `json:"ride_id"`
	At     time.Time `json:"at"`
}

type DriverStatusEvent struct {
	DriverID string    `json:"driver_id"`
	Online   bool      `json:"online"`
	At       time.Time `json:"at"`
}
