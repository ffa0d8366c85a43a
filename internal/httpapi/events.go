package httpapi

import (
	"encoding/json"

	"github.com/khamenkhai/taxi-ride-socket/internal/models"
)

// Inbound client event names. Outbound names live in models.
const (
	evRideRequest         = "ride:request"
	evRideAccept          = "ride:accept"
	evRideDriverArrived   = "ride:driver_arrived"
	evRideStart           = "ride:start"
	evCompleteDestination = "ride:complete_destination"
	evRideCancel          = "ride:cancel"
	evDriverLocation      = "driver:location"
	evDriverOnline        = "driver:online"
	evDriverOffline       = "driver:offline"
	evUserReconnect       = "user:reconnect"

	evError = "error"
)

// clientEvent is the inbound wire frame.
type clientEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type rideRequestPayload struct {
	Pickup models.Coord  `json:"pickup"`
	Stops  []models.Stop `json:"stops"`
}

type rideAcceptPayload struct {
	RideID   string       `json:"ride_id"`
	Location models.Coord `json:"location"`
}

type rideRefPayload struct {
	RideID string `json:"ride_id"`
}

type rideCancelPayload struct {
	RideID string `json:"ride_id"`
	Reason string `json:"reason"`
}

type driverLocationPayload struct {
	RideID   string       `json:"ride_id"`
	Location models.Coord `json:"location"`
}

type reconnectPayload struct {
	RideID string `json:"ride_id"`
}

type errorPayload struct {
	Request string `json:"request"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
