// Package session owns the ride lifecycle: the state machine, transition
// validation, single-acceptance arbitration and reconnect replay. All ride
// mutations funnel through here; handlers share state only through the
// store.
package session

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/khamenkhai/taxi-ride-socket/internal/models"
	"github.com/khamenkhai/taxi-ride-socket/internal/observability"
	"github.com/khamenkhai/taxi-ride-socket/internal/pubsub"
	"github.com/khamenkhai/taxi-ride-socket/internal/store"
)

// Dispatcher is the coordinator-side contract: start candidate fan-out for
// a fresh ride, and disarm its pending-request timer once the ride leaves
// requested for any reason.
type Dispatcher interface {
	Dispatch(ctx context.Context, ride *models.Ride)
	CancelTimer(rideID string)
}

// LocationSink receives the high-frequency location stream, best-effort
// (a Kafka producer in production, nil in tests).
type LocationSink interface {
	PublishLocation(ctx context.Context, ev models.DriverLocationEvent) error
}

const lockStripes = 64

type Manager struct {
	store     store.RideStore
	broker    pubsub.Broker
	dispatch  Dispatcher
	sink      LocationSink
	log       *slog.Logger
	retention time.Duration
	limiter   *rateLimiter

	// striped per-ride locks serialize in-process read-modify-write paths;
	// the store CAS remains the cross-process arbiter.
	locks [lockStripes]sync.Mutex
}

type Options struct {
	Retention           time.Duration
	LocationMinInterval time.Duration
}

func NewManager(st store.RideStore, broker pubsub.Broker, log *slog.Logger, opts Options) *Manager {
	if opts.Retention <= 0 {
		opts.Retention = 5 * time.Minute
	}
	return &Manager{
		store:     st,
		broker:    broker,
		log:       log,
		retention: opts.Retention,
		limiter:   newRateLimiter(opts.LocationMinInterval),
	}
}

// SetDispatcher wires the coordinator in after construction; the coordinator
// itself only needs the store and broker, so there is no cycle.
func (m *Manager) SetDispatcher(d Dispatcher) { m.dispatch = d }

func (m *Manager) SetLocationSink(s LocationSink) { m.sink = s }

func (m *Manager) rideLock(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &m.locks[h.Sum32()%lockStripes]
}

// CreateRide persists a new ride in requested, announces it on the ride
// topic and hands it to the dispatch coordinator.
func (m *Manager) CreateRide(ctx context.Context, riderID string, pickup models.Coord, stops []models.Stop) (*models.Ride, error) {
	if riderID == "" {
		return nil, ErrInvalidPayload
	}
	if !validCoord(pickup) {
		return nil, ErrInvalidPayload
	}
	if len(stops) > models.MaxStops {
		stops = stops[:models.MaxStops]
	}
	for i := range stops {
		if !validCoord(stops[i].Location) {
			return nil, ErrInvalidPayload
		}
		stops[i].Completed = false
	}
	now := time.Now()
	ride := &models.Ride{
		ID:        uuid.NewString(),
		RiderID:   riderID,
		Status:    models.StatusRequested,
		Pickup:    pickup,
		Stops:     stops,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateRide(ctx, ride); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrActiveRide
		}
		return nil, err
	}
	observability.RidesRequested.Inc()
	m.log.Info("ride created", "ride_id", ride.ID, "rider_id", riderID, "stops", len(stops))
	m.publishStatus(ride)
	if m.dispatch != nil {
		m.dispatch.Dispatch(ctx, ride.Clone())
	}
	return ride, nil
}

// AcceptRide performs the requested→accepted transition through the store's
// exclusive-acquisition primitive: with N drivers racing, exactly one caller
// returns the ride and the rest get ErrRideUnavailable.
func (m *Manager) AcceptRide(ctx context.Context, rideID, driverID string, loc models.Coord) (*models.Ride, error) {
	if rideID == "" || driverID == "" {
		return nil, ErrInvalidPayload
	}
	ride, err := m.store.ExclusiveAccept(ctx, rideID, driverID, loc)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, ErrNotFound
		case errors.Is(err, store.ErrConflict):
			observability.AcceptConflicts.Inc()
			return nil, ErrRideUnavailable
		}
		return nil, err
	}
	if m.dispatch != nil {
		m.dispatch.CancelTimer(rideID)
	}
	observability.RidesAccepted.Inc()
	m.log.Info("ride accepted", "ride_id", rideID, "driver_id", driverID)
	m.publishStatus(ride)
	return ride, nil
}

// MarkDriverArrived: accepted → driver_arrived.
func (m *Manager) MarkDriverArrived(ctx context.Context, rideID string) (*models.Ride, error) {
	return m.advance(ctx, rideID, models.StatusDriverArrived)
}

// StartRide: driver_arrived → in_progress.
func (m *Manager) StartRide(ctx context.Context, rideID string) (*models.Ride, error) {
	return m.advance(ctx, rideID, models.StatusInProgress)
}

// advance performs a single forward step; the legal source statuses come
// from the state machine itself.
func (m *Manager) advance(ctx context.Context, rideID string, to models.RideStatus) (*models.Ride, error) {
	if rideID == "" {
		return nil, ErrInvalidPayload
	}
	ride, err := m.store.Transition(ctx, rideID, models.TransitionSources(to), to, nil)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, ErrNotFound
		case errors.Is(err, store.ErrConflict):
			return nil, ErrInvalidState
		}
		return nil, err
	}
	m.log.Info("ride advanced", "ride_id", rideID, "status", to)
	m.publishStatus(ride)
	return ride, nil
}

// CompleteDestination marks the current stop completed. On the last stop
// the ride finishes; otherwise the index advances. Valid only in
// in_progress.
func (m *Manager) CompleteDestination(ctx context.Context, rideID string) (*models.Ride, error) {
	if rideID == "" {
		return nil, ErrInvalidPayload
	}
	mu := m.rideLock(rideID)
	mu.Lock()
	defer mu.Unlock()

	ride, err := m.store.GetRide(ctx, rideID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if ride.Status != models.StatusInProgress {
		return nil, ErrInvalidState
	}
	if len(ride.Stops) == 0 || ride.CurrentIndex >= len(ride.Stops) {
		return nil, ErrNoDestinations
	}

	idx := ride.CurrentIndex
	ride.Stops[idx].Completed = true
	last := idx == len(ride.Stops)-1

	fields := map[string]any{store.FieldStops: ride.Stops}
	to := models.StatusInProgress
	if last {
		to = models.StatusCompleted
	} else {
		fields[store.FieldCurrentIndex] = idx + 1
	}
	updated, err := m.store.Transition(ctx, rideID,
		[]models.RideStatus{models.StatusInProgress}, to, fields)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrInvalidState
		}
		return nil, err
	}

	m.publish(updated, models.EventDestinationProgress, models.DestinationProgressEvent{
		RideID:       rideID,
		StopIndex:    idx,
		Remaining:    len(updated.Stops) - idx - 1,
		RideComplete: last,
	})
	if last {
		observability.RidesCompleted.Inc()
		m.log.Info("ride completed", "ride_id", rideID)
		m.publishStatus(updated)
		m.finishRide(ctx, updated)
	}
	return updated, nil
}

// CancelRide moves any non-terminal ride to cancelled. Replaying the same
// cancel is safe: the second call gets ErrAlreadyTerminal, never a crash.
func (m *Manager) CancelRide(ctx context.Context, rideID, cancelledBy, reason string) (*models.Ride, error) {
	if rideID == "" || cancelledBy == "" {
		return nil, ErrInvalidPayload
	}
	ride, err := m.store.Transition(ctx, rideID,
		models.TransitionSources(models.StatusCancelled), models.StatusCancelled,
		map[string]any{store.FieldCancelledBy: cancelledBy, store.FieldCancelReason: reason})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, ErrNotFound
		case errors.Is(err, store.ErrConflict):
			return nil, ErrAlreadyTerminal
		}
		return nil, err
	}
	if m.dispatch != nil {
		m.dispatch.CancelTimer(rideID)
	}
	observability.RidesCancelled.Inc()
	m.log.Info("ride cancelled", "ride_id", rideID, "by", cancelledBy, "reason", reason)
	m.publish(ride, models.EventRideCancelled, models.RideCancelledEvent{
		RideID:      rideID,
		CancelledBy: cancelledBy,
		Reason:      reason,
		At:          ride.UpdatedAt,
	})
	m.finishRide(ctx, ride)
	return ride, nil
}

// UpdateDriverLocation overwrites the ride's last-known driver location and
// relays it. Throttled updates are dropped without error; a dropped update
// never blocks or fails the caller.
func (m *Manager) UpdateDriverLocation(ctx context.Context, rideID string, loc models.Coord) error {
	if rideID == "" {
		return ErrInvalidPayload
	}
	ride, err := m.store.GetRide(ctx, rideID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if ride.Status.Terminal() || ride.DriverID == "" {
		return ErrInvalidState
	}
	if !m.limiter.Allow(rideID) {
		observability.LocationUpdatesDropped.Inc()
		return nil
	}
	if err := m.store.SetRideFields(ctx, rideID, map[string]any{store.FieldDriverLoc: loc}); err != nil {
		// location is a loss-tolerant stream: log and move on
		m.log.Warn("location store write failed", "ride_id", rideID, "error", err)
	}
	_ = m.store.SetDriverFields(ctx, ride.DriverID, map[string]any{store.FieldLastLocation: loc}, true)

	ev := models.DriverLocationEvent{RideID: rideID, DriverID: ride.DriverID, Location: loc, At: time.Now()}
	m.publish(ride, models.EventRideDriverLocation, ev)
	if m.sink != nil {
		if err := m.sink.PublishLocation(ctx, ev); err != nil {
			m.log.Warn("location sink publish failed", "ride_id", rideID, "error", err)
		}
	}
	observability.LocationUpdates.Inc()
	return nil
}

// ResyncOnReconnect re-subscribes the caller and replays the latest known
// state of its ride, if any. A cancelled ride replays only the cancellation
// so stale events cannot contradict the terminal state.
func (m *Manager) ResyncOnReconnect(ctx context.Context, sub *pubsub.Subscriber, identity, role, rideID string) error {
	if identity == "" {
		return ErrInvalidPayload
	}
	m.broker.Subscribe(sub, identity)
	if role == "driver" {
		m.broker.Subscribe(sub, models.OnlineDriversTopic)
	}
	if rideID == "" {
		return nil
	}
	ride, err := m.store.GetRide(ctx, rideID)
	if errors.Is(err, store.ErrNotFound) {
		return nil // past the reclamation window, nothing to replay
	}
	if err != nil {
		return err
	}
	if ride.Status.Terminal() && time.Since(ride.UpdatedAt) > m.retention {
		return nil
	}
	m.broker.Subscribe(sub, rideID)

	switch ride.Status {
	case models.StatusCancelled:
		return m.broker.Send(sub, models.EventRideCancelled, models.RideCancelledEvent{
			RideID:      ride.ID,
			CancelledBy: ride.CancelledBy,
			Reason:      ride.CancelReason,
			At:          ride.UpdatedAt,
		})
	case models.StatusTimedOut:
		return m.broker.Send(sub, models.EventRideTimeout, models.RideTimeoutEvent{RideID: ride.ID, At: ride.UpdatedAt})
	}

	if err := m.broker.Send(sub, models.EventRideStatus, statusEvent(ride)); err != nil {
		return err
	}
	if ride.DriverLocation != nil {
		err := m.broker.Send(sub, models.EventRideDriverLocation, models.DriverLocationEvent{
			RideID:   ride.ID,
			DriverID: ride.DriverID,
			Location: *ride.DriverLocation,
			At:       ride.UpdatedAt,
		})
		if err != nil {
			return err
		}
	}
	if ride.Status == models.StatusRequested && role == "rider" && identity == ride.RiderID {
		return m.broker.Send(sub, models.EventRideRequest, requestEvent(ride))
	}
	return nil
}

// Retention is the reconnect-replay grace period for terminal rides.
func (m *Manager) Retention() time.Duration { return m.retention }

// finishRide schedules reclamation and clears throttle state once a ride
// reaches a terminal status.
func (m *Manager) finishRide(ctx context.Context, ride *models.Ride) {
	m.limiter.Forget(ride.ID)
	if err := m.store.ReclaimRide(ctx, ride.ID, m.retention); err != nil {
		m.log.Warn("ride reclamation scheduling failed", "ride_id", ride.ID, "error", err)
	}
}

func (m *Manager) publishStatus(ride *models.Ride) {
	m.publish(ride, models.EventRideStatus, statusEvent(ride))
}

// publish fans an event out to the ride topic and the rider's own topic;
// subscribers may legitimately receive it on both, which is why every
// payload is safe to consume more than once.
func (m *Manager) publish(ride *models.Ride, event string, payload any) {
	if err := m.broker.Publish(ride.ID, event, payload); err != nil {
		m.log.Warn("publish failed", "topic", ride.ID, "event", event, "error", err)
	}
	if err := m.broker.Publish(ride.RiderID, event, payload); err != nil {
		m.log.Warn("publish failed", "topic", ride.RiderID, "event", event, "error", err)
	}
}

func statusEvent(ride *models.Ride) models.RideStatusEvent {
	return models.RideStatusEvent{
		RideID:   ride.ID,
		Status:   ride.Status,
		DriverID: ride.DriverID,
		At:       ride.UpdatedAt,
	}
}

func requestEvent(ride *models.Ride) models.RideRequestEvent {
	return models.RideRequestEvent{
		RideID:  ride.ID,
		RiderID: ride.RiderID,
		Pickup:  ride.Pickup,
		Stops:   ride.Stops,
		At:      ride.CreatedAt,
	}
}

func validCoord(c models.Coord) bool {
	return math.Abs(c.Lat) <= 90 && math.Abs(c.Lon) <= 180
}
