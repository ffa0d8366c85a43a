// Package dispatch selects candidate drivers for new ride requests, fans
// the request out to them and owns the pending-request timers. A timer is
// disarmed the moment its ride leaves requested; if it fires, the expiry
// re-validates state through the store before acting, so an acceptance that
// lands just before expiry always wins.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/khamenkhai/taxi-ride-socket/internal/models"
	"github.com/khamenkhai/taxi-ride-socket/internal/observability"
	"github.com/khamenkhai/taxi-ride-socket/internal/pubsub"
	"github.com/khamenkhai/taxi-ride-socket/internal/store"
)

// CandidateSource lists drivers currently able to take a ride.
type CandidateSource interface {
	OnlineDrivers(ctx context.Context) ([]models.Driver, error)
}

type Options struct {
	// Timeout before an unaccepted request expires.
	Timeout time.Duration
	// MaxCandidates bounds the fan-out; 0 notifies every free online driver.
	MaxCandidates int
	// Retention is the reclamation grace period applied to timed-out rides.
	Retention time.Duration
}

type Coordinator struct {
	store   store.RideStore
	broker  pubsub.Broker
	drivers CandidateSource
	log     *slog.Logger
	opts    Options

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

type pendingRequest struct {
	timer      *time.Timer
	candidates []string
}

func NewCoordinator(st store.RideStore, broker pubsub.Broker, drivers CandidateSource, log *slog.Logger, opts Options) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = 5 * time.Minute
	}
	return &Coordinator{
		store:   st,
		broker:  broker,
		drivers: drivers,
		log:     log,
		opts:    opts,
		pending: make(map[string]*pendingRequest),
	}
}

// Dispatch fans the request out to candidate drivers and arms the timeout.
// Drivers already holding a non-terminal ride are excluded; skipping that
// check would allow double-booking.
func (c *Coordinator) Dispatch(ctx context.Context, ride *models.Ride) {
	candidates, err := c.selectCandidates(ctx, ride)
	if err != nil {
		c.log.Error("candidate selection failed", "ride_id", ride.ID, "error", err)
		return
	}
	observability.DispatchCandidates.Observe(float64(len(candidates)))
	if len(candidates) == 0 {
		c.log.Warn("no candidate drivers for ride", "ride_id", ride.ID)
		return
	}

	ev := models.RideRequestEvent{
		RideID:  ride.ID,
		RiderID: ride.RiderID,
		Pickup:  ride.Pickup,
		Stops:   ride.Stops,
		At:      ride.CreatedAt,
	}
	for _, driverID := range candidates {
		if err := c.broker.Publish(driverID, models.EventRideRequest, ev); err != nil {
			c.log.Warn("request fan-out failed", "ride_id", ride.ID, "driver_id", driverID, "error", err)
		}
	}
	c.log.Info("ride dispatched", "ride_id", ride.ID, "candidates", len(candidates), "timeout", c.opts.Timeout)
	c.arm(ride.ID, ride.RiderID, candidates)
}

// selectCandidates returns online drivers with no active ride, ordered by
// id for a deterministic set, bounded by MaxCandidates.
func (c *Coordinator) selectCandidates(ctx context.Context, ride *models.Ride) ([]string, error) {
	online, err := c.drivers.OnlineDrivers(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(online, func(i, j int) bool { return online[i].ID < online[j].ID })
	out := make([]string, 0, len(online))
	for _, d := range online {
		active, err := c.store.ActiveRideForDriver(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		if active != "" {
			continue
		}
		out = append(out, d.ID)
		if c.opts.MaxCandidates > 0 && len(out) >= c.opts.MaxCandidates {
			break
		}
	}
	return out, nil
}

func (c *Coordinator) arm(rideID, riderID string, candidates []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.pending[rideID]; ok {
		old.timer.Stop()
	}
	p := &pendingRequest{candidates: candidates}
	p.timer = time.AfterFunc(c.opts.Timeout, func() {
		c.expire(rideID, riderID)
	})
	c.pending[rideID] = p
}

// CancelTimer disarms the pending-request timer, called on any transition
// away from requested. Safe to call when no timer exists.
func (c *Coordinator) CancelTimer(rideID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pending[rideID]; ok {
		p.timer.Stop()
		delete(c.pending, rideID)
	}
}

// expire fires once per armed timer. The conditional transition is the
// arbiter: if acceptance or cancellation won the race the transition
// conflicts and this is a no-op.
func (c *Coordinator) expire(rideID, riderID string) {
	c.mu.Lock()
	p, ok := c.pending[rideID]
	delete(c.pending, rideID)
	c.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ride, err := c.store.Transition(ctx, rideID,
		models.TransitionSources(models.StatusTimedOut), models.StatusTimedOut, nil)
	if err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			return // the ride moved on before the timer fired
		}
		c.log.Error("timeout transition failed", "ride_id", rideID, "error", err)
		return
	}

	observability.RidesTimedOut.Inc()
	c.log.Info("ride request timed out", "ride_id", rideID, "candidates", len(p.candidates))

	ev := models.RideTimeoutEvent{RideID: rideID, At: ride.UpdatedAt}
	topics := append([]string{rideID, riderID}, p.candidates...)
	for _, topic := range topics {
		if err := c.broker.Publish(topic, models.EventRideTimeout, ev); err != nil {
			c.log.Warn("timeout publish failed", "ride_id", rideID, "topic", topic, "error", err)
		}
	}
	if err := c.store.ReclaimRide(ctx, rideID, c.opts.Retention); err != nil {
		c.log.Warn("ride reclamation scheduling failed", "ride_id", rideID, "error", err)
	}
}

// Pending reports whether a request timer is currently armed for the ride.
func (c *Coordinator) Pending(rideID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[rideID]
	return ok
}
