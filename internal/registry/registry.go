// Package registry tracks which drivers are online and where to deliver
// their messages. It is a thin layer over the ride store; the driver record
// itself is never deleted, only flagged.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/khamenkhai/taxi-ride-socket/internal/models"
	"github.com/khamenkhai/taxi-ride-socket/internal/observability"
	"github.com/khamenkhai/taxi-ride-socket/internal/pubsub"
	"github.com/khamenkhai/taxi-ride-socket/internal/store"
)

type Registry struct {
	store  store.RideStore
	broker pubsub.Broker
	log    *slog.Logger

	// mu serializes presence flips so the read-then-write around the
	// online gauge cannot interleave for one driver.
	mu sync.Mutex
}

func New(st store.RideStore, broker pubsub.Broker, log *slog.Logger) *Registry {
	return &Registry{store: st, broker: broker, log: log}
}

// Online marks the driver available and records its subscription handle.
// A reconnect simply overwrites the handle; the gauge only moves on a real
// offline→online flip.
func (r *Registry) Online(ctx context.Context, driverID, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	wasOnline := r.isOnline(ctx, driverID)
	err := r.store.SetDriverFields(ctx, driverID, map[string]any{
		store.FieldOnline:     true,
		store.FieldHandle:     handle,
		store.FieldLastOnline: time.Now(),
	}, true)
	if err != nil {
		return err
	}
	if !wasOnline {
		observability.DriversOnline.Inc()
	}
	r.announce(driverID, true)
	return nil
}

func (r *Registry) Offline(ctx context.Context, driverID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	wasOnline := r.isOnline(ctx, driverID)
	err := r.store.SetDriverFields(ctx, driverID, map[string]any{
		store.FieldOnline:      false,
		store.FieldHandle:      "",
		store.FieldLastOffline: time.Now(),
	}, true)
	if err != nil {
		return err
	}
	if wasOnline {
		observability.DriversOnline.Dec()
	}
	r.announce(driverID, false)
	return nil
}

func (r *Registry) isOnline(ctx context.Context, driverID string) bool {
	d, err := r.store.GetDriver(ctx, driverID)
	return err == nil && d.Online
}

// Disconnected handles a transport-level drop: find the driver owning the
// handle and mark it offline, unless the driver already signed back on with
// a newer handle (the stored handle no longer matches, so the later write
// wins and the stale disconnect is a no-op).
func (r *Registry) Disconnected(ctx context.Context, handle string) error {
	d, err := r.store.DriverByHandle(ctx, handle)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if d.Handle != handle {
		return nil
	}
	r.log.Info("driver disconnected", "driver_id", d.ID)
	return r.Offline(ctx, d.ID)
}

func (r *Registry) OnlineDrivers(ctx context.Context) ([]models.Driver, error) {
	return r.store.OnlineDrivers(ctx)
}

func (r *Registry) announce(driverID string, online bool) {
	err := r.broker.Publish(models.OnlineDriversTopic, models.EventDriverStatusChanged,
		models.DriverStatusEvent{DriverID: driverID, Online: online, At: time.Now()})
	if err != nil {
		r.log.Warn("driver status publish failed", "driver_id", driverID, "error", err)
	}
}
