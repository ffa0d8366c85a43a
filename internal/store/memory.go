package store

import (
	"context"
	"sync"
	"time"

	"github.com/khamenkhai/taxi-ride-socket/internal/models"
)

// MemoryStore keeps everything behind one mutex. It is the default backend
// for single-process runs and the workhorse for tests.
type MemoryStore struct {
	mu             sync.RWMutex
	rides          map[string]*models.Ride
	drivers        map[string]*models.Driver
	activeByDriver map[string]string // driverID → non-terminal rideID
	activeByRider  map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:          make(map[string]*models.Ride),
		drivers:        make(map[string]*models.Driver),
		activeByDriver: make(map[string]string),
		activeByRider:  make(map[string]string),
	}
}

func (m *MemoryStore) CreateRide(ctx context.Context, ride *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[ride.ID]; ok {
		return ErrConflict
	}
	if _, ok := m.activeByRider[ride.RiderID]; ok {
		return ErrConflict
	}
	cp := ride.Clone()
	cp.UpdatedAt = time.Now()
	m.rides[ride.ID] = cp
	m.activeByRider[ride.RiderID] = ride.ID
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) SetRideFields(ctx context.Context, id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return ErrNotFound
	}
	applyRideFields(r, fields)
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ExclusiveAccept(ctx context.Context, rideID, driverID string, loc models.Coord) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.StatusRequested || r.DriverID != "" {
		return nil, ErrConflict
	}
	if _, busy := m.activeByDriver[driverID]; busy {
		return nil, ErrConflict
	}
	r.Status = models.StatusAccepted
	r.DriverID = driverID
	l := loc
	r.DriverLocation = &l
	r.UpdatedAt = time.Now()
	m.activeByDriver[driverID] = rideID
	return r.Clone(), nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, from []models.RideStatus, to models.RideStatus, fields map[string]any) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !statusIn(r.Status, from) {
		return nil, ErrConflict
	}
	r.Status = to
	applyRideFields(r, fields)
	r.UpdatedAt = time.Now()
	if to.Terminal() {
		if m.activeByRider[r.RiderID] == id {
			delete(m.activeByRider, r.RiderID)
		}
		if r.DriverID != "" && m.activeByDriver[r.DriverID] == id {
			delete(m.activeByDriver, r.DriverID)
		}
	}
	return r.Clone(), nil
}

func (m *MemoryStore) ReclaimRide(ctx context.Context, id string, after time.Duration) error {
	time.AfterFunc(after, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if r, ok := m.rides[id]; ok && r.Status.Terminal() {
			delete(m.rides, id)
		}
	})
	return nil
}

func (m *MemoryStore) ActiveRideForDriver(ctx context.Context, driverID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeByDriver[driverID], nil
}

func (m *MemoryStore) ActiveRideForRider(ctx context.Context, riderID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeByRider[riderID], nil
}

func (m *MemoryStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) SetDriverFields(ctx context.Context, id string, fields map[string]any, createIfAbsent bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		if !createIfAbsent {
			return ErrNotFound
		}
		d = &models.Driver{ID: id}
		m.drivers[id] = d
	}
	applyDriverFields(d, fields)
	return nil
}

func (m *MemoryStore) DriverByHandle(ctx context.Context, handle string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.drivers {
		if d.Handle == handle {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) OnlineDrivers(ctx context.Context) ([]models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		if d.Online {
			out = append(out, *d)
		}
	}
	return out, nil
}

func statusIn(s models.RideStatus, set []models.RideStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

func applyRideFields(r *models.Ride, fields map[string]any) {
	for k, v := range fields {
		switch k {
		case FieldStatus:
			r.Status = v.(models.RideStatus)
		case FieldDriverID:
			r.DriverID = v.(string)
		case FieldDriverLoc:
			loc := v.(models.Coord)
			r.DriverLocation = &loc
		case FieldCurrentIndex:
			r.CurrentIndex = v.(int)
		case FieldStops:
			stops := v.([]models.Stop)
			r.Stops = make([]models.Stop, len(stops))
			copy(r.Stops, stops)
		case FieldCancelledBy:
			r.CancelledBy = v.(string)
		case FieldCancelReason:
			r.CancelReason = v.(string)
		}
	}
}

func applyDriverFields(d *models.Driver, fields map[string]any) {
	for k, v := range fields {
		switch k {
		case FieldOnline:
			d.Online = v.(bool)
		case FieldHandle:
			d.Handle = v.(string)
		case FieldLastOnline:
			d.LastOnline = v.(time.Time)
		case FieldLastOffline:
			d.LastOffline = v.(time.Time)
		case FieldLastLocation:
			loc := v.(models.Coord)
			d.LastLocation = &loc
		}
	}
}
