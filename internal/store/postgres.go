package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/khamenkhai/taxi-ride-socket/internal/models"
)

// PostgresStore backs the ride store with a relational table; the exclusive
// acquisition primitives become conditional UPDATEs whose WHERE clause
// carries the precondition, so the row count tells us who won the race.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

var terminalStatuses = []string{
	string(models.StatusCompleted),
	string(models.StatusCancelled),
	string(models.StatusTimedOut),
}

const rideColumns = `id, rider_id, driver_id, status, pickup, stops, current_index, driver_location, cancelled_by, cancel_reason, created_at, updated_at`

// pgWriteErr folds a failed write into the store taxonomy: a unique
// violation on the id or the active-ride indexes is a losing racer, not an
// outage.
func pgWriteErr(err error) error {
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
		return ErrConflict
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (p *PostgresStore) CreateRide(ctx context.Context, ride *models.Ride) error {
	pickup, _ := json.Marshal(ride.Pickup)
	stops, _ := json.Marshal(ride.Stops)
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO rides (id, rider_id, status, pickup, stops, current_index, created_at, updated_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, now()
		WHERE NOT EXISTS (
			SELECT 1 FROM rides WHERE rider_id = $2 AND status <> ALL($8)
		)`,
		ride.ID, ride.RiderID, string(ride.Status), pickup, stops, ride.CurrentIndex,
		ride.CreatedAt, pq.Array(terminalStatuses))
	if err != nil {
		return pgWriteErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	return scanRide(row)
}

func (p *PostgresStore) SetRideFields(ctx context.Context, id string, fields map[string]any) error {
	set, args := rideFieldClauses(fields, 2)
	if len(set) == 0 {
		return nil
	}
	set = append(set, "updated_at = now()")
	args = append([]any{id}, args...)
	res, err := p.db.ExecContext(ctx,
		`UPDATE rides SET `+strings.Join(set, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ExclusiveAccept(ctx context.Context, rideID, driverID string, loc models.Coord) (*models.Ride, error) {
	locJSON, _ := json.Marshal(loc)
	res, err := p.db.ExecContext(ctx, `
		UPDATE rides SET status = $3, driver_id = $2, driver_location = $4, updated_at = now()
		WHERE id = $1 AND status = $5 AND (driver_id IS NULL OR driver_id = '')
		AND NOT EXISTS (
			SELECT 1 FROM rides r2 WHERE r2.driver_id = $2 AND r2.status <> ALL($6)
		)`,
		rideID, driverID, string(models.StatusAccepted), locJSON,
		string(models.StatusRequested), pq.Array(terminalStatuses))
	if err != nil {
		// the partial unique index on active driver rides rejects a second
		// concurrent acceptance the NOT EXISTS snapshot missed
		return nil, pgWriteErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := p.GetRide(ctx, rideID); err != nil {
			return nil, err
		}
		return nil, ErrConflict
	}
	return p.GetRide(ctx, rideID)
}

func (p *PostgresStore) Transition(ctx context.Context, id string, from []models.RideStatus, to models.RideStatus, fields map[string]any) (*models.Ride, error) {
	set, args := rideFieldClauses(fields, 4)
	set = append(set, "status = $2", "updated_at = now()")
	fromStrs := make([]string, len(from))
	for i, f := range from {
		fromStrs[i] = string(f)
	}
	args = append([]any{id, string(to), pq.Array(fromStrs)}, args...)
	res, err := p.db.ExecContext(ctx,
		`UPDATE rides SET `+strings.Join(set, ", ")+` WHERE id = $1 AND status = ANY($3)`, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := p.GetRide(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrConflict
	}
	return p.GetRide(ctx, id)
}

// ReclaimRide: rows are durable here; the delete only fires once the grace
// period has passed and the ride is still terminal.
func (p *PostgresStore) ReclaimRide(ctx context.Context, id string, after time.Duration) error {
	time.AfterFunc(after, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = p.db.ExecContext(ctx,
			`DELETE FROM rides WHERE id = $1 AND status = ANY($2)`, id, pq.Array(terminalStatuses))
	})
	return nil
}

func (p *PostgresStore) ActiveRideForDriver(ctx context.Context, driverID string) (string, error) {
	return p.activeRide(ctx, "driver_id", driverID)
}

func (p *PostgresStore) ActiveRideForRider(ctx context.Context, riderID string) (string, error) {
	return p.activeRide(ctx, "rider_id", riderID)
}

func (p *PostgresStore) activeRide(ctx context.Context, column, id string) (string, error) {
	var rideID string
	err := p.db.QueryRowContext(ctx,
		`SELECT id FROM rides WHERE `+column+` = $1 AND status <> ALL($2) LIMIT 1`,
		id, pq.Array(terminalStatuses)).Scan(&rideID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return rideID, nil
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, online, handle, last_online, last_offline, last_location FROM drivers WHERE id = $1`, id)
	return scanDriver(row)
}

func (p *PostgresStore) SetDriverFields(ctx context.Context, id string, fields map[string]any, createIfAbsent bool) error {
	if createIfAbsent {
		if _, err := p.db.ExecContext(ctx,
			`INSERT INTO drivers (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	set, args := driverFieldClauses(fields, 2)
	if len(set) == 0 {
		return nil
	}
	args = append([]any{id}, args...)
	res, err := p.db.ExecContext(ctx,
		`UPDATE drivers SET `+strings.Join(set, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) DriverByHandle(ctx context.Context, handle string) (*models.Driver, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, online, handle, last_online, last_offline, last_location FROM drivers WHERE handle = $1`, handle)
	return scanDriver(row)
}

func (p *PostgresStore) OnlineDrivers(ctx context.Context) ([]models.Driver, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, online, handle, last_online, last_offline, last_location FROM drivers WHERE online ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	var out []models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var (
		r                                   models.Ride
		status                              string
		pickup, stops, driverLoc            []byte
		driverID, cancelledBy, cancelReason sql.NullString
	)
	err := row.Scan(&r.ID, &r.RiderID, &driverID, &status, &pickup, &stops,
		&r.CurrentIndex, &driverLoc, &cancelledBy, &cancelReason, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	r.Status = models.RideStatus(status)
	r.DriverID = driverID.String
	r.CancelledBy = cancelledBy.String
	r.CancelReason = cancelReason.String
	if len(pickup) > 0 {
		if err := json.Unmarshal(pickup, &r.Pickup); err != nil {
			return nil, fmt.Errorf("corrupt ride record: %w", err)
		}
	}
	if len(stops) > 0 {
		if err := json.Unmarshal(stops, &r.Stops); err != nil {
			return nil, fmt.Errorf("corrupt ride record: %w", err)
		}
	}
	if len(driverLoc) > 0 {
		var loc models.Coord
		if err := json.Unmarshal(driverLoc, &loc); err != nil {
			return nil, fmt.Errorf("corrupt ride record: %w", err)
		}
		r.DriverLocation = &loc
	}
	return &r, nil
}

func scanDriver(row rowScanner) (*models.Driver, error) {
	var (
		d           models.Driver
		handle      sql.NullString
		lastOnline  sql.NullTime
		lastOffline sql.NullTime
		lastLoc     []byte
	)
	err := row.Scan(&d.ID, &d.Online, &handle, &lastOnline, &lastOffline, &lastLoc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	d.Handle = handle.String
	d.LastOnline = lastOnline.Time
	d.LastOffline = lastOffline.Time
	if len(lastLoc) > 0 {
		var loc models.Coord
		if json.Unmarshal(lastLoc, &loc) == nil {
			d.LastLocation = &loc
		}
	}
	return &d, nil
}

func rideFieldClauses(fields map[string]any, firstArg int) ([]string, []any) {
	var set []string
	var args []any
	i := firstArg
	add := func(col string, v any) {
		set = append(set, fmt.Sprintf("%s = $%d", col, i))
		args = append(args, v)
		i++
	}
	for k, v := range fields {
		switch k {
		case FieldStatus:
			add("status", string(v.(models.RideStatus)))
		case FieldDriverID:
			add("driver_id", v.(string))
		case FieldCurrentIndex:
			add("current_index", v.(int))
		case FieldCancelledBy:
			add("cancelled_by", v.(string))
		case FieldCancelReason:
			add("cancel_reason", v.(string))
		case FieldDriverLoc, FieldStops:
			b, _ := json.Marshal(v)
			switch k {
			case FieldDriverLoc:
				add("driver_location", b)
			case FieldStops:
				add("stops", b)
			}
		}
	}
	return set, args
}

func driverFieldClauses(fields map[string]any, firstArg int) ([]string, []any) {
	var set []string
	var args []any
	i := firstArg
	add := func(col string, v any) {
		set = append(set, fmt.Sprintf("%s = $%d", col, i))
		args = append(args, v)
		i++
	}
	for k, v := range fields {
		switch k {
		case FieldOnline:
			add("online", v.(bool))
		case FieldHandle:
			add("handle", v.(string))
		case FieldLastOnline:
			add("last_online", v.(time.Time))
		case FieldLastOffline:
			add("last_offline", v.(time.Time))
		case FieldLastLocation:
			b, _ := json.Marshal(v)
			add("last_location", b)
		}
	}
	return set, args
}
