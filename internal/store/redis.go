package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/khamenkhai/taxi-ride-socket/internal/models"
)

// RedisStore keeps rides and drivers in hashes and runs the exclusive
// acquisition primitives as Lua scripts so the check and the write are one
// atomic step on the server.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr, password string) *RedisStore {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisStore{client: c}
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func rideKey(id string) string         { return "ride:" + id }
func driverKey(id string) string       { return "driver:" + id }
func activeRiderKey(id string) string  { return "active:rider:" + id }
func activeDriverKey(id string) string { return "active:driver:" + id }
func handleKey(h string) string        { return "handle:" + h }

const onlineDriversKey = "drivers:online"

// Script results: 0 = not found, 1 = ok, 2 = conflict.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 2 end
if redis.call('EXISTS', KEYS[2]) == 1 then return 2 end
for i = 2, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i-1], ARGV[i])
end
redis.call('SET', KEYS[2], redis.call('HGET', KEYS[1], 'id'))
return 1
`)

var acceptScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return 0 end
if status ~= 'requested' then return 2 end
local assigned = redis.call('HGET', KEYS[1], 'driver_id')
if assigned and assigned ~= '' then return 2 end
if redis.call('EXISTS', KEYS[2]) == 1 then return 2 end
redis.call('HSET', KEYS[1], 'status', 'accepted', 'driver_id', ARGV[1], 'driver_location', ARGV[2], 'updated_at', ARGV[3])
redis.call('SET', KEYS[2], ARGV[4])
return 1
`)

// ARGV: to, updated_at, terminal flag, nfrom, from..., then field k/v pairs.
var transitionScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return 0 end
local nfrom = tonumber(ARGV[4])
local ok = false
for i = 1, nfrom do
  if status == ARGV[4+i] then ok = true end
end
if not ok then return 2 end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_at', ARGV[2])
for i = 5 + nfrom, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
if ARGV[3] == '1' then
  local rider = redis.call('HGET', KEYS[1], 'rider_id')
  if rider and rider ~= '' then redis.call('DEL', 'active:rider:' .. rider) end
  local driver = redis.call('HGET', KEYS[1], 'driver_id')
  if driver and driver ~= '' then redis.call('DEL', 'active:driver:' .. driver) end
end
return 1
`)

func (s *RedisStore) CreateRide(ctx context.Context, ride *models.Ride) error {
	fields, err := encodeRide(ride)
	if err != nil {
		return err
	}
	argv := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		argv = append(argv, k, v)
	}
	n, err := createScript.Run(ctx, s.client, []string{rideKey(ride.ID), activeRiderKey(ride.RiderID)}, argv...).Int()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n != 1 {
		return ErrConflict
	}
	return nil
}

func (s *RedisStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	h, err := s.client.HGetAll(ctx, rideKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(h) == 0 {
		return nil, ErrNotFound
	}
	return decodeRide(h)
}

func (s *RedisStore) SetRideFields(ctx context.Context, id string, fields map[string]any) error {
	ok, err := s.client.Exists(ctx, rideKey(id)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ok == 0 {
		return ErrNotFound
	}
	enc, err := encodeRideFields(fields)
	if err != nil {
		return err
	}
	enc["updated_at"] = time.Now().Format(time.RFC3339Nano)
	if err := s.client.HSet(ctx, rideKey(id), enc).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) ExclusiveAccept(ctx context.Context, rideID, driverID string, loc models.Coord) (*models.Ride, error) {
	locJSON, _ := json.Marshal(loc)
	now := time.Now().Format(time.RFC3339Nano)
	n, err := acceptScript.Run(ctx, s.client,
		[]string{rideKey(rideID), activeDriverKey(driverID)},
		driverID, string(locJSON), now, rideID).Int()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	switch n {
	case 0:
		return nil, ErrNotFound
	case 2:
		return nil, ErrConflict
	}
	return s.GetRide(ctx, rideID)
}

func (s *RedisStore) Transition(ctx context.Context, id string, from []models.RideStatus, to models.RideStatus, fields map[string]any) (*models.Ride, error) {
	enc, err := encodeRideFields(fields)
	if err != nil {
		return nil, err
	}
	terminal := "0"
	if to.Terminal() {
		terminal = "1"
	}
	argv := []any{string(to), time.Now().Format(time.RFC3339Nano), terminal, strconv.Itoa(len(from))}
	for _, f := range from {
		argv = append(argv, string(f))
	}
	for k, v := range enc {
		argv = append(argv, k, v)
	}
	n, err := transitionScript.Run(ctx, s.client, []string{rideKey(id)}, argv...).Int()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	switch n {
	case 0:
		return nil, ErrNotFound
	case 2:
		return nil, ErrConflict
	}
	return s.GetRide(ctx, id)
}

func (s *RedisStore) ReclaimRide(ctx context.Context, id string, after time.Duration) error {
	if err := s.client.Expire(ctx, rideKey(id), after).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) ActiveRideForDriver(ctx context.Context, driverID string) (string, error) {
	return s.activeRide(ctx, activeDriverKey(driverID))
}

func (s *RedisStore) ActiveRideForRider(ctx context.Context, riderID string) (string, error) {
	return s.activeRide(ctx, activeRiderKey(riderID))
}

func (s *RedisStore) activeRide(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v, nil
}

func (s *RedisStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	h, err := s.client.HGetAll(ctx, driverKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(h) == 0 {
		return nil, ErrNotFound
	}
	return decodeDriver(id, h), nil
}

func (s *RedisStore) SetDriverFields(ctx context.Context, id string, fields map[string]any, createIfAbsent bool) error {
	if !createIfAbsent {
		n, err := s.client.Exists(ctx, driverKey(id)).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if n == 0 {
			return ErrNotFound
		}
	}
	var prevHandle string
	if _, ok := fields[FieldHandle]; ok {
		v, err := s.client.HGet(ctx, driverKey(id), "handle").Result()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		prevHandle = v
	}
	enc := encodeDriverFields(fields)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, driverKey(id), enc)
	if v, ok := fields[FieldOnline]; ok {
		if v.(bool) {
			pipe.SAdd(ctx, onlineDriversKey, id)
		} else {
			pipe.SRem(ctx, onlineDriversKey, id)
		}
	}
	if v, ok := fields[FieldHandle]; ok {
		h := v.(string)
		// a reconnect or sign-off supersedes the old handle; drop its
		// mapping so handle keys do not pile up across reconnects
		if prevHandle != "" && prevHandle != h {
			pipe.Del(ctx, handleKey(prevHandle))
		}
		if h != "" {
			pipe.Set(ctx, handleKey(h), id, 0)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) DriverByHandle(ctx context.Context, handle string) (*models.Driver, error) {
	id, err := s.client.Get(ctx, handleKey(handle)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return s.GetDriver(ctx, id)
}

func (s *RedisStore) OnlineDrivers(ctx context.Context) ([]models.Driver, error) {
	ids, err := s.client.SMembers(ctx, onlineDriversKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	out := make([]models.Driver, 0, len(ids))
	for _, id := range ids {
		d, err := s.GetDriver(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, nil
}

func encodeRide(r *models.Ride) (map[string]string, error) {
	pickup, err := json.Marshal(r.Pickup)
	if err != nil {
		return nil, err
	}
	stops, err := json.Marshal(r.Stops)
	if err != nil {
		return nil, err
	}
	out := map[string]string{
		"id":            r.ID,
		"rider_id":      r.RiderID,
		"driver_id":     r.DriverID,
		"status":        string(r.Status),
		"pickup":        string(pickup),
		"stops":         string(stops),
		"current_index": strconv.Itoa(r.CurrentIndex),
		"cancelled_by":  r.CancelledBy,
		"cancel_reason": r.CancelReason,
		"created_at":    r.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":    r.UpdatedAt.Format(time.RFC3339Nano),
	}
	if r.DriverLocation != nil {
		loc, _ := json.Marshal(r.DriverLocation)
		out["driver_location"] = string(loc)
	}
	return out, nil
}

func decodeRide(h map[string]string) (*models.Ride, error) {
	r := &models.Ride{
		ID:           h["id"],
		RiderID:      h["rider_id"],
		DriverID:     h["driver_id"],
		Status:       models.RideStatus(h["status"]),
		CancelledBy:  h["cancelled_by"],
		CancelReason: h["cancel_reason"],
	}
	if v := h["pickup"]; v != "" {
		if err := json.Unmarshal([]byte(v), &r.Pickup); err != nil {
			return nil, fmt.Errorf("corrupt ride record: %w", err)
		}
	}
	if v := h["stops"]; v != "" {
		if err := json.Unmarshal([]byte(v), &r.Stops); err != nil {
			return nil, fmt.Errorf("corrupt ride record: %w", err)
		}
	}
	if v := h["driver_location"]; v != "" {
		var loc models.Coord
		if err := json.Unmarshal([]byte(v), &loc); err != nil {
			return nil, fmt.Errorf("corrupt ride record: %w", err)
		}
		r.DriverLocation = &loc
	}
	r.CurrentIndex, _ = strconv.Atoi(h["current_index"])
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, h["created_at"])
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, h["updated_at"])
	return r, nil
}

func encodeRideFields(fields map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		switch k {
		case FieldStatus:
			out[k] = string(v.(models.RideStatus))
		case FieldDriverID, FieldCancelledBy, FieldCancelReason:
			out[k] = v.(string)
		case FieldCurrentIndex:
			out[k] = strconv.Itoa(v.(int))
		case FieldDriverLoc, FieldStops:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			out[k] = string(b)
		}
	}
	return out, nil
}

func encodeDriverFields(fields map[string]any) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		switch k {
		case FieldOnline:
			out[k] = strconv.FormatBool(v.(bool))
		case FieldHandle:
			out[k] = v.(string)
		case FieldLastOnline, FieldLastOffline:
			out[k] = v.(time.Time).Format(time.RFC3339Nano)
		case FieldLastLocation:
			b, _ := json.Marshal(v)
			out[k] = string(b)
		}
	}
	return out
}

func decodeDriver(id string, h map[string]string) *models.Driver {
	d := &models.Driver{ID: id}
	d.Online = h["online"] == "true"
	d.Handle = h["handle"]
	d.LastOnline, _ = time.Parse(time.RFC3339Nano, h["last_online"])
	d.LastOffline, _ = time.Parse(time.RFC3339Nano, h["last_offline"])
	if v := h["last_location"]; v != "" {
		var loc models.Coord
		if json.Unmarshal([]byte(v), &loc) == nil {
			d.LastLocation = &loc
		}
	}
	return d
}
