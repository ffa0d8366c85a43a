package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/khamenkhai/taxi-ride-socket/internal/models"
	"github.com/khamenkhai/taxi-ride-socket/internal/pubsub"
	"github.com/khamenkhai/taxi-ride-socket/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDispatcher records coordinator calls
type fakeDispatcher struct {
	mu         sync.Mutex
	dispatched []string
	cancelled  []string
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, ride *models.Ride) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, ride.ID)
}

func (f *fakeDispatcher) CancelTimer(rideID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, rideID)
}

func newTestManager(opts Options) (*Manager, *store.MemoryStore, *pubsub.Hub) {
	st := store.NewMemoryStore()
	hub := pubsub.NewHub()
	return NewManager(st, hub, testLogger(), opts), st, hub
}

// drain decodes every buffered envelope on the subscriber.
func drain(t *testing.T, s *pubsub.Subscriber) []pubsub.Envelope {
	t.Helper()
	var out []pubsub.Envelope
	for {
		select {
		case msg := <-s.C():
			var env pubsub.Envelope
			if err := json.Unmarshal(msg, &env); err != nil {
				t.Fatalf("bad envelope: %v", err)
			}
			out = append(out, env)
		default:
			return out
		}
	}
}

func events(envs []pubsub.Envelope) []string {
	names := make([]string, len(envs))
	for i, e := range envs {
		names[i] = e.Event
	}
	return names
}

func TestCreateRideValidation(t *testing.T) {
	m, _, _ := newTestManager(Options{})
	ctx := context.Background()

	if _, err := m.CreateRide(ctx, "", models.Coord{}, nil); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("empty rider: expected ErrInvalidPayload, got %v", err)
	}
	if _, err := m.CreateRide(ctx, "rider1", models.Coord{Lat: 91}, nil); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("bad pickup: expected ErrInvalidPayload, got %v", err)
	}
	bad := []models.Stop{{Location: models.Coord{Lon: 181}}}
	if _, err := m.CreateRide(ctx, "rider1", models.Coord{}, bad); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("bad stop: expected ErrInvalidPayload, got %v", err)
	}

	many := make([]models.Stop, models.MaxStops+3)
	for i := range many {
		many[i] = models.Stop{Location: models.Coord{Lat: float64(i)}, Completed: true}
	}
	ride, err := m.CreateRide(ctx, "rider1", models.Coord{Lat: 1, Lon: 2}, many)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(ride.Stops) != models.MaxStops {
		t.Fatalf("expected stops truncated to %d, got %d", models.MaxStops, len(ride.Stops))
	}
	for i, s := range ride.Stops {
		if s.Completed {
			t.Fatalf("stop %d created already completed", i)
		}
	}
	if ride.Status != models.StatusRequested {
		t.Fatalf("expected requested, got %s", ride.Status)
	}
}

func TestCreateRideRejectsSecondActiveRequest(t *testing.T) {
	m, _, _ := newTestManager(Options{})
	ctx := context.Background()
	if _, err := m.CreateRide(ctx, "rider1", models.Coord{}, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.CreateRide(ctx, "rider1", models.Coord{}, nil); !errors.Is(err, ErrActiveRide) {
		t.Fatalf("expected ErrActiveRide, got %v", err)
	}
}

func TestCreateRideHandsOffToDispatcher(t *testing.T) {
	m, _, _ := newTestManager(Options{})
	fd := &fakeDispatcher{}
	m.SetDispatcher(fd)
	ride, err := m.CreateRide(context.Background(), "rider1", models.Coord{}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(fd.dispatched) != 1 || fd.dispatched[0] != ride.ID {
		t.Fatalf("expected one dispatch for %s, got %v", ride.ID, fd.dispatched)
	}
}

func TestRideLifecycleHappyPath(t *testing.T) {
	m, _, hub := newTestManager(Options{})
	ctx := context.Background()
	stops := []models.Stop{{Location: models.Coord{Lat: 1, Lon: 1}}}
	ride, err := m.CreateRide(ctx, "rider1", models.Coord{}, stops)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rider := pubsub.NewSubscriber("rider1", 32)
	hub.Subscribe(rider, ride.ID)

	if _, err := m.AcceptRide(ctx, ride.ID, "d1", models.Coord{Lat: 2, Lon: 2}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := m.MarkDriverArrived(ctx, ride.ID); err != nil {
		t.Fatalf("arrived: %v", err)
	}
	if _, err := m.StartRide(ctx, ride.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	final, err := m.CompleteDestination(ctx, ride.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if final.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	if !final.Stops[0].Completed {
		t.Fatal("stop not marked completed")
	}

	got := events(drain(t, rider))
	want := []string{
		models.EventRideStatus, // accepted
		models.EventRideStatus, // driver_arrived
		models.EventRideStatus, // in_progress
		models.EventDestinationProgress,
		models.EventRideStatus, // completed
	}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s (all: %v)", i, want[i], got[i], got)
		}
	}
}

func TestLifecycleRejectsSkips(t *testing.T) {
	m, _, _ := newTestManager(Options{})
	ctx := context.Background()
	ride, err := m.CreateRide(ctx, "rider1", models.Coord{}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.StartRide(ctx, ride.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("start from requested: expected ErrInvalidState, got %v", err)
	}
	if _, err := m.MarkDriverArrived(ctx, ride.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("arrived from requested: expected ErrInvalidState, got %v", err)
	}
	if _, err := m.CompleteDestination(ctx, ride.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("complete from requested: expected ErrInvalidState, got %v", err)
	}
	if _, err := m.MarkDriverArrived(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAcceptRideExactlyOneWinner(t *testing.T) {
	m, _, _ := newTestManager(Options{})
	fd := &fakeDispatcher{}
	m.SetDispatcher(fd)
	ctx := context.Background()
	ride, err := m.CreateRide(ctx, "rider1", models.Coord{}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const racers = 24
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, losses := 0, 0
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := m.AcceptRide(ctx, ride.ID, "driver-"+string(rune('a'+n)), models.Coord{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrRideUnavailable):
				losses++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if losses != racers-1 {
		t.Fatalf("expected %d losers, got %d", racers-1, losses)
	}
	if len(fd.cancelled) != 1 {
		t.Fatalf("expected the winner to disarm the timer once, got %d", len(fd.cancelled))
	}
}

func TestAcceptRideAfterCancel(t *testing.T) {
	m, _, _ := newTestManager(Options{})
	ctx := context.Background()
	ride, err := m.CreateRide(ctx, "rider1", models.Coord{}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.CancelRide(ctx, ride.ID, "rider1", "changed plans"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := m.AcceptRide(ctx, ride.ID, "d1", models.Coord{}); !errors.Is(err, ErrRideUnavailable) {
		t.Fatalf("expected ErrRideUnavailable, got %v", err)
	}
	if _, err := m.AcceptRide(ctx, "missing", "d1", models.Coord{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCancelRideIdempotent(t *testing.T) {
	m, _, hub := newTestManager(Options{})
	ctx := context.Background()
	ride, err := m.CreateRide(ctx, "rider1", models.Coord{}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sub := pubsub.NewSubscriber("rider1", 32)
	hub.Subscribe(sub, ride.ID)

	cancelled, err := m.CancelRide(ctx, ride.ID, "rider1", "changed plans")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.CancelledBy != "rider1" || cancelled.CancelReason != "changed plans" {
		t.Fatalf("cancel metadata missing: %+v", cancelled)
	}
	if _, err := m.CancelRide(ctx, ride.ID, "rider1", "again"); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("replayed cancel: expected ErrAlreadyTerminal, got %v", err)
	}

	got := events(drain(t, sub))
	if len(got) != 1 || got[0] != models.EventRideCancelled {
		t.Fatalf("expected one ride:cancelled, got %v", got)
	}
}

func TestCancelMidRide(t *testing.T) {
	m, _, _ := newTestManager(Options{})
	ctx := context.Background()
	ride, err := m.CreateRide(ctx, "rider1", models.Coord{}, []models.Stop{{Location: models.Coord{Lat: 1, Lon: 1}}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.AcceptRide(ctx, ride.ID, "d1", models.Coord{}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := m.MarkDriverArrived(ctx, ride.ID); err != nil {
		t.Fatalf("arrived: %v", err)
	}
	if _, err := m.StartRide(ctx, ride.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.CancelRide(ctx, ride.ID, "d1", "rider no-show"); err != nil {
		t.Fatalf("cancel in progress: %v", err)
	}
	// nothing advances a cancelled ride
	if _, err := m.CompleteDestination(ctx, ride.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestCompleteDestinationMultiStop(t *testing.T) {
	m, _, hub := newTestManager(Options{})
	ctx := context.Background()
	stops := []models.Stop{
		{Location: models.Coord{Lat: 1, Lon: 1}},
		{Location: models.Coord{Lat: 2, Lon: 2}},
	}
	ride, err := m.CreateRide(ctx, "rider1", models.Coord{}, stops)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.AcceptRide(ctx, ride.ID, "d1", models.Coord{}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := m.MarkDriverArrived(ctx, ride.ID); err != nil {
		t.Fatalf("arrived: %v", err)
	}
	if _, err := m.StartRide(ctx, ride.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	sub := pubsub.NewSubscriber("rider1", 32)
	hub.Subscribe(sub, ride.ID)

	mid, err := m.CompleteDestination(ctx, ride.ID)
	if err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if mid.Status != models.StatusInProgress || mid.CurrentIndex != 1 {
		t.Fatalf("expected in_progress index 1, got %s index %d", mid.Status, mid.CurrentIndex)
	}
	envs := drain(t, sub)
	if len(envs) != 1 || envs[0].Event != models.EventDestinationProgress {
		t.Fatalf("expected one progress event, got %v", events(envs))
	}
	var prog models.DestinationProgressEvent
	if err := json.Unmarshal(envs[0].Data, &prog); err != nil {
		t.Fatalf("decode progress: %v", err)
	}
	if prog.StopIndex != 0 || prog.Remaining != 1 || prog.RideComplete {
		t.Fatalf("unexpected progress payload: %+v", prog)
	}

	final, err := m.CompleteDestination(ctx, ride.ID)
	if err != nil {
		t.Fatalf("last stop: %v", err)
	}
	if final.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	envs = drain(t, sub)
	got := events(envs)
	if len(got) != 2 || got[0] != models.EventDestinationProgress || got[1] != models.EventRideStatus {
		t.Fatalf("expected progress then status, got %v", got)
	}
	if err := json.Unmarshal(envs[0].Data, &prog); err != nil {
		t.Fatalf("decode progress: %v", err)
	}
	if !prog.RideComplete || prog.Remaining != 0 {
		t.Fatalf("unexpected final progress payload: %+v", prog)
	}
}

func TestCompleteDestinationWithoutStops(t *testing.T) {
	m, st, _ := newTestManager(Options{})
	ctx := context.Background()
	ride, err := m.CreateRide(ctx, "rider1", models.Coord{}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.AcceptRide(ctx, ride.ID, "d1", models.Coord{}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := m.MarkDriverArrived(ctx, ride.ID); err != nil {
		t.Fatalf("arrived: %v", err)
	}
	if _, err := m.StartRide(ctx, ride.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.CompleteDestination(ctx, ride.ID); !errors.Is(err, ErrNoDestinations) {
		t.Fatalf("expected ErrNoDestinations, got %v", err)
	}
	r, _ := st.GetRide(ctx, ride.ID)
	if r.Status != models.StatusInProgress {
		t.Fatalf("ride must stay in_progress, got %s", r.Status)
	}
}

func TestUpdateDriverLocationThrottleAndState(t *testing.T) {
	m, _, hub := newTestManager(Options{LocationMinInterval: time.Hour})
	ctx := context.Background()
	ride, err := m.CreateRide(ctx, "rider1", models.Coord{}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// no driver assigned yet
	if err := m.UpdateDriverLocation(ctx, ride.ID, models.Coord{Lat: 1, Lon: 1}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("unassigned: expected ErrInvalidState, got %v", err)
	}
	if _, err := m.AcceptRide(ctx, ride.ID, "d1", models.Coord{}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	sub := pubsub.NewSubscriber("rider1", 32)
	hub.Subscribe(sub, ride.ID)

	if err := m.UpdateDriverLocation(ctx, ride.ID, models.Coord{Lat: 1, Lon: 1}); err != nil {
		t.Fatalf("first update: %v", err)
	}
	// throttled update is dropped silently, never an error
	if err := m.UpdateDriverLocation(ctx, ride.ID, models.Coord{Lat: 2, Lon: 2}); err != nil {
		t.Fatalf("throttled update: %v", err)
	}
	got := events(drain(t, sub))
	if len(got) != 1 || got[0] != models.EventRideDriverLocation {
		t.Fatalf("expected a single location event, got %v", got)
	}

	if _, err := m.CancelRide(ctx, ride.ID, "rider1", ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := m.UpdateDriverLocation(ctx, ride.ID, models.Coord{Lat: 3, Lon: 3}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("terminal: expected ErrInvalidState, got %v", err)
	}
	if err := m.UpdateDriverLocation(ctx, "missing", models.Coord{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResyncReplaysActiveRide(t *testing.T) {
	m, _, _ := newTestManager(Options{})
	ctx := context.Background()
	ride, err := m.CreateRide(ctx, "rider1", models.Coord{Lat: 1, Lon: 2}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.AcceptRide(ctx, ride.ID, "d1", models.Coord{Lat: 5, Lon: 6}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	sub := pubsub.NewSubscriber("rider1:conn2", 32)
	if err := m.ResyncOnReconnect(ctx, sub, "rider1", "rider", ride.ID); err != nil {
		t.Fatalf("resync: %v", err)
	}
	envs := drain(t, sub)
	got := events(envs)
	if len(got) != 2 || got[0] != models.EventRideStatus || got[1] != models.EventRideDriverLocation {
		t.Fatalf("expected status then driver location, got %v", got)
	}
	var status models.RideStatusEvent
	if err := json.Unmarshal(envs[0].Data, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Status != models.StatusAccepted || status.DriverID != "d1" {
		t.Fatalf("unexpected status payload: %+v", status)
	}
}

func TestResyncRequestedRideRedeliversRequestToRider(t *testing.T) {
	m, _, _ := newTestManager(Options{})
	ctx := context.Background()
	ride, err := m.CreateRide(ctx, "rider1", models.Coord{Lat: 1, Lon: 2}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rider := pubsub.NewSubscriber("rider1:conn2", 32)
	if err := m.ResyncOnReconnect(ctx, rider, "rider1", "rider", ride.ID); err != nil {
		t.Fatalf("resync: %v", err)
	}
	got := events(drain(t, rider))
	if len(got) != 2 || got[0] != models.EventRideStatus || got[1] != models.EventRideRequest {
		t.Fatalf("expected status then request re-delivery, got %v", got)
	}

	// drivers never get the request re-delivered on resync
	driver := pubsub.NewSubscriber("d1:conn1", 32)
	if err := m.ResyncOnReconnect(ctx, driver, "d1", "driver", ride.ID); err != nil {
		t.Fatalf("driver resync: %v", err)
	}
	got = events(drain(t, driver))
	if len(got) != 1 || got[0] != models.EventRideStatus {
		t.Fatalf("expected status only for driver, got %v", got)
	}
}

func TestResyncCancelledRideReplaysOnlyCancellation(t *testing.T) {
	m, _, _ := newTestManager(Options{})
	ctx := context.Background()
	ride, err := m.CreateRide(ctx, "rider1", models.Coord{}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.AcceptRide(ctx, ride.ID, "d1", models.Coord{Lat: 5, Lon: 6}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := m.CancelRide(ctx, ride.ID, "rider1", "changed plans"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	sub := pubsub.NewSubscriber("rider1:conn2", 32)
	if err := m.ResyncOnReconnect(ctx, sub, "rider1", "rider", ride.ID); err != nil {
		t.Fatalf("resync: %v", err)
	}
	envs := drain(t, sub)
	got := events(envs)
	if len(got) != 1 || got[0] != models.EventRideCancelled {
		t.Fatalf("expected only ride:cancelled, got %v", got)
	}
	var cev models.RideCancelledEvent
	if err := json.Unmarshal(envs[0].Data, &cev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cev.CancelledBy != "rider1" || cev.Reason != "changed plans" {
		t.Fatalf("unexpected cancel payload: %+v", cev)
	}
}

func TestResyncSkipsTerminalRidePastRetention(t *testing.T) {
	m, _, _ := newTestManager(Options{Retention: time.Nanosecond})
	ctx := context.Background()
	ride, err := m.CreateRide(ctx, "rider1", models.Coord{}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.CancelRide(ctx, ride.ID, "rider1", ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// make sure UpdatedAt is older than the retention window
	time.Sleep(2 * time.Millisecond)

	sub := pubsub.NewSubscriber("rider1:conn2", 32)
	if err := m.ResyncOnReconnect(ctx, sub, "rider1", "rider", ride.ID); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if got := events(drain(t, sub)); len(got) != 0 {
		t.Fatalf("expected nothing replayed, got %v", got)
	}

	// a vanished ride is equally silent
	sub2 := pubsub.NewSubscriber("rider1:conn3", 32)
	if err := m.ResyncOnReconnect(ctx, sub2, "rider1", "rider", "gone"); err != nil {
		t.Fatalf("resync missing ride: %v", err)
	}
	if got := events(drain(t, sub2)); len(got) != 0 {
		t.Fatalf("expected nothing replayed for missing ride, got %v", got)
	}
}

func TestResyncSubscribesDriverToOnlineTopic(t *testing.T) {
	m, _, hub := newTestManager(Options{})
	sub := pubsub.NewSubscriber("d1:conn1", 32)
	if err := m.ResyncOnReconnect(context.Background(), sub, "d1", "driver", ""); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if hub.Subscribers(models.OnlineDriversTopic) != 1 {
		t.Fatal("driver not subscribed to online-drivers")
	}
	if hub.Subscribers("d1") != 1 {
		t.Fatal("driver not subscribed to its identity topic")
	}
	if err := m.ResyncOnReconnect(context.Background(), sub, "", "driver", ""); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}
