package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-tracker/internal/clock"
	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/metrics"
	"fleet-tracker/internal/store"
	"fleet-tracker/internal/telemetry"
)

// Monday
var t0 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func testRoute() fleet.Route {
	stop := func(id string, seq int, lat float64) fleet.RouteStop {
		return fleet.RouteStop{Stop: fleet.Stop{ID: id, Lat: lat, Lon: 2.0, RadiusM: 50}, Sequence: seq, TravelTimeFromPrev: 10 * time.Minute}
	}
	return fleet.Route{ID: "R1", Stops: []fleet.RouteStop{
		stop("A", 1, 41.00),
		stop("B", 2, 41.01),
		stop("C", 3, 41.02),
	}}
}

type recordingSink struct {
	mu     sync.Mutex
	events []fleet.Event
}

func (s *recordingSink) Publish(_ context.Context, ev fleet.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) kinds() []fleet.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]fleet.EventKind, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (s *recordingSink) messages(kind fleet.EventKind) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, ev := range s.events {
		if ev.Kind == kind {
			out = append(out, ev.Message)
		}
	}
	return out
}

type fixture struct {
	mgr  *Manager
	mem  *store.Memory
	clk  *clock.MockClock
	sink *recordingSink
	col  *metrics.Collector
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.TickInterval = time.Hour
	opts.GenerationInterval = 0
	opts.StaleAfter = 30 * time.Second
	opts.EventQueueSize = 64
	return opts
}

func newFixture(t *testing.T, st store.Store, mem *store.Memory, opts Options) *fixture {
	t.Helper()
	mem.PutRoute(testRoute())
	mem.PutDriver(fleet.Driver{ID: "D1", EmploymentStatus: fleet.EmploymentActive, AvailabilityStatus: fleet.AvailabilityAvailable})
	mem.PutVehicle(fleet.Vehicle{ID: "V1", Status: fleet.VehicleActive, Capacity: 40})
	mem.PutAssignment(fleet.Assignment{ID: "AS1", DriverID: "D1", VehicleID: "V1", RouteID: "R1",
		From: t0, Until: t0.Add(20 * time.Minute), Status: fleet.AssignmentPending})
	mem.PutTrip(fleet.Trip{
		ID: "T1", RouteID: "R1", DriverID: "D1", VehicleID: "V1", AssignmentID: "AS1",
		PlannedDeparture: t0, PlannedArrival: t0.Add(20 * time.Minute), Status: fleet.StatusPlanned,
	})
	clk := clock.NewMockClock(t0)
	sink := &recordingSink{}
	col := metrics.NewCollector(opts.TickInterval, opts.MaxWorkers)
	f := &fixture{mgr: NewManager(st, clk, sink, col, opts), mem: mem, clk: clk, sink: sink, col: col}
	f.mgr.Start(context.Background())
	t.Cleanup(f.mgr.Stop)
	return f
}

func newMemoryFixture(t *testing.T) *fixture {
	mem := store.NewMemory()
	return newFixture(t, mem, mem, testOptions())
}

func report(lat, speed float64, ts time.Time) telemetry.Report {
	return telemetry.Report{TripID: "T1", Lat: lat, Lon: 2.0, SpeedKmh: speed, AccuracyM: 5,
		Source: fleet.SourceDriverDevice, Timestamp: ts}
}

func (f *fixture) trip(t *testing.T, id string) fleet.Trip {
	t.Helper()
	tr, err := f.mem.Trip(context.Background(), id)
	require.NoError(t, err)
	return tr
}

func TestTick_TripRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	f := newMemoryFixture(t)

	res, err := f.mgr.SubmitPosition(ctx, report(41.0, 0, t0))
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.NoError(t, f.mgr.Tick(ctx))
	assert.Equal(t, fleet.StatusInProgress, f.trip(t, "T1").Status)

	f.clk.Set(t0.Add(10 * time.Minute))
	_, err = f.mgr.SubmitPosition(ctx, report(41.01, 30, t0.Add(10*time.Minute)))
	require.NoError(t, err)
	require.NoError(t, f.mgr.Tick(ctx))
	assert.Equal(t, fleet.StatusInProgress, f.trip(t, "T1").Status)

	f.clk.Set(t0.Add(20 * time.Minute))
	_, err = f.mgr.SubmitPosition(ctx, report(41.02, 0, t0.Add(20*time.Minute)))
	require.NoError(t, err)
	require.NoError(t, f.mgr.Tick(ctx))

	trip := f.trip(t, "T1")
	assert.Equal(t, fleet.StatusCompleted, trip.Status)
	arrivals, err := f.mem.StopArrivals(ctx, "T1")
	require.NoError(t, err)
	assert.Len(t, arrivals, 3)
	a, err := f.mem.Assignment(ctx, "AS1")
	require.NoError(t, err)
	assert.Equal(t, fleet.AssignmentCompleted, a.Status)

	f.mgr.Stop()
	assert.Equal(t, []string{"depart", "arrive"}, f.sink.messages(fleet.EventLifecycle))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.col.Transitions.WithLabelValues(string(fleet.StatusInProgress))))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.col.Transitions.WithLabelValues(string(fleet.StatusCompleted))))
	assert.Equal(t, 3.0, testutil.ToFloat64(f.col.PositionsAccepted))
	assert.Equal(t, 3.0, testutil.ToFloat64(f.col.Ticks))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.col.Punctuality.WithLabelValues("on_time")))
}

func TestTick_IgnoresStalePosition(t *testing.T) {
	ctx := context.Background()
	f := newMemoryFixture(t)
	require.NoError(t, f.mem.AppendPosition(ctx, fleet.Position{
		ID: "old", TripID: "T1", Lat: 41.0, Lon: 2.0, Source: fleet.SourceDriverDevice,
		Timestamp: t0.Add(-2 * time.Minute), IsValid: true,
	}))

	require.NoError(t, f.mgr.Tick(ctx))
	assert.Equal(t, fleet.StatusPlanned, f.trip(t, "T1").Status)
	assert.Equal(t, 1, f.mgr.State().ActiveTrips)
}

func TestTick_SuddenStopInterruptsTrip(t *testing.T) {
	ctx := context.Background()
	f := newMemoryFixture(t)
	dep := t0.Add(-5 * time.Minute)
	f.mem.PutTrip(fleet.Trip{
		ID: "T1", RouteID: "R1", DriverID: "D1", VehicleID: "V1", AssignmentID: "AS1",
		PlannedDeparture: dep, PlannedArrival: dep.Add(20 * time.Minute), ActualDeparture: &dep,
		Status: fleet.StatusInProgress, Adherence: fleet.AdherenceOnTime,
	})
	for _, p := range []fleet.Position{
		{ID: "p1", Lat: 41.005, SpeedKmh: 60, Timestamp: t0.Add(-time.Second), IsMoving: true},
		{ID: "p2", Lat: 41.0051, SpeedKmh: 0, Timestamp: t0},
	} {
		p.TripID, p.Lon, p.IsValid, p.Source = "T1", 2.0, true, fleet.SourceDriverDevice
		require.NoError(t, f.mem.AppendPosition(ctx, p))
	}

	require.NoError(t, f.mgr.Tick(ctx))
	assert.Equal(t, fleet.StatusInterrupted, f.trip(t, "T1").Status)

	incidents, err := f.mem.Incidents(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, fleet.IncidentSuddenStop, incidents[0].Type)

	f.mgr.Stop()
	assert.Equal(t, []fleet.EventKind{fleet.EventIncident, fleet.EventNotification, fleet.EventLifecycle}, f.sink.kinds())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.col.Incidents.WithLabelValues("sudden_stop", "critical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.col.Transitions.WithLabelValues(string(fleet.StatusInterrupted))))
}

func TestTick_LongUnplannedStopEscalatesPastWindow(t *testing.T) {
	ctx := context.Background()
	f := newMemoryFixture(t)

	_, err := f.mgr.SubmitPosition(ctx, report(41.0, 0, t0))
	require.NoError(t, err)
	require.NoError(t, f.mgr.Tick(ctx))
	require.Equal(t, fleet.StatusInProgress, f.trip(t, "T1").Status)

	// 200 m past stop A, then standing still
	lat := 41.0 + 200/111194.93
	f.clk.Set(t0.Add(time.Minute))
	_, err = f.mgr.SubmitPosition(ctx, report(lat, 20, f.clk.Now()))
	require.NoError(t, err)
	require.NoError(t, f.mgr.Tick(ctx))

	f.clk.Set(t0.Add(2 * time.Minute))
	for f.clk.Now().Before(t0.Add(40*time.Minute)) && f.trip(t, "T1").Status.Running() {
		_, err := f.mgr.SubmitPosition(ctx, report(lat, 0, f.clk.Now()))
		require.NoError(t, err)
		require.NoError(t, f.mgr.Tick(ctx))
		f.clk.Advance(30 * time.Second)
	}

	assert.Equal(t, fleet.StatusInterrupted, f.trip(t, "T1").Status)
	incidents, err := f.mem.Incidents(ctx, "T1")
	require.NoError(t, err)
	var severities []fleet.Severity
	for _, in := range incidents {
		assert.Equal(t, fleet.IncidentUnplannedStop, in.Type)
		severities = append(severities, in.Severity)
	}
	assert.Equal(t, []fleet.Severity{fleet.SeverityLow, fleet.SeverityMedium, fleet.SeverityMedium, fleet.SeverityHigh}, severities)
	last := incidents[len(incidents)-1]
	assert.Equal(t, t0.Add(22*time.Minute), last.Timestamp)
	assert.Contains(t, last.Description, "stationary for 20m0s")
}

type panickingStore struct {
	*store.Memory
	tripID string
}

func (s panickingStore) LastValidPosition(ctx context.Context, tripID string) (fleet.Position, bool, error) {
	if tripID == s.tripID {
		panic("corrupt row")
	}
	return s.Memory.LastValidPosition(ctx, tripID)
}

func TestTick_IsolatesFailingTrip(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	f := newFixture(t, panickingStore{Memory: mem, tripID: "BAD"}, mem, testOptions())
	mem.PutTrip(fleet.Trip{ID: "BAD", RouteID: "R1", PlannedDeparture: t0, Status: fleet.StatusPlanned})

	_, err := f.mgr.SubmitPosition(ctx, report(41.0, 0, t0))
	require.NoError(t, err)
	require.NoError(t, f.mgr.Tick(ctx))

	assert.Equal(t, fleet.StatusInProgress, f.trip(t, "T1").Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.col.TripErrors))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.col.ActiveTrips))
}

func TestEmit_DropsWhenQueueFull(t *testing.T) {
	mem := store.NewMemory()
	col := metrics.NewCollector(time.Minute, 1)
	opts := testOptions()
	opts.EventQueueSize = 2
	// not started: nothing drains the queue
	mgr := NewManager(mem, clock.NewMockClock(t0), &recordingSink{}, col, opts)

	for range 5 {
		mgr.emit(fleet.Event{Kind: fleet.EventAudit, Message: "x"})
	}
	st := mgr.State()
	assert.Equal(t, 2, st.QueueDepth)
	assert.Equal(t, int64(3), st.DroppedEvents)
	assert.Equal(t, 2.0, testutil.ToFloat64(col.EventsQueued))
	assert.Equal(t, 3.0, testutil.ToFloat64(col.EventsDropped))
}

func TestSubmitPosition_CountsOutcomes(t *testing.T) {
	ctx := context.Background()
	f := newMemoryFixture(t)

	_, err := f.mgr.SubmitPosition(ctx, report(91, 0, t0))
	assert.ErrorIs(t, err, fleet.ErrInvalidPosition)

	r := report(41.0, 0, t0)
	r.TripID = "nope"
	_, err = f.mgr.SubmitPosition(ctx, r)
	assert.ErrorIs(t, err, fleet.ErrUnknownTrip)

	res, err := f.mgr.SubmitPosition(ctx, report(41.0, 250, t0))
	require.NoError(t, err)
	assert.False(t, res.Valid)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.col.PositionsRejected.WithLabelValues("invalid_coordinate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.col.PositionsRejected.WithLabelValues("unknown_trip")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.col.PositionsRejected.WithLabelValues(string(res.Reason))))
	assert.Zero(t, testutil.ToFloat64(f.col.PositionsAccepted))
}

func TestOperatorActions(t *testing.T) {
	ctx := context.Background()
	f := newMemoryFixture(t)

	_, err := f.mgr.CancelTrip(ctx, "T1", "op", "")
	assert.ErrorIs(t, err, fleet.ErrInvalidTransition)

	out, err := f.mgr.StartTrip(ctx, "T1", "op")
	require.NoError(t, err)
	assert.True(t, out.Transitioned)

	out, err = f.mgr.EndTrip(ctx, "T1", "op")
	require.NoError(t, err)
	assert.Equal(t, fleet.StatusCompleted, out.Trip.Status)

	out, err = f.mgr.CancelTrip(ctx, "T1", "op", "breakdown")
	require.NoError(t, err)
	assert.False(t, out.Transitioned)

	d, err := f.mgr.Trip(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, fleet.StatusCompleted, d.Trip.Status)
	assert.Len(t, d.History, 2)

	_, err = f.mgr.Trip(ctx, "missing")
	assert.ErrorIs(t, err, fleet.ErrUnknownTrip)

	f.mgr.Stop()
	assert.Equal(t, []string{"start", "end", "cancel"}, f.sink.messages(fleet.EventAudit))
	assert.Equal(t, []string{"start", "end"}, f.sink.messages(fleet.EventLifecycle))
}

func TestAllocateAndCreateTrip(t *testing.T) {
	ctx := context.Background()
	f := newMemoryFixture(t)

	_, err := f.mgr.Allocate(ctx, "R1", t0.Add(5*time.Minute), t0.Add(15*time.Minute))
	assert.ErrorIs(t, err, fleet.ErrNoResourcesAvailable)

	trip, err := f.mgr.CreateTrip(ctx, "R1", t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "D1", trip.DriverID)
	assert.Equal(t, t0.Add(2*time.Hour+20*time.Minute), trip.PlannedArrival)

	moved, err := f.mgr.RescheduleTrip(ctx, trip.ID, t0.Add(3*time.Hour), "op")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(3*time.Hour), moved.PlannedDeparture)

	f.mgr.Stop()
	assert.Equal(t, 1.0, testutil.ToFloat64(f.col.Allocations.WithLabelValues("no_resources")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.col.Allocations.WithLabelValues("ok")))
	assert.Equal(t, []string{"created"}, f.sink.messages(fleet.EventAllocation))
	assert.Equal(t, []string{"reschedule"}, f.sink.messages(fleet.EventAudit))
}

func TestDeallocateFreesResources(t *testing.T) {
	ctx := context.Background()
	f := newMemoryFixture(t)

	alloc, err := f.mgr.Allocate(ctx, "R1", t0.Add(time.Hour), t0.Add(2*time.Hour))
	require.NoError(t, err)
	_, err = f.mgr.Allocate(ctx, "R1", t0.Add(time.Hour), t0.Add(2*time.Hour))
	require.ErrorIs(t, err, fleet.ErrNoResourcesAvailable)

	require.NoError(t, f.mgr.Deallocate(ctx, alloc.Assignment.ID, "dispatcher"))
	a, err := f.mem.Assignment(ctx, alloc.Assignment.ID)
	require.NoError(t, err)
	assert.Equal(t, fleet.AssignmentCancelled, a.Status)

	_, err = f.mgr.Allocate(ctx, "R1", t0.Add(time.Hour), t0.Add(2*time.Hour))
	require.NoError(t, err)

	assert.ErrorIs(t, f.mgr.Deallocate(ctx, "missing", "dispatcher"), fleet.ErrNotFound)

	f.mgr.Stop()
	assert.Equal(t, []string{"deallocate"}, f.sink.messages(fleet.EventAudit))
}

func TestRefreshSchedules(t *testing.T) {
	ctx := context.Background()
	f := newMemoryFixture(t)
	f.mem.PutSchedule(fleet.Schedule{
		ID: "S1", RouteID: "R1", Days: []time.Weekday{time.Monday},
		StartMinute: 10 * 60, EndMinute: 11 * 60, Frequency: 30 * time.Minute,
		TripDuration: 20 * time.Minute, Active: true,
	})

	require.NoError(t, f.mgr.RefreshSchedules(ctx))
	trips, err := f.mem.TripsBetween(ctx, t0.Add(time.Hour), t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Len(t, trips, 3)

	require.NoError(t, f.mgr.RefreshSchedules(ctx))
	trips, err = f.mem.TripsBetween(ctx, t0.Add(time.Hour), t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Len(t, trips, 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(f.col.TripsGenerated))
}

func TestRouteIndexCache(t *testing.T) {
	ctx := context.Background()
	f := newMemoryFixture(t)
	_, err := f.mgr.routeIndex(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, []string{"R1"}, f.mgr.State().CachedRoutes)

	f.mem.PutRoute(fleet.Route{ID: "short", Stops: testRoute().Stops[:1]})
	_, err = f.mgr.routeIndex(ctx, "short")
	assert.ErrorIs(t, err, fleet.ErrInvalidRoute)

	f.mgr.InvalidateRoutes()
	assert.Empty(t, f.mgr.State().CachedRoutes)
}

func TestState_ReportsThresholds(t *testing.T) {
	f := newMemoryFixture(t)
	st := f.mgr.State()
	assert.Equal(t, 10*time.Minute, st.Thresholds.Emergency.Window)
	assert.Equal(t, 20*time.Minute, st.Thresholds.Emergency.HighStopDuration)
	assert.Equal(t, 30*time.Minute, st.Thresholds.Telemetry.PreDepartureWindow)
	assert.InDelta(t, 0.1, st.Thresholds.RecoveryRate, 1e-9)
}
