package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fleet-tracker/internal/fleet"
)

// Memory is a Store kept entirely in process memory.
type Memory struct {
	mu sync.RWMutex
	// allocMu serializes allocation transactions.
	allocMu sync.Mutex

	routes    map[string]fleet.Route
	drivers   map[string]fleet.Driver
	vehicles  map[string]fleet.Vehicle
	schedules map[string]fleet.Schedule

	trips       map[string]fleet.Trip
	history     map[string][]fleet.HistoryEntry
	arrivals    map[string][]fleet.StopArrival
	positions   map[string][]fleet.Position
	incidents   map[string][]fleet.Incident
	assignments map[string]fleet.Assignment
	shifts      map[string]fleet.DriverShift
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		routes:      make(map[string]fleet.Route),
		drivers:     make(map[string]fleet.Driver),
		vehicles:    make(map[string]fleet.Vehicle),
		schedules:   make(map[string]fleet.Schedule),
		trips:       make(map[string]fleet.Trip),
		history:     make(map[string][]fleet.HistoryEntry),
		arrivals:    make(map[string][]fleet.StopArrival),
		positions:   make(map[string][]fleet.Position),
		incidents:   make(map[string][]fleet.Incident),
		assignments: make(map[string]fleet.Assignment),
		shifts:      make(map[string]fleet.DriverShift),
	}
}

func (m *Memory) Close() error { return nil }

// PutRoute stores reference data. Stops are kept ordered by sequence.
func (m *Memory) PutRoute(r fleet.Route) {
	stops := append([]fleet.RouteStop(nil), r.Stops...)
	sort.SliceStable(stops, func(i, j int) bool { return stops[i].Sequence < stops[j].Sequence })
	r.Stops = stops
	m.mu.Lock()
	m.routes[r.ID] = r
	m.mu.Unlock()
}

func (m *Memory) PutDriver(d fleet.Driver) {
	m.mu.Lock()
	m.drivers[d.ID] = d
	m.mu.Unlock()
}

func (m *Memory) PutVehicle(v fleet.Vehicle) {
	m.mu.Lock()
	m.vehicles[v.ID] = v
	m.mu.Unlock()
}

func (m *Memory) PutSchedule(s fleet.Schedule) {
	m.mu.Lock()
	m.schedules[s.ID] = s
	m.mu.Unlock()
}

// PutTrip inserts or replaces a trip without a version check.
func (m *Memory) PutTrip(t fleet.Trip) {
	m.mu.Lock()
	m.trips[t.ID] = t
	m.mu.Unlock()
}

// PutAssignment inserts or replaces an assignment without overlap checks.
func (m *Memory) PutAssignment(a fleet.Assignment) {
	m.mu.Lock()
	m.assignments[a.ID] = a
	m.mu.Unlock()
}

// PutShift inserts or replaces a driver shift.
func (m *Memory) PutShift(s fleet.DriverShift) {
	m.mu.Lock()
	m.shifts[s.ID] = s
	m.mu.Unlock()
}

// Assignments returns every stored assignment ordered by start.
func (m *Memory) Assignments() []fleet.Assignment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]fleet.Assignment, 0, len(m.assignments))
	for _, a := range m.assignments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].From.Before(out[j].From) })
	return out
}

// Shifts returns every stored driver shift ordered by start.
func (m *Memory) Shifts() []fleet.DriverShift {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]fleet.DriverShift, 0, len(m.shifts))
	for _, s := range m.shifts {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func (m *Memory) Route(_ context.Context, id string) (fleet.Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routes[id]
	if !ok {
		return fleet.Route{}, fmt.Errorf("route %s: %w", id, fleet.ErrUnknownRoute)
	}
	return r, nil
}

func (m *Memory) Drivers(_ context.Context) ([]fleet.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.driversLocked(), nil
}

func (m *Memory) driversLocked() []fleet.Driver {
	out := make([]fleet.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) Vehicles(_ context.Context) ([]fleet.Vehicle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.vehiclesLocked(), nil
}

func (m *Memory) vehiclesLocked() []fleet.Vehicle {
	out := make([]fleet.Vehicle, 0, len(m.vehicles))
	for _, v := range m.vehicles {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) Schedules(_ context.Context) ([]fleet.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]fleet.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Trip(_ context.Context, id string) (fleet.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return fleet.Trip{}, fmt.Errorf("trip %s: %w", id, fleet.ErrUnknownTrip)
	}
	return t, nil
}

func (m *Memory) ActiveTrips(_ context.Context, horizon time.Time) ([]fleet.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []fleet.Trip
	for _, t := range m.trips {
		if t.Status.Running() || (t.Status == fleet.StatusPlanned && !t.PlannedDeparture.After(horizon)) {
			out = append(out, t)
		}
	}
	sortTrips(out)
	return out, nil
}

func (m *Memory) TripsBetween(_ context.Context, from, to time.Time) ([]fleet.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []fleet.Trip
	for _, t := range m.trips {
		if !t.PlannedDeparture.Before(from) && t.PlannedDeparture.Before(to) {
			out = append(out, t)
		}
	}
	sortTrips(out)
	return out, nil
}

func sortTrips(trips []fleet.Trip) {
	sort.Slice(trips, func(i, j int) bool {
		if trips[i].PlannedDeparture.Equal(trips[j].PlannedDeparture) {
			return trips[i].ID < trips[j].ID
		}
		return trips[i].PlannedDeparture.Before(trips[j].PlannedDeparture)
	})
}

func (m *Memory) UpdateTrip(_ context.Context, t fleet.Trip) (fleet.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateTripLocked(t)
}

func (m *Memory) updateTripLocked(t fleet.Trip) (fleet.Trip, error) {
	cur, ok := m.trips[t.ID]
	if !ok {
		return fleet.Trip{}, fmt.Errorf("trip %s: %w", t.ID, fleet.ErrUnknownTrip)
	}
	if cur.Version != t.Version {
		return fleet.Trip{}, fmt.Errorf("trip %s at version %d, have %d: %w", t.ID, cur.Version, t.Version, fleet.ErrConcurrentUpdate)
	}
	t.Version++
	m.trips[t.ID] = t
	return t, nil
}

func (m *Memory) AppendHistory(_ context.Context, h fleet.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[h.TripID] = append(m.history[h.TripID], h)
	return nil
}

func (m *Memory) History(_ context.Context, tripID string) ([]fleet.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]fleet.HistoryEntry(nil), m.history[tripID]...), nil
}

func (m *Memory) RecordStopArrival(_ context.Context, a fleet.StopArrival) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.arrivals[a.TripID]
	for _, existing := range list {
		if existing.Sequence == a.Sequence {
			return nil
		}
	}
	list = append(list, a)
	sort.Slice(list, func(i, j int) bool { return list[i].Sequence < list[j].Sequence })
	m.arrivals[a.TripID] = list
	return nil
}

func (m *Memory) StopArrivals(_ context.Context, tripID string) ([]fleet.StopArrival, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]fleet.StopArrival(nil), m.arrivals[tripID]...), nil
}

func (m *Memory) AppendPosition(_ context.Context, p fleet.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.positions[p.TripID]
	i := sort.Search(len(list), func(i int) bool { return list[i].Timestamp.After(p.Timestamp) })
	list = append(list, fleet.Position{})
	copy(list[i+1:], list[i:])
	list[i] = p
	m.positions[p.TripID] = list
	return nil
}

func (m *Memory) LastValidPosition(_ context.Context, tripID string) (fleet.Position, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.positions[tripID]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].IsValid {
			return list[i], true, nil
		}
	}
	return fleet.Position{}, false, nil
}

func (m *Memory) Positions(_ context.Context, tripID string, since time.Time, validOnly bool) ([]fleet.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []fleet.Position
	for _, p := range m.positions[tripID] {
		if p.Timestamp.Before(since) || (validOnly && !p.IsValid) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *Memory) CreateIncident(_ context.Context, in fleet.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidents[in.TripID] = append(m.incidents[in.TripID], in)
	return nil
}

func (m *Memory) LatestIncident(_ context.Context, tripID string, typ fleet.IncidentType) (fleet.Incident, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		latest fleet.Incident
		found  bool
	)
	for _, in := range m.incidents[tripID] {
		if in.Type == typ && (!found || in.Timestamp.After(latest.Timestamp)) {
			latest, found = in, true
		}
	}
	return latest, found, nil
}

func (m *Memory) Incidents(_ context.Context, tripID string) ([]fleet.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]fleet.Incident(nil), m.incidents[tripID]...), nil
}

func (m *Memory) Assignment(_ context.Context, id string) (fleet.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[id]
	if !ok {
		return fleet.Assignment{}, fmt.Errorf("assignment %s: %w", id, fleet.ErrNotFound)
	}
	return a, nil
}

func (m *Memory) SetAssignmentStatus(_ context.Context, id string, status fleet.AssignmentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setAssignmentStatusLocked(id, status)
}

func (m *Memory) setAssignmentStatusLocked(id string, status fleet.AssignmentStatus) error {
	a, ok := m.assignments[id]
	if !ok {
		return fmt.Errorf("assignment %s: %w", id, fleet.ErrNotFound)
	}
	a.Status = status
	m.assignments[id] = a
	for sid, s := range m.shifts {
		if s.AssignmentID == id {
			s.Status = ShiftStatusFor(status)
			m.shifts[sid] = s
		}
	}
	return nil
}

// Allocate holds the allocation lock and the data write lock for the
// duration of fn; fn must only use tx.
func (m *Memory) Allocate(ctx context.Context, fn func(tx AllocationTx) error) error {
	m.allocMu.Lock()
	defer m.allocMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		m:           m,
		assignments: make(map[string]fleet.Assignment),
		trips:       make(map[string]fleet.Trip),
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// memTx stages writes over the locked Memory and applies them on commit.
type memTx struct {
	m           *Memory
	assignments map[string]fleet.Assignment
	shifts      []fleet.DriverShift
	statusOps   []statusOp
	trips       map[string]fleet.Trip
}

type statusOp struct {
	id     string
	status fleet.AssignmentStatus
}

func (tx *memTx) Drivers(_ context.Context) ([]fleet.Driver, error) {
	return tx.m.driversLocked(), nil
}

func (tx *memTx) Vehicles(_ context.Context) ([]fleet.Vehicle, error) {
	return tx.m.vehiclesLocked(), nil
}

func (tx *memTx) assignment(id string) (fleet.Assignment, bool) {
	if a, ok := tx.assignments[id]; ok {
		return a, true
	}
	a, ok := tx.m.assignments[id]
	return a, ok
}

func (tx *memTx) BlockingAssignments(_ context.Context, from, until time.Time) ([]fleet.Assignment, error) {
	seen := make(map[string]bool)
	var out []fleet.Assignment
	consider := func(id string) {
		if seen[id] {
			return
		}
		seen[id] = true
		a, _ := tx.assignment(id)
		if a.Status.Blocking() && fleet.Overlaps(a.From, a.Until, from, until) {
			out = append(out, a)
		}
	}
	for id := range tx.assignments {
		consider(id)
	}
	for id := range tx.m.assignments {
		consider(id)
	}
	return out, nil
}

func (tx *memTx) allShifts() []fleet.DriverShift {
	out := make([]fleet.DriverShift, 0, len(tx.m.shifts)+len(tx.shifts))
	for _, s := range tx.m.shifts {
		out = append(out, s)
	}
	out = append(out, tx.shifts...)
	for i, s := range out {
		if a, ok := tx.assignments[s.AssignmentID]; ok {
			out[i].Status = ShiftStatusFor(a.Status)
		}
	}
	return out
}

func (tx *memTx) OverlappingShifts(_ context.Context, from, until time.Time) ([]fleet.DriverShift, error) {
	var out []fleet.DriverShift
	for _, s := range tx.allShifts() {
		if s.Status != fleet.ShiftCancelled && fleet.Overlaps(s.Start, s.End, from, until) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (tx *memTx) ShiftHours(_ context.Context) (map[string]float64, error) {
	hours := make(map[string]float64)
	for _, s := range tx.allShifts() {
		if s.Status != fleet.ShiftCancelled {
			hours[s.DriverID] += s.End.Sub(s.Start).Hours()
		}
	}
	return hours, nil
}

func (tx *memTx) InsertAssignment(_ context.Context, a fleet.Assignment) error {
	if _, exists := tx.assignment(a.ID); exists {
		return fmt.Errorf("assignment %s already exists", a.ID)
	}
	tx.assignments[a.ID] = a
	return nil
}

func (tx *memTx) InsertShift(_ context.Context, s fleet.DriverShift) error {
	tx.shifts = append(tx.shifts, s)
	return nil
}

func (tx *memTx) SetAssignmentStatus(_ context.Context, id string, status fleet.AssignmentStatus) error {
	a, ok := tx.assignment(id)
	if !ok {
		return fmt.Errorf("assignment %s: %w", id, fleet.ErrNotFound)
	}
	a.Status = status
	tx.assignments[id] = a
	tx.statusOps = append(tx.statusOps, statusOp{id: id, status: status})
	return nil
}

func (tx *memTx) Trip(_ context.Context, id string) (fleet.Trip, error) {
	if t, ok := tx.trips[id]; ok {
		return t, nil
	}
	t, ok := tx.m.trips[id]
	if !ok {
		return fleet.Trip{}, fmt.Errorf("trip %s: %w", id, fleet.ErrUnknownTrip)
	}
	return t, nil
}

func (tx *memTx) ScheduledTripExists(_ context.Context, scheduleID string, departure time.Time) (bool, error) {
	match := func(t fleet.Trip) bool {
		return t.ScheduleID == scheduleID && t.PlannedDeparture.Equal(departure)
	}
	for _, t := range tx.trips {
		if match(t) {
			return true, nil
		}
	}
	for _, t := range tx.m.trips {
		if match(t) {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memTx) InsertTrip(_ context.Context, t fleet.Trip) error {
	if _, exists := tx.m.trips[t.ID]; exists {
		return fmt.Errorf("trip %s already exists", t.ID)
	}
	tx.trips[t.ID] = t
	return nil
}

func (tx *memTx) UpdateTrip(ctx context.Context, t fleet.Trip) (fleet.Trip, error) {
	cur, err := tx.Trip(ctx, t.ID)
	if err != nil {
		return fleet.Trip{}, err
	}
	if cur.Version != t.Version {
		return fleet.Trip{}, fmt.Errorf("trip %s at version %d, have %d: %w", t.ID, cur.Version, t.Version, fleet.ErrConcurrentUpdate)
	}
	t.Version++
	tx.trips[t.ID] = t
	return t, nil
}

func (tx *memTx) commit() {
	m := tx.m
	for id, a := range tx.assignments {
		m.assignments[id] = a
	}
	for _, s := range tx.shifts {
		m.shifts[s.ID] = s
	}
	for _, op := range tx.statusOps {
		_ = m.setAssignmentStatusLocked(op.id, op.status)
	}
	for id, t := range tx.trips {
		m.trips[id] = t
	}
}
