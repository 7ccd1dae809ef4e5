// Package scheduler allocates drivers and vehicles to trips and generates
// trips from recurring schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"fleet-tracker/internal/clock"
	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/logging"
	"fleet-tracker/internal/store"
)

// Store is the persistence the scheduler needs.
type Store interface {
	store.ReferenceReader
	store.AssignmentStore
	AppendHistory(ctx context.Context, h fleet.HistoryEntry) error
}

// Allocation is the result of a successful allocation.
type Allocation struct {
	Assignment fleet.Assignment  `json:"assignment"`
	Shift      fleet.DriverShift `json:"shift"`
	Driver     fleet.Driver      `json:"driver"`
	Vehicle    fleet.Vehicle     `json:"vehicle"`
}

type Scheduler struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger
}

func New(s Store, clk clock.Clock) *Scheduler {
	return &Scheduler{store: s, clock: clk, logger: logging.Component("scheduler")}
}

// window is one allocation request. replaces names an assignment the new
// one supersedes in the same transaction; it does not count as a conflict.
type window struct {
	routeID  string
	start    time.Time
	end      time.Time
	replaces string
}

func (w window) validate() error {
	if !w.end.After(w.start) {
		return fmt.Errorf("%w: end %s not after start %s", fleet.ErrInvalidWindow, w.end.Format(time.RFC3339), w.start.Format(time.RFC3339))
	}
	return nil
}

// Allocate binds a free driver and vehicle to routeID for [start, end).
// It fails with fleet.ErrNoResourcesAvailable when no pair is free.
func (s *Scheduler) Allocate(ctx context.Context, routeID string, start, end time.Time) (Allocation, error) {
	w := window{routeID: routeID, start: start, end: end}
	if err := w.validate(); err != nil {
		return Allocation{}, err
	}
	if _, err := s.store.Route(ctx, routeID); err != nil {
		return Allocation{}, err
	}
	var out Allocation
	err := s.store.Allocate(ctx, func(tx store.AllocationTx) error {
		var err error
		out, err = allocate(ctx, tx, w)
		return err
	})
	if err != nil {
		return Allocation{}, err
	}
	s.logger.Info("resources allocated", "route", routeID, "driver", out.Driver.ID, "vehicle", out.Vehicle.ID,
		"from", start, "until", end)
	return out, nil
}

// allocate picks the best free pair inside tx and stages the assignment
// and driver shift. Both rows are written or neither is.
func allocate(ctx context.Context, tx store.AllocationTx, w window) (Allocation, error) {
	drivers, err := tx.Drivers(ctx)
	if err != nil {
		return Allocation{}, fmt.Errorf("load drivers: %w", err)
	}
	vehicles, err := tx.Vehicles(ctx)
	if err != nil {
		return Allocation{}, fmt.Errorf("load vehicles: %w", err)
	}
	blocking, err := tx.BlockingAssignments(ctx, w.start, w.end)
	if err != nil {
		return Allocation{}, fmt.Errorf("load assignments: %w", err)
	}
	shifts, err := tx.OverlappingShifts(ctx, w.start, w.end)
	if err != nil {
		return Allocation{}, fmt.Errorf("load shifts: %w", err)
	}
	hours, err := tx.ShiftHours(ctx)
	if err != nil {
		return Allocation{}, fmt.Errorf("load shift hours: %w", err)
	}

	busyDrivers := make(map[string]bool)
	busyVehicles := make(map[string]bool)
	for _, a := range blocking {
		if a.ID == w.replaces {
			continue
		}
		busyDrivers[a.DriverID] = true
		busyVehicles[a.VehicleID] = true
	}
	for _, sh := range shifts {
		if sh.AssignmentID == w.replaces {
			continue
		}
		busyDrivers[sh.DriverID] = true
	}

	driver, ok := pickDriver(drivers, busyDrivers, hours, w.routeID)
	if !ok {
		return Allocation{}, fmt.Errorf("route %s %s-%s: no free driver: %w", w.routeID,
			w.start.Format(time.RFC3339), w.end.Format(time.RFC3339), fleet.ErrNoResourcesAvailable)
	}
	vehicle, ok := pickVehicle(vehicles, busyVehicles)
	if !ok {
		return Allocation{}, fmt.Errorf("route %s %s-%s: no free vehicle: %w", w.routeID,
			w.start.Format(time.RFC3339), w.end.Format(time.RFC3339), fleet.ErrNoResourcesAvailable)
	}

	a := fleet.Assignment{
		ID:        uuid.NewString(),
		DriverID:  driver.ID,
		VehicleID: vehicle.ID,
		RouteID:   w.routeID,
		From:      w.start,
		Until:     w.end,
		Status:    fleet.AssignmentPending,
	}
	sh := fleet.DriverShift{
		ID:           uuid.NewString(),
		DriverID:     driver.ID,
		AssignmentID: a.ID,
		Start:        w.start,
		End:          w.end,
		Status:       fleet.ShiftScheduled,
	}
	if err := tx.InsertAssignment(ctx, a); err != nil {
		return Allocation{}, fmt.Errorf("insert assignment: %w", err)
	}
	if err := tx.InsertShift(ctx, sh); err != nil {
		return Allocation{}, fmt.Errorf("insert shift: %w", err)
	}
	return Allocation{Assignment: a, Shift: sh, Driver: driver, Vehicle: vehicle}, nil
}

// pickDriver prefers drivers who list the route, then the lowest load.
func pickDriver(drivers []fleet.Driver, busy map[string]bool, hours map[string]float64, routeID string) (fleet.Driver, bool) {
	var candidates []fleet.Driver
	for _, d := range drivers {
		if d.Eligible() && !busy[d.ID] {
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 {
		return fleet.Driver{}, false
	}
	load := func(d fleet.Driver) float64 { return d.TotalHours + hours[d.ID] }
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if pa, pb := a.Prefers(routeID), b.Prefers(routeID); pa != pb {
			return pa
		}
		if la, lb := load(a), load(b); la != lb {
			return la < lb
		}
		return a.ID < b.ID
	})
	return candidates[0], true
}

func pickVehicle(vehicles []fleet.Vehicle, busy map[string]bool) (fleet.Vehicle, bool) {
	var candidates []fleet.Vehicle
	for _, v := range vehicles {
		if v.Status == fleet.VehicleActive && !busy[v.ID] {
			candidates = append(candidates, v)
		}
	}
	if len(candidates) == 0 {
		return fleet.Vehicle{}, false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	return candidates[0], true
}

// Deallocate cancels an assignment and its driver shift. Releasing an
// assignment that no longer blocks is a no-op.
func (s *Scheduler) Deallocate(ctx context.Context, assignmentID string) error {
	a, err := s.store.Assignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	if !a.Status.Blocking() {
		return nil
	}
	if err := s.store.SetAssignmentStatus(ctx, assignmentID, fleet.AssignmentCancelled); err != nil {
		return fmt.Errorf("cancel assignment %s: %w", assignmentID, err)
	}
	s.logger.Info("assignment released", "assignment", assignmentID, "driver", a.DriverID, "vehicle", a.VehicleID)
	return nil
}

// CreateTrip creates an ad hoc trip on routeID departing at departure with
// resources allocated in the same transaction.
func (s *Scheduler) CreateTrip(ctx context.Context, routeID string, departure time.Time) (fleet.Trip, error) {
	route, err := s.store.Route(ctx, routeID)
	if err != nil {
		return fleet.Trip{}, err
	}
	if len(route.Stops) < 2 {
		return fleet.Trip{}, fmt.Errorf("route %s: %w", routeID, fleet.ErrInvalidRoute)
	}
	var trip fleet.Trip
	err = s.store.Allocate(ctx, func(tx store.AllocationTx) error {
		var err error
		trip, err = s.createTrip(ctx, tx, route, "", departure, route.TotalTravelTime())
		return err
	})
	if err != nil {
		return fleet.Trip{}, err
	}
	s.logger.Info("trip created", "trip", trip.ID, "route", routeID, "departure", departure)
	return trip, nil
}

func (s *Scheduler) createTrip(ctx context.Context, tx store.AllocationTx, route fleet.Route, scheduleID string, departure time.Time, duration time.Duration) (fleet.Trip, error) {
	if duration <= 0 {
		return fleet.Trip{}, fmt.Errorf("%w: route %s has no running time", fleet.ErrInvalidWindow, route.ID)
	}
	w := window{routeID: route.ID, start: departure, end: departure.Add(duration)}
	alloc, err := allocate(ctx, tx, w)
	if err != nil {
		return fleet.Trip{}, err
	}
	now := s.clock.Now()
	trip := fleet.Trip{
		ID:               uuid.NewString(),
		RouteID:          route.ID,
		ScheduleID:       scheduleID,
		DriverID:         alloc.Driver.ID,
		VehicleID:        alloc.Vehicle.ID,
		AssignmentID:     alloc.Assignment.ID,
		PlannedDeparture: w.start,
		PlannedArrival:   w.end,
		Status:           fleet.StatusPlanned,
		Adherence:        fleet.AdherenceUnknown,
		MaxCapacity:      alloc.Vehicle.Capacity,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := tx.InsertTrip(ctx, trip); err != nil {
		return fleet.Trip{}, fmt.Errorf("insert trip: %w", err)
	}
	return trip, nil
}

// Reschedule moves a planned trip to newStart, keeping its duration. The new
// window is allocated before the old assignment is released, all in one
// transaction.
func (s *Scheduler) Reschedule(ctx context.Context, tripID string, newStart time.Time, actor string) (fleet.Trip, error) {
	var (
		before, after fleet.Trip
		unchanged     bool
	)
	err := s.store.Allocate(ctx, func(tx store.AllocationTx) error {
		trip, err := tx.Trip(ctx, tripID)
		if err != nil {
			return err
		}
		before = trip
		if trip.Status != fleet.StatusPlanned {
			return fmt.Errorf("%w: trip %s is %s", fleet.ErrInvalidTransition, tripID, trip.Status)
		}
		if trip.PlannedDeparture.Equal(newStart) && trip.Allocated() {
			after, unchanged = trip, true
			return nil
		}
		duration := trip.Duration()
		w := window{routeID: trip.RouteID, start: newStart, end: newStart.Add(duration), replaces: trip.AssignmentID}
		if err := w.validate(); err != nil {
			return err
		}
		alloc, err := allocate(ctx, tx, w)
		if err != nil {
			return err
		}
		if trip.AssignmentID != "" {
			if err := tx.SetAssignmentStatus(ctx, trip.AssignmentID, fleet.AssignmentCancelled); err != nil {
				return fmt.Errorf("release old assignment: %w", err)
			}
		}
		trip.PlannedDeparture = w.start
		trip.PlannedArrival = w.end
		trip.DriverID = alloc.Driver.ID
		trip.VehicleID = alloc.Vehicle.ID
		trip.AssignmentID = alloc.Assignment.ID
		trip.MaxCapacity = alloc.Vehicle.Capacity
		trip.UpdatedAt = s.clock.Now()
		after, err = tx.UpdateTrip(ctx, trip)
		return err
	})
	if err != nil {
		return fleet.Trip{}, err
	}
	if unchanged {
		return after, nil
	}
	h := fleet.HistoryEntry{
		TripID:    tripID,
		Action:    "reschedule",
		Actor:     actor,
		Reason:    fmt.Sprintf("departure %s -> %s", before.PlannedDeparture.Format(time.RFC3339), after.PlannedDeparture.Format(time.RFC3339)),
		From:      before.Status,
		To:        after.Status,
		Timestamp: s.clock.Now(),
	}
	if err := s.store.AppendHistory(ctx, h); err != nil {
		logging.LogError(s.logger, "append reschedule history", err, slog.String("trip", tripID))
	}
	return after, nil
}

// IsNoResources reports whether err means the pool had no free pair.
func IsNoResources(err error) bool {
	return errors.Is(err, fleet.ErrNoResourcesAvailable)
}
