// Package store defines the persistence contracts of the tracker and an
// in-memory implementation used for development and tests.
package store

import (
	"context"
	"time"

	"fleet-tracker/internal/fleet"
)

// RouteReader resolves routes with their ordered stops.
type RouteReader interface {
	Route(ctx context.Context, id string) (fleet.Route, error)
}

// ReferenceReader exposes the reference data owned by external fleet administration.
type ReferenceReader interface {
	RouteReader
	Drivers(ctx context.Context) ([]fleet.Driver, error)
	Vehicles(ctx context.Context) ([]fleet.Vehicle, error)
	Schedules(ctx context.Context) ([]fleet.Schedule, error)
}

// TripStore persists trips, their modification history and stop arrivals.
type TripStore interface {
	Trip(ctx context.Context, id string) (fleet.Trip, error)
	// ActiveTrips returns running trips and planned trips departing no later than horizon.
	ActiveTrips(ctx context.Context, horizon time.Time) ([]fleet.Trip, error)
	// TripsBetween returns trips whose planned departure falls in [from, to).
	TripsBetween(ctx context.Context, from, to time.Time) ([]fleet.Trip, error)
	// UpdateTrip writes t if the stored version equals t.Version and returns
	// the stored trip with its new version. A stale version fails with
	// fleet.ErrConcurrentUpdate.
	UpdateTrip(ctx context.Context, t fleet.Trip) (fleet.Trip, error)
	AppendHistory(ctx context.Context, h fleet.HistoryEntry) error
	History(ctx context.Context, tripID string) ([]fleet.HistoryEntry, error)
	// RecordStopArrival keeps the first arrival per trip and stop sequence.
	RecordStopArrival(ctx context.Context, a fleet.StopArrival) error
	StopArrivals(ctx context.Context, tripID string) ([]fleet.StopArrival, error)
}

// PositionStore is the append-only telemetry log.
type PositionStore interface {
	AppendPosition(ctx context.Context, p fleet.Position) error
	LastValidPosition(ctx context.Context, tripID string) (fleet.Position, bool, error)
	// Positions returns samples with Timestamp >= since ordered by timestamp.
	Positions(ctx context.Context, tripID string, since time.Time, validOnly bool) ([]fleet.Position, error)
}

// IncidentStore persists detected anomalies.
type IncidentStore interface {
	CreateIncident(ctx context.Context, in fleet.Incident) error
	LatestIncident(ctx context.Context, tripID string, typ fleet.IncidentType) (fleet.Incident, bool, error)
	Incidents(ctx context.Context, tripID string) ([]fleet.Incident, error)
}

// AssignmentStore persists driver+vehicle assignments and runs allocation
// transactions.
type AssignmentStore interface {
	Assignment(ctx context.Context, id string) (fleet.Assignment, error)
	// SetAssignmentStatus updates an assignment and the status of its driver shift.
	SetAssignmentStatus(ctx context.Context, id string, status fleet.AssignmentStatus) error
	// Allocate runs fn in a serializable critical section. Writes made
	// through tx are applied only if fn returns nil.
	Allocate(ctx context.Context, fn func(tx AllocationTx) error) error
}

// AllocationTx is the view of the store inside an allocation critical section.
type AllocationTx interface {
	Drivers(ctx context.Context) ([]fleet.Driver, error)
	Vehicles(ctx context.Context) ([]fleet.Vehicle, error)
	// BlockingAssignments returns pending or active assignments overlapping [from, until).
	BlockingAssignments(ctx context.Context, from, until time.Time) ([]fleet.Assignment, error)
	// OverlappingShifts returns non-cancelled shifts overlapping [from, until).
	OverlappingShifts(ctx context.Context, from, until time.Time) ([]fleet.DriverShift, error)
	// ShiftHours returns scheduled hours of non-cancelled shifts per driver.
	ShiftHours(ctx context.Context) (map[string]float64, error)
	InsertAssignment(ctx context.Context, a fleet.Assignment) error
	InsertShift(ctx context.Context, s fleet.DriverShift) error
	SetAssignmentStatus(ctx context.Context, id string, status fleet.AssignmentStatus) error
	Trip(ctx context.Context, id string) (fleet.Trip, error)
	ScheduledTripExists(ctx context.Context, scheduleID string, departure time.Time) (bool, error)
	InsertTrip(ctx context.Context, t fleet.Trip) error
	UpdateTrip(ctx context.Context, t fleet.Trip) (fleet.Trip, error)
}

// Store is the full persistence surface used by the tracker.
type Store interface {
	ReferenceReader
	TripStore
	PositionStore
	IncidentStore
	AssignmentStore
	Close() error
}

// ShiftStatusFor maps an assignment status onto the status of its shift.
func ShiftStatusFor(s fleet.AssignmentStatus) fleet.ShiftStatus {
	switch s {
	case fleet.AssignmentCancelled:
		return fleet.ShiftCancelled
	case fleet.AssignmentCompleted:
		return fleet.ShiftCompleted
	default:
		return fleet.ShiftScheduled
	}
}
