package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"fleet-tracker/internal/fleet"
)

const tripColumns = `id, route_id, schedule_id, driver_id, vehicle_id, assignment_id,
planned_departure, planned_arrival, actual_departure, actual_arrival, status, adherence,
delay_minutes, passenger_count, max_capacity, cancel_reason, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrip(row rowScanner) (fleet.Trip, error) {
	var (
		t              fleet.Trip
		actDep, actArr sql.NullTime
	)
	err := row.Scan(&t.ID, &t.RouteID, &t.ScheduleID, &t.DriverID, &t.VehicleID, &t.AssignmentID,
		&t.PlannedDeparture, &t.PlannedArrival, &actDep, &actArr, &t.Status, &t.Adherence,
		&t.DelayMinutes, &t.PassengerCount, &t.MaxCapacity, &t.CancelReason, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fleet.Trip{}, err
	}
	t.ActualDeparture = timePtr(actDep)
	t.ActualArrival = timePtr(actArr)
	return t, nil
}

func queryTrips(ctx context.Context, q querier, where string, args ...any) ([]fleet.Trip, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE `+where+
		` ORDER BY planned_departure, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query trips: %w", err)
	}
	defer rows.Close()
	var out []fleet.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func getTrip(ctx context.Context, q querier, id string) (fleet.Trip, error) {
	t, err := scanTrip(q.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return fleet.Trip{}, fmt.Errorf("trip %s: %w", id, fleet.ErrUnknownTrip)
	}
	if err != nil {
		return fleet.Trip{}, fmt.Errorf("query trip %s: %w", id, err)
	}
	return t, nil
}

func (s *Store) Trip(ctx context.Context, id string) (fleet.Trip, error) {
	return getTrip(ctx, s.db, id)
}

func (s *Store) ActiveTrips(ctx context.Context, horizon time.Time) ([]fleet.Trip, error) {
	return queryTrips(ctx, s.db, `status IN ($1, $2) OR (status = $3 AND planned_departure <= $4)`,
		fleet.StatusInProgress, fleet.StatusDelayed, fleet.StatusPlanned, horizon)
}

func (s *Store) TripsBetween(ctx context.Context, from, to time.Time) ([]fleet.Trip, error) {
	return queryTrips(ctx, s.db, `planned_departure >= $1 AND planned_departure < $2`, from, to)
}

func insertTrip(ctx context.Context, q querier, t fleet.Trip) error {
	_, err := q.ExecContext(ctx, `INSERT INTO trips (`+tripColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		t.ID, t.RouteID, t.ScheduleID, t.DriverID, t.VehicleID, t.AssignmentID,
		t.PlannedDeparture, t.PlannedArrival, nullTime(t.ActualDeparture), nullTime(t.ActualArrival),
		t.Status, t.Adherence, t.DelayMinutes, t.PassengerCount, t.MaxCapacity, t.CancelReason,
		t.Version, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert trip %s: %w", t.ID, err)
	}
	return nil
}

// updateTrip is a compare-and-swap on the version column.
func updateTrip(ctx context.Context, q querier, t fleet.Trip) (fleet.Trip, error) {
	res, err := q.ExecContext(ctx, `
UPDATE trips SET route_id = $3, schedule_id = $4, driver_id = $5, vehicle_id = $6, assignment_id = $7,
    planned_departure = $8, planned_arrival = $9, actual_departure = $10, actual_arrival = $11,
    status = $12, adherence = $13, delay_minutes = $14, passenger_count = $15, max_capacity = $16,
    cancel_reason = $17, updated_at = $18, version = version + 1
WHERE id = $1 AND version = $2`,
		t.ID, t.Version, t.RouteID, t.ScheduleID, t.DriverID, t.VehicleID, t.AssignmentID,
		t.PlannedDeparture, t.PlannedArrival, nullTime(t.ActualDeparture), nullTime(t.ActualArrival),
		t.Status, t.Adherence, t.DelayMinutes, t.PassengerCount, t.MaxCapacity, t.CancelReason, t.UpdatedAt)
	if err != nil {
		return fleet.Trip{}, fmt.Errorf("update trip %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fleet.Trip{}, err
	}
	if n == 0 {
		cur, err := getTrip(ctx, q, t.ID)
		if err != nil {
			return fleet.Trip{}, err
		}
		return fleet.Trip{}, fmt.Errorf("trip %s at version %d, have %d: %w", t.ID, cur.Version, t.Version, fleet.ErrConcurrentUpdate)
	}
	t.Version++
	return t, nil
}

func (s *Store) UpdateTrip(ctx context.Context, t fleet.Trip) (fleet.Trip, error) {
	return updateTrip(ctx, s.db, t)
}

func (s *Store) AppendHistory(ctx context.Context, h fleet.HistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO trip_history (trip_id, action, actor, reason, from_status, to_status, at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		h.TripID, h.Action, h.Actor, h.Reason, h.From, h.To, h.Timestamp)
	if err != nil {
		return fmt.Errorf("append history %s: %w", h.TripID, err)
	}
	return nil
}

func (s *Store) History(ctx context.Context, tripID string) ([]fleet.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT trip_id, action, actor, reason, from_status, to_status, at
FROM trip_history WHERE trip_id = $1 ORDER BY id`, tripID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	var out []fleet.HistoryEntry
	for rows.Next() {
		var h fleet.HistoryEntry
		if err := rows.Scan(&h.TripID, &h.Action, &h.Actor, &h.Reason, &h.From, &h.To, &h.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) RecordStopArrival(ctx context.Context, a fleet.StopArrival) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO stop_arrivals (trip_id, stop_id, sequence, arrived_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (trip_id, sequence) DO NOTHING`,
		a.TripID, a.StopID, a.Sequence, a.ArrivedAt)
	if err != nil {
		return fmt.Errorf("record arrival %s/%d: %w", a.TripID, a.Sequence, err)
	}
	return nil
}

func (s *Store) StopArrivals(ctx context.Context, tripID string) ([]fleet.StopArrival, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT trip_id, stop_id, sequence, arrived_at FROM stop_arrivals WHERE trip_id = $1 ORDER BY sequence`, tripID)
	if err != nil {
		return nil, fmt.Errorf("query arrivals: %w", err)
	}
	defer rows.Close()
	var out []fleet.StopArrival
	for rows.Next() {
		var a fleet.StopArrival
		if err := rows.Scan(&a.TripID, &a.StopID, &a.Sequence, &a.ArrivedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
