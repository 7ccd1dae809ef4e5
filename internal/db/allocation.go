package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/store"
)

// allocationLockKey is the advisory lock taken by every allocation
// transaction.
const allocationLockKey = 7420001

func (s *Store) Assignment(ctx context.Context, id string) (fleet.Assignment, error) {
	var a fleet.Assignment
	err := s.db.QueryRowContext(ctx, `
SELECT id, driver_id, vehicle_id, route_id, assigned_from, assigned_until, status
FROM assignments WHERE id = $1`, id).
		Scan(&a.ID, &a.DriverID, &a.VehicleID, &a.RouteID, &a.From, &a.Until, &a.Status)
	if err == sql.ErrNoRows {
		return fleet.Assignment{}, fmt.Errorf("assignment %s: %w", id, fleet.ErrNotFound)
	}
	if err != nil {
		return fleet.Assignment{}, fmt.Errorf("query assignment %s: %w", id, err)
	}
	return a, nil
}

func (s *Store) SetAssignmentStatus(ctx context.Context, id string, status fleet.AssignmentStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := setAssignmentStatus(ctx, tx, id, status); err != nil {
		return err
	}
	return tx.Commit()
}

func setAssignmentStatus(ctx context.Context, q querier, id string, status fleet.AssignmentStatus) error {
	res, err := q.ExecContext(ctx, `UPDATE assignments SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update assignment %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("assignment %s: %w", id, fleet.ErrNotFound)
	}
	if _, err := q.ExecContext(ctx, `UPDATE driver_shifts SET status = $2 WHERE assignment_id = $1`,
		id, store.ShiftStatusFor(status)); err != nil {
		return fmt.Errorf("update shift of %s: %w", id, err)
	}
	return nil
}

// Allocate runs fn in a serializable transaction holding the allocation
// advisory lock. Serialization failures are retried up to MaxAttempts
// times before failing with fleet.ErrAllocationFailed.
func (s *Store) Allocate(ctx context.Context, fn func(tx store.AllocationTx) error) error {
	attempts := s.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		err := s.allocateOnce(ctx, fn)
		if err == nil || !isRetryable(err) {
			return err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * 50 * time.Millisecond):
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", fleet.ErrAllocationFailed, attempts, lastErr)
}

func (s *Store) allocateOnce(ctx context.Context, fn func(tx store.AllocationTx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(allocationLockKey)); err != nil {
		return fmt.Errorf("allocation lock: %w", err)
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// pgTx is the AllocationTx view of an open transaction.
type pgTx struct {
	tx *sql.Tx
}

var _ store.AllocationTx = (*pgTx)(nil)

func (t *pgTx) Drivers(ctx context.Context) ([]fleet.Driver, error) {
	return queryDrivers(ctx, t.tx)
}

func (t *pgTx) Vehicles(ctx context.Context) ([]fleet.Vehicle, error) {
	return queryVehicles(ctx, t.tx)
}

func (t *pgTx) BlockingAssignments(ctx context.Context, from, until time.Time) ([]fleet.Assignment, error) {
	rows, err := t.tx.QueryContext(ctx, `
SELECT id, driver_id, vehicle_id, route_id, assigned_from, assigned_until, status
FROM assignments
WHERE status IN ($1, $2) AND assigned_from < $4 AND $3 < assigned_until`,
		fleet.AssignmentPending, fleet.AssignmentActive, from, until)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer rows.Close()
	var out []fleet.Assignment
	for rows.Next() {
		var a fleet.Assignment
		if err := rows.Scan(&a.ID, &a.DriverID, &a.VehicleID, &a.RouteID, &a.From, &a.Until, &a.Status); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *pgTx) OverlappingShifts(ctx context.Context, from, until time.Time) ([]fleet.DriverShift, error) {
	rows, err := t.tx.QueryContext(ctx, `
SELECT id, driver_id, assignment_id, shift_start, shift_end, status
FROM driver_shifts
WHERE status <> $1 AND shift_start < $3 AND $2 < shift_end`,
		fleet.ShiftCancelled, from, until)
	if err != nil {
		return nil, fmt.Errorf("query shifts: %w", err)
	}
	defer rows.Close()
	var out []fleet.DriverShift
	for rows.Next() {
		var sh fleet.DriverShift
		if err := rows.Scan(&sh.ID, &sh.DriverID, &sh.AssignmentID, &sh.Start, &sh.End, &sh.Status); err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

func (t *pgTx) ShiftHours(ctx context.Context) (map[string]float64, error) {
	rows, err := t.tx.QueryContext(ctx, `
SELECT driver_id, COALESCE(SUM(EXTRACT(EPOCH FROM (shift_end - shift_start))), 0)::float8 / 3600
FROM driver_shifts WHERE status <> $1 GROUP BY driver_id`, fleet.ShiftCancelled)
	if err != nil {
		return nil, fmt.Errorf("query shift hours: %w", err)
	}
	defer rows.Close()
	hours := make(map[string]float64)
	for rows.Next() {
		var (
			id string
			h  float64
		)
		if err := rows.Scan(&id, &h); err != nil {
			return nil, err
		}
		hours[id] = h
	}
	return hours, rows.Err()
}

func (t *pgTx) InsertAssignment(ctx context.Context, a fleet.Assignment) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO assignments (id, driver_id, vehicle_id, route_id, assigned_from, assigned_until, status)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.DriverID, a.VehicleID, a.RouteID, a.From, a.Until, a.Status)
	if err != nil {
		return fmt.Errorf("insert assignment %s: %w", a.ID, err)
	}
	return nil
}

func (t *pgTx) InsertShift(ctx context.Context, sh fleet.DriverShift) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO driver_shifts (id, driver_id, assignment_id, shift_start, shift_end, status)
VALUES ($1, $2, $3, $4, $5, $6)`,
		sh.ID, sh.DriverID, sh.AssignmentID, sh.Start, sh.End, sh.Status)
	if err != nil {
		return fmt.Errorf("insert shift %s: %w", sh.ID, err)
	}
	return nil
}

func (t *pgTx) SetAssignmentStatus(ctx context.Context, id string, status fleet.AssignmentStatus) error {
	return setAssignmentStatus(ctx, t.tx, id, status)
}

func (t *pgTx) Trip(ctx context.Context, id string) (fleet.Trip, error) {
	return getTrip(ctx, t.tx, id)
}

func (t *pgTx) ScheduledTripExists(ctx context.Context, scheduleID string, departure time.Time) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
SELECT EXISTS (SELECT 1 FROM trips WHERE schedule_id = $1 AND planned_departure = $2)`,
		scheduleID, departure).Scan(&exists)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("query scheduled trip: %w", err)
	}
	return exists, nil
}

func (t *pgTx) InsertTrip(ctx context.Context, trip fleet.Trip) error {
	return insertTrip(ctx, t.tx, trip)
}

func (t *pgTx) UpdateTrip(ctx context.Context, trip fleet.Trip) (fleet.Trip, error) {
	return updateTrip(ctx, t.tx, trip)
}
