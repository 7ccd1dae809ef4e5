package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"fleet-tracker/internal/fleet"
)

func (s *Store) Route(ctx context.Context, id string) (fleet.Route, error) {
	r := fleet.Route{ID: id}
	err := s.db.QueryRowContext(ctx, `SELECT name FROM routes WHERE id = $1`, id).Scan(&r.Name)
	if err == sql.ErrNoRows {
		return fleet.Route{}, fmt.Errorf("route %s: %w", id, fleet.ErrUnknownRoute)
	}
	if err != nil {
		return fleet.Route{}, fmt.Errorf("query route: %w", err)
	}

	q := `
SELECT s.id, s.name, s.lat, s.lon, s.radius_m, rs.sequence, rs.distance_from_prev_m, rs.travel_time_from_prev_sec
FROM route_stops rs
JOIN stops s ON s.id = rs.stop_id
WHERE rs.route_id = $1
ORDER BY rs.sequence`
	rows, err := s.db.QueryContext(ctx, q, id)
	if err != nil {
		return fleet.Route{}, fmt.Errorf("query route stops: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rs fleet.RouteStop
		var travelSec int
		if err := rows.Scan(&rs.ID, &rs.Name, &rs.Lat, &rs.Lon, &rs.RadiusM, &rs.Sequence, &rs.DistanceFromPrevM, &travelSec); err != nil {
			return fleet.Route{}, err
		}
		rs.TravelTimeFromPrev = time.Duration(travelSec) * time.Second
		r.Stops = append(r.Stops, rs)
	}
	return r, rows.Err()
}

func (s *Store) Drivers(ctx context.Context) ([]fleet.Driver, error) {
	return queryDrivers(ctx, s.db)
}

func queryDrivers(ctx context.Context, q querier) ([]fleet.Driver, error) {
	rows, err := q.QueryContext(ctx, `
SELECT id, name, employment_status, availability_status, array_to_string(preferred_routes, ','), total_hours
FROM drivers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query drivers: %w", err)
	}
	defer rows.Close()
	var out []fleet.Driver
	for rows.Next() {
		var d fleet.Driver
		var preferred string
		if err := rows.Scan(&d.ID, &d.Name, &d.EmploymentStatus, &d.AvailabilityStatus, &preferred, &d.TotalHours); err != nil {
			return nil, err
		}
		d.PreferredRoutes = splitList(preferred)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) Vehicles(ctx context.Context) ([]fleet.Vehicle, error) {
	return queryVehicles(ctx, s.db)
}

func queryVehicles(ctx context.Context, q querier) ([]fleet.Vehicle, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, plate, status, capacity FROM vehicles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query vehicles: %w", err)
	}
	defer rows.Close()
	var out []fleet.Vehicle
	for rows.Next() {
		var v fleet.Vehicle
		if err := rows.Scan(&v.ID, &v.Plate, &v.Status, &v.Capacity); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) Schedules(ctx context.Context) ([]fleet.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, route_id, array_to_string(days, ','), start_minute, end_minute, frequency_sec, trip_duration_sec,
       valid_from, valid_until, active
FROM schedules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()
	var out []fleet.Schedule
	for rows.Next() {
		var (
			sch                 fleet.Schedule
			days                string
			freqSec, durSec     int
			validFrom, validTil sql.NullTime
		)
		if err := rows.Scan(&sch.ID, &sch.RouteID, &days, &sch.StartMinute, &sch.EndMinute, &freqSec, &durSec,
			&validFrom, &validTil, &sch.Active); err != nil {
			return nil, err
		}
		nums, err := splitInts(days)
		if err != nil {
			return nil, fmt.Errorf("schedule %s days %q: %w", sch.ID, days, err)
		}
		for _, n := range nums {
			sch.Days = append(sch.Days, time.Weekday(n))
		}
		sch.Frequency = time.Duration(freqSec) * time.Second
		sch.TripDuration = time.Duration(durSec) * time.Second
		sch.ValidFrom = validFrom.Time
		sch.ValidUntil = validTil.Time
		out = append(out, sch)
	}
	return out, rows.Err()
}

// UpsertReference writes reference data in one transaction. Stops of a
// route replace its previous stop list.
func (s *Store) UpsertReference(ctx context.Context, routes []fleet.Route, drivers []fleet.Driver, vehicles []fleet.Vehicle, schedules []fleet.Schedule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range routes {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO routes (id, name) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`, r.ID, r.Name); err != nil {
			return fmt.Errorf("upsert route %s: %w", r.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM route_stops WHERE route_id = $1`, r.ID); err != nil {
			return err
		}
		for _, rs := range r.Stops {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO stops (id, name, lat, lon, radius_m) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, lat = EXCLUDED.lat, lon = EXCLUDED.lon, radius_m = EXCLUDED.radius_m`,
				rs.ID, rs.Name, rs.Lat, rs.Lon, rs.RadiusM); err != nil {
				return fmt.Errorf("upsert stop %s: %w", rs.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO route_stops (route_id, stop_id, sequence, distance_from_prev_m, travel_time_from_prev_sec)
VALUES ($1, $2, $3, $4, $5)`,
				r.ID, rs.ID, rs.Sequence, rs.DistanceFromPrevM, int(rs.TravelTimeFromPrev.Seconds())); err != nil {
				return fmt.Errorf("insert route stop %s/%d: %w", r.ID, rs.Sequence, err)
			}
		}
	}
	for _, d := range drivers {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO drivers (id, name, employment_status, availability_status, preferred_routes, total_hours)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, employment_status = EXCLUDED.employment_status,
    availability_status = EXCLUDED.availability_status, preferred_routes = EXCLUDED.preferred_routes,
    total_hours = EXCLUDED.total_hours`,
			d.ID, d.Name, d.EmploymentStatus, d.AvailabilityStatus, pqArray(d.PreferredRoutes), d.TotalHours); err != nil {
			return fmt.Errorf("upsert driver %s: %w", d.ID, err)
		}
	}
	for _, v := range vehicles {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO vehicles (id, plate, status, capacity) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET plate = EXCLUDED.plate, status = EXCLUDED.status, capacity = EXCLUDED.capacity`,
			v.ID, v.Plate, v.Status, v.Capacity); err != nil {
			return fmt.Errorf("upsert vehicle %s: %w", v.ID, err)
		}
	}
	for _, sch := range schedules {
		days := make([]int32, 0, len(sch.Days))
		for _, d := range sch.Days {
			days = append(days, int32(d))
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO schedules (id, route_id, days, start_minute, end_minute, frequency_sec, trip_duration_sec, valid_from, valid_until, active)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE SET route_id = EXCLUDED.route_id, days = EXCLUDED.days,
    start_minute = EXCLUDED.start_minute, end_minute = EXCLUDED.end_minute,
    frequency_sec = EXCLUDED.frequency_sec, trip_duration_sec = EXCLUDED.trip_duration_sec,
    valid_from = EXCLUDED.valid_from, valid_until = EXCLUDED.valid_until, active = EXCLUDED.active`,
			sch.ID, sch.RouteID, pqArray(days), sch.StartMinute, sch.EndMinute,
			int(sch.Frequency.Seconds()), int(sch.TripDuration.Seconds()),
			zeroNullTime(sch.ValidFrom), zeroNullTime(sch.ValidUntil), sch.Active); err != nil {
			return fmt.Errorf("upsert schedule %s: %w", sch.ID, err)
		}
	}
	return tx.Commit()
}
