package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"fleet-tracker/internal/fleet"
)

const positionColumns = `id, trip_id, lat, lon, speed_kmh, heading, accuracy_m, altitude, hdop, satellites,
source, ts, received_at, is_valid, is_moving, array_to_string(warnings, ','), reject_reason`

func scanPosition(row rowScanner) (fleet.Position, error) {
	var (
		p        fleet.Position
		altitude sql.NullFloat64
		warnings string
	)
	err := row.Scan(&p.ID, &p.TripID, &p.Lat, &p.Lon, &p.SpeedKmh, &p.Heading, &p.AccuracyM, &altitude,
		&p.HDOP, &p.Satellites, &p.Source, &p.Timestamp, &p.ReceivedAt, &p.IsValid, &p.IsMoving,
		&warnings, &p.RejectReason)
	if err != nil {
		return fleet.Position{}, err
	}
	if altitude.Valid {
		a := altitude.Float64
		p.Altitude = &a
	}
	p.Warnings = splitList(warnings)
	return p, nil
}

func (s *Store) AppendPosition(ctx context.Context, p fleet.Position) error {
	var altitude sql.NullFloat64
	if p.Altitude != nil {
		altitude = sql.NullFloat64{Float64: *p.Altitude, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO positions (id, trip_id, lat, lon, speed_kmh, heading, accuracy_m, altitude, hdop, satellites,
    source, ts, received_at, is_valid, is_moving, warnings, reject_reason)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		p.ID, p.TripID, p.Lat, p.Lon, p.SpeedKmh, p.Heading, p.AccuracyM, altitude, p.HDOP, p.Satellites,
		p.Source, p.Timestamp, p.ReceivedAt, p.IsValid, p.IsMoving, pqArray(p.Warnings), p.RejectReason)
	if err != nil {
		return fmt.Errorf("insert position %s: %w", p.TripID, err)
	}
	return nil
}

func (s *Store) LastValidPosition(ctx context.Context, tripID string) (fleet.Position, bool, error) {
	p, err := scanPosition(s.db.QueryRowContext(ctx, `SELECT `+positionColumns+`
FROM positions WHERE trip_id = $1 AND is_valid ORDER BY ts DESC LIMIT 1`, tripID))
	if err == sql.ErrNoRows {
		return fleet.Position{}, false, nil
	}
	if err != nil {
		return fleet.Position{}, false, fmt.Errorf("query last position %s: %w", tripID, err)
	}
	return p, true, nil
}

func (s *Store) Positions(ctx context.Context, tripID string, since time.Time, validOnly bool) ([]fleet.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+positionColumns+`
FROM positions WHERE trip_id = $1 AND ts >= $2 AND (is_valid OR NOT $3) ORDER BY ts`, tripID, since, validOnly)
	if err != nil {
		return nil, fmt.Errorf("query positions %s: %w", tripID, err)
	}
	defer rows.Close()
	var out []fleet.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const incidentColumns = `id, trip_id, type, severity, lat, lon, at, description, resolved, resolved_at`

func scanIncident(row rowScanner) (fleet.Incident, error) {
	var (
		in         fleet.Incident
		resolvedAt sql.NullTime
	)
	err := row.Scan(&in.ID, &in.TripID, &in.Type, &in.Severity, &in.Lat, &in.Lon, &in.Timestamp,
		&in.Description, &in.Resolved, &resolvedAt)
	if err != nil {
		return fleet.Incident{}, err
	}
	in.ResolvedAt = timePtr(resolvedAt)
	return in, nil
}

func (s *Store) CreateIncident(ctx context.Context, in fleet.Incident) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO incidents (`+incidentColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		in.ID, in.TripID, in.Type, in.Severity, in.Lat, in.Lon, in.Timestamp,
		in.Description, in.Resolved, nullTime(in.ResolvedAt))
	if err != nil {
		return fmt.Errorf("insert incident %s: %w", in.TripID, err)
	}
	return nil
}

func (s *Store) LatestIncident(ctx context.Context, tripID string, typ fleet.IncidentType) (fleet.Incident, bool, error) {
	in, err := scanIncident(s.db.QueryRowContext(ctx, `SELECT `+incidentColumns+`
FROM incidents WHERE trip_id = $1 AND type = $2 ORDER BY at DESC LIMIT 1`, tripID, typ))
	if err == sql.ErrNoRows {
		return fleet.Incident{}, false, nil
	}
	if err != nil {
		return fleet.Incident{}, false, fmt.Errorf("query latest incident %s: %w", tripID, err)
	}
	return in, true, nil
}

func (s *Store) Incidents(ctx context.Context, tripID string) ([]fleet.Incident, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+incidentColumns+`
FROM incidents WHERE trip_id = $1 ORDER BY at`, tripID)
	if err != nil {
		return nil, fmt.Errorf("query incidents %s: %w", tripID, err)
	}
	defer rows.Close()
	var out []fleet.Incident
	for rows.Next() {
		in, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}
