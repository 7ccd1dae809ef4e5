// Package lifecycle drives trips through their state machine. Transition
// attempts whose preconditions do not hold are no-ops that return a
// diagnostic; the tick loop retries them on its next pass.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fleet-tracker/internal/clock"
	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/geo"
	"fleet-tracker/internal/logging"
	"fleet-tracker/internal/store"
)

const (
	ActionDepart    = "depart"
	ActionArrive    = "arrive"
	ActionStart     = "start"
	ActionEnd       = "end"
	ActionCancel    = "cancel"
	ActionInterrupt = "interrupt"
	ActionDelayed   = "delayed"
	ActionRecovered = "recovered"

	ActorSystem = "system"
)

type Thresholds struct {
	GeofenceM      float64
	DriverPresence time.Duration
	MaxAttempts    int
}

func DefaultThresholds() Thresholds {
	return Thresholds{GeofenceM: 100, DriverPresence: 5 * time.Minute, MaxAttempts: 3}
}

// Outcome is the typed result of a transition attempt.
type Outcome struct {
	Trip         fleet.Trip    `json:"trip"`
	Transitioned bool          `json:"transitioned"`
	Diagnostic   string        `json:"diagnostic,omitempty"`
	Events       []fleet.Event `json:"-"`
}

// AssignmentUpdater flips an assignment (and its shift) as the trip moves.
type AssignmentUpdater interface {
	SetAssignmentStatus(ctx context.Context, id string, status fleet.AssignmentStatus) error
}

type Manager struct {
	trips       store.TripStore
	positions   store.PositionStore
	assignments AssignmentUpdater
	clock       clock.Clock
	th          Thresholds
	logger      *slog.Logger
}

func NewManager(trips store.TripStore, positions store.PositionStore, assignments AssignmentUpdater, clk clock.Clock, th Thresholds) *Manager {
	if th.MaxAttempts < 1 {
		th.MaxAttempts = 1
	}
	return &Manager{
		trips:       trips,
		positions:   positions,
		assignments: assignments,
		clock:       clk,
		th:          th,
		logger:      logging.Component("lifecycle"),
	}
}

// mutation inspects the freshly loaded trip and edits it in place. It
// returns false with a diagnostic when the precondition does not hold.
type mutation func(t *fleet.Trip, now time.Time) (bool, string)

type request struct {
	action string
	actor  string
	reason string
	mutate mutation
}

// apply loads the trip, applies the mutation and writes it back under the
// version check. Lost races are re-evaluated against the new state.
func (m *Manager) apply(ctx context.Context, tripID string, req request) (Outcome, error) {
	for attempt := 1; ; attempt++ {
		trip, err := m.trips.Trip(ctx, tripID)
		if err != nil {
			return Outcome{}, err
		}
		now := m.clock.Now()
		next := trip
		ok, diag := req.mutate(&next, now)
		if !ok {
			return Outcome{Trip: trip, Diagnostic: diag}, nil
		}
		if next.Status != trip.Status && trip.Status.Terminal() {
			return Outcome{Trip: trip, Diagnostic: fmt.Sprintf("trip is %s", trip.Status)}, nil
		}
		next.UpdatedAt = now

		saved, err := m.trips.UpdateTrip(ctx, next)
		if errors.Is(err, fleet.ErrConcurrentUpdate) {
			if attempt < m.th.MaxAttempts {
				m.logger.Debug("trip write lost race, retrying", "trip", tripID, "action", req.action, "attempt", attempt)
				continue
			}
			return Outcome{Trip: trip}, fmt.Errorf("trip %s %s: %w", tripID, req.action, err)
		}
		if err != nil {
			return Outcome{Trip: trip}, fmt.Errorf("update trip %s: %w", tripID, err)
		}

		out := Outcome{Trip: saved, Transitioned: saved.Status != trip.Status}
		if out.Transitioned {
			h := fleet.HistoryEntry{
				TripID:    tripID,
				Action:    req.action,
				Actor:     req.actor,
				Reason:    req.reason,
				From:      trip.Status,
				To:        saved.Status,
				Timestamp: now,
			}
			if err := m.trips.AppendHistory(ctx, h); err != nil {
				logging.LogError(m.logger, "append trip history", err, slog.String("trip", tripID))
			}
			out.Events = append(out.Events, fleet.LifecycleEvent(h))
			m.logger.Info("trip transitioned", "trip", tripID, "from", trip.Status, "to", saved.Status, "action", req.action)
		}
		return out, nil
	}
}

// Depart moves a planned trip to in_progress once its vehicle is within the
// geofence of the first stop and the driver's device has reported recently.
func (m *Manager) Depart(ctx context.Context, tripID string, idx *geo.StopIndex, latest fleet.Position) (Outcome, error) {
	first := idx.Route().Stops[0]
	present, err := m.driverPresent(ctx, tripID)
	if err != nil {
		return Outcome{}, err
	}
	out, err := m.apply(ctx, tripID, request{
		action: ActionDepart,
		actor:  ActorSystem,
		mutate: func(t *fleet.Trip, now time.Time) (bool, string) {
			if t.Status != fleet.StatusPlanned {
				return false, fmt.Sprintf("trip is %s", t.Status)
			}
			if !t.Allocated() {
				return false, "trip has no driver and vehicle"
			}
			if d := geo.Distance(latest.Lat, latest.Lon, first.Lat, first.Lon); d > m.th.GeofenceM {
				return false, fmt.Sprintf("vehicle is %.0f m from first stop", d)
			}
			if !present {
				return false, "no driver device telemetry in presence window"
			}
			begin(t, now)
			return true, ""
		},
	})
	if err != nil || !out.Transitioned {
		return out, err
	}
	m.onStarted(ctx, out.Trip, first)
	return out, nil
}

// Start is the operator override of Depart. Repeating it on a running trip
// is a no-op.
func (m *Manager) Start(ctx context.Context, tripID, actor string) (Outcome, error) {
	out, err := m.apply(ctx, tripID, request{
		action: ActionStart,
		actor:  actor,
		mutate: func(t *fleet.Trip, now time.Time) (bool, string) {
			if t.Status.Running() {
				return false, "trip already started"
			}
			if t.Status != fleet.StatusPlanned {
				return false, fmt.Sprintf("trip is %s", t.Status)
			}
			if !t.Allocated() {
				return false, "trip has no driver and vehicle"
			}
			begin(t, now)
			return true, ""
		},
	})
	if err != nil || !out.Transitioned {
		return out, err
	}
	m.onStarted(ctx, out.Trip, fleet.RouteStop{})
	return out, nil
}

func begin(t *fleet.Trip, now time.Time) {
	dep := now
	t.ActualDeparture = &dep
	t.Status = fleet.StatusInProgress
	t.DelayMinutes, t.Adherence = fleet.ComputeAdherence(t.PlannedDeparture, now)
}

func (m *Manager) onStarted(ctx context.Context, t fleet.Trip, first fleet.RouteStop) {
	m.setAssignment(ctx, t, fleet.AssignmentActive)
	if first.ID == "" {
		return
	}
	err := m.trips.RecordStopArrival(ctx, fleet.StopArrival{
		TripID:    t.ID,
		StopID:    first.ID,
		Sequence:  first.Sequence,
		ArrivedAt: *t.ActualDeparture,
	})
	if err != nil {
		logging.LogError(m.logger, "record departure stop", err, slog.String("trip", t.ID))
	}
}

func (m *Manager) driverPresent(ctx context.Context, tripID string) (bool, error) {
	since := m.clock.Now().Add(-m.th.DriverPresence)
	recent, err := m.positions.Positions(ctx, tripID, since, true)
	if err != nil {
		return false, fmt.Errorf("load recent positions: %w", err)
	}
	for _, p := range recent {
		if p.Source == fleet.SourceDriverDevice {
			return true, nil
		}
	}
	return false, nil
}

// Arrive completes a running trip once the vehicle stands still within the
// geofence of the final stop.
func (m *Manager) Arrive(ctx context.Context, tripID string, idx *geo.StopIndex, latest fleet.Position) (Outcome, error) {
	stops := idx.Route().Stops
	last := stops[len(stops)-1]
	out, err := m.apply(ctx, tripID, request{
		action: ActionArrive,
		actor:  ActorSystem,
		mutate: func(t *fleet.Trip, now time.Time) (bool, string) {
			if !t.Status.Running() {
				return false, fmt.Sprintf("trip is %s", t.Status)
			}
			if d := geo.Distance(latest.Lat, latest.Lon, last.Lat, last.Lon); d > m.th.GeofenceM {
				return false, fmt.Sprintf("vehicle is %.0f m from final stop", d)
			}
			if latest.IsMoving {
				return false, "vehicle still moving"
			}
			finish(t, now)
			return true, ""
		},
	})
	if err != nil || !out.Transitioned {
		return out, err
	}
	m.setAssignment(ctx, out.Trip, fleet.AssignmentCompleted)
	return out, nil
}

// End is the operator override of Arrive. Ending a completed trip returns
// it unchanged.
func (m *Manager) End(ctx context.Context, tripID, actor string) (Outcome, error) {
	out, err := m.apply(ctx, tripID, request{
		action: ActionEnd,
		actor:  actor,
		mutate: func(t *fleet.Trip, now time.Time) (bool, string) {
			switch {
			case t.Status == fleet.StatusCompleted:
				return false, "trip already completed"
			case t.Status.Running(), t.Status == fleet.StatusInterrupted:
				finish(t, now)
				return true, ""
			default:
				return false, fmt.Sprintf("trip is %s", t.Status)
			}
		},
	})
	if err != nil || !out.Transitioned {
		return out, err
	}
	m.setAssignment(ctx, out.Trip, fleet.AssignmentCompleted)
	return out, nil
}

func finish(t *fleet.Trip, now time.Time) {
	arr := now
	if t.ActualDeparture != nil && arr.Before(*t.ActualDeparture) {
		arr = *t.ActualDeparture
	}
	t.ActualArrival = &arr
	t.Status = fleet.StatusCompleted
}

// ApplyAdherence stores the current delay estimate and toggles the trip
// between in_progress and delayed.
func (m *Manager) ApplyAdherence(ctx context.Context, tripID string, delayMinutes float64) (Outcome, error) {
	adherence := fleet.ClassifyDelay(delayMinutes)
	action := ActionRecovered
	if adherence == fleet.AdherenceDelayed {
		action = ActionDelayed
	}
	return m.apply(ctx, tripID, request{
		action: action,
		actor:  ActorSystem,
		mutate: func(t *fleet.Trip, _ time.Time) (bool, string) {
			if !t.Status.Running() {
				return false, fmt.Sprintf("trip is %s", t.Status)
			}
			status := fleet.StatusInProgress
			if adherence == fleet.AdherenceDelayed {
				status = fleet.StatusDelayed
			}
			if t.Status == status && t.Adherence == adherence && t.DelayMinutes == delayMinutes {
				return false, "adherence unchanged"
			}
			t.Status = status
			t.Adherence = adherence
			t.DelayMinutes = delayMinutes
			return true, ""
		},
	})
}

// Interrupt stops a running trip after a severe incident.
func (m *Manager) Interrupt(ctx context.Context, tripID, actor, reason string) (Outcome, error) {
	return m.apply(ctx, tripID, request{
		action: ActionInterrupt,
		actor:  actor,
		reason: reason,
		mutate: func(t *fleet.Trip, _ time.Time) (bool, string) {
			if !t.Status.Running() {
				return false, fmt.Sprintf("trip is %s", t.Status)
			}
			t.Status = fleet.StatusInterrupted
			return true, ""
		},
	})
}

// Cancel ends any non-terminal trip and releases its assignment. reason is
// mandatory.
func (m *Manager) Cancel(ctx context.Context, tripID, actor, reason string) (Outcome, error) {
	if reason == "" {
		return Outcome{}, fmt.Errorf("%w: cancel requires a reason", fleet.ErrInvalidTransition)
	}
	out, err := m.apply(ctx, tripID, request{
		action: ActionCancel,
		actor:  actor,
		reason: reason,
		mutate: func(t *fleet.Trip, _ time.Time) (bool, string) {
			if t.Status.Terminal() {
				return false, fmt.Sprintf("trip already %s", t.Status)
			}
			t.Status = fleet.StatusCancelled
			t.CancelReason = reason
			return true, ""
		},
	})
	if err != nil || !out.Transitioned {
		return out, err
	}
	m.setAssignment(ctx, out.Trip, fleet.AssignmentCancelled)
	return out, nil
}

func (m *Manager) setAssignment(ctx context.Context, t fleet.Trip, status fleet.AssignmentStatus) {
	if t.AssignmentID == "" || m.assignments == nil {
		return
	}
	if err := m.assignments.SetAssignmentStatus(ctx, t.AssignmentID, status); err != nil {
		logging.LogError(m.logger, "update assignment", err,
			slog.String("trip", t.ID), slog.String("assignment", t.AssignmentID), slog.String("status", string(status)))
	}
}

// RecordArrivals stores an arrival for every stop ahead of the last visited
// one whose radius contains p. Stops behind the vehicle are never revisited.
func (m *Manager) RecordArrivals(ctx context.Context, t fleet.Trip, idx *geo.StopIndex, p fleet.Position) ([]fleet.StopArrival, error) {
	if !t.Status.Running() {
		return nil, nil
	}
	hits := idx.Within(p.Lat, p.Lon)
	if len(hits) == 0 {
		return nil, nil
	}
	existing, err := m.trips.StopArrivals(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("load stop arrivals: %w", err)
	}
	stops := idx.Route().Stops
	last := -1
	for _, a := range existing {
		for i := range stops {
			if stops[i].Sequence == a.Sequence && i > last {
				last = i
			}
		}
	}

	var recorded []fleet.StopArrival
	for _, h := range hits {
		if h.Index <= last {
			continue
		}
		a := fleet.StopArrival{TripID: t.ID, StopID: h.Stop.ID, Sequence: h.Stop.Sequence, ArrivedAt: p.Timestamp}
		if err := m.trips.RecordStopArrival(ctx, a); err != nil {
			return recorded, fmt.Errorf("record stop arrival: %w", err)
		}
		recorded = append(recorded, a)
	}
	return recorded, nil
}
