package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"fleet-tracker/internal/emergency"
	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/lifecycle"
	"fleet-tracker/internal/monitoring"
	"fleet-tracker/internal/scheduler"
	"fleet-tracker/internal/telemetry"
)

// Service is the operation surface consumed by the HTTP and NATS transports.
type Service interface {
	SubmitPosition(ctx context.Context, r telemetry.Report) (telemetry.Result, error)
	Allocate(ctx context.Context, routeID string, start, end time.Time) (scheduler.Allocation, error)
	Deallocate(ctx context.Context, assignmentID, actor string) error
	CreateTrip(ctx context.Context, routeID string, departure time.Time) (fleet.Trip, error)
	StartTrip(ctx context.Context, tripID, actor string) (lifecycle.Outcome, error)
	EndTrip(ctx context.Context, tripID, actor string) (lifecycle.Outcome, error)
	CancelTrip(ctx context.Context, tripID, actor, reason string) (lifecycle.Outcome, error)
	RescheduleTrip(ctx context.Context, tripID string, newStart time.Time, actor string) (fleet.Trip, error)
	Trip(ctx context.Context, tripID string) (TripDetails, error)
	Analyze(ctx context.Context, q monitoring.Query) (monitoring.Report, error)
	State() State
}

var _ Service = (*Manager)(nil)

const (
	outcomeOK          = "ok"
	outcomeNoResources = "no_resources"
	outcomeError       = "error"
)

// TripDetails is a trip with its recorded history.
type TripDetails struct {
	Trip      fleet.Trip               `json:"trip"`
	History   []fleet.HistoryEntry     `json:"history"`
	Arrivals  []fleet.StopArrival      `json:"arrivals"`
	Incidents []fleet.Incident         `json:"incidents"`
	Delay     monitoring.DelayEstimate `json:"delay"`
}

// State is a point-in-time view of the tracker's internals.
type State struct {
	LastTick      time.Time  `json:"lastTick"`
	ActiveTrips   int        `json:"activeTrips"`
	CachedRoutes  []string   `json:"cachedRoutes"`
	QueueDepth    int        `json:"queueDepth"`
	DroppedEvents int64      `json:"droppedEvents"`
	Options       Options    `json:"options"`
	Thresholds    Thresholds `json:"thresholds"`
}

// Thresholds are the detection limits in effect.
type Thresholds struct {
	Telemetry    telemetry.Thresholds `json:"telemetry"`
	Emergency    emergency.Thresholds `json:"emergency"`
	RecoveryRate float64              `json:"recoveryRate"`
}

// SubmitPosition validates and stores one telemetry report.
func (m *Manager) SubmitPosition(ctx context.Context, r telemetry.Report) (telemetry.Result, error) {
	ctx, span := m.tracer.Start(ctx, "tracker.submit_position",
		trace.WithAttributes(attribute.String("trip.id", r.TripID)))
	defer span.End()

	res, err := m.validator.Submit(ctx, r)
	if err != nil {
		span.RecordError(err)
		m.countRejected(rejectLabel(err))
		return res, err
	}
	if !res.Valid {
		m.countRejected(string(res.Reason))
	} else if m.metrics != nil {
		m.metrics.PositionsAccepted.Inc()
	}
	span.SetAttributes(attribute.Bool("position.valid", res.Valid))
	return res, nil
}

func rejectLabel(err error) string {
	switch {
	case errors.Is(err, fleet.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, fleet.ErrUnknownTrip):
		return "unknown_trip"
	case errors.Is(err, fleet.ErrInvalidCoordinate):
		return "invalid_coordinate"
	case errors.Is(err, fleet.ErrInvalidPosition):
		return "not_trackable"
	default:
		return "error"
	}
}

func (m *Manager) countRejected(reason string) {
	if m.metrics != nil {
		m.metrics.PositionsRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Manager) countAllocation(err error) {
	if m.metrics == nil {
		return
	}
	switch {
	case err == nil:
		m.metrics.Allocations.WithLabelValues(outcomeOK).Inc()
	case scheduler.IsNoResources(err):
		m.metrics.Allocations.WithLabelValues(outcomeNoResources).Inc()
	default:
		m.metrics.Allocations.WithLabelValues(outcomeError).Inc()
	}
}

// Allocate reserves a driver and vehicle for a route window.
func (m *Manager) Allocate(ctx context.Context, routeID string, start, end time.Time) (scheduler.Allocation, error) {
	a, err := m.scheduler.Allocate(ctx, routeID, start, end)
	m.countAllocation(err)
	if err != nil {
		return a, err
	}
	m.emit(fleet.Event{
		Kind:    fleet.EventAllocation,
		Message: "allocated",
		Data: map[string]any{
			"assignmentId": a.Assignment.ID,
			"routeId":      routeID,
			"driverId":     a.Driver.ID,
			"vehicleId":    a.Vehicle.ID,
			"from":         a.Assignment.From,
			"until":        a.Assignment.Until,
		},
	})
	return a, nil
}

// Deallocate releases an assignment and cancels its driver shift.
func (m *Manager) Deallocate(ctx context.Context, assignmentID, actor string) error {
	if err := m.scheduler.Deallocate(ctx, assignmentID); err != nil {
		return err
	}
	ev := auditEvent("", "deallocate", actor, "")
	ev.Data["assignmentId"] = assignmentID
	m.emit(ev)
	return nil
}

// CreateTrip creates an allocated planned trip departing at departure.
func (m *Manager) CreateTrip(ctx context.Context, routeID string, departure time.Time) (fleet.Trip, error) {
	t, err := m.scheduler.CreateTrip(ctx, routeID, departure)
	m.countAllocation(err)
	if err != nil {
		return t, err
	}
	m.emit(allocationEvent(t, "created"))
	return t, nil
}

func allocationEvent(t fleet.Trip, message string) fleet.Event {
	return fleet.Event{
		Kind:    fleet.EventAllocation,
		TripID:  t.ID,
		Message: message,
		Data: map[string]any{
			"routeId":          t.RouteID,
			"assignmentId":     t.AssignmentID,
			"driverId":         t.DriverID,
			"vehicleId":        t.VehicleID,
			"plannedDeparture": t.PlannedDeparture,
		},
		Timestamp: t.CreatedAt,
	}
}

func auditEvent(tripID, action, actor, reason string) fleet.Event {
	return fleet.Event{
		Kind:    fleet.EventAudit,
		TripID:  tripID,
		Message: action,
		Data:    map[string]any{"actor": actor, "reason": reason},
	}
}

// StartTrip is the operator start of a planned trip.
func (m *Manager) StartTrip(ctx context.Context, tripID, actor string) (lifecycle.Outcome, error) {
	out, err := m.lifecycle.Start(ctx, tripID, actor)
	if err != nil {
		return out, err
	}
	m.emit(auditEvent(tripID, lifecycle.ActionStart, actor, out.Diagnostic))
	m.observe(out)
	return out, nil
}

// EndTrip is the operator completion of a running or interrupted trip.
func (m *Manager) EndTrip(ctx context.Context, tripID, actor string) (lifecycle.Outcome, error) {
	out, err := m.lifecycle.End(ctx, tripID, actor)
	if err != nil {
		return out, err
	}
	m.emit(auditEvent(tripID, lifecycle.ActionEnd, actor, out.Diagnostic))
	m.observe(out)
	if out.Transitioned {
		m.validator.Forget(tripID)
	}
	return out, nil
}

// CancelTrip cancels a non-terminal trip and releases its assignment.
func (m *Manager) CancelTrip(ctx context.Context, tripID, actor, reason string) (lifecycle.Outcome, error) {
	out, err := m.lifecycle.Cancel(ctx, tripID, actor, reason)
	if err != nil {
		return out, err
	}
	m.emit(auditEvent(tripID, lifecycle.ActionCancel, actor, reason))
	m.observe(out)
	if out.Transitioned {
		m.validator.Forget(tripID)
	}
	return out, nil
}

// RescheduleTrip moves a planned trip and reallocates its resources.
func (m *Manager) RescheduleTrip(ctx context.Context, tripID string, newStart time.Time, actor string) (fleet.Trip, error) {
	t, err := m.scheduler.Reschedule(ctx, tripID, newStart, actor)
	if err != nil {
		if errors.Is(err, fleet.ErrNoResourcesAvailable) {
			m.countAllocation(err)
		}
		return t, err
	}
	m.emit(auditEvent(tripID, "reschedule", actor, newStart.Format(time.RFC3339)))
	return t, nil
}

// Trip returns a trip with its history, arrivals, incidents and current
// delay estimate.
func (m *Manager) Trip(ctx context.Context, tripID string) (TripDetails, error) {
	t, err := m.store.Trip(ctx, tripID)
	if err != nil {
		return TripDetails{}, err
	}
	d := TripDetails{Trip: t}
	if d.History, err = m.store.History(ctx, tripID); err != nil {
		return d, fmt.Errorf("load history: %w", err)
	}
	if d.Arrivals, err = m.store.StopArrivals(ctx, tripID); err != nil {
		return d, fmt.Errorf("load stop arrivals: %w", err)
	}
	if d.Incidents, err = m.store.Incidents(ctx, tripID); err != nil {
		return d, fmt.Errorf("load incidents: %w", err)
	}
	r, err := m.store.Route(ctx, t.RouteID)
	if err != nil {
		return d, err
	}
	d.Delay = monitoring.EstimateDelay(t, r, d.Arrivals, m.clock.Now(), m.analyzer.RecoveryRate())
	return d, nil
}

// Analyze builds a monitoring report.
func (m *Manager) Analyze(ctx context.Context, q monitoring.Query) (monitoring.Report, error) {
	ctx, span := m.tracer.Start(ctx, "tracker.analyze")
	defer span.End()
	rep, err := m.analyzer.Analyze(ctx, q)
	if err != nil {
		span.RecordError(err)
	}
	return rep, err
}

// State reports the tracker's internal counters.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := State{
		LastTick:      m.lastTick,
		ActiveTrips:   m.active,
		QueueDepth:    m.outbox.depth(),
		DroppedEvents: m.outbox.dropped.Load(),
		Options:       m.opts,
		Thresholds: Thresholds{
			Telemetry:    m.validator.Thresholds(),
			Emergency:    m.detector.Thresholds(),
			RecoveryRate: m.analyzer.RecoveryRate(),
		},
	}
	for id := range m.indexes {
		s.CachedRoutes = append(s.CachedRoutes, id)
	}
	sort.Strings(s.CachedRoutes)
	return s
}
