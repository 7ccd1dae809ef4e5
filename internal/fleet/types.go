// Package fleet holds the domain model shared by the tracking and scheduling components.
package fleet

import "time"

type TripStatus string

const (
	StatusPlanned     TripStatus = "planned"
	StatusInProgress  TripStatus = "in_progress"
	StatusDelayed     TripStatus = "delayed"
	StatusCompleted   TripStatus = "completed"
	StatusCancelled   TripStatus = "cancelled"
	StatusInterrupted TripStatus = "interrupted"
)

// Terminal reports whether no further transition may leave s.
func (s TripStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Running reports whether the trip is underway (delayed is an adherence
// label on an in-progress trip).
func (s TripStatus) Running() bool {
	return s == StatusInProgress || s == StatusDelayed
}

// Active reports whether the tick loop should look at the trip.
func (s TripStatus) Active() bool {
	return s == StatusPlanned || s.Running()
}

type Adherence string

const (
	AdherenceOnTime  Adherence = "on_time"
	AdherenceEarly   Adherence = "early"
	AdherenceDelayed Adherence = "delayed"
	AdherenceUnknown Adherence = "unknown"
)

type Stop struct {
	ID      string  `json:"id" yaml:"id"`
	Name    string  `json:"name" yaml:"name"`
	Lat     float64 `json:"lat" yaml:"lat"`
	Lon     float64 `json:"lon" yaml:"lon"`
	RadiusM float64 `json:"radiusM" yaml:"radius_m"`
}

// RouteStop is a stop at a position in a route with the metadata of the
// segment that leads to it from the previous stop.
type RouteStop struct {
	Stop
	Sequence           int           `json:"sequence"`
	DistanceFromPrevM  float64       `json:"distanceFromPrevM"`
	TravelTimeFromPrev time.Duration `json:"travelTimeFromPrev"`
}

type Route struct {
	ID    string      `json:"id"`
	Name  string      `json:"name"`
	Stops []RouteStop `json:"stops"` // ordered by Sequence
}

// TotalTravelTime is the scheduled running time from the first to the last stop.
func (r Route) TotalTravelTime() time.Duration {
	var total time.Duration
	for i := 1; i < len(r.Stops); i++ {
		total += r.Stops[i].TravelTimeFromPrev
	}
	return total
}

// ScheduledOffset is the scheduled time from departure to arrival at stop index i.
func (r Route) ScheduledOffset(i int) time.Duration {
	var total time.Duration
	for j := 1; j <= i && j < len(r.Stops); j++ {
		total += r.Stops[j].TravelTimeFromPrev
	}
	return total
}

// Schedule is a recurring template from which trips are generated.
// StartMinute and EndMinute are minutes since local midnight.
type Schedule struct {
	ID           string         `json:"id"`
	RouteID      string         `json:"routeId"`
	Days         []time.Weekday `json:"days"`
	StartMinute  int            `json:"startMinute"`
	EndMinute    int            `json:"endMinute"`
	Frequency    time.Duration  `json:"frequency"`
	TripDuration time.Duration  `json:"tripDuration"`
	ValidFrom    time.Time      `json:"validFrom"`
	ValidUntil   time.Time      `json:"validUntil"` // zero means open-ended
	Active       bool           `json:"active"`
}

// RunsOn reports whether the schedule applies to the service day of t.
func (s Schedule) RunsOn(t time.Time) bool {
	if !s.Active {
		return false
	}
	day := Midnight(t)
	if !s.ValidFrom.IsZero() && day.Before(Midnight(s.ValidFrom.In(t.Location()))) {
		return false
	}
	if !s.ValidUntil.IsZero() && day.After(Midnight(s.ValidUntil.In(t.Location()))) {
		return false
	}
	for _, d := range s.Days {
		if d == t.Weekday() {
			return true
		}
	}
	return false
}

// Timepoints returns departure times for the service day of day:
// start, start+frequency, ... up to and including end.
func (s Schedule) Timepoints(day time.Time) []time.Time {
	base := Midnight(day)
	start := base.Add(time.Duration(s.StartMinute) * time.Minute)
	end := base.Add(time.Duration(s.EndMinute) * time.Minute)
	if s.Frequency <= 0 {
		return []time.Time{start}
	}
	var out []time.Time
	for t := start; !t.After(end); t = t.Add(s.Frequency) {
		out = append(out, t)
	}
	return out
}

type Trip struct {
	ID               string     `json:"id"`
	RouteID          string     `json:"routeId"`
	ScheduleID       string     `json:"scheduleId,omitempty"`
	DriverID         string     `json:"driverId,omitempty"`
	VehicleID        string     `json:"vehicleId,omitempty"`
	AssignmentID     string     `json:"assignmentId,omitempty"`
	PlannedDeparture time.Time  `json:"plannedDeparture"`
	PlannedArrival   time.Time  `json:"plannedArrival"`
	ActualDeparture  *time.Time `json:"actualDeparture,omitempty"`
	ActualArrival    *time.Time `json:"actualArrival,omitempty"`
	Status           TripStatus `json:"status"`
	Adherence        Adherence  `json:"adherence"`
	DelayMinutes     float64    `json:"delayMinutes"`
	PassengerCount   int        `json:"passengerCount"`
	MaxCapacity      int        `json:"maxCapacity"`
	CancelReason     string     `json:"cancelReason,omitempty"`
	Version          int64      `json:"version"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Allocated reports whether a driver and vehicle are bound to the trip.
func (t Trip) Allocated() bool {
	return t.AssignmentID != "" && t.DriverID != "" && t.VehicleID != ""
}

// Duration is the planned running time of the trip.
func (t Trip) Duration() time.Duration {
	return t.PlannedArrival.Sub(t.PlannedDeparture)
}

type PositionSource string

const (
	SourceDriverDevice PositionSource = "driver_device"
	SourceVehicleUnit  PositionSource = "vehicle_unit"
)

// Position is an immutable telemetry sample.
type Position struct {
	ID           string         `json:"id"`
	TripID       string         `json:"tripId"`
	Lat          float64        `json:"lat"`
	Lon          float64        `json:"lon"`
	SpeedKmh     float64        `json:"speedKmh"`
	Heading      float64        `json:"heading"`
	AccuracyM    float64        `json:"accuracyM"`
	Altitude     *float64       `json:"altitude,omitempty"`
	HDOP         float64        `json:"hdop,omitempty"`
	Satellites   int            `json:"satellites,omitempty"`
	Source       PositionSource `json:"source"`
	Timestamp    time.Time      `json:"timestamp"`
	ReceivedAt   time.Time      `json:"receivedAt"`
	IsValid      bool           `json:"isValid"`
	IsMoving     bool           `json:"isMoving"`
	Warnings     []string       `json:"warnings,omitempty"`
	RejectReason string         `json:"rejectReason,omitempty"`
}

type AssignmentStatus string

const (
	AssignmentPending   AssignmentStatus = "pending"
	AssignmentActive    AssignmentStatus = "active"
	AssignmentCompleted AssignmentStatus = "completed"
	AssignmentCancelled AssignmentStatus = "cancelled"
)

// Blocking reports whether the assignment occupies its driver and vehicle.
func (s AssignmentStatus) Blocking() bool {
	return s == AssignmentPending || s == AssignmentActive
}

// Assignment binds one driver and one vehicle to [From, Until).
type Assignment struct {
	ID        string           `json:"id"`
	DriverID  string           `json:"driverId"`
	VehicleID string           `json:"vehicleId"`
	RouteID   string           `json:"routeId"`
	From      time.Time        `json:"assignedFrom"`
	Until     time.Time        `json:"assignedUntil"`
	Status    AssignmentStatus `json:"status"`
}

// Overlaps reports whether the half-open intervals [a1,b1) and [a2,b2) intersect.
func Overlaps(a1, b1, a2, b2 time.Time) bool {
	return a1.Before(b2) && a2.Before(b1)
}

type ShiftStatus string

const (
	ShiftScheduled ShiftStatus = "scheduled"
	ShiftCompleted ShiftStatus = "completed"
	ShiftCancelled ShiftStatus = "cancelled"
)

type DriverShift struct {
	ID           string      `json:"id"`
	DriverID     string      `json:"driverId"`
	AssignmentID string      `json:"assignmentId"`
	Start        time.Time   `json:"start"`
	End          time.Time   `json:"end"`
	Status       ShiftStatus `json:"status"`
}

const (
	EmploymentActive      = "active"
	AvailabilityAvailable = "available"
	VehicleActive         = "active"
)

type Driver struct {
	ID                 string   `json:"id" yaml:"id"`
	Name               string   `json:"name" yaml:"name"`
	EmploymentStatus   string   `json:"employmentStatus" yaml:"employment_status"`
	AvailabilityStatus string   `json:"availabilityStatus" yaml:"availability_status"`
	PreferredRoutes    []string `json:"preferredRoutes" yaml:"preferred_routes"`
	TotalHours         float64  `json:"totalHours" yaml:"total_hours"`
}

// Eligible reports whether the driver may receive new assignments.
func (d Driver) Eligible() bool {
	return d.EmploymentStatus == EmploymentActive && d.AvailabilityStatus == AvailabilityAvailable
}

// Prefers reports whether routeID is in the driver's preferred routes.
func (d Driver) Prefers(routeID string) bool {
	for _, r := range d.PreferredRoutes {
		if r == routeID {
			return true
		}
	}
	return false
}

type Vehicle struct {
	ID       string `json:"id" yaml:"id"`
	Plate    string `json:"plate" yaml:"plate"`
	Status   string `json:"status" yaml:"status"`
	Capacity int    `json:"capacity" yaml:"capacity"`
}

// StopArrival records the first time a trip reached a stop of its route.
type StopArrival struct {
	TripID    string    `json:"tripId"`
	StopID    string    `json:"stopId"`
	Sequence  int       `json:"sequence"`
	ArrivedAt time.Time `json:"arrivedAt"`
}

type IncidentType string

const (
	IncidentUnplannedStop  IncidentType = "unplanned_stop"
	IncidentMajorDeviation IncidentType = "major_deviation"
	IncidentExcessiveSpeed IncidentType = "excessive_speed"
	IncidentSuddenStop     IncidentType = "sudden_stop"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Escalate returns the next severity level, saturating at critical.
func (s Severity) Escalate() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Interrupts reports whether an incident of this severity interrupts the trip.
func (s Severity) Interrupts() bool {
	return s == SeverityHigh || s == SeverityCritical
}

type Incident struct {
	ID          string       `json:"id"`
	TripID      string       `json:"tripId"`
	Type        IncidentType `json:"type"`
	Severity    Severity     `json:"severity"`
	Lat         float64      `json:"lat"`
	Lon         float64      `json:"lon"`
	Timestamp   time.Time    `json:"timestamp"`
	Description string       `json:"description"`
	Resolved    bool         `json:"resolved"`
	ResolvedAt  *time.Time   `json:"resolvedAt,omitempty"`
}

// HistoryEntry is one line of a trip's modification history. It is audit
// data only.
type HistoryEntry struct {
	TripID    string     `json:"tripId"`
	Action    string     `json:"action"`
	Actor     string     `json:"actor"`
	Reason    string     `json:"reason,omitempty"`
	From      TripStatus `json:"from"`
	To        TripStatus `json:"to"`
	Timestamp time.Time  `json:"timestamp"`
}

// Midnight returns the start of t's day in t's location.
func Midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
