// Package emergency inspects the recent telemetry of running trips for
// anomalies and opens incidents for them.
package emergency

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"fleet-tracker/internal/clock"
	"fleet-tracker/internal/conformity"
	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/geo"
	"fleet-tracker/internal/lifecycle"
	"fleet-tracker/internal/logging"
	"fleet-tracker/internal/store"
)

const Actor = "emergency_detector"

type Thresholds struct {
	Window               time.Duration
	MinStopDuration      time.Duration
	MediumStopDuration   time.Duration
	HighStopDuration     time.Duration
	FarFromStopM         float64
	SpeedWindow          time.Duration
	MinSpeedSamples      int
	SpeedExcessKmh       float64
	SuddenDecelKmhPerSec float64
	Dedup                time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Window:               10 * time.Minute,
		MinStopDuration:      5 * time.Minute,
		MediumStopDuration:   10 * time.Minute,
		HighStopDuration:     20 * time.Minute,
		FarFromStopM:         300,
		SpeedWindow:          5 * time.Minute,
		MinSpeedSamples:      2,
		SpeedExcessKmh:       20,
		SuddenDecelKmhPerSec: 30,
		Dedup:                5 * time.Minute,
	}
}

// Input is everything the detector looks at for one trip on one tick.
type Input struct {
	Trip  fleet.Trip
	Index *geo.StopIndex
	// Window holds the trip's valid samples ordered by timestamp, newest last.
	Window []fleet.Position
	// Conformity classifies the newest sample, nil when it could not be scored.
	Conformity *conformity.Result
}

// Interrupter is the lifecycle transition triggered by severe incidents.
type Interrupter interface {
	Interrupt(ctx context.Context, tripID, actor, reason string) (lifecycle.Outcome, error)
}

// Report lists what one inspection produced.
type Report struct {
	Incidents   []fleet.Incident
	Events      []fleet.Event
	Interrupted bool
}

type Detector struct {
	incidents store.IncidentStore
	positions store.PositionStore
	lifecycle Interrupter
	clock     clock.Clock
	th        Thresholds
	logger    *slog.Logger
}

// NewDetector builds a detector. positions, when non-nil, is read to find
// the start of stationary runs older than the inspected window.
func NewDetector(incidents store.IncidentStore, positions store.PositionStore, lc Interrupter, clk clock.Clock, th Thresholds) *Detector {
	return &Detector{
		incidents: incidents,
		positions: positions,
		lifecycle: lc,
		clock:     clk,
		th:        th,
		logger:    logging.Component("emergency"),
	}
}

// Thresholds returns the active thresholds.
func (d *Detector) Thresholds() Thresholds { return d.th }

type finding struct {
	typ         fleet.IncidentType
	severity    fleet.Severity
	description string
}

// Inspect runs every detection rule against in and records the incidents
// that are not duplicates of a recent one.
func (d *Detector) Inspect(ctx context.Context, in Input) (Report, error) {
	var rep Report
	if !in.Trip.Status.Running() || len(in.Window) == 0 {
		return rep, nil
	}
	latest := in.Window[len(in.Window)-1]
	now := d.clock.Now()

	var findings []finding
	f, ok, err := d.unplannedStop(ctx, in)
	if err != nil {
		return rep, err
	}
	if ok {
		findings = append(findings, f)
	}
	if in.Conformity != nil && in.Conformity.Class == conformity.ClassMajor {
		findings = append(findings, finding{
			typ:         fleet.IncidentMajorDeviation,
			severity:    fleet.SeverityHigh,
			description: fmt.Sprintf("vehicle %.0f m off segment %s-%s", in.Conformity.DistanceM, in.Conformity.Segment.From.ID, in.Conformity.Segment.To.ID),
		})
	}
	if f, ok := d.excessiveSpeed(in.Window); ok {
		findings = append(findings, f)
	}
	if f, ok := d.suddenStop(in.Window); ok {
		findings = append(findings, f)
	}

	var interruptReason string
	for _, f := range findings {
		prev, found, err := d.incidents.LatestIncident(ctx, in.Trip.ID, f.typ)
		if err != nil {
			return rep, fmt.Errorf("load latest %s incident: %w", f.typ, err)
		}
		if found && now.Sub(prev.Timestamp) < d.th.Dedup {
			continue
		}
		incident := fleet.Incident{
			ID:          uuid.NewString(),
			TripID:      in.Trip.ID,
			Type:        f.typ,
			Severity:    f.severity,
			Lat:         latest.Lat,
			Lon:         latest.Lon,
			Timestamp:   now,
			Description: f.description,
		}
		if err := d.incidents.CreateIncident(ctx, incident); err != nil {
			return rep, fmt.Errorf("create incident: %w", err)
		}
		d.logger.Warn("incident detected", "trip", in.Trip.ID, "type", f.typ, "severity", f.severity)
		rep.Incidents = append(rep.Incidents, incident)
		rep.Events = append(rep.Events, fleet.IncidentEvent(incident))
		if f.severity.Interrupts() {
			rep.Events = append(rep.Events, fleet.NotificationEvent(incident))
			if interruptReason == "" {
				interruptReason = string(f.typ) + ": " + f.description
			}
		}
	}

	if interruptReason != "" && d.lifecycle != nil {
		out, err := d.lifecycle.Interrupt(ctx, in.Trip.ID, Actor, interruptReason)
		if err != nil {
			return rep, fmt.Errorf("interrupt trip: %w", err)
		}
		rep.Interrupted = out.Transitioned
		rep.Events = append(rep.Events, out.Events...)
	}
	return rep, nil
}

// unplannedStop looks at the trailing run of stationary samples outside
// every stop radius. A run that reaches back past the window is followed
// into the stored history.
func (d *Detector) unplannedStop(ctx context.Context, in Input) (finding, bool, error) {
	w := in.Window
	latest := w[len(w)-1]
	if latest.IsMoving || in.Index == nil || in.Index.AtAnyStop(latest.Lat, latest.Lon) {
		return finding{}, false, nil
	}
	start := latest.Timestamp
	broken := false
	for i := len(w) - 2; i >= 0; i-- {
		p := w[i]
		if p.IsMoving || in.Index.AtAnyStop(p.Lat, p.Lon) {
			broken = true
			break
		}
		start = p.Timestamp
	}
	if !broken {
		var err error
		if start, err = d.stopBegan(ctx, in, start); err != nil {
			return finding{}, false, err
		}
	}
	stopped := latest.Timestamp.Sub(start)
	if stopped < d.th.MinStopDuration {
		return finding{}, false, nil
	}

	severity := fleet.SeverityLow
	switch {
	case stopped >= d.th.HighStopDuration:
		severity = fleet.SeverityHigh
	case stopped >= d.th.MediumStopDuration:
		severity = fleet.SeverityMedium
	}
	desc := fmt.Sprintf("stationary for %s", stopped.Round(time.Second))
	if hit, ok := in.Index.Nearest(latest.Lat, latest.Lon); ok {
		desc += fmt.Sprintf(", %.0f m from stop %s", hit.DistanceM, hit.Stop.ID)
		if hit.DistanceM > d.th.FarFromStopM {
			severity = severity.Escalate()
		}
	}
	return finding{typ: fleet.IncidentUnplannedStop, severity: severity, description: desc}, true, nil
}

// stopBegan walks the stored samples before start backwards, one
// HighStopDuration page at a time, until a moving or at-stop sample ends the
// run. The walk never goes past the trip's departure.
func (d *Detector) stopBegan(ctx context.Context, in Input, start time.Time) (time.Time, error) {
	if d.positions == nil {
		return start, nil
	}
	step := max(d.th.HighStopDuration, d.th.Window, time.Minute)
	var floor time.Time
	if in.Trip.ActualDeparture != nil {
		floor = *in.Trip.ActualDeparture
	}
	for start.After(floor) {
		since := start.Add(-step)
		if since.Before(floor) {
			since = floor
		}
		page, err := d.positions.Positions(ctx, in.Trip.ID, since, true)
		if err != nil {
			return start, fmt.Errorf("load earlier positions: %w", err)
		}
		n := sort.Search(len(page), func(i int) bool { return !page[i].Timestamp.Before(start) })
		if n == 0 {
			return start, nil
		}
		for i := n - 1; i >= 0; i-- {
			p := page[i]
			if p.IsMoving || in.Index.AtAnyStop(p.Lat, p.Lon) {
				return start, nil
			}
			start = p.Timestamp
		}
	}
	return start, nil
}

// excessiveSpeed compares the newest speed with the average of the samples
// in the preceding speed window.
func (d *Detector) excessiveSpeed(w []fleet.Position) (finding, bool) {
	latest := w[len(w)-1]
	since := latest.Timestamp.Add(-d.th.SpeedWindow)
	var sum float64
	var n int
	for _, p := range w[:len(w)-1] {
		if p.Timestamp.Before(since) {
			continue
		}
		sum += p.SpeedKmh
		n++
	}
	if n < d.th.MinSpeedSamples {
		return finding{}, false
	}
	avg := sum / float64(n)
	if latest.SpeedKmh-avg <= d.th.SpeedExcessKmh {
		return finding{}, false
	}
	return finding{
		typ:         fleet.IncidentExcessiveSpeed,
		severity:    fleet.SeverityHigh,
		description: fmt.Sprintf("speed %.0f km/h against %.0f km/h average", latest.SpeedKmh, avg),
	}, true
}

func (d *Detector) suddenStop(w []fleet.Position) (finding, bool) {
	if len(w) < 2 {
		return finding{}, false
	}
	prev, latest := w[len(w)-2], w[len(w)-1]
	elapsed := latest.Timestamp.Sub(prev.Timestamp).Seconds()
	if elapsed <= 0 {
		return finding{}, false
	}
	decel := (prev.SpeedKmh - latest.SpeedKmh) / elapsed
	if decel <= d.th.SuddenDecelKmhPerSec {
		return finding{}, false
	}
	return finding{
		typ:         fleet.IncidentSuddenStop,
		severity:    fleet.SeverityCritical,
		description: fmt.Sprintf("deceleration of %.0f km/h per second", decel),
	}, true
}
