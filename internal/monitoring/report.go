package monitoring

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/twpayne/go-polyline"

	"fleet-tracker/internal/clock"
	"fleet-tracker/internal/conformity"
	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/store"
)

const (
	// ExpectedInterval is the reporting cadence tracking quality is measured against.
	ExpectedInterval = 30 * time.Second
	// GapThreshold is the silence between valid samples recorded as a gap.
	GapThreshold = 60 * time.Second
)

// Query selects the trips of a report: one trip by ID, or the trips whose
// planned departure falls in [From, To). A zero range means today.
type Query struct {
	TripID string
	From   time.Time
	To     time.Time
}

type Gap struct {
	TripID  string    `json:"tripId"`
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
	Seconds float64   `json:"seconds"`
}

type Quality struct {
	ValidPositions    int     `json:"validPositions"`
	ExpectedPositions int     `json:"expectedPositions"`
	Ratio             float64 `json:"ratio"`
	Gaps              []Gap   `json:"gaps"`
}

type Summary struct {
	Total            int     `json:"total"`
	Completed        int     `json:"completed"`
	Cancelled        int     `json:"cancelled"`
	Interrupted      int     `json:"interrupted"`
	CompletionRate   float64 `json:"completionRate"`
	CancellationRate float64 `json:"cancellationRate"`
	InterruptionRate float64 `json:"interruptionRate"`
}

type Report struct {
	From        time.Time                `json:"from"`
	To          time.Time                `json:"to"`
	TripID      string                   `json:"tripId,omitempty"`
	Punctuality map[Bucket]int           `json:"punctuality"`
	Conformity  map[conformity.Class]int `json:"conformity"`
	Quality     Quality                  `json:"quality"`
	Summary     Summary                  `json:"summary"`
	// Delay and Polyline are filled for single-trip reports.
	Delay    *DelayEstimate `json:"delay,omitempty"`
	Polyline string         `json:"polyline,omitempty"`
}

// Source is the read-only data the analyzer aggregates.
type Source interface {
	store.RouteReader
	Trip(ctx context.Context, id string) (fleet.Trip, error)
	TripsBetween(ctx context.Context, from, to time.Time) ([]fleet.Trip, error)
	StopArrivals(ctx context.Context, tripID string) ([]fleet.StopArrival, error)
	Positions(ctx context.Context, tripID string, since time.Time, validOnly bool) ([]fleet.Position, error)
}

type Analyzer struct {
	src          Source
	engine       *conformity.Engine
	clock        clock.Clock
	recoveryRate float64
}

func NewAnalyzer(src Source, engine *conformity.Engine, clk clock.Clock, recoveryRate float64) *Analyzer {
	return &Analyzer{src: src, engine: engine, clock: clk, recoveryRate: recoveryRate}
}

// RecoveryRate returns the configured delay recovery rate.
func (a *Analyzer) RecoveryRate() float64 { return a.recoveryRate }

// Analyze builds the report selected by q.
func (a *Analyzer) Analyze(ctx context.Context, q Query) (Report, error) {
	now := a.clock.Now()
	var trips []fleet.Trip
	if q.TripID != "" {
		t, err := a.src.Trip(ctx, q.TripID)
		if err != nil {
			return Report{}, err
		}
		trips = []fleet.Trip{t}
		q.From, q.To = t.PlannedDeparture, t.PlannedArrival
	} else {
		if q.From.IsZero() && q.To.IsZero() {
			q.From = fleet.Midnight(now)
			q.To = q.From.AddDate(0, 0, 1)
		}
		if !q.To.After(q.From) {
			return Report{}, fmt.Errorf("%w: report range", fleet.ErrInvalidWindow)
		}
		var err error
		trips, err = a.src.TripsBetween(ctx, q.From, q.To)
		if err != nil {
			return Report{}, fmt.Errorf("load trips: %w", err)
		}
	}

	rep := Report{
		From:        q.From,
		To:          q.To,
		TripID:      q.TripID,
		Punctuality: Punctuality(trips),
		Conformity:  make(map[conformity.Class]int, len(conformity.Classes)),
		Summary:     summarize(trips),
	}
	for _, c := range conformity.Classes {
		rep.Conformity[c] = 0
	}

	routes := make(map[string]fleet.Route)
	for _, t := range trips {
		route, ok := routes[t.RouteID]
		if !ok {
			r, err := a.src.Route(ctx, t.RouteID)
			if err != nil {
				return Report{}, err
			}
			routes[t.RouteID], route = r, r
		}
		arrivals, err := a.src.StopArrivals(ctx, t.ID)
		if err != nil {
			return Report{}, fmt.Errorf("load stop arrivals: %w", err)
		}
		valid, err := a.src.Positions(ctx, t.ID, time.Time{}, true)
		if err != nil {
			return Report{}, fmt.Errorf("load positions: %w", err)
		}

		for _, p := range valid {
			res, err := a.engine.Evaluate(route, arrivals, p)
			if err != nil {
				break
			}
			rep.Conformity[res.Class]++
		}
		a.addQuality(&rep.Quality, t, valid, now)

		if q.TripID != "" {
			est := EstimateDelay(t, route, arrivals, now, a.recoveryRate)
			rep.Delay = &est
			rep.Polyline = encodeTrack(valid)
		}
	}
	if rep.Quality.ExpectedPositions > 0 {
		rep.Quality.Ratio = math.Min(1, float64(rep.Quality.ValidPositions)/float64(rep.Quality.ExpectedPositions))
	}
	return rep, nil
}

// addQuality counts valid samples between departure and the end of tracking
// against one sample per ExpectedInterval and records silences longer than
// GapThreshold.
func (a *Analyzer) addQuality(q *Quality, t fleet.Trip, valid []fleet.Position, now time.Time) {
	if t.ActualDeparture == nil {
		return
	}
	start := *t.ActualDeparture
	end := trackingEnd(t, valid, now)
	if end.Before(start) {
		return
	}
	q.ExpectedPositions += int(end.Sub(start)/ExpectedInterval) + 1

	var prev *fleet.Position
	for i := range valid {
		p := &valid[i]
		if p.Timestamp.Before(start) || p.Timestamp.After(end) {
			continue
		}
		q.ValidPositions++
		if prev != nil {
			if d := p.Timestamp.Sub(prev.Timestamp); d > GapThreshold {
				q.Gaps = append(q.Gaps, Gap{TripID: t.ID, From: prev.Timestamp, To: p.Timestamp, Seconds: d.Seconds()})
			}
		}
		prev = p
	}
}

// trackingEnd is the arrival of a completed trip, the terminating transition
// of a cancelled or interrupted one (its last valid sample when that is
// unknown), and now for a running trip.
func trackingEnd(t fleet.Trip, valid []fleet.Position, now time.Time) time.Time {
	switch {
	case t.ActualArrival != nil:
		return *t.ActualArrival
	case t.Status == fleet.StatusCancelled, t.Status == fleet.StatusInterrupted:
		if !t.UpdatedAt.IsZero() && t.UpdatedAt.Before(now) {
			return t.UpdatedAt
		}
		if len(valid) > 0 {
			return valid[len(valid)-1].Timestamp
		}
		return *t.ActualDeparture
	default:
		return now
	}
}

func summarize(trips []fleet.Trip) Summary {
	s := Summary{Total: len(trips)}
	for _, t := range trips {
		switch t.Status {
		case fleet.StatusCompleted:
			s.Completed++
		case fleet.StatusCancelled:
			s.Cancelled++
		case fleet.StatusInterrupted:
			s.Interrupted++
		}
	}
	if s.Total > 0 {
		n := float64(s.Total)
		s.CompletionRate = float64(s.Completed) / n
		s.CancellationRate = float64(s.Cancelled) / n
		s.InterruptionRate = float64(s.Interrupted) / n
	}
	return s
}

// encodeTrack returns the Google encoded polyline of the samples.
func encodeTrack(ps []fleet.Position) string {
	if len(ps) == 0 {
		return ""
	}
	coords := make([][]float64, 0, len(ps))
	for _, p := range ps {
		coords = append(coords, []float64{p.Lat, p.Lon})
	}
	return string(polyline.EncodeCoords(coords))
}
