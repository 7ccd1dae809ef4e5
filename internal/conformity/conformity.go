// Package conformity measures how far a vehicle strays from the segment of
// its route it should currently be driving.
package conformity

import (
	"fmt"

	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/geo"
)

type Class string

const (
	ClassMinor          Class = "minor"
	ClassModerate       Class = "moderate"
	ClassMajor          Class = "major"
	ClassWrongDirection Class = "wrong_direction"
)

// Classes lists every classification in report order.
var Classes = []Class{ClassMinor, ClassModerate, ClassMajor, ClassWrongDirection}

type Thresholds struct {
	MinorM              float64
	ModerateM           float64
	HeadingToleranceDeg float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{MinorM: 100, ModerateM: 200, HeadingToleranceDeg: 45}
}

// Segment is the pair of consecutive route stops the vehicle is between.
type Segment struct {
	FromIndex int             `json:"fromIndex"`
	ToIndex   int             `json:"toIndex"`
	From      fleet.RouteStop `json:"from"`
	To        fleet.RouteStop `json:"to"`
}

type Result struct {
	Segment         Segment `json:"segment"`
	DistanceM       float64 `json:"distanceM"`
	ExpectedBearing float64 `json:"expectedBearing"`
	HeadingDelta    float64 `json:"headingDelta"`
	HeadingChecked  bool    `json:"headingChecked"`
	Class           Class   `json:"class"`
}

// Engine is stateless and safe for concurrent use.
type Engine struct {
	th Thresholds
}

func NewEngine(th Thresholds) *Engine {
	return &Engine{th: th}
}

// CurrentSegment returns the segment from the most recently visited stop to
// the next one. Before any arrival the first two stops are used; after the
// final stop the last segment is kept.
func CurrentSegment(r fleet.Route, arrivals []fleet.StopArrival) (Segment, error) {
	n := len(r.Stops)
	if n < 2 {
		return Segment{}, fmt.Errorf("route %s has %d stops: %w", r.ID, n, fleet.ErrInvalidRoute)
	}
	last := -1
	for _, a := range arrivals {
		if i := stopIndex(r, a.Sequence); i > last {
			last = i
		}
	}
	from := last
	if from < 0 {
		from = 0
	}
	if from > n-2 {
		from = n - 2
	}
	return Segment{FromIndex: from, ToIndex: from + 1, From: r.Stops[from], To: r.Stops[from+1]}, nil
}

func stopIndex(r fleet.Route, seq int) int {
	for i, s := range r.Stops {
		if s.Sequence == seq {
			return i
		}
	}
	return -1
}

// Evaluate classifies p against the segment that was current when p was
// recorded. Arrivals later than p.Timestamp are ignored so historical
// samples can be replayed.
func (e *Engine) Evaluate(r fleet.Route, arrivals []fleet.StopArrival, p fleet.Position) (Result, error) {
	var known []fleet.StopArrival
	for _, a := range arrivals {
		if !a.ArrivedAt.After(p.Timestamp) {
			known = append(known, a)
		}
	}
	seg, err := CurrentSegment(r, known)
	if err != nil {
		return Result{}, err
	}

	dist, _ := geo.PointToSegmentDistance(p.Lat, p.Lon, seg.From.Lat, seg.From.Lon, seg.To.Lat, seg.To.Lon)
	res := Result{
		Segment:         seg,
		DistanceM:       dist,
		ExpectedBearing: geo.Bearing(seg.From.Lat, seg.From.Lon, seg.To.Lat, seg.To.Lon),
	}
	// heading of a stationary receiver is noise
	if p.IsMoving {
		res.HeadingChecked = true
		res.HeadingDelta = geo.HeadingDifference(p.Heading, res.ExpectedBearing)
	}

	switch {
	case res.HeadingChecked && res.HeadingDelta > e.th.HeadingToleranceDeg:
		res.Class = ClassWrongDirection
	case dist <= e.th.MinorM:
		res.Class = ClassMinor
	case dist <= e.th.ModerateM:
		res.Class = ClassModerate
	default:
		res.Class = ClassMajor
	}
	return res, nil
}
