package geo

import (
	"math"

	"github.com/tidwall/rtree"

	"fleet-tracker/internal/fleet"
)

// DefaultStopRadiusM applies to stops that carry no radius of their own.
const DefaultStopRadiusM = 50.0

// StopIndex is a spatial index over one route's stops. It is built once per
// route and shared read-only across ticks.
type StopIndex struct {
	route fleet.Route
	tree  rtree.RTreeG[int]
}

// StopHit is a stop found by an index query.
type StopHit struct {
	Index     int // position in Route.Stops
	Stop      fleet.RouteStop
	DistanceM float64
}

// NewStopIndex indexes the stops of r by their tolerance radius.
func NewStopIndex(r fleet.Route) *StopIndex {
	idx := &StopIndex{route: r}
	for i, s := range r.Stops {
		b := BoundsAround(s.Lat, s.Lon, stopRadius(s.Stop))
		idx.tree.Insert([2]float64{b.MinLon, b.MinLat}, [2]float64{b.MaxLon, b.MaxLat}, i)
	}
	return idx
}

func stopRadius(s fleet.Stop) float64 {
	if s.RadiusM > 0 {
		return s.RadiusM
	}
	return DefaultStopRadiusM
}

// Route returns the indexed route.
func (x *StopIndex) Route() fleet.Route { return x.route }

// Within returns the stops whose tolerance radius contains (lat, lon),
// ordered by route sequence.
func (x *StopIndex) Within(lat, lon float64) []StopHit {
	var hits []StopHit
	pt := [2]float64{lon, lat}
	x.tree.Search(pt, pt, func(_, _ [2]float64, i int) bool {
		s := x.route.Stops[i]
		if d := Distance(lat, lon, s.Lat, s.Lon); d <= stopRadius(s.Stop) {
			hits = append(hits, StopHit{Index: i, Stop: s, DistanceM: d})
		}
		return true
	})
	// insertion sort: hits are few and usually already ordered
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].Index < hits[j-1].Index; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
	return hits
}

// Nearest returns the closest stop to (lat, lon). ok is false for an empty route.
func (x *StopIndex) Nearest(lat, lon float64) (hit StopHit, ok bool) {
	best := math.MaxFloat64
	for i, s := range x.route.Stops {
		if d := Distance(lat, lon, s.Lat, s.Lon); d < best {
			best = d
			hit = StopHit{Index: i, Stop: s, DistanceM: d}
			ok = true
		}
	}
	return hit, ok
}

// AtAnyStop reports whether (lat, lon) is inside any stop's radius.
func (x *StopIndex) AtAnyStop(lat, lon float64) bool {
	return len(x.Within(lat, lon)) > 0
}
