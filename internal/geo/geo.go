// Package geo provides the distance, bearing and projection primitives used
// by all spatial logic.
package geo

import (
	"fmt"
	"math"

	"fleet-tracker/internal/fleet"
)

// EarthRadiusM is the mean Earth radius in meters.
const EarthRadiusM = 6371000.0

func toRad(d float64) float64 { return d * math.Pi / 180 }

// ValidateCoordinate fails with fleet.ErrInvalidCoordinate when lat or lon
// is out of range or not a number.
func ValidateCoordinate(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.Abs(lat) > 90 || math.Abs(lon) > 180 {
		return fmt.Errorf("%w: lat=%v lon=%v", fleet.ErrInvalidCoordinate, lat, lon)
	}
	return nil
}

// Distance is the haversine great-circle distance in meters.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusM * c
}

// Bearing is the initial bearing from the first point to the second, in
// degrees clockwise from north within [0, 360).
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	y := math.Sin(toRad(lon2-lon1)) * math.Cos(toRad(lat2))
	x := math.Cos(toRad(lat1))*math.Sin(toRad(lat2)) - math.Sin(toRad(lat1))*math.Cos(toRad(lat2))*math.Cos(toRad(lon2-lon1))
	brng := math.Atan2(y, x) * 180 / math.Pi
	if brng < 0 {
		brng += 360
	}
	return brng
}

// HeadingDifference is the smallest angle between two headings, in [0, 180].
func HeadingDifference(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}

// PointToSegmentDistance returns the distance in meters from (lat, lon) to
// the segment a→b and the fraction t in [0,1] of the closest point along it.
// It projects onto an equirectangular plane centered on the point, which is
// accurate for the segment lengths found between stops.
func PointToSegmentDistance(lat, lon, aLat, aLon, bLat, bLon float64) (dist, t float64) {
	cosLat0 := math.Cos(toRad(lat))
	toXY := func(pLat, pLon float64) (x, y float64) {
		y = toRad(pLat-lat) * EarthRadiusM
		x = toRad(pLon-lon) * EarthRadiusM * cosLat0
		return
	}
	x0, y0 := toXY(aLat, aLon)
	x1, y1 := toXY(bLat, bLon)
	dx := x1 - x0
	dy := y1 - y0
	segLen2 := dx*dx + dy*dy
	if segLen2 > 0 {
		t = -(x0*dx + y0*dy) / segLen2
		if t < 0 {
			t = 0
		} else if t > 1 {
			t = 1
		}
	}
	px := x0 + t*dx
	py := y0 + t*dy
	return math.Sqrt(px*px + py*py), t
}

// Bounds is a lat/lon bounding box.
type Bounds struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

// BoundsAround returns the box containing every point within radius meters of (lat, lon).
func BoundsAround(lat, lon, radius float64) Bounds {
	latOffset := radius / EarthRadiusM * 180 / math.Pi
	lonRadius := math.Cos(toRad(lat)) * EarthRadiusM
	lonOffset := 180.0
	if lonRadius > 1e-9 {
		lonOffset = math.Min(radius/lonRadius*180/math.Pi, 180)
	}
	return Bounds{
		MinLat: lat - latOffset,
		MaxLat: lat + latOffset,
		MinLon: lon - lonOffset,
		MaxLon: lon + lonOffset,
	}
}
