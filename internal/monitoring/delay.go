// Package monitoring derives delay estimates and punctuality, conformity and
// tracking-quality reports. Nothing in it mutates trips or positions.
package monitoring

import (
	"math"
	"time"

	"fleet-tracker/internal/fleet"
)

// DefaultRecoveryRate is the share of the current delay a trip is expected
// to make up at each downstream stop.
const DefaultRecoveryRate = 0.1

const (
	BasisNotDeparted = "not_departed"
	BasisDeparture   = "departure"
	BasisStopArrival = "stop_arrival"
)

type StopPrediction struct {
	StopID           string    `json:"stopId"`
	Sequence         int       `json:"sequence"`
	ScheduledArrival time.Time `json:"scheduledArrival"`
	PredictedArrival time.Time `json:"predictedArrival"`
	DelayMinutes     float64   `json:"delayMinutes"`
}

type DelayEstimate struct {
	TripID       string           `json:"tripId"`
	DelayMinutes float64          `json:"delayMinutes"`
	Adherence    fleet.Adherence  `json:"adherence"`
	Basis        string           `json:"basis"`
	Predictions  []StopPrediction `json:"predictions,omitempty"`
}

// EstimateDelay measures the trip's current delay from its latest stop
// arrival, falling back to the departure delay. A trip that has not left
// yet is as late as the time elapsed since its planned departure.
// Downstream stops get the delay decayed by recoveryRate per stop.
func EstimateDelay(t fleet.Trip, r fleet.Route, arrivals []fleet.StopArrival, now time.Time, recoveryRate float64) DelayEstimate {
	est := DelayEstimate{TripID: t.ID}
	last := -1
	var lastArrival fleet.StopArrival
	for _, a := range arrivals {
		for i, s := range r.Stops {
			if s.Sequence == a.Sequence && i > last {
				last, lastArrival = i, a
			}
		}
	}

	switch {
	case last >= 0:
		scheduled := t.PlannedDeparture.Add(r.ScheduledOffset(last))
		est.DelayMinutes = lastArrival.ArrivedAt.Sub(scheduled).Minutes()
		est.Basis = BasisStopArrival
	case t.ActualDeparture != nil:
		est.DelayMinutes = t.ActualDeparture.Sub(t.PlannedDeparture).Minutes()
		est.Basis = BasisDeparture
	default:
		est.DelayMinutes = math.Max(0, now.Sub(t.PlannedDeparture).Minutes())
		est.Basis = BasisNotDeparted
	}
	est.Adherence = fleet.ClassifyDelay(est.DelayMinutes)

	if recoveryRate < 0 || recoveryRate > 1 {
		recoveryRate = DefaultRecoveryRate
	}
	ref := max(last, 0)
	for i := ref + 1; i < len(r.Stops); i++ {
		delay := est.DelayMinutes * math.Pow(1-recoveryRate, float64(i-ref))
		scheduled := t.PlannedDeparture.Add(r.ScheduledOffset(i))
		est.Predictions = append(est.Predictions, StopPrediction{
			StopID:           r.Stops[i].ID,
			Sequence:         r.Stops[i].Sequence,
			ScheduledArrival: scheduled,
			PredictedArrival: scheduled.Add(time.Duration(delay * float64(time.Minute))),
			DelayMinutes:     delay,
		})
	}
	return est
}

type Bucket string

const (
	BucketEarly        Bucket = "early"
	BucketOnTime       Bucket = "on_time"
	BucketSlightlyLate Bucket = "slightly_late"
	BucketLate         Bucket = "late"
	BucketVeryLate     Bucket = "very_late"
)

// Buckets lists every punctuality bucket in report order.
var Buckets = []Bucket{BucketEarly, BucketOnTime, BucketSlightlyLate, BucketLate, BucketVeryLate}

// PunctualityBucket places a delay in the 5/10/20-minute bands.
func PunctualityBucket(delayMinutes float64) Bucket {
	limit := fleet.AdherenceThreshold.Minutes()
	switch {
	case delayMinutes < -limit:
		return BucketEarly
	case delayMinutes <= limit:
		return BucketOnTime
	case delayMinutes <= 10:
		return BucketSlightlyLate
	case delayMinutes <= 20:
		return BucketLate
	default:
		return BucketVeryLate
	}
}

// TripDelay is the delay a trip is judged by: arrival delay once completed,
// otherwise the last stored estimate. Trips that never ran have none.
func TripDelay(t fleet.Trip) (float64, bool) {
	switch {
	case t.Status == fleet.StatusCompleted && t.ActualArrival != nil && !t.PlannedArrival.IsZero():
		return t.ActualArrival.Sub(t.PlannedArrival).Minutes(), true
	case t.ActualDeparture != nil:
		return t.DelayMinutes, true
	default:
		return 0, false
	}
}

// Punctuality counts trips per bucket. Every bucket is present.
func Punctuality(trips []fleet.Trip) map[Bucket]int {
	out := make(map[Bucket]int, len(Buckets))
	for _, b := range Buckets {
		out[b] = 0
	}
	for _, t := range trips {
		if d, ok := TripDelay(t); ok {
			out[PunctualityBucket(d)]++
		}
	}
	return out
}
