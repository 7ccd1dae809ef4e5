package fleet

import (
	"math"
	"time"
)

// AdherenceThreshold is the band around the plan that still counts as on time.
const AdherenceThreshold = 5 * time.Minute

// ComputeAdherence returns the delay in minutes of actual relative to planned
// and its adherence label: on_time within ±5 min, early before, delayed after.
func ComputeAdherence(planned, actual time.Time) (float64, Adherence) {
	if planned.IsZero() || actual.IsZero() {
		return 0, AdherenceUnknown
	}
	delay := actual.Sub(planned).Minutes()
	return delay, ClassifyDelay(delay)
}

// ClassifyDelay labels a delay expressed in minutes.
func ClassifyDelay(delayMinutes float64) Adherence {
	limit := AdherenceThreshold.Minutes()
	switch {
	case math.Abs(delayMinutes) <= limit:
		return AdherenceOnTime
	case delayMinutes < -limit:
		return AdherenceEarly
	default:
		return AdherenceDelayed
	}
}
