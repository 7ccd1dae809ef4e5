package fleet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeAdherence(t *testing.T) {
	planned := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		actual    time.Time
		wantDelay float64
		want      Adherence
	}{
		{"exact", planned, 0, AdherenceOnTime},
		{"five minutes late is on time", planned.Add(5 * time.Minute), 5, AdherenceOnTime},
		{"five minutes early is on time", planned.Add(-5 * time.Minute), -5, AdherenceOnTime},
		{"six minutes late", planned.Add(6 * time.Minute), 6, AdherenceDelayed},
		{"six minutes early", planned.Add(-6 * time.Minute), -6, AdherenceEarly},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delay, adh := ComputeAdherence(planned, tt.actual)
			assert.InDelta(t, tt.wantDelay, delay, 1e-9)
			assert.Equal(t, tt.want, adh)
		})
	}

	_, adh := ComputeAdherence(time.Time{}, planned)
	assert.Equal(t, AdherenceUnknown, adh)
}

func TestTripStatus(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusInterrupted.Terminal())
	assert.True(t, StatusDelayed.Running())
	assert.True(t, StatusPlanned.Active())
	assert.False(t, StatusInterrupted.Active())
}

func TestOverlaps(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2024, 1, 1, h, m, 0, 0, time.UTC) }

	assert.True(t, Overlaps(at(8, 0), at(9, 0), at(8, 30), at(9, 15)))
	assert.True(t, Overlaps(at(8, 30), at(9, 15), at(8, 0), at(9, 0)))
	// half-open: touching intervals do not overlap
	assert.False(t, Overlaps(at(8, 0), at(9, 0), at(9, 0), at(10, 0)))
	assert.False(t, Overlaps(at(10, 0), at(11, 0), at(8, 0), at(9, 0)))
}

func TestScheduleTimepoints(t *testing.T) {
	s := Schedule{StartMinute: 8 * 60, EndMinute: 9 * 60, Frequency: 20 * time.Minute}
	day := time.Date(2024, 1, 1, 15, 0, 0, 0, time.UTC)

	points := s.Timepoints(day)
	assert.Equal(t, []time.Time{
		time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 8, 20, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 8, 40, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
	}, points)
}

func TestScheduleRunsOn(t *testing.T) {
	monday := time.Date(2024, 1, 1, 7, 0, 0, 0, time.UTC)
	s := Schedule{
		Active:     true,
		Days:       []time.Weekday{time.Monday, time.Wednesday},
		ValidFrom:  time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC),
		ValidUntil: time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
	}
	assert.True(t, s.RunsOn(monday))
	assert.False(t, s.RunsOn(monday.AddDate(0, 0, 1)))
	assert.False(t, s.RunsOn(monday.AddDate(0, 2, 0)))

	s.Active = false
	assert.False(t, s.RunsOn(monday))
}

func TestRouteOffsets(t *testing.T) {
	r := Route{Stops: []RouteStop{
		{Sequence: 1},
		{Sequence: 2, TravelTimeFromPrev: 4 * time.Minute},
		{Sequence: 3, TravelTimeFromPrev: 6 * time.Minute},
	}}
	assert.Equal(t, 10*time.Minute, r.TotalTravelTime())
	assert.Equal(t, time.Duration(0), r.ScheduledOffset(0))
	assert.Equal(t, 4*time.Minute, r.ScheduledOffset(1))
	assert.Equal(t, 10*time.Minute, r.ScheduledOffset(2))
}

func TestSeverityEscalate(t *testing.T) {
	assert.Equal(t, SeverityMedium, SeverityLow.Escalate())
	assert.Equal(t, SeverityHigh, SeverityMedium.Escalate())
	assert.Equal(t, SeverityCritical, SeverityHigh.Escalate())
	assert.Equal(t, SeverityCritical, SeverityCritical.Escalate())
	assert.True(t, SeverityHigh.Interrupts())
	assert.False(t, SeverityMedium.Interrupts())
}
