package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-polyline"

	"fleet-tracker/internal/clock"
	"fleet-tracker/internal/conformity"
	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/store"
)

var t0 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

func testRoute() fleet.Route {
	stop := func(id string, seq int, lat float64, travel time.Duration) fleet.RouteStop {
		return fleet.RouteStop{Stop: fleet.Stop{ID: id, Lat: lat, Lon: 2.0, RadiusM: 50}, Sequence: seq, TravelTimeFromPrev: travel}
	}
	return fleet.Route{ID: "R1", Stops: []fleet.RouteStop{
		stop("A", 1, 41.00, 0),
		stop("B", 2, 41.01, 10*time.Minute),
		stop("C", 3, 41.02, 10*time.Minute),
		stop("D", 4, 41.03, 10*time.Minute),
	}}
}

func TestPunctualityBucket(t *testing.T) {
	tests := []struct {
		delay float64
		want  Bucket
	}{
		{-10, BucketEarly},
		{-5, BucketOnTime},
		{0, BucketOnTime},
		{5, BucketOnTime},
		{7, BucketSlightlyLate},
		{10, BucketSlightlyLate},
		{15, BucketLate},
		{20, BucketLate},
		{45, BucketVeryLate},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PunctualityBucket(tt.delay), "delay %v", tt.delay)
	}
}

func TestEstimateDelay(t *testing.T) {
	r := testRoute()
	trip := fleet.Trip{ID: "T1", PlannedDeparture: t0, PlannedArrival: t0.Add(30 * time.Minute)}

	t.Run("not departed", func(t *testing.T) {
		est := EstimateDelay(trip, r, nil, t0.Add(8*time.Minute), 0.1)
		assert.Equal(t, BasisNotDeparted, est.Basis)
		assert.InDelta(t, 8, est.DelayMinutes, 1e-9)
		assert.Equal(t, fleet.AdherenceDelayed, est.Adherence)
		require.Len(t, est.Predictions, 3)
		assert.InDelta(t, 8*0.9, est.Predictions[0].DelayMinutes, 1e-9)
		assert.InDelta(t, 8*0.729, est.Predictions[2].DelayMinutes, 1e-9)
	})

	t.Run("not departed before planned", func(t *testing.T) {
		est := EstimateDelay(trip, r, nil, t0.Add(-8*time.Minute), 0.1)
		assert.Zero(t, est.DelayMinutes)
	})

	t.Run("departed", func(t *testing.T) {
		tr := trip
		tr.ActualDeparture = ptr(t0.Add(3 * time.Minute))
		est := EstimateDelay(tr, r, nil, t0.Add(20*time.Minute), 0.1)
		assert.Equal(t, BasisDeparture, est.Basis)
		assert.InDelta(t, 3, est.DelayMinutes, 1e-9)
		assert.Equal(t, fleet.AdherenceOnTime, est.Adherence)
	})

	t.Run("stop arrival", func(t *testing.T) {
		tr := trip
		tr.ActualDeparture = ptr(t0)
		arrivals := []fleet.StopArrival{
			{StopID: "A", Sequence: 1, ArrivedAt: t0},
			{StopID: "C", Sequence: 3, ArrivedAt: t0.Add(32 * time.Minute)},
		}
		est := EstimateDelay(tr, r, arrivals, t0.Add(33*time.Minute), 0.5)
		assert.Equal(t, BasisStopArrival, est.Basis)
		assert.InDelta(t, 12, est.DelayMinutes, 1e-9)
		require.Len(t, est.Predictions, 1)
		p := est.Predictions[0]
		assert.Equal(t, "D", p.StopID)
		assert.InDelta(t, 6, p.DelayMinutes, 1e-9)
		assert.Equal(t, t0.Add(30*time.Minute), p.ScheduledArrival)
		assert.Equal(t, t0.Add(36*time.Minute), p.PredictedArrival)
	})
}

func TestPunctuality(t *testing.T) {
	trips := []fleet.Trip{
		{ID: "planned", Status: fleet.StatusPlanned},
		{ID: "running", Status: fleet.StatusDelayed, ActualDeparture: ptr(t0), DelayMinutes: 12},
		{ID: "done", Status: fleet.StatusCompleted, ActualDeparture: ptr(t0), PlannedArrival: t0.Add(30 * time.Minute),
			ActualArrival: ptr(t0.Add(32 * time.Minute))},
	}
	got := Punctuality(trips)
	assert.Equal(t, 1, got[BucketLate])
	assert.Equal(t, 1, got[BucketOnTime])
	assert.Equal(t, 0, got[BucketVeryLate])
	assert.Len(t, got, len(Buckets))
}

func newAnalyzer(t *testing.T) (*Analyzer, *store.Memory, *clock.MockClock) {
	t.Helper()
	mem := store.NewMemory()
	mem.PutRoute(testRoute())
	clk := clock.NewMockClock(t0.Add(time.Hour))
	return NewAnalyzer(mem, conformity.NewEngine(conformity.DefaultThresholds()), clk, DefaultRecoveryRate), mem, clk
}

func TestAnalyze_SingleTrip(t *testing.T) {
	ctx := context.Background()
	a, mem, _ := newAnalyzer(t)
	mem.PutTrip(fleet.Trip{
		ID: "T1", RouteID: "R1", Status: fleet.StatusCompleted,
		PlannedDeparture: t0, PlannedArrival: t0.Add(30 * time.Minute),
		ActualDeparture: ptr(t0), ActualArrival: ptr(t0.Add(5 * time.Minute)),
	})
	// one sample every 30 s for 5 minutes, silent between 01:30 and 03:30
	for s := 0; s <= 300; s += 30 {
		if s > 90 && s < 210 {
			continue
		}
		ts := t0.Add(time.Duration(s) * time.Second)
		require.NoError(t, mem.AppendPosition(ctx, fleet.Position{
			ID: ts.String(), TripID: "T1", Lat: 41.0 + float64(s)/300*0.005, Lon: 2.0,
			Timestamp: ts, IsValid: true, IsMoving: true,
		}))
	}
	// invalid samples are ignored
	require.NoError(t, mem.AppendPosition(ctx, fleet.Position{ID: "bad", TripID: "T1", Lat: 45, Lon: 2, Timestamp: t0.Add(100 * time.Second)}))

	rep, err := a.Analyze(ctx, Query{TripID: "T1"})
	require.NoError(t, err)

	assert.Equal(t, 11, rep.Quality.ExpectedPositions)
	assert.Equal(t, 8, rep.Quality.ValidPositions)
	assert.InDelta(t, 8.0/11.0, rep.Quality.Ratio, 1e-9)
	require.Len(t, rep.Quality.Gaps, 1)
	assert.Equal(t, 120.0, rep.Quality.Gaps[0].Seconds)

	assert.Equal(t, 8, rep.Conformity[conformity.ClassMinor])
	assert.Equal(t, 1, rep.Summary.Completed)
	assert.Equal(t, 1.0, rep.Summary.CompletionRate)
	require.NotNil(t, rep.Delay)

	coords, _, err := polyline.DecodeCoords([]byte(rep.Polyline))
	require.NoError(t, err)
	require.Len(t, coords, 8)
	assert.InDelta(t, 41.0, coords[0][0], 1e-5)
	assert.InDelta(t, 2.0, coords[0][1], 1e-5)
}

func TestAnalyze_QualityStopsAtCancellation(t *testing.T) {
	ctx := context.Background()
	a, mem, clk := newAnalyzer(t)
	for s := 0; s <= 300; s += 30 {
		ts := t0.Add(time.Duration(s) * time.Second)
		require.NoError(t, mem.AppendPosition(ctx, fleet.Position{
			ID: ts.String(), TripID: "T1", Lat: 41.0, Lon: 2.0, Timestamp: ts, IsValid: true,
		}))
	}
	tests := []struct {
		name string
		trip fleet.Trip
	}{
		{"cancelled", fleet.Trip{Status: fleet.StatusCancelled, UpdatedAt: t0.Add(5 * time.Minute)}},
		{"interrupted", fleet.Trip{Status: fleet.StatusInterrupted, UpdatedAt: t0.Add(5 * time.Minute)}},
		{"cancelled without update time", fleet.Trip{Status: fleet.StatusCancelled}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trip := tt.trip
			trip.ID, trip.RouteID = "T1", "R1"
			trip.PlannedDeparture, trip.PlannedArrival = t0, t0.Add(30*time.Minute)
			trip.ActualDeparture = ptr(t0)
			mem.PutTrip(trip)

			for _, later := range []time.Duration{time.Hour, 24 * time.Hour} {
				clk.Set(t0.Add(later))
				rep, err := a.Analyze(ctx, Query{TripID: "T1"})
				require.NoError(t, err)
				assert.Equal(t, 11, rep.Quality.ExpectedPositions)
				assert.Equal(t, 11, rep.Quality.ValidPositions)
				assert.InDelta(t, 1.0, rep.Quality.Ratio, 1e-9)
			}
		})
	}
}

func TestAnalyze_Range(t *testing.T) {
	ctx := context.Background()
	a, mem, _ := newAnalyzer(t)
	add := func(id string, status fleet.TripStatus, dep time.Time) {
		mem.PutTrip(fleet.Trip{ID: id, RouteID: "R1", Status: status, PlannedDeparture: dep, PlannedArrival: dep.Add(30 * time.Minute)})
	}
	add("a", fleet.StatusCompleted, t0)
	add("b", fleet.StatusCancelled, t0.Add(time.Hour))
	add("c", fleet.StatusInterrupted, t0.Add(2*time.Hour))
	add("d", fleet.StatusCompleted, t0.Add(3*time.Hour))
	add("tomorrow", fleet.StatusPlanned, t0.Add(24*time.Hour))

	rep, err := a.Analyze(ctx, Query{})
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Summary.Total)
	assert.Equal(t, 0.5, rep.Summary.CompletionRate)
	assert.Equal(t, 0.25, rep.Summary.CancellationRate)
	assert.Equal(t, 0.25, rep.Summary.InterruptionRate)
	assert.Nil(t, rep.Delay)
	assert.Empty(t, rep.Polyline)

	rep, err = a.Analyze(ctx, Query{From: t0.Add(90 * time.Minute), To: t0.Add(4 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Summary.Total)

	_, err = a.Analyze(ctx, Query{From: t0, To: t0})
	assert.ErrorIs(t, err, fleet.ErrInvalidWindow)

	_, err = a.Analyze(ctx, Query{TripID: "nope"})
	assert.ErrorIs(t, err, fleet.ErrUnknownTrip)
}
