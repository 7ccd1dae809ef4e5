package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-tracker/internal/clock"
	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/store"
)

const metersPerDegLat = 111194.93

var t0 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func newTestValidator(t *testing.T, status fleet.TripStatus, opts ...Option) (*Validator, *store.Memory, *clock.MockClock) {
	t.Helper()
	m := store.NewMemory()
	m.PutTrip(fleet.Trip{
		ID:               "T1",
		RouteID:          "R1",
		Status:           status,
		PlannedDeparture: t0,
		PlannedArrival:   t0.Add(30 * time.Minute),
	})
	clk := clock.NewMockClock(t0)
	return NewValidator(m, m, clk, opts...), m, clk
}

func report(lat, lon, speed float64, ts time.Time) Report {
	return Report{TripID: "T1", Lat: lat, Lon: lon, SpeedKmh: speed, AccuracyM: 5, Timestamp: ts}
}

func TestSubmit_RejectsOutOfRangeLatitude(t *testing.T) {
	ctx := context.Background()
	v, m, _ := newTestValidator(t, fleet.StatusInProgress)

	_, err := v.Submit(ctx, report(95, 2.0, 30, t0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, fleet.ErrInvalidPosition))
	assert.True(t, errors.Is(err, fleet.ErrInvalidCoordinate))

	positions, err := m.Positions(ctx, "T1", time.Time{}, false)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestSubmit_UnknownTrip(t *testing.T) {
	v, _, _ := newTestValidator(t, fleet.StatusInProgress)
	r := report(41.0, 2.0, 10, t0)
	r.TripID = "nope"
	_, err := v.Submit(context.Background(), r)
	assert.True(t, errors.Is(err, fleet.ErrUnknownTrip))
}

func TestSubmit_TrackableStatuses(t *testing.T) {
	tests := []struct {
		name   string
		status fleet.TripStatus
		now    time.Time
		ok     bool
	}{
		{"in progress", fleet.StatusInProgress, t0, true},
		{"delayed", fleet.StatusDelayed, t0, true},
		{"planned inside window", fleet.StatusPlanned, t0.Add(-10 * time.Minute), true},
		{"planned too early", fleet.StatusPlanned, t0.Add(-time.Hour), false},
		{"completed", fleet.StatusCompleted, t0, false},
		{"cancelled", fleet.StatusCancelled, t0, false},
		{"interrupted", fleet.StatusInterrupted, t0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _, clk := newTestValidator(t, tt.status)
			clk.Set(tt.now)
			_, err := v.Submit(context.Background(), report(41.0, 2.0, 10, tt.now))
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, fleet.ErrInvalidPosition))
			}
		})
	}
}

func TestSubmit_QualityWarnings(t *testing.T) {
	v, _, _ := newTestValidator(t, fleet.StatusInProgress)
	hdop := 7.5
	sats := 3
	r := report(41.0, 2.0, 20, t0)
	r.AccuracyM = 35
	r.HDOP = &hdop
	r.Satellites = &sats

	res, err := v.Submit(context.Background(), r)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.ElementsMatch(t, []string{WarnLowAccuracy, WarnHighHDOP, WarnFewSatellites}, res.Warnings)
	assert.Equal(t, fleet.SourceDriverDevice, res.Position.Source)
}

func TestSubmit_SpeedOutOfRangeIsStoredInvalid(t *testing.T) {
	ctx := context.Background()
	v, m, _ := newTestValidator(t, fleet.StatusInProgress)

	res, err := v.Submit(ctx, report(41.0, 2.0, 140, t0))
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, RejectSpeedOutOfRange, res.Reason)

	all, err := m.Positions(ctx, "T1", time.Time{}, false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].IsValid)

	_, ok, err := m.LastValidPosition(ctx, "T1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSubmit_PositionJump(t *testing.T) {
	ctx := context.Background()
	v, _, clk := newTestValidator(t, fleet.StatusInProgress)

	_, err := v.Submit(ctx, report(41.0, 2.0, 50, t0))
	require.NoError(t, err)

	// 1 km in 30 s implies 120 km/h
	clk.Advance(30 * time.Second)
	res, err := v.Submit(ctx, report(41.0+1000/metersPerDegLat, 2.0, 50, t0.Add(30*time.Second)))
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, RejectPositionJump, res.Reason)

	// 500 m in 30 s implies 60 km/h
	res, err = v.Submit(ctx, report(41.0+500/metersPerDegLat, 2.0, 50, t0.Add(30*time.Second)))
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestSubmit_OutOfOrder(t *testing.T) {
	ctx := context.Background()
	v, _, _ := newTestValidator(t, fleet.StatusInProgress)

	_, err := v.Submit(ctx, report(41.0, 2.0, 10, t0))
	require.NoError(t, err)

	res, err := v.Submit(ctx, report(41.0, 2.0, 10, t0))
	require.NoError(t, err)
	assert.Equal(t, RejectOutOfOrder, res.Reason)

	res, err = v.Submit(ctx, report(41.0, 2.0, 10, t0.Add(-time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, RejectOutOfOrder, res.Reason)
}

func TestSubmit_FutureTimestamp(t *testing.T) {
	v, _, _ := newTestValidator(t, fleet.StatusInProgress)
	res, err := v.Submit(context.Background(), report(41.0, 2.0, 10, t0.Add(10*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, RejectFutureTimestamp, res.Reason)
}

func TestSubmit_AccelerationWarning(t *testing.T) {
	ctx := context.Background()
	v, _, clk := newTestValidator(t, fleet.StatusInProgress)

	_, err := v.Submit(ctx, report(41.0, 2.0, 10, t0))
	require.NoError(t, err)

	// 10 -> 60 km/h in 2 s is about 6.9 m/s²
	clk.Advance(2 * time.Second)
	res, err := v.Submit(ctx, report(41.0+20/metersPerDegLat, 2.0, 60, t0.Add(2*time.Second)))
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Contains(t, res.Warnings, WarnAcceleration)
}

func TestSubmit_MovingDetection(t *testing.T) {
	ctx := context.Background()
	v, _, clk := newTestValidator(t, fleet.StatusInProgress)

	res, err := v.Submit(ctx, report(41.0, 2.0, 0, t0))
	require.NoError(t, err)
	assert.False(t, res.Position.IsMoving)

	// slow speed reading but 50 m covered in 20 s
	clk.Advance(20 * time.Second)
	res, err = v.Submit(ctx, report(41.0+50/metersPerDegLat, 2.0, 1, t0.Add(20*time.Second)))
	require.NoError(t, err)
	assert.True(t, res.Position.IsMoving)

	// stationary
	clk.Advance(20 * time.Second)
	res, err = v.Submit(ctx, report(41.0+52/metersPerDegLat, 2.0, 0, t0.Add(40*time.Second)))
	require.NoError(t, err)
	assert.False(t, res.Position.IsMoving)

	clk.Advance(20 * time.Second)
	res, err = v.Submit(ctx, report(41.0+52/metersPerDegLat, 2.0, 25, t0.Add(60*time.Second)))
	require.NoError(t, err)
	assert.True(t, res.Position.IsMoving)
}

func TestSubmit_RateLimited(t *testing.T) {
	ctx := context.Background()
	v, _, _ := newTestValidator(t, fleet.StatusInProgress, WithRateLimit(1, 2))

	var limited int
	for i := 0; i < 4; i++ {
		_, err := v.Submit(ctx, report(41.0, 2.0, 0, t0.Add(time.Duration(i)*time.Millisecond)))
		if errors.Is(err, fleet.ErrRateLimited) {
			limited++
		}
	}
	assert.Equal(t, 2, limited)
}

func TestSubmit_RateLimiterOnlyTracksKnownTrips(t *testing.T) {
	ctx := context.Background()
	v, m, clk := newTestValidator(t, fleet.StatusInProgress, WithRateLimit(5, 10))
	m.PutTrip(fleet.Trip{ID: "done", RouteID: "R1", Status: fleet.StatusCompleted, PlannedDeparture: t0})

	for i := 0; i < 1000; i++ {
		r := report(41.0, 2.0, 0, t0)
		r.TripID = fmt.Sprintf("unknown-%d", i)
		_, err := v.Submit(ctx, r)
		require.ErrorIs(t, err, fleet.ErrUnknownTrip)
	}
	r := report(41.0, 2.0, 0, t0)
	r.TripID = "done"
	_, err := v.Submit(ctx, r)
	require.ErrorIs(t, err, fleet.ErrInvalidPosition)
	assert.Empty(t, v.limiters)

	_, err = v.Submit(ctx, report(41.0, 2.0, 0, t0))
	require.NoError(t, err)
	assert.Len(t, v.limiters, 1)

	clk.Advance(limiterIdle)
	v.allow("other", clk.Now())
	assert.Len(t, v.limiters, 1)
	assert.Contains(t, v.limiters, "other")
}

func TestSubmit_ConcurrentSubmissionsKeepOrder(t *testing.T) {
	ctx := context.Background()
	v, m, _ := newTestValidator(t, fleet.StatusInProgress)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := v.Submit(ctx, report(41.0, 2.0, 0, t0.Add(-time.Duration(i)*time.Second)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	all, err := m.Positions(ctx, "T1", time.Time{}, false)
	require.NoError(t, err)
	assert.Len(t, all, 20)

	// every valid sample is strictly later than the previous valid one
	valid, err := m.Positions(ctx, "T1", time.Time{}, true)
	require.NoError(t, err)
	require.NotEmpty(t, valid)
	for i := 1; i < len(valid); i++ {
		assert.True(t, valid[i].Timestamp.After(valid[i-1].Timestamp))
	}
}
