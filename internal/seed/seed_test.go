package seed

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/store"
)

func TestLoad(t *testing.T) {
	d, err := Load("testdata/fleet.yaml", time.UTC)
	require.NoError(t, err)

	require.Len(t, d.Routes, 1)
	r := d.Routes[0]
	require.Len(t, r.Stops, 3)
	assert.Equal(t, 1, r.Stops[0].Sequence)
	assert.Equal(t, 40.0, r.Stops[0].RadiusM)
	assert.Equal(t, 6*time.Minute, r.Stops[1].TravelTimeFromPrev)
	assert.InDelta(t, 960, r.Stops[1].DistanceFromPrevM, 100)
	assert.Equal(t, 900.0, r.Stops[2].DistanceFromPrevM)
	assert.Equal(t, 13*time.Minute+30*time.Second, r.TotalTravelTime())

	require.Len(t, d.Drivers, 2)
	assert.True(t, d.Drivers[0].Eligible())
	assert.False(t, d.Drivers[1].Eligible())

	require.Len(t, d.Vehicles, 2)
	assert.Equal(t, fleet.VehicleActive, d.Vehicles[0].Status)
	assert.Equal(t, "maintenance", d.Vehicles[1].Status)

	require.Len(t, d.Schedules, 2)
	weekday := d.Schedules[0]
	assert.Equal(t, []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}, weekday.Days)
	assert.Equal(t, 6*60, weekday.StartMinute)
	assert.Equal(t, 22*60, weekday.EndMinute)
	assert.Equal(t, 20*time.Minute, weekday.Frequency)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), weekday.ValidFrom)
	assert.True(t, weekday.ValidUntil.IsZero())
	assert.True(t, weekday.Active)

	weekend := d.Schedules[1]
	assert.Equal(t, []time.Weekday{time.Sunday, time.Saturday}, weekend.Days)
	assert.False(t, weekend.Active)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"single stop route", `routes: [{id: R1, stops: [{id: A, lat: 1, lon: 1}]}]`},
		{"bad coordinate", `routes: [{id: R1, stops: [{id: A, lat: 91, lon: 1}, {id: B, lat: 1, lon: 1}]}]`},
		{"unknown field", `vehicles: [{id: V1, colour: red}]`},
		{"schedule on unknown route", `schedules: [{id: S, route_id: RX, days: [mon], start: "06:00", end: "07:00"}]`},
		{"bad day", `routes: [{id: R1, stops: [{id: A, lat: 1, lon: 1}, {id: B, lat: 1, lon: 1.01}]}]
schedules: [{id: S, route_id: R1, days: [funday], start: "06:00", end: "07:00"}]`},
		{"end before start", `routes: [{id: R1, stops: [{id: A, lat: 1, lon: 1}, {id: B, lat: 1, lon: 1.01}]}]
schedules: [{id: S, route_id: R1, days: [mon], start: "09:00", end: "07:00"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.doc), time.UTC)
			assert.Error(t, err)
		})
	}
}

func TestParseEmpty(t *testing.T) {
	d, err := Parse(strings.NewReader(""), time.UTC)
	require.NoError(t, err)
	assert.Empty(t, d.Routes)
}

type recordingUpserter struct{ routes, drivers, vehicles, schedules int }

func (u *recordingUpserter) UpsertReference(_ context.Context, r []fleet.Route, d []fleet.Driver, v []fleet.Vehicle, s []fleet.Schedule) error {
	u.routes, u.drivers, u.vehicles, u.schedules = len(r), len(d), len(v), len(s)
	return nil
}

func TestApply(t *testing.T) {
	d, err := Load("testdata/fleet.yaml", time.UTC)
	require.NoError(t, err)

	m := store.NewMemory()
	d.ApplyMemory(m)
	ctx := context.Background()
	r, err := m.Route(ctx, "R1")
	require.NoError(t, err)
	assert.Len(t, r.Stops, 3)
	schedules, err := m.Schedules(ctx)
	require.NoError(t, err)
	assert.Len(t, schedules, 2)

	u := &recordingUpserter{}
	require.NoError(t, d.Apply(ctx, u))
	assert.Equal(t, recordingUpserter{1, 2, 2, 2}, *u)
}
