package publisher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/telemetry"
)

func TestSubjectToken(t *testing.T) {
	tests := []struct{ in, want string }{
		{"T1", "T1"},
		{" trip 7 ", "trip_7"},
		{"a.b>c*d/e", "a_b_c_d_e"},
		{"", "_"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, subjectToken(tt.in), "input %q", tt.in)
	}
}

func TestSubject(t *testing.T) {
	tests := []struct {
		name string
		ev   fleet.Event
		want string
	}{
		{"lifecycle", fleet.Event{Kind: fleet.EventLifecycle, TripID: "T.1"}, "fleet.events.lifecycle.T_1"},
		{"incident", fleet.Event{Kind: fleet.EventIncident, TripID: "T1", Severity: fleet.SeverityLow}, "fleet.events.incident.T1"},
		{"allocation without trip", fleet.Event{Kind: fleet.EventAllocation}, "fleet.events.allocation._"},
		{"notification", fleet.Event{Kind: fleet.EventNotification, TripID: "T1", Severity: fleet.SeverityCritical}, "fleet.notifications.critical"},
		{"audit", fleet.Event{Kind: fleet.EventAudit, TripID: "T1"}, "fleet.audit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Subject(tt.ev))
		})
	}
}

func TestDecodePosition(t *testing.T) {
	ts := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	r, err := decodePosition("telemetry.positions.T9",
		[]byte(`{"timestamp":"2024-01-01T09:00:00Z","lat":41.1,"lon":2.2,"speedKmh":30,"hdop":1.5,"satellites":7,"source":"vehicle_unit"}`))
	require.NoError(t, err)
	assert.Equal(t, "T9", r.TripID)
	assert.Equal(t, ts, r.Timestamp)
	assert.Equal(t, 41.1, r.Lat)
	assert.Equal(t, fleet.SourceVehicleUnit, r.Source)
	require.NotNil(t, r.HDOP)
	assert.Equal(t, 1.5, *r.HDOP)
	require.NotNil(t, r.Satellites)
	assert.Equal(t, 7, *r.Satellites)

	r, err = decodePosition("telemetry.positions.ignored", []byte(`{"tripId":"T1","lat":1,"lon":1}`))
	require.NoError(t, err)
	assert.Equal(t, "T1", r.TripID)

	_, err = decodePosition("telemetry.positions.T1", []byte(`{`))
	assert.Error(t, err)
}

type submitterFunc func(ctx context.Context, r telemetry.Report) (telemetry.Result, error)

func (f submitterFunc) SubmitPosition(ctx context.Context, r telemetry.Report) (telemetry.Result, error) {
	return f(ctx, r)
}

func TestIngress_ShardsByTrip(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var (
		mu  sync.Mutex
		got = make(map[string][]float64)
	)
	release := make(chan struct{})
	svc := submitterFunc(func(_ context.Context, r telemetry.Report) (telemetry.Result, error) {
		if r.TripID == "slow" {
			<-release
		}
		mu.Lock()
		got[r.TripID] = append(got[r.TripID], r.Lat)
		mu.Unlock()
		return telemetry.Result{Valid: true}, nil
	})

	in := newIngress(context.Background(), logger, svc, 4, 16)
	// a trip on another worker keeps flowing while "slow" is blocked
	var other string
	for _, id := range []string{"T1", "T2", "T3", "T4", "T5", "T6"} {
		if in.shard(id) != in.shard("slow") {
			other = id
			break
		}
	}
	require.NotEmpty(t, other)

	in.dispatch("telemetry.positions.slow", []byte(`{"lat":1,"lon":2}`))
	for i := 1; i <= 5; i++ {
		in.dispatch("telemetry.positions."+other, []byte(fmt.Sprintf(`{"lat":%d,"lon":2}`, i)))
	}
	in.dispatch("telemetry.positions."+other, []byte(`not json`))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got[other]) == 5
	}, time.Second, 5*time.Millisecond)

	close(release)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got["slow"]) == 1
	}, time.Second, 5*time.Millisecond)
	in.close()

	assert.Equal(t, []float64{1, 2, 3, 4, 5}, got[other])
	assert.Equal(t, in.shard("T1"), in.shard("T1"))
}

func TestIngress_CloseUnblocksDispatch(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	block := make(chan struct{})
	defer close(block)
	svc := submitterFunc(func(_ context.Context, _ telemetry.Report) (telemetry.Result, error) {
		select {
		case <-block:
		case <-time.After(time.Second):
		}
		return telemetry.Result{}, nil
	})
	in := newIngress(context.Background(), logger, svc, 1, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			in.dispatch("telemetry.positions.T1", []byte(`{"lat":1,"lon":2}`))
		}
	}()
	time.Sleep(20 * time.Millisecond)
	go in.close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch stayed blocked after close")
	}
}
