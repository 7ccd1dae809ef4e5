// Package telemetry validates raw device position reports before they feed
// the tracking pipeline.
package telemetry

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"fleet-tracker/internal/clock"
	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/geo"
	"fleet-tracker/internal/store"
)

// RejectReason explains why a coherent-looking report was stored as invalid.
type RejectReason string

const (
	RejectSpeedOutOfRange RejectReason = "speed_out_of_range"
	RejectPositionJump    RejectReason = "position_jump"
	RejectOutOfOrder      RejectReason = "out_of_order"
	RejectFutureTimestamp RejectReason = "future_timestamp"
)

const (
	WarnLowAccuracy   = "low_accuracy"
	WarnHighHDOP      = "high_hdop"
	WarnFewSatellites = "few_satellites"
	WarnAcceleration  = "excessive_acceleration"
)

// Thresholds tune the validator. DefaultThresholds holds the production values.
type Thresholds struct {
	MaxAccuracyM           float64
	MaxHDOP                float64
	MinSatellites          int
	MaxSpeedKmh            float64
	MaxTheoreticalSpeedKmh float64
	MaxAccelerationMS2     float64
	MovingSpeedKmh         float64
	MovingDisplacementM    float64
	MovingWindow           time.Duration
	PreDepartureWindow     time.Duration
	MaxClockSkew           time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxAccuracyM:           20,
		MaxHDOP:                5.0,
		MinSatellites:          4,
		MaxSpeedKmh:            90,
		MaxTheoreticalSpeedKmh: 100,
		MaxAccelerationMS2:     3,
		MovingSpeedKmh:         3,
		MovingDisplacementM:    10,
		MovingWindow:           60 * time.Second,
		PreDepartureWindow:     30 * time.Minute,
		MaxClockSkew:           2 * time.Minute,
	}
}

// Report is a raw sample as received from a device.
type Report struct {
	TripID     string
	Lat        float64
	Lon        float64
	SpeedKmh   float64
	Heading    float64
	AccuracyM  float64
	Altitude   *float64
	HDOP       *float64
	Satellites *int
	Source     fleet.PositionSource
	Timestamp  time.Time
}

// Result is the outcome of a submission that passed the input checks.
type Result struct {
	Position fleet.Position
	Valid    bool
	Reason   RejectReason
	Warnings []string
}

// TripReader is the slice of the trip store the validator needs.
type TripReader interface {
	Trip(ctx context.Context, id string) (fleet.Trip, error)
}

// Validator checks reports against physical limits and the trip's last
// valid sample, then persists them.
type Validator struct {
	trips     TripReader
	positions store.PositionStore
	clock     clock.Clock
	th        Thresholds

	locks tripLocks

	limitMu    sync.Mutex
	limiters   map[string]*tripLimiter
	lastSweep  time.Time
	limit      rate.Limit
	limitBurst int
}

// limiterIdle is how long a trip's limiter survives without submissions.
const limiterIdle = 10 * time.Minute

type tripLimiter struct {
	*rate.Limiter
	seen time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithThresholds overrides DefaultThresholds.
func WithThresholds(th Thresholds) Option {
	return func(v *Validator) { v.th = th }
}

// WithRateLimit throttles submissions per trip. perSecond <= 0 disables throttling.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(v *Validator) {
		if perSecond <= 0 {
			v.limit = rate.Inf
			return
		}
		v.limit = rate.Limit(perSecond)
		v.limitBurst = burst
	}
}

func NewValidator(trips TripReader, positions store.PositionStore, clk clock.Clock, opts ...Option) *Validator {
	v := &Validator{
		trips:     trips,
		positions: positions,
		clock:     clk,
		th:        DefaultThresholds(),
		locks:     tripLocks{m: make(map[string]*tripLock)},
		limiters:  make(map[string]*tripLimiter),
		limit:     rate.Inf,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Thresholds returns the active thresholds.
func (v *Validator) Thresholds() Thresholds { return v.th }

// Submit validates r, persists the resulting position (valid or not) and
// returns the classification. Out-of-range coordinates, unknown trips and
// trips that are not trackable fail with an error and persist nothing.
func (v *Validator) Submit(ctx context.Context, r Report) (Result, error) {
	trip, err := v.trips.Trip(ctx, r.TripID)
	if err != nil {
		return Result{}, err
	}
	if err := geo.ValidateCoordinate(r.Lat, r.Lon); err != nil {
		return Result{}, fmt.Errorf("%w: %w", fleet.ErrInvalidPosition, err)
	}
	now := v.clock.Now()
	if !v.trackable(trip, now) {
		return Result{}, fmt.Errorf("%w: trip %s is %s", fleet.ErrInvalidPosition, trip.ID, trip.Status)
	}
	if !v.allow(trip.ID, now) {
		return Result{}, fmt.Errorf("trip %s: %w", trip.ID, fleet.ErrRateLimited)
	}

	unlock := v.locks.lock(r.TripID)
	defer unlock()

	last, hasLast, err := v.positions.LastValidPosition(ctx, r.TripID)
	if err != nil {
		return Result{}, fmt.Errorf("load last position: %w", err)
	}

	source := r.Source
	if source == "" {
		source = fleet.SourceDriverDevice
	}
	p := fleet.Position{
		ID:         uuid.NewString(),
		TripID:     r.TripID,
		Lat:        r.Lat,
		Lon:        r.Lon,
		SpeedKmh:   r.SpeedKmh,
		Heading:    r.Heading,
		AccuracyM:  r.AccuracyM,
		Altitude:   r.Altitude,
		Source:     source,
		Timestamp:  r.Timestamp,
		ReceivedAt: now,
	}
	if r.HDOP != nil {
		p.HDOP = *r.HDOP
	}
	if r.Satellites != nil {
		p.Satellites = *r.Satellites
	}

	p.Warnings = v.qualityWarnings(r)
	reason, coherenceWarnings, moving := v.coherence(p, last, hasLast, now)
	p.Warnings = append(p.Warnings, coherenceWarnings...)
	p.IsValid = reason == ""
	p.IsMoving = p.IsValid && moving
	p.RejectReason = string(reason)

	if err := v.positions.AppendPosition(ctx, p); err != nil {
		return Result{}, fmt.Errorf("store position: %w", err)
	}
	return Result{Position: p, Valid: p.IsValid, Reason: reason, Warnings: p.Warnings}, nil
}

// trackable accepts running trips, and planned trips inside the
// pre-departure window so departure detection sees the vehicle arrive.
func (v *Validator) trackable(t fleet.Trip, now time.Time) bool {
	if t.Status.Running() {
		return true
	}
	return t.Status == fleet.StatusPlanned && !now.Before(t.PlannedDeparture.Add(-v.th.PreDepartureWindow))
}

func (v *Validator) qualityWarnings(r Report) []string {
	var w []string
	if r.AccuracyM > v.th.MaxAccuracyM {
		w = append(w, WarnLowAccuracy)
	}
	if r.HDOP != nil && *r.HDOP > v.th.MaxHDOP {
		w = append(w, WarnHighHDOP)
	}
	if r.Satellites != nil && *r.Satellites < v.th.MinSatellites {
		w = append(w, WarnFewSatellites)
	}
	return w
}

func (v *Validator) coherence(p, last fleet.Position, hasLast bool, now time.Time) (RejectReason, []string, bool) {
	if p.SpeedKmh < 0 || p.SpeedKmh > v.th.MaxSpeedKmh || math.IsNaN(p.SpeedKmh) {
		return RejectSpeedOutOfRange, nil, false
	}
	if v.th.MaxClockSkew > 0 && p.Timestamp.After(now.Add(v.th.MaxClockSkew)) {
		return RejectFutureTimestamp, nil, false
	}
	moving := p.SpeedKmh > v.th.MovingSpeedKmh
	if !hasLast {
		return "", nil, moving
	}

	elapsed := p.Timestamp.Sub(last.Timestamp).Seconds()
	if elapsed <= 0 {
		return RejectOutOfOrder, nil, false
	}
	dist := geo.Distance(last.Lat, last.Lon, p.Lat, p.Lon)
	if dist > elapsed*v.th.MaxTheoreticalSpeedKmh/3.6 {
		return RejectPositionJump, nil, false
	}

	var warnings []string
	accel := math.Abs(p.SpeedKmh-last.SpeedKmh) / 3.6 / elapsed
	if accel > v.th.MaxAccelerationMS2 {
		warnings = append(warnings, WarnAcceleration)
	}
	if elapsed <= v.th.MovingWindow.Seconds() && dist > v.th.MovingDisplacementM {
		moving = true
	}
	return "", warnings, moving
}

// allow takes a token from the trip's limiter. Limiters idle for longer
// than limiterIdle are dropped on the way.
func (v *Validator) allow(tripID string, now time.Time) bool {
	if v.limit == rate.Inf {
		return true
	}
	v.limitMu.Lock()
	defer v.limitMu.Unlock()
	if now.Sub(v.lastSweep) >= limiterIdle {
		for id, l := range v.limiters {
			if now.Sub(l.seen) >= limiterIdle {
				delete(v.limiters, id)
			}
		}
		v.lastSweep = now
	}
	l, ok := v.limiters[tripID]
	if !ok {
		l = &tripLimiter{Limiter: rate.NewLimiter(v.limit, v.limitBurst)}
		v.limiters[tripID] = l
	}
	l.seen = now
	return l.AllowN(now, 1)
}

// Forget drops per-trip state once a trip can no longer receive telemetry.
func (v *Validator) Forget(tripID string) {
	v.limitMu.Lock()
	delete(v.limiters, tripID)
	v.limitMu.Unlock()
}

// tripLocks serializes submissions per trip so each trip's samples are
// checked against a stable predecessor.
type tripLocks struct {
	mu sync.Mutex
	m  map[string]*tripLock
}

type tripLock struct {
	mu   sync.Mutex
	refs int
}

func (l *tripLocks) lock(id string) func() {
	l.mu.Lock()
	tl, ok := l.m[id]
	if !ok {
		tl = &tripLock{}
		l.m[id] = tl
	}
	tl.refs++
	l.mu.Unlock()

	tl.mu.Lock()
	return func() {
		tl.mu.Unlock()
		l.mu.Lock()
		tl.refs--
		if tl.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}
