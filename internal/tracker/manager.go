// Package tracker runs the periodic tracking pass over active trips and
// exposes the operations of the fleet tracker to its transports.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"fleet-tracker/internal/clock"
	"fleet-tracker/internal/conformity"
	"fleet-tracker/internal/emergency"
	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/geo"
	"fleet-tracker/internal/lifecycle"
	"fleet-tracker/internal/logging"
	mmetrics "fleet-tracker/internal/metrics"
	"fleet-tracker/internal/monitoring"
	"fleet-tracker/internal/scheduler"
	"fleet-tracker/internal/store"
	"fleet-tracker/internal/telemetry"
)

type Options struct {
	TickInterval time.Duration
	// GenerationInterval is the cadence of trip generation. Zero disables it.
	GenerationInterval time.Duration
	MaxWorkers         int
	// StaleAfter is the age beyond which the latest valid position is not
	// acted upon.
	StaleAfter         time.Duration
	EventQueueSize     int
	RecoveryRate       float64
	PreDepartureWindow time.Duration
	// Window is the span of valid samples handed to the emergency detector.
	// Stationary runs reaching past it are followed into older samples.
	Window          time.Duration
	IngestPerSecond float64
	IngestBurst     int
}

func DefaultOptions() Options {
	return Options{
		TickInterval:       30 * time.Second,
		GenerationInterval: 15 * time.Minute,
		MaxWorkers:         16,
		StaleAfter:         30 * time.Second,
		EventQueueSize:     1024,
		RecoveryRate:       monitoring.DefaultRecoveryRate,
		PreDepartureWindow: 30 * time.Minute,
		Window:             10 * time.Minute,
		IngestPerSecond:    5,
		IngestBurst:        10,
	}
}

type Manager struct {
	store     store.Store
	clock     clock.Clock
	opts      Options
	metrics   *mmetrics.Collector
	sink      Sink
	tracer    trace.Tracer
	logger    *slog.Logger
	validator *telemetry.Validator
	engine    *conformity.Engine
	lifecycle *lifecycle.Manager
	detector  *emergency.Detector
	scheduler *scheduler.Scheduler
	analyzer  *monitoring.Analyzer

	mu       sync.Mutex
	indexes  map[string]*geo.StopIndex // routeID -> index
	lastTick time.Time
	active   int

	outbox     *outbox
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	dispatchWG sync.WaitGroup
	stopDisp   context.CancelFunc

	refreshCancel context.CancelFunc
	refreshWG     sync.WaitGroup
}

// NewManager wires every tracking component on top of st. A nil sink logs
// events; a nil collector disables metrics.
func NewManager(st store.Store, clk clock.Clock, sink Sink, metrics *mmetrics.Collector, opts Options) *Manager {
	def := DefaultOptions()
	if opts.TickInterval <= 0 {
		opts.TickInterval = def.TickInterval
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = def.MaxWorkers
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = opts.TickInterval
	}
	if opts.Window <= 0 {
		opts.Window = def.Window
	}
	if opts.PreDepartureWindow <= 0 {
		opts.PreDepartureWindow = def.PreDepartureWindow
	}
	if sink == nil {
		sink = LogSink{}
	}

	th := telemetry.DefaultThresholds()
	th.PreDepartureWindow = opts.PreDepartureWindow
	validator := telemetry.NewValidator(st, st, clk,
		telemetry.WithThresholds(th),
		telemetry.WithRateLimit(opts.IngestPerSecond, opts.IngestBurst),
	)
	eth := emergency.DefaultThresholds()
	eth.Window = opts.Window
	engine := conformity.NewEngine(conformity.DefaultThresholds())
	lc := lifecycle.NewManager(st, st, st, clk, lifecycle.DefaultThresholds())

	return &Manager{
		store:     st,
		clock:     clk,
		opts:      opts,
		metrics:   metrics,
		sink:      sink,
		tracer:    otel.Tracer("tracker"),
		logger:    logging.Component("tracker"),
		validator: validator,
		engine:    engine,
		lifecycle: lc,
		detector:  emergency.NewDetector(st, st, lc, clk, eth),
		scheduler: scheduler.New(st, clk),
		analyzer:  monitoring.NewAnalyzer(st, engine, clk, opts.RecoveryRate),
		indexes:   make(map[string]*geo.StopIndex),
		outbox:    newOutbox(opts.EventQueueSize),
	}
}

// Start launches the event dispatcher, the tick loop and the generation
// refresher. Stop shuts them down.
func (m *Manager) Start(parent context.Context) {
	dctx, dcancel := context.WithCancel(context.WithoutCancel(parent))
	m.stopDisp = dcancel
	m.dispatchWG.Add(1)
	go m.dispatch(dctx)

	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Tick(ctx); err != nil {
					logging.LogError(m.logger, "tick", err)
				}
			}
		}
	}()
	m.StartRefresher(ctx)
	m.logger.Info("tracker started", "tick", m.opts.TickInterval, "max_workers", m.opts.MaxWorkers)
}

// Stop cancels the loops, waits for in-flight work and flushes the event
// queue to the sink.
func (m *Manager) Stop() {
	if m.refreshCancel != nil {
		m.refreshCancel()
	}
	m.refreshWG.Wait()
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	if m.stopDisp != nil {
		m.stopDisp()
	}
	m.dispatchWG.Wait()
	if d := m.outbox.dropped.Load(); d > 0 {
		m.logger.Warn("events dropped during run", "count", d)
	}
}

// Tick runs one tracking pass over every active trip. Trips are processed
// concurrently; a failing or panicking trip does not affect the others.
func (m *Manager) Tick(ctx context.Context) error {
	started := time.Now()
	now := m.clock.Now()
	ctx, span := m.tracer.Start(ctx, "tracker.tick")
	defer span.End()

	trips, err := m.store.ActiveTrips(ctx, now.Add(m.opts.PreDepartureWindow))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("load active trips: %w", err)
	}
	span.SetAttributes(attribute.Int("trips.active", len(trips)))

	if len(trips) > 0 {
		var g errgroup.Group
		g.SetLimit(min(len(trips), m.opts.MaxWorkers))
		for _, t := range trips {
			g.Go(func() error {
				defer func() {
					if r := recover(); r != nil {
						m.tripFailed(t.ID, fmt.Errorf("panic: %v", r))
					}
				}()
				if err := m.processTrip(ctx, t); err != nil {
					m.tripFailed(t.ID, err)
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	m.mu.Lock()
	m.lastTick = now
	m.active = len(trips)
	m.mu.Unlock()
	m.updatePunctuality(ctx, now)
	if m.metrics != nil {
		m.metrics.Ticks.Inc()
		m.metrics.ActiveTrips.Set(float64(len(trips)))
		m.metrics.TickDuration.Observe(time.Since(started).Seconds())
	}
	m.logger.Debug("tick complete", "trips", len(trips), "duration", time.Since(started))
	return nil
}

func (m *Manager) tripFailed(tripID string, err error) {
	logging.LogError(m.logger, "process trip", err, slog.String("trip", tripID))
	if m.metrics != nil {
		m.metrics.TripErrors.Inc()
	}
}

// processTrip runs the per-trip pipeline on the latest valid position:
// departure, stop arrivals, conformity, arrival, delay and emergencies.
func (m *Manager) processTrip(ctx context.Context, trip fleet.Trip) error {
	ctx, span := m.tracer.Start(ctx, "tracker.process_trip",
		trace.WithAttributes(
			attribute.String("trip.id", trip.ID),
			attribute.String("trip.status", string(trip.Status)),
		),
	)
	defer span.End()

	err := m.runPipeline(ctx, trip)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (m *Manager) runPipeline(ctx context.Context, trip fleet.Trip) error {
	now := m.clock.Now()
	idx, err := m.routeIndex(ctx, trip.RouteID)
	if err != nil {
		return err
	}
	latest, ok, err := m.store.LastValidPosition(ctx, trip.ID)
	if err != nil {
		return fmt.Errorf("load last position: %w", err)
	}
	if !ok {
		return nil
	}
	if age := now.Sub(latest.Timestamp); age > m.opts.StaleAfter {
		m.logger.Debug("latest position is stale", "trip", trip.ID, "age", age)
		return nil
	}

	if trip.Status == fleet.StatusPlanned {
		out, err := m.lifecycle.Depart(ctx, trip.ID, idx, latest)
		if err != nil {
			return fmt.Errorf("depart: %w", err)
		}
		m.observe(out)
		if !out.Transitioned {
			m.logger.Debug("departure pending", "trip", trip.ID, "diagnostic", out.Diagnostic)
			return nil
		}
		trip = out.Trip
	}
	if !trip.Status.Running() {
		return nil
	}

	if _, err := m.lifecycle.RecordArrivals(ctx, trip, idx, latest); err != nil {
		return err
	}
	arrivals, err := m.store.StopArrivals(ctx, trip.ID)
	if err != nil {
		return fmt.Errorf("load stop arrivals: %w", err)
	}
	var conf *conformity.Result
	if res, err := m.engine.Evaluate(idx.Route(), arrivals, latest); err == nil {
		conf = &res
	} else {
		m.logger.Debug("conformity not evaluated", "trip", trip.ID, "error", err)
	}

	out, err := m.lifecycle.Arrive(ctx, trip.ID, idx, latest)
	if err != nil {
		return fmt.Errorf("arrive: %w", err)
	}
	m.observe(out)
	if out.Transitioned {
		m.validator.Forget(trip.ID)
		return nil
	}

	est := monitoring.EstimateDelay(out.Trip, idx.Route(), arrivals, now, m.analyzer.RecoveryRate())
	out, err = m.lifecycle.ApplyAdherence(ctx, trip.ID, est.DelayMinutes)
	if err != nil {
		return fmt.Errorf("apply adherence: %w", err)
	}
	m.observe(out)
	trip = out.Trip

	window, err := m.store.Positions(ctx, trip.ID, now.Add(-m.detector.Thresholds().Window), true)
	if err != nil {
		return fmt.Errorf("load window: %w", err)
	}
	rep, err := m.detector.Inspect(ctx, emergency.Input{Trip: trip, Index: idx, Window: window, Conformity: conf})
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	if m.metrics != nil {
		for _, in := range rep.Incidents {
			m.metrics.Incidents.WithLabelValues(string(in.Type), string(in.Severity)).Inc()
		}
		if rep.Interrupted {
			m.metrics.Transitions.WithLabelValues(string(fleet.StatusInterrupted)).Inc()
		}
	}
	m.emit(rep.Events...)
	if rep.Interrupted {
		m.validator.Forget(trip.ID)
	}
	return nil
}

// observe forwards an outcome's events and counts its transition.
func (m *Manager) observe(out lifecycle.Outcome) {
	if out.Transitioned && m.metrics != nil {
		m.metrics.Transitions.WithLabelValues(string(out.Trip.Status)).Inc()
	}
	m.emit(out.Events...)
}

// routeIndex returns the cached stop index of a route, building it on
// first use.
func (m *Manager) routeIndex(ctx context.Context, routeID string) (*geo.StopIndex, error) {
	m.mu.Lock()
	idx, ok := m.indexes[routeID]
	m.mu.Unlock()
	if ok {
		return idx, nil
	}
	r, err := m.store.Route(ctx, routeID)
	if err != nil {
		return nil, err
	}
	if len(r.Stops) < 2 {
		return nil, fmt.Errorf("route %s: %w", routeID, fleet.ErrInvalidRoute)
	}
	idx = geo.NewStopIndex(r)
	m.mu.Lock()
	m.indexes[routeID] = idx
	m.mu.Unlock()
	return idx, nil
}

// InvalidateRoutes drops cached stop indexes so edited reference data is
// picked up on the next tick.
func (m *Manager) InvalidateRoutes() {
	m.mu.Lock()
	m.indexes = make(map[string]*geo.StopIndex)
	m.mu.Unlock()
}

func (m *Manager) updatePunctuality(ctx context.Context, now time.Time) {
	if m.metrics == nil {
		return
	}
	from := fleet.Midnight(now)
	trips, err := m.store.TripsBetween(ctx, from, from.AddDate(0, 0, 1))
	if err != nil {
		logging.LogError(m.logger, "load trips for punctuality", err)
		return
	}
	for b, n := range monitoring.Punctuality(trips) {
		m.metrics.Punctuality.WithLabelValues(string(b)).Set(float64(n))
	}
}

// StartRefresher launches a background loop that periodically generates
// trips for today and tomorrow from the active schedules.
func (m *Manager) StartRefresher(parent context.Context) {
	if m.opts.GenerationInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	m.refreshCancel = cancel
	m.refreshWG.Add(1)
	go func() {
		defer m.refreshWG.Done()
		// immediate refresh on start
		if err := m.RefreshSchedules(ctx); err != nil {
			logging.LogError(m.logger, "generate trips", err)
		}
		ticker := time.NewTicker(m.opts.GenerationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.RefreshSchedules(ctx); err != nil {
					logging.LogError(m.logger, "generate trips", err)
				}
			}
		}
	}()
}

// RefreshSchedules generates the missing trips of today and tomorrow and
// drops cached route indexes.
func (m *Manager) RefreshSchedules(ctx context.Context) error {
	m.InvalidateRoutes()
	today := fleet.Midnight(m.clock.Now())
	for _, day := range []time.Time{today, today.AddDate(0, 0, 1)} {
		rep, err := m.scheduler.Generate(ctx, day)
		if err != nil {
			return err
		}
		for _, t := range rep.Created {
			m.emit(allocationEvent(t, "generated"))
		}
		if m.metrics != nil {
			m.metrics.TripsGenerated.Add(float64(len(rep.Created)))
			m.metrics.Allocations.WithLabelValues(outcomeNoResources).Add(float64(rep.Skipped))
			m.metrics.Allocations.WithLabelValues(outcomeOK).Add(float64(len(rep.Created)))
		}
		logging.LogOperation(m.logger, "trips generated",
			slog.Time("day", day), slog.Int("created", len(rep.Created)),
			slog.Int("existing", rep.Existing), slog.Int("skipped", rep.Skipped), slog.Int("past", rep.Past))
	}
	return nil
}
