package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	ActiveTrips prometheus.Gauge
	Transitions *prometheus.CounterVec // to label: trip status entered

	Ticks        prometheus.Counter
	TickDuration prometheus.Histogram
	TripErrors   prometheus.Counter

	PositionsAccepted prometheus.Counter
	PositionsRejected *prometheus.CounterVec // reason label
	Incidents         *prometheus.CounterVec // type, severity labels
	Allocations       *prometheus.CounterVec // outcome label: ok|no_resources|error
	TripsGenerated    prometheus.Counter
	Punctuality       *prometheus.GaugeVec // bucket label

	EventsQueued    prometheus.Counter
	EventsDropped   prometheus.Counter
	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	TickInterval prometheus.Gauge // seconds
	MaxWorkers   prometheus.Gauge
}

func NewCollector(tickInterval time.Duration, maxWorkers int) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ActiveTrips: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_active_trips",
			Help: "Number of trips processed by the last tick.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_trip_transitions_total",
			Help: "Trip status transitions by target status.",
		}, []string{"to"}),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_ticks_total",
			Help: "Total tracking ticks run.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_tick_duration_seconds",
			Help:    "Duration of a full tracking tick.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		TripErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_trip_errors_total",
			Help: "Per-trip pipeline failures isolated by the tick loop.",
		}),
		PositionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_positions_accepted_total",
			Help: "Positions stored as valid.",
		}),
		PositionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_positions_rejected_total",
			Help: "Position submissions rejected or stored as invalid, by reason.",
		}, []string{"reason"}),
		Incidents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_incidents_total",
			Help: "Incidents opened by type and severity.",
		}, []string{"type", "severity"}),
		Allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_allocations_total",
			Help: "Allocation attempts by outcome.",
		}, []string{"outcome"}),
		TripsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_trips_generated_total",
			Help: "Trips generated from schedules.",
		}),
		Punctuality: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tracker_punctuality_trips",
			Help: "Today's departed trips per punctuality bucket.",
		}, []string{"bucket"}),
		EventsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_events_queued_total",
			Help: "Events accepted by the outbox.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_events_dropped_total",
			Help: "Events dropped because the outbox was full.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		TickInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_tick_interval_seconds",
			Help: "Tick interval in seconds.",
		}),
		MaxWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_max_workers",
			Help: "Upper bound of concurrent per-trip workers.",
		}),
	}

	reg.MustRegister(
		c.ActiveTrips, c.Transitions,
		c.Ticks, c.TickDuration, c.TripErrors,
		c.PositionsAccepted, c.PositionsRejected, c.Incidents, c.Allocations, c.TripsGenerated, c.Punctuality,
		c.EventsQueued, c.EventsDropped,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.TickInterval, c.MaxWorkers,
	)

	c.TickInterval.Set(tickInterval.Seconds())
	c.MaxWorkers.Set(float64(maxWorkers))

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()
	slog.Info("metrics listening", "addr", addr)
	return srv
}
