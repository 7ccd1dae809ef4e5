package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleet-tracker/internal/api"
	"fleet-tracker/internal/clock"
	"fleet-tracker/internal/config"
	"fleet-tracker/internal/db"
	"fleet-tracker/internal/logging"
	"fleet-tracker/internal/metrics"
	"fleet-tracker/internal/publisher"
	"fleet-tracker/internal/seed"
	"fleet-tracker/internal/store"
	"fleet-tracker/internal/tracing"
	"fleet-tracker/internal/tracker"
)

var version = "dev"

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := logging.Init(cfg.LogLevel, cfg.LogFormat)

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := tracing.InitTracing(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		fatal(logger, "tracing init", err)
	}
	defer shutdownTracing()

	st, err := openStore(ctx, cfg)
	if err != nil {
		fatal(logger, "store init", err)
	}
	defer st.Close()

	// Metrics setup
	mcol := metrics.NewCollector(cfg.TickInterval, cfg.MaxWorkers)
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = mcol.Serve(cfg.MetricsAddr)
	}

	// Event sink: NATS when enabled, the log otherwise
	var sink tracker.Sink = tracker.LogSink{Logger: logging.Component("events")}
	var pub *publisher.NATSPublisher
	if cfg.NATSEnabled {
		pub, err = publisher.NewNATSPublisher(cfg.NATSURL, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol))
		if err != nil {
			fatal(logger, "nats connect", err)
		}
		sink = pub
	}

	mgr := tracker.NewManager(st, clock.RealClock{Location: cfg.Location}, sink, mcol, cfg.TrackerOptions())
	if err := mgr.RefreshSchedules(ctx); err != nil {
		logging.LogError(logger, "initial trip generation", err)
	}
	mgr.Start(ctx)

	if pub != nil {
		if err := pub.SubscribePositions(ctx, mgr, cfg.IngestWorkers); err != nil {
			fatal(logger, "nats subscribe", err)
		}
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.New(mgr, mcol.Handler()).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.LogError(logger, "http server", err)
			cancel()
		}
	}()
	logger.Info("http listening", "addr", cfg.HTTPAddr, "store", cfg.StoreBackend, "nats", cfg.NATSEnabled)

	// Block until context cancelled
	<-ctx.Done()

	// Graceful shutdown: stop intake first, then the tracker (which flushes
	// queued events to the sink), then the broker connection.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
	mgr.Stop()
	if pub != nil {
		pub.Close()
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	logger.Info("shutdown complete")
}

func fatal(logger *slog.Logger, msg string, err error) {
	logging.LogError(logger, msg, err)
	os.Exit(1)
}

// openStore builds the configured backend and loads the seed file into it.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	var data *seed.Data
	if cfg.SeedFile != "" {
		d, err := seed.Load(cfg.SeedFile, cfg.Location)
		if err != nil {
			return nil, err
		}
		data = &d
	}

	if cfg.StoreBackend == config.BackendMemory {
		mem := store.NewMemory()
		if data != nil {
			data.ApplyMemory(mem)
		}
		return mem, nil
	}

	dsn := cfg.DatabaseURL
	if cfg.DBName != "" {
		var err error
		if dsn, err = db.WithDBName(dsn, cfg.DBName); err != nil {
			return nil, err
		}
	}
	sqlDB, err := db.Open(dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := db.Migrate(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}
	pg := db.New(sqlDB)
	if data != nil {
		if err := data.Apply(ctx, pg); err != nil {
			sqlDB.Close()
			return nil, err
		}
	}
	return pg, nil
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}
