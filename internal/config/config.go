package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"fleet-tracker/internal/tracker"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

type Config struct {
	StoreBackend string `validate:"oneof=memory postgres"`
	DatabaseURL  string `validate:"required_if=StoreBackend postgres"`
	DBName       string
	SeedFile     string

	NATSEnabled     bool
	NATSURL         string `validate:"required_if=NATSEnabled true"`
	LogNATSSubjects bool

	HTTPAddr string `validate:"required"`
	// MetricsAddr serves /metrics on its own listener. Empty keeps it on
	// the API router only.
	MetricsAddr string

	TickInterval       time.Duration `validate:"min=15s,max=60s"`
	GenerationInterval time.Duration `validate:"gte=0"`
	MaxWorkers         int           `validate:"min=1,max=1024"`
	StaleAfter         time.Duration `validate:"gt=0"`
	EventQueueSize     int           `validate:"min=1"`
	RecoveryRate       float64       `validate:"gte=0,lte=1"`
	PreDepartureWindow time.Duration `validate:"gte=0"`
	IngestRatePerSec   float64       `validate:"gte=0"`
	IngestBurst        int           `validate:"gte=0"`
	IngestWorkers      int           `validate:"min=1,max=256"`

	OTLPEndpoint string
	LogLevel     string `validate:"omitempty,oneof=debug info warn warning error"`
	LogFormat    string `validate:"omitempty,oneof=text json"`
	Location     *time.Location
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{
		StoreBackend: strings.ToLower(getenvDefault("STORE_BACKEND", BackendMemory)),
		DBName:       os.Getenv("DB_NAME"),
		SeedFile:     os.Getenv("SEED_FILE"),
		NATSURL:      getenvDefault("NATS_URL", "nats://127.0.0.1:4222"),
		HTTPAddr:     getenvDefault("HTTP_ADDR", ":8080"),
		MetricsAddr:  os.Getenv("METRICS_ADDR"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:     strings.ToLower(getenvDefault("LOG_LEVEL", "info")),
		LogFormat:    strings.ToLower(getenvDefault("LOG_FORMAT", "text")),
	}

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars
	cfg.DatabaseURL = firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN"))
	if cfg.DatabaseURL == "" && os.Getenv("PGDATABASE") != "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		sslmode := getenvDefault("PGSSLMODE", "disable")
		userinfo := urlEscape(user)
		if pass != "" {
			userinfo += ":" + urlEscape(pass)
		}
		cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", userinfo, host, port, os.Getenv("PGDATABASE"), sslmode)
	}

	var err error
	if cfg.NATSEnabled, err = getenvBool("NATS_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.LogNATSSubjects, err = getenvBool("LOG_NATS_SUBJECTS", false); err != nil {
		return nil, err
	}

	defaults := tracker.DefaultOptions()
	if cfg.TickInterval, err = getenvDuration("TICK_INTERVAL_SEC", time.Second, defaults.TickInterval); err != nil {
		return nil, err
	}
	if cfg.GenerationInterval, err = getenvDuration("GENERATION_INTERVAL_MIN", time.Minute, defaults.GenerationInterval); err != nil {
		return nil, err
	}
	// Positions older than one tick are stale unless configured otherwise.
	if cfg.StaleAfter, err = getenvDuration("STALE_AFTER_SEC", time.Second, cfg.TickInterval); err != nil {
		return nil, err
	}
	if cfg.PreDepartureWindow, err = getenvDuration("PRE_DEPARTURE_WINDOW_MIN", time.Minute, defaults.PreDepartureWindow); err != nil {
		return nil, err
	}
	if cfg.MaxWorkers, err = getenvInt("MAX_WORKERS", defaults.MaxWorkers); err != nil {
		return nil, err
	}
	if cfg.EventQueueSize, err = getenvInt("EVENT_QUEUE_SIZE", defaults.EventQueueSize); err != nil {
		return nil, err
	}
	if cfg.IngestBurst, err = getenvInt("INGEST_BURST", defaults.IngestBurst); err != nil {
		return nil, err
	}
	if cfg.IngestWorkers, err = getenvInt("INGEST_WORKERS", 8); err != nil {
		return nil, err
	}
	if cfg.RecoveryRate, err = getenvFloat("DELAY_RECOVERY_RATE", defaults.RecoveryRate); err != nil {
		return nil, err
	}
	if cfg.IngestRatePerSec, err = getenvFloat("INGEST_RATE_PER_SEC", defaults.IngestPerSecond); err != nil {
		return nil, err
	}

	// Time zone
	if tzName := os.Getenv("TZ"); tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field requirements.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Field(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

// TrackerOptions maps the configuration onto tracker.Options.
func (c *Config) TrackerOptions() tracker.Options {
	opts := tracker.DefaultOptions()
	opts.TickInterval = c.TickInterval
	opts.GenerationInterval = c.GenerationInterval
	opts.MaxWorkers = c.MaxWorkers
	opts.StaleAfter = c.StaleAfter
	opts.EventQueueSize = c.EventQueueSize
	opts.RecoveryRate = c.RecoveryRate
	opts.PreDepartureWindow = c.PreDepartureWindow
	opts.IngestPerSecond = c.IngestRatePerSec
	opts.IngestBurst = c.IngestBurst
	return opts
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return n, nil
}

func getenvFloat(k string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return f, nil
}

// getenvDuration reads an integer count of unit.
func getenvDuration(k string, unit, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return time.Duration(n) * unit, nil
}

func getenvBool(k string, def bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(k)))
	switch v {
	case "":
		return def, nil
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid %s: %q", k, v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("%", "%25", "@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
