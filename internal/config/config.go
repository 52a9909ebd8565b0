// Package config defines service configuration and its defaults.
//
// Required settings have no default. Load rejects a configuration where any
// of them is absent.
package config

import (
	"context"
	"time"
)

// Store drivers.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// LogFormat selects text or json output.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`
	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// StoreDriver is "postgres" or "memory". The memory driver keeps alerts
	// and licences in process and is meant for local runs.
	StoreDriver string `koanf:"store_driver"`
	// DatabaseURL is the Postgres DSN. Required for the postgres driver.
	DatabaseURL string `koanf:"database_url"`
	// DBTimeout bounds every store call.
	DBTimeout time.Duration `koanf:"db_timeout"`
	// DBMaxOpenConns caps the connection pool.
	DBMaxOpenConns int `koanf:"db_max_open_conns"`

	// ModelPath points at the classifier artifact.
	ModelPath string `koanf:"model_path"`

	// Event source.
	EventsBaseURL  string        `koanf:"events_base_url"`
	EventsToken    string        `koanf:"events_token"`
	EventsDataset  string        `koanf:"events_dataset"`
	EventsPageSize int           `koanf:"events_page_size"`
	EventsMaxPages int           `koanf:"events_max_pages"`
	EventsTimeout  time.Duration `koanf:"events_timeout"`
	EventsRPS      float64       `koanf:"events_rps"`

	// Geospatial feature service.
	WFSURL        string        `koanf:"wfs_url"`
	WFSTypeName   string        `koanf:"wfs_type_name"`
	WFSIDProperty string        `koanf:"wfs_id_property"`
	WFSTimeout    time.Duration `koanf:"wfs_timeout"`
	// RegionID is the numeric registry id of the monitored EEZ.
	RegionID string `koanf:"region_id"`

	// BBox is "minLat,maxLat,minLon,maxLon". Bounds holds the parsed value.
	BBox   string      `koanf:"bbox"`
	Bounds BoundingBox `koanf:"-"`

	// Threshold is the inclusive alert probability cut-off.
	Threshold float64 `koanf:"threshold"`
	// PollInterval is the sleep between ingestion cycles.
	PollInterval time.Duration `koanf:"poll_interval"`
	// Lookback is the trailing window fetched each cycle.
	Lookback time.Duration `koanf:"lookback"`
	// MaxCycleDuration is the expected worst-case cycle time. Lookback must
	// cover PollInterval plus this.
	MaxCycleDuration time.Duration `koanf:"max_cycle_duration"`
	// GridResolution is the spatial bin size in degrees.
	GridResolution float64 `koanf:"grid_resolution"`

	// QueueSize bounds the scoring job queue.
	QueueSize int `koanf:"queue_size"`
	// WorkerCount sets the number of scoring workers.
	WorkerCount int `koanf:"worker_count"`
	// DedupeSize bounds the per-fetch event id set. 0 means unbounded.
	DedupeSize int `koanf:"dedupe_size"`

	// StreamPollInterval is the sleep between alert stream polls.
	StreamPollInterval time.Duration `koanf:"stream_poll_interval"`
	// StreamBatchLimit caps rows read per stream poll.
	StreamBatchLimit int `koanf:"stream_batch_limit"`
	// MaxAlertsLimit caps GET /alerts?limit.
	MaxAlertsLimit int `koanf:"max_alerts_limit"`

	// BreakerFailures is the consecutive failure count that opens an upstream breaker.
	BreakerFailures uint32 `koanf:"breaker_failures"`
	// BreakerTimeout is how long an open breaker waits before half-open.
	BreakerTimeout time.Duration `koanf:"breaker_timeout"`
}

// BoundingBox is a lat/lon rectangle in degrees.
type BoundingBox struct {
	MinLat float64
	MaxLat float64
	MinLon float64
	MaxLon float64
}

// New returns a Config holding every default. Required settings are left
// zero.
func New(_ context.Context) *Config {
	return &Config{
		LogLevel:        "info",
		LogFormat:       "text",
		Addr:            ":8080",
		ShutdownTimeout: 10 * time.Second,

		StoreDriver:    StoreDriverPostgres,
		DBTimeout:      5 * time.Second,
		DBMaxOpenConns: 10,

		ModelPath: "models/fishing_classifier.v1.json",

		EventsBaseURL:  "https://api.globalfishingwatch.org/v3/events",
		EventsPageSize: 100,
		EventsMaxPages: 50,
		EventsTimeout:  30 * time.Second,
		EventsRPS:      5,

		WFSURL:        "https://geo.vliz.be/geoserver/wfs",
		WFSTypeName:   "MarineRegions:eez",
		WFSIDProperty: "mrgid_eez",
		WFSTimeout:    60 * time.Second,

		MaxCycleDuration: 5 * time.Minute,
		GridResolution:   0.25,

		QueueSize:   1024,
		WorkerCount: 4,
		DedupeSize:  0,

		StreamPollInterval: 5 * time.Second,
		StreamBatchLimit:   100,
		MaxAlertsLimit:     500,

		BreakerFailures: 5,
		BreakerTimeout:  60 * time.Second,
	}
}
