package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/okian/iuuwatch/internal/adapters/eventsource"
	"github.com/okian/iuuwatch/internal/adapters/mq/queue"
	"github.com/okian/iuuwatch/internal/adapters/mq/worker"
	"github.com/okian/iuuwatch/internal/adapters/repository"
	"github.com/okian/iuuwatch/internal/adapters/upstream"
	"github.com/okian/iuuwatch/internal/adapters/wfs"
	"github.com/okian/iuuwatch/internal/config"
	"github.com/okian/iuuwatch/internal/domain/features"
	"github.com/okian/iuuwatch/internal/domain/geofence"
	"github.com/okian/iuuwatch/internal/domain/model"
	"github.com/okian/iuuwatch/internal/domain/scoring"
	"github.com/okian/iuuwatch/pkg/logger"
	"github.com/okian/iuuwatch/pkg/metrics"
)

const (
	eventsSource = "events"
	wfsSource    = "wfs"
)

// Option applies a configuration option to the Service. Options replace the
// collaborators New would otherwise build from configuration.
type Option func(*Service)

// WithAlertStore injects the alert store.
func WithAlertStore(s repository.AlertStore) Option {
	return func(svc *Service) { svc.store = s }
}

// WithExemptions injects the licence registry.
func WithExemptions(r ExemptionChecker) Option {
	return func(svc *Service) { svc.exemptions = r }
}

// WithEventSource injects the event source.
func WithEventSource(src EventSource) Option {
	return func(svc *Service) { svc.source = src }
}

// WithRegionFetcher injects the geofence fetcher.
func WithRegionFetcher(f geofence.Fetcher) Option {
	return func(svc *Service) { svc.fetcher = f }
}

// WithScorer injects the classifier.
func WithScorer(s worker.Scorer) Option {
	return func(svc *Service) { svc.scorer = s }
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(svc *Service) {
		if l != nil {
			svc.logger = l
		}
	}
}

// WithPipelineOptions forwards options to the pipeline.
func WithPipelineOptions(opts ...PipelineOption) Option {
	return func(svc *Service) { svc.pipelineOpts = append(svc.pipelineOpts, opts...) }
}

// Service owns every long-lived component and exposes what the HTTP layer
// needs.
type Service struct {
	cfg *config.Config

	store      repository.AlertStore
	exemptions ExemptionChecker
	source     EventSource
	fetcher    geofence.Fetcher
	scorer     worker.Scorer

	db       *sql.DB
	regions  *geofence.Provider
	queue    *queue.InMemoryQueue[worker.Job]
	pool     *worker.Pool
	pipeline *Pipeline
	clients  []*upstream.Client

	pipelineOpts []PipelineOption

	mu      sync.RWMutex
	started bool

	logger logger.Logger
}

// New builds the service from cfg. cfg must have passed Validate.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	s := &Service{cfg: cfg, logger: logger.Get().Named("service")}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.buildStore(ctx); err != nil {
		return nil, err
	}
	s.buildUpstreams()

	if s.scorer == nil {
		m, err := scoring.Load(cfg.ModelPath)
		if err != nil {
			s.closeDB()
			return nil, err
		}
		s.logger.Info(ctx, "classifier loaded",
			logger.String("path", cfg.ModelPath),
			logger.String("schema", m.SchemaVersion()),
		)
		s.scorer = m
	}

	s.regions = geofence.NewProvider(s.fetcher, cfg.RegionID)
	s.queue = queue.NewInMemoryQueue[worker.Job](
		queue.WithCapacity(cfg.QueueSize),
		queue.WithName("scoring"),
	)
	pool, err := worker.NewPool(cfg.WorkerCount, s.queue, s.scorer, s.store, cfg.Threshold,
		worker.WithLogger(s.logger),
	)
	if err != nil {
		s.closeDB()
		return nil, err
	}
	s.pool = pool

	popts := append([]PipelineOption{
		WithPollInterval(cfg.PollInterval),
		WithLookback(cfg.Lookback),
		WithMaxCycleDuration(cfg.MaxCycleDuration),
	}, s.pipelineOpts...)
	s.pipeline, err = NewPipeline(
		s.source,
		s.regions,
		features.NewVectorizer(features.WithResolution(cfg.GridResolution)),
		s.exemptions,
		s.pool,
		popts...,
	)
	if err != nil {
		s.closeDB()
		return nil, err
	}
	return s, nil
}

func (s *Service) buildStore(ctx context.Context) error {
	if s.store != nil {
		if s.exemptions == nil {
			if r, ok := s.store.(ExemptionChecker); ok {
				s.exemptions = r
			}
		}
		if s.exemptions == nil {
			return errors.New("no licence registry configured")
		}
		return nil
	}

	switch s.cfg.StoreDriver {
	case config.StoreDriverMemory:
		mem := repository.NewMemoryStore()
		s.store = mem
		if s.exemptions == nil {
			s.exemptions = mem
		}
		s.logger.Warn(ctx, "using in-memory alert store; alerts are lost on restart")
	case config.StoreDriverPostgres:
		if err := repository.Migrate(s.cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		db, err := repository.OpenPostgres(ctx, s.cfg.DatabaseURL, s.cfg.DBMaxOpenConns)
		if err != nil {
			return err
		}
		s.db = db
		pg := repository.NewPostgresStore(db, repository.WithQueryTimeout(s.cfg.DBTimeout))
		s.store = pg
		if s.exemptions == nil {
			s.exemptions = pg
		}
		s.logger.Info(ctx, "using postgres alert store")
	default:
		return fmt.Errorf("%w: unknown store driver %q", config.ErrInvalidConfig, s.cfg.StoreDriver)
	}
	return nil
}

func (s *Service) buildUpstreams() {
	cfg := s.cfg
	if s.source == nil {
		events := upstream.New(eventsSource,
			upstream.WithTimeout(cfg.EventsTimeout),
			upstream.WithBearerToken(cfg.EventsToken),
			upstream.WithRateLimit(cfg.EventsRPS, 1),
			upstream.WithBreaker(cfg.BreakerFailures, cfg.BreakerTimeout),
		)
		s.clients = append(s.clients, events)
		s.source = eventsource.New(events, cfg.EventsBaseURL,
			eventsource.BoundingBox{
				MinLat: cfg.Bounds.MinLat,
				MaxLat: cfg.Bounds.MaxLat,
				MinLon: cfg.Bounds.MinLon,
				MaxLon: cfg.Bounds.MaxLon,
			},
			eventsource.WithPageSize(cfg.EventsPageSize),
			eventsource.WithMaxPages(cfg.EventsMaxPages),
			eventsource.WithDataset(cfg.EventsDataset),
			eventsource.WithDedupeSize(cfg.DedupeSize),
		)
	}
	if s.fetcher == nil {
		geo := upstream.New(wfsSource,
			upstream.WithTimeout(cfg.WFSTimeout),
			upstream.WithBreaker(cfg.BreakerFailures, cfg.BreakerTimeout),
		)
		s.clients = append(s.clients, geo)
		s.fetcher = wfs.New(geo, cfg.WFSURL,
			wfs.WithTypeName(cfg.WFSTypeName),
			wfs.WithIDProperty(cfg.WFSIDProperty),
		)
	}
}

// Start loads the monitored region and launches the worker pool. A region
// that cannot be fetched is a *model.FetchError and the service does not
// start. The pipeline itself is run by the caller, normally under the
// supervisor.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if _, err := s.regions.Region(ctx); err != nil {
		s.logger.Error(ctx, "geofence region unavailable at startup",
			logger.String("region_id", s.cfg.RegionID),
			logger.Error(err),
		)
		return err
	}
	s.pool.Start()
	s.started = true
	s.logger.Info(ctx, "service started",
		logger.Int("workers", s.pool.Size()),
		logger.Int("queue_size", s.queue.Cap()),
		logger.String("region_id", s.cfg.RegionID),
		logger.Float64("threshold", s.cfg.Threshold),
	)
	return nil
}

// Stop waits for triggered cycles, drains the worker pool and closes the
// database. Call it after the pipeline's Serve has returned.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.closeDB()
		return nil
	}

	s.pipeline.Wait()
	err := s.pool.Shutdown(ctx)
	s.closeDB()
	s.started = false
	s.logger.Info(ctx, "service stopped")
	return err
}

func (s *Service) closeDB() {
	if s.db != nil {
		_ = s.db.Close()
		s.db = nil
	}
}

// Pipeline returns the ingestion pipeline.
func (s *Service) Pipeline() *Pipeline { return s.pipeline }

// Store returns the alert store.
func (s *Service) Store() repository.AlertStore { return s.store }

// Alerts returns a cursor page of alerts.
func (s *Service) Alerts(ctx context.Context, after int64, limit int) ([]model.Alert, error) {
	return s.store.After(ctx, after, limit)
}

// TriggerCycle starts an out-of-schedule cycle.
func (s *Service) TriggerCycle(ctx context.Context) (string, error) {
	return s.pipeline.Trigger(ctx)
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats(ctx context.Context) map[string]any {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	stats := map[string]any{
		"started":       started,
		"state":         s.pipeline.State().String(),
		"cycles":        s.pipeline.Cycles(),
		"store_driver":  s.cfg.StoreDriver,
		"region_id":     s.cfg.RegionID,
		"region_loaded": s.regions.Loaded(),
		"threshold":     s.cfg.Threshold,
		"worker_count":  s.pool.Size(),
		"queue_length":  s.queue.Len(),
	}
	metrics.UpdateQueueSize(s.queue.Len())

	if n, err := s.store.Count(ctx); err == nil {
		stats["alert_count"] = n
	} else {
		s.logger.Warn(ctx, "alert count failed", logger.Error(err))
	}
	if last := s.pipeline.LastReport(); last != nil {
		stats["last_cycle"] = last
	}
	if len(s.clients) > 0 {
		breakers := make(map[string]string, len(s.clients))
		for _, c := range s.clients {
			breakers[c.Source()] = c.BreakerState()
		}
		stats["breakers"] = breakers
	}
	return stats
}
