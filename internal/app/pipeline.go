// Package app runs the ingestion pipeline and wires the service together.
package app

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/okian/iuuwatch/internal/adapters/mq/worker"
	"github.com/okian/iuuwatch/internal/domain/features"
	"github.com/okian/iuuwatch/internal/domain/geofence"
	"github.com/okian/iuuwatch/internal/domain/model"
	"github.com/okian/iuuwatch/pkg/logger"
	"github.com/okian/iuuwatch/pkg/metrics"
)

// Sentinel kinds for pipeline errors.
var (
	ErrCycleInProgress = errors.New("ingestion cycle already running")
	ErrInvalidWindow   = errors.New("lookback must cover the poll interval")
)

// EventSource fetches the events of a time window.
type EventSource interface {
	FetchWindow(ctx context.Context, start, end time.Time) iter.Seq2[model.RawEvent, error]
}

// RegionProvider returns the monitored region.
type RegionProvider interface {
	Region(ctx context.Context) (*geofence.Region, error)
}

// Vectorizer turns an event into features.
type Vectorizer interface {
	Vectorize(e model.RawEvent) (features.Vector, error)
}

// ExemptionChecker answers licence lookups.
type ExemptionChecker interface {
	IsExempt(ctx context.Context, vesselID string) (bool, error)
}

// Submitter hands scoring jobs to the worker pool.
type Submitter interface {
	Submit(ctx context.Context, job worker.Job) error
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithPollInterval sets the time between cycle starts.
func WithPollInterval(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithLookback sets the trailing window length.
func WithLookback(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			p.lookback = d
		}
	}
}

// WithMaxCycleDuration bounds a single cycle. Zero disables the bound.
func WithMaxCycleDuration(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d >= 0 {
			p.maxCycle = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithPipelineLogger sets the pipeline logger.
func WithPipelineLogger(l logger.Logger) PipelineOption {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// Pipeline runs fetch, geofence, exemption, vectorise, score, threshold and
// persist on a fixed cadence. Scoring and persistence happen on the worker
// pool; the pipeline waits for every submitted job before closing a cycle.
type Pipeline struct {
	source     EventSource
	regions    RegionProvider
	vectorizer Vectorizer
	exemptions ExemptionChecker
	pool       Submitter

	pollInterval time.Duration
	lookback     time.Duration
	maxCycle     time.Duration
	now          func() time.Time

	// running is held for the whole of a cycle; TryLock keeps a manual
	// trigger from overlapping the scheduled loop.
	running sync.Mutex
	state   atomic.Int32
	last    atomic.Pointer[CycleReport]
	cycles  atomic.Int64
	bg      sync.WaitGroup

	logger logger.Logger
}

// NewPipeline builds a pipeline. lookback must be at least the poll interval.
func NewPipeline(
	source EventSource,
	regions RegionProvider,
	vectorizer Vectorizer,
	exemptions ExemptionChecker,
	pool Submitter,
	opts ...PipelineOption,
) (*Pipeline, error) {
	p := &Pipeline{
		source:       source,
		regions:      regions,
		vectorizer:   vectorizer,
		exemptions:   exemptions,
		pool:         pool,
		pollInterval: time.Minute,
		lookback:     time.Hour,
		now:          time.Now,
		logger:       logger.Get().Named("pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.lookback < p.pollInterval+p.maxCycle {
		return nil, fmt.Errorf("%w: lookback %s < poll %s + max cycle %s",
			ErrInvalidWindow, p.lookback, p.pollInterval, p.maxCycle)
	}
	return p, nil
}

// State returns the current cycle-level state.
func (p *Pipeline) State() State { return State(p.state.Load()) }

// LastReport returns the most recent cycle report, or nil before the first.
func (p *Pipeline) LastReport() *CycleReport { return p.last.Load() }

// Cycles returns the number of completed cycles.
func (p *Pipeline) Cycles() int64 { return p.cycles.Load() }

// String names the pipeline for the supervisor.
func (p *Pipeline) String() string { return "ingestion-pipeline" }

// Serve runs a cycle immediately and then once per poll interval until ctx
// is done. A cycle in flight when ctx is cancelled runs to completion on a
// detached context; it is still bounded by the max cycle duration and the
// per-call timeouts of its collaborators.
func (p *Pipeline) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	defer p.state.Store(int32(StateStopped))

	p.logger.Info(ctx, "pipeline started",
		logger.Duration("poll_interval", p.pollInterval),
		logger.Duration("lookback", p.lookback),
	)

	for {
		if _, err := p.RunCycle(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, ErrCycleInProgress) {
			p.logger.Warn(ctx, "cycle aborted; retrying next interval", logger.Error(err))
		}

		p.state.Store(int32(StateSleeping))
		select {
		case <-ctx.Done():
			p.logger.Info(ctx, "pipeline stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Trigger starts one cycle in the background. It returns ErrCycleInProgress
// when a cycle is already running.
func (p *Pipeline) Trigger(ctx context.Context) (string, error) {
	if !p.running.TryLock() {
		return "", ErrCycleInProgress
	}
	id := uuid.NewString()
	cctx := context.WithoutCancel(ctx)

	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		defer p.running.Unlock()
		if _, err := p.runCycle(cctx, id); err != nil {
			p.logger.Warn(cctx, "triggered cycle aborted", logger.String("cycle_id", id), logger.Error(err))
		}
	}()
	return id, nil
}

// Wait blocks until triggered cycles have finished.
func (p *Pipeline) Wait() { p.bg.Wait() }

// RunCycle runs one cycle synchronously. It returns ErrCycleInProgress when
// another cycle holds the pipeline. The error is non-nil when the cycle was
// aborted; the report is filled either way.
func (p *Pipeline) RunCycle(ctx context.Context) (CycleReport, error) {
	if !p.running.TryLock() {
		return CycleReport{}, ErrCycleInProgress
	}
	defer p.running.Unlock()
	return p.runCycle(ctx, uuid.NewString())
}

// cycle carries the mutable state of one run. Done callbacks run on worker
// goroutines, so counters are guarded by mu.
type cycle struct {
	id     string
	mu     sync.Mutex
	report CycleReport
	abort  error
	cancel context.CancelFunc
}

func (c *cycle) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.abort == nil {
		c.abort = err
		c.cancel()
	}
}

func (c *cycle) aborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abort != nil
}

func (c *cycle) count(f func(r *CycleReport)) {
	c.mu.Lock()
	f(&c.report)
	c.mu.Unlock()
}

func (c *cycle) collect(o worker.Outcome) {
	var mismatch *model.SchemaMismatchError
	if o.ScoreErr != nil && errors.As(o.ScoreErr, &mismatch) {
		c.fail(o.ScoreErr)
	}

	c.count(func(r *CycleReport) {
		switch {
		case o.ScoreErr != nil:
			r.ScoreErrors++
		case o.SinkErr != nil:
			r.Scored++
			r.SinkErrors++
		default:
			r.Scored++
			if o.Alerted {
				r.Alerted++
			}
			if o.Duplicate {
				r.Duplicates++
			}
		}
	})
}

func (p *Pipeline) runCycle(ctx context.Context, id string) (CycleReport, error) {
	started := p.now()
	end := started.UTC()
	start := end.Add(-p.lookback)

	prev := p.state.Swap(int32(StateRunning))
	defer p.state.CompareAndSwap(int32(StateRunning), prev)
	log := p.logger.Named("cycle")

	if p.maxCycle > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.maxCycle)
		defer cancel()
	}
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &cycle{
		id:     id,
		report: CycleReport{ID: id, WindowStart: start, WindowEnd: end, StartedAt: end},
		cancel: cancel,
	}

	log.Debug(cctx, "cycle started",
		logger.String("cycle_id", id),
		logger.Time("window_start", start),
		logger.Time("window_end", end),
	)

	if region, err := p.regions.Region(cctx); err != nil {
		c.fail(err)
	} else {
		p.ingest(cctx, c, region, start, end, log)
	}

	c.mu.Lock()
	report := c.report
	abort := c.abort
	c.mu.Unlock()

	elapsed := p.now().Sub(started)
	report.DurationMS = elapsed.Milliseconds()
	if abort != nil {
		report.Error = abort.Error()
	}
	report.record(elapsed)
	p.last.Store(&report)
	p.cycles.Add(1)

	fields := []logger.Field{
		logger.String("cycle_id", id),
		logger.Time("window_start", start),
		logger.Time("window_end", end),
		logger.Int64("duration_ms", report.DurationMS),
		logger.Int("fetched", report.Fetched),
		logger.Int("outside", report.Outside),
		logger.Int("exempt", report.Exempt),
		logger.Int("malformed", report.Malformed),
		logger.Int("lookup_failures", report.LookupFailures),
		logger.Int("scored", report.Scored),
		logger.Int("alerted", report.Alerted),
		logger.Int("duplicates", report.Duplicates),
		logger.Int("sink_errors", report.SinkErrors),
		logger.Int("score_errors", report.ScoreErrors),
	}
	if abort != nil {
		log.Error(ctx, "cycle aborted", append(fields, logger.Error(abort))...)
		return report, fmt.Errorf("cycle %s: %w", id, abort)
	}
	log.Info(ctx, "cycle finished", fields...)
	return report, nil
}

// ingest walks the window and submits every event that survives the cheap
// filters. It returns once all submitted jobs have reported back.
func (p *Pipeline) ingest(
	ctx context.Context,
	c *cycle,
	region *geofence.Region,
	start, end time.Time,
	log logger.Logger,
) {
	var pending sync.WaitGroup
	defer pending.Wait()

	for e, err := range p.source.FetchWindow(ctx, start, end) {
		if err != nil {
			c.fail(err)
			return
		}
		if c.aborted() {
			return
		}
		c.count(func(r *CycleReport) { r.Fetched++ })

		if err := e.Validate(); err != nil {
			c.count(func(r *CycleReport) { r.Malformed++ })
			log.Debug(ctx, "malformed event skipped", logger.String("event", e.Key()), logger.Error(err))
			continue
		}

		lat, lon := e.Position()
		if !region.Contains(lat, lon) {
			c.count(func(r *CycleReport) { r.Outside++ })
			log.Debug(ctx, "outside region", logger.String("vessel_id", e.VesselID))
			continue
		}

		exempt, err := p.exemptions.IsExempt(ctx, e.VesselID)
		switch {
		case err != nil:
			// Lookup failures count as not exempt.
			c.count(func(r *CycleReport) { r.LookupFailures++ })
			metrics.RecordExemptionLookupFailure()
			log.Warn(ctx, "exemption lookup failed; treating as not exempt",
				logger.String("vessel_id", e.VesselID),
				logger.Error(err),
			)
		case exempt:
			c.count(func(r *CycleReport) { r.Exempt++ })
			log.Debug(ctx, "exempt vessel", logger.String("vessel_id", e.VesselID))
			continue
		}

		vec, err := p.vectorizer.Vectorize(e)
		if err != nil {
			c.count(func(r *CycleReport) { r.Malformed++ })
			log.Debug(ctx, "vectorize failed", logger.String("event", e.Key()), logger.Error(err))
			continue
		}

		pending.Add(1)
		job := worker.Job{
			Ctx:     ctx,
			CycleID: c.id,
			Event:   e,
			Vector:  vec,
			Done: func(o worker.Outcome) {
				defer pending.Done()
				c.collect(o)
			},
		}
		if err := p.pool.Submit(ctx, job); err != nil {
			pending.Done()
			c.fail(fmt.Errorf("submit scoring job: %w", err))
			return
		}
	}
}
