// Package worker scores vectorised events off the ingestion loop and
// persists the ones that clear the threshold.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/iuuwatch/internal/adapters/mq/queue"
	"github.com/okian/iuuwatch/internal/domain/features"
	"github.com/okian/iuuwatch/internal/domain/model"
	"github.com/okian/iuuwatch/pkg/logger"
	"github.com/okian/iuuwatch/pkg/metrics"
)

const poolShutdownTimeout = 30 * time.Second

// ErrInvalidThreshold is returned for thresholds outside (0, 1].
var ErrInvalidThreshold = errors.New("threshold must be in (0, 1]")

// Scorer maps a feature vector to a probability.
type Scorer interface {
	Score(ctx context.Context, v features.Vector) (float64, error)
}

// Sink persists alerts.
type Sink interface {
	Insert(ctx context.Context, a model.Alert) (id int64, created bool, err error)
}

// Job is one event ready for scoring. Done is called exactly once with the
// result, from the worker goroutine.
type Job struct {
	// Ctx bounds the scoring and insert calls for this job.
	Ctx     context.Context //nolint:containedctx // jobs outlive the enqueueing call
	CycleID string
	Event   model.RawEvent
	Vector  features.Vector
	Done    func(Outcome)
}

// Outcome reports what happened to one job.
type Outcome struct {
	Probability float64
	Scored      bool
	Alerted     bool
	Duplicate   bool
	AlertID     int64

	// ScoreErr is set when the scorer failed; SinkErr when the insert did.
	ScoreErr error
	SinkErr  error
}

// Queue defines how workers receive jobs.
type Queue interface {
	Dequeue() <-chan Job
}

// InMemoryWorker scores jobs and inserts alerts.
type InMemoryWorker struct {
	queue     Queue
	scorer    Scorer
	sink      Sink
	threshold float64
	name      string

	done   chan struct{}
	logger logger.Logger
}

// NewInMemoryWorker creates a worker.
func NewInMemoryWorker(q Queue, scorer Scorer, sink Sink, threshold float64, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:     q,
		scorer:    scorer,
		sink:      sink,
		threshold: threshold,
		name:      "worker",
		done:      make(chan struct{}),
		logger:    logger.Get(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named(w.name)
	return w
}

// Run processes jobs until the queue is closed and drained. Jobs already
// buffered are finished so no Done callback is lost on shutdown.
func (w *InMemoryWorker) Run() {
	defer close(w.done)

	for job := range w.queue.Dequeue() {
		if m, ok := w.queue.(interface{ MarkDequeued() }); ok {
			m.MarkDequeued()
		}
		out := w.Process(job)
		if job.Done != nil {
			job.Done(out)
		}
	}
}

// Done is closed when Run returns.
func (w *InMemoryWorker) Done() <-chan struct{} { return w.done }

// Process scores one job and inserts an alert when the probability reaches
// the threshold. Equal to the threshold passes.
func (w *InMemoryWorker) Process(job Job) Outcome { //nolint:gocritic // hugeParam: Job is passed by value through the channel
	start := time.Now()
	defer func() {
		metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Milliseconds()))
	}()

	ctx := job.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	scoreStart := time.Now()
	p, err := w.scorer.Score(ctx, job.Vector)
	metrics.RecordScoringLatency(float64(time.Since(scoreStart).Microseconds()) / 1000)
	if err != nil {
		metrics.RecordWorkerError()
		err = fmt.Errorf("score event %s: %w", job.Event.Key(), err)
		w.logger.Error(ctx, "scoring failed",
			logger.String("cycle_id", job.CycleID),
			logger.String("vessel_id", job.Event.VesselID),
			logger.Time("timestamp", job.Event.Timestamp),
			logger.Error(err),
		)
		return Outcome{ScoreErr: err}
	}
	metrics.RecordScore(p)

	out := Outcome{Probability: p, Scored: true}
	if p < w.threshold {
		w.logger.Debug(ctx, "below threshold",
			logger.String("cycle_id", job.CycleID),
			logger.String("vessel_id", job.Event.VesselID),
			logger.Float64("probability", p),
		)
		return out
	}

	id, created, err := w.sink.Insert(ctx, model.NewAlert(job.Event, p))
	if err != nil {
		metrics.RecordWorkerError()
		w.logger.Error(ctx, "alert insert failed",
			logger.String("cycle_id", job.CycleID),
			logger.String("vessel_id", job.Event.VesselID),
			logger.Time("timestamp", job.Event.Timestamp),
			logger.Error(err),
		)
		out.SinkErr = err
		return out
	}

	out.AlertID = id
	out.Alerted = created
	out.Duplicate = !created
	if created {
		w.logger.Info(ctx, "alert raised",
			logger.String("cycle_id", job.CycleID),
			logger.Int64("alert_id", id),
			logger.String("vessel_id", job.Event.VesselID),
			logger.Float64("probability", p),
		)
	}
	return out
}

// Pool runs a fixed set of workers over one queue.
type Pool struct {
	workers []*InMemoryWorker
	queue   *queue.InMemoryQueue[Job]
	active  atomic.Int32
	started sync.Once
	running atomic.Bool

	logger logger.Logger
}

// NewPool creates a pool. A workerCount below 1 uses runtime.NumCPU().
func NewPool(workerCount int, q *queue.InMemoryQueue[Job], scorer Scorer, sink Sink, threshold float64, opts ...Option) (*Pool, error) {
	if threshold <= 0 || threshold > 1 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidThreshold, threshold)
	}
	if workerCount < 1 {
		workerCount = runtime.NumCPU()
	}

	pool := &Pool{
		workers: make([]*InMemoryWorker, workerCount),
		queue:   q,
		logger:  logger.Get().Named("worker-pool"),
	}
	for i := range workerCount {
		workerOpts := append(slices.Clone(opts), WithName("worker-"+strconv.Itoa(i)))
		pool.workers[i] = NewInMemoryWorker(q, scorer, sink, threshold, workerOpts...)
	}

	metrics.UpdateWorkerCount(workerCount)
	metrics.UpdateWorkerActiveCount(0)

	return pool, nil
}

// Submit enqueues a job, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, job Job) error { //nolint:gocritic // hugeParam: Job is passed by value through the channel
	return p.queue.Enqueue(ctx, job)
}

// Start launches the workers. Calling it again is a no-op.
func (p *Pool) Start() {
	p.started.Do(func() {
		p.running.Store(true)
		for _, w := range p.workers {
			p.active.Add(1)
			metrics.UpdateWorkerActiveCount(int(p.active.Load()))
			go func(w *InMemoryWorker) {
				defer func() {
					metrics.UpdateWorkerActiveCount(int(p.active.Add(-1)))
				}()
				w.Run()
			}(w)
		}
	})
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Shutdown closes the queue and waits for the workers to drain it.
func (p *Pool) Shutdown(ctx context.Context) error {
	if err := p.queue.Close(); err != nil {
		p.logger.Error(ctx, "error closing queue", logger.Error(err))
	}
	if !p.running.Load() {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	for i, w := range p.workers {
		select {
		case <-w.done:
		case <-shutdownCtx.Done():
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
			return fmt.Errorf("worker pool shutdown: %w", shutdownCtx.Err())
		}
	}
	return nil
}
