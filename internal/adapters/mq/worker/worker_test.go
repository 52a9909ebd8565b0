package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/okian/iuuwatch/internal/adapters/mq/queue"
	"github.com/okian/iuuwatch/internal/adapters/mq/worker"
	"github.com/okian/iuuwatch/internal/domain/features"
	"github.com/okian/iuuwatch/internal/domain/model"
	logging "github.com/okian/iuuwatch/pkg/logger"
	"github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logging.Init()
}

// fixedScorer returns the same result for every vector.
type fixedScorer struct {
	p   float64
	err error
}

func (s fixedScorer) Score(ctx context.Context, _ features.Vector) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.p, s.err
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []model.Alert
	seen   map[string]int64
	err    error
	nextID int64
}

func newRecordingSink() *recordingSink {
	return &recordingSink{seen: make(map[string]int64)}
}

func (s *recordingSink) Insert(_ context.Context, a model.Alert) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, false, &model.SinkError{Op: "insert", Err: s.err}
	}
	key := a.VesselID + a.Timestamp.String()
	if id, ok := s.seen[key]; ok {
		return id, false, nil
	}
	s.nextID++
	a.ID = s.nextID
	s.seen[key] = a.ID
	s.alerts = append(s.alerts, a)
	return a.ID, true, nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

type chanQueue chan worker.Job

func (q chanQueue) Dequeue() <-chan worker.Job { return q }

func sampleJob(vessel string) worker.Job {
	return worker.Job{
		Ctx:     context.Background(),
		CycleID: "cycle-1",
		Event: model.RawEvent{
			VesselID:  vessel,
			Timestamp: time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC),
			Lat:       model.Float(10),
			Lon:       model.Float(20),
		},
	}
}

func TestInMemoryWorkerProcess(t *testing.T) {
	convey.Convey("Given a worker with threshold 0.60", t, func() {
		sink := newRecordingSink()

		convey.Convey("When the score is above the threshold", func() {
			w := worker.NewInMemoryWorker(chanQueue(nil), fixedScorer{p: 0.75}, sink, 0.60)
			out := w.Process(sampleJob("V1"))

			convey.Convey("Then one alert is inserted with the job's position", func() {
				convey.So(out.Scored, convey.ShouldBeTrue)
				convey.So(out.Alerted, convey.ShouldBeTrue)
				convey.So(out.AlertID, convey.ShouldEqual, 1)
				convey.So(sink.count(), convey.ShouldEqual, 1)
				a := sink.alerts[0]
				convey.So(a.VesselID, convey.ShouldEqual, "V1")
				convey.So(a.Lat, convey.ShouldEqual, 10.0)
				convey.So(a.Lon, convey.ShouldEqual, 20.0)
				convey.So(a.Probability, convey.ShouldEqual, 0.75)
			})
		})

		convey.Convey("When the score equals the threshold", func() {
			w := worker.NewInMemoryWorker(chanQueue(nil), fixedScorer{p: 0.60}, sink, 0.60)
			out := w.Process(sampleJob("V1"))

			convey.Convey("Then it passes", func() {
				convey.So(out.Alerted, convey.ShouldBeTrue)
				convey.So(sink.count(), convey.ShouldEqual, 1)
			})
		})

		convey.Convey("When the score is below the threshold", func() {
			w := worker.NewInMemoryWorker(chanQueue(nil), fixedScorer{p: 0.5999}, sink, 0.60)
			out := w.Process(sampleJob("V1"))

			convey.Convey("Then nothing is inserted", func() {
				convey.So(out.Scored, convey.ShouldBeTrue)
				convey.So(out.Alerted, convey.ShouldBeFalse)
				convey.So(sink.count(), convey.ShouldEqual, 0)
			})
		})

		convey.Convey("When the same event is processed twice", func() {
			w := worker.NewInMemoryWorker(chanQueue(nil), fixedScorer{p: 0.9}, sink, 0.60)
			first := w.Process(sampleJob("V1"))
			second := w.Process(sampleJob("V1"))

			convey.Convey("Then the second is reported as a duplicate", func() {
				convey.So(first.Alerted, convey.ShouldBeTrue)
				convey.So(second.Alerted, convey.ShouldBeFalse)
				convey.So(second.Duplicate, convey.ShouldBeTrue)
				convey.So(second.AlertID, convey.ShouldEqual, first.AlertID)
				convey.So(sink.count(), convey.ShouldEqual, 1)
			})
		})

		convey.Convey("When scoring fails", func() {
			mismatch := &model.SchemaMismatchError{Expected: "v1", Got: "v0"}
			w := worker.NewInMemoryWorker(chanQueue(nil), fixedScorer{err: mismatch}, sink, 0.60)
			out := w.Process(sampleJob("V1"))

			convey.Convey("Then the score error is reported and nothing inserted", func() {
				var target *model.SchemaMismatchError
				convey.So(errors.As(out.ScoreErr, &target), convey.ShouldBeTrue)
				convey.So(out.Scored, convey.ShouldBeFalse)
				convey.So(sink.count(), convey.ShouldEqual, 0)
			})
		})

		convey.Convey("When the insert fails", func() {
			sink.err = errors.New("connection reset")
			w := worker.NewInMemoryWorker(chanQueue(nil), fixedScorer{p: 0.9}, sink, 0.60, worker.WithName("w-test"))
			out := w.Process(sampleJob("V1"))

			convey.Convey("Then the sink error is reported", func() {
				var target *model.SinkError
				convey.So(errors.As(out.SinkErr, &target), convey.ShouldBeTrue)
				convey.So(out.Alerted, convey.ShouldBeFalse)
			})
		})
	})
}

func TestPool(t *testing.T) {
	convey.Convey("Given a pool of three workers", t, func() {
		sink := newRecordingSink()
		q := queue.NewInMemoryQueue[worker.Job](queue.WithCapacity(4))
		pool, err := worker.NewPool(3, q, fixedScorer{p: 0.8}, sink, 0.6)
		convey.So(err, convey.ShouldBeNil)
		convey.So(pool.Size(), convey.ShouldEqual, 3)
		pool.Start()
		pool.Start()

		convey.Convey("When jobs are submitted", func() {
			const n = 20
			var wg sync.WaitGroup
			var mu sync.Mutex
			alerted := 0
			for i := range n {
				wg.Add(1)
				job := sampleJob("V" + string(rune('A'+i)))
				job.Done = func(o worker.Outcome) {
					defer wg.Done()
					if o.Alerted {
						mu.Lock()
						alerted++
						mu.Unlock()
					}
				}
				convey.So(pool.Submit(context.Background(), job), convey.ShouldBeNil)
			}
			wg.Wait()

			convey.Convey("Then every Done callback fires", func() {
				convey.So(alerted, convey.ShouldEqual, n)
				convey.So(sink.count(), convey.ShouldEqual, n)
			})
		})

		convey.Convey("When the pool shuts down with buffered jobs", func() {
			done := make(chan struct{}, 4)
			for i := range 4 {
				job := sampleJob("S" + string(rune('A'+i)))
				job.Done = func(worker.Outcome) { done <- struct{}{} }
				convey.So(pool.Submit(context.Background(), job), convey.ShouldBeNil)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			err := pool.Shutdown(ctx)

			convey.Convey("Then the queue is drained before workers exit", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(len(done), convey.ShouldEqual, 4)
				convey.So(pool.Submit(context.Background(), sampleJob("late")), convey.ShouldEqual, queue.ErrClosed)
			})
		})

		convey.Reset(func() {
			_ = pool.Shutdown(context.Background())
		})
	})

	convey.Convey("A pool rejects thresholds outside (0, 1]", t, func() {
		q := queue.NewInMemoryQueue[worker.Job]()
		_, err := worker.NewPool(1, q, fixedScorer{}, newRecordingSink(), 0)
		convey.So(errors.Is(err, worker.ErrInvalidThreshold), convey.ShouldBeTrue)
		_, err = worker.NewPool(1, q, fixedScorer{}, newRecordingSink(), 1.2)
		convey.So(errors.Is(err, worker.ErrInvalidThreshold), convey.ShouldBeTrue)
	})
}
