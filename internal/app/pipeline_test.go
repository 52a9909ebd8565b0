package app_test

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okian/iuuwatch/internal/adapters/mq/queue"
	"github.com/okian/iuuwatch/internal/adapters/mq/worker"
	"github.com/okian/iuuwatch/internal/adapters/repository"
	"github.com/okian/iuuwatch/internal/app"
	"github.com/okian/iuuwatch/internal/domain/features"
	"github.com/okian/iuuwatch/internal/domain/geofence"
	"github.com/okian/iuuwatch/internal/domain/model"
	"github.com/okian/iuuwatch/pkg/logger"
	"github.com/paulmach/orb"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

// syncBuffer collects log output written from worker goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// sliceSource replays the same events on every fetch.
type sliceSource struct {
	mu      sync.Mutex
	events  []model.RawEvent
	err     error
	calls   int
	block   chan struct{}
	windows [][2]time.Time
}

func (s *sliceSource) FetchWindow(ctx context.Context, start, end time.Time) iter.Seq2[model.RawEvent, error] {
	return func(yield func(model.RawEvent, error) bool) {
		s.mu.Lock()
		s.calls++
		s.windows = append(s.windows, [2]time.Time{start, end})
		events, err, block := s.events, s.err, s.block
		s.mu.Unlock()

		if block != nil {
			<-block
		}
		for _, e := range events {
			if !yield(e, nil) {
				return
			}
		}
		if err != nil {
			yield(model.RawEvent{}, err)
		}
	}
}

type staticFetcher struct {
	geom  orb.Geometry
	err   error
	calls atomic.Int32
}

func (f *staticFetcher) FetchRegion(context.Context, string) (orb.Geometry, error) {
	f.calls.Add(1)
	return f.geom, f.err
}

// The monitored square spans lat 0..20, lon 10..30.
func square() orb.Polygon {
	return orb.Polygon{{{10, 0}, {30, 0}, {30, 20}, {10, 20}, {10, 0}}}
}

// speedScorer returns the event's speed as its probability, so tests choose
// the score through the event.
type speedScorer struct {
	err error
}

func (s speedScorer) Score(ctx context.Context, v features.Vector) (float64, error) {
	if s.err != nil {
		return 0, s.err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p, _ := v.Get(features.Speed)
	return p, nil
}

type flakyRegistry struct {
	err error
}

func (r flakyRegistry) IsExempt(context.Context, string) (bool, error) { return false, r.err }

func event(vessel string, lat, lon, score float64) model.RawEvent {
	return model.RawEvent{
		EventID:   vessel + "-evt",
		VesselID:  vessel,
		Timestamp: now.Add(-10 * time.Minute),
		Lat:       model.Float(lat),
		Lon:       model.Float(lon),
		Speed:     model.Float(score),
	}
}

type harness struct {
	source   *sliceSource
	fetcher  *staticFetcher
	store    *repository.MemoryStore
	pool     *worker.Pool
	pipeline *app.Pipeline
}

func newHarness(scorer worker.Scorer, registry app.ExemptionChecker, events ...model.RawEvent) *harness {
	h := &harness{
		source:  &sliceSource{events: events},
		fetcher: &staticFetcher{geom: square()},
		store:   repository.NewMemoryStore(),
	}
	if registry == nil {
		registry = h.store
	}
	q := queue.NewInMemoryQueue[worker.Job](queue.WithCapacity(4))
	pool, err := worker.NewPool(2, q, scorer, h.store, 0.60)
	So(err, ShouldBeNil)
	pool.Start()
	h.pool = pool

	h.pipeline, err = app.NewPipeline(
		h.source,
		geofence.NewProvider(h.fetcher, "8371"),
		features.NewVectorizer(),
		registry,
		pool,
		app.WithPollInterval(10*time.Millisecond),
		app.WithLookback(time.Hour),
		app.WithClock(func() time.Time { return now }),
	)
	So(err, ShouldBeNil)
	return h
}

func (h *harness) alerts() []model.Alert {
	out, err := h.store.After(context.Background(), 0, 100)
	So(err, ShouldBeNil)
	return out
}

func TestPipelineRunCycle(t *testing.T) {
	ctx := context.Background()

	Convey("Given a pipeline with threshold 0.60 over a square region", t, func() {
		Convey("When an unlicensed vessel inside the region scores 0.75", func() {
			h := newHarness(speedScorer{}, nil, event("V1", 10, 20, 0.75))
			report, err := h.pipeline.RunCycle(ctx)

			Convey("Then exactly one alert is inserted", func() {
				So(err, ShouldBeNil)
				alerts := h.alerts()
				So(alerts, ShouldHaveLength, 1)
				So(alerts[0].VesselID, ShouldEqual, "V1")
				So(alerts[0].Lat, ShouldEqual, 10.0)
				So(alerts[0].Lon, ShouldEqual, 20.0)
				So(alerts[0].Probability, ShouldEqual, 0.75)
				So(report.Fetched, ShouldEqual, 1)
				So(report.Scored, ShouldEqual, 1)
				So(report.Alerted, ShouldEqual, 1)
				So(report.WindowEnd, ShouldEqual, now)
				So(report.WindowStart, ShouldEqual, now.Add(-time.Hour))
				So(report.ID, ShouldNotBeBlank)
				So(h.pipeline.LastReport().ID, ShouldEqual, report.ID)
			})
		})

		Convey("When the same vessel is licensed", func() {
			h := newHarness(speedScorer{}, nil, event("V1", 10, 20, 0.75))
			h.store.AddLicence("V1")
			report, err := h.pipeline.RunCycle(ctx)

			Convey("Then nothing is inserted", func() {
				So(err, ShouldBeNil)
				So(h.alerts(), ShouldBeEmpty)
				So(report.Exempt, ShouldEqual, 1)
				So(report.Scored, ShouldEqual, 0)
			})
		})

		Convey("When a vessel outside the region scores 0.99", func() {
			h := newHarness(speedScorer{}, nil, event("V2", 40, 20, 0.99))
			report, err := h.pipeline.RunCycle(ctx)

			Convey("Then nothing is inserted", func() {
				So(err, ShouldBeNil)
				So(h.alerts(), ShouldBeEmpty)
				So(report.Outside, ShouldEqual, 1)
			})
		})

		Convey("When an event sits on the region boundary", func() {
			h := newHarness(speedScorer{}, nil, event("V3", 0, 20, 0.9))
			_, err := h.pipeline.RunCycle(ctx)

			Convey("Then it counts as inside", func() {
				So(err, ShouldBeNil)
				So(h.alerts(), ShouldHaveLength, 1)
			})
		})

		Convey("When scores straddle the threshold", func() {
			h := newHarness(speedScorer{}, nil,
				event("EQ", 5, 15, 0.60),
				event("LOW", 5, 16, 0.59),
			)
			report, err := h.pipeline.RunCycle(ctx)

			Convey("Then a score equal to the threshold passes and a lower one does not", func() {
				So(err, ShouldBeNil)
				alerts := h.alerts()
				So(alerts, ShouldHaveLength, 1)
				So(alerts[0].VesselID, ShouldEqual, "EQ")
				So(report.Scored, ShouldEqual, 2)
			})
		})

		Convey("When the same window is processed twice", func() {
			h := newHarness(speedScorer{}, nil, event("V1", 10, 20, 0.75))
			_, err1 := h.pipeline.RunCycle(ctx)
			second, err2 := h.pipeline.RunCycle(ctx)

			Convey("Then the store keeps one alert and the duplicate is reported", func() {
				So(err1, ShouldBeNil)
				So(err2, ShouldBeNil)
				So(h.alerts(), ShouldHaveLength, 1)
				So(second.Alerted, ShouldEqual, 0)
				So(second.Duplicates, ShouldEqual, 1)
				So(h.pipeline.Cycles(), ShouldEqual, 2)
				So(h.fetcher.calls.Load(), ShouldEqual, 1)
			})
		})

		Convey("When an event is malformed", func() {
			bad := event("", 10, 20, 0.9)
			noPos := event("V4", 10, 20, 0.9)
			noPos.Lat = nil
			h := newHarness(speedScorer{}, nil, bad, noPos, event("V5", 10, 20, 0.9))
			report, err := h.pipeline.RunCycle(ctx)

			Convey("Then it is skipped and the cycle continues", func() {
				So(err, ShouldBeNil)
				So(report.Malformed, ShouldEqual, 2)
				So(h.alerts(), ShouldHaveLength, 1)
			})
		})

		Convey("When the exemption lookup fails", func() {
			h := newHarness(speedScorer{}, flakyRegistry{err: errors.New("registry down")}, event("V1", 10, 20, 0.75))
			report, err := h.pipeline.RunCycle(ctx)

			Convey("Then the vessel is treated as not exempt", func() {
				So(err, ShouldBeNil)
				So(report.LookupFailures, ShouldEqual, 1)
				So(h.alerts(), ShouldHaveLength, 1)
			})
		})

		Convey("When the event source fails mid-window", func() {
			h := newHarness(speedScorer{}, nil, event("V1", 10, 20, 0.75))
			h.source.err = &model.UpstreamError{Source: "events", Status: 503, Body: "unavailable"}
			report, err := h.pipeline.RunCycle(ctx)

			Convey("Then the cycle is aborted with the upstream error", func() {
				var upstreamErr *model.UpstreamError
				So(errors.As(err, &upstreamErr), ShouldBeTrue)
				So(upstreamErr.Status, ShouldEqual, 503)
				So(report.Aborted(), ShouldBeTrue)
				So(report.Error, ShouldContainSubstring, "503")
			})

			Convey("And the next cycle runs normally", func() {
				h.source.mu.Lock()
				h.source.err = nil
				h.source.mu.Unlock()
				next, err := h.pipeline.RunCycle(ctx)
				So(err, ShouldBeNil)
				So(next.Aborted(), ShouldBeFalse)
				So(h.alerts(), ShouldHaveLength, 1)
			})
		})

		Convey("When the region cannot be fetched", func() {
			h := newHarness(speedScorer{}, nil, event("V1", 10, 20, 0.75))
			h.fetcher.err = errors.New("wfs unreachable")
			report, err := h.pipeline.RunCycle(ctx)

			Convey("Then the cycle aborts before fetching events", func() {
				var fetchErr *model.FetchError
				So(errors.As(err, &fetchErr), ShouldBeTrue)
				So(report.Aborted(), ShouldBeTrue)
				So(h.source.calls, ShouldEqual, 0)
				So(h.alerts(), ShouldBeEmpty)
			})
		})

		Convey("When the scorer reports a schema mismatch", func() {
			mismatch := &model.SchemaMismatchError{Expected: "v1", Got: "v2"}
			h := newHarness(speedScorer{err: mismatch}, nil,
				event("V1", 10, 20, 0.75),
				event("V2", 11, 20, 0.75),
			)
			report, err := h.pipeline.RunCycle(ctx)

			Convey("Then the cycle aborts and nothing is inserted", func() {
				var target *model.SchemaMismatchError
				So(errors.As(err, &target), ShouldBeTrue)
				So(report.Aborted(), ShouldBeTrue)
				So(h.alerts(), ShouldBeEmpty)
			})
		})

		Convey("When the scorer fails with an ordinary error", func() {
			logs := &syncBuffer{}
			So(logger.Init(logger.WithOutput(logs)), ShouldBeNil)
			defer func() { _ = logger.Init() }()

			h := newHarness(speedScorer{err: errors.New("classifier produced an invalid score")}, nil,
				event("V1", 10, 20, 0.75),
			)
			report, err := h.pipeline.RunCycle(ctx)

			Convey("Then the cycle completes with the failure counted and logged", func() {
				So(err, ShouldBeNil)
				So(report.Aborted(), ShouldBeFalse)
				So(report.ScoreErrors, ShouldEqual, 1)
				So(report.Scored, ShouldEqual, 0)
				So(h.alerts(), ShouldBeEmpty)

				out := logs.String()
				So(out, ShouldContainSubstring, "scoring failed")
				So(out, ShouldContainSubstring, "invalid score")
				So(out, ShouldContainSubstring, "score_errors=1")
			})
		})

		Convey("When a cycle is triggered while another runs", func() {
			h := newHarness(speedScorer{}, nil, event("V1", 10, 20, 0.75))
			block := make(chan struct{})
			h.source.block = block

			id, err := h.pipeline.Trigger(ctx)
			So(err, ShouldBeNil)
			So(id, ShouldNotBeBlank)

			// Wait until the triggered cycle is inside the fetch.
			for h.pipeline.State() != app.StateRunning {
				time.Sleep(time.Millisecond)
			}
			_, second := h.pipeline.Trigger(ctx)
			_, direct := h.pipeline.RunCycle(ctx)
			close(block)
			h.pipeline.Wait()

			Convey("Then the overlapping requests are refused", func() {
				So(second, ShouldEqual, app.ErrCycleInProgress)
				So(direct, ShouldEqual, app.ErrCycleInProgress)
				So(h.alerts(), ShouldHaveLength, 1)
				So(h.pipeline.State(), ShouldEqual, app.StateIdle)
			})
		})
	})
}

func TestPipelineServe(t *testing.T) {
	Convey("Given a running pipeline", t, func() {
		h := newHarness(speedScorer{}, nil, event("V1", 10, 20, 0.75))
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() { done <- h.pipeline.Serve(ctx) }()

		for h.pipeline.Cycles() < 3 {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()

		Convey("Then it loops until cancelled and alerts once", func() {
			select {
			case err := <-done:
				So(errors.Is(err, context.Canceled), ShouldBeTrue)
			case <-time.After(2 * time.Second):
				So("serve did not stop", ShouldBeEmpty)
			}
			So(h.pipeline.State(), ShouldEqual, app.StateStopped)
			So(h.alerts(), ShouldHaveLength, 1)
			So(h.pipeline.String(), ShouldEqual, "ingestion-pipeline")
		})
	})
}

func TestNewPipelineWindow(t *testing.T) {
	Convey("A lookback shorter than the poll interval plus max cycle is rejected", t, func() {
		_, err := app.NewPipeline(&sliceSource{}, nil, features.NewVectorizer(), nil, nil,
			app.WithPollInterval(time.Minute),
			app.WithLookback(90*time.Second),
			app.WithMaxCycleDuration(time.Minute),
		)
		So(errors.Is(err, app.ErrInvalidWindow), ShouldBeTrue)
	})
}

func TestStateString(t *testing.T) {
	Convey("States have operator-facing names", t, func() {
		So(app.StateIdle.String(), ShouldEqual, "IDLE")
		So(app.StateRunning.String(), ShouldEqual, "RUNNING")
		So(app.StateSleeping.String(), ShouldEqual, "SLEEPING")
		So(app.StateStopped.String(), ShouldEqual, "STOPPED")
		So(app.State(42).String(), ShouldEqual, "UNKNOWN")
	})
}
