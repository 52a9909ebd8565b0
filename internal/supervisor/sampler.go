package supervisor

import (
	"context"
	"runtime"
	"time"

	"github.com/okian/iuuwatch/pkg/metrics"
)

const nanosecondsPerMillisecond = 1e6

// RuntimeSampler publishes memory, goroutine and GC metrics on an interval.
type RuntimeSampler struct {
	interval time.Duration
	lastGC   uint32
}

// NewRuntimeSampler creates a sampler. A non-positive interval uses the
// metrics refresh interval.
func NewRuntimeSampler(interval time.Duration) *RuntimeSampler {
	if interval <= 0 {
		interval = metrics.RefreshInterval()
	}
	return &RuntimeSampler{interval: interval}
}

// Serve implements suture.Service.
func (s *RuntimeSampler) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sample()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sample()
		}
	}
}

// Sample records one reading.
func (s *RuntimeSampler) Sample() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	metrics.UpdateSystemMemoryUsage(m.Alloc)
	metrics.UpdateSystemGoroutineCount(runtime.NumGoroutine())

	// Observe only pauses since the previous sample; PauseNs is a ring of
	// the most recent 256.
	ring := uint32(len(m.PauseNs))
	start := s.lastGC
	if m.NumGC > ring && start < m.NumGC-ring {
		start = m.NumGC - ring
	}
	for gc := start; gc < m.NumGC; gc++ {
		pause := m.PauseNs[gc%ring]
		metrics.RecordSystemGCPauseTime(float64(pause) / nanosecondsPerMillisecond)
	}
	s.lastGC = m.NumGC
}

// String names the service in supervisor logs.
func (s *RuntimeSampler) String() string { return "runtime-sampler" }
