package streamcheck

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/okian/iuuwatch/internal/domain/types"
	"github.com/okian/iuuwatch/pkg/logger"
)

// Run executes a check and returns its statistics. A non-nil error means the
// service broke an ordering or completeness guarantee, or was unreachable.
func Run(ctx context.Context, cfg *Config) (*Stats, error) {
	log := logger.Get().Named("streamcheck")
	stats := &Stats{StartTime: time.Now()}
	client := NewClient(cfg.BaseURL, cfg.Timeout)

	log.Info(ctx, "starting stream check",
		logger.String("baseURL", cfg.BaseURL),
		logger.Duration("duration", cfg.Duration),
		logger.Bool("crossCheck", cfg.CrossCheck))

	if err := client.Health(ctx); err != nil {
		return stats, fmt.Errorf("service health check failed: %w", err)
	}

	if cfg.Trigger {
		id, err := client.Trigger(ctx)
		if err != nil {
			return stats, fmt.Errorf("trigger cycle: %w", err)
		}
		stats.CycleID = id
	}

	checker := &Checker{}
	watchCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()
	err := client.Watch(watchCtx, func(a types.Alert) error {
		if cfg.Verbose {
			log.Info(ctx, "alert", logger.Int64("id", a.ID), logger.String("vessel_id", a.VesselID),
				logger.Float64("probability", a.Probability))
		}
		if err := checker.Observe(a.ID); err != nil {
			return err
		}
		if cfg.MaxAlerts > 0 && len(checker.Seen()) >= cfg.MaxAlerts {
			cancel()
		}
		return nil
	})
	seen := checker.Seen()
	stats.Received = len(seen)
	stats.Violations = checker.Violations()
	if len(seen) > 0 {
		stats.FirstID = seen[0]
		stats.LastID = seen[len(seen)-1]
	}
	if err != nil {
		stats.finish()
		return stats, err
	}

	if cfg.CrossCheck && len(seen) > 0 {
		listed, err := client.ListIDs(ctx, cfg.PageLimit)
		if err != nil {
			stats.finish()
			return stats, fmt.Errorf("cross-check: %w", err)
		}
		stats.Listed = len(listed)
		missing := Missing(seen, listed)
		stats.Missing = len(missing)
		if len(missing) > 0 {
			stats.finish()
			return stats, fmt.Errorf("%w: %v", ErrMissingAlerts, missing)
		}
	}

	stats.finish()
	return stats, nil
}

func (s *Stats) finish() {
	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)
}

// Print writes a summary of stats to w.
func Print(w io.Writer, stats *Stats, err error) {
	result := "PASS"
	if err != nil {
		result = "FAIL"
	}
	fmt.Fprintf(w, "stream check: %s\n", result)
	fmt.Fprintf(w, "  duration:   %s\n", stats.Duration.Round(time.Millisecond))
	if stats.CycleID != "" {
		fmt.Fprintf(w, "  cycle:      %s\n", stats.CycleID)
	}
	fmt.Fprintf(w, "  received:   %d", stats.Received)
	if stats.Received > 0 {
		fmt.Fprintf(w, " (ids %d..%d)", stats.FirstID, stats.LastID)
	}
	fmt.Fprintln(w)
	if stats.Listed > 0 {
		fmt.Fprintf(w, "  listed:     %d, missing %d\n", stats.Listed, stats.Missing)
	}
	for _, v := range stats.Violations {
		fmt.Fprintf(w, "  violation:  %s\n", v)
	}
	if err != nil && !errors.Is(err, ErrOrderViolation) {
		fmt.Fprintf(w, "  error:      %v\n", err)
	}
}
