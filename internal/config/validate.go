package config

import (
	"fmt"
	"strconv"
	"strings"
)

const maxStreamBatchLimit = 1000

// Validate checks required settings and ranges, and fills Bounds from BBox.
func (c *Config) Validate() error {
	if missing := c.missingRequired(); len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingRequired, strings.Join(missing, ", "))
	}

	bounds, err := ParseBoundingBox(c.BBox)
	if err != nil {
		return err
	}
	c.Bounds = bounds

	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.Threshold <= 0 || c.Threshold > 1:
		return fmt.Errorf("%w: threshold must be in (0,1], got %v", ErrInvalidConfig, c.Threshold)
	case c.PollInterval <= 0:
		return fmt.Errorf("%w: poll_interval must be positive", ErrInvalidConfig)
	case c.MaxCycleDuration < 0:
		return fmt.Errorf("%w: max_cycle_duration must not be negative", ErrInvalidConfig)
	case c.Lookback < c.PollInterval+c.MaxCycleDuration:
		return fmt.Errorf("%w: lookback %s must be at least poll_interval %s + max_cycle_duration %s",
			ErrInvalidConfig, c.Lookback, c.PollInterval, c.MaxCycleDuration)
	case c.GridResolution <= 0:
		return fmt.Errorf("%w: grid_resolution must be positive", ErrInvalidConfig)
	case c.WorkerCount <= 0:
		return fmt.Errorf("%w: worker_count must be positive", ErrInvalidConfig)
	case c.QueueSize <= 0:
		return fmt.Errorf("%w: queue_size must be positive", ErrInvalidConfig)
	case c.DedupeSize < 0:
		return fmt.Errorf("%w: dedupe_size must not be negative", ErrInvalidConfig)
	case c.EventsPageSize <= 0 || c.EventsMaxPages <= 0:
		return fmt.Errorf("%w: events_page_size and events_max_pages must be positive", ErrInvalidConfig)
	case c.EventsTimeout <= 0 || c.WFSTimeout <= 0 || c.DBTimeout <= 0:
		return fmt.Errorf("%w: events_timeout, wfs_timeout and db_timeout must be positive", ErrInvalidConfig)
	case c.EventsRPS <= 0:
		return fmt.Errorf("%w: events_rps must be positive", ErrInvalidConfig)
	case c.StreamPollInterval <= 0:
		return fmt.Errorf("%w: stream_poll_interval must be positive", ErrInvalidConfig)
	case c.StreamBatchLimit <= 0 || c.StreamBatchLimit > maxStreamBatchLimit:
		return fmt.Errorf("%w: stream_batch_limit must be in 1..%d", ErrInvalidConfig, maxStreamBatchLimit)
	case c.MaxAlertsLimit <= 0:
		return fmt.Errorf("%w: max_alerts_limit must be positive", ErrInvalidConfig)
	case c.BreakerFailures == 0 || c.BreakerTimeout <= 0:
		return fmt.Errorf("%w: breaker_failures and breaker_timeout must be positive", ErrInvalidConfig)
	}

	if id, err := strconv.ParseInt(c.RegionID, 10, 64); err != nil || id <= 0 {
		return fmt.Errorf("%w: region_id must be a positive integer, got %q", ErrInvalidConfig, c.RegionID)
	}

	switch c.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		return fmt.Errorf("%w: unknown store_driver %q", ErrInvalidConfig, c.StoreDriver)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: unknown log_level %q", ErrInvalidConfig, c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown log_format %q", ErrInvalidConfig, c.LogFormat)
	}
	return nil
}

func (c *Config) missingRequired() []string {
	var missing []string
	if c.EventsToken == "" {
		missing = append(missing, "events_token")
	}
	if c.StoreDriver == StoreDriverPostgres && c.DatabaseURL == "" {
		missing = append(missing, "database_url")
	}
	if c.RegionID == "" {
		missing = append(missing, "region_id")
	}
	if c.BBox == "" {
		missing = append(missing, "bbox")
	}
	if c.Threshold == 0 {
		missing = append(missing, "threshold")
	}
	if c.PollInterval == 0 {
		missing = append(missing, "poll_interval")
	}
	if c.Lookback == 0 {
		missing = append(missing, "lookback")
	}
	return missing
}

// ParseBoundingBox parses "minLat,maxLat,minLon,maxLon".
func ParseBoundingBox(s string) (BoundingBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return BoundingBox{}, fmt.Errorf("%w: bbox must be minLat,maxLat,minLon,maxLon, got %q", ErrInvalidConfig, s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return BoundingBox{}, fmt.Errorf("%w: bbox value %q: %w", ErrInvalidConfig, p, err)
		}
		v[i] = f
	}
	b := BoundingBox{MinLat: v[0], MaxLat: v[1], MinLon: v[2], MaxLon: v[3]}
	switch {
	case b.MinLat < -90 || b.MaxLat > 90 || b.MinLon < -180 || b.MaxLon > 180:
		return BoundingBox{}, fmt.Errorf("%w: bbox %q out of range", ErrInvalidConfig, s)
	case b.MinLat >= b.MaxLat || b.MinLon >= b.MaxLon:
		return BoundingBox{}, fmt.Errorf("%w: bbox %q must have min < max", ErrInvalidConfig, s)
	}
	return b, nil
}
