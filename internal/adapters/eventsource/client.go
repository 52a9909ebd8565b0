// Package eventsource reads vessel events from the maritime event API.
package eventsource

import (
	"context"
	"fmt"
	"iter"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/okian/iuuwatch/internal/domain/dedupe"
	"github.com/okian/iuuwatch/internal/domain/model"
	"github.com/okian/iuuwatch/pkg/logger"
	"github.com/okian/iuuwatch/pkg/metrics"
)

const (
	defaultPageSize = 100
	defaultMaxPages = 50
)

// Getter fetches a URL. *upstream.Client implements it.
type Getter interface {
	Get(ctx context.Context, rawURL string, query url.Values) ([]byte, error)
}

// BoundingBox limits the query area in degrees.
type BoundingBox struct {
	MinLat, MaxLat, MinLon, MaxLon float64
}

// Client pages through the events endpoint for a time window.
type Client struct {
	getter     Getter
	baseURL    string
	bbox       BoundingBox
	dataset    string
	pageSize   int
	maxPages   int
	dedupeSize int
	logger     logger.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithPageSize sets the limit parameter.
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithMaxPages sets the page-count ceiling of one fetch.
func WithMaxPages(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxPages = n
		}
	}
}

// WithDataset adds the datasets[0] parameter.
func WithDataset(ds string) Option {
	return func(c *Client) {
		c.dataset = ds
	}
}

// WithDedupeSize bounds the per-fetch id set; 0 keeps all ids.
func WithDedupeSize(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.dedupeSize = n
		}
	}
}

// New creates a client for baseURL restricted to bbox.
func New(getter Getter, baseURL string, bbox BoundingBox, opts ...Option) *Client {
	c := &Client{
		getter:   getter,
		baseURL:  baseURL,
		bbox:     bbox,
		pageSize: defaultPageSize,
		maxPages: defaultMaxPages,
		logger:   logger.Get().Named("eventsource"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchWindow lazily yields every event active in [start, end]. Pages are
// requested as the sequence is consumed; ranging again starts over. A page
// failure is yielded once as a *model.UpstreamError and ends the sequence.
// Events repeated across pages are yielded once.
func (c *Client) FetchWindow(ctx context.Context, start, end time.Time) iter.Seq2[model.RawEvent, error] {
	return func(yield func(model.RawEvent, error) bool) {
		seen := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(c.dedupeSize))
		offset := 0

		for pageNo := 0; ; pageNo++ {
			if pageNo == c.maxPages {
				metrics.RecordPageCeilingHit()
				c.logger.Warn(ctx, "event fetch truncated at page ceiling",
					logger.Int("max_pages", c.maxPages),
					logger.Int("offset", offset),
					logger.Time("window_start", start),
					logger.Time("window_end", end),
				)
				return
			}

			p, err := c.fetchPage(ctx, start, end, offset)
			if err != nil {
				yield(model.RawEvent{}, err)
				return
			}
			metrics.RecordPageFetched()

			for _, w := range p.records() {
				// Records still active at start are kept even when they
				// began earlier.
				if until := w.activeUntil(); !until.IsZero() && until.Before(start) {
					continue
				}
				ev := w.toRaw()
				if trackable(ev) && seen.SeenAndRecord(ctx, ev.Key()) {
					continue
				}
				if !yield(ev, nil) {
					return
				}
			}

			next, more := p.next(offset, c.pageSize)
			if !more {
				return
			}
			offset = next
		}
	}
}

// trackable reports whether the event has a stable identity.
func trackable(ev model.RawEvent) bool {
	return ev.EventID != "" || (ev.VesselID != "" && !ev.Timestamp.IsZero())
}

func (c *Client) fetchPage(ctx context.Context, start, end time.Time, offset int) (*page, error) {
	q := url.Values{}
	q.Set("minLat", formatFloat(c.bbox.MinLat))
	q.Set("maxLat", formatFloat(c.bbox.MaxLat))
	q.Set("minLon", formatFloat(c.bbox.MinLon))
	q.Set("maxLon", formatFloat(c.bbox.MaxLon))
	q.Set("start-date", start.UTC().Format(time.RFC3339))
	q.Set("end-date", end.UTC().Format(time.RFC3339))
	q.Set("limit", strconv.Itoa(c.pageSize))
	q.Set("offset", strconv.Itoa(offset))
	if c.dataset != "" {
		q.Set("datasets[0]", c.dataset)
	}

	body, err := c.getter.Get(ctx, c.baseURL, q)
	if err != nil {
		return nil, err
	}

	var p page
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &model.UpstreamError{Source: "events", Status: 200, Err: fmt.Errorf("decode page at offset %d: %w", offset, err)}
	}
	return &p, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
