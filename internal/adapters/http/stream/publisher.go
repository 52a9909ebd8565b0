// Package stream forwards newly persisted alerts to WebSocket subscribers.
package stream

import (
	"context"
	"errors"
	"time"

	"github.com/okian/iuuwatch/internal/domain/model"
	"github.com/okian/iuuwatch/internal/domain/types"
	"github.com/okian/iuuwatch/pkg/logger"
	"github.com/okian/iuuwatch/pkg/metrics"
)

const (
	defaultInterval   = 5 * time.Second
	defaultBatchLimit = 100
)

// Source reads alerts after a cursor in ascending id order.
type Source interface {
	After(ctx context.Context, cursor int64, limit int) ([]model.Alert, error)
}

// Sender delivers one alert to a subscriber.
type Sender interface {
	Send(ctx context.Context, a types.Alert) error
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithInterval sets the sleep between polls.
func WithInterval(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithBatchLimit caps rows per poll.
func WithBatchLimit(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.limit = n
		}
	}
}

// Publisher polls the alert store and forwards new rows. It keeps no
// state between subscribers; each Run starts at cursor 0.
type Publisher struct {
	source   Source
	interval time.Duration
	limit    int
	logger   logger.Logger
}

// NewPublisher creates a publisher over source.
func NewPublisher(source Source, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		source:   source,
		interval: defaultInterval,
		limit:    defaultBatchLimit,
		logger:   logger.Get().Named("stream"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run forwards alerts to sender until ctx is done or a send fails. Store
// errors are logged and retried on the next interval.
func (p *Publisher) Run(ctx context.Context, sender Sender) error {
	var cursor int64
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		for {
			next, n, err := p.Poll(ctx, cursor, sender)
			cursor = next
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				var se *sendError
				if errors.As(err, &se) {
					return err
				}
				metrics.RecordStreamPollError()
				p.logger.Warn(ctx, "alert poll failed", logger.Int64("cursor", cursor), logger.Error(err))
				break
			}
			// A full batch means more rows may be waiting.
			if n < p.limit {
				break
			}
		}
		timer.Reset(p.interval)
	}
}

// Poll forwards every alert after cursor, up to the batch limit, in
// ascending id order. It returns the new cursor and the number forwarded.
// The cursor only advances past alerts that were sent.
func (p *Publisher) Poll(ctx context.Context, cursor int64, sender Sender) (int64, int, error) {
	rows, err := p.source.After(ctx, cursor, p.limit)
	if err != nil {
		return cursor, 0, err
	}

	sent := 0
	for _, a := range rows {
		if a.ID <= cursor {
			continue
		}
		if err := sender.Send(ctx, types.FromAlert(a)); err != nil {
			metrics.RecordStreamForwarded(sent)
			return cursor, sent, &sendError{err: err}
		}
		cursor = a.ID
		sent++
	}
	metrics.RecordStreamForwarded(sent)
	return cursor, sent, nil
}

// sendError marks a subscriber-side failure, which ends Run.
type sendError struct {
	err error
}

func (e *sendError) Error() string { return "send alert: " + e.err.Error() }

func (e *sendError) Unwrap() error { return e.err }
