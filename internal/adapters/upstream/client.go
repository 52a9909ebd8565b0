// Package upstream is the shared HTTP client for read-only upstream services.
// Every request is paced by a rate limiter, guarded by a circuit breaker and
// bounded by a timeout. Failures surface as *model.UpstreamError.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/okian/iuuwatch/internal/domain/model"
	"github.com/okian/iuuwatch/pkg/logger"
	"github.com/okian/iuuwatch/pkg/metrics"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

const (
	maxErrorBodySize = 64 * 1024
	defaultMaxBody   = 64 << 20
	defaultTimeout   = 30 * time.Second
	defaultFailures  = 5
	defaultOpenFor   = time.Minute
	userAgent        = "iuuwatch/1.0"
)

// Client performs GET requests against one upstream service.
type Client struct {
	source  string
	http    *http.Client
	token   string
	limiter *rate.Limiter
	maxBody int64

	failures uint32
	openFor  time.Duration
	cb       *gobreaker.CircuitBreaker[[]byte]

	logger logger.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithBearerToken authenticates every request.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithRateLimit paces requests to rps with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps > 0 {
			if burst < 1 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithBreaker opens the breaker after failures consecutive errors and keeps
// it open for openFor.
func WithBreaker(failures uint32, openFor time.Duration) Option {
	return func(c *Client) {
		if failures > 0 {
			c.failures = failures
		}
		if openFor > 0 {
			c.openFor = openFor
		}
	}
}

// WithMaxBody caps the size of a successful response body.
func WithMaxBody(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// New creates a client labelled source in logs, metrics and errors.
func New(source string, opts ...Option) *Client {
	c := &Client{
		source:   source,
		http:     &http.Client{Timeout: defaultTimeout},
		limiter:  rate.NewLimiter(rate.Inf, 1),
		maxBody:  defaultMaxBody,
		failures: defaultFailures,
		openFor:  defaultOpenFor,
		logger:   logger.Get().Named("upstream." + source),
	}
	for _, opt := range opts {
		opt(c)
	}

	_ = metrics.UpdateCircuitBreakerState(source, gobreaker.StateClosed.String())
	c.cb = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        source,
		MaxRequests: 1,
		Timeout:     c.openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.failures
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation says nothing about upstream health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn(context.Background(), "circuit breaker state change",
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
			_ = metrics.UpdateCircuitBreakerState(name, to.String())
		},
	})
	return c
}

// Source returns the client label.
func (c *Client) Source() string { return c.source }

// BreakerState returns the current breaker state name.
func (c *Client) BreakerState() string { return c.cb.State().String() }

// Get fetches rawURL with query and returns the body of a 2xx response.
func (c *Client) Get(ctx context.Context, rawURL string, query url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &model.UpstreamError{Source: c.source, Err: err}
	}

	body, err := c.cb.Execute(func() ([]byte, error) {
		return c.do(ctx, rawURL, query)
	})
	if err == nil {
		return body, nil
	}

	var upErr *model.UpstreamError
	if errors.As(err, &upErr) {
		return nil, err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.RecordUpstreamRequest(c.source, "rejected", 0)
	}
	return nil, &model.UpstreamError{Source: c.source, Err: err}
}

func (c *Client) do(ctx context.Context, rawURL string, query url.Values) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordUpstreamRequest(c.source, "error", time.Since(start))
		return nil, &model.UpstreamError{Source: c.source, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	status := strconv.Itoa(resp.StatusCode)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.RecordUpstreamRequest(c.source, status, time.Since(start))
		return nil, &model.UpstreamError{
			Source: c.source,
			Status: resp.StatusCode,
			Body:   string(readBodyForError(resp.Body)),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	metrics.RecordUpstreamRequest(c.source, status, time.Since(start))
	if err != nil {
		return nil, &model.UpstreamError{Source: c.source, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(body)) > c.maxBody {
		return nil, &model.UpstreamError{Source: c.source, Status: resp.StatusCode, Err: ErrBodyTooLarge}
	}
	return body, nil
}

// ErrBodyTooLarge is wrapped when a response exceeds the configured cap.
var ErrBodyTooLarge = errors.New("response body too large")

// readBodyForError reads at most 64KB of an error body.
func readBodyForError(r io.Reader) []byte {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return []byte("(failed to read response body)")
	}
	if len(body) == maxErrorBodySize {
		return append(body, []byte("... (truncated)")...)
	}
	return body
}
