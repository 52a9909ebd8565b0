package upstream_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okian/iuuwatch/internal/adapters/upstream"
	"github.com/okian/iuuwatch/internal/domain/model"
	"github.com/okian/iuuwatch/pkg/logger"
	gobreaker "github.com/sony/gobreaker/v2"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

func TestClientGet(t *testing.T) {
	ctx := context.Background()

	Convey("Given an upstream that checks auth and echoes the query", t, func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer secret" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"bad token"}`))
				return
			}
			_, _ = w.Write([]byte(r.URL.RawQuery))
		}))
		defer srv.Close()

		Convey("When the token is valid", func() {
			c := upstream.New("events", upstream.WithBearerToken("secret"))
			body, err := c.Get(ctx, srv.URL+"/v3/events?fixed=1", url.Values{"limit": {"10"}})

			Convey("Then the body is returned and query params are merged", func() {
				So(err, ShouldBeNil)
				So(string(body), ShouldContainSubstring, "fixed=1")
				So(string(body), ShouldContainSubstring, "limit=10")
			})
		})

		Convey("When the token is wrong", func() {
			c := upstream.New("events", upstream.WithBearerToken("nope"))
			_, err := c.Get(ctx, srv.URL, nil)

			Convey("Then it is an upstream error with status and body", func() {
				var upErr *model.UpstreamError
				So(errors.As(err, &upErr), ShouldBeTrue)
				So(upErr.Source, ShouldEqual, "events")
				So(upErr.Status, ShouldEqual, http.StatusUnauthorized)
				So(upErr.Body, ShouldContainSubstring, "bad token")
			})
		})
	})

	Convey("Given an upstream that always fails", t, func() {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(strings.Repeat("x", 70*1024)))
		}))
		defer srv.Close()

		c := upstream.New("wfs", upstream.WithBreaker(2, time.Hour))

		Convey("When it is called past the failure threshold", func() {
			_, err1 := c.Get(ctx, srv.URL, nil)
			_, _ = c.Get(ctx, srv.URL, nil)
			_, err3 := c.Get(ctx, srv.URL, nil)

			Convey("Then the error body is truncated", func() {
				var upErr *model.UpstreamError
				So(errors.As(err1, &upErr), ShouldBeTrue)
				So(upErr.Body, ShouldEndWith, "(truncated)")
			})

			Convey("Then the breaker opens and stops calling upstream", func() {
				So(hits.Load(), ShouldEqual, 2)
				So(c.BreakerState(), ShouldEqual, "open")
				var upErr *model.UpstreamError
				So(errors.As(err3, &upErr), ShouldBeTrue)
				So(upErr.Status, ShouldEqual, 0)
				So(errors.Is(err3, gobreaker.ErrOpenState), ShouldBeTrue)
			})
		})
	})

	Convey("Given a slow upstream", t, func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			time.Sleep(200 * time.Millisecond)
			_, _ = w.Write([]byte("late"))
		}))
		defer srv.Close()

		c := upstream.New("events", upstream.WithTimeout(20*time.Millisecond))
		_, err := c.Get(ctx, srv.URL, nil)

		Convey("Then the timeout is a transport-level upstream error", func() {
			var upErr *model.UpstreamError
			So(errors.As(err, &upErr), ShouldBeTrue)
			So(upErr.Status, ShouldEqual, 0)
		})
	})

	Convey("Given a response larger than the cap", t, func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(strings.Repeat("y", 100)))
		}))
		defer srv.Close()

		c := upstream.New("events", upstream.WithMaxBody(10))
		_, err := c.Get(ctx, srv.URL, nil)
		So(errors.Is(err, upstream.ErrBodyTooLarge), ShouldBeTrue)
	})

	Convey("Given a cancelled context and a rate limit", t, func() {
		c := upstream.New("events", upstream.WithRateLimit(0.001, 1))
		_, _ = c.Get(context.Background(), "http://127.0.0.1:0", nil)

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := c.Get(cctx, "http://127.0.0.1:0", nil)

		var upErr *model.UpstreamError
		So(errors.As(err, &upErr), ShouldBeTrue)
	})
}
