package stream_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/okian/iuuwatch/internal/adapters/http/stream"
	"github.com/okian/iuuwatch/internal/adapters/repository"
	"github.com/okian/iuuwatch/internal/domain/model"
	"github.com/okian/iuuwatch/internal/domain/types"
	"github.com/okian/iuuwatch/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logger.Init()
}

// rowSource serves a fixed, id-sorted set of alerts.
type rowSource struct {
	mu    sync.Mutex
	rows  []model.Alert
	err   error
	polls int
}

func (s *rowSource) add(ids ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.rows = append(s.rows, model.Alert{
			ID:          id,
			VesselID:    "V",
			Timestamp:   time.Unix(id, 0).UTC(),
			Probability: 0.7,
		})
	}
}

func (s *rowSource) After(_ context.Context, cursor int64, limit int) ([]model.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	if s.err != nil {
		return nil, s.err
	}
	var out []model.Alert
	for _, r := range s.rows {
		if r.ID > cursor && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

type collectSender struct {
	mu   sync.Mutex
	ids  []int64
	fail error
}

func (c *collectSender) Send(_ context.Context, a types.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.ids = append(c.ids, a.ID)
	return nil
}

func (c *collectSender) got() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.ids...)
}

func TestPublisherPoll(t *testing.T) {
	ctx := context.Background()

	Convey("Given alerts 3, 7 and 9 and a subscriber at cursor 0", t, func() {
		src := &rowSource{}
		src.add(3, 7, 9)
		p := stream.NewPublisher(src)
		sender := &collectSender{}

		cursor, n, err := p.Poll(ctx, 0, sender)

		Convey("Then they arrive in order and the cursor becomes 9", func() {
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 3)
			So(cursor, ShouldEqual, 9)
			So(sender.got(), ShouldResemble, []int64{3, 7, 9})
		})

		Convey("When polled again with no new rows", func() {
			again, n2, err := p.Poll(ctx, cursor, sender)

			Convey("Then nothing is forwarded", func() {
				So(err, ShouldBeNil)
				So(n2, ShouldEqual, 0)
				So(again, ShouldEqual, 9)
				So(sender.got(), ShouldResemble, []int64{3, 7, 9})
			})
		})
	})

	Convey("Given a batch limit of two", t, func() {
		src := &rowSource{}
		src.add(1, 2, 3)
		p := stream.NewPublisher(src, stream.WithBatchLimit(2))
		sender := &collectSender{}

		cursor, n, err := p.Poll(ctx, 0, sender)

		Convey("Then one poll forwards at most two rows", func() {
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 2)
			So(cursor, ShouldEqual, 2)
		})
	})

	Convey("Given a sender that fails", t, func() {
		src := &rowSource{}
		src.add(5)
		p := stream.NewPublisher(src)
		sender := &collectSender{fail: errors.New("broken pipe")}

		cursor, n, err := p.Poll(ctx, 0, sender)

		Convey("Then the cursor does not advance", func() {
			So(err, ShouldNotBeNil)
			So(n, ShouldEqual, 0)
			So(cursor, ShouldEqual, 0)
		})
	})
}

func TestPublisherRun(t *testing.T) {
	Convey("Given a running publisher", t, func() {
		src := &rowSource{}
		src.add(3, 7)
		p := stream.NewPublisher(src, stream.WithInterval(5*time.Millisecond), stream.WithBatchLimit(1))
		sender := &collectSender{}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- p.Run(ctx, sender) }()

		Convey("When rows are added while it runs", func() {
			time.Sleep(20 * time.Millisecond)
			src.add(9)
			deadline := time.Now().Add(time.Second)
			for len(sender.got()) < 3 && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
			cancel()

			Convey("Then every id is forwarded once in increasing order", func() {
				So(<-done, ShouldBeNil)
				So(sender.got(), ShouldResemble, []int64{3, 7, 9})
			})
		})

		Convey("When the store fails for a while", func() {
			src.mu.Lock()
			src.err = errors.New("db down")
			src.mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			src.mu.Lock()
			src.err = nil
			src.mu.Unlock()

			deadline := time.Now().Add(time.Second)
			for len(sender.got()) < 2 && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
			cancel()

			Convey("Then it keeps polling and recovers", func() {
				So(<-done, ShouldBeNil)
				So(sender.got(), ShouldResemble, []int64{3, 7})
			})
		})

		Reset(cancel)
	})

	Convey("A send failure ends Run", t, func() {
		src := &rowSource{}
		src.add(1)
		p := stream.NewPublisher(src, stream.WithInterval(time.Millisecond))
		err := p.Run(context.Background(), &collectSender{fail: errors.New("gone")})
		So(err, ShouldNotBeNil)
		So(err.Error(), ShouldContainSubstring, "gone")
	})
}

func TestHandler(t *testing.T) {
	Convey("Given a WebSocket endpoint over a memory store", t, func() {
		ctx := context.Background()
		store := repository.NewMemoryStore()
		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		for i := range 3 {
			_, _, err := store.Insert(ctx, model.Alert{
				VesselID:    "V",
				Timestamp:   base.Add(time.Duration(i) * time.Minute),
				Lat:         1,
				Lon:         2,
				Probability: 0.8,
			})
			So(err, ShouldBeNil)
		}

		h := stream.NewHandler(stream.NewPublisher(store, stream.WithInterval(10*time.Millisecond)), nil)
		srv := httptest.NewServer(h)
		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

		Reset(func() {
			h.Close()
			srv.Close()
		})

		Convey("When a subscriber connects", func() {
			conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
			So(err, ShouldBeNil)
			defer conn.Close()

			var got []types.Alert
			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			for len(got) < 3 {
				_, data, err := conn.ReadMessage()
				So(err, ShouldBeNil)
				var a types.Alert
				So(json.Unmarshal(data, &a), ShouldBeNil)
				got = append(got, a)
			}

			Convey("Then it receives the history from cursor 0 in id order", func() {
				So(got[0].ID, ShouldEqual, 1)
				So(got[1].ID, ShouldEqual, 2)
				So(got[2].ID, ShouldEqual, 3)
				So(got[0].Probability, ShouldEqual, 0.8)
			})

			Convey("And new alerts follow", func() {
				_, _, err := store.Insert(ctx, model.Alert{
					VesselID: "W", Timestamp: base, Lat: 1, Lon: 2, Probability: 0.9,
				})
				So(err, ShouldBeNil)
				_, data, err := conn.ReadMessage()
				So(err, ShouldBeNil)
				var a types.Alert
				So(json.Unmarshal(data, &a), ShouldBeNil)
				So(a.ID, ShouldEqual, 4)
				So(a.VesselID, ShouldEqual, "W")
			})
		})

		Convey("When the handler is closed", func() {
			conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
			So(err, ShouldBeNil)
			defer conn.Close()
			for range 3 {
				_, _, err := conn.ReadMessage()
				So(err, ShouldBeNil)
			}
			h.Close()

			Convey("Then the subscriber receives a normal close", func() {
				_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
				_, _, err := conn.ReadMessage()
				So(websocket.IsCloseError(err, websocket.CloseNormalClosure), ShouldBeTrue)
			})
		})
	})
}
