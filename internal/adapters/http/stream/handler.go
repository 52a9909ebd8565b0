package stream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/okian/iuuwatch/internal/domain/types"
	"github.com/okian/iuuwatch/pkg/logger"
	"github.com/okian/iuuwatch/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// Handler upgrades requests to WebSocket and runs a Publisher per
// connection. Subscribers never need to send anything; reads exist only to
// notice a disconnect and answer pings.
type Handler struct {
	publisher *Publisher
	upgrader  websocket.Upgrader
	logger    logger.Logger

	closing   chan struct{}
	closeOnce sync.Once
}

// NewHandler creates a handler. A nil checkOrigin accepts every origin.
func NewHandler(publisher *Publisher, checkOrigin func(r *http.Request) bool) *Handler {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		publisher: publisher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		logger:  logger.Get().Named("stream.ws"),
		closing: make(chan struct{}),
	}
}

// Close ends every open subscription. Register it with
// http.Server.RegisterOnShutdown; Shutdown does not track hijacked
// connections.
func (h *Handler) Close() {
	h.closeOnce.Do(func() { close(h.closing) })
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug(r.Context(), "websocket upgrade failed", logger.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	metrics.UpdateStreamSubscribers(1)
	defer metrics.UpdateStreamSubscribers(-1)

	// The request context is not cancelled when a hijacked connection
	// drops, so disconnects are detected by the read pump.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	remote := r.RemoteAddr
	h.logger.Info(ctx, "subscriber connected", logger.String("remote", remote))

	go func() {
		select {
		case <-h.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		defer cancel()
		readPump(conn)
	}()
	go func() {
		defer pumps.Done()
		pingPump(ctx, conn)
	}()

	err = h.publisher.Run(ctx, &wsSender{conn: conn})
	cancel()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
	pumps.Wait()

	fields := []logger.Field{logger.String("remote", remote)}
	if err != nil {
		fields = append(fields, logger.Error(err))
	}
	h.logger.Info(ctx, "subscriber disconnected", fields...)
}

func readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func pingPump(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// WriteControl may run alongside the publisher's writes.
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// wsSender writes one JSON text frame per alert. The publisher goroutine is
// its only caller.
type wsSender struct {
	conn *websocket.Conn
}

func (s *wsSender) Send(_ context.Context, a types.Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}
