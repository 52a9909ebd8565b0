package streamcheck

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/okian/iuuwatch/internal/domain/types"
)

const maxListPages = 10000

// Client talks to the service's HTTP and WebSocket endpoints.
type Client struct {
	baseURL string
	http    *http.Client
	dialer  *websocket.Dialer
}

// NewClient creates a client for baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		dialer:  &websocket.Dialer{HandshakeTimeout: timeout},
	}
}

// StreamURL converts the base URL to the /ws endpoint.
func StreamURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/ws"
	return u.String(), nil
}

// Health checks GET /healthz.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/healthz")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

// Trigger starts a cycle. A 409 is not an error; a cycle is already running.
func (c *Client) Trigger(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/cycles")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusAccepted:
		var body struct {
			CycleID string `json:"cycle_id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", fmt.Errorf("decode trigger response: %w", err)
		}
		return body.CycleID, nil
	case http.StatusConflict:
		return "", nil
	default:
		return "", fmt.Errorf("trigger returned %d", resp.StatusCode)
	}
}

// ListIDs pages through GET /alerts and returns every id.
func (c *Client) ListIDs(ctx context.Context, limit int) ([]int64, error) {
	var ids []int64
	var after int64
	for range maxListPages {
		u := c.baseURL + "/alerts?after=" + strconv.FormatInt(after, 10) + "&limit=" + strconv.Itoa(limit)
		resp, err := c.do(ctx, http.MethodGet, u)
		if err != nil {
			return nil, err
		}
		var page types.AlertPage
		err = decodePage(resp, &page)
		if err != nil {
			return nil, err
		}
		for _, a := range page.Alerts {
			ids = append(ids, a.ID)
		}
		if len(page.Alerts) < limit || page.NextCursor <= after {
			return ids, nil
		}
		after = page.NextCursor
	}
	return ids, errors.New("alert listing did not terminate")
}

func decodePage(resp *http.Response, page *types.AlertPage) error {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("list alerts returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(page); err != nil {
		return fmt.Errorf("decode alert page: %w", err)
	}
	return nil
}

// Watch reads the alert stream until ctx ends, handing each alert to fn.
// It returns nil when ctx ends and the first error from fn otherwise.
func (c *Client) Watch(ctx context.Context, fn func(types.Alert) error) error {
	wsURL, err := StreamURL(c.baseURL)
	if err != nil {
		return err
	}
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.SetReadDeadline(time.Now())
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read stream: %w", err)
		}
		var a types.Alert
		if err := json.Unmarshal(data, &a); err != nil {
			return fmt.Errorf("decode alert: %w", err)
		}
		if err := fn(a); err != nil {
			return err
		}
	}
}

func (c *Client) do(ctx context.Context, method, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, u, err)
	}
	return resp, nil
}
