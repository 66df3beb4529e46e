// Package client talks to the ops server of a running relayq process:
// health, queue depth, the dead-letter queue and stream consumer cursors.
//
//	c := client.New("http://localhost:9090", client.WithAPIKey(key))
//	dl, err := c.DeadLetters(ctx, "jobs", 20)
//	n, err := c.ReplayDLQ(ctx, "jobs", 0) // 0 replays every dead item
//
// A Client may be shared between goroutines.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// APIError is a non-2xx answer of the ops server.
type APIError struct {
	Status int
	Reason string // the "error" member of the body, or the status text
	Path   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relayq: %s: %d %s", e.Path, e.Status, e.Reason)
}

func hasStatus(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == code
}

// IsUnavailable reports a 503: the store is unreachable or the process is
// shutting down.
func IsUnavailable(err error) bool { return hasStatus(err, http.StatusServiceUnavailable) }

// IsBadRequest reports a 400: an invalid name or parameter.
func IsBadRequest(err error) bool { return hasStatus(err, http.StatusBadRequest) }

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sends key as X-Api-Key, matching metrics.api_key on the server.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.key = key }
}

// WithHTTPClient swaps the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithTimeout bounds each call. Defaults to 10s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// Client calls one ops server.
type Client struct {
	base    string
	key     string
	hc      *http.Client
	timeout time.Duration
}

// New returns a Client for the server at base, e.g. "http://host:9090".
func New(base string, opts ...Option) *Client {
	c := &Client{base: base, hc: http.DefaultClient, timeout: 10 * time.Second}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Domain types ─────────────────────────────────────────────────────────────

// HealthInfo is the response of /health.
type HealthInfo struct {
	Status string        `json:"status"`
	NodeID string        `json:"node_id"`
	Uptime time.Duration `json:"-"`
	Error  string        `json:"error,omitempty"`
}

// QueueInfo is the item count per status of one work queue.
type QueueInfo struct {
	Name    string `json:"name"`
	Pending int64  `json:"pending"`
	Claimed int64  `json:"claimed"`
	Done    int64  `json:"done"`
	Dead    int64  `json:"dead"`
}

// DeadItem is one dead-lettered queue item.
type DeadItem struct {
	ID        int64           `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error"`
	CreatedAt time.Time       `json:"-"`
}

// DeadLetters is a page of a queue's dead-letter set.
type DeadLetters struct {
	Queue string
	// Total is the size of the whole dead-letter set, not just Items.
	Total int64
	Items []DeadItem
}

// Consumer is the persisted cursor of one stream consumer.
type Consumer struct {
	ID          string
	LastEventID int64
	UpdatedAt   time.Time
}

// ─── Observability ────────────────────────────────────────────────────────────

// Health checks the server and its backing store. A reachable server whose
// store is down answers with an *APIError for which IsUnavailable is true.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var resp struct {
		HealthInfo
		UptimeMs int64 `json:"uptime_ms"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", &resp); err != nil {
		return nil, err
	}
	info := resp.HealthInfo
	info.Uptime = time.Duration(resp.UptimeMs) * time.Millisecond
	return &info, nil
}

// QueueStats returns the depth of queue by item status.
func (c *Client) QueueStats(ctx context.Context, queue string) (*QueueInfo, error) {
	var info QueueInfo
	if err := c.do(ctx, http.MethodGet, "/queues/"+url.PathEscape(queue), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ─── DLQ ─────────────────────────────────────────────────────────────────────

// DeadLetters returns up to limit of the oldest dead items of queue without
// changing them. limit <= 0 uses the server default.
func (c *Client) DeadLetters(ctx context.Context, queue string, limit int) (*DeadLetters, error) {
	path := "/queues/" + url.PathEscape(queue) + "/dlq"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var resp struct {
		Queue string `json:"queue"`
		Total int64  `json:"total"`
		Items []struct {
			DeadItem
			CreatedAt int64 `json:"created_at"`
		} `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, path, &resp); err != nil {
		return nil, err
	}

	out := &DeadLetters{Queue: resp.Queue, Total: resp.Total, Items: make([]DeadItem, 0, len(resp.Items))}
	for _, it := range resp.Items {
		d := it.DeadItem
		d.CreatedAt = time.UnixMilli(it.CreatedAt).UTC()
		out.Items = append(out.Items, d)
	}
	return out, nil
}

// ReplayDLQ moves up to limit dead items of queue back to pending and
// returns how many moved. limit = 0 replays all of them.
func (c *Client) ReplayDLQ(ctx context.Context, queue string, limit int) (int64, error) {
	if limit < 0 {
		return 0, fmt.Errorf("relayq: replay limit must be >= 0, got %d", limit)
	}
	path := "/queues/" + url.PathEscape(queue) + "/dlq/replay"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var resp struct {
		Replayed int64 `json:"replayed"`
	}
	if err := c.do(ctx, http.MethodPost, path, &resp); err != nil {
		return 0, err
	}
	return resp.Replayed, nil
}

// ─── Streams ──────────────────────────────────────────────────────────────────

// StreamConsumers lists the registered consumers of stream, sorted by id.
func (c *Client) StreamConsumers(ctx context.Context, stream string) ([]Consumer, error) {
	var resp struct {
		Consumers []struct {
			ConsumerID  string `json:"consumer_id"`
			LastEventID int64  `json:"last_event_id"`
			UpdatedAt   int64  `json:"updated_at"`
		} `json:"consumers"`
	}
	if err := c.do(ctx, http.MethodGet, "/streams/"+url.PathEscape(stream)+"/consumers", &resp); err != nil {
		return nil, err
	}

	out := make([]Consumer, 0, len(resp.Consumers))
	for _, rc := range resp.Consumers {
		out = append(out, Consumer{
			ID:          rc.ConsumerID,
			LastEventID: rc.LastEventID,
			UpdatedAt:   time.UnixMilli(rc.UpdatedAt).UTC(),
		})
	}
	return out, nil
}

// ─── Transport ────────────────────────────────────────────────────────────────

// maxResponseBytes bounds what do will read from one answer.
const maxResponseBytes = 4 << 20

// do sends one request and decodes the JSON answer into out (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("relayq: %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.key != "" {
		req.Header.Set("X-Api-Key", c.key)
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("relayq: %s %s: %w", method, path, err)
	}
	defer res.Body.Close()
	body := io.LimitReader(res.Body, maxResponseBytes)

	if res.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(body).Decode(&e) != nil || e.Error == "" {
			e.Error = http.StatusText(res.StatusCode)
		}
		return &APIError{Status: res.StatusCode, Reason: e.Error, Path: path}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("relayq: %s %s: decode: %w", method, path, err)
	}
	return nil
}
