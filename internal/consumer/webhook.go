package consumer

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/snehjoshi/relayq/internal/types"
)

// SignatureHeader carries the HMAC-SHA256 of the request body when the
// webhook has a secret: "sha256=<hex>".
const SignatureHeader = "X-Relayq-Signature"

// webhookPayload is the JSON body POSTed to the webhook URL.
type webhookPayload struct {
	Kind      string          `json:"kind"` // "queue_item" or "stream_event"
	ID        int64           `json:"id"`
	Queue     string          `json:"queue,omitempty"`
	Stream    string          `json:"stream,omitempty"`
	Attempts  int             `json:"attempts,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"created_at"`
}

// WebhookHandler forwards every item and event to an HTTP endpoint. The
// delivery succeeds only when the endpoint responds 200 OK.
type WebhookHandler struct {
	URL    string
	Secret string
	Client *http.Client
}

// NewWebhookHandler returns a handler posting to url with the given request
// timeout.
func NewWebhookHandler(url, secret string, timeout time.Duration) *WebhookHandler {
	return &WebhookHandler{
		URL:    url,
		Secret: secret,
		Client: &http.Client{Timeout: timeout},
	}
}

// HandleQueueItem implements QueueHandler.
func (h *WebhookHandler) HandleQueueItem(ctx context.Context, item types.QueueItem) Result {
	return h.deliver(ctx, webhookPayload{
		Kind:      "queue_item",
		ID:        item.ID,
		Queue:     item.Queue,
		Attempts:  item.Attempts,
		Payload:   item.Payload,
		CreatedAt: item.CreatedAt,
	})
}

// HandleStreamEvent implements StreamHandler.
func (h *WebhookHandler) HandleStreamEvent(ctx context.Context, ev types.StreamEvent) Result {
	return h.deliver(ctx, webhookPayload{
		Kind:      "stream_event",
		ID:        ev.ID,
		Stream:    ev.Stream,
		Payload:   ev.Payload,
		CreatedAt: ev.CreatedAt,
	})
}

func (h *WebhookHandler) deliver(ctx context.Context, p webhookPayload) Result {
	body, err := json.Marshal(p)
	if err != nil {
		return Fail(fmt.Errorf("webhook: marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return Fail(fmt.Errorf("webhook: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	// Sign the request body when a secret is provided.
	if h.Secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(h.Secret, body))
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Fail(fmt.Errorf("webhook: POST to %s: %w", h.URL, err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return Fail(fmt.Errorf("webhook: endpoint returned %d", resp.StatusCode))
	}
	return OK()
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
