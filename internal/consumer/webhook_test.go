package consumer_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/snehjoshi/relayq/internal/consumer"
	"github.com/snehjoshi/relayq/internal/types"
)

type capturedRequest struct {
	body      []byte
	signature string
}

func webhookServer(t *testing.T, status int) (*httptest.Server, <-chan capturedRequest) {
	t.Helper()
	reqs := make(chan capturedRequest, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		reqs <- capturedRequest{body: body, signature: r.Header.Get(consumer.SignatureHeader)}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, reqs
}

func TestWebhookHandler_PostsSignedQueueItem(t *testing.T) {
	srv, reqs := webhookServer(t, http.StatusOK)
	h := &consumer.WebhookHandler{URL: srv.URL, Secret: "s3cret", Client: srv.Client()}

	res := h.HandleQueueItem(context.Background(), types.QueueItem{
		ID: 7, Queue: "jobs", Attempts: 2, Payload: json.RawMessage(`{"task":"email"}`),
	})
	if res.Failed() {
		t.Fatalf("unexpected failure: %v", res.Err())
	}

	got := <-reqs
	if want := "sha256=" + consumer.Sign("s3cret", got.body); got.signature != want {
		t.Fatalf("signature = %q, want %q", got.signature, want)
	}
	var body struct {
		Kind     string          `json:"kind"`
		ID       int64           `json:"id"`
		Queue    string          `json:"queue"`
		Attempts int             `json:"attempts"`
		Payload  json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(got.body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Kind != "queue_item" || body.ID != 7 || body.Queue != "jobs" || body.Attempts != 2 {
		t.Fatalf("unexpected body: %+v", body)
	}
	if string(body.Payload) != `{"task":"email"}` {
		t.Fatalf("payload = %s", body.Payload)
	}
}

func TestWebhookHandler_UnsignedStreamEvent(t *testing.T) {
	srv, reqs := webhookServer(t, http.StatusOK)
	h := &consumer.WebhookHandler{URL: srv.URL, Client: srv.Client()}

	res := h.HandleStreamEvent(context.Background(), types.StreamEvent{
		ID: 3, Stream: "audit", Payload: json.RawMessage(`{}`),
	})
	if res.Failed() {
		t.Fatalf("unexpected failure: %v", res.Err())
	}
	got := <-reqs
	if got.signature != "" {
		t.Fatalf("expected no signature, got %q", got.signature)
	}
}

func TestWebhookHandler_NonOKStatusFails(t *testing.T) {
	srv, _ := webhookServer(t, http.StatusAccepted)
	h := &consumer.WebhookHandler{URL: srv.URL, Client: srv.Client()}

	res := h.HandleQueueItem(context.Background(), types.QueueItem{ID: 1, Payload: json.RawMessage(`{}`)})
	if !res.Failed() {
		t.Fatal("expected failure for 202 response")
	}
}

func TestWebhookHandler_UnreachableEndpointFails(t *testing.T) {
	srv, _ := webhookServer(t, http.StatusOK)
	url := srv.URL
	srv.Close()

	h := &consumer.WebhookHandler{URL: url, Client: srv.Client()}
	res := h.HandleQueueItem(context.Background(), types.QueueItem{ID: 1, Payload: json.RawMessage(`{}`)})
	if !res.Failed() {
		t.Fatal("expected failure for closed endpoint")
	}
}

// ─── results and policies ────────────────────────────────────────────────────

func TestResult(t *testing.T) {
	if consumer.OK().Failed() {
		t.Fatal("OK reported failure")
	}
	cause := errors.New("boom")
	if res := consumer.Fail(cause); !res.Failed() || !errors.Is(res.Err(), cause) {
		t.Fatalf("Fail(cause) = %v", res.Err())
	}
	if res := consumer.Fail(nil); !res.Failed() || res.Err() == nil {
		t.Fatal("Fail(nil) must still fail with a reason")
	}
}

func TestParsePolicies(t *testing.T) {
	for _, p := range []consumer.QueuePolicy{consumer.QueueRetry, consumer.QueueAck, consumer.QueueDeadLetter} {
		got, err := consumer.ParseQueuePolicy(p.String())
		if err != nil || got != p {
			t.Fatalf("ParseQueuePolicy(%q) = %v, %v", p.String(), got, err)
		}
	}
	for _, p := range []consumer.StreamPolicy{consumer.StreamRetry, consumer.StreamSkip} {
		got, err := consumer.ParseStreamPolicy(p.String())
		if err != nil || got != p {
			t.Fatalf("ParseStreamPolicy(%q) = %v, %v", p.String(), got, err)
		}
	}
	if _, err := consumer.ParseQueuePolicy("skip"); err == nil {
		t.Fatal("expected error for queue policy skip")
	}
	if _, err := consumer.ParseStreamPolicy("dead_letter"); err == nil {
		t.Fatal("expected error for stream policy dead_letter")
	}
}
