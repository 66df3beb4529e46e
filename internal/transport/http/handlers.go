package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/snehjoshi/relayq/internal/broker"
	"github.com/snehjoshi/relayq/internal/channel"
	"github.com/snehjoshi/relayq/internal/storage/boltoffsets"
	"github.com/snehjoshi/relayq/internal/types"
)

// Handler groups all HTTP request handlers around a Broker.
type Handler struct {
	broker    *broker.Broker
	startedAt time.Time
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type healthResp struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
	Error    string `json:"error,omitempty"`
}

type deadItem struct {
	ID        int64           `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error"`
	CreatedAt int64           `json:"created_at"`
}

type dlqResp struct {
	Queue string     `json:"queue"`
	Total int64      `json:"total"`
	Items []deadItem `json:"items"`
}

type replayResp struct {
	Replayed int64 `json:"replayed"`
}

type consumerInfo struct {
	ConsumerID  string `json:"consumer_id"`
	LastEventID int64  `json:"last_event_id"`
	UpdatedAt   int64  `json:"updated_at"`
}

type consumersResp struct {
	Stream    string         `json:"stream"`
	Consumers []consumerInfo `json:"consumers"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(h.startedAt)
	resp := healthResp{
		Status:   "ok",
		NodeID:   h.broker.NodeID(),
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.broker.Ping(ctx); err != nil {
		resp.Status = "unavailable"
		resp.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ─── Queues ───────────────────────────────────────────────────────────────────

func (h *Handler) queueStats(w http.ResponseWriter, r *http.Request) {
	queue, ok := pathName(w, r, "queue")
	if !ok {
		return
	}
	info, err := h.broker.QueueStats(r.Context(), queue)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// ─── DLQ ─────────────────────────────────────────────────────────────────────

// maxDLQPage caps ?limit= on the DLQ listing.
const maxDLQPage = 200

func (h *Handler) getDLQ(w http.ResponseWriter, r *http.Request) {
	queue, ok := pathName(w, r, "queue")
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 10)
	switch {
	case limit < 1:
		limit = 10
	case limit > maxDLQPage:
		limit = maxDLQPage
	}

	total, err := h.broker.DLQ().Len(r.Context(), queue)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	items, err := h.broker.DLQ().Peek(r.Context(), queue, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, dlqResp{Queue: queue, Total: total, Items: mapDeadItems(items)})
}

// replayDLQ moves dead items back to pending. limit=0 (the default) replays
// every dead item of the queue.
func (h *Handler) replayDLQ(w http.ResponseWriter, r *http.Request) {
	queue, ok := pathName(w, r, "queue")
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 0)
	if limit < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be >= 0"})
		return
	}

	var (
		replayed int64
		err      error
	)
	if limit == 0 {
		replayed, err = h.broker.DLQ().ReplayAll(r.Context(), queue)
	} else {
		var n int
		n, err = h.broker.DLQ().Replay(r.Context(), queue, limit)
		replayed = int64(n)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, replayResp{Replayed: replayed})
}

// ─── Streams ──────────────────────────────────────────────────────────────────

func (h *Handler) streamConsumers(w http.ResponseWriter, r *http.Request) {
	stream, ok := pathName(w, r, "stream")
	if !ok {
		return
	}
	recs, err := h.broker.StreamConsumers(r.Context(), stream)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]consumerInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, consumerInfo{
			ConsumerID:  rec.ConsumerID,
			LastEventID: rec.LastEventID,
			UpdatedAt:   rec.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, consumersResp{Stream: stream, Consumers: out})
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// pathName reads a queue or stream name from the path and rejects names that
// could never have been written.
func pathName(w http.ResponseWriter, r *http.Request, key string) (string, bool) {
	name := r.PathValue(key)
	if err := channel.Validate(name); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + key + " name: " + err.Error()})
		return "", false
	}
	return name, true
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}

func mapDeadItems(items []types.QueueItem) []deadItem {
	out := make([]deadItem, 0, len(items))
	for _, it := range items {
		out = append(out, deadItem{
			ID:        it.ID,
			Payload:   it.Payload,
			Attempts:  it.Attempts,
			LastError: it.LastError,
			CreatedAt: it.CreatedAt,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	if errors.Is(err, broker.ErrClosed) || errors.Is(err, boltoffsets.ErrLocked) {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
