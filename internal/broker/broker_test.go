package broker_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/snehjoshi/relayq/internal/broker"
	"github.com/snehjoshi/relayq/internal/config"
	"github.com/snehjoshi/relayq/internal/consumer"
	"github.com/snehjoshi/relayq/internal/metrics"
	"github.com/snehjoshi/relayq/internal/storage/boltoffsets"
	"github.com/snehjoshi/relayq/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ─── helpers ─────────────────────────────────────────────────────────────────

// recordingHandler captures every id it is handed.
type recordingHandler struct {
	mu     sync.Mutex
	items  []int64
	events []int64
}

func (h *recordingHandler) HandleQueueItem(_ context.Context, it types.QueueItem) consumer.Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, it.ID)
	return consumer.OK()
}

func (h *recordingHandler) HandleStreamEvent(_ context.Context, ev types.StreamEvent) consumer.Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev.ID)
	return consumer.OK()
}

// failingHandler fails every item and event.
type failingHandler struct{}

func (failingHandler) HandleQueueItem(context.Context, types.QueueItem) consumer.Result {
	return consumer.Fail(errors.New("poison"))
}

func (failingHandler) HandleStreamEvent(context.Context, types.StreamEvent) consumer.Result {
	return consumer.Fail(errors.New("poison"))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Database.Driver = config.DriverSQLite
	cfg.Database.Path = filepath.Join(dir, "relayq.db")
	cfg.Offsets.BoltPath = filepath.Join(dir, "offsets.db")
	cfg.Queue.Name = "jobs"
	cfg.Stream.Name = "audit"
	cfg.Stream.ConsumerID = "c1"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

func newTestBroker(t *testing.T, cfg *config.Config, h broker.Handler) *broker.Broker {
	t.Helper()
	b, err := broker.New(cfg, "01HZY5R3J8Q5N1C2V3B4M5K6P7",
		broker.WithHandler(h), broker.WithMetrics(metrics.New()))
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	if err := b.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return b
}

// ─── Queue ───────────────────────────────────────────────────────────────────

func TestBroker_QueueConsumerDrainsEnqueuedItems(t *testing.T) {
	h := &recordingHandler{}
	b := newTestBroker(t, testConfig(t), h)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := b.Enqueue(ctx, "jobs", json.RawMessage(`{"task":"email"}`)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	qc, err := b.QueueConsumer(ctx)
	if err != nil {
		t.Fatalf("QueueConsumer: %v", err)
	}
	if n := qc.Drain(ctx); n != 3 {
		t.Fatalf("Drain: want 3, got %d", n)
	}
	if len(h.items) != 3 || h.items[0] >= h.items[1] || h.items[1] >= h.items[2] {
		t.Fatalf("items handled out of order: %v", h.items)
	}

	info, err := b.QueueStats(ctx, "jobs")
	if err != nil {
		t.Fatalf("QueueStats: %v", err)
	}
	if info.Done != 3 || info.Pending != 0 || info.Claimed != 0 {
		t.Fatalf("unexpected stats: %+v", info)
	}
}

func TestBroker_EnqueueWakesQueueConsumer(t *testing.T) {
	h := &recordingHandler{}
	cfg := testConfig(t)
	cfg.Queue.WaitTimeout = config.Duration(time.Hour)
	b := newTestBroker(t, cfg, h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	qc, err := b.QueueConsumer(ctx)
	if err != nil {
		t.Fatalf("QueueConsumer: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- qc.Run(ctx) }()

	if _, err := b.Enqueue(context.Background(), "jobs", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		h.mu.Lock()
		n := len(h.items)
		h.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("item was not consumed; the enqueue did not wake the consumer")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestBroker_DLQReplay(t *testing.T) {
	cfg := testConfig(t)
	cfg.Queue.FailurePolicy = "dead_letter"
	b := newTestBroker(t, cfg, failingHandler{})
	ctx := context.Background()

	if _, err := b.Enqueue(ctx, "jobs", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	qc, err := b.QueueConsumer(ctx)
	if err != nil {
		t.Fatalf("QueueConsumer: %v", err)
	}
	qc.Drain(ctx)

	if n, err := b.DLQ().Len(ctx, "jobs"); err != nil || n != 1 {
		t.Fatalf("DLQ Len: want 1, got %d (err=%v)", n, err)
	}
	if n, err := b.DLQ().Replay(ctx, "jobs", 10); err != nil || n != 1 {
		t.Fatalf("Replay: want 1, got %d (err=%v)", n, err)
	}
	info, _ := b.QueueStats(ctx, "jobs")
	if info.Pending != 1 || info.Dead != 0 {
		t.Fatalf("after replay: %+v", info)
	}
}

// ─── Stream ──────────────────────────────────────────────────────────────────

func TestBroker_StreamConsumer(t *testing.T) {
	for _, backend := range []config.OffsetBackend{config.OffsetsDatabase, config.OffsetsBolt} {
		t.Run(string(backend), func(t *testing.T) {
			h := &recordingHandler{}
			cfg := testConfig(t)
			cfg.Offsets.Backend = backend
			b := newTestBroker(t, cfg, h)
			ctx := context.Background()

			for i := 0; i < 7; i++ {
				if _, err := b.Publish(ctx, "audit", json.RawMessage(`{}`)); err != nil {
					t.Fatalf("Publish: %v", err)
				}
			}

			sc, err := b.StreamConsumer(ctx)
			if err != nil {
				t.Fatalf("StreamConsumer: %v", err)
			}
			if err := sc.Start(ctx); err != nil {
				t.Fatalf("Start: %v", err)
			}
			if n := sc.Drain(ctx); n != 7 {
				t.Fatalf("Drain: want 7, got %d", n)
			}

			recs, err := b.StreamConsumers(ctx, "audit")
			if err != nil {
				t.Fatalf("StreamConsumers: %v", err)
			}
			if len(recs) != 1 || recs[0].ConsumerID != "c1" || recs[0].LastEventID != 7 {
				t.Fatalf("unexpected consumers: %+v", recs)
			}
		})
	}
}

func TestBroker_BoltOffsetsShareFileAcrossProcesses(t *testing.T) {
	cfg := testConfig(t)
	cfg.Offsets.Backend = config.OffsetsBolt
	ctx := context.Background()

	streamSide := newTestBroker(t, cfg, &recordingHandler{})
	if _, err := streamSide.Publish(ctx, "audit", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	sc, err := streamSide.StreamConsumer(ctx)
	if err != nil {
		t.Fatalf("StreamConsumer: %v", err)
	}
	if err := sc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n := sc.Drain(ctx); n != 1 {
		t.Fatalf("Drain: want 1, got %d", n)
	}

	// A second process on the same config produces and consumes the queue
	// while the stream consumer holds the offsets file.
	other := newTestBroker(t, cfg, &recordingHandler{})
	if _, err := other.Enqueue(ctx, "jobs", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := other.Publish(ctx, "audit", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	qc, err := other.QueueConsumer(ctx)
	if err != nil {
		t.Fatalf("QueueConsumer: %v", err)
	}
	if n := qc.Drain(ctx); n != 1 {
		t.Fatalf("queue Drain: want 1, got %d", n)
	}
	if _, err := other.StreamConsumers(ctx, "audit"); !errors.Is(err, boltoffsets.ErrLocked) {
		t.Fatalf("cursor listing while locked: want ErrLocked, got %v", err)
	}
	if _, err := other.StreamConsumer(ctx); !errors.Is(err, boltoffsets.ErrLocked) {
		t.Fatalf("second stream consumer: want ErrLocked, got %v", err)
	}

	// The owner reads through its own handle.
	if recs, err := streamSide.StreamConsumers(ctx, "audit"); err != nil || len(recs) != 1 || recs[0].LastEventID != 1 {
		t.Fatalf("owner StreamConsumers: %+v, %v", recs, err)
	}

	if err := streamSide.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	recs, err := other.StreamConsumers(ctx, "audit")
	if err != nil {
		t.Fatalf("StreamConsumers after owner exit: %v", err)
	}
	if len(recs) != 1 || recs[0].ConsumerID != "c1" || recs[0].LastEventID != 1 {
		t.Fatalf("unexpected consumers: %+v", recs)
	}
}

func TestBroker_StreamConsumerNeedsIdentity(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stream.ConsumerID = ""
	b := newTestBroker(t, cfg, &recordingHandler{})

	if _, err := b.StreamConsumer(context.Background()); !errors.Is(err, broker.ErrNoConsumerID) {
		t.Fatalf("want ErrNoConsumerID, got %v", err)
	}
}

// ─── Prune ───────────────────────────────────────────────────────────────────

func TestBroker_PrunerRemovesConsumedEvents(t *testing.T) {
	h := &recordingHandler{}
	cfg := testConfig(t)
	cfg.Prune.Retention = 0
	b := newTestBroker(t, cfg, h)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := b.Publish(ctx, "audit", json.RawMessage(`{}`)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if _, err := b.Enqueue(ctx, "jobs", json.RawMessage(`{}`)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	sc, err := b.StreamConsumer(ctx)
	if err != nil {
		t.Fatalf("StreamConsumer: %v", err)
	}
	if err := sc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sc.Drain(ctx)
	qc, err := b.QueueConsumer(ctx)
	if err != nil {
		t.Fatalf("QueueConsumer: %v", err)
	}
	qc.Drain(ctx)

	rep, err := b.Pruner().RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.QueueItems != 3 || rep.StreamEvents != 3 {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

func TestBroker_Gate_RejectsInvalidChannel(t *testing.T) {
	b := newTestBroker(t, testConfig(t), &recordingHandler{})
	if _, err := b.Gate(context.Background(), "Bad-Name"); err == nil {
		t.Fatal("expected error for an invalid channel name")
	}
}

func TestBroker_ClosedBrokerRejectsCalls(t *testing.T) {
	b := newTestBroker(t, testConfig(t), &recordingHandler{})
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := b.Enqueue(context.Background(), "jobs", json.RawMessage(`{}`)); !errors.Is(err, broker.ErrClosed) {
		t.Fatalf("Enqueue after Close: want ErrClosed, got %v", err)
	}
	if _, err := b.Gate(context.Background(), "jobs"); !errors.Is(err, broker.ErrClosed) {
		t.Fatalf("Gate after Close: want ErrClosed, got %v", err)
	}
}
