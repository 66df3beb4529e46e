package prune_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/snehjoshi/relayq/internal/metrics"
	"github.com/snehjoshi/relayq/internal/prune"
	"github.com/snehjoshi/relayq/internal/storage/sqlstore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newStore(t *testing.T, clk *testclock.Clock) *sqlstore.Store {
	t.Helper()
	s, err := sqlstore.OpenSQLite(filepath.Join(t.TempDir(), "relayq.db"), sqlstore.WithClock(clk))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

// ackOne enqueues, claims and acknowledges one item of queue.
func ackOne(t *testing.T, s *sqlstore.Store, queue string) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.Enqueue(ctx, queue, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	items, err := s.FetchBatch(ctx, queue, 1)
	if err != nil || len(items) != 1 {
		t.Fatalf("FetchBatch: err=%v len=%d", err, len(items))
	}
	if err := s.Acknowledge(ctx, queue, items[0].ID); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
}

func TestRunOnce_DeletesOldDoneItemsAndConsumedEvents(t *testing.T) {
	clk := testclock.NewClock(epoch)
	s := newStore(t, clk)
	ctx := context.Background()

	ackOne(t, s, "jobs")
	ackOne(t, s, "jobs")
	clk.Advance(2 * time.Hour)
	ackOne(t, s, "jobs") // younger than the retention

	// A done item and a pending one in another queue are not configured.
	ackOne(t, s, "other")
	if _, err := s.Enqueue(ctx, "jobs", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	for i := 0; i < 4; i++ {
		if _, err := s.Publish(ctx, "audit", json.RawMessage(`{}`)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if _, err := s.GetOrCreate(ctx, "c1", "audit"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := s.Advance(ctx, "c1", 3); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	reg := metrics.New()
	p := prune.New(prune.Config{
		Queues:    []string{"jobs"},
		Streams:   []string{"audit"},
		Retention: time.Hour,
		Interval:  time.Hour,
	}, s, prune.WithClock(clk), prune.WithMetrics(reg))

	rep, err := p.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.QueueItems != 2 {
		t.Errorf("QueueItems: want 2, got %d", rep.QueueItems)
	}
	if rep.StreamEvents != 3 {
		t.Errorf("StreamEvents: want 3, got %d", rep.StreamEvents)
	}

	counts, err := s.CountByStatus(ctx, "jobs")
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts["done"] != 1 || counts["pending"] != 1 {
		t.Errorf("jobs after prune: %v", counts)
	}
	if other, _ := s.CountByStatus(ctx, "other"); other["done"] != 1 {
		t.Errorf("unconfigured queue was pruned: %v", other)
	}

	if n, _ := testutil.GatherAndCount(reg.Gatherer(), "relayq_pruned_total"); n != 2 {
		t.Errorf("expected 2 pruned series, got %d", n)
	}

	// A second run finds nothing more.
	rep, err = p.RunOnce(ctx)
	if err != nil || rep != (prune.Report{}) {
		t.Fatalf("second RunOnce: %+v, %v", rep, err)
	}
}

// countingStore signals every DeleteDone call and fails PruneStream.
type countingStore struct {
	runs chan struct{}
}

func (c *countingStore) DeleteDone(context.Context, string, time.Duration) (int64, error) {
	c.runs <- struct{}{}
	return 1, nil
}

func (c *countingStore) PruneStream(context.Context, string) (int64, error) {
	return 0, errors.New("connection reset")
}

func TestRunOnce_ContinuesPastFailures(t *testing.T) {
	store := &countingStore{runs: make(chan struct{}, 4)}
	p := prune.New(prune.Config{
		Queues:  []string{"a", "b"},
		Streams: []string{"audit"},
	}, store)

	rep, err := p.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected the stream failure to be reported")
	}
	if rep.QueueItems != 2 {
		t.Fatalf("queue deletions should still count, got %d", rep.QueueItems)
	}
}

func TestRun_RepeatsOnInterval(t *testing.T) {
	clk := testclock.NewClock(epoch)
	store := &countingStore{runs: make(chan struct{}, 4)}
	p := prune.New(prune.Config{Queues: []string{"jobs"}, Interval: time.Minute},
		store, prune.WithClock(clk))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	waitRun := func() {
		t.Helper()
		select {
		case <-store.runs:
		case <-time.After(5 * time.Second):
			t.Fatal("prune run did not happen")
		}
	}

	waitRun() // immediately on start
	if err := clk.WaitAdvance(time.Minute, 5*time.Second, 1); err != nil {
		t.Fatalf("WaitAdvance: %v", err)
	}
	waitRun()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRun_RejectsZeroInterval(t *testing.T) {
	p := prune.New(prune.Config{}, &countingStore{runs: make(chan struct{}, 1)})
	if err := p.Run(context.Background()); err == nil {
		t.Fatal("expected error for zero interval")
	}
}
