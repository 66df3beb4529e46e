// Package broker is the central orchestrator for relayq.
//
// Every entry point (CLI commands, the ops HTTP server) talks to the Broker,
// never directly to the storage or notification layer. The Broker turns one
// Config into a backing store, notification gates, an offset store, a handler
// and ready-to-run consumers.
//
// Data flow:
//
//	Producer → Broker.Enqueue / Broker.Publish → sqlstore → NOTIFY <channel>
//	Consumer → QueueConsumer.Run  → Gate.WaitForActivity + sqlstore.FetchBatch
//	         → StreamConsumer.Run → Gate.WaitForActivity + sqlstore.FetchBatchAfter
//	                                + OffsetStore.Advance
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/juju/clock"

	"github.com/snehjoshi/relayq/internal/channel"
	"github.com/snehjoshi/relayq/internal/config"
	"github.com/snehjoshi/relayq/internal/consumer"
	"github.com/snehjoshi/relayq/internal/dlq"
	"github.com/snehjoshi/relayq/internal/metrics"
	"github.com/snehjoshi/relayq/internal/notify"
	"github.com/snehjoshi/relayq/internal/prune"
	"github.com/snehjoshi/relayq/internal/storage"
	"github.com/snehjoshi/relayq/internal/storage/boltoffsets"
	"github.com/snehjoshi/relayq/internal/storage/sqlstore"
	"github.com/snehjoshi/relayq/internal/types"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrClosed is returned by every method called after Close.
	ErrClosed = errors.New("broker: closed")
	// ErrNoConsumerID is returned when a stream consumer is requested without
	// a configured consumer identity.
	ErrNoConsumerID = errors.New("broker: stream.consumer_id must be set")
)

// ─── Response types ───────────────────────────────────────────────────────────

// QueueInfo is a depth snapshot of one work queue.
type QueueInfo struct {
	Name    string `json:"name"`
	Pending int64  `json:"pending"`
	Claimed int64  `json:"claimed"`
	Done    int64  `json:"done"`
	Dead    int64  `json:"dead"`
}

// Handler processes both queue items and stream events.
type Handler interface {
	consumer.QueueHandler
	consumer.StreamHandler
}

// ─── Option / functional options ─────────────────────────────────────────────

// Option is a functional option for the Broker.
type Option func(*Broker)

// WithMetrics attaches a metrics.Registry that every consumer, the store and
// the prune job report to.
func WithMetrics(reg *metrics.Registry) Option {
	return func(b *Broker) { b.metrics = reg }
}

// WithClock replaces the wall clock (store timestamps, gate timers, reclaim
// and prune scheduling).
func WithClock(c clock.Clock) Option {
	return func(b *Broker) { b.clock = c }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.log = l }
}

// WithHandler overrides the handler selected by cfg.Handler.
func WithHandler(h Handler) Option {
	return func(b *Broker) { b.handler = h }
}

// ─── Broker ───────────────────────────────────────────────────────────────────

// Broker wires the store, the gates, the offset store and the DLQ manager
// into a single façade.
//
// All methods are safe for concurrent use.
type Broker struct {
	cfg    *config.Config
	nodeID string

	store   *sqlstore.Store
	hub     *notify.Hub
	bolt    *boltoffsets.Store // opened by the first StreamConsumer call
	dlqMgr  *dlq.Manager
	handler Handler

	metrics *metrics.Registry
	clock   clock.Clock
	log     *slog.Logger

	mu     sync.Mutex
	gates  []notify.Gate
	closed bool
}

// New opens the backing store described by cfg. It does not create the
// schema; call Migrate for that. A bolt offsets file is only opened when a
// stream consumer is built, so producers and queue consumers never contend
// for its lock.
func New(cfg *config.Config, nodeID string, opts ...Option) (*Broker, error) {
	b := &Broker{
		cfg:    cfg,
		nodeID: nodeID,
		clock:  clock.WallClock,
		log:    slog.Default(),
	}
	for _, fn := range opts {
		fn(b)
	}
	b.log = b.log.With("node_id", nodeID)
	b.hub = notify.NewHub(b.clock)

	store, err := sqlstore.Open(cfg.Database,
		sqlstore.WithClock(b.clock),
		sqlstore.WithNotifier(b.hub),
		sqlstore.WithOwner(nodeID),
		sqlstore.WithLogger(b.log),
	)
	if err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}
	b.store = store

	b.dlqMgr = dlq.NewManager(store, b.log)

	if b.handler == nil {
		b.handler = newHandler(cfg.Handler, b.log)
	}

	b.log.Info("broker opened",
		"driver", store.Driver(), "offsets", string(cfg.Offsets.Backend),
		"handler", cfg.Handler.Kind)
	return b, nil
}

func newHandler(cfg config.HandlerConfig, log *slog.Logger) Handler {
	if cfg.Kind == "webhook" {
		return consumer.NewWebhookHandler(cfg.URL, cfg.Secret, cfg.Timeout.D())
	}
	return consumer.LogHandler{Logger: log.With("component", "handler")}
}

// Migrate creates the schema (tables, indexes, notification triggers).
func (b *Broker) Migrate(ctx context.Context) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.store.Migrate(ctx)
}

// Close closes every gate handed out, the offset store and the backing store.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	gates := b.gates
	b.gates = nil
	bolt := b.bolt
	b.bolt = nil
	b.mu.Unlock()

	var errs []error
	for _, g := range gates {
		errs = append(errs, g.Close())
	}
	if bolt != nil {
		errs = append(errs, bolt.Close())
	}
	errs = append(errs, b.store.Close())
	return errors.Join(errs...)
}

func (b *Broker) check() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Ping checks that the backing store is reachable.
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.store.Ping(ctx)
}

// NodeID returns the identity recorded as claimed_by on fetched items.
func (b *Broker) NodeID() string { return b.nodeID }

// Config returns the configuration the broker was built from.
func (b *Broker) Config() *config.Config { return b.cfg }

// Store exposes the backing store.
func (b *Broker) Store() *sqlstore.Store { return b.store }

// DLQ returns the dead-letter manager.
func (b *Broker) DLQ() *dlq.Manager { return b.dlqMgr }

// Metrics returns the attached registry, or nil.
func (b *Broker) Metrics() *metrics.Registry { return b.metrics }

// ─── Produce ──────────────────────────────────────────────────────────────────

// Enqueue durably stores a work-queue item and wakes the queue's consumers.
func (b *Broker) Enqueue(ctx context.Context, queue string, payload json.RawMessage) (types.QueueItem, error) {
	if err := b.check(); err != nil {
		return types.QueueItem{}, err
	}
	return b.store.Enqueue(ctx, queue, payload)
}

// Publish appends a stream event and wakes the stream's consumers.
func (b *Broker) Publish(ctx context.Context, stream string, payload json.RawMessage) (types.StreamEvent, error) {
	if err := b.check(); err != nil {
		return types.StreamEvent{}, err
	}
	return b.store.Publish(ctx, stream, payload)
}

// ─── Gates ────────────────────────────────────────────────────────────────────

// Gate subscribes to ch. With Postgres this opens a dedicated LISTEN
// connection; with SQLite wake-ups come from writes made through this
// process. The gate is closed by Close.
func (b *Broker) Gate(ctx context.Context, ch string) (notify.Gate, error) {
	if err := channel.Validate(ch); err != nil {
		return nil, fmt.Errorf("broker: gate: %w", err)
	}
	if err := b.check(); err != nil {
		return nil, err
	}

	var g notify.Gate
	if b.store.NotifiesInDatabase() {
		pg, err := notify.ListenPG(ctx, b.cfg.Database.PostgresDSN(), ch,
			notify.WithPGClock(b.clock),
			notify.WithPGLogger(b.log),
			notify.WithReconnect(b.cfg.Listener.MinReconnect.D(), b.cfg.Listener.MaxReconnect.D()),
		)
		if err != nil {
			return nil, fmt.Errorf("broker: gate: %w", err)
		}
		g = pg
	} else {
		g = b.hub.Listen(ch)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		_ = g.Close()
		return nil, ErrClosed
	}
	b.gates = append(b.gates, g)
	return g, nil
}

// ─── Consumers ────────────────────────────────────────────────────────────────

// offsetStore returns the cursor store of stream consumers, opening the bolt
// file with its write lock on first use.
func (b *Broker) offsetStore() (storage.OffsetStore, error) {
	if b.cfg.Offsets.Backend != config.OffsetsBolt {
		return b.store, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.bolt == nil {
		bs, err := boltoffsets.Open(b.cfg.Offsets.BoltPath, b.clock)
		if err != nil {
			return nil, fmt.Errorf("broker: %w", err)
		}
		b.bolt = bs
	}
	return b.bolt, nil
}

func (b *Broker) consumerOptions() []consumer.Option {
	return []consumer.Option{
		consumer.WithLogger(b.log),
		consumer.WithMetrics(b.metrics),
		consumer.WithClock(b.clock),
	}
}

// QueueConsumer builds the work-queue consumer described by cfg.Queue,
// subscribed to the queue's channel.
func (b *Broker) QueueConsumer(ctx context.Context) (*consumer.QueueConsumer, error) {
	qc := b.cfg.Queue
	policy, err := consumer.ParseQueuePolicy(qc.FailurePolicy)
	if err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}
	gate, err := b.Gate(ctx, qc.Name)
	if err != nil {
		return nil, err
	}
	return consumer.NewQueueConsumer(consumer.QueueConfig{
		Queue:           qc.Name,
		BatchSize:       qc.BatchSize,
		WaitTimeout:     qc.WaitTimeout.D(),
		Policy:          policy,
		MaxAttempts:     qc.MaxAttempts,
		RetryDelay:      qc.RetryDelay.D(),
		ReclaimAfter:    qc.ReclaimAfter.D(),
		ReclaimInterval: qc.ReclaimInterval.D(),
	}, b.store, gate, b.handler, b.consumerOptions()...), nil
}

// StreamConsumer builds the stream consumer described by cfg.Stream,
// subscribed to the stream's channel. Its cursor lives in the configured
// offset store.
func (b *Broker) StreamConsumer(ctx context.Context) (*consumer.StreamConsumer, error) {
	sc := b.cfg.Stream
	if sc.ConsumerID == "" {
		return nil, ErrNoConsumerID
	}
	policy, err := consumer.ParseStreamPolicy(sc.FailurePolicy)
	if err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}
	offsets, err := b.offsetStore()
	if err != nil {
		return nil, err
	}
	gate, err := b.Gate(ctx, sc.Name)
	if err != nil {
		return nil, err
	}
	return consumer.NewStreamConsumer(consumer.StreamConfig{
		Stream:      sc.Name,
		ConsumerID:  sc.ConsumerID,
		BatchSize:   sc.BatchSize,
		WaitTimeout: sc.WaitTimeout.D(),
		Policy:      policy,
		MaxAttempts: sc.MaxAttempts,
	}, b.store, offsets, gate, b.handler, b.consumerOptions()...), nil
}

// Pruner builds the cleanup job for the configured queue and stream.
//
// With the bolt offset backend the stream cursors are not visible to the
// database, so only the queue is pruned.
func (b *Broker) Pruner() *prune.Pruner {
	cfg := prune.Config{
		Queues:    []string{b.cfg.Queue.Name},
		Retention: b.cfg.Prune.Retention.D(),
		Interval:  b.cfg.Prune.Interval.D(),
	}
	if b.cfg.Offsets.Backend != config.OffsetsBolt {
		cfg.Streams = []string{b.cfg.Stream.Name}
	}
	return prune.New(cfg, b.store,
		prune.WithClock(b.clock),
		prune.WithLogger(b.log),
		prune.WithMetrics(b.metrics),
	)
}

// ─── Stats ────────────────────────────────────────────────────────────────────

// QueueStats returns the item count per status of queue.
func (b *Broker) QueueStats(ctx context.Context, queue string) (QueueInfo, error) {
	if err := b.check(); err != nil {
		return QueueInfo{}, err
	}
	counts, err := b.store.CountByStatus(ctx, queue)
	if err != nil {
		return QueueInfo{}, err
	}
	return QueueInfo{
		Name:    queue,
		Pending: counts[types.StatusPending],
		Claimed: counts[types.StatusClaimed],
		Done:    counts[types.StatusDone],
		Dead:    counts[types.StatusDead],
	}, nil
}

// StreamConsumers lists the registered consumers of stream and their
// cursors, sorted by consumer id. With the bolt backend the file is read
// through this process's handle if it has one, otherwise through a read-only
// snapshot, which fails with boltoffsets.ErrLocked while another process
// consumes the stream.
func (b *Broker) StreamConsumers(ctx context.Context, stream string) ([]types.ConsumerRecord, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	if b.cfg.Offsets.Backend != config.OffsetsBolt {
		return b.store.Consumers(ctx, stream)
	}

	b.mu.Lock()
	bolt := b.bolt
	b.mu.Unlock()
	if bolt != nil {
		return bolt.Records(stream)
	}
	recs, err := boltoffsets.Snapshot(b.cfg.Offsets.BoltPath, stream)
	if err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}
	return recs, nil
}
