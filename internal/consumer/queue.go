package consumer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/juju/clock"
	"golang.org/x/time/rate"

	"github.com/snehjoshi/relayq/internal/metrics"
	"github.com/snehjoshi/relayq/internal/notify"
	"github.com/snehjoshi/relayq/internal/storage"
	"github.com/snehjoshi/relayq/internal/types"
)

// QueueConfig configures a QueueConsumer.
type QueueConfig struct {
	Queue       string
	BatchSize   int           // default 5
	WaitTimeout time.Duration // default 5s

	Policy      QueuePolicy
	MaxAttempts int
	// RetryDelay is the pause after a batch in which an item was released for
	// retry, before the queue is fetched again. 0 refetches at once.
	RetryDelay time.Duration

	// ReclaimAfter returns items claimed longer than this to pending (or, under
	// QueueRetry, to dead once MaxAttempts deliveries were used). 0 disables
	// the sweep, in which case an item claimed by a process that crashed stays
	// claimed.
	ReclaimAfter    time.Duration
	ReclaimInterval time.Duration // default 30s
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = 30 * time.Second
	}
	return c
}

// QueueConsumer drains one work queue.
type QueueConsumer struct {
	cfg     QueueConfig
	store   storage.QueueStore
	gate    notify.Gate
	handler QueueHandler

	log     *slog.Logger
	metrics *metrics.Registry
	clock   clock.Clock
	limiter *rate.Limiter

	lastReclaim time.Time
}

// NewQueueConsumer returns a consumer for cfg.Queue. The gate must be
// subscribed to the queue's change channel.
func NewQueueConsumer(cfg QueueConfig, store storage.QueueStore, gate notify.Gate, h QueueHandler, opts ...Option) *QueueConsumer {
	cfg = cfg.withDefaults()
	o := buildOptions(opts)
	return &QueueConsumer{
		cfg:     cfg,
		store:   store,
		gate:    gate,
		handler: h,
		log:     o.log.With("component", "queue_consumer", "queue", cfg.Queue),
		metrics: o.metrics,
		clock:   o.clock,
		limiter: rate.NewLimiter(rate.Every(cfg.WaitTimeout), 1),
	}
}

// Run drains the queue and waits for activity, over and over, until ctx is
// cancelled. It returns nil on cancellation.
func (c *QueueConsumer) Run(ctx context.Context) error {
	c.log.Info("queue consumer started",
		"batch_size", c.cfg.BatchSize, "policy", c.cfg.Policy.String(),
		"reclaim_after", c.cfg.ReclaimAfter)
	defer c.log.Info("queue consumer stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		c.maybeReclaim(ctx)

		if n := c.Drain(ctx); n > 0 {
			// Only an empty fetch may lead to a wait.
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		out, err := c.gate.WaitForActivity(ctx, c.cfg.WaitTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.metrics.Wait(c.cfg.Queue, metrics.OutcomeError)
			c.log.Error("wait for activity failed", "err", err)
			if c.limiter.Wait(ctx) != nil {
				return nil
			}
			continue
		}
		c.metrics.Wait(c.cfg.Queue, out.String())
	}
}

// Drain fetches and processes batches until a fetch returns nothing, fails,
// or ctx is cancelled. It returns the number of items fetched.
func (c *QueueConsumer) Drain(ctx context.Context) int {
	total := 0
	for ctx.Err() == nil {
		items, err := c.store.FetchBatch(ctx, c.cfg.Queue, c.cfg.BatchSize)
		if err != nil {
			if ctx.Err() == nil {
				c.metrics.StoreError("fetch_batch")
				c.log.Error("fetch batch failed", "err", err)
			}
			return total
		}
		if len(items) == 0 {
			return total
		}
		c.metrics.QueueItems(c.cfg.Queue, metrics.OutcomeFetched, len(items))
		total += len(items)

		retried := false
		for i, item := range items {
			if ctx.Err() != nil {
				c.releaseUnhandled(ctx, items[i:])
				return total
			}
			if c.process(ctx, item) {
				retried = true
			}
		}
		if retried && !c.pause(ctx) {
			return total
		}
	}
	return total
}

// pause waits RetryDelay so released items are not redelivered back to back.
// It reports false if ctx ended first.
func (c *QueueConsumer) pause(ctx context.Context) bool {
	if c.cfg.RetryDelay <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-c.clock.After(c.cfg.RetryDelay):
		return true
	}
}

// process hands one claimed item to the handler and records the outcome. It
// reports whether the item was released for retry.
func (c *QueueConsumer) process(ctx context.Context, item types.QueueItem) bool {
	log := c.log.With("item_id", item.ID, "attempts", item.Attempts)

	start := c.clock.Now()
	res := invoke(func() Result { return c.handler.HandleQueueItem(ctx, item) })
	c.metrics.HandlerDuration("queue", c.clock.Now().Sub(start))

	// The outcome is recorded even if ctx was cancelled while the handler ran.
	sctx, cancel := settleContext(ctx)
	defer cancel()

	if !res.Failed() {
		c.ack(sctx, log, item)
		return false
	}

	c.metrics.QueueItems(c.cfg.Queue, metrics.OutcomeFailed, 1)
	reason := res.Err().Error()

	if ctx.Err() != nil {
		// Interrupted by shutdown; the delivery does not count.
		log.Warn("handler interrupted; releasing item", "err", res.Err())
		c.release(sctx, log, item, reason, false)
		return false
	}

	switch c.cfg.Policy {
	case QueueAck:
		log.Error("handler failed; acknowledging anyway", "err", res.Err())
		c.ack(sctx, log, item)
	case QueueDeadLetter:
		log.Error("handler failed; dead-lettering", "err", res.Err())
		c.deadLetter(sctx, log, item, reason)
	default:
		if c.cfg.MaxAttempts > 0 && item.Attempts >= c.cfg.MaxAttempts {
			log.Error("handler failed; attempts exhausted, dead-lettering",
				"err", res.Err(), "max_attempts", c.cfg.MaxAttempts)
			c.deadLetter(sctx, log, item, reason)
			return false
		}
		log.Warn("handler failed; releasing for retry", "err", res.Err())
		c.release(sctx, log, item, reason, true)
		return true
	}
	return false
}

func (c *QueueConsumer) ack(ctx context.Context, log *slog.Logger, item types.QueueItem) {
	if err := c.store.Acknowledge(ctx, c.cfg.Queue, item.ID); err != nil {
		// The item stays claimed; the reclaim sweep (if enabled) recovers it.
		c.metrics.StoreError("acknowledge")
		log.Error("acknowledge failed", "err", err)
		return
	}
	c.metrics.QueueItems(c.cfg.Queue, metrics.OutcomeAcked, 1)
}

func (c *QueueConsumer) release(ctx context.Context, log *slog.Logger, item types.QueueItem, reason string, countAttempt bool) {
	if err := c.store.Release(ctx, c.cfg.Queue, item.ID, reason, countAttempt); err != nil {
		c.metrics.StoreError("release")
		log.Error("release failed", "err", err)
		return
	}
	c.metrics.QueueItems(c.cfg.Queue, metrics.OutcomeReleased, 1)
}

func (c *QueueConsumer) deadLetter(ctx context.Context, log *slog.Logger, item types.QueueItem, reason string) {
	if err := c.store.DeadLetter(ctx, c.cfg.Queue, item.ID, reason); err != nil {
		c.metrics.StoreError("dead_letter")
		log.Error("dead-letter failed", "err", err)
		return
	}
	c.metrics.QueueItems(c.cfg.Queue, metrics.OutcomeDeadLettered, 1)
}

// releaseUnhandled returns claimed items that were never handed to the
// handler, without counting a delivery.
func (c *QueueConsumer) releaseUnhandled(ctx context.Context, items []types.QueueItem) {
	sctx, cancel := settleContext(ctx)
	defer cancel()
	for _, item := range items {
		c.release(sctx, c.log.With("item_id", item.ID), item, "consumer stopped", false)
	}
	c.log.Info("released unprocessed items on shutdown", "count", len(items))
}

// maybeReclaim runs the reclaim sweep when it is enabled and due.
func (c *QueueConsumer) maybeReclaim(ctx context.Context) {
	if c.cfg.ReclaimAfter <= 0 {
		return
	}
	now := c.clock.Now()
	if !c.lastReclaim.IsZero() && now.Sub(c.lastReclaim) < c.cfg.ReclaimInterval {
		return
	}
	c.lastReclaim = now

	// Only the retry policy bounds deliveries; otherwise expired claims always
	// go back to pending.
	maxAttempts := 0
	if c.cfg.Policy == QueueRetry {
		maxAttempts = c.cfg.MaxAttempts
	}
	res, err := c.store.Reclaim(ctx, c.cfg.Queue, c.cfg.ReclaimAfter, maxAttempts)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.metrics.StoreError("reclaim")
			c.log.Error("reclaim sweep failed", "err", err)
		}
		return
	}
	c.metrics.Reclaimed(c.cfg.Queue, res.Requeued, res.DeadLettered)
	if res.Requeued > 0 || res.DeadLettered > 0 {
		c.log.Warn("reclaimed expired claims",
			"requeued", res.Requeued, "dead_lettered", res.DeadLettered,
			"claimed_longer_than", c.cfg.ReclaimAfter)
	}
}
