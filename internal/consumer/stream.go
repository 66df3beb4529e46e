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

// StreamConfig configures a StreamConsumer.
type StreamConfig struct {
	Stream string
	// ConsumerID is assigned externally and must be stable across restarts.
	// At most one running instance per ConsumerID is supported.
	ConsumerID  string
	BatchSize   int           // default 5
	WaitTimeout time.Duration // default 5s

	Policy StreamPolicy
	// MaxAttempts bounds redeliveries of one failing event under StreamRetry.
	// 0 retries forever.
	MaxAttempts int
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	return c
}

// StreamConsumer reads one stream after a persisted cursor.
type StreamConsumer struct {
	cfg     StreamConfig
	events  storage.StreamStore
	offsets storage.OffsetStore
	gate    notify.Gate
	handler StreamHandler

	log     *slog.Logger
	metrics *metrics.Registry
	clock   clock.Clock
	limiter *rate.Limiter

	started bool
	cursor  int64

	// Consecutive failures of the event at failedID under StreamRetry.
	failedID int64
	failures int
}

// NewStreamConsumer returns a consumer for cfg.Stream. The gate must be
// subscribed to the stream's change channel.
func NewStreamConsumer(cfg StreamConfig, events storage.StreamStore, offsets storage.OffsetStore, gate notify.Gate, h StreamHandler, opts ...Option) *StreamConsumer {
	cfg = cfg.withDefaults()
	o := buildOptions(opts)
	return &StreamConsumer{
		cfg:     cfg,
		events:  events,
		offsets: offsets,
		gate:    gate,
		handler: h,
		log: o.log.With("component", "stream_consumer",
			"stream", cfg.Stream, "consumer_id", cfg.ConsumerID),
		metrics: o.metrics,
		clock:   o.clock,
		limiter: rate.NewLimiter(rate.Every(cfg.WaitTimeout), 1),
	}
}

// Cursor returns the last persisted event id this consumer knows of.
func (c *StreamConsumer) Cursor() int64 { return c.cursor }

// Start loads (or creates) the consumer record and positions the cursor. A
// transient store failure is retried at a bounded pace until ctx is done. A
// consumer identity bound to another stream is a configuration error and is
// returned at once.
func (c *StreamConsumer) Start(ctx context.Context) error {
	for {
		rec, err := c.offsets.GetOrCreate(ctx, c.cfg.ConsumerID, c.cfg.Stream)
		if err == nil {
			c.cursor = rec.LastEventID
			c.started = true
			c.metrics.Cursor(c.cfg.Stream, c.cfg.ConsumerID, c.cursor)
			c.log.Info("stream consumer positioned", "cursor", c.cursor)
			return nil
		}
		if errors.Is(err, storage.ErrStreamMismatch) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.metrics.StoreError("get_or_create")
		c.log.Error("load consumer record failed", "err", err)
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
}

// Run positions the cursor, then drains and waits until ctx is cancelled.
// It returns nil on cancellation and an error only for a misconfigured
// consumer identity.
func (c *StreamConsumer) Run(ctx context.Context) error {
	if !c.started {
		if err := c.Start(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	c.log.Info("stream consumer started",
		"batch_size", c.cfg.BatchSize, "policy", c.cfg.Policy.String())
	defer c.log.Info("stream consumer stopped", "cursor", c.cursor)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if n := c.Drain(ctx); n > 0 {
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
			c.metrics.Wait(c.cfg.Stream, metrics.OutcomeError)
			c.log.Error("wait for activity failed", "err", err)
			if c.limiter.Wait(ctx) != nil {
				return nil
			}
			continue
		}
		c.metrics.Wait(c.cfg.Stream, out.String())
	}
}

// Drain fetches events after the cursor and handles them in order until a
// fetch returns nothing, a store call fails, a retried event fails again, or
// ctx is cancelled. It returns the number of events the cursor moved past.
//
// Drain must not be called before Start succeeded.
func (c *StreamConsumer) Drain(ctx context.Context) int {
	progress := 0
	for ctx.Err() == nil {
		events, err := c.events.FetchBatchAfter(ctx, c.cfg.Stream, c.cursor, c.cfg.BatchSize)
		if err != nil {
			if ctx.Err() == nil {
				c.metrics.StoreError("fetch_batch_after")
				c.log.Error("fetch batch failed", "cursor", c.cursor, "err", err)
			}
			return progress
		}
		if len(events) == 0 {
			return progress
		}

		for _, ev := range events {
			if ctx.Err() != nil {
				return progress
			}
			if !c.process(ctx, ev) {
				return progress
			}
			progress++
		}
	}
	return progress
}

// process handles one event and persists the cursor past it. It reports
// whether the cursor moved; false ends the drain.
func (c *StreamConsumer) process(ctx context.Context, ev types.StreamEvent) bool {
	log := c.log.With("event_id", ev.ID)

	start := c.clock.Now()
	res := invoke(func() Result { return c.handler.HandleStreamEvent(ctx, ev) })
	c.metrics.HandlerDuration("stream", c.clock.Now().Sub(start))

	if res.Failed() {
		c.metrics.StreamEvent(c.cfg.Stream, c.cfg.ConsumerID, metrics.OutcomeFailed)
		if ctx.Err() != nil {
			// Interrupted by shutdown; redeliver after restart.
			log.Warn("handler interrupted; cursor not advanced", "err", res.Err())
			return false
		}
		if !c.giveUp(log, ev, res.Err()) {
			return false
		}
		c.metrics.StreamEvent(c.cfg.Stream, c.cfg.ConsumerID, metrics.OutcomeSkipped)
	}

	sctx, cancel := settleContext(ctx)
	defer cancel()
	if err := c.offsets.Advance(sctx, c.cfg.ConsumerID, ev.ID); err != nil {
		c.metrics.StoreError("advance")
		log.Error("advance cursor failed", "cursor", c.cursor, "err", err)
		if errors.Is(err, storage.ErrCursorRegression) {
			c.resync(sctx, log)
		}
		return false
	}

	c.cursor = ev.ID
	c.failedID, c.failures = 0, 0
	c.metrics.Cursor(c.cfg.Stream, c.cfg.ConsumerID, c.cursor)
	if !res.Failed() {
		c.metrics.StreamEvent(c.cfg.Stream, c.cfg.ConsumerID, metrics.OutcomeProcessed)
	}
	return true
}

// giveUp applies the failure policy to ev and reports whether the cursor
// should move past it anyway.
func (c *StreamConsumer) giveUp(log *slog.Logger, ev types.StreamEvent, err error) bool {
	if c.cfg.Policy == StreamSkip {
		log.Error("handler failed; skipping event", "err", err)
		return true
	}

	if c.failedID == ev.ID {
		c.failures++
	} else {
		c.failedID, c.failures = ev.ID, 1
	}
	if c.cfg.MaxAttempts > 0 && c.failures >= c.cfg.MaxAttempts {
		log.Error("handler failed; attempts exhausted, skipping event",
			"err", err, "attempts", c.failures)
		return true
	}
	log.Warn("handler failed; will redeliver", "err", err, "attempts", c.failures)
	return false
}

// resync reloads the stored cursor after another writer moved it ahead.
func (c *StreamConsumer) resync(ctx context.Context, log *slog.Logger) {
	rec, err := c.offsets.GetOrCreate(ctx, c.cfg.ConsumerID, c.cfg.Stream)
	if err != nil {
		log.Error("reload consumer record failed", "err", err)
		return
	}
	log.Warn("cursor moved by another writer; resuming from stored value",
		"local", c.cursor, "stored", rec.LastEventID)
	c.cursor = rec.LastEventID
	c.metrics.Cursor(c.cfg.Stream, c.cfg.ConsumerID, c.cursor)
}
