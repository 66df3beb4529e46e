// Package consumer implements the two relayq consumption loops.
//
// QueueConsumer drains a work queue: every item is claimed by exactly one
// fetch, handed to the handler and then acknowledged, released or
// dead-lettered according to the handler's Result and the configured policy.
//
// StreamConsumer reads an append-only stream after a persisted cursor. The
// cursor is advanced after every event, before the next one is handled, so a
// restart resumes exactly after the last persisted event: at-least-once,
// never skipping.
//
// Both loops alternate between a drain phase and a wait phase. They only wait
// on the notification gate after a drain that made no progress, and they stop
// when the context passed to Run is cancelled.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"

	"github.com/snehjoshi/relayq/internal/metrics"
	"github.com/snehjoshi/relayq/internal/types"
)

// ─── Result ──────────────────────────────────────────────────────────────────

// Result is the outcome of one handler invocation.
type Result struct {
	err error
}

// OK reports successful processing.
func OK() Result { return Result{} }

// Fail reports that processing failed for err. The consumer's policy decides
// what happens to the item or event.
func Fail(err error) Result {
	if err == nil {
		err = errors.New("handler failed")
	}
	return Result{err: err}
}

// Failed reports whether the handler failed.
func (r Result) Failed() bool { return r.err != nil }

// Err returns the failure reason, or nil.
func (r Result) Err() error { return r.err }

// ─── Handlers ────────────────────────────────────────────────────────────────

// QueueHandler processes one work-queue item. It is called synchronously
// from the consumer loop; ctx is cancelled when the consumer stops.
type QueueHandler interface {
	HandleQueueItem(ctx context.Context, item types.QueueItem) Result
}

// QueueHandlerFunc adapts a function to QueueHandler.
type QueueHandlerFunc func(ctx context.Context, item types.QueueItem) Result

func (f QueueHandlerFunc) HandleQueueItem(ctx context.Context, item types.QueueItem) Result {
	return f(ctx, item)
}

// StreamHandler processes one stream event.
type StreamHandler interface {
	HandleStreamEvent(ctx context.Context, ev types.StreamEvent) Result
}

// StreamHandlerFunc adapts a function to StreamHandler.
type StreamHandlerFunc func(ctx context.Context, ev types.StreamEvent) Result

func (f StreamHandlerFunc) HandleStreamEvent(ctx context.Context, ev types.StreamEvent) Result {
	return f(ctx, ev)
}

// LogHandler logs every item and event it receives and always succeeds.
type LogHandler struct {
	Logger *slog.Logger
}

func (h LogHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// HandleQueueItem implements QueueHandler.
func (h LogHandler) HandleQueueItem(_ context.Context, item types.QueueItem) Result {
	h.logger().Info("processing item",
		"queue", item.Queue, "item_id", item.ID, "attempts", item.Attempts,
		"payload", string(item.Payload))
	return OK()
}

// HandleStreamEvent implements StreamHandler.
func (h LogHandler) HandleStreamEvent(_ context.Context, ev types.StreamEvent) Result {
	h.logger().Info("processing event",
		"stream", ev.Stream, "event_id", ev.ID, "payload", string(ev.Payload))
	return OK()
}

// invoke calls fn, converting a panic into a failed Result.
func invoke(fn func() Result) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Fail(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return fn()
}

// ─── Policies ────────────────────────────────────────────────────────────────

// QueuePolicy decides what happens to a work-queue item whose handler failed.
type QueuePolicy uint8

const (
	// QueueRetry releases the item back to pending until it used MaxAttempts
	// deliveries, then dead-letters it.
	QueueRetry QueuePolicy = iota
	// QueueAck logs the failure and acknowledges the item anyway.
	QueueAck
	// QueueDeadLetter dead-letters the item on its first failure.
	QueueDeadLetter
)

func (p QueuePolicy) String() string {
	switch p {
	case QueueRetry:
		return "retry"
	case QueueAck:
		return "ack"
	case QueueDeadLetter:
		return "dead_letter"
	default:
		return fmt.Sprintf("QueuePolicy(%d)", uint8(p))
	}
}

// ParseQueuePolicy parses "retry", "ack" or "dead_letter".
func ParseQueuePolicy(s string) (QueuePolicy, error) {
	switch s {
	case "retry":
		return QueueRetry, nil
	case "ack":
		return QueueAck, nil
	case "dead_letter":
		return QueueDeadLetter, nil
	default:
		return 0, fmt.Errorf("consumer: unknown queue failure policy %q", s)
	}
}

// StreamPolicy decides what happens to a stream event whose handler failed.
type StreamPolicy uint8

const (
	// StreamRetry keeps the cursor before the event and re-delivers it on
	// the next drain, skipping it after MaxAttempts failures (0 = never).
	StreamRetry StreamPolicy = iota
	// StreamSkip logs the failure and advances past the event.
	StreamSkip
)

func (p StreamPolicy) String() string {
	switch p {
	case StreamRetry:
		return "retry"
	case StreamSkip:
		return "skip"
	default:
		return fmt.Sprintf("StreamPolicy(%d)", uint8(p))
	}
}

// ParseStreamPolicy parses "retry" or "skip".
func ParseStreamPolicy(s string) (StreamPolicy, error) {
	switch s {
	case "retry":
		return StreamRetry, nil
	case "skip":
		return StreamSkip, nil
	default:
		return 0, fmt.Errorf("consumer: unknown stream failure policy %q", s)
	}
}

// ─── Options ─────────────────────────────────────────────────────────────────

// Defaults shared by both consumers.
const (
	DefaultBatchSize   = 5
	DefaultWaitTimeout = 5 * time.Second

	// settleTimeout bounds the store writes that finish an item after the
	// consumer's context was cancelled.
	settleTimeout = 10 * time.Second
)

type options struct {
	log     *slog.Logger
	metrics *metrics.Registry
	clock   clock.Clock
}

// Option configures a consumer.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// WithMetrics sets the metrics registry. A nil registry disables metrics.
func WithMetrics(m *metrics.Registry) Option { return func(o *options) { o.metrics = m } }

// WithClock sets the clock that schedules the reclaim sweep.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

func buildOptions(opts []Option) options {
	o := options{
		log:   slog.Default(),
		clock: clock.WallClock,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// settleContext returns a context that survives cancellation of ctx, for the
// writes that record the outcome of an item already handed to the handler.
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}
