// Package storage defines the store contracts the relayq consumers depend on.
//
// Design principle: the consumer loops (and every layer above them) must ONLY
// interact with the backing store through these interfaces. The relational
// implementation lives in storage/sqlstore; a bbolt offset store lives in
// storage/boltoffsets; tests substitute in-memory fakes.
//
// Every method is a single short operation: implementations acquire a
// connection or transaction, do the work, and release it before returning.
// Nothing here is ever held across a consumer's wait phase.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/snehjoshi/relayq/internal/types"
)

// ErrNotFound is returned when a queue item or consumer record does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrCursorRegression is returned by OffsetStore.Advance when the new value is
// smaller than the stored one.
var ErrCursorRegression = errors.New("storage: cursor regression")

// ErrInvalidState is returned when a queue item is not in a state the
// requested transition can start from (e.g. acknowledging a pending item).
var ErrInvalidState = errors.New("storage: invalid state transition")

// ErrInvalidPayload is returned by producers for payloads that are not JSON.
var ErrInvalidPayload = errors.New("storage: payload is not valid JSON")

// ErrStreamMismatch is returned by OffsetStore.GetOrCreate when the consumer
// identity is already bound to a different stream.
var ErrStreamMismatch = errors.New("storage: consumer bound to another stream")

// QueueStore is the work-queue side of the backing store.
type QueueStore interface {
	// FetchBatch atomically claims up to n of the oldest pending items of
	// queue, flips them to claimed and returns them in ascending id order.
	// Concurrent callers never receive the same item. An empty result means
	// nothing is pending.
	FetchBatch(ctx context.Context, queue string, n int) ([]types.QueueItem, error)

	// Acknowledge marks one claimed item done. Acknowledging an item that is
	// already done is a no-op.
	Acknowledge(ctx context.Context, queue string, id int64) error

	// Release returns a claimed item to pending, recording reason. When
	// countAttempt is false the delivery is not counted against the item
	// (used when the consumer never handed it to the handler).
	Release(ctx context.Context, queue string, id int64, reason string, countAttempt bool) error

	// DeadLetter moves a claimed item to dead, recording reason.
	DeadLetter(ctx context.Context, queue string, id int64, reason string) error

	// Reclaim returns items claimed before now-olderThan to pending, or to
	// dead once they reached maxAttempts (0 = never dead-letter). It reports
	// how many items went each way.
	Reclaim(ctx context.Context, queue string, olderThan time.Duration, maxAttempts int) (ReclaimResult, error)
}

// ReclaimResult reports the outcome of one reclaim sweep.
type ReclaimResult struct {
	Requeued     int64
	DeadLettered int64
}

// StreamStore is the read side of an append-only stream.
type StreamStore interface {
	// FetchBatchAfter returns up to n events of stream with id > lastID in
	// ascending id order. It never mutates stream state.
	FetchBatchAfter(ctx context.Context, stream string, lastID int64, n int) ([]types.StreamEvent, error)
}

// OffsetStore persists stream consumer cursors.
type OffsetStore interface {
	// GetOrCreate returns the record of consumerID, creating it with
	// LastEventID 0 on first use.
	GetOrCreate(ctx context.Context, consumerID, stream string) (types.ConsumerRecord, error)

	// Advance durably stores lastEventID as the consumer's cursor before
	// returning. It returns ErrNotFound for an unknown consumer and
	// ErrCursorRegression when lastEventID is below the stored value.
	Advance(ctx context.Context, consumerID string, lastEventID int64) error
}

// Producer is the write side used by the CLI and tests. Producers are outside
// the consumer core; the contract only fixes the payload shape consumers see.
type Producer interface {
	Enqueue(ctx context.Context, queue string, payload json.RawMessage) (types.QueueItem, error)
	Publish(ctx context.Context, stream string, payload json.RawMessage) (types.StreamEvent, error)
}
