// Package types contains the core domain types shared across all relayq
// internal packages. It deliberately has zero imports of other relayq packages
// so that the storage layer, the consumers and the CLI can all import from it
// without creating import cycles.
package types

import "encoding/json"

// Status is the lifecycle state of a work-queue item.
// It is stored verbatim in the status column of the queue_item table.
type Status string

const (
	// StatusPending means the item is available to the next FetchBatch.
	StatusPending Status = "pending"
	// StatusClaimed means a consumer fetched the item and has not yet
	// acknowledged it. A claimed item is never handed to a second fetcher.
	StatusClaimed Status = "claimed"
	// StatusDone means the item was acknowledged. Terminal success state;
	// a done item is never re-delivered.
	StatusDone Status = "done"
	// StatusDead means the item was dead-lettered after a handler failure.
	StatusDead Status = "dead"
)

// String returns the stored representation of the status.
func (s Status) String() string { return string(s) }

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusClaimed, StatusDone, StatusDead:
		return true
	}
	return false
}

// QueueItem is one unit of work in a queue.
//
// All timestamps are UTC milliseconds since the Unix epoch; zero means unset.
type QueueItem struct {
	// ID is assigned by the store and strictly increases with insertion order.
	ID    int64  `db:"id" json:"id"`
	Queue string `db:"queue_name" json:"queue"`

	// Payload is the producer's opaque JSON value.
	Payload json.RawMessage `db:"payload" json:"payload"`

	Status Status `db:"status" json:"status"`

	// Attempts counts deliveries: FetchBatch increments it on every claim, so
	// an item seen by a handler for the first time has Attempts == 1.
	Attempts int `db:"attempts" json:"attempts"`

	// LastError is the reason recorded by the most recent Release or DeadLetter.
	LastError string `db:"last_error" json:"last_error,omitempty"`

	// ClaimedBy is the instance ID of the process holding the claim.
	ClaimedBy string `db:"claimed_by" json:"claimed_by,omitempty"`

	CreatedAt   int64 `db:"created_at" json:"created_at"`
	ClaimedAt   int64 `db:"claimed_at" json:"claimed_at,omitempty"`
	ProcessedAt int64 `db:"processed_at" json:"processed_at,omitempty"`
}

// StreamEvent is one immutable entry of an append-only stream.
type StreamEvent struct {
	// ID is strictly increasing within a stream and doubles as the cursor value.
	ID        int64           `db:"id" json:"id"`
	Stream    string          `db:"stream_name" json:"stream"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	CreatedAt int64           `db:"created_at" json:"created_at"`
}

// ConsumerRecord is the persisted read position of one stream consumer.
//
// An event is processed by this consumer when LastEventID >= event.ID.
// LastEventID 0 means "before the first possible event".
type ConsumerRecord struct {
	ConsumerID  string `db:"consumer_id" json:"consumer_id"`
	Stream      string `db:"stream_name" json:"stream"`
	LastEventID int64  `db:"last_event_id" json:"last_event_id"`
	UpdatedAt   int64  `db:"updated_at" json:"updated_at"`
	CreatedAt   int64  `db:"created_at" json:"created_at"`
}

// Processed reports whether ev is at or behind the record's cursor.
func (r ConsumerRecord) Processed(ev StreamEvent) bool {
	return r.LastEventID >= ev.ID
}
