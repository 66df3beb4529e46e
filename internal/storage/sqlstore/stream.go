package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/snehjoshi/relayq/internal/channel"
	"github.com/snehjoshi/relayq/internal/storage"
	"github.com/snehjoshi/relayq/internal/types"
)

const streamColumns = `id, stream_name, payload, created_at`

type streamRow struct {
	ID        int64  `db:"id"`
	Stream    string `db:"stream_name"`
	Payload   []byte `db:"payload"`
	CreatedAt int64  `db:"created_at"`
}

func (r streamRow) event() types.StreamEvent {
	return types.StreamEvent{
		ID:        r.ID,
		Stream:    r.Stream,
		Payload:   json.RawMessage(r.Payload),
		CreatedAt: r.CreatedAt,
	}
}

// Publish appends an event to stream and wakes its listeners.
func (s *Store) Publish(ctx context.Context, stream string, payload json.RawMessage) (types.StreamEvent, error) {
	if err := channel.Validate(stream); err != nil {
		return types.StreamEvent{}, fmt.Errorf("sqlstore: publish: %w", err)
	}
	if !json.Valid(payload) {
		return types.StreamEvent{}, fmt.Errorf("sqlstore: publish: %w", storage.ErrInvalidPayload)
	}

	q := fmt.Sprintf(`INSERT INTO stream_event (stream_name, payload, created_at)
		VALUES (?, %s, ?)
		RETURNING %s`, s.dialect.payloadParam, streamColumns)

	var row streamRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind(q),
		stream, s.dialect.payloadArg(payload), s.nowMs()); err != nil {
		return types.StreamEvent{}, fmt.Errorf("sqlstore: publish %s: %w", stream, err)
	}
	s.notify(stream)
	return row.event(), nil
}

// FetchBatchAfter returns up to n events of stream with id > lastID,
// ascending. It is a plain read.
func (s *Store) FetchBatchAfter(ctx context.Context, stream string, lastID int64, n int) ([]types.StreamEvent, error) {
	if n <= 0 {
		return nil, nil
	}
	q := fmt.Sprintf(`SELECT %s FROM stream_event
		WHERE stream_name = ? AND id > ?
		ORDER BY id
		LIMIT ?`, streamColumns)

	var rows []streamRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), stream, lastID, n); err != nil {
		return nil, fmt.Errorf("sqlstore: fetch after %s/%d: %w", stream, lastID, err)
	}
	events := make([]types.StreamEvent, len(rows))
	for i, r := range rows {
		events[i] = r.event()
	}
	return events, nil
}
