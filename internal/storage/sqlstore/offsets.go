package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/snehjoshi/relayq/internal/storage"
	"github.com/snehjoshi/relayq/internal/types"
)

const consumerColumns = `consumer_id, stream_name, last_event_id, created_at, updated_at`

// GetOrCreate returns the cursor record of consumerID, inserting one at 0 on
// first use. Concurrent first calls are safe: the loser's insert is a no-op.
func (s *Store) GetOrCreate(ctx context.Context, consumerID, stream string) (types.ConsumerRecord, error) {
	now := s.nowMs()
	ins := `INSERT INTO consumer (consumer_id, stream_name, last_event_id, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT (consumer_id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(ins), consumerID, stream, now, now); err != nil {
		return types.ConsumerRecord{}, fmt.Errorf("sqlstore: create consumer %s: %w", consumerID, err)
	}

	rec, err := s.getConsumer(ctx, consumerID)
	if err != nil {
		return types.ConsumerRecord{}, err
	}
	if rec.Stream != stream {
		return types.ConsumerRecord{}, fmt.Errorf("%w: %s reads %s, not %s",
			storage.ErrStreamMismatch, consumerID, rec.Stream, stream)
	}
	return rec, nil
}

// Advance stores lastEventID as the consumer's cursor. The UPDATE is guarded
// so a stale writer can never move the cursor backwards.
func (s *Store) Advance(ctx context.Context, consumerID string, lastEventID int64) error {
	q := `UPDATE consumer SET last_event_id = ?, updated_at = ?
		WHERE consumer_id = ? AND last_event_id <= ?`
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), lastEventID, s.nowMs(), consumerID, lastEventID)
	if err != nil {
		return fmt.Errorf("sqlstore: advance %s: %w", consumerID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: advance %s: %w", consumerID, err)
	}
	if n > 0 {
		return nil
	}

	rec, err := s.getConsumer(ctx, consumerID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is at %d, refused %d",
		storage.ErrCursorRegression, consumerID, rec.LastEventID, lastEventID)
}

// Consumers lists every consumer record of stream.
func (s *Store) Consumers(ctx context.Context, stream string) ([]types.ConsumerRecord, error) {
	q := fmt.Sprintf(`SELECT %s FROM consumer WHERE stream_name = ? ORDER BY consumer_id`, consumerColumns)
	var recs []types.ConsumerRecord
	if err := s.db.SelectContext(ctx, &recs, s.db.Rebind(q), stream); err != nil {
		return nil, fmt.Errorf("sqlstore: list consumers %s: %w", stream, err)
	}
	return recs, nil
}

func (s *Store) getConsumer(ctx context.Context, consumerID string) (types.ConsumerRecord, error) {
	q := fmt.Sprintf(`SELECT %s FROM consumer WHERE consumer_id = ?`, consumerColumns)
	var rec types.ConsumerRecord
	err := s.db.GetContext(ctx, &rec, s.db.Rebind(q), consumerID)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ConsumerRecord{}, fmt.Errorf("%w: consumer %s", storage.ErrNotFound, consumerID)
	}
	if err != nil {
		return types.ConsumerRecord{}, fmt.Errorf("sqlstore: get consumer %s: %w", consumerID, err)
	}
	return rec, nil
}
