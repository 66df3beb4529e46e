package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/snehjoshi/relayq/internal/types"
)

// DeleteDone removes done items of queue processed more than olderThan ago.
// olderThan 0 removes every done item.
func (s *Store) DeleteDone(ctx context.Context, queue string, olderThan time.Duration) (int64, error) {
	cutoff := s.nowMs() - olderThan.Milliseconds()
	q := `DELETE FROM queue_item WHERE queue_name = ? AND status = ? AND processed_at <= ?`
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), queue, types.StatusDone, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: delete done %s: %w", queue, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlstore: delete done %s: %w", queue, err)
	}
	return n, nil
}

// PruneStream removes events of stream that every registered consumer of the
// stream has passed. A stream without consumers is left untouched.
func (s *Store) PruneStream(ctx context.Context, stream string) (int64, error) {
	q := `DELETE FROM stream_event
		WHERE stream_name = ? AND id <= (
			SELECT COALESCE(MIN(last_event_id), 0) FROM consumer WHERE stream_name = ?
		)`
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), stream, stream)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: prune stream %s: %w", stream, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlstore: prune stream %s: %w", stream, err)
	}
	return n, nil
}
