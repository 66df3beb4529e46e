package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/snehjoshi/relayq/internal/channel"
	"github.com/snehjoshi/relayq/internal/storage"
	"github.com/snehjoshi/relayq/internal/types"
)

const queueColumns = `id, queue_name, payload, status, attempts, last_error, claimed_by, created_at, claimed_at, processed_at`

// queueRow is the scan target for queue_item. Payload is scanned as []byte so
// database/sql copies it out of the driver's buffer.
type queueRow struct {
	ID          int64  `db:"id"`
	Queue       string `db:"queue_name"`
	Payload     []byte `db:"payload"`
	Status      string `db:"status"`
	Attempts    int    `db:"attempts"`
	LastError   string `db:"last_error"`
	ClaimedBy   string `db:"claimed_by"`
	CreatedAt   int64  `db:"created_at"`
	ClaimedAt   int64  `db:"claimed_at"`
	ProcessedAt int64  `db:"processed_at"`
}

func (r queueRow) item() types.QueueItem {
	return types.QueueItem{
		ID:          r.ID,
		Queue:       r.Queue,
		Payload:     json.RawMessage(r.Payload),
		Status:      types.Status(r.Status),
		Attempts:    r.Attempts,
		LastError:   r.LastError,
		ClaimedBy:   r.ClaimedBy,
		CreatedAt:   r.CreatedAt,
		ClaimedAt:   r.ClaimedAt,
		ProcessedAt: r.ProcessedAt,
	}
}

func queueItems(rows []queueRow) []types.QueueItem {
	items := make([]types.QueueItem, len(rows))
	for i, r := range rows {
		items[i] = r.item()
	}
	sort.Slice(items, func(a, b int) bool { return items[a].ID < items[b].ID })
	return items
}

// ─── Producer ────────────────────────────────────────────────────────────────

// Enqueue inserts a pending item and wakes the queue's listeners.
func (s *Store) Enqueue(ctx context.Context, queue string, payload json.RawMessage) (types.QueueItem, error) {
	if err := channel.Validate(queue); err != nil {
		return types.QueueItem{}, fmt.Errorf("sqlstore: enqueue: %w", err)
	}
	if !json.Valid(payload) {
		return types.QueueItem{}, fmt.Errorf("sqlstore: enqueue: %w", storage.ErrInvalidPayload)
	}

	q := fmt.Sprintf(`INSERT INTO queue_item (queue_name, payload, status, created_at)
		VALUES (?, %s, ?, ?)
		RETURNING %s`, s.dialect.payloadParam, queueColumns)

	var row queueRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind(q),
		queue, s.dialect.payloadArg(payload), types.StatusPending, s.nowMs()); err != nil {
		return types.QueueItem{}, fmt.Errorf("sqlstore: enqueue %s: %w", queue, err)
	}
	s.notify(queue)
	return row.item(), nil
}

// ─── QueueStore ──────────────────────────────────────────────────────────────

// FetchBatch claims up to n of the oldest pending items of queue in one
// statement. On postgres the subquery locks with SKIP LOCKED, so concurrent
// fetchers skip each other's rows instead of blocking or double-claiming.
func (s *Store) FetchBatch(ctx context.Context, queue string, n int) ([]types.QueueItem, error) {
	if n <= 0 {
		return nil, nil
	}

	q := fmt.Sprintf(`UPDATE queue_item
		SET status = ?, attempts = attempts + 1, claimed_at = ?, claimed_by = ?
		WHERE status = ? AND id IN (
			SELECT id FROM queue_item
			WHERE queue_name = ? AND status = ?
			ORDER BY id
			LIMIT ?%s
		)
		RETURNING %s`, s.dialect.lockClause, queueColumns)

	var rows []queueRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q),
		types.StatusClaimed, s.nowMs(), s.owner, types.StatusPending,
		queue, types.StatusPending, n); err != nil {
		return nil, fmt.Errorf("sqlstore: fetch batch %s: %w", queue, err)
	}
	// RETURNING order is unspecified.
	return queueItems(rows), nil
}

// Acknowledge marks a claimed item done.
func (s *Store) Acknowledge(ctx context.Context, queue string, id int64) error {
	q := `UPDATE queue_item SET status = ?, processed_at = ?
		WHERE id = ? AND queue_name = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q),
		types.StatusDone, s.nowMs(), id, queue, types.StatusClaimed)
	if err != nil {
		return fmt.Errorf("sqlstore: acknowledge %s/%d: %w", queue, id, err)
	}
	return s.checkTransition(ctx, res, queue, id, types.StatusDone)
}

// Release returns a claimed item to pending.
func (s *Store) Release(ctx context.Context, queue string, id int64, reason string, countAttempt bool) error {
	uncount := 1
	if countAttempt {
		uncount = 0
	}
	q := `UPDATE queue_item
		SET status = ?, last_error = ?, attempts = attempts - ?, claimed_at = 0, claimed_by = ''
		WHERE id = ? AND queue_name = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q),
		types.StatusPending, reason, uncount, id, queue, types.StatusClaimed)
	if err != nil {
		return fmt.Errorf("sqlstore: release %s/%d: %w", queue, id, err)
	}
	if err := s.checkTransition(ctx, res, queue, id, types.StatusPending); err != nil {
		return err
	}
	s.notify(queue)
	return nil
}

// DeadLetter moves a claimed item to dead.
func (s *Store) DeadLetter(ctx context.Context, queue string, id int64, reason string) error {
	q := `UPDATE queue_item SET status = ?, last_error = ?, processed_at = ?
		WHERE id = ? AND queue_name = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q),
		types.StatusDead, reason, s.nowMs(), id, queue, types.StatusClaimed)
	if err != nil {
		return fmt.Errorf("sqlstore: dead-letter %s/%d: %w", queue, id, err)
	}
	if err := s.checkTransition(ctx, res, queue, id, types.StatusDead); err != nil {
		return err
	}
	s.notify(channel.DeadLetter(queue))
	return nil
}

// Reclaim recovers items whose claim is older than olderThan. Items that
// already used maxAttempts deliveries go to dead; the rest go back to pending.
func (s *Store) Reclaim(ctx context.Context, queue string, olderThan time.Duration, maxAttempts int) (storage.ReclaimResult, error) {
	var result storage.ReclaimResult
	now := s.nowMs()
	cutoff := now - olderThan.Milliseconds()

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if maxAttempts > 0 {
			q := `UPDATE queue_item SET status = ?, last_error = ?, processed_at = ?
				WHERE queue_name = ? AND status = ? AND claimed_at < ? AND attempts >= ?`
			res, err := tx.ExecContext(ctx, tx.Rebind(q),
				types.StatusDead, "claim expired", now,
				queue, types.StatusClaimed, cutoff, maxAttempts)
			if err != nil {
				return err
			}
			if result.DeadLettered, err = res.RowsAffected(); err != nil {
				return err
			}
		}

		q := `UPDATE queue_item SET status = ?, last_error = ?, claimed_at = 0, claimed_by = ''
			WHERE queue_name = ? AND status = ? AND claimed_at < ?`
		res, err := tx.ExecContext(ctx, tx.Rebind(q),
			types.StatusPending, "claim expired", queue, types.StatusClaimed, cutoff)
		if err != nil {
			return err
		}
		result.Requeued, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return storage.ReclaimResult{}, fmt.Errorf("sqlstore: reclaim %s: %w", queue, err)
	}

	if result.Requeued > 0 {
		s.notify(queue)
	}
	if result.DeadLettered > 0 {
		s.notify(channel.DeadLetter(queue))
	}
	return result, nil
}

// ─── Dead-letter inspection ──────────────────────────────────────────────────

// DeadLetters returns up to limit dead items of queue, oldest first.
func (s *Store) DeadLetters(ctx context.Context, queue string, limit int) ([]types.QueueItem, error) {
	q := fmt.Sprintf(`SELECT %s FROM queue_item
		WHERE queue_name = ? AND status = ?
		ORDER BY id
		LIMIT ?`, queueColumns)
	var rows []queueRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), queue, types.StatusDead, limit); err != nil {
		return nil, fmt.Errorf("sqlstore: dead letters %s: %w", queue, err)
	}
	return queueItems(rows), nil
}

// Requeue moves a dead item back to pending with its attempt count reset.
func (s *Store) Requeue(ctx context.Context, queue string, id int64) error {
	q := `UPDATE queue_item
		SET status = ?, attempts = 0, claimed_at = 0, claimed_by = '', processed_at = 0
		WHERE id = ? AND queue_name = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q),
		types.StatusPending, id, queue, types.StatusDead)
	if err != nil {
		return fmt.Errorf("sqlstore: requeue %s/%d: %w", queue, id, err)
	}
	if err := s.checkTransition(ctx, res, queue, id, types.StatusPending); err != nil {
		return err
	}
	s.notify(queue)
	return nil
}

// RequeueAll moves every dead item of queue back to pending.
func (s *Store) RequeueAll(ctx context.Context, queue string) (int64, error) {
	q := `UPDATE queue_item
		SET status = ?, attempts = 0, claimed_at = 0, claimed_by = '', processed_at = 0
		WHERE queue_name = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), types.StatusPending, queue, types.StatusDead)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: requeue all %s: %w", queue, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlstore: requeue all %s: %w", queue, err)
	}
	if n > 0 {
		s.notify(queue)
	}
	return n, nil
}

// CountByStatus returns the number of items of queue in each status.
// Statuses with no items are present with a zero count.
func (s *Store) CountByStatus(ctx context.Context, queue string) (map[types.Status]int64, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int64  `db:"n"`
	}
	q := `SELECT status, COUNT(*) AS n FROM queue_item WHERE queue_name = ? GROUP BY status`
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), queue); err != nil {
		return nil, fmt.Errorf("sqlstore: count %s: %w", queue, err)
	}

	counts := map[types.Status]int64{
		types.StatusPending: 0,
		types.StatusClaimed: 0,
		types.StatusDone:    0,
		types.StatusDead:    0,
	}
	for _, r := range rows {
		counts[types.Status(r.Status)] = r.Count
	}
	return counts, nil
}

// Get returns one item by id.
func (s *Store) Get(ctx context.Context, queue string, id int64) (types.QueueItem, error) {
	q := fmt.Sprintf(`SELECT %s FROM queue_item WHERE id = ? AND queue_name = ?`, queueColumns)
	var row queueRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(q), id, queue)
	if errors.Is(err, sql.ErrNoRows) {
		return types.QueueItem{}, storage.ErrNotFound
	}
	if err != nil {
		return types.QueueItem{}, fmt.Errorf("sqlstore: get %s/%d: %w", queue, id, err)
	}
	return row.item(), nil
}

// ─── helpers ─────────────────────────────────────────────────────────────────

// checkTransition explains a guarded UPDATE. One affected row is success.
// Zero rows means the item is missing or in the wrong state; acknowledging an
// item that is already done is not an error.
func (s *Store) checkTransition(ctx context.Context, res sql.Result, queue string, id int64, to types.Status) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	item, err := s.Get(ctx, queue, id)
	if err != nil {
		return err
	}
	if item.Status == to && to == types.StatusDone {
		return nil
	}
	if types.ValidTransition(item.Status, to) {
		// The guard matched nothing yet the item now allows the move: it
		// changed between the UPDATE and the read.
		return fmt.Errorf("%w: %s/%d changed concurrently", storage.ErrInvalidState, queue, id)
	}
	return fmt.Errorf("%w: %s/%d is %s, cannot move to %s",
		storage.ErrInvalidState, queue, id, item.Status, to)
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
