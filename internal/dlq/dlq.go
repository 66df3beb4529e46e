// Package dlq provides utilities for inspecting and replaying work-queue
// items that were dead-lettered.
//
// A dead item in relayq stays in its queue's table with status "dead". Every
// move into that state fires a notification on the queue's dead-letter
// channel ("<queue>_dlq"), so an operator tool can wait on it exactly like a
// consumer waits on the queue channel.
//
// This package wraps the store to provide DLQ-specific helpers:
//
//   - Len:       number of dead items of a queue.
//   - Peek:      read (but don't move) the oldest N dead items.
//   - Replay:    move the oldest N dead items back to pending.
//   - ReplayAll: move every dead item back to pending.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/snehjoshi/relayq/internal/storage"
	"github.com/snehjoshi/relayq/internal/types"
)

// Store is the slice of the backing store the Manager needs.
type Store interface {
	CountByStatus(ctx context.Context, queue string) (map[types.Status]int64, error)
	DeadLetters(ctx context.Context, queue string, limit int) ([]types.QueueItem, error)
	Requeue(ctx context.Context, queue string, id int64) error
	RequeueAll(ctx context.Context, queue string) (int64, error)
}

// Manager provides dead-letter operations on top of a Store.
type Manager struct {
	store Store
	log   *slog.Logger
}

// NewManager wraps the given store. A nil logger uses slog.Default().
func NewManager(store Store, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: store, log: log.With("component", "dlq")}
}

// Len returns the number of dead items of queue.
func (m *Manager) Len(ctx context.Context, queue string) (int64, error) {
	counts, err := m.store.CountByStatus(ctx, queue)
	if err != nil {
		return 0, fmt.Errorf("dlq: len: %w", err)
	}
	return counts[types.StatusDead], nil
}

// Peek returns up to limit dead items of queue, oldest first, without moving
// them.
func (m *Manager) Peek(ctx context.Context, queue string, limit int) ([]types.QueueItem, error) {
	if limit < 1 {
		return nil, fmt.Errorf("dlq: peek: limit must be at least 1, got %d", limit)
	}
	items, err := m.store.DeadLetters(ctx, queue, limit)
	if err != nil {
		return nil, fmt.Errorf("dlq: peek: %w", err)
	}
	return items, nil
}

// Replay moves up to limit of the oldest dead items of queue back to pending
// with their attempt count reset. Returns the number of items replayed.
//
// An item replayed concurrently by another operator is skipped; any other
// store error stops the replay and is returned with the count so far.
func (m *Manager) Replay(ctx context.Context, queue string, limit int) (int, error) {
	items, err := m.Peek(ctx, queue, limit)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, it := range items {
		err := m.store.Requeue(ctx, queue, it.ID)
		switch {
		case err == nil:
			replayed++
		case errors.Is(err, storage.ErrInvalidState), errors.Is(err, storage.ErrNotFound):
			m.log.Warn("dead item moved before replay", "queue", queue, "item_id", it.ID, "err", err)
		default:
			return replayed, fmt.Errorf("dlq: replay %s/%d: %w", queue, it.ID, err)
		}
	}
	if replayed > 0 {
		m.log.Info("replayed dead items", "queue", queue, "count", replayed)
	}
	return replayed, nil
}

// ReplayAll moves every dead item of queue back to pending.
func (m *Manager) ReplayAll(ctx context.Context, queue string) (int64, error) {
	n, err := m.store.RequeueAll(ctx, queue)
	if err != nil {
		return 0, fmt.Errorf("dlq: replay all: %w", err)
	}
	if n > 0 {
		m.log.Info("replayed dead items", "queue", queue, "count", n)
	}
	return n, nil
}
