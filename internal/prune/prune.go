// Package prune implements the cleanup job that keeps the backing tables
// bounded.
//
// Why pruning is needed:
//   - Acknowledged queue items are never deleted by consumers; only their
//     status changes to done.
//   - Stream events are never deleted by consumers either; each consumer just
//     moves its cursor past them.
//
// A run deletes done items processed longer than the retention period ago, and
// stream events every registered consumer of the stream has already passed. A
// stream with no registered consumers is left untouched, since a consumer
// created later starts from the beginning.
package prune

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"

	"github.com/snehjoshi/relayq/internal/metrics"
)

// Store is the slice of the backing store the Pruner needs.
type Store interface {
	DeleteDone(ctx context.Context, queue string, olderThan time.Duration) (int64, error)
	PruneStream(ctx context.Context, stream string) (int64, error)
}

// Config selects what a Pruner cleans and how often.
type Config struct {
	Queues    []string
	Streams   []string
	Retention time.Duration // done items younger than this are kept
	Interval  time.Duration // between runs of Run
}

// Report counts the rows removed by one run.
type Report struct {
	QueueItems   int64 `json:"queue_items"`
	StreamEvents int64 `json:"stream_events"`
}

// Pruner deletes rows no consumer needs anymore.
type Pruner struct {
	cfg     Config
	store   Store
	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Registry
}

// Option configures a Pruner.
type Option func(*Pruner)

// WithClock sets the clock that schedules Run.
func WithClock(c clock.Clock) Option { return func(p *Pruner) { p.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Pruner) { p.log = l } }

// WithMetrics sets the metrics registry.
func WithMetrics(m *metrics.Registry) Option { return func(p *Pruner) { p.metrics = m } }

// New creates a Pruner over store.
func New(cfg Config, store Store, opts ...Option) *Pruner {
	p := &Pruner{
		cfg:   cfg,
		store: store,
		clock: clock.WallClock,
		log:   slog.Default(),
	}
	for _, fn := range opts {
		fn(p)
	}
	p.log = p.log.With("component", "prune")
	return p
}

// RunOnce performs a single cleanup cycle over every configured queue and
// stream. A failure on one table does not stop the others; all failures are
// returned joined, alongside the counts of what did succeed.
func (p *Pruner) RunOnce(ctx context.Context) (Report, error) {
	var (
		rep  Report
		errs []error
	)

	for _, q := range p.cfg.Queues {
		n, err := p.store.DeleteDone(ctx, q, p.cfg.Retention)
		if err != nil {
			errs = append(errs, fmt.Errorf("prune: queue %s: %w", q, err))
			continue
		}
		rep.QueueItems += n
		if n > 0 {
			p.log.Info("deleted done items", "queue", q, "count", n)
		}
	}

	for _, s := range p.cfg.Streams {
		n, err := p.store.PruneStream(ctx, s)
		if err != nil {
			errs = append(errs, fmt.Errorf("prune: stream %s: %w", s, err))
			continue
		}
		rep.StreamEvents += n
		if n > 0 {
			p.log.Info("deleted consumed events", "stream", s, "count", n)
		}
	}

	p.metrics.Pruned("queue_items", rep.QueueItems)
	p.metrics.Pruned("stream_events", rep.StreamEvents)
	return rep, errors.Join(errs...)
}

// Run calls RunOnce immediately and then every Interval until ctx is
// cancelled. Failed runs are logged and retried on the next tick.
func (p *Pruner) Run(ctx context.Context) error {
	if p.cfg.Interval <= 0 {
		return fmt.Errorf("prune: interval must be positive, got %s", p.cfg.Interval)
	}
	p.log.Info("prune loop started", "interval", p.cfg.Interval, "retention", p.cfg.Retention)
	defer p.log.Info("prune loop stopped")

	for {
		rctx, cancel := context.WithTimeout(ctx, p.cfg.Interval/2)
		if _, err := p.RunOnce(rctx); err != nil && ctx.Err() == nil {
			p.metrics.StoreError("prune")
			p.log.Error("prune run failed", "err", err)
		}
		cancel()

		select {
		case <-ctx.Done():
			return nil
		case <-p.clock.After(p.cfg.Interval):
		}
	}
}
