package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/lib/pq"

	"github.com/snehjoshi/relayq/internal/channel"
)

// PGGate is a Gate over a Postgres LISTEN session.
//
// lib/pq's Listener owns a dedicated connection that is never used for
// queries, so there is no open transaction to hold notifications back. LISTEN
// is issued once; the Listener re-issues it by itself after reconnecting and
// then sends a nil notification, which this gate reports as Activity because
// anything may have been inserted while the connection was down.
type PGGate struct {
	channel  string
	listener *pq.Listener
	notifyCh <-chan *pq.Notification
	clock    clock.Clock
	log      *slog.Logger
	closed   atomic.Bool

	minReconnect time.Duration
	maxReconnect time.Duration
}

var _ Gate = (*PGGate)(nil)

// PGOption configures a PGGate.
type PGOption func(*PGGate)

// WithPGClock sets the clock used for the wait timer.
func WithPGClock(c clock.Clock) PGOption { return func(g *PGGate) { g.clock = c } }

// WithPGLogger sets the logger for connection events.
func WithPGLogger(l *slog.Logger) PGOption { return func(g *PGGate) { g.log = l } }

// WithReconnect sets the listener's reconnect backoff bounds.
func WithReconnect(min, max time.Duration) PGOption {
	return func(g *PGGate) {
		g.minReconnect = min
		g.maxReconnect = max
	}
}

// ListenPG opens a dedicated listener connection and subscribes to ch. It
// blocks until the LISTEN succeeded or ctx is done.
func ListenPG(ctx context.Context, connStr, ch string, opts ...PGOption) (*PGGate, error) {
	if err := channel.Validate(ch); err != nil {
		return nil, fmt.Errorf("notify: listen: %w", err)
	}

	g := newPGGate(ch, nil, opts)
	g.listener = pq.NewListener(connStr, g.minReconnect, g.maxReconnect, g.onEvent)
	g.notifyCh = g.listener.Notify

	errc := make(chan error, 1)
	go func() { errc <- g.listener.Listen(ch) }()

	select {
	case err := <-errc:
		if err != nil {
			_ = g.listener.Close()
			return nil, fmt.Errorf("notify: listen %s: %w", ch, err)
		}
	case <-ctx.Done():
		// Close unblocks Listen, which waits for the first connection.
		_ = g.listener.Close()
		<-errc
		return nil, fmt.Errorf("notify: listen %s: %w", ch, ctx.Err())
	}

	g.log.Info("listening")
	return g, nil
}

func newPGGate(ch string, notifyCh <-chan *pq.Notification, opts []PGOption) *PGGate {
	g := &PGGate{
		channel:      ch,
		notifyCh:     notifyCh,
		clock:        clock.WallClock,
		log:          slog.Default(),
		minReconnect: 10 * time.Second,
		maxReconnect: time.Minute,
	}
	for _, o := range opts {
		o(g)
	}
	g.log = g.log.With("component", "notify", "channel", ch)
	return g
}

// WaitForActivity implements Gate.
func (g *PGGate) WaitForActivity(ctx context.Context, timeout time.Duration) (Outcome, error) {
	if g.closed.Load() {
		return Timeout, ErrClosed
	}

	timer := g.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case n, ok := <-g.notifyCh:
		if !ok {
			return Timeout, ErrClosed
		}
		if n == nil {
			g.log.Debug("reconnect signal")
		}
		g.drain()
		return Activity, nil
	case <-timer.Chan():
		return Timeout, nil
	case <-ctx.Done():
		return Timeout, ctx.Err()
	}
}

// drain discards every notification already queued.
func (g *PGGate) drain() {
	for {
		select {
		case _, ok := <-g.notifyCh:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// Close unsubscribes and closes the listener connection.
func (g *PGGate) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}
	if g.listener == nil {
		return nil
	}
	if err := g.listener.Close(); err != nil {
		return fmt.Errorf("notify: close listener %s: %w", g.channel, err)
	}
	return nil
}

func (g *PGGate) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		g.log.Info("listener connected")
	case pq.ListenerEventDisconnected:
		g.log.Warn("listener disconnected; falling back to timeout polling", "err", err)
	case pq.ListenerEventReconnected:
		g.log.Info("listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		g.log.Warn("listener connection attempt failed", "err", err)
	}
}
