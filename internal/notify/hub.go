package notify

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
)

// Hub is an in-process notification broadcaster. Stores without a database
// notification mechanism call Notify after a write commits; every gate
// subscribed to that channel wakes up.
//
// A Hub only reaches gates in the same process. Writers in other processes
// are picked up by the gates' timeout polling.
type Hub struct {
	clock clock.Clock

	mu   sync.Mutex
	subs map[string]map[*HubGate]struct{}
}

// NewHub returns an empty Hub. A nil clock means the wall clock.
func NewHub(clk clock.Clock) *Hub {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Hub{
		clock: clk,
		subs:  make(map[string]map[*HubGate]struct{}),
	}
}

// Notify wakes every gate listening on ch. It never blocks.
func (h *Hub) Notify(ch string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for g := range h.subs[ch] {
		select {
		case g.wake <- struct{}{}:
		default:
			// A wake-up is already pending; notifications coalesce.
		}
	}
}

// Listen subscribes a new gate to ch.
func (h *Hub) Listen(ch string) *HubGate {
	g := &HubGate{
		hub:     h,
		channel: ch,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[ch] == nil {
		h.subs[ch] = make(map[*HubGate]struct{})
	}
	h.subs[ch][g] = struct{}{}
	return g
}

// Listeners returns the number of gates subscribed to ch.
func (h *Hub) Listeners(ch string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[ch])
}

func (h *Hub) remove(g *HubGate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[g.channel], g)
	if len(h.subs[g.channel]) == 0 {
		delete(h.subs, g.channel)
	}
}

// HubGate is a Gate subscribed to one Hub channel.
type HubGate struct {
	hub     *Hub
	channel string
	wake    chan struct{}

	once sync.Once
	done chan struct{}
}

var _ Gate = (*HubGate)(nil)

// WaitForActivity implements Gate.
func (g *HubGate) WaitForActivity(ctx context.Context, timeout time.Duration) (Outcome, error) {
	select {
	case <-g.done:
		return Timeout, ErrClosed
	default:
	}

	timer := g.hub.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-g.wake:
		return Activity, nil
	case <-timer.Chan():
		return Timeout, nil
	case <-g.done:
		return Timeout, ErrClosed
	case <-ctx.Done():
		return Timeout, ctx.Err()
	}
}

// Close unsubscribes the gate. Pending and future waits return ErrClosed.
func (g *HubGate) Close() error {
	g.once.Do(func() {
		g.hub.remove(g)
		close(g.done)
	})
	return nil
}
