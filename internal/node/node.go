// Package node names one running relayq process.
//
// The ID is a ULID minted at startup and written to claimed_by on every item
// the process claims. It is not the stream consumer identity, which is
// assigned by the operator and survives restarts.
package node

import (
	"crypto/rand"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/oklog/ulid/v2"
)

// Identity describes this process.
type Identity struct {
	// ID is a 26-character ULID.
	ID string
	// Host is the kernel hostname, or "unknown".
	Host string
	// StartedAt is the clock time New ran at.
	StartedAt time.Time
}

// New builds the process identity. override may be empty or "auto" to mint a
// ULID from c, or a well-formed ULID to pin claimed_by (tests, fixed
// deployments).
func New(override string, c clock.Clock) (Identity, error) {
	if c == nil {
		c = clock.WallClock
	}
	now := c.Now()
	id := Identity{Host: hostname(), StartedAt: now}

	switch override {
	case "", "auto":
		v, err := ids.next(now)
		if err != nil {
			return Identity{}, fmt.Errorf("node: mint id: %w", err)
		}
		id.ID = v
	default:
		if _, err := ulid.ParseStrict(override); err != nil {
			return Identity{}, fmt.Errorf("node: id override %q: %w", override, err)
		}
		id.ID = override
	}
	return id, nil
}

// Minted returns the timestamp embedded in the ID.
func (i Identity) Minted() (time.Time, error) {
	u, err := ulid.ParseStrict(i.ID)
	if err != nil {
		return time.Time{}, fmt.Errorf("node: %w", err)
	}
	return ulid.Time(u.Time()), nil
}

// LogAttrs returns slog key/value pairs for the identity.
func (i Identity) LogAttrs() []any {
	return []any{"node_id", i.ID, "host", i.Host}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return h
}

// generator hands out ULIDs that sort strictly within one millisecond.
type generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

var ids = &generator{entropy: ulid.Monotonic(rand.Reader, 0)}

func (g *generator) next(t time.Time) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	u, err := ulid.New(ulid.Timestamp(t), g.entropy)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}
