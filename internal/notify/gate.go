// Package notify provides the "wait for activity, with timeout" primitive the
// consumer loops block on when there is nothing to do.
//
// Notifications are only ever a wake signal. A gate never reports what
// changed; the caller re-polls the store after every return, whether the
// outcome is Activity or Timeout. The timeout is what makes a missed or
// coalesced notification harmless: a consumer that checked for work just
// before a producer's notification went out still polls again within one
// timeout interval.
package notify

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by WaitForActivity after the gate was closed.
var ErrClosed = errors.New("notify: gate closed")

// Outcome reports why WaitForActivity returned.
type Outcome uint8

const (
	// Timeout means no notification arrived within the timeout.
	Timeout Outcome = iota
	// Activity means at least one notification arrived since the previous
	// call. All pending notifications were drained.
	Activity
)

func (o Outcome) String() string {
	switch o {
	case Activity:
		return "activity"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Gate is a subscription to one change channel.
type Gate interface {
	// WaitForActivity blocks until a notification is pending or timeout
	// elapses. It returns ctx.Err() if ctx is cancelled first.
	WaitForActivity(ctx context.Context, timeout time.Duration) (Outcome, error)
	Close() error
}
