// Package channel validates the names relayq uses for queues and streams.
//
// A queue or stream name doubles as the Postgres LISTEN/NOTIFY channel that
// announces new work, so names follow the identifier rules of that channel:
//
//   - 1-63 bytes (Postgres truncates identifiers at NAMEDATALEN-1).
//   - lowercase letters, digits and underscores, starting with a letter or
//     underscore, so the name never needs quoting in hand-written SQL.
package channel

import (
	"errors"
	"fmt"
	"regexp"
)

// MaxLen is the longest name Postgres keeps without truncation.
const MaxLen = 63

var nameRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// ErrInvalidName is returned when a name fails validation.
var ErrInvalidName = errors.New("channel: invalid name")

// Validate returns ErrInvalidName (wrapped with the offending value) if name
// cannot be used as a queue, stream or notification channel name.
func Validate(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// DeadLetter returns the notification channel that announces dead-lettered
// items of queue. Tooling that watches for poison messages listens on it.
func DeadLetter(queue string) string {
	name := queue + "_dlq"
	if len(name) > MaxLen {
		name = name[:MaxLen]
	}
	return name
}
