package types

// statemachine.go: queue item lifecycle transition rules.
//
//	PENDING ──(fetch)──► CLAIMED ──(ack)──► DONE
//	   ▲                    │
//	   │   (release/reclaim)│
//	   └────────────────────┤
//	   ▲                    ▼
//	   └──(dlq replay)──── DEAD

// ValidTransition reports whether the transition from → to is a legal
// state change for a queue item.
//
// The SQL store encodes the same rules in the WHERE clauses of its UPDATE
// statements; this function is the readable reference used by tests and by
// callers that want to check a transition before issuing it.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		// PENDING can only move to CLAIMED (via FetchBatch).
		return to == StatusClaimed
	case StatusClaimed:
		// CLAIMED can:
		//   → DONE    consumer acknowledged
		//   → PENDING released by the consumer or reclaimed by the sweep
		//   → DEAD    dead-lettered
		return to == StatusDone || to == StatusPending || to == StatusDead
	case StatusDead:
		// DEAD only leaves through a DLQ replay.
		return to == StatusPending
	case StatusDone:
		// DONE is the terminal success state.
		return false
	}
	return false
}
