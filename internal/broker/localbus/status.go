package localbus

// Message lifecycle state transition rules.
//
//	            ┌──────────── abandon / lock expiry ───────────┐
//	            ▼                                              │
//	         READY ──── receive ────► LOCKED ──────────────────┤
//	                                    │                      │
//	           ┌────────────┬───────────┼──────────────┐       │
//	           ▼            ▼           ▼              ▼       │
//	       COMPLETED    DEFERRED   DEAD_LETTERED    (session   │
//	                        │                       released)──┘
//	                        └── receive by seq ──► LOCKED
//
// A LOCKED message that came out of DEFERRED returns to DEFERRED instead of
// READY when its lock is released.

// status is the lifecycle state of a stored message.
type status uint8

const (
	statusReady status = iota
	statusLocked
	statusDeferred
	statusCompleted
	statusDeadLettered
)

func (s status) String() string {
	switch s {
	case statusReady:
		return "ready"
	case statusLocked:
		return "locked"
	case statusDeferred:
		return "deferred"
	case statusCompleted:
		return "completed"
	case statusDeadLettered:
		return "dead_lettered"
	default:
		return "unknown"
	}
}

// validTransition reports whether from → to is a legal state change.
func validTransition(from, to status) bool {
	switch from {
	case statusReady:
		return to == statusLocked
	case statusLocked:
		return to == statusReady ||
			to == statusDeferred ||
			to == statusCompleted ||
			to == statusDeadLettered
	case statusDeferred:
		return to == statusLocked
	}
	// COMPLETED and DEAD_LETTERED are terminal. A dead-lettered message lives
	// on as a new READY record in the dead-letter sub-queue.
	return false
}
