package domain

import (
	"fmt"
	"time"
)

// LedgerState is the local processing state of a posted group.
type LedgerState string

const (
	StateUnknown        LedgerState = "unknown"
	StateDispatched     LedgerState = "dispatched"
	StateDispatchFailed LedgerState = "dispatch_failed"
	StateAcknowledged   LedgerState = "acknowledged"
	StateDeadLettered   LedgerState = "dead_lettered"
)

// IsTerminal reports whether no further dispatch will happen for the state.
func (s LedgerState) IsTerminal() bool {
	return s == StateAcknowledged || s == StateDeadLettered
}

func (s LedgerState) String() string { return string(s) }

// ParseLedgerState converts a stored value back to a LedgerState.
func ParseLedgerState(v string) (LedgerState, error) {
	switch s := LedgerState(v); s {
	case StateUnknown, StateDispatched, StateDispatchFailed, StateAcknowledged, StateDeadLettered:
		return s, nil
	}
	return StateUnknown, fmt.Errorf("unknown ledger state %q", v)
}

// FailureClass groups failures by how the engine reacts to them.
type FailureClass string

const (
	ClassNone           FailureClass = ""
	ClassTransport      FailureClass = "transport"
	ClassRecoverable    FailureClass = "recoverable"
	ClassNonRecoverable FailureClass = "non_recoverable"
	ClassStorage        FailureClass = "storage"
)

// LedgerEntry is the durable record kept for every group id the engine has
// attempted to dispatch.
type LedgerEntry struct {
	GroupID        string       `json:"group_id"`
	State          LedgerState  `json:"state"`
	Attempts       int          `json:"attempts"`
	LastErrorClass FailureClass `json:"last_error_class,omitempty"`
	LastError      string       `json:"last_error,omitempty"`
	FirstSeenAt    time.Time    `json:"first_seen_at"`
	LastAttemptAt  time.Time    `json:"last_attempt_at"`
	NextAttemptAt  time.Time    `json:"next_attempt_at"` // zero when no local retry is scheduled
	UpdatedAt      time.Time    `json:"updated_at"`
	RemoteAcked    bool         `json:"remote_acked"`
}

// Outcome is what markOutcome records once a dispatch result is known.
type Outcome struct {
	State         LedgerState
	Class         FailureClass
	Reason        string
	NextAttemptAt time.Time
}

// LedgerStats counts entries per state.
type LedgerStats struct {
	ByState     map[LedgerState]int `json:"by_state"`
	PendingAcks int                 `json:"pending_acks"`
}
