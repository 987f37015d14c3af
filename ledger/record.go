package ledger

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a reconciliation record.
// Transitions are forward-only; a record never reverts.
type Status string

const (
	// StatusPending means the temp ID was logged but not yet reconciled.
	// A PENDING record may already carry a real_id if the durable mapping
	// was recorded but broadcast delivery never succeeded.
	StatusPending Status = "PENDING"

	// StatusReconciled means the mapping is durable and was delivered
	// (or delivery was explicitly skipped by the caller).
	StatusReconciled Status = "RECONCILED"

	// StatusFailed means the authoritative write itself failed.
	// FAILED is terminal; a retried creation uses a fresh record.
	StatusFailed Status = "FAILED"

	// StatusOrphaned means the record stayed PENDING past the age
	// threshold without ever acquiring a mapping. Terminal.
	StatusOrphaned Status = "ORPHANED"
)

// CanTransitionTo reports whether moving from s to next is a legal
// forward transition.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusReconciled || next == StatusFailed || next == StatusOrphaned
	default:
		// RECONCILED, FAILED and ORPHANED are terminal
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Record is one entry in the reconciliation ledger: a single temporary ID
// ever issued, its mapping to a real database ID once known, and its
// lifecycle status.
type Record struct {
	TempID       string                 `json:"temp_id"`
	RealID       *int64                 `json:"real_id,omitempty"`
	Status       Status                 `json:"status"`
	EntityType   string                 `json:"entity_type"`
	UserID       int64                  `json:"user_id"`
	WorkspaceID  *int64                 `json:"workspace_id,omitempty"`
	SessionID    string                 `json:"session_id,omitempty"`
	OperationID  *string                `json:"operation_id,omitempty"`
	Payload      map[string]interface{} `json:"data_payload,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	ReconciledAt *time.Time             `json:"reconciled_at,omitempty"`
}

// Reconciled reports whether the record reached RECONCILED.
func (r *Record) Reconciled() bool {
	return r.Status == StatusReconciled
}

// Mapped reports whether a real ID has been durably recorded, regardless
// of whether the broadcast ever went out.
func (r *Record) Mapped() bool {
	return r.RealID != nil
}

var (
	// ErrNotFound is returned when no record exists for the given key.
	ErrNotFound = errors.New("ledger: record not found")

	// ErrTerminalStatus is returned when an operation would move a record
	// out of a terminal status.
	ErrTerminalStatus = errors.New("ledger: record is in a terminal status")

	// ErrRealIDMismatch is returned when a reconcile supplies a different
	// real ID than the one already recorded. Mappings are assign-once.
	ErrRealIDMismatch = errors.New("ledger: temp ID already mapped to a different real ID")

	// ErrEmptyTempID is returned when a caller passes an empty temp ID.
	ErrEmptyTempID = errors.New("ledger: temp ID must not be empty")
)
