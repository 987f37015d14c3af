package ledger

import (
	"context"
	"time"
)

// Store is the durable reconciliation ledger plus the per-workspace
// sequence counter. Both live in the same database so correctness holds
// across independent server processes sharing it; nothing here relies on
// in-process locking for cross-process invariants.
type Store interface {
	// CreatePending inserts a new PENDING record. Idempotent: if a record
	// already exists for the temp ID or (when set) the operation ID, the
	// existing record is returned unchanged.
	CreatePending(ctx context.Context, rec *Record) (*Record, error)

	// GetByTempID fetches a record by its temporary ID.
	GetByTempID(ctx context.Context, tempID string) (*Record, error)

	// GetByOperationID fetches a record by its idempotency key.
	GetByOperationID(ctx context.Context, operationID string) (*Record, error)

	// GetByRealID fetches the record mapped to a real ID, if any.
	GetByRealID(ctx context.Context, realID int64) (*Record, error)

	// SetRealID durably records the temp->real mapping without changing
	// status. This is the write that must land before any broadcast
	// attempt so the mapping can never be lost. Assign-once: a different
	// existing real ID yields ErrRealIDMismatch.
	SetRealID(ctx context.Context, tempID string, realID int64) (*Record, error)

	// MarkReconciled transitions a record to RECONCILED and stamps
	// reconciled_at. Idempotent for the same real ID; FAILED and ORPHANED
	// records yield ErrTerminalStatus.
	MarkReconciled(ctx context.Context, tempID string, realID int64) (*Record, error)

	// MarkFailed transitions a record to FAILED, attaching error details
	// to its payload.
	MarkFailed(ctx context.Context, tempID string, errDetails map[string]interface{}) (*Record, error)

	// MarkOrphaned sweeps PENDING records created before the cutoff that
	// never acquired a real ID, moving them to ORPHANED. Records that
	// already carry a mapping are left PENDING so bootstrap can still
	// recover them. Returns the number of records orphaned.
	MarkOrphaned(ctx context.Context, createdBefore time.Time) (int64, error)

	// BootstrapRecords returns a user's PENDING records plus RECONCILED
	// records whose reconciled_at falls after since, newest first,
	// bounded by limit. workspaceID narrows the scope when non-nil.
	BootstrapRecords(ctx context.Context, userID int64, workspaceID *int64, since time.Time, limit int) ([]*Record, error)

	// CountByStatus returns record counts grouped by status.
	CountByStatus(ctx context.Context) (map[Status]int64, error)

	// NextSequence atomically increments and returns the workspace's
	// sequence counter. Two concurrent callers never observe the same
	// value; on store failure the error propagates, never a fallback.
	NextSequence(ctx context.Context, workspaceID int64) (int64, error)

	// PeekSequence returns the current counter value without incrementing.
	// A workspace that never incremented reads 0.
	PeekSequence(ctx context.Context, workspaceID int64) (int64, error)

	Close() error
}
