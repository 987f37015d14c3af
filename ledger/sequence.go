package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/minahq/tether/telemetry"
)

// NextSequence atomically increments and returns the per-workspace counter.
// The single upsert-returning statement is the whole critical section: the
// database serializes it, so the guarantee holds across server processes
// without any in-process locking. A store failure propagates as an error;
// there is deliberately no in-memory fallback, which would break
// cross-process uniqueness.
func (s *SQLiteStore) NextSequence(ctx context.Context, workspaceID int64) (int64, error) {
	const upsert = `
		INSERT INTO workspace_sequence_counter (workspace_id, counter, updated_at)
		VALUES (?, 1, ?)
		ON CONFLICT(workspace_id) DO UPDATE SET
			counter = counter + 1,
			updated_at = excluded.updated_at
		RETURNING counter`

	var next int64
	err := s.writeDB.QueryRowContext(ctx, upsert, workspaceID, time.Now().UnixMilli()).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to increment sequence for workspace %d: %w", workspaceID, err)
	}

	telemetry.SequenceIncrementsTotal.Inc()
	return next, nil
}

// PeekSequence returns the current counter value without incrementing.
// A workspace that never incremented reads 0.
func (s *SQLiteStore) PeekSequence(ctx context.Context, workspaceID int64) (int64, error) {
	const query = `SELECT counter FROM workspace_sequence_counter WHERE workspace_id = ?`

	var counter int64
	err := s.readDB.QueryRowContext(ctx, query, workspaceID).Scan(&counter)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read sequence for workspace %d: %w", workspaceID, err)
	}
	return counter, nil
}
