package reconciler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/minahq/tether/ledger"
	"github.com/minahq/tether/telemetry"
)

// Bootstrap returns the catch-up set for a reconnecting client: all of
// the user's PENDING records plus anything RECONCILED inside the
// bootstrap window, newest first. A limit <= 0 uses the configured
// default. This query closes the gap left by non-durable channel
// registrations: any mapping whose broadcast the client missed shows
// up here.
func (r *Reconciler) Bootstrap(ctx context.Context, userID int64, workspaceID *int64, limit int) ([]*ledger.Record, error) {
	if limit <= 0 {
		limit = r.opts.BootstrapDefaultLimit
	}

	since := time.Now().Add(-r.opts.BootstrapWindow)
	records, err := r.store.BootstrapRecords(ctx, userID, workspaceID, since, limit)
	if err != nil {
		return nil, err
	}

	telemetry.BootstrapQueriesTotal.Inc()
	telemetry.BootstrapRecordsReturned.Observe(float64(len(records)))

	return records, nil
}

// CleanupOrphaned moves PENDING records older than threshold that never
// acquired a mapping to ORPHANED. Terminal and non-reversible: these
// temp IDs will never resolve automatically. Runs off the request path,
// from the background sweep or an explicit admin call.
func (r *Reconciler) CleanupOrphaned(ctx context.Context, threshold time.Duration) (int64, error) {
	cutoff := time.Now().Add(-threshold)
	count, err := r.store.MarkOrphaned(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	if count > 0 {
		telemetry.OrphanedRecordsTotal.Add(float64(count))
	}
	return count, nil
}

// ReverseLookup finds the temp ID that maps to a real ID, for debugging
// and client cache repair. Hits are cached; a miss returns
// ledger.ErrNotFound.
func (r *Reconciler) ReverseLookup(ctx context.Context, realID int64) (string, error) {
	if tempID, ok := r.reverseCache.Get(realID); ok {
		telemetry.ReverseLookupsTotal.With("cache").Inc()
		return tempID, nil
	}

	rec, err := r.store.GetByRealID(ctx, realID)
	if err == ledger.ErrNotFound {
		telemetry.ReverseLookupsTotal.With("miss").Inc()
		return "", ledger.ErrNotFound
	}
	if err != nil {
		return "", err
	}

	telemetry.ReverseLookupsTotal.With("store").Inc()
	r.reverseCache.Add(realID, rec.TempID)
	return rec.TempID, nil
}

// StatusCounts reports ledger record counts by status, for the admin API.
func (r *Reconciler) StatusCounts(ctx context.Context) (map[ledger.Status]int64, error) {
	return r.store.CountByStatus(ctx)
}

// PeekSequence reads a workspace's current sequence value without
// incrementing it.
func (r *Reconciler) PeekSequence(ctx context.Context, workspaceID int64) (int64, error) {
	return r.store.PeekSequence(ctx, workspaceID)
}

// Record looks up a ledger record by temp ID.
func (r *Reconciler) Record(ctx context.Context, tempID string) (*ledger.Record, error) {
	return r.store.GetByTempID(ctx, tempID)
}

// MarkFailed transitions a record to FAILED after the authoritative
// write itself failed, attaching the error details to the payload.
func (r *Reconciler) MarkFailed(ctx context.Context, tempID string, errDetails map[string]interface{}) (*ledger.Record, error) {
	rec, err := r.store.MarkFailed(ctx, tempID, errDetails)
	if err != nil {
		return rec, err
	}

	log.Debug().Str("temp_id", tempID).Msg("Marked reconciliation failed")
	return rec, nil
}
