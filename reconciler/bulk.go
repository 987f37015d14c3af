package reconciler

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/minahq/tether/telemetry"
)

// Mapping is one temp->real pair in a bulk replay.
type Mapping struct {
	TempID string `json:"temp_id"`
	RealID int64  `json:"real_id"`
}

// BulkSummary reports the outcome of a bulk replay. Partial success is
// expected, not exceptional.
type BulkSummary struct {
	Success int      `json:"success"`
	Failed  int      `json:"failed"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

// BulkReconcile replays a batch of mappings, typically from a client
// that created entities while offline. Mappings missing either ID are
// skipped, and each failure is isolated: one bad mapping never aborts
// the rest of the batch.
func (r *Reconciler) BulkReconcile(ctx context.Context, mappings []Mapping, userID int64, workspaceID *int64) (*BulkSummary, error) {
	if len(mappings) > r.opts.BulkMaxMappings {
		return nil, fmt.Errorf("bulk replay of %d mappings exceeds limit of %d", len(mappings), r.opts.BulkMaxMappings)
	}

	summary := &BulkSummary{}

	for _, m := range mappings {
		if m.TempID == "" || m.RealID <= 0 {
			summary.Skipped++
			telemetry.BulkMappingsTotal.With("skipped").Inc()
			continue
		}

		if _, err := r.Reconcile(ctx, m.TempID, m.RealID, userID, workspaceID, true); err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", m.TempID, err))
			telemetry.BulkMappingsTotal.With("failed").Inc()
			continue
		}

		summary.Success++
		telemetry.BulkMappingsTotal.With("success").Inc()
	}

	log.Info().
		Int("success", summary.Success).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Int64("user_id", userID).
		Msg("Bulk reconcile finished")

	return summary, nil
}
