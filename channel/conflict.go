package channel

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/minahq/tether/telemetry"
)

// ConflictingUpdate is one candidate write racing on the same entity,
// usually from two tabs editing concurrently.
type ConflictingUpdate struct {
	ClientID  string                 `json:"client_id"`
	TabID     string                 `json:"tab_id,omitempty"`
	UpdatedAt time.Time              `json:"updated_at"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// ResolveConflict picks a winner among racing updates by last-write-wins
// on the server-authoritative updated_at, no field merging. The winning
// payload is annotated with "_reconciled" and "_conflicts_beaten" so
// clients can surface an "overwritten" indication. This governs only
// what gets broadcast to UIs; the authoritative row remains the source
// of truth.
func ResolveConflict(workspaceID int64, entityID string, updates []ConflictingUpdate) (*ConflictingUpdate, error) {
	if len(updates) == 0 {
		return nil, fmt.Errorf("no updates to resolve for entity %s", entityID)
	}

	sorted := make([]ConflictingUpdate, len(updates))
	copy(sorted, updates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].UpdatedAt.After(sorted[j].UpdatedAt)
	})

	winner := sorted[0]
	beaten := len(sorted) - 1

	annotated := make(map[string]interface{}, len(winner.Payload)+2)
	for k, v := range winner.Payload {
		annotated[k] = v
	}
	annotated["_reconciled"] = true
	annotated["_conflicts_beaten"] = beaten
	winner.Payload = annotated

	if beaten > 0 {
		telemetry.ChannelConflictsResolved.Add(float64(beaten))
		log.Debug().
			Int64("workspace_id", workspaceID).
			Str("entity_id", entityID).
			Str("winning_client", winner.ClientID).
			Int("beaten", beaten).
			Msg("Resolved update conflict (last write wins)")
	}

	return &winner, nil
}
