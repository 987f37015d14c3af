package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/minahq/tether/channel"
	"github.com/minahq/tether/reconciler"
	"github.com/minahq/tether/sweep"
)

// Handlers serves the ops and integration HTTP API: the authoritative
// write path calls the reconciliation endpoints, reconnecting clients
// call bootstrap, and operators poke at stats and sweeps.
type Handlers struct {
	reconciler *reconciler.Reconciler
	channels   *channel.Service
	sweeper    *sweep.Sweeper
}

// NewHandlers creates a Handlers instance.
func NewHandlers(r *reconciler.Reconciler, c *channel.Service, s *sweep.Sweeper) *Handlers {
	return &Handlers{
		reconciler: r,
		channels:   c,
		sweeper:    s,
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// decodeBody decodes a JSON request body into dst
func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// parseLimit parses the limit query parameter; 0 means "use default"
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 0, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}
	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}
	if limit > 1024 {
		return 0, fmt.Errorf("limit cannot exceed 1024")
	}
	return limit, nil
}

// parseWorkspaceID parses the optional workspace_id query parameter
func parseWorkspaceID(r *http.Request) (*int64, error) {
	raw := r.URL.Query().Get("workspace_id")
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid workspace_id parameter: %w", err)
	}
	return &id, nil
}
