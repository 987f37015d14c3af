package admin

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/minahq/tether/channel"
	"github.com/minahq/tether/ledger"
	"github.com/minahq/tether/reconciler"
	"github.com/minahq/tether/tempid"
)

// handleGenerateTempID mints a temporary ID for a user. Clients usually
// generate their own; this exists for integrations that cannot.
func (h *Handlers) handleGenerateTempID(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "user_id is required")
		return
	}
	writeJSONResponse(w, map[string]string{"temp_id": tempid.Generate(userID)})
}

type logPendingRequest struct {
	TempID      string                 `json:"temp_id"`
	UserID      int64                  `json:"user_id"`
	EntityType  string                 `json:"entity_type"`
	OperationID *string                `json:"operation_id,omitempty"`
	SessionID   string                 `json:"session_id,omitempty"`
	WorkspaceID *int64                 `json:"workspace_id,omitempty"`
	Payload     map[string]interface{} `json:"data_payload,omitempty"`
}

// handleLogPending records a client intent as a PENDING ledger entry.
func (h *Handlers) handleLogPending(w http.ResponseWriter, r *http.Request) {
	var req logPendingRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if !tempid.IsTemp(req.TempID) {
		writeErrorResponse(w, http.StatusBadRequest, "temp_id must carry the temporary ID prefix")
		return
	}

	rec, err := h.reconciler.LogPending(r.Context(), reconciler.LogParams{
		TempID:      req.TempID,
		UserID:      req.UserID,
		EntityType:  req.EntityType,
		OperationID: req.OperationID,
		SessionID:   req.SessionID,
		WorkspaceID: req.WorkspaceID,
		Payload:     req.Payload,
	})
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSONResponse(w, rec)
}

type reconcileRequest struct {
	TempID      string `json:"temp_id"`
	RealID      int64  `json:"real_id"`
	UserID      int64  `json:"user_id"`
	WorkspaceID *int64 `json:"workspace_id,omitempty"`
	Broadcast   *bool  `json:"broadcast,omitempty"` // default true
}

// handleReconcile maps a temp ID to its authoritative ID and broadcasts
// the mapping. Called by the write path after a successful insert.
func (h *Handlers) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	doBroadcast := true
	if req.Broadcast != nil {
		doBroadcast = *req.Broadcast
	}

	rec, err := h.reconciler.Reconcile(r.Context(), req.TempID, req.RealID, req.UserID, req.WorkspaceID, doBroadcast)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrRealIDMismatch), errors.Is(err, ledger.ErrTerminalStatus):
			writeErrorResponse(w, http.StatusConflict, err.Error())
		case errors.Is(err, ledger.ErrEmptyTempID):
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
		default:
			writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSONResponse(w, rec)
}

type bulkRequest struct {
	Mappings    []reconciler.Mapping `json:"mappings"`
	UserID      int64                `json:"user_id"`
	WorkspaceID *int64               `json:"workspace_id,omitempty"`
}

// handleBulkReconcile replays a batch of offline-created mappings.
func (h *Handlers) handleBulkReconcile(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	summary, err := h.reconciler.BulkReconcile(r.Context(), req.Mappings, req.UserID, req.WorkspaceID)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSONResponse(w, summary)
}

type failRequest struct {
	Error map[string]interface{} `json:"error,omitempty"`
}

// handleMarkFailed transitions a record to FAILED after the
// authoritative write was rejected.
func (h *Handlers) handleMarkFailed(w http.ResponseWriter, r *http.Request) {
	tempID := chi.URLParam(r, "tempID")

	var req failRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.reconciler.MarkFailed(r.Context(), tempID, req.Error)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			writeErrorResponse(w, http.StatusNotFound, err.Error())
		case errors.Is(err, ledger.ErrTerminalStatus):
			writeErrorResponse(w, http.StatusConflict, err.Error())
		default:
			writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSONResponse(w, rec)
}

// handleBootstrap returns the catch-up set for a reconnecting client.
func (h *Handlers) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "user_id is required")
		return
	}

	workspaceID, err := parseWorkspaceID(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := h.reconciler.Bootstrap(r.Context(), userID, workspaceID, limit)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []*ledger.Record{}
	}

	writeJSONResponse(w, records)
}

// handleGetByTempID fetches one ledger record.
func (h *Handlers) handleGetByTempID(w http.ResponseWriter, r *http.Request) {
	rec, err := h.reconciler.Record(r.Context(), chi.URLParam(r, "tempID"))
	if errors.Is(err, ledger.ErrNotFound) {
		writeErrorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, rec)
}

// handleReverseLookup finds the temp ID mapped to a real ID.
func (h *Handlers) handleReverseLookup(w http.ResponseWriter, r *http.Request) {
	realID, err := strconv.ParseInt(chi.URLParam(r, "realID"), 10, 64)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid real ID")
		return
	}

	tempID, err := h.reconciler.ReverseLookup(r.Context(), realID)
	if errors.Is(err, ledger.ErrNotFound) {
		writeErrorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSONResponse(w, map[string]interface{}{"temp_id": tempID, "real_id": realID})
}

// handleSweep triggers an immediate housekeeping pass.
func (h *Handlers) handleSweep(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "sweeper not running")
		return
	}
	h.sweeper.RunOnce(r.Context())
	writeJSONResponse(w, map[string]string{"status": "swept"})
}

// handleStats reports ledger counts and channel occupancy.
func (h *Handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.reconciler.StatusCounts(r.Context())
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSONResponse(w, map[string]interface{}{
		"ledger":     counts,
		"workspaces": h.channels.WorkspaceCount(),
		"channels":   h.channels.Stats(),
	})
}

// handlePeekSequence reads a workspace's sequence counter.
func (h *Handlers) handlePeekSequence(w http.ResponseWriter, r *http.Request) {
	workspaceID, err := strconv.ParseInt(chi.URLParam(r, "workspaceID"), 10, 64)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid workspace ID")
		return
	}

	value, err := h.reconciler.PeekSequence(r.Context(), workspaceID)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSONResponse(w, map[string]interface{}{"workspace_id": workspaceID, "sequence": value})
}

type conflictUpdate struct {
	ClientID  string                 `json:"client_id"`
	TabID     string                 `json:"tab_id,omitempty"`
	UpdatedAt time.Time              `json:"updated_at"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

type resolveConflictRequest struct {
	EntityID string           `json:"entity_id"`
	Updates  []conflictUpdate `json:"updates"`
}

// handleResolveConflict applies last-write-wins over racing updates and
// returns the winner for broadcast.
func (h *Handlers) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	workspaceID, err := strconv.ParseInt(chi.URLParam(r, "workspaceID"), 10, 64)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid workspace ID")
		return
	}

	var req resolveConflictRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	updates := make([]channel.ConflictingUpdate, 0, len(req.Updates))
	for _, u := range req.Updates {
		updates = append(updates, channel.ConflictingUpdate{
			ClientID:  u.ClientID,
			TabID:     u.TabID,
			UpdatedAt: u.UpdatedAt,
			Payload:   u.Payload,
		})
	}

	winner, err := channel.ResolveConflict(workspaceID, req.EntityID, updates)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSONResponse(w, winner)
}
