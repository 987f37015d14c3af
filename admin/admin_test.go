package admin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minahq/tether/broadcast"
	"github.com/minahq/tether/cfg"
	"github.com/minahq/tether/channel"
	"github.com/minahq/tether/ledger"
	"github.com/minahq/tether/reconciler"
	"github.com/minahq/tether/tempid"
)

func newTestServer(t *testing.T) (*httptest.Server, *channel.Service) {
	t.Helper()

	store, err := ledger.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"), 5000)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	r, err := reconciler.New(store, broadcast.NewMockSink(), reconciler.Options{
		BroadcastAttempts:     3,
		BroadcastBackoff:      time.Millisecond,
		BootstrapWindow:       24 * time.Hour,
		BootstrapDefaultLimit: 200,
		BulkMaxMappings:       1000,
		ReverseCacheSize:      128,
		TopicPrefix:           "tether.reconcile",
	})
	require.NoError(t, err)

	channels := channel.NewService(8)
	srv := httptest.NewServer(NewRouter(NewHandlers(r, channels, nil)))
	t.Cleanup(srv.Close)

	return srv, channels
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp
}

func decodeData(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	defer resp.Body.Close()

	var envelope struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.Empty(t, envelope.Error)
	require.NoError(t, json.Unmarshal(envelope.Data, dst))
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReconciliationFlow(t *testing.T) {
	srv, _ := newTestServer(t)
	tempID := tempid.Generate(42)

	// Log the pending intent
	resp := postJSON(t, srv.URL+"/v1/reconciliations/log", map[string]interface{}{
		"temp_id":      tempID,
		"user_id":      42,
		"entity_type":  "task",
		"workspace_id": 7,
		"data_payload": map[string]interface{}{"title": "hello"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rec ledger.Record
	decodeData(t, resp, &rec)
	assert.Equal(t, ledger.StatusPending, rec.Status)

	// Reconcile with the authoritative ID
	resp = postJSON(t, srv.URL+"/v1/reconciliations/reconcile", map[string]interface{}{
		"temp_id": tempID,
		"real_id": 1001,
		"user_id": 42,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeData(t, resp, &rec)
	assert.Equal(t, ledger.StatusReconciled, rec.Status)

	// Fetch it back
	resp2, err := http.Get(srv.URL + "/v1/reconciliations/" + tempID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	decodeData(t, resp2, &rec)
	require.NotNil(t, rec.RealID)
	assert.Equal(t, int64(1001), *rec.RealID)

	// Reverse lookup
	resp3, err := http.Get(srv.URL + "/v1/reconciliations/real/1001")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp3.StatusCode)
	var reverse map[string]interface{}
	decodeData(t, resp3, &reverse)
	assert.Equal(t, tempID, reverse["temp_id"])

	// Bootstrap sees the reconciled record
	resp4, err := http.Get(srv.URL + "/v1/reconciliations/bootstrap?user_id=42")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp4.StatusCode)
	var records []ledger.Record
	decodeData(t, resp4, &records)
	require.Len(t, records, 1)
	assert.Equal(t, tempID, records[0].TempID)
}

func TestReconcile_Conflict(t *testing.T) {
	srv, _ := newTestServer(t)
	tempID := tempid.Generate(42)

	resp := postJSON(t, srv.URL+"/v1/reconciliations/reconcile", map[string]interface{}{
		"temp_id": tempID, "real_id": 1001, "user_id": 42,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/v1/reconciliations/reconcile", map[string]interface{}{
		"temp_id": tempID, "real_id": 2002, "user_id": 42,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestLogPending_RejectsRealIDs(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/reconciliations/log", map[string]interface{}{
		"temp_id": "12345", "user_id": 42, "entity_type": "task",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBootstrap_RequiresUserID(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/reconciliations/bootstrap")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReverseLookup_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/reconciliations/real/99999")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBulkReconcile(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/reconciliations/bulk", map[string]interface{}{
		"user_id":      42,
		"workspace_id": 7,
		"mappings": []map[string]interface{}{
			{"temp_id": tempid.Generate(42), "real_id": 1001},
			{"temp_id": "", "real_id": 1002},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var summary reconciler.BulkSummary
	decodeData(t, resp, &summary)
	assert.Equal(t, 1, summary.Success)
	assert.Equal(t, 1, summary.Skipped)
}

func TestPeekSequence(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/workspaces/7/sequence")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got map[string]interface{}
	decodeData(t, resp, &got)
	assert.Equal(t, float64(0), got["sequence"])
}

func TestResolveConflictEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	resp := postJSON(t, srv.URL+"/v1/workspaces/7/conflicts/resolve", map[string]interface{}{
		"entity_id": "task-42",
		"updates": []map[string]interface{}{
			{"client_id": "tab-1", "updated_at": base, "payload": map[string]interface{}{"title": "old"}},
			{"client_id": "tab-2", "updated_at": base.Add(time.Second), "payload": map[string]interface{}{"title": "new"}},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var winner channel.ConflictingUpdate
	decodeData(t, resp, &winner)
	assert.Equal(t, "tab-2", winner.ClientID)
	assert.Equal(t, "new", winner.Payload["title"])
	assert.Equal(t, true, winner.Payload["_reconciled"])
}

func TestStats(t *testing.T) {
	srv, channels := newTestServer(t)

	_, err := channels.Register(7, "client-a", "tab-a", 1, nil)
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/v1/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats map[string]interface{}
	decodeData(t, resp, &stats)
	assert.Equal(t, float64(1), stats["workspaces"])
}

func TestAuthMiddleware(t *testing.T) {
	srv, _ := newTestServer(t)

	prev := cfg.Config.Admin.AuthToken
	cfg.Config.Admin.AuthToken = "sekrit"
	t.Cleanup(func() { cfg.Config.Admin.AuthToken = prev })

	// No token: rejected
	resp, err := http.Get(srv.URL + "/v1/stats")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Wrong scheme: rejected
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/stats", nil)
	req.Header.Set("Authorization", "Basic sekrit")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Bearer token: accepted
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/v1/stats", nil)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", "sekrit"))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Health stays open
	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSweep_Unavailable(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/sweep", map[string]interface{}{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
