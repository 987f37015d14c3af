package reconciler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minahq/tether/broadcast"
	"github.com/minahq/tether/ledger"
	"github.com/minahq/tether/tempid"
)

func testOptions() Options {
	return Options{
		BroadcastAttempts:     3,
		BroadcastBackoff:      2 * time.Millisecond,
		BootstrapWindow:       24 * time.Hour,
		BootstrapDefaultLimit: 200,
		BulkMaxMappings:       1000,
		ReverseCacheSize:      128,
		TopicPrefix:           "tether.reconcile",
		NodeID:                1,
	}
}

func newTestReconciler(t *testing.T) (*Reconciler, ledger.Store, *broadcast.MockSink) {
	t.Helper()

	store, err := ledger.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"), 5000)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sink := broadcast.NewMockSink()
	r, err := New(store, sink, testOptions())
	require.NoError(t, err)

	return r, store, sink
}

func i64Ptr(v int64) *int64   { return &v }
func strPtr(s string) *string { return &s }

func TestLogPending_CreatesRecord(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	ctx := context.Background()

	tempID := tempid.Generate(42)
	rec, err := r.LogPending(ctx, LogParams{
		TempID:      tempID,
		UserID:      42,
		EntityType:  "task",
		WorkspaceID: i64Ptr(7),
		Payload:     map[string]interface{}{"title": "write the report"},
	})
	require.NoError(t, err)

	assert.Equal(t, tempID, rec.TempID)
	assert.Equal(t, ledger.StatusPending, rec.Status)
	assert.Nil(t, rec.RealID)
}

func TestLogPending_IdempotentByOperationID(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	ctx := context.Background()

	first, err := r.LogPending(ctx, LogParams{
		TempID:      tempid.Generate(42),
		UserID:      42,
		EntityType:  "task",
		OperationID: strPtr("op-123"),
	})
	require.NoError(t, err)

	// Retried with a different temp ID but the same operation: the
	// original record comes back, no new row.
	second, err := r.LogPending(ctx, LogParams{
		TempID:      tempid.Generate(42),
		UserID:      42,
		EntityType:  "task",
		OperationID: strPtr("op-123"),
	})
	require.NoError(t, err)
	assert.Equal(t, first.TempID, second.TempID)
}

func TestLogPending_IdempotentByTempID(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	ctx := context.Background()

	tempID := tempid.Generate(42)
	_, err := r.LogPending(ctx, LogParams{TempID: tempID, UserID: 42, EntityType: "task"})
	require.NoError(t, err)

	rec, err := r.LogPending(ctx, LogParams{TempID: tempID, UserID: 42, EntityType: "task"})
	require.NoError(t, err)
	assert.Equal(t, tempID, rec.TempID)
}

func TestLogPending_EmptyTempID(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	_, err := r.LogPending(context.Background(), LogParams{UserID: 42})
	assert.ErrorIs(t, err, ledger.ErrEmptyTempID)
}

func TestReconcile_HappyPath(t *testing.T) {
	r, _, sink := newTestReconciler(t)
	ctx := context.Background()

	tempID := tempid.Generate(42)
	_, err := r.LogPending(ctx, LogParams{
		TempID:      tempID,
		UserID:      42,
		EntityType:  "task",
		WorkspaceID: i64Ptr(7),
	})
	require.NoError(t, err)

	rec, err := r.Reconcile(ctx, tempID, 1001, 42, i64Ptr(7), true)
	require.NoError(t, err)

	assert.Equal(t, ledger.StatusReconciled, rec.Status)
	require.NotNil(t, rec.RealID)
	assert.Equal(t, int64(1001), *rec.RealID)
	assert.NotNil(t, rec.ReconciledAt)

	msgs := sink.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "tether.reconcile.ws.7", msgs[0].Subject)
	assert.Equal(t, tempID, msgs[0].Key)

	env, err := broadcast.DecodeEnvelope(msgs[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, broadcast.EventReconciliation, env.EventType)
	assert.Equal(t, tempID, env.TempID)
	assert.Equal(t, int64(1001), env.RealID)
	assert.Equal(t, int64(1), env.Sequence)
}

func TestReconcile_NoBroadcast(t *testing.T) {
	r, _, sink := newTestReconciler(t)
	ctx := context.Background()

	tempID := tempid.Generate(42)
	_, err := r.LogPending(ctx, LogParams{TempID: tempID, UserID: 42, EntityType: "task"})
	require.NoError(t, err)

	rec, err := r.Reconcile(ctx, tempID, 1001, 42, nil, false)
	require.NoError(t, err)

	assert.Equal(t, ledger.StatusReconciled, rec.Status)
	assert.Empty(t, sink.Messages())
}

func TestReconcile_BroadcasterDown_MappingSurvives(t *testing.T) {
	r, _, sink := newTestReconciler(t)
	ctx := context.Background()
	sink.SetEmitError(errors.New("broker down"))

	tempID := tempid.Generate(42)
	_, err := r.LogPending(ctx, LogParams{
		TempID:      tempID,
		UserID:      42,
		EntityType:  "task",
		WorkspaceID: i64Ptr(7),
	})
	require.NoError(t, err)

	rec, err := r.Reconcile(ctx, tempID, 1001, 42, i64Ptr(7), true)
	require.NoError(t, err)

	// All three attempts failed: the record stays PENDING but the
	// mapping is durably recorded.
	assert.Equal(t, 3, sink.Attempts())
	assert.Equal(t, ledger.StatusPending, rec.Status)
	require.NotNil(t, rec.RealID)
	assert.Equal(t, int64(1001), *rec.RealID)

	// A reconnecting client still discovers the mapping via bootstrap.
	records, err := r.Bootstrap(ctx, 42, i64Ptr(7), 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, tempID, records[0].TempID)
	require.NotNil(t, records[0].RealID)
	assert.Equal(t, int64(1001), *records[0].RealID)
}

func TestReconcile_RetrySucceedsOnSecondAttempt(t *testing.T) {
	r, _, sink := newTestReconciler(t)
	ctx := context.Background()
	sink.FailFirst(1, errors.New("transient"))

	tempID := tempid.Generate(42)
	_, err := r.LogPending(ctx, LogParams{TempID: tempID, UserID: 42, EntityType: "task", WorkspaceID: i64Ptr(7)})
	require.NoError(t, err)

	rec, err := r.Reconcile(ctx, tempID, 1001, 42, i64Ptr(7), true)
	require.NoError(t, err)

	assert.Equal(t, ledger.StatusReconciled, rec.Status)
	assert.Equal(t, 2, sink.Attempts())
	assert.Len(t, sink.Messages(), 1)
}

func TestReconcile_SynthesizesRetroactiveRecord(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	ctx := context.Background()

	tempID := tempid.Generate(42)
	rec, err := r.Reconcile(ctx, tempID, 1001, 42, i64Ptr(7), true)
	require.NoError(t, err)

	assert.Equal(t, ledger.StatusReconciled, rec.Status)
	assert.Equal(t, "unknown", rec.EntityType)
	assert.Equal(t, true, rec.Payload["_retroactive"])
}

func TestReconcile_IdempotentForSameRealID(t *testing.T) {
	r, _, sink := newTestReconciler(t)
	ctx := context.Background()

	tempID := tempid.Generate(42)
	_, err := r.LogPending(ctx, LogParams{TempID: tempID, UserID: 42, EntityType: "task"})
	require.NoError(t, err)

	_, err = r.Reconcile(ctx, tempID, 1001, 42, nil, true)
	require.NoError(t, err)
	attempts := sink.Attempts()

	rec, err := r.Reconcile(ctx, tempID, 1001, 42, nil, true)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusReconciled, rec.Status)
	// No second broadcast for a mapping that already reconciled
	assert.Equal(t, attempts, sink.Attempts())
}

func TestReconcile_ConflictingRealID(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	ctx := context.Background()

	tempID := tempid.Generate(42)
	_, err := r.LogPending(ctx, LogParams{TempID: tempID, UserID: 42, EntityType: "task"})
	require.NoError(t, err)

	_, err = r.Reconcile(ctx, tempID, 1001, 42, nil, true)
	require.NoError(t, err)

	_, err = r.Reconcile(ctx, tempID, 2002, 42, nil, true)
	assert.ErrorIs(t, err, ledger.ErrRealIDMismatch)
}

func TestReconcile_FailedRecordIsTerminal(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	ctx := context.Background()

	tempID := tempid.Generate(42)
	_, err := r.LogPending(ctx, LogParams{TempID: tempID, UserID: 42, EntityType: "task"})
	require.NoError(t, err)

	_, err = r.MarkFailed(ctx, tempID, map[string]interface{}{"error": "constraint violation"})
	require.NoError(t, err)

	_, err = r.Reconcile(ctx, tempID, 1001, 42, nil, true)
	assert.ErrorIs(t, err, ledger.ErrTerminalStatus)
}

func TestReconcile_InvalidArguments(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	ctx := context.Background()

	_, err := r.Reconcile(ctx, "", 1001, 42, nil, true)
	assert.ErrorIs(t, err, ledger.ErrEmptyTempID)

	_, err = r.Reconcile(ctx, tempid.Generate(42), 0, 42, nil, true)
	assert.Error(t, err)
}

func TestBootstrap_DefaultLimitAndWindow(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	ctx := context.Background()

	tempID := tempid.Generate(42)
	_, err := r.LogPending(ctx, LogParams{TempID: tempID, UserID: 42, EntityType: "task", WorkspaceID: i64Ptr(7)})
	require.NoError(t, err)

	records, err := r.Bootstrap(ctx, 42, nil, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)

	// Other users see nothing
	records, err = r.Bootstrap(ctx, 99, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestBulkReconcile_PartialSuccess(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	ctx := context.Background()

	okID := tempid.Generate(42)
	failedID := tempid.Generate(42)
	_, err := r.LogPending(ctx, LogParams{TempID: okID, UserID: 42, EntityType: "task", WorkspaceID: i64Ptr(7)})
	require.NoError(t, err)
	_, err = r.LogPending(ctx, LogParams{TempID: failedID, UserID: 42, EntityType: "task", WorkspaceID: i64Ptr(7)})
	require.NoError(t, err)
	_, err = r.MarkFailed(ctx, failedID, map[string]interface{}{"error": "write rejected"})
	require.NoError(t, err)

	summary, err := r.BulkReconcile(ctx, []Mapping{
		{TempID: okID, RealID: 1001},
		{TempID: failedID, RealID: 1002}, // terminal record, per-item failure
		{TempID: "", RealID: 1003},       // missing temp ID, skipped
		{TempID: tempid.Generate(42)},    // missing real ID, skipped
	}, 42, i64Ptr(7))
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Success)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 2, summary.Skipped)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], failedID)

	rec, err := r.Record(ctx, okID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusReconciled, rec.Status)
}

func TestBulkReconcile_ExceedsLimit(t *testing.T) {
	store, err := ledger.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"), 5000)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	opts := testOptions()
	opts.BulkMaxMappings = 2
	r, err := New(store, broadcast.NewMockSink(), opts)
	require.NoError(t, err)

	_, err = r.BulkReconcile(context.Background(), make([]Mapping, 3), 42, nil)
	assert.ErrorContains(t, err, "exceeds limit")
}

func TestReverseLookup(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	ctx := context.Background()

	tempID := tempid.Generate(42)
	_, err := r.LogPending(ctx, LogParams{TempID: tempID, UserID: 42, EntityType: "task"})
	require.NoError(t, err)
	_, err = r.Reconcile(ctx, tempID, 1001, 42, nil, false)
	require.NoError(t, err)

	got, err := r.ReverseLookup(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, tempID, got)

	// Second call is served from the cache
	got, err = r.ReverseLookup(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, tempID, got)

	_, err = r.ReverseLookup(ctx, 9999)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestCleanupOrphaned(t *testing.T) {
	r, store, _ := newTestReconciler(t)
	ctx := context.Background()

	stale := tempid.Generate(42)
	_, err := store.CreatePending(ctx, &ledger.Record{
		TempID:     stale,
		UserID:     42,
		EntityType: "task",
		CreatedAt:  time.Now().Add(-30 * time.Minute),
	})
	require.NoError(t, err)

	fresh := tempid.Generate(42)
	_, err = r.LogPending(ctx, LogParams{TempID: fresh, UserID: 42, EntityType: "task"})
	require.NoError(t, err)

	count, err := r.CleanupOrphaned(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	rec, err := r.Record(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusOrphaned, rec.Status)

	rec, err = r.Record(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, rec.Status)
}
