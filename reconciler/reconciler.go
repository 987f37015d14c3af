package reconciler

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/minahq/tether/broadcast"
	"github.com/minahq/tether/cfg"
	"github.com/minahq/tether/ledger"
	"github.com/minahq/tether/telemetry"
)

// Options control reconciliation behavior. FromConfig derives them from
// the loaded configuration.
type Options struct {
	BroadcastAttempts     int           // Max delivery attempts per reconcile
	BroadcastBackoff      time.Duration // Base backoff; attempt n waits n*base
	BootstrapWindow       time.Duration // RECONCILED records visible this far back
	BootstrapDefaultLimit int
	BulkMaxMappings       int
	ReverseCacheSize      int
	TopicPrefix           string
	NodeID                uint64
}

// FromConfig builds Options from the global configuration.
func FromConfig() Options {
	return Options{
		BroadcastAttempts:     cfg.Config.Reconciler.BroadcastAttempts,
		BroadcastBackoff:      time.Duration(cfg.Config.Reconciler.BroadcastBackoffMS) * time.Millisecond,
		BootstrapWindow:       time.Duration(cfg.Config.Reconciler.BootstrapWindowHours) * time.Hour,
		BootstrapDefaultLimit: cfg.Config.Reconciler.BootstrapDefaultLimit,
		BulkMaxMappings:       cfg.Config.Reconciler.BulkMaxMappings,
		ReverseCacheSize:      cfg.Config.Reconciler.ReverseCacheSize,
		TopicPrefix:           cfg.Config.Broadcast.Sink.TopicPrefix,
		NodeID:                cfg.Config.NodeID,
	}
}

// Reconciler is the single authority for temp-ID lifecycle and its
// cross-tab propagation: it logs client intents, records durable
// temp->real mappings, and broadcasts them to workspace channels.
type Reconciler struct {
	store        ledger.Store
	sink         broadcast.Sink
	opts         Options
	reverseCache *lru.Cache[int64, string]
}

// New creates a Reconciler on top of a ledger store and a broadcast sink.
func New(store ledger.Store, sink broadcast.Sink, opts Options) (*Reconciler, error) {
	if opts.BroadcastAttempts < 1 {
		return nil, fmt.Errorf("broadcast attempts must be >= 1")
	}

	cache, err := lru.New[int64, string](opts.ReverseCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create reverse lookup cache: %w", err)
	}

	return &Reconciler{
		store:        store,
		sink:         sink,
		opts:         opts,
		reverseCache: cache,
	}, nil
}

// LogParams describes a client intent to create an entity under a
// temporary ID.
type LogParams struct {
	TempID      string
	UserID      int64
	EntityType  string
	OperationID *string
	SessionID   string
	WorkspaceID *int64
	Payload     map[string]interface{}
}

// LogPending records a client intent as a PENDING ledger entry. Safe to
// retry: an existing record for the operation ID or the temp ID is
// returned unchanged instead of erroring.
func (r *Reconciler) LogPending(ctx context.Context, p LogParams) (*ledger.Record, error) {
	if p.TempID == "" {
		telemetry.PendingLogsTotal.With("error").Inc()
		return nil, ledger.ErrEmptyTempID
	}

	if p.OperationID != nil && *p.OperationID != "" {
		existing, err := r.store.GetByOperationID(ctx, *p.OperationID)
		if err == nil {
			telemetry.PendingLogsTotal.With("existing_operation").Inc()
			return existing, nil
		}
		if err != ledger.ErrNotFound {
			telemetry.PendingLogsTotal.With("error").Inc()
			return nil, err
		}
	}

	if existing, err := r.store.GetByTempID(ctx, p.TempID); err == nil {
		telemetry.PendingLogsTotal.With("existing_temp").Inc()
		return existing, nil
	} else if err != ledger.ErrNotFound {
		telemetry.PendingLogsTotal.With("error").Inc()
		return nil, err
	}

	rec, err := r.store.CreatePending(ctx, &ledger.Record{
		TempID:      p.TempID,
		EntityType:  p.EntityType,
		UserID:      p.UserID,
		WorkspaceID: p.WorkspaceID,
		SessionID:   p.SessionID,
		OperationID: p.OperationID,
		Payload:     p.Payload,
	})
	if err != nil {
		telemetry.PendingLogsTotal.With("error").Inc()
		return nil, err
	}

	telemetry.PendingLogsTotal.With("created").Inc()
	log.Debug().
		Str("temp_id", p.TempID).
		Int64("user_id", p.UserID).
		Str("entity_type", p.EntityType).
		Msg("Logged pending reconciliation")

	return rec, nil
}

// Reconcile durably maps tempID to realID, then broadcasts the mapping
// to the workspace channel with bounded retries. The mapping lands
// before the first broadcast attempt: even if every delivery fails, the
// record stays PENDING with real_id set, so a client that missed the
// broadcast recovers it via Bootstrap. Nothing durably recorded is ever
// lost to a dead broker.
//
// With doBroadcast=false the record is marked RECONCILED immediately
// without touching the transport.
func (r *Reconciler) Reconcile(ctx context.Context, tempID string, realID int64, userID int64, workspaceID *int64, doBroadcast bool) (*ledger.Record, error) {
	start := time.Now()
	defer func() {
		telemetry.ReconcileDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	if tempID == "" {
		telemetry.ReconcilesTotal.With("error").Inc()
		return nil, ledger.ErrEmptyTempID
	}
	if realID <= 0 {
		telemetry.ReconcilesTotal.With("error").Inc()
		return nil, fmt.Errorf("real ID must be positive, got %d", realID)
	}

	rec, err := r.store.GetByTempID(ctx, tempID)
	if err == ledger.ErrNotFound {
		// Broadcast-before-log race: synthesize the missing record so
		// the mapping still gets durably captured.
		rec, err = r.store.CreatePending(ctx, &ledger.Record{
			TempID:      tempID,
			EntityType:  "unknown",
			UserID:      userID,
			WorkspaceID: workspaceID,
			Payload:     map[string]interface{}{"_retroactive": true},
		})
		if err == nil {
			telemetry.RetroactiveRecordsTotal.Inc()
			log.Warn().Str("temp_id", tempID).Msg("Synthesized retroactive record for unlogged temp ID")
		}
	}
	if err != nil {
		telemetry.ReconcilesTotal.With("error").Inc()
		return nil, err
	}

	switch rec.Status {
	case ledger.StatusReconciled:
		if rec.RealID != nil && *rec.RealID != realID {
			telemetry.ReconcilesTotal.With("error").Inc()
			return rec, ledger.ErrRealIDMismatch
		}
		telemetry.ReconcilesTotal.With("noop").Inc()
		return rec, nil
	case ledger.StatusFailed, ledger.StatusOrphaned:
		telemetry.ReconcilesTotal.With("error").Inc()
		return rec, fmt.Errorf("%w: cannot reconcile %s record %s", ledger.ErrTerminalStatus, rec.Status, tempID)
	}

	// Durable mapping first, broadcast second.
	rec, err = r.store.SetRealID(ctx, tempID, realID)
	if err != nil {
		telemetry.ReconcilesTotal.With("error").Inc()
		return rec, err
	}

	if !doBroadcast {
		rec, err = r.store.MarkReconciled(ctx, tempID, realID)
		if err != nil {
			telemetry.ReconcilesTotal.With("error").Inc()
			return rec, err
		}
		telemetry.ReconcilesTotal.With("reconciled").Inc()
		return rec, nil
	}

	if err := r.broadcastMapping(ctx, rec, realID); err != nil {
		// Exhausted retries: leave the record PENDING with real_id
		// set. Clients catch up via Bootstrap.
		telemetry.BroadcastRetriesExhaustedTotal.Inc()
		telemetry.ReconcilesTotal.With("pending_after_retries").Inc()
		log.Warn().
			Str("temp_id", tempID).
			Int64("real_id", realID).
			Err(err).
			Msg("Broadcast retries exhausted, mapping recorded but undelivered")
		return r.store.GetByTempID(ctx, tempID)
	}

	rec, err = r.store.MarkReconciled(ctx, tempID, realID)
	if err != nil {
		telemetry.ReconcilesTotal.With("error").Inc()
		return rec, err
	}

	telemetry.ReconcilesTotal.With("reconciled").Inc()
	return rec, nil
}

// broadcastMapping delivers the reconciliation envelope with bounded
// retries. Attempt n sleeps n*base before retrying (0.5s, 1s, 1.5s at
// the default base), honoring ctx cancellation.
func (r *Reconciler) broadcastMapping(ctx context.Context, rec *ledger.Record, realID int64) error {
	var workspaceID int64
	if rec.WorkspaceID != nil {
		workspaceID = *rec.WorkspaceID
	}

	env := &broadcast.Envelope{
		EventID:     broadcast.NewEventID(),
		EventType:   broadcast.EventReconciliation,
		WorkspaceID: workspaceID,
		TempID:      rec.TempID,
		RealID:      realID,
		EntityType:  rec.EntityType,
		UserID:      rec.UserID,
		SenderTab:   rec.SessionID,
		Payload:     rec.Payload,
		EmittedAt:   time.Now().UnixMilli(),
		NodeID:      r.opts.NodeID,
	}

	if rec.WorkspaceID != nil {
		seq, err := r.store.NextSequence(ctx, workspaceID)
		if err != nil {
			// An unsequenced event is still deliverable; never skip a
			// broadcast over a counter failure.
			log.Error().Err(err).Int64("workspace_id", workspaceID).Msg("Failed to assign event sequence")
		} else {
			env.Sequence = seq
		}
	}

	payload, err := broadcast.EncodeEnvelope(env)
	if err != nil {
		return err
	}

	subject := broadcast.WorkspaceSubject(r.opts.TopicPrefix, workspaceID)

	var lastErr error
	for attempt := 1; attempt <= r.opts.BroadcastAttempts; attempt++ {
		attemptStart := time.Now()
		lastErr = r.sink.Emit(subject, rec.TempID, payload)
		telemetry.BroadcastAttemptSeconds.Observe(time.Since(attemptStart).Seconds())

		if lastErr == nil {
			telemetry.BroadcastAttemptsTotal.With("success").Inc()
			return nil
		}
		telemetry.BroadcastAttemptsTotal.With("failure").Inc()

		log.Debug().
			Err(lastErr).
			Str("temp_id", rec.TempID).
			Int("attempt", attempt).
			Msg("Broadcast attempt failed")

		if attempt == r.opts.BroadcastAttempts {
			break
		}

		backoff := time.Duration(attempt) * r.opts.BroadcastBackoff
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("broadcast failed after %d attempts: %w", r.opts.BroadcastAttempts, lastErr)
}
