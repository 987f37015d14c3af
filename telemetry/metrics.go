package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// LedgerBuckets for local SQLite ledger operations
	LedgerBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

	// ReconcileBuckets for full reconcile calls including broadcast retries
	// (worst case is three attempts with 0.5s/1s/1.5s backoff)
	ReconcileBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 3, 5}

	// BroadcastBuckets for single delivery attempts to the transport
	BroadcastBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

	// SweepBuckets for background housekeeping passes
	SweepBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30}
)

// Reconciliation Metrics
var (
	// PendingLogsTotal counts log-pending calls by result (created, existing_operation, existing_temp, error)
	PendingLogsTotal CounterVec = noopCounterVec{}

	// ReconcilesTotal counts reconcile calls by result (reconciled, pending_after_retries, noop, error)
	ReconcilesTotal CounterVec = noopCounterVec{}

	// ReconcileDurationSeconds measures reconcile latency including broadcast retries
	ReconcileDurationSeconds Histogram = NoopStat{}

	// RetroactiveRecordsTotal counts records synthesized for unknown temp IDs at reconcile time
	RetroactiveRecordsTotal Counter = NoopStat{}

	// BulkMappingsTotal counts bulk-replay mappings by outcome (success, failed, skipped)
	BulkMappingsTotal CounterVec = noopCounterVec{}

	// BootstrapQueriesTotal counts bootstrap catch-up queries
	BootstrapQueriesTotal Counter = NoopStat{}

	// BootstrapRecordsReturned measures records returned per bootstrap query
	BootstrapRecordsReturned Histogram = NoopStat{}

	// OrphanedRecordsTotal counts records moved to ORPHANED by the sweep
	OrphanedRecordsTotal Counter = NoopStat{}

	// ReverseLookupsTotal counts reverse lookups by source (cache, store, miss)
	ReverseLookupsTotal CounterVec = noopCounterVec{}
)

// Ledger Metrics
var (
	// LedgerOpsTotal counts ledger store operations by op and result
	LedgerOpsTotal CounterVec = noopCounterVec{}

	// LedgerOpDurationSeconds measures ledger store operation latency by op
	LedgerOpDurationSeconds HistogramVec = noopHistogramVec{}

	// SequenceIncrementsTotal counts workspace sequence counter increments
	SequenceIncrementsTotal Counter = NoopStat{}
)

// Broadcast Metrics
var (
	// BroadcastAttemptsTotal counts delivery attempts by result (success, failure, breaker_open)
	BroadcastAttemptsTotal CounterVec = noopCounterVec{}

	// BroadcastAttemptSeconds measures single delivery attempt latency
	BroadcastAttemptSeconds Histogram = NoopStat{}

	// BroadcastRetriesExhaustedTotal counts reconciles whose broadcasts never succeeded
	BroadcastRetriesExhaustedTotal Counter = NoopStat{}
)

// Channel Metrics
var (
	// ChannelRegistrations tracks currently registered clients
	ChannelRegistrations Gauge = NoopStat{}

	// ChannelWorkspaces tracks workspaces with at least one registered client
	ChannelWorkspaces Gauge = NoopStat{}

	// ChannelEventsTotal counts fan-out events by result (delivered, dropped, filtered)
	ChannelEventsTotal CounterVec = noopCounterVec{}

	// ChannelConflictsResolved counts conflicting updates beaten by last-write-wins
	ChannelConflictsResolved Counter = NoopStat{}

	// ChannelStaleEvictionsTotal counts registrations evicted by the liveness sweep
	ChannelStaleEvictionsTotal Counter = NoopStat{}
)

// Sweep Metrics
var (
	// SweepRoundsTotal counts housekeeping passes executed
	SweepRoundsTotal Counter = NoopStat{}

	// SweepDurationSeconds measures housekeeping pass duration
	SweepDurationSeconds Histogram = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Reconciliation Metrics
	PendingLogsTotal = NewCounterVec(
		"pending_logs_total",
		"Log-pending calls by result",
		[]string{"result"},
	)
	ReconcilesTotal = NewCounterVec(
		"reconciles_total",
		"Reconcile calls by result",
		[]string{"result"},
	)
	ReconcileDurationSeconds = NewHistogramWithBuckets(
		"reconcile_duration_seconds",
		"Reconcile duration including broadcast retries",
		ReconcileBuckets,
	)
	RetroactiveRecordsTotal = NewCounter(
		"retroactive_records_total",
		"Records synthesized for unknown temp IDs at reconcile time",
	)
	BulkMappingsTotal = NewCounterVec(
		"bulk_mappings_total",
		"Bulk-replay mappings by outcome",
		[]string{"outcome"},
	)
	BootstrapQueriesTotal = NewCounter(
		"bootstrap_queries_total",
		"Bootstrap catch-up queries executed",
	)
	BootstrapRecordsReturned = NewHistogram(
		"bootstrap_records_returned",
		"Records returned per bootstrap query",
	)
	OrphanedRecordsTotal = NewCounter(
		"orphaned_records_total",
		"Records moved to ORPHANED by the sweep",
	)
	ReverseLookupsTotal = NewCounterVec(
		"reverse_lookups_total",
		"Reverse lookups by source",
		[]string{"source"},
	)

	// Ledger Metrics
	LedgerOpsTotal = NewCounterVec(
		"ledger_ops_total",
		"Ledger store operations by op and result",
		[]string{"op", "result"},
	)
	LedgerOpDurationSeconds = NewHistogramVec(
		"ledger_op_duration_seconds",
		"Ledger store operation duration by op",
		[]string{"op"},
		LedgerBuckets,
	)
	SequenceIncrementsTotal = NewCounter(
		"sequence_increments_total",
		"Workspace sequence counter increments",
	)

	// Broadcast Metrics
	BroadcastAttemptsTotal = NewCounterVec(
		"broadcast_attempts_total",
		"Broadcast delivery attempts by result",
		[]string{"result"},
	)
	BroadcastAttemptSeconds = NewHistogramWithBuckets(
		"broadcast_attempt_seconds",
		"Single broadcast delivery attempt duration",
		BroadcastBuckets,
	)
	BroadcastRetriesExhaustedTotal = NewCounter(
		"broadcast_retries_exhausted_total",
		"Reconciles whose broadcast attempts all failed",
	)

	// Channel Metrics
	ChannelRegistrations = NewGauge(
		"channel_registrations",
		"Currently registered clients",
	)
	ChannelWorkspaces = NewGauge(
		"channel_workspaces",
		"Workspaces with at least one registered client",
	)
	ChannelEventsTotal = NewCounterVec(
		"channel_events_total",
		"Channel fan-out events by result",
		[]string{"result"},
	)
	ChannelConflictsResolved = NewCounter(
		"channel_conflicts_resolved_total",
		"Conflicting updates beaten by last-write-wins",
	)
	ChannelStaleEvictionsTotal = NewCounter(
		"channel_stale_evictions_total",
		"Registrations evicted by the liveness sweep",
	)

	// Sweep Metrics
	SweepRoundsTotal = NewCounter(
		"sweep_rounds_total",
		"Housekeeping passes executed",
	)
	SweepDurationSeconds = NewHistogramWithBuckets(
		"sweep_duration_seconds",
		"Housekeeping pass duration",
		SweepBuckets,
	)
}
