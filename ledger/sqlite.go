package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/minahq/tether/encoding"
	"github.com/minahq/tether/telemetry"

	_ "github.com/mattn/go-sqlite3"
)

var dialect = goqu.Dialect("sqlite3")

const ledgerTable = "reconciliation_ledger"

// SQLiteStore implements Store using SQLite.
// One write connection serializes mutations; a small read pool serves queries.
type SQLiteStore struct {
	writeDB *sql.DB
	readDB  *sql.DB
	path    string
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite-backed ledger store
func NewSQLiteStore(path string, busyTimeoutMS int) (*SQLiteStore, error) {
	isMemoryDB := strings.Contains(path, ":memory:")

	// Write connection (1 connection)
	writeDSN := path
	if !isMemoryDB {
		if strings.Contains(writeDSN, "?") {
			writeDSN += fmt.Sprintf("&_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", busyTimeoutMS)
		} else {
			writeDSN += fmt.Sprintf("?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", busyTimeoutMS)
		}
	}

	writeDB, err := sql.Open("sqlite3", writeDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger write database: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	// In-memory databases must share a single connection, otherwise each
	// pool connection sees its own empty database.
	var readDB *sql.DB
	if isMemoryDB {
		readDB = writeDB
	} else {
		readDSN := path
		if strings.Contains(readDSN, "?") {
			readDSN += fmt.Sprintf("&_journal_mode=WAL&_busy_timeout=%d", busyTimeoutMS)
		} else {
			readDSN += fmt.Sprintf("?_journal_mode=WAL&_busy_timeout=%d", busyTimeoutMS)
		}

		readDB, err = sql.Open("sqlite3", readDSN)
		if err != nil {
			writeDB.Close()
			return nil, fmt.Errorf("failed to open ledger read database: %w", err)
		}
		readDB.SetMaxOpenConns(4)
		readDB.SetMaxIdleConns(4)
		readDB.SetConnMaxLifetime(0)

		for _, db := range []*sql.DB{writeDB, readDB} {
			if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
				writeDB.Close()
				readDB.Close()
				return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
			}
			if _, err := db.Exec("PRAGMA temp_store=MEMORY"); err != nil {
				writeDB.Close()
				readDB.Close()
				return nil, fmt.Errorf("failed to set temp store: %w", err)
			}
		}
	}

	// Initialize schema
	for _, schema := range Schemas() {
		if _, err := writeDB.Exec(schema); err != nil {
			writeDB.Close()
			if readDB != writeDB {
				readDB.Close()
			}
			return nil, fmt.Errorf("failed to create ledger schema: %w", err)
		}
	}

	return &SQLiteStore{
		writeDB: writeDB,
		readDB:  readDB,
		path:    path,
	}, nil
}

// Close closes both database connections
func (s *SQLiteStore) Close() error {
	var writeErr, readErr error
	if s.writeDB != nil {
		writeErr = s.writeDB.Close()
	}
	if s.readDB != nil && s.readDB != s.writeDB {
		readErr = s.readDB.Close()
	}
	if writeErr != nil {
		return writeErr
	}
	return readErr
}

// instrument records op latency and result for the ledger dashboards.
func instrument(op string, start time.Time, err error) {
	result := "success"
	if err != nil && !errors.Is(err, ErrNotFound) {
		result = "error"
	}
	telemetry.LedgerOpsTotal.With(op, result).Inc()
	telemetry.LedgerOpDurationSeconds.With(op).Observe(time.Since(start).Seconds())
}

// CreatePending inserts a PENDING record, returning the existing one on
// temp_id or operation_id collision. INSERT OR IGNORE makes the check and
// insert race-safe across processes: the unique constraints decide.
func (s *SQLiteStore) CreatePending(ctx context.Context, rec *Record) (_ *Record, err error) {
	start := time.Now()
	defer func() { instrument("create_pending", start, err) }()

	if rec.TempID == "" {
		return nil, ErrEmptyTempID
	}

	payload, err := encoding.EncodePayload(rec.Payload)
	if err != nil {
		return nil, err
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	insert := dialect.Insert(ledgerTable).
		Prepared(true).
		Rows(goqu.Record{
			"temp_id":      rec.TempID,
			"real_id":      nil,
			"status":       string(StatusPending),
			"entity_type":  rec.EntityType,
			"user_id":      rec.UserID,
			"workspace_id": rec.WorkspaceID,
			"session_id":   rec.SessionID,
			"operation_id": rec.OperationID,
			"data_payload": payload,
			"created_at":   createdAt.UnixMilli(),
		}).
		OnConflict(goqu.DoNothing())

	query, args, err := insert.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build insert: %w", err)
	}

	res, err := s.writeDB.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to insert pending record: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		// Duplicate submission: prefer the operation_id match, then temp_id
		if rec.OperationID != nil {
			if existing, err := s.GetByOperationID(ctx, *rec.OperationID); err == nil {
				return existing, nil
			} else if !errors.Is(err, ErrNotFound) {
				return nil, err
			}
		}
		return s.GetByTempID(ctx, rec.TempID)
	}

	return s.GetByTempID(ctx, rec.TempID)
}

// GetByTempID fetches a record by its temporary ID
func (s *SQLiteStore) GetByTempID(ctx context.Context, tempID string) (_ *Record, err error) {
	start := time.Now()
	defer func() { instrument("get_by_temp_id", start, err) }()
	return s.getOne(ctx, goqu.C("temp_id").Eq(tempID))
}

// GetByOperationID fetches a record by its idempotency key
func (s *SQLiteStore) GetByOperationID(ctx context.Context, operationID string) (_ *Record, err error) {
	start := time.Now()
	defer func() { instrument("get_by_operation_id", start, err) }()
	return s.getOne(ctx, goqu.C("operation_id").Eq(operationID))
}

// GetByRealID fetches the record mapped to a real ID
func (s *SQLiteStore) GetByRealID(ctx context.Context, realID int64) (_ *Record, err error) {
	start := time.Now()
	defer func() { instrument("get_by_real_id", start, err) }()
	return s.getOne(ctx, goqu.C("real_id").Eq(realID))
}

func (s *SQLiteStore) getOne(ctx context.Context, where goqu.Expression) (*Record, error) {
	query, args, err := dialect.From(ledgerTable).
		Prepared(true).
		Select(recordColumns()...).
		Where(where).
		Limit(1).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	row := s.readDB.QueryRowContext(ctx, query, args...)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// SetRealID durably records the temp->real mapping before any broadcast.
// The conditional update enforces assign-once under concurrent reconciles.
func (s *SQLiteStore) SetRealID(ctx context.Context, tempID string, realID int64) (_ *Record, err error) {
	start := time.Now()
	defer func() { instrument("set_real_id", start, err) }()

	query, args, err := dialect.Update(ledgerTable).
		Prepared(true).
		Set(goqu.Record{"real_id": realID}).
		Where(
			goqu.C("temp_id").Eq(tempID),
			goqu.Or(
				goqu.C("real_id").IsNull(),
				goqu.C("real_id").Eq(realID),
			),
		).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build update: %w", err)
	}

	res, err := s.writeDB.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to set real ID: %w", err)
	}

	rec, err := s.GetByTempID(ctx, tempID)
	if err != nil {
		return nil, err
	}

	if n, _ := res.RowsAffected(); n == 0 {
		// Row exists but the guard rejected the write: conflicting mapping
		if rec.RealID != nil && *rec.RealID != realID {
			return rec, ErrRealIDMismatch
		}
	}

	return rec, nil
}

// MarkReconciled transitions a record to RECONCILED and stamps reconciled_at
func (s *SQLiteStore) MarkReconciled(ctx context.Context, tempID string, realID int64) (_ *Record, err error) {
	start := time.Now()
	defer func() { instrument("mark_reconciled", start, err) }()

	current, err := s.GetByTempID(ctx, tempID)
	if err != nil {
		return nil, err
	}

	if current.Status == StatusReconciled {
		// Idempotent for the same mapping, error for a conflicting one
		if current.RealID != nil && *current.RealID != realID {
			return current, ErrRealIDMismatch
		}
		return current, nil
	}

	if !current.Status.CanTransitionTo(StatusReconciled) {
		return current, fmt.Errorf("%w: %s -> %s", ErrTerminalStatus, current.Status, StatusReconciled)
	}

	if current.RealID != nil && *current.RealID != realID {
		return current, ErrRealIDMismatch
	}

	query, args, err := dialect.Update(ledgerTable).
		Prepared(true).
		Set(goqu.Record{
			"real_id":       realID,
			"status":        string(StatusReconciled),
			"reconciled_at": time.Now().UnixMilli(),
		}).
		Where(
			goqu.C("temp_id").Eq(tempID),
			goqu.C("status").Eq(string(StatusPending)),
		).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build update: %w", err)
	}

	res, err := s.writeDB.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to mark reconciled: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a race with another caller; re-read and re-evaluate
		return s.MarkReconciled(ctx, tempID, realID)
	}

	return s.GetByTempID(ctx, tempID)
}

// MarkFailed transitions a record to FAILED, attaching error details
func (s *SQLiteStore) MarkFailed(ctx context.Context, tempID string, errDetails map[string]interface{}) (_ *Record, err error) {
	start := time.Now()
	defer func() { instrument("mark_failed", start, err) }()

	current, err := s.GetByTempID(ctx, tempID)
	if err != nil {
		return nil, err
	}

	if current.Status == StatusFailed {
		return current, nil
	}

	if !current.Status.CanTransitionTo(StatusFailed) {
		return current, fmt.Errorf("%w: %s -> %s", ErrTerminalStatus, current.Status, StatusFailed)
	}

	payload := current.Payload
	if payload == nil {
		payload = make(map[string]interface{})
	}
	for k, v := range errDetails {
		payload[k] = v
	}

	blob, err := encoding.EncodePayload(payload)
	if err != nil {
		return nil, err
	}

	query, args, err := dialect.Update(ledgerTable).
		Prepared(true).
		Set(goqu.Record{
			"status":       string(StatusFailed),
			"data_payload": blob,
		}).
		Where(
			goqu.C("temp_id").Eq(tempID),
			goqu.C("status").Eq(string(StatusPending)),
		).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build update: %w", err)
	}

	if _, err := s.writeDB.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("failed to mark failed: %w", err)
	}

	return s.GetByTempID(ctx, tempID)
}

// MarkOrphaned sweeps stale unmapped PENDING records to ORPHANED.
// Records that already carry a real_id stay PENDING: the mapping is
// durable and bootstrap can still deliver it, so orphaning them would
// discard recoverable state.
func (s *SQLiteStore) MarkOrphaned(ctx context.Context, createdBefore time.Time) (_ int64, err error) {
	start := time.Now()
	defer func() { instrument("mark_orphaned", start, err) }()

	query, args, err := dialect.Update(ledgerTable).
		Prepared(true).
		Set(goqu.Record{"status": string(StatusOrphaned)}).
		Where(
			goqu.C("status").Eq(string(StatusPending)),
			goqu.C("real_id").IsNull(),
			goqu.C("created_at").Lt(createdBefore.UnixMilli()),
		).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build update: %w", err)
	}

	res, err := s.writeDB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to orphan records: %w", err)
	}

	count, _ := res.RowsAffected()
	if count > 0 {
		log.Info().Int64("count", count).Time("cutoff", createdBefore).Msg("Orphaned stale pending records")
	}
	return count, nil
}

// BootstrapRecords returns catch-up records for a reconnecting client
func (s *SQLiteStore) BootstrapRecords(ctx context.Context, userID int64, workspaceID *int64, since time.Time, limit int) (_ []*Record, err error) {
	start := time.Now()
	defer func() { instrument("bootstrap", start, err) }()

	ds := dialect.From(ledgerTable).
		Prepared(true).
		Select(recordColumns()...).
		Where(
			goqu.C("user_id").Eq(userID),
			goqu.Or(
				goqu.C("status").Eq(string(StatusPending)),
				goqu.And(
					goqu.C("status").Eq(string(StatusReconciled)),
					goqu.C("reconciled_at").Gte(since.UnixMilli()),
				),
			),
		)

	if workspaceID != nil {
		ds = ds.Where(goqu.C("workspace_id").Eq(*workspaceID))
	}

	query, args, err := ds.
		Order(goqu.C("created_at").Desc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bootstrap records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountByStatus returns record counts grouped by status
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	query, args, err := dialect.From(ledgerTable).
		Select(goqu.C("status"), goqu.L("COUNT(*)").As("n")).
		GroupBy(goqu.C("status")).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func recordColumns() []interface{} {
	return []interface{}{
		goqu.C("temp_id"), goqu.C("real_id"), goqu.C("status"),
		goqu.C("entity_type"), goqu.C("user_id"), goqu.C("workspace_id"),
		goqu.C("session_id"), goqu.C("operation_id"), goqu.C("data_payload"),
		goqu.C("created_at"), goqu.C("reconciled_at"),
	}
}

// rowScanner covers both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var realID sql.NullInt64
	var workspaceID sql.NullInt64
	var operationID sql.NullString
	var payload []byte
	var createdAt int64
	var reconciledAt sql.NullInt64

	err := row.Scan(
		&rec.TempID, &realID, &rec.Status,
		&rec.EntityType, &rec.UserID, &workspaceID,
		&rec.SessionID, &operationID, &payload,
		&createdAt, &reconciledAt,
	)
	if err != nil {
		return nil, err
	}

	if realID.Valid {
		rec.RealID = &realID.Int64
	}
	if workspaceID.Valid {
		rec.WorkspaceID = &workspaceID.Int64
	}
	if operationID.Valid {
		rec.OperationID = &operationID.String
	}
	rec.CreatedAt = time.UnixMilli(createdAt)
	if reconciledAt.Valid {
		t := time.UnixMilli(reconciledAt.Int64)
		rec.ReconciledAt = &t
	}

	rec.Payload, err = encoding.DecodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload for %s: %w", rec.TempID, err)
	}

	return &rec, nil
}
