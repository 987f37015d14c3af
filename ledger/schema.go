package ledger

// Schemas returns the DDL statements for the ledger database.
// All timestamps are unix milliseconds (INTEGER) for cheap range scans.
func Schemas() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS reconciliation_ledger (
			temp_id       TEXT PRIMARY KEY,
			real_id       INTEGER,
			status        TEXT NOT NULL DEFAULT 'PENDING',
			entity_type   TEXT NOT NULL,
			user_id       INTEGER NOT NULL,
			workspace_id  INTEGER,
			session_id    TEXT NOT NULL DEFAULT '',
			operation_id  TEXT UNIQUE,
			data_payload  BLOB,
			created_at    INTEGER NOT NULL,
			reconciled_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_user_status
			ON reconciliation_ledger(user_id, status, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_status_created
			ON reconciliation_ledger(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_real_id
			ON reconciliation_ledger(real_id) WHERE real_id IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS workspace_sequence_counter (
			workspace_id INTEGER PRIMARY KEY,
			counter      INTEGER NOT NULL DEFAULT 0,
			updated_at   INTEGER NOT NULL
		)`,
	}
}
