// Package catalog provides the sync-run catalog (sync_catalog.db).
// The catalog is a SQLite database recording every synchronization run
// per (session, device), so batch triage can find failed sessions
// without re-reading the per-session JSON records.
package catalog

// CreateRunsTableSQL creates the core sync_runs table. One row per
// (session, device) pair; re-running a session updates the row in place.
const CreateRunsTableSQL = `
CREATE TABLE IF NOT EXISTS sync_runs (
    run_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    device_serial TEXT NOT NULL,
    pulse_count INTEGER NOT NULL,
    flash_count INTEGER NOT NULL,
    discrepancy_ms REAL,
    passed INTEGER NOT NULL DEFAULT 0,
    record_path TEXT NOT NULL,
    error_code TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (session_id, device_serial)
)`

// CreateRunsIndexesSQL creates indexes for batch triage queries.
var CreateRunsIndexesSQL = []string{
	// Index for listing failed runs across all sessions
	`CREATE INDEX IF NOT EXISTS idx_runs_passed ON sync_runs(passed, updated_at)`,

	// Index for per-session lookups
	`CREATE INDEX IF NOT EXISTS idx_runs_session ON sync_runs(session_id)`,
}

// AllSchemaSQL returns all SQL statements needed to initialize the catalog.
func AllSchemaSQL() []string {
	stmts := []string{CreateRunsTableSQL}
	stmts = append(stmts, CreateRunsIndexesSQL...)
	return stmts
}
