package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bartulem/usv-playpen/internal/errors"
)

// Run is one synchronization run outcome for a (session, device) pair.
type Run struct {
	RunID         string
	SessionID     string
	DeviceSerial  string
	PulseCount    int64
	FlashCount    int64
	DiscrepancyMS *float64
	Passed        bool
	RecordPath    string
	ErrorCode     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Catalog records sync-run outcomes.
type Catalog interface {
	// RecordRun upserts the outcome for the run's (session, device) pair.
	RecordRun(ctx context.Context, run *Run) error

	// GetRun retrieves the latest outcome for a (session, device) pair.
	GetRun(ctx context.Context, sessionID, deviceSerial string) (*Run, error)

	// ListRuns returns all outcomes for one session, device order.
	ListRuns(ctx context.Context, sessionID string) ([]*Run, error)

	// FailedRuns returns all runs that did not pass validation,
	// most recent first.
	FailedRuns(ctx context.Context) ([]*Run, error)

	// Close closes the catalog database connections.
	Close() error
}

// SQLiteCatalog implements Catalog using SQLite.
type SQLiteCatalog struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	dbPath string
	mu     sync.Mutex // Write-only lock

	upsertStmt *sql.Stmt
}

// NewCatalog opens (creating if needed) the catalog at dbPath.
func NewCatalog(dbPath string) (*SQLiteCatalog, error) {
	// Write connection: single writer with WAL mode
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.NewCatalogError(errors.CodeCatalogWriteFailed,
			fmt.Sprintf("open catalog %s: %v", dbPath, err), err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		db.Close()
		return nil, errors.NewCatalogError(errors.CodeCatalogWriteFailed,
			fmt.Sprintf("open catalog read pool %s: %v", dbPath, err), err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	c := &SQLiteCatalog{db: db, readDB: readDB, dbPath: dbPath}

	if err := c.initSchema(); err != nil {
		readDB.Close()
		db.Close()
		return nil, err
	}

	upsert, err := db.Prepare(`
		INSERT INTO sync_runs (
			run_id, session_id, device_serial,
			pulse_count, flash_count,
			discrepancy_ms, passed, record_path, error_code,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, device_serial) DO UPDATE SET
			run_id = excluded.run_id,
			pulse_count = excluded.pulse_count,
			flash_count = excluded.flash_count,
			discrepancy_ms = excluded.discrepancy_ms,
			passed = excluded.passed,
			record_path = excluded.record_path,
			error_code = excluded.error_code,
			updated_at = excluded.updated_at`)
	if err != nil {
		readDB.Close()
		db.Close()
		return nil, errors.NewCatalogError(errors.CodeCatalogWriteFailed,
			fmt.Sprintf("prepare upsert: %v", err), err)
	}
	c.upsertStmt = upsert

	return c, nil
}

func (c *SQLiteCatalog) initSchema() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := c.db.Exec(stmt); err != nil {
			return errors.NewCatalogError(errors.CodeCatalogWriteFailed,
				fmt.Sprintf("initialize catalog schema: %v", err), err)
		}
	}
	return nil
}

// RecordRun upserts the outcome for the run's (session, device) pair.
// Re-recording the same run is a no-op beyond bumping updated_at.
func (c *SQLiteCatalog) RecordRun(ctx context.Context, run *Run) error {
	if run.SessionID == "" || run.DeviceSerial == "" {
		return errors.NewCatalogError(errors.CodeCatalogWriteFailed,
			"run requires session id and device serial", nil)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().Unix()
	created := run.CreatedAt.Unix()
	if run.CreatedAt.IsZero() {
		created = now
	}

	_, err := c.upsertStmt.ExecContext(ctx,
		run.RunID, run.SessionID, run.DeviceSerial,
		run.PulseCount, run.FlashCount,
		run.DiscrepancyMS, boolToInt(run.Passed), run.RecordPath, run.ErrorCode,
		created, now,
	)
	if err != nil {
		return errors.NewCatalogError(errors.CodeCatalogWriteFailed,
			fmt.Sprintf("record run: %v", err), err).
			ForUnit(run.SessionID, run.DeviceSerial)
	}
	return nil
}

const runColumns = `run_id, session_id, device_serial, pulse_count, flash_count,
	discrepancy_ms, passed, record_path, error_code, created_at, updated_at`

// GetRun retrieves the latest outcome for a (session, device) pair.
func (c *SQLiteCatalog) GetRun(ctx context.Context, sessionID, deviceSerial string) (*Run, error) {
	row := c.readDB.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM sync_runs WHERE session_id = ? AND device_serial = ?`,
		sessionID, deviceSerial)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewCatalogError(errors.CodeRecordNotFound,
			fmt.Sprintf("no run for session %q device %q", sessionID, deviceSerial), nil).
			ForUnit(sessionID, deviceSerial)
	}
	if err != nil {
		return nil, errors.NewCatalogError(errors.CodeUnexpected,
			fmt.Sprintf("query run: %v", err), err)
	}
	return run, nil
}

// ListRuns returns all outcomes for one session.
func (c *SQLiteCatalog) ListRuns(ctx context.Context, sessionID string) ([]*Run, error) {
	rows, err := c.readDB.QueryContext(ctx,
		`SELECT `+runColumns+` FROM sync_runs WHERE session_id = ? ORDER BY device_serial`,
		sessionID)
	if err != nil {
		return nil, errors.NewCatalogError(errors.CodeUnexpected,
			fmt.Sprintf("list runs: %v", err), err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// FailedRuns returns all runs that did not pass validation.
func (c *SQLiteCatalog) FailedRuns(ctx context.Context) ([]*Run, error) {
	rows, err := c.readDB.QueryContext(ctx,
		`SELECT `+runColumns+` FROM sync_runs WHERE passed = 0 ORDER BY updated_at DESC`)
	if err != nil {
		return nil, errors.NewCatalogError(errors.CodeUnexpected,
			fmt.Sprintf("list failed runs: %v", err), err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// Close closes both database connections.
func (c *SQLiteCatalog) Close() error {
	if c.upsertStmt != nil {
		c.upsertStmt.Close()
	}
	rerr := c.readDB.Close()
	werr := c.db.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var passed int
	var createdAt, updatedAt int64
	err := row.Scan(
		&run.RunID, &run.SessionID, &run.DeviceSerial,
		&run.PulseCount, &run.FlashCount,
		&run.DiscrepancyMS, &passed, &run.RecordPath, &run.ErrorCode,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Passed = passed != 0
	run.CreatedAt = time.Unix(createdAt, 0)
	run.UpdatedAt = time.Unix(updatedAt, 0)
	return &run, nil
}

func collectRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.NewCatalogError(errors.CodeUnexpected,
				fmt.Sprintf("scan run: %v", err), err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewCatalogError(errors.CodeUnexpected,
			fmt.Sprintf("iterate runs: %v", err), err)
	}
	return runs, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
