package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mimir-aip/predict-client/pkg/models"
)

const maxBusyRetries = 5

// SQLiteStore keeps the journal in a SQLite database
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the journal at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Pragmas in the DSN apply to every pooled connection.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Writes are serialized by SQLite anyway, keep the pool small.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to check journal mode: %w", err)
	}
	// In-memory databases report "memory".
	if journalMode != "wal" && journalMode != "delete" && journalMode != "memory" {
		db.Close()
		return nil, fmt.Errorf("unexpected journal mode: got %s", journalMode)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// retryOnBusy retries operation while SQLite reports the database locked,
// backing off 10ms, 20ms, 40ms...
func (s *SQLiteStore) retryOnBusy(ctx context.Context, operation func() error) error {
	var err error
	for i := 0; i < maxBusyRetries; i++ {
		err = operation()
		if err == nil || !strings.Contains(err.Error(), "SQLITE_BUSY") {
			return err
		}

		backoff := time.Duration(10*(1<<uint(i))) * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("operation failed after %d retries: %w", maxBusyRetries, err)
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		api_name TEXT NOT NULL,
		fn_index INTEGER NOT NULL,
		session_hash TEXT NOT NULL,
		state TEXT NOT NULL,
		code TEXT NOT NULL,
		success INTEGER,
		error TEXT,
		output_count INTEGER NOT NULL,
		submitted_at INTEGER NOT NULL,
		completed_at INTEGER NOT NULL,
		data TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_api_name ON jobs(api_name);
	CREATE INDEX IF NOT EXISTS idx_jobs_submitted_at ON jobs(submitted_at);

	CREATE TABLE IF NOT EXISTS scheduled_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		schedule TEXT NOT NULL,
		job_id TEXT NOT NULL,
		state TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		completed_at INTEGER NOT NULL,
		data TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_scheduled_runs_schedule ON scheduled_runs(schedule);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveRecord stores record, replacing any earlier record with the same ID
func (s *SQLiteStore) SaveRecord(ctx context.Context, record *models.JobRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal job record: %w", err)
	}

	var success sql.NullBool
	if record.Success != nil {
		success = sql.NullBool{Bool: *record.Success, Valid: true}
	}

	query := `
		INSERT OR REPLACE INTO jobs (id, api_name, fn_index, session_hash, state, code, success, error, output_count, submitted_at, completed_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	err = s.retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query,
			record.ID,
			record.APIName,
			record.FnIndex,
			record.SessionHash,
			string(record.State),
			record.Code.String(),
			success,
			record.Error,
			record.OutputCount,
			record.SubmittedAt.UnixNano(),
			record.CompletedAt.UnixNano(),
			string(data),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save job record: %w", err)
	}
	return nil
}

// GetRecord retrieves a job record by ID
func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*models.JobRecord, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM jobs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job record: %w", err)
	}

	var record models.JobRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job record: %w", err)
	}
	return &record, nil
}

// ListRecent lists the most recently submitted jobs, newest first
func (s *SQLiteStore) ListRecent(ctx context.Context, limit int) ([]*models.JobRecord, error) {
	query := `SELECT data FROM jobs ORDER BY submitted_at DESC LIMIT ?`
	return s.queryRecords(ctx, query, limitOrAll(limit))
}

// ListByEndpoint lists the most recent jobs submitted to apiName
func (s *SQLiteStore) ListByEndpoint(ctx context.Context, apiName string, limit int) ([]*models.JobRecord, error) {
	query := `SELECT data FROM jobs WHERE api_name = ? ORDER BY submitted_at DESC LIMIT ?`
	return s.queryRecords(ctx, query, apiName, limitOrAll(limit))
}

func (s *SQLiteStore) queryRecords(ctx context.Context, query string, args ...any) ([]*models.JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list job records: %w", err)
	}
	defer rows.Close()

	records := make([]*models.JobRecord, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			continue
		}

		var record models.JobRecord
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			continue
		}
		records = append(records, &record)
	}
	return records, rows.Err()
}

// DeleteBefore removes jobs that completed before t and returns how many
// were removed
func (s *SQLiteStore) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	var deleted int64
	err := s.retryOnBusy(ctx, func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE completed_at < ?`, t.UnixNano())
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete job records: %w", err)
	}
	return deleted, nil
}

// SaveRun appends a scheduled run
func (s *SQLiteStore) SaveRun(ctx context.Context, run *models.ScheduledRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal scheduled run: %w", err)
	}

	query := `
		INSERT INTO scheduled_runs (schedule, job_id, state, started_at, completed_at, data)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	err = s.retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query,
			run.Schedule,
			run.JobID,
			string(run.State),
			run.StartedAt.UnixNano(),
			run.CompletedAt.UnixNano(),
			string(data),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save scheduled run: %w", err)
	}
	return nil
}

// ListRuns lists the most recent runs of schedule, newest first. An empty
// schedule lists runs of every schedule.
func (s *SQLiteStore) ListRuns(ctx context.Context, schedule string, limit int) ([]*models.ScheduledRun, error) {
	query := `SELECT data FROM scheduled_runs WHERE (? = '' OR schedule = ?) ORDER BY started_at DESC, id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, schedule, schedule, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*models.ScheduledRun, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			continue
		}

		var run models.ScheduledRun
		if err := json.Unmarshal([]byte(data), &run); err != nil {
			continue
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// limitOrAll maps a non-positive limit to SQLite's "no limit"
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
