package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/couchcryptid/cams-data-etl/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// LedgerFile is the name of the ledger database inside the base directory.
const LedgerFile = "state.db"

// ErrBatchNotPending is returned when completing a batch that is unknown or
// already done.
var ErrBatchNotPending = errors.New("batch is not pending")

const schema = `
CREATE TABLE IF NOT EXISTS batches (
	id            INTEGER PRIMARY KEY,
	file          TEXT    NOT NULL UNIQUE,
	locations     INTEGER NOT NULL,
	status        TEXT    NOT NULL DEFAULT 'pending',
	attempts      INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT    NOT NULL DEFAULT '',
	result_file   TEXT    NOT NULL DEFAULT '',
	result_sha256 TEXT    NOT NULL DEFAULT '',
	row_count     INTEGER NOT NULL DEFAULT 0,
	updated_at    TEXT    NOT NULL
);
CREATE TABLE IF NOT EXISTS daily_requests (
	day      TEXT    PRIMARY KEY,
	requests INTEGER NOT NULL
);`

// Ledger is the batch-status table and daily request counter, backed by SQLite.
// It is the source of truth for which batches are done.
type Ledger struct {
	db *sql.DB
}

// OpenLedger opens (or creates) the ledger at dbPath and applies the schema.
func OpenLedger(ctx context.Context, dbPath string) (*Ledger, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	// One writer; keeps pragmas on a single connection.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
		schema,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close() //nolint:errcheck // already failing
			return nil, fmt.Errorf("init ledger: %w", err)
		}
	}
	return &Ledger{db: db}, nil
}

// Close closes the underlying database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// ---------------------------------------------------------------------------
// Batches
// ---------------------------------------------------------------------------

// CreateBatches inserts pending rows for batches in a single transaction.
func (l *Ledger) CreateBatches(ctx context.Context, batches []domain.Batch) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO batches (id, file, locations, status, updated_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := formatTime(domain.Now())
	for _, b := range batches {
		if _, err := stmt.ExecContext(ctx, b.ID, b.File, b.Locations, domain.BatchPending, now); err != nil {
			return fmt.Errorf("insert batch %d: %w", b.ID, err)
		}
	}
	return tx.Commit()
}

// List returns every batch in id order.
func (l *Ledger) List(ctx context.Context) ([]domain.Batch, error) {
	return l.query(ctx, `SELECT `+batchColumns+` FROM batches ORDER BY id`)
}

// Pending returns pending batches in id order.
func (l *Ledger) Pending(ctx context.Context) ([]domain.Batch, error) {
	return l.query(ctx, `SELECT `+batchColumns+` FROM batches WHERE status = ? ORDER BY id`, domain.BatchPending)
}

// Get returns a single batch by id.
func (l *Ledger) Get(ctx context.Context, id int) (domain.Batch, error) {
	batches, err := l.query(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, id)
	if err != nil {
		return domain.Batch{}, err
	}
	if len(batches) == 0 {
		return domain.Batch{}, fmt.Errorf("batch %d: %w", id, sql.ErrNoRows)
	}
	return batches[0], nil
}

// MarkDone transitions a pending batch to done and records its result.
// Returns ErrBatchNotPending if the batch is unknown or already done.
func (l *Ledger) MarkDone(ctx context.Context, id int, result domain.ResultInfo) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE batches
		SET status = ?, attempts = attempts + 1, last_error = '',
		    result_file = ?, result_sha256 = ?, row_count = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		domain.BatchDone, result.Path, result.SHA256, result.Rows, formatTime(domain.Now()),
		id, domain.BatchPending)
	if err != nil {
		return fmt.Errorf("mark batch %d done: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark batch %d done: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("batch %d: %w", id, ErrBatchNotPending)
	}
	return nil
}

// RecordFailure counts a failed attempt and stores its error. The batch stays pending.
func (l *Ledger) RecordFailure(ctx context.Context, id int, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := l.db.ExecContext(ctx, `
		UPDATE batches SET attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		msg, formatTime(domain.Now()), id, domain.BatchPending)
	if err != nil {
		return fmt.Errorf("record failure for batch %d: %w", id, err)
	}
	return nil
}

const batchColumns = `id, file, locations, status, attempts, last_error, result_file, result_sha256, row_count, updated_at`

func (l *Ledger) query(ctx context.Context, q string, args ...any) ([]domain.Batch, error) {
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var batches []domain.Batch
	for rows.Next() {
		var (
			b       domain.Batch
			status  string
			updated string
		)
		if err := rows.Scan(&b.ID, &b.File, &b.Locations, &status, &b.Attempts, &b.LastError,
			&b.ResultFile, &b.ResultSHA256, &b.Rows, &updated); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		b.Status = domain.BatchStatus(status)
		if b.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
			return nil, fmt.Errorf("batch %d updated_at: %w", b.ID, err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// ---------------------------------------------------------------------------
// Daily request counter
// ---------------------------------------------------------------------------

// RequestsOn returns the number of service requests recorded for day.
func (l *Ledger) RequestsOn(ctx context.Context, day string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT requests FROM daily_requests WHERE day = ?`, day).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read requests for %s: %w", day, err)
	}
	return n, nil
}

// AddRequests increments the request counter for day.
func (l *Ledger) AddRequests(ctx context.Context, day string, n int) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO daily_requests (day, requests) VALUES (?, ?)
		ON CONFLICT(day) DO UPDATE SET requests = requests + excluded.requests`, day, n)
	if err != nil {
		return fmt.Errorf("add requests for %s: %w", day, err)
	}
	return nil
}

// SaturateDay raises the counter for day to at least quota so no further
// requests are attempted that day.
func (l *Ledger) SaturateDay(ctx context.Context, day string, quota int) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO daily_requests (day, requests) VALUES (?, ?)
		ON CONFLICT(day) DO UPDATE SET requests = MAX(requests, excluded.requests)`, day, quota)
	if err != nil {
		return fmt.Errorf("saturate %s: %w", day, err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
