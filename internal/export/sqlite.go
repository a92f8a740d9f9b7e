package export

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed implementation of Store.
//
// Timestamps are stored as unix milliseconds so range predicates compare
// numerically. The pool is pinned to a single connection: SQLite admits one
// writer at a time, and every read-modify-write on a job row is therefore
// serialized without extra locking.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err = db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS export_jobs (
			id                TEXT PRIMARY KEY,
			export_type       TEXT NOT NULL,
			requested_by      TEXT NOT NULL DEFAULT '',
			callback_url      TEXT NOT NULL DEFAULT '',
			total_records     INTEGER NOT NULL,
			total_batches     INTEGER NOT NULL,
			processed_batches INTEGER NOT NULL DEFAULT 0,
			completed_batches INTEGER NOT NULL DEFAULT 0,
			failed_batches    INTEGER NOT NULL DEFAULT 0,
			status            TEXT NOT NULL,
			result_path       TEXT NOT NULL DEFAULT '',
			created_at        INTEGER NOT NULL,
			updated_at        INTEGER NOT NULL,
			completed_at      INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_export_jobs_status     ON export_jobs(status);
		CREATE INDEX IF NOT EXISTS idx_export_jobs_updated_at ON export_jobs(updated_at);

		CREATE TABLE IF NOT EXISTS export_batches (
			id                TEXT PRIMARY KEY,
			job_id            TEXT NOT NULL,
			batch_number      INTEGER NOT NULL,
			start_offset      INTEGER NOT NULL,
			end_offset        INTEGER NOT NULL,
			status            TEXT NOT NULL,
			retry_count       INTEGER NOT NULL DEFAULT 0,
			error_message     TEXT NOT NULL DEFAULT '',
			last_processed_at INTEGER,
			fragment_path     TEXT NOT NULL DEFAULT '',
			UNIQUE (job_id, batch_number)
		);
		CREATE INDEX IF NOT EXISTS idx_export_batches_job_status ON export_batches(job_id, status);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const jobColumns = `id, export_type, requested_by, callback_url, total_records, total_batches,
	processed_batches, completed_batches, failed_batches, status, result_path,
	created_at, updated_at, completed_at`

const batchColumns = `id, job_id, batch_number, start_offset, end_offset, status,
	retry_count, error_message, last_processed_at, fragment_path`

func (s *SQLiteStore) CreateJob(ctx context.Context, j *Job, batches []*Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create job: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO export_jobs
			(id, export_type, requested_by, callback_url, total_records, total_batches,
			 processed_batches, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
	`,
		j.ID, j.ExportType, j.RequestedBy, j.CallbackURL, j.TotalRecords, j.TotalBatches,
		j.Status, millis(j.CreatedAt), millis(j.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", j.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO export_batches
			(id, job_id, batch_number, start_offset, end_offset, status, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, 0)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch insert: %w", err)
	}
	defer stmt.Close()

	for _, b := range batches {
		if _, err := stmt.ExecContext(ctx, b.ID, j.ID, b.Number, b.StartOffset, b.EndOffset, BatchPending); err != nil {
			return fmt.Errorf("insert batch %d of job %s: %w", b.Number, j.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit job %s: %w", j.ID, err)
	}
	j.UpdatedAt = j.CreatedAt
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM export_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*Batch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM export_batches WHERE id = ?`, id)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", id, err)
	}
	return b, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]*Job, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM export_jobs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM export_jobs
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, total, nil
}

func (s *SQLiteStore) ListBatches(ctx context.Context, jobID string, statuses ...BatchStatus) ([]*Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM export_batches WHERE job_id = ?`
	args := []any{jobID}
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY batch_number`
	return s.queryBatches(ctx, query, args...)
}

func (s *SQLiteStore) BatchesForRetry(ctx context.Context, jobID string, maxRetries int) ([]*Batch, error) {
	args := []any{jobID}
	for _, st := range RetryableBatchStatuses {
		args = append(args, st)
	}
	args = append(args, maxRetries)
	return s.queryBatches(ctx, `
		SELECT `+batchColumns+` FROM export_batches
		WHERE job_id = ? AND status IN (`+placeholders(len(RetryableBatchStatuses))+`) AND retry_count < ?
		ORDER BY batch_number
	`, args...)
}

func (s *SQLiteStore) queryBatches(ctx context.Context, query string, args ...any) ([]*Batch, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return batches, nil
}

func (s *SQLiteStore) CountBatches(ctx context.Context, jobID string) (Counts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM export_batches WHERE job_id = ? GROUP BY status
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("count batches for job %s: %w", jobID, err)
	}
	defer rows.Close()

	counts := Counts{}
	for rows.Next() {
		var st BatchStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan batch count: %w", err)
		}
		counts[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batch counts: %w", err)
	}
	return counts, nil
}

func (s *SQLiteStore) MarkBatchInProgress(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE export_batches
		SET retry_count = retry_count + CASE WHEN status = ? THEN 1 ELSE 0 END,
		    status = ?, last_processed_at = ?
		WHERE id = ?
	`, BatchInProgress, BatchInProgress, millis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark batch %s in progress: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) CompleteBatch(ctx context.Context, id, fragmentPath string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin complete batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := millis(time.Now())
	res, err := tx.ExecContext(ctx, `
		UPDATE export_batches
		SET status = ?, fragment_path = ?, error_message = '', last_processed_at = ?
		WHERE id = ? AND status != ?
	`, BatchCompleted, fragmentPath, now, id, BatchCompleted)
	if err != nil {
		return false, fmt.Errorf("complete batch %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete batch %s: %w", id, err)
	}
	if n == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE export_jobs
		SET processed_batches = processed_batches + 1, updated_at = ?
		WHERE id = (SELECT job_id FROM export_batches WHERE id = ?)
		AND processed_batches < total_batches
	`, now, id)
	if err != nil {
		return false, fmt.Errorf("increment processed batches for batch %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit batch %s: %w", id, err)
	}
	return true, nil
}

func (s *SQLiteStore) FailBatch(ctx context.Context, id, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fail batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := millis(time.Now())
	_, err = tx.ExecContext(ctx, `
		UPDATE export_batches
		SET status = ?, error_message = ?, retry_count = retry_count + 1, last_processed_at = ?
		WHERE id = ? AND status != ?
	`, BatchFailed, errMsg, now, id, BatchCompleted)
	if err != nil {
		return fmt.Errorf("fail batch %s: %w", id, err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE export_jobs SET updated_at = ?
		WHERE id = (SELECT job_id FROM export_batches WHERE id = ?)
	`, now, id)
	if err != nil {
		return fmt.Errorf("touch job for batch %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ReleaseBatch(ctx context.Context, id string, status BatchStatus, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin release batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := millis(time.Now())
	_, err = tx.ExecContext(ctx, `
		UPDATE export_batches SET status = ?, error_message = ?, last_processed_at = ?
		WHERE id = ? AND status != ?
	`, status, errMsg, now, id, BatchCompleted)
	if err != nil {
		return fmt.Errorf("release batch %s: %w", id, err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE export_jobs SET updated_at = ?
		WHERE id = (SELECT job_id FROM export_batches WHERE id = ?)
	`, now, id)
	if err != nil {
		return fmt.Errorf("touch job for batch %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ReopenJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE export_jobs
		SET status = ?, result_path = '', completed_at = NULL, updated_at = ?
		WHERE id = ?
	`, JobInProgress, millis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("reopen job %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) FinishJob(ctx context.Context, j *Job) error {
	var completedAt any
	if j.CompletedAt != nil {
		completedAt = millis(*j.CompletedAt)
	}
	resultPath := ""
	if j.Status.HasArtifact() {
		resultPath = j.ResultPath
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE export_jobs
		SET status = ?, result_path = ?, completed_at = ?,
		    completed_batches = ?, failed_batches = ?, updated_at = ?
		WHERE id = ?
	`, j.Status, resultPath, completedAt, j.CompletedBatches, j.FailedBatches, millis(time.Now()), j.ID)
	if err != nil {
		return fmt.Errorf("finish job %s: %w", j.ID, err)
	}
	return nil
}

func (s *SQLiteStore) FindStale(ctx context.Context, cutoff time.Time, maxRetries int) ([]string, error) {
	args := []any{millis(cutoff), JobPending, JobInProgress, JobFailed, JobPartiallyCompleted}
	for _, st := range RetryableBatchStatuses {
		args = append(args, st)
	}
	args = append(args, maxRetries)

	rows, err := s.db.QueryContext(ctx, `
		SELECT j.id FROM export_jobs j
		WHERE j.updated_at < ?
		AND (
			j.status IN (?, ?)
			OR (j.status IN (?, ?) AND EXISTS (
				SELECT 1 FROM export_batches b
				WHERE b.job_id = j.id
				AND b.status IN (`+placeholders(len(RetryableBatchStatuses))+`)
				AND b.retry_count < ?
			))
		)
		ORDER BY j.updated_at
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query stale jobs: %w", err)
	}
	return collectIDs(rows)
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete job: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM export_batches WHERE job_id = ?`, id); err != nil {
		return fmt.Errorf("delete batches of job %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM export_jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) FindExpired(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM export_jobs
		WHERE status IN (?, ?, ?, ?)
		AND completed_at IS NOT NULL
		AND completed_at < ?
		ORDER BY completed_at
	`, JobCompleted, JobPartiallyCompleted, JobFailed, JobCancelled, millis(before))
	if err != nil {
		return nil, fmt.Errorf("query expired jobs: %w", err)
	}
	return collectIDs(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	j := &Job{}
	var createdAt, updatedAt int64
	var completedAt sql.NullInt64
	err := row.Scan(
		&j.ID, &j.ExportType, &j.RequestedBy, &j.CallbackURL, &j.TotalRecords, &j.TotalBatches,
		&j.ProcessedBatches, &j.CompletedBatches, &j.FailedBatches, &j.Status, &j.ResultPath,
		&createdAt, &updatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	j.CreatedAt = fromMillis(createdAt)
	j.UpdatedAt = fromMillis(updatedAt)
	if completedAt.Valid {
		t := fromMillis(completedAt.Int64)
		j.CompletedAt = &t
	}
	return j, nil
}

func scanBatch(row scanner) (*Batch, error) {
	b := &Batch{}
	var lastProcessed sql.NullInt64
	err := row.Scan(
		&b.ID, &b.JobID, &b.Number, &b.StartOffset, &b.EndOffset, &b.Status,
		&b.RetryCount, &b.ErrorMessage, &lastProcessed, &b.FragmentPath,
	)
	if err != nil {
		return nil, err
	}
	if lastProcessed.Valid {
		t := fromMillis(lastProcessed.Int64)
		b.LastProcessedAt = &t
	}
	return b, nil
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job ids: %w", err)
	}
	return ids, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
