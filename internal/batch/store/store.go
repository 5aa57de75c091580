// batchd is a self-hosted batch-inference server.
// Copyright (C) 2026 batchd contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store provides a SQLite-backed persistence layer for batchd:
// schema migrations, CRUD for jobs/files/failed requests, and the
// compare-and-set leasing helpers the scheduler uses to claim and
// crash-resume jobs without an external lock service.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"batchd/internal/batch/model"
)

const (
	defaultBusyTimeout = 5 * time.Second

	schemaVersionKey = "schema_version"
)

// ErrNotFound indicates no rows matched the query.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a compare-and-set update affected zero rows because
// the row's state no longer matched the expected precondition.
var ErrConflict = errors.New("conflict")

// Store wraps a SQLite database connection and provides typed accessors.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a transaction, rolling back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly:  false,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	const target = 1

	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}

	if cur != target {
		// Future migrations go here.
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS files (
  id         TEXT PRIMARY KEY,
  purpose    TEXT NOT NULL CHECK (purpose IN ('input','output','error')),
  size_bytes INTEGER NOT NULL,
  created_at TIMESTAMP NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS jobs (
  id                TEXT PRIMARY KEY,
  input_file_id     TEXT NOT NULL REFERENCES files(id) ON DELETE RESTRICT,
  output_file_id    TEXT NULL REFERENCES files(id) ON DELETE SET NULL,
  error_file_id     TEXT NULL REFERENCES files(id) ON DELETE SET NULL,
  endpoint          TEXT NOT NULL,
  completion_window TEXT NOT NULL DEFAULT '24h',
  model_name        TEXT NOT NULL,
  status            TEXT NOT NULL CHECK (status IN ('validating','in_progress','finalizing','completed','failed','expired','cancelling','cancelled')),
  request_total     INTEGER NOT NULL DEFAULT 0,
  request_completed INTEGER NOT NULL DEFAULT 0,
  request_failed    INTEGER NOT NULL DEFAULT 0,
  created_at        TIMESTAMP NOT NULL,
  started_at        TIMESTAMP NULL,
  finished_at       TIMESTAMP NULL,
  checkpoint        INTEGER NOT NULL DEFAULT 0,
  metadata          TEXT NULL,
  webhook_url       TEXT NOT NULL DEFAULT '',
  webhook_secret    TEXT NOT NULL DEFAULT '',
  priority          INTEGER NOT NULL DEFAULT 0,
  attempt_count     INTEGER NOT NULL DEFAULT 0,
  last_error        TEXT NULL,
  cancel_requested  INTEGER NOT NULL DEFAULT 0,
  worker_id         TEXT NULL,
  lease_expires_at  TIMESTAMP NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_priority ON jobs(status, priority DESC, created_at ASC);`,

		`CREATE TABLE IF NOT EXISTS failed_requests (
  id            INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id        TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
  custom_id     TEXT NOT NULL,
  request_index INTEGER NOT NULL,
  error_code    TEXT NOT NULL,
  error_message TEXT NOT NULL,
  retry_count   INTEGER NOT NULL DEFAULT 0,
  created_at    TIMESTAMP NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_failed_requests_job ON failed_requests(job_id);`,

		`CREATE TABLE IF NOT EXISTS webhook_deliveries (
  id               INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id           TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
  event            TEXT NOT NULL,
  url              TEXT NOT NULL,
  attempt_count    INTEGER NOT NULL DEFAULT 0,
  next_attempt_at  TIMESTAMP NOT NULL,
  last_status_code INTEGER NOT NULL DEFAULT 0,
  last_error       TEXT NULL,
  terminal         INTEGER NOT NULL DEFAULT 0,
  created_at       TIMESTAMP NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_pending ON webhook_deliveries(terminal, next_attempt_at);`,

		`CREATE TABLE IF NOT EXISTS worker_heartbeats (
  worker_id           TEXT PRIMARY KEY,
  last_seen_at        TIMESTAMP NOT NULL,
  status              TEXT NOT NULL,
  current_job_id      TEXT NULL,
  gpu_memory_fraction REAL NOT NULL DEFAULT 0,
  gpu_temperature     REAL NOT NULL DEFAULT 0,
  loaded_model_name   TEXT NULL
);`,

		`CREATE TABLE IF NOT EXISTS model_registry (
  name               TEXT PRIMARY KEY,
  canonical_id       TEXT NOT NULL,
  max_context_tokens INTEGER NOT NULL,
  chat_template_hint TEXT NOT NULL DEFAULT '',
  default_sampling   TEXT NULL,
  estimated_vram_gb  REAL NOT NULL DEFAULT 0
);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Settings helpers ---------------

// SetSetting upserts a key/value in settings.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, key, value)
	return err
}

// GetSetting returns the value for key or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var v string
	if err := s.db.QueryRowContext(ctx, q, key).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return v, nil
}

// --------------- Files ---------------

// InsertFile persists a new blob-store-backed file record.
func (s *Store) InsertFile(ctx context.Context, f model.File) error {
	const ins = `INSERT INTO files(id, purpose, size_bytes, created_at) VALUES(?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, ins, f.ID, string(f.Purpose), f.SizeBytes, f.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

// GetFile retrieves a file record by ID.
func (s *Store) GetFile(ctx context.Context, id string) (*model.File, error) {
	const q = `SELECT id, purpose, size_bytes, created_at FROM files WHERE id=?`
	var f model.File
	var purpose string
	err := s.db.QueryRowContext(ctx, q, id).Scan(&f.ID, &purpose, &f.SizeBytes, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	f.Purpose = model.FilePurpose(purpose)
	f.CreatedAt = f.CreatedAt.UTC()
	return &f, nil
}

// --------------- Jobs ---------------

// InsertJob inserts a new job row. The caller must set Job.ID.
func (s *Store) InsertJob(ctx context.Context, j *model.Job) error {
	const ins = `
INSERT INTO jobs (id, input_file_id, output_file_id, error_file_id, endpoint, completion_window,
  model_name, status, request_total, request_completed, request_failed, created_at, started_at,
  finished_at, checkpoint, metadata, webhook_url, webhook_secret, priority, attempt_count, last_error,
  cancel_requested)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`

	_, err := s.db.ExecContext(ctx, ins,
		j.ID, j.InputFileID, nullIfEmptyPtr(j.OutputFileID), nullIfEmptyPtr(j.ErrorFileID), j.Endpoint,
		j.CompletionWindow, j.ModelName, j.Status.String(), j.RequestCounts.Total, j.RequestCounts.Completed,
		j.RequestCounts.Failed, j.CreatedAt.UTC(), nullTimePtr(j.StartedAt), nullTimePtr(j.FinishedAt),
		j.Checkpoint, nullIfEmptyRaw(j.Metadata), j.WebhookURL, j.WebhookSecret, j.Priority, j.AttemptCount,
		nullIfEmptyPtr(j.LastError), boolToInt(j.CancelRequested))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

const jobColumns = `id, input_file_id, output_file_id, error_file_id, endpoint, completion_window,
  model_name, status, request_total, request_completed, request_failed, created_at, started_at,
  finished_at, checkpoint, metadata, webhook_url, webhook_secret, priority, attempt_count, last_error,
  cancel_requested`

func scanJob(row interface{ Scan(...any) error }) (*model.Job, error) {
	var j model.Job
	var status string
	var outputFileID, errorFileID, metadata, lastError sql.NullString
	var startedAt, finishedAt sql.NullTime
	var cancelRequested int
	err := row.Scan(
		&j.ID, &j.InputFileID, &outputFileID, &errorFileID, &j.Endpoint, &j.CompletionWindow,
		&j.ModelName, &status, &j.RequestCounts.Total, &j.RequestCounts.Completed, &j.RequestCounts.Failed,
		&j.CreatedAt, &startedAt, &finishedAt, &j.Checkpoint, &metadata, &j.WebhookURL, &j.WebhookSecret,
		&j.Priority, &j.AttemptCount, &lastError, &cancelRequested)
	if err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	j.OutputFileID = fromNullStringPtr(outputFileID)
	j.ErrorFileID = fromNullStringPtr(errorFileID)
	j.CreatedAt = j.CreatedAt.UTC()
	j.StartedAt = fromNullTimePtr(startedAt)
	j.FinishedAt = fromNullTimePtr(finishedAt)
	j.LastError = fromNullStringPtr(lastError)
	j.CancelRequested = cancelRequested != 0
	if metadata.Valid {
		j.Metadata = []byte(metadata.String)
	}
	return &j, nil
}

// GetJobByID retrieves a job by ID.
func (s *Store) GetJobByID(ctx context.Context, id string) (*model.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=?`
	j, err := scanJob(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobsByStatus returns jobs in the given status ordered oldest first.
func (s *Store) ListJobsByStatus(ctx context.Context, status model.JobStatus) ([]*model.Job, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status: %s", status)
	}
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status=? ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, q, status.String())
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// SumQueuedRequests returns, over every non-terminal job (validating or
// in_progress), the sum of requests not yet checkpointed. The admission
// controller adds an incoming file's line count to this before comparing
// against MaxTotalQueuedRequests.
func (s *Store) SumQueuedRequests(ctx context.Context) (int, error) {
	const q = `SELECT COALESCE(SUM(request_total - checkpoint), 0) FROM jobs WHERE status IN ('validating','in_progress')`
	var total int
	if err := s.db.QueryRowContext(ctx, q).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum queued requests: %w", err)
	}
	return total, nil
}

// JobFilter narrows ListJobs to a page of jobs matching optional status
// and model criteria, newest first.
type JobFilter struct {
	Status *model.JobStatus
	Model  string
	Limit  int
	Offset int
}

// ListJobs returns jobs matching filter, ordered by created_at
// descending (stable pagination via the created_at, id tiebreak).
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]*model.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any
	if filter.Status != nil {
		if !filter.Status.Valid() {
			return nil, fmt.Errorf("invalid status: %s", *filter.Status)
		}
		q += ` AND status=?`
		args = append(args, filter.Status.String())
	}
	if filter.Model != "" {
		q += ` AND model_name=?`
		args = append(args, filter.Model)
	}
	q += ` ORDER BY created_at DESC, id DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	q += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// MarkValidated records a job's request total once admission has checked
// every line. The job stays validating: pickNext (AcquireNextJob) is the
// only transition into in_progress, so a job that has merely cleared
// admission but has no worker running it yet is never reported as
// in_progress. Returns ErrConflict if the job was not validating.
func (s *Store) MarkValidated(ctx context.Context, id string, total int) error {
	const upd = `UPDATE jobs SET request_total=? WHERE id=? AND status='validating'`
	return s.casUpdate(ctx, upd, total, id)
}

// MarkValidationFailed transitions a job from validating straight to failed.
func (s *Store) MarkValidationFailed(ctx context.Context, id, reason string) error {
	const upd = `UPDATE jobs SET status='failed', last_error=?, finished_at=? WHERE id=? AND status='validating'`
	return s.casUpdate(ctx, upd, reason, time.Now().UTC(), id)
}

// AcquireNextJob implements pickNext: it atomically claims the oldest,
// highest-priority validating job not already flagged for cancellation,
// assigning it to workerID and transitioning it to in_progress. Returns
// ErrNotFound if none are claimable. This is the single point of
// contention that enforces the one-job-in-flight invariant: callers
// never hold two leases at once because only one worker process ever
// calls this, and a job is never reported in_progress before a worker
// actually picked it up. Orphaned in_progress/finalizing jobs left
// behind by a crashed worker are not reclaimed here directly; see
// RequeueOrphaned, which resets them back to validating so they become
// claimable through this same path.
func (s *Store) AcquireNextJob(ctx context.Context, workerID string, leaseTTL time.Duration) (*model.Job, error) {
	now := time.Now().UTC()
	leaseUntil := now.Add(leaseTTL)

	var acquired *model.Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		const sel = `SELECT id FROM jobs
WHERE status='validating' AND cancel_requested=0
ORDER BY priority DESC, created_at ASC LIMIT 1`
		var id string
		if err := tx.QueryRowContext(ctx, sel).Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select claimable job: %w", err)
		}

		const upd = `UPDATE jobs SET status='in_progress', worker_id=?, lease_expires_at=?, started_at=? WHERE id=? AND status='validating' AND cancel_requested=0`
		res, err := tx.ExecContext(ctx, upd, workerID, leaseUntil, now, id)
		if err != nil {
			return fmt.Errorf("acquire job: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return ErrNotFound
		}

		q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=?`
		j, err := scanJob(tx.QueryRowContext(ctx, q, id))
		if err != nil {
			return err
		}
		acquired = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acquired, nil
}

// ExtendLease refreshes a held lease, asserting worker ownership.
func (s *Store) ExtendLease(ctx context.Context, jobID, workerID string, leaseTTL time.Duration) (bool, error) {
	now := time.Now().UTC()
	leaseUntil := now.Add(leaseTTL)
	const upd = `UPDATE jobs SET lease_expires_at=? WHERE id=? AND worker_id=? AND status='in_progress'`
	res, err := s.db.ExecContext(ctx, upd, leaseUntil, jobID, workerID)
	if err != nil {
		return false, fmt.Errorf("extend lease: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// SaveCheckpoint advances a job's checkpoint and running counts. Called
// after each chunk so a crash loses at most one chunk of work.
func (s *Store) SaveCheckpoint(ctx context.Context, jobID string, checkpoint, completed, failed int) error {
	const upd = `UPDATE jobs SET checkpoint=?, request_completed=?, request_failed=? WHERE id=? AND status='in_progress'`
	res, err := s.db.ExecContext(ctx, upd, checkpoint, completed, failed, jobID)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrConflict
	}
	return nil
}

// MarkFinalizing transitions a job from in_progress to finalizing once all
// request lines have been processed.
func (s *Store) MarkFinalizing(ctx context.Context, jobID string) error {
	const upd = `UPDATE jobs SET status='finalizing' WHERE id=? AND status='in_progress'`
	return s.casUpdate(ctx, upd, jobID)
}

// MarkCompleted transitions a job from finalizing to completed, attaching
// the output/error file IDs.
func (s *Store) MarkCompleted(ctx context.Context, jobID string, outputFileID string, errorFileID *string) error {
	const upd = `UPDATE jobs SET status='completed', output_file_id=?, error_file_id=?, finished_at=? WHERE id=? AND status='finalizing'`
	return s.casUpdate(ctx, upd, outputFileID, nullIfEmptyPtr(errorFileID), time.Now().UTC(), jobID)
}

// MarkFailed transitions a job to failed from any non-terminal status.
func (s *Store) MarkFailed(ctx context.Context, jobID, reason string) error {
	const upd = `UPDATE jobs SET status='failed', last_error=?, finished_at=? WHERE id=? AND status NOT IN ('completed','failed','expired','cancelled')`
	return s.casUpdate(ctx, upd, reason, time.Now().UTC(), jobID)
}

// MarkExpired transitions a job to expired once its completion_window has
// elapsed without reaching a terminal state.
func (s *Store) MarkExpired(ctx context.Context, jobID string, outputFileID, errorFileID *string) error {
	const upd = `UPDATE jobs SET status='expired', output_file_id=?, error_file_id=?, finished_at=? WHERE id=? AND status NOT IN ('completed','failed','expired','cancelled')`
	return s.casUpdate(ctx, upd, nullIfEmptyPtr(outputFileID), nullIfEmptyPtr(errorFileID), time.Now().UTC(), jobID)
}

// RequestCancel cancels a job. A job still validating has no scheduler
// loop running it yet to observe a flag, so it is cancelled immediately;
// an in_progress or finalizing job is flagged instead, and the scheduler
// observes it between chunks and finalizes it to cancelled itself.
func (s *Store) RequestCancel(ctx context.Context, jobID string) error {
	const direct = `UPDATE jobs SET status='cancelled', finished_at=? WHERE id=? AND status='validating'`
	res, err := s.db.ExecContext(ctx, direct, time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("cancel validating job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	const flag = `UPDATE jobs SET cancel_requested=1 WHERE id=? AND status IN ('in_progress','finalizing')`
	return s.casUpdate(ctx, flag, jobID)
}

// MarkCancelled transitions a non-terminal job whose cancel_requested flag
// is set to cancelled, attaching
// whatever output/error files the scheduler finalized from the partial
// work already durably written before the cancellation was observed.
func (s *Store) MarkCancelled(ctx context.Context, jobID string, outputFileID, errorFileID *string) error {
	const upd = `UPDATE jobs SET status='cancelled', output_file_id=?, error_file_id=?, finished_at=? WHERE id=? AND cancel_requested=1 AND status NOT IN ('completed','failed','expired','cancelled')`
	return s.casUpdate(ctx, upd, nullIfEmptyPtr(outputFileID), nullIfEmptyPtr(errorFileID), time.Now().UTC(), jobID)
}

// RequeueOrphaned resets in_progress or finalizing jobs whose lease has
// lapsed with no owner reachable, mirroring the teacher's
// RequeueProvisioningJob reclaim sweep. A job with no pending cancel
// goes back to validating so AcquireNextJob can pick it up again;
// checkpoint and counts are untouched, and the scheduler's processJob
// derives the true resume point from the output file's line count rather than
// trusting them anyway, so the job resumes at wherever its last
// durably-written chunk left off rather than restarting from scratch.
// A job whose cancellation was requested but never observed by a worker
// before it crashed is finalized straight to cancelled instead, since
// there is no longer a running chunk loop that would ever notice the
// flag once it went back to validating.
func (s *Store) RequeueOrphaned(ctx context.Context) (requeued int64, cancelledJobIDs []string, err error) {
	now := time.Now().UTC()

	const selCancel = `SELECT id FROM jobs
WHERE status IN ('in_progress','finalizing') AND cancel_requested=1 AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`
	rows, err := s.db.QueryContext(ctx, selCancel, now)
	if err != nil {
		return 0, nil, fmt.Errorf("select orphaned cancellations: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, nil, fmt.Errorf("scan orphaned cancellation: %w", err)
		}
		cancelledJobIDs = append(cancelledJobIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("iterate orphaned cancellations: %w", err)
	}

	const cancelOrphaned = `UPDATE jobs SET status='cancelled', worker_id=NULL, lease_expires_at=NULL, finished_at=?
WHERE status IN ('in_progress','finalizing') AND cancel_requested=1 AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`
	if _, err := s.db.ExecContext(ctx, cancelOrphaned, now, now); err != nil {
		return 0, nil, fmt.Errorf("requeue orphaned jobs (cancel): %w", err)
	}

	const requeue = `UPDATE jobs SET status='validating', worker_id=NULL, lease_expires_at=NULL
WHERE status IN ('in_progress','finalizing') AND cancel_requested=0 AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`
	requeueRes, err := s.db.ExecContext(ctx, requeue, now)
	if err != nil {
		return 0, nil, fmt.Errorf("requeue orphaned jobs: %w", err)
	}
	requeued, _ = requeueRes.RowsAffected()

	return requeued, cancelledJobIDs, nil
}

func (s *Store) casUpdate(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// --------------- Failed requests (DLQ) ---------------

// InsertFailedRequest records a single per-request failure.
func (s *Store) InsertFailedRequest(ctx context.Context, fr model.FailedRequest) error {
	const ins = `INSERT INTO failed_requests(job_id, custom_id, request_index, error_code, error_message, retry_count, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, ins, fr.JobID, fr.CustomID, fr.RequestIndex, fr.ErrorCode, fr.ErrorMessage, fr.RetryCount, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert failed request: %w", err)
	}
	return nil
}

// ListFailedRequests returns all DLQ entries for a job ordered by request index.
func (s *Store) ListFailedRequests(ctx context.Context, jobID string) ([]model.FailedRequest, error) {
	const q = `SELECT id, job_id, custom_id, request_index, error_code, error_message, retry_count, created_at
FROM failed_requests WHERE job_id=? ORDER BY request_index ASC`
	rows, err := s.db.QueryContext(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("list failed requests: %w", err)
	}
	defer rows.Close()

	var out []model.FailedRequest
	for rows.Next() {
		var fr model.FailedRequest
		if err := rows.Scan(&fr.ID, &fr.JobID, &fr.CustomID, &fr.RequestIndex, &fr.ErrorCode, &fr.ErrorMessage, &fr.RetryCount, &fr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan failed request: %w", err)
		}
		fr.CreatedAt = fr.CreatedAt.UTC()
		out = append(out, fr)
	}
	return out, rows.Err()
}

// --------------- Worker heartbeat ---------------

// PutHeartbeat upserts the singleton worker heartbeat row.
func (s *Store) PutHeartbeat(ctx context.Context, hb model.WorkerHeartbeat) error {
	const upsert = `
INSERT INTO worker_heartbeats(worker_id, last_seen_at, status, current_job_id, gpu_memory_fraction, gpu_temperature, loaded_model_name)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(worker_id) DO UPDATE SET
  last_seen_at=excluded.last_seen_at, status=excluded.status, current_job_id=excluded.current_job_id,
  gpu_memory_fraction=excluded.gpu_memory_fraction, gpu_temperature=excluded.gpu_temperature,
  loaded_model_name=excluded.loaded_model_name;`
	_, err := s.db.ExecContext(ctx, upsert, hb.WorkerID, hb.LastSeenAt.UTC(), string(hb.Status),
		nullIfEmptyPtr(hb.CurrentJobID), hb.GPUMemoryFraction, hb.GPUTemperature, nullIfEmptyPtr(hb.LoadedModelName))
	if err != nil {
		return fmt.Errorf("put heartbeat: %w", err)
	}
	return nil
}

// GetHeartbeat returns the most recently observed heartbeat for workerID.
func (s *Store) GetHeartbeat(ctx context.Context, workerID string) (*model.WorkerHeartbeat, error) {
	const q = `SELECT worker_id, last_seen_at, status, current_job_id, gpu_memory_fraction, gpu_temperature, loaded_model_name
FROM worker_heartbeats WHERE worker_id=?`
	var hb model.WorkerHeartbeat
	var status string
	var currentJobID, loadedModel sql.NullString
	err := s.db.QueryRowContext(ctx, q, workerID).Scan(&hb.WorkerID, &hb.LastSeenAt, &status, &currentJobID, &hb.GPUMemoryFraction, &hb.GPUTemperature, &loadedModel)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get heartbeat: %w", err)
	}
	hb.LastSeenAt = hb.LastSeenAt.UTC()
	hb.Status = model.WorkerStatus(status)
	hb.CurrentJobID = fromNullStringPtr(currentJobID)
	hb.LoadedModelName = fromNullStringPtr(loadedModel)
	return &hb, nil
}

// --------------- Webhook deliveries ---------------

// InsertWebhookDelivery persists a new pending delivery row.
func (s *Store) InsertWebhookDelivery(ctx context.Context, d model.WebhookDelivery) (int64, error) {
	const ins = `INSERT INTO webhook_deliveries(job_id, event, url, attempt_count, next_attempt_at, last_status_code, last_error, terminal, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, ins, d.JobID, d.Event, d.URL, d.AttemptCount, d.NextAttemptAt.UTC(), d.LastStatusCode, nullIfEmptyPtr(d.LastError), boolToInt(d.Terminal), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("insert webhook delivery: %w", err)
	}
	return res.LastInsertId()
}

// ListPendingWebhookDeliveries returns non-terminal deliveries due at or
// before now, ordered oldest-due first.
func (s *Store) ListPendingWebhookDeliveries(ctx context.Context, now time.Time) ([]model.WebhookDelivery, error) {
	const q = `SELECT id, job_id, event, url, attempt_count, next_attempt_at, last_status_code, last_error, terminal, created_at
FROM webhook_deliveries WHERE terminal=0 AND next_attempt_at<=? ORDER BY next_attempt_at ASC`
	rows, err := s.db.QueryContext(ctx, q, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list pending webhook deliveries: %w", err)
	}
	defer rows.Close()

	var out []model.WebhookDelivery
	for rows.Next() {
		var d model.WebhookDelivery
		var lastError sql.NullString
		var terminal int
		if err := rows.Scan(&d.ID, &d.JobID, &d.Event, &d.URL, &d.AttemptCount, &d.NextAttemptAt, &d.LastStatusCode, &lastError, &terminal, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook delivery: %w", err)
		}
		d.NextAttemptAt = d.NextAttemptAt.UTC()
		d.CreatedAt = d.CreatedAt.UTC()
		d.LastError = fromNullStringPtr(lastError)
		d.Terminal = terminal != 0
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateWebhookDeliveryResult records the outcome of a single attempt.
func (s *Store) UpdateWebhookDeliveryResult(ctx context.Context, id int64, attemptCount, statusCode int, errMsg *string, nextAttemptAt time.Time, terminal bool) error {
	const upd = `UPDATE webhook_deliveries SET attempt_count=?, last_status_code=?, last_error=?, next_attempt_at=?, terminal=? WHERE id=?`
	_, err := s.db.ExecContext(ctx, upd, attemptCount, statusCode, nullIfEmptyPtr(errMsg), nextAttemptAt.UTC(), boolToInt(terminal), id)
	if err != nil {
		return fmt.Errorf("update webhook delivery: %w", err)
	}
	return nil
}

// --------------- Model registry ---------------

// UpsertModel inserts or updates a model registry entry.
func (s *Store) UpsertModel(ctx context.Context, m model.ModelInfo) error {
	const upsert = `
INSERT INTO model_registry(name, canonical_id, max_context_tokens, chat_template_hint, default_sampling, estimated_vram_gb)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
  canonical_id=excluded.canonical_id, max_context_tokens=excluded.max_context_tokens,
  chat_template_hint=excluded.chat_template_hint, default_sampling=excluded.default_sampling,
  estimated_vram_gb=excluded.estimated_vram_gb;`
	_, err := s.db.ExecContext(ctx, upsert, m.Name, m.CanonicalID, m.MaxContextTokens, m.ChatTemplateHint, nullIfEmptyRaw(m.DefaultSampling), m.EstimatedVRAMGB)
	if err != nil {
		return fmt.Errorf("upsert model: %w", err)
	}
	return nil
}

// GetModel retrieves a model registry entry by name.
func (s *Store) GetModel(ctx context.Context, name string) (*model.ModelInfo, error) {
	const q = `SELECT name, canonical_id, max_context_tokens, chat_template_hint, default_sampling, estimated_vram_gb FROM model_registry WHERE name=?`
	var m model.ModelInfo
	var sampling sql.NullString
	err := s.db.QueryRowContext(ctx, q, name).Scan(&m.Name, &m.CanonicalID, &m.MaxContextTokens, &m.ChatTemplateHint, &sampling, &m.EstimatedVRAMGB)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get model: %w", err)
	}
	if sampling.Valid {
		m.DefaultSampling = []byte(sampling.String)
	}
	return &m, nil
}

// ListModels returns all registered models ordered by name.
func (s *Store) ListModels(ctx context.Context) ([]model.ModelInfo, error) {
	const q = `SELECT name, canonical_id, max_context_tokens, chat_template_hint, default_sampling, estimated_vram_gb FROM model_registry ORDER BY name ASC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	var out []model.ModelInfo
	for rows.Next() {
		var m model.ModelInfo
		var sampling sql.NullString
		if err := rows.Scan(&m.Name, &m.CanonicalID, &m.MaxContextTokens, &m.ChatTemplateHint, &sampling, &m.EstimatedVRAMGB); err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		if sampling.Valid {
			m.DefaultSampling = []byte(sampling.String)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --------------- Internal helpers ---------------

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func nullIfEmptyPtr(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func nullIfEmptyRaw(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fromNullStringPtr(ns sql.NullString) *string {
	if ns.Valid {
		v := ns.String
		return &v
	}
	return nil
}

func fromNullTimePtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time.UTC()
		return &t
	}
	return nil
}
