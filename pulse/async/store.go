package async

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/teranos/pawnx/errors"
)

// jobColumns is the column list shared by every job SELECT
const jobColumns = `id, queue, idempotency_key, payload, state, priority,
	attempts, max_attempts, backoff_kind, backoff_ms, progress, result,
	failure_reason, run_at, lock_owner, lock_expires_at, created_at,
	processed_at, finished_at, updated_at`

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store handles persistence of pulse jobs
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for callers sharing the database
func (s *Store) DB() *sql.DB {
	return s.db
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := fromMillis(ms.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                                    Job
		key, result, reason, lockOwner         sql.NullString
		payload, backoffKind, state            string
		backoffMS, runAt, createdAt, updatedAt int64
		lockExpires, processedAt, finishedAt   sql.NullInt64
	)
	err := row.Scan(
		&job.ID, &job.Queue, &key, &payload, &state, &job.Priority,
		&job.Attempts, &job.MaxAttempts, &backoffKind, &backoffMS, &job.Progress, &result,
		&reason, &runAt, &lockOwner, &lockExpires, &createdAt,
		&processedAt, &finishedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.IdempotencyKey = key.String
	job.Payload = json.RawMessage(payload)
	job.State = JobState(state)
	job.Backoff = Backoff{Kind: BackoffKind(backoffKind), Delay: time.Duration(backoffMS) * time.Millisecond}
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	job.FailureReason = reason.String
	job.RunAt = fromMillis(runAt)
	job.LockOwner = lockOwner.String
	job.LockExpiresAt = fromNullMillis(lockExpires)
	job.CreatedAt = fromMillis(createdAt)
	job.ProcessedAt = fromNullMillis(processedAt)
	job.FinishedAt = fromNullMillis(finishedAt)
	job.UpdatedAt = fromMillis(updatedAt)
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate jobs")
	}
	return jobs, nil
}

// insertJob writes a new job row
func insertJob(ctx context.Context, q querier, job *Job) error {
	payload := string(job.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO pulse_jobs (
			id, queue, idempotency_key, payload, state, priority,
			attempts, max_attempts, backoff_kind, backoff_ms, progress,
			run_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Queue, nullString(job.IdempotencyKey), payload, job.State, job.Priority,
		job.Attempts, job.MaxAttempts, job.Backoff.Kind, job.Backoff.Delay.Milliseconds(), job.Progress,
		toMillis(job.RunAt), toMillis(job.CreatedAt), toMillis(job.UpdatedAt),
	)
	return err
}

func getJob(ctx context.Context, q querier, id string) (*Job, error) {
	job, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM pulse_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %s", id)
	}
	return job, nil
}

// findLive returns the non-terminal job holding key in queue, or nil
func findLive(ctx context.Context, q querier, queue, key string) (*Job, error) {
	job, err := scanJob(q.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM pulse_jobs
		WHERE queue = ? AND idempotency_key = ? AND state NOT IN ('completed', 'failed')
		LIMIT 1`, queue, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to look up live job for key %s", key)
	}
	return job, nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	return getJob(ctx, s.db, id)
}

// JobFilter narrows ListJobs
type JobFilter struct {
	Queue string
	State JobState
	Limit int
}

// ListJobs returns jobs newest first
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]*Job, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Queue != "" {
		where = append(where, "queue = ?")
		args = append(args, f.Queue)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, f.State)
	}
	query := `SELECT ` + jobColumns + ` FROM pulse_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	limit := f.Limit
	if limit <= 0 || limit > MaxJobsLimit {
		limit = MaxJobsLimit
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	return scanJobs(rows)
}

// QueueStats counts jobs per state in one queue
type QueueStats struct {
	Queue  string           `json:"queue"`
	Counts map[JobState]int `json:"counts"`
}

// GetStats returns per-state counts for queue
func (s *Store) GetStats(ctx context.Context, queue string) (*QueueStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM pulse_jobs WHERE queue = ? GROUP BY state`, queue)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to count jobs in %s", queue)
	}
	defer rows.Close()

	stats := &QueueStats{Queue: queue, Counts: make(map[JobState]int)}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job counts")
		}
		stats.Counts[JobState(state)] = n
	}
	return stats, rows.Err()
}

// evict trims terminal jobs in state beyond keep, oldest first
func evict(ctx context.Context, q querier, queue string, state JobState, keep int) error {
	if keep <= 0 {
		return nil
	}
	_, err := q.ExecContext(ctx, `
		DELETE FROM pulse_jobs WHERE id IN (
			SELECT id FROM pulse_jobs
			WHERE queue = ? AND state = ?
			ORDER BY finished_at DESC, id DESC
			LIMIT -1 OFFSET ?
		)`, queue, state, keep)
	if err != nil {
		return errors.Wrapf(err, "failed to evict %s jobs in %s", state, queue)
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back on error
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.WithSecondaryError(err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}
