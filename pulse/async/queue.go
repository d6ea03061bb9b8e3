package async

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/pawnx/db"
	"github.com/teranos/pawnx/errors"
)

const (
	// MaxJobsLimit caps ListJobs
	MaxJobsLimit = 10000
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100
	// StalledFailureReason is recorded when a job stalls with no attempts left
	StalledFailureReason = "job stalled more than allowable limit"
)

// Queue is a durable, SQLite-backed set of named job queues.
//
// Every state change is a single conditional UPDATE (or a short
// transaction), so several processes may share one database file and a job
// is active in at most one worker at a time.
type Queue struct {
	store   *Store
	now     func() time.Time
	configs map[string]QueueConfig
	wake    map[string]chan struct{}

	mu          sync.RWMutex
	subscribers []*subscriber
}

// NewQueue creates a queue over db with the given named queue configs
func NewQueue(database *sql.DB, configs ...QueueConfig) *Queue {
	q := &Queue{
		store:   NewStore(database),
		now:     time.Now,
		configs: make(map[string]QueueConfig),
		wake:    make(map[string]chan struct{}),
	}
	for _, cfg := range configs {
		q.Configure(cfg)
	}
	return q
}

// Configure adds or replaces a named queue
func (q *Queue) Configure(cfg QueueConfig) {
	cfg = cfg.normalized()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.configs[cfg.Name] = cfg
	if _, ok := q.wake[cfg.Name]; !ok {
		q.wake[cfg.Name] = make(chan struct{}, 1)
	}
}

// SetClock replaces the time source (tests)
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// Store returns the persistence layer
func (q *Queue) Store() *Store {
	return q.store
}

// Config returns the configuration of a named queue
func (q *Queue) Config(name string) (QueueConfig, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	cfg, ok := q.configs[name]
	return cfg, ok
}

// Names returns the configured queue names
func (q *Queue) Names() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	names := make([]string, 0, len(q.configs))
	for name := range q.configs {
		names = append(names, name)
	}
	return names
}

// Wake returns a channel signalled when queue may have new ready work
func (q *Queue) Wake(name string) <-chan struct{} {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.wake[name]
}

func (q *Queue) signal(name string) {
	q.mu.RLock()
	ch := q.wake[name]
	q.mu.RUnlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (q *Queue) mustConfig(name string) (QueueConfig, error) {
	cfg, ok := q.Config(name)
	if !ok {
		return QueueConfig{}, errors.Mark(errors.Newf("queue %q is not configured", name), errors.ErrInvalidRequest)
	}
	return cfg, nil
}

// Enqueue adds a job to a named queue.
//
// When opts.IdempotencyKey matches a job that is not yet completed or
// failed, nothing is inserted and the existing job comes back with
// Duplicate set. Once that job is terminal the key may be reused.
func (q *Queue) Enqueue(ctx context.Context, queue string, payload interface{}, opts Options) (*JobHandle, error) {
	cfg, err := q.mustConfig(queue)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode payload for queue %s", queue)
	}

	now := q.now()
	job := &Job{
		ID:             uuid.NewString(),
		Queue:          queue,
		IdempotencyKey: opts.IdempotencyKey,
		Payload:        data,
		State:          JobStateWaiting,
		Priority:       opts.Priority,
		MaxAttempts:    cfg.Attempts,
		Backoff:        cfg.Backoff,
		RunAt:          now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if opts.Attempts > 0 {
		job.MaxAttempts = opts.Attempts
	}
	if opts.Backoff != nil {
		job.Backoff = *opts.Backoff
	}
	if opts.Delay > 0 {
		job.State = JobStateDelayed
		job.RunAt = now.Add(opts.Delay)
	}

	var existing *Job
	err = q.store.withTx(ctx, func(tx *sql.Tx) error {
		if job.IdempotencyKey != "" {
			live, err := findLive(ctx, tx, queue, job.IdempotencyKey)
			if err != nil {
				return err
			}
			if live != nil {
				existing = live
				return nil
			}
		}
		return insertJob(ctx, tx, job)
	})
	if db.IsUniqueViolation(err) {
		// lost a race with another process holding the same key
		existing, err = findLive(ctx, q.store.db, queue, job.IdempotencyKey)
		if err == nil && existing == nil {
			err = errors.Newf("idempotency key %s conflicted but no live job was found", job.IdempotencyKey)
		}
	}
	if err != nil {
		err = errors.Wrap(err, "failed to enqueue job")
		err = errors.WithDetail(err, fmt.Sprintf("Queue: %s", queue))
		err = errors.WithDetail(err, fmt.Sprintf("Idempotency key: %s", opts.IdempotencyKey))
		return nil, err
	}
	if existing != nil {
		return handleFor(existing, true), nil
	}

	if job.State == JobStateDelayed {
		q.notify(Event{Type: EventDelayed, Job: job})
	} else {
		q.notify(Event{Type: EventWaiting, Job: job})
		q.signal(queue)
	}
	return handleFor(job, false), nil
}

// ClaimNext atomically moves the next due job of queue to active, owned by
// owner. It returns nil when nothing is due or the queue is already running
// its configured concurrency.
func (q *Queue) ClaimNext(ctx context.Context, queue, owner string) (*Job, error) {
	cfg, err := q.mustConfig(queue)
	if err != nil {
		return nil, err
	}

	now := q.now()
	lockUntil := now.Add(cfg.StallTimeout)

	var claimed *Job
	err = q.store.withTx(ctx, func(tx *sql.Tx) error {
		var active int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM pulse_jobs WHERE queue = ? AND state = 'active'`, queue,
		).Scan(&active); err != nil {
			return errors.Wrap(err, "failed to count active jobs")
		}
		if active >= cfg.Concurrency {
			return nil
		}

		job, err := scanJob(tx.QueryRowContext(ctx, `
			SELECT `+jobColumns+` FROM pulse_jobs
			WHERE queue = ? AND state IN ('waiting', 'delayed') AND run_at <= ?
			ORDER BY priority DESC, run_at ASC, created_at ASC
			LIMIT 1`, queue, toMillis(now)))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "failed to select next job")
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE pulse_jobs
			SET state = 'active', attempts = attempts + 1, lock_owner = ?, lock_expires_at = ?,
			    processed_at = ?, updated_at = ?
			WHERE id = ? AND state IN ('waiting', 'delayed')`,
			owner, toMillis(lockUntil), toMillis(now), toMillis(now), job.ID)
		if err != nil {
			return errors.Wrap(err, "failed to claim job")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		job.State = JobStateActive
		job.Attempts++
		job.LockOwner = owner
		job.LockExpiresAt = &lockUntil
		job.ProcessedAt = &now
		job.UpdatedAt = now
		claimed = job
		return nil
	})
	if err != nil {
		return nil, errors.WithDetail(err, fmt.Sprintf("Queue: %s", queue))
	}
	if claimed != nil {
		q.notify(Event{Type: EventActive, Job: claimed})
	}
	return claimed, nil
}

// ownedUpdate runs an UPDATE guarded by id, owner and state = active
func (q *Queue) ownedUpdate(ctx context.Context, ex querier, job *Job, set string, args ...interface{}) error {
	args = append(args, job.ID, job.LockOwner)
	res, err := ex.ExecContext(ctx,
		`UPDATE pulse_jobs SET `+set+` WHERE id = ? AND lock_owner = ? AND state = 'active'`, args...)
	if err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to update job"), fmt.Sprintf("Job ID: %s", job.ID))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.WithDetail(ErrLockLost, fmt.Sprintf("Job ID: %s", job.ID))
	}
	return nil
}

// UpdateProgress records percent (clamped to 0-100) on an active job
func (q *Queue) UpdateProgress(ctx context.Context, job *Job, percent int) error {
	percent = max(0, min(100, percent))
	now := q.now()
	if err := q.ownedUpdate(ctx, q.store.db, job, `progress = ?, updated_at = ?`, percent, toMillis(now)); err != nil {
		return err
	}
	job.Progress = percent
	job.UpdatedAt = now
	q.notify(Event{Type: EventProgress, Job: job})
	return nil
}

// ExtendLock pushes the stall deadline of an active job forward
func (q *Queue) ExtendLock(ctx context.Context, job *Job) error {
	cfg, err := q.mustConfig(job.Queue)
	if err != nil {
		return err
	}
	now := q.now()
	until := now.Add(cfg.StallTimeout)
	if err := q.ownedUpdate(ctx, q.store.db, job, `lock_expires_at = ?, updated_at = ?`, toMillis(until), toMillis(now)); err != nil {
		return err
	}
	job.LockExpiresAt = &until
	return nil
}

// Complete marks an active job completed with result and applies the
// queue's completed-job retention.
func (q *Queue) Complete(ctx context.Context, job *Job, result interface{}) error {
	cfg, err := q.mustConfig(job.Queue)
	if err != nil {
		return err
	}

	var data sql.NullString
	if result != nil {
		encoded, err := json.Marshal(result)
		if err != nil {
			return errors.Wrapf(err, "failed to encode result of job %s", job.ID)
		}
		data = sql.NullString{String: string(encoded), Valid: true}
	}

	now := q.now()
	err = q.store.withTx(ctx, func(tx *sql.Tx) error {
		if err := q.ownedUpdate(ctx, tx, job, `
			state = 'completed', progress = 100, result = ?, failure_reason = NULL,
			lock_owner = NULL, lock_expires_at = NULL, finished_at = ?, updated_at = ?`,
			data, toMillis(now), toMillis(now)); err != nil {
			return err
		}
		return evict(ctx, tx, job.Queue, JobStateCompleted, cfg.RemoveOnComplete)
	})
	if err != nil {
		return err
	}

	job.State = JobStateCompleted
	job.Progress = 100
	if data.Valid {
		job.Result = json.RawMessage(data.String)
	}
	job.LockOwner = ""
	job.LockExpiresAt = nil
	job.FinishedAt = &now
	job.UpdatedAt = now
	q.notify(Event{Type: EventCompleted, Job: job})
	return nil
}

// Fail records cause against an active job. The job is retried after its
// backoff while attempts remain and cause is not unrecoverable; otherwise it
// becomes failed. retrying reports which happened.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) (retrying bool, err error) {
	cfg, err := q.mustConfig(job.Queue)
	if err != nil {
		return false, err
	}

	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	now := q.now()

	if !errors.IsUnrecoverable(cause) && job.Attempts < job.MaxAttempts {
		runAt := now.Add(job.Backoff.Next(job.Attempts))
		if err := q.ownedUpdate(ctx, q.store.db, job, `
			state = 'delayed', run_at = ?, failure_reason = ?,
			lock_owner = NULL, lock_expires_at = NULL, updated_at = ?`,
			toMillis(runAt), reason, toMillis(now)); err != nil {
			return false, err
		}
		job.State = JobStateDelayed
		job.RunAt = runAt
		job.FailureReason = reason
		job.LockOwner = ""
		job.LockExpiresAt = nil
		job.UpdatedAt = now
		q.notify(Event{Type: EventRetrying, Job: job, Reason: reason})
		return true, nil
	}

	err = q.store.withTx(ctx, func(tx *sql.Tx) error {
		if err := q.ownedUpdate(ctx, tx, job, `
			state = 'failed', failure_reason = ?,
			lock_owner = NULL, lock_expires_at = NULL, finished_at = ?, updated_at = ?`,
			reason, toMillis(now), toMillis(now)); err != nil {
			return err
		}
		return evict(ctx, tx, job.Queue, JobStateFailed, cfg.RemoveOnFail)
	})
	if err != nil {
		return false, err
	}
	job.State = JobStateFailed
	job.FailureReason = reason
	job.LockOwner = ""
	job.LockExpiresAt = nil
	job.FinishedAt = &now
	job.UpdatedAt = now
	q.notify(Event{Type: EventFailed, Job: job, Reason: reason})
	return false, nil
}

// Release returns an active job to waiting without consuming an attempt.
// Used when shutdown interrupts a job.
func (q *Queue) Release(ctx context.Context, job *Job) error {
	now := q.now()
	if err := q.ownedUpdate(ctx, q.store.db, job, `
		state = 'waiting', attempts = MAX(attempts - 1, 0), run_at = ?,
		lock_owner = NULL, lock_expires_at = NULL, updated_at = ?`,
		toMillis(now), toMillis(now)); err != nil {
		return err
	}
	job.State = JobStateWaiting
	job.Attempts = max(job.Attempts-1, 0)
	job.LockOwner = ""
	job.LockExpiresAt = nil
	q.notify(Event{Type: EventWaiting, Job: job})
	q.signal(job.Queue)
	return nil
}

// Remove deletes a job that has not started. Active jobs yield ErrConflict;
// terminal or unknown jobs yield ErrNotFound.
func (q *Queue) Remove(ctx context.Context, id string) error {
	var removed *Job
	err := q.store.withTx(ctx, func(tx *sql.Tx) error {
		job, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		switch job.State {
		case JobStateWaiting, JobStateDelayed:
		case JobStateActive:
			return errors.Mark(errors.Newf("job %s is active and cannot be removed", id), errors.ErrConflict)
		default:
			return errors.NewNotFoundError("job %s is already %s", id, job.State)
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM pulse_jobs WHERE id = ? AND state IN ('waiting', 'delayed')`, id)
		if err != nil {
			return errors.Wrapf(err, "failed to remove job %s", id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.Mark(errors.Newf("job %s changed state during removal", id), errors.ErrConflict)
		}
		removed = job
		return nil
	})
	if err != nil {
		return err
	}
	q.notify(Event{Type: EventRemoved, Job: removed})
	return nil
}

// CleanupStalled recovers active jobs whose lock expired: back to waiting
// while attempts remain, failed otherwise. Returns how many were recovered.
func (q *Queue) CleanupStalled(ctx context.Context) (int, error) {
	now := q.now()
	rows, err := q.store.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM pulse_jobs
		WHERE state = 'active' AND lock_expires_at IS NOT NULL AND lock_expires_at < ?`,
		toMillis(now))
	if err != nil {
		return 0, errors.Wrap(err, "failed to find stalled jobs")
	}
	stalled, err := scanJobs(rows)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, job := range stalled {
		cfg, _ := q.Config(job.Queue)

		var res sql.Result
		exhausted := job.Attempts >= job.MaxAttempts
		if exhausted {
			res, err = q.store.db.ExecContext(ctx, `
				UPDATE pulse_jobs
				SET state = 'failed', failure_reason = ?, lock_owner = NULL, lock_expires_at = NULL,
				    finished_at = ?, updated_at = ?
				WHERE id = ? AND state = 'active' AND lock_expires_at < ?`,
				StalledFailureReason, toMillis(now), toMillis(now), job.ID, toMillis(now))
		} else {
			res, err = q.store.db.ExecContext(ctx, `
				UPDATE pulse_jobs
				SET state = 'waiting', run_at = ?, lock_owner = NULL, lock_expires_at = NULL, updated_at = ?
				WHERE id = ? AND state = 'active' AND lock_expires_at < ?`,
				toMillis(now), toMillis(now), job.ID, toMillis(now))
		}
		if err != nil {
			return recovered, errors.Wrapf(err, "failed to recover stalled job %s", job.ID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		recovered++

		q.notify(Event{Type: EventStalled, Job: job})
		job.LockOwner = ""
		job.LockExpiresAt = nil
		if exhausted {
			job.State = JobStateFailed
			job.FailureReason = StalledFailureReason
			job.FinishedAt = &now
			if err := evict(ctx, q.store.db, job.Queue, JobStateFailed, cfg.RemoveOnFail); err != nil {
				return recovered, err
			}
			q.notify(Event{Type: EventFailed, Job: job, Reason: StalledFailureReason})
		} else {
			job.State = JobStateWaiting
			q.notify(Event{Type: EventWaiting, Job: job})
			q.signal(job.Queue)
		}
	}
	return recovered, nil
}

// GetJob returns a job by ID
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	return q.store.GetJob(ctx, id)
}

// GetStatus returns the caller-facing status of a job
func (q *Queue) GetStatus(ctx context.Context, id string) (*JobStatus, error) {
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return job.Status(q.now()), nil
}

// ListJobs returns jobs matching f, newest first
func (q *Queue) ListJobs(ctx context.Context, f JobFilter) ([]*Job, error) {
	return q.store.ListJobs(ctx, f)
}

// GetStats returns per-state job counts for a queue
func (q *Queue) GetStats(ctx context.Context, queue string) (*QueueStats, error) {
	return q.store.GetStats(ctx, queue)
}
