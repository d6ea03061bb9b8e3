package async

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/pawnx/db"
	"github.com/teranos/pawnx/errors"
	"github.com/teranos/pawnx/sym"
)

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations
// Uses different log levels to create visual distinction:
// - DEBUG level → STARTING (✿ Opening operations)
// - WARN level → CLOSING (❀ Closing operations)
// - INFO level → PULSE (general worker/daemon operations)
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event - uses DEBUG level for "STARTING" appearance
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw(sym.PulseOpen+" "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event - uses WARN level for "CLOSING" appearance
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw(sym.PulseClose+" "+msg, keysAndValues...)
}

// Pulse logs general Pulse/worker operations - uses INFO level
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(sym.Pulse+" "+msg, keysAndValues...)
}

// DefaultPollInterval is how often idle workers look for due jobs
const DefaultPollInterval = 500 * time.Millisecond

// NewOwnerID builds a lock owner id unique to this process
func NewOwnerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
}

// WorkerPool runs one queue's handler with the queue's concurrency
type WorkerPool struct {
	queue   *Queue
	cfg     QueueConfig
	handler JobHandler
	owner   string
	poll    time.Duration
	logger  pulseLogger

	ctx    context.Context // loop lifetime, cancelled by Stop
	cancel context.CancelFunc
	// jobCtx is handed to handlers; cancelled only when Stop runs out of time
	jobCtx    context.Context
	jobCancel context.CancelFunc
	wg        sync.WaitGroup

	mu            sync.Mutex
	activeWorkers int
	jobsProcessed int
	startTime     time.Time
}

// NewWorkerPool creates a pool for cfg.Name. Start must be called to run it.
func NewWorkerPool(queue *Queue, cfg QueueConfig, handler JobHandler, owner string, poll time.Duration, logger *zap.SugaredLogger) *WorkerPool {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if owner == "" {
		owner = NewOwnerID()
	}
	return &WorkerPool{
		queue:   queue,
		cfg:     cfg.normalized(),
		handler: handler,
		owner:   owner,
		poll:    poll,
		logger:  pulseLogger{logger.Named("pulse").With("queue", cfg.Name)},
	}
}

// Start launches Concurrency workers under ctx
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.mu.Lock()
	wp.ctx, wp.cancel = context.WithCancel(ctx)
	wp.jobCtx, wp.jobCancel = context.WithCancel(context.WithoutCancel(ctx))
	wp.startTime = time.Now()
	wp.jobsProcessed = 0
	wp.mu.Unlock()

	wp.logger.Starting("Worker pool starting", "workers", wp.cfg.Concurrency, "owner", wp.owner)
	for i := 0; i < wp.cfg.Concurrency; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop stops claiming new jobs and waits for in-flight jobs to finish.
// When ctx expires first, handler contexts are cancelled and the
// interrupted jobs are released back to the queue.
func (wp *WorkerPool) Stop(ctx context.Context) error {
	if wp.cancel == nil {
		return nil
	}
	wp.cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.jobCancel()
		wp.logger.Pulse("Worker pool stopped - all workers exited cleanly")
		return nil
	case <-ctx.Done():
	}

	wp.logger.Closing("Shutdown deadline reached, interrupting in-flight jobs", "timeout_err", ctx.Err())
	wp.jobCancel()

	select {
	case <-done:
		return nil
	case <-time.After(releaseGrace):
		return errors.Mark(errors.Newf("workers of queue %s did not exit", wp.cfg.Name), errors.ErrTimeout)
	}
}

// releaseGrace bounds how long Stop waits for interrupted handlers to return
const releaseGrace = 5 * time.Second

// worker processes jobs from the queue
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.poll)
	defer ticker.Stop()
	wake := wp.queue.Wake(wp.cfg.Name)

	// Error backoff state
	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-wp.ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}

		// drain everything due before waiting again
		for {
			processed, err := wp.processNextJob()
			if err != nil {
				if wp.ctx.Err() != nil || errors.Is(err, sql.ErrConnDone) || db.IsDatabaseClosed(err) {
					return
				}
				errorCount++
				wp.logger.Errorw("Worker error processing job",
					"worker_id", id,
					"error", err,
					"consecutive_errors", errorCount)

				if errorCount >= maxConsecutiveErrors {
					wp.logger.Warnw("Worker backing off due to consecutive errors",
						"worker_id", id,
						"backoff", backoffDuration,
						"consecutive_errors", errorCount)
					select {
					case <-wp.ctx.Done():
						return
					case <-time.After(backoffDuration):
					}
					backoffDuration = min(backoffDuration*2, maxBackoff)
				}
				break
			}

			if errorCount > 0 {
				wp.logger.Infow("Worker recovered from errors",
					"worker_id", id,
					"previous_error_count", errorCount)
			}
			errorCount = 0
			backoffDuration = time.Second

			if !processed || wp.ctx.Err() != nil {
				break
			}
		}
	}
}

// processNextJob claims one job and runs it to completion.
// processed is false when nothing was due.
func (wp *WorkerPool) processNextJob() (processed bool, err error) {
	if wp.ctx.Err() != nil {
		return false, nil
	}

	job, err := wp.queue.ClaimNext(wp.ctx, wp.cfg.Name, wp.owner)
	if err != nil {
		return false, errors.Wrap(err, "failed to claim job")
	}
	if job == nil {
		return false, nil
	}

	wp.mu.Lock()
	wp.activeWorkers++
	wp.jobsProcessed++
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		wp.mu.Unlock()
	}()

	log := wp.logger.With("job_id", job.ID, "attempt", job.Attempts)
	log.Debugw("Job claimed", "max_attempts", job.MaxAttempts)

	stopHeartbeat := wp.heartbeat(job)
	result, execErr := wp.execute(job)
	stopHeartbeat()

	// persist the outcome even when shutting down
	ctx := context.WithoutCancel(wp.ctx)

	if execErr != nil && wp.jobCtx.Err() != nil {
		log.Infow(sym.PulseClose + " Job interrupted by shutdown, releasing")
		if err := wp.queue.Release(ctx, job); err != nil {
			return true, errors.Wrapf(err, "failed to release job %s", job.ID)
		}
		return true, nil
	}

	if execErr != nil {
		classified := ClassifyError(execErr)
		retrying, err := wp.queue.Fail(ctx, job, execErr)
		if err != nil {
			return true, errors.WithSecondaryError(errors.Wrapf(err, "failed to record failure of job %s", job.ID), execErr)
		}
		if retrying {
			log.Warnw("Job failed, retry scheduled",
				"error", execErr, "code", classified.Code, "run_at", job.RunAt)
		} else {
			log.Errorw("Job failed",
				"error", execErr, "code", classified.Code, "retryable", classified.Retryable)
		}
		return true, nil
	}

	if err := wp.queue.Complete(ctx, job, result); err != nil {
		return true, errors.Wrapf(err, "failed to complete job %s", job.ID)
	}
	log.Infow("Job completed")
	return true, nil
}

// execute runs the handler, converting panics into errors
func (wp *WorkerPool) execute(job *Job) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("handler panic: %v", r)
			wp.logger.Errorw("Job handler panicked", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	return wp.handler.Execute(wp.jobCtx, job, jobProgress{queue: wp.queue, job: job})
}

// heartbeat renews the job lock at half the stall timeout until stopped
func (wp *WorkerPool) heartbeat(job *Job) (stop func()) {
	lease := *job
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(wp.cfg.StallTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := wp.queue.ExtendLock(context.WithoutCancel(wp.ctx), &lease); err != nil {
					wp.logger.Warnw("Failed to extend job lock", "job_id", job.ID, "error", err)
					if errors.Is(err, ErrLockLost) {
						return
					}
				}
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

// Stats reports the pool's active and configured workers
func (wp *WorkerPool) Stats() (active, total, processed int) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.activeWorkers, wp.cfg.Concurrency, wp.jobsProcessed
}
