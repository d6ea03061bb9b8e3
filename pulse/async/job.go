package async

import (
	"encoding/json"
	"time"

	"github.com/teranos/pawnx/errors"
	"github.com/teranos/pawnx/pulse/retry"
)

// JobState represents the lifecycle state of a job
type JobState string

const (
	JobStateWaiting   JobState = "waiting"   // ready to be claimed
	JobStateDelayed   JobState = "delayed"   // waiting for RunAt (initial delay or retry backoff)
	JobStateActive    JobState = "active"    // claimed by exactly one worker
	JobStateStalled   JobState = "stalled"   // active but its lock expired; recovered by CleanupStalled
	JobStateCompleted JobState = "completed" // terminal
	JobStateFailed    JobState = "failed"    // terminal, attempts exhausted or unrecoverable
)

// Terminal reports whether s is completed or failed
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// BackoffKind selects how retry delays grow
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffFixed       BackoffKind = "fixed"
)

// Backoff is a job's retry delay policy
type Backoff struct {
	Kind  BackoffKind   `json:"kind"`
	Delay time.Duration `json:"delay"`
}

// Next returns the delay before retrying after the given failed attempt.
// Exponential: Delay * 2^(attempt-1) plus jitter up to Delay/10.
func (b Backoff) Next(attempt int) time.Duration {
	if b.Kind == BackoffFixed {
		return b.Delay
	}
	return retry.Policy{BaseDelay: b.Delay, JitterMax: b.Delay / 10}.Delay(attempt)
}

// Job is a unit of durable work in a named queue
type Job struct {
	ID             string          `json:"id"`
	Queue          string          `json:"queue"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	State          JobState        `json:"state"`
	Priority       int             `json:"priority"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	Backoff        Backoff         `json:"backoff"`
	Progress       int             `json:"progress"`
	Result         json.RawMessage `json:"result,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	RunAt          time.Time       `json:"run_at"`
	LockOwner      string          `json:"lock_owner,omitempty"`
	LockExpiresAt  *time.Time      `json:"lock_expires_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Decode unmarshals the job payload into v
func (j *Job) Decode(v interface{}) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return errors.WithDetail(
			errors.Wrap(err, "failed to decode job payload"),
			"Job ID: "+j.ID,
		)
	}
	return nil
}

// EffectiveState is State, except an active job whose lock expired before
// now reports as stalled.
func (j *Job) EffectiveState(now time.Time) JobState {
	if j.State == JobStateActive && j.LockExpiresAt != nil && j.LockExpiresAt.Before(now) {
		return JobStateStalled
	}
	return j.State
}

// Options control a single enqueue
type Options struct {
	// Delay postpones the first run. Zero or negative means immediate.
	Delay time.Duration
	// IdempotencyKey rejects the enqueue while a non-terminal job with the
	// same key exists in the same queue.
	IdempotencyKey string
	// Priority orders ready jobs; higher runs first.
	Priority int
	// Attempts overrides the queue's attempt count when > 0.
	Attempts int
	// Backoff overrides the queue's backoff when non-nil.
	Backoff *Backoff
}

// JobHandle is what callers get back from Enqueue
type JobHandle struct {
	ID        string    `json:"id"`
	Queue     string    `json:"queue"`
	Key       string    `json:"key,omitempty"`
	State     JobState  `json:"state"`
	RunAt     time.Time `json:"run_at"`
	Duplicate bool      `json:"duplicate"` // an equivalent job was already scheduled
}

func handleFor(job *Job, duplicate bool) *JobHandle {
	return &JobHandle{
		ID:        job.ID,
		Queue:     job.Queue,
		Key:       job.IdempotencyKey,
		State:     job.State,
		RunAt:     job.RunAt,
		Duplicate: duplicate,
	}
}

// JobStatus is the caller-facing view of a job
type JobStatus struct {
	ID            string          `json:"id"`
	Queue         string          `json:"queue"`
	State         JobState        `json:"state"`
	Progress      int             `json:"progress"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	Result        json.RawMessage `json:"result,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	RunAt         time.Time       `json:"run_at"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
}

// Status projects the job into its caller-facing view at time now
func (j *Job) Status(now time.Time) *JobStatus {
	return &JobStatus{
		ID:            j.ID,
		Queue:         j.Queue,
		State:         j.EffectiveState(now),
		Progress:      j.Progress,
		Attempts:      j.Attempts,
		MaxAttempts:   j.MaxAttempts,
		Result:        j.Result,
		FailureReason: j.FailureReason,
		RunAt:         j.RunAt,
		FinishedAt:    j.FinishedAt,
	}
}
