package schedule

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/pawnx/errors"
)

// Execution records one fire of a rule
//
// Each fire writes exactly one row: the job it enqueued, or that the job
// was already scheduled, or why the enqueue failed.
type Execution struct {
	ID           string    `json:"id"`
	RuleKey      string    `json:"rule_key"`
	FiredAt      time.Time `json:"fired_at"`
	JobID        string    `json:"job_id,omitempty"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Execution status constants
const (
	ExecutionStatusEnqueued  = "enqueued"
	ExecutionStatusDuplicate = "duplicate"
	ExecutionStatusFailed    = "failed"
)

// RecordExecution appends an execution row
func (s *Store) RecordExecution(ctx context.Context, exec *Execution) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pulse_executions (id, schedule_key, fired_at, job_id, status, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.RuleKey, exec.FiredAt.UnixMilli(),
		sql.NullString{String: exec.JobID, Valid: exec.JobID != ""},
		exec.Status,
		sql.NullString{String: exec.ErrorMessage, Valid: exec.ErrorMessage != ""},
		exec.CreatedAt.UnixMilli())
	if err != nil {
		return errors.Wrapf(err, "failed to record execution of %s", exec.RuleKey)
	}
	return nil
}

// ListExecutions returns the latest executions of a rule, newest first
func (s *Store) ListExecutions(ctx context.Context, ruleKey string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, schedule_key, fired_at, job_id, status, error_message, created_at
		FROM pulse_executions WHERE schedule_key = ?
		ORDER BY fired_at DESC, created_at DESC LIMIT ?`, ruleKey, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list executions of %s", ruleKey)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		var (
			e                Execution
			fired, created   int64
			jobID, errorText sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.RuleKey, &fired, &jobID, &e.Status, &errorText, &created); err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		e.FiredAt = time.UnixMilli(fired).UTC()
		e.CreatedAt = time.UnixMilli(created).UTC()
		e.JobID = jobID.String
		e.ErrorMessage = errorText.String
		out = append(out, &e)
	}
	return out, rows.Err()
}
