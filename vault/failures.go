package vault

import (
	"context"
	"time"

	"github.com/teranos/pawnx/errors"
)

// FailureRecord is one account's failed settlement step for a token.
// Repeated failures of the same (token, account, stage) bump Occurrences.
type FailureRecord struct {
	TokenID     string    `json:"token_id"`
	Account     string    `json:"account"`
	Stage       string    `json:"stage"`
	JobID       string    `json:"job_id"`
	Reason      string    `json:"reason"`
	Occurrences int       `json:"occurrences"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RecordFailure upserts a failure record
func (s *Store) RecordFailure(ctx context.Context, rec FailureRecord) error {
	now := millis(s.now())
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO settlement_failures (token_id, account, stage, job_id, reason, occurrences, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(token_id, account, stage) DO UPDATE SET
			job_id = excluded.job_id,
			reason = excluded.reason,
			occurrences = settlement_failures.occurrences + 1,
			updated_at = excluded.updated_at`,
		rec.TokenID, rec.Account, rec.Stage, rec.JobID, rec.Reason, now, now)
	if err != nil {
		return errors.Wrapf(err, "failed to record %s failure for %s", rec.Stage, rec.Account)
	}
	return nil
}

// ListFailures returns the failure records of a token ordered by account and stage
func (s *Store) ListFailures(ctx context.Context, tokenID string) ([]FailureRecord, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT token_id, account, stage, job_id, reason, occurrences, created_at, updated_at
		FROM settlement_failures WHERE token_id = ?
		ORDER BY account, stage`, tokenID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list failures for token %s", tokenID)
	}
	defer rows.Close()

	var out []FailureRecord
	for rows.Next() {
		var (
			r                    FailureRecord
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&r.TokenID, &r.Account, &r.Stage, &r.JobID, &r.Reason, &r.Occurrences, &createdAt, &updatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan failure record")
		}
		r.CreatedAt = fromMillis(createdAt)
		r.UpdatedAt = fromMillis(updatedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
