package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/pawnx/errors"
)

const ruleColumns = `key, queue, cron, timezone, payload, state, next_run_at,
	last_run_at, last_job_id, created_at, updated_at`

// Store handles persistence of recurring rules and their executions
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new schedule store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SetClock replaces the time source (tests)
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		r                      Rule
		payload                string
		next, created, updated int64
		lastRun                sql.NullInt64
		lastJob                sql.NullString
	)
	if err := row.Scan(&r.Key, &r.Queue, &r.Cron, &r.Timezone, &payload, &r.State, &next,
		&lastRun, &lastJob, &created, &updated); err != nil {
		return nil, err
	}
	r.Payload = json.RawMessage(payload)
	r.NextRunAt = time.UnixMilli(next).UTC()
	if lastRun.Valid {
		t := time.UnixMilli(lastRun.Int64).UTC()
		r.LastRunAt = &t
	}
	r.LastJobID = lastJob.String
	r.CreatedAt = time.UnixMilli(created).UTC()
	r.UpdatedAt = time.UnixMilli(updated).UTC()
	return &r, nil
}

// Upsert registers rule under its key. Registering the same key again keeps
// a single rule; next_run_at is only recomputed when the cron expression or
// timezone changed, so restarts do not shift a pending fire.
func (s *Store) Upsert(ctx context.Context, rule *Rule) (*Rule, error) {
	if rule.Key == "" || rule.Queue == "" {
		return nil, errors.NewValidationError("rule key and queue are required")
	}
	payload := string(rule.Payload)
	if payload == "" {
		payload = "{}"
	}
	now := s.now()

	existing, err := s.Get(ctx, rule.Key)
	if err != nil && !errors.IsNotFoundError(err) {
		return nil, err
	}

	if existing != nil {
		next := existing.NextRunAt
		if existing.Cron != rule.Cron || existing.Timezone != rule.Timezone {
			if next, err = NextRun(rule.Cron, rule.Timezone, now); err != nil {
				return nil, err
			}
		}
		_, err := s.db.ExecContext(ctx, `
			UPDATE pulse_schedules
			SET queue = ?, cron = ?, timezone = ?, payload = ?, next_run_at = ?, updated_at = ?
			WHERE key = ?`,
			rule.Queue, rule.Cron, rule.Timezone, payload, next.UnixMilli(), now.UnixMilli(), rule.Key)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to update rule %s", rule.Key)
		}
		return s.Get(ctx, rule.Key)
	}

	next, err := NextRun(rule.Cron, rule.Timezone, now)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pulse_schedules (key, queue, cron, timezone, payload, state, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING`,
		rule.Key, rule.Queue, rule.Cron, rule.Timezone, payload, StateActive,
		next.UnixMilli(), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create rule %s", rule.Key)
	}
	return s.Get(ctx, rule.Key)
}

// Get returns the rule with key
func (s *Store) Get(ctx context.Context, key string) (*Rule, error) {
	r, err := scanRule(s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM pulse_schedules WHERE key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("rule not found: %s", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get rule %s", key)
	}
	return r, nil
}

// List returns every rule ordered by next fire
func (s *Store) List(ctx context.Context) ([]*Rule, error) {
	return s.query(ctx, `SELECT `+ruleColumns+` FROM pulse_schedules ORDER BY next_run_at`)
}

// ListDue returns active rules whose next fire is at or before now
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]*Rule, error) {
	return s.query(ctx, `SELECT `+ruleColumns+` FROM pulse_schedules
		WHERE state = ? AND next_run_at <= ? ORDER BY next_run_at`, StateActive, now.UnixMilli())
}

// Next returns the active rule firing soonest, or nil
func (s *Store) Next(ctx context.Context) (*Rule, error) {
	rules, err := s.query(ctx, `SELECT `+ruleColumns+` FROM pulse_schedules
		WHERE state = ? ORDER BY next_run_at LIMIT 1`, StateActive)
	if err != nil || len(rules) == 0 {
		return nil, err
	}
	return rules[0], nil
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query rules")
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan rule")
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// MarkFired advances a rule after a fire. The update is conditional on the
// fire time so two tickers sharing a database fire a rule once.
func (s *Store) MarkFired(ctx context.Context, key string, firedAt time.Time, jobID string, next time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pulse_schedules
		SET next_run_at = ?, last_run_at = ?, last_job_id = ?, updated_at = ?
		WHERE key = ? AND next_run_at = ?`,
		next.UnixMilli(), firedAt.UnixMilli(), sql.NullString{String: jobID, Valid: jobID != ""},
		s.now().UnixMilli(), key, firedAt.UnixMilli())
	if err != nil {
		return false, errors.Wrapf(err, "failed to advance rule %s", key)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// SetState pauses or resumes a rule. Resuming recomputes the next fire.
func (s *Store) SetState(ctx context.Context, key, state string) error {
	if state != StateActive && state != StatePaused {
		return errors.NewValidationError("unknown rule state %q", state)
	}
	r, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	next := r.NextRunAt
	now := s.now()
	if state == StateActive && r.State != StateActive {
		if next, err = NextRun(r.Cron, r.Timezone, now); err != nil {
			return err
		}
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE pulse_schedules SET state = ?, next_run_at = ?, updated_at = ? WHERE key = ?`,
		state, next.UnixMilli(), now.UnixMilli(), key)
	if err != nil {
		return errors.Wrapf(err, "failed to set rule %s to %s", key, state)
	}
	return nil
}

// Delete removes a rule and its execution log
func (s *Store) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pulse_schedules WHERE key = ?`, key)
	if err != nil {
		return errors.Wrapf(err, "failed to delete rule %s", key)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("rule not found: %s", key)
	}
	return nil
}
