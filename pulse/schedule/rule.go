// Package schedule runs recurring rules: a cron expression evaluated in a
// named timezone that enqueues a job on a pulse queue at every fire.
package schedule

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teranos/pawnx/errors"
)

// Rule is a recurring enqueue, identified by a fixed well-known key so that
// re-registering it never creates a second schedule.
type Rule struct {
	Key       string          `json:"key"`
	Queue     string          `json:"queue"`
	Cron      string          `json:"cron"`
	Timezone  string          `json:"timezone"`
	Payload   json.RawMessage `json:"payload"`
	State     string          `json:"state"`
	NextRunAt time.Time       `json:"next_run_at"`
	LastRunAt *time.Time      `json:"last_run_at,omitempty"`
	LastJobID string          `json:"last_job_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// State constants for rules
const (
	StateActive = "active" // fires on schedule
	StatePaused = "paused" // kept but skipped by the ticker
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NextRun returns the first fire of expr in timezone strictly after after
func NextRun(expr, timezone string, after time.Time) (time.Time, error) {
	if _, err := time.LoadLocation(timezone); err != nil {
		return time.Time{}, errors.Wrapf(err, "unknown timezone %q", timezone)
	}
	sched, err := parser.Parse("CRON_TZ=" + timezone + " " + expr)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid cron expression %q", expr)
	}
	next := sched.Next(after)
	if next.IsZero() {
		return time.Time{}, errors.Newf("cron expression %q never fires", expr)
	}
	return next.UTC(), nil
}

// FireKey is the idempotency key of the job a rule enqueues for one fire
func FireKey(ruleKey string, firedAt time.Time) string {
	return ruleKey + ":" + strconv.FormatInt(firedAt.Unix(), 10)
}
