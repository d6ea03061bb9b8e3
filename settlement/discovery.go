package settlement

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pawnx/am"
	"github.com/teranos/pawnx/logger"
	"github.com/teranos/pawnx/pulse/async"
	"github.com/teranos/pawnx/pulse/batch"
	"github.com/teranos/pawnx/vault"
)

// DiscoveryInitiator is recorded as the initiator of scheduled repayments
const DiscoveryInitiator = "scheduler"

// Enqueuer accepts jobs; satisfied by *async.Queue and *async.Registry
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload interface{}, opts async.Options) (*async.JobHandle, error)
}

// RepaymentKey is the idempotency key of the delayed repayment job that
// fires at a token's expiry
func RepaymentKey(tokenID string, expiry time.Time) string {
	return fmt.Sprintf("repayment:%s:%d", tokenID, expiry.UnixMilli())
}

// ImmediateRepaymentKey keys a repayment for a token found already expired
func ImmediateRepaymentKey(tokenID string, now time.Time) string {
	return fmt.Sprintf("repayment:%s:immediate:%d", tokenID, now.UnixMilli())
}

// ManualRepaymentKey keys an operator requested repayment. Requests for the
// same token collapse into one job until that job completes or fails.
func ManualRepaymentKey(tokenID string) string {
	return "repayment:" + tokenID + ":manual"
}

// Scheduled is one repayment job placed by discovery
type Scheduled struct {
	TokenID   string        `json:"token_id"`
	JobID     string        `json:"job_id"`
	Key       string        `json:"key"`
	Delay     time.Duration `json:"delay"`
	Duplicate bool          `json:"duplicate"`
}

// DiscoveryResult summarizes one discovery run
type DiscoveryResult struct {
	WindowStart time.Time             `json:"window_start"`
	WindowEnd   time.Time             `json:"window_end"`
	Forced      bool                  `json:"forced"`
	Found       int                   `json:"found"`
	Scheduled   []Scheduled           `json:"scheduled"`
	Outcome     batch.Outcome[string] `json:"outcome"`
}

// Discovery finds tokens expiring today and schedules their repayment
type Discovery struct {
	store  *vault.Store
	queue  Enqueuer
	loc    *time.Location
	now    func() time.Time
	logger *zap.SugaredLogger
}

// NewDiscovery creates a discovery step evaluating "today" in loc
func NewDiscovery(store *vault.Store, queue Enqueuer, loc *time.Location, log *zap.SugaredLogger) *Discovery {
	if loc == nil {
		loc = time.UTC
	}
	return &Discovery{store: store, queue: queue, loc: loc, now: time.Now, logger: log}
}

// SetClock overrides the clock
func (d *Discovery) SetClock(now func() time.Time) {
	d.now = now
}

// Run schedules a repayment for every SUCCESS token whose expiry falls in
// today's local window. Tokens still ahead of expiry get a job delayed to
// the exact instant; expired ones run immediately. force also sweeps
// SUCCESS tokens whose expiry passed before today, and a forced run always
// logs its summary even when nothing was found. Per-token enqueue failures
// are logged and reported, never returned.
func (d *Discovery) Run(ctx context.Context, force bool) (*DiscoveryResult, error) {
	now := d.now()
	local := now.In(d.loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, d.loc)
	dayEnd := dayStart.AddDate(0, 0, 1)

	res := &DiscoveryResult{WindowStart: dayStart, WindowEnd: dayEnd, Forced: force}

	tokens, err := d.store.ListTokensExpiring(ctx, vault.StatusSuccess, dayStart, dayEnd)
	if err != nil {
		return nil, err
	}
	if force {
		overdue, err := d.store.ListTokensExpiring(ctx, vault.StatusSuccess, time.UnixMilli(0), dayStart)
		if err != nil {
			return nil, err
		}
		tokens = append(overdue, tokens...)
	}
	res.Found = len(tokens)

	if len(tokens) == 0 && !force {
		d.logger.Infow("No tokens due for repayment", "window_start", dayStart, "forced", force)
		return res, nil
	}

	for _, token := range tokens {
		delay := token.ExpiresAt.Sub(now)
		key := RepaymentKey(token.ID, token.ExpiresAt)
		if delay <= 0 {
			delay = 0
			key = ImmediateRepaymentKey(token.ID, now)
		}

		handle, err := d.queue.Enqueue(ctx, am.QueueRepayment,
			Job{TokenID: token.ID, InitiatorID: DiscoveryInitiator},
			async.Options{Delay: delay, IdempotencyKey: key})
		if err != nil {
			d.logger.Errorw("Failed to schedule repayment",
				logger.FieldTokenID, token.ID,
				logger.FieldError, err)
			res.Outcome.Fail(token.ID, err)
			continue
		}

		res.Scheduled = append(res.Scheduled, Scheduled{
			TokenID:   token.ID,
			JobID:     handle.ID,
			Key:       key,
			Delay:     delay,
			Duplicate: handle.Duplicate,
		})
		res.Outcome.Succeed(token.ID)
		d.logger.Infow("Scheduled repayment",
			logger.FieldTokenID, token.ID,
			logger.FieldJobID, handle.ID,
			logger.FieldDelayMS, delay.Milliseconds(),
			"duplicate", handle.Duplicate)
	}

	d.logger.Infow("Repayment discovery finished",
		"found", res.Found,
		"scheduled", len(res.Outcome.Succeeded),
		"failed", len(res.Outcome.Failed),
		"forced", force)
	return res, nil
}

// DiscoveryJob is the scheduler queue payload
type DiscoveryJob struct {
	Force bool `json:"force,omitempty"`
}

// Execute runs discovery as a scheduler-queue job
func (d *Discovery) Execute(ctx context.Context, job *async.Job, progress async.ProgressReporter) (interface{}, error) {
	var p DiscoveryJob
	if len(job.Payload) > 0 {
		if err := job.Decode(&p); err != nil {
			return nil, async.Unrecoverable(err)
		}
	}
	return d.Run(ctx, p.Force)
}
