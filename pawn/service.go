// Package pawn exposes the settlement system's operations to collaborators:
// enqueueing repayments, mints and purchases, reading job status, and
// registering the daily recurring jobs.
package pawn

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pawnx/am"
	"github.com/teranos/pawnx/errors"
	"github.com/teranos/pawnx/logger"
	"github.com/teranos/pawnx/market"
	"github.com/teranos/pawnx/mint"
	"github.com/teranos/pawnx/pulse/async"
	"github.com/teranos/pawnx/pulse/schedule"
	"github.com/teranos/pawnx/purchase"
	"github.com/teranos/pawnx/settlement"
	"github.com/teranos/pawnx/vault"
)

// Recurring rule keys. Registering a rule twice updates it in place.
const (
	RuleDailyDiscovery = "daily-repayment-discovery"
	RuleDailyPrice     = "daily-gold-price"
)

// RepaymentRequest asks for an immediate repayment of a token
type RepaymentRequest struct {
	TokenID           string `json:"token_id"`
	ListingID         string `json:"listing_id,omitempty"`
	InitiatorID       string `json:"initiator_id"`
	OperatorAccountID string `json:"operator_account_id,omitempty"`
	SubscriberID      string `json:"subscriber_id,omitempty"`
}

// PurchaseRequest asks to sell units of a token to an investor. RequestID
// makes retries of the same request land on the same job.
type PurchaseRequest struct {
	RequestID string `json:"request_id"`
	purchase.Job
}

// Service is the collaborator-facing API
type Service struct {
	queue  *async.Queue
	rules  *schedule.Store
	store  *vault.Store
	cfg    *am.Config
	logger *zap.SugaredLogger
}

// NewService creates the service
func NewService(queue *async.Queue, rules *schedule.Store, store *vault.Store, cfg *am.Config, log *zap.SugaredLogger) *Service {
	return &Service{queue: queue, rules: rules, store: store, cfg: cfg, logger: log}
}

// EnqueueRepayment schedules an immediate repayment job for a token. The
// listing is resolved from the token when not given. While a repayment job
// for the token is waiting or running, the existing job is returned.
func (s *Service) EnqueueRepayment(ctx context.Context, req RepaymentRequest) (*async.JobHandle, error) {
	if req.TokenID == "" || req.InitiatorID == "" {
		return nil, errors.NewValidationError("token_id and initiator_id are required")
	}
	token, err := s.store.GetToken(ctx, req.TokenID)
	if err != nil {
		return nil, err
	}
	if req.ListingID == "" {
		listing, err := s.store.FindListingForToken(ctx, token.ID)
		switch {
		case err == nil:
			req.ListingID = listing.ID
		case !errors.IsNotFoundError(err):
			return nil, err
		}
	}

	h, err := s.queue.Enqueue(ctx, am.QueueRepayment, settlement.Job{
		TokenID:           token.ID,
		ListingID:         req.ListingID,
		InitiatorID:       req.InitiatorID,
		OperatorAccountID: req.OperatorAccountID,
		SubscriberID:      req.SubscriberID,
	}, async.Options{IdempotencyKey: settlement.ManualRepaymentKey(token.ID)})
	if err != nil {
		return nil, err
	}
	s.logger.Infow("Repayment enqueued",
		logger.FieldJobID, h.ID,
		logger.FieldTokenID, token.ID,
		logger.FieldUserID, req.InitiatorID)
	return h, nil
}

// EnqueueMint schedules the mint of a token's shares. A token has at most
// one mint job; enqueueing again returns the existing one.
func (s *Service) EnqueueMint(ctx context.Context, job mint.Job) (*async.JobHandle, error) {
	if job.TokenID == "" || job.TotalUnits <= 0 {
		return nil, errors.NewValidationError("token_id and a positive total_units are required")
	}
	if _, err := s.store.GetToken(ctx, job.TokenID); err != nil {
		return nil, err
	}
	h, err := s.queue.Enqueue(ctx, am.QueueTokenMint, job, async.Options{IdempotencyKey: mint.IdempotencyKey(job.TokenID)})
	if err != nil {
		return nil, err
	}
	if h.Duplicate {
		s.logger.Infow("Mint already enqueued", logger.FieldJobID, h.ID, logger.FieldTokenID, job.TokenID)
	}
	return h, nil
}

// EnqueuePurchase schedules a token purchase
func (s *Service) EnqueuePurchase(ctx context.Context, req PurchaseRequest) (*async.JobHandle, error) {
	if req.RequestID == "" {
		return nil, errors.NewValidationError("request_id is required")
	}
	if req.TokenID == "" || req.Investor == "" || req.Units <= 0 {
		return nil, errors.NewValidationError("token_id, investor_account_id and a positive units are required")
	}
	return s.queue.Enqueue(ctx, am.QueueTokenPurchase, req.Job, async.Options{IdempotencyKey: purchase.IdempotencyKey(req.RequestID)})
}

// GetJobStatus returns a job's state, progress, and result or failure reason
func (s *Service) GetJobStatus(ctx context.Context, jobID string) (*async.JobStatus, error) {
	return s.queue.GetStatus(ctx, jobID)
}

// ScheduleDailyDiscovery registers the daily repayment discovery
func (s *Service) ScheduleDailyDiscovery(ctx context.Context) (*schedule.Rule, error) {
	return s.upsertRule(ctx, RuleDailyDiscovery, am.QueueScheduler, s.cfg.Scheduler.DiscoveryCron, settlement.DiscoveryJob{})
}

// ScheduleDailyExternalPriceFetch registers the daily reference price fetch
func (s *Service) ScheduleDailyExternalPriceFetch(ctx context.Context) (*schedule.Rule, error) {
	return s.upsertRule(ctx, RuleDailyPrice, am.QueueGoldPrice, s.cfg.Scheduler.PriceCron, market.Job{Asset: s.cfg.Market.Asset})
}

func (s *Service) upsertRule(ctx context.Context, key, queue, expr string, payload interface{}) (*schedule.Rule, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode %s payload", key)
	}
	rule, err := s.rules.Upsert(ctx, &schedule.Rule{
		Key:      key,
		Queue:    queue,
		Cron:     expr,
		Timezone: s.cfg.Scheduler.Timezone,
		Payload:  data,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Infow("Recurring job registered",
		"rule", key,
		logger.FieldQueue, queue,
		"cron", expr,
		"next_run_at", rule.NextRunAt.In(s.cfg.Location()).Format(time.RFC3339))
	return rule, nil
}

// CleanupStalled requeues active jobs whose lock expired
func (s *Service) CleanupStalled(ctx context.Context) (int, error) {
	n, err := s.queue.CleanupStalled(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warnw("Requeued stalled jobs", logger.FieldCount, n)
	}
	return n, nil
}

// TriggerDiscovery enqueues a discovery run now. force also sweeps tokens
// whose expiry passed before today and always logs the run summary.
func (s *Service) TriggerDiscovery(ctx context.Context, force bool) (*async.JobHandle, error) {
	return s.queue.Enqueue(ctx, am.QueueScheduler, settlement.DiscoveryJob{Force: force}, async.Options{})
}

// CancelJob removes a waiting or delayed job
func (s *Service) CancelJob(ctx context.Context, jobID string) error {
	return s.queue.Remove(ctx, jobID)
}

// Failures lists recorded settlement and purchase failures of a token
func (s *Service) Failures(ctx context.Context, tokenID string) ([]vault.FailureRecord, error) {
	return s.store.ListFailures(ctx, tokenID)
}
