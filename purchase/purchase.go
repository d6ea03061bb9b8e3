// Package purchase sells a token's shares from the treasury to an investor.
package purchase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pawnx/errors"
	"github.com/teranos/pawnx/internal/util"
	"github.com/teranos/pawnx/ledger"
	"github.com/teranos/pawnx/logger"
	"github.com/teranos/pawnx/pulse"
	"github.com/teranos/pawnx/pulse/async"
	"github.com/teranos/pawnx/pulse/batch"
	"github.com/teranos/pawnx/pulse/retry"
	"github.com/teranos/pawnx/vault"
)

// Progress stages
const (
	StageValidating = "validating"
	StagePaying     = "paying"
	StageDelivering = "delivering"
	StageFreezing   = "freezing"
	StageUpdating   = "updating_balances"
)

// Failure stages recorded in the failure ledger
const (
	FailDeliver = "deliver_units"
	FailFreeze  = "freeze"
	FailBalance = "balance_refresh"
)

// Job is the token-purchase queue payload
type Job struct {
	TokenID      string `json:"token_id"`
	Investor     string `json:"investor_account_id"`
	Units        int    `json:"units"`
	InitiatorID  string `json:"initiator_id"`
	SubscriberID string `json:"subscriber_id,omitempty"`
}

// IdempotencyKey keys a purchase by the caller's request id
func IdempotencyKey(requestID string) string {
	return "purchase:" + requestID
}

// Result is the stored outcome of a purchase
type Result struct {
	TokenID        string   `json:"token_id"`
	Investor       string   `json:"investor"`
	UnitsRequested int      `json:"units_requested"`
	UnitsDelivered int      `json:"units_delivered"`
	Serials        []int64  `json:"serials"`
	Cost           float64  `json:"cost"`
	PaymentTxID    string   `json:"payment_tx_id"`
	DeliveryTxIDs  []string `json:"delivery_tx_ids"`
	FreezeTxID     string   `json:"freeze_tx_id,omitempty"`
	Failures       []string `json:"failures,omitempty"`
}

// Handler runs token-purchase jobs
type Handler struct {
	store          *vault.Store
	client         ledger.Client
	keys           ledger.KeyProvider
	bus            *pulse.Bus
	policy         retry.Policy
	paymentTokenID string
	ceiling        int
	logger         *zap.SugaredLogger
}

// NewHandler creates the purchase handler. bus may be nil.
func NewHandler(store *vault.Store, client ledger.Client, keys ledger.KeyProvider, bus *pulse.Bus, policy retry.Policy, paymentTokenID string, ceiling int, log *zap.SugaredLogger) *Handler {
	if policy.IsTransient == nil {
		policy.IsTransient = ledger.IsTransient
	}
	if ceiling <= 0 {
		ceiling = ledger.DefaultBatchCeiling
	}
	return &Handler{
		store:          store,
		client:         client,
		keys:           keys,
		bus:            bus,
		policy:         policy,
		paymentTokenID: paymentTokenID,
		ceiling:        ceiling,
		logger:         log,
	}
}

// Execute implements async.JobHandler
func (h *Handler) Execute(ctx context.Context, job *async.Job, progress async.ProgressReporter) (interface{}, error) {
	var p Job
	if err := job.Decode(&p); err != nil {
		return nil, async.Unrecoverable(err)
	}
	subscriber := p.SubscriberID
	if subscriber == "" {
		subscriber = p.InitiatorID
	}
	emit := pulse.NewJobEmitter(h.bus, progress, job.ID, p.TokenID, subscriber)

	res, stage, err := h.run(ctx, job.ID, &p, emit)
	if err != nil {
		emit.EmitError(ctx, stage, err)
		return nil, err
	}
	emit.EmitComplete(ctx, res)
	return res, nil
}

func (h *Handler) call(ctx context.Context, fn func(ctx context.Context) (*ledger.Receipt, error)) (*ledger.Receipt, error) {
	var receipt *ledger.Receipt
	_, err := h.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		var err error
		receipt, err = fn(ctx)
		return err
	})
	return receipt, err
}

func (h *Handler) run(ctx context.Context, jobID string, p *Job, emit *pulse.JobEmitter) (*Result, string, error) {
	start := time.Now()
	log := h.logger.With(logger.FieldJobID, jobID, logger.FieldTokenID, p.TokenID, logger.FieldAccount, p.Investor)
	emit.EmitStage(ctx, StageValidating, 10, "Validating purchase", nil)

	if p.TokenID == "" || p.Investor == "" || p.Units <= 0 {
		return nil, StageValidating, errors.NewValidationError("purchase needs a token, an investor and a positive unit count")
	}
	if h.paymentTokenID == "" {
		return nil, StageValidating, errors.NewValidationError("ledger.payment_token_id is not configured")
	}
	token, err := h.store.GetToken(ctx, p.TokenID)
	if errors.IsNotFoundError(err) {
		return nil, StageValidating, errors.Mark(err, errors.ErrValidation)
	}
	if err != nil {
		return nil, StageValidating, err
	}
	if token.Status != vault.StatusSuccess {
		return nil, StageValidating, errors.NewValidationError("token %s is %s and not for sale", token.ID, token.Status)
	}
	operator, err := h.keys.Operator(ctx)
	if err != nil {
		return nil, StageValidating, err
	}
	investor, err := h.keys.Credentials(ctx, p.Investor)
	if err != nil {
		return nil, StageValidating, err
	}

	var records []ledger.HolderRecord
	if _, err := h.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		records, err = h.client.GetHolders(ctx, token.LedgerTokenID)
		return err
	}); err != nil {
		return nil, StageValidating, errors.Wrap(err, "failed to fetch holders")
	}
	var available []int64
	for _, pos := range ledger.ConsolidateHolders(records, "") {
		if pos.Account == operator.AccountID {
			available = pos.Serials
		}
	}
	if len(available) < p.Units {
		return nil, StageValidating, errors.Mark(
			errors.Newf("treasury holds %d units of %s, %d requested", len(available), token.ID, p.Units),
			errors.ErrInsufficientBalance)
	}

	cost := util.RoundCents(float64(p.Units) * token.SharePrice())
	balance, err := h.store.Balance(ctx, p.Investor)
	if err != nil {
		return nil, StageValidating, err
	}
	if balance < cost {
		return nil, StageValidating, errors.WithDetailf(
			errors.Mark(errors.Newf("investor %s cannot cover purchase", p.Investor), errors.ErrInsufficientBalance),
			"balance %.2f, required %.2f", balance, cost)
	}

	res := &Result{TokenID: token.ID, Investor: p.Investor, UnitsRequested: p.Units, Cost: cost}

	emit.EmitStage(ctx, StagePaying, 30, "Transferring payment", map[string]interface{}{"cost": cost})
	paid, err := h.call(ctx, func(ctx context.Context) (*ledger.Receipt, error) {
		return h.client.TransferFunds(ctx, h.paymentTokenID, p.Investor, operator.AccountID, cost, investor)
	})
	if err != nil {
		return nil, StagePaying, errors.Wrap(err, "payment failed")
	}
	res.PaymentTxID = paid.TxID
	log.Infow("Purchase paid", logger.FieldAmount, cost, logger.FieldTxID, paid.TxID)

	// the investor has paid; from here on failures are recorded, not returned
	ctx = context.WithoutCancel(ctx)
	fail := func(stage string, err error) {
		res.Failures = append(res.Failures, stage+": "+err.Error())
		log.Warnw("Purchase step failed", logger.FieldStage, stage, logger.FieldError, err)
		if rerr := h.store.RecordFailure(ctx, vault.FailureRecord{
			TokenID: token.ID, Account: p.Investor, Stage: stage, JobID: jobID, Reason: err.Error(),
		}); rerr != nil {
			log.Errorw("Failed to persist purchase failure", logger.FieldError, rerr)
		}
	}

	emit.EmitStage(ctx, StageDelivering, 60, "Delivering shares", nil)
	// a returning investor is frozen from an earlier purchase
	if _, err := h.call(ctx, func(ctx context.Context) (*ledger.Receipt, error) {
		return h.client.Unfreeze(ctx, token.LedgerTokenID, p.Investor, operator)
	}); err != nil {
		fail(FailDeliver, errors.Wrap(err, "unfreeze before delivery"))
	}
	delivered, _ := batch.Run(ctx, available[:p.Units], h.ceiling, h.policy,
		func(ctx context.Context, chunk []int64) (*ledger.Receipt, error) {
			return h.client.TransferUnits(ctx, token.LedgerTokenID, chunk, operator.AccountID, p.Investor, operator)
		})
	for _, r := range delivered.Results {
		res.DeliveryTxIDs = append(res.DeliveryTxIDs, r.TxID)
	}
	res.Serials = delivered.Outcome.Succeeded
	res.UnitsDelivered = delivered.ProcessedCount
	for _, fb := range delivered.FailedBatches {
		fail(FailDeliver, errors.WithDetailf(fb.Err, "serials %v", fb.Items))
	}

	emit.EmitStage(ctx, StageFreezing, 80, "Freezing investor holding", nil)
	frozen, err := h.call(ctx, func(ctx context.Context) (*ledger.Receipt, error) {
		return h.client.Freeze(ctx, token.LedgerTokenID, p.Investor, operator)
	})
	if err != nil {
		fail(FailFreeze, err)
	} else {
		res.FreezeTxID = frozen.TxID
	}

	emit.EmitStage(ctx, StageUpdating, 90, "Updating balances", nil)
	balances := make(map[string]float64, 2)
	for _, account := range []string{p.Investor, operator.AccountID} {
		var bal float64
		if _, err := h.policy.Do(ctx, func(ctx context.Context, attempt int) error {
			var err error
			bal, err = h.client.GetBalance(ctx, account, h.paymentTokenID)
			return err
		}); err != nil {
			fail(FailBalance, errors.Wrapf(err, "read balance of %s", account))
			continue
		}
		balances[account] = bal
	}
	err = h.store.WithTx(ctx, func(tx *vault.Store) error {
		for account, bal := range balances {
			role := vault.RoleInvestor
			if account == operator.AccountID {
				role = vault.RoleTreasury
			}
			if err := tx.SetBalance(ctx, account, role, bal); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, StageUpdating, err
	}

	log.Infow("Purchase complete",
		"delivered", res.UnitsDelivered,
		"requested", res.UnitsRequested,
		logger.FieldDurationMS, time.Since(start).Milliseconds())
	return res, "", nil
}
