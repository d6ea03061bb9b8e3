// Package settlement buys back every outstanding share of a pawned-asset
// token and releases its collateral.
//
// A run walks fixed stages: validate, calculate buyback costs, pay holders,
// reclaim and burn their units, then close the token and its listing.
// Ledger effects cannot be undone, so per-holder failures are recorded and
// skipped; only the internal bookkeeping at the end is atomic.
package settlement

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pawnx/am"
	"github.com/teranos/pawnx/errors"
	"github.com/teranos/pawnx/internal/util"
	"github.com/teranos/pawnx/ledger"
	"github.com/teranos/pawnx/logger"
	"github.com/teranos/pawnx/pulse"
	"github.com/teranos/pawnx/pulse/batch"
	"github.com/teranos/pawnx/pulse/retry"
	"github.com/teranos/pawnx/vault"
)

// Config holds the settlement settings taken from am.Config
type Config struct {
	PaymentTokenID string
	BatchCeiling   int
	DaysPerMonth   float64
}

// ConfigFrom extracts the settlement settings
func ConfigFrom(cfg *am.Config) Config {
	return Config{
		PaymentTokenID: cfg.Ledger.PaymentTokenID,
		BatchCeiling:   cfg.Ledger.BatchCeiling,
		DaysPerMonth:   cfg.Settlement.DaysPerMonth,
	}
}

// Request starts one settlement
type Request struct {
	JobID       string
	TokenID     string
	ListingID   string // optional; the token's latest listing otherwise
	InitiatorID string
	// OperatorAccountID overrides the configured treasury account
	OperatorAccountID string
}

// Pipeline runs settlements
type Pipeline struct {
	store  *vault.Store
	client ledger.Client
	keys   ledger.KeyProvider
	policy retry.Policy
	cfg    Config
	now    func() time.Time
	logger *zap.SugaredLogger
}

// NewPipeline creates a settlement pipeline. Ledger calls retry under
// policy; a nil policy.IsTransient uses ledger.IsTransient.
func NewPipeline(store *vault.Store, client ledger.Client, keys ledger.KeyProvider, policy retry.Policy, cfg Config, log *zap.SugaredLogger) *Pipeline {
	if policy.IsTransient == nil {
		policy.IsTransient = ledger.IsTransient
	}
	if cfg.BatchCeiling <= 0 {
		cfg.BatchCeiling = ledger.DefaultBatchCeiling
	}
	if cfg.DaysPerMonth <= 0 {
		cfg.DaysPerMonth = DefaultDaysPerMonth
	}
	return &Pipeline{
		store:  store,
		client: client,
		keys:   keys,
		policy: policy,
		cfg:    cfg,
		now:    time.Now,
		logger: log,
	}
}

// SetClock overrides the clock used for ROI accrual
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// Run settles req.TokenID, emitting progress on emit.
//
// Validation and consistency failures return before any ledger effect and
// leave the token untouched; the queue does not retry them. Any other
// pipeline-level failure marks the token REPAYMENT_FAILED and is returned
// for the queue to retry. A token already settled returns at once.
//
// Before paying anyone the run claims the token for req.JobID; a token
// claimed by another job is rejected. Each payout is recorded as soon as
// the ledger confirms it, and a retried run skips holders already paid.
func (p *Pipeline) Run(ctx context.Context, req Request, emit pulse.ProgressEmitter) (*Result, error) {
	log := p.logger.With(logger.FieldJobID, req.JobID, logger.FieldTokenID, req.TokenID)
	start := time.Now()

	emit.EmitStage(ctx, StageValidating, 10, "Validating settlement request", nil)
	sc, err := p.validate(ctx, req)
	if err != nil {
		return nil, p.abort(ctx, log, emit, sc, StageValidating, err)
	}
	if sc.Token.Status == vault.StatusRepaymentProcessed {
		log.Infow("Token already settled, skipping")
		res := &Result{TokenID: sc.Token.ID, LedgerTokenID: sc.Token.LedgerTokenID, AlreadySettled: true, SettledAt: sc.Token.UpdatedAt}
		emit.EmitComplete(ctx, res)
		return res, nil
	}

	emit.EmitStage(ctx, StageCalculating, 30, "Calculating buyback costs", nil)
	if err := p.calculate(ctx, sc); err != nil {
		return nil, p.abort(ctx, log, emit, sc, StageCalculating, err)
	}
	log.Infow("Buyback calculated",
		"holders", len(sc.Holders),
		"total_cost", sc.TotalCost,
		"months", sc.Months,
		"share_price", sc.SharePrice)

	if err := p.claim(ctx, sc); err != nil {
		return nil, p.abort(ctx, log, emit, sc, StageCalculating, err)
	}

	// ledger effects start here; the run is no longer cancellable
	ctx = context.WithoutCancel(ctx)

	emit.EmitStage(ctx, StageTransfer, 60, "Transferring buyback funds",
		map[string]interface{}{"holders": len(sc.Holders), "total_cost": sc.TotalCost})
	p.transferFunds(ctx, log, sc)

	emit.EmitStage(ctx, StageCollateral, 80, "Reclaiming and burning shares", nil)
	p.reclaimCollateral(ctx, log, sc)

	emit.EmitStage(ctx, StageUpdating, 90, "Updating token and listing status", nil)
	if err := p.finalize(ctx, sc); err != nil {
		return nil, p.abort(ctx, log, emit, sc, StageUpdating, err)
	}

	res := sc.result()
	log.Infow("Settlement complete",
		"holders", res.HolderCount,
		"units_returned", res.UnitsReturned,
		"units_burned", res.UnitsBurned,
		"failures", len(res.Failures),
		logger.FieldDurationMS, time.Since(start).Milliseconds())
	emit.EmitComplete(ctx, res)
	return res, nil
}

// abort reports err and, unless it is a fail-fast error, marks the token
// REPAYMENT_FAILED
func (p *Pipeline) abort(ctx context.Context, log *zap.SugaredLogger, emit pulse.ProgressEmitter, sc *Context, stage string, err error) error {
	err = errors.Wrapf(err, "settlement %s", stage)
	emit.EmitError(ctx, stage, err)

	if errors.IsUnrecoverable(err) || sc == nil || sc.Token == nil {
		log.Warnw("Settlement rejected", logger.FieldStage, stage, logger.FieldError, err)
		return err
	}

	log.Errorw("Settlement failed", logger.FieldStage, stage, logger.FieldError, err)
	if serr := p.store.UpdateTokenStatus(context.WithoutCancel(ctx), sc.Token.ID, vault.StatusRepaymentFailed, sc.InitiatorID); serr != nil {
		return errors.WithSecondaryError(err, serr)
	}
	return err
}

func (p *Pipeline) validate(ctx context.Context, req Request) (*Context, error) {
	if req.TokenID == "" {
		return nil, errors.NewValidationError("token id is required")
	}
	if req.InitiatorID == "" {
		return nil, errors.NewValidationError("initiator is required")
	}

	token, err := p.store.GetToken(ctx, req.TokenID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return nil, errors.Mark(err, errors.ErrValidation)
		}
		return nil, err
	}
	sc := &Context{JobID: req.JobID, Token: token, InitiatorID: req.InitiatorID, Now: p.now().UTC()}

	switch token.Status {
	case vault.StatusRepaymentProcessed:
		return sc, nil
	case vault.StatusSuccess, vault.StatusRepaymentFailed:
	case vault.StatusRepaymentInProgress:
		if token.SettlementJobID != req.JobID {
			return nil, settlementConflict(token.ID, token.SettlementJobID)
		}
	default:
		return nil, errors.NewValidationError("token %s is %s and cannot be settled", token.ID, token.Status)
	}
	if token.LedgerTokenID == "" || token.MintedShares <= 0 {
		return nil, errors.NewValidationError("token %s has no minted shares", token.ID)
	}
	if p.cfg.PaymentTokenID == "" {
		return nil, errors.NewValidationError("ledger.payment_token_id is not configured")
	}

	if req.ListingID != "" {
		sc.Listing, err = p.store.GetListing(ctx, req.ListingID)
		if errors.IsNotFoundError(err) {
			return nil, errors.Mark(err, errors.ErrValidation)
		}
		if err != nil {
			return nil, err
		}
		if sc.Listing.TokenID != token.ID {
			return nil, errors.NewValidationError("listing %s does not belong to token %s", sc.Listing.ID, token.ID)
		}
	} else {
		sc.Listing, err = p.store.FindListingForToken(ctx, token.ID)
		if err != nil && !errors.IsNotFoundError(err) {
			return nil, err
		}
	}

	if req.OperatorAccountID != "" {
		sc.Operator, err = p.keys.Credentials(ctx, req.OperatorAccountID)
	} else {
		sc.Operator, err = p.keys.Operator(ctx)
	}
	if err != nil {
		return nil, err
	}
	return sc, nil
}

// calculate consolidates holders, prices the buyback and checks the
// treasury can cover it before anything is paid
func (p *Pipeline) calculate(ctx context.Context, sc *Context) error {
	var records []ledger.HolderRecord
	_, err := p.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		var err error
		records, err = p.client.GetHolders(ctx, sc.Token.LedgerTokenID)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "failed to fetch holders")
	}

	sc.SharePrice = sc.Token.SharePrice()
	sc.Months = MonthsElapsed(sc.Token.AcquiredAt, sc.Now, p.cfg.DaysPerMonth)

	payouts, err := p.store.ListPayouts(ctx, sc.Token.ID)
	if err != nil {
		return err
	}
	sc.Paid = make(map[string]vault.Payout, len(payouts))
	for _, po := range payouts {
		sc.Paid[po.Account] = po
	}

	var total, outstanding float64
	for _, pos := range ledger.ConsolidateHolders(records, sc.Operator.AccountID) {
		h := HolderCost{Position: pos, Cost: BuybackCost(pos.Balance, sc.SharePrice, sc.Token.MonthlyROI, sc.Months)}
		if po, ok := sc.Paid[pos.Account]; ok {
			h.PaidTxID = po.TxID
		} else {
			outstanding += h.Cost
		}
		sc.Holders = append(sc.Holders, h)
		total += h.Cost
	}
	sc.TotalCost = util.RoundCents(total)
	sc.Outstanding = util.RoundCents(outstanding)

	balance, err := p.store.Balance(ctx, sc.Operator.AccountID)
	if err != nil {
		return err
	}
	if balance < sc.Outstanding {
		return errors.WithDetailf(
			errors.Mark(errors.Newf("treasury %s cannot cover buyback", sc.Operator.AccountID), errors.ErrInsufficientBalance),
			"balance %.2f, required %.2f", balance, sc.Outstanding)
	}
	return nil
}

func settlementConflict(tokenID, holder string) error {
	err := errors.Mark(errors.Newf("token %s is being settled by job %s", tokenID, holder), errors.ErrConflict)
	return errors.Mark(err, errors.ErrUnrecoverable)
}

// claim marks the token in progress for this job so that no other
// settlement of it can reach the ledger
func (p *Pipeline) claim(ctx context.Context, sc *Context) error {
	ok, err := p.store.ClaimSettlement(ctx, sc.Token.ID, sc.JobID, sc.InitiatorID)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	current, err := p.store.GetToken(ctx, sc.Token.ID)
	if err != nil {
		return err
	}
	return settlementConflict(current.ID, current.SettlementJobID)
}

// record keeps a per-holder failure on the run and in the failure ledger
func (p *Pipeline) record(ctx context.Context, log *zap.SugaredLogger, sc *Context, account, stage string, err error) {
	sc.fail(account, stage, err)
	log.Warnw("Settlement step failed",
		logger.FieldAccount, account,
		logger.FieldStage, stage,
		logger.FieldError, err)

	rerr := p.store.RecordFailure(ctx, vault.FailureRecord{
		TokenID: sc.Token.ID,
		Account: account,
		Stage:   stage,
		JobID:   sc.JobID,
		Reason:  err.Error(),
	})
	if rerr != nil {
		log.Errorw("Failed to persist settlement failure", logger.FieldAccount, account, logger.FieldError, rerr)
	}
}

// transferFunds pays each holder in order, then reads back the balances
// of every account it touched
func (p *Pipeline) transferFunds(ctx context.Context, log *zap.SugaredLogger, sc *Context) {
	touched := []string{sc.Operator.AccountID}
	for account := range sc.Paid {
		touched = append(touched, account)
	}
	sort.Strings(touched[1:])

	for _, h := range sc.Holders {
		if h.PaidTxID != "" {
			log.Infow("Holder already paid", logger.FieldAccount, h.Account, logger.FieldTxID, h.PaidTxID)
			sc.FundReceipts = append(sc.FundReceipts, Receipt{Account: h.Account, TxID: h.PaidTxID, Amount: sc.Paid[h.Account].Amount})
			continue
		}
		if h.Cost <= 0 {
			continue
		}
		var receipt *ledger.Receipt
		_, err := p.policy.Do(ctx, func(ctx context.Context, attempt int) error {
			var err error
			receipt, err = p.client.TransferFunds(ctx, p.cfg.PaymentTokenID, sc.Operator.AccountID, h.Account, h.Cost, sc.Operator)
			return err
		})
		if err != nil {
			p.record(ctx, log, sc, h.Account, FailTransferFunds, err)
			continue
		}
		sc.FundReceipts = append(sc.FundReceipts, Receipt{Account: h.Account, TxID: receipt.TxID, Amount: h.Cost})
		touched = append(touched, h.Account)
		if err := p.store.RecordPayout(ctx, vault.Payout{
			TokenID: sc.Token.ID,
			Account: h.Account,
			Amount:  h.Cost,
			TxID:    receipt.TxID,
			JobID:   sc.JobID,
		}); err != nil {
			log.Errorw("Failed to persist payout", logger.FieldAccount, h.Account, logger.FieldTxID, receipt.TxID, logger.FieldError, err)
		}
		log.Infow("Paid holder", logger.FieldAccount, h.Account, logger.FieldAmount, h.Cost, logger.FieldTxID, receipt.TxID)
	}

	sc.Balances = make(map[string]float64, len(touched))
	for _, account := range touched {
		var balance float64
		_, err := p.policy.Do(ctx, func(ctx context.Context, attempt int) error {
			var err error
			balance, err = p.client.GetBalance(ctx, account, p.cfg.PaymentTokenID)
			return err
		})
		if err != nil {
			p.record(ctx, log, sc, account, FailBalanceRefresh, err)
			continue
		}
		sc.Balances[account] = balance
	}
}

// reclaimCollateral unfreezes each holder, moves their units back to the
// treasury, then burns everything reclaimed
func (p *Pipeline) reclaimCollateral(ctx context.Context, log *zap.SugaredLogger, sc *Context) {
	tokenID := sc.Token.LedgerTokenID

	for _, h := range sc.Holders {
		var unfrozen *ledger.Receipt
		_, err := p.policy.Do(ctx, func(ctx context.Context, attempt int) error {
			var err error
			unfrozen, err = p.client.Unfreeze(ctx, tokenID, h.Account, sc.Operator)
			return err
		})
		if err != nil {
			p.record(ctx, log, sc, h.Account, FailUnfreeze, err)
			sc.Settled.Fail(h.Account, err)
			continue
		}
		sc.UnfreezeReceipts = append(sc.UnfreezeReceipts, Receipt{Account: h.Account, TxID: unfrozen.TxID})

		if len(h.Serials) == 0 {
			err := errors.Newf("ledger reported %d units for %s without serials", h.Balance, h.Account)
			p.record(ctx, log, sc, h.Account, FailReturnUnits, err)
			sc.Settled.Fail(h.Account, err)
			continue
		}

		returned, err := batch.Run(ctx, h.Serials, p.cfg.BatchCeiling, p.policy,
			func(ctx context.Context, chunk []int64) (Receipt, error) {
				r, err := p.client.TransferUnits(ctx, tokenID, chunk, h.Account, sc.Operator.AccountID, sc.Operator)
				if err != nil {
					return Receipt{}, err
				}
				return Receipt{Account: h.Account, TxID: r.TxID, Serials: chunk}, nil
			})
		if err != nil {
			p.record(ctx, log, sc, h.Account, FailReturnUnits, err)
			sc.Settled.Fail(h.Account, err)
			continue
		}
		sc.ReturnReceipts = append(sc.ReturnReceipts, returned.Results...)
		sc.Returned = append(sc.Returned, returned.Outcome.Succeeded...)

		if len(returned.FailedBatches) > 0 {
			for _, fb := range returned.FailedBatches {
				p.record(ctx, log, sc, h.Account, FailReturnUnits, fb.Err)
			}
			sc.Settled.Fail(h.Account, returned.Outcome.Err())
			continue
		}
		sc.Settled.Succeed(h.Account)
	}

	if len(sc.Returned) == 0 {
		return
	}
	sort.Slice(sc.Returned, func(i, j int) bool { return sc.Returned[i] < sc.Returned[j] })

	burn, err := batch.Run(ctx, sc.Returned, p.cfg.BatchCeiling, p.policy,
		func(ctx context.Context, chunk []int64) (*ledger.Receipt, error) {
			return p.client.BurnUnits(ctx, tokenID, chunk, sc.Operator)
		})
	if err != nil {
		p.record(ctx, log, sc, sc.Operator.AccountID, FailBurn, err)
		return
	}
	sc.Burn = burn
	for _, fb := range sc.Burn.FailedBatches {
		p.record(ctx, log, sc, sc.Operator.AccountID, FailBurn, errors.WithDetailf(fb.Err, "serials %v", fb.Items))
	}
	log.Infow("Burned reclaimed shares",
		"burned", sc.Burn.ProcessedCount,
		"failed", sc.Burn.FailedCount())
}

// finalize writes the read-back balances and closes the token and listing
// in one transaction
func (p *Pipeline) finalize(ctx context.Context, sc *Context) error {
	accounts := make([]string, 0, len(sc.Balances))
	for account := range sc.Balances {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)

	return p.store.WithTx(ctx, func(tx *vault.Store) error {
		for _, account := range accounts {
			role := vault.RoleInvestor
			if account == sc.Operator.AccountID {
				role = vault.RoleTreasury
			}
			if err := tx.SetBalance(ctx, account, role, sc.Balances[account]); err != nil {
				return err
			}
		}
		if err := tx.UpdateTokenStatus(ctx, sc.Token.ID, vault.StatusRepaymentProcessed, sc.InitiatorID); err != nil {
			return err
		}
		if sc.Listing != nil {
			if err := tx.UpdateListingStatus(ctx, sc.Listing.ID, vault.ListingClosed, sc.InitiatorID); err != nil {
				return err
			}
		}
		return nil
	})
}
