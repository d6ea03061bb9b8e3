package settlement

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/pawnx/errors"
	pawntest "github.com/teranos/pawnx/internal/testing"
	"github.com/teranos/pawnx/ledger"
	"github.com/teranos/pawnx/pulse"
	"github.com/teranos/pawnx/pulse/retry"
	"github.com/teranos/pawnx/vault"
)

const (
	treasuryID = "0.0.1001"
	paymentID  = "0.0.5005"
)

var (
	treasury = ledger.Credentials{AccountID: treasuryID, PrivateKey: "op-key"}
	now      = time.Date(2026, 3, 10, 6, 30, 0, 0, time.UTC)
)

func instantPolicy() retry.Policy {
	return retry.Policy{
		BaseDelay:   500 * time.Millisecond,
		MaxAttempts: 3,
		JitterMax:   100 * time.Millisecond,
		IsTransient: ledger.IsTransient,
		Wait:        func(context.Context, time.Duration) error { return nil },
	}
}

type fixture struct {
	db       *sql.DB
	store    *vault.Store
	ledger   *ledger.Memory
	keys     *ledger.StaticKeys
	pipeline *Pipeline
	token    *vault.Token
	listing  *vault.Listing
}

type holding struct {
	account string
	units   int
}

// setup mints 10 shares of a 10,000 valuation token acquired 45 days ago
// at 2% monthly, so each share buys back at 1,040.
func setup(t *testing.T, holders ...holding) *fixture {
	t.Helper()
	ctx := t.Context()
	log := zap.NewNop().Sugar()

	db := pawntest.CreateTestDB(t)
	store := vault.NewStore(db)
	store.SetClock(func() time.Time { return now })
	mem := ledger.NewMemory(ledger.DefaultBatchCeiling)
	keys := ledger.NewStaticKeys(treasuryID, map[string]string{treasuryID: "op-key"})

	ledgerID, _, err := mem.CreateToken(ctx, ledger.TokenSpec{Name: "Gold", Symbol: "PGLD", Treasury: treasury})
	require.NoError(t, err)
	for minted := 0; minted < 10; minted += 5 {
		_, err := mem.MintUnits(ctx, ledgerID, make([][]byte, 5), treasury)
		require.NoError(t, err)
	}

	next := int64(1)
	for _, h := range holders {
		serials := make([]int64, h.units)
		for i := range serials {
			serials[i] = next
			next++
		}
		for _, chunk := range [][]int64{serials} {
			_, err := mem.TransferUnits(ctx, ledgerID, chunk, treasuryID, h.account, treasury)
			require.NoError(t, err)
		}
		_, err := mem.Freeze(ctx, ledgerID, h.account, treasury)
		require.NoError(t, err)
	}

	mem.Fund(paymentID, treasuryID, 20000)
	require.NoError(t, store.SetBalance(ctx, treasuryID, vault.RoleTreasury, 20000))

	token := &vault.Token{
		LedgerTokenID:  ledgerID,
		Status:         vault.StatusSuccess,
		AssetValuation: 10000,
		MintedShares:   10,
		MonthlyROI:     2,
		AcquiredAt:     now.Add(-45 * 24 * time.Hour),
		ExpiresAt:      now,
		CreatedBy:      "admin",
	}
	require.NoError(t, store.CreateToken(ctx, token))
	listing := &vault.Listing{TokenID: token.ID}
	require.NoError(t, store.CreateListing(ctx, listing))

	p := NewPipeline(store, mem, keys, instantPolicy(), Config{PaymentTokenID: paymentID, BatchCeiling: 5}, log)
	p.SetClock(func() time.Time { return now })

	return &fixture{db: db, store: store, ledger: mem, keys: keys, pipeline: p, token: token, listing: listing}
}

func (f *fixture) run(t *testing.T) (*Result, error) {
	t.Helper()
	emit := pulse.NewJobEmitter(nil, nil, "job-1", f.token.ID, "user-1")
	return f.pipeline.Run(t.Context(), Request{JobID: "job-1", TokenID: f.token.ID, InitiatorID: "user-1"}, emit)
}

func (f *fixture) status(t *testing.T) string {
	t.Helper()
	tok, err := f.store.GetToken(t.Context(), f.token.ID)
	require.NoError(t, err)
	return tok.Status
}

func accounts(receipts []Receipt) []string {
	var out []string
	for _, r := range receipts {
		out = append(out, r.Account)
	}
	return out
}

func TestPipeline_SettlesAllHolders(t *testing.T) {
	ctx := t.Context()
	f := setup(t, holding{"0.0.201", 3}, holding{"0.0.202", 2}, holding{"0.0.203", 5})

	res, err := f.run(t)
	require.NoError(t, err)

	assert.Equal(t, 3, res.HolderCount)
	assert.InDelta(t, 10400.0, res.TotalCost, 1e-9)
	assert.Len(t, res.FundTxIDs, 3)
	assert.Len(t, res.UnfreezeTxIDs, 3)
	assert.Equal(t, 10, res.UnitsReturned)
	assert.Equal(t, 10, res.UnitsBurned)
	assert.Len(t, res.BurnTxIDs, 2, "10 units burn in two ceiling-sized batches")
	assert.Empty(t, res.Failures)
	assert.Equal(t, f.listing.ID, res.ListingID)

	// holder 0.0.203 returns 5 serials in one transfer
	assert.Equal(t, []string{"0.0.201", "0.0.202", "0.0.203"}, accounts(res.ReturnReceipts[:3]))

	assert.Equal(t, vault.StatusRepaymentProcessed, f.status(t))
	listing, err := f.store.GetListing(ctx, f.listing.ID)
	require.NoError(t, err)
	assert.Equal(t, vault.ListingClosed, listing.Status)

	for account, want := range map[string]float64{"0.0.201": 3120, "0.0.202": 2080, "0.0.203": 5200, treasuryID: 9600} {
		got, err := f.store.Balance(ctx, account)
		require.NoError(t, err)
		assert.InDelta(t, want, got, 1e-9, account)
	}
	for serial := int64(1); serial <= 10; serial++ {
		assert.Empty(t, f.ledger.Owner(f.token.LedgerTokenID, serial), "serial %d burned", serial)
	}
}

func TestPipeline_ContinuesPastHolderFailure(t *testing.T) {
	f := setup(t,
		holding{"0.0.201", 2}, holding{"0.0.202", 2}, holding{"0.0.203", 2},
		holding{"0.0.204", 2}, holding{"0.0.205", 2})
	f.ledger.Fail("Unfreeze", "0.0.202", ledger.NewError(ledger.CodeInvalidAccount, "deleted"), -1)

	res, err := f.run(t)
	require.NoError(t, err)

	want := []string{"0.0.201", "0.0.203", "0.0.204", "0.0.205"}
	assert.Equal(t, want, accounts(f.pipelineUnfreezes(res)))
	assert.Equal(t, want, accounts(res.ReturnReceipts))
	assert.Equal(t, 8, res.UnitsReturned)
	assert.Equal(t, 8, res.UnitsBurned)

	require.Len(t, res.Failures, 1)
	assert.Equal(t, Failure{Account: "0.0.202", Stage: FailUnfreeze, Reason: res.Failures[0].Reason}, res.Failures[0])
	assert.Contains(t, res.Failures[0].Reason, ledger.CodeInvalidAccount)

	records, err := f.store.ListFailures(t.Context(), f.token.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "0.0.202", records[0].Account)
	assert.Equal(t, "job-1", records[0].JobID)

	// permanent errors are not retried
	assert.Len(t, f.ledger.CallsOf("Unfreeze"), 5)
	assert.Equal(t, vault.StatusRepaymentProcessed, f.status(t))
}

// pipelineUnfreezes pairs unfreeze tx ids back to accounts via the receipts
func (f *fixture) pipelineUnfreezes(res *Result) []Receipt {
	ids := make(map[string]bool)
	for _, id := range res.UnfreezeTxIDs {
		ids[id] = true
	}
	var out []Receipt
	for _, r := range res.Receipts {
		if ids[r.TxID] {
			out = append(out, r)
		}
	}
	return out
}

func TestPipeline_ConsistencyGate(t *testing.T) {
	f := setup(t, holding{"0.0.201", 1}, holding{"0.0.202", 1})
	require.NoError(t, f.store.SetBalance(t.Context(), treasuryID, vault.RoleTreasury, 100))

	_, err := f.run(t)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInsufficientBalance))
	assert.True(t, errors.IsUnrecoverable(err))

	assert.Empty(t, f.ledger.CallsOf("TransferFunds"))
	assert.Empty(t, f.ledger.CallsOf("Unfreeze"))
	assert.Equal(t, vault.StatusSuccess, f.status(t))
}

func TestPipeline_AlreadySettled(t *testing.T) {
	f := setup(t, holding{"0.0.201", 1})
	require.NoError(t, f.store.UpdateTokenStatus(t.Context(), f.token.ID, vault.StatusRepaymentProcessed, "x"))
	before := len(f.ledger.Calls())

	res, err := f.run(t)
	require.NoError(t, err)
	assert.True(t, res.AlreadySettled)
	assert.Len(t, f.ledger.Calls(), before)
}

func TestPipeline_FatalErrorMarksFailed(t *testing.T) {
	f := setup(t, holding{"0.0.201", 1})
	f.ledger.Fail("GetHolders", "", ledger.NewError(ledger.CodeInvalidToken, ""), -1)

	_, err := f.run(t)
	require.Error(t, err)
	assert.False(t, errors.IsUnrecoverable(err), "the queue may retry")
	assert.Equal(t, vault.StatusRepaymentFailed, f.status(t))
	assert.Empty(t, f.ledger.CallsOf("TransferFunds"))
}

func TestPipeline_RetriesFailedRun(t *testing.T) {
	f := setup(t, holding{"0.0.201", 2})
	f.ledger.Fail("GetHolders", "", ledger.NewError(ledger.CodeInvalidToken, ""), 1)

	_, err := f.run(t)
	require.Error(t, err)
	assert.Equal(t, vault.StatusRepaymentFailed, f.status(t))

	res, err := f.run(t)
	require.NoError(t, err)
	assert.Equal(t, 2, res.UnitsBurned)
	assert.Equal(t, vault.StatusRepaymentProcessed, f.status(t))
}

func TestPipeline_RetriesTransientTransfers(t *testing.T) {
	f := setup(t, holding{"0.0.201", 2}, holding{"0.0.202", 2})
	f.ledger.Fail("TransferFunds", treasuryID, ledger.NewError(ledger.CodeBusy, ""), 2)

	res, err := f.run(t)
	require.NoError(t, err)
	assert.Len(t, res.FundTxIDs, 2)
	assert.Len(t, f.ledger.CallsOf("TransferFunds"), 4)
	assert.Empty(t, res.Failures)
}

func TestPipeline_BurnFailureRecorded(t *testing.T) {
	f := setup(t, holding{"0.0.201", 5}, holding{"0.0.202", 5})
	f.ledger.Fail("BurnUnits", "", ledger.NewError(ledger.CodeInvalidSerial, ""), 1)

	res, err := f.run(t)
	require.NoError(t, err)
	assert.Equal(t, 10, res.UnitsReturned)
	assert.Equal(t, 5, res.UnitsBurned)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, treasuryID, res.Failures[0].Account)
	assert.Equal(t, FailBurn, res.Failures[0].Stage)
}

func TestPipeline_TransferFailureSkipsHolder(t *testing.T) {
	ctx := t.Context()
	f := setup(t, holding{"0.0.201", 2}, holding{"0.0.202", 2})
	f.ledger.Fail("TransferFunds", "", ledger.NewError(ledger.CodeInvalidAccount, ""), 1)

	res, err := f.run(t)
	require.NoError(t, err)
	assert.Len(t, res.FundTxIDs, 1)
	assert.Equal(t, "0.0.202", res.Receipts[0].Account)

	// unpaid holder keeps no recorded balance
	_, err = f.store.GetAccount(ctx, "0.0.201")
	assert.True(t, errors.IsNotFoundError(err))
	bal, err := f.store.Balance(ctx, "0.0.202")
	require.NoError(t, err)
	assert.InDelta(t, 2080.0, bal, 1e-9)
}

func TestPipeline_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *fixture) Request
	}{
		{"missing initiator", func(f *fixture) Request {
			return Request{TokenID: f.token.ID}
		}},
		{"unknown token", func(f *fixture) Request {
			return Request{TokenID: "nope", InitiatorID: "u"}
		}},
		{"unknown operator key", func(f *fixture) Request {
			return Request{TokenID: f.token.ID, InitiatorID: "u", OperatorAccountID: "0.0.9999"}
		}},
		{"pending token", func(f *fixture) Request {
			_ = f.store.UpdateTokenStatus(context.Background(), f.token.ID, vault.StatusPending, "x")
			return Request{TokenID: f.token.ID, InitiatorID: "u"}
		}},
		{"listing of another token", func(f *fixture) Request {
			other := &vault.Token{Status: vault.StatusSuccess}
			_ = f.store.CreateToken(context.Background(), other)
			l := &vault.Listing{TokenID: other.ID}
			_ = f.store.CreateListing(context.Background(), l)
			return Request{TokenID: f.token.ID, InitiatorID: "u", ListingID: l.ID}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, holding{"0.0.201", 1})
			req := tt.mutate(f)
			before := f.status(t)

			_, err := f.pipeline.Run(t.Context(), req, pulse.NewJobEmitter(nil, nil, "j", req.TokenID, "u"))
			require.Error(t, err)
			assert.True(t, errors.IsValidationError(err), fmt.Sprintf("%+v", err))
			assert.Equal(t, before, f.status(t))
			assert.Empty(t, f.ledger.CallsOf("GetHolders"))
		})
	}
}

func TestPipeline_EmitsStages(t *testing.T) {
	f := setup(t, holding{"0.0.201", 1})
	bus := pulse.NewBus(zap.NewNop().Sugar())
	events, cancel := bus.Subscribe("user-1")
	defer cancel()

	emit := pulse.NewJobEmitter(bus, nil, "job-1", f.token.ID, "user-1")
	_, err := f.pipeline.Run(t.Context(), Request{JobID: "job-1", TokenID: f.token.ID, InitiatorID: "user-1"}, emit)
	require.NoError(t, err)

	var stages []string
	var progress []int
	for len(events) > 0 {
		ev := <-events
		stages = append(stages, ev.Stage)
		progress = append(progress, ev.Progress)
		if ev.Kind == pulse.KindComplete {
			assert.True(t, ev.Success)
			assert.IsType(t, &Result{}, ev.Data)
		}
	}
	assert.Equal(t, []string{StageValidating, StageCalculating, StageTransfer, StageCollateral, StageUpdating, ""}, stages)
	assert.Equal(t, []int{10, 30, 60, 80, 90, 100}, progress)
}

func paymentsTo(calls []ledger.Call, account string) int {
	n := 0
	for _, c := range calls {
		if c.To == account {
			n++
		}
	}
	return n
}

func TestPipeline_RetryAfterFailedCloseDoesNotPayTwice(t *testing.T) {
	ctx := t.Context()
	f := setup(t, holding{"0.0.201", 2}, holding{"0.0.202", 2})
	f.ledger.Fail("Unfreeze", "0.0.202", ledger.NewError(ledger.CodeInvalidAccount, "frozen by regulator"), -1)
	_, err := f.db.ExecContext(ctx, `CREATE TRIGGER listings_locked BEFORE UPDATE ON listings
		BEGIN SELECT RAISE(ABORT, 'listing locked'); END`)
	require.NoError(t, err)

	_, err = f.run(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), StageUpdating)
	assert.Equal(t, vault.StatusRepaymentFailed, f.status(t))

	payouts, err := f.store.ListPayouts(ctx, f.token.ID)
	require.NoError(t, err)
	require.Len(t, payouts, 2, "payouts survive the rolled back close")

	_, err = f.db.ExecContext(ctx, `DROP TRIGGER listings_locked`)
	require.NoError(t, err)

	res, err := f.run(t)
	require.NoError(t, err)
	assert.Equal(t, vault.StatusRepaymentProcessed, f.status(t))

	transfers := f.ledger.CallsOf("TransferFunds")
	assert.Equal(t, 1, paymentsTo(transfers, "0.0.202"))
	assert.Equal(t, 1, paymentsTo(transfers, "0.0.201"))
	assert.Equal(t, []string{payouts[1].TxID}, res.FundTxIDs)

	paid, err := f.ledger.GetBalance(ctx, "0.0.202", paymentID)
	require.NoError(t, err)
	assert.InDelta(t, 2080.0, paid, 1e-9)

	// balances rolled back with the first close are written by the retry
	for account, want := range map[string]float64{"0.0.201": 2080, "0.0.202": 2080, treasuryID: 15840} {
		got, err := f.store.Balance(ctx, account)
		require.NoError(t, err)
		assert.InDelta(t, want, got, 1e-9, account)
	}
}

func TestPipeline_RejectsTokenClaimedByAnotherJob(t *testing.T) {
	ctx := t.Context()
	f := setup(t, holding{"0.0.201", 2})
	ok, err := f.store.ClaimSettlement(ctx, f.token.ID, "job-other", "ops")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.run(t)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))
	assert.True(t, errors.IsUnrecoverable(err))
	assert.Empty(t, f.ledger.CallsOf("TransferFunds"))
	assert.Equal(t, vault.StatusRepaymentInProgress, f.status(t))
}

func TestPipeline_ResumesOwnClaim(t *testing.T) {
	ctx := t.Context()
	f := setup(t, holding{"0.0.201", 2})
	ok, err := f.store.ClaimSettlement(ctx, f.token.ID, "job-1", "user-1")
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.run(t)
	require.NoError(t, err)
	assert.Equal(t, 2, res.UnitsBurned)
	assert.Equal(t, vault.StatusRepaymentProcessed, f.status(t))
}

func TestPipeline_InvalidBatchSizeRecorded(t *testing.T) {
	f := setup(t, holding{"0.0.201", 2}, holding{"0.0.202", 1})
	f.pipeline.cfg.BatchCeiling = 0
	before := len(f.ledger.CallsOf("TransferUnits"))

	res, err := f.run(t)
	require.NoError(t, err)
	assert.Zero(t, res.UnitsReturned)
	assert.Zero(t, res.UnitsBurned)
	require.Len(t, res.Failures, 2)
	for _, fl := range res.Failures {
		assert.Equal(t, FailReturnUnits, fl.Stage)
	}
	assert.Len(t, f.ledger.CallsOf("TransferUnits"), before)
	assert.Empty(t, f.ledger.CallsOf("BurnUnits"))
	assert.Equal(t, vault.StatusRepaymentProcessed, f.status(t))
}
