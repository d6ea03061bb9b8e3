package pawn

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/pawnx/am"
	"github.com/teranos/pawnx/errors"
	pawntest "github.com/teranos/pawnx/internal/testing"
	"github.com/teranos/pawnx/ledger"
	"github.com/teranos/pawnx/mint"
	"github.com/teranos/pawnx/pulse/async"
	"github.com/teranos/pawnx/pulse/schedule"
	"github.com/teranos/pawnx/purchase"
	"github.com/teranos/pawnx/vault"
)

const treasuryID = "0.0.1001"

func testConfig(t *testing.T) *am.Config {
	t.Helper()
	v := viper.New()
	am.SetDefaults(v)
	cfg, err := am.LoadWithViper(v)
	require.NoError(t, err)
	cfg.Pulse.PollIntervalMS = 10
	return cfg
}

type fixture struct {
	db      *sql.DB
	cfg     *am.Config
	store   *vault.Store
	queue   *async.Queue
	rules   *schedule.Store
	service *Service
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := pawntest.CreateTestDB(t)
	cfg := testConfig(t)
	store := vault.NewStore(db)
	queue := async.NewQueue(db, async.QueueConfigsFrom(cfg)...)
	rules := schedule.NewStore(db)
	return &fixture{
		db:      db,
		cfg:     cfg,
		store:   store,
		queue:   queue,
		rules:   rules,
		service: NewService(queue, rules, store, cfg, zap.NewNop().Sugar()),
	}
}

func (f *fixture) token(t *testing.T, status string) *vault.Token {
	t.Helper()
	tok := &vault.Token{
		Status:         status,
		AssetValuation: 50000,
		MonthlyROI:     1.5,
		AcquiredAt:     time.Now().Add(-24 * time.Hour),
		ExpiresAt:      time.Now().AddDate(0, 3, 0),
		CreatedBy:      "admin",
	}
	require.NoError(t, f.store.CreateToken(t.Context(), tok))
	return tok
}

func TestEnqueueRepayment_ResolvesListing(t *testing.T) {
	ctx := t.Context()
	f := setup(t)
	tok := f.token(t, vault.StatusSuccess)
	listing := &vault.Listing{TokenID: tok.ID}
	require.NoError(t, f.store.CreateListing(ctx, listing))

	h, err := f.service.EnqueueRepayment(ctx, RepaymentRequest{TokenID: tok.ID, InitiatorID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, am.QueueRepayment, h.Queue)
	assert.Equal(t, async.JobStateWaiting, h.State)
	assert.Equal(t, "repayment:"+tok.ID+":manual", h.Key)

	job, err := f.queue.GetJob(ctx, h.ID)
	require.NoError(t, err)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, listing.ID, payload["listing_id"])
	assert.Equal(t, "user-1", payload["initiator_id"])
}

func TestEnqueueRepayment_CollapsesRepeatRequests(t *testing.T) {
	ctx := t.Context()
	f := setup(t)
	tok := f.token(t, vault.StatusSuccess)

	first, err := f.service.EnqueueRepayment(ctx, RepaymentRequest{TokenID: tok.ID, InitiatorID: "user-1"})
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := f.service.EnqueueRepayment(ctx, RepaymentRequest{TokenID: tok.ID, InitiatorID: "user-2"})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ID, second.ID)

	other := f.token(t, vault.StatusSuccess)
	third, err := f.service.EnqueueRepayment(ctx, RepaymentRequest{TokenID: other.ID, InitiatorID: "user-1"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestEnqueueRepayment_Errors(t *testing.T) {
	f := setup(t)

	_, err := f.service.EnqueueRepayment(t.Context(), RepaymentRequest{TokenID: "missing", InitiatorID: "user-1"})
	assert.True(t, errors.IsNotFoundError(err))

	_, err = f.service.EnqueueRepayment(t.Context(), RepaymentRequest{TokenID: "x"})
	assert.True(t, errors.IsValidationError(err))
}

func TestEnqueueMint_OnePerToken(t *testing.T) {
	ctx := t.Context()
	f := setup(t)
	tok := f.token(t, vault.StatusPending)

	first, err := f.service.EnqueueMint(ctx, mint.Job{TokenID: tok.ID, TotalUnits: 10, InitiatorID: "admin"})
	require.NoError(t, err)
	second, err := f.service.EnqueueMint(ctx, mint.Job{TokenID: tok.ID, TotalUnits: 10, InitiatorID: "admin"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.Duplicate)
	assert.Equal(t, "mint:"+tok.ID, first.Key)
}

func TestEnqueuePurchase(t *testing.T) {
	ctx := t.Context()
	f := setup(t)
	tok := f.token(t, vault.StatusSuccess)

	req := PurchaseRequest{RequestID: "req-1", Job: purchase.Job{TokenID: tok.ID, Investor: "0.0.301", Units: 2, InitiatorID: "user-1"}}
	h, err := f.service.EnqueuePurchase(ctx, req)
	require.NoError(t, err)
	again, err := f.service.EnqueuePurchase(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, h.ID, again.ID)

	req.RequestID = ""
	_, err = f.service.EnqueuePurchase(ctx, req)
	assert.True(t, errors.IsValidationError(err))
}

func TestGetJobStatusAndCancel(t *testing.T) {
	ctx := t.Context()
	f := setup(t)

	h, err := f.service.TriggerDiscovery(ctx, true)
	require.NoError(t, err)

	status, err := f.service.GetJobStatus(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, async.JobStateWaiting, status.State)
	assert.Equal(t, 0, status.Progress)

	require.NoError(t, f.service.CancelJob(ctx, h.ID))
	_, err = f.service.GetJobStatus(ctx, h.ID)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestScheduleDaily_Idempotent(t *testing.T) {
	ctx := t.Context()
	f := setup(t)
	kolkata, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	first, err := f.service.ScheduleDailyDiscovery(ctx)
	require.NoError(t, err)
	second, err := f.service.ScheduleDailyDiscovery(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.NextRunAt, second.NextRunAt)
	assert.Equal(t, am.QueueScheduler, first.Queue)

	next := first.NextRunAt.In(kolkata)
	assert.Equal(t, 0, next.Hour())
	assert.Equal(t, 1, next.Minute())

	price, err := f.service.ScheduleDailyExternalPriceFetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, am.QueueGoldPrice, price.Queue)
	assert.Equal(t, 10, price.NextRunAt.In(kolkata).Hour())

	rules, err := f.rules.List(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 2)
}

func TestCleanupStalled_NothingStalled(t *testing.T) {
	f := setup(t)
	n, err := f.service.CleanupStalled(t.Context())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRuntime_MintsEndToEnd(t *testing.T) {
	ctx := t.Context()
	db := pawntest.CreateTestDB(t)
	cfg := testConfig(t)
	mem := ledger.NewMemory(cfg.Ledger.BatchCeiling)
	keys := ledger.NewStaticKeys(treasuryID, map[string]string{treasuryID: "op-key"})

	rt, err := NewRuntime(ctx, cfg, db, Options{Ledger: mem, Keys: keys}, zap.NewNop().Sugar())
	require.NoError(t, err)
	for _, q := range am.QueueNames() {
		assert.True(t, rt.Registry.Has(q), q)
	}

	require.NoError(t, rt.Start(ctx))
	t.Cleanup(func() {
		shutdown, cancel := contextWithTimeout(5 * time.Second)
		defer cancel()
		_ = rt.Shutdown(shutdown)
	})

	tok := &vault.Token{
		Status:         vault.StatusPending,
		AssetValuation: 12000,
		MonthlyROI:     2,
		AcquiredAt:     time.Now(),
		ExpiresAt:      time.Now().AddDate(0, 1, 0),
		CreatedBy:      "admin",
	}
	require.NoError(t, rt.Store.CreateToken(ctx, tok))

	h, err := rt.Service.EnqueueMint(ctx, mint.Job{TokenID: tok.ID, TotalUnits: 12, Name: "Gold", Symbol: "PGLD", InitiatorID: "admin"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := rt.Service.GetJobStatus(ctx, h.ID)
		return err == nil && status.State == async.JobStateCompleted
	}, 10*time.Second, 20*time.Millisecond)

	minted, err := rt.Store.GetToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, vault.StatusSuccess, minted.Status)
	assert.Equal(t, int64(12), minted.MintedShares)

	rules, err := rt.Rules.List(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 2)
}

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}
