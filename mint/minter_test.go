package mint

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/pawnx/errors"
	"github.com/teranos/pawnx/ledger"
	"github.com/teranos/pawnx/pulse/retry"
)

const treasuryID = "0.0.1001"

var treasury = ledger.Credentials{AccountID: treasuryID, PrivateKey: "op-key"}

// instantPolicy retries without sleeping
func instantPolicy() retry.Policy {
	return retry.Policy{
		BaseDelay:   500 * time.Millisecond,
		MaxAttempts: 3,
		JitterMax:   100 * time.Millisecond,
		IsTransient: ledger.IsTransient,
		Wait:        func(context.Context, time.Duration) error { return nil },
	}
}

func setupLedger(t *testing.T) (*ledger.Memory, string) {
	t.Helper()
	mem := ledger.NewMemory(ledger.DefaultBatchCeiling)
	tokenID, _, err := mem.CreateToken(t.Context(), ledger.TokenSpec{Name: "Gold", Symbol: "PGLD", Treasury: treasury})
	require.NoError(t, err)
	return mem, tokenID
}

func TestPlan(t *testing.T) {
	assert.Equal(t, []int{5, 5, 5, 5, 3}, Plan(23, 5))
	assert.Equal(t, []int{5, 5}, Plan(10, 5))
	assert.Equal(t, []int{2}, Plan(2, 5))
	assert.Nil(t, Plan(0, 5))
	assert.Nil(t, Plan(5, 0))
}

func TestMintConcurrently_Totals(t *testing.T) {
	mem, tokenID := setupLedger(t)
	m := NewMinter(mem, instantPolicy(), nil, 0, zap.NewNop().Sugar())

	var batchCalls atomic.Int32
	res, err := m.MintConcurrently(t.Context(), Request{
		LedgerTokenID:        tokenID,
		TotalUnits:           23,
		BatchSize:            5,
		MaxConcurrentWorkers: 3,
		Signer:               treasury,
		Metadata:             []byte("ipfs://meta"),
		OnBatch:              func(done, total int) { batchCalls.Add(1) },
	})
	require.NoError(t, err)

	require.Len(t, res.Batches, 5)
	sizes := make([]int, len(res.Batches))
	for i, b := range res.Batches {
		sizes[i] = b.Size
		assert.True(t, b.OK())
		assert.NotEmpty(t, b.TxID)
	}
	assert.Equal(t, []int{5, 5, 5, 5, 3}, sizes)
	assert.Equal(t, 23, res.TotalProcessed+res.TotalFailed)
	assert.Zero(t, res.TotalFailed)
	assert.Equal(t, int32(5), batchCalls.Load())

	distinct := make(map[int64]bool)
	for _, s := range res.Serials {
		distinct[s] = true
	}
	assert.Len(t, distinct, res.TotalProcessed)
	assert.Equal(t, int64(1), res.Serials[0])
	assert.Equal(t, int64(23), res.Serials[22])
	assert.NoError(t, res.Err())
}

func TestMintConcurrently_PartialFailureContinues(t *testing.T) {
	mem, tokenID := setupLedger(t)
	mem.Fail("MintUnits", "", ledger.NewError(ledger.CodeInvalidSignature, "bad key"), 1)
	m := NewMinter(mem, instantPolicy(), nil, 0, zap.NewNop().Sugar())

	res, err := m.MintConcurrently(t.Context(), Request{
		LedgerTokenID: tokenID, TotalUnits: 23, BatchSize: 5, MaxConcurrentWorkers: 3, Signer: treasury,
	})
	require.NoError(t, err, "partial failure is reported in the result")

	assert.Equal(t, 23, res.TotalProcessed+res.TotalFailed)
	assert.Positive(t, res.TotalFailed)
	assert.Len(t, res.Serials, res.TotalProcessed)

	failed := 0
	for _, b := range res.Batches {
		if !b.OK() {
			failed++
			assert.Equal(t, 1, b.Attempts, "permanent errors are not retried")
			assert.Equal(t, ledger.CodeInvalidSignature, ledger.CodeOf(b.Err))
		}
	}
	assert.Equal(t, 1, failed)
	assert.Error(t, res.Err())
	// every batch was attempted
	assert.Len(t, mem.CallsOf("MintUnits"), 5)
}

func TestMintConcurrently_RetriesTransient(t *testing.T) {
	mem, tokenID := setupLedger(t)
	mem.Fail("MintUnits", "", ledger.NewError(ledger.CodeBusy, ""), 2)
	m := NewMinter(mem, instantPolicy(), nil, 0, zap.NewNop().Sugar())

	res, err := m.MintConcurrently(t.Context(), Request{
		LedgerTokenID: tokenID, TotalUnits: 10, BatchSize: 5, MaxConcurrentWorkers: 1, Signer: treasury,
	})
	require.NoError(t, err)
	assert.Equal(t, 10, res.TotalProcessed)
	assert.Equal(t, 3, res.Batches[0].Attempts)
	assert.Equal(t, 1, res.Batches[1].Attempts)
	assert.Len(t, mem.CallsOf("MintUnits"), 4)
}

// gatedLedger tracks how many mints run at once
type gatedLedger struct {
	*ledger.Memory
	mu       sync.Mutex
	inFlight int
	peak     int
}

func (g *gatedLedger) MintUnits(ctx context.Context, tokenID string, metadata [][]byte, signer ledger.Credentials) (*ledger.Receipt, error) {
	g.mu.Lock()
	g.inFlight++
	g.peak = max(g.peak, g.inFlight)
	g.mu.Unlock()

	time.Sleep(10 * time.Millisecond)

	g.mu.Lock()
	g.inFlight--
	g.mu.Unlock()
	return g.Memory.MintUnits(ctx, tokenID, metadata, signer)
}

func TestMintConcurrently_BoundsWorkers(t *testing.T) {
	mem, tokenID := setupLedger(t)
	gated := &gatedLedger{Memory: mem}
	m := NewMinter(gated, instantPolicy(), nil, 0, zap.NewNop().Sugar())

	res, err := m.MintConcurrently(t.Context(), Request{
		LedgerTokenID: tokenID, TotalUnits: 50, BatchSize: 5, MaxConcurrentWorkers: 3, Signer: treasury,
	})
	require.NoError(t, err)
	assert.Equal(t, 50, res.TotalProcessed)
	assert.LessOrEqual(t, gated.peak, 3)
}

func TestMintConcurrently_InvalidRequest(t *testing.T) {
	mem, tokenID := setupLedger(t)
	m := NewMinter(mem, instantPolicy(), nil, 5, zap.NewNop().Sugar())

	tests := []struct {
		name string
		req  Request
	}{
		{"no token", Request{TotalUnits: 5, BatchSize: 5}},
		{"no units", Request{LedgerTokenID: tokenID, BatchSize: 5}},
		{"batch above ceiling", Request{LedgerTokenID: tokenID, TotalUnits: 5, BatchSize: 6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.MintConcurrently(t.Context(), tt.req)
			require.Error(t, err)
			assert.True(t, errors.IsValidationError(err))
		})
	}
	assert.Empty(t, mem.CallsOf("MintUnits"))
}
