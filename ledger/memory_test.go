package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	treasuryID = "0.0.1001"
	paymentID  = "0.0.5005"
)

var treasury = Credentials{AccountID: treasuryID, PrivateKey: "treasury-key"}

func setupToken(t *testing.T, m *Memory, units int) string {
	t.Helper()
	ctx := t.Context()
	tokenID, _, err := m.CreateToken(ctx, TokenSpec{Name: "Gold 22k", Symbol: "PGLD", Treasury: treasury})
	require.NoError(t, err)

	for minted := 0; minted < units; {
		n := min(DefaultBatchCeiling, units-minted)
		_, err := m.MintUnits(ctx, tokenID, make([][]byte, n), treasury)
		require.NoError(t, err)
		minted += n
	}
	return tokenID
}

func TestMemory_MintAssignsSequentialSerials(t *testing.T) {
	m := NewMemory(0)
	tokenID := setupToken(t, m, 0)

	r1, err := m.MintUnits(t.Context(), tokenID, make([][]byte, 5), treasury)
	require.NoError(t, err)
	r2, err := m.MintUnits(t.Context(), tokenID, make([][]byte, 2), treasury)
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 3, 4, 5}, r1.Serials)
	assert.Equal(t, []int64{6, 7}, r2.Serials)
	assert.NotEqual(t, r1.TxID, r2.TxID)
	assert.Equal(t, treasuryID, m.Owner(tokenID, 7))
}

func TestMemory_BatchCeiling(t *testing.T) {
	m := NewMemory(5)
	tokenID := setupToken(t, m, 0)

	_, err := m.MintUnits(t.Context(), tokenID, make([][]byte, 6), treasury)
	require.Error(t, err)
	assert.Equal(t, CodeBatchSizeLimitExceeded, CodeOf(err))
	assert.False(t, IsTransient(err))
}

func TestMemory_TransferFreezeBurn(t *testing.T) {
	ctx := t.Context()
	m := NewMemory(5)
	tokenID := setupToken(t, m, 4)

	_, err := m.TransferUnits(ctx, tokenID, []int64{1, 2}, treasuryID, "0.0.200", treasury)
	require.NoError(t, err)
	_, err = m.Freeze(ctx, tokenID, "0.0.200", treasury)
	require.NoError(t, err)

	// frozen holding cannot move
	_, err = m.TransferUnits(ctx, tokenID, []int64{1}, "0.0.200", treasuryID, treasury)
	assert.Equal(t, CodeAccountFrozen, CodeOf(err))

	_, err = m.Unfreeze(ctx, tokenID, "0.0.200", treasury)
	require.NoError(t, err)
	_, err = m.TransferUnits(ctx, tokenID, []int64{1, 2}, "0.0.200", treasuryID, treasury)
	require.NoError(t, err)

	// serial 3 is not held by 0.0.200
	_, err = m.TransferUnits(ctx, tokenID, []int64{3}, "0.0.200", treasuryID, treasury)
	assert.Equal(t, CodeSerialNotOwned, CodeOf(err))

	_, err = m.BurnUnits(ctx, tokenID, []int64{1, 2, 3, 4}, treasury)
	require.NoError(t, err)
	assert.Empty(t, m.Owner(tokenID, 1))

	holders, err := m.GetHolders(ctx, tokenID)
	require.NoError(t, err)
	assert.Empty(t, holders)
}

func TestMemory_Funds(t *testing.T) {
	ctx := t.Context()
	m := NewMemory(5)
	m.Fund(paymentID, treasuryID, 100)

	_, err := m.TransferFunds(ctx, paymentID, treasuryID, "0.0.200", 30.25, treasury)
	require.NoError(t, err)
	_, err = m.TransferFunds(ctx, paymentID, treasuryID, "0.0.200", 500, treasury)
	assert.Equal(t, CodeInsufficientBalance, CodeOf(err))

	bal, err := m.GetBalance(ctx, "0.0.200", paymentID)
	require.NoError(t, err)
	assert.InDelta(t, 30.25, bal, 1e-9)
	bal, err = m.GetBalance(ctx, treasuryID, paymentID)
	require.NoError(t, err)
	assert.InDelta(t, 69.75, bal, 1e-9)
}

func TestMemory_FaultInjection(t *testing.T) {
	ctx := t.Context()
	m := NewMemory(5)
	tokenID := setupToken(t, m, 2)

	m.Fail("Unfreeze", "0.0.300", NewError(CodeInvalidAccount, "gone"), -1)
	m.Fail("BurnUnits", "", NewError(CodeBusy, ""), 1)

	_, err := m.Unfreeze(ctx, tokenID, "0.0.200", treasury)
	require.NoError(t, err)
	_, err = m.Unfreeze(ctx, tokenID, "0.0.300", treasury)
	assert.Equal(t, CodeInvalidAccount, CodeOf(err))
	_, err = m.Unfreeze(ctx, tokenID, "0.0.300", treasury)
	assert.Error(t, err, "negative count fails forever")

	_, err = m.BurnUnits(ctx, tokenID, []int64{1}, treasury)
	assert.Equal(t, CodeBusy, CodeOf(err))
	_, err = m.BurnUnits(ctx, tokenID, []int64{1}, treasury)
	require.NoError(t, err)

	assert.Len(t, m.CallsOf("BurnUnits"), 2)
	assert.Len(t, m.CallsOf("Unfreeze"), 3)
}
