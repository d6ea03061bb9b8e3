package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/teranos/pawnx/internal/util"
)

// Call records one request made against the Memory ledger
type Call struct {
	Op      string
	TokenID string
	From    string
	To      string
	Account string
	Serials []int64
	Amount  float64
}

type memToken struct {
	spec       TokenSpec
	nextSerial int64
	owners     map[int64]string
	frozen     map[string]bool
}

type fault struct {
	op      string
	account string // empty matches any account
	err     error
	times   int // remaining; negative means forever
}

// Memory is an in-process ledger used in memory mode and in tests. It
// enforces the batch ceiling, serial ownership, freezes and fund balances
// the way the external ledger does, and supports fault injection.
type Memory struct {
	ceiling int
	txSeq   atomic.Int64

	mu     sync.Mutex
	tokens map[string]*memToken
	funds  map[string]map[string]float64 // payment token -> account -> balance
	faults []*fault
	calls  []Call
}

// NewMemory creates an empty in-memory ledger. ceiling <= 0 uses DefaultBatchCeiling.
func NewMemory(ceiling int) *Memory {
	if ceiling <= 0 {
		ceiling = DefaultBatchCeiling
	}
	return &Memory{
		ceiling: ceiling,
		tokens:  make(map[string]*memToken),
		funds:   make(map[string]map[string]float64),
	}
}

// Fail makes the next times calls of op (for account, or any account when
// empty) return err. times < 0 fails forever.
func (m *Memory) Fail(op, account string, err error, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, &fault{op: op, account: account, err: err, times: times})
}

// Fund sets an account's balance of a payment token
func (m *Memory) Fund(paymentTokenID, account string, amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.funds[paymentTokenID] == nil {
		m.funds[paymentTokenID] = make(map[string]float64)
	}
	m.funds[paymentTokenID][account] = amount
}

// Calls returns every successful and failed request in order
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallsOf returns the recorded calls of one op
func (m *Memory) CallsOf(op string) []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Owner returns the account holding serial, or "" once burned
func (m *Memory) Owner(tokenID string, serial int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.tokens[tokenID]; t != nil {
		return t.owners[serial]
	}
	return ""
}

// Frozen reports whether account is frozen for tokenID
func (m *Memory) Frozen(tokenID, account string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.tokens[tokenID]; t != nil {
		return t.frozen[account]
	}
	return false
}

// record logs c and returns any injected fault. Caller holds mu.
func (m *Memory) record(c Call) error {
	m.calls = append(m.calls, c)
	account := c.Account
	if account == "" {
		account = c.From
	}
	for _, f := range m.faults {
		if f.op != c.Op || f.times == 0 {
			continue
		}
		if f.account != "" && f.account != account {
			continue
		}
		if f.times > 0 {
			f.times--
		}
		return f.err
	}
	return nil
}

func (m *Memory) receipt(serials []int64) *Receipt {
	return &Receipt{
		TxID:    fmt.Sprintf("0.0.%d@%d", 1000+m.txSeq.Add(1), m.txSeq.Load()),
		Status:  "SUCCESS",
		Serials: serials,
	}
}

func (m *Memory) token(tokenID string) (*memToken, error) {
	t := m.tokens[tokenID]
	if t == nil {
		return nil, NewError(CodeInvalidToken, tokenID)
	}
	return t, nil
}

func (m *Memory) checkBatch(n int) error {
	if n == 0 {
		return NewError(CodeInvalidSerial, "empty batch")
	}
	if n > m.ceiling {
		return NewError(CodeBatchSizeLimitExceeded, fmt.Sprintf("%d units exceeds limit of %d", n, m.ceiling))
	}
	return nil
}

// CreateToken implements Client
func (m *Memory) CreateToken(ctx context.Context, spec TokenSpec) (string, *Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Op: "CreateToken", Account: spec.Treasury.AccountID}); err != nil {
		return "", nil, err
	}
	if spec.Treasury.AccountID == "" {
		return "", nil, NewError(CodeInvalidAccount, "treasury account required")
	}
	id := fmt.Sprintf("0.0.%d", 7000+len(m.tokens)+1)
	m.tokens[id] = &memToken{
		spec:   spec,
		owners: make(map[int64]string),
		frozen: make(map[string]bool),
	}
	return id, m.receipt(nil), nil
}

// MintUnits implements Client
func (m *Memory) MintUnits(ctx context.Context, tokenID string, metadata [][]byte, signer Credentials) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Op: "MintUnits", TokenID: tokenID, Account: signer.AccountID}); err != nil {
		return nil, err
	}
	if err := m.checkBatch(len(metadata)); err != nil {
		return nil, err
	}
	t, err := m.token(tokenID)
	if err != nil {
		return nil, err
	}
	if signer.AccountID != t.spec.Treasury.AccountID {
		return nil, NewError(CodeInvalidSignature, "mint must be signed by the token treasury")
	}
	if t.spec.MaxSupply > 0 && t.nextSerial+int64(len(metadata)) > t.spec.MaxSupply {
		return nil, NewError("TOKEN_MAX_SUPPLY_REACHED", tokenID)
	}

	serials := make([]int64, len(metadata))
	for i := range metadata {
		t.nextSerial++
		serials[i] = t.nextSerial
		t.owners[t.nextSerial] = t.spec.Treasury.AccountID
	}
	return m.receipt(serials), nil
}

func (m *Memory) setFrozen(op, tokenID, account string, frozen bool) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Op: op, TokenID: tokenID, Account: account}); err != nil {
		return nil, err
	}
	t, err := m.token(tokenID)
	if err != nil {
		return nil, err
	}
	t.frozen[account] = frozen
	return m.receipt(nil), nil
}

// Freeze implements Client
func (m *Memory) Freeze(ctx context.Context, tokenID, account string, signer Credentials) (*Receipt, error) {
	return m.setFrozen("Freeze", tokenID, account, true)
}

// Unfreeze implements Client
func (m *Memory) Unfreeze(ctx context.Context, tokenID, account string, signer Credentials) (*Receipt, error) {
	return m.setFrozen("Unfreeze", tokenID, account, false)
}

// TransferUnits implements Client
func (m *Memory) TransferUnits(ctx context.Context, tokenID string, serials []int64, from, to string, signer Credentials) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Op: "TransferUnits", TokenID: tokenID, From: from, To: to, Serials: append([]int64(nil), serials...)}); err != nil {
		return nil, err
	}
	if err := m.checkBatch(len(serials)); err != nil {
		return nil, err
	}
	t, err := m.token(tokenID)
	if err != nil {
		return nil, err
	}
	if t.frozen[from] || t.frozen[to] {
		return nil, NewError(CodeAccountFrozen, from)
	}
	for _, s := range serials {
		if t.owners[s] != from {
			return nil, NewError(CodeSerialNotOwned, fmt.Sprintf("serial %d", s))
		}
	}
	for _, s := range serials {
		t.owners[s] = to
	}
	return m.receipt(serials), nil
}

// BurnUnits implements Client. Burned serials must sit in the treasury.
func (m *Memory) BurnUnits(ctx context.Context, tokenID string, serials []int64, signer Credentials) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Op: "BurnUnits", TokenID: tokenID, Account: signer.AccountID, Serials: append([]int64(nil), serials...)}); err != nil {
		return nil, err
	}
	if err := m.checkBatch(len(serials)); err != nil {
		return nil, err
	}
	t, err := m.token(tokenID)
	if err != nil {
		return nil, err
	}
	for _, s := range serials {
		if t.owners[s] != t.spec.Treasury.AccountID {
			return nil, NewError(CodeSerialNotOwned, fmt.Sprintf("serial %d is not in treasury", s))
		}
	}
	for _, s := range serials {
		delete(t.owners, s)
	}
	return m.receipt(serials), nil
}

// TransferFunds implements Client
func (m *Memory) TransferFunds(ctx context.Context, paymentTokenID, from, to string, amount float64, signer Credentials) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Op: "TransferFunds", TokenID: paymentTokenID, From: from, To: to, Amount: amount}); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, NewError("INVALID_ACCOUNT_AMOUNTS", fmt.Sprintf("amount %.2f", amount))
	}
	balances := m.funds[paymentTokenID]
	if balances == nil {
		balances = make(map[string]float64)
		m.funds[paymentTokenID] = balances
	}
	if balances[from] < amount {
		return nil, NewError(CodeInsufficientBalance, from)
	}
	balances[from] = util.RoundCents(balances[from] - amount)
	balances[to] = util.RoundCents(balances[to] + amount)
	return m.receipt(nil), nil
}

// GetBalance implements Client. For a unit token the balance is the count
// of serials held.
func (m *Memory) GetBalance(ctx context.Context, account, tokenID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Op: "GetBalance", TokenID: tokenID, Account: account}); err != nil {
		return 0, err
	}
	if t := m.tokens[tokenID]; t != nil {
		n := 0
		for _, owner := range t.owners {
			if owner == account {
				n++
			}
		}
		return float64(n), nil
	}
	return m.funds[tokenID][account], nil
}

// GetHolders implements Client. Records are one per serial, as the ledger's
// holder index reports them.
func (m *Memory) GetHolders(ctx context.Context, tokenID string) ([]HolderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Op: "GetHolders", TokenID: tokenID}); err != nil {
		return nil, err
	}
	t, err := m.token(tokenID)
	if err != nil {
		return nil, err
	}
	serials := make([]int64, 0, len(t.owners))
	for s := range t.owners {
		serials = append(serials, s)
	}
	sort.Slice(serials, func(i, j int) bool { return serials[i] < serials[j] })

	records := make([]HolderRecord, 0, len(serials))
	for _, s := range serials {
		records = append(records, HolderRecord{Account: t.owners[s], Balance: 1, Serials: []int64{s}})
	}
	return records, nil
}
