package settlement

import (
	"time"

	"github.com/teranos/pawnx/ledger"
	"github.com/teranos/pawnx/pulse/batch"
	"github.com/teranos/pawnx/vault"
)

// Stages of a settlement run, in order
const (
	StageValidating  = "validating"
	StageCalculating = "calculating"
	StageTransfer    = "transferring"
	StageCollateral  = "processing_collateral"
	StageUpdating    = "updating_status"
	StageComplete    = "complete"
)

// Failure stages recorded per holder
const (
	FailTransferFunds  = "transfer_funds"
	FailBalanceRefresh = "balance_refresh"
	FailUnfreeze       = "unfreeze"
	FailReturnUnits    = "return_units"
	FailBurn           = "burn"
)

// HolderCost is one holder's position and computed buyback cost
type HolderCost struct {
	ledger.Position
	Cost float64 `json:"cost"`
	// PaidTxID is set when an earlier run already paid this holder
	PaidTxID string `json:"paid_tx_id,omitempty"`
}

// Receipt ties a ledger transaction to the account it served
type Receipt struct {
	Account string  `json:"account"`
	TxID    string  `json:"tx_id"`
	Serials []int64 `json:"serials,omitempty"`
	Amount  float64 `json:"amount,omitempty"`
}

// Failure is one per-holder step that did not complete
type Failure struct {
	Account string `json:"account"`
	Stage   string `json:"stage"`
	Reason  string `json:"reason"`
}

// Context is the state carried through one settlement run. It is built at
// the start of Run and discarded when Run returns.
type Context struct {
	JobID       string
	Token       *vault.Token
	Listing     *vault.Listing
	InitiatorID string
	Operator    ledger.Credentials
	Now         time.Time

	SharePrice float64
	Months     int
	Holders    []HolderCost
	TotalCost  float64
	// Outstanding is TotalCost less what earlier runs already paid
	Outstanding float64
	Paid        map[string]vault.Payout

	FundReceipts     []Receipt
	Balances         map[string]float64 // read back from the ledger after transfers
	UnfreezeReceipts []Receipt
	ReturnReceipts   []Receipt
	Returned         []int64
	Burn             *batch.Result[int64, *ledger.Receipt]

	Failures []Failure
	// Settled collects holders whose collateral fully returned
	Settled batch.Outcome[string]
}

func (c *Context) fail(account, stage string, err error) {
	c.Failures = append(c.Failures, Failure{Account: account, Stage: stage, Reason: err.Error()})
}

// Result is the stored outcome of a settlement job
type Result struct {
	TokenID        string    `json:"token_id"`
	LedgerTokenID  string    `json:"ledger_token_id"`
	ListingID      string    `json:"listing_id,omitempty"`
	HolderCount    int       `json:"holder_count"`
	TotalCost      float64   `json:"total_cost"`
	UnitsReturned  int       `json:"units_returned"`
	UnitsBurned    int       `json:"units_burned"`
	FundTxIDs      []string  `json:"fund_tx_ids"`
	UnfreezeTxIDs  []string  `json:"unfreeze_tx_ids"`
	ReturnTxIDs    []string  `json:"return_tx_ids"`
	ReturnReceipts []Receipt `json:"return_receipts"`
	BurnTxIDs      []string  `json:"burn_tx_ids"`
	Receipts       []Receipt `json:"receipts"`
	Failures       []Failure `json:"failures,omitempty"`
	AlreadySettled bool      `json:"already_settled,omitempty"`
	SettledAt      time.Time `json:"settled_at"`
}

func txIDs(receipts []Receipt) []string {
	ids := make([]string, 0, len(receipts))
	for _, r := range receipts {
		ids = append(ids, r.TxID)
	}
	return ids
}

func (c *Context) result() *Result {
	r := &Result{
		TokenID:        c.Token.ID,
		LedgerTokenID:  c.Token.LedgerTokenID,
		HolderCount:    len(c.Holders),
		TotalCost:      c.TotalCost,
		UnitsReturned:  len(c.Returned),
		FundTxIDs:      txIDs(c.FundReceipts),
		UnfreezeTxIDs:  txIDs(c.UnfreezeReceipts),
		ReturnTxIDs:    txIDs(c.ReturnReceipts),
		ReturnReceipts: c.ReturnReceipts,
		Failures:       c.Failures,
		SettledAt:      c.Now,
	}
	if c.Listing != nil {
		r.ListingID = c.Listing.ID
	}
	if c.Burn != nil {
		r.UnitsBurned = c.Burn.ProcessedCount
		for _, rc := range c.Burn.Results {
			r.BurnTxIDs = append(r.BurnTxIDs, rc.TxID)
		}
	}
	r.Receipts = append(r.Receipts, c.FundReceipts...)
	r.Receipts = append(r.Receipts, c.UnfreezeReceipts...)
	r.Receipts = append(r.Receipts, c.ReturnReceipts...)
	return r
}
