// Package ledger is the boundary to the external token ledger.
//
// Every call is signed with the Credentials passed in, blocks until the
// ledger returns a receipt, and fails with a *Error carrying the ledger's
// status code. Callers decide what to retry with IsTransient.
package ledger

import (
	"context"
)

// DefaultBatchCeiling is the ledger's hard limit on units per mint, burn or
// unit transfer transaction.
const DefaultBatchCeiling = 5

// Credentials identify and sign for one ledger account
type Credentials struct {
	AccountID  string `json:"account_id"`
	PrivateKey string `json:"-"`
}

// Receipt is the ledger's acknowledgement of one transaction
type Receipt struct {
	TxID    string  `json:"tx_id"`
	Status  string  `json:"status"`
	Serials []int64 `json:"serials,omitempty"`
}

// TokenSpec describes a new fractional token class
type TokenSpec struct {
	Name      string      `json:"name"`
	Symbol    string      `json:"symbol"`
	Memo      string      `json:"memo,omitempty"`
	MaxSupply int64       `json:"max_supply"`
	Treasury  Credentials `json:"treasury"`
}

// HolderRecord is one raw row from the ledger's holder index. An account
// may appear in several rows.
type HolderRecord struct {
	Account string  `json:"account"`
	Balance int64   `json:"balance"`
	Serials []int64 `json:"serials"`
}

// Client is the ledger surface the settlement pipelines drive
type Client interface {
	CreateToken(ctx context.Context, spec TokenSpec) (tokenID string, receipt *Receipt, err error)
	// MintUnits mints one unit per metadata entry; the receipt carries the new serials
	MintUnits(ctx context.Context, tokenID string, metadata [][]byte, signer Credentials) (*Receipt, error)
	Freeze(ctx context.Context, tokenID, account string, signer Credentials) (*Receipt, error)
	Unfreeze(ctx context.Context, tokenID, account string, signer Credentials) (*Receipt, error)
	TransferUnits(ctx context.Context, tokenID string, serials []int64, from, to string, signer Credentials) (*Receipt, error)
	BurnUnits(ctx context.Context, tokenID string, serials []int64, signer Credentials) (*Receipt, error)
	// TransferFunds moves amount of the fungible payment token
	TransferFunds(ctx context.Context, paymentTokenID, from, to string, amount float64, signer Credentials) (*Receipt, error)
	GetBalance(ctx context.Context, account, tokenID string) (float64, error)
	GetHolders(ctx context.Context, tokenID string) ([]HolderRecord, error)
}
