// Package vault is the domain store: pawned-asset tokens, their listings,
// internal account balances, settlement failure records and reference
// asset prices.
//
// A Store bound to a transaction is obtained with WithTx; every method
// works the same on either.
package vault

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/pawnx/errors"
)

// Token statuses
const (
	StatusPending            = "PENDING"
	StatusSuccess            = "SUCCESS"
	StatusMintFailed         = "MINT_FAILED"
	StatusRepaymentProcessed = "REPAYMENT_PROCESSED"
	StatusRepaymentFailed    = "REPAYMENT_FAILED"
	// StatusRepaymentInProgress is held by the settlement job named in
	// Token.SettlementJobID
	StatusRepaymentInProgress = "REPAYMENT_IN_PROGRESS"
)

// Listing statuses
const (
	ListingOpen   = "OPEN"
	ListingClosed = "CLOSED"
)

// Account roles
const (
	RoleInvestor = "investor"
	RoleTreasury = "treasury"
	RoleOperator = "operator"
)

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store persists domain records
type Store struct {
	db  *sql.DB
	q   querier
	now func() time.Time
}

// NewStore creates a store over db
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, q: db, now: time.Now}
}

// SetClock overrides the audit timestamp source
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// WithTx runs fn with a Store bound to one transaction. The transaction
// commits when fn returns nil and rolls back otherwise. Nested calls reuse
// the outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	if _, inTx := s.q.(*sql.Tx); inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	bound := &Store{db: s.db, q: tx, now: s.now}
	if err := fn(bound); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.WithSecondaryError(err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// affected maps a zero-row update to a not-found error
func affected(res sql.Result, format string, args ...interface{}) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return errors.NewNotFoundError(format, args...)
	}
	return nil
}
