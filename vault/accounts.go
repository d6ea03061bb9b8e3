package vault

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/pawnx/errors"
)

// Account is the internal view of a ledger account's payment balance.
// Balances are only ever written from a ledger read, never incremented.
type Account struct {
	ID              string    `json:"id"`
	LedgerAccountID string    `json:"ledger_account_id"`
	Role            string    `json:"role"`
	Balance         float64   `json:"balance"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// GetAccount loads the account for a ledger account id
func (s *Store) GetAccount(ctx context.Context, ledgerAccountID string) (*Account, error) {
	var (
		a         Account
		updatedAt int64
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT id, ledger_account_id, role, balance, updated_at
		FROM accounts WHERE ledger_account_id = ?`, ledgerAccountID).
		Scan(&a.ID, &a.LedgerAccountID, &a.Role, &a.Balance, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("account %s not found", ledgerAccountID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load account %s", ledgerAccountID)
	}
	a.UpdatedAt = fromMillis(updatedAt)
	return &a, nil
}

// SetBalance records the ledger-reported balance of an account, creating
// the account with role when it is not known yet. The role of an existing
// account is left unchanged.
func (s *Store) SetBalance(ctx context.Context, ledgerAccountID, role string, balance float64) error {
	if role == "" {
		role = RoleInvestor
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO accounts (id, ledger_account_id, role, balance, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(ledger_account_id) DO UPDATE SET
			balance = excluded.balance,
			updated_at = excluded.updated_at`,
		uuid.New().String(), ledgerAccountID, role, balance, millis(s.now()))
	if err != nil {
		return errors.Wrapf(err, "failed to set balance of %s", ledgerAccountID)
	}
	return nil
}

// Balance returns the recorded balance, zero for unknown accounts
func (s *Store) Balance(ctx context.Context, ledgerAccountID string) (float64, error) {
	a, err := s.GetAccount(ctx, ledgerAccountID)
	if errors.IsNotFoundError(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return a.Balance, nil
}
