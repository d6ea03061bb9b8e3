package vault

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/pawnx/errors"
)

// Token is one pawned asset tokenized on the ledger
type Token struct {
	ID             string    `json:"id"`
	LedgerTokenID  string    `json:"ledger_token_id"`
	OriginTxID     string    `json:"origin_tx_id"`
	Status         string    `json:"status"`
	OwnerID        string    `json:"owner_id"`
	AssetValuation float64   `json:"asset_valuation"`
	MintedShares   int64     `json:"minted_shares"`
	MonthlyROI     float64   `json:"monthly_roi"` // percent per month
	AcquiredAt     time.Time `json:"acquired_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedBy      string    `json:"created_by"`
	UpdatedBy      string    `json:"updated_by"`
	// SettlementJobID is the repayment job that last claimed the token
	SettlementJobID string    `json:"settlement_job_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// SharePrice is the valuation of one minted share
func (t *Token) SharePrice() float64 {
	if t.MintedShares <= 0 {
		return 0
	}
	return t.AssetValuation / float64(t.MintedShares)
}

const tokenColumns = `id, ledger_token_id, origin_tx_id, status, owner_id,
	asset_valuation, minted_shares, monthly_roi, acquired_at, expires_at,
	created_by, updated_by, created_at, updated_at, settlement_job_id`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanToken(row rowScanner) (*Token, error) {
	var (
		t                                       Token
		acquired, expires, createdAt, updatedAt int64
	)
	err := row.Scan(&t.ID, &t.LedgerTokenID, &t.OriginTxID, &t.Status, &t.OwnerID,
		&t.AssetValuation, &t.MintedShares, &t.MonthlyROI, &acquired, &expires,
		&t.CreatedBy, &t.UpdatedBy, &createdAt, &updatedAt, &t.SettlementJobID)
	if err != nil {
		return nil, err
	}
	t.AcquiredAt = fromMillis(acquired)
	t.ExpiresAt = fromMillis(expires)
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	return &t, nil
}

// CreateToken inserts t. An empty ID gets a fresh uuid; an empty status is PENDING.
func (s *Store) CreateToken(ctx context.Context, t *Token) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	now := s.now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	if t.UpdatedBy == "" {
		t.UpdatedBy = t.CreatedBy
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO tokens (`+tokenColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.LedgerTokenID, t.OriginTxID, t.Status, t.OwnerID,
		t.AssetValuation, t.MintedShares, t.MonthlyROI, millis(t.AcquiredAt), millis(t.ExpiresAt),
		t.CreatedBy, t.UpdatedBy, millis(now), millis(now), t.SettlementJobID)
	if err != nil {
		return errors.Wrapf(err, "failed to insert token %s", t.ID)
	}
	return nil
}

// GetToken loads a token by id
func (s *Store) GetToken(ctx context.Context, id string) (*Token, error) {
	t, err := scanToken(s.q.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("token %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load token %s", id)
	}
	return t, nil
}

// ListTokensExpiring returns tokens in status whose expiry falls in
// [from, to), soonest first.
func (s *Store) ListTokensExpiring(ctx context.Context, status string, from, to time.Time) ([]*Token, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+tokenColumns+` FROM tokens
		WHERE status = ? AND expires_at >= ? AND expires_at < ?
		ORDER BY expires_at, id`,
		status, millis(from), millis(to))
	if err != nil {
		return nil, errors.Wrap(err, "failed to query expiring tokens")
	}
	defer rows.Close()

	var tokens []*Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan token")
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// UpdateTokenStatus moves a token to status, recording who changed it
func (s *Store) UpdateTokenStatus(ctx context.Context, id, status, updatedBy string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE tokens SET status = ?, updated_by = ?, updated_at = ? WHERE id = ?`,
		status, updatedBy, millis(s.now()), id)
	if err != nil {
		return errors.Wrapf(err, "failed to update status of token %s", id)
	}
	return affected(res, "token %s not found", id)
}

// RecordMint stores the ledger token id, origination transaction and the
// number of shares actually minted, together with the resulting status.
func (s *Store) RecordMint(ctx context.Context, id, ledgerTokenID, originTxID string, minted int64, status, updatedBy string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE tokens
		SET ledger_token_id = ?, origin_tx_id = ?, minted_shares = ?, status = ?, updated_by = ?, updated_at = ?
		WHERE id = ?`,
		ledgerTokenID, originTxID, minted, status, updatedBy, millis(s.now()), id)
	if err != nil {
		return errors.Wrapf(err, "failed to record mint for token %s", id)
	}
	return affected(res, "token %s not found", id)
}

// ClaimSettlement moves a token to REPAYMENT_IN_PROGRESS for jobID. It
// succeeds from SUCCESS or REPAYMENT_FAILED, or when jobID already holds
// the claim; it reports false when another job holds it or the token was
// settled meanwhile.
func (s *Store) ClaimSettlement(ctx context.Context, id, jobID, updatedBy string) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE tokens
		SET status = ?, settlement_job_id = ?, updated_by = ?, updated_at = ?
		WHERE id = ? AND (status IN (?, ?) OR (status = ? AND settlement_job_id = ?))`,
		StatusRepaymentInProgress, jobID, updatedBy, millis(s.now()),
		id, StatusSuccess, StatusRepaymentFailed, StatusRepaymentInProgress, jobID)
	if err != nil {
		return false, errors.Wrapf(err, "failed to claim token %s for settlement", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read claim result")
	}
	return n > 0, nil
}
