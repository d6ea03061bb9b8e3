package vault

import (
	"context"
	"time"

	"github.com/teranos/pawnx/errors"
)

// Payout is a buyback payment already made to one holder of a token. It
// is written as soon as the ledger confirms the transfer, so a settlement
// that is retried never pays the same holder twice.
type Payout struct {
	TokenID   string    `json:"token_id"`
	Account   string    `json:"account"`
	Amount    float64   `json:"amount"`
	TxID      string    `json:"tx_id"`
	JobID     string    `json:"job_id"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordPayout stores p. The first payout recorded for (token, account) wins.
func (s *Store) RecordPayout(ctx context.Context, p Payout) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO settlement_payouts (token_id, account, amount, tx_id, job_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(token_id, account) DO NOTHING`,
		p.TokenID, p.Account, p.Amount, p.TxID, p.JobID, millis(s.now()))
	if err != nil {
		return errors.Wrapf(err, "failed to record payout to %s", p.Account)
	}
	return nil
}

// ListPayouts returns the payouts made for a token, by account
func (s *Store) ListPayouts(ctx context.Context, tokenID string) ([]Payout, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT token_id, account, amount, tx_id, job_id, created_at
		FROM settlement_payouts WHERE token_id = ?
		ORDER BY account`, tokenID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list payouts for token %s", tokenID)
	}
	defer rows.Close()

	var out []Payout
	for rows.Next() {
		var (
			p         Payout
			createdAt int64
		)
		if err := rows.Scan(&p.TokenID, &p.Account, &p.Amount, &p.TxID, &p.JobID, &createdAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan payout")
		}
		p.CreatedAt = fromMillis(createdAt)
		out = append(out, p)
	}
	return out, rows.Err()
}
