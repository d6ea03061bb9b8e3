package vault

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/pawnx/errors"
)

// AssetPrice is one fetched reference price
type AssetPrice struct {
	ID        int64     `json:"id"`
	Asset     string    `json:"asset"`
	Price     float64   `json:"price"`
	Currency  string    `json:"currency"`
	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetched_at"`
}

// InsertPrice appends a price observation
func (s *Store) InsertPrice(ctx context.Context, p *AssetPrice) error {
	if p.FetchedAt.IsZero() {
		p.FetchedAt = s.now().UTC()
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO asset_prices (asset, price, currency, source, fetched_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.Asset, p.Price, p.Currency, p.Source, millis(p.FetchedAt))
	if err != nil {
		return errors.Wrapf(err, "failed to insert %s price", p.Asset)
	}
	if id, err := res.LastInsertId(); err == nil {
		p.ID = id
	}
	return nil
}

// LatestPrice returns the most recently fetched price of asset
func (s *Store) LatestPrice(ctx context.Context, asset string) (*AssetPrice, error) {
	var (
		p         AssetPrice
		fetchedAt int64
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT id, asset, price, currency, source, fetched_at
		FROM asset_prices WHERE asset = ?
		ORDER BY fetched_at DESC, id DESC LIMIT 1`, asset).
		Scan(&p.ID, &p.Asset, &p.Price, &p.Currency, &p.Source, &fetchedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("no price recorded for %s", asset)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %s price", asset)
	}
	p.FetchedAt = fromMillis(fetchedAt)
	return &p, nil
}
