package vault

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/pawnx/errors"
)

// Listing is the marketplace offer of a token's shares
type Listing struct {
	ID        string    `json:"id"`
	TokenID   string    `json:"token_id"`
	Status    string    `json:"status"`
	UpdatedBy string    `json:"updated_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateListing inserts l, open unless a status is given
func (s *Store) CreateListing(ctx context.Context, l *Listing) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.Status == "" {
		l.Status = ListingOpen
	}
	now := s.now().UTC()
	l.CreatedAt, l.UpdatedAt = now, now

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO listings (id, token_id, status, updated_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.ID, l.TokenID, l.Status, l.UpdatedBy, millis(now), millis(now))
	if err != nil {
		return errors.Wrapf(err, "failed to insert listing %s", l.ID)
	}
	return nil
}

// GetListing loads a listing by id
func (s *Store) GetListing(ctx context.Context, id string) (*Listing, error) {
	var (
		l                    Listing
		createdAt, updatedAt int64
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT id, token_id, status, updated_by, created_at, updated_at
		FROM listings WHERE id = ?`, id).
		Scan(&l.ID, &l.TokenID, &l.Status, &l.UpdatedBy, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("listing %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load listing %s", id)
	}
	l.CreatedAt = fromMillis(createdAt)
	l.UpdatedAt = fromMillis(updatedAt)
	return &l, nil
}

// FindListingForToken returns the most recent listing of a token
func (s *Store) FindListingForToken(ctx context.Context, tokenID string) (*Listing, error) {
	var id string
	err := s.q.QueryRowContext(ctx,
		`SELECT id FROM listings WHERE token_id = ? ORDER BY created_at DESC, id LIMIT 1`, tokenID).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("no listing for token %s", tokenID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find listing for token %s", tokenID)
	}
	return s.GetListing(ctx, id)
}

// UpdateListingStatus moves a listing to status
func (s *Store) UpdateListingStatus(ctx context.Context, id, status, updatedBy string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE listings SET status = ?, updated_by = ?, updated_at = ? WHERE id = ?`,
		status, updatedBy, millis(s.now()), id)
	if err != nil {
		return errors.Wrapf(err, "failed to update listing %s", id)
	}
	return affected(res, "listing %s not found", id)
}
