package ledger

import (
	"context"
	"sync"

	"github.com/teranos/pawnx/am"
	"github.com/teranos/pawnx/errors"
)

// KeyProvider resolves signing material for a ledger account
type KeyProvider interface {
	Credentials(ctx context.Context, account string) (Credentials, error)
	// Operator returns the treasury/operator credentials
	Operator(ctx context.Context) (Credentials, error)
}

// StaticKeys is a KeyProvider over keys loaded from configuration
type StaticKeys struct {
	mu       sync.RWMutex
	keys     map[string]string
	operator string
}

// NewStaticKeys builds a provider. operator is the treasury account id.
func NewStaticKeys(operator string, keys map[string]string) *StaticKeys {
	copied := make(map[string]string, len(keys))
	for k, v := range keys {
		copied[k] = v
	}
	return &StaticKeys{keys: copied, operator: operator}
}

// KeysFromConfig builds a provider from the keys and ledger sections
func KeysFromConfig(cfg *am.Config) *StaticKeys {
	keys := make(map[string]string, len(cfg.Keys.Accounts)+1)
	for _, k := range cfg.Keys.Accounts {
		keys[k.AccountID] = k.PrivateKey
	}
	if cfg.Keys.OperatorPrivateKey != "" {
		keys[cfg.Ledger.TreasuryAccountID] = cfg.Keys.OperatorPrivateKey
	}
	return NewStaticKeys(cfg.Ledger.TreasuryAccountID, keys)
}

// Set registers or replaces the key for account
func (s *StaticKeys) Set(account, privateKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[account] = privateKey
}

// Credentials implements KeyProvider
func (s *StaticKeys) Credentials(ctx context.Context, account string) (Credentials, error) {
	if account == "" {
		return Credentials{}, errors.NewValidationError("account id is required")
	}
	s.mu.RLock()
	key, ok := s.keys[account]
	s.mu.RUnlock()
	if !ok || key == "" {
		return Credentials{}, errors.WithHint(
			errors.NewValidationError("no signing key configured for account %s", account),
			"add it under [[keys.accounts]] in am.toml")
	}
	return Credentials{AccountID: account, PrivateKey: key}, nil
}

// Operator implements KeyProvider
func (s *StaticKeys) Operator(ctx context.Context) (Credentials, error) {
	if s.operator == "" {
		return Credentials{}, errors.NewValidationError("ledger.treasury_account_id is not configured")
	}
	return s.Credentials(ctx, s.operator)
}
