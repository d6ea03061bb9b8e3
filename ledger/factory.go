package ledger

import (
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pawnx/am"
	"github.com/teranos/pawnx/errors"
)

// New builds the Client selected by ledger.mode
func New(cfg *am.Config, log *zap.SugaredLogger) (Client, error) {
	switch cfg.Ledger.Mode {
	case "", "memory":
		log.Infow("Using in-memory ledger", "batch_ceiling", cfg.Ledger.BatchCeiling)
		return NewMemory(cfg.Ledger.BatchCeiling), nil
	case "gateway":
		if cfg.Ledger.GatewayURL == "" {
			return nil, errors.NewValidationError("ledger.gateway_url is required in gateway mode")
		}
		timeout := time.Duration(cfg.Ledger.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		return NewGateway(cfg.Ledger.GatewayURL, timeout, cfg.Ledger.SubmissionsPerSecond, log), nil
	default:
		return nil, errors.NewValidationError("unknown ledger mode %q", cfg.Ledger.Mode)
	}
}
