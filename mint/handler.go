package mint

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/pawnx/errors"
	"github.com/teranos/pawnx/ledger"
	"github.com/teranos/pawnx/logger"
	"github.com/teranos/pawnx/pulse"
	"github.com/teranos/pawnx/pulse/async"
	"github.com/teranos/pawnx/vault"
)

// UpdatedBy is recorded on tokens changed by the mint worker
const UpdatedBy = "token-mint-worker"

// Progress stages
const (
	StageValidating = "validating"
	StageCreating   = "creating_token"
	StageMinting    = "minting"
	StageRecording  = "recording"
)

// Job is the token-mint queue payload
type Job struct {
	TokenID      string `json:"token_id"`
	TotalUnits   int    `json:"total_units"`
	Name         string `json:"name"`
	Symbol       string `json:"symbol"`
	Metadata     string `json:"metadata"`
	InitiatorID  string `json:"initiator_id"`
	SubscriberID string `json:"subscriber_id,omitempty"`
}

// IdempotencyKey is the queue key of the mint job for a token
func IdempotencyKey(tokenID string) string {
	return "mint:" + tokenID
}

// Summary is the stored result of a mint job
type Summary struct {
	TokenID        string `json:"token_id"`
	LedgerTokenID  string `json:"ledger_token_id"`
	Status         string `json:"status"`
	TotalProcessed int    `json:"total_processed"`
	TotalFailed    int    `json:"total_failed"`
	Batches        int    `json:"batches"`
	FirstSerial    int64  `json:"first_serial,omitempty"`
	LastSerial     int64  `json:"last_serial,omitempty"`
	Skipped        bool   `json:"skipped,omitempty"`
}

// HandlerConfig sizes the mint
type HandlerConfig struct {
	BatchSize            int
	MaxConcurrentWorkers int
}

// Handler runs token-mint jobs
type Handler struct {
	store  *vault.Store
	client ledger.Client
	keys   ledger.KeyProvider
	minter *Minter
	bus    *pulse.Bus
	cfg    HandlerConfig
	logger *zap.SugaredLogger
}

// NewHandler creates the token-mint handler. bus may be nil.
func NewHandler(store *vault.Store, client ledger.Client, keys ledger.KeyProvider, minter *Minter, bus *pulse.Bus, cfg HandlerConfig, log *zap.SugaredLogger) *Handler {
	return &Handler{store: store, client: client, keys: keys, minter: minter, bus: bus, cfg: cfg, logger: log}
}

// Execute implements async.JobHandler
func (h *Handler) Execute(ctx context.Context, job *async.Job, progress async.ProgressReporter) (interface{}, error) {
	var p Job
	if err := job.Decode(&p); err != nil {
		return nil, async.Unrecoverable(err)
	}
	if p.TokenID == "" || p.TotalUnits <= 0 {
		return nil, errors.NewValidationError("mint job needs a token id and a positive unit count")
	}

	subscriber := p.SubscriberID
	if subscriber == "" {
		subscriber = p.InitiatorID
	}
	emit := pulse.NewJobEmitter(h.bus, progress, job.ID, p.TokenID, subscriber)
	log := h.logger.With(logger.FieldJobID, job.ID, logger.FieldTokenID, p.TokenID)

	summary, err := h.run(ctx, log, emit, &p)
	if err != nil {
		emit.EmitError(ctx, stageOf(err), err)
		return nil, err
	}
	emit.EmitComplete(ctx, summary)
	return summary, nil
}

type stageError struct {
	stage string
	error
}

func (e stageError) Unwrap() error { return e.error }

func at(stage string, err error) error {
	return stageError{stage: stage, error: err}
}

func stageOf(err error) string {
	var se stageError
	if errors.As(err, &se) {
		return se.stage
	}
	return ""
}

func (h *Handler) run(ctx context.Context, log *zap.SugaredLogger, emit *pulse.JobEmitter, p *Job) (*Summary, error) {
	emit.EmitStage(ctx, StageValidating, 10, "Validating mint request", nil)

	token, err := h.store.GetToken(ctx, p.TokenID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return nil, at(StageValidating, async.Unrecoverable(err))
		}
		return nil, at(StageValidating, err)
	}
	if token.Status != vault.StatusPending && token.Status != vault.StatusMintFailed {
		log.Infow("Token already minted, skipping", logger.FieldState, token.Status)
		return &Summary{TokenID: token.ID, LedgerTokenID: token.LedgerTokenID, Status: token.Status, TotalProcessed: int(token.MintedShares), Skipped: true}, nil
	}

	operator, err := h.keys.Operator(ctx)
	if err != nil {
		return nil, at(StageValidating, err)
	}

	ledgerID, origin := token.LedgerTokenID, token.OriginTxID
	if ledgerID == "" {
		emit.EmitStage(ctx, StageCreating, 20, "Creating token on ledger", nil)
		id, receipt, err := h.client.CreateToken(ctx, ledger.TokenSpec{
			Name:      p.Name,
			Symbol:    p.Symbol,
			Memo:      "pawn " + token.ID,
			MaxSupply: int64(p.TotalUnits),
			Treasury:  operator,
		})
		if err != nil {
			return nil, at(StageCreating, errors.Wrap(err, "failed to create token"))
		}
		// persist before minting so a retry reuses this ledger token
		if err := h.store.RecordMint(ctx, token.ID, id, receipt.TxID, 0, vault.StatusPending, UpdatedBy); err != nil {
			return nil, at(StageCreating, err)
		}
		ledgerID, origin = id, receipt.TxID
		log.Infow("Created ledger token", "ledger_token_id", id, logger.FieldTxID, receipt.TxID)
	}

	emit.EmitStage(ctx, StageMinting, 30, "Minting shares", map[string]interface{}{"total_units": p.TotalUnits})

	var emitMu sync.Mutex
	result, err := h.minter.MintConcurrently(ctx, Request{
		LedgerTokenID:        ledgerID,
		TotalUnits:           p.TotalUnits,
		BatchSize:            h.cfg.BatchSize,
		MaxConcurrentWorkers: h.cfg.MaxConcurrentWorkers,
		Signer:               operator,
		Metadata:             []byte(p.Metadata),
		OnBatch: func(done, total int) {
			emitMu.Lock()
			defer emitMu.Unlock()
			// minting spans 30..90
			pct := 30 + 60*done/total
			if pct > emit.Progress() {
				emit.EmitStage(ctx, StageMinting, pct, "Minted batch", map[string]interface{}{"done": done, "total": total})
			}
		},
	})
	if err != nil {
		return nil, at(StageMinting, async.Unrecoverable(err))
	}

	emit.EmitStage(ctx, StageRecording, 95, "Recording minted shares", nil)

	status := vault.StatusSuccess
	if result.TotalProcessed == 0 {
		status = vault.StatusMintFailed
	}
	if origin == "" {
		for _, b := range result.Batches {
			if b.OK() {
				origin = b.TxID
				break
			}
		}
	}
	if err := h.store.RecordMint(ctx, token.ID, ledgerID, origin, int64(result.TotalProcessed), status, UpdatedBy); err != nil {
		return nil, at(StageRecording, err)
	}

	if result.TotalProcessed == 0 {
		return nil, at(StageMinting, errors.Wrap(result.Err(), "no units minted"))
	}
	if result.TotalFailed > 0 {
		log.Warnw("Partial mint accepted",
			"processed", result.TotalProcessed,
			"failed", result.TotalFailed,
			logger.FieldError, result.Err())
	}

	summary := &Summary{
		TokenID:        token.ID,
		LedgerTokenID:  ledgerID,
		Status:         status,
		TotalProcessed: result.TotalProcessed,
		TotalFailed:    result.TotalFailed,
		Batches:        len(result.Batches),
	}
	if n := len(result.Serials); n > 0 {
		summary.FirstSerial = result.Serials[0]
		summary.LastSerial = result.Serials[n-1]
	}
	return summary, nil
}
