// Package mint mints a token's fractional units across a bounded pool of
// concurrent workers.
package mint

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/teranos/pawnx/errors"
	"github.com/teranos/pawnx/ledger"
	"github.com/teranos/pawnx/logger"
	"github.com/teranos/pawnx/pulse/batch"
	"github.com/teranos/pawnx/pulse/retry"
)

// DefaultMaxConcurrentWorkers bounds parallel batch submissions
const DefaultMaxConcurrentWorkers = 3

// Request describes one concurrent mint
type Request struct {
	LedgerTokenID        string
	TotalUnits           int
	BatchSize            int
	MaxConcurrentWorkers int
	Signer               ledger.Credentials
	// Metadata is attached to every minted unit
	Metadata []byte
	// OnBatch, when set, is called after each batch settles with the
	// number of batches done so far. Calls may come from any worker.
	OnBatch func(done, total int)
}

// BatchResult is the settled outcome of one batch
type BatchResult struct {
	Index    int     `json:"index"`
	Size     int     `json:"size"`
	Serials  []int64 `json:"serials,omitempty"`
	TxID     string  `json:"tx_id,omitempty"`
	Attempts int     `json:"attempts"`
	Error    string  `json:"error,omitempty"`
	Err      error   `json:"-"`
}

// OK reports whether the batch minted
func (b BatchResult) OK() bool {
	return b.Err == nil
}

// Result aggregates every batch of a mint
type Result struct {
	Serials        []int64       `json:"serials"`
	Batches        []BatchResult `json:"batches"`
	TotalProcessed int           `json:"total_processed"`
	TotalFailed    int           `json:"total_failed"`
	Duration       time.Duration `json:"duration"`
}

// Err combines the errors of failed batches, or nil
func (r *Result) Err() error {
	var outcome batch.Outcome[int]
	for _, b := range r.Batches {
		if b.Err != nil {
			outcome.Fail(b.Index, b.Err)
		}
	}
	return outcome.Err()
}

// Plan partitions total units into batch sizes of at most size
func Plan(total, size int) []int {
	if total <= 0 || size <= 0 {
		return nil
	}
	sizes := make([]int, 0, (total+size-1)/size)
	for left := total; left > 0; left -= size {
		sizes = append(sizes, min(size, left))
	}
	return sizes
}

// Minter submits mint batches to the ledger. One Minter is shared by all
// mint jobs so its limiter caps submissions across them.
type Minter struct {
	client  ledger.Client
	policy  retry.Policy
	limiter *rate.Limiter
	ceiling int
	logger  *zap.SugaredLogger
}

// NewMinter creates a minter. limiter may be nil; ceiling <= 0 uses the
// ledger default.
func NewMinter(client ledger.Client, policy retry.Policy, limiter *rate.Limiter, ceiling int, log *zap.SugaredLogger) *Minter {
	if ceiling <= 0 {
		ceiling = ledger.DefaultBatchCeiling
	}
	if policy.IsTransient == nil {
		policy.IsTransient = ledger.IsTransient
	}
	return &Minter{client: client, policy: policy, limiter: limiter, ceiling: ceiling, logger: log}
}

func (m *Minter) validate(req *Request) error {
	if req.LedgerTokenID == "" {
		return errors.NewValidationError("ledger token id is required")
	}
	if req.TotalUnits <= 0 {
		return errors.NewValidationError("total units must be > 0, got %d", req.TotalUnits)
	}
	if req.BatchSize <= 0 || req.BatchSize > m.ceiling {
		return errors.NewValidationError("batch size must be in [1, %d], got %d", m.ceiling, req.BatchSize)
	}
	if req.MaxConcurrentWorkers <= 0 {
		req.MaxConcurrentWorkers = DefaultMaxConcurrentWorkers
	}
	return nil
}

// MintConcurrently mints req.TotalUnits in batches of req.BatchSize across
// up to req.MaxConcurrentWorkers workers. A failed batch never cancels the
// others; the only error returned is for an invalid request. Callers read
// TotalFailed to decide whether partial success is acceptable.
func (m *Minter) MintConcurrently(ctx context.Context, req Request) (*Result, error) {
	if err := m.validate(&req); err != nil {
		return nil, err
	}

	start := time.Now()
	sizes := Plan(req.TotalUnits, req.BatchSize)
	batches := make([]BatchResult, len(sizes))

	var (
		processed atomic.Int64
		failed    atomic.Int64
		done      atomic.Int64
		mu        sync.Mutex
		serials   []int64
	)

	m.logger.Infow("Starting concurrent mint",
		logger.FieldTokenID, req.LedgerTokenID,
		logger.FieldTotalCount, req.TotalUnits,
		logger.FieldBatchSize, req.BatchSize,
		"batches", len(sizes),
		"workers", req.MaxConcurrentWorkers)

	// errgroup only bounds concurrency here; workers always return nil so
	// one failed batch cannot cancel its siblings
	var g errgroup.Group
	g.SetLimit(req.MaxConcurrentWorkers)

	for i, size := range sizes {
		g.Go(func() error {
			res := m.mintBatch(ctx, req, i, size)
			batches[i] = res

			if res.OK() {
				processed.Add(int64(size))
				mu.Lock()
				serials = append(serials, res.Serials...)
				mu.Unlock()
			} else {
				failed.Add(int64(size))
				m.logger.Warnw("Mint batch failed",
					logger.FieldTokenID, req.LedgerTokenID,
					logger.FieldBatch, i,
					logger.FieldBatchSize, size,
					logger.FieldAttempt, res.Attempts,
					logger.FieldError, res.Error)
			}
			if req.OnBatch != nil {
				req.OnBatch(int(done.Add(1)), len(sizes))
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(serials, func(a, b int) bool { return serials[a] < serials[b] })
	result := &Result{
		Serials:        serials,
		Batches:        batches,
		TotalProcessed: int(processed.Load()),
		TotalFailed:    int(failed.Load()),
		Duration:       time.Since(start),
	}

	m.logger.Infow("Concurrent mint finished",
		logger.FieldTokenID, req.LedgerTokenID,
		"processed", result.TotalProcessed,
		"failed", result.TotalFailed,
		logger.FieldDurationMS, result.Duration.Milliseconds())
	return result, nil
}

// mintBatch submits one batch through the shared retry executor
func (m *Minter) mintBatch(ctx context.Context, req Request, index, size int) BatchResult {
	res := BatchResult{Index: index, Size: size}

	metadata := make([][]byte, size)
	for i := range metadata {
		metadata[i] = req.Metadata
	}

	attempts := 0
	run, err := batch.Run(ctx, metadata, m.ceiling, m.policy,
		func(ctx context.Context, chunk [][]byte) (*ledger.Receipt, error) {
			attempts++
			if m.limiter != nil {
				if err := m.limiter.Wait(ctx); err != nil {
					return nil, err
				}
			}
			return m.client.MintUnits(ctx, req.LedgerTokenID, chunk, req.Signer)
		})
	if err != nil {
		res.Err, res.Error = err, err.Error()
		return res
	}
	if len(run.FailedBatches) > 0 {
		fb := run.FailedBatches[0]
		res.Attempts = fb.Attempts
		res.Err, res.Error = fb.Err, fb.Reason
		return res
	}

	receipt := run.Results[0]
	res.Attempts = attempts
	res.TxID = receipt.TxID
	res.Serials = receipt.Serials
	return res
}
