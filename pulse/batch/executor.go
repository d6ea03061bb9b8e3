// Package batch splits item lists into ledger-sized chunks and runs an
// operation over each chunk with bounded retry. A failed chunk never stops
// later chunks.
package batch

import (
	"context"

	"github.com/teranos/pawnx/errors"
	"github.com/teranos/pawnx/pulse/retry"
)

// Chunk splits items into ordered chunks of at most size. Concatenating
// the chunks yields items; only the last chunk may be shorter.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 || len(items) == 0 {
		return nil
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end:end])
	}
	return chunks
}

// FailedBatch records a chunk that did not succeed after retry.
type FailedBatch[T any] struct {
	Index    int    `json:"index"`
	Items    []T    `json:"items"`
	Attempts int    `json:"attempts"`
	Reason   string `json:"reason"`
	Err      error  `json:"-"`
}

// Result aggregates a Run. Results holds one entry per successful chunk,
// in chunk order.
type Result[T, R any] struct {
	Results        []R              `json:"results"`
	ProcessedCount int              `json:"processed_count"`
	FailedBatches  []FailedBatch[T] `json:"failed_batches"`
	Outcome        Outcome[T]       `json:"outcome"`
}

// Op consumes one chunk
type Op[T, R any] func(ctx context.Context, chunk []T) (R, error)

// Run executes op over Chunk(items, maxBatchSize) sequentially in order.
// Each chunk is retried independently under policy: transient errors back
// off and retry, permanent errors fail that chunk at once. The only error
// Run returns is for an invalid batch size; chunk failures are reported in
// the Result. Once ctx is done, remaining chunks are recorded as failed
// without calling op.
func Run[T, R any](ctx context.Context, items []T, maxBatchSize int, policy retry.Policy, op Op[T, R]) (*Result[T, R], error) {
	if maxBatchSize <= 0 {
		return nil, errors.Newf("max batch size must be > 0, got %d", maxBatchSize)
	}

	res := &Result[T, R]{}
	for i, chunk := range Chunk(items, maxBatchSize) {
		if err := ctx.Err(); err != nil {
			res.fail(i, chunk, 0, err)
			continue
		}

		var out R
		attempts, err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
			var opErr error
			out, opErr = op(ctx, chunk)
			return opErr
		})
		if err != nil {
			res.fail(i, chunk, attempts, err)
			continue
		}

		res.Results = append(res.Results, out)
		res.ProcessedCount += len(chunk)
		res.Outcome.Succeed(chunk...)
	}
	return res, nil
}

func (r *Result[T, R]) fail(index int, chunk []T, attempts int, err error) {
	r.FailedBatches = append(r.FailedBatches, FailedBatch[T]{
		Index:    index,
		Items:    chunk,
		Attempts: attempts,
		Reason:   err.Error(),
		Err:      err,
	})
	for _, item := range chunk {
		r.Outcome.Fail(item, err)
	}
}

// FailedCount is the number of items in failed chunks
func (r *Result[T, R]) FailedCount() int {
	return len(r.Outcome.Failed)
}
