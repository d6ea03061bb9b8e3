package batch

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Failure is one item that could not be processed, with the reason.
type Failure[T any] struct {
	Item   T      `json:"item"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// Outcome is the explicit per-item result of a best-effort operation:
// every input item lands in exactly one of Succeeded or Failed.
type Outcome[T any] struct {
	Succeeded []T          `json:"succeeded"`
	Failed    []Failure[T] `json:"failed"`
}

// Succeed records item as processed
func (o *Outcome[T]) Succeed(items ...T) {
	o.Succeeded = append(o.Succeeded, items...)
}

// Fail records item as failed with err
func (o *Outcome[T]) Fail(item T, err error) {
	reason := "unknown error"
	if err != nil {
		reason = err.Error()
	}
	o.Failed = append(o.Failed, Failure[T]{Item: item, Reason: reason, Err: err})
}

// Merge appends other's items to o
func (o *Outcome[T]) Merge(other Outcome[T]) {
	o.Succeeded = append(o.Succeeded, other.Succeeded...)
	o.Failed = append(o.Failed, other.Failed...)
}

// Total is the number of items seen
func (o *Outcome[T]) Total() int {
	return len(o.Succeeded) + len(o.Failed)
}

// AllSucceeded reports whether nothing failed
func (o *Outcome[T]) AllSucceeded() bool {
	return len(o.Failed) == 0
}

// Err aggregates every failure into one error, or nil.
func (o *Outcome[T]) Err() error {
	var result *multierror.Error
	for _, f := range o.Failed {
		err := f.Err
		if err == nil {
			err = fmt.Errorf("%s", f.Reason)
		}
		result = multierror.Append(result, fmt.Errorf("%v: %w", f.Item, err))
	}
	return result.ErrorOrNil()
}
