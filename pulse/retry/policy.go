// Package retry holds the one retry policy shared by every ledger call site:
// bounded attempts, exponential backoff with jitter, and a pluggable
// transient-error classifier.
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/teranos/pawnx/am"
	"github.com/teranos/pawnx/errors"
)

// Defaults observed against the external ledger
const (
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxAttempts = 3
	DefaultJitterMax   = 100 * time.Millisecond
)

// maxShift keeps base * 2^n from overflowing time.Duration
const maxShift = 30

// Policy is a bounded exponential backoff policy.
type Policy struct {
	BaseDelay   time.Duration
	MaxAttempts int
	JitterMax   time.Duration
	// IsTransient decides whether a failed attempt may be retried. Nil
	// treats every error as permanent.
	IsTransient func(error) bool
	// Wait blocks for d or until ctx is done. Nil uses a timer.
	Wait func(ctx context.Context, d time.Duration) error
}

// Default returns the 500ms / 3 attempts / 100ms jitter policy
func Default(isTransient func(error) bool) Policy {
	return Policy{
		BaseDelay:   DefaultBaseDelay,
		MaxAttempts: DefaultMaxAttempts,
		JitterMax:   DefaultJitterMax,
		IsTransient: isTransient,
	}
}

// FromConfig builds a policy from the retry section of am.Config
func FromConfig(cfg am.RetryConfig, isTransient func(error) bool) Policy {
	return Policy{
		BaseDelay:   time.Duration(cfg.BaseDelayMS) * time.Millisecond,
		MaxAttempts: cfg.MaxAttempts,
		JitterMax:   time.Duration(cfg.JitterMS) * time.Millisecond,
		IsTransient: isTransient,
	}
}

// Backoff returns base * 2^(attempt-1), the delay after a failed attempt
// before jitter. Attempts are 1-based.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > maxShift {
		shift = maxShift
	}
	return p.BaseDelay << shift
}

// Delay returns Backoff(attempt) plus uniform jitter in [0, JitterMax].
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Backoff(attempt)
	if p.JitterMax > 0 {
		d += time.Duration(rand.Int64N(int64(p.JitterMax) + 1))
	}
	return d
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) transient(err error) bool {
	return p.IsTransient != nil && p.IsTransient(err)
}

// Do runs op until it succeeds, fails permanently, or MaxAttempts is
// reached. It returns the number of attempts made and the last error.
// Waits between attempts honor ctx; a cancelled context stops retrying and
// returns the context error wrapped around the last failure.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) (int, error) {
	wait := p.Wait
	if wait == nil {
		wait = sleep
	}

	max := p.attempts()
	var err error
	for attempt := 1; attempt <= max; attempt++ {
		err = op(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if !p.transient(err) || attempt == max {
			return attempt, err
		}
		if werr := wait(ctx, p.Delay(attempt)); werr != nil {
			return attempt, errors.WithSecondaryError(errors.Wrap(werr, "retry wait interrupted"), err)
		}
	}
	return max, err
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
