package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/pawnx/am"
	"github.com/teranos/pawnx/errors"
)

var errBusy = errors.New("BUSY")
var errBadSignature = errors.New("INVALID_SIGNATURE")

func isBusy(err error) bool { return errors.Is(err, errBusy) }

// recordWaits captures requested delays instead of sleeping
func recordWaits(p Policy) (Policy, *[]time.Duration) {
	var waits []time.Duration
	p.Wait = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return p, &waits
}

func TestBackoff_Monotonic(t *testing.T) {
	p := Default(isBusy)

	assert.Equal(t, 500*time.Millisecond, p.Backoff(1))
	assert.Equal(t, time.Second, p.Backoff(2))
	assert.Equal(t, 2*time.Second, p.Backoff(3))

	for n := 1; n < 40; n++ {
		assert.GreaterOrEqual(t, p.Backoff(n+1), p.Backoff(n), "attempt %d", n)
	}
	assert.Equal(t, p.Backoff(1), p.Backoff(0))
}

func TestDelay_JitterBounded(t *testing.T) {
	p := Default(isBusy)
	for i := 0; i < 200; i++ {
		d := p.Delay(2)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, time.Second+100*time.Millisecond)
	}

	p.JitterMax = 0
	assert.Equal(t, time.Second, p.Delay(2))
}

func TestDo_RetriesTransientUpToCeiling(t *testing.T) {
	p, waits := recordWaits(Default(isBusy))

	calls := 0
	attempts, err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		return errBusy
	})

	require.ErrorIs(t, err, errBusy)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
	require.Len(t, *waits, 2, "no wait after the final attempt")
	assert.GreaterOrEqual(t, (*waits)[1], (*waits)[0]-DefaultJitterMax)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	p, waits := recordWaits(Default(isBusy))

	attempts, err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		return errBadSignature
	})

	require.ErrorIs(t, err, errBadSignature)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, *waits)
}

func TestDo_RecoversAfterTransient(t *testing.T) {
	p, _ := recordWaits(Default(isBusy))

	attempts, err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		if attempt < 2 {
			return errBusy
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestDo_ContextCancelledDuringWait(t *testing.T) {
	p := Default(isBusy)
	p.BaseDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts, err := p.Do(ctx, func(ctx context.Context, attempt int) error { return errBusy })
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestFromConfig(t *testing.T) {
	p := FromConfig(am.RetryConfig{BaseDelayMS: 250, MaxAttempts: 4, JitterMS: 10}, nil)

	assert.Equal(t, 250*time.Millisecond, p.BaseDelay)
	assert.Equal(t, 4, p.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, p.JitterMax)
	assert.False(t, p.transient(errBusy), "nil classifier treats errors as permanent")
}
