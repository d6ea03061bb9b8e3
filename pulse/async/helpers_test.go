package async

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	pawntest "github.com/teranos/pawnx/internal/testing"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testQueueConfig(name string) QueueConfig {
	return QueueConfig{
		Name:         name,
		Concurrency:  2,
		Attempts:     3,
		Backoff:      Backoff{Kind: BackoffFixed, Delay: time.Second},
		StallTimeout: 30 * time.Second,
	}
}

func setupQueue(t *testing.T, configs ...QueueConfig) (*Queue, *fakeClock) {
	t.Helper()
	if len(configs) == 0 {
		configs = []QueueConfig{testQueueConfig("repayment")}
	}
	q := NewQueue(pawntest.CreateTestDB(t), configs...)
	clock := newFakeClock()
	q.SetClock(clock.Now)
	return q, clock
}

func claim(t *testing.T, q *Queue, queue string) *Job {
	t.Helper()
	job, err := q.ClaimNext(t.Context(), queue, "worker-1")
	require.NoError(t, err)
	return job
}
