package schedule

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/pawnx/errors"
	pawntest "github.com/teranos/pawnx/internal/testing"
	"github.com/teranos/pawnx/pulse/async"
)

var kolkata = mustLoad("Asia/Kolkata")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func setup(t *testing.T) (*Store, *Ticker, *async.Queue, *clock) {
	t.Helper()
	db := pawntest.CreateTestDB(t)
	c := &clock{now: time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)}

	store := NewStore(db)
	store.SetClock(c.Now)
	queue := async.NewQueue(db, async.QueueConfig{Name: "scheduler", Concurrency: 1, Attempts: 3})
	queue.SetClock(c.Now)
	ticker := NewTicker(store, queue, DefaultTickerConfig(), zaptest.NewLogger(t).Sugar())
	ticker.SetClock(c.Now)
	return store, ticker, queue, c
}

func discoveryRule() *Rule {
	return &Rule{
		Key:      "daily-repayment-discovery",
		Queue:    "scheduler",
		Cron:     "1 0 * * *",
		Timezone: "Asia/Kolkata",
		Payload:  json.RawMessage(`{"kind":"discovery"}`),
	}
}

func TestNextRun_NamedTimezone(t *testing.T) {
	// 18:00 UTC on Mar 1 is 23:30 IST; the next 00:01 IST is Mar 2
	after := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	next, err := NextRun("1 0 * * *", "Asia/Kolkata", after)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2026, 3, 2, 0, 1, 0, 0, kolkata).UTC(), next)
	assert.Equal(t, time.UTC, next.Location())
}

func TestNextRun_Invalid(t *testing.T) {
	_, err := NextRun("not a cron", "UTC", time.Now())
	assert.Error(t, err)
	_, err = NextRun("1 0 * * *", "Nowhere/Land", time.Now())
	assert.Error(t, err)
}

func TestUpsert_IdempotentByKey(t *testing.T) {
	store, _, _, c := setup(t)
	ctx := t.Context()

	first, err := store.Upsert(ctx, discoveryRule())
	require.NoError(t, err)
	assert.Equal(t, StateActive, first.State)

	c.now = c.now.Add(time.Minute)
	second, err := store.Upsert(ctx, discoveryRule())
	require.NoError(t, err)
	assert.Equal(t, first.NextRunAt, second.NextRunAt, "re-registering keeps the pending fire")

	rules, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 1)
}

func TestUpsert_CronChangeRecomputes(t *testing.T) {
	store, _, _, _ := setup(t)
	ctx := t.Context()

	first, err := store.Upsert(ctx, discoveryRule())
	require.NoError(t, err)

	changed := discoveryRule()
	changed.Cron = "0 10 * * *"
	second, err := store.Upsert(ctx, changed)
	require.NoError(t, err)
	assert.NotEqual(t, first.NextRunAt, second.NextRunAt)
	assert.Equal(t, 10, second.NextRunAt.In(kolkata).Hour())
}

func TestUpsert_RequiresKey(t *testing.T) {
	store, _, _, _ := setup(t)
	_, err := store.Upsert(t.Context(), &Rule{Queue: "scheduler", Cron: "* * * * *", Timezone: "UTC"})
	assert.True(t, errors.IsValidationError(err))
}

func TestTick_FiresDueRule(t *testing.T) {
	store, ticker, queue, c := setup(t)
	ctx := t.Context()

	rule, err := store.Upsert(ctx, discoveryRule())
	require.NoError(t, err)

	execs, err := ticker.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, execs, "not due yet")

	c.now = rule.NextRunAt.Add(2 * time.Second)
	execs, err = ticker.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, ExecutionStatusEnqueued, execs[0].Status)

	job, err := queue.GetJob(ctx, execs[0].JobID)
	require.NoError(t, err)
	assert.Equal(t, "scheduler", job.Queue)
	assert.Equal(t, FireKey(rule.Key, rule.NextRunAt), job.IdempotencyKey)
	assert.JSONEq(t, `{"kind":"discovery"}`, string(job.Payload))

	advanced, err := store.Get(ctx, rule.Key)
	require.NoError(t, err)
	assert.Equal(t, rule.NextRunAt.Add(24*time.Hour), advanced.NextRunAt)
	require.NotNil(t, advanced.LastRunAt)
	assert.Equal(t, job.ID, advanced.LastJobID)

	// same instant again: nothing due
	execs, err = ticker.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, execs)

	history, err := store.ListExecutions(ctx, rule.Key, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, job.ID, history[0].JobID)
}

func TestTick_MissedFiresCollapse(t *testing.T) {
	store, ticker, queue, c := setup(t)
	ctx := t.Context()

	rule, err := store.Upsert(ctx, discoveryRule())
	require.NoError(t, err)

	c.now = rule.NextRunAt.Add(72 * time.Hour)
	execs, err := ticker.Tick(ctx)
	require.NoError(t, err)
	assert.Len(t, execs, 1)

	jobs, err := queue.ListJobs(ctx, async.JobFilter{Queue: "scheduler"})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	advanced, err := store.Get(ctx, rule.Key)
	require.NoError(t, err)
	assert.True(t, advanced.NextRunAt.After(c.now))
}

func TestTick_PausedRuleSkipped(t *testing.T) {
	store, ticker, _, c := setup(t)
	ctx := t.Context()

	rule, err := store.Upsert(ctx, discoveryRule())
	require.NoError(t, err)
	require.NoError(t, store.SetState(ctx, rule.Key, StatePaused))

	c.now = rule.NextRunAt.Add(time.Minute)
	execs, err := ticker.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, execs)

	require.NoError(t, store.SetState(ctx, rule.Key, StateActive))
	resumed, err := store.Get(ctx, rule.Key)
	require.NoError(t, err)
	assert.True(t, resumed.NextRunAt.After(c.now))
}

func TestTick_UnknownQueueRecordsFailure(t *testing.T) {
	store, ticker, _, c := setup(t)
	ctx := t.Context()

	bad := discoveryRule()
	bad.Key = "daily-gold-price"
	bad.Queue = "gold-price"
	rule, err := store.Upsert(ctx, bad)
	require.NoError(t, err)

	c.now = rule.NextRunAt
	execs, err := ticker.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, ExecutionStatusFailed, execs[0].Status)
	assert.Contains(t, execs[0].ErrorMessage, "not configured")
}

func TestDelete(t *testing.T) {
	store, _, _, _ := setup(t)
	ctx := t.Context()

	_, err := store.Upsert(ctx, discoveryRule())
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "daily-repayment-discovery"))
	assert.True(t, errors.IsNotFoundError(store.Delete(ctx, "daily-repayment-discovery")))
}
