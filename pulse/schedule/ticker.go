package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pawnx/errors"
	"github.com/teranos/pawnx/logger"
	"github.com/teranos/pawnx/pulse/async"
)

// Ticker fires due rules by enqueueing their job on the rule's queue
type Ticker struct {
	store    *Store
	queue    *async.Queue
	interval time.Duration
	now      func() time.Time
	pulseLog *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
}

// TickerConfig contains configuration for the Pulse ticker
type TickerConfig struct {
	Interval time.Duration // How often to check for due rules (default: 1 second)
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{Interval: time.Second}
}

// NewTicker creates a new Pulse ticker
func NewTicker(store *Store, queue *async.Queue, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Ticker{
		store:    store,
		queue:    queue,
		interval: cfg.Interval,
		now:      time.Now,
		pulseLog: logger.AddPulseSymbol(log),
	}
}

// SetClock replaces the time source (tests)
func (t *Ticker) SetClock(now func() time.Time) {
	t.now = now
}

// Start begins the ticker loop under ctx
func (t *Ticker) Start(ctx context.Context) {
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.run()
	t.pulseLog.Infow("Pulse ticker started", "interval", t.interval)
}

// Stop gracefully stops the ticker
func (t *Ticker) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	t.wg.Wait()
	t.pulseLog.Infow("Pulse ticker stopped")
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case tickTime := <-ticker.C:
			t.mu.Lock()
			t.lastTickAt = tickTime
			t.ticksSinceStart++
			ticks := t.ticksSinceStart
			t.mu.Unlock()

			if _, err := t.Tick(t.ctx); err != nil && t.ctx.Err() == nil {
				t.pulseLog.Warnw("Pulse tick error", "error", err, "tick", ticks)
			}
		}
	}
}

// Tick fires every due rule once and returns the executions it recorded.
// A failing rule is logged and the remaining rules still fire.
func (t *Ticker) Tick(ctx context.Context) ([]*Execution, error) {
	now := t.now()
	rules, err := t.store.ListDue(ctx, now)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due rules")
	}

	var execs []*Execution
	for _, rule := range rules {
		if ctx.Err() != nil {
			return execs, ctx.Err()
		}
		exec, err := t.fire(ctx, rule, now)
		if err != nil {
			t.pulseLog.Errorw("Failed to fire rule", "rule", rule.Key, "queue", rule.Queue, "error", err)
			continue
		}
		if exec != nil {
			execs = append(execs, exec)
		}
	}
	return execs, nil
}

// fire enqueues one rule's job and advances the rule. Missed fires collapse
// into a single fire; the next run is computed from now.
func (t *Ticker) fire(ctx context.Context, rule *Rule, now time.Time) (*Execution, error) {
	firedAt := rule.NextRunAt
	next, err := NextRun(rule.Cron, rule.Timezone, now)
	if err != nil {
		return nil, err
	}

	exec := &Execution{RuleKey: rule.Key, FiredAt: firedAt}
	handle, enqueueErr := t.queue.Enqueue(ctx, rule.Queue, rule.Payload, async.Options{
		IdempotencyKey: FireKey(rule.Key, firedAt),
	})
	switch {
	case enqueueErr != nil:
		exec.Status = ExecutionStatusFailed
		exec.ErrorMessage = enqueueErr.Error()
	case handle.Duplicate:
		exec.Status = ExecutionStatusDuplicate
		exec.JobID = handle.ID
	default:
		exec.Status = ExecutionStatusEnqueued
		exec.JobID = handle.ID
	}

	advanced, err := t.store.MarkFired(ctx, rule.Key, firedAt, exec.JobID, next)
	if err != nil {
		return nil, err
	}
	if !advanced {
		// another ticker fired it first
		return nil, nil
	}

	if err := t.store.RecordExecution(ctx, exec); err != nil {
		t.pulseLog.Warnw("Failed to record execution", "rule", rule.Key, "error", err)
	}

	if enqueueErr != nil {
		t.pulseLog.Errorw("Pulse FAILED", "rule", rule.Key, "queue", rule.Queue,
			"error", enqueueErr, "details", errors.GetAllDetails(enqueueErr))
	} else {
		t.pulseLog.Infow("Pulse OK", "rule", rule.Key, "queue", rule.Queue,
			"job_id", exec.JobID, "status", exec.Status, "next_run_at", next.Format(time.RFC3339))
	}
	return exec, nil
}

// GetStats returns ticker statistics
func (t *Ticker) GetStats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	return map[string]interface{}{
		"last_tick_at":      t.lastTickAt,
		"ticks_since_start": t.ticksSinceStart,
		"interval":          t.interval,
	}
}
