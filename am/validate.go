package am

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teranos/pawnx/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < 0 {
		return errors.Newf("server.port must be positive, got %d", c.Server.Port)
	}

	switch c.Ledger.Mode {
	case "memory":
	case "gateway":
		if c.Ledger.GatewayURL == "" {
			return errors.New("ledger.gateway_url cannot be empty when ledger.mode is gateway")
		}
	default:
		return errors.Newf("ledger.mode must be memory or gateway, got %q", c.Ledger.Mode)
	}
	if c.Ledger.BatchCeiling <= 0 {
		return errors.Newf("ledger.batch_ceiling must be > 0, got %d", c.Ledger.BatchCeiling)
	}
	if c.Ledger.SubmissionsPerSecond < 0 {
		return errors.Newf("ledger.submissions_per_second must be >= 0, got %f", c.Ledger.SubmissionsPerSecond)
	}

	if c.Mint.BatchSize <= 0 || c.Mint.BatchSize > c.Ledger.BatchCeiling {
		return errors.Newf("mint.batch_size must be in [1, %d], got %d", c.Ledger.BatchCeiling, c.Mint.BatchSize)
	}
	if c.Mint.MaxConcurrentWorkers <= 0 {
		return errors.Newf("mint.max_concurrent_workers must be > 0, got %d", c.Mint.MaxConcurrentWorkers)
	}

	if c.Retry.MaxAttempts <= 0 {
		return errors.Newf("retry.max_attempts must be > 0, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseDelayMS < 0 || c.Retry.JitterMS < 0 {
		return errors.New("retry.base_delay_ms and retry.jitter_ms must be >= 0")
	}

	for name, q := range c.Queues {
		if q.Concurrency <= 0 {
			return errors.Newf("queues.%s.concurrency must be > 0, got %d", name, q.Concurrency)
		}
		if q.Attempts <= 0 {
			return errors.Newf("queues.%s.attempts must be > 0, got %d", name, q.Attempts)
		}
		if q.BackoffKind != "exponential" && q.BackoffKind != "fixed" {
			return errors.Newf("queues.%s.backoff_kind must be exponential or fixed, got %q", name, q.BackoffKind)
		}
		if q.RemoveOnComplete < 0 || q.RemoveOnFail < 0 {
			return errors.Newf("queues.%s retention caps must be >= 0", name)
		}
	}

	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return errors.Wrapf(err, "scheduler.timezone %q is not a known location", c.Scheduler.Timezone)
	}
	for key, expr := range map[string]string{
		"scheduler.discovery_cron": c.Scheduler.DiscoveryCron,
		"scheduler.price_cron":     c.Scheduler.PriceCron,
	} {
		if _, err := cron.ParseStandard(expr); err != nil {
			return errors.Wrapf(err, "%s %q is not a valid cron expression", key, expr)
		}
	}

	if c.Settlement.DaysPerMonth <= 0 {
		return errors.Newf("settlement.days_per_month must be > 0, got %f", c.Settlement.DaysPerMonth)
	}

	return nil
}
