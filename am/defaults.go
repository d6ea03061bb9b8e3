package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// Queue names. Each queue has exactly one worker type.
const (
	QueueScheduler     = "scheduler"
	QueueRepayment     = "repayment"
	QueueTokenMint     = "token-mint"
	QueueTokenPurchase = "token-purchase"
	QueueGoldPrice     = "gold-price"
)

// DefaultDirPermissions is used when creating ~/.pawnx
const DefaultDirPermissions = 0750

var defaultConcurrency = map[string]int{
	QueueScheduler:     1,
	QueueRepayment:     3,
	QueueTokenMint:     2,
	QueueTokenPurchase: 3,
	QueueGoldPrice:     1,
}

// QueueNames lists every queue pawnx runs, in startup order.
func QueueNames() []string {
	return []string{QueueScheduler, QueueRepayment, QueueTokenMint, QueueTokenPurchase, QueueGoldPrice}
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "pawnx.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "pawnx:progress")

	v.SetDefault("ledger.mode", "memory")
	v.SetDefault("ledger.timeout_seconds", 30)
	v.SetDefault("ledger.payment_token_id", "0.0.5005")
	v.SetDefault("ledger.treasury_account_id", "0.0.1001")
	v.SetDefault("ledger.batch_ceiling", 5)           // observed per-transaction unit ceiling
	v.SetDefault("ledger.submissions_per_second", 10) // signing key submission ceiling

	v.SetDefault("pulse.poll_interval_ms", 500)
	v.SetDefault("pulse.ticker_interval_seconds", 1)
	v.SetDefault("pulse.stall_sweep_seconds", 30)
	v.SetDefault("pulse.shutdown_timeout_seconds", 30)

	for _, name := range QueueNames() {
		prefix := fmt.Sprintf("queues.%s.", name)
		v.SetDefault(prefix+"concurrency", defaultConcurrency[name])
		v.SetDefault(prefix+"attempts", 3)
		v.SetDefault(prefix+"backoff_kind", "exponential")
		v.SetDefault(prefix+"backoff_ms", 5000)
		v.SetDefault(prefix+"remove_on_complete", 100)
		v.SetDefault(prefix+"remove_on_fail", 500)
		v.SetDefault(prefix+"stall_timeout_seconds", 30)
	}

	v.SetDefault("scheduler.timezone", "Asia/Kolkata")
	v.SetDefault("scheduler.discovery_cron", "1 0 * * *")
	v.SetDefault("scheduler.price_cron", "0 10 * * *")

	v.SetDefault("mint.max_concurrent_workers", 3)
	v.SetDefault("mint.batch_size", 5)

	v.SetDefault("retry.base_delay_ms", 500)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.jitter_ms", 100)

	v.SetDefault("settlement.days_per_month", 30.44)

	v.SetDefault("market.asset", "XAU")
	v.SetDefault("market.timeout_seconds", 15)

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
	})
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	_ = v.BindEnv("database.path", "PAWNX_DATABASE_PATH")
	_ = v.BindEnv("keys.operator_private_key", "PAWNX_OPERATOR_KEY")
	_ = v.BindEnv("redis.password", "PAWNX_REDIS_PASSWORD")
	_ = v.BindEnv("ledger.gateway_url", "PAWNX_LEDGER_GATEWAY_URL")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "pawnx.db"
	}
	return c.Database.Path
}

// String returns a short summary of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Ledger: %s, Queues: %d}",
		c.Database.Path, c.Ledger.Mode, len(c.Queues))
}
