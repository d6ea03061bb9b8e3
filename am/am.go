package am

import "time"

// Config represents the core pawnx configuration
type Config struct {
	Database   DatabaseConfig         `mapstructure:"database" json:"database" yaml:"database" toml:"database"`
	Redis      RedisConfig            `mapstructure:"redis" json:"redis" yaml:"redis" toml:"redis"`
	Ledger     LedgerConfig           `mapstructure:"ledger" json:"ledger" yaml:"ledger" toml:"ledger"`
	Keys       KeysConfig             `mapstructure:"keys" json:"-" yaml:"-" toml:"-"`
	Pulse      PulseConfig            `mapstructure:"pulse" json:"pulse" yaml:"pulse" toml:"pulse"`
	Queues     map[string]QueueConfig `mapstructure:"queues" json:"queues" yaml:"queues" toml:"queues"`
	Scheduler  SchedulerConfig        `mapstructure:"scheduler" json:"scheduler" yaml:"scheduler" toml:"scheduler"`
	Mint       MintConfig             `mapstructure:"mint" json:"mint" yaml:"mint" toml:"mint"`
	Retry      RetryConfig            `mapstructure:"retry" json:"retry" yaml:"retry" toml:"retry"`
	Settlement SettlementConfig       `mapstructure:"settlement" json:"settlement" yaml:"settlement" toml:"settlement"`
	Market     MarketConfig           `mapstructure:"market" json:"market" yaml:"market" toml:"market"`
	Server     ServerConfig           `mapstructure:"server" json:"server" yaml:"server" toml:"server"`
}

// DatabaseConfig configures the SQLite database holding both the queue
// store and the vault (tokens, listings, balances)
type DatabaseConfig struct {
	Path string `mapstructure:"path" json:"path" yaml:"path" toml:"path"`
}

// RedisConfig configures cross-process progress fan-out
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled" toml:"enabled"`
	Addr     string `mapstructure:"addr" json:"addr" yaml:"addr" toml:"addr"`
	Password string `mapstructure:"password" json:"-" yaml:"-" toml:"-"`
	DB       int    `mapstructure:"db" json:"db" yaml:"db" toml:"db"`
	Channel  string `mapstructure:"channel" json:"channel" yaml:"channel" toml:"channel"` // channel prefix
}

// LedgerConfig configures the external ledger client
type LedgerConfig struct {
	Mode                 string  `mapstructure:"mode" json:"mode" yaml:"mode" toml:"mode"` // memory | gateway
	GatewayURL           string  `mapstructure:"gateway_url" json:"gateway_url" yaml:"gateway_url" toml:"gateway_url"`
	TimeoutSeconds       int     `mapstructure:"timeout_seconds" json:"timeout_seconds" yaml:"timeout_seconds" toml:"timeout_seconds"`
	PaymentTokenID       string  `mapstructure:"payment_token_id" json:"payment_token_id" yaml:"payment_token_id" toml:"payment_token_id"`
	TreasuryAccountID    string  `mapstructure:"treasury_account_id" json:"treasury_account_id" yaml:"treasury_account_id" toml:"treasury_account_id"`
	BatchCeiling         int     `mapstructure:"batch_ceiling" json:"batch_ceiling" yaml:"batch_ceiling" toml:"batch_ceiling"`
	SubmissionsPerSecond float64 `mapstructure:"submissions_per_second" json:"submissions_per_second" yaml:"submissions_per_second" toml:"submissions_per_second"`
}

// KeysConfig holds signing material. Never rendered by `am show`.
type KeysConfig struct {
	Accounts []AccountKey `mapstructure:"accounts"`
	// OperatorPrivateKey is the treasury/operator key, usually from PAWNX_OPERATOR_KEY
	OperatorPrivateKey string `mapstructure:"operator_private_key"`
}

// AccountKey binds a ledger account to its signing key
type AccountKey struct {
	AccountID  string `mapstructure:"account_id"`
	PrivateKey string `mapstructure:"private_key"`
}

// PulseConfig configures the worker runtime shared by all queues
type PulseConfig struct {
	PollIntervalMS        int `mapstructure:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms" toml:"poll_interval_ms"`
	TickerIntervalSeconds int `mapstructure:"ticker_interval_seconds" json:"ticker_interval_seconds" yaml:"ticker_interval_seconds" toml:"ticker_interval_seconds"`
	StallSweepSeconds     int `mapstructure:"stall_sweep_seconds" json:"stall_sweep_seconds" yaml:"stall_sweep_seconds" toml:"stall_sweep_seconds"`
	ShutdownTimeoutSecs   int `mapstructure:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds" toml:"shutdown_timeout_seconds"`
}

// QueueConfig configures one named queue
type QueueConfig struct {
	Concurrency         int    `mapstructure:"concurrency" json:"concurrency" yaml:"concurrency" toml:"concurrency"`
	Attempts            int    `mapstructure:"attempts" json:"attempts" yaml:"attempts" toml:"attempts"`
	BackoffKind         string `mapstructure:"backoff_kind" json:"backoff_kind" yaml:"backoff_kind" toml:"backoff_kind"` // exponential | fixed
	BackoffMS           int    `mapstructure:"backoff_ms" json:"backoff_ms" yaml:"backoff_ms" toml:"backoff_ms"`
	RemoveOnComplete    int    `mapstructure:"remove_on_complete" json:"remove_on_complete" yaml:"remove_on_complete" toml:"remove_on_complete"`
	RemoveOnFail        int    `mapstructure:"remove_on_fail" json:"remove_on_fail" yaml:"remove_on_fail" toml:"remove_on_fail"`
	StallTimeoutSeconds int    `mapstructure:"stall_timeout_seconds" json:"stall_timeout_seconds" yaml:"stall_timeout_seconds" toml:"stall_timeout_seconds"`
}

// SchedulerConfig configures the recurring daily jobs
type SchedulerConfig struct {
	Timezone      string `mapstructure:"timezone" json:"timezone" yaml:"timezone" toml:"timezone"`
	DiscoveryCron string `mapstructure:"discovery_cron" json:"discovery_cron" yaml:"discovery_cron" toml:"discovery_cron"`
	PriceCron     string `mapstructure:"price_cron" json:"price_cron" yaml:"price_cron" toml:"price_cron"`
}

// MintConfig configures the concurrent minting engine
type MintConfig struct {
	MaxConcurrentWorkers int `mapstructure:"max_concurrent_workers" json:"max_concurrent_workers" yaml:"max_concurrent_workers" toml:"max_concurrent_workers"`
	BatchSize            int `mapstructure:"batch_size" json:"batch_size" yaml:"batch_size" toml:"batch_size"`
}

// RetryConfig is the shared retry policy for ledger calls
type RetryConfig struct {
	BaseDelayMS int `mapstructure:"base_delay_ms" json:"base_delay_ms" yaml:"base_delay_ms" toml:"base_delay_ms"`
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" yaml:"max_attempts" toml:"max_attempts"`
	JitterMS    int `mapstructure:"jitter_ms" json:"jitter_ms" yaml:"jitter_ms" toml:"jitter_ms"`
}

// SettlementConfig configures the repayment pipeline
type SettlementConfig struct {
	DaysPerMonth float64 `mapstructure:"days_per_month" json:"days_per_month" yaml:"days_per_month" toml:"days_per_month"`
}

// MarketConfig configures the daily external price fetch
type MarketConfig struct {
	PriceURL       string `mapstructure:"price_url" json:"price_url" yaml:"price_url" toml:"price_url"`
	Asset          string `mapstructure:"asset" json:"asset" yaml:"asset" toml:"asset"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" json:"timeout_seconds" yaml:"timeout_seconds" toml:"timeout_seconds"`
}

// ServerConfig configures the progress/status server
type ServerConfig struct {
	Port           int      `mapstructure:"port" json:"port" yaml:"port" toml:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`
}

// DefaultServerPort is the progress server port when none is configured
const DefaultServerPort = 8787

// Queue returns the named queue configuration. Unknown queues fall back to
// a single worker with the shared retry attempts.
func (c *Config) Queue(name string) QueueConfig {
	if q, ok := c.Queues[name]; ok {
		return q
	}
	return QueueConfig{Concurrency: 1, Attempts: c.Retry.MaxAttempts, BackoffKind: "exponential", BackoffMS: c.Retry.BaseDelayMS}
}

// PollInterval returns the worker poll interval
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Pulse.PollIntervalMS) * time.Millisecond
}

// Location resolves the scheduler timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
