package am

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := defaultConfig(t)

	assert.Equal(t, "pawnx.db", cfg.Database.Path)
	assert.Equal(t, 5, cfg.Ledger.BatchCeiling)
	assert.Equal(t, 500, cfg.Retry.BaseDelayMS)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 100, cfg.Retry.JitterMS)
	assert.Equal(t, "Asia/Kolkata", cfg.Scheduler.Timezone)
	assert.InDelta(t, 30.44, cfg.Settlement.DaysPerMonth, 1e-9)
	require.NoError(t, cfg.Validate())
}

func TestLoad_QueueConcurrencyDefaults(t *testing.T) {
	cfg := defaultConfig(t)

	want := map[string]int{
		QueueScheduler:     1,
		QueueRepayment:     3,
		QueueTokenMint:     2,
		QueueTokenPurchase: 3,
		QueueGoldPrice:     1,
	}
	for name, concurrency := range want {
		assert.Equal(t, concurrency, cfg.Queue(name).Concurrency, name)
		assert.Equal(t, "exponential", cfg.Queue(name).BackoffKind, name)
	}
}

func TestQueue_UnknownFallsBack(t *testing.T) {
	cfg := defaultConfig(t)

	q := cfg.Queue("nonexistent")
	assert.Equal(t, 1, q.Concurrency)
	assert.Equal(t, cfg.Retry.MaxAttempts, q.Attempts)
}

func TestLoadFromFile_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	content := `
[ledger]
mode = "gateway"
gateway_url = "http://ledger.internal:8080"

[queues.repayment]
concurrency = 5
attempts = 4
backoff_kind = "fixed"
backoff_ms = 1000
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "gateway", cfg.Ledger.Mode)
	assert.Equal(t, 5, cfg.Queue(QueueRepayment).Concurrency)
	assert.Equal(t, "fixed", cfg.Queue(QueueRepayment).BackoffKind)
	// untouched queues keep their defaults
	assert.Equal(t, 2, cfg.Queue(QueueTokenMint).Concurrency)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "gateway without url",
			mutate:  func(c *Config) { c.Ledger.Mode = "gateway" },
			wantErr: "ledger.gateway_url",
		},
		{
			name:    "unknown ledger mode",
			mutate:  func(c *Config) { c.Ledger.Mode = "paper" },
			wantErr: "ledger.mode",
		},
		{
			name:    "mint batch above ceiling",
			mutate:  func(c *Config) { c.Mint.BatchSize = 6 },
			wantErr: "mint.batch_size",
		},
		{
			name: "zero queue concurrency",
			mutate: func(c *Config) {
				q := c.Queues[QueueRepayment]
				q.Concurrency = 0
				c.Queues[QueueRepayment] = q
			},
			wantErr: "queues.repayment.concurrency",
		},
		{
			name:    "bad cron",
			mutate:  func(c *Config) { c.Scheduler.DiscoveryCron = "every day" },
			wantErr: "scheduler.discovery_cron",
		},
		{
			name:    "bad timezone",
			mutate:  func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" },
			wantErr: "scheduler.timezone",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWriteDefaults_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "am.toml")
	require.NoError(t, WriteDefaults(path))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Queue(QueueRepayment).Concurrency)

	// second write rotates a backup
	require.NoError(t, WriteDefaults(path))
	_, err = os.Stat(path + ".back1")
	assert.NoError(t, err)
}

func TestLocation(t *testing.T) {
	cfg := defaultConfig(t)
	assert.Equal(t, "Asia/Kolkata", cfg.Location().String())

	cfg.Scheduler.Timezone = "Nowhere/Invalid"
	assert.Equal(t, "UTC", cfg.Location().String())
}
