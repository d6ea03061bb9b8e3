package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrate(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(db, nil))

	for _, table := range []string{"schema_migrations", "pulse_jobs", "pulse_schedules", "pulse_executions", "tokens", "listings", "accounts", "settlement_failures", "settlement_payouts", "asset_prices"} {
		var n int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "table %s should exist", table)
	}

	all, err := Migrations()
	require.NoError(t, err)
	applied, err := AppliedVersions(db)
	require.NoError(t, err)
	assert.Len(t, applied, len(all))
}

func TestMigrate_Idempotent(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(db, nil))
	require.NoError(t, Migrate(db, nil))

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	all, err := Migrations()
	require.NoError(t, err)
	assert.Equal(t, len(all), count)
}

func TestMigrations_Ordered(t *testing.T) {
	all, err := Migrations()
	require.NoError(t, err)
	require.NotEmpty(t, all)
	assert.Equal(t, "000", all[0].Version)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Name, all[i].Name)
	}
}

func TestLiveIdempotencyKeyIndex(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	insert := `INSERT INTO pulse_jobs (id, queue, idempotency_key, state, run_at, created_at, updated_at)
		VALUES (?, 'repayment', 'k1', ?, 0, 0, 0)`

	_, err = db.Exec(insert, "a", "completed")
	require.NoError(t, err)
	_, err = db.Exec(insert, "b", "waiting")
	require.NoError(t, err, "terminal rows do not block a new live job")
	_, err = db.Exec(insert, "c", "delayed")
	assert.True(t, IsUniqueViolation(err), "second live job with same key must be rejected")
}
