package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/pawnx/errors"
)

func TestOpen(t *testing.T) {
	t.Run("applies pragmas on every connection", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), zaptest.NewLogger(t).Sugar())
		require.NoError(t, err)
		defer db.Close()

		db.SetMaxOpenConns(3)
		for i := 0; i < 3; i++ {
			conn, err := db.Conn(t.Context())
			require.NoError(t, err)
			defer conn.Close()

			var journalMode string
			require.NoError(t, conn.QueryRowContext(t.Context(), "PRAGMA journal_mode").Scan(&journalMode))
			assert.Equal(t, "wal", journalMode)

			var foreignKeys int
			require.NoError(t, conn.QueryRowContext(t.Context(), "PRAGMA foreign_keys").Scan(&foreignKeys))
			assert.Equal(t, 1, foreignKeys)

			var busyTimeout int
			require.NoError(t, conn.QueryRowContext(t.Context(), "PRAGMA busy_timeout").Scan(&busyTimeout))
			assert.Equal(t, SQLiteBusyTimeoutMS, busyTimeout)
		}
	})

	t.Run("returns error for invalid path", func(t *testing.T) {
		db, err := Open("/invalid/nonexistent/path/db.sqlite", nil)
		if err == nil {
			db.Close()
		}
		require.Error(t, err)
		assert.NotNil(t, errors.GetStack(err), "error should carry a stack trace")
	})
}

func TestDSN(t *testing.T) {
	assert.Equal(t,
		"file:/tmp/p.db?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate",
		dsn("/tmp/p.db"))
	assert.Contains(t, dsn("file:x.db?mode=rwc"), "mode=rwc&_journal_mode=WAL")
}

func TestIsDatabaseClosed(t *testing.T) {
	assert.True(t, IsDatabaseClosed(errors.Wrap(ErrDatabaseClosed, "claim")))
	assert.True(t, IsDatabaseClosed(errors.New("sql: database is closed")))
	assert.False(t, IsDatabaseClosed(errors.New("database is locked")))
	assert.False(t, IsDatabaseClosed(nil))
}

func TestIsUniqueViolation(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	insert := `INSERT INTO accounts (id, ledger_account_id, updated_at) VALUES (?, ?, 0)`
	_, err = db.Exec(insert, "user-1", "0.0.10")
	require.NoError(t, err)
	_, err = db.Exec(insert, "user-2", "0.0.10")
	assert.True(t, IsUniqueViolation(err))
}
