package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/teranos/pawnx/db"
)

// CreateTestDB creates a migrated SQLite database in a per-test temp dir.
// A file (not :memory:) so pooled connections share one database.
// Cleanup is registered via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	database, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "pawnx-test.db"), nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		database.Close()
	})

	return database
}
