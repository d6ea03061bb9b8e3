package db

import (
	"strings"

	"github.com/teranos/pawnx/errors"
)

// ErrDatabaseClosed is returned when operations run after the database was
// closed, typically during shutdown while workers are still draining.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed checks whether err indicates a closed database, either
// our sentinel or the raw driver message.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}

// IsUniqueViolation reports whether err is a SQLite UNIQUE constraint failure
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
