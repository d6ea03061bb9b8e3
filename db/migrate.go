package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/pawnx/errors"
	"github.com/teranos/pawnx/sym"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

// Migration is one embedded schema file
type Migration struct {
	Version string
	Name    string
}

// Migrations lists the embedded migrations in apply order
func Migrations() ([]Migration, error) {
	entries, err := migrations.ReadDir("sqlite/migrations")
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}

	var out []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		out = append(out, Migration{
			Version: strings.SplitN(entry.Name(), "_", 2)[0],
			Name:    entry.Name(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Migrate applies every pending migration, each inside its own transaction.
// 000 creates schema_migrations and records itself.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	all, err := Migrations()
	if err != nil {
		return err
	}

	applied, err := AppliedVersions(db)
	if err != nil {
		return err
	}

	pending := 0
	for _, m := range all {
		if applied[m.Version] {
			continue
		}
		if len(applied) == 0 && m.Version != "000" && pending == 0 {
			return errors.Newf("schema_migrations table missing, but first migration is %s", m.Name)
		}
		if err := apply(db, m); err != nil {
			return err
		}
		pending++
		if logger != nil {
			logger.Infow("Applied migration", "migration", m.Name, "version", m.Version, "symbol", sym.DB)
		}
	}

	if logger != nil {
		logger.Debugw("Migrations complete", "symbol", sym.DB, "applied", pending, "total", len(all))
	}
	return nil
}

// AppliedVersions returns the set of recorded migration versions. A
// database without schema_migrations yields an empty set.
func AppliedVersions(db *sql.DB) (map[string]bool, error) {
	applied := make(map[string]bool)

	var tables int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'").Scan(&tables)
	if err != nil {
		return nil, errors.Wrap(err, "check schema_migrations")
	}
	if tables == 0 {
		return applied, nil
	}

	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, errors.Wrap(err, "list applied migrations")
	}
	defer rows.Close()

	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "scan migration version")
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func apply(db *sql.DB, m Migration) error {
	body, err := migrations.ReadFile(path.Join("sqlite/migrations", m.Name))
	if err != nil {
		return errors.Wrapf(err, "read %s", m.Name)
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin tx for %s", m.Name)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(body)); err != nil {
		return errors.Wrapf(err, "execute %s", m.Name)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.Version); err != nil {
		return errors.Wrapf(err, "record %s", m.Name)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "commit %s", m.Name)
	}
	return nil
}
