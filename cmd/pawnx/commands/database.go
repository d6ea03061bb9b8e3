package commands

import (
	"context"
	"database/sql"

	"github.com/teranos/pawnx/am"
	"github.com/teranos/pawnx/db"
	"github.com/teranos/pawnx/errors"
	"github.com/teranos/pawnx/logger"
	"github.com/teranos/pawnx/pawn"
)

// openDatabase opens and migrates the configured database. An explicit
// dbPath overrides am's database.path.
func openDatabase(cfg *am.Config, dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		dbPath = cfg.Database.Path
	}
	if dbPath == "" {
		dbPath = "pawnx.db"
	}

	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", dbPath)
	}
	return database, nil
}

// loadConfig loads and validates am configuration
func loadConfig() (*am.Config, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithHint(errors.Wrap(err, "invalid configuration"), "run `pawnx am validate` for details")
	}
	return cfg, nil
}

// openRuntime loads config, opens the database and wires the runtime.
// The returned close func releases both.
func openRuntime(ctx context.Context) (*pawn.Runtime, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	database, err := openDatabase(cfg, "")
	if err != nil {
		return nil, nil, err
	}
	rt, err := pawn.NewRuntime(ctx, cfg, database, pawn.Options{}, logger.Logger)
	if err != nil {
		database.Close()
		return nil, nil, err
	}
	return rt, func() { database.Close() }, nil
}
