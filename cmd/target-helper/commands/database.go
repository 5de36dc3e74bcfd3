package commands

import (
	"database/sql"

	"github.com/trellisfw/target-helper/am"
	"github.com/trellisfw/target-helper/db"
	"github.com/trellisfw/target-helper/errors"
	"github.com/trellisfw/target-helper/logger"
)

// openDatabase opens and migrates the job ledger database. An empty
// dbPath falls back to the configured one.
func openDatabase(cfg *am.Config, dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		dbPath = cfg.GetDatabasePath()
	}
	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open job ledger at %s", dbPath)
	}
	return database, nil
}
