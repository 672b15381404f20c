package commands

import (
	"database/sql"

	"github.com/parchmint/parchmint/config"
	"github.com/parchmint/parchmint/db"
	"github.com/parchmint/parchmint/errors"
	"github.com/parchmint/parchmint/logger"
)

// openDatabase opens and migrates the database at the configured path. An
// explicit dbPath overrides the config.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load configuration")
		}
		dbPath = cfg.Database.Path
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
