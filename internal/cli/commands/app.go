package commands

import (
	"context"
	"fmt"

	"github.com/sigeti/reports/internal/app"
	"github.com/sigeti/reports/internal/config"
	"github.com/sigeti/reports/internal/database"
	"github.com/sigeti/reports/internal/logging"
	"github.com/spf13/cobra"
)

// openApp loads the configuration named by the --config flag (or the
// default search path) and wires the service components.
func openApp(ctx context.Context, cmd *cobra.Command) (*app.App, func(), error) {
	path, _ := cmd.Flags().GetString("config")

	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		return nil, nil, err
	}

	log := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	db, err := database.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, nil, err
	}

	a, err := app.Build(ctx, cfg, db, log)
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			sqlDB.Close()
		}
		return nil, nil, fmt.Errorf("failed to initialize: %w", err)
	}
	closeFn := func() {
		a.Close()
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}
	return a, closeFn, nil
}
