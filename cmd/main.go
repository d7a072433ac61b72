package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sigeti/reports/internal/app"
	"github.com/sigeti/reports/internal/config"
	"github.com/sigeti/reports/internal/database"
	"github.com/sigeti/reports/internal/logging"
)

func main() {
	// Initialize configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	log.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	if err := database.Initialize(cfg.Database.Driver, cfg.Database.DSN); err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer database.Close()

	a, err := app.Build(ctx, cfg, database.GetDB(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize service")
	}
	defer a.Close()

	if err := a.Auth.EnsureAdmin(cfg.Server.AdminUser, cfg.Server.AdminPassword); err != nil {
		logger.Warn().Err(err).Msg("failed to create bootstrap admin")
	}

	// Start the dispatcher loop; a signal triggers a soft stop through
	// runner.Stop rather than cancelling the pass in flight
	if cfg.Dispatcher.Enabled {
		runner := a.NewRunner()
		if err := runner.Start(context.WithoutCancel(ctx)); err != nil {
			logger.Fatal().Err(err).Msg("failed to start dispatcher")
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			runner.Stop(stopCtx)
		}()
	} else {
		logger.Info().Msg("dispatcher disabled, serving the API only")
	}

	// Initialize and start API server
	server := a.NewServer()
	if err := server.Start(ctx, cfg.Server.Port); err != nil {
		logger.Error().Err(err).Msg("api server stopped")
	}
}
