// Package app assembles the reporting service from its configuration. The
// server binary and the ops CLI share it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sigeti/reports/internal/api"
	"github.com/sigeti/reports/internal/artifacts"
	"github.com/sigeti/reports/internal/auth"
	"github.com/sigeti/reports/internal/clock"
	"github.com/sigeti/reports/internal/config"
	"github.com/sigeti/reports/internal/dispatcher"
	"github.com/sigeti/reports/internal/lease"
	"github.com/sigeti/reports/internal/logging"
	"github.com/sigeti/reports/internal/mail"
	"github.com/sigeti/reports/internal/notify"
	"github.com/sigeti/reports/internal/report"
	"github.com/sigeti/reports/internal/store"
	"gorm.io/gorm"
)

type App struct {
	Config     *config.Config
	Log        zerolog.Logger
	Clock      clock.Clock
	DB         *gorm.DB
	Redis      *redis.Client
	Locker     lease.Locker
	Schedules  *store.Schedules
	SMTP       *store.SMTPConfigs
	Transport  *mail.Transport
	Cache      *artifacts.Cache
	Generator  *report.Generator
	Dispatcher *dispatcher.Dispatcher
	Auth       *auth.Authenticator
}

// Build wires every component on top of an open database. Redis is used
// for leases when redis.addr is set; otherwise leases are in-process.
func Build(ctx context.Context, cfg *config.Config, db *gorm.DB, log zerolog.Logger) (*App, error) {
	clk, err := clock.New(cfg.Reporting.Timezone)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:    cfg,
		Log:       log,
		Clock:     clk,
		DB:        db,
		Schedules: store.NewSchedules(db, clk.Location()),
		SMTP:      store.NewSMTPConfigs(db),
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
		}
		a.Redis = rdb
		a.Locker = lease.NewRedisManager(rdb)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("using redis leases")
	} else {
		a.Locker = lease.NewLocalManager()
		log.Info().Msg("redis not configured, using in-process leases")
	}

	backend, err := artifacts.NewBackend(ctx, cfg.Media.Backend, cfg.Media.Root, cfg.Media.S3Bucket)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Cache = artifacts.NewCache(backend, logging.Component(log, "artifacts"))

	a.Transport = mail.NewTransport(cfg.SMTP, a.SMTP, clk, logging.Component(log, "mail"))
	a.Generator = report.NewGenerator(db, cfg.Render.Queries, cfg.Reporting.Brand, clk, cfg.Render.MaxConcurrent)

	a.Dispatcher = dispatcher.New(dispatcher.Deps{
		Store:    a.Schedules,
		Cache:    a.Cache,
		Renderer: a.Generator,
		Sender:   a.Transport,
		Notifier: notify.New(cfg.Slack.Token, cfg.Slack.Channel, cfg.Reporting.Brand),
		Locker:   a.Locker,
		Clock:    clk,
		Log:      logging.Component(log, "dispatcher"),
	}, dispatcher.Options{
		Brand:         cfg.Reporting.Brand,
		CopyArtifacts: cfg.Dispatcher.CopyArtifacts,
		LockTTL:       cfg.Redis.LockTTL,
	})

	a.Auth = auth.NewAuthenticator(db, cfg.Server.JWTSecret, 24*time.Hour)
	return a, nil
}

// NewRunner returns the cron-driven loop around the dispatcher.
func (a *App) NewRunner() *dispatcher.Runner {
	return dispatcher.NewRunner(a.Dispatcher, a.Locker, a.Config.Dispatcher.Spec, a.Config.Redis.LockTTL,
		logging.Component(a.Log, "runner"))
}

// NewServer returns the REST API bound to the same components.
func (a *App) NewServer() *api.Server {
	return api.NewServer(api.Deps{
		Schedules: a.Schedules,
		SMTP:      a.SMTP,
		Static:    a.Config.SMTP,
		Mailer:    a.Transport,
		Cache:     a.Cache,
		Locker:    a.Locker,
		Auth:      a.Auth,
		Clock:     a.Clock,
		Brand:     a.Config.Reporting.Brand,
		Log:       logging.Component(a.Log, "api"),
	})
}

// Close releases the redis client. The database is owned by the caller.
func (a *App) Close() error {
	if a.Redis != nil {
		return a.Redis.Close()
	}
	return nil
}
