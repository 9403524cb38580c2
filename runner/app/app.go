// Package app wires the shared infrastructure every run mode builds on:
// database, migrations, repositories, queue broker and the run log bus.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/eventscope/eventscope/config"
	"github.com/eventscope/eventscope/jobs"
	"github.com/eventscope/eventscope/logbus"
	"github.com/eventscope/eventscope/models"
	"github.com/eventscope/eventscope/modules"
	"github.com/eventscope/eventscope/postgres"
	"github.com/eventscope/eventscope/queue"
)

// App holds the services shared across run modes. Build it once per process;
// every mode picks the pieces it needs.
type App struct {
	Cfg    *config.Config
	Logger *zap.Logger

	DB       *sql.DB
	Sources  models.SourceRepository
	Runs     models.RunRepository
	Events   models.EventRepository
	Matches  models.MatchRepository
	Settings *config.SettingsCache

	Broker   *queue.Broker
	Bus      logbus.Bus
	Registry *modules.Registry
	Jobs     *jobs.Service

	rdb *redis.Client
}

// New opens the shared infrastructure and applies pending migrations.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	migrator := postgres.NewMigrationRunner(cfg.DatabaseURL)
	if err := migrator.RunMigrations(); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	db, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	broker, err := queue.NewBroker(cfg.RedisURL)
	if err != nil {
		db.Close()

		return nil, fmt.Errorf("connect queue broker: %w", err)
	}

	ropt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		db.Close()
		_ = broker.Close()

		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(ropt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		db.Close()
		_ = broker.Close()
		_ = rdb.Close()

		return nil, fmt.Errorf("ping redis: %w", err)
	}

	a := &App{
		Cfg:      cfg,
		Logger:   logger,
		DB:       db,
		Sources:  postgres.NewSourceRepository(db),
		Runs:     postgres.NewRunRepository(db),
		Events:   postgres.NewEventRepository(db),
		Matches:  postgres.NewMatchRepository(db),
		Broker:   broker,
		Bus:      logbus.NewRedisBus(rdb),
		Registry: modules.Builtin(),
		rdb:      rdb,
	}

	a.Settings = config.NewSettingsCache(postgres.NewSettingsRepository(db))
	a.Jobs = jobs.NewService(a.Sources, a.Runs, broker, logger)

	if err := a.syncModules(ctx); err != nil {
		logger.Warn("module sync failed", zap.Error(err))
	}

	return a, nil
}

// syncModules deactivates sources whose module no longer exists, so the
// dispatcher never queues work nothing can execute.
func (a *App) syncModules(ctx context.Context) error {
	active := true

	sources, err := a.Sources.Select(ctx, models.SourceFilter{Active: &active})
	if err != nil {
		return fmt.Errorf("list active sources: %w", err)
	}

	for _, src := range sources {
		if _, ok := a.Registry.Get(src.ModuleKey); ok {
			continue
		}

		a.Logger.Warn("deactivating source with unknown module",
			zap.String("source", src.Name),
			zap.String("module_key", src.ModuleKey))

		if err := a.Sources.Deactivate(ctx, src.ID, "module "+src.ModuleKey+" is not registered"); err != nil {
			return fmt.Errorf("deactivate source %s: %w", src.ID, err)
		}
	}

	return nil
}

// Close releases every connection New opened.
func (a *App) Close() error {
	var err error

	if a.Broker != nil {
		err = multierr.Append(err, a.Broker.Close())
	}

	if a.rdb != nil {
		err = multierr.Append(err, a.rdb.Close())
	}

	if a.DB != nil {
		err = multierr.Append(err, a.DB.Close())
	}

	return err
}
