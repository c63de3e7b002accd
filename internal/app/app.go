package app

import (
	"context"
	"log/slog"

	cfg "github.com/webitel/data-exporter/config"
	cache "github.com/webitel/data-exporter/internal/cache/redis"
	"github.com/webitel/data-exporter/internal/errors"
	"github.com/webitel/data-exporter/internal/export"
	"github.com/webitel/data-exporter/internal/server"
	"github.com/webitel/data-exporter/internal/storage"
	"github.com/webitel/data-exporter/internal/storage/localfs"
	"github.com/webitel/data-exporter/internal/store"
	"github.com/webitel/data-exporter/internal/store/postgres"
)

type App struct {
	Config    *cfg.AppConfig
	exitCh    chan error
	shutdown  func(ctx context.Context) error
	Store     store.Store
	Cache     *cache.RedisCache
	Blobs     storage.FileStorage
	Providers *export.Registry
	Scheduler *export.Scheduler
	Exports   *export.Service
	server    *server.Server
}

// New creates a fully initialized App.
func New(config *cfg.AppConfig, shutdown func(ctx context.Context) error) (*App, error) {
	app := &App{
		Config:    config,
		shutdown:  shutdown,
		exitCh:    make(chan error),
		Providers: export.NewRegistry(),
	}

	if err := app.initStore(); err != nil {
		return nil, err
	}
	if err := app.initRedis(); err != nil {
		return nil, err
	}
	if err := app.initBlobStorage(); err != nil {
		return nil, err
	}
	if err := app.initExport(); err != nil {
		return nil, err
	}
	if err := app.initServer(); err != nil {
		return nil, err
	}

	return app, nil
}

// --------- Private init methods ---------

func (app *App) initStore() error {
	if app.Config.Database == nil {
		return errors.New("database config is nil")
	}
	app.Store = postgres.New(app.Config.Database)
	return nil
}

func (app *App) initRedis() error {
	redisCache, err := cache.NewRedisCache(app.Config.Redis.Addr, app.Config.Redis.Password, app.Config.Redis.DB)
	if err != nil {
		return errors.New("unable to initialize Redis", errors.WithCause(err))
	}
	app.Cache = redisCache
	return nil
}

func (app *App) initBlobStorage() error {
	blobs, err := localfs.New(app.Config.Storage.Root, app.Config.Storage.Destination)
	if err != nil {
		return errors.New("unable to initialize blob storage", errors.WithCause(err))
	}
	app.Blobs = blobs
	return nil
}

func (app *App) initExport() error {
	scheduler, err := export.NewScheduler(app.Config.Export, app.Store, app.Blobs, app.Providers, export.LogNotifier{}, app.Cache)
	if err != nil {
		return errors.New("unable to initialize scheduler", errors.WithCause(err))
	}
	app.Scheduler = scheduler
	app.Exports = export.NewService(app.Config.Export, app.Store, app.Blobs, app.Providers, app.Cache, scheduler)
	return nil
}

func (app *App) initServer() error {
	srv, err := server.BuildServer(app.Config.Consul, app.exitCh)
	if err != nil {
		return errors.New("failed to build server", errors.WithCause(err))
	}
	app.server = srv
	return nil
}

// Start opens the store, starts the gRPC server and the export scheduler,
// then blocks until a fatal error or Stop.
func (app *App) Start(ctx context.Context) error {
	if err := app.Store.Open(); err != nil {
		return errors.New("failed to open store", errors.WithCause(err))
	}

	go app.server.Start()
	app.Scheduler.Start(ctx)

	return <-app.exitCh
}

// Stop gracefully shuts down all services. Live exports are paused with
// their state checkpointed before the process exits.
func (app *App) Stop() error {
	slog.Info("data_exporter.main.stop_starting")

	if app.Scheduler != nil {
		app.Scheduler.Stop(context.Background())
		slog.Info("scheduler stopped")
	}

	if app.server != nil {
		app.server.Stop()
		slog.Info("server stopped")
	}

	if app.Store != nil {
		if err := app.Store.Close(); err != nil {
			slog.Error("store close error", "err", err)
		} else {
			slog.Info("store closed")
		}
	}

	if app.shutdown != nil {
		if err := app.shutdown(context.Background()); err != nil {
			slog.Error("shutdown hook error", "err", err)
		} else {
			slog.Info("shutdown hook executed")
		}
	}

	slog.Info("data_exporter.main.stop_complete")
	return nil
}
