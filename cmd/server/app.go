package main

import (
	"context"

	httpadapter "resume-docgen/internal/adapter/http"
	repo "resume-docgen/internal/adapter/repository"
	"resume-docgen/internal/config"
	"resume-docgen/internal/infrastructure/migration"
	"resume-docgen/internal/usecase"
	"resume-docgen/pkg/compose"
	infra "resume-docgen/pkg/infrastructure"

	"github.com/cockroachdb/errors"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// openStore connects the configured job store. With migrate set, SQL schemas
// and Mongo indexes are brought up to date first.
func openStore(ctx context.Context, cfg config.StoreConfig, migrate bool, log *zap.SugaredLogger) (usecase.JobStore, error) {
	switch cfg.Driver {
	case "memory":
		log.Warnw("using in-memory job store; jobs are lost on restart")
		return repo.NewMemoryJobsRepo(), nil

	case "postgres":
		db, err := infra.OpenPostgres(ctx, cfg.PostgresURL, cfg.MaxConns)
		if err != nil {
			return nil, errors.Wrapf(err, "connect %s job store", cfg.Driver)
		}
		if migrate {
			if err := migration.RunMigrations(ctx, db, migration.Postgres, log); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		return repo.NewPostgresJobsRepo(db), nil

	case "sqlite":
		db, err := infra.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, errors.Wrapf(err, "connect %s job store", cfg.Driver)
		}
		if migrate {
			if err := migration.RunMigrations(ctx, db, migration.SQLite, log); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		return repo.NewSQLiteJobsRepo(db), nil

	case "mongo":
		client, err := infra.OpenMongo(ctx, cfg.MongoURL)
		if err != nil {
			return nil, errors.Wrapf(err, "connect %s job store", cfg.Driver)
		}
		store := repo.NewMongoJobsRepo(client, cfg.MongoDatabase)
		if migrate {
			if err := store.EnsureIndexes(ctx); err != nil {
				_ = store.Close()
				return nil, err
			}
			log.Infow("mongo indexes ensured", "database", cfg.MongoDatabase)
		}
		return store, nil

	case "redis":
		client, err := infra.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, errors.Wrapf(err, "connect %s job store", cfg.Driver)
		}
		return repo.NewRedisJobsRepo(client, cfg.RedisPrefix), nil
	}
	return nil, errors.Newf("unknown store driver %q", cfg.Driver)
}

// app holds every wired component. Fields a command does not need stay nil.
type app struct {
	cfg       *config.Config
	log       *zap.SugaredLogger
	store     usecase.JobStore
	artifacts *infra.FSArtifactStore
	queue     *usecase.Queue

	renderer   *infra.ChromedpRenderer
	dispatcher *usecase.Dispatcher
	sweeper    *usecase.Sweeper
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger, migrate bool) (*app, error) {
	store, err := openStore(ctx, cfg.Store, migrate, log)
	if err != nil {
		return nil, err
	}
	artifacts, err := infra.NewFSArtifactStore(cfg.Artifacts.Dir, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	queue := usecase.NewQueue(store, artifacts, usecase.QueueConfig{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BaseDelay:   cfg.Queue.BaseDelay,
		MaxDelay:    cfg.Queue.MaxDelay,
		Jitter:      cfg.Queue.Jitter,
	}, log)
	return &app{cfg: cfg, log: log, store: store, artifacts: artifacts, queue: queue}, nil
}

// withWorkers wires the rendering pipeline, the dispatcher and the sweeper.
func (a *app) withWorkers() error {
	renderer, err := infra.NewChromedpRenderer(infra.RendererConfig{
		ChromePath:    a.cfg.Renderer.ChromePath,
		MaxConcurrent: a.cfg.Dispatcher.Workers,
		MaxPDFBytes:   a.cfg.Renderer.MaxPDFMB << 20,
	}, a.log)
	if err != nil {
		return err
	}
	composer := compose.NewComposer(compose.NewResolver(a.cfg.Templates.Dir, a.log), a.log)
	processor := usecase.NewProcessor(renderer, a.artifacts, composer, usecase.ProcessorConfig{
		RenderTimeout: a.cfg.Dispatcher.RenderTimeout,
		KeepHTML:      a.cfg.Artifacts.KeepHTML,
	}, a.log)

	sweeper, err := a.newSweeper()
	if err != nil {
		return err
	}

	a.renderer = renderer
	a.sweeper = sweeper
	a.dispatcher = usecase.NewDispatcher(a.queue, processor, usecase.DispatcherConfig{
		Workers:     a.cfg.Dispatcher.Workers,
		IdleBackoff: a.cfg.Dispatcher.IdleBackoff,
		PollRate:    a.cfg.Dispatcher.PollRate,
		JobTimeout:  a.cfg.Dispatcher.JobTimeout(),
	}, a.log)
	return nil
}

func (a *app) newSweeper() (*usecase.Sweeper, error) {
	return usecase.NewSweeper(a.queue, usecase.SweeperConfig{
		Schedule:        a.cfg.Retention.Schedule,
		ReclaimSchedule: a.cfg.Retention.ReclaimSchedule,
		CompletedTTL:    a.cfg.Retention.CompletedTTL,
		FailedTTL:       a.cfg.Retention.FailedTTL,
		StaleAfter:      a.cfg.Retention.StaleAfter,
	}, a.log)
}

func (a *app) httpApp() *fiber.App {
	var opts []httpadapter.Option
	if a.renderer != nil {
		opts = append(opts, httpadapter.WithEngineGauge(a.renderer.Active))
	}
	if a.dispatcher != nil {
		opts = append(opts, httpadapter.WithBusyGauge(a.dispatcher.Busy))
	}
	h := httpadapter.NewHandler(a.queue, a.artifacts, a.log, opts...)
	return httpadapter.NewApp(httpadapter.AppConfig{
		BodyLimit:    a.cfg.Server.BodyLimit,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}, h)
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Warnw("closing job store", "error", err)
	}
}
