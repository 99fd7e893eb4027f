package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hibiken/asynq"
	"github.com/phrazzld/repackd/internal/config"
	"github.com/phrazzld/repackd/internal/events"
	"github.com/phrazzld/repackd/internal/marketplace"
	"github.com/phrazzld/repackd/internal/platform/memory"
	"github.com/phrazzld/repackd/internal/platform/queue"
	"github.com/phrazzld/repackd/internal/platform/redis"
	"github.com/phrazzld/repackd/internal/realtime"
	"github.com/phrazzld/repackd/internal/redact"
	"github.com/phrazzld/repackd/internal/repack"
	"github.com/phrazzld/repackd/internal/store"
	"github.com/phrazzld/repackd/internal/task"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
)

// ErrWorkerRequiresAsynq is returned by Work when tasks are dispatched
// in-process.
var ErrWorkerRequiresAsynq = errors.New("the worker command requires task.dispatcher=asynq")

// failTimeout bounds the record write made when a dispatcher reports a task
// error.
const failTimeout = 10 * time.Second

// application holds all the shared application dependencies to simplify management
// and ensure proper cleanup on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger

	// Storage and events. redisClient is nil when running in-memory.
	redisClient *goredis.Client
	taskStore   store.TaskStore
	bus         events.Bus

	tracker     *task.Tracker
	marketplace *marketplace.Service
	artifacts   *repack.ArtifactStore
	factory     *repack.Factory

	// Task dispatch. Exactly one of taskRunner and queueDispatcher is set.
	dispatcher      task.Dispatcher
	taskRunner      *task.TaskRunner
	queueDispatcher *queue.Dispatcher
	redisOpt        asynq.RedisConnOpt

	realtime *realtime.Manager
}

// newApplication creates a new application instance with all dependencies initialized.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
	}

	if err := app.setupStorage(ctx); err != nil {
		return nil, err
	}

	app.tracker = task.NewTracker(app.taskStore, app.bus, cfg.Task.RecordTTL, logger)
	app.marketplace = marketplace.NewServiceFromConfig(cfg.Marketplace, nil, logger)

	var err error
	app.artifacts, err = repack.NewDirArtifactStore(cfg.Repack.OutputDir)
	if err != nil {
		_ = app.cleanup()
		return nil, fmt.Errorf("failed to open output directory: %w", err)
	}

	osFs := afero.NewOsFs()
	worker := repack.NewWorker(
		repack.WorkerConfigFrom(cfg.Repack),
		app.tracker,
		repack.NewHTTPDownloader(nil, osFs),
		repack.NewExecRunner(cfg.Repack.ScriptPath, cfg.Repack.LineTimeout, logger),
		app.artifacts,
		app.marketplace,
		osFs,
		logger,
	)
	app.factory = repack.NewFactory(worker)

	if err := app.setupDispatcher(); err != nil {
		_ = app.cleanup()
		return nil, err
	}

	app.realtime = realtime.NewManager(realtime.Config{
		PingInterval:      cfg.Realtime.PingInterval,
		HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
	}, app.tracker, logger)

	logger.Info("application initialized",
		"dispatcher", cfg.Task.Dispatcher,
		"redis", app.redisClient != nil)
	return app, nil
}

// setupStorage selects the Redis backed store and bus when a Redis URL is
// configured and the in-process ones otherwise.
func (app *application) setupStorage(ctx context.Context) error {
	if app.config.Redis.URL == "" {
		app.taskStore = memory.NewTaskStore(app.logger)
		app.bus = events.NewInMemoryEventEmitter(app.logger)
		return nil
	}

	client, err := redis.Open(ctx, app.config.Redis.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	app.redisClient = client
	app.taskStore = redis.NewTaskStore(client, app.logger)
	app.bus = redis.NewEventBus(client, app.logger)
	return nil
}

func (app *application) setupDispatcher() error {
	cfg := app.config.Task

	switch cfg.Dispatcher {
	case config.DispatcherAsynq:
		opt, err := queue.RedisOpt(app.config.Redis.URL)
		if err != nil {
			return err
		}
		app.redisOpt = opt
		app.queueDispatcher = queue.NewDispatcher(opt, queue.DispatcherConfig{
			Timeout:   cfg.Timeout,
			Retention: cfg.RecordTTL,
		}, app.logger)
		app.dispatcher = app.queueDispatcher

	default:
		app.taskRunner = task.NewTaskRunner(task.TaskRunnerConfig{
			WorkerCount: cfg.WorkerCount,
			QueueSize:   cfg.QueueSize,
			TaskTimeout: cfg.Timeout,
		}, app.logger)
		app.taskRunner.SetErrorHandler(app.failTask)
		app.dispatcher = app.taskRunner
	}
	return nil
}

// failTask closes the record of a task the dispatcher gave up on. Records
// the worker already closed are left unchanged by the tracker.
func (app *application) failTask(t task.Task, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), failTimeout)
	defer cancel()

	if _, ferr := app.tracker.Fail(ctx, t.ID(), err); ferr != nil {
		app.logger.Error("failed to record task failure",
			"task_id", t.ID(),
			"cause", redact.Error(err),
			"error", redact.Error(ferr))
	}
}

// decodeTask rebuilds a repack task from a queue payload.
func (app *application) decodeTask(payload []byte) (task.Task, error) {
	t, err := app.factory.FromPayload(payload)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// cleanup releases every resource the application opened. It is safe to
// call on a partially initialized application.
func (app *application) cleanup() error {
	var result *multierror.Error

	if app.taskRunner != nil {
		app.taskRunner.Stop()
	}
	if app.realtime != nil {
		app.realtime.Stop()
	}
	if app.queueDispatcher != nil {
		if err := app.queueDispatcher.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close queue dispatcher: %w", err))
		}
	}
	if app.redisClient != nil {
		if err := app.redisClient.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close redis client: %w", err))
		}
	}

	app.logger.Info("application shutdown completed")
	return result.ErrorOrNil()
}
