package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/phrazzld/repackd/internal/platform/memory"
	"github.com/phrazzld/repackd/internal/platform/queue"
	"github.com/phrazzld/repackd/internal/task"
	"golang.org/x/sync/errgroup"
)

// purgeInterval is how often the in-memory store drops expired records.
const purgeInterval = time.Minute

// Serve runs the HTTP and websocket server, the connection manager and, for
// the memory dispatcher, the in-process workers until ctx ends.
func (app *application) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", app.config.Server.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return app.serve(ctx, ln)
}

func (app *application) serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	if err := app.bus.Subscribe(gctx, app.realtime); err != nil {
		_ = ln.Close()
		return fmt.Errorf("failed to subscribe connection manager: %w", err)
	}
	app.realtime.Start(gctx)

	if app.taskRunner != nil {
		if err := app.taskRunner.Start(); err != nil {
			_ = ln.Close()
			return fmt.Errorf("failed to start task runner: %w", err)
		}
	}

	if ms, ok := app.taskStore.(*memory.TaskStore); ok {
		g.Go(func() error {
			app.purgeLoop(gctx, ms)
			return nil
		})
	}

	server := &http.Server{
		Handler:           app.setupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		app.logger.Info("starting server", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		app.logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.Server.ShutdownTimeout)
		defer cancel()

		// Websocket sessions are hijacked and not tracked by Shutdown.
		app.realtime.Stop()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	app.logger.Info("server shutdown completed")
	return nil
}

// Work executes queued tasks until ctx ends. It only applies to the asynq
// dispatcher.
func (app *application) Work(ctx context.Context) error {
	if app.redisOpt == nil {
		return ErrWorkerRequiresAsynq
	}

	server := queue.NewServer(app.redisOpt, queue.ServerConfig{
		Concurrency:     app.config.Task.WorkerCount,
		ShutdownTimeout: app.config.Server.ShutdownTimeout,
	}, task.TaskTypeRepack, app.decodeTask, app.logger)

	return server.Run(ctx)
}

func (app *application) purgeLoop(ctx context.Context, ms *memory.TaskStore) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := ms.Purge(); n > 0 {
				app.logger.Debug("purged expired task records", "count", n)
			}
		}
	}
}
