package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/phrazzld/repackd/internal/config"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "repackd",
		Short: "Offline plugin repackaging service",
		Long: `repackd accepts plugin repackaging requests over HTTP, runs the
repackaging script in the background and streams task progress to
websocket clients.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config-dir", "",
		"directory holding config.yaml (overrides "+config.EnvPrefix+"_CONFIG_DIR)")

	root.AddCommand(newServeCmd(), newWorkerCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and websocket server",
		Long: `Run the HTTP API and the websocket server. With task.dispatcher=memory
tasks are executed in-process; with task.dispatcher=asynq they are queued
in Redis for "repackd worker" processes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCommand(cmd, func(ctx context.Context, app *application) error {
				return app.Serve(ctx)
			})
		},
	}
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Execute queued tasks from Redis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCommand(cmd, func(ctx context.Context, app *application) error {
				return app.Work(ctx)
			})
		},
	}
}

// runCommand loads configuration, builds the application and runs fn until
// SIGINT or SIGTERM.
func runCommand(cmd *cobra.Command, fn func(ctx context.Context, app *application) error) error {
	if dir, _ := cmd.Flags().GetString("config-dir"); dir != "" {
		if err := os.Setenv(config.EnvPrefix+"_CONFIG_DIR", dir); err != nil {
			return fmt.Errorf("failed to set config dir: %w", err)
		}
	}

	cfg, err := loadAppConfig()
	if err != nil {
		return err
	}
	logger, err := setupAppLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer func() {
		if err := app.cleanup(); err != nil {
			logger.Error("cleanup failed", "error", err)
		}
	}()

	return fn(ctx, app)
}
