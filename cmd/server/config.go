package main

import (
	"fmt"
	"log/slog"

	"github.com/phrazzld/repackd/internal/config"
)

// loadAppConfig loads the application configuration from environment variables or config file.
// Returns the loaded config and any loading error.
func loadAppConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"dispatcher", cfg.Task.Dispatcher)

	if cfg.Redis.URL != "" {
		slog.Debug("redis configuration", "url_present", true)
	}

	return cfg, nil
}
