package main

import (
	"fmt"
	"log/slog"

	"github.com/phrazzld/glyph-api/internal/config"
)

// loadAppConfig loads the application configuration from environment
// variables and the optional config file.
func loadAppConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// logConfig records the effective settings that matter when reading logs
// from a cluster. Secrets are reported only by presence.
func logConfig(log *slog.Logger, cfg *config.Config) {
	log.Info("server configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"redis_addr", cfg.Redis.Addr,
		"model", cfg.LLM.Model,
		"autoscale_enabled", cfg.Autoscale.Enabled,
		"initial_workers", cfg.Worker.InitialCount)

	if cfg.Database.URL != "" {
		log.Debug("database configuration", "url_present", true, "auto_migrate", cfg.Database.AutoMigrate)
	}
	if cfg.Redis.Password != "" {
		log.Debug("redis configuration", "password_present", true)
	}
}
