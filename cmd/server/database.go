package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/phrazzld/glyph-api/internal/config"
	"github.com/phrazzld/glyph-api/internal/coord"
	"github.com/phrazzld/glyph-api/internal/platform/postgres"
)

// memoryAddr selects the in-process coordination store.
const memoryAddr = "memory"

// connectCoord opens the coordination store named by cfg.
func connectCoord(ctx context.Context, cfg config.RedisConfig, log *slog.Logger) (coord.Client, error) {
	if cfg.Addr == memoryAddr {
		log.Warn("using in-process coordination store; state is lost on restart and not shared between instances")
		return coord.NewMemory(), nil
	}

	client, err := coord.NewRedis(ctx, coord.RedisOptions{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		KeyPrefix:    cfg.KeyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	log.Info("coordination store connected", "redis_addr", cfg.Addr, "pool_size", cfg.PoolSize)
	return client, nil
}

// setupAppDatabase opens the archive database and, when configured, applies
// pending migrations.
func setupAppDatabase(ctx context.Context, cfg config.DatabaseConfig, log *slog.Logger) (*sql.DB, error) {
	db, err := postgres.Open(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("archive database %s: %w", maskDatabaseURL(cfg.URL), err)
	}

	if cfg.AutoMigrate {
		if err := postgres.Migrate(ctx, db, "up", log); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	log.Info("archive database connected", "database_url", maskDatabaseURL(cfg.URL))
	return db, nil
}

// maskDatabaseURL hides the password of a connection URL.
func maskDatabaseURL(dbURL string) string {
	parsed, err := url.Parse(dbURL)
	if err != nil {
		return "invalid-url"
	}
	return parsed.Redacted()
}
