package main

import (
	"fmt"
	"log/slog"

	"github.com/phrazzld/glyph-api/internal/config"
	"github.com/phrazzld/glyph-api/internal/platform/logger"
)

// setupAppLogger configures the process-wide logger from config. Every
// record carries instanceID.
func setupAppLogger(cfg *config.Config, instanceID string) (*slog.Logger, error) {
	l, err := logger.Setup(cfg.Server, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logger: %w", err)
	}
	return l, nil
}
