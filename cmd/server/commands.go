package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/phrazzld/glyph-api/internal/credential"
	"github.com/phrazzld/glyph-api/internal/platform/logger"
	"github.com/phrazzld/glyph-api/internal/platform/postgres"
	"github.com/phrazzld/glyph-api/internal/store"
	"github.com/spf13/cobra"
)

// errNoDatabase is returned by commands that need the archive database when
// database.url is unset.
var errNoDatabase = errors.New("database.url is not configured")

// newRootCommand builds the command tree:
//
//	glyph-api serve
//	glyph-api migrate [up|down|status|version]
//	glyph-api keys
//	glyph-api archive get <task_id>
func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "glyph-api",
		Short:        "Distributed image translation service",
		Version:      version,
		SilenceUsage: true,
	}

	root.AddCommand(newServeCommand())
	root.AddCommand(newMigrateCommand())
	root.AddCommand(newKeysCommand())
	root.AddCommand(newArchiveCommand())
	return root
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and its worker pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadAppConfig()
			if err != nil {
				return err
			}

			instanceID := uuid.NewString()
			log, err := setupAppLogger(cfg, instanceID)
			if err != nil {
				return err
			}
			logConfig(log, cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := newApplication(ctx, cfg, log, instanceID)
			if err != nil {
				log.Error("failed to initialize application", "error", err)
				return err
			}
			defer app.cleanup()

			log.Info("glyph-api starting", "version", version)
			return app.Run(ctx)
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|status|version]",
		Short:     "Manage the archive database schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "status", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadAppConfig()
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return errNoDatabase
			}

			l, err := setupAppLogger(cfg, "migrate")
			if err != nil {
				return err
			}

			db, err := postgres.Open(cmd.Context(), cfg.Database.URL)
			if err != nil {
				return fmt.Errorf("archive database %s: %w", maskDatabaseURL(cfg.Database.URL), err)
			}
			defer func() { _ = db.Close() }()

			return postgres.Migrate(cmd.Context(), db, args[0], l)
		},
	}
}

func newKeysCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Print the health and usage of every configured API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadAppConfig()
			if err != nil {
				return err
			}
			log := logger.Discard()

			client, err := connectCoord(cmd.Context(), cfg.Redis, log)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			creds, err := credential.LoadFile(cfg.LLM.APIKeysFile, credential.Limits{
				RPM: cfg.Credentials.DefaultRPM,
				RPD: cfg.Credentials.DefaultRPD,
				TPM: cfg.Credentials.DefaultTPM,
			})
			if err != nil {
				return fmt.Errorf("failed to load api keys: %w", err)
			}
			registry, err := credential.NewRegistry(client, creds, credential.DefaultConfig(), log)
			if err != nil {
				return err
			}

			statuses, err := registry.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), statuses)
		},
	}
}

func newArchiveCommand() *cobra.Command {
	archive := &cobra.Command{
		Use:   "archive",
		Short: "Inspect finished tasks kept in the archive database",
	}

	archive.AddCommand(&cobra.Command{
		Use:   "get <task_id>",
		Short: "Print an archived task with its results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadAppConfig()
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return errNoDatabase
			}

			db, err := postgres.Open(cmd.Context(), cfg.Database.URL)
			if err != nil {
				return fmt.Errorf("archive database %s: %w", maskDatabaseURL(cfg.Database.URL), err)
			}
			defer func() { _ = db.Close() }()

			t, err := postgres.NewArchive(db, logger.Discard()).Get(cmd.Context(), args[0])
			if errors.Is(err, store.ErrArchivedTaskNotFound) {
				return fmt.Errorf("task %s is not archived", args[0])
			}
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), t)
		},
	})
	return archive
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
