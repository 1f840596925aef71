package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/phrazzld/data-retrieval/internal/config"
	"github.com/phrazzld/data-retrieval/internal/platform/logger"
	"github.com/phrazzld/data-retrieval/internal/platform/postgres"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"
)

// migrationCommands are the goose commands the migrate subcommand accepts.
var migrationCommands = map[string]bool{
	"up":      true,
	"down":    true,
	"reset":   true,
	"status":  true,
	"version": true,
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|reset|status|version]",
		Short:     "Apply or inspect the database schema migrations",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "reset", "status", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			log, err := logger.Setup(cfg.Server)
			if err != nil {
				return fmt.Errorf("failed to set up logger: %w", err)
			}
			return runMigrations(cmd.Context(), cfg, args[0], log)
		},
	}
}

// runMigrations executes a goose command against the embedded migrations.
func runMigrations(ctx context.Context, cfg *config.Config, command string, log *slog.Logger) error {
	if !migrationCommands[command] {
		return fmt.Errorf("unsupported migration command %q", command)
	}
	if cfg.Database.Driver != "postgres" {
		return fmt.Errorf("migrations need the postgres driver, got %q", cfg.Database.Driver)
	}

	log = log.With(slog.String("component", "migrations"), slog.String("command", command))

	db, err := openDatabase(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn("failed to close database", slog.String("error", err.Error()))
		}
	}()

	goose.SetBaseFS(postgres.Migrations)
	goose.SetLogger(&slogGooseLogger{logger: log})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	log.Info("running migrations")
	if err := goose.RunContext(ctx, command, db, postgres.MigrationsDir); err != nil {
		return fmt.Errorf("migration %s failed: %w", command, err)
	}
	log.Info("migrations finished")
	return nil
}

// slogGooseLogger forwards goose output to slog.
type slogGooseLogger struct {
	logger *slog.Logger
}

func (l *slogGooseLogger) Printf(format string, v ...interface{}) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// Fatalf logs at ERROR. goose calls it for unrecoverable failures, which
// also surface as the error returned by RunContext.
func (l *slogGooseLogger) Fatalf(format string, v ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
