// Package main runs the data retrieval service: the HTTP API, the broker
// command consumer and the schema migrations.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/phrazzld/data-retrieval/internal/config"
	"github.com/phrazzld/data-retrieval/internal/platform/logger"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "data-retrieval",
		Short:         "Retrieves medical images from hospital and clinic sources",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to a YAML config file (default: ./config.yaml when present)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API and the command consumer",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.LoadFile(configPath)
				if err != nil {
					return fmt.Errorf("failed to load configuration: %w", err)
				}
				log, err := logger.Setup(cfg.Server)
				if err != nil {
					return fmt.Errorf("failed to set up logger: %w", err)
				}
				return serve(cmd.Context(), cfg, log)
			},
		},
		newMigrateCmd(&configPath),
	)
	return root
}
