package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-enricher/internal/config"
	"github.com/JakeFAU/procurement-enricher/internal/server"
)

// runner is what serve needs from the built application.
type runner interface {
	Run(ctx context.Context) error
}

// buildApp is a variable so tests can swap the application factory.
var buildApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (runner, error) {
	return server.Build(ctx, cfg, logger, server.Options{})
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts the HTTP API and the worker pool",
		Long: `Serves the operations and credentials API, runs the enrichment worker
pool and the maintenance schedule until SIGINT or SIGTERM.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	if err := app.Run(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
