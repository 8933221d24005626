package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tributarylabs/tributary/internal/config"
	"github.com/tributarylabs/tributary/internal/core"
	"github.com/tributarylabs/tributary/internal/logging"
	"github.com/tributarylabs/tributary/internal/resolve"
	"github.com/tributarylabs/tributary/internal/store"
	"github.com/tributarylabs/tributary/internal/workspace"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduling core daemon",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logging.New(cfg.Logging)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, cleanup, err := buildCore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	log.Info("tributary core started",
		zap.String("store", cfg.StorePath),
		zap.Int("max_concurrent", cfg.Capacity.MaxConcurrent))

	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("tributary core stopped")
	return nil
}

// buildCore assembles the core service from configuration. The returned
// cleanup closes the bus and the store.
func buildCore(ctx context.Context, cfg *config.Config, log *zap.Logger) (*core.Core, func(), error) {
	st, err := store.NewSQLiteStore(ctx, cfg.StorePath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}

	ws := workspace.NewGitWorkspace(cfg.Workspace, log)

	var inner resolve.Resolver = resolve.Unavailable()
	if cfg.Resolver.Command != "" {
		inner = resolve.NewCommandResolver(cfg.Resolver.Command, cfg.Resolver.Args, log)
	}
	resolver := resolve.NewReliableResolver(inner, cfg.Convergence.ResolutionTimeout, resolve.DefaultRetryConfig(), log)
	escalator := resolve.NewLogEscalator(log)

	c := core.New(cfg, st, ws, resolver, escalator, log)
	cleanup := func() {
		c.Close()
		st.Close()
	}
	return c, cleanup, nil
}
