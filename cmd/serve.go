package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// newServeCmd creates the 'serve' subcommand, which keeps the engine alive
// and exposes the HTTP control surface.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the engine as a long-lived service",
		Long: `Starts the engine in keep-alive mode together with the HTTP API. New
requests can be scheduled with POST /v1/requests and the engine is stopped
with POST /v1/engine/stop, SIGINT or SIGTERM.`,
		RunE: runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := rt.cfg
	cfg.Engine.KeepAlive = true

	a, err := newApp(ctx, cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	if err := a.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
