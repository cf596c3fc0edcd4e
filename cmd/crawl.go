package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// newCrawlCmd creates the 'crawl' subcommand, which runs the configured
// spider until it runs out of work or the process is signalled.
func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Runs a crawl to completion",
		Long: `Starts the engine with the configured spider and seeds, and exits once
the scheduler is empty and nothing is in flight. SIGINT or SIGTERM drain
the engine before exiting.`,
		RunE: runCrawlCommand,
	}
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A crawl run always finishes when idle.
	cfg := rt.cfg
	cfg.Engine.KeepAlive = false

	a, err := newApp(ctx, cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	if err := a.Crawl(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run crawl: %w", err)
	}
	rt.logger.Info("crawl command finished")
	return nil
}
