// Package cmd defines and implements the CLI commands for the crawl-engine executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-engine/internal/app"
	"github.com/JakeFAU/crawl-engine/internal/config"
	"github.com/JakeFAU/crawl-engine/internal/logging"
)

var cfgFile string

// runtimeKeyType is the key for storing the loaded runtime in the context.
type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// runtime carries what every subcommand needs before it builds an App.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

// Runner is the part of *app.App the commands drive. Tests replace newApp
// with a factory returning a fake.
type Runner interface {
	Crawl(ctx context.Context) error
	Serve(ctx context.Context) error
}

var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Runner, error) {
	return app.Build(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl-engine",
		Short: "A concurrent crawl engine with a pluggable spider and pipelines.",
		Long: `crawl-engine schedules requests, downloads them through a middleware
chain, parses responses with a spider and runs the scraped items through
storage and publishing pipelines. It can run a single crawl to completion
or stay up as a service that accepts new requests over HTTP.`,
		SilenceUsage: true,

		// Config and logging are loaded once here so every subcommand sees
		// the same runtime.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), runtimeKey, &runtime{cfg: cfg, logger: logger})
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(runtimeKey).(*runtime); ok && rt != nil {
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "command execution failed:", err)
		os.Exit(1)
	}
}
