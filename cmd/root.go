// Package cmd defines and implements the CLI commands for the jobboard-sync
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobboard-sync/internal/config"
	"github.com/JakeFAU/jobboard-sync/internal/logging"
)

// runtimeKeyType is the key for storing the loaded runtime in the context.
type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// runtime carries what PersistentPreRunE prepared for subcommands.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobboard-sync",
		Short: "Incrementally sync a paginated job board into a local dataset.",
		Long: `jobboard-sync paginates a startup job board, extracts postings and merges
them into index.json under the output directory. Every observation is also
appended to jobs.jsonl, and jobs.json and jobs.csv snapshots are written when
a run finishes.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Config and logging are ready before any subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			path, err := cmd.Flags().GetString("config")
			if err != nil {
				return fmt.Errorf("read config flag: %w", err)
			}
			cfg, err := config.Load(path, cmd.Flags())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.Build(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)

			ctx := context.WithValue(cmd.Context(), runtimeKey, &runtime{cfg: cfg, logger: logger})
			cmd.SetContext(ctx)
			return nil
		},
	}

	cmd.PersistentFlags().String("config", "", "config file (yaml, json or toml)")
	cmd.AddCommand(newSyncCmd())
	return cmd
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

// Execute is the main entry point. Any failure exits with status 1.
func Execute() {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", root.Name(), err)
		os.Exit(1)
	}
}
