package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobboard-sync/internal/server"
)

// newSyncCmd creates the 'sync' subcommand. Flag names mirror config keys
// with dashes, so --fetch-retries sets fetch.retries.
func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync against the job board",
		Long: `Fetches listing pages from --start-page until the stop policy for --mode
says stop. "today" stops at the first page without a posting at most a day
old; "all" stops at the first page whose oldest known posting is older than
--max-age-days.`,
		RunE: runSyncCommand,
	}

	f := cmd.Flags()
	f.String("mode", "today", `sync mode: "today" or "all"`)
	f.String("base-url", "", "listing root; pages are fetched as <base-url>?page=N&")
	f.Int("start-page", 1, "first page to fetch (1-based)")
	f.Int("delay-ms", 1000, "pause between pages in milliseconds")
	f.Int("max-age-days", 180, `age cutoff for "all" mode`)
	f.String("out-dir", "data", "output directory")
	f.Int("max-pages", 0, "stop after this many pages (0 = no cap)")

	f.Int("fetch-timeout-ms", 15000, "timeout for a single fetch attempt")
	f.Int("fetch-retries", 3, "total fetch attempts per page")
	f.Int("fetch-retry-backoff-ms", 1000, "linear backoff unit between attempts")
	f.String("fetch-user-agent", "jobboard-sync/1.0", "User-Agent header")
	f.Bool("fetch-headless", false, "fetch every page with headless Chrome")
	f.Bool("fetch-headless-fallback", false, "refetch client-rendered pages with headless Chrome")
	f.Bool("fetch-respect-robots", false, "honour robots.txt")
	f.Float64("fetch-max-rps", 0, "per-host request rate cap, 0 disables")
	f.Int("fetch-burst", 1, "per-host request burst when fetch-max-rps is set")

	f.Bool("logging-development", false, "human-readable development logs")
	f.String("logging-level", "info", "minimum log level")
	f.String("metrics-addr", "", "serve /metrics and /v1/progress on this address")
	return cmd
}

func runSyncCommand(cmd *cobra.Command, _ []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}

	app, err := server.Build(cmd.Context(), rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	defer app.Close()

	summary, err := app.Run(cmd.Context())
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	rt.logger.Debug("sync command finished", zap.String("run_id", summary.RunID))
	return nil
}
