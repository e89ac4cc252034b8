package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/price-scraper/internal/orchestrator"
)

var (
	batchLimit   int
	batchTimeout int
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run one scheduled scrape batch",
	Long:  "Queues every vendor that is due and drains the queue with the worker pool. Intended for external cron.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		opts := orchestrator.BatchOptions{MaxVendors: batchLimit}
		if batchTimeout > 0 {
			opts.Timeout = time.Duration(batchTimeout) * time.Minute
		}
		sess, err := env.Orchestrator.RunBatch(ctx, opts)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sess)
	},
}

func init() {
	batchCmd.Flags().IntVar(&batchLimit, "limit", 0, "max vendors to queue (default from config)")
	batchCmd.Flags().IntVar(&batchTimeout, "timeout-mins", 0, "batch wall-clock budget in minutes (default from config)")
	rootCmd.AddCommand(batchCmd)
}
