package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/price-scraper/internal/model"
	"github.com/sells-group/price-scraper/internal/scheduling"
)

var (
	scrapeVendor  string
	scrapeMethods []string
	scrapeMaxCost float64
)

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Scrape one vendor now",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		methods, err := model.ParseMethods(scrapeMethods)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Scheduler.CreateJob(ctx, scrapeVendor, scheduling.JobRequest{
			Source:         model.SourceManual,
			Priority:       model.PriorityHigh,
			AllowedMethods: methods,
			MaxCost:        scrapeMaxCost,
		})
		if err != nil {
			return eris.Wrap(err, "scrape: create job")
		}

		out := env.Orchestrator.RunJob(ctx, *job)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(outcomeResponse(out)); err != nil {
			return err
		}
		if out.Err != nil {
			return out.Err
		}
		return nil
	},
}

func init() {
	scrapeCmd.Flags().StringVar(&scrapeVendor, "vendor", "", "vendor ID (required)")
	scrapeCmd.Flags().StringSliceVar(&scrapeMethods, "method", nil, "restrict to these methods (playwright, firecrawl, vision, manual)")
	scrapeCmd.Flags().Float64Var(&scrapeMaxCost, "max-cost", 0, "per-job spend ceiling in USD (0 = none)")
	_ = scrapeCmd.MarkFlagRequired("vendor")
	rootCmd.AddCommand(scrapeCmd)
}
