package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/price-scraper/internal/model"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect scrape job history",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent scrape jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		vendor, _ := cmd.Flags().GetString("vendor")
		since, _ := cmd.Flags().GetDuration("since")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := model.JobFilter{
			Status:   model.JobStatus(status),
			VendorID: vendor,
			Limit:    limit,
		}
		if since > 0 {
			filter.Since = time.Now().Add(-since)
		}

		jobs, err := st.ListJobs(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}
		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}

		formatJobsList(os.Stdout, jobs)
		return nil
	},
}

func init() {
	jobsListCmd.Flags().String("status", "", "filter by job status (queued, running, completed, failed, cancelled, skipped)")
	jobsListCmd.Flags().String("vendor", "", "filter by vendor ID")
	jobsListCmd.Flags().Duration("since", 0, "only jobs created within this window (e.g. 24h)")
	jobsListCmd.Flags().Int("limit", 50, "max number of jobs to display")

	jobsCmd.AddCommand(jobsListCmd)
	rootCmd.AddCommand(jobsCmd)
}

// formatJobsList writes a table of jobs.
func formatJobsList(w io.Writer, jobs []model.ScrapeJob) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVENDOR\tSTATUS\tSOURCE\tATTEMPTS\tCOST\tCREATED\tDETAIL")
	for _, j := range jobs {
		id := j.ID
		if len(id) > 8 {
			id = id[:8]
		}
		detail := j.Reason
		if detail == "" {
			detail = j.Warning
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t$%.4f\t%s\t%s\n",
			id, j.VendorID, j.Status, j.Source, j.Attempts, j.TotalCost,
			j.CreatedAt.Format("2006-01-02 15:04"), detail,
		)
	}
	_ = tw.Flush()
}
