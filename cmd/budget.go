package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/price-scraper/internal/budget"
	"github.com/sells-group/price-scraper/internal/cost"
	"github.com/sells-group/price-scraper/internal/model"
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Inspect and administer the spend ledger",
}

// -- budget status --

var budgetStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show limits, usage and health per period",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ledger, closeFn, err := openLedger(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		formatBudget(os.Stdout, ledger.Snapshot())
		return nil
	},
}

// -- budget reset --

var budgetResetPeriod string

var budgetResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Zero the usage of one period (or all)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		periods, err := parsePeriods(budgetResetPeriod)
		if err != nil {
			return err
		}

		ledger, closeFn, err := openLedger(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		for _, p := range periods {
			if err := ledger.ForceReset(cmd.Context(), p); err != nil {
				return eris.Wrapf(err, "budget reset %s", p)
			}
			zap.L().Info("budget period reset", zap.String("period", string(p)))
		}
		formatBudget(os.Stdout, ledger.Snapshot())
		return nil
	},
}

func init() {
	budgetResetCmd.Flags().StringVar(&budgetResetPeriod, "period", "", "daily, weekly, monthly or all (required)")
	_ = budgetResetCmd.MarkFlagRequired("period")

	budgetCmd.AddCommand(budgetStatusCmd)
	budgetCmd.AddCommand(budgetResetCmd)
	rootCmd.AddCommand(budgetCmd)
}

// openLedger opens the store and hydrates the ledger without starting
// executors.
func openLedger(ctx context.Context) (*budget.Ledger, func(), error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	ledger, err := initLedger(ctx, st, cost.NewCalculator(costRates()))
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	return ledger, func() { _ = st.Close() }, nil
}

func parsePeriods(s string) ([]budget.Period, error) {
	if s == "all" {
		return budget.Periods, nil
	}
	for _, p := range budget.Periods {
		if string(p) == s {
			return []budget.Period{p}, nil
		}
	}
	return nil, eris.Errorf("unknown period %q (want daily, weekly, monthly or all)", s)
}

// formatBudget writes a human-readable ledger summary.
func formatBudget(w io.Writer, s budget.Snapshot) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PERIOD\tLIMIT\tUSED\tREMAINING\tLAST RESET")
	for _, p := range budget.Periods {
		fmt.Fprintf(tw, "%s\t$%.2f\t$%.2f\t$%.2f\t%s\n",
			p, s.Limits[p], s.Usage[p], s.Health.Remaining[p],
			s.LastReset[p].Format("2006-01-02 15:04"),
		)
	}
	_ = tw.Flush()

	fmt.Fprintf(w, "\nHealth: %s (%s)\n", s.Health.Status, s.Health.Message)
	fmt.Fprintf(w, "Paid scraping allowed: %t\n", s.CanScrape)
	fmt.Fprint(w, "Method costs:")
	for _, m := range model.MethodOrder {
		fmt.Fprintf(w, " %s=$%.2f", m, s.MethodCosts[m])
	}
	fmt.Fprintln(w)
}
