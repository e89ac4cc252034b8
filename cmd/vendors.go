package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/price-scraper/internal/model"
	"github.com/sells-group/price-scraper/internal/scheduling"
	"github.com/sells-group/price-scraper/internal/store"
)

var vendorsCmd = &cobra.Command{
	Use:   "vendors",
	Short: "Manage the vendor catalog",
}

// -- vendors list --

var vendorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List vendors with their scrape status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		activeOnly, _ := cmd.Flags().GetBool("active")
		limit, _ := cmd.Flags().GetInt("limit")

		vendors, err := st.ListVendors(ctx, store.VendorFilter{ActiveOnly: activeOnly, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "vendors list")
		}
		if len(vendors) == 0 {
			fmt.Fprintln(os.Stderr, "No vendors found.")
			return nil
		}

		formatVendorsList(os.Stdout, vendors)
		return nil
	},
}

// -- vendors import --

var vendorsImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Create or update vendors from a YAML catalog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		data, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrap(err, "vendors import: read file")
		}
		vendors, err := parseVendorCatalog(data)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.UpsertVendors(ctx, vendors)
		if err != nil {
			return eris.Wrap(err, "vendors import")
		}
		zap.L().Info("vendors imported",
			zap.Int("vendors", len(vendors)),
			zap.Int64("rows", n),
			zap.String("file", args[0]),
		)
		return nil
	},
}

// -- vendors reactivate --

var vendorsReactivateCmd = &cobra.Command{
	Use:   "reactivate <vendor-id>",
	Short: "Reactivate a vendor stopped by the circuit breaker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := scheduling.New(st).ReactivateVendor(ctx, args[0]); err != nil {
			return eris.Wrap(err, "vendors reactivate")
		}
		fmt.Fprintf(os.Stdout, "Vendor %s reactivated.\n", args[0])
		return nil
	},
}

func init() {
	vendorsListCmd.Flags().Bool("active", false, "only active vendors")
	vendorsListCmd.Flags().Int("limit", 200, "max number of vendors to display")

	vendorsCmd.AddCommand(vendorsListCmd)
	vendorsCmd.AddCommand(vendorsImportCmd)
	vendorsCmd.AddCommand(vendorsReactivateCmd)
	rootCmd.AddCommand(vendorsCmd)
}

// catalogEntry is one vendor in the import YAML.
type catalogEntry struct {
	ID               string                `yaml:"id"`
	Slug             string                `yaml:"slug"`
	Name             string                `yaml:"name"`
	PricingURL       string                `yaml:"pricing_url"`
	Frequency        string                `yaml:"frequency"`
	Priority         string                `yaml:"priority"`
	PreferredMethods []string              `yaml:"preferred_methods"`
	AllowedMethods   []string              `yaml:"allowed_methods"`
	OverrideMethod   string                `yaml:"override_method"`
	FailureThreshold int                   `yaml:"failure_threshold"`
	EstimatedCosts   map[string]float64    `yaml:"estimated_costs"`
	Hints            model.ExtractionHints `yaml:"hints"`
	Active           *bool                 `yaml:"active"`
}

// parseVendorCatalog decodes and validates a vendor catalog. Any invalid
// entry rejects the whole file.
func parseVendorCatalog(data []byte) ([]model.Vendor, error) {
	var doc struct {
		Vendors []catalogEntry `yaml:"vendors"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "vendors import: parse yaml")
	}
	if len(doc.Vendors) == 0 {
		return nil, eris.New("vendors import: no vendors in file")
	}

	seen := make(map[string]bool, len(doc.Vendors))
	out := make([]model.Vendor, 0, len(doc.Vendors))
	for i, e := range doc.Vendors {
		v, err := e.vendor()
		if err != nil {
			return nil, eris.Wrapf(err, "vendors import: entry %d", i+1)
		}
		if seen[v.ID] {
			return nil, eris.Errorf("vendors import: duplicate vendor id %q", v.ID)
		}
		seen[v.ID] = true
		out = append(out, v)
	}
	return out, nil
}

func (e catalogEntry) vendor() (model.Vendor, error) {
	v := model.Vendor{
		ID:               strings.TrimSpace(e.ID),
		Slug:             e.Slug,
		Name:             e.Name,
		PricingURL:       e.PricingURL,
		Frequency:        model.Frequency(strings.ToLower(e.Frequency)),
		FailureThreshold: e.FailureThreshold,
		Hints:            e.Hints,
		Active:           e.Active == nil || *e.Active,
	}
	switch v.Frequency {
	case model.FrequencyDaily, model.FrequencyWeekly, model.FrequencyBiweekly, model.FrequencyMonthly:
	case "":
		v.Frequency = model.FrequencyWeekly
	default:
		return v, eris.Errorf("vendor %s: unknown frequency %q", v.ID, e.Frequency)
	}

	var err error
	if v.Priority, err = model.ParsePriority(e.Priority); err != nil {
		return v, err
	}
	if v.PreferredMethods, err = model.ParseMethods(e.PreferredMethods); err != nil {
		return v, err
	}
	if v.AllowedMethods, err = model.ParseMethods(e.AllowedMethods); err != nil {
		return v, err
	}
	if e.OverrideMethod != "" {
		if v.OverrideMethod, err = model.ParseMethod(e.OverrideMethod); err != nil {
			return v, err
		}
	}
	if len(e.EstimatedCosts) > 0 {
		v.EstimatedCosts = make(map[model.Method]float64, len(e.EstimatedCosts))
		for name, usd := range e.EstimatedCosts {
			m, err := model.ParseMethod(name)
			if err != nil {
				return v, err
			}
			v.EstimatedCosts[m] = usd
		}
	}
	return v, v.Validate()
}

// formatVendorsList writes a table of vendors.
func formatVendorsList(w io.Writer, vendors []model.Vendor) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tFREQ\tPRIORITY\tACTIVE\tFAILURES\tLAST SCRAPED\tLAST METHOD\tLAST ERROR")
	for _, v := range vendors {
		last := "never"
		if v.LastScrapedAt != nil {
			last = v.LastScrapedAt.Format("2006-01-02 15:04")
		}
		errMsg := v.LastError
		if len(errMsg) > 50 {
			errMsg = errMsg[:47] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%d/%d\t%s\t%s\t%s\n",
			v.ID, v.Name, v.Frequency, v.Priority, v.Active,
			v.ConsecutiveFailures, v.Threshold(), last, v.LastSuccessMethod, errMsg,
		)
	}
	_ = tw.Flush()
}
