// Package monitoring watches budget health, job outcomes and vendor
// circuit breaks, and posts alerts to a webhook.
package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/price-scraper/internal/budget"
	"github.com/sells-group/price-scraper/internal/model"
	"github.com/sells-group/price-scraper/internal/store"
)

const maxCollect = 10000

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Job metrics (within lookback window).
	JobsTotal     int     `json:"jobs_total"`
	JobsCompleted int     `json:"jobs_completed"`
	JobsFailed    int     `json:"jobs_failed"`
	JobsSkipped   int     `json:"jobs_skipped"`
	JobsQueued    int     `json:"jobs_queued"`
	JobsWarned    int     `json:"jobs_warned"`
	JobFailRate   float64 `json:"job_fail_rate"`
	JobCostUSD    float64 `json:"job_cost_usd"`

	Budget budget.Health `json:"budget"`

	// DeactivatedVendors lists vendors stopped by the circuit breaker.
	DeactivatedVendors []string `json:"deactivated_vendors,omitempty"`
	DeadLetters        int      `json:"dead_letters"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Source is the read side of the store the collector needs.
type Source interface {
	ListJobs(ctx context.Context, filter model.JobFilter) ([]model.ScrapeJob, error)
	ListVendors(ctx context.Context, filter store.VendorFilter) ([]model.Vendor, error)
}

// BudgetReader reports ledger health. budget.Ledger implements it.
type BudgetReader interface {
	Health() budget.Health
}

// Collector gathers metrics from the store, the ledger and the dead-letter
// list.
type Collector struct {
	source      Source
	budget      BudgetReader
	deadLetters func() int
	nowFunc     func() time.Time
}

// NewCollector creates a new metrics collector. b and deadLetters may be
// nil.
func NewCollector(src Source, b BudgetReader, deadLetters func() int) *Collector {
	return &Collector{source: src, budget: b, deadLetters: deadLetters, nowFunc: time.Now}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.nowFunc().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	jobs, err := c.source.ListJobs(ctx, model.JobFilter{Since: cutoff, Limit: maxCollect})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list jobs")
	}

	snap.JobsTotal = len(jobs)
	for _, j := range jobs {
		switch j.Status {
		case model.JobCompleted:
			snap.JobsCompleted++
			if j.Warning != "" {
				snap.JobsWarned++
			}
		case model.JobFailed:
			snap.JobsFailed++
		case model.JobSkipped:
			snap.JobsSkipped++
		case model.JobQueued:
			snap.JobsQueued++
		}
		snap.JobCostUSD += j.TotalCost
	}
	if finished := snap.JobsCompleted + snap.JobsFailed; finished > 0 {
		snap.JobFailRate = float64(snap.JobsFailed) / float64(finished)
	}

	vendors, err := c.source.ListVendors(ctx, store.VendorFilter{Limit: maxCollect})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list vendors")
	}
	for _, v := range vendors {
		if !v.Active && v.ConsecutiveFailures >= v.Threshold() {
			snap.DeactivatedVendors = append(snap.DeactivatedVendors, v.ID)
		}
	}
	sort.Strings(snap.DeactivatedVendors)

	if c.budget != nil {
		snap.Budget = c.budget.Health()
	}
	if c.deadLetters != nil {
		snap.DeadLetters = c.deadLetters()
	}
	return snap, nil
}
