// Package store persists vendors, jobs, results, budget state and cron logs.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/price-scraper/internal/model"
)

var (
	// ErrVendorNotFound is returned when a vendor ID does not exist.
	ErrVendorNotFound = eris.New("store: vendor not found")
	// ErrJobNotFound is returned when a job ID does not exist.
	ErrJobNotFound = eris.New("store: job not found")
)

// VendorFilter specifies criteria for listing vendors.
type VendorFilter struct {
	ActiveOnly bool `json:"active_only,omitempty"`
	Limit      int  `json:"limit,omitempty"`
}

// Store defines the persistence interface for the scraper.
type Store interface {
	// Vendors
	ListVendors(ctx context.Context, filter VendorFilter) ([]model.Vendor, error)
	GetVendor(ctx context.Context, id string) (*model.Vendor, error)
	UpsertVendors(ctx context.Context, vendors []model.Vendor) (int64, error)
	// UpdateVendorStatus writes the running-status fields of v (timestamps,
	// failure counters, method states, active flag).
	UpdateVendorStatus(ctx context.Context, v model.Vendor) error
	SetVendorActive(ctx context.Context, id string, active bool) error

	// Jobs
	CreateJob(ctx context.Context, job model.ScrapeJob) error
	UpdateJob(ctx context.Context, job model.ScrapeJob) error
	GetJob(ctx context.Context, id string) (*model.ScrapeJob, error)
	ListJobs(ctx context.Context, filter model.JobFilter) ([]model.ScrapeJob, error)

	// Results
	InsertResult(ctx context.Context, r model.ScrapeResult) error
	InsertPriceTiers(ctx context.Context, vendorID, jobID string, scrapedAt time.Time, tiers []model.PricingTier) (int64, error)

	// Budget
	LoadBudget(ctx context.Context) (*model.BudgetState, error)
	SaveBudget(ctx context.Context, state model.BudgetState) error
	RecordAllocation(ctx context.Context, a model.Allocation) error

	// Cron logs
	InsertCronLog(ctx context.Context, l model.CronLog) error
	ListCronLogs(ctx context.Context, limit int) ([]model.CronLog, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}
