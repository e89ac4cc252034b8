// Package scheduling decides which vendors are due, creates their jobs and
// records scrape outcomes against the store.
package scheduling

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/price-scraper/internal/model"
	"github.com/sells-group/price-scraper/internal/resilience"
	"github.com/sells-group/price-scraper/internal/store"
	"github.com/sells-group/price-scraper/internal/waterfall"
)

// maxVendorScan bounds the active-vendor listing used to find due vendors.
const maxVendorScan = 10000

// Archiver receives a copy of every recorded result.
type Archiver interface {
	Archive(ctx context.Context, r model.ScrapeResult)
}

// QueueResult is the per-vendor outcome of QueueScrapeJobs.
type QueueResult struct {
	VendorID string          `json:"vendor_id"`
	Success  bool            `json:"success"`
	JobID    string          `json:"job_id,omitempty"`
	Error    string          `json:"error,omitempty"`
	Job      model.ScrapeJob `json:"-"`
}

// Service implements the scheduling operations on top of a store.
type Service struct {
	store       store.Store
	archive     Archiver
	threshold   int
	maxAttempts int
	writeRetry  resilience.RetryConfig
	nowFunc     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.nowFunc = now }
}

// WithFailureThreshold sets the consecutive-failure count that deactivates
// vendors without their own threshold.
func WithFailureThreshold(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.threshold = n
		}
	}
}

// WithMaxAttempts sets the attempt budget of new jobs.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithArchive copies every recorded result to a.
func WithArchive(a Archiver) Option {
	return func(s *Service) { s.archive = a }
}

// WithWriteRetry overrides the retry schedule for store writes.
func WithWriteRetry(cfg resilience.RetryConfig) Option {
	return func(s *Service) { s.writeRetry = cfg }
}

// New creates a scheduling service.
func New(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:       st,
		threshold:   model.DefaultFailureThreshold,
		maxAttempts: waterfall.DefaultPolicy().AttemptBudget(),
		writeRetry:  resilience.DefaultRetryConfig(),
		nowFunc:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) thresholdFor(v model.Vendor) int {
	if v.FailureThreshold > 0 {
		return v.FailureThreshold
	}
	return s.threshold
}

// GetVendorsForScheduledScrape returns up to limit active vendors whose
// refresh interval has elapsed, highest priority first, then never-scraped,
// then the stalest. Vendors at or over their failure threshold are
// excluded.
func (s *Service) GetVendorsForScheduledScrape(ctx context.Context, limit int) ([]model.Vendor, error) {
	vendors, err := s.store.ListVendors(ctx, store.VendorFilter{ActiveOnly: true, Limit: maxVendorScan})
	if err != nil {
		return nil, eris.Wrap(err, "scheduling: list vendors")
	}

	now := s.nowFunc()
	due := vendors[:0]
	for _, v := range vendors {
		if v.ConsecutiveFailures >= s.thresholdFor(v) {
			continue
		}
		if v.Due(now) {
			due = append(due, v)
		}
	}

	sort.SliceStable(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if (a.LastScrapedAt == nil) != (b.LastScrapedAt == nil) {
			return a.LastScrapedAt == nil
		}
		if a.LastScrapedAt != nil && !a.LastScrapedAt.Equal(*b.LastScrapedAt) {
			return a.LastScrapedAt.Before(*b.LastScrapedAt)
		}
		return a.ID < b.ID
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	zap.L().Info("vendors due for scrape", zap.Int("active", len(vendors)), zap.Int("due", len(due)))
	return due, nil
}

// NewJob builds a queued job for v.
func (s *Service) NewJob(v model.Vendor, source string, priority model.Priority) model.ScrapeJob {
	now := s.nowFunc()
	if priority == 0 {
		priority = v.Priority
	}
	if priority == 0 {
		priority = model.PriorityNormal
	}
	return model.ScrapeJob{
		ID:           uuid.NewString(),
		VendorID:     v.ID,
		Priority:     priority,
		ScheduledFor: now,
		CreatedAt:    now,
		MaxAttempts:  s.maxAttempts,
		Status:       model.JobQueued,
		Source:       source,
	}
}

// QueueScrapeJobs validates each vendor and persists a new job for it.
// Failures are reported per vendor and never abort the batch.
func (s *Service) QueueScrapeJobs(ctx context.Context, vendors []model.Vendor, source string) []QueueResult {
	out := make([]QueueResult, 0, len(vendors))
	for _, v := range vendors {
		r := QueueResult{VendorID: v.ID}
		if err := v.Validate(); err != nil {
			r.Error = err.Error()
			out = append(out, r)
			continue
		}
		job := s.NewJob(v, source, 0)
		if err := s.store.CreateJob(ctx, job); err != nil {
			zap.L().Warn("create job failed", zap.String("vendor_id", v.ID), zap.Error(err))
			r.Error = err.Error()
			out = append(out, r)
			continue
		}
		r.Success = true
		r.JobID = job.ID
		r.Job = job
		out = append(out, r)
	}
	return out
}

// JobRequest describes a job created outside the schedule.
type JobRequest struct {
	Source   string
	Priority model.Priority
	// AllowedMethods narrows the vendor's methods for this job only.
	AllowedMethods []model.Method
	MaxCost        float64
}

// CreateJob creates a job for one vendor outside the schedule (manual or
// API trigger). Inactive vendors are accepted; operators may scrape them.
func (s *Service) CreateJob(ctx context.Context, vendorID string, req JobRequest) (*model.ScrapeJob, error) {
	v, err := s.store.GetVendor(ctx, vendorID)
	if err != nil {
		return nil, err
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	job := s.NewJob(*v, req.Source, req.Priority)
	job.AllowedMethods = req.AllowedMethods
	job.MaxCost = req.MaxCost
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, eris.Wrapf(err, "scheduling: create job for %s", vendorID)
	}
	return &job, nil
}

// GetVendor loads one vendor.
func (s *Service) GetVendor(ctx context.Context, id string) (*model.Vendor, error) {
	return s.store.GetVendor(ctx, id)
}

// LogCronExecution records one scheduled run. details is stored as JSON.
func (s *Service) LogCronExecution(ctx context.Context, endpoint, status string, details any, errMsg string) error {
	var raw json.RawMessage
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return eris.Wrap(err, "scheduling: marshal cron details")
		}
		raw = b
	}
	err := s.store.InsertCronLog(ctx, model.CronLog{
		Endpoint:     endpoint,
		Status:       status,
		Details:      raw,
		ErrorMessage: errMsg,
		CreatedAt:    s.nowFunc(),
	})
	return eris.Wrap(err, "scheduling: log cron execution")
}

// UpdateVendorScrapeStatus records a job outcome on v and persists it along
// with v's method states. A failure that reaches the vendor's threshold
// deactivates it; deactivated reports that transition.
func (s *Service) UpdateVendorScrapeStatus(ctx context.Context, v *model.Vendor, success bool, method model.Method, errMsg string) (deactivated bool, err error) {
	now := s.nowFunc()
	v.LastScrapedAt = &now
	if success {
		v.LastSuccessAt = &now
		v.ConsecutiveFailures = 0
		v.LastError = ""
		v.LastSuccessMethod = method
	} else {
		v.LastFailureAt = &now
		v.ConsecutiveFailures++
		v.LastError = errMsg
		if v.Active && v.ConsecutiveFailures >= s.thresholdFor(*v) {
			v.Active = false
			deactivated = true
			zap.L().Warn("vendor deactivated by circuit breaker",
				zap.String("vendor_id", v.ID),
				zap.Int("consecutive_failures", v.ConsecutiveFailures),
				zap.String("last_error", errMsg),
			)
		}
	}
	if err := s.write(ctx, "update vendor status", func(ctx context.Context) error {
		return s.store.UpdateVendorStatus(ctx, *v)
	}); err != nil {
		return deactivated, err
	}
	return deactivated, nil
}

// SaveVendorMethodState persists v's method states and running status
// without recording an outcome.
func (s *Service) SaveVendorMethodState(ctx context.Context, v model.Vendor) error {
	return s.write(ctx, "save method state", func(ctx context.Context) error {
		return s.store.UpdateVendorStatus(ctx, v)
	})
}

// RecordResult appends r to the result history and, for successful or
// partial results, stores the extracted tiers.
func (s *Service) RecordResult(ctx context.Context, r model.ScrapeResult) error {
	if err := s.write(ctx, "insert result", func(ctx context.Context) error {
		return s.store.InsertResult(ctx, r)
	}); err != nil {
		return err
	}
	if s.archive != nil {
		s.archive.Archive(ctx, r)
	}

	if r.Data == nil || len(r.Data.Tiers) == 0 {
		return nil
	}
	if r.Status != model.ResultSuccess && r.Status != model.ResultPartial {
		return nil
	}
	return s.write(ctx, "insert price tiers", func(ctx context.Context) error {
		_, err := s.store.InsertPriceTiers(ctx, r.VendorID, r.JobID, r.CompletedAt, r.Data.Tiers)
		return err
	})
}

// StartJob persists the transition of job to running.
func (s *Service) StartJob(ctx context.Context, job model.ScrapeJob) error {
	return s.write(ctx, "start job", func(ctx context.Context) error {
		return s.store.UpdateJob(ctx, job)
	})
}

// CompleteJob persists the job's final state.
func (s *Service) CompleteJob(ctx context.Context, job model.ScrapeJob) error {
	return s.write(ctx, "update job", func(ctx context.Context) error {
		return s.store.UpdateJob(ctx, job)
	})
}

// ReactivateVendor re-enables a vendor after a circuit break and clears its
// failure counters, per-method ones included.
func (s *Service) ReactivateVendor(ctx context.Context, id string) error {
	if err := s.store.SetVendorActive(ctx, id, true); err != nil {
		return err
	}
	zap.L().Info("vendor reactivated", zap.String("vendor_id", id))
	return nil
}

func (s *Service) write(ctx context.Context, op string, fn func(context.Context) error) error {
	cfg := s.writeRetry
	cfg.OnRetry = resilience.RetryLogger("store", op)
	return eris.Wrapf(resilience.Do(ctx, cfg, fn), "scheduling: %s", op)
}
