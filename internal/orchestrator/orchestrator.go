// Package orchestrator drives scrape jobs through method selection,
// execution, budget allocation and escalation, one job at a time or as a
// scheduled batch over a bounded worker pool.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sells-group/price-scraper/internal/executor"
	"github.com/sells-group/price-scraper/internal/model"
	"github.com/sells-group/price-scraper/internal/queue"
	"github.com/sells-group/price-scraper/internal/resilience"
	"github.com/sells-group/price-scraper/internal/scheduling"
	"github.com/sells-group/price-scraper/internal/waterfall"
)

// Defaults.
const (
	DefaultConcurrency  = 5
	DefaultMaxVendors   = 50
	DefaultBatchTimeout = 10 * time.Minute
	// CronEndpoint is the endpoint name recorded for scheduled batches.
	CronEndpoint = "/cron/scrape"
)

// Scheduler is the persistence side of job execution. scheduling.Service
// implements it.
type Scheduler interface {
	GetVendorsForScheduledScrape(ctx context.Context, limit int) ([]model.Vendor, error)
	QueueScrapeJobs(ctx context.Context, vendors []model.Vendor, source string) []scheduling.QueueResult
	GetVendor(ctx context.Context, id string) (*model.Vendor, error)
	LogCronExecution(ctx context.Context, endpoint, status string, details any, errMsg string) error
	UpdateVendorScrapeStatus(ctx context.Context, v *model.Vendor, success bool, method model.Method, errMsg string) (bool, error)
	SaveVendorMethodState(ctx context.Context, v model.Vendor) error
	RecordResult(ctx context.Context, r model.ScrapeResult) error
	StartJob(ctx context.Context, job model.ScrapeJob) error
	CompleteJob(ctx context.Context, job model.ScrapeJob) error
}

// Ledger is the shared spend ledger. Allocate is the authoritative
// affordability check; the Affordability methods are advisory.
type Ledger interface {
	waterfall.Affordability
	Allocate(ctx context.Context, m model.Method, vendorID, jobID string, usd float64) (model.Allocation, error)
}

// Deps are the collaborators an Orchestrator needs.
type Deps struct {
	Scheduler  Scheduler
	Ledger     Ledger
	Executors  *executor.Registry
	Selector   *waterfall.Selector
	Escalation *waterfall.Escalation
}

// Orchestrator runs jobs. It is safe for concurrent use.
type Orchestrator struct {
	sched      Scheduler
	ledger     Ledger
	executors  *executor.Registry
	selector   *waterfall.Selector
	escalation *waterfall.Escalation

	queue        *queue.Queue
	dead         *resilience.DeadLetters
	sem          *semaphore.Weighted
	concurrency  int
	maxVendors   int
	batchTimeout time.Duration
	nowFunc      func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithQueue sets the job queue.
func WithQueue(q *queue.Queue) Option {
	return func(o *Orchestrator) { o.queue = q }
}

// WithDeadLetters sets the list that holds jobs whose outcome could not be
// persisted.
func WithDeadLetters(d *resilience.DeadLetters) Option {
	return func(o *Orchestrator) { o.dead = d }
}

// WithConcurrency caps the number of jobs running at once, across batches
// and submitted jobs.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithMaxVendors caps the number of vendors queued by one batch.
func WithMaxVendors(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxVendors = n
		}
	}
}

// WithBatchTimeout sets the wall-clock budget after which a batch stops
// dequeuing.
func WithBatchTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.batchTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.nowFunc = now }
}

// WithSleep overrides how retry backoff waits.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// New creates an orchestrator.
func New(d Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sched:        d.Scheduler,
		ledger:       d.Ledger,
		executors:    d.Executors,
		selector:     d.Selector,
		escalation:   d.Escalation,
		concurrency:  DefaultConcurrency,
		maxVendors:   DefaultMaxVendors,
		batchTimeout: DefaultBatchTimeout,
		nowFunc:      time.Now,
		sleep:        resilience.Sleep,
		running:      make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.queue == nil {
		o.queue = queue.New(queue.WithClock(o.nowFunc))
	}
	if o.dead == nil {
		o.dead = resilience.NewDeadLetters(3)
	}
	o.sem = semaphore.NewWeighted(int64(o.concurrency))
	return o
}

// Queue returns the job queue.
func (o *Orchestrator) Queue() *queue.Queue { return o.queue }

// DeadLetters returns the number of jobs waiting for a persistence retry.
func (o *Orchestrator) DeadLetters() int { return o.dead.Len() }

// Cancel cancels a queued or running job. Queued jobs are removed and
// persisted as cancelled; running jobs stop cooperatively after their
// current attempt. Spend already allocated is kept. It reports whether a
// job was found.
func (o *Orchestrator) Cancel(ctx context.Context, jobID, reason string) bool {
	if reason == "" {
		reason = "cancelled"
	}
	if job, ok := o.queue.Cancel(jobID, reason); ok {
		now := o.nowFunc()
		job.CompletedAt = &now
		if err := o.sched.CompleteJob(ctx, job); err != nil {
			o.dead.Add(job, err, now)
		}
		return true
	}

	o.mu.Lock()
	cancel, ok := o.running[jobID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (o *Orchestrator) track(jobID string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.running[jobID] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(jobID string) {
	o.mu.Lock()
	delete(o.running, jobID)
	o.mu.Unlock()
}

// jobBudget narrows the ledger to what one job may still spend.
type jobBudget struct {
	Ledger
	job *model.ScrapeJob
}

func (b jobBudget) CanAfford(m model.Method) bool {
	if b.job.MaxCost > 0 && b.job.TotalCost+b.MethodCost(m) > b.job.MaxCost {
		return false
	}
	return b.Ledger.CanAfford(m)
}

// narrowMethods intersects the vendor allow-list with the job's. An empty
// vendor list allows everything. ok is false when nothing is left.
func narrowMethods(vendor, job []model.Method) ([]model.Method, bool) {
	if len(job) == 0 {
		return vendor, true
	}
	var out []model.Method
	for _, m := range job {
		if len(vendor) == 0 || model.ContainsMethod(vendor, m) {
			out = append(out, m)
		}
	}
	return out, len(out) > 0
}
