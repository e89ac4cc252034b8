package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/price-scraper/internal/budget"
	"github.com/sells-group/price-scraper/internal/cost"
	"github.com/sells-group/price-scraper/internal/executor"
	"github.com/sells-group/price-scraper/internal/model"
	"github.com/sells-group/price-scraper/internal/resilience"
	"github.com/sells-group/price-scraper/internal/scheduling"
	"github.com/sells-group/price-scraper/internal/store"
	"github.com/sells-group/price-scraper/internal/waterfall"
)

var t0 = time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)

func clock() time.Time { return t0 }

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type step func(ctx context.Context, v model.Vendor) model.ScrapeResult

// scripted plays its steps in order, repeating the last one.
type scripted struct {
	method model.Method
	mu     sync.Mutex
	steps  []step
	calls  int
}

func newScripted(m model.Method, steps ...step) *scripted {
	return &scripted{method: m, steps: steps}
}

func (s *scripted) Method() model.Method { return s.method }

func (s *scripted) Execute(ctx context.Context, v model.Vendor) model.ScrapeResult {
	s.mu.Lock()
	i := s.calls
	s.calls++
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	fn := s.steps[i]
	s.mu.Unlock()
	return fn(ctx, v)
}

func (s *scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func succeed(actualCost float64) step {
	return func(_ context.Context, v model.Vendor) model.ScrapeResult {
		price := 29.0
		return model.ScrapeResult{
			Status:      model.ResultSuccess,
			StartedAt:   t0,
			CompletedAt: t0,
			ActualCost:  actualCost,
			Data: &model.PricingData{
				SourceURL: v.PricingURL,
				Tiers:     []model.PricingTier{{Name: "Pro", Price: &price, PriceModel: model.PriceFlat, Confidence: 0.9}},
			},
		}
	}
}

func partial() step {
	return func(_ context.Context, v model.Vendor) model.ScrapeResult {
		return model.ScrapeResult{
			Status: model.ResultPartial,
			Data: &model.PricingData{
				SourceURL: v.PricingURL,
				Tiers:     []model.PricingTier{{Name: "Enterprise", PriceModel: model.PriceCustom, Confidence: 0.3}},
			},
			Error: &model.ScrapeError{Message: "low confidence"},
		}
	}
}

func fail(retry bool) step {
	return func(_ context.Context, v model.Vendor) model.ScrapeResult {
		return model.Failed(v.ID, "", t0, "blocked by cloudflare", retry)
	}
}

func terminal() step {
	return func(_ context.Context, v model.Vendor) model.ScrapeResult {
		r := model.Failed(v.ID, "", t0, "pricing page returned 404", false)
		r.Error.Terminal = true
		return r
	}
}

func blockUntilDone(started chan<- struct{}) step {
	return func(ctx context.Context, v model.Vendor) model.ScrapeResult {
		if started != nil {
			close(started)
		}
		<-ctx.Done()
		return model.Failed(v.ID, "", t0, ctx.Err().Error(), true)
	}
}

// tracked counts in-flight executions and records the peak.
func tracked(inFlight, peak *atomic.Int32, hold time.Duration) step {
	return func(ctx context.Context, v model.Vendor) model.ScrapeResult {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(hold)
		return succeed(0)(ctx, v)
	}
}

type harness struct {
	store  *store.SQLiteStore
	sched  *scheduling.Service
	ledger *budget.Ledger
	orch   *Orchestrator
}

type harnessOpts struct {
	limits    budget.Limits
	policy    *waterfall.Policy
	ledger    func(*budget.Ledger) Ledger
	scheduler func(*scheduling.Service) Scheduler
	opts      []Option
}

func newHarness(t *testing.T, ho harnessOpts, execs ...executor.Executor) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "orch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	if ho.limits == (budget.Limits{}) {
		ho.limits = budget.Limits{Daily: 10, Weekly: 50, Monthly: 100}
	}
	ledger := budget.New(ho.limits, cost.NewCalculator(cost.DefaultRates()))
	sched := scheduling.New(st, scheduling.WithClock(clock), scheduling.WithWriteRetry(resilience.RetryConfig{MaxAttempts: 1}))

	policy := waterfall.DefaultPolicy()
	if ho.policy != nil {
		policy = *ho.policy
	}
	selector := waterfall.NewSelector(nil)

	var l Ledger = ledger
	if ho.ledger != nil {
		l = ho.ledger(ledger)
	}
	var s Scheduler = sched
	if ho.scheduler != nil {
		s = ho.scheduler(sched)
	}

	opts := append([]Option{WithClock(clock), WithSleep(noSleep)}, ho.opts...)
	orch := New(Deps{
		Scheduler:  s,
		Ledger:     l,
		Executors:  executor.NewRegistry(execs...),
		Selector:   selector,
		Escalation: waterfall.NewEscalation(policy, selector),
	}, opts...)
	return &harness{store: st, sched: sched, ledger: ledger, orch: orch}
}

func testVendor(id string) model.Vendor {
	return model.Vendor{
		ID:         id,
		Slug:       id,
		Name:       id,
		PricingURL: "https://" + id + ".example.com/pricing",
		Frequency:  model.FrequencyWeekly,
		Priority:   model.PriorityNormal,
		Active:     true,
	}
}

func (h *harness) seed(t *testing.T, vendors ...model.Vendor) {
	t.Helper()
	_, err := h.store.UpsertVendors(context.Background(), vendors)
	require.NoError(t, err)
}

func (h *harness) job(t *testing.T, vendorID string) model.ScrapeJob {
	t.Helper()
	job, err := h.sched.CreateJob(context.Background(), vendorID, scheduling.JobRequest{Source: model.SourceManual})
	require.NoError(t, err)
	return *job
}

func (h *harness) vendor(t *testing.T, id string) *model.Vendor {
	t.Helper()
	v, err := h.store.GetVendor(context.Background(), id)
	require.NoError(t, err)
	return v
}

func TestRunJob_SuccessWithFreeMethod(t *testing.T) {
	t.Parallel()
	pw := newScripted(model.MethodPlaywright, succeed(0))
	h := newHarness(t, harnessOpts{}, pw)
	h.seed(t, testVendor("acme"))

	out := h.orch.RunJob(context.Background(), h.job(t, "acme"))
	require.NoError(t, out.Err)
	assert.Equal(t, model.JobCompleted, out.Job.Status)
	assert.Equal(t, 1, out.Job.Attempts)
	assert.Zero(t, out.Job.TotalCost)
	require.Len(t, out.Results, 1)
	assert.Equal(t, model.MethodPlaywright, out.Results[0].Method)
	assert.Equal(t, out.Job.ID, out.Results[0].JobID)

	v := h.vendor(t, "acme")
	assert.Equal(t, model.MethodPlaywright, v.LastSuccessMethod)
	assert.Zero(t, v.ConsecutiveFailures)

	stored, err := h.store.GetJob(context.Background(), out.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, stored.Status)
}

func TestRunJob_RetriesThenEscalates(t *testing.T) {
	t.Parallel()
	pw := newScripted(model.MethodPlaywright, fail(true))
	fc := newScripted(model.MethodFirecrawl, succeed(0.01))
	h := newHarness(t, harnessOpts{}, pw, fc)
	h.seed(t, testVendor("acme"))

	out := h.orch.RunJob(context.Background(), h.job(t, "acme"))
	require.NoError(t, out.Err)
	assert.Equal(t, model.JobCompleted, out.Job.Status)
	assert.Equal(t, 3, pw.Calls(), "playwright retried up to its attempt limit")
	assert.Equal(t, 1, fc.Calls())
	assert.Equal(t, 4, out.Job.Attempts)
	assert.InDelta(t, 0.01, out.Job.TotalCost, 1e-9)
	assert.InDelta(t, 9.99, h.ledger.RemainingBudget(budget.Daily), 1e-9)

	v := h.vendor(t, "acme")
	assert.Equal(t, model.MethodFirecrawl, v.LastSuccessMethod)
	assert.Equal(t, 3, v.State(model.MethodPlaywright).ConsecutiveFailures)
	require.NotNil(t, v.State(model.MethodFirecrawl).LastEscalationAt)
}

func TestRunJob_EscalatesThroughFullChain(t *testing.T) {
	t.Parallel()
	pw := newScripted(model.MethodPlaywright, fail(true))
	fc := newScripted(model.MethodFirecrawl, fail(true))
	vi := newScripted(model.MethodVision, succeed(0.02))
	h := newHarness(t, harnessOpts{}, pw, fc, vi)
	h.seed(t, testVendor("acme"))

	job := h.job(t, "acme")
	require.Equal(t, waterfall.DefaultPolicy().AttemptBudget(), job.MaxAttempts)

	out := h.orch.RunJob(context.Background(), job)
	require.NoError(t, out.Err)
	assert.Equal(t, model.JobCompleted, out.Job.Status, out.Job.Reason)
	assert.Equal(t, 3, pw.Calls())
	assert.Equal(t, 2, fc.Calls())
	assert.Equal(t, 1, vi.Calls())
	assert.Equal(t, 6, out.Job.Attempts)
	require.Len(t, out.Results, 6)
	assert.Equal(t, model.MethodVision, out.Results[5].Method)
	assert.Equal(t, model.MethodVision, h.vendor(t, "acme").LastSuccessMethod)
}

func TestRunJob_ReconcilesSpendAboveReservation(t *testing.T) {
	t.Parallel()
	fc := newScripted(model.MethodFirecrawl, succeed(0.04))
	h := newHarness(t, harnessOpts{}, fc)
	v := testVendor("acme")
	v.PreferredMethods = []model.Method{model.MethodFirecrawl}
	h.seed(t, v)

	out := h.orch.RunJob(context.Background(), h.job(t, "acme"))
	require.NoError(t, out.Err)
	assert.Equal(t, model.JobCompleted, out.Job.Status)
	assert.InDelta(t, 0.04, out.Job.TotalCost, 1e-9)
	assert.InDelta(t, 9.96, h.ledger.RemainingBudget(budget.Daily), 1e-9)
	assert.Empty(t, out.Anomalies)
}

func TestRunJob_UnrecordedOverageIsAnomaly(t *testing.T) {
	t.Parallel()
	fc := newScripted(model.MethodFirecrawl, succeed(0.50))
	h := newHarness(t, harnessOpts{limits: budget.Limits{Daily: 0.2, Weekly: 50, Monthly: 100}}, fc)
	v := testVendor("acme")
	v.PreferredMethods = []model.Method{model.MethodFirecrawl}
	h.seed(t, v)

	out := h.orch.RunJob(context.Background(), h.job(t, "acme"))
	require.NoError(t, out.Err)
	assert.Equal(t, model.JobCompleted, out.Job.Status)
	require.Len(t, out.Anomalies, 1)
	assert.Contains(t, out.Anomalies[0], "unrecorded spend")
	assert.InDelta(t, 0.19, h.ledger.RemainingBudget(budget.Daily), 1e-9, "only the reservation is charged")
}

type rejectingLedger struct {
	*budget.Ledger
	err error
}

func (l rejectingLedger) Allocate(context.Context, model.Method, string, string, float64) (model.Allocation, error) {
	return model.Allocation{}, l.err
}

func TestRunJob_RejectedReservationFallsBackToFree(t *testing.T) {
	t.Parallel()
	pw := newScripted(model.MethodPlaywright, succeed(0))
	fc := newScripted(model.MethodFirecrawl, succeed(0.01))
	h := newHarness(t, harnessOpts{
		ledger: func(l *budget.Ledger) Ledger { return rejectingLedger{Ledger: l, err: budget.ErrBudgetRejected} },
	}, pw, fc)
	v := testVendor("acme")
	v.OverrideMethod = model.MethodFirecrawl
	h.seed(t, v)

	out := h.orch.RunJob(context.Background(), h.job(t, "acme"))
	require.NoError(t, out.Err)
	assert.Equal(t, model.JobCompleted, out.Job.Status)
	assert.Zero(t, fc.Calls(), "paid method never ran without a reservation")
	assert.Equal(t, 1, pw.Calls())
}

func TestRunJob_BudgetWriteFailureDeadLetters(t *testing.T) {
	t.Parallel()
	fc := newScripted(model.MethodFirecrawl, succeed(0.01))
	h := newHarness(t, harnessOpts{
		ledger: func(l *budget.Ledger) Ledger { return rejectingLedger{Ledger: l, err: budget.ErrBudgetWrite} },
	}, fc)
	v := testVendor("acme")
	v.OverrideMethod = model.MethodFirecrawl
	h.seed(t, v)

	out := h.orch.RunJob(context.Background(), h.job(t, "acme"))
	require.Error(t, out.Err)
	assert.ErrorIs(t, out.Err, budget.ErrBudgetWrite)
	assert.Equal(t, model.JobQueued, out.Job.Status)
	assert.Equal(t, model.SourceRetry, out.Job.Source)
	assert.Zero(t, fc.Calls())
	assert.Equal(t, 1, h.orch.DeadLetters())
}

func TestRunJob_TerminalFailure(t *testing.T) {
	t.Parallel()
	pw := newScripted(model.MethodPlaywright, terminal())
	fc := newScripted(model.MethodFirecrawl, succeed(0.01))
	h := newHarness(t, harnessOpts{}, pw, fc)
	h.seed(t, testVendor("acme"))

	out := h.orch.RunJob(context.Background(), h.job(t, "acme"))
	require.NoError(t, out.Err)
	assert.Equal(t, model.JobFailed, out.Job.Status)
	assert.Contains(t, out.Job.Reason, waterfall.ReasonTerminal)
	assert.Zero(t, fc.Calls(), "terminal errors never escalate")
	assert.False(t, out.Deactivated)

	v := h.vendor(t, "acme")
	assert.Equal(t, 1, v.ConsecutiveFailures)
	assert.True(t, v.Active)
}

func TestRunJob_CircuitBreakerDeactivatesVendor(t *testing.T) {
	t.Parallel()
	pw := newScripted(model.MethodPlaywright, terminal())
	h := newHarness(t, harnessOpts{}, pw)
	v := testVendor("acme")
	v.FailureThreshold = 1
	h.seed(t, v)

	out := h.orch.RunJob(context.Background(), h.job(t, "acme"))
	assert.Equal(t, model.JobFailed, out.Job.Status)
	assert.True(t, out.Deactivated)
	assert.False(t, h.vendor(t, "acme").Active)
}

func TestRunJob_PartialCompletesWithWarning(t *testing.T) {
	t.Parallel()
	pw := newScripted(model.MethodPlaywright, partial())
	fc := newScripted(model.MethodFirecrawl, succeed(0.01))
	h := newHarness(t, harnessOpts{}, pw, fc)
	h.seed(t, testVendor("acme"))

	out := h.orch.RunJob(context.Background(), h.job(t, "acme"))
	assert.Equal(t, model.JobCompleted, out.Job.Status)
	assert.Contains(t, out.Job.Warning, "partial data")
	assert.Zero(t, fc.Calls(), "partial results are accepted, not escalated")
}

func TestRunJob_SkippedWhenNothingAllowed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpts{})
	v := testVendor("acme")
	v.AllowedMethods = []model.Method{model.MethodVision}
	h.seed(t, v)

	job := h.job(t, "acme")
	job.AllowedMethods = []model.Method{model.MethodPlaywright}
	out := h.orch.RunJob(context.Background(), job)
	assert.Equal(t, model.JobSkipped, out.Job.Status)
	assert.Empty(t, out.Results)
}

func TestRunJob_MaxCostCeiling(t *testing.T) {
	t.Parallel()
	pw := newScripted(model.MethodPlaywright, succeed(0))
	vi := newScripted(model.MethodVision, succeed(0.02))
	h := newHarness(t, harnessOpts{}, pw, vi)
	v := testVendor("acme")
	v.PreferredMethods = []model.Method{model.MethodVision}
	h.seed(t, v)

	job := h.job(t, "acme")
	job.MaxCost = 0.01
	out := h.orch.RunJob(context.Background(), job)
	assert.Equal(t, model.JobCompleted, out.Job.Status)
	assert.Zero(t, vi.Calls())
	assert.Equal(t, 1, pw.Calls())
}

func TestRunJob_TimeoutIsRetryableFailure(t *testing.T) {
	t.Parallel()
	policy := waterfall.DefaultPolicy()
	mp := policy.Methods[model.MethodPlaywright]
	mp.Timeout = 20 * time.Millisecond
	mp.MaxAttempts = 1
	mp.MaxFailures = 1
	policy.Methods[model.MethodPlaywright] = mp

	pw := newScripted(model.MethodPlaywright, blockUntilDone(nil))
	h := newHarness(t, harnessOpts{policy: &policy}, pw)
	v := testVendor("acme")
	v.AllowedMethods = []model.Method{model.MethodPlaywright}
	h.seed(t, v)

	out := h.orch.RunJob(context.Background(), h.job(t, "acme"))
	assert.Equal(t, model.JobFailed, out.Job.Status)
	require.Len(t, out.Results, 1)
	res := out.Results[0]
	assert.Contains(t, res.ErrorMessage(), "timed out")
	assert.True(t, res.Error.ShouldRetry)
	assert.Contains(t, out.Job.Reason, waterfall.ReasonNoMethods)
}

func TestCancel_RunningJob(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	pw := newScripted(model.MethodPlaywright, blockUntilDone(started))
	policy := waterfall.DefaultPolicy()
	mp := policy.Methods[model.MethodPlaywright]
	mp.Timeout = 0
	policy.Methods[model.MethodPlaywright] = mp
	h := newHarness(t, harnessOpts{policy: &policy}, pw)
	h.seed(t, testVendor("acme"))
	job := h.job(t, "acme")

	done := make(chan JobOutcome, 1)
	go func() { done <- h.orch.RunJob(context.Background(), job) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("executor never started")
	}
	assert.True(t, h.orch.Cancel(context.Background(), job.ID, "operator"))

	select {
	case out := <-done:
		assert.Equal(t, model.JobCancelled, out.Job.Status)
		assert.Equal(t, 1, pw.Calls(), "no retry after cancellation")
	case <-time.After(5 * time.Second):
		t.Fatal("job did not stop after cancel")
	}
	assert.False(t, h.orch.Cancel(context.Background(), job.ID, ""), "finished job is no longer cancellable")
}

func TestCancel_QueuedJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpts{})
	h.seed(t, testVendor("acme"))
	job := h.job(t, "acme")
	require.NoError(t, h.orch.Queue().Enqueue(job))

	assert.True(t, h.orch.Cancel(context.Background(), job.ID, "operator"))
	assert.Zero(t, h.orch.Queue().Len())

	stored, err := h.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, stored.Status)
}

func TestSubmit(t *testing.T) {
	t.Parallel()
	pw := newScripted(model.MethodPlaywright, succeed(0))
	h := newHarness(t, harnessOpts{}, pw)
	h.seed(t, testVendor("acme"))

	out, ok := <-h.orch.Submit(context.Background(), h.job(t, "acme"))
	require.True(t, ok)
	assert.Equal(t, model.JobCompleted, out.Job.Status)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out = <-h.orch.Submit(ctx, h.job(t, "acme"))
	assert.Equal(t, model.JobCancelled, out.Job.Status)
}

func TestRunBatch(t *testing.T) {
	t.Parallel()
	pw := newScripted(model.MethodPlaywright, func(ctx context.Context, v model.Vendor) model.ScrapeResult {
		if v.ID == "broken" {
			return terminal()(ctx, v)
		}
		return succeed(0)(ctx, v)
	})
	h := newHarness(t, harnessOpts{opts: []Option{WithConcurrency(2)}}, pw)

	bad := testVendor("badurl")
	bad.PricingURL = "ftp://nope"
	recent := testVendor("recent")
	h.seed(t, testVendor("acme"), testVendor("globex"), testVendor("broken"), bad, recent)
	scraped := t0.Add(-time.Hour)
	rv := h.vendor(t, "recent")
	rv.LastScrapedAt = &scraped
	require.NoError(t, h.store.UpdateVendorStatus(context.Background(), *rv))

	s, err := h.orch.RunBatch(context.Background(), BatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.SourceScheduled, s.Source)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.Completed)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.AdmissionFailures)
	assert.Zero(t, s.Unprocessed)
	assert.InDelta(t, 2.0/3.0, s.SuccessRate, 1e-9)
	assert.Equal(t, 3, s.ByMethod[model.MethodPlaywright].Attempts)
	assert.Len(t, s.Jobs, 3)
	assert.Contains(t, s.BudgetRemaining, "daily")

	logs, err := h.store.ListCronLogs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.CronPartial, logs[0].Status)
	assert.Equal(t, CronEndpoint, logs[0].Endpoint)
}

func TestRunBatch_ConcurrencyCap(t *testing.T) {
	t.Parallel()
	var inFlight, peak atomic.Int32
	pw := newScripted(model.MethodPlaywright, tracked(&inFlight, &peak, 20*time.Millisecond))
	h := newHarness(t, harnessOpts{opts: []Option{WithConcurrency(2)}}, pw)
	for i := range 8 {
		h.seed(t, testVendor(fmt.Sprintf("vendor%d", i)))
	}

	s, err := h.orch.RunBatch(context.Background(), BatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 8, s.Total)
	assert.Equal(t, 8, s.Completed)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Positive(t, peak.Load())
}

func TestRunBatch_TimeoutLeavesJobsQueued(t *testing.T) {
	t.Parallel()
	var inFlight, peak atomic.Int32
	pw := newScripted(model.MethodPlaywright, tracked(&inFlight, &peak, 200*time.Millisecond))
	h := newHarness(t, harnessOpts{opts: []Option{WithConcurrency(1), WithBatchTimeout(20 * time.Millisecond)}}, pw)
	h.seed(t, testVendor("acme"), testVendor("globex"), testVendor("initech"))

	s, err := h.orch.RunBatch(context.Background(), BatchOptions{})
	require.NoError(t, err)
	assert.True(t, s.TimedOut)
	assert.GreaterOrEqual(t, s.Unprocessed, 2)
	assert.Equal(t, 3, s.Completed+s.Unprocessed, "started jobs finish, the rest wait")
	assert.Equal(t, s.Unprocessed, h.orch.Queue().Len())

	logs, err := h.store.ListCronLogs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.CronPartial, logs[0].Status)
}

type brokenScheduler struct {
	Scheduler
}

func (brokenScheduler) GetVendorsForScheduledScrape(context.Context, int) ([]model.Vendor, error) {
	return nil, errors.New("database is unreachable")
}

func TestRunBatch_FailsToStart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpts{
		scheduler: func(s *scheduling.Service) Scheduler { return brokenScheduler{Scheduler: s} },
	})

	s, err := h.orch.RunBatch(context.Background(), BatchOptions{})
	require.Error(t, err)
	assert.Nil(t, s)

	logs, err := h.store.ListCronLogs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.CronError, logs[0].Status)
	assert.Contains(t, logs[0].ErrorMessage, "database is unreachable")
}

// flakyScheduler fails the first n job completions.
type flakyScheduler struct {
	Scheduler
	mu sync.Mutex
	n  int
}

func (f *flakyScheduler) CompleteJob(ctx context.Context, job model.ScrapeJob) error {
	f.mu.Lock()
	fail := f.n > 0
	f.n--
	f.mu.Unlock()
	if fail {
		return resilience.NewTransientError(errors.New("connection reset"), 0)
	}
	return f.Scheduler.CompleteJob(ctx, job)
}

func TestRunBatch_RetriesDeadLetters(t *testing.T) {
	t.Parallel()
	pw := newScripted(model.MethodPlaywright, succeed(0))
	h := newHarness(t, harnessOpts{
		scheduler: func(s *scheduling.Service) Scheduler { return &flakyScheduler{Scheduler: s, n: 1} },
	}, pw)
	h.seed(t, testVendor("acme"))

	first, err := h.orch.RunBatch(context.Background(), BatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, first.PersistenceFailures)
	assert.Equal(t, 1, h.orch.DeadLetters())

	second, err := h.orch.RunBatch(context.Background(), BatchOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, second.Total, "only the dead-lettered job runs; the vendor is no longer due")
	assert.Equal(t, 1, second.Completed)
	assert.Zero(t, h.orch.DeadLetters())
	assert.Equal(t, first.Jobs[0].JobID, second.Jobs[0].JobID)
}
