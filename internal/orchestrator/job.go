package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/price-scraper/internal/budget"
	"github.com/sells-group/price-scraper/internal/model"
	"github.com/sells-group/price-scraper/internal/store"
	"github.com/sells-group/price-scraper/internal/waterfall"
)

// JobOutcome is the result of running one job.
type JobOutcome struct {
	Job model.ScrapeJob `json:"job"`
	// Results holds every attempt in order.
	Results     []model.ScrapeResult `json:"results"`
	Deactivated bool                 `json:"deactivated,omitempty"`
	Anomalies   []string             `json:"anomalies,omitempty"`
	// Err is set when the outcome could not be persisted. The job is then
	// queued for a retry by the next batch.
	Err error `json:"-"`
}

// ErrorMessage returns the persistence error message or "".
func (out *JobOutcome) ErrorMessage() string {
	if out.Err == nil {
		return ""
	}
	return out.Err.Error()
}

// LastResult returns the final attempt, or nil if nothing ran.
func (out *JobOutcome) LastResult() *model.ScrapeResult {
	if len(out.Results) == 0 {
		return nil
	}
	return &out.Results[len(out.Results)-1]
}

type jobRun struct {
	o      *Orchestrator
	out    *JobOutcome
	vendor *model.Vendor
	budget jobBudget
	log    *zap.Logger
}

// RunJob drives job from selection to a terminal state. Attempts run
// strictly one after another. Per-attempt failures are data on the outcome;
// only persistence failures set Err.
func (o *Orchestrator) RunJob(ctx context.Context, job model.ScrapeJob) JobOutcome {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.track(job.ID, cancel)
	defer o.untrack(job.ID)

	out := JobOutcome{Job: job}
	log := zap.L().With(
		zap.String("job_id", job.ID),
		zap.String("vendor_id", job.VendorID),
		zap.String("source", job.Source),
	)

	v, err := o.sched.GetVendor(ctx, job.VendorID)
	if err != nil {
		if ctx.Err() != nil {
			o.finish(ctx, &out, model.JobCancelled, "cancelled")
			return out
		}
		if errors.Is(err, store.ErrVendorNotFound) {
			o.finish(ctx, &out, model.JobFailed, "vendor not found")
			return out
		}
		o.deadLetter(&out, eris.Wrap(err, "orchestrator: load vendor"))
		return out
	}

	now := o.nowFunc()
	out.Job.Status = model.JobRunning
	out.Job.StartedAt = &now
	if err := o.sched.StartJob(ctx, out.Job); err != nil {
		log.Warn("could not persist job start", zap.Error(err))
	}

	r := &jobRun{o: o, out: &out, vendor: v, log: log}
	r.budget = jobBudget{Ledger: o.ledger, job: &out.Job}
	r.run(ctx)
	return out
}

func (r *jobRun) run(ctx context.Context) {
	o, v, out := r.o, r.vendor, r.out

	allowed, ok := narrowMethods(v.AllowedMethods, out.Job.AllowedMethods)
	if !ok {
		r.log.Info("job skipped: no method allowed by both vendor and job")
		o.finish(ctx, out, model.JobSkipped, "no allowed method")
		return
	}
	v.AllowedMethods = allowed

	m, ok := o.selector.Select(*v, r.budget)
	if !ok {
		r.log.Info("job skipped: no usable method")
		o.finish(ctx, out, model.JobSkipped, "no usable method")
		return
	}

	attempts := make(map[model.Method]int)
	for {
		if ctx.Err() != nil {
			r.cancelled(ctx)
			return
		}
		if out.Job.MaxAttempts > 0 && out.Job.Attempts >= out.Job.MaxAttempts {
			r.failed(ctx, fmt.Sprintf("attempt budget of %d exhausted", out.Job.MaxAttempts))
			return
		}

		if !o.free(m) && !r.budget.CanAfford(m) {
			next, ok := o.selector.Select(*v, r.budget)
			if !ok {
				o.finish(ctx, out, model.JobSkipped, "no usable method")
				return
			}
			r.log.Info("method no longer affordable, re-resolved",
				zap.String("method", string(m)), zap.String("next", string(next)))
			m = next
		}

		reserved, next, err := r.reserve(ctx, m)
		if err != nil {
			o.deadLetter(out, err)
			return
		}
		if next != m {
			if next == "" {
				o.finish(ctx, out, model.JobSkipped, "budget exhausted for every allowed method")
				return
			}
			m = next
			continue
		}

		out.Job.Attempts++
		attempts[m]++
		res := r.execute(ctx, m)
		r.reconcile(ctx, m, reserved, &res)
		out.Results = append(out.Results, res)
		out.Job.Result = &out.Results[len(out.Results)-1]

		if err := o.sched.RecordResult(context.WithoutCancel(ctx), res); err != nil {
			o.deadLetter(out, err)
			return
		}

		switch res.Status {
		case model.ResultSuccess:
			o.escalation.OnSuccess(v, m)
			r.succeeded(ctx, m, "")
			return
		case model.ResultPartial:
			o.escalation.OnSuccess(v, m)
			r.succeeded(ctx, m, "partial data: "+res.ErrorMessage())
			return
		case model.ResultPending:
			r.pending(ctx, res.ErrorMessage())
			return
		}

		if ctx.Err() != nil {
			r.cancelled(ctx)
			return
		}
		d := o.escalation.OnFailure(v, m, res.Error, attempts[m], r.budget, o.nowFunc())
		switch d.Action {
		case waterfall.ActionRetry:
			if err := o.sleep(ctx, d.Delay); err != nil {
				r.cancelled(ctx)
				return
			}
		case waterfall.ActionEscalate:
			m = d.Method
		default:
			r.failed(ctx, fmt.Sprintf("%s: %s", d.Reason, res.ErrorMessage()))
			return
		}
	}
}

// reserve commits the table cost of a paid method before it runs. When
// the ledger rejects it, next is the method to fall back to ("" when none
// remains). err is a persistence failure.
func (r *jobRun) reserve(ctx context.Context, m model.Method) (reserved float64, next model.Method, err error) {
	o, v := r.o, r.vendor
	price := o.ledger.MethodCost(m)
	if price <= 0 {
		return 0, m, nil
	}

	alloc, err := o.ledger.Allocate(ctx, m, v.ID, r.out.Job.ID, price)
	switch {
	case err == nil:
		return alloc.Cost, m, nil
	case errors.Is(err, budget.ErrBudgetRejected):
		fallback, ok := o.selector.Select(*v, r.budget)
		if !ok || fallback == m {
			fallback = ""
			if m != model.MethodPlaywright && v.Allows(model.MethodPlaywright) {
				fallback = model.MethodPlaywright
			}
		}
		r.log.Info("reservation rejected, falling back",
			zap.String("method", string(m)),
			zap.String("fallback", string(fallback)),
		)
		return 0, fallback, nil
	default:
		return 0, m, eris.Wrap(err, "orchestrator: budget write failure")
	}
}

// execute runs one attempt under the method's timeout. A timeout is a
// retryable failure.
func (r *jobRun) execute(ctx context.Context, m model.Method) model.ScrapeResult {
	o := r.o
	timeout := o.escalation.Policy().Method(m).Timeout
	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	r.log.Debug("executing", zap.String("method", string(m)), zap.Int("attempt", r.out.Job.Attempts))
	res := o.executors.Run(actx, m, *r.vendor)
	res.JobID = r.out.Job.ID
	res.VendorID = r.vendor.ID
	res.Method = m

	if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil && res.Status == model.ResultFailed {
		res.Error = &model.ScrapeError{
			Message:     fmt.Sprintf("%s attempt timed out after %s", m, timeout),
			ShouldRetry: true,
		}
	}
	return res
}

// reconcile charges actual spend above the reservation. A rejected
// top-up is recorded as an anomaly; the executor already ran.
func (r *jobRun) reconcile(ctx context.Context, m model.Method, reserved float64, res *model.ScrapeResult) {
	o, out := r.o, r.out
	spent := reserved
	if res.ActualCost > spent {
		spent = res.ActualCost
	}
	out.Job.TotalCost += spent

	extra := res.ActualCost - reserved
	if budget.ToMicros(extra) <= 0 {
		return
	}
	if _, err := o.ledger.Allocate(ctx, m, r.vendor.ID, out.Job.ID, extra); err != nil {
		msg := fmt.Sprintf("unrecorded spend $%.4f for %s on %s: %v", extra, r.vendor.ID, m, err)
		out.Anomalies = append(out.Anomalies, msg)
		r.log.Warn("cost reconciliation failed, spend is sunk",
			zap.String("method", string(m)),
			zap.Float64("reserved", reserved),
			zap.Float64("actual", res.ActualCost),
			zap.Error(err),
		)
	}
}

func (r *jobRun) succeeded(ctx context.Context, m model.Method, warning string) {
	out := r.out
	if _, err := r.o.sched.UpdateVendorScrapeStatus(context.WithoutCancel(ctx), r.vendor, true, m, ""); err != nil {
		r.o.deadLetter(out, err)
		return
	}
	out.Job.Warning = warning
	r.o.finish(ctx, out, model.JobCompleted, "")
}

// pending leaves the vendor waiting on manual review. It is stamped as
// scraped so the schedule does not file another request.
func (r *jobRun) pending(ctx context.Context, msg string) {
	now := r.o.nowFunc()
	r.vendor.LastScrapedAt = &now
	if err := r.o.sched.SaveVendorMethodState(context.WithoutCancel(ctx), *r.vendor); err != nil {
		r.o.deadLetter(r.out, err)
		return
	}
	r.out.Job.Warning = msg
	r.o.finish(ctx, r.out, model.JobCompleted, "")
}

func (r *jobRun) failed(ctx context.Context, reason string) {
	out := r.out
	var method model.Method
	if last := out.LastResult(); last != nil {
		method = last.Method
	}
	deactivated, err := r.o.sched.UpdateVendorScrapeStatus(context.WithoutCancel(ctx), r.vendor, false, method, reason)
	if err != nil {
		r.o.deadLetter(out, err)
		return
	}
	out.Deactivated = deactivated
	r.log.Info("job failed", zap.String("reason", reason), zap.Bool("vendor_deactivated", deactivated))
	r.o.finish(ctx, out, model.JobFailed, reason)
}

func (r *jobRun) cancelled(ctx context.Context) {
	if err := r.o.sched.SaveVendorMethodState(context.WithoutCancel(ctx), *r.vendor); err != nil {
		r.log.Warn("could not persist method state of cancelled job", zap.Error(err))
	}
	r.o.finish(ctx, r.out, model.JobCancelled, "cancelled")
}

// finish persists the terminal job state. Persistence outlives
// cancellation of ctx.
func (o *Orchestrator) finish(ctx context.Context, out *JobOutcome, status model.JobStatus, reason string) {
	now := o.nowFunc()
	out.Job.Status = status
	out.Job.CompletedAt = &now
	if reason != "" {
		out.Job.Reason = reason
	}
	if err := o.sched.CompleteJob(context.WithoutCancel(ctx), out.Job); err != nil {
		o.deadLetter(out, err)
		return
	}
	o.dead.Resolve(out.Job.ID)
}

// deadLetter records a persistence failure. The job goes back to queued
// with source retry and is re-enqueued by the next batch.
func (o *Orchestrator) deadLetter(out *JobOutcome, err error) {
	out.Err = err
	retry := out.Job
	retry.Status = model.JobQueued
	retry.Source = model.SourceRetry
	retry.Attempts = 0
	retry.TotalCost = 0
	retry.Result = nil
	retry.StartedAt = nil
	retry.CompletedAt = nil
	retry.ScheduledFor = time.Time{}
	retry.CreatedAt = time.Time{}
	out.Job.Status = model.JobQueued
	out.Job.Source = model.SourceRetry

	e := o.dead.Add(retry, err, o.nowFunc())
	zap.L().Error("job outcome not persisted, dead-lettered",
		zap.String("job_id", out.Job.ID),
		zap.String("vendor_id", out.Job.VendorID),
		zap.Int("retry_count", e.RetryCount),
		zap.Error(err),
	)
}

func (o *Orchestrator) free(m model.Method) bool {
	return o.ledger.MethodCost(m) <= 0
}
