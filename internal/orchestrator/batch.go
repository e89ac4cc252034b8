package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/price-scraper/internal/budget"
	"github.com/sells-group/price-scraper/internal/model"
	"github.com/sells-group/price-scraper/internal/queue"
)

// BatchOptions tunes one batch run. Zero values take the orchestrator's
// defaults.
type BatchOptions struct {
	Source     string
	Endpoint   string
	MaxVendors int
	Timeout    time.Duration
}

// RunBatch runs one scheduled batch: retry dead letters, expire stale
// queued jobs, queue every due vendor and drain the queue with the worker
// pool until it is empty or the batch timeout passes. Jobs still running at
// the timeout finish; nothing new is dequeued. The session is always
// logged. Only a failure to load due vendors is returned as an error.
func (o *Orchestrator) RunBatch(ctx context.Context, opts BatchOptions) (*model.ScrapeSession, error) {
	if opts.Source == "" {
		opts.Source = model.SourceScheduled
	}
	if opts.Endpoint == "" {
		opts.Endpoint = CronEndpoint
	}
	if opts.MaxVendors <= 0 {
		opts.MaxVendors = o.maxVendors
	}
	if opts.Timeout <= 0 {
		opts.Timeout = o.batchTimeout
	}

	sess := newSessionBuilder(opts.Source, o.nowFunc())
	log := zap.L().With(zap.String("session_id", sess.s.ID), zap.String("source", opts.Source))
	log.Info("batch started", zap.Int("max_vendors", opts.MaxVendors), zap.Duration("timeout", opts.Timeout))

	o.requeueDeadLetters(ctx, sess)
	for _, job := range o.queue.Sweep() {
		now := o.nowFunc()
		job.CompletedAt = &now
		sess.add(JobOutcome{Job: job})
		if err := o.sched.CompleteJob(ctx, job); err != nil {
			log.Warn("could not persist expired job", zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	vendors, err := o.sched.GetVendorsForScheduledScrape(ctx, opts.MaxVendors)
	if err != nil {
		err = eris.Wrap(err, "orchestrator: load due vendors")
		if lerr := o.sched.LogCronExecution(ctx, opts.Endpoint, model.CronError, nil, err.Error()); lerr != nil {
			log.Error("could not log cron execution", zap.Error(lerr))
		}
		log.Error("batch could not start", zap.Error(err))
		return nil, err
	}

	for _, qr := range o.sched.QueueScrapeJobs(ctx, vendors, opts.Source) {
		if !qr.Success {
			sess.admissionFailure(fmt.Sprintf("vendor %s: %s", qr.VendorID, qr.Error))
			continue
		}
		if err := o.queue.Enqueue(qr.Job); err != nil {
			sess.admissionFailure(fmt.Sprintf("vendor %s: %v", qr.VendorID, err))
			if errors.Is(err, queue.ErrQueueFull) {
				o.rejectJob(ctx, qr.Job, "queue full")
			}
		}
	}

	bctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(bctx)
	for i := 0; i < o.concurrency; i++ {
		g.Go(func() error {
			o.work(ctx, gctx, sess)
			return nil
		})
	}
	_ = g.Wait()

	timedOut := errors.Is(bctx.Err(), context.DeadlineExceeded)
	s := sess.finalize(o.nowFunc(), o.queue.Len(), timedOut, o.ledger.Remaining())

	status := model.CronSuccess
	if s.Failed > 0 || s.AdmissionFailures > 0 || s.PersistenceFailures > 0 || s.TimedOut {
		status = model.CronPartial
	}
	if err := o.sched.LogCronExecution(context.WithoutCancel(ctx), opts.Endpoint, status, s, ""); err != nil {
		log.Error("could not log cron execution", zap.Error(err))
	}

	log.Info("batch finished",
		zap.Int("total", s.Total),
		zap.Int("completed", s.Completed),
		zap.Int("partial", s.Partial),
		zap.Int("failed", s.Failed),
		zap.Int("skipped", s.Skipped),
		zap.Int("unprocessed", s.Unprocessed),
		zap.Float64("total_cost", s.TotalCost),
		zap.Float64("success_rate", s.SuccessRate),
		zap.Bool("timed_out", s.TimedOut),
		zap.Int64("duration_ms", s.DurationMs),
	)
	return s, nil
}

// work dequeues until the queue is drained or dispatch stops. Jobs run on
// ctx so a dispatch timeout does not cut an attempt short.
func (o *Orchestrator) work(ctx, dispatch context.Context, sess *sessionBuilder) {
	for dispatch.Err() == nil {
		if err := o.sem.Acquire(dispatch, 1); err != nil {
			return
		}
		job, ok := o.queue.Dequeue()
		if !ok {
			o.sem.Release(1)
			return
		}
		out := o.RunJob(ctx, job)
		o.sem.Release(1)
		sess.add(out)
	}
}

// Submit runs job asynchronously under the shared concurrency limit. The
// channel receives exactly one outcome and is then closed.
func (o *Orchestrator) Submit(ctx context.Context, job model.ScrapeJob) <-chan JobOutcome {
	ch := make(chan JobOutcome, 1)
	go func() {
		defer close(ch)
		err := ctx.Err()
		if err == nil {
			err = o.sem.Acquire(ctx, 1)
		}
		if err != nil {
			out := JobOutcome{Job: job}
			now := o.nowFunc()
			out.Job.Status = model.JobCancelled
			out.Job.Reason = "cancelled before start"
			out.Job.CompletedAt = &now
			if err := o.sched.CompleteJob(context.WithoutCancel(ctx), out.Job); err != nil {
				o.deadLetter(&out, err)
			}
			ch <- out
			return
		}
		defer o.sem.Release(1)
		ch <- o.RunJob(ctx, job)
	}()
	return ch
}

func (o *Orchestrator) requeueDeadLetters(ctx context.Context, sess *sessionBuilder) {
	retry, dropped := o.dead.Drain()
	for _, d := range dropped {
		msg := fmt.Sprintf("job %s for %s dropped after %d persistence retries: %s", d.Job.ID, d.Job.VendorID, d.RetryCount, d.Error)
		sess.anomaly(msg)
		zap.L().Error("dead letter dropped", zap.String("job_id", d.Job.ID), zap.String("error", d.Error))
	}
	for _, d := range retry {
		if err := o.queue.Enqueue(d.Job); err != nil {
			sess.admissionFailure(fmt.Sprintf("retry of job %s: %v", d.Job.ID, err))
			o.dead.Add(d.Job, err, o.nowFunc())
		}
	}
	if len(retry) > 0 {
		zap.L().Info("re-enqueued dead-lettered jobs", zap.Int("count", len(retry)))
	}
}

func (o *Orchestrator) rejectJob(ctx context.Context, job model.ScrapeJob, reason string) {
	now := o.nowFunc()
	job.Status = model.JobCancelled
	job.Reason = reason
	job.CompletedAt = &now
	if err := o.sched.CompleteJob(ctx, job); err != nil {
		zap.L().Warn("could not persist rejected job", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// sessionBuilder accumulates job outcomes from concurrent workers.
type sessionBuilder struct {
	mu sync.Mutex
	s  *model.ScrapeSession
}

func newSessionBuilder(source string, started time.Time) *sessionBuilder {
	return &sessionBuilder{s: &model.ScrapeSession{
		ID:        uuid.NewString(),
		Source:    source,
		StartedAt: started,
		ByMethod:  make(map[model.Method]model.MethodStats),
		Jobs:      []model.JobSummary{},
	}}
}

func (b *sessionBuilder) add(out JobOutcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.s

	s.Total++
	if out.Err != nil {
		s.PersistenceFailures++
	}
	switch out.Job.Status {
	case model.JobCompleted:
		if last := out.LastResult(); last != nil && last.Status == model.ResultPartial {
			s.Partial++
		} else {
			s.Completed++
		}
	case model.JobFailed:
		s.Failed++
	case model.JobSkipped:
		s.Skipped++
	case model.JobCancelled:
		s.Cancelled++
	}

	for _, r := range out.Results {
		st := s.ByMethod[r.Method]
		st.Attempts++
		switch r.Status {
		case model.ResultSuccess, model.ResultPartial, model.ResultPending:
			st.Successes++
		default:
			st.Failures++
		}
		st.Cost += r.ActualCost
		s.ByMethod[r.Method] = st
	}
	s.TotalCost += out.Job.TotalCost
	s.Anomalies = append(s.Anomalies, out.Anomalies...)

	sum := model.JobSummary{
		JobID:    out.Job.ID,
		VendorID: out.Job.VendorID,
		Status:   out.Job.Status,
		Cost:     out.Job.TotalCost,
		Attempts: out.Job.Attempts,
		Warning:  out.Job.Warning,
		Error:    out.Job.Reason,
	}
	if last := out.LastResult(); last != nil {
		sum.Method = last.Method
	}
	if out.Err != nil {
		sum.Error = out.Err.Error()
	}
	s.Jobs = append(s.Jobs, sum)
}

func (b *sessionBuilder) admissionFailure(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.s.AdmissionFailures++
	b.s.Anomalies = append(b.s.Anomalies, msg)
}

func (b *sessionBuilder) anomaly(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.s.Anomalies = append(b.s.Anomalies, msg)
}

func (b *sessionBuilder) finalize(now time.Time, unprocessed int, timedOut bool, remaining map[budget.Period]float64) *model.ScrapeSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.s

	s.FinishedAt = now
	s.DurationMs = now.Sub(s.StartedAt).Milliseconds()
	s.Unprocessed = unprocessed
	s.TimedOut = timedOut
	if processed := s.Completed + s.Partial + s.Failed; processed > 0 {
		s.SuccessRate = float64(s.Completed+s.Partial) / float64(processed)
	}
	s.BudgetRemaining = make(map[string]float64, len(remaining))
	for p, v := range remaining {
		s.BudgetRemaining[string(p)] = v
	}
	return s
}
