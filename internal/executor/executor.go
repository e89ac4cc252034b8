// Package executor runs a single scrape attempt with one method. Executors
// never return Go errors: every failure is reported as a failed
// ScrapeResult so the orchestrator can apply the escalation policy.
package executor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/price-scraper/internal/model"
	"github.com/sells-group/price-scraper/internal/resilience"
)

// Executor performs one attempt with one method.
type Executor interface {
	Method() model.Method
	Execute(ctx context.Context, v model.Vendor) model.ScrapeResult
}

// Registry maps methods to executors.
type Registry struct {
	executors map[model.Method]Executor
}

// NewRegistry creates a registry from execs. A later executor for the same
// method replaces an earlier one.
func NewRegistry(execs ...Executor) *Registry {
	r := &Registry{executors: make(map[model.Method]Executor, len(execs))}
	for _, e := range execs {
		r.Register(e)
	}
	return r
}

// Register adds or replaces the executor for e.Method().
func (r *Registry) Register(e Executor) {
	r.executors[e.Method()] = e
}

// Get returns the executor for m.
func (r *Registry) Get(m model.Method) (Executor, bool) {
	e, ok := r.executors[m]
	return e, ok
}

// Methods returns the registered methods in escalation order.
func (r *Registry) Methods() []model.Method {
	out := make([]model.Method, 0, len(r.executors))
	for m := range r.executors {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank() < out[j].Rank() })
	return out
}

// Guard wraps every registered executor with the breaker named after its
// method.
func (r *Registry) Guard(breakers *resilience.Breakers) {
	for m, e := range r.executors {
		r.executors[m] = Guarded(e, breakers.Get(string(m)))
	}
}

// Run executes v with method m. An unregistered method yields a terminal
// failure; a panicking executor yields a retryable one.
func (r *Registry) Run(ctx context.Context, m model.Method, v model.Vendor) (res model.ScrapeResult) {
	started := time.Now()
	e, ok := r.Get(m)
	if !ok {
		res = model.Failed(v.ID, m, started, fmt.Sprintf("no executor registered for method %s", m), false)
		res.Error.Terminal = true
		return res
	}

	defer func() {
		if p := recover(); p != nil {
			zap.L().Error("executor panic",
				zap.String("vendor_id", v.ID),
				zap.String("method", string(m)),
				zap.Any("panic", p),
			)
			res = model.Failed(v.ID, m, started, fmt.Sprintf("executor panic: %v", p), true)
		}
	}()
	return e.Execute(ctx, v)
}

type guarded struct {
	Executor
	cb *resilience.CircuitBreaker
}

// Guarded short-circuits exec to a retryable failure while cb is open.
// Terminal failures describe the vendor's page, not the backend, and do not
// count against the breaker.
func Guarded(exec Executor, cb *resilience.CircuitBreaker) Executor {
	return &guarded{Executor: exec, cb: cb}
}

func (g *guarded) Execute(ctx context.Context, v model.Vendor) model.ScrapeResult {
	started := time.Now()
	if err := g.cb.Allow(); err != nil {
		return failure(v, g.Method(), started, 0, err, true)
	}
	res := g.Executor.Execute(ctx, v)
	g.cb.Record(res.Status != model.ResultFailed || (res.Error != nil && res.Error.Terminal))
	return res
}

func finished(v model.Vendor, m model.Method, started time.Time, cost float64) model.ScrapeResult {
	now := time.Now()
	return model.ScrapeResult{
		VendorID:    v.ID,
		Method:      m,
		StartedAt:   started,
		CompletedAt: now,
		DurationMs:  now.Sub(started).Milliseconds(),
		ActualCost:  cost,
	}
}

// failure builds a failed result, classifying err through resilience.
func failure(v model.Vendor, m model.Method, started time.Time, cost float64, err error, retryByDefault bool) model.ScrapeResult {
	res := finished(v, m, started, cost)
	res.Status = model.ResultFailed
	res.Error = resilience.ScrapeError(err, retryByDefault)
	if be, ok := asBlocked(err); ok && !res.Error.Terminal {
		res.Error.ShouldRetry = false
		res.Error.SuggestedMethod = be.Suggested()
	}
	return res
}

// extracted classifies data and builds the matching result.
func extracted(v model.Vendor, m model.Method, started time.Time, cost float64, data *model.PricingData, minConfidence float64) model.ScrapeResult {
	res := finished(v, m, started, cost)
	status, reason := Classify(data, minConfidence)
	res.Status = status
	switch status {
	case model.ResultFailed:
		res.Error = &model.ScrapeError{Message: reason, ShouldRetry: true}
	case model.ResultPartial:
		res.Data = data
		res.Error = &model.ScrapeError{Message: reason}
	default:
		res.Data = data
	}
	return res
}
