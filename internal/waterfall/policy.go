package waterfall

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/price-scraper/internal/budget"
	"github.com/sells-group/price-scraper/internal/config"
	"github.com/sells-group/price-scraper/internal/model"
	"github.com/sells-group/price-scraper/internal/resilience"
)

// MethodPolicy is the retry and escalation configuration for one method.
type MethodPolicy struct {
	// MaxFailures is the consecutive-failure count at which the vendor
	// escalates away from this method.
	MaxFailures int
	// MaxAttempts caps attempts with this method within one job.
	MaxAttempts int
	Backoff     resilience.Backoff
	// Timeout bounds a single attempt. Zero means no timeout.
	Timeout time.Duration
	// Minimum is the remaining budget required in each period before
	// escalating into this method.
	Minimum map[budget.Period]float64
}

// Policy holds the per-method table plus vendor-wide limits.
type Policy struct {
	Methods map[model.Method]MethodPolicy
	// Cooldown spaces escalation attempts into the same method for one
	// vendor.
	Cooldown time.Duration
	// CircuitBreakerThreshold deactivates a vendor after this many
	// consecutive failed jobs.
	CircuitBreakerThreshold int
}

// DefaultPolicy returns the production retry/escalation table.
func DefaultPolicy() Policy {
	return Policy{
		Methods: map[model.Method]MethodPolicy{
			model.MethodPlaywright: {
				MaxFailures: 3,
				MaxAttempts: 3,
				Backoff:     resilience.Backoff{Initial: 2 * time.Second, Multiplier: 2},
				Timeout:     30 * time.Second,
			},
			model.MethodFirecrawl: {
				MaxFailures: 2,
				MaxAttempts: 2,
				Backoff:     resilience.Backoff{Initial: time.Second, Multiplier: 1.5},
				Timeout:     45 * time.Second,
				Minimum:     map[budget.Period]float64{budget.Daily: 0.10, budget.Weekly: 0.50, budget.Monthly: 2.00},
			},
			model.MethodVision: {
				MaxFailures: 1,
				MaxAttempts: 1,
				Timeout:     60 * time.Second,
				Minimum:     map[budget.Period]float64{budget.Daily: 0.25, budget.Weekly: 1.00, budget.Monthly: 5.00},
			},
			model.MethodManual: {
				MaxFailures: 1,
				MaxAttempts: 1,
			},
		},
		Cooldown:                24 * time.Hour,
		CircuitBreakerThreshold: model.DefaultFailureThreshold,
	}
}

// PolicyFromConfig overlays configured values on DefaultPolicy.
func PolicyFromConfig(cfg config.EscalationConfig) Policy {
	p := DefaultPolicy()
	if cfg.CooldownHours > 0 {
		p.Cooldown = cfg.Cooldown()
	}
	if cfg.CircuitBreakerThreshold > 0 {
		p.CircuitBreakerThreshold = cfg.CircuitBreakerThreshold
	}
	for _, m := range model.MethodOrder {
		mp := p.Methods[m]
		if n, ok := cfg.MaxFailures[string(m)]; ok && n > 0 {
			mp.MaxFailures = n
		}
		if r, ok := cfg.Retry[string(m)]; ok {
			if r.MaxAttempts > 0 {
				mp.MaxAttempts = r.MaxAttempts
			}
			if r.InitialBackoffMs > 0 {
				mp.Backoff.Initial = time.Duration(r.InitialBackoffMs) * time.Millisecond
			}
			if r.Multiplier > 0 {
				mp.Backoff.Multiplier = r.Multiplier
			}
			if r.TimeoutSecs > 0 {
				mp.Timeout = time.Duration(r.TimeoutSecs) * time.Second
			}
		}
		if mn, ok := cfg.Minimums[string(m)]; ok {
			mp.Minimum = map[budget.Period]float64{
				budget.Daily:   mn.Daily,
				budget.Weekly:  mn.Weekly,
				budget.Monthly: mn.Monthly,
			}
		}
		p.Methods[m] = mp
	}
	return p
}

// Method returns the policy for m, or a single-attempt policy if unknown.
func (p Policy) Method(m model.Method) MethodPolicy {
	if mp, ok := p.Methods[m]; ok {
		return mp
	}
	return MethodPolicy{MaxFailures: 1, MaxAttempts: 1}
}

// AttemptBudget is the number of attempts one job needs to walk the whole
// escalation chain, manual review included.
func (p Policy) AttemptBudget() int {
	n := 0
	for _, m := range model.MethodOrder {
		n += p.Method(m).MaxAttempts
	}
	return n
}

// Action is what the orchestrator does after a failed attempt.
type Action int

const (
	ActionRetry Action = iota
	ActionEscalate
	ActionExhausted
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionEscalate:
		return "escalate"
	case ActionExhausted:
		return "exhausted"
	}
	return "unknown"
}

// Exhaustion reasons.
const (
	ReasonTerminal  = "terminal-error"
	ReasonNoMethods = "no-methods"
	ReasonCooldown  = "cooldown"
	ReasonBudget    = "budget"
)

// Decision is the outcome of OnFailure.
type Decision struct {
	Action Action
	// Method is the method for the next attempt (same method on retry).
	Method model.Method
	Delay  time.Duration
	Reason string
}

// Escalation applies Policy to vendor failure state.
type Escalation struct {
	policy   Policy
	selector *Selector
}

// NewEscalation creates an escalation engine.
func NewEscalation(policy Policy, selector *Selector) *Escalation {
	return &Escalation{policy: policy, selector: selector}
}

// Policy returns the underlying policy.
func (e *Escalation) Policy() Policy { return e.policy }

// OnFailure records a failed attempt with m on v and decides whether to
// retry m, escalate to a more expensive method, or give up. attempts is the
// number of attempts already made with m in the current job, including the
// one that just failed. v's method state is updated in place.
func (e *Escalation) OnFailure(v *model.Vendor, m model.Method, serr *model.ScrapeError, attempts int, a Affordability, now time.Time) Decision {
	st := v.State(m)
	st.ConsecutiveFailures++
	st.LastFailureAt = &now
	v.SetState(m, st)

	log := zap.L().With(
		zap.String("vendor_id", v.ID),
		zap.String("method", string(m)),
		zap.Int("consecutive_failures", st.ConsecutiveFailures),
		zap.Int("attempts", attempts),
	)

	if serr != nil && serr.Terminal {
		log.Info("escalation: terminal failure", zap.String("error", serr.Message))
		return Decision{Action: ActionExhausted, Reason: ReasonTerminal}
	}

	mp := e.policy.Method(m)
	retryable := serr == nil || serr.ShouldRetry
	if retryable && st.ConsecutiveFailures < mp.MaxFailures && attempts < mp.MaxAttempts {
		d := Decision{Action: ActionRetry, Method: m, Delay: mp.Backoff.Delay(attempts - 1)}
		log.Debug("escalation: retrying", zap.Duration("delay", d.Delay))
		return d
	}

	var suggested model.Method
	if serr != nil {
		suggested = serr.SuggestedMethod
	}
	next, ok := e.selector.Next(*v, m, suggested, a)
	if !ok {
		log.Info("escalation: no further methods")
		return Decision{Action: ActionExhausted, Reason: ReasonNoMethods}
	}

	ns := v.State(next)
	if ns.LastEscalationAt != nil && now.Sub(*ns.LastEscalationAt) < e.policy.Cooldown {
		log.Info("escalation: cooldown active",
			zap.String("next", string(next)),
			zap.Time("last_escalation", *ns.LastEscalationAt),
		)
		return Decision{Action: ActionExhausted, Method: next, Reason: ReasonCooldown}
	}

	if short := e.shortfall(next, a); short != "" {
		log.Info("escalation: remaining budget below minimum",
			zap.String("next", string(next)),
			zap.String("shortfall", short),
		)
		return Decision{Action: ActionExhausted, Method: next, Reason: ReasonBudget}
	}

	ns.LastEscalationAt = &now
	v.SetState(next, ns)
	log.Info("escalation: escalating", zap.String("next", string(next)))
	return Decision{Action: ActionEscalate, Method: next}
}

// OnSuccess clears the failure counter for m.
func (e *Escalation) OnSuccess(v *model.Vendor, m model.Method) {
	st := v.State(m)
	st.ConsecutiveFailures = 0
	v.SetState(m, st)
}

// shortfall returns the first period whose remaining budget is below the
// minimum for m, or "".
func (e *Escalation) shortfall(m model.Method, a Affordability) string {
	mins := e.policy.Method(m).Minimum
	if len(mins) == 0 {
		return ""
	}
	rem := a.Remaining()
	for _, p := range budget.Periods {
		if need, ok := mins[p]; ok && rem[p] < need {
			return fmt.Sprintf("%s remaining %.2f < %.2f", p, rem[p], need)
		}
	}
	return ""
}
