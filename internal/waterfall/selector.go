// Package waterfall decides which scraping method to use for a vendor and
// how to react when a method fails.
package waterfall

import (
	"go.uber.org/zap"

	"github.com/sells-group/price-scraper/internal/budget"
	"github.com/sells-group/price-scraper/internal/model"
)

// Affordability is the budget view the selector and policy need. The
// budget ledger satisfies it.
type Affordability interface {
	CanAfford(m model.Method) bool
	MethodCost(m model.Method) float64
	Remaining() map[budget.Period]float64
	Health() budget.Health
}

// Selector picks the method for an attempt. Selection is advisory: paid
// methods are re-validated by the ledger when spend is committed.
type Selector struct {
	overrides *Overrides
}

// NewSelector creates a selector. overrides may be nil.
func NewSelector(overrides *Overrides) *Selector {
	return &Selector{overrides: overrides}
}

// Select returns the method for the vendor's next attempt. ok is false when
// nothing can run, in which case the job is skipped.
func (s *Selector) Select(v model.Vendor, a Affordability) (model.Method, bool) {
	v = s.overrides.Apply(v)
	paidOK := a.Health().PaidAllowed()

	usable := func(m model.Method) bool {
		if !v.Allows(m) || !a.CanAfford(m) {
			return false
		}
		return paidOK || a.MethodCost(m) == 0
	}

	if v.OverrideMethod != "" {
		if usable(v.OverrideMethod) {
			return v.OverrideMethod, true
		}
		zap.L().Debug("override method not usable, falling through",
			zap.String("vendor_id", v.ID),
			zap.String("method", string(v.OverrideMethod)),
		)
	}

	order := v.PreferredMethods
	if len(order) == 0 {
		order = model.MethodOrder
	}
	for _, m := range order {
		if usable(m) {
			return m, true
		}
	}

	// The free method is always a valid fallback.
	if v.Allows(model.MethodPlaywright) {
		return model.MethodPlaywright, true
	}
	return "", false
}

// Next returns the next more expensive automated method after current that
// the vendor allows and the budget can cover. A suggested method ranked
// above current is tried first. Manual review is only reached when the
// vendor explicitly allows it.
func (s *Selector) Next(v model.Vendor, current, suggested model.Method, a Affordability) (model.Method, bool) {
	v = s.overrides.Apply(v)
	paidOK := a.Health().PaidAllowed()

	usable := func(m model.Method) bool {
		if m.Rank() <= current.Rank() {
			return false
		}
		if m == model.MethodManual {
			return model.ContainsMethod(v.AllowedMethods, model.MethodManual)
		}
		if !v.Allows(m) || !a.CanAfford(m) {
			return false
		}
		return paidOK || a.MethodCost(m) == 0
	}

	if suggested != "" && usable(suggested) {
		return suggested, true
	}
	for _, m := range model.MethodOrder {
		if usable(m) {
			return m, true
		}
	}
	return "", false
}
