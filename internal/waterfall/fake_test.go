package waterfall

import (
	"github.com/sells-group/price-scraper/internal/budget"
	"github.com/sells-group/price-scraper/internal/model"
)

type fakeBudget struct {
	costs     map[model.Method]float64
	remaining map[budget.Period]float64
	status    budget.Status
}

func newFakeBudget(remaining float64) *fakeBudget {
	return &fakeBudget{
		costs: map[model.Method]float64{
			model.MethodPlaywright: 0,
			model.MethodFirecrawl:  0.01,
			model.MethodVision:     0.02,
			model.MethodManual:     0,
		},
		remaining: map[budget.Period]float64{
			budget.Daily:   remaining,
			budget.Weekly:  remaining,
			budget.Monthly: remaining,
		},
		status: budget.StatusHealthy,
	}
}

func (f *fakeBudget) CanAfford(m model.Method) bool {
	c := f.costs[m]
	for _, p := range budget.Periods {
		if f.remaining[p] < c {
			return false
		}
	}
	return true
}

func (f *fakeBudget) MethodCost(m model.Method) float64 { return f.costs[m] }

func (f *fakeBudget) Remaining() map[budget.Period]float64 { return f.remaining }

func (f *fakeBudget) Health() budget.Health { return budget.Health{Status: f.status} }
