package cost

import "github.com/sells-group/price-scraper/internal/model"

// Rates holds the per-method cost table and per-provider pricing.
type Rates struct {
	Methods   map[model.Method]float64 `yaml:"methods" mapstructure:"methods"`
	Anthropic map[string]ModelRate     `yaml:"anthropic" mapstructure:"anthropic"`
	Firecrawl FirecrawlRate            `yaml:"firecrawl" mapstructure:"firecrawl"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// FirecrawlRate holds Firecrawl pricing.
type FirecrawlRate struct {
	PerCredit float64 `yaml:"per_credit" mapstructure:"per_credit"`
}

// Calculator computes costs for method attempts and provider usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Method returns the flat table cost of one attempt with m. Unknown methods
// cost nothing.
func (c *Calculator) Method(m model.Method) float64 {
	return c.rates.Methods[m]
}

// Free reports whether m has zero table cost.
func (c *Calculator) Free(m model.Method) bool {
	return c.Method(m) == 0
}

// Table returns a copy of the per-method cost table.
func (c *Calculator) Table() map[model.Method]float64 {
	out := make(map[model.Method]float64, len(model.MethodOrder))
	for _, m := range model.MethodOrder {
		out[m] = c.rates.Methods[m]
	}
	return out
}

// Claude computes the cost for a Claude API call. Unknown models fall back
// to the vision method's table cost.
func (c *Calculator) Claude(modelName string, input, output int64) float64 {
	rate, ok := c.rates.Anthropic[modelName]
	if !ok {
		return c.Method(model.MethodVision)
	}

	inCost := (float64(input) / 1e6) * rate.Input
	outCost := (float64(output) / 1e6) * rate.Output

	return inCost + outCost
}

// FirecrawlCredits computes the cost of n Firecrawl credits.
func (c *Calculator) FirecrawlCredits(n int) float64 {
	return float64(n) * c.rates.Firecrawl.PerCredit
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Methods: map[model.Method]float64{
			model.MethodPlaywright: 0,
			model.MethodFirecrawl:  0.01,
			model.MethodVision:     0.02,
			model.MethodManual:     0,
		},
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001":  {Input: 1.00, Output: 5.00},
			"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
		},
		Firecrawl: FirecrawlRate{PerCredit: 0.01},
	}
}
