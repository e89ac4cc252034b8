package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/price-scraper/internal/model"
)

// vendorConfig is the JSON-encoded configuration column of a vendor row.
type vendorConfig struct {
	PreferredMethods []model.Method           `json:"preferred_methods,omitempty"`
	AllowedMethods   []model.Method           `json:"allowed_methods,omitempty"`
	OverrideMethod   model.Method             `json:"override_method,omitempty"`
	Hints            model.ExtractionHints    `json:"hints"`
	EstimatedCosts   map[model.Method]float64 `json:"estimated_costs,omitempty"`
}

func encodeVendorConfig(v model.Vendor) ([]byte, error) {
	b, err := json.Marshal(vendorConfig{
		PreferredMethods: v.PreferredMethods,
		AllowedMethods:   v.AllowedMethods,
		OverrideMethod:   v.OverrideMethod,
		Hints:            v.Hints,
		EstimatedCosts:   v.EstimatedCosts,
	})
	return b, eris.Wrap(err, "store: marshal vendor config")
}

func decodeVendorConfig(b []byte, v *model.Vendor) error {
	if len(b) == 0 {
		return nil
	}
	var c vendorConfig
	if err := json.Unmarshal(b, &c); err != nil {
		return eris.Wrapf(err, "store: unmarshal vendor config %s", v.ID)
	}
	v.PreferredMethods = c.PreferredMethods
	v.AllowedMethods = c.AllowedMethods
	v.OverrideMethod = c.OverrideMethod
	v.Hints = c.Hints
	v.EstimatedCosts = c.EstimatedCosts
	return nil
}

func encodeMethodStates(s map[model.Method]model.MethodState) ([]byte, error) {
	if s == nil {
		s = map[model.Method]model.MethodState{}
	}
	b, err := json.Marshal(s)
	return b, eris.Wrap(err, "store: marshal method states")
}

func decodeMethodStates(b []byte) (map[model.Method]model.MethodState, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var s map[model.Method]model.MethodState
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal method states")
	}
	if len(s) == 0 {
		return nil, nil
	}
	return s, nil
}

// marshalNullable returns nil for a nil pointer so the column stays NULL.
func marshalNullable[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalNullable[T any](b []byte) (*T, error) {
	if len(b) == 0 {
		return nil, nil
	}
	v := new(T)
	if err := json.Unmarshal(b, v); err != nil {
		return nil, err
	}
	return v, nil
}

// budgetColumns is the JSON-encoded form of the budget row.
type budgetColumns struct {
	Limits    []byte
	Usage     []byte
	LastReset []byte
}

func encodeBudget(s model.BudgetState) (budgetColumns, error) {
	var c budgetColumns
	var err error
	if c.Limits, err = json.Marshal(s.Limits); err != nil {
		return c, eris.Wrap(err, "store: marshal budget limits")
	}
	if c.Usage, err = json.Marshal(s.Usage); err != nil {
		return c, eris.Wrap(err, "store: marshal budget usage")
	}
	if c.LastReset, err = json.Marshal(s.LastReset); err != nil {
		return c, eris.Wrap(err, "store: marshal budget resets")
	}
	return c, nil
}

func decodeBudget(c budgetColumns, version int64, updatedAt time.Time) (*model.BudgetState, error) {
	s := &model.BudgetState{Version: version, UpdatedAt: updatedAt}
	if err := json.Unmarshal(c.Limits, &s.Limits); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal budget limits")
	}
	if err := json.Unmarshal(c.Usage, &s.Usage); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal budget usage")
	}
	if err := json.Unmarshal(c.LastReset, &s.LastReset); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal budget resets")
	}
	return s, nil
}

// tierRows flattens tiers into price_tiers rows.
func tierRows(vendorID, jobID string, scrapedAt time.Time, tiers []model.PricingTier) [][]any {
	rows := make([][]any, 0, len(tiers))
	for _, t := range tiers {
		var price any
		if t.Price != nil {
			price = *t.Price
		}
		rows = append(rows, []any{
			vendorID, jobID, t.Name, price, t.Currency, t.PriceModel, t.BillingPeriod, t.Confidence, scrapedAt,
		})
	}
	return rows
}

var tierColumns = []string{
	"vendor_id", "job_id", "name", "price", "currency", "price_model", "billing_period", "confidence", "scraped_at",
}

func newID() string { return uuid.New().String() }
