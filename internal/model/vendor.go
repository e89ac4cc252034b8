package model

import (
	"net/url"
	"time"

	"github.com/rotisserie/eris"
)

// DefaultFailureThreshold is the consecutive-failure count that deactivates
// a vendor.
const DefaultFailureThreshold = 5

// ErrInvalidVendor marks a malformed vendor configuration.
var ErrInvalidVendor = eris.New("invalid vendor config")

// ExtractionHints tells the extractor where tiers live on a pricing page.
// Selectors starting with "/" or "(" are treated as XPath, everything else
// as CSS.
type ExtractionHints struct {
	TierSelector  string `json:"tier_selector,omitempty" yaml:"tier_selector"`
	NameSelector  string `json:"name_selector,omitempty" yaml:"name_selector"`
	PriceSelector string `json:"price_selector,omitempty" yaml:"price_selector"`
	WaitSelector  string `json:"wait_selector,omitempty" yaml:"wait_selector"`
	Currency      string `json:"currency,omitempty" yaml:"currency"`
}

// MethodState tracks escalation bookkeeping for one vendor/method pair.
type MethodState struct {
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	LastEscalationAt    *time.Time `json:"last_escalation_at,omitempty"`
}

// Vendor is the per-vendor scrape configuration plus its running status.
type Vendor struct {
	ID                  string                 `json:"id"`
	Slug                string                 `json:"slug"`
	Name                string                 `json:"name"`
	PricingURL          string                 `json:"pricing_url"`
	PreferredMethods    []Method               `json:"preferred_methods,omitempty"`
	AllowedMethods      []Method               `json:"allowed_methods,omitempty"`
	OverrideMethod      Method                 `json:"override_method,omitempty"`
	Frequency           Frequency              `json:"frequency"`
	Priority            Priority               `json:"priority"`
	Hints               ExtractionHints        `json:"hints"`
	EstimatedCosts      map[Method]float64     `json:"estimated_costs,omitempty"`
	FailureThreshold    int                    `json:"failure_threshold"`
	ConsecutiveFailures int                    `json:"consecutive_failures"`
	MethodStates        map[Method]MethodState `json:"method_states,omitempty"`
	LastScrapedAt       *time.Time             `json:"last_scraped_at,omitempty"`
	LastSuccessAt       *time.Time             `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time             `json:"last_failure_at,omitempty"`
	LastError           string                 `json:"last_error,omitempty"`
	LastSuccessMethod   Method                 `json:"last_success_method,omitempty"`
	Active              bool                   `json:"active"`
	CreatedAt           time.Time              `json:"created_at"`
	UpdatedAt           time.Time              `json:"updated_at"`
}

// Allows reports whether the vendor permits method m. An empty allow-list
// permits every method.
func (v *Vendor) Allows(m Method) bool {
	if len(v.AllowedMethods) == 0 {
		return m.Valid()
	}
	return ContainsMethod(v.AllowedMethods, m)
}

// Threshold returns the circuit-breaker threshold, defaulting when unset.
func (v *Vendor) Threshold() int {
	if v.FailureThreshold <= 0 {
		return DefaultFailureThreshold
	}
	return v.FailureThreshold
}

// State returns the method state for m (zero value if none recorded).
func (v *Vendor) State(m Method) MethodState {
	if v.MethodStates == nil {
		return MethodState{}
	}
	return v.MethodStates[m]
}

// SetState stores the method state for m.
func (v *Vendor) SetState(m Method, s MethodState) {
	if v.MethodStates == nil {
		v.MethodStates = make(map[Method]MethodState)
	}
	v.MethodStates[m] = s
}

// Due reports whether the vendor's refresh interval has elapsed at now.
func (v *Vendor) Due(now time.Time) bool {
	if v.LastScrapedAt == nil {
		return true
	}
	return now.Sub(*v.LastScrapedAt) >= v.Frequency.Interval()
}

// Validate rejects configurations that cannot be scraped.
func (v *Vendor) Validate() error {
	if v.ID == "" {
		return eris.Wrap(ErrInvalidVendor, "missing id")
	}
	if v.PricingURL == "" {
		return eris.Wrapf(ErrInvalidVendor, "vendor %s: missing pricing url", v.ID)
	}
	u, err := url.Parse(v.PricingURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return eris.Wrapf(ErrInvalidVendor, "vendor %s: bad pricing url %q", v.ID, v.PricingURL)
	}
	for _, list := range [][]Method{v.PreferredMethods, v.AllowedMethods} {
		for _, m := range list {
			if !m.Valid() {
				return eris.Wrapf(ErrInvalidVendor, "vendor %s: unknown method %q", v.ID, m)
			}
		}
	}
	if v.OverrideMethod != "" && !v.OverrideMethod.Valid() {
		return eris.Wrapf(ErrInvalidVendor, "vendor %s: unknown override method %q", v.ID, v.OverrideMethod)
	}
	return nil
}
