package model

import "time"

// ResultStatus is the outcome of a single scrape attempt.
type ResultStatus string

const (
	ResultPending ResultStatus = "pending"
	ResultSuccess ResultStatus = "success"
	ResultFailed  ResultStatus = "failed"
	ResultPartial ResultStatus = "partial"
	ResultSkipped ResultStatus = "skipped"
)

// Price models.
const (
	PriceFlat    = "flat"
	PricePerSeat = "per_seat"
	PriceUsage   = "usage"
	PriceFree    = "free"
	PriceCustom  = "custom"
)

// PricingTier is one plan extracted from a pricing page.
type PricingTier struct {
	Name          string   `json:"name"`
	Price         *float64 `json:"price,omitempty"` // nil for contact-sales tiers
	Currency      string   `json:"currency,omitempty"`
	PriceModel    string   `json:"price_model"`
	BillingPeriod string   `json:"billing_period,omitempty"`
	Confidence    float64  `json:"confidence"`
}

// PricingData is the payload of a successful or partial scrape.
type PricingData struct {
	Tiers     []PricingTier `json:"tiers"`
	Currency  string        `json:"currency,omitempty"`
	SourceURL string        `json:"source_url"`
}

// ScrapeError describes why an attempt failed.
type ScrapeError struct {
	Message         string `json:"message"`
	ShouldRetry     bool   `json:"should_retry"`
	SuggestedMethod Method `json:"suggested_method,omitempty"`
	// Terminal marks pages no automated method can handle.
	Terminal bool `json:"terminal,omitempty"`
}

func (e *ScrapeError) Error() string { return e.Message }

// ScrapeResult is the immutable record of one attempt.
type ScrapeResult struct {
	VendorID    string       `json:"vendor_id"`
	JobID       string       `json:"job_id,omitempty"`
	Method      Method       `json:"method"`
	Status      ResultStatus `json:"status"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at"`
	DurationMs  int64        `json:"duration_ms"`
	ActualCost  float64      `json:"actual_cost"`
	Data        *PricingData `json:"data,omitempty"`
	Error       *ScrapeError `json:"error,omitempty"`
}

// Failed builds a failed result for vendor/method.
func Failed(vendorID string, m Method, started time.Time, msg string, retry bool) ScrapeResult {
	now := time.Now()
	return ScrapeResult{
		VendorID:    vendorID,
		Method:      m,
		Status:      ResultFailed,
		StartedAt:   started,
		CompletedAt: now,
		DurationMs:  now.Sub(started).Milliseconds(),
		Error:       &ScrapeError{Message: msg, ShouldRetry: retry},
	}
}

// Retryable reports whether the attempt failed in a way worth repeating.
func (r *ScrapeResult) Retryable() bool {
	return r.Status == ResultFailed && r.Error != nil && r.Error.ShouldRetry && !r.Error.Terminal
}

// ErrorMessage returns the failure message or "".
func (r *ScrapeResult) ErrorMessage() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Message
}
