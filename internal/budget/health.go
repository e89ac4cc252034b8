package budget

import "fmt"

// Status is the coarse budget health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusWarning   Status = "warning"
	StatusCritical  Status = "critical"
	StatusExhausted Status = "exhausted"
)

// Thresholds are utilization fractions where health degrades.
type Thresholds struct {
	Warning  float64
	Critical float64
	Shutdown float64
}

// DefaultThresholds returns 75/90/95 percent.
func DefaultThresholds() Thresholds {
	return Thresholds{Warning: 0.75, Critical: 0.90, Shutdown: 0.95}
}

// Classify maps a utilization fraction to a status.
func (t Thresholds) Classify(utilization float64) Status {
	switch {
	case utilization >= t.Shutdown:
		return StatusExhausted
	case utilization >= t.Critical:
		return StatusCritical
	case utilization >= t.Warning:
		return StatusWarning
	}
	return StatusHealthy
}

// Health describes the current budget posture.
type Health struct {
	Status      Status             `json:"status"`
	Message     string             `json:"message"`
	Utilization float64            `json:"utilization"`
	Tightest    Period             `json:"tightest"`
	Remaining   map[Period]float64 `json:"remaining"`
}

// PaidAllowed reports whether paid methods may be selected.
func (h Health) PaidAllowed() bool {
	return h.Status != StatusExhausted
}

func healthMessage(s Status, p Period, utilization float64) string {
	pct := utilization * 100
	switch s {
	case StatusExhausted:
		return fmt.Sprintf("%s budget %.1f%% used, free methods only", p, pct)
	case StatusCritical:
		return fmt.Sprintf("%s budget %.1f%% used, critical", p, pct)
	case StatusWarning:
		return fmt.Sprintf("%s budget %.1f%% used", p, pct)
	}
	return fmt.Sprintf("budget healthy (%s at %.1f%%)", p, pct)
}
