package model

import (
	"encoding/json"
	"time"
)

// MethodStats aggregates attempts for one method in a session.
type MethodStats struct {
	Attempts  int     `json:"attempts"`
	Successes int     `json:"successes"`
	Failures  int     `json:"failures"`
	Cost      float64 `json:"cost"`
}

// JobSummary is the per-job line of a session report.
type JobSummary struct {
	JobID    string    `json:"job_id"`
	VendorID string    `json:"vendor_id"`
	Status   JobStatus `json:"status"`
	Method   Method    `json:"method,omitempty"`
	Cost     float64   `json:"cost"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
	Warning  string    `json:"warning,omitempty"`
}

// ScrapeSession summarizes one batch run.
type ScrapeSession struct {
	ID                  string                 `json:"id"`
	Source              string                 `json:"source"`
	StartedAt           time.Time              `json:"started_at"`
	FinishedAt          time.Time              `json:"finished_at"`
	DurationMs          int64                  `json:"duration_ms"`
	Total               int                    `json:"total"`
	Completed           int                    `json:"completed"`
	Partial             int                    `json:"partial"`
	Failed              int                    `json:"failed"`
	Skipped             int                    `json:"skipped"`
	Cancelled           int                    `json:"cancelled"`
	Unprocessed         int                    `json:"unprocessed"`
	AdmissionFailures   int                    `json:"admission_failures"`
	PersistenceFailures int                    `json:"persistence_failures"`
	TotalCost           float64                `json:"total_cost"`
	SuccessRate         float64                `json:"success_rate"`
	BudgetRemaining     map[string]float64     `json:"budget_remaining,omitempty"`
	ByMethod            map[Method]MethodStats `json:"by_method"`
	Jobs                []JobSummary           `json:"jobs"`
	Anomalies           []string               `json:"anomalies,omitempty"`
	TimedOut            bool                   `json:"timed_out"`
}

// Cron log statuses.
const (
	CronSuccess = "success"
	CronPartial = "partial"
	CronError   = "error"
)

// CronLog records one scheduled execution.
type CronLog struct {
	ID           int64           `json:"id"`
	Endpoint     string          `json:"endpoint"`
	Status       string          `json:"status"`
	Details      json.RawMessage `json:"details,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// BudgetState is the persisted form of the spend ledger. Keys are period
// names (daily, weekly, monthly); amounts are USD.
type BudgetState struct {
	Limits    map[string]float64   `json:"limits"`
	Usage     map[string]float64   `json:"usage"`
	LastReset map[string]time.Time `json:"last_reset"`
	Version   int64                `json:"version"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// Allocation is one committed spend entry.
type Allocation struct {
	ID          string    `json:"id"`
	Method      Method    `json:"method"`
	VendorID    string    `json:"vendor_id"`
	JobID       string    `json:"job_id,omitempty"`
	Cost        float64   `json:"cost"`
	AllocatedAt time.Time `json:"allocated_at"`
}
