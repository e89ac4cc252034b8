package model

import "time"

// JobStatus is the lifecycle state of a scrape job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	JobSkipped   JobStatus = "skipped"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobSkipped:
		return true
	}
	return false
}

// Job sources.
const (
	SourceScheduled = "scheduled"
	SourceManual    = "manual"
	SourceAPI       = "api"
	SourceRetry     = "retry"
)

// ScrapeJob is a unit of work: scrape one vendor.
type ScrapeJob struct {
	ID             string        `json:"id"`
	VendorID       string        `json:"vendor_id"`
	Priority       Priority      `json:"priority"`
	AllowedMethods []Method      `json:"allowed_methods,omitempty"`
	MaxCost        float64       `json:"max_cost,omitempty"` // 0 means no per-job ceiling
	ScheduledFor   time.Time     `json:"scheduled_for"`
	CreatedAt      time.Time     `json:"created_at"`
	Attempts       int           `json:"attempts"`
	MaxAttempts    int           `json:"max_attempts"`
	Status         JobStatus     `json:"status"`
	Source         string        `json:"source"`
	Reason         string        `json:"reason,omitempty"`
	Warning        string        `json:"warning,omitempty"`
	Result         *ScrapeResult `json:"result,omitempty"`
	TotalCost      float64       `json:"total_cost"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
}

// JobFilter narrows job listings.
type JobFilter struct {
	Status   JobStatus
	VendorID string
	Since    time.Time
	Limit    int
}
