package resilience

import (
	"sync"
	"time"

	"github.com/sells-group/price-scraper/internal/model"
)

// DeadLetter is a job whose outcome could not be persisted. It is retried
// by the next batch.
type DeadLetter struct {
	Job        model.ScrapeJob `json:"job"`
	Error      string          `json:"error"`
	ErrorType  string          `json:"error_type"` // see ClassifyError
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	FailedAt   time.Time       `json:"failed_at"`
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (d *DeadLetter) CanRetry() bool {
	return d.RetryCount < d.MaxRetries
}

// DeadLetters is a concurrency-safe in-process dead-letter list keyed by
// job ID.
type DeadLetters struct {
	mu         sync.Mutex
	entries    map[string]*DeadLetter
	retries    map[string]int // survives Drain until Resolve
	maxRetries int
}

// NewDeadLetters creates an empty list.
func NewDeadLetters(maxRetries int) *DeadLetters {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &DeadLetters{
		entries:    make(map[string]*DeadLetter),
		retries:    make(map[string]int),
		maxRetries: maxRetries,
	}
}

// Add records a failed job. A job that was added before, including one
// already drained and retried, has its retry count bumped.
func (d *DeadLetters) Add(job model.ScrapeJob, err error, now time.Time) *DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, seen := d.retries[job.ID]
	if seen {
		n++
	}
	d.retries[job.ID] = n

	e, ok := d.entries[job.ID]
	if !ok {
		e = &DeadLetter{MaxRetries: d.maxRetries}
		d.entries[job.ID] = e
	}
	e.RetryCount = n
	e.Job = job
	e.FailedAt = now
	if err != nil {
		e.Error = err.Error()
		e.ErrorType = ClassifyError(err)
	}
	cp := *e
	return &cp
}

// Drain removes and returns every entry that may still be retried. Entries
// past their retry budget are dropped and returned separately.
func (d *DeadLetters) Drain() (retry, dropped []DeadLetter) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, e := range d.entries {
		if e.CanRetry() {
			retry = append(retry, *e)
		} else {
			dropped = append(dropped, *e)
			delete(d.retries, id)
		}
		delete(d.entries, id)
	}
	return retry, dropped
}

// Resolve forgets a job's retry history once its outcome was persisted.
func (d *DeadLetters) Resolve(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.retries, id)
	delete(d.entries, id)
}

// Len returns the number of pending entries.
func (d *DeadLetters) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
