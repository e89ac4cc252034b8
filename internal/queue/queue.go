// Package queue holds scrape jobs waiting for a worker.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/price-scraper/internal/model"
)

var (
	// ErrQueueFull is returned when the queue is at capacity.
	ErrQueueFull = eris.New("queue: full")
	// ErrDuplicateJob is returned when a job ID is already queued.
	ErrDuplicateJob = eris.New("queue: duplicate job")
)

// ExpiredReason is set on jobs cancelled by the TTL sweep.
const ExpiredReason = "expired"

// Defaults.
const (
	DefaultMaxSize = 1000
	DefaultTTL     = 48 * time.Hour
)

type entry struct {
	job   model.ScrapeJob
	seq   uint64
	index int
}

type jobHeap []*entry

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	if !a.job.ScheduledFor.Equal(b.job.ScheduledFor) {
		return a.job.ScheduledFor.Before(b.job.ScheduledFor)
	}
	return a.seq < b.seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Queue is a bounded priority queue of scrape jobs. Higher priority first,
// then earliest ScheduledFor, then insertion order. It is safe for
// concurrent use.
type Queue struct {
	mu      sync.Mutex
	h       jobHeap
	byID    map[string]*entry
	seq     uint64
	maxSize int
	ttl     time.Duration
	expired []model.ScrapeJob
	nowFunc func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxSize caps the number of queued jobs.
func WithMaxSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxSize = n
		}
	}
}

// WithTTL sets how long a job may wait before it is expired.
func WithTTL(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.ttl = d
		}
	}
}

// WithClock overrides the time source used by Sweep and Dequeue.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.nowFunc = now }
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		byID:    make(map[string]*entry),
		maxSize: DefaultMaxSize,
		ttl:     DefaultTTL,
		nowFunc: time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue adds job. It fails with ErrQueueFull at capacity.
func (q *Queue) Enqueue(job model.ScrapeJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.h) >= q.maxSize {
		return eris.Wrapf(ErrQueueFull, "job %s for %s (size %d)", job.ID, job.VendorID, q.maxSize)
	}
	if _, ok := q.byID[job.ID]; ok {
		return eris.Wrapf(ErrDuplicateJob, "job %s", job.ID)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = q.nowFunc()
	}
	if job.ScheduledFor.IsZero() {
		job.ScheduledFor = job.CreatedAt
	}
	job.Status = model.JobQueued

	q.seq++
	e := &entry{job: job, seq: q.seq}
	heap.Push(&q.h, e)
	q.byID[job.ID] = e
	return nil
}

// Dequeue removes and returns the best ready job. It never blocks; ok is
// false when no job is ready. Expired jobs are set aside for Sweep.
func (q *Queue) Dequeue() (job model.ScrapeJob, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.nowFunc()
	var deferred []*entry
	defer func() {
		for _, e := range deferred {
			heap.Push(&q.h, e)
		}
	}()

	for len(q.h) > 0 {
		e := heap.Pop(&q.h).(*entry)
		if q.isExpired(e.job, now) {
			q.expireLocked(e)
			continue
		}
		if e.job.ScheduledFor.After(now) {
			deferred = append(deferred, e)
			continue
		}
		delete(q.byID, e.job.ID)
		return e.job, true
	}
	return model.ScrapeJob{}, false
}

// Sweep cancels every job older than the TTL and returns them, including
// any set aside by Dequeue since the last sweep.
func (q *Queue) Sweep() []model.ScrapeJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.nowFunc()
	var stale []*entry
	for _, e := range q.h {
		if q.isExpired(e.job, now) {
			stale = append(stale, e)
		}
	}
	for _, e := range stale {
		heap.Remove(&q.h, e.index)
		q.expireLocked(e)
	}

	out := q.expired
	q.expired = nil
	if len(out) > 0 {
		zap.L().Info("expired queued jobs", zap.Int("count", len(out)))
	}
	return out
}

// Cancel removes a queued job. It reports false if the job is not queued.
func (q *Queue) Cancel(id, reason string) (model.ScrapeJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byID[id]
	if !ok {
		return model.ScrapeJob{}, false
	}
	heap.Remove(&q.h, e.index)
	delete(q.byID, id)
	e.job.Status = model.JobCancelled
	e.job.Reason = reason
	return e.job, true
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// Snapshot returns the queued jobs in dequeue order without removing them.
func (q *Queue) Snapshot() []model.ScrapeJob {
	q.mu.Lock()
	cp := make(jobHeap, len(q.h))
	for i, e := range q.h {
		c := *e
		cp[i] = &c
	}
	q.mu.Unlock()

	out := make([]model.ScrapeJob, 0, len(cp))
	for cp.Len() > 0 {
		out = append(out, heap.Pop(&cp).(*entry).job)
	}
	return out
}

func (q *Queue) isExpired(job model.ScrapeJob, now time.Time) bool {
	return now.Sub(job.CreatedAt) > q.ttl
}

func (q *Queue) expireLocked(e *entry) {
	delete(q.byID, e.job.ID)
	e.job.Status = model.JobCancelled
	e.job.Reason = ExpiredReason
	q.expired = append(q.expired, e.job)
}
