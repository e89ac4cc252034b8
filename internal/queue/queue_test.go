package queue

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/price-scraper/internal/model"
)

var t0 = time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)

func fixedClock(t *time.Time) func() time.Time {
	return func() time.Time { return *t }
}

func job(id string, p model.Priority, scheduled time.Time) model.ScrapeJob {
	return model.ScrapeJob{ID: id, VendorID: "v-" + id, Priority: p, ScheduledFor: scheduled, CreatedAt: t0}
}

func TestDequeueOrder(t *testing.T) {
	t.Parallel()
	now := t0
	q := New(WithClock(fixedClock(&now)))

	require.NoError(t, q.Enqueue(job("low", model.PriorityLow, t0)))
	require.NoError(t, q.Enqueue(job("normal-late", model.PriorityNormal, t0.Add(-time.Minute))))
	require.NoError(t, q.Enqueue(job("normal-early", model.PriorityNormal, t0.Add(-time.Hour))))
	require.NoError(t, q.Enqueue(job("critical", model.PriorityCritical, t0)))
	require.NoError(t, q.Enqueue(job("high", model.PriorityHigh, t0)))

	var got []string
	for {
		j, ok := q.Dequeue()
		if !ok {
			break
		}
		assert.Equal(t, model.JobQueued, j.Status)
		got = append(got, j.ID)
	}
	assert.Equal(t, []string{"critical", "high", "normal-early", "normal-late", "low"}, got)
}

func TestDequeueFIFOWithinTie(t *testing.T) {
	t.Parallel()
	now := t0
	q := New(WithClock(fixedClock(&now)))
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(job(fmt.Sprint(i), model.PriorityNormal, t0)))
	}
	for i := 0; i < 5; i++ {
		j, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprint(i), j.ID)
	}
}

func TestDequeueSkipsFutureJobs(t *testing.T) {
	t.Parallel()
	now := t0
	q := New(WithClock(fixedClock(&now)))

	require.NoError(t, q.Enqueue(job("future-critical", model.PriorityCritical, t0.Add(time.Hour))))
	require.NoError(t, q.Enqueue(job("ready-low", model.PriorityLow, t0)))

	j, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "ready-low", j.ID)

	_, ok = q.Dequeue()
	assert.False(t, ok, "future job is not ready")
	assert.Equal(t, 1, q.Len(), "future job stays queued")

	now = t0.Add(time.Hour)
	j, ok = q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "future-critical", j.ID)
}

func TestEnqueueFull(t *testing.T) {
	t.Parallel()
	q := New(WithMaxSize(2))
	require.NoError(t, q.Enqueue(job("a", model.PriorityNormal, t0)))
	require.NoError(t, q.Enqueue(job("b", model.PriorityNormal, t0)))

	err := q.Enqueue(job("c", model.PriorityCritical, t0))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, q.Len())
}

func TestEnqueueDuplicate(t *testing.T) {
	t.Parallel()
	q := New()
	require.NoError(t, q.Enqueue(job("a", model.PriorityNormal, t0)))
	assert.ErrorIs(t, q.Enqueue(job("a", model.PriorityHigh, t0)), ErrDuplicateJob)
}

func TestEnqueueDefaults(t *testing.T) {
	t.Parallel()
	now := t0
	q := New(WithClock(fixedClock(&now)))
	require.NoError(t, q.Enqueue(model.ScrapeJob{ID: "x", Priority: model.PriorityNormal}))

	j, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, t0, j.CreatedAt)
	assert.Equal(t, t0, j.ScheduledFor)
}

func TestSweepExpires(t *testing.T) {
	t.Parallel()
	now := t0
	q := New(WithClock(fixedClock(&now)), WithTTL(48*time.Hour))

	old := job("old", model.PriorityHigh, t0)
	require.NoError(t, q.Enqueue(old))
	fresh := job("fresh", model.PriorityLow, t0)
	fresh.CreatedAt = t0.Add(47 * time.Hour)
	require.NoError(t, q.Enqueue(fresh))

	now = t0.Add(48*time.Hour + time.Second)
	expired := q.Sweep()
	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].ID)
	assert.Equal(t, model.JobCancelled, expired[0].Status)
	assert.Equal(t, ExpiredReason, expired[0].Reason)

	j, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "fresh", j.ID)
}

func TestDequeueNeverReturnsExpired(t *testing.T) {
	t.Parallel()
	now := t0
	q := New(WithClock(fixedClock(&now)), WithTTL(time.Hour))
	require.NoError(t, q.Enqueue(job("stale", model.PriorityCritical, t0)))

	now = t0.Add(2 * time.Hour)
	_, ok := q.Dequeue()
	assert.False(t, ok)

	expired := q.Sweep()
	require.Len(t, expired, 1)
	assert.Equal(t, "stale", expired[0].ID)
	assert.Empty(t, q.Sweep(), "expired jobs are reported once")
}

func TestCancel(t *testing.T) {
	t.Parallel()
	q := New()
	require.NoError(t, q.Enqueue(job("a", model.PriorityNormal, t0)))
	require.NoError(t, q.Enqueue(job("b", model.PriorityNormal, t0)))

	j, ok := q.Cancel("a", "operator")
	require.True(t, ok)
	assert.Equal(t, model.JobCancelled, j.Status)
	assert.Equal(t, "operator", j.Reason)

	_, ok = q.Cancel("a", "again")
	assert.False(t, ok)
	assert.Equal(t, 1, q.Len())
}

func TestSnapshotOrderIsNonDestructive(t *testing.T) {
	t.Parallel()
	q := New()
	require.NoError(t, q.Enqueue(job("n", model.PriorityNormal, t0)))
	require.NoError(t, q.Enqueue(job("c", model.PriorityCritical, t0)))

	snap := q.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "c", snap[0].ID)
	assert.Equal(t, 2, q.Len())
}

func TestConcurrentEnqueueDequeue(t *testing.T) {
	t.Parallel()
	q := New(WithMaxSize(10000))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = q.Enqueue(model.ScrapeJob{ID: fmt.Sprint(i), Priority: model.Priority(i % 4)})
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	var mu sync.Mutex
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, ok := q.Dequeue()
				if !ok {
					return
				}
				mu.Lock()
				assert.False(t, seen[j.ID], "job dequeued twice")
				seen[j.ID] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 100)
}
