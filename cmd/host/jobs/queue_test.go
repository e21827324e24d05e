package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/orbitmesh/orbitmesh/common/models"
)

func pendingJob(id string, priority int, createdAt time.Time) *models.Job {
	return &models.Job{
		Request:   models.JobRequest{ID: id, Command: "echo", Priority: priority},
		Status:    models.JobPending,
		CreatedAt: createdAt,
	}
}

func TestQueueOrdersByPriorityThenAge(t *testing.T) {
	q := newPendingQueue()
	base := time.Now().UTC()

	q.push(pendingJob("low", 1, base))
	q.push(pendingJob("high-old", 5, base))
	q.push(pendingJob("high-new", 5, base.Add(time.Second)))
	q.push(pendingJob("mid", 3, base))

	all := func(*models.Job) bool { return true }
	order := make([]string, 0, 4)
	for job := q.popMatching(all); job != nil; job = q.popMatching(all) {
		order = append(order, job.Request.ID)
	}
	assert.Equal(t, []string{"high-old", "high-new", "mid", "low"}, order)
}

func TestPopMatchingReinsertsSkipped(t *testing.T) {
	q := newPendingQueue()
	base := time.Now().UTC()
	q.push(pendingJob("a", 5, base))
	q.push(pendingJob("b", 3, base))

	job := q.popMatching(func(j *models.Job) bool { return j.Request.ID == "b" })
	require.NotNil(t, job)
	assert.Equal(t, "b", job.Request.ID)

	// The skipped higher-priority entry is still the head.
	assert.Equal(t, 1, q.Len())
	job = q.popMatching(func(*models.Job) bool { return true })
	require.NotNil(t, job)
	assert.Equal(t, "a", job.Request.ID)
}

func TestPopMatchingNoMatch(t *testing.T) {
	q := newPendingQueue()
	q.push(pendingJob("a", 1, time.Now().UTC()))

	assert.Nil(t, q.popMatching(func(*models.Job) bool { return false }))
	assert.Equal(t, 1, q.Len(), "non-matching entries stay queued")
}

func TestQueueRemove(t *testing.T) {
	q := newPendingQueue()
	base := time.Now().UTC()
	q.push(pendingJob("a", 1, base))
	q.push(pendingJob("b", 2, base))

	assert.True(t, q.remove("a"))
	assert.False(t, q.remove("a"))
	assert.Equal(t, 1, q.Len())

	job := q.popMatching(func(*models.Job) bool { return true })
	require.NotNil(t, job)
	assert.Equal(t, "b", job.Request.ID)
}

func TestQueueDrainOrderProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 50).Draw(t, "n")
		q := newPendingQueue()
		base := time.Now().UTC()
		for i := 0; i < n; i++ {
			priority := rapid.IntRange(-5, 5).Draw(t, "priority")
			q.push(pendingJob(rapid.StringMatching(`[a-z]{8}`).Draw(t, "id"), priority, base.Add(time.Duration(i)*time.Millisecond)))
		}

		prev := int(^uint(0) >> 1) // max int
		for q.Len() > 0 {
			job := q.popMatching(func(*models.Job) bool { return true })
			if job.Request.Priority > prev {
				t.Fatalf("priority order violated: %d after %d", job.Request.Priority, prev)
			}
			prev = job.Request.Priority
		}
	})
}
