package jobs

import (
	"container/heap"

	"github.com/orbitmesh/orbitmesh/common/models"
)

// pendingQueue orders pending jobs by (Priority desc, CreatedAt asc).
// Implemented on container/heap; the matching dequeue pops entries until
// one satisfies the agent's offer and reinserts the rest.
type pendingQueue struct {
	items []*models.Job
}

func newPendingQueue() *pendingQueue {
	q := &pendingQueue{}
	heap.Init(q)
	return q
}

func (q *pendingQueue) Len() int { return len(q.items) }

func (q *pendingQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.Request.Priority != b.Request.Priority {
		return a.Request.Priority > b.Request.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (q *pendingQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
}

func (q *pendingQueue) Push(x any) {
	q.items = append(q.items, x.(*models.Job))
}

func (q *pendingQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return item
}

// push enqueues a pending job.
func (q *pendingQueue) push(job *models.Job) {
	heap.Push(q, job)
}

// popMatching removes and returns the highest-priority job accepted by
// match, or nil. Non-matching entries are reinserted.
func (q *pendingQueue) popMatching(match func(*models.Job) bool) *models.Job {
	skipped := make([]*models.Job, 0)
	var found *models.Job

	for q.Len() > 0 {
		job := heap.Pop(q).(*models.Job)
		if match(job) {
			found = job
			break
		}
		skipped = append(skipped, job)
	}

	for _, job := range skipped {
		heap.Push(q, job)
	}
	return found
}

// remove deletes a job from the queue by id. Used on cancellation.
func (q *pendingQueue) remove(jobID string) bool {
	for i, job := range q.items {
		if job.Request.ID == jobID {
			heap.Remove(q, i)
			return true
		}
	}
	return false
}
