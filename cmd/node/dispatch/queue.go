package dispatch

import (
	"sync"
	"time"

	"github.com/orbitmesh/orbitmesh/common/transport"
)

const (
	// DefaultQueueLimit caps the number of reports buffered while the
	// transport is down.
	DefaultQueueLimit = 100
	// DefaultQueueMaxAge drops reports older than this on replay.
	DefaultQueueMaxAge = time.Hour
)

type queued struct {
	report   *transport.Report
	buffered time.Time
}

// reconnectQueue buffers outbound reports during a disconnect and
// replays them in order on reconnect. Overflow drops the oldest entry.
type reconnectQueue struct {
	mu     sync.Mutex
	items  []queued
	limit  int
	maxAge time.Duration
}

func newReconnectQueue(limit int, maxAge time.Duration) *reconnectQueue {
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	if maxAge <= 0 {
		maxAge = DefaultQueueMaxAge
	}
	return &reconnectQueue{limit: limit, maxAge: maxAge}
}

// Push buffers one report, evicting the oldest entry on overflow.
// Returns true when an entry was evicted.
func (q *reconnectQueue) Push(rpt *transport.Report) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := false
	if len(q.items) >= q.limit {
		q.items = q.items[1:]
		evicted = true
	}
	q.items = append(q.items, queued{report: rpt, buffered: time.Now().UTC()})
	return evicted
}

// Drain returns the buffered reports in order, discarding expired ones,
// and empties the queue.
func (q *reconnectQueue) Drain() []*transport.Report {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().UTC().Add(-q.maxAge)
	out := make([]*transport.Report, 0, len(q.items))
	for _, item := range q.items {
		if item.buffered.Before(cutoff) {
			continue
		}
		out = append(out, item.report)
	}
	q.items = q.items[:0]
	return out
}

// Len returns the number of buffered reports.
func (q *reconnectQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
