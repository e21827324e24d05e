package jobs

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orbitmesh/orbitmesh/common/models"
	"github.com/orbitmesh/orbitmesh/common/oerr"
)

// DeadLetter stores jobs that exhausted their retries. Entries can be
// inspected, marked for retry or purged.
type DeadLetter struct {
	mu      sync.RWMutex
	entries map[string]*models.DeadLetterEntry
}

// NewDeadLetter creates an empty dead letter store.
func NewDeadLetter() *DeadLetter {
	return &DeadLetter{
		entries: make(map[string]*models.DeadLetterEntry),
	}
}

// Add appends a job with the reason it was dead-lettered.
func (d *DeadLetter) Add(job *models.Job, reason string) *models.DeadLetterEntry {
	entry := &models.DeadLetterEntry{
		ID:         uuid.New().String(),
		Job:        job,
		Reason:     reason,
		EnqueuedAt: time.Now().UTC(),
	}

	d.mu.Lock()
	d.entries[entry.ID] = entry
	d.mu.Unlock()
	return entry
}

// Get returns one entry.
func (d *DeadLetter) Get(id string) (*models.DeadLetterEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[id]
	return e, ok
}

// List returns all entries.
func (d *DeadLetter) List() []*models.DeadLetterEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*models.DeadLetterEntry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e)
	}
	return out
}

// MarkRetry flags an entry for re-emission and removes it from the store.
func (d *DeadLetter) MarkRetry(id string) (*models.DeadLetterEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[id]
	if !ok {
		return nil, oerr.Newf(oerr.NotFound, "dead letter entry %s not found", id)
	}
	e.RetryRequested = true
	e.RetryAttempts++
	delete(d.entries, id)
	return e, nil
}

// Purge deletes an entry.
func (d *DeadLetter) Purge(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.entries[id]; !ok {
		return oerr.Newf(oerr.NotFound, "dead letter entry %s not found", id)
	}
	delete(d.entries, id)
	return nil
}

// Size returns the number of stored entries.
func (d *DeadLetter) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}
