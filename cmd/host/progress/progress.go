package progress

import (
	"sync"

	"github.com/orbitmesh/orbitmesh/common/logger"
	"github.com/orbitmesh/orbitmesh/common/models"
)

// DefaultHistorySize bounds the retained reports per job.
const DefaultHistorySize = 100

// Service stores the latest progress report per job plus a bounded
// history, and fans reports out to subscribers. Subscribers that stop
// draining are detached rather than blocking ingestion.
type Service struct {
	mu          sync.Mutex
	latest      map[string]*models.JobProgress
	history     map[string][]*models.JobProgress
	subscribers map[string]map[int]chan *models.JobProgress
	nextSubID   int
	historySize int
	log         *logger.Logger
}

// New creates a progress service. historySize ≤ 0 selects the default.
func New(historySize int, log *logger.Logger) *Service {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Service{
		latest:      make(map[string]*models.JobProgress),
		history:     make(map[string][]*models.JobProgress),
		subscribers: make(map[string]map[int]chan *models.JobProgress),
		historySize: historySize,
		log:         log,
	}
}

// Ingest accepts one report, clamps the percentage and notifies
// subscribers.
func (s *Service) Ingest(progress *models.JobProgress) {
	if progress == nil || progress.JobID == "" {
		return
	}
	progress.Clamp()

	s.mu.Lock()
	s.latest[progress.JobID] = progress
	h := append(s.history[progress.JobID], progress)
	if len(h) > s.historySize {
		h = h[len(h)-s.historySize:]
	}
	s.history[progress.JobID] = h

	var dropped []int
	for id, ch := range s.subscribers[progress.JobID] {
		select {
		case ch <- progress:
		default:
			dropped = append(dropped, id)
		}
	}
	for _, id := range dropped {
		ch := s.subscribers[progress.JobID][id]
		delete(s.subscribers[progress.JobID], id)
		close(ch)
	}
	s.mu.Unlock()

	if len(dropped) > 0 {
		s.log.Debug("detached slow progress subscribers", "job_id", progress.JobID, "count", len(dropped))
	}
}

// Latest returns the most recent report for a job.
func (s *Service) Latest(jobID string) (*models.JobProgress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.latest[jobID]
	return p, ok
}

// History returns the retained reports for a job, oldest first.
func (s *Service) History(jobID string) []*models.JobProgress {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.history[jobID]
	out := make([]*models.JobProgress, len(h))
	copy(out, h)
	return out
}

// Subscribe attaches a listener for one job's reports. The returned
// cancel function detaches it; the channel is closed on detach.
func (s *Service) Subscribe(jobID string) (<-chan *models.JobProgress, func()) {
	ch := make(chan *models.JobProgress, 16)

	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	if s.subscribers[jobID] == nil {
		s.subscribers[jobID] = make(map[int]chan *models.JobProgress)
	}
	s.subscribers[jobID][id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subscribers[jobID][id]; ok {
			delete(s.subscribers[jobID], id)
			close(sub)
		}
	}
	return ch, cancel
}

// Clear drops all state for a job and closes its subscriber channels.
// Called when the job reaches a terminal status.
func (s *Service) Clear(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.latest, jobID)
	delete(s.history, jobID)
	for id, ch := range s.subscribers[jobID] {
		delete(s.subscribers[jobID], id)
		close(ch)
	}
	delete(s.subscribers, jobID)
}
