package enrollment

import (
	"context"
	"sort"
	"sync"

	"github.com/orbitmesh/orbitmesh/common/models"
	"github.com/orbitmesh/orbitmesh/common/oerr"
)

// MemoryStore is the in-process enrollment store.
type MemoryStore struct {
	mu          sync.RWMutex
	enrollments map[string]*models.Enrollment
	byNode      map[string]string // nodeID → enrollmentID
	bootstrap   *models.BootstrapToken
	apiTokens   map[string]*models.APIToken
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		enrollments: make(map[string]*models.Enrollment),
		byNode:      make(map[string]string),
		apiTokens:   make(map[string]*models.APIToken),
	}
}

func (s *MemoryStore) SaveEnrollment(_ context.Context, e *models.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.enrollments[e.ID] = &cp
	s.byNode[e.NodeID] = e.ID
	return nil
}

func (s *MemoryStore) GetEnrollment(_ context.Context, id string) (*models.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.enrollments[id]
	if !ok {
		return nil, oerr.Newf(oerr.NotFound, "enrollment %s not found", id)
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) GetEnrollmentByNode(_ context.Context, nodeID string) (*models.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byNode[nodeID]
	if !ok {
		return nil, oerr.Newf(oerr.NotFound, "no enrollment for node %s", nodeID)
	}
	cp := *s.enrollments[id]
	return &cp, nil
}

func (s *MemoryStore) ListEnrollments(_ context.Context, status models.EnrollmentStatus) ([]*models.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Enrollment, 0, len(s.enrollments))
	for _, e := range s.enrollments {
		if status != "" && e.Status != status {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SaveBootstrapToken(_ context.Context, t *models.BootstrapToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.bootstrap = &cp
	return nil
}

func (s *MemoryStore) GetBootstrapToken(_ context.Context) (*models.BootstrapToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.bootstrap == nil {
		return nil, oerr.New(oerr.NotFound, "bootstrap token not initialised")
	}
	cp := *s.bootstrap
	return &cp, nil
}

func (s *MemoryStore) SaveAPIToken(_ context.Context, t *models.APIToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.apiTokens[t.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAPIToken(_ context.Context, id string) (*models.APIToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.apiTokens[id]
	if !ok {
		return nil, oerr.Newf(oerr.NotFound, "api token %s not found", id)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) GetAPITokenByHash(_ context.Context, hash string) (*models.APIToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.apiTokens {
		if t.Hash == hash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, oerr.New(oerr.NotFound, "api token not found")
}

func (s *MemoryStore) ListAPITokens(_ context.Context) ([]*models.APIToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.APIToken, 0, len(s.apiTokens))
	for _, t := range s.apiTokens {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
