package deployment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/orbitmesh/orbitmesh/common/models"
	"github.com/orbitmesh/orbitmesh/common/oerr"
)

// ProfileStore persists deployment profiles.
type ProfileStore interface {
	SaveProfile(ctx context.Context, profile *models.DeploymentProfile) error
	GetProfile(ctx context.Context, id string) (*models.DeploymentProfile, error)
	ListProfiles(ctx context.Context) ([]*models.DeploymentProfile, error)
	DeleteProfile(ctx context.Context, id string) error
}

// ExecutionStore persists deployment executions with paging.
type ExecutionStore interface {
	SaveExecution(ctx context.Context, exec *models.DeploymentExecution) error
	GetExecution(ctx context.Context, id string) (*models.DeploymentExecution, error)
	// ListExecutions returns a page ordered by StartedAt descending plus
	// the total count. profileID may be empty.
	ListExecutions(ctx context.Context, profileID string, limit, offset int) ([]*models.DeploymentExecution, int, error)
}

// MemoryProfileStore is the in-process profile store.
type MemoryProfileStore struct {
	mu       sync.RWMutex
	profiles map[string]*models.DeploymentProfile
}

func NewMemoryProfileStore() *MemoryProfileStore {
	return &MemoryProfileStore{profiles: make(map[string]*models.DeploymentProfile)}
}

func (s *MemoryProfileStore) SaveProfile(_ context.Context, profile *models.DeploymentProfile) error {
	if profile.ID == "" || profile.SourcePath == "" {
		return oerr.New(oerr.Validation, "profile id and source path are required")
	}
	now := time.Now().UTC()
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}
	profile.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[profile.ID] = profile
	return nil
}

func (s *MemoryProfileStore) GetProfile(_ context.Context, id string) (*models.DeploymentProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, oerr.Newf(oerr.NotFound, "deployment profile %s not found", id)
	}
	return p, nil
}

func (s *MemoryProfileStore) ListProfiles(_ context.Context) ([]*models.DeploymentProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.DeploymentProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryProfileStore) DeleteProfile(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[id]; !ok {
		return oerr.Newf(oerr.NotFound, "deployment profile %s not found", id)
	}
	delete(s.profiles, id)
	return nil
}

// MemoryExecutionStore is the in-process execution store.
type MemoryExecutionStore struct {
	mu         sync.RWMutex
	executions map[string]*models.DeploymentExecution
}

func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{executions: make(map[string]*models.DeploymentExecution)}
}

func (s *MemoryExecutionStore) SaveExecution(_ context.Context, exec *models.DeploymentExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copyExec := *exec
	s.executions[exec.ID] = &copyExec
	return nil
}

func (s *MemoryExecutionStore) GetExecution(_ context.Context, id string) (*models.DeploymentExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, oerr.Newf(oerr.NotFound, "deployment execution %s not found", id)
	}
	copyExec := *e
	return &copyExec, nil
}

func (s *MemoryExecutionStore) ListExecutions(_ context.Context, profileID string, limit, offset int) ([]*models.DeploymentExecution, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*models.DeploymentExecution, 0, len(s.executions))
	for _, e := range s.executions {
		if profileID != "" && e.ProfileID != profileID {
			continue
		}
		copyExec := *e
		all = append(all, &copyExec)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })

	total := len(all)
	if offset >= total {
		return []*models.DeploymentExecution{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total, nil
}
