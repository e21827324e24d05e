package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/orbitmesh/orbitmesh/common/models"
	"github.com/orbitmesh/orbitmesh/common/oerr"
)

// DefinitionStore persists workflow definitions, keyed by (id, version).
type DefinitionStore interface {
	SaveDefinition(ctx context.Context, def *models.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id, version string) (*models.WorkflowDefinition, error)
	// LatestDefinition returns the most recently updated version of a
	// workflow.
	LatestDefinition(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context) ([]*models.WorkflowDefinition, error)
	DeleteDefinition(ctx context.Context, id, version string) error
}

// InstanceStore persists workflow instances.
type InstanceStore interface {
	SaveInstance(ctx context.Context, instance *models.WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*models.WorkflowInstance, error)
	ListInstances(ctx context.Context, workflowID string) ([]*models.WorkflowInstance, error)
}

type defKey struct {
	id      string
	version string
}

// MemoryDefinitionStore is the in-process definition store used by the
// single-binary mode and tests.
type MemoryDefinitionStore struct {
	mu   sync.RWMutex
	defs map[defKey]*models.WorkflowDefinition
}

func NewMemoryDefinitionStore() *MemoryDefinitionStore {
	return &MemoryDefinitionStore{defs: make(map[defKey]*models.WorkflowDefinition)}
}

// SaveDefinition rejects duplicate (id, version) pairs with Conflict.
func (s *MemoryDefinitionStore) SaveDefinition(_ context.Context, def *models.WorkflowDefinition) error {
	if def.ID == "" || def.Version == "" {
		return oerr.New(oerr.Validation, "workflow id and version are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := defKey{def.ID, def.Version}
	if _, exists := s.defs[key]; exists {
		return oerr.Newf(oerr.Conflict, "workflow %s version %s already exists", def.ID, def.Version)
	}
	now := time.Now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	s.defs[key] = def
	return nil
}

func (s *MemoryDefinitionStore) GetDefinition(_ context.Context, id, version string) (*models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.defs[defKey{id, version}]
	if !ok {
		return nil, oerr.Newf(oerr.NotFound, "workflow %s version %s not found", id, version)
	}
	return def, nil
}

func (s *MemoryDefinitionStore) LatestDefinition(_ context.Context, id string) (*models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *models.WorkflowDefinition
	for key, def := range s.defs {
		if key.id != id {
			continue
		}
		if latest == nil || def.UpdatedAt.After(latest.UpdatedAt) {
			latest = def
		}
	}
	if latest == nil {
		return nil, oerr.Newf(oerr.NotFound, "workflow %s not found", id)
	}
	return latest, nil
}

func (s *MemoryDefinitionStore) ListDefinitions(_ context.Context) ([]*models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.WorkflowDefinition, 0, len(s.defs))
	for _, def := range s.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (s *MemoryDefinitionStore) DeleteDefinition(_ context.Context, id, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := defKey{id, version}
	if _, ok := s.defs[key]; !ok {
		return oerr.Newf(oerr.NotFound, "workflow %s version %s not found", id, version)
	}
	delete(s.defs, key)
	return nil
}

// MemoryInstanceStore is the in-process instance store.
type MemoryInstanceStore struct {
	mu        sync.RWMutex
	instances map[string]*models.WorkflowInstance
}

func NewMemoryInstanceStore() *MemoryInstanceStore {
	return &MemoryInstanceStore{instances: make(map[string]*models.WorkflowInstance)}
}

func (s *MemoryInstanceStore) SaveInstance(_ context.Context, instance *models.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[instance.ID] = instance
	return nil
}

func (s *MemoryInstanceStore) GetInstance(_ context.Context, id string) (*models.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instance, ok := s.instances[id]
	if !ok {
		return nil, oerr.Newf(oerr.NotFound, "workflow instance %s not found", id)
	}
	return instance, nil
}

func (s *MemoryInstanceStore) ListInstances(_ context.Context, workflowID string) ([]*models.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.WorkflowInstance, 0)
	for _, instance := range s.instances {
		if workflowID != "" && instance.WorkflowID != workflowID {
			continue
		}
		out = append(out, instance)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
