package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/orbitmesh/orbitmesh/common/db"
	"github.com/orbitmesh/orbitmesh/common/models"
	"github.com/orbitmesh/orbitmesh/common/oerr"
)

// PgDefinitionStore persists workflow definitions as JSONB documents
// keyed by (id, version).
type PgDefinitionStore struct {
	db *db.DB
}

func NewPgDefinitionStore(db *db.DB) *PgDefinitionStore {
	return &PgDefinitionStore{db: db}
}

func (s *PgDefinitionStore) SaveDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	if def.ID == "" || def.Version == "" {
		return oerr.New(oerr.Validation, "workflow id and version are required")
	}
	now := time.Now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now

	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow definition: %w", err)
	}

	query := `
		INSERT INTO workflow (id, version, name, definition, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = s.db.Exec(ctx, query, def.ID, def.Version, def.Name, doc, def.IsActive, def.CreatedAt, def.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return oerr.Newf(oerr.Conflict, "workflow %s version %s already exists", def.ID, def.Version)
		}
		return fmt.Errorf("failed to save workflow definition: %w", err)
	}
	return nil
}

func (s *PgDefinitionStore) GetDefinition(ctx context.Context, id, version string) (*models.WorkflowDefinition, error) {
	query := `SELECT definition FROM workflow WHERE id = $1 AND version = $2`

	var doc []byte
	err := s.db.QueryRow(ctx, query, id, version).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oerr.Newf(oerr.NotFound, "workflow %s version %s not found", id, version)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow definition: %w", err)
	}
	return unmarshalDefinition(doc)
}

func (s *PgDefinitionStore) LatestDefinition(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	query := `
		SELECT definition FROM workflow
		WHERE id = $1
		ORDER BY updated_at DESC
		LIMIT 1
	`

	var doc []byte
	err := s.db.QueryRow(ctx, query, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oerr.Newf(oerr.NotFound, "workflow %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest workflow definition: %w", err)
	}
	return unmarshalDefinition(doc)
}

func (s *PgDefinitionStore) ListDefinitions(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	query := `SELECT definition FROM workflow ORDER BY id, version`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow definitions: %w", err)
	}
	defer rows.Close()

	var defs []*models.WorkflowDefinition
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan workflow definition: %w", err)
		}
		def, err := unmarshalDefinition(doc)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflow definitions: %w", err)
	}
	return defs, nil
}

func (s *PgDefinitionStore) DeleteDefinition(ctx context.Context, id, version string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM workflow WHERE id = $1 AND version = $2`, id, version)
	if err != nil {
		return fmt.Errorf("failed to delete workflow definition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return oerr.Newf(oerr.NotFound, "workflow %s version %s not found", id, version)
	}
	return nil
}

func unmarshalDefinition(doc []byte) (*models.WorkflowDefinition, error) {
	def := &models.WorkflowDefinition{}
	if err := json.Unmarshal(doc, def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow definition: %w", err)
	}
	return def, nil
}

// PgInstanceStore persists workflow instances as JSONB documents with
// hot columns for the common filters.
type PgInstanceStore struct {
	db *db.DB
}

func NewPgInstanceStore(db *db.DB) *PgInstanceStore {
	return &PgInstanceStore{db: db}
}

func (s *PgInstanceStore) SaveInstance(ctx context.Context, instance *models.WorkflowInstance) error {
	doc, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow instance: %w", err)
	}

	query := `
		INSERT INTO workflow_instance (
			id, workflow_id, workflow_version, status, document,
			parent_instance_id, correlation_id, created_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			document = EXCLUDED.document,
			completed_at = EXCLUDED.completed_at
	`
	_, err = s.db.Exec(ctx, query,
		instance.ID,
		instance.WorkflowID,
		instance.WorkflowVersion,
		instance.Status,
		doc,
		nullable(instance.ParentInstanceID),
		nullable(instance.CorrelationID),
		instance.CreatedAt,
		instance.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save workflow instance: %w", err)
	}
	return nil
}

func (s *PgInstanceStore) GetInstance(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	var doc []byte
	err := s.db.QueryRow(ctx, `SELECT document FROM workflow_instance WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oerr.Newf(oerr.NotFound, "workflow instance %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow instance: %w", err)
	}

	instance := &models.WorkflowInstance{}
	if err := json.Unmarshal(doc, instance); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow instance: %w", err)
	}
	return instance, nil
}

func (s *PgInstanceStore) ListInstances(ctx context.Context, workflowID string) ([]*models.WorkflowInstance, error) {
	query := `SELECT document FROM workflow_instance ORDER BY created_at`
	args := []any{}
	if workflowID != "" {
		query = `SELECT document FROM workflow_instance WHERE workflow_id = $1 ORDER BY created_at`
		args = append(args, workflowID)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow instances: %w", err)
	}
	defer rows.Close()

	var instances []*models.WorkflowInstance
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan workflow instance: %w", err)
		}
		instance := &models.WorkflowInstance{}
		if err := json.Unmarshal(doc, instance); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow instance: %w", err)
		}
		instances = append(instances, instance)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflow instances: %w", err)
	}
	return instances, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
