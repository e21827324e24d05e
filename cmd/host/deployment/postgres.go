package deployment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/orbitmesh/orbitmesh/common/db"
	"github.com/orbitmesh/orbitmesh/common/models"
	"github.com/orbitmesh/orbitmesh/common/oerr"
)

// PgProfileStore persists deployment profiles as JSONB documents.
type PgProfileStore struct {
	db *db.DB
}

func NewPgProfileStore(db *db.DB) *PgProfileStore {
	return &PgProfileStore{db: db}
}

func (s *PgProfileStore) SaveProfile(ctx context.Context, profile *models.DeploymentProfile) error {
	if profile.ID == "" || profile.SourcePath == "" {
		return oerr.New(oerr.Validation, "profile id and source path are required")
	}
	now := time.Now().UTC()
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}
	profile.UpdatedAt = now

	doc, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to marshal deployment profile: %w", err)
	}

	query := `
		INSERT INTO deployment_profile (id, name, document, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			document = EXCLUDED.document,
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := s.db.Exec(ctx, query, profile.ID, profile.Name, doc, profile.Enabled, profile.CreatedAt, profile.UpdatedAt); err != nil {
		return fmt.Errorf("failed to save deployment profile: %w", err)
	}
	return nil
}

func (s *PgProfileStore) GetProfile(ctx context.Context, id string) (*models.DeploymentProfile, error) {
	var doc []byte
	err := s.db.QueryRow(ctx, `SELECT document FROM deployment_profile WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oerr.Newf(oerr.NotFound, "deployment profile %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment profile: %w", err)
	}

	profile := &models.DeploymentProfile{}
	if err := json.Unmarshal(doc, profile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal deployment profile: %w", err)
	}
	return profile, nil
}

func (s *PgProfileStore) ListProfiles(ctx context.Context) ([]*models.DeploymentProfile, error) {
	rows, err := s.db.Query(ctx, `SELECT document FROM deployment_profile ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployment profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*models.DeploymentProfile
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan deployment profile: %w", err)
		}
		profile := &models.DeploymentProfile{}
		if err := json.Unmarshal(doc, profile); err != nil {
			return nil, fmt.Errorf("failed to unmarshal deployment profile: %w", err)
		}
		profiles = append(profiles, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployment profiles: %w", err)
	}
	return profiles, nil
}

func (s *PgProfileStore) DeleteProfile(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM deployment_profile WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete deployment profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return oerr.Newf(oerr.NotFound, "deployment profile %s not found", id)
	}
	return nil
}

// PgExecutionStore persists deployment executions with hot columns for
// the paging query.
type PgExecutionStore struct {
	db *db.DB
}

func NewPgExecutionStore(db *db.DB) *PgExecutionStore {
	return &PgExecutionStore{db: db}
}

func (s *PgExecutionStore) SaveExecution(ctx context.Context, exec *models.DeploymentExecution) error {
	doc, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to marshal deployment execution: %w", err)
	}

	query := `
		INSERT INTO deployment_execution (id, profile_id, agent_id, phase, document, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			phase = EXCLUDED.phase,
			document = EXCLUDED.document,
			completed_at = EXCLUDED.completed_at
	`
	if _, err := s.db.Exec(ctx, query, exec.ID, exec.ProfileID, exec.AgentID, exec.Phase, doc, exec.StartedAt, exec.CompletedAt); err != nil {
		return fmt.Errorf("failed to save deployment execution: %w", err)
	}
	return nil
}

func (s *PgExecutionStore) GetExecution(ctx context.Context, id string) (*models.DeploymentExecution, error) {
	var doc []byte
	err := s.db.QueryRow(ctx, `SELECT document FROM deployment_execution WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oerr.Newf(oerr.NotFound, "deployment execution %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment execution: %w", err)
	}

	exec := &models.DeploymentExecution{}
	if err := json.Unmarshal(doc, exec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal deployment execution: %w", err)
	}
	return exec, nil
}

func (s *PgExecutionStore) ListExecutions(ctx context.Context, profileID string, limit, offset int) ([]*models.DeploymentExecution, int, error) {
	countQuery := `SELECT COUNT(*) FROM deployment_execution`
	listQuery := `SELECT document FROM deployment_execution ORDER BY started_at DESC`
	args := []any{}
	if profileID != "" {
		countQuery += ` WHERE profile_id = $1`
		listQuery = `SELECT document FROM deployment_execution WHERE profile_id = $1 ORDER BY started_at DESC`
		args = append(args, profileID)
	}

	var total int
	if err := s.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count deployment executions: %w", err)
	}

	if limit > 0 {
		listQuery += fmt.Sprintf(` LIMIT %d`, limit)
	}
	if offset > 0 {
		listQuery += fmt.Sprintf(` OFFSET %d`, offset)
	}

	rows, err := s.db.Query(ctx, listQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list deployment executions: %w", err)
	}
	defer rows.Close()

	var executions []*models.DeploymentExecution
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, 0, fmt.Errorf("failed to scan deployment execution: %w", err)
		}
		exec := &models.DeploymentExecution{}
		if err := json.Unmarshal(doc, exec); err != nil {
			return nil, 0, fmt.Errorf("failed to unmarshal deployment execution: %w", err)
		}
		executions = append(executions, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating deployment executions: %w", err)
	}
	return executions, total, nil
}
