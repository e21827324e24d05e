package enrollment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/orbitmesh/orbitmesh/common/db"
	"github.com/orbitmesh/orbitmesh/common/models"
	"github.com/orbitmesh/orbitmesh/common/oerr"
)

// PgStore is the Postgres-backed enrollment store.
type PgStore struct {
	db *db.DB
}

func NewPgStore(db *db.DB) *PgStore {
	return &PgStore{db: db}
}

func (s *PgStore) SaveEnrollment(ctx context.Context, e *models.Enrollment) error {
	caps, err := json.Marshal(e.RequestedCapabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}

	query := `
		INSERT INTO enrollment (id, node_id, node_name, public_key, requested_capabilities, status, created_at, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			decided_at = EXCLUDED.decided_at
	`
	if _, err := s.db.Exec(ctx, query, e.ID, e.NodeID, e.NodeName, e.PublicKey, caps, e.Status, e.CreatedAt, e.DecidedAt); err != nil {
		return fmt.Errorf("failed to save enrollment: %w", err)
	}
	return nil
}

func (s *PgStore) GetEnrollment(ctx context.Context, id string) (*models.Enrollment, error) {
	return s.scanEnrollment(s.db.QueryRow(ctx, `
		SELECT id, node_id, node_name, public_key, requested_capabilities, status, created_at, decided_at
		FROM enrollment WHERE id = $1`, id), id)
}

func (s *PgStore) GetEnrollmentByNode(ctx context.Context, nodeID string) (*models.Enrollment, error) {
	return s.scanEnrollment(s.db.QueryRow(ctx, `
		SELECT id, node_id, node_name, public_key, requested_capabilities, status, created_at, decided_at
		FROM enrollment WHERE node_id = $1
		ORDER BY created_at DESC LIMIT 1`, nodeID), nodeID)
}

func (s *PgStore) scanEnrollment(row pgx.Row, key string) (*models.Enrollment, error) {
	e := &models.Enrollment{}
	var caps []byte
	err := row.Scan(&e.ID, &e.NodeID, &e.NodeName, &e.PublicKey, &caps, &e.Status, &e.CreatedAt, &e.DecidedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oerr.Newf(oerr.NotFound, "enrollment %s not found", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get enrollment: %w", err)
	}
	if len(caps) > 0 {
		if err := json.Unmarshal(caps, &e.RequestedCapabilities); err != nil {
			return nil, fmt.Errorf("failed to unmarshal capabilities: %w", err)
		}
	}
	return e, nil
}

func (s *PgStore) ListEnrollments(ctx context.Context, status models.EnrollmentStatus) ([]*models.Enrollment, error) {
	query := `
		SELECT id, node_id, node_name, public_key, requested_capabilities, status, created_at, decided_at
		FROM enrollment`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list enrollments: %w", err)
	}
	defer rows.Close()

	var out []*models.Enrollment
	for rows.Next() {
		e := &models.Enrollment{}
		var caps []byte
		if err := rows.Scan(&e.ID, &e.NodeID, &e.NodeName, &e.PublicKey, &caps, &e.Status, &e.CreatedAt, &e.DecidedAt); err != nil {
			return nil, fmt.Errorf("failed to scan enrollment: %w", err)
		}
		if len(caps) > 0 {
			if err := json.Unmarshal(caps, &e.RequestedCapabilities); err != nil {
				return nil, fmt.Errorf("failed to unmarshal capabilities: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating enrollments: %w", err)
	}
	return out, nil
}

func (s *PgStore) SaveBootstrapToken(ctx context.Context, t *models.BootstrapToken) error {
	query := `
		INSERT INTO bootstrap_token (id, hash, is_enabled, auto_approve, created_at, last_regenerated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			hash = EXCLUDED.hash,
			is_enabled = EXCLUDED.is_enabled,
			auto_approve = EXCLUDED.auto_approve,
			last_regenerated_at = EXCLUDED.last_regenerated_at
	`
	if _, err := s.db.Exec(ctx, query, t.ID, t.Hash, t.IsEnabled, t.AutoApprove, t.CreatedAt, t.LastRegeneratedAt); err != nil {
		return fmt.Errorf("failed to save bootstrap token: %w", err)
	}
	return nil
}

func (s *PgStore) GetBootstrapToken(ctx context.Context) (*models.BootstrapToken, error) {
	t := &models.BootstrapToken{}
	err := s.db.QueryRow(ctx, `
		SELECT id, hash, is_enabled, auto_approve, created_at, last_regenerated_at
		FROM bootstrap_token ORDER BY created_at LIMIT 1`).
		Scan(&t.ID, &t.Hash, &t.IsEnabled, &t.AutoApprove, &t.CreatedAt, &t.LastRegeneratedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oerr.New(oerr.NotFound, "bootstrap token not initialised")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bootstrap token: %w", err)
	}
	return t, nil
}

func (s *PgStore) SaveAPIToken(ctx context.Context, t *models.APIToken) error {
	query := `
		INSERT INTO api_token (id, name, hash, created_at, last_used_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			last_used_at = EXCLUDED.last_used_at,
			revoked_at = EXCLUDED.revoked_at
	`
	if _, err := s.db.Exec(ctx, query, t.ID, t.Name, t.Hash, t.CreatedAt, t.LastUsedAt, t.RevokedAt); err != nil {
		return fmt.Errorf("failed to save api token: %w", err)
	}
	return nil
}

func (s *PgStore) GetAPIToken(ctx context.Context, id string) (*models.APIToken, error) {
	t := &models.APIToken{}
	err := s.db.QueryRow(ctx, `
		SELECT id, name, hash, created_at, last_used_at, revoked_at
		FROM api_token WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.Hash, &t.CreatedAt, &t.LastUsedAt, &t.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oerr.Newf(oerr.NotFound, "api token %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api token: %w", err)
	}
	return t, nil
}

func (s *PgStore) GetAPITokenByHash(ctx context.Context, hash string) (*models.APIToken, error) {
	t := &models.APIToken{}
	err := s.db.QueryRow(ctx, `
		SELECT id, name, hash, created_at, last_used_at, revoked_at
		FROM api_token WHERE hash = $1`, hash).
		Scan(&t.ID, &t.Name, &t.Hash, &t.CreatedAt, &t.LastUsedAt, &t.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oerr.New(oerr.NotFound, "api token not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api token: %w", err)
	}
	return t, nil
}

func (s *PgStore) ListAPITokens(ctx context.Context) ([]*models.APIToken, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, hash, created_at, last_used_at, revoked_at
		FROM api_token ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list api tokens: %w", err)
	}
	defer rows.Close()

	var out []*models.APIToken
	for rows.Next() {
		t := &models.APIToken{}
		if err := rows.Scan(&t.ID, &t.Name, &t.Hash, &t.CreatedAt, &t.LastUsedAt, &t.RevokedAt); err != nil {
			return nil, fmt.Errorf("failed to scan api token: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating api tokens: %w", err)
	}
	return out, nil
}
