package enrollment

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/orbitmesh/orbitmesh/common/logger"
	"github.com/orbitmesh/orbitmesh/common/models"
	"github.com/orbitmesh/orbitmesh/common/oerr"
)

// Store persists enrollment state.
type Store interface {
	SaveEnrollment(ctx context.Context, e *models.Enrollment) error
	GetEnrollment(ctx context.Context, id string) (*models.Enrollment, error)
	GetEnrollmentByNode(ctx context.Context, nodeID string) (*models.Enrollment, error)
	ListEnrollments(ctx context.Context, status models.EnrollmentStatus) ([]*models.Enrollment, error)

	SaveBootstrapToken(ctx context.Context, t *models.BootstrapToken) error
	GetBootstrapToken(ctx context.Context) (*models.BootstrapToken, error)

	SaveAPIToken(ctx context.Context, t *models.APIToken) error
	GetAPIToken(ctx context.Context, id string) (*models.APIToken, error)
	GetAPITokenByHash(ctx context.Context, hash string) (*models.APIToken, error)
	ListAPITokens(ctx context.Context) ([]*models.APIToken, error)
}

// Service manages node enrollment: the reusable bootstrap token, the
// enrollment queue, and API tokens. Secrets are stored hashed; the
// plaintext is returned exactly once, on creation.
type Service struct {
	store Store
	log   *logger.Logger
}

func New(store Store, log *logger.Logger) *Service {
	return &Service{store: store, log: log}
}

// hashSecret is the stored form of every secret.
func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// BootstrapToken returns the current bootstrap token record, creating a
// disabled one on first call. The plaintext is never recoverable.
func (s *Service) BootstrapToken(ctx context.Context) (*models.BootstrapToken, error) {
	token, err := s.store.GetBootstrapToken(ctx)
	if err == nil {
		return token, nil
	}
	if !oerr.Is(err, oerr.NotFound) {
		return nil, err
	}

	secret, err := newSecret()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	token = &models.BootstrapToken{
		ID:                uuid.New().String(),
		Hash:              hashSecret(secret),
		IsEnabled:         false,
		CreatedAt:         now,
		LastRegeneratedAt: now,
	}
	if err := s.store.SaveBootstrapToken(ctx, token); err != nil {
		return nil, err
	}
	return token, nil
}

// RegenerateBootstrapToken replaces the secret and returns the new
// plaintext.
func (s *Service) RegenerateBootstrapToken(ctx context.Context) (*models.BootstrapToken, string, error) {
	token, err := s.BootstrapToken(ctx)
	if err != nil {
		return nil, "", err
	}

	secret, err := newSecret()
	if err != nil {
		return nil, "", err
	}
	token.Hash = hashSecret(secret)
	token.LastRegeneratedAt = time.Now().UTC()
	if err := s.store.SaveBootstrapToken(ctx, token); err != nil {
		return nil, "", err
	}

	s.log.Info("bootstrap token regenerated", "token_id", token.ID)
	return token, secret, nil
}

// SetBootstrapTokenOptions updates the enabled and auto-approve flags.
func (s *Service) SetBootstrapTokenOptions(ctx context.Context, enabled, autoApprove bool) (*models.BootstrapToken, error) {
	token, err := s.BootstrapToken(ctx)
	if err != nil {
		return nil, err
	}
	token.IsEnabled = enabled
	token.AutoApprove = autoApprove
	if err := s.store.SaveBootstrapToken(ctx, token); err != nil {
		return nil, err
	}
	return token, nil
}

// Enroll processes a node's first contact carrying the bootstrap
// secret. With auto-approve the enrollment is approved immediately.
func (s *Service) Enroll(ctx context.Context, secret, nodeID, nodeName, publicKey string, capabilities []string) (*models.Enrollment, error) {
	token, err := s.BootstrapToken(ctx)
	if err != nil {
		return nil, err
	}
	if !token.IsEnabled {
		return nil, oerr.New(oerr.Policy, "enrollment is disabled").WithCode("enrollment_disabled")
	}
	if subtle.ConstantTimeCompare([]byte(hashSecret(secret)), []byte(token.Hash)) != 1 {
		return nil, oerr.New(oerr.Validation, "invalid bootstrap token").WithCode("invalid_token")
	}

	if prev, err := s.store.GetEnrollmentByNode(ctx, nodeID); err == nil {
		switch prev.Status {
		case models.EnrollmentBlocked:
			return nil, oerr.Newf(oerr.Policy, "node %s is blocked", nodeID)
		case models.EnrollmentPending, models.EnrollmentApproved:
			return prev, nil
		}
	}

	enrollment := &models.Enrollment{
		ID:                    uuid.New().String(),
		NodeID:                nodeID,
		NodeName:              nodeName,
		PublicKey:             publicKey,
		RequestedCapabilities: capabilities,
		Status:                models.EnrollmentPending,
		CreatedAt:             time.Now().UTC(),
	}
	if token.AutoApprove {
		now := time.Now().UTC()
		enrollment.Status = models.EnrollmentApproved
		enrollment.DecidedAt = &now
	}
	if err := s.store.SaveEnrollment(ctx, enrollment); err != nil {
		return nil, err
	}

	s.log.Info("node enrollment received",
		"enrollment_id", enrollment.ID,
		"node_id", nodeID,
		"status", enrollment.Status)
	return enrollment, nil
}

// Decide approves, rejects or blocks a pending enrollment.
func (s *Service) Decide(ctx context.Context, enrollmentID string, status models.EnrollmentStatus) (*models.Enrollment, error) {
	switch status {
	case models.EnrollmentApproved, models.EnrollmentRejected, models.EnrollmentBlocked:
	default:
		return nil, oerr.Newf(oerr.Validation, "invalid enrollment decision %q", status)
	}

	enrollment, err := s.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if enrollment.Status != models.EnrollmentPending {
		return nil, oerr.Newf(oerr.Conflict, "enrollment %s already %s", enrollmentID, enrollment.Status)
	}

	now := time.Now().UTC()
	enrollment.Status = status
	enrollment.DecidedAt = &now
	if err := s.store.SaveEnrollment(ctx, enrollment); err != nil {
		return nil, err
	}

	s.log.Info("enrollment decided", "enrollment_id", enrollmentID, "status", status)
	return enrollment, nil
}

// IsApproved reports whether a node has an approved enrollment.
func (s *Service) IsApproved(ctx context.Context, nodeID string) bool {
	e, err := s.store.GetEnrollmentByNode(ctx, nodeID)
	return err == nil && e.Status == models.EnrollmentApproved
}

// ListEnrollments returns enrollments, optionally filtered by status.
func (s *Service) ListEnrollments(ctx context.Context, status models.EnrollmentStatus) ([]*models.Enrollment, error) {
	return s.store.ListEnrollments(ctx, status)
}

// CreateAPIToken mints a named API token, returning the plaintext once.
func (s *Service) CreateAPIToken(ctx context.Context, name string) (*models.APIToken, string, error) {
	if name == "" {
		return nil, "", oerr.New(oerr.Validation, "token name is required")
	}

	secret, err := newSecret()
	if err != nil {
		return nil, "", err
	}
	token := &models.APIToken{
		ID:        uuid.New().String(),
		Name:      name,
		Hash:      hashSecret(secret),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.SaveAPIToken(ctx, token); err != nil {
		return nil, "", err
	}

	s.log.Info("api token created", "token_id", token.ID, "name", name)
	return token, secret, nil
}

// ValidateAPIToken checks a presented secret and stamps LastUsedAt.
func (s *Service) ValidateAPIToken(ctx context.Context, secret string) (*models.APIToken, error) {
	token, err := s.store.GetAPITokenByHash(ctx, hashSecret(secret))
	if err != nil {
		return nil, oerr.New(oerr.Validation, "invalid api token").WithCode("invalid_token")
	}
	if token.RevokedAt != nil {
		return nil, oerr.New(oerr.Policy, "api token is revoked").WithCode("revoked_token")
	}

	now := time.Now().UTC()
	token.LastUsedAt = &now
	if err := s.store.SaveAPIToken(ctx, token); err != nil {
		s.log.Debug("token last-used update failed", "token_id", token.ID, "error", err)
	}
	return token, nil
}

// RevokeAPIToken revokes a token by id.
func (s *Service) RevokeAPIToken(ctx context.Context, id string) error {
	token, err := s.store.GetAPIToken(ctx, id)
	if err != nil {
		return err
	}
	if token.RevokedAt != nil {
		return nil
	}
	now := time.Now().UTC()
	token.RevokedAt = &now
	if err := s.store.SaveAPIToken(ctx, token); err != nil {
		return err
	}
	s.log.Info("api token revoked", "token_id", id)
	return nil
}

// ListAPITokens returns all tokens.
func (s *Service) ListAPITokens(ctx context.Context) ([]*models.APIToken, error) {
	return s.store.ListAPITokens(ctx)
}
