package enrollment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitmesh/orbitmesh/common/logger"
	"github.com/orbitmesh/orbitmesh/common/models"
	"github.com/orbitmesh/orbitmesh/common/oerr"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return New(NewMemoryStore(), logger.Discard())
}

// enableEnrollment regenerates the bootstrap token, enables it and
// returns the plaintext secret.
func enableEnrollment(t *testing.T, s *Service, autoApprove bool) string {
	t.Helper()
	_, secret, err := s.RegenerateBootstrapToken(context.Background())
	require.NoError(t, err)
	_, err = s.SetBootstrapTokenOptions(context.Background(), true, autoApprove)
	require.NoError(t, err)
	return secret
}

func TestBootstrapTokenStartsDisabled(t *testing.T) {
	s := newTestService(t)

	token, err := s.BootstrapToken(context.Background())
	require.NoError(t, err)
	assert.False(t, token.IsEnabled)
	assert.NotEmpty(t, token.Hash)

	// Repeated calls return the same record.
	again, err := s.BootstrapToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, token.ID, again.ID)
}

func TestEnrollRejectedWhileDisabled(t *testing.T) {
	s := newTestService(t)

	_, err := s.Enroll(context.Background(), "anything", "node-1", "node-1", "", nil)
	require.Error(t, err)
	assert.True(t, oerr.Is(err, oerr.Policy))
	assert.Equal(t, "enrollment_disabled", oerr.CodeOf(err))
}

func TestEnrollRejectsWrongSecret(t *testing.T) {
	s := newTestService(t)
	enableEnrollment(t, s, false)

	_, err := s.Enroll(context.Background(), "wrong-secret", "node-1", "node-1", "", nil)
	require.Error(t, err)
	assert.True(t, oerr.Is(err, oerr.Validation))
	assert.Equal(t, "invalid_token", oerr.CodeOf(err))
}

func TestEnrollPendingByDefault(t *testing.T) {
	s := newTestService(t)
	secret := enableEnrollment(t, s, false)

	e, err := s.Enroll(context.Background(), secret, "node-1", "builder", "pk", []string{"echo"})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentPending, e.Status)
	assert.Equal(t, []string{"echo"}, e.RequestedCapabilities)
	assert.Nil(t, e.DecidedAt)
	assert.False(t, s.IsApproved(context.Background(), "node-1"))
}

func TestEnrollAutoApprove(t *testing.T) {
	s := newTestService(t)
	secret := enableEnrollment(t, s, true)

	e, err := s.Enroll(context.Background(), secret, "node-1", "builder", "", nil)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentApproved, e.Status)
	assert.NotNil(t, e.DecidedAt)
	assert.True(t, s.IsApproved(context.Background(), "node-1"))
}

func TestEnrollReturnsExistingRecord(t *testing.T) {
	s := newTestService(t)
	secret := enableEnrollment(t, s, false)

	first, err := s.Enroll(context.Background(), secret, "node-1", "builder", "", nil)
	require.NoError(t, err)

	second, err := s.Enroll(context.Background(), secret, "node-1", "builder", "", nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "re-enrollment of a pending node is idempotent")
}

func TestEnrollBlockedNodeStaysBlocked(t *testing.T) {
	s := newTestService(t)
	secret := enableEnrollment(t, s, false)

	e, err := s.Enroll(context.Background(), secret, "node-1", "builder", "", nil)
	require.NoError(t, err)
	_, err = s.Decide(context.Background(), e.ID, models.EnrollmentBlocked)
	require.NoError(t, err)

	_, err = s.Enroll(context.Background(), secret, "node-1", "builder", "", nil)
	require.Error(t, err)
	assert.True(t, oerr.Is(err, oerr.Policy))
}

func TestDecideOnlyFromPending(t *testing.T) {
	s := newTestService(t)
	secret := enableEnrollment(t, s, false)

	e, err := s.Enroll(context.Background(), secret, "node-1", "builder", "", nil)
	require.NoError(t, err)

	approved, err := s.Decide(context.Background(), e.ID, models.EnrollmentApproved)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentApproved, approved.Status)
	assert.True(t, s.IsApproved(context.Background(), "node-1"))

	_, err = s.Decide(context.Background(), e.ID, models.EnrollmentRejected)
	require.Error(t, err)
	assert.True(t, oerr.Is(err, oerr.Conflict))
}

func TestDecideRejectsBogusStatus(t *testing.T) {
	s := newTestService(t)

	_, err := s.Decide(context.Background(), "any", models.EnrollmentStatus("maybe"))
	require.Error(t, err)
	assert.True(t, oerr.Is(err, oerr.Validation))
}

func TestRegenerateInvalidatesOldSecret(t *testing.T) {
	s := newTestService(t)
	oldSecret := enableEnrollment(t, s, false)

	_, newSecret, err := s.RegenerateBootstrapToken(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, oldSecret, newSecret)

	_, err = s.Enroll(context.Background(), oldSecret, "node-1", "builder", "", nil)
	assert.Equal(t, "invalid_token", oerr.CodeOf(err))

	_, err = s.Enroll(context.Background(), newSecret, "node-1", "builder", "", nil)
	assert.NoError(t, err)
}

func TestAPITokenLifecycle(t *testing.T) {
	s := newTestService(t)

	token, secret, err := s.CreateAPIToken(context.Background(), "ci")
	require.NoError(t, err)
	require.NotEmpty(t, secret)
	assert.NotEqual(t, secret, token.Hash, "plaintext is never stored")

	validated, err := s.ValidateAPIToken(context.Background(), secret)
	require.NoError(t, err)
	assert.Equal(t, token.ID, validated.ID)
	assert.NotNil(t, validated.LastUsedAt)

	_, err = s.ValidateAPIToken(context.Background(), "not-a-token")
	assert.Equal(t, "invalid_token", oerr.CodeOf(err))

	require.NoError(t, s.RevokeAPIToken(context.Background(), token.ID))
	_, err = s.ValidateAPIToken(context.Background(), secret)
	assert.Equal(t, "revoked_token", oerr.CodeOf(err))

	// Revoking twice is a no-op.
	assert.NoError(t, s.RevokeAPIToken(context.Background(), token.ID))
}

func TestCreateAPITokenRequiresName(t *testing.T) {
	s := newTestService(t)

	_, _, err := s.CreateAPIToken(context.Background(), "")
	require.Error(t, err)
	assert.True(t, oerr.Is(err, oerr.Validation))
}

func TestListEnrollmentsFiltersByStatus(t *testing.T) {
	s := newTestService(t)
	secret := enableEnrollment(t, s, false)

	a, err := s.Enroll(context.Background(), secret, "node-a", "a", "", nil)
	require.NoError(t, err)
	_, err = s.Enroll(context.Background(), secret, "node-b", "b", "", nil)
	require.NoError(t, err)
	_, err = s.Decide(context.Background(), a.ID, models.EnrollmentApproved)
	require.NoError(t, err)

	pending, err := s.ListEnrollments(context.Background(), models.EnrollmentPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "node-b", pending[0].NodeID)

	all, err := s.ListEnrollments(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
