package credential

import (
	"context"
	"errors"
	"time"

	"github.com/stretchr/testify/suite"

	"proz/internal/verification/models"
	id "proz/pkg/domain"
	"proz/pkg/platform/sentinel"
	"proz/pkg/testutil"
)

// backend is the method set every credential store implements.
type backend interface {
	Save(ctx context.Context, c *models.Credential) error
	Load(ctx context.Context, subject string, purpose models.Purpose) (*models.Credential, error)
	LoadByToken(ctx context.Context, purpose models.Purpose, token string) (*models.Credential, error)
	IncrementAttempts(ctx context.Context, cid id.CredentialID, now time.Time) (*models.Credential, error)
	MarkConsumed(ctx context.Context, cid id.CredentialID, now time.Time) (*models.Credential, error)
	Delete(ctx context.Context, cid id.CredentialID) error
	DeleteBySubject(ctx context.Context, subject string, purpose models.Purpose, keep id.CredentialID) (int, error)
}

// contractSuite runs the same behavioural checks against every backend.
// Embedding suites set newStore in SetupTest.
type contractSuite struct {
	suite.Suite
	ctx   context.Context
	store backend
	now   time.Time
}

func (s *contractSuite) credential(subject string, purpose models.Purpose, secret string, issuedAt time.Time) *models.Credential {
	policy := models.DefaultPolicies()[purpose]
	return models.NewCredential(subject, purpose, secret, policy, nil, issuedAt)
}

func (s *contractSuite) TestLoadReturnsLatest() {
	older := s.credential("+15551234567", models.PurposePhoneVerification, "111111", s.now.Add(-time.Minute))
	newer := s.credential("+15551234567", models.PurposePhoneVerification, "222222", s.now)
	s.Require().NoError(s.store.Save(s.ctx, older))
	s.Require().NoError(s.store.Save(s.ctx, newer))

	got, err := s.store.Load(s.ctx, "+15551234567", models.PurposePhoneVerification)
	s.Require().NoError(err)
	s.Equal(newer.ID, got.ID)
	s.Equal("222222", got.Secret)
	s.Equal(3, got.MaxAttempts)
	s.WithinDuration(newer.ExpiresAt, got.ExpiresAt, time.Millisecond)
}

func (s *contractSuite) TestLoadScopedByPurpose() {
	s.Require().NoError(s.store.Save(s.ctx, s.credential("+15551234567", models.PurposePhoneVerification, "111111", s.now)))

	_, err := s.store.Load(s.ctx, "+15551234567", models.PurposeLoginVerification)
	s.ErrorIs(err, sentinel.ErrNotFound)

	_, err = s.store.Load(s.ctx, "+15550000000", models.PurposePhoneVerification)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *contractSuite) TestLoadByToken() {
	linked := id.NewIdentityID()
	c := s.credential("ana@example.com", models.PurposePasswordResetToken, "tok-abc", s.now)
	c.LinkedIdentity = &linked
	s.Require().NoError(s.store.Save(s.ctx, c))

	got, err := s.store.LoadByToken(s.ctx, models.PurposePasswordResetToken, "tok-abc")
	s.Require().NoError(err)
	s.Equal(c.ID, got.ID)
	s.Equal("ana@example.com", got.Subject)
	s.Require().NotNil(got.LinkedIdentity)
	s.Equal(linked, *got.LinkedIdentity)

	_, err = s.store.LoadByToken(s.ctx, models.PurposePasswordResetToken, "tok-unknown")
	s.ErrorIs(err, sentinel.ErrNotFound)

	_, err = s.store.LoadByToken(s.ctx, models.PurposeEmailVerification, "tok-abc")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *contractSuite) TestLoadByTokenFollowsClass() {
	policy := models.DefaultPolicies()[models.PurposeLoginVerification]
	policy.Class = models.SecretToken
	token := models.NewCredential("ana@example.com", models.PurposeLoginVerification, "tok-login", policy, nil, s.now)
	s.Require().NoError(s.store.Save(s.ctx, token))

	got, err := s.store.LoadByToken(s.ctx, models.PurposeLoginVerification, "tok-login")
	s.Require().NoError(err)
	s.Equal(token.ID, got.ID)
	s.Equal(models.SecretToken, got.Class)

	numeric := s.credential("ana@example.com", models.PurposeEmailVerification, "123456", s.now)
	numeric.Class = models.SecretNumeric
	s.Require().NoError(s.store.Save(s.ctx, numeric))

	_, err = s.store.LoadByToken(s.ctx, models.PurposeEmailVerification, "123456")
	s.ErrorIs(err, sentinel.ErrNotFound)

	loaded, err := s.store.Load(s.ctx, "ana@example.com", models.PurposeEmailVerification)
	s.Require().NoError(err)
	s.Equal(models.SecretNumeric, loaded.Class)
}

func (s *contractSuite) TestIncrementAttemptsStopsAtMax() {
	c := s.credential("+15551234567", models.PurposePhoneVerification, "123456", s.now)
	s.Require().NoError(s.store.Save(s.ctx, c))

	for want := 1; want <= 3; want++ {
		got, err := s.store.IncrementAttempts(s.ctx, c.ID, s.now)
		s.Require().NoError(err)
		s.Equal(want, got.Attempts)
	}

	got, err := s.store.IncrementAttempts(s.ctx, c.ID, s.now)
	s.ErrorIs(err, sentinel.ErrInvalidState)
	s.Require().NotNil(got)
	s.Equal(3, got.Attempts)
	s.Equal(models.StateAttemptsExhausted, got.State(s.now))
}

func (s *contractSuite) TestIncrementAttemptsRejectsExpired() {
	c := s.credential("+15551234567", models.PurposePhoneVerification, "123456", s.now)
	s.Require().NoError(s.store.Save(s.ctx, c))

	got, err := s.store.IncrementAttempts(s.ctx, c.ID, c.ExpiresAt.Add(time.Second))
	if errors.Is(err, sentinel.ErrNotFound) {
		return // ephemeral backends may already treat it as evicted
	}
	s.ErrorIs(err, sentinel.ErrInvalidState)
	s.Equal(0, got.Attempts)
}

func (s *contractSuite) TestMarkConsumedOnce() {
	c := s.credential("+15551234567", models.PurposePhoneVerification, "123456", s.now)
	s.Require().NoError(s.store.Save(s.ctx, c))

	got, err := s.store.MarkConsumed(s.ctx, c.ID, s.now)
	s.Require().NoError(err)
	s.Require().NotNil(got.ConsumedAt)
	s.WithinDuration(s.now, *got.ConsumedAt, time.Millisecond)

	again, err := s.store.MarkConsumed(s.ctx, c.ID, s.now.Add(time.Second))
	s.ErrorIs(err, sentinel.ErrAlreadyUsed)
	s.Require().NotNil(again)
	s.True(again.IsConsumed())

	_, err = s.store.IncrementAttempts(s.ctx, c.ID, s.now)
	s.ErrorIs(err, sentinel.ErrInvalidState)
}

func (s *contractSuite) TestMarkConsumedRejectsExhausted() {
	c := s.credential("+15551234567", models.PurposePhoneVerification, "123456", s.now)
	s.Require().NoError(s.store.Save(s.ctx, c))
	for range 3 {
		_, err := s.store.IncrementAttempts(s.ctx, c.ID, s.now)
		s.Require().NoError(err)
	}

	got, err := s.store.MarkConsumed(s.ctx, c.ID, s.now)
	s.ErrorIs(err, sentinel.ErrInvalidState)
	s.False(got.IsConsumed())
}

func (s *contractSuite) TestMissingCredential() {
	missing := id.NewCredentialID()

	_, err := s.store.IncrementAttempts(s.ctx, missing, s.now)
	s.ErrorIs(err, sentinel.ErrNotFound)

	_, err = s.store.MarkConsumed(s.ctx, missing, s.now)
	s.ErrorIs(err, sentinel.ErrNotFound)

	s.ErrorIs(s.store.Delete(s.ctx, missing), sentinel.ErrNotFound)
}

func (s *contractSuite) TestConcurrentConsumeSucceedsOnce() {
	c := s.credential("ana@example.com", models.PurposePasswordResetToken, "tok-race", s.now)
	s.Require().NoError(s.store.Save(s.ctx, c))

	tally := testutil.RunConcurrentCtx(s.ctx, 25, func(ctx context.Context, _ int) (string, error) {
		_, err := s.store.MarkConsumed(ctx, c.ID, s.now)
		switch {
		case err == nil:
			return "consumed", nil
		case errors.Is(err, sentinel.ErrAlreadyUsed):
			return "already_used", nil
		default:
			return "", err
		}
	})

	s.Empty(tally.Errors)
	s.Equal(1, tally.Count("consumed"))
	s.Equal(24, tally.Count("already_used"))
}

func (s *contractSuite) TestConcurrentIncrementNeverExceedsMax() {
	c := s.credential("+15551234567", models.PurposePhoneVerification, "123456", s.now)
	s.Require().NoError(s.store.Save(s.ctx, c))

	tally := testutil.RunConcurrentCtx(s.ctx, 20, func(ctx context.Context, _ int) (string, error) {
		_, err := s.store.IncrementAttempts(ctx, c.ID, s.now)
		switch {
		case err == nil:
			return "counted", nil
		case errors.Is(err, sentinel.ErrInvalidState):
			return "refused", nil
		default:
			return "", err
		}
	})

	s.Empty(tally.Errors)
	s.Equal(3, tally.Count("counted"))
	s.Equal(17, tally.Count("refused"))

	got, err := s.store.Load(s.ctx, c.Subject, c.Purpose)
	s.Require().NoError(err)
	s.Equal(3, got.Attempts)
}

func (s *contractSuite) TestDelete() {
	c := s.credential("ana@example.com", models.PurposeEmailVerification, "tok-del", s.now)
	s.Require().NoError(s.store.Save(s.ctx, c))

	s.Require().NoError(s.store.Delete(s.ctx, c.ID))

	_, err := s.store.LoadByToken(s.ctx, models.PurposeEmailVerification, "tok-del")
	s.ErrorIs(err, sentinel.ErrNotFound)
	_, err = s.store.Load(s.ctx, "ana@example.com", models.PurposeEmailVerification)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *contractSuite) TestDeleteBySubjectKeepsOne() {
	first := s.credential("ana@example.com", models.PurposePasswordResetOTP, "111111", s.now.Add(-2*time.Minute))
	second := s.credential("ana@example.com", models.PurposePasswordResetOTP, "222222", s.now.Add(-time.Minute))
	third := s.credential("ana@example.com", models.PurposePasswordResetOTP, "333333", s.now)
	other := s.credential("ana@example.com", models.PurposeEmailVerification, "tok-other", s.now)
	for _, c := range []*models.Credential{first, second, third, other} {
		s.Require().NoError(s.store.Save(s.ctx, c))
	}

	deleted, err := s.store.DeleteBySubject(s.ctx, "ana@example.com", models.PurposePasswordResetOTP, second.ID)
	s.Require().NoError(err)
	s.Equal(2, deleted)

	got, err := s.store.Load(s.ctx, "ana@example.com", models.PurposePasswordResetOTP)
	s.Require().NoError(err)
	s.Equal(second.ID, got.ID)

	_, err = s.store.LoadByToken(s.ctx, models.PurposeEmailVerification, "tok-other")
	s.NoError(err)
}
