package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"go.uber.org/mock/gomock"

	"proz/internal/verification/delivery"
	"proz/internal/verification/models"
	"proz/internal/verification/ratelimit"
	id "proz/pkg/domain"
	dErrors "proz/pkg/domain-errors"
	"proz/pkg/platform/sentinel"
)

func (s *ServiceSuite) TestIssue() {
	ctx := context.Background()
	phone := "+15551234567"

	s.Run("stores, records, and dispatches an otp", func() {
		s.mockLimiter.EXPECT().Allow(gomock.Any(), phone).Return(s.allowed(0), nil)
		s.mockGenerator.EXPECT().GenerateCode(6).Return("042917", nil)
		s.mockStore.EXPECT().Save(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, c *models.Credential) error {
				s.Equal(phone, c.Subject)
				s.Equal(models.PurposePhoneVerification, c.Purpose)
				s.Equal("042917", c.Secret)
				s.Equal(3, c.MaxAttempts)
				s.Equal(s.now.Add(5*time.Minute), c.ExpiresAt)
				return nil
			})
		s.mockLimiter.EXPECT().RecordIssuance(gomock.Any(), phone).Return(s.allowed(1), nil)
		s.mockDispatcher.EXPECT().Dispatch(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, msg delivery.Message) error {
				s.Equal(models.ChannelSMS, msg.Channel)
				s.Equal(phone, msg.To)
				s.Equal("042917", msg.Secret)
				s.Empty(msg.Link)
				return nil
			})

		res, err := s.service.Issue(ctx, IssueRequest{Subject: phone, Purpose: models.PurposePhoneVerification})
		s.Require().NoError(err)
		s.True(res.Delivered)
		s.NoError(res.DeliveryErr)
		s.Empty(res.Secret, "dispatch mode never returns the secret")
		s.Equal(s.now.Add(5*time.Minute), res.ExpiresAt)
	})

	s.Run("token purposes deliver a link", func() {
		identity := id.NewIdentityID()
		s.mockLimiter.EXPECT().Allow(gomock.Any(), "maria@example.com").Return(s.allowed(0), nil)
		s.mockGenerator.EXPECT().GenerateToken().Return("tok+/=", nil)
		s.mockStore.EXPECT().Save(gomock.Any(), gomock.Any()).Return(nil)
		s.mockLimiter.EXPECT().RecordIssuance(gomock.Any(), "maria@example.com").Return(s.allowed(1), nil)
		s.mockDispatcher.EXPECT().Dispatch(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, msg delivery.Message) error {
				s.Equal("https://proz.example/auth/password/reset?token=tok%2B%2F%3D", msg.Link)
				return nil
			})

		_, err := s.service.Issue(ctx, IssueRequest{
			Subject:        "maria@example.com",
			Purpose:        models.PurposePasswordResetToken,
			LinkedIdentity: &identity,
		})
		s.Require().NoError(err)
	})

	s.Run("rate limited before anything is stored", func() {
		s.mockLimiter.EXPECT().Allow(gomock.Any(), phone).Return(&ratelimit.Decision{
			Allowed: false, Count: 3, Limit: 3, ResetAt: s.now.Add(20 * time.Minute),
		}, nil)

		res, err := s.service.Issue(ctx, IssueRequest{Subject: phone, Purpose: models.PurposePhoneVerification})
		s.Nil(res)
		s.ErrorIs(err, ErrRateLimited)
		s.True(dErrors.HasCode(err, dErrors.CodeRateLimited))

		var rl *RateLimitedError
		s.Require().ErrorAs(err, &rl)
		s.Equal(20*time.Minute, rl.RetryAfter)
	})

	s.Run("delivery failure is reported but not fatal", func() {
		s.mockLimiter.EXPECT().Allow(gomock.Any(), phone).Return(s.allowed(0), nil)
		s.mockGenerator.EXPECT().GenerateCode(6).Return("111111", nil)
		s.mockStore.EXPECT().Save(gomock.Any(), gomock.Any()).Return(nil)
		s.mockLimiter.EXPECT().RecordIssuance(gomock.Any(), phone).Return(s.allowed(1), nil)
		s.mockDispatcher.EXPECT().Dispatch(gomock.Any(), gomock.Any()).Return(errors.New("sns throttled"))

		res, err := s.service.Issue(ctx, IssueRequest{Subject: phone, Purpose: models.PurposePhoneVerification})
		s.Require().NoError(err)
		s.False(res.Delivered)
		s.ErrorIs(res.DeliveryErr, ErrDeliveryFailed)
		s.False(res.CredentialID.IsNil())
	})

	s.Run("store failure is unavailable", func() {
		s.mockLimiter.EXPECT().Allow(gomock.Any(), phone).Return(s.allowed(0), nil)
		s.mockGenerator.EXPECT().GenerateCode(6).Return("111111", nil)
		s.mockStore.EXPECT().Save(gomock.Any(), gomock.Any()).Return(errors.New("connection reset"))

		_, err := s.service.Issue(ctx, IssueRequest{Subject: phone, Purpose: models.PurposePhoneVerification})
		s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
	})

	s.Run("limiter failure is unavailable", func() {
		s.mockLimiter.EXPECT().Allow(gomock.Any(), phone).Return(nil, errors.New("redis down"))

		_, err := s.service.Issue(ctx, IssueRequest{Subject: phone, Purpose: models.PurposePhoneVerification})
		s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
	})

	s.Run("token collision regenerates", func() {
		identity := id.NewIdentityID()
		s.mockLimiter.EXPECT().Allow(gomock.Any(), "maria@example.com").Return(s.allowed(0), nil)
		gomock.InOrder(
			s.mockGenerator.EXPECT().GenerateToken().Return("dup", nil),
			s.mockGenerator.EXPECT().GenerateToken().Return("fresh", nil),
		)
		gomock.InOrder(
			s.mockStore.EXPECT().Save(gomock.Any(), gomock.Any()).Return(sentinel.ErrConflict),
			s.mockStore.EXPECT().Save(gomock.Any(), gomock.Any()).Return(nil),
		)
		s.mockLimiter.EXPECT().RecordIssuance(gomock.Any(), "maria@example.com").Return(s.allowed(1), nil)
		s.mockDispatcher.EXPECT().Dispatch(gomock.Any(), gomock.Any()).Return(nil)

		_, err := s.service.Issue(ctx, IssueRequest{
			Subject:        "maria@example.com",
			Purpose:        models.PurposeEmailVerification,
			LinkedIdentity: &identity,
		})
		s.Require().NoError(err)
	})

	s.Run("counter failure after save does not fail issuance", func() {
		s.mockLimiter.EXPECT().Allow(gomock.Any(), phone).Return(s.allowed(0), nil)
		s.mockGenerator.EXPECT().GenerateCode(6).Return("111111", nil)
		s.mockStore.EXPECT().Save(gomock.Any(), gomock.Any()).Return(nil)
		s.mockLimiter.EXPECT().RecordIssuance(gomock.Any(), phone).Return(nil, errors.New("redis down"))
		s.mockDispatcher.EXPECT().Dispatch(gomock.Any(), gomock.Any()).Return(nil)

		res, err := s.service.Issue(ctx, IssueRequest{Subject: phone, Purpose: models.PurposePhoneVerification})
		s.Require().NoError(err)
		s.True(res.Delivered)
	})

	s.Run("entropy failure is internal", func() {
		s.mockLimiter.EXPECT().Allow(gomock.Any(), phone).Return(s.allowed(0), nil)
		s.mockGenerator.EXPECT().GenerateCode(6).Return("", errors.New("entropy unavailable"))

		_, err := s.service.Issue(ctx, IssueRequest{Subject: phone, Purpose: models.PurposePhoneVerification})
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	})
}

func (s *ServiceSuite) TestIssueValidation() {
	ctx := context.Background()

	s.Run("empty subject", func() {
		_, err := s.service.Issue(ctx, IssueRequest{Subject: "  ", Purpose: models.PurposePhoneVerification})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("unknown purpose", func() {
		_, err := s.service.Issue(ctx, IssueRequest{Subject: "+15551234567", Purpose: "sms-login"})
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	s.Run("token purpose without linked identity", func() {
		_, err := s.service.Issue(ctx, IssueRequest{Subject: "maria@example.com", Purpose: models.PurposePasswordResetToken})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *ServiceSuite) TestIssueExposeMode() {
	svc := s.newService(WithDeliveryMode(DeliveryExpose), WithDispatcher(nil))
	phone := "+15551234567"

	s.mockLimiter.EXPECT().Allow(gomock.Any(), phone).Return(s.allowed(0), nil)
	s.mockGenerator.EXPECT().GenerateCode(6).Return("314159", nil)
	s.mockStore.EXPECT().Save(gomock.Any(), gomock.Any()).Return(nil)
	s.mockLimiter.EXPECT().RecordIssuance(gomock.Any(), phone).Return(s.allowed(1), nil)

	res, err := svc.Issue(context.Background(), IssueRequest{Subject: phone, Purpose: models.PurposePhoneVerification})
	s.Require().NoError(err)
	s.Equal("314159", res.Secret)
	s.False(res.Delivered)
}

func (s *ServiceSuite) TestIssueRevokesSiblingsWhenConfigured() {
	policies := models.DefaultPolicies()
	p := policies[models.PurposePhoneVerification]
	p.RevokeSiblingsOnIssue = true
	policies[models.PurposePhoneVerification] = p

	svc, err := New(s.mockStore, s.mockLimiter, policies,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithGenerator(s.mockGenerator),
		WithDispatcher(s.mockDispatcher),
		WithClock(func() time.Time { return s.now }),
	)
	s.Require().NoError(err)

	phone := "+15551234567"
	var saved *models.Credential
	s.mockLimiter.EXPECT().Allow(gomock.Any(), phone).Return(s.allowed(1), nil)
	s.mockGenerator.EXPECT().GenerateCode(6).Return("222222", nil)
	s.mockStore.EXPECT().Save(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, c *models.Credential) error {
		saved = c
		return nil
	})
	s.mockLimiter.EXPECT().RecordIssuance(gomock.Any(), phone).Return(s.allowed(2), nil)
	s.mockStore.EXPECT().DeleteBySubject(gomock.Any(), phone, models.PurposePhoneVerification, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ string, _ models.Purpose, keep id.CredentialID) (int, error) {
			s.Equal(saved.ID, keep)
			return 1, nil
		})
	s.mockDispatcher.EXPECT().Dispatch(gomock.Any(), gomock.Any()).Return(nil)

	_, err = svc.Issue(context.Background(), IssueRequest{Subject: phone, Purpose: models.PurposePhoneVerification})
	s.Require().NoError(err)
}

func (s *ServiceSuite) TestNewRequiresDispatcherInDispatchMode() {
	_, err := New(s.mockStore, s.mockLimiter, nil)
	s.Error(err)

	_, err = New(s.mockStore, s.mockLimiter, nil, WithDeliveryMode("carrier-pigeon"), WithDispatcher(s.mockDispatcher))
	s.Error(err)

	_, err = New(nil, s.mockLimiter, nil, WithDispatcher(s.mockDispatcher))
	s.Error(err)
}
