package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/mock/gomock"

	"proz/internal/verification/models"
	dErrors "proz/pkg/domain-errors"
	"proz/pkg/platform/sentinel"
)

func (s *ServiceSuite) TestVerify() {
	ctx := context.Background()
	phone := "+15551234567"
	otp := func() VerifyRequest {
		return VerifyRequest{Subject: phone, Purpose: models.PurposePhoneVerification, Secret: "042917"}
	}

	s.Run("correct code consumes", func() {
		cred := s.credential(models.PurposePhoneVerification, phone, "042917", s.now.Add(-time.Minute))
		consumed := cred.Clone()
		consumed.ConsumedAt = &s.now

		s.mockStore.EXPECT().Load(gomock.Any(), phone, models.PurposePhoneVerification).Return(cred, nil)
		s.mockStore.EXPECT().MarkConsumed(gomock.Any(), cred.ID, s.now).Return(consumed, nil)

		res, err := s.service.Verify(ctx, otp())
		s.Require().NoError(err)
		s.True(res.OK())
		s.Equal(cred.ID, res.CredentialID)
		s.Equal(phone, res.Subject)
	})

	s.Run("wrong code counts an attempt", func() {
		cred := s.credential(models.PurposePhoneVerification, phone, "999999", s.now.Add(-time.Minute))
		bumped := cred.Clone()
		bumped.Attempts = 1

		s.mockStore.EXPECT().Load(gomock.Any(), phone, models.PurposePhoneVerification).Return(cred, nil)
		s.mockStore.EXPECT().IncrementAttempts(gomock.Any(), cred.ID, s.now).Return(bumped, nil)

		res, err := s.service.Verify(ctx, otp())
		s.Require().NoError(err)
		s.Equal(models.OutcomeInvalidSecret, res.Outcome)
		s.Equal(2, res.AttemptsRemaining)
	})

	s.Run("last failing attempt reports exhaustion", func() {
		cred := s.credential(models.PurposePhoneVerification, phone, "999999", s.now.Add(-time.Minute))
		cred.Attempts = 2
		bumped := cred.Clone()
		bumped.Attempts = 3

		s.mockStore.EXPECT().Load(gomock.Any(), phone, models.PurposePhoneVerification).Return(cred, nil)
		s.mockStore.EXPECT().IncrementAttempts(gomock.Any(), cred.ID, s.now).Return(bumped, nil)

		res, err := s.service.Verify(ctx, otp())
		s.Require().NoError(err)
		s.Equal(models.OutcomeAttemptsExhausted, res.Outcome)
	})

	s.Run("not found", func() {
		s.mockStore.EXPECT().Load(gomock.Any(), phone, models.PurposePhoneVerification).Return(nil, sentinel.ErrNotFound)

		res, err := s.service.Verify(ctx, otp())
		s.Require().NoError(err)
		s.Equal(models.OutcomeNotFound, res.Outcome)
	})

	s.Run("store failure is unavailable", func() {
		s.mockStore.EXPECT().Load(gomock.Any(), phone, models.PurposePhoneVerification).Return(nil, errors.New("i/o timeout"))

		res, err := s.service.Verify(ctx, otp())
		s.Nil(res)
		s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
	})

	s.Run("lost consume race is already consumed", func() {
		cred := s.credential(models.PurposePhoneVerification, phone, "042917", s.now.Add(-time.Minute))
		winner := cred.Clone()
		winner.ConsumedAt = &s.now

		s.mockStore.EXPECT().Load(gomock.Any(), phone, models.PurposePhoneVerification).Return(cred, nil)
		s.mockStore.EXPECT().MarkConsumed(gomock.Any(), cred.ID, s.now).Return(winner, sentinel.ErrAlreadyUsed)

		res, err := s.service.Verify(ctx, otp())
		s.Require().NoError(err)
		s.Equal(models.OutcomeAlreadyConsumed, res.Outcome)
	})

	s.Run("increment after concurrent consume is classified from the record", func() {
		cred := s.credential(models.PurposePhoneVerification, phone, "999999", s.now.Add(-time.Minute))
		current := cred.Clone()
		current.ConsumedAt = &s.now

		s.mockStore.EXPECT().Load(gomock.Any(), phone, models.PurposePhoneVerification).Return(cred, nil)
		s.mockStore.EXPECT().IncrementAttempts(gomock.Any(), cred.ID, s.now).Return(current, sentinel.ErrInvalidState)

		res, err := s.service.Verify(ctx, otp())
		s.Require().NoError(err)
		s.Equal(models.OutcomeAlreadyConsumed, res.Outcome)
	})

	s.Run("consume after concurrent exhaustion", func() {
		cred := s.credential(models.PurposePhoneVerification, phone, "042917", s.now.Add(-time.Minute))
		current := cred.Clone()
		current.Attempts = current.MaxAttempts

		s.mockStore.EXPECT().Load(gomock.Any(), phone, models.PurposePhoneVerification).Return(cred, nil)
		s.mockStore.EXPECT().MarkConsumed(gomock.Any(), cred.ID, s.now).Return(current, sentinel.ErrInvalidState)

		res, err := s.service.Verify(ctx, otp())
		s.Require().NoError(err)
		s.Equal(models.OutcomeAttemptsExhausted, res.Outcome)
	})

	s.Run("evicted between load and write", func() {
		cred := s.credential(models.PurposePhoneVerification, phone, "042917", s.now.Add(-time.Minute))
		s.mockStore.EXPECT().Load(gomock.Any(), phone, models.PurposePhoneVerification).Return(cred, nil)
		s.mockStore.EXPECT().MarkConsumed(gomock.Any(), cred.ID, s.now).Return(nil, sentinel.ErrNotFound)

		res, err := s.service.Verify(ctx, otp())
		s.Require().NoError(err)
		s.Equal(models.OutcomeNotFound, res.Outcome)
	})
}

func (s *ServiceSuite) TestVerifyTerminalStatesDoNotWrite() {
	ctx := context.Background()
	phone := "+15551234567"

	s.Run("consumed", func() {
		cred := s.credential(models.PurposePhoneVerification, phone, "042917", s.now.Add(-time.Minute))
		at := s.now.Add(-30 * time.Second)
		cred.ConsumedAt = &at
		s.mockStore.EXPECT().Load(gomock.Any(), phone, models.PurposePhoneVerification).Return(cred, nil)

		res, err := s.service.Verify(ctx, VerifyRequest{Subject: phone, Purpose: models.PurposePhoneVerification, Secret: "042917"})
		s.Require().NoError(err)
		s.Equal(models.OutcomeAlreadyConsumed, res.Outcome)
	})

	s.Run("exhausted even with the correct code", func() {
		cred := s.credential(models.PurposePhoneVerification, phone, "042917", s.now.Add(-time.Minute))
		cred.Attempts = 3
		s.mockStore.EXPECT().Load(gomock.Any(), phone, models.PurposePhoneVerification).Return(cred, nil)

		res, err := s.service.Verify(ctx, VerifyRequest{Subject: phone, Purpose: models.PurposePhoneVerification, Secret: "042917"})
		s.Require().NoError(err)
		s.Equal(models.OutcomeAttemptsExhausted, res.Outcome)
	})

	s.Run("expiry dominates attempts and correctness", func() {
		cred := s.credential(models.PurposePhoneVerification, phone, "042917", s.now.Add(-6*time.Minute))
		s.mockStore.EXPECT().Load(gomock.Any(), phone, models.PurposePhoneVerification).Return(cred, nil)

		res, err := s.service.Verify(ctx, VerifyRequest{Subject: phone, Purpose: models.PurposePhoneVerification, Secret: "042917"})
		s.Require().NoError(err)
		s.Equal(models.OutcomeExpired, res.Outcome)
	})

	s.Run("valid at exactly expires_at", func() {
		cred := s.credential(models.PurposePhoneVerification, phone, "042917", s.now.Add(-5*time.Minute))
		consumed := cred.Clone()
		consumed.ConsumedAt = &s.now
		s.mockStore.EXPECT().Load(gomock.Any(), phone, models.PurposePhoneVerification).Return(cred, nil)
		s.mockStore.EXPECT().MarkConsumed(gomock.Any(), cred.ID, s.now).Return(consumed, nil)

		res, err := s.service.Verify(ctx, VerifyRequest{Subject: phone, Purpose: models.PurposePhoneVerification, Secret: "042917"})
		s.Require().NoError(err)
		s.True(res.OK())
	})
}

func (s *ServiceSuite) TestVerifyResetTokenExpiresAfterAnHour() {
	issuedAt := s.now
	cred := s.credential(models.PurposePasswordResetToken, "maria@example.com", "reset-token", issuedAt)
	s.now = issuedAt.Add(61 * time.Minute)

	s.mockStore.EXPECT().LoadByToken(gomock.Any(), models.PurposePasswordResetToken, "reset-token").Return(cred, nil)

	res, err := s.service.Verify(context.Background(), VerifyRequest{
		Purpose: models.PurposePasswordResetToken,
		Secret:  "reset-token",
	})
	s.Require().NoError(err)
	s.Equal(models.OutcomeExpired, res.Outcome)
}

func (s *ServiceSuite) TestVerifyTokenWithSubjectComparesSecret() {
	cred := s.credential(models.PurposeEmailVerification, "maria@example.com", "right-token", s.now)
	bumped := cred.Clone()
	bumped.Attempts = 1

	s.mockStore.EXPECT().Load(gomock.Any(), "maria@example.com", models.PurposeEmailVerification).Return(cred, nil)
	s.mockStore.EXPECT().IncrementAttempts(gomock.Any(), cred.ID, s.now).Return(bumped, nil)

	res, err := s.service.Verify(context.Background(), VerifyRequest{
		Subject: "maria@example.com",
		Purpose: models.PurposeEmailVerification,
		Secret:  "wrong-token",
	})
	s.Require().NoError(err)
	s.Equal(models.OutcomeInvalidSecret, res.Outcome)
	s.Equal(4, res.AttemptsRemaining)
}

func (s *ServiceSuite) TestVerifyValidation() {
	ctx := context.Background()

	_, err := s.service.Verify(ctx, VerifyRequest{Subject: "+15551234567", Purpose: models.PurposePhoneVerification})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation), "missing secret")

	_, err = s.service.Verify(ctx, VerifyRequest{Purpose: models.PurposePhoneVerification, Secret: "123456"})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation), "numeric purposes need a subject")

	_, err = s.service.Verify(ctx, VerifyRequest{Subject: "x", Purpose: "nope", Secret: "1"})
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

func (s *ServiceSuite) TestVerifySweepsDurableStore() {
	svc := s.newService(WithSweepOnVerify(true))
	phone := "+15551234567"

	s.Run("durable", func() {
		s.mockStore.EXPECT().Load(gomock.Any(), phone, models.PurposePhoneVerification).Return(nil, sentinel.ErrNotFound)
		s.mockStore.EXPECT().Durable().Return(true)
		s.mockStore.EXPECT().DeleteExpired(gomock.Any(), models.PurposePhoneVerification, s.now).Return(2, nil)

		res, err := svc.Verify(context.Background(), VerifyRequest{Subject: phone, Purpose: models.PurposePhoneVerification, Secret: "1"})
		s.Require().NoError(err)
		s.Equal(models.OutcomeNotFound, res.Outcome)
	})

	s.Run("sweep failure leaves the outcome alone", func() {
		s.mockStore.EXPECT().Load(gomock.Any(), phone, models.PurposePhoneVerification).Return(nil, sentinel.ErrNotFound)
		s.mockStore.EXPECT().Durable().Return(true)
		s.mockStore.EXPECT().DeleteExpired(gomock.Any(), models.PurposePhoneVerification, s.now).Return(0, errors.New("lock timeout"))

		res, err := svc.Verify(context.Background(), VerifyRequest{Subject: phone, Purpose: models.PurposePhoneVerification, Secret: "1"})
		s.Require().NoError(err)
		s.Equal(models.OutcomeNotFound, res.Outcome)
	})

	s.Run("ephemeral is skipped", func() {
		s.mockStore.EXPECT().Load(gomock.Any(), phone, models.PurposePhoneVerification).Return(nil, sentinel.ErrNotFound)
		s.mockStore.EXPECT().Durable().Return(false)

		_, err := svc.Verify(context.Background(), VerifyRequest{Subject: phone, Purpose: models.PurposePhoneVerification, Secret: "1"})
		s.Require().NoError(err)
	})
}

func (s *ServiceSuite) TestInspect() {
	ctx := context.Background()

	s.Run("token lookup does not count attempts", func() {
		cred := s.credential(models.PurposePasswordResetToken, "maria@example.com", "tok", s.now.Add(-10*time.Minute))
		s.mockStore.EXPECT().LoadByToken(gomock.Any(), models.PurposePasswordResetToken, "tok").Return(cred, nil)

		in, err := s.service.Inspect(ctx, models.PurposePasswordResetToken, "tok")
		s.Require().NoError(err)
		s.True(in.Found)
		s.Equal(models.StateActive, in.State)
		s.Equal(cred.LinkedIdentity, in.LinkedIdentity)
		s.Equal(5, in.AttemptsRemaining)
	})

	s.Run("missing", func() {
		s.mockStore.EXPECT().LoadByToken(gomock.Any(), models.PurposePasswordResetToken, "gone").Return(nil, sentinel.ErrNotFound)

		in, err := s.service.Inspect(ctx, models.PurposePasswordResetToken, "gone")
		s.Require().NoError(err)
		s.False(in.Found)
	})

	s.Run("numeric purposes inspect by subject", func() {
		cred := s.credential(models.PurposePhoneVerification, "+15551234567", "042917", s.now.Add(-10*time.Minute))
		s.mockStore.EXPECT().Load(gomock.Any(), "+15551234567", models.PurposePhoneVerification).Return(cred, nil)

		in, err := s.service.Inspect(ctx, models.PurposePhoneVerification, "+15551234567")
		s.Require().NoError(err)
		s.Equal(models.StateExpired, in.State)
	})
}

func (s *ServiceSuite) TestRevoke() {
	s.mockStore.EXPECT().DeleteBySubject(gomock.Any(), "maria@example.com", models.PurposePasswordResetOTP, gomock.Any()).Return(2, nil)

	n, err := s.service.Revoke(context.Background(), "maria@example.com", models.PurposePasswordResetOTP)
	s.Require().NoError(err)
	s.Equal(2, n)
}

func (s *ServiceSuite) TestPurge() {
	ctx := context.Background()

	s.Run("durable store deletes terminal rows before the cutoff", func() {
		s.mockStore.EXPECT().Durable().Return(true)
		s.mockStore.EXPECT().DeleteTerminal(gomock.Any(), models.PurposePhoneVerification, s.now.Add(-24*time.Hour), s.now).Return(7, nil)

		n, err := s.service.Purge(ctx, PurgeRequest{Purpose: models.PurposePhoneVerification, OlderThan: 24 * time.Hour})
		s.Require().NoError(err)
		s.Equal(7, n)
	})

	s.Run("empty purpose covers all", func() {
		s.mockStore.EXPECT().Durable().Return(true)
		s.mockStore.EXPECT().DeleteTerminal(gomock.Any(), models.Purpose(""), s.now, s.now).Return(0, nil)

		_, err := s.service.Purge(ctx, PurgeRequest{})
		s.Require().NoError(err)
	})

	s.Run("ephemeral store is a no-op", func() {
		s.mockStore.EXPECT().Durable().Return(false)

		n, err := s.service.Purge(ctx, PurgeRequest{})
		s.Require().NoError(err)
		s.Zero(n)
	})

	s.Run("store failure", func() {
		s.mockStore.EXPECT().Durable().Return(true)
		s.mockStore.EXPECT().DeleteTerminal(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(0, errors.New("conn closed"))

		_, err := s.service.Purge(ctx, PurgeRequest{})
		s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
	})

	s.Run("rejects unknown purpose", func() {
		_, err := s.service.Purge(ctx, PurgeRequest{Purpose: "nope"})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}
