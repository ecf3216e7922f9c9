package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"proz/internal/verification/models"
	"proz/pkg/platform/sentinel"
)

// VerifyRequest presents a secret. For token-class purposes Subject may be
// empty, in which case the secret itself locates the credential.
type VerifyRequest struct {
	Subject string
	Purpose models.Purpose
	Secret  string
}

// Verify checks a presented secret. Every business outcome comes back as a
// Result; the error is non-nil only for malformed input or an unreachable store.
//
// The failing attempt that uses up the last remaining try reports
// AttemptsExhausted rather than InvalidSecret with zero remaining.
func (s *Service) Verify(ctx context.Context, req VerifyRequest) (result *models.Result, err error) {
	ctx, span := s.startSpan(ctx, "verification.verify", attribute.String("purpose", string(req.Purpose)))
	start := s.now()
	defer func() {
		if result != nil {
			span.SetAttributes(attribute.String("outcome", string(result.Outcome)))
			s.observeVerify(ctx, req.Purpose, result, s.now().Sub(start))
		}
		endSpan(span, err)
	}()

	policy, err := s.policies.Lookup(req.Purpose)
	if err != nil {
		return nil, err
	}
	subject := strings.TrimSpace(req.Subject)
	presented := strings.TrimSpace(req.Secret)
	if presented == "" {
		return nil, invalidInput("secret is required")
	}
	if subject == "" && policy.Class != models.SecretToken {
		return nil, invalidInput("subject is required")
	}

	now := start
	defer s.sweep(ctx, req.Purpose, now)

	cred, err := s.load(ctx, subject, req.Purpose, presented)
	if errors.Is(err, sentinel.ErrNotFound) {
		return models.FailureResult(models.OutcomeNotFound), nil
	}
	if err != nil {
		return nil, s.unavailable(ctx, "load", err)
	}

	if state := cred.State(now); state.IsTerminal() {
		return models.FailureResult(models.OutcomeForState(state)), nil
	}

	if !secretsMatch(cred.Secret, presented) {
		return s.recordFailure(ctx, cred, now)
	}
	return s.consume(ctx, cred, policy, now)
}

func (s *Service) load(ctx context.Context, subject string, purpose models.Purpose, presented string) (*models.Credential, error) {
	if subject == "" {
		return s.store.LoadByToken(ctx, purpose, presented)
	}
	return s.store.Load(ctx, subject, purpose)
}

func (s *Service) recordFailure(ctx context.Context, cred *models.Credential, now time.Time) (*models.Result, error) {
	updated, err := s.store.IncrementAttempts(ctx, cred.ID, now)
	switch {
	case err == nil:
	case errors.Is(err, sentinel.ErrNotFound):
		return models.FailureResult(models.OutcomeNotFound), nil
	case errors.Is(err, sentinel.ErrInvalidState) && updated != nil:
		return models.FailureResult(models.OutcomeForState(updated.State(now))), nil
	default:
		return nil, s.unavailable(ctx, "increment_attempts", err)
	}

	if updated.IsExhausted() {
		s.logger.WarnContext(ctx, "credential attempts exhausted",
			"purpose", updated.Purpose,
			"credential_id", updated.ID.String(),
		)
		return models.FailureResult(models.OutcomeAttemptsExhausted), nil
	}
	return models.InvalidSecretResult(updated.AttemptsRemaining()), nil
}

func (s *Service) consume(ctx context.Context, cred *models.Credential, policy models.Policy, now time.Time) (*models.Result, error) {
	consumed, err := s.store.MarkConsumed(ctx, cred.ID, now)
	switch {
	case err == nil:
	case errors.Is(err, sentinel.ErrAlreadyUsed):
		return models.FailureResult(models.OutcomeAlreadyConsumed), nil
	case errors.Is(err, sentinel.ErrNotFound):
		return models.FailureResult(models.OutcomeNotFound), nil
	case errors.Is(err, sentinel.ErrInvalidState) && consumed != nil:
		return models.FailureResult(models.OutcomeForState(consumed.State(now))), nil
	default:
		return nil, s.unavailable(ctx, "mark_consumed", err)
	}

	if policy.RevokeSiblingsOnConsume {
		s.revokeSiblings(ctx, consumed, "consume")
	}
	return models.SuccessResult(consumed), nil
}

// secretsMatch compares in constant time for both classes.
func secretsMatch(stored, presented string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}

// sweep runs after the outcome is decided and never changes it.
func (s *Service) sweep(ctx context.Context, purpose models.Purpose, now time.Time) {
	if !s.sweepOnVerify || !s.store.Durable() {
		return
	}
	n, err := s.store.DeleteExpired(ctx, purpose, now)
	if err != nil {
		s.logger.WarnContext(ctx, "opportunistic sweep failed", "purpose", purpose, "error", err)
		return
	}
	if n > 0 {
		s.logger.DebugContext(ctx, "opportunistic sweep", "purpose", purpose, "deleted", n)
	}
}
