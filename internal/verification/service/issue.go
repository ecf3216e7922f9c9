package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"proz/internal/verification/delivery"
	"proz/internal/verification/models"
	id "proz/pkg/domain"
	dErrors "proz/pkg/domain-errors"
	"proz/pkg/platform/sentinel"
)

// IssueRequest names who a credential is for. LinkedIdentity is required for
// token-class purposes.
type IssueRequest struct {
	Subject        string
	Purpose        models.Purpose
	LinkedIdentity *id.IdentityID
}

// Issue rate-checks the subject, stores a fresh credential, and delivers its
// secret. Earlier credentials for the same (subject, purpose) stay valid
// unless the purpose's policy revokes siblings on issue.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (result *models.IssueResult, err error) {
	ctx, span := s.startSpan(ctx, "verification.issue", attribute.String("purpose", string(req.Purpose)))
	defer func() { endSpan(span, err) }()

	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		return nil, invalidInput("subject is required")
	}
	policy, err := s.policies.Lookup(req.Purpose)
	if err != nil {
		return nil, err
	}
	if policy.Class == models.SecretToken && req.LinkedIdentity == nil {
		return nil, invalidInput("linked identity is required for " + string(req.Purpose))
	}

	now := s.now()
	decision, err := s.limiter.Allow(ctx, subject)
	if err != nil {
		return nil, s.unavailable(ctx, "rate_limit_check", err)
	}
	s.noteDegraded(decision)
	if !decision.Allowed {
		s.logIssueRefused(ctx, subject, req.Purpose, decision.Count)
		return nil, &RateLimitedError{RetryAfter: decision.RetryAfter(now)}
	}

	cred, err := s.persist(ctx, subject, req.Purpose, policy, req.LinkedIdentity, now)
	if err != nil {
		return nil, err
	}

	// The credential is already stored: a counter failure here is logged
	// rather than failing an issuance the caller can still verify.
	if d, recErr := s.limiter.RecordIssuance(ctx, subject); recErr != nil {
		s.logger.ErrorContext(ctx, "failed to record issuance",
			"purpose", req.Purpose,
			"credential_id", cred.ID.String(),
			"error", recErr,
		)
	} else {
		s.noteDegraded(d)
	}

	if policy.RevokeSiblingsOnIssue {
		s.revokeSiblings(ctx, cred, "issue")
	}

	result = &models.IssueResult{
		CredentialID: cred.ID,
		Subject:      cred.Subject,
		Purpose:      cred.Purpose,
		ExpiresAt:    cred.ExpiresAt,
	}
	s.deliver(ctx, cred, policy, result)
	s.logIssued(ctx, cred, result)
	return result, nil
}

// persist generates and saves a credential, regenerating on the rare token
// collision the store reports as a conflict.
func (s *Service) persist(ctx context.Context, subject string, purpose models.Purpose, policy models.Policy,
	linked *id.IdentityID, now time.Time) (*models.Credential, error) {
	var lastErr error
	for range saveRetries {
		value, err := s.generate(policy)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate secret")
		}
		cred := models.NewCredential(subject, purpose, value, policy, linked, now)
		err = s.store.Save(ctx, cred)
		if err == nil {
			return cred, nil
		}
		if !errors.Is(err, sentinel.ErrConflict) {
			return nil, s.unavailable(ctx, "save", err)
		}
		lastErr = err
	}
	return nil, dErrors.Wrap(lastErr, dErrors.CodeInternal, "could not store a unique secret")
}

func (s *Service) generate(policy models.Policy) (string, error) {
	if policy.Class == models.SecretToken {
		return s.generator.GenerateToken()
	}
	return s.generator.GenerateCode(policy.CodeLength)
}

func (s *Service) deliver(ctx context.Context, cred *models.Credential, policy models.Policy, result *models.IssueResult) {
	if s.mode == DeliveryExpose {
		result.Secret = cred.Secret
		return
	}

	msg := delivery.Message{
		Channel:   policy.Channel,
		To:        cred.Subject,
		Purpose:   cred.Purpose,
		Secret:    cred.Secret,
		ExpiresAt: cred.ExpiresAt,
	}
	if policy.Class == models.SecretToken {
		msg.Link = s.link(policy.LinkPath, cred.Secret)
	}

	if err := s.dispatcher.Dispatch(ctx, msg); err != nil {
		result.DeliveryErr = fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
		if s.metrics != nil {
			s.metrics.IncDeliveryFailure(string(cred.Purpose), string(policy.Channel))
		}
		s.logger.WarnContext(ctx, "credential delivery failed",
			"purpose", cred.Purpose,
			"credential_id", cred.ID.String(),
			"channel", policy.Channel,
			"error", err,
		)
		return
	}
	result.Delivered = true
}

func (s *Service) link(path, token string) string {
	return s.linkBaseURL + path + "?token=" + url.QueryEscape(token)
}

func (s *Service) revokeSiblings(ctx context.Context, keep *models.Credential, trigger string) {
	n, err := s.store.DeleteBySubject(ctx, keep.Subject, keep.Purpose, keep.ID)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to revoke sibling credentials",
			"purpose", keep.Purpose,
			"trigger", trigger,
			"error", err,
		)
		return
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "sibling credentials revoked",
			"purpose", keep.Purpose,
			"trigger", trigger,
			"revoked", n,
		)
	}
}
