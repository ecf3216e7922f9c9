package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"proz/internal/verification/models"
	id "proz/pkg/domain"
	"proz/pkg/platform/sentinel"
)

// Inspect reports a credential's derived state without counting an attempt.
// Token-class purposes are looked up by token; other purposes take the
// subject as key and report on its latest credential.
func (s *Service) Inspect(ctx context.Context, purpose models.Purpose, key string) (*models.Inspection, error) {
	policy, err := s.policies.Lookup(purpose)
	if err != nil {
		return nil, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, invalidInput("lookup key is required")
	}

	var cred *models.Credential
	if policy.Class == models.SecretToken {
		cred, err = s.store.LoadByToken(ctx, purpose, key)
	} else {
		cred, err = s.store.Load(ctx, key, purpose)
	}
	if errors.Is(err, sentinel.ErrNotFound) {
		return &models.Inspection{Found: false}, nil
	}
	if err != nil {
		return nil, s.unavailable(ctx, "inspect", err)
	}

	now := s.now()
	return &models.Inspection{
		Found:             true,
		State:             cred.State(now),
		Subject:           cred.Subject,
		ExpiresAt:         cred.ExpiresAt,
		AttemptsRemaining: cred.AttemptsRemaining(),
		LinkedIdentity:    cred.LinkedIdentity,
	}, nil
}

// Revoke deletes every credential held for (subject, purpose).
func (s *Service) Revoke(ctx context.Context, subject string, purpose models.Purpose) (int, error) {
	if _, err := s.policies.Lookup(purpose); err != nil {
		return 0, err
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return 0, invalidInput("subject is required")
	}
	n, err := s.store.DeleteBySubject(ctx, subject, purpose, id.CredentialID{})
	if err != nil {
		return 0, s.unavailable(ctx, "revoke", err)
	}
	s.logger.InfoContext(ctx, "credentials revoked", "purpose", purpose, "revoked", n)
	return n, nil
}

// PurgeRequest scopes a purge. An empty Purpose covers every purpose; only
// credentials issued more than OlderThan ago are considered.
type PurgeRequest struct {
	Purpose   models.Purpose
	OlderThan time.Duration
}

// Purge deletes terminal credentials from a durable store. Active
// credentials are never matched, so it runs safely beside live traffic.
// Ephemeral stores evict on their own and report zero.
func (s *Service) Purge(ctx context.Context, req PurgeRequest) (deleted int, err error) {
	ctx, span := s.startSpan(ctx, "verification.purge", attribute.String("purpose", string(req.Purpose)))
	defer func() {
		span.SetAttributes(attribute.Int("deleted", deleted))
		endSpan(span, err)
	}()

	if req.Purpose != "" && !req.Purpose.IsValid() {
		return 0, invalidInput("unknown purpose " + string(req.Purpose))
	}
	if req.OlderThan < 0 {
		return 0, invalidInput("older_than must not be negative")
	}
	if !s.store.Durable() {
		return 0, nil
	}

	now := s.now()
	deleted, err = s.store.DeleteTerminal(ctx, req.Purpose, now.Add(-req.OlderThan), now)
	if err != nil {
		return 0, s.unavailable(ctx, "purge", err)
	}
	if s.metrics != nil {
		s.metrics.AddPurged(deleted)
	}
	return deleted, nil
}
