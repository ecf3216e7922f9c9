// Package flows implements the account journeys that consume the verification
// engine: email verification after registration, phone OTP, and password reset
// by link or by code. Each journey issues through the engine and applies the
// side effect on the identity directory only once Verify reports success.
package flows

import (
	"context"
	"errors"
	"log/slog"

	"proz/internal/identity/models"
	vmodels "proz/internal/verification/models"
	"proz/internal/verification/service"
	id "proz/pkg/domain"
	dErrors "proz/pkg/domain-errors"
	"proz/pkg/platform/audit"
	"proz/pkg/platform/sentinel"
)

// IdentityDirectory is the account collaborator the flows mutate.
type IdentityDirectory interface {
	FindByID(ctx context.Context, identityID id.IdentityID) (*models.Identity, error)
	FindByEmail(ctx context.Context, email string) (*models.Identity, error)
	MarkEmailVerified(ctx context.Context, identityID id.IdentityID) error
	MarkPhoneVerified(ctx context.Context, identityID id.IdentityID, phone string) error
	UpdatePasswordHash(ctx context.Context, identityID id.IdentityID, hash string) error
}

// Engine is the subset of the verification service the flows drive.
type Engine interface {
	Issue(ctx context.Context, req service.IssueRequest) (*vmodels.IssueResult, error)
	Verify(ctx context.Context, req service.VerifyRequest) (*vmodels.Result, error)
	Inspect(ctx context.Context, purpose vmodels.Purpose, key string) (*vmodels.Inspection, error)
	Revoke(ctx context.Context, subject string, purpose vmodels.Purpose) (int, error)
}

type Flows struct {
	engine     Engine
	identities IdentityDirectory
	logger     *slog.Logger
	audit      *audit.Logger
}

type Option func(*Flows)

func WithLogger(logger *slog.Logger) Option {
	return func(f *Flows) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithAudit records account changes on the given audit logger.
func WithAudit(l *audit.Logger) Option {
	return func(f *Flows) {
		f.audit = l
	}
}

func New(engine Engine, identities IdentityDirectory, opts ...Option) (*Flows, error) {
	if engine == nil {
		return nil, errors.New("verification engine is required")
	}
	if identities == nil {
		return nil, errors.New("identity directory is required")
	}
	f := &Flows{
		engine:     engine,
		identities: identities,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.audit == nil {
		f.audit = audit.NewLogger(f.logger, nil)
	}
	return f, nil
}

// identityErr translates directory failures into domain errors.
func identityErr(err error, op string) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "identity not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "contact already registered to another identity")
	default:
		return dErrors.Wrap(err, dErrors.CodeUnavailable, op+" failed")
	}
}
