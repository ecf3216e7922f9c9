package flows

import (
	"context"

	"proz/internal/platform/privacy"
	vmodels "proz/internal/verification/models"
	"proz/internal/verification/service"
	id "proz/pkg/domain"
	dErrors "proz/pkg/domain-errors"
	"proz/pkg/platform/audit"
)

// RequestEmailVerification sends a verification link to the identity's email.
func (f *Flows) RequestEmailVerification(ctx context.Context, identityID id.IdentityID) (*vmodels.IssueResult, error) {
	identity, err := f.identities.FindByID(ctx, identityID)
	if err != nil {
		return nil, identityErr(err, "find identity")
	}
	if identity.EmailVerified {
		return nil, dErrors.New(dErrors.CodeConflict, "email already verified")
	}
	result, err := f.engine.Issue(ctx, service.IssueRequest{
		Subject:        identity.Email,
		Purpose:        vmodels.PurposeEmailVerification,
		LinkedIdentity: &identity.ID,
	})
	if err != nil {
		return nil, err
	}
	f.audit.Log(ctx, audit.ActionEmailVerificationRequested, identity.ID,
		"subject", privacy.MaskEmail(identity.Email),
		"purpose", string(vmodels.PurposeEmailVerification))
	return result, nil
}

// VerifyEmail redeems a verification link token and flags the linked
// identity's email as verified.
func (f *Flows) VerifyEmail(ctx context.Context, token string) (*vmodels.Result, error) {
	result, err := f.engine.Verify(ctx, service.VerifyRequest{
		Purpose: vmodels.PurposeEmailVerification,
		Secret:  token,
	})
	if err != nil || !result.OK() {
		return result, err
	}
	if result.LinkedIdentity == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "email verification credential has no linked identity")
	}
	if err := f.identities.MarkEmailVerified(ctx, *result.LinkedIdentity); err != nil {
		return nil, identityErr(err, "mark email verified")
	}
	f.audit.Log(ctx, audit.ActionEmailVerified, *result.LinkedIdentity,
		"purpose", string(vmodels.PurposeEmailVerification),
		"outcome", string(result.Outcome))
	return result, nil
}
