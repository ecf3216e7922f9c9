package flows

import (
	"context"
	"errors"
	"strings"

	"proz/internal/identity/models"
	"proz/internal/platform/privacy"
	vmodels "proz/internal/verification/models"
	"proz/internal/verification/service"
	dErrors "proz/pkg/domain-errors"
	"proz/pkg/platform/audit"
	"proz/pkg/platform/sentinel"
	"proz/pkg/secrets"
)

// ResetMethod selects how a password reset secret reaches the user.
type ResetMethod string

const (
	ResetByLink ResetMethod = "link"
	ResetByCode ResetMethod = "code"
)

func (m ResetMethod) purpose() (vmodels.Purpose, error) {
	switch m {
	case ResetByLink, "":
		return vmodels.PurposePasswordResetToken, nil
	case ResetByCode:
		return vmodels.PurposePasswordResetOTP, nil
	default:
		return "", dErrors.New(dErrors.CodeInvalidInput, "reset method must be link or code")
	}
}

var resetPurposes = []vmodels.Purpose{vmodels.PurposePasswordResetToken, vmodels.PurposePasswordResetOTP}

// ForgotPassword starts a reset for email. Unknown and inactive accounts and
// rate-limited requests are indistinguishable from success to the caller; the
// returned result is nil for them. Only infrastructure failures are errors.
func (f *Flows) ForgotPassword(ctx context.Context, email string, method ResetMethod) (*vmodels.IssueResult, error) {
	purpose, err := method.purpose()
	if err != nil {
		return nil, err
	}
	email = models.NormalizeEmail(email)
	if email == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "email is required")
	}
	masked := privacy.MaskEmail(email)

	identity, err := f.identities.FindByEmail(ctx, email)
	if errors.Is(err, sentinel.ErrNotFound) {
		f.logger.InfoContext(ctx, "password reset requested for unknown email", "email", masked)
		return nil, nil
	}
	if err != nil {
		return nil, identityErr(err, "find identity")
	}
	if !identity.Active {
		f.logger.InfoContext(ctx, "password reset requested for inactive identity", "email", masked)
		return nil, nil
	}

	result, err := f.engine.Issue(ctx, service.IssueRequest{
		Subject:        identity.Email,
		Purpose:        purpose,
		LinkedIdentity: &identity.ID,
	})
	if errors.Is(err, service.ErrRateLimited) {
		f.logger.InfoContext(ctx, "password reset rate limited", "email", masked)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f.audit.Log(ctx, audit.ActionPasswordResetRequested, identity.ID,
		"subject", masked, "purpose", string(purpose))
	return result, nil
}

// ValidateResetToken reports whether a reset link is still usable without
// spending an attempt on it.
func (f *Flows) ValidateResetToken(ctx context.Context, token string) (*vmodels.Inspection, error) {
	return f.engine.Inspect(ctx, vmodels.PurposePasswordResetToken, token)
}

// ResetRequest carries either a link Token or an Email and Code pair.
type ResetRequest struct {
	Token       string
	Email       string
	Code        string
	NewPassword string
}

func (r ResetRequest) byToken() bool { return strings.TrimSpace(r.Token) != "" }

func (r ResetRequest) validate() error {
	hasCode := strings.TrimSpace(r.Email) != "" && strings.TrimSpace(r.Code) != ""
	switch {
	case r.byToken() && hasCode:
		return dErrors.New(dErrors.CodeValidation, "provide either a token or an email and code, not both")
	case !r.byToken() && !hasCode:
		return dErrors.New(dErrors.CodeValidation, "token or email and code are required")
	case len(r.NewPassword) < secrets.MinPasswordLength:
		return dErrors.New(dErrors.CodePolicyViolation, "password must be at least 8 characters")
	}
	return nil
}

// CompleteReset verifies the reset secret and overwrites the password hash of
// the linked identity. The password policy is checked before the secret is
// spent, so a rejected password leaves the credential usable. After a
// successful reset every remaining reset credential for the account is revoked.
func (f *Flows) CompleteReset(ctx context.Context, req ResetRequest) (*vmodels.Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	identity, verifyReq, err := f.resetTarget(ctx, req)
	if err != nil {
		return nil, err
	}
	if identity == nil {
		return vmodels.FailureResult(vmodels.OutcomeNotFound), nil
	}
	if secrets.Matches(req.NewPassword, identity.PasswordHash) {
		return nil, dErrors.New(dErrors.CodePolicyViolation, "new password must differ from the current password")
	}
	hash, err := secrets.Hash(req.NewPassword)
	if err != nil {
		return nil, err
	}

	result, err := f.engine.Verify(ctx, verifyReq)
	if err != nil {
		return nil, err
	}
	if !result.OK() {
		f.audit.Log(ctx, audit.ActionPasswordResetRejected, identity.ID,
			"purpose", string(verifyReq.Purpose), "outcome", string(result.Outcome))
		return result, nil
	}
	if result.LinkedIdentity == nil || *result.LinkedIdentity != identity.ID {
		return nil, dErrors.New(dErrors.CodeInternal, "reset credential is not linked to the account")
	}
	if err := f.identities.UpdatePasswordHash(ctx, identity.ID, hash); err != nil {
		return nil, identityErr(err, "update password")
	}

	for _, purpose := range resetPurposes {
		if _, err := f.engine.Revoke(ctx, identity.Email, purpose); err != nil {
			f.logger.WarnContext(ctx, "failed to revoke reset credentials",
				"purpose", purpose, "identity_id", identity.ID.String(), "error", err)
		}
	}
	f.audit.Log(ctx, audit.ActionPasswordResetCompleted, identity.ID,
		"subject", privacy.MaskEmail(identity.Email),
		"purpose", string(verifyReq.Purpose),
		"outcome", string(result.Outcome))
	return result, nil
}

// resetTarget resolves the identity a reset applies to without changing any
// credential. A nil identity means no usable credential or account exists.
func (f *Flows) resetTarget(ctx context.Context, req ResetRequest) (*models.Identity, service.VerifyRequest, error) {
	if req.byToken() {
		verifyReq := service.VerifyRequest{Purpose: vmodels.PurposePasswordResetToken, Secret: req.Token}
		inspection, err := f.engine.Inspect(ctx, vmodels.PurposePasswordResetToken, req.Token)
		if err != nil {
			return nil, verifyReq, err
		}
		if !inspection.Found || inspection.LinkedIdentity == nil {
			return nil, verifyReq, nil
		}
		identity, err := f.identities.FindByID(ctx, *inspection.LinkedIdentity)
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, verifyReq, nil
		}
		if err != nil {
			return nil, verifyReq, identityErr(err, "find identity")
		}
		return identity, verifyReq, nil
	}

	email := models.NormalizeEmail(req.Email)
	verifyReq := service.VerifyRequest{Subject: email, Purpose: vmodels.PurposePasswordResetOTP, Secret: req.Code}
	identity, err := f.identities.FindByEmail(ctx, email)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, verifyReq, nil
	}
	if err != nil {
		return nil, verifyReq, identityErr(err, "find identity")
	}
	return identity, verifyReq, nil
}
