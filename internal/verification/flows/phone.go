package flows

import (
	"context"

	"proz/internal/platform/privacy"
	vmodels "proz/internal/verification/models"
	"proz/internal/verification/service"
	id "proz/pkg/domain"
	"proz/pkg/platform/audit"
)

// RequestPhoneOTP texts a one-time code to phone. When identityID is set the
// code is linked to that identity and a successful verify marks the number
// verified on it.
func (f *Flows) RequestPhoneOTP(ctx context.Context, phone string, identityID *id.IdentityID) (*vmodels.IssueResult, error) {
	if identityID != nil {
		if _, err := f.identities.FindByID(ctx, *identityID); err != nil {
			return nil, identityErr(err, "find identity")
		}
	}
	return f.engine.Issue(ctx, service.IssueRequest{
		Subject:        phone,
		Purpose:        vmodels.PurposePhoneVerification,
		LinkedIdentity: identityID,
	})
}

func (f *Flows) VerifyPhoneOTP(ctx context.Context, phone, code string) (*vmodels.Result, error) {
	result, err := f.engine.Verify(ctx, service.VerifyRequest{
		Subject: phone,
		Purpose: vmodels.PurposePhoneVerification,
		Secret:  code,
	})
	if err != nil || !result.OK() || result.LinkedIdentity == nil {
		return result, err
	}
	if err := f.identities.MarkPhoneVerified(ctx, *result.LinkedIdentity, result.Subject); err != nil {
		return nil, identityErr(err, "mark phone verified")
	}
	f.audit.Log(ctx, audit.ActionPhoneVerified, *result.LinkedIdentity,
		"subject", privacy.MaskPhone(result.Subject),
		"purpose", string(vmodels.PurposePhoneVerification),
		"outcome", string(result.Outcome))
	return result, nil
}
