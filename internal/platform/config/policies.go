package config

import vmodels "proz/internal/verification/models"

// Policies applies the configured overrides to the default purpose table.
// Numeric purposes share the OTP length and attempt budget; token purposes
// share TOKEN_MAX_ATTEMPTS. TTLs are per purpose.
func (pc PolicyConfig) Policies() vmodels.Policies {
	ps := vmodels.DefaultPolicies()
	for purpose, p := range ps {
		switch p.Class {
		case vmodels.SecretNumeric:
			p.CodeLength = pc.OTPLength
			p.MaxAttempts = pc.OTPMaxAttempts
		case vmodels.SecretToken:
			p.MaxAttempts = pc.TokenMaxAttempts
		}
		switch purpose {
		case vmodels.PurposePhoneVerification:
			p.TTL = pc.OTPTTL
		case vmodels.PurposeEmailVerification:
			p.TTL = pc.EmailVerificationTTL
		case vmodels.PurposePasswordResetOTP:
			p.TTL = pc.PasswordResetOTPTTL
		case vmodels.PurposePasswordResetToken:
			p.TTL = pc.PasswordResetTokenTTL
		case vmodels.PurposeLoginVerification:
			p.TTL = pc.LoginOTPTTL
		}
		p.RevokeSiblingsOnConsume = pc.RevokeSiblingsOnConsume
		p.RevokeSiblingsOnIssue = pc.RevokeSiblingsOnIssue
		ps[purpose] = p
	}
	return ps
}
