package handler

import (
	"strings"
	"time"

	"proz/internal/identity/models"
	vmodels "proz/internal/verification/models"
	id "proz/pkg/domain"
	dErrors "proz/pkg/domain-errors"
	"proz/pkg/validation"
)

type PhoneOTPRequest struct {
	Phone      string `json:"phone" validate:"required,e164"`
	IdentityID string `json:"identity_id,omitempty" validate:"omitempty,uuid"`
}

func (r *PhoneOTPRequest) Normalize() { validation.TrimSpace(&r.Phone, &r.IdentityID) }

func (r *PhoneOTPRequest) Validate() error { return validation.Validate(r) }

func (r *PhoneOTPRequest) identity() (*id.IdentityID, error) {
	if r.IdentityID == "" {
		return nil, nil
	}
	parsed, err := id.ParseIdentityID(r.IdentityID)
	if err != nil {
		return nil, dErrors.New(dErrors.CodeValidation, "identity_id must be a valid uuid")
	}
	return &parsed, nil
}

type PhoneOTPVerifyRequest struct {
	Phone string `json:"phone" validate:"required,e164"`
	Code  string `json:"code" validate:"required,digits,min=4,max=10"`
}

func (r *PhoneOTPVerifyRequest) Normalize() { validation.TrimSpace(&r.Phone, &r.Code) }

func (r *PhoneOTPVerifyRequest) Validate() error { return validation.Validate(r) }

type EmailVerificationRequest struct {
	IdentityID string `json:"identity_id" validate:"required,uuid"`
}

func (r *EmailVerificationRequest) Normalize() { validation.TrimSpace(&r.IdentityID) }

func (r *EmailVerificationRequest) Validate() error { return validation.Validate(r) }

type ForgotPasswordRequest struct {
	Email  string `json:"email" validate:"required,email"`
	Method string `json:"method,omitempty" validate:"omitempty,oneof=link code"`
}

func (r *ForgotPasswordRequest) Normalize() {
	r.Email = models.NormalizeEmail(r.Email)
	r.Method = strings.ToLower(strings.TrimSpace(r.Method))
}

func (r *ForgotPasswordRequest) Validate() error { return validation.Validate(r) }

type ResetPasswordRequest struct {
	Token       string `json:"token,omitempty"`
	Email       string `json:"email,omitempty" validate:"omitempty,email"`
	Code        string `json:"code,omitempty" validate:"omitempty,digits"`
	NewPassword string `json:"new_password" validate:"required"`
}

func (r *ResetPasswordRequest) Normalize() {
	validation.TrimSpace(&r.Token, &r.Code)
	r.Email = models.NormalizeEmail(r.Email)
}

func (r *ResetPasswordRequest) Validate() error { return validation.Validate(r) }

// PurgeRequest takes older_than as a Go duration string such as "24h".
type PurgeRequest struct {
	Purpose   string `json:"purpose,omitempty"`
	OlderThan string `json:"older_than,omitempty"`
}

func (r *PurgeRequest) Normalize() { validation.TrimSpace(&r.Purpose, &r.OlderThan) }

func (r *PurgeRequest) Validate() error {
	if r.Purpose != "" {
		if _, err := vmodels.ParsePurpose(r.Purpose); err != nil {
			return err
		}
	}
	if r.OlderThan != "" {
		d, err := time.ParseDuration(r.OlderThan)
		if err != nil || d < 0 {
			return dErrors.New(dErrors.CodeValidation, "older_than must be a non-negative duration")
		}
	}
	return nil
}

type IssueResponse struct {
	ExpiresAt time.Time `json:"expires_at"`
	Delivered bool      `json:"delivered"`
	Secret    string    `json:"secret,omitempty"`
}

type VerifyResponse struct {
	Outcome           vmodels.Outcome `json:"outcome"`
	AttemptsRemaining *int            `json:"attempts_remaining,omitempty"`
}

type AcceptedResponse struct {
	Status string `json:"status"`
	Secret string `json:"secret,omitempty"`
}

type TokenValidationResponse struct {
	Valid     bool          `json:"valid"`
	State     vmodels.State `json:"state,omitempty"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty"`
}

type PurgeResponse struct {
	Deleted int `json:"deleted"`
}
