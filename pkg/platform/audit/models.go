package audit

import (
	"time"

	id "proz/pkg/domain"
)

// Event records an account action taken after a verification outcome.
// Secrets never appear here; Subject is already masked by the caller.
type Event struct {
	Timestamp  time.Time
	IdentityID id.IdentityID
	Subject    string
	Action     string
	Purpose    string
	Outcome    string
	RequestID  string
}

type Action string

const (
	ActionEmailVerificationRequested Action = "email_verification_requested"
	ActionEmailVerified              Action = "email_verified"
	ActionPhoneVerified              Action = "phone_verified"
	ActionPasswordResetRequested     Action = "password_reset_requested"
	ActionPasswordResetCompleted     Action = "password_reset_completed"
	ActionPasswordResetRejected      Action = "password_reset_rejected"
)
