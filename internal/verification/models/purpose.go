package models

import (
	"fmt"
	"time"

	dErrors "proz/pkg/domain-errors"
)

// Purpose tags the flow a credential serves and selects its Policy.
type Purpose string

const (
	PurposePhoneVerification  Purpose = "phone-verification"
	PurposeEmailVerification  Purpose = "email-verification"
	PurposePasswordResetOTP   Purpose = "password-reset-otp"
	PurposePasswordResetToken Purpose = "password-reset-token"
	PurposeLoginVerification  Purpose = "login-verification"
)

var allPurposes = []Purpose{
	PurposePhoneVerification,
	PurposeEmailVerification,
	PurposePasswordResetOTP,
	PurposePasswordResetToken,
	PurposeLoginVerification,
}

// AllPurposes returns every known purpose in a stable order.
func AllPurposes() []Purpose {
	out := make([]Purpose, len(allPurposes))
	copy(out, allPurposes)
	return out
}

func (p Purpose) String() string { return string(p) }

func (p Purpose) IsValid() bool {
	for _, known := range allPurposes {
		if p == known {
			return true
		}
	}
	return false
}

// ParsePurpose validates a purpose at a trust boundary.
func ParsePurpose(s string) (Purpose, error) {
	p := Purpose(s)
	if !p.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("unknown purpose %q", s))
	}
	return p, nil
}

// SecretClass decides what kind of secret a purpose is issued with.
type SecretClass string

const (
	// SecretNumeric is a short code typed in by a person.
	SecretNumeric SecretClass = "numeric"
	// SecretToken is an opaque URL-safe value carried in a link.
	SecretToken SecretClass = "token"
)

// Channel is the out-of-band route a secret is delivered over.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// Policy holds the per-purpose issuance parameters.
type Policy struct {
	Class       SecretClass
	CodeLength  int
	TTL         time.Duration
	MaxAttempts int
	Channel     Channel
	// LinkPath is appended to the link base URL for token-class purposes.
	LinkPath string

	// Sibling handling for the same (subject, purpose). Both default to off,
	// leaving older unconsumed credentials verifiable until they lapse.
	RevokeSiblingsOnIssue   bool
	RevokeSiblingsOnConsume bool
}

func (p Policy) Validate() error {
	if p.Class != SecretNumeric && p.Class != SecretToken {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unknown secret class %q", p.Class))
	}
	if p.Class == SecretNumeric && (p.CodeLength < 4 || p.CodeLength > 10) {
		return dErrors.New(dErrors.CodeValidation, "code length must be between 4 and 10")
	}
	if p.TTL <= 0 {
		return dErrors.New(dErrors.CodeValidation, "ttl must be positive")
	}
	if p.MaxAttempts <= 0 {
		return dErrors.New(dErrors.CodeValidation, "max attempts must be positive")
	}
	if p.Channel != ChannelSMS && p.Channel != ChannelEmail {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unknown channel %q", p.Channel))
	}
	return nil
}

// Policies maps each purpose to its Policy.
type Policies map[Purpose]Policy

// DefaultPolicies mirrors the production defaults.
func DefaultPolicies() Policies {
	return Policies{
		PurposePhoneVerification: {
			Class: SecretNumeric, CodeLength: 6, TTL: 5 * time.Minute, MaxAttempts: 3, Channel: ChannelSMS,
		},
		PurposeEmailVerification: {
			Class: SecretToken, TTL: 24 * time.Hour, MaxAttempts: 5, Channel: ChannelEmail, LinkPath: "/auth/email/verify",
		},
		PurposePasswordResetOTP: {
			Class: SecretNumeric, CodeLength: 6, TTL: 10 * time.Minute, MaxAttempts: 3, Channel: ChannelEmail,
		},
		PurposePasswordResetToken: {
			Class: SecretToken, TTL: time.Hour, MaxAttempts: 5, Channel: ChannelEmail, LinkPath: "/auth/password/reset",
		},
		PurposeLoginVerification: {
			Class: SecretNumeric, CodeLength: 6, TTL: 5 * time.Minute, MaxAttempts: 3, Channel: ChannelSMS,
		},
	}
}

// Lookup returns the policy for purpose, or a validation error for an unknown one.
func (ps Policies) Lookup(purpose Purpose) (Policy, error) {
	p, ok := ps[purpose]
	if !ok {
		return Policy{}, dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("no policy for purpose %q", purpose))
	}
	return p, nil
}

// Validate checks every configured policy.
func (ps Policies) Validate() error {
	for purpose, p := range ps {
		if !purpose.IsValid() {
			return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unknown purpose %q", purpose))
		}
		if err := p.Validate(); err != nil {
			return dErrors.Wrap(err, dErrors.CodeValidation, fmt.Sprintf("policy %s: %s", purpose, err.Error()))
		}
	}
	return nil
}
