package models

import (
	"time"

	id "proz/pkg/domain"
)

// State is derived from a credential's timestamps and counters; it is never stored.
type State string

const (
	StateActive            State = "active"
	StateExpired           State = "expired"
	StateAttemptsExhausted State = "attempts_exhausted"
	StateConsumed          State = "consumed"
)

func (s State) IsTerminal() bool { return s != StateActive }

// Credential is a time-boxed, attempt-limited, single-use secret bound to a
// subject and purpose.
type Credential struct {
	ID             id.CredentialID
	Subject        string
	Purpose        Purpose
	Class          SecretClass
	Secret         string
	Attempts       int
	MaxAttempts    int
	IssuedAt       time.Time
	ExpiresAt      time.Time
	ConsumedAt     *time.Time
	LinkedIdentity *id.IdentityID
}

// NewCredential stamps issuance and expiry from policy.
func NewCredential(subject string, purpose Purpose, secret string, policy Policy, linked *id.IdentityID, now time.Time) *Credential {
	return &Credential{
		ID:             id.NewCredentialID(),
		Subject:        subject,
		Purpose:        purpose,
		Class:          policy.Class,
		Secret:         secret,
		MaxAttempts:    policy.MaxAttempts,
		IssuedAt:       now,
		ExpiresAt:      now.Add(policy.TTL),
		LinkedIdentity: linked,
	}
}

// IsExpired is strict: a credential is still valid at exactly ExpiresAt.
func (c *Credential) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// IsToken reports whether the credential is looked up by its secret alone.
func (c *Credential) IsToken() bool { return c.Class == SecretToken }

func (c *Credential) IsConsumed() bool { return c.ConsumedAt != nil }

func (c *Credential) IsExhausted() bool { return c.Attempts >= c.MaxAttempts }

// AttemptsRemaining never goes below zero.
func (c *Credential) AttemptsRemaining() int {
	if r := c.MaxAttempts - c.Attempts; r > 0 {
		return r
	}
	return 0
}

// State applies the same precedence Verify uses: consumed, then expired, then exhausted.
func (c *Credential) State(now time.Time) State {
	switch {
	case c.IsConsumed():
		return StateConsumed
	case c.IsExpired(now):
		return StateExpired
	case c.IsExhausted():
		return StateAttemptsExhausted
	default:
		return StateActive
	}
}

// TTL returns the time left before expiry at now, or zero once expired.
func (c *Credential) TTL(now time.Time) time.Duration {
	if d := c.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Clone returns a deep copy so stores never hand out shared pointers.
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	out := *c
	if c.ConsumedAt != nil {
		t := *c.ConsumedAt
		out.ConsumedAt = &t
	}
	if c.LinkedIdentity != nil {
		l := *c.LinkedIdentity
		out.LinkedIdentity = &l
	}
	return &out
}
