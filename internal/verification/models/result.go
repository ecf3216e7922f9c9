package models

import (
	"time"

	id "proz/pkg/domain"
)

// Outcome is the business result of a verification attempt. Outcomes are
// expected states, not errors.
type Outcome string

const (
	OutcomeSuccess           Outcome = "success"
	OutcomeInvalidSecret     Outcome = "invalid_secret"
	OutcomeExpired           Outcome = "expired"
	OutcomeAttemptsExhausted Outcome = "attempts_exhausted"
	OutcomeNotFound          Outcome = "not_found"
	OutcomeAlreadyConsumed   Outcome = "already_consumed"
)

// OutcomeForState maps a terminal state onto the outcome Verify reports for it.
func OutcomeForState(s State) Outcome {
	switch s {
	case StateConsumed:
		return OutcomeAlreadyConsumed
	case StateExpired:
		return OutcomeExpired
	case StateAttemptsExhausted:
		return OutcomeAttemptsExhausted
	default:
		return OutcomeSuccess
	}
}

// Result is returned by Verify. Only the fields relevant to Outcome are set:
// AttemptsRemaining for InvalidSecret; Subject, CredentialID and LinkedIdentity for Success.
type Result struct {
	Outcome           Outcome
	AttemptsRemaining int
	CredentialID      id.CredentialID
	Subject           string
	LinkedIdentity    *id.IdentityID
}

func (r *Result) OK() bool { return r != nil && r.Outcome == OutcomeSuccess }

func SuccessResult(c *Credential) *Result {
	return &Result{
		Outcome:        OutcomeSuccess,
		CredentialID:   c.ID,
		Subject:        c.Subject,
		LinkedIdentity: c.LinkedIdentity,
	}
}

func InvalidSecretResult(remaining int) *Result {
	return &Result{Outcome: OutcomeInvalidSecret, AttemptsRemaining: remaining}
}

func FailureResult(o Outcome) *Result {
	return &Result{Outcome: o}
}

// IssueResult reports a stored credential. Secret is only populated when the
// engine runs in expose delivery mode. DeliveryErr is non-fatal: the credential
// is persisted and verifiable whether or not delivery succeeded.
type IssueResult struct {
	CredentialID id.CredentialID
	Subject      string
	Purpose      Purpose
	ExpiresAt    time.Time
	Secret       string
	Delivered    bool
	DeliveryErr  error
}

// Inspection describes a credential without touching its attempts.
type Inspection struct {
	Found             bool
	State             State
	Subject           string
	ExpiresAt         time.Time
	AttemptsRemaining int
	LinkedIdentity    *id.IdentityID
}
