// Package models defines the account record the verification flows act on.
package models

import (
	"strings"
	"time"

	id "proz/pkg/domain"
)

// Identity is the minimum account surface the flows need: contact channels,
// their verified flags, and the password hash a reset overwrites.
type Identity struct {
	ID            id.IdentityID
	Email         string
	Phone         string
	PasswordHash  string
	EmailVerified bool
	PhoneVerified bool
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func NewIdentity(email, phone, passwordHash string, now time.Time) *Identity {
	return &Identity{
		ID:           id.NewIdentityID(),
		Email:        NormalizeEmail(email),
		Phone:        strings.TrimSpace(phone),
		PasswordHash: passwordHash,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// NormalizeEmail lowercases and trims; identities are unique on the result.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
