// Package secrets hashes and checks account passwords.
package secrets

import (
	"errors"

	"golang.org/x/crypto/bcrypt"

	dErrors "proz/pkg/domain-errors"
)

// MinPasswordLength is the shortest password accepted by Hash.
const MinPasswordLength = 8

// Hash returns a bcrypt hash of password after applying the length policy.
func Hash(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", dErrors.New(dErrors.CodePolicyViolation, "password must be at least 8 characters")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", dErrors.New(dErrors.CodePolicyViolation, "password is too long")
		}
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "could not hash password")
	}
	return string(hashed), nil
}

// Matches reports whether password matches hash. An empty hash never matches.
func Matches(password, hash string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
