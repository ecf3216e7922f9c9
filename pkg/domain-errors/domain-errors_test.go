package domainerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/suite"
)

// DomainErrorsSuite covers the code-matching rules the verification service and
// the HTTP edge both rely on.
type DomainErrorsSuite struct {
	suite.Suite
}

func TestDomainErrorsSuite(t *testing.T) {
	suite.Run(t, new(DomainErrorsSuite))
}

func (s *DomainErrorsSuite) TestErrorString() {
	s.Run("message wins over code", func() {
		err := &Error{Code: CodeRateLimited, Message: "too many codes requested"}
		s.Equal("too many codes requested", err.Error())
	})

	s.Run("falls back to code", func() {
		err := &Error{Code: CodeUnavailable}
		s.Equal("unavailable", err.Error())
	})
}

func (s *DomainErrorsSuite) TestIs() {
	s.Run("matches by code regardless of message", func() {
		a := New(CodeRateLimited, "phone limited")
		b := New(CodeRateLimited, "email limited")
		s.ErrorIs(a, b)
	})

	s.Run("different codes do not match", func() {
		s.NotErrorIs(New(CodeRateLimited, ""), New(CodeUnavailable, ""))
	})

	s.Run("plain errors never match", func() {
		s.False((&Error{Code: CodeNotFound}).Is(errors.New("not_found")))
	})

	s.Run("matches through fmt wrapping", func() {
		inner := New(CodeUnavailable, "credential store down")
		wrapped := fmt.Errorf("issue: %w", inner)
		s.ErrorIs(wrapped, &Error{Code: CodeUnavailable})
	})
}

func (s *DomainErrorsSuite) TestWrap() {
	s.Run("keeps the original domain code", func() {
		original := New(CodeRateLimited, "limited")
		wrapped := Wrap(original, CodeInternal, "issue failed")

		var domainErr *Error
		s.Require().ErrorAs(wrapped, &domainErr)
		s.Equal(CodeRateLimited, domainErr.Code)
		s.Equal("issue failed", domainErr.Message)
	})

	s.Run("applies the given code to infrastructure errors", func() {
		root := errors.New("dial tcp: connection refused")
		wrapped := Wrap(root, CodeUnavailable, "credential store unavailable")

		s.True(HasCode(wrapped, CodeUnavailable))
		s.ErrorIs(wrapped, root)
	})
}

func (s *DomainErrorsSuite) TestHasCode() {
	s.True(HasCode(New(CodeValidation, "subject is required"), CodeValidation))
	s.False(HasCode(New(CodeValidation, "subject is required"), CodeInternal))
	s.False(HasCode(errors.New("plain"), CodeValidation))
	s.False(HasCode(nil, CodeValidation))
}
