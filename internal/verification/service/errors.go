package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	dErrors "proz/pkg/domain-errors"
)

var (
	// ErrRateLimited is matched with errors.Is on a refused Issue.
	ErrRateLimited = dErrors.New(dErrors.CodeRateLimited, "too many codes requested, try again later")

	// ErrDeliveryFailed wraps IssueResult.DeliveryErr. The credential is stored regardless.
	ErrDeliveryFailed = errors.New("delivery failed")
)

// RateLimitedError carries when the subject's window rolls over.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string { return ErrRateLimited.Error() }

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// unavailable reports a store or counter failure. It is the only fault
// Verify and Issue return for a well-formed request.
func (s *Service) unavailable(ctx context.Context, op string, err error) error {
	if s.metrics != nil {
		s.metrics.IncStoreError(op)
	}
	s.logger.ErrorContext(ctx, "verification backend unavailable",
		"operation", op,
		"error", err,
	)
	return dErrors.Wrap(err, dErrors.CodeUnavailable, fmt.Sprintf("%s: verification backend unavailable", op))
}

func invalidInput(msg string) error {
	return dErrors.New(dErrors.CodeValidation, msg)
}
