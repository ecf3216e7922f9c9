// Package ratelimit enforces the per-subject issuance limit over a fixed window.
//
// The window does not slide: a burst straddling a rollover can see up to
// twice the limit across two adjacent windows.
//
// Allow and RecordIssuance are separate calls, so two concurrent issuers for
// the same subject can both pass Allow before either records. The counter
// itself never loses increments.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"proz/internal/verification/store/issuance"
	"proz/pkg/platform/circuit"
)

// Counter is the fixed-window storage the limiter counts against.
type Counter interface {
	Current(ctx context.Context, subject string, length time.Duration, now time.Time) (issuance.Window, error)
	Increment(ctx context.Context, subject string, length time.Duration, now time.Time) (issuance.Window, error)
}

// Decision is the limiter's view of a subject's current window.
type Decision struct {
	Allowed  bool
	Count    int
	Limit    int
	ResetAt  time.Time
	Degraded bool // answered by the fallback counter
}

// RetryAfter is how long until the window rolls over, never negative.
func (d *Decision) RetryAfter(now time.Time) time.Duration {
	if d == nil || d.ResetAt.IsZero() || !d.ResetAt.After(now) {
		return 0
	}
	return d.ResetAt.Sub(now)
}

type Limiter struct {
	primary  Counter
	fallback Counter
	breaker  *circuit.Breaker
	limit    int
	window   time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Limiter)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithFallback routes counting to fallback while the primary's breaker is
// open. A process-local fallback counts per instance, so the effective limit
// is looser while degraded.
func WithFallback(fallback Counter, breaker *circuit.Breaker) Option {
	return func(l *Limiter) {
		l.fallback = fallback
		if breaker != nil {
			l.breaker = breaker
		}
	}
}

func New(primary Counter, limit int, window time.Duration, opts ...Option) (*Limiter, error) {
	if primary == nil {
		return nil, errors.New("issuance counter is required")
	}
	if limit <= 0 {
		return nil, errors.New("issuance limit must be positive")
	}
	if window <= 0 {
		return nil, errors.New("issuance window must be positive")
	}
	l := &Limiter{
		primary: primary,
		breaker: circuit.New("issuance_counter"),
		limit:   limit,
		window:  window,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *Limiter) Limit() int            { return l.limit }
func (l *Limiter) Window() time.Duration { return l.window }

// ErrDegraded is reported by Health while the fallback counter is answering.
var ErrDegraded = errors.New("issuance counter degraded: fallback in use")

// Health fails while the breaker is open. Limits keep being enforced per
// instance, so callers should treat it as a soft check.
func (l *Limiter) Health(context.Context) error {
	if l.fallback != nil && l.breaker.IsOpen() {
		return ErrDegraded
	}
	return nil
}

// Allow reports whether one more issuance fits in subject's current window.
func (l *Limiter) Allow(ctx context.Context, subject string) (*Decision, error) {
	now := l.now()
	w, degraded, err := l.call(ctx, func(c Counter) (issuance.Window, error) {
		return c.Current(ctx, subject, l.window, now)
	})
	if err != nil {
		return nil, err
	}
	return l.decide(w, w.Count < l.limit, degraded, now), nil
}

// RecordIssuance counts one issuance, opening a window if none is running.
func (l *Limiter) RecordIssuance(ctx context.Context, subject string) (*Decision, error) {
	now := l.now()
	w, degraded, err := l.call(ctx, func(c Counter) (issuance.Window, error) {
		return c.Increment(ctx, subject, l.window, now)
	})
	if err != nil {
		return nil, err
	}
	return l.decide(w, w.Count <= l.limit, degraded, now), nil
}

func (l *Limiter) decide(w issuance.Window, allowed, degraded bool, now time.Time) *Decision {
	d := &Decision{
		Allowed:  allowed,
		Count:    w.Count,
		Limit:    l.limit,
		Degraded: degraded,
	}
	if w.Count > 0 {
		d.ResetAt = w.ResetsAt(l.window)
	} else {
		d.ResetAt = now.Add(l.window)
	}
	return d
}

// call always tries the primary first so an open breaker can observe recovery.
func (l *Limiter) call(ctx context.Context, fn func(Counter) (issuance.Window, error)) (issuance.Window, bool, error) {
	w, err := fn(l.primary)
	if err == nil {
		_, change := l.breaker.RecordSuccess()
		if change.Closed {
			l.logger.InfoContext(ctx, "circuit breaker closed", "circuit", l.breaker.Name())
		}
		return w, false, nil
	}

	useFallback, change := l.breaker.RecordFailure()
	if change.Opened {
		l.logger.ErrorContext(ctx, "circuit breaker opened",
			"circuit", l.breaker.Name(),
			"error", err,
		)
	}
	if !useFallback || l.fallback == nil {
		return issuance.Window{}, false, err
	}

	w, fbErr := fn(l.fallback)
	if fbErr != nil {
		return issuance.Window{}, false, errors.Join(err, fbErr)
	}
	l.logger.WarnContext(ctx, "issuance counter degraded, using fallback",
		"circuit", l.breaker.Name(),
		"error", err,
	)
	return w, true, nil
}
