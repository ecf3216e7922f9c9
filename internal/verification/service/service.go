// Package service is the verification engine: it issues time-boxed,
// attempt-limited, single-use credentials and verifies presented secrets.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"proz/internal/verification/delivery"
	"proz/internal/verification/metrics"
	"proz/internal/verification/models"
	"proz/internal/verification/ratelimit"
	"proz/internal/verification/secret"
	id "proz/pkg/domain"
)

// CredentialStore persists credentials.
// Error contract: see package store/credential. ErrNotFound for a missing or
// evicted credential, ErrAlreadyUsed and ErrInvalidState alongside the
// current record when a transition loses its race.
type CredentialStore interface {
	Save(ctx context.Context, c *models.Credential) error
	Load(ctx context.Context, subject string, purpose models.Purpose) (*models.Credential, error)
	LoadByToken(ctx context.Context, purpose models.Purpose, token string) (*models.Credential, error)
	IncrementAttempts(ctx context.Context, cid id.CredentialID, now time.Time) (*models.Credential, error)
	MarkConsumed(ctx context.Context, cid id.CredentialID, now time.Time) (*models.Credential, error)
	Delete(ctx context.Context, cid id.CredentialID) error
	DeleteBySubject(ctx context.Context, subject string, purpose models.Purpose, keep id.CredentialID) (int, error)
	DeleteExpired(ctx context.Context, purpose models.Purpose, now time.Time) (int, error)
	DeleteTerminal(ctx context.Context, purpose models.Purpose, cutoff, now time.Time) (int, error)
	Durable() bool
}

// RateLimiter gates issuance per subject.
type RateLimiter interface {
	Allow(ctx context.Context, subject string) (*ratelimit.Decision, error)
	RecordIssuance(ctx context.Context, subject string) (*ratelimit.Decision, error)
}

type SecretGenerator interface {
	GenerateCode(length int) (string, error)
	GenerateToken() (string, error)
}

// Dispatcher sends an issued secret out of band.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg delivery.Message) error
}

// DeliveryMode selects what Issue does with the raw secret.
type DeliveryMode string

const (
	// DeliveryDispatch hands the secret to the Dispatcher.
	DeliveryDispatch DeliveryMode = "dispatch"
	// DeliveryExpose returns the secret in IssueResult and sends nothing.
	// Config refuses it in production.
	DeliveryExpose DeliveryMode = "expose"
)

func (m DeliveryMode) IsValid() bool {
	return m == DeliveryDispatch || m == DeliveryExpose
}

const saveRetries = 3

type Service struct {
	store         CredentialStore
	limiter       RateLimiter
	policies      models.Policies
	generator     SecretGenerator
	dispatcher    Dispatcher
	mode          DeliveryMode
	linkBaseURL   string
	sweepOnVerify bool
	logger        *slog.Logger
	metrics       *metrics.Metrics
	tracer        trace.Tracer
	now           func() time.Time
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = t
	}
}

// WithClock overrides time.Now. Every timestamp in a call comes from one read.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithGenerator(g SecretGenerator) Option {
	return func(s *Service) {
		if g != nil {
			s.generator = g
		}
	}
}

func WithDispatcher(d Dispatcher) Option {
	return func(s *Service) {
		s.dispatcher = d
	}
}

func WithDeliveryMode(mode DeliveryMode) Option {
	return func(s *Service) {
		s.mode = mode
	}
}

// WithLinkBaseURL is prefixed to each token-class purpose's LinkPath.
func WithLinkBaseURL(base string) Option {
	return func(s *Service) {
		s.linkBaseURL = strings.TrimRight(base, "/")
	}
}

// WithSweepOnVerify makes Verify delete expired credentials of the verified
// purpose afterwards. Only durable stores are swept.
func WithSweepOnVerify(enabled bool) Option {
	return func(s *Service) {
		s.sweepOnVerify = enabled
	}
}

func New(store CredentialStore, limiter RateLimiter, policies models.Policies, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("credential store is required")
	}
	if limiter == nil {
		return nil, errors.New("rate limiter is required")
	}
	if policies == nil {
		policies = models.DefaultPolicies()
	}
	if err := policies.Validate(); err != nil {
		return nil, err
	}

	svc := &Service{
		store:       store,
		limiter:     limiter,
		policies:    policies,
		generator:   secret.New(),
		mode:        DeliveryDispatch,
		linkBaseURL: "http://localhost:8080",
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.logger == nil {
		svc.logger = slog.Default()
	}
	if svc.tracer == nil {
		svc.tracer = otel.Tracer("proz/verification")
	}
	if !svc.mode.IsValid() {
		return nil, errors.New("unknown delivery mode: " + string(svc.mode))
	}
	if svc.mode == DeliveryDispatch && svc.dispatcher == nil {
		return nil, errors.New("dispatcher is required in dispatch delivery mode")
	}
	if svc.mode == DeliveryExpose {
		svc.logger.Warn("verification secrets are returned to callers instead of delivered",
			"delivery_mode", svc.mode,
		)
	}
	return svc, nil
}

// Policy returns the policy the engine applies to purpose.
func (s *Service) Policy(purpose models.Purpose) (models.Policy, error) {
	return s.policies.Lookup(purpose)
}

func (s *Service) DeliveryMode() DeliveryMode { return s.mode }
