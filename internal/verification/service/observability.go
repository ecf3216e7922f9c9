package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"proz/internal/platform/privacy"
	"proz/internal/verification/models"
	"proz/internal/verification/ratelimit"
	"proz/pkg/requestcontext"
)

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// withRequest appends request_id when the middleware set one.
func withRequest(ctx context.Context, args ...any) []any {
	if rid := requestcontext.RequestID(ctx); rid != "" {
		args = append(args, "request_id", rid)
	}
	return args
}

func (s *Service) logIssued(ctx context.Context, cred *models.Credential, result *models.IssueResult) {
	if s.metrics != nil {
		s.metrics.IncIssued(string(cred.Purpose))
	}
	s.logger.InfoContext(ctx, "credential issued", withRequest(ctx,
		"purpose", cred.Purpose,
		"credential_id", cred.ID.String(),
		"subject", privacy.MaskSubject(cred.Subject),
		"expires_at", cred.ExpiresAt,
		"delivered", result.Delivered,
		"delivery_mode", s.mode,
	)...)
}

func (s *Service) logIssueRefused(ctx context.Context, subject string, purpose models.Purpose, count int) {
	if s.metrics != nil {
		s.metrics.IncRateLimited(string(purpose))
	}
	s.logger.WarnContext(ctx, "credential issuance rate limited", withRequest(ctx,
		"purpose", purpose,
		"subject", privacy.MaskSubject(subject),
		"window_count", count,
	)...)
}

func (s *Service) observeVerify(ctx context.Context, purpose models.Purpose, result *models.Result, d time.Duration) {
	if s.metrics != nil {
		s.metrics.ObserveVerify(string(purpose), string(result.Outcome), d)
	}
	s.logger.InfoContext(ctx, "credential verified", withRequest(ctx,
		"purpose", purpose,
		"outcome", result.Outcome,
		"duration_ms", d.Milliseconds(),
	)...)
}

func (s *Service) noteDegraded(d *ratelimit.Decision) {
	if d != nil && d.Degraded && s.metrics != nil {
		s.metrics.IncLimiterDegraded()
	}
}
