// Package handler exposes the verification flows over HTTP.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mssola/useragent"

	"proz/internal/platform/privacy"
	"proz/internal/verification/flows"
	vmodels "proz/internal/verification/models"
	"proz/internal/verification/service"
	id "proz/pkg/domain"
	dErrors "proz/pkg/domain-errors"
	"proz/pkg/platform/httputil"
	"proz/pkg/platform/middleware/admin"
	"proz/pkg/requestcontext"
)

// Flows is the journey layer behind the public routes.
type Flows interface {
	RequestPhoneOTP(ctx context.Context, phone string, identityID *id.IdentityID) (*vmodels.IssueResult, error)
	VerifyPhoneOTP(ctx context.Context, phone, code string) (*vmodels.Result, error)
	RequestEmailVerification(ctx context.Context, identityID id.IdentityID) (*vmodels.IssueResult, error)
	VerifyEmail(ctx context.Context, token string) (*vmodels.Result, error)
	ForgotPassword(ctx context.Context, email string, method flows.ResetMethod) (*vmodels.IssueResult, error)
	ValidateResetToken(ctx context.Context, token string) (*vmodels.Inspection, error)
	CompleteReset(ctx context.Context, req flows.ResetRequest) (*vmodels.Result, error)
}

// Purger backs the operator purge route.
type Purger interface {
	Purge(ctx context.Context, req service.PurgeRequest) (int, error)
}

type Handler struct {
	flows  Flows
	purger Purger
	logger *slog.Logger
}

func New(f Flows, purger Purger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{flows: f, purger: purger, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/auth/phone/otp", h.HandleRequestPhoneOTP)
	r.Post("/auth/phone/otp/verify", h.HandleVerifyPhoneOTP)
	r.Post("/auth/email/verification", h.HandleRequestEmailVerification)
	r.Get("/auth/email/verify", h.HandleVerifyEmail)
	r.Post("/auth/password/forgot", h.HandleForgotPassword)
	r.Get("/auth/password/reset/validate", h.HandleValidateResetToken)
	r.Post("/auth/password/reset", h.HandleResetPassword)
}

// RegisterAdmin mounts operator routes behind the admin token.
func (h *Handler) RegisterAdmin(r chi.Router, adminToken string) {
	r.With(admin.RequireAdminToken(adminToken, h.logger)).Post("/admin/verification/purge", h.HandlePurge)
}

// HandleRequestPhoneOTP implements POST /auth/phone/otp.
//
// Input: { "phone": "+15551234567", "identity_id": "..." }
// Output: 202 { "expires_at": "...", "delivered": true }
func (h *Handler) HandleRequestPhoneOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[PhoneOTPRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	identityID, err := req.identity()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	res, err := h.flows.RequestPhoneOTP(ctx, req.Phone, identityID)
	if err != nil {
		h.writeIssueError(ctx, w, err, "phone otp request failed", privacy.MaskPhone(req.Phone))
		return
	}
	h.logIssued(ctx, r, res)
	httputil.WriteJSON(w, http.StatusAccepted, issueResponse(res))
}

// HandleVerifyPhoneOTP implements POST /auth/phone/otp/verify.
func (h *Handler) HandleVerifyPhoneOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[PhoneOTPVerifyRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	result, err := h.flows.VerifyPhoneOTP(ctx, req.Phone, req.Code)
	h.writeVerify(ctx, w, result, err)
}

// HandleRequestEmailVerification implements POST /auth/email/verification.
func (h *Handler) HandleRequestEmailVerification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[EmailVerificationRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	identityID, err := id.ParseIdentityID(req.IdentityID)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "identity_id must be a valid uuid"))
		return
	}

	res, err := h.flows.RequestEmailVerification(ctx, identityID)
	if err != nil {
		h.writeIssueError(ctx, w, err, "email verification request failed", identityID.String())
		return
	}
	h.logIssued(ctx, r, res)
	httputil.WriteJSON(w, http.StatusAccepted, issueResponse(res))
}

// HandleVerifyEmail implements GET /auth/email/verify?token=.
func (h *Handler) HandleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	token, ok := tokenParam(w, r)
	if !ok {
		return
	}
	result, err := h.flows.VerifyEmail(r.Context(), token)
	h.writeVerify(r.Context(), w, result, err)
}

// HandleForgotPassword implements POST /auth/password/forgot. The response
// is 202 for every well-formed request so the route cannot be used to probe
// which emails hold accounts.
func (h *Handler) HandleForgotPassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[ForgotPasswordRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	res, err := h.flows.ForgotPassword(ctx, req.Email, flows.ResetMethod(req.Method))
	if err != nil {
		h.logger.ErrorContext(ctx, "password reset request failed",
			"error", err,
			"request_id", requestID,
			"email", privacy.MaskEmail(req.Email),
		)
		httputil.WriteError(w, err)
		return
	}

	resp := AcceptedResponse{Status: "accepted"}
	if res != nil {
		h.logIssued(ctx, r, res)
		// Secret is only set in expose mode, which config refuses in production.
		// There it does reveal that the email holds an active account.
		resp.Secret = res.Secret
	}
	httputil.WriteJSON(w, http.StatusAccepted, resp)
}

// HandleValidateResetToken implements GET /auth/password/reset/validate?token=.
func (h *Handler) HandleValidateResetToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token, ok := tokenParam(w, r)
	if !ok {
		return
	}
	inspection, err := h.flows.ValidateResetToken(ctx, token)
	if err != nil {
		h.logger.ErrorContext(ctx, "reset token validation failed",
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, err)
		return
	}

	resp := TokenValidationResponse{}
	if inspection.Found {
		resp.State = inspection.State
		resp.Valid = inspection.State == vmodels.StateActive
		if resp.Valid {
			expires := inspection.ExpiresAt
			resp.ExpiresAt = &expires
		}
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// HandleResetPassword implements POST /auth/password/reset.
//
// Input: { "token": "..." , "new_password": "..." } or
// { "email": "...", "code": "123456", "new_password": "..." }
func (h *Handler) HandleResetPassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[ResetPasswordRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	result, err := h.flows.CompleteReset(ctx, flows.ResetRequest{
		Token:       req.Token,
		Email:       req.Email,
		Code:        req.Code,
		NewPassword: req.NewPassword,
	})
	h.writeVerify(ctx, w, result, err)
}

// HandlePurge implements POST /admin/verification/purge. An empty body purges
// terminal credentials of every purpose.
func (h *Handler) HandlePurge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req := &PurgeRequest{}
	if r.ContentLength != 0 {
		decoded, ok := httputil.DecodeAndPrepare[PurgeRequest](w, r, h.logger, ctx, requestID)
		if !ok {
			return
		}
		req = decoded
	}

	var olderThan time.Duration
	if req.OlderThan != "" {
		olderThan, _ = time.ParseDuration(req.OlderThan)
	}
	deleted, err := h.purger.Purge(ctx, service.PurgeRequest{
		Purpose:   vmodels.Purpose(req.Purpose),
		OlderThan: olderThan,
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "credential purge failed", "error", err, "request_id", requestID)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "credentials purged",
		"request_id", requestID,
		"actor", admin.Actor(ctx),
		"purpose", req.Purpose,
		"deleted", deleted,
	)
	httputil.WriteJSON(w, http.StatusOK, PurgeResponse{Deleted: deleted})
}

func tokenParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "token is required"))
		return "", false
	}
	return token, true
}

func (h *Handler) writeIssueError(ctx context.Context, w http.ResponseWriter, err error, msg, subject string) {
	var limited *service.RateLimitedError
	if errors.As(err, &limited) {
		h.logger.InfoContext(ctx, msg, "reason", "rate_limited", "subject", subject,
			"request_id", requestcontext.RequestID(ctx))
		httputil.WriteRateLimited(w, err, limited.RetryAfter)
		return
	}
	h.logger.ErrorContext(ctx, msg, "error", err, "subject", subject,
		"request_id", requestcontext.RequestID(ctx))
	httputil.WriteError(w, err)
}

func (h *Handler) writeVerify(ctx context.Context, w http.ResponseWriter, result *vmodels.Result, err error) {
	if err != nil {
		h.logger.ErrorContext(ctx, "verification failed",
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, err)
		return
	}
	resp := VerifyResponse{Outcome: result.Outcome}
	if result.Outcome == vmodels.OutcomeInvalidSecret {
		remaining := result.AttemptsRemaining
		resp.AttemptsRemaining = &remaining
	}
	httputil.WriteJSON(w, OutcomeStatus(result.Outcome), resp)
}

// OutcomeStatus maps a verification outcome onto its HTTP status. Unknown
// credentials answer like a wrong secret.
func OutcomeStatus(o vmodels.Outcome) int {
	switch o {
	case vmodels.OutcomeSuccess:
		return http.StatusOK
	case vmodels.OutcomeExpired, vmodels.OutcomeAlreadyConsumed:
		return http.StatusGone
	case vmodels.OutcomeAttemptsExhausted:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}

func issueResponse(res *vmodels.IssueResult) IssueResponse {
	return IssueResponse{
		ExpiresAt: res.ExpiresAt,
		Delivered: res.Delivered,
		Secret:    res.Secret,
	}
}

func (h *Handler) logIssued(ctx context.Context, r *http.Request, res *vmodels.IssueResult) {
	attrs := []any{
		"request_id", requestcontext.RequestID(ctx),
		"purpose", res.Purpose,
		"credential_id", res.CredentialID.String(),
		"delivered", res.Delivered,
		"client_ip", privacy.AnonymizeIP(requestcontext.ClientIP(ctx)),
		"client", describeClient(r.UserAgent()),
	}
	if res.DeliveryErr != nil {
		attrs = append(attrs, "delivery_error", res.DeliveryErr)
	}
	h.logger.InfoContext(ctx, "verification credential issued", attrs...)
}

// describeClient reduces a User-Agent to "browser on os" for issuance logs.
func describeClient(ua string) string {
	if ua == "" {
		return "unknown"
	}
	parsed := useragent.New(ua)
	if parsed.Bot() {
		return "bot"
	}
	browser, _ := parsed.Browser()
	os := parsed.OS()
	if browser == "" {
		browser = "unknown browser"
	}
	if os == "" {
		os = "unknown os"
	}
	if parsed.Mobile() {
		return browser + " on " + os + " (mobile)"
	}
	return browser + " on " + os
}
