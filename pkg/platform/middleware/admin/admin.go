package admin

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"

	"proz/pkg/requestcontext"
)

type contextKeyActor struct{}

// Actor returns the X-Admin-Actor-ID recorded by RequireAdminToken, if any.
func Actor(ctx context.Context) string {
	if actor, ok := ctx.Value(contextKeyActor{}).(string); ok {
		return actor
	}
	return ""
}

// RequireAdminToken guards operator endpoints such as credential purge.
// An empty expected token rejects every request.
func RequireAdminToken(expectedToken string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token := r.Header.Get("X-Admin-Token")
			if expectedToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
				logger.WarnContext(ctx, "admin token mismatch",
					"request_id", requestcontext.RequestID(ctx),
					"path", r.URL.Path,
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized","error_description":"admin token required"}`))
				return
			}

			if actor := r.Header.Get("X-Admin-Actor-ID"); actor != "" {
				ctx = context.WithValue(ctx, contextKeyActor{}, actor)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
