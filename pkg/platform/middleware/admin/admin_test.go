package admin

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequireAdminToken(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var actor string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor = Actor(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name     string
		expected string
		header   string
		want     int
	}{
		{"matching token", "s3cret", "s3cret", http.StatusNoContent},
		{"wrong token", "s3cret", "guess", http.StatusUnauthorized},
		{"missing token", "s3cret", "", http.StatusUnauthorized},
		{"unconfigured token rejects everything", "", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/admin/verification/purge", nil)
			if tt.header != "" {
				req.Header.Set("X-Admin-Token", tt.header)
			}
			req.Header.Set("X-Admin-Actor-ID", "ops-oncall")
			w := httptest.NewRecorder()

			RequireAdminToken(tt.expected, logger)(next).ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
		})
	}

	assert.Equal(t, "ops-oncall", actor)
}
