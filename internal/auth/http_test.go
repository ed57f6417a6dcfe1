// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers token extraction, validation, context propagation, and the owner gate

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		token  string
		errMsg string
	}{
		{"", "", "missing authorization header"},
		{"Basic abc", "", "invalid authorization header format"},
		{"Bearer ", "", "empty token"},
		{"Bearer abc", "abc", ""},
	}
	for _, tt := range tests {
		token, errMsg := extractBearerToken(tt.header)
		assert.Equal(t, tt.token, token, tt.header)
		assert.Equal(t, tt.errMsg, errMsg, tt.header)
	}
}

func TestHTTPAuthMiddleware(t *testing.T) {
	v := newVerifier(t)
	token, err := v.Generate("ops-bot", RoleAutomation, time.Hour)
	require.NoError(t, err)

	var got *AuthContext
	handler := HTTPAuthMiddleware(v, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("valid", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/permissions", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, got)
		assert.Equal(t, "ops-bot", got.PrincipalID)
		assert.Equal(t, RoleAutomation, got.Role)
		assert.False(t, got.IsOwner())
	})

	t.Run("missing", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/permissions", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "missing authorization header")
	})

	t.Run("invalid", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/permissions", nil)
		req.Header.Set("Authorization", "Bearer nope")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "invalid token")
	})
}

func TestRequireOwnerHTTP(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	gate := RequireOwnerHTTP()(ok)

	tests := []struct {
		name string
		auth *AuthContext
		want int
	}{
		{"anonymous", nil, http.StatusUnauthorized},
		{"automation", &AuthContext{PrincipalID: "bot", Role: RoleAutomation}, http.StatusForbidden},
		{"owner", &AuthContext{PrincipalID: "me", Role: RoleOwner}, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/v1/permissions/x", nil)
			if tt.auth != nil {
				req = req.WithContext(WithAuth(req.Context(), tt.auth))
			}
			rec := httptest.NewRecorder()
			gate.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
