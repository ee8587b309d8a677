package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Togather-Foundation/roaming/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTAuth(t *testing.T) {
	manager, err := auth.NewJWTManager("test-secret-with-enough-length", time.Hour, "roaming-test")
	require.NoError(t, err)

	adminToken, err := manager.Generate("ops-1", auth.RoleAdmin)
	require.NoError(t, err)
	viewerToken, err := manager.Generate("ops-2", auth.RoleViewer)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		need   auth.Capability
		status int
	}{
		{name: "missing header", need: auth.CapManage, status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Token " + adminToken, need: auth.CapManage, status: http.StatusUnauthorized},
		{name: "garbage token", header: "Bearer nope", need: auth.CapManage, status: http.StatusUnauthorized},
		{name: "admin manages", header: "Bearer " + adminToken, need: auth.CapManage, status: http.StatusOK},
		{name: "viewer cannot manage", header: "Bearer " + viewerToken, need: auth.CapManage, status: http.StatusForbidden},
		{name: "viewer cannot operate", header: "Bearer " + viewerToken, need: auth.CapOperate, status: http.StatusForbidden},
		{name: "viewer inspects", header: "Bearer " + viewerToken, need: auth.CapInspect, status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var subject string
			handler := JWTAuth(manager, "test", tt.need)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				claims, ok := auth.ClaimsFromContext(r.Context())
				require.True(t, ok)
				subject = claims.Subject
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/parties", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.NotEmpty(t, subject)
			} else {
				assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestJWTAuth_NilManager(t *testing.T) {
	handler := JWTAuth(nil, "test", auth.CapInspect)(okHandler())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/admin/parties", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
