package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestLogging_LevelsAndSurface(t *testing.T) {
	cases := []struct {
		path    string
		status  int
		level   string
		surface string
	}{
		{"/ocpi/2.2.1/locations/NL/CPO/LOC1", http.StatusOK, "info", "ocpi"},
		{"/ocpi/2.2.1/cdrs", http.StatusBadRequest, "warn", "ocpi"},
		{"/api/v1/admin/parties", http.StatusInternalServerError, "error", "admin"},
		{"/healthz", http.StatusOK, "debug", "ops"},
		{"/metrics", http.StatusServiceUnavailable, "error", "ops"},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			var buf bytes.Buffer
			logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
			handler := RequestLogging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte("{}"))
			}))

			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tc.path, nil))

			var line map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
			assert.Equal(t, tc.level, line["level"])
			assert.Equal(t, tc.surface, line["surface"])
			assert.Equal(t, float64(tc.status), line["status"])
			assert.Equal(t, float64(2), line["bytes"])
		})
	}
}

func TestRequestLogging_UsesRequestLogger(t *testing.T) {
	var fallback, scoped bytes.Buffer
	handler := CorrelationID(zerolog.New(&scoped))(RequestLogging(zerolog.New(&fallback))(okHandler()))

	req := httptest.NewRequest(http.MethodGet, "/ocpi/versions", nil)
	req.Header.Set("X-Request-ID", "req-42")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Empty(t, fallback.String())
	assert.Contains(t, scoped.String(), `"request_id":"req-42"`)
	assert.Contains(t, scoped.String(), `"status":200`)
}
