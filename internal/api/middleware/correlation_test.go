package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestCorrelationID(t *testing.T) {
	tests := []struct {
		name            string
		requestID       string
		correlationID   string
		wantRequest     string
		wantCorrelation string
	}{
		{name: "both supplied", requestID: "req-1", correlationID: "corr-1", wantRequest: "req-1", wantCorrelation: "corr-1"},
		{name: "correlation defaults to request", requestID: "req-2", wantRequest: "req-2", wantCorrelation: "req-2"},
		{name: "oversized ids replaced", requestID: strings.Repeat("x", 65), correlationID: strings.Repeat("y", 65)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ctxRequest, ctxCorrelation string
			handler := CorrelationID(zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxRequest = GetRequestID(r.Context())
				ctxCorrelation = GetCorrelationID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/ocpi/versions", nil)
			if tt.requestID != "" {
				req.Header.Set("X-Request-ID", tt.requestID)
			}
			if tt.correlationID != "" {
				req.Header.Set("X-Correlation-ID", tt.correlationID)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.NotEmpty(t, ctxRequest)
			assert.Equal(t, ctxRequest, rec.Header().Get("X-Request-ID"))
			assert.Equal(t, ctxCorrelation, rec.Header().Get("X-Correlation-ID"))
			if tt.wantRequest != "" {
				assert.Equal(t, tt.wantRequest, ctxRequest)
				assert.Equal(t, tt.wantCorrelation, ctxCorrelation)
			} else {
				assert.LessOrEqual(t, len(ctxRequest), maxIDLength)
				assert.Equal(t, ctxRequest, ctxCorrelation)
			}
		})
	}
}

func TestLoggerFromContext_NoLogger(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	logger := LoggerFromContext(req.Context())
	assert.NotNil(t, logger)
}
