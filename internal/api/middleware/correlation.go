// Package middleware holds the HTTP middleware shared by the protocol and
// admin surfaces.
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	// RequestIDKey is the context key for the request correlation ID
	RequestIDKey contextKey = "request_id"

	// CorrelationIDKey is the context key for the cross-party correlation ID
	CorrelationIDKey contextKey = "correlation_id"

	maxIDLength = 64
)

// CorrelationID middleware assigns a request ID and a correlation ID to each
// request and injects both into the logger. Peers send X-Correlation-ID to tie
// together the calls of one exchange; it is kept when present.
func CorrelationID(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := headerID(r, "X-Request-ID")
			correlationID := headerID(r, "X-Correlation-ID")
			if correlationID == "" {
				correlationID = requestID
			}

			w.Header().Set("X-Request-ID", requestID)
			w.Header().Set("X-Correlation-ID", correlationID)

			reqLogger := logger.With().
				Str("request_id", requestID).
				Str("correlation_id", correlationID).
				Logger()

			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			ctx = context.WithValue(ctx, CorrelationIDKey, correlationID)
			ctx = reqLogger.WithContext(ctx)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// headerID returns the header value, or a fresh UUID when it is missing or
// unreasonably long.
func headerID(r *http.Request, name string) string {
	if id := r.Header.Get(name); id != "" && len(id) <= maxIDLength {
		return id
	}
	if name == "X-Correlation-ID" {
		return ""
	}
	return uuid.New().String()
}

// GetRequestID extracts the request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetCorrelationID extracts the correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}

// LoggerFromContext extracts the logger from context, or returns a disabled logger
func LoggerFromContext(ctx context.Context) *zerolog.Logger {
	logger := zerolog.Ctx(ctx)
	if logger.GetLevel() == zerolog.Disabled {
		noop := zerolog.Nop()
		return &noop
	}
	return logger
}
