package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type responseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *responseWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *responseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

// RequestLogging logs one line per request with the request-scoped logger, so
// correlation IDs and the party PartyAuth attached appear on it. Server errors
// log at error level, client errors at warn, and successful probe or scrape
// calls at debug.
func RequestLogging(fallback zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w}

			next.ServeHTTP(rw, r)

			if rw.status == 0 {
				rw.status = http.StatusOK
			}
			logger := zerolog.Ctx(r.Context())
			if logger.GetLevel() == zerolog.Disabled {
				logger = &fallback
			}

			surface := surfaceOf(r.URL.Path)
			var event *zerolog.Event
			switch {
			case rw.status >= 500:
				event = logger.Error()
			case rw.status >= 400:
				event = logger.Warn()
			case surface == "ops":
				event = logger.Debug()
			default:
				event = logger.Info()
			}
			event.
				Str("surface", surface).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rw.status).
				Int("bytes", rw.bytes).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

// surfaceOf names the API a path belongs to: "ocpi" for peers, "admin" for
// operators and "ops" for probes, metrics and version.
func surfaceOf(path string) string {
	switch {
	case strings.HasPrefix(path, "/ocpi/"):
		return "ocpi"
	case strings.HasPrefix(path, "/api/v1/admin/"):
		return "admin"
	}
	return "ops"
}
