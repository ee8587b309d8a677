package middleware

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/Togather-Foundation/roaming/internal/api"

// Tracing creates a server span per request, continuing any W3C trace context
// the calling party sent. Apply it before RequestLogging.
//
// Besides the HTTP semantic attributes the span carries request_id and
// correlation_id, and for protocol routes the OCPI version and module taken
// from the matched pattern. PartyAuth adds the authenticated party.
func Tracing(next http.Handler) http.Handler {
	tracer := otel.Tracer(tracerName)
	propagator := otel.GetTextMapPropagator()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		spanName := r.Method + " " + r.URL.Path
		ctx, span := tracer.Start(ctx, spanName,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPMethod(r.Method),
				semconv.HTTPURL(r.URL.String()),
				semconv.HTTPRoute(r.URL.Path),
				attribute.String("http.user_agent", r.UserAgent()),
				semconv.HTTPScheme(schemeFromRequest(r)),
				semconv.NetHostName(r.Host),
			),
		)
		defer span.End()

		if requestID := GetRequestID(ctx); requestID != "" {
			span.SetAttributes(attribute.String("request_id", requestID))
		}
		if correlationID := GetCorrelationID(ctx); correlationID != "" {
			span.SetAttributes(attribute.String("correlation_id", correlationID))
		}

		ww := &tracingResponseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}
		r = r.WithContext(ctx)
		next.ServeHTTP(ww, r)

		span.SetAttributes(semconv.HTTPStatusCode(ww.statusCode))
		if r.Pattern != "" {
			span.SetName(routeName(r))
			span.SetAttributes(semconv.HTTPRoute(r.Pattern))
			span.SetAttributes(ocpiAttributes(r)...)
		}

		if ww.statusCode >= 500 {
			span.SetStatus(codes.Error, http.StatusText(ww.statusCode))
		} else {
			span.SetStatus(codes.Ok, "")
		}
	})
}

// tracingResponseWriter wraps http.ResponseWriter to capture the status code
type tracingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *tracingResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *tracingResponseWriter) Write(b []byte) (int, error) {
	return w.ResponseWriter.Write(b)
}

func ocpiAttributes(r *http.Request) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if v := r.PathValue("version"); v != "" {
		attrs = append(attrs, attribute.String("ocpi.version", v))
	}
	module := r.PathValue("module")
	pattern := r.Pattern
	if _, path, ok := strings.Cut(pattern, " "); ok {
		pattern = path
	}
	if rest, ok := strings.CutPrefix(pattern, "/ocpi/{version}/"); ok && module == "" {
		module, _, _ = strings.Cut(rest, "/")
	}
	if module != "" {
		attrs = append(attrs, attribute.String("ocpi.module", module))
	}
	return attrs
}

// routeName names the span after the matched pattern. Patterns registered
// with a method already carry it.
func routeName(r *http.Request) string {
	if strings.Contains(r.Pattern, " ") {
		return r.Pattern
	}
	return r.Method + " " + r.Pattern
}

// schemeFromRequest determines the HTTP scheme (http or https) from the request
func schemeFromRequest(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if scheme := r.Header.Get("X-Forwarded-Proto"); scheme != "" {
		return scheme
	}
	return "http"
}
