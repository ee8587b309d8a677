package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(
		trace.WithSyncer(exporter),
		trace.WithSampler(trace.AlwaysSample()),
	)
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(previous)
	})
	return exporter
}

func spanAttr(attrs []attribute.KeyValue, key attribute.Key) (attribute.Value, bool) {
	for _, attr := range attrs {
		if attr.Key == key {
			return attr.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestTracing_NamesSpanByRoutePattern(t *testing.T) {
	exporter := newTestTracer(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ocpi/{version}/credentials", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := CorrelationID(zerolog.Nop())(Tracing(mux))

	req := httptest.NewRequest(http.MethodGet, "/ocpi/2.2.1/credentials", nil)
	req.Header.Set("X-Correlation-ID", "corr-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != "GET /ocpi/{version}/credentials" {
		t.Errorf("unexpected span name %q", span.Name)
	}
	if v, ok := spanAttr(span.Attributes, "http.status_code"); !ok || v.AsInt64() != 200 {
		t.Errorf("http.status_code = %v, want 200", v.AsInt64())
	}
	if v, ok := spanAttr(span.Attributes, "correlation_id"); !ok || v.AsString() != "corr-1" {
		t.Errorf("correlation_id = %q, want corr-1", v.AsString())
	}
	if _, ok := spanAttr(span.Attributes, "request_id"); !ok {
		t.Error("request_id attribute not found")
	}
	if v, _ := spanAttr(span.Attributes, "ocpi.version"); v.AsString() != "2.2.1" {
		t.Errorf("ocpi.version = %q, want 2.2.1", v.AsString())
	}
	if v, _ := spanAttr(span.Attributes, "ocpi.module"); v.AsString() != "credentials" {
		t.Errorf("ocpi.module = %q, want credentials", v.AsString())
	}
}

func TestTracing_ModuleFromPathValue(t *testing.T) {
	exporter := newTestTracer(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/ocpi/{version}/{module}/{country_code}/{party_id}/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	Tracing(mux).ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/ocpi/2.1.1/tariffs/NL/CPO/T1", nil))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if v, _ := spanAttr(spans[0].Attributes, "ocpi.module"); v.AsString() != "tariffs" {
		t.Errorf("ocpi.module = %q, want tariffs", v.AsString())
	}
	if v, _ := spanAttr(spans[0].Attributes, "ocpi.version"); v.AsString() != "2.1.1" {
		t.Errorf("ocpi.version = %q, want 2.1.1", v.AsString())
	}
}

func TestTracing_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   codes.Code
	}{
		{http.StatusOK, codes.Ok},
		{http.StatusNotFound, codes.Ok},
		{http.StatusBadGateway, codes.Error},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			exporter := newTestTracer(t)
			handler := Tracing(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))

			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ocpi/versions", nil))

			spans := exporter.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("expected 1 span, got %d", len(spans))
			}
			if spans[0].Status.Code != tt.want {
				t.Errorf("span status = %v, want %v", spans[0].Status.Code, tt.want)
			}
		})
	}
}

func TestTracingResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	tw := &tracingResponseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	tw.WriteHeader(http.StatusCreated)

	if tw.statusCode != http.StatusCreated {
		t.Errorf("expected statusCode=201, got %d", tw.statusCode)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected underlying recorder Code=201, got %d", rec.Code)
	}
}
