package middleware

import (
	"net/http"
)

const (
	// ProtocolMaxBodySize is 1MB for OCPI endpoints
	ProtocolMaxBodySize int64 = 1 << 20

	// AdminMaxBodySize is 5MB for admin endpoints; CDR batches go through here
	AdminMaxBodySize int64 = 5 << 20
)

// RequestSize limits the size of incoming request bodies.
//
// It wraps the request body with http.MaxBytesReader. Handlers see a
// *http.MaxBytesError from the decoder once the limit is crossed and answer
// 413.
func RequestSize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ProtocolRequestSize limits request bodies to 1MB for peer endpoints.
func ProtocolRequestSize() func(http.Handler) http.Handler {
	return RequestSize(ProtocolMaxBodySize)
}

// AdminRequestSize limits request bodies to 5MB for admin endpoints.
func AdminRequestSize() func(http.Handler) http.Handler {
	return RequestSize(AdminMaxBodySize)
}
