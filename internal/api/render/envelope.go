// Package render writes protocol responses wrapped in the OCPI envelope.
package render

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/Togather-Foundation/roaming/internal/ocpi"
	"github.com/rs/zerolog"
)

const contentType = "application/json"

// Clock lets tests pin the envelope timestamp.
var Clock = time.Now

// Data writes a success envelope around data with HTTP 200.
func Data(w http.ResponseWriter, r *http.Request, data any) {
	resp, err := ocpi.NewResponse(data, Clock())
	if err != nil {
		Error(w, r, http.StatusInternalServerError, ocpi.StatusServerError, "response encoding failed", err)
		return
	}
	Envelope(w, http.StatusOK, resp)
}

// Error writes an error envelope. err is logged, never sent to the peer.
func Error(w http.ResponseWriter, r *http.Request, httpStatus, code int, message string, err error) {
	if err != nil && r != nil {
		logger := zerolog.Ctx(r.Context())
		event := logger.Warn()
		if httpStatus >= 500 {
			event = logger.Error()
		}
		event.Err(err).
			Int("status", httpStatus).
			Int("ocpi_status", code).
			Str("path", r.URL.Path).
			Str("method", r.Method).
			Msg(message)
	}
	Envelope(w, httpStatus, ocpi.NewErrorResponse(code, message, Clock()))
}

// Envelope writes resp as is.
func Envelope(w http.ResponseWriter, httpStatus int, resp ocpi.Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"status_code":3000,"status_message":"response encoding failed"}`))
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(httpStatus)
	_, _ = w.Write(payload)
}
