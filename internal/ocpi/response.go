package ocpi

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status codes carried in the response envelope.
const (
	StatusSuccess            = 1000
	StatusClientError        = 2000
	StatusInvalidParameters  = 2001
	StatusNotEnoughInfo      = 2002
	StatusUnknownLocation    = 2003
	StatusUnknownToken       = 2004
	StatusOutdatedObject     = 2004 // receivers answer it for downgrades
	StatusServerError        = 3000
	StatusUnableToUseAPI     = 3001
	StatusUnsupportedVersion = 3002
	StatusNoMatchingEndpoint = 3003
	StatusHubError           = 4000
	StatusUnknownReceiver    = 4001
)

// ErrMalformedResponse is returned when a peer answers with something that is
// not a valid response envelope.
var ErrMalformedResponse = errors.New("malformed response envelope")

// Response is the envelope wrapping every protocol response.
type Response struct {
	Data          json.RawMessage `json:"data,omitempty"`
	StatusCode    int             `json:"status_code"`
	StatusMessage string          `json:"status_message,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// StatusError is returned when the envelope carries a non-success status code.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ocpi status %d", e.Code)
	}
	return fmt.Sprintf("ocpi status %d: %s", e.Code, e.Message)
}

// NewResponse wraps data in a success envelope.
func NewResponse(data any, now time.Time) (Response, error) {
	resp := Response{StatusCode: StatusSuccess, Timestamp: now.UTC()}
	if data == nil {
		return resp, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Response{}, fmt.Errorf("encode response data: %w", err)
	}
	resp.Data = raw
	return resp, nil
}

// NewErrorResponse builds an envelope without data.
func NewErrorResponse(code int, message string, now time.Time) Response {
	return Response{StatusCode: code, StatusMessage: message, Timestamp: now.UTC()}
}

// DecodeResponse parses an envelope and decodes its data into out. out may be
// nil when the caller only cares about the status.
func DecodeResponse(body []byte, out any) error {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if resp.StatusCode == 0 {
		return fmt.Errorf("%w: missing status_code", ErrMalformedResponse)
	}
	if resp.StatusCode < 1000 || resp.StatusCode >= 2000 {
		return &StatusError{Code: resp.StatusCode, Message: resp.StatusMessage}
	}
	if out == nil {
		return nil
	}
	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		return fmt.Errorf("%w: missing data", ErrMalformedResponse)
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("%w: data: %v", ErrMalformedResponse, err)
	}
	return nil
}
