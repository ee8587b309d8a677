// Package handlers serves the OCPI protocol endpoints peers call and the
// admin API operators use.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/Togather-Foundation/roaming/internal/domain/parties"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

var errEmptyBody = errors.New("request body is empty")

func writeJSON(w http.ResponseWriter, status int, payload any, contentType string) {
	if contentType == "" {
		contentType = "application/json"
	}
	if !strings.HasPrefix(contentType, "application/") {
		contentType = "application/json"
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func pathParam(r *http.Request, key string) string {
	if r == nil {
		return ""
	}
	return r.PathValue(key)
}

// decodeJSON reads the whole body into out. Unknown fields are rejected.
func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

// readBody returns the raw body, which must be a JSON object.
func readBody(r *http.Request) (json.RawMessage, error) {
	if r.Body == nil {
		return nil, errEmptyBody
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, errEmptyBody
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("body is not valid JSON")
	}
	return body, nil
}

func tooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

// partyFromPath parses the {party} wildcard, a "CC-PID-ROLE" key.
func partyFromPath(r *http.Request) (parties.Identity, error) {
	return parties.ParseKey(strings.ToUpper(strings.TrimSpace(pathParam(r, "party"))))
}

// pageLimit parses the limit query parameter, clamped to maxPageSize.
func pageLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultPageSize, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return min(n, maxPageSize), nil
}
