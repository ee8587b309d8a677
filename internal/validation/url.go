package validation

import (
	"fmt"
	"net/url"
	"strings"
)

// URLValidationError represents a URL validation failure
type URLValidationError struct {
	Field   string
	Message string
	URL     string
}

func (e URLValidationError) Error() string {
	return fmt.Sprintf("%s: %s (url: %s)", e.Field, e.Message, e.URL)
}

// ValidateURL checks that a URL is absolute http(s), optionally HTTPS only.
// Empty URLs pass; use ValidatePeerURL for required fields.
func ValidateURL(urlString, fieldName string, requireHTTPS bool) error {
	if urlString == "" {
		return nil
	}

	parsedURL, err := url.Parse(urlString)
	if err != nil {
		return URLValidationError{Field: fieldName, Message: "invalid URL format", URL: urlString}
	}
	if parsedURL.Scheme == "" {
		return URLValidationError{Field: fieldName, Message: "URL must include a scheme (http:// or https://)", URL: urlString}
	}
	if parsedURL.Host == "" {
		return URLValidationError{Field: fieldName, Message: "URL must include a host", URL: urlString}
	}

	scheme := strings.ToLower(parsedURL.Scheme)
	if requireHTTPS && scheme != "https" {
		return URLValidationError{Field: fieldName, Message: "URL must use HTTPS in production", URL: urlString}
	}
	if scheme != "http" && scheme != "https" {
		return URLValidationError{Field: fieldName, Message: "URL scheme must be http or https", URL: urlString}
	}
	return nil
}

// ValidatePeerURL validates a versions or endpoint URL received from or
// configured for a peer. It is required and must not carry user info or a
// fragment, since tokens travel in headers only.
func ValidatePeerURL(urlString, fieldName string, requireHTTPS bool) error {
	if urlString == "" {
		return URLValidationError{Field: fieldName, Message: "URL is required", URL: urlString}
	}
	if err := ValidateURL(urlString, fieldName, requireHTTPS); err != nil {
		return err
	}

	parsedURL, _ := url.Parse(urlString) // Already validated above
	if parsedURL.User != nil {
		return URLValidationError{Field: fieldName, Message: "URL must not contain credentials", URL: urlString}
	}
	if parsedURL.Fragment != "" {
		return URLValidationError{Field: fieldName, Message: "URL must not contain a fragment", URL: urlString}
	}
	return nil
}
