package auth

import (
	"net/http"
	"strings"
	"unicode/utf8"
)

// TokenFromHeader extracts the credential from an Authorization header. Peers
// use the "Token" scheme; "Bearer" is accepted for admin tokens and lenient
// peers.
func TokenFromHeader(authHeader string) (string, error) {
	parts := strings.Fields(authHeader)
	if len(parts) != 2 {
		return "", ErrMissingToken
	}
	if !strings.EqualFold(parts[0], "token") && !strings.EqualFold(parts[0], "bearer") {
		return "", ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" || !utf8.ValidString(token) {
		return "", ErrInvalidToken
	}
	return token, nil
}

// TokenFromRequest reads the Authorization header of r.
func TokenFromRequest(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrMissingToken
	}
	return TokenFromHeader(r.Header.Get("Authorization"))
}

// AuthorizationHeader formats the header value used when calling a peer.
func AuthorizationHeader(token string) string {
	return "Token " + token
}
