package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// accessTokenBytes is the entropy of issued access tokens.
const accessTokenBytes = 32

// NewAccessToken returns a random URL-safe token to hand to a peer.
func NewAccessToken() (string, error) {
	buf := make([]byte, accessTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate access token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
