package auth

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// DerivedKeyLength is the length of derived keys in bytes (32 bytes = 256 bits for HMAC-SHA256)
	DerivedKeyLength = 32

	// Key derivation purpose strings for HKDF
	purposeAdminJWT      = "roaming-admin-jwt-v1"
	purposeRotatingToken = "roaming-rotating-token-v1"
)

// ErrInvalidMasterSecret is returned when the master secret is invalid
var ErrInvalidMasterSecret = errors.New("master secret cannot be empty")

// DeriveKey derives length bytes from a master secret using HKDF-SHA256.
// Keys derived with different purpose strings are independent of each other.
func DeriveKey(masterSecret []byte, purpose string, length int) ([]byte, error) {
	if len(masterSecret) == 0 {
		return nil, ErrInvalidMasterSecret
	}

	// salt=nil is acceptable per RFC 5869 (defaults to zeros)
	r := hkdf.New(sha256.New, masterSecret, nil, []byte(purpose))

	derived := make([]byte, length)
	if _, err := io.ReadFull(r, derived); err != nil {
		return nil, err
	}
	return derived, nil
}

// DeriveAdminJWTKey derives the key used to sign admin API tokens.
func DeriveAdminJWTKey(masterSecret []byte) ([]byte, error) {
	return DeriveKey(masterSecret, purposeAdminJWT, DerivedKeyLength)
}
