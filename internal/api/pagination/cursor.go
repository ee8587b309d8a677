// Package pagination encodes the opaque cursors of admin list endpoints.
package pagination

import (
	"encoding/base64"
	"errors"
	"strings"

	"github.com/oklog/ulid/v2"
)

var ErrInvalidCursor = errors.New("invalid cursor")

const changePrefix = "chg_"

// EncodeChangeCursor encodes the id of the last change log entry returned.
func EncodeChangeCursor(changeID string) string {
	value := changePrefix + strings.ToUpper(strings.TrimSpace(changeID))
	return base64.RawURLEncoding.EncodeToString([]byte(value))
}

// DecodeChangeCursor decodes base64(chg_<ULID>) into a change id.
func DecodeChangeCursor(cursor string) (string, error) {
	cursor = strings.TrimSpace(cursor)
	if cursor == "" {
		return "", ErrInvalidCursor
	}
	decoded, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", ErrInvalidCursor
	}
	value := string(decoded)
	if !strings.HasPrefix(value, changePrefix) {
		return "", ErrInvalidCursor
	}
	id, err := ulid.ParseStrict(strings.TrimPrefix(value, changePrefix))
	if err != nil {
		return "", ErrInvalidCursor
	}
	return id.String(), nil
}

const partyPrefix = "pty_"

// EncodePartyCursor encodes the key of the last party returned.
func EncodePartyCursor(partyKey string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(partyPrefix + partyKey))
}

// DecodePartyCursor decodes base64(pty_<key>) into a party key.
func DecodePartyCursor(cursor string) (string, error) {
	cursor = strings.TrimSpace(cursor)
	if cursor == "" {
		return "", ErrInvalidCursor
	}
	decoded, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", ErrInvalidCursor
	}
	key, ok := strings.CutPrefix(string(decoded), partyPrefix)
	if !ok || strings.TrimSpace(key) == "" {
		return "", ErrInvalidCursor
	}
	return key, nil
}
