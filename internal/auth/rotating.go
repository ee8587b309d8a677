package auth

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// rotatingCodeLength is the number of derived bytes in a rotating code.
const rotatingCodeLength = 8

// ErrInvalidPeriod is returned for a rotation period shorter than a second.
var ErrInvalidPeriod = errors.New("rotation period must be at least one second")

// RotatingCode returns the code valid for the period containing t.
func RotatingCode(secret string, period time.Duration, t time.Time) (string, error) {
	seconds, err := periodSeconds(period)
	if err != nil {
		return "", err
	}
	return rotatingCodeAt(secret, t.Unix()/seconds)
}

func periodSeconds(period time.Duration) (int64, error) {
	seconds := int64(period / time.Second)
	if seconds <= 0 {
		return 0, ErrInvalidPeriod
	}
	return seconds, nil
}

func rotatingCodeAt(secret string, counter int64) (string, error) {
	key, err := DeriveKey([]byte(secret), purposeRotatingToken+":"+strconv.FormatInt(counter, 10), rotatingCodeLength)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}

// VerifyRotatingCode accepts the code of the current or the previous period,
// which tolerates clock skew across one period boundary.
func VerifyRotatingCode(secret string, period time.Duration, code string, t time.Time) bool {
	seconds, err := periodSeconds(period)
	if err != nil || code == "" {
		return false
	}
	counter := t.Unix() / seconds
	for _, c := range []int64{counter, counter - 1} {
		want, err := rotatingCodeAt(secret, c)
		if err != nil {
			return false
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 {
			return true
		}
	}
	return false
}

// ComposeRotatingToken builds the credential presented for a rotating token.
func ComposeRotatingToken(static, code string) string {
	return static + ":" + code
}

// splitRotatingToken separates "<static>:<code>" at the last colon.
func splitRotatingToken(presented string) (static, code string, ok bool) {
	i := strings.LastIndexByte(presented, ':')
	if i <= 0 || i == len(presented)-1 {
		return "", "", false
	}
	return presented[:i], presented[i+1:], true
}
