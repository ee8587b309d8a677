package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AdminAudience is the aud claim of every admin API token. Tokens minted for
// another audience with the same secret are refused.
const AdminAudience = "roaming-admin"

// Claims are carried by admin API tokens.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTManager issues and validates admin API tokens.
type JWTManager struct {
	secret []byte
	expiry time.Duration
	issuer string
	now    func() time.Time
}

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
)

// NewJWTManager signs with a key derived from masterSecret, so the raw
// secret is never used as an HMAC key directly.
func NewJWTManager(masterSecret string, expiry time.Duration, issuer string) (*JWTManager, error) {
	key, err := DeriveAdminJWTKey([]byte(masterSecret))
	if err != nil {
		return nil, err
	}
	return &JWTManager{secret: key, expiry: expiry, issuer: issuer, now: time.Now}, nil
}

// Generate signs a token for subject. Each token gets a unique jti so audit
// lines can tell two tokens of one operator apart.
func (m *JWTManager) Generate(subject string, role Role) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	if _, ok := ParseRole(string(role)); !ok {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidToken, role)
	}

	issued := m.now()
	claims := &Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{AdminAudience},
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(m.expiry)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Validate checks signature, issuer, audience and expiry. Tokens whose role
// claim is not a known role are refused.
func (m *JWTManager) Validate(raw string) (*Claims, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(AdminAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if _, ok := ParseRole(claims.Role); !ok {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}
	return claims, nil
}
