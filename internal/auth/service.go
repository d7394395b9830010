// Package auth implements credential verification and bearer token
// handling: bcrypt for password hashes, HMAC-signed JWTs for identity
// tokens. The rest of the coordinator consumes it through
// interfaces.AuthService and never sees a claim or a hash.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"backchannel/pkg/types"
)

const defaultTokenTTL = 7 * 24 * time.Hour

// Service issues and verifies identity tokens signed with a shared secret.
type Service struct {
	secret   []byte
	tokenTTL time.Duration
}

type identityClaims struct {
	jwt.RegisteredClaims
}

// NewService creates the auth service. An empty secret is refused; a zero
// TTL falls back to seven days, matching the token lifetime clients expect.
func NewService(secret string, tokenTTL time.Duration) (*Service, error) {
	if secret == "" {
		return nil, fmt.Errorf("token secret cannot be empty")
	}
	if tokenTTL <= 0 {
		tokenTTL = defaultTokenTTL
	}
	return &Service{secret: []byte(secret), tokenTTL: tokenTTL}, nil
}

// HashPassword hashes a plaintext password for storage.
func (s *Service) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether the plaintext matches the stored hash.
func (s *Service) CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// IssueToken signs a new bearer token whose subject is the user ID.
func (s *Service) IssueToken(userID string) (string, error) {
	now := time.Now()
	claims := identityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates signature and expiry and returns the subject user
// ID. Any parse failure maps to the unauthenticated error so callers never
// branch on jwt internals.
func (s *Service) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &identityClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: invalid token", types.ErrUnauthenticated)
	}

	claims, ok := token.Claims.(*identityClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("%w: token missing subject", types.ErrUnauthenticated)
	}
	return claims.Subject, nil
}
