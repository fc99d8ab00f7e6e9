// Package auth issues and validates the bearer tokens of the control API.
package auth

import (
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Scopes granted by control tokens.
const (
	ScopeRead  = "read"
	ScopeWrite = "write"
)

// ErrInvalidToken is returned for tokens that fail validation.
var ErrInvalidToken = errors.New("invalid or expired token")

// TokenConfig holds token settings.
type TokenConfig struct {
	Secret []byte
	Issuer string
}

// ControlClaims are the claims of a control API token.
type ControlClaims struct {
	jwt.RegisteredClaims
	Scope []string `json:"scope,omitempty"`
}

// HasScope reports whether the token grants scope.
func (c *ControlClaims) HasScope(scope string) bool {
	return slices.Contains(c.Scope, scope)
}

// TokenService signs and validates HS256 control tokens.
type TokenService struct {
	config TokenConfig
	now    func() time.Time
}

// NewTokenService creates a token service.
func NewTokenService(config TokenConfig) *TokenService {
	return &TokenService{config: config, now: time.Now}
}

// Issue signs a token for subject. A zero ttl issues a token that never
// expires.
func (s *TokenService) Issue(subject string, scopes []string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := ControlClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
			Issuer:   s.config.Issuer,
			ID:       uuid.NewString(),
		},
		Scope: scopes,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.config.Secret)
}

// Validate parses a token and returns its claims.
func (s *TokenService) Validate(tokenString string) (*ControlClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if s.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.config.Issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &ControlClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.config.Secret, nil
	}, opts...)
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*ControlClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
